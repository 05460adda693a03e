//go:build !dev
// +build !dev

package build

// Deployment is the default for release builds.
const Deployment = Production
