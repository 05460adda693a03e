//go:build dev
// +build dev

package build

// Deployment is set by building with the dev tag.
const Deployment = Development
