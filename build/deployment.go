package build

// DeploymentType selects how subsystem loggers behave when no log writer
// has been set up, and is reported in the startup version line.
type DeploymentType byte

const (
	// Development is selected by the dev build tag. Combined with the
	// stdlog tag, subsystem loggers without a writer print to stdout so
	// package tests show their output.
	Development DeploymentType = iota

	// Production is the default build. Loggers without a writer stay
	// silent until Main wires them to the rotating log file.
	Production
)

// String returns the name printed in the version line.
func (b DeploymentType) String() string {
	switch b {
	case Development:
		return "development"
	case Production:
		return "production"
	default:
		return "unknown"
	}
}
