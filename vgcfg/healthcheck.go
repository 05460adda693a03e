package vgcfg

import "time"

// CheckConfig is the schedule of a single health check.
//
//nolint:lll
type CheckConfig struct {
	Interval time.Duration `long:"interval" toml:"interval" description:"How often to run the check"`
	Attempts int           `long:"attempts" toml:"attempts" description:"Number of failed attempts before we shut down; 0 disables the check"`
	Timeout  time.Duration `long:"timeout" toml:"timeout" description:"How long a single attempt may take"`
	Backoff  time.Duration `long:"backoff" toml:"backoff" description:"Wait between failed attempts"`
}

// DiskCheckConfig watches the free space where the state file lives.
//
//nolint:lll
type DiskCheckConfig struct {
	RequiredRemaining float64 `long:"diskrequired" toml:"disk_required" description:"Minimum free ratio of the state file's disk (0 to 1)"`

	CheckConfig
}

// HealthCheck holds the health check options.
type HealthCheck struct {
	Disk *DiskCheckConfig `group:"diskcheck" namespace:"diskcheck" toml:"disk"`
}

// DefaultHealthCheck returns a disk check every ten minutes requiring 5%
// free space.
func DefaultHealthCheck() *HealthCheck {
	return &HealthCheck{
		Disk: &DiskCheckConfig{
			RequiredRemaining: 0.05,
			CheckConfig: CheckConfig{
				Interval: 10 * time.Minute,
				Attempts: 2,
				Timeout:  5 * time.Second,
				Backoff:  time.Minute,
			},
		},
	}
}

// Validate checks the options.
func (h *HealthCheck) Validate() error {
	d := h.Disk
	switch {
	case d.RequiredRemaining < 0 || d.RequiredRemaining >= 1:
		return invalid("healthcheck.diskcheck.diskrequired",
			"must be in [0, 1)")

	case d.Attempts < 0:
		return invalid("healthcheck.diskcheck.attempts",
			"must not be negative")

	case d.Attempts > 0 && (d.Interval <= 0 || d.Timeout <= 0):
		return invalid("healthcheck.diskcheck.interval",
			"interval and timeout must be positive")
	}

	return nil
}
