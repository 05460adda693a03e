package vgcfg

import "github.com/hsguard/vanguards/logguard"

// Logguard holds the Tor log buffering options.
//
//nolint:lll
type Logguard struct {
	ProtocolWarns bool   `long:"log_protocol_warns" toml:"log_protocol_warns" description:"Ask Tor to log protocol violations"`
	DumpLimit     int    `long:"log_dump_limit" toml:"log_dump_limit" description:"Number of Tor log lines kept for dumps around circuit closes"`
	DumpLevel     string `long:"log_dump_level" toml:"log_dump_level" description:"Lowest Tor log level kept for dumps (DEBUG, INFO, NOTICE, WARN, ERR)"`
}

// DefaultLogguard returns the default buffering options.
func DefaultLogguard() *Logguard {
	return &Logguard{
		ProtocolWarns: true,
		DumpLimit:     25,
		DumpLevel:     "NOTICE",
	}
}

// Validate checks the options.
func (l *Logguard) Validate() error {
	if l.DumpLimit < 1 {
		return invalid("log_dump_limit", "must be at least 1")
	}
	if _, err := logguard.ParseLevel(l.DumpLevel); err != nil {
		return invalid("log_dump_level", "%v", err)
	}

	return nil
}

// LogGuard converts the options to the buffer config. Validate must have
// passed.
func (l *Logguard) LogGuard() *logguard.Config {
	level, _ := logguard.ParseLevel(l.DumpLevel)

	return &logguard.Config{
		DumpLimit:     l.DumpLimit,
		DumpLevel:     level,
		ProtocolWarns: l.ProtocolWarns,
	}
}
