package vanguards

import (
	"github.com/btcsuite/btclog"
	"github.com/hsguard/vanguards/alert"
	"github.com/hsguard/vanguards/bandguard"
	"github.com/hsguard/vanguards/build"
	"github.com/hsguard/vanguards/consensus"
	"github.com/hsguard/vanguards/guardset"
	"github.com/hsguard/vanguards/logguard"
	"github.com/hsguard/vanguards/monitoring"
	"github.com/hsguard/vanguards/nodeselect"
	"github.com/hsguard/vanguards/rendguard"
	"github.com/hsguard/vanguards/secret"
	"github.com/hsguard/vanguards/signal"
	"github.com/hsguard/vanguards/statefile"
	"github.com/hsguard/vanguards/tor"
)

// Loggers per subsystem. A single backend logger is created and all
// subsystem loggers created from it will write to the backend. When adding
// new subsystems, add the subsystem logger in init.
//
// Loggers can not be used before the log rotator has been initialized with
// a log file. This must be performed early during application startup by
// calling initLogging.
var (
	logWriter = &build.LogWriter{}

	// backendLog is the logging backend used to create all subsystem
	// loggers.
	backendLog = btclog.NewBackend(logWriter)

	// logRotator is one of the logging outputs. It should be closed on
	// application shutdown.
	logRotator = build.NewRotatingLogWriter()

	// subLoggers maps each subsystem to its logger for --debuglevel.
	subLoggers = make(build.SubLoggers)

	vngdLog = build.NewSubLogger("VNGD", backendLog.Logger)
)

// Initialize package-global logger variables.
func init() {
	setSubLogger("VNGD", vngdLog)

	addSubLogger(tor.Subsystem, tor.UseLogger)
	addSubLogger(consensus.Subsystem, consensus.UseLogger)
	addSubLogger(nodeselect.Subsystem, nodeselect.UseLogger)
	addSubLogger(statefile.Subsystem, statefile.UseLogger)
	addSubLogger(guardset.Subsystem, guardset.UseLogger)
	addSubLogger(bandguard.Subsystem, bandguard.UseLogger)
	addSubLogger(rendguard.Subsystem, rendguard.UseLogger)
	addSubLogger(logguard.Subsystem, logguard.UseLogger)
	addSubLogger(alert.Subsystem, alert.UseLogger)
	addSubLogger(monitoring.Subsystem, monitoring.UseLogger)
	addSubLogger(signal.Subsystem, signal.UseLogger)
	addSubLogger(secret.Subsystem, secret.UseLogger)
}

// addSubLogger is a helper method to conveniently create and register the
// logger of a subsystem.
func addSubLogger(subsystem string, useLoggers ...func(btclog.Logger)) {
	logger := build.NewSubLogger(subsystem, backendLog.Logger)
	setSubLogger(subsystem, logger, useLoggers...)
}

// setSubLogger is a helper method to conveniently register the logger of a
// subsystem.
func setSubLogger(subsystem string, logger btclog.Logger,
	useLoggers ...func(btclog.Logger)) {

	subLoggers[subsystem] = logger
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}

// initLogging attaches the log file, if any, and applies the log levels of
// a validated config.
func initLogging(cfg *Config) error {
	logWriter.NoConsole = cfg.Log.NoConsole

	if cfg.LogFile != "" && !cfg.Log.Disable {
		err := logRotator.InitLogRotator(cfg.Log, cfg.LogFile)
		if err != nil {
			return err
		}
		logWriter.Rotator = logRotator
	}

	return build.ParseAndSetDebugLevels(cfg.DebugLevel, subLoggers)
}
