package vanguards

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hsguard/vanguards/build"
	"github.com/hsguard/vanguards/monitoring"
	"github.com/hsguard/vanguards/tor"
	"github.com/hsguard/vanguards/vgcfg"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "vanguards.conf"
	defaultStateFilename  = "vanguards.state"
	defaultControlIP      = "127.0.0.1"
	defaultLogLevel       = "NOTICE"

	defaultRotationInterval = time.Minute
	defaultAlertRatePerMin  = 30
	defaultAlertBurst       = 10

	// envStateFile and envConfigFile override the defaults of --state
	// and --config. Both the config file and the command line take
	// precedence over them.
	envStateFile  = "VANGUARDS_STATE"
	envConfigFile = "VANGUARDS_CONFIG"
)

// logLevels maps the accepted loglevel names to btclog levels. Tor's
// NOTICE has no btclog counterpart and maps to info.
var logLevels = map[string]string{
	"DEBUG":  "debug",
	"INFO":   "info",
	"NOTICE": "info",
	"WARN":   "warn",
	"ERROR":  "error",
}

// Config holds every option of the controller. Options of the top level
// struct live in the [Global] section of the config file; the groups get a
// section each.
//
//nolint:lll
type Config struct {
	ShowVersion    bool   `short:"V" long:"version" description:"Display version information and exit" toml:"-"`
	ConfigFile     string `long:"config" description:"Path to the TOML configuration file" toml:"-"`
	GenerateConfig string `long:"generate_config" description:"Write the default configuration to this file and exit" toml:"-"`

	StateFile string `long:"state" description:"Path to the vanguard state file" toml:"state_file"`

	ControlIP     string `long:"control_ip" description:"IP address or host name of Tor's control port" toml:"control_ip"`
	ControlPort   int    `long:"control_port" description:"Tor's control port; 0 tries 9051 and then the default control socket" toml:"control_port"`
	ControlSocket string `long:"control_socket" description:"Path to Tor's control socket, used instead of control_ip and control_port" toml:"control_socket"`
	ControlPass   string `long:"control_pass" description:"Tor control port password" toml:"control_pass"`

	LogLevel   string `long:"loglevel" description:"Log level {DEBUG, INFO, NOTICE, WARN, ERROR}" toml:"loglevel"`
	DebugLevel string `long:"debuglevel" description:"Per subsystem log levels, e.g. GSET=debug,TORC=trace; overrides loglevel for those subsystems" toml:"debuglevel"`
	LogFile    string `long:"logfile" description:"Also write the log to this file" toml:"logfile"`

	RetryLimit       int  `long:"retry_limit" description:"Reconnection attempts before giving up; 0 retries forever" toml:"retry_limit"`
	OneShotVanguards bool `long:"one_shot_vanguards" description:"Set the vanguards in Tor and exit" toml:"one_shot_vanguards"`
	CloseCircuits    bool `toml:"close_circuits"`

	EnableVanguards  bool `toml:"enable_vanguards"`
	EnableBandguards bool `toml:"enable_bandguards"`
	EnableRendguard  bool `toml:"enable_rendguard"`
	EnableLogguard   bool `toml:"enable_logguard"`

	DisableVanguards     bool `long:"disable_vanguards" description:"Do not select and set vanguards" toml:"-"`
	DisableBandguards    bool `long:"disable_bandguards" description:"Do not watch circuit bandwidth" toml:"-"`
	DisableRendguard     bool `long:"disable_rendguard" description:"Do not watch rendezvous point use" toml:"-"`
	DisableLogguard      bool `long:"disable_logguard" description:"Do not buffer Tor log lines" toml:"-"`
	DisableCloseCircuits bool `long:"disable_close_circuits" description:"Only warn about attacks, never close circuits" toml:"-"`

	EventQueueSize   int           `long:"event_queue_size" description:"Number of Tor events buffered before they are dropped" toml:"event_queue_size"`
	RotationInterval time.Duration `long:"rotation_interval" description:"How often vanguard expiry and circuit ages are checked" toml:"rotation_interval"`
	AlertRatePerMin  float64       `long:"alert_rate_per_min" description:"Alerts of one kind logged per minute; 0 logs every alert" toml:"alert_rate_per_min"`
	AlertBurst       int           `long:"alert_burst" description:"Alerts of one kind logged at once before rate limiting" toml:"alert_burst"`

	Vanguards  *vgcfg.Vanguards  `group:"Vanguards" toml:"-"`
	Bandguards *vgcfg.Bandguards `group:"Bandguards" toml:"-"`
	Rendguard  *vgcfg.Rendguard  `group:"Rendguard" toml:"-"`
	Logguard   *vgcfg.Logguard   `group:"Logguard" toml:"-"`

	Log          *build.LogConfig       `group:"log" namespace:"log" toml:"-"`
	Prometheus   *monitoring.Prometheus `group:"prometheus" namespace:"prometheus" toml:"-"`
	HealthChecks *vgcfg.HealthCheck     `group:"healthcheck" namespace:"healthcheck" toml:"-"`
}

// fileConfig is the layout of the TOML config file.
type fileConfig struct {
	Global      *Config                `toml:"Global"`
	Vanguards   *vgcfg.Vanguards       `toml:"Vanguards"`
	Bandguards  *vgcfg.Bandguards      `toml:"Bandguards"`
	Rendguard   *vgcfg.Rendguard       `toml:"Rendguard"`
	Logguard    *vgcfg.Logguard        `toml:"Logguard"`
	Log         *build.LogConfig       `toml:"Log"`
	Prometheus  *monitoring.Prometheus `toml:"Prometheus"`
	HealthCheck *vgcfg.HealthCheck     `toml:"HealthCheck"`
}

// newFileConfig points every section of the file at cfg.
func newFileConfig(cfg *Config) *fileConfig {
	return &fileConfig{
		Global:      cfg,
		Vanguards:   cfg.Vanguards,
		Bandguards:  cfg.Bandguards,
		Rendguard:   cfg.Rendguard,
		Logguard:    cfg.Logguard,
		Log:         cfg.Log,
		Prometheus:  cfg.Prometheus,
		HealthCheck: cfg.HealthChecks,
	}
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	prom := monitoring.DefaultPrometheus()

	return Config{
		ConfigFile:       defaultConfigFilename,
		StateFile:        defaultStateFilename,
		ControlIP:        defaultControlIP,
		LogLevel:         defaultLogLevel,
		CloseCircuits:    true,
		EnableVanguards:  true,
		EnableBandguards: true,
		EnableRendguard:  true,
		EnableLogguard:   true,
		EventQueueSize:   tor.DefaultEventQueueSize,
		RotationInterval: defaultRotationInterval,
		AlertRatePerMin:  defaultAlertRatePerMin,
		AlertBurst:       defaultAlertBurst,
		Vanguards:        vgcfg.DefaultVanguards(),
		Bandguards:       vgcfg.DefaultBandguards(),
		Rendguard:        vgcfg.DefaultRendguard(),
		Logguard:         vgcfg.DefaultLogguard(),
		Log:              build.DefaultLogConfig(),
		Prometheus:       &prom,
		HealthChecks:     vgcfg.DefaultHealthCheck(),
	}
}

// LoadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Apply VANGUARDS_STATE and VANGUARDS_CONFIG from the environment
//  3. Pre-parse the command line to check for an alternative config file
//  4. Load the TOML config file, overwriting defaults with any specified
//     options
//  5. Parse the command line options again, overwriting anything from the
//     file
func LoadConfig() (*Config, error) {
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))

	return loadConfig(appName, os.Args[1:], os.Getenv)
}

func loadConfig(appName string, args []string,
	getenv func(string) string) (*Config, error) {

	preCfg := DefaultConfig()
	if path := getenv(envStateFile); path != "" {
		preCfg.StateFile = path
	}
	if path := getenv(envConfigFile); path != "" {
		preCfg.ConfigFile = path
	}

	// Pre-parse the command line options to pick up an alternative config
	// file and the flags that exit early.
	parser := flags.NewParser(&preCfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", build.Version(),
			"commit="+build.Commit)
		os.Exit(0)
	}

	if preCfg.GenerateConfig != "" {
		path := CleanAndExpandPath(preCfg.GenerateConfig)
		if err := WriteDefaultConfig(path); err != nil {
			return nil, err
		}
		fmt.Println("Wrote default configuration to", path)
		os.Exit(0)
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	if err := parseConfigFile(configFilePath, &cfg); err != nil {
		// A missing file is fine, anything else is not.
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	parser = flags.NewParser(&cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w\n%s", err, usageMessage)
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		vngdLog.Debugf("No config file loaded: %v", configFileError)
	}

	return cleanCfg, nil
}

// parseConfigFile decodes the TOML file at path into cfg. Options missing
// from the file keep their current values.
func parseConfigFile(path string, cfg *Config) error {
	md, err := toml.DecodeFile(path, newFileConfig(cfg))
	if err != nil {
		var parseErr toml.ParseError
		if errors.As(err, &parseErr) {
			return fmt.Errorf("unable to parse %s: %s", path,
				parseErr.ErrorWithPosition())
		}

		return err
	}

	for _, key := range md.Undecoded() {
		vngdLog.Warnf("Ignoring unknown option %v in %s", key, path)
	}

	return nil
}

// WriteDefaultConfig writes a config file holding every default value.
func WriteDefaultConfig(path string) error {
	cfg := DefaultConfig()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("unable to create config file: %w", err)
	}

	if err := toml.NewEncoder(f).Encode(newFileConfig(&cfg)); err != nil {
		_ = f.Close()
		return fmt.Errorf("unable to write config file: %w", err)
	}

	return f.Close()
}

// ValidateConfig checks the given configuration to be sane. This makes
// sure no illegal values or combination of values are set. All file
// system paths are normalized. The cleaned up config is returned on
// success.
func ValidateConfig(cfg Config) (*Config, error) {
	// The disable flags only exist on the command line, where a bool
	// defaulting to true could otherwise not be turned off.
	if cfg.DisableVanguards {
		cfg.EnableVanguards = false
	}
	if cfg.DisableBandguards {
		cfg.EnableBandguards = false
	}
	if cfg.DisableRendguard {
		cfg.EnableRendguard = false
	}
	if cfg.DisableLogguard {
		cfg.EnableLogguard = false
	}
	if cfg.DisableCloseCircuits {
		cfg.CloseCircuits = false
	}

	cfg.StateFile = CleanAndExpandPath(cfg.StateFile)
	cfg.LogFile = CleanAndExpandPath(cfg.LogFile)
	cfg.ControlSocket = CleanAndExpandPath(cfg.ControlSocket)

	switch {
	case cfg.StateFile == "":
		return nil, invalidOption("state_file", "must not be empty")

	case cfg.ControlPort < 0 || cfg.ControlPort > 65535:
		return nil, invalidOption("control_port",
			fmt.Sprintf("%d is not a port", cfg.ControlPort))

	case cfg.ControlSocket != "" && cfg.ControlPort != 0:
		return nil, invalidOption("control_socket",
			"cannot be combined with control_port")

	case cfg.ControlSocket == "" && cfg.ControlIP == "":
		return nil, invalidOption("control_ip", "must not be empty")

	case cfg.RetryLimit < 0:
		return nil, invalidOption("retry_limit", "must not be negative")

	case cfg.EventQueueSize < 1:
		return nil, invalidOption("event_queue_size",
			"must be at least 1")

	case cfg.RotationInterval <= 0:
		return nil, invalidOption("rotation_interval",
			"must be positive")

	case cfg.AlertRatePerMin < 0:
		return nil, invalidOption("alert_rate_per_min",
			"must not be negative")

	case cfg.AlertRatePerMin > 0 && cfg.AlertBurst < 1:
		return nil, invalidOption("alert_burst", "must be at least 1")
	}

	level, ok := logLevels[strings.ToUpper(cfg.LogLevel)]
	if !ok {
		return nil, invalidOption("loglevel",
			fmt.Sprintf("unknown level %q", cfg.LogLevel))
	}
	cfg.DebugLevel = debugLevels(level, cfg.DebugLevel)

	validators := []func() error{
		func() error {
			return cfg.Vanguards.Validate(cfg.EnableVanguards)
		},
		cfg.Bandguards.Validate,
		cfg.Rendguard.Validate,
		cfg.Logguard.Validate,
		cfg.HealthChecks.Validate,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return nil, err
		}
	}

	if err := cfg.Log.Validate(); err != nil {
		return nil, invalidOption("log", err.Error())
	}

	return &cfg, nil
}

// debugLevels combines loglevel with a --debuglevel override. An
// override starting with a bare level replaces loglevel entirely.
func debugLevels(level, override string) string {
	if override == "" {
		return level
	}

	first, _, _ := strings.Cut(override, ",")
	if !strings.Contains(first, "=") {
		return override
	}

	return level + "," + override
}

func invalidOption(field, reason string) error {
	return &vgcfg.ValidationError{Field: field, Reason: reason}
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
