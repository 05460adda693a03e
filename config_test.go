package vanguards

import (
	"errors"
	"os"
	"os/user"
	"path/filepath"
	"testing"
	"time"

	"github.com/hsguard/vanguards/vgcfg"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a TOML config file into a temporary directory and
// returns its path.
func writeConfig(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), defaultConfigFilename)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))

	return path
}

func envFrom(vars map[string]string) func(string) string {
	return func(key string) string {
		return vars[key]
	}
}

// TestLoadConfigPrecedence asserts that the command line beats the config
// file, which beats the environment, which beats the defaults.
func TestLoadConfigPrecedence(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
[Global]
state_file = "/file/vanguards.state"
control_port = 9999
rotation_interval = "2m"

[Vanguards]
num_layer2_guards = 5

[Bandguards]
circ_max_megabytes = 100
`)

	tests := []struct {
		name  string
		args  []string
		env   map[string]string
		check func(t *testing.T, cfg *Config)
	}{
		{
			name: "file over env",
			args: []string{"--config=" + path},
			env: map[string]string{
				envStateFile: "/env/vanguards.state",
			},
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, "/file/vanguards.state", cfg.StateFile)
				require.Equal(t, 9999, cfg.ControlPort)
				require.Equal(t, 2*time.Minute, cfg.RotationInterval)
				require.Equal(t, 5, cfg.Vanguards.NumLayer2Guards)
				require.Equal(t, vgcfg.DefaultNumLayer3Guards,
					cfg.Vanguards.NumLayer3Guards)
				require.EqualValues(t, 100,
					cfg.Bandguards.CircMaxMegabytes)
			},
		},
		{
			name: "cli over file",
			args: []string{
				"--config=" + path, "--state=/cli/vanguards.state",
				"--control_port=9151", "--num_layer2_guards=3",
			},
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, "/cli/vanguards.state", cfg.StateFile)
				require.Equal(t, 9151, cfg.ControlPort)
				require.Equal(t, 3, cfg.Vanguards.NumLayer2Guards)
			},
		},
		{
			name: "config path from env",
			env: map[string]string{
				envConfigFile: path,
			},
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, 9999, cfg.ControlPort)
			},
		},
		{
			name: "env over defaults",
			args: []string{"--config=" + filepath.Join(
				t.TempDir(), "missing.conf",
			)},
			env: map[string]string{
				envStateFile: "/env/vanguards.state",
			},
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, "/env/vanguards.state", cfg.StateFile)
				require.Zero(t, cfg.ControlPort)
				require.Equal(t, "info", cfg.DebugLevel)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := loadConfig(
				"vanguards", tc.args, envFrom(tc.env),
			)
			require.NoError(t, err)
			tc.check(t, cfg)
		})
	}
}

// TestLoadConfigToggles asserts that features enabled by default can be
// switched off from either the file or the command line.
func TestLoadConfigToggles(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
[Global]
enable_rendguard = false
`)

	cfg, err := loadConfig("vanguards", []string{
		"--config=" + path, "--disable_bandguards",
		"--disable_close_circuits",
	}, envFrom(nil))
	require.NoError(t, err)

	require.True(t, cfg.EnableVanguards)
	require.False(t, cfg.EnableBandguards)
	require.False(t, cfg.EnableRendguard)
	require.True(t, cfg.EnableLogguard)
	require.False(t, cfg.CloseCircuits)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		file   string
		args   []string
		field  string
		errMsg string
	}{
		{
			name:  "file option out of range",
			file:  "[Vanguards]\nnum_layer2_guards = 0\n",
			field: "num_layer2_guards",
		},
		{
			name:  "socket and port",
			args:  []string{"--control_socket=/run/tor/control"},
			file:  "[Global]\ncontrol_port = 9051\n",
			field: "control_socket",
		},
		{
			name:  "unknown log level",
			args:  []string{"--loglevel=loud"},
			field: "loglevel",
		},
		{
			name:  "bad log file size",
			args:  []string{"--log.maxfilesize=0"},
			field: "log",
		},
		{
			name:   "malformed file",
			file:   "[Global\nstate_file = 1\n",
			errMsg: "unable to parse",
		},
		{
			name:   "unknown flag",
			args:   []string{"--no_such_option"},
			errMsg: "unknown flag",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			path := writeConfig(t, tc.file)
			args := append([]string{"--config=" + path}, tc.args...)

			_, err := loadConfig("vanguards", args, envFrom(nil))
			require.Error(t, err)

			if tc.errMsg != "" {
				require.ErrorContains(t, err, tc.errMsg)
			}
			if tc.field != "" {
				var cfgErr *vgcfg.ValidationError
				require.True(t, errors.As(err, &cfgErr))
				require.Equal(t, tc.field, cfgErr.Field)
				require.True(t, isFatal(err))
			}
		})
	}
}

// TestWriteDefaultConfig asserts that a generated config file loads back
// to the defaults.
func TestWriteDefaultConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), defaultConfigFilename)
	require.NoError(t, WriteDefaultConfig(path))

	cfg := DefaultConfig()
	require.NoError(t, parseConfigFile(path, &cfg))
	require.Equal(t, DefaultConfig(), cfg)
}

func TestDebugLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		level    string
		override string
		expected string
	}{
		{
			name:     "loglevel only",
			level:    "info",
			expected: "info",
		},
		{
			name:     "subsystem overrides",
			level:    "warn",
			override: "GSET=debug,TORC=trace",
			expected: "warn,GSET=debug,TORC=trace",
		},
		{
			name:     "global override",
			level:    "warn",
			override: "debug,TORC=trace",
			expected: "debug,TORC=trace",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(
				t, tc.expected, debugLevels(tc.level, tc.override),
			)
		})
	}
}

func TestCleanAndExpandPath(t *testing.T) {
	u, err := user.Current()
	require.NoError(t, err)
	home := u.HomeDir

	t.Setenv("VANGUARDS_TEST_DIR", "/var/lib/tor")

	tests := []struct {
		path     string
		expected string
	}{
		{path: "", expected: ""},
		{path: "~/vanguards.state", expected: filepath.Join(
			home, "vanguards.state",
		)},
		{path: "$VANGUARDS_TEST_DIR/../vanguards.state",
			expected: "/var/lib/vanguards.state"},
		{path: "/tmp//vanguards.state", expected: "/tmp/vanguards.state"},
	}

	for _, tc := range tests {
		require.Equal(t, tc.expected, CleanAndExpandPath(tc.path),
			tc.path)
	}
}
