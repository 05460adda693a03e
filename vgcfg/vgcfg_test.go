package vgcfg

import (
	"errors"
	"testing"
	"time"

	"github.com/hsguard/vanguards/tor"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValid(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultVanguards().Validate(true))
	require.NoError(t, DefaultBandguards().Validate())
	require.NoError(t, DefaultRendguard().Validate())
	require.NoError(t, DefaultLogguard().Validate())
	require.NoError(t, DefaultHealthCheck().Validate())
}

func TestVanguardsValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(v *Vanguards)
		enabled bool
		field   string
	}{
		{
			name:    "negative layer1",
			mutate:  func(v *Vanguards) { v.NumLayer1Guards = -1 },
			enabled: true,
			field:   "num_layer1_guards",
		},
		{
			name:    "empty layer2 while enabled",
			mutate:  func(v *Vanguards) { v.NumLayer2Guards = 0 },
			enabled: true,
			field:   "num_layer2_guards",
		},
		{
			name:   "empty layer2 while disabled",
			mutate: func(v *Vanguards) { v.NumLayer2Guards = 0 },
		},
		{
			name:    "max below num",
			mutate:  func(v *Vanguards) { v.MaxLayer3Guards = 4 },
			enabled: true,
			field:   "max_layer3_guards",
		},
		{
			name:    "max above num",
			mutate:  func(v *Vanguards) { v.MaxLayer3Guards = 12 },
			enabled: true,
		},
		{
			name:    "zero lifetime",
			mutate:  func(v *Vanguards) { v.MinLayer3LifetimeHours = 0 },
			enabled: true,
			field:   "min_layer3_lifetime_hours",
		},
		{
			name: "max lifetime below min",
			mutate: func(v *Vanguards) {
				v.MaxLayer2LifetimeHours = 12
			},
			enabled: true,
			field:   "max_layer2_lifetime_hours",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			v := DefaultVanguards()
			tc.mutate(v)

			err := v.Validate(tc.enabled)
			if tc.field == "" {
				require.NoError(t, err)
				return
			}

			var valErr *ValidationError
			require.True(t, errors.As(err, &valErr))
			require.Equal(t, tc.field, valErr.Field)
		})
	}
}

func TestGuardSetConversion(t *testing.T) {
	t.Parallel()

	v := DefaultVanguards()
	v.MaxLayer3Guards = 10

	cfg := v.GuardSet("/var/lib/tor/vanguards.state", true)
	require.Equal(t, 4, cfg.Layer2.Min)
	require.Equal(t, 4, cfg.Layer2.Max)
	require.Equal(t, 8, cfg.Layer3.Min)
	require.Equal(t, 10, cfg.Layer3.Max)
	require.Equal(t, 24*time.Hour, cfg.Layer2.MinLifetime)
	require.Equal(t, 1080*time.Hour, cfg.Layer2.MaxLifetime)
	require.Equal(t, time.Hour, cfg.Layer3.MinLifetime)
	require.Equal(t, 48*time.Hour, cfg.Layer3.MaxLifetime)
	require.True(t, cfg.CrossReuse)
	require.True(t, cfg.DistinctSubnets)
	require.True(t, cfg.Enabled)
	require.Equal(t, "/var/lib/tor/vanguards.state", cfg.StateFile)
}

func TestRendguardValidate(t *testing.T) {
	t.Parallel()

	r := DefaultRendguard()
	r.UseMaxUseToBWRatio = 0
	require.Error(t, r.Validate())

	r = DefaultRendguard()
	r.UseScaleAtCount = 500
	err := r.Validate()

	var valErr *ValidationError
	require.True(t, errors.As(err, &valErr))
	require.Equal(t, "rend_use_scale_at_count", valErr.Field)

	r = DefaultRendguard()
	cfg := r.RendGuard(false)
	require.False(t, cfg.CloseCircuits)
	require.EqualValues(t, 1000, cfg.GlobalStartCount)

	cfg = r.RendGuard(true)
	require.True(t, cfg.CloseCircuits)
}

func TestLogguardValidate(t *testing.T) {
	t.Parallel()

	l := DefaultLogguard()
	l.DumpLevel = "chatty"
	require.Error(t, l.Validate())

	l = DefaultLogguard()
	l.DumpLimit = 0
	require.Error(t, l.Validate())

	l = DefaultLogguard()
	l.DumpLevel = "warn"
	require.NoError(t, l.Validate())
	require.Equal(t, tor.EventWarn, l.LogGuard().DumpLevel)
}

func TestHealthCheckValidate(t *testing.T) {
	t.Parallel()

	h := DefaultHealthCheck()
	h.Disk.RequiredRemaining = 1.5
	require.Error(t, h.Validate())

	h = DefaultHealthCheck()
	h.Disk.Interval = 0
	require.Error(t, h.Validate())

	h.Disk.Attempts = 0
	require.NoError(t, h.Validate())
}

func TestBandguardsConversion(t *testing.T) {
	t.Parallel()

	b := DefaultBandguards()
	cfg := b.BandGuard(true)
	require.EqualValues(t, 24, cfg.CircMaxAgeHours)
	require.EqualValues(t, 30, cfg.CircMaxHSDescKilobytes)
	require.Zero(t, cfg.CircMaxMegabytes)
	require.True(t, cfg.CloseCircuits)
}
