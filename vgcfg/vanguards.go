package vgcfg

import (
	"time"

	"github.com/hsguard/vanguards/guardset"
)

const (
	// DefaultNumLayer1Guards is the number of entry guards we ask Tor to
	// use.
	DefaultNumLayer1Guards = 2

	// DefaultNumLayer2Guards is the size of the second layer.
	DefaultNumLayer2Guards = 4

	// DefaultNumLayer3Guards is the size of the third layer.
	DefaultNumLayer3Guards = 8

	DefaultMinLayer2LifetimeHours = 24
	DefaultMaxLayer2LifetimeHours = 1080
	DefaultMinLayer3LifetimeHours = 1
	DefaultMaxLayer3LifetimeHours = 48
)

// Vanguards holds the guard layer options.
//
//nolint:lll
type Vanguards struct {
	NumLayer1Guards    int `long:"num_layer1_guards" toml:"num_layer1_guards" description:"Number of entry guards Tor should use (0 leaves Tor's default)"`
	Layer1LifetimeDays int `long:"layer1_lifetime_days" toml:"layer1_lifetime_days" description:"Entry guard lifetime in days (0 leaves Tor's default)"`

	NumLayer2Guards int `long:"num_layer2_guards" toml:"num_layer2_guards" description:"Number of second layer guards"`
	MaxLayer2Guards int `long:"max_layer2_guards" toml:"max_layer2_guards" description:"Maximum second layer guards (0 means num_layer2_guards)"`
	NumLayer3Guards int `long:"num_layer3_guards" toml:"num_layer3_guards" description:"Number of third layer guards"`
	MaxLayer3Guards int `long:"max_layer3_guards" toml:"max_layer3_guards" description:"Maximum third layer guards (0 means num_layer3_guards)"`

	MinLayer2LifetimeHours int `long:"min_layer2_lifetime_hours" toml:"min_layer2_lifetime_hours" description:"Minimum second layer guard lifetime in hours"`
	MaxLayer2LifetimeHours int `long:"max_layer2_lifetime_hours" toml:"max_layer2_lifetime_hours" description:"Maximum second layer guard lifetime in hours"`
	MinLayer3LifetimeHours int `long:"min_layer3_lifetime_hours" toml:"min_layer3_lifetime_hours" description:"Minimum third layer guard lifetime in hours"`
	MaxLayer3LifetimeHours int `long:"max_layer3_lifetime_hours" toml:"max_layer3_lifetime_hours" description:"Maximum third layer guard lifetime in hours"`

	LayerCrossReuse bool `long:"layer_cross_reuse" toml:"layer_cross_reuse" description:"Allow a relay to be a guard in both layers"`
	DistinctSubnets bool `long:"distinct_subnets" toml:"distinct_subnets" description:"Keep the guards of a layer in distinct /16 (IPv4) or /32 (IPv6) networks"`
}

// DefaultVanguards returns the default guard layer options.
func DefaultVanguards() *Vanguards {
	return &Vanguards{
		NumLayer1Guards:        DefaultNumLayer1Guards,
		NumLayer2Guards:        DefaultNumLayer2Guards,
		NumLayer3Guards:        DefaultNumLayer3Guards,
		MinLayer2LifetimeHours: DefaultMinLayer2LifetimeHours,
		MaxLayer2LifetimeHours: DefaultMaxLayer2LifetimeHours,
		MinLayer3LifetimeHours: DefaultMinLayer3LifetimeHours,
		MaxLayer3LifetimeHours: DefaultMaxLayer3LifetimeHours,
		LayerCrossReuse:        true,
		DistinctSubnets:        true,
	}
}

// maxGuards resolves an unset maximum to the layer size.
func maxGuards(num, limit int) int {
	if limit == 0 {
		return num
	}

	return limit
}

// Validate checks the options. Layer sizes must be positive only when
// vanguards are in use.
func (v *Vanguards) Validate(enabled bool) error {
	switch {
	case v.NumLayer1Guards < 0:
		return invalid("num_layer1_guards", "must not be negative")

	case v.Layer1LifetimeDays < 0:
		return invalid("layer1_lifetime_days", "must not be negative")
	}

	layers := []struct {
		num, limit, minLife, maxLife int
		name                         string
	}{
		{
			v.NumLayer2Guards, v.MaxLayer2Guards,
			v.MinLayer2LifetimeHours, v.MaxLayer2LifetimeHours,
			"layer2",
		},
		{
			v.NumLayer3Guards, v.MaxLayer3Guards,
			v.MinLayer3LifetimeHours, v.MaxLayer3LifetimeHours,
			"layer3",
		},
	}
	for _, l := range layers {
		numField := "num_" + l.name + "_guards"
		maxField := "max_" + l.name + "_guards"

		switch {
		case l.num < 0:
			return invalid(numField, "must not be negative")

		case enabled && l.num < 1:
			return invalid(numField, "must be at least 1")

		case l.limit < 0:
			return invalid(maxField, "must not be negative")

		case maxGuards(l.num, l.limit) < l.num:
			return invalid(maxField, "%d is below %s %d", l.limit,
				numField, l.num)

		case l.minLife < 1:
			return invalid("min_"+l.name+"_lifetime_hours",
				"must be at least 1")

		case l.maxLife < l.minLife:
			return invalid("max_"+l.name+"_lifetime_hours",
				"%d is below the minimum %d", l.maxLife,
				l.minLife)
		}
	}

	return nil
}

// GuardSet converts the options to the guard set policy.
func (v *Vanguards) GuardSet(stateFile string, enabled bool) *guardset.Config {
	return &guardset.Config{
		Layer2: guardset.LayerConfig{
			Min: v.NumLayer2Guards,
			Max: maxGuards(v.NumLayer2Guards, v.MaxLayer2Guards),
			MinLifetime: time.Duration(v.MinLayer2LifetimeHours) *
				time.Hour,
			MaxLifetime: time.Duration(v.MaxLayer2LifetimeHours) *
				time.Hour,
		},
		Layer3: guardset.LayerConfig{
			Min: v.NumLayer3Guards,
			Max: maxGuards(v.NumLayer3Guards, v.MaxLayer3Guards),
			MinLifetime: time.Duration(v.MinLayer3LifetimeHours) *
				time.Hour,
			MaxLifetime: time.Duration(v.MaxLayer3LifetimeHours) *
				time.Hour,
		},
		CrossReuse:      v.LayerCrossReuse,
		DistinctSubnets: v.DistinctSubnets,
		StateFile:       stateFile,
		Enabled:         enabled,
	}
}
