package guardset

import (
	"time"
)

// LayerConfig bounds the size and slot lifetime of one layer.
type LayerConfig struct {
	// Min is the number of slots the layer is replenished to.
	Min int

	// Max is the size the layer never exceeds.
	Max int

	MinLifetime time.Duration
	MaxLifetime time.Duration
}

// Config holds the guard set policy.
type Config struct {
	Layer2 LayerConfig
	Layer3 LayerConfig

	// CrossReuse allows one relay to sit in both layers.
	CrossReuse bool

	// DistinctSubnets keeps the members of a layer in distinct /16
	// (IPv4) or /32 (IPv6) networks.
	DistinctSubnets bool

	// StateFile is recorded in the persisted state.
	StateFile string

	// Enabled is recorded in the persisted state.
	Enabled bool
}

// layer returns the config of layer 2 or 3.
func (c *Config) layer(index int) LayerConfig {
	if index == 2 {
		return c.Layer2
	}

	return c.Layer3
}
