package vgcfg

import "github.com/hsguard/vanguards/bandguard"

// Bandguards holds the circuit and connection limits. Zero disables a
// limit.
//
//nolint:lll
type Bandguards struct {
	CircMaxMegabytes          uint64 `long:"circ_max_megabytes" toml:"circ_max_megabytes" description:"Close circuits that carry more than this many megabytes"`
	CircMaxAgeHours           uint64 `long:"circ_max_age_hours" toml:"circ_max_age_hours" description:"Close circuits older than this many hours"`
	CircMaxHSDescKilobytes    uint64 `long:"circ_max_hsdesc_kilobytes" toml:"circ_max_hsdesc_kilobytes" description:"Close hsdir circuits that carry more than this many kilobytes"`
	CircMaxServIntroKilobytes uint64 `long:"circ_max_serv_intro_kilobytes" toml:"circ_max_serv_intro_kilobytes" description:"Close service intro circuits that carry more than this many kilobytes"`
	CircMaxDisconnectedSecs   uint64 `long:"circ_max_disconnected_secs" toml:"circ_max_disconnected_secs" description:"Warn when no circuit could be built for this many seconds"`
	ConnMaxDisconnectedSecs   uint64 `long:"conn_max_disconnected_secs" toml:"conn_max_disconnected_secs" description:"Warn when no guard connection was up for this many seconds"`
}

// DefaultBandguards returns the default limits.
func DefaultBandguards() *Bandguards {
	return &Bandguards{
		CircMaxAgeHours:         24,
		CircMaxHSDescKilobytes:  30,
		CircMaxDisconnectedSecs: 30,
		ConnMaxDisconnectedSecs: 15,
	}
}

// Validate checks the options. Every unsigned value is usable.
func (b *Bandguards) Validate() error {
	return nil
}

// BandGuard converts the options to the detector config.
func (b *Bandguards) BandGuard(closeCircuits bool) *bandguard.Config {
	return &bandguard.Config{
		CircMaxMegabytes:          b.CircMaxMegabytes,
		CircMaxAgeHours:           b.CircMaxAgeHours,
		CircMaxHSDescKilobytes:    b.CircMaxHSDescKilobytes,
		CircMaxServIntroKilobytes: b.CircMaxServIntroKilobytes,
		CircMaxDisconnectedSecs:   b.CircMaxDisconnectedSecs,
		ConnMaxDisconnectedSecs:   b.ConnMaxDisconnectedSecs,
		CloseCircuits:             closeCircuits,
	}
}
