package vgcfg

import "github.com/hsguard/vanguards/rendguard"

// Rendguard holds the rendezvous overuse test options.
//
//nolint:lll
type Rendguard struct {
	UseGlobalStartCount        uint64  `long:"rend_use_global_start_count" toml:"rend_use_global_start_count" description:"Total rendezvous uses before any relay is tested"`
	UseRelayStartCount         uint64  `long:"rend_use_relay_start_count" toml:"rend_use_relay_start_count" description:"Uses of a relay before it is tested"`
	UseScaleAtCount            uint64  `long:"rend_use_scale_at_count" toml:"rend_use_scale_at_count" description:"Halve all use counts when the total reaches this"`
	UseMaxUseToBWRatio         float64 `long:"rend_use_max_use_to_bw_ratio" toml:"rend_use_max_use_to_bw_ratio" description:"How far above its bandwidth share a relay may be used"`
	UseMaxConsensusWeightChurn float64 `long:"rend_use_max_consensus_weight_churn" toml:"rend_use_max_consensus_weight_churn" description:"Percent of weight granted to relays missing from the consensus"`
	UseCloseCircuitsOnOveruse  bool    `long:"rend_use_close_circuits_on_overuse" toml:"rend_use_close_circuits_on_overuse" description:"Close circuits to overused rendezvous points"`
}

// DefaultRendguard returns the default test options.
func DefaultRendguard() *Rendguard {
	return &Rendguard{
		UseGlobalStartCount:        1000,
		UseRelayStartCount:         100,
		UseScaleAtCount:            20000,
		UseMaxUseToBWRatio:         5.0,
		UseMaxConsensusWeightChurn: 1.0,
		UseCloseCircuitsOnOveruse:  true,
	}
}

// Validate checks the options.
func (r *Rendguard) Validate() error {
	switch {
	case r.UseMaxUseToBWRatio <= 0:
		return invalid("rend_use_max_use_to_bw_ratio", "must be positive")

	case r.UseMaxConsensusWeightChurn < 0:
		return invalid("rend_use_max_consensus_weight_churn",
			"must not be negative")

	case r.UseScaleAtCount < r.UseGlobalStartCount:
		return invalid("rend_use_scale_at_count", "%d is below "+
			"rend_use_global_start_count %d", r.UseScaleAtCount,
			r.UseGlobalStartCount)
	}

	return nil
}

// RendGuard converts the options to the detector config.
func (r *Rendguard) RendGuard(closeCircuits bool) *rendguard.Config {
	return &rendguard.Config{
		GlobalStartCount:        float64(r.UseGlobalStartCount),
		RelayStartCount:         float64(r.UseRelayStartCount),
		ScaleAtCount:            float64(r.UseScaleAtCount),
		MaxUseToBWRatio:         r.UseMaxUseToBWRatio,
		MaxConsensusWeightChurn: r.UseMaxConsensusWeightChurn,
		CloseCircuits: closeCircuits &&
			r.UseCloseCircuitsOnOveruse,
	}
}
