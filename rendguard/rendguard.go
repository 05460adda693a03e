package rendguard

import (
	"fmt"
	"sort"

	"github.com/hsguard/vanguards/alert"
	"github.com/hsguard/vanguards/consensus"
	"github.com/hsguard/vanguards/nodeselect"
	"github.com/hsguard/vanguards/tor"
	"github.com/lightningnetwork/lnd/clock"
)

// NotInConsensus is the bucket for rendezvous points missing from the
// current consensus.
const NotInConsensus = "NOT_IN_CONSENSUS"

// Config holds the overuse test thresholds.
type Config struct {
	// GlobalStartCount is the total use count before any relay is
	// tested.
	GlobalStartCount float64

	// RelayStartCount is the per relay use count before that relay is
	// tested.
	RelayStartCount float64

	// ScaleAtCount is the total at which all counters are halved.
	ScaleAtCount float64

	// MaxUseToBWRatio is how far above its bandwidth share a relay may be
	// used.
	MaxUseToBWRatio float64

	// MaxConsensusWeightChurn is the weight in percent granted to relays
	// missing from the consensus.
	MaxConsensusWeightChurn float64

	// CloseCircuits requests closing circuits to overused relays.
	CloseCircuits bool
}

// UseCount is the usage of one relay as a rendezvous point.
type UseCount struct {
	Fingerprint string
	Used        float64

	// Weight is the relay's expected share of rendezvous use.
	Weight float64
}

// usageRate returns the share of all uses that went to this relay.
func (u *UseCount) usageRate(total float64) float64 {
	if total <= 0 {
		return 0
	}

	return u.Used / total
}

// Result is what the controller must act upon after an event.
type Result struct {
	Alerts []alert.Alert
	Close  []string
}

// RendGuard counts rendezvous point use per relay and flags relays chosen
// far more often than their bandwidth explains. Counts live for the
// process lifetime only. It is not safe for concurrent use.
type RendGuard struct {
	cfg   Config
	clock clock.Clock

	counts map[string]*UseCount
	total  float64

	// counted holds the live circuits already counted, closed the live
	// circuits we asked to close.
	counted map[string]struct{}
	closed  map[string]struct{}
}

// New creates a RendGuard with no weights. Until the first consensus is
// applied every relay falls in the NotInConsensus bucket.
func New(cfg *Config, clk clock.Clock) *RendGuard {
	return &RendGuard{
		cfg:     *cfg,
		clock:   clk,
		counts:  make(map[string]*UseCount),
		counted: make(map[string]struct{}),
		closed:  make(map[string]struct{}),
	}
}

// Total returns the global use count.
func (r *RendGuard) Total() float64 {
	return r.total
}

// Count returns a copy of the counter of a relay or bucket.
func (r *RendGuard) Count(fp string) (UseCount, bool) {
	c, ok := r.counts[fp]
	if !ok {
		return UseCount{}, false
	}

	return *c, true
}

// Top returns up to n counters with the most uses.
func (r *RendGuard) Top(n int) []UseCount {
	counts := make([]UseCount, 0, len(r.counts))
	for _, c := range r.counts {
		if c.Used > 0 {
			counts = append(counts, *c)
		}
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Used != counts[j].Used {
			return counts[i].Used > counts[j].Used
		}
		return counts[i].Fingerprint < counts[j].Fingerprint
	})

	if len(counts) > n {
		counts = counts[:n]
	}

	return counts
}

// UpdateWeights replaces the expected weights with those of a new
// consensus. Counts of relays still present carry over, counts of the
// rest are dropped.
func (r *RendGuard) UpdateWeights(snap *consensus.Snapshot) {
	weights := nodeselect.WeightedRelays(
		snap, nodeselect.RendezvousRestriction,
	)

	old := r.counts
	r.counts = make(map[string]*UseCount, len(weights)+1)
	for fp, w := range weights {
		r.counts[fp] = &UseCount{Fingerprint: fp, Weight: w}
	}
	r.counts[NotInConsensus] = &UseCount{
		Fingerprint: NotInConsensus,
		Weight:      r.cfg.MaxConsensusWeightChurn / 100,
	}

	r.total = 0
	for fp, c := range old {
		if next, ok := r.counts[fp]; ok {
			next.Used = c.Used
			r.total += c.Used
		}
	}

	log.Debugf("Rendezvous weights updated for %d relays, %.1f uses "+
		"carried over", len(weights), r.total)

	if r.cfg.ScaleAtCount > 0 && r.total >= r.cfg.ScaleAtCount {
		r.scale()
	}
}

// HandleEvent dispatches circuit events. Other events are ignored.
func (r *RendGuard) HandleEvent(ev tor.Event) Result {
	circ, ok := ev.(*tor.CircEvent)
	if !ok {
		return Result{}
	}

	return r.HandleCirc(circ)
}

// HandleCirc counts the rendezvous point of each service rendezvous
// circuit once.
func (r *RendGuard) HandleCirc(ev *tor.CircEvent) Result {
	switch ev.Status {
	case "CLOSED", "FAILED":
		delete(r.counted, ev.ID)
		delete(r.closed, ev.ID)

		return Result{}

	case "BUILT":
	default:
		return Result{}
	}

	if ev.Purpose != "HS_SERVICE_REND" || ev.HSState != "HSSR_CONNECTING" ||
		len(ev.Path) == 0 {

		return Result{}
	}
	if _, ok := r.counted[ev.ID]; ok {
		return Result{}
	}
	r.counted[ev.ID] = struct{}{}

	rp := ev.Path[len(ev.Path)-1].Fingerprint
	id, overused := r.Use(rp)
	if !overused {
		return Result{}
	}

	c := r.counts[id]
	res := Result{
		Alerts: []alert.Alert{{
			Kind:      alert.RendezvousOveruse,
			CircuitID: ev.ID,
			Detail: fmt.Sprintf("relay %s used as rendezvous "+
				"point for %.2f%% of %.0f circuits, expected "+
				"%.2f%%", rp, 100*c.usageRate(r.total),
				r.total, 100*c.Weight),
			Severity: alert.SeverityCritical,
			At:       r.clock.Now(),
		}},
	}

	if r.cfg.CloseCircuits {
		if _, ok := r.closed[ev.ID]; !ok {
			r.closed[ev.ID] = struct{}{}
			res.Close = append(res.Close, ev.ID)
		}
	}

	return res
}

// Use records one use of fp as rendezvous point and reports whether the
// relay, or the bucket it was counted under, is now overused.
func (r *RendGuard) Use(fp string) (string, bool) {
	id := fp
	c, ok := r.counts[fp]
	if !ok {
		id = NotInConsensus
		c, ok = r.counts[NotInConsensus]
		if !ok {
			c = &UseCount{Fingerprint: NotInConsensus}
			r.counts[NotInConsensus] = c
		}
	}

	c.Used++
	r.total++

	overused := r.overused(c)

	if r.cfg.ScaleAtCount > 0 && r.total >= r.cfg.ScaleAtCount {
		r.scale()
	}

	return id, overused
}

// Overused reports whether a relay or bucket is currently overused.
func (r *RendGuard) Overused(fp string) bool {
	c, ok := r.counts[fp]
	if !ok {
		return false
	}

	return r.overused(c)
}

func (r *RendGuard) overused(c *UseCount) bool {
	if r.total < r.cfg.GlobalStartCount || c.Used < r.cfg.RelayStartCount {
		return false
	}

	return c.Used/r.total > c.Weight*r.cfg.MaxUseToBWRatio
}

// scale halves every counter, keeping their ratios.
func (r *RendGuard) scale() {
	log.Infof("Rendezvous use count reached %.0f, halving counters",
		r.total)

	r.total = 0
	for _, c := range r.counts {
		c.Used /= 2
		r.total += c.Used
	}
}
