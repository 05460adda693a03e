package bandguard

import (
	"fmt"
	"strings"
	"time"

	"github.com/hsguard/vanguards/alert"
	"github.com/hsguard/vanguards/tor"
	"github.com/lightningnetwork/lnd/clock"
)

// Config holds the circuit and connection limits. A zero limit disables
// the check.
type Config struct {
	CircMaxMegabytes          uint64
	CircMaxAgeHours           uint64
	CircMaxHSDescKilobytes    uint64
	CircMaxServIntroKilobytes uint64
	CircMaxDisconnectedSecs   uint64
	ConnMaxDisconnectedSecs   uint64

	// CloseCircuits requests closing circuits that break a limit.
	CloseCircuits bool
}

// Result is what the controller must act upon after an event.
type Result struct {
	Alerts []alert.Alert

	// Close lists circuits to close, each at most once.
	Close []string
}

func (r *Result) merge(other Result) {
	r.Alerts = append(r.Alerts, other.Alerts...)
	r.Close = append(r.Close, other.Close...)
}

// Stats is a summary of the tracked state.
type Stats struct {
	Circuits       int
	LiveGuardConns int
	CircsDestroyed uint64
	NetworkDown    bool
}

// BandGuard watches circuit bandwidth, age and connectivity. It is not
// safe for concurrent use; the controller is its only caller.
type BandGuard struct {
	cfg   Config
	clock clock.Clock

	circs     map[string]*CircuitRecord
	liveConns map[string]guardConn
	guards    map[string]*GuardStats

	circsDestroyed uint64

	noConnsSince     time.Time
	noCircsSince     time.Time
	networkDownSince time.Time

	disconnectedConns bool
	disconnectedCircs bool
}

// New creates a BandGuard. Until an OR connection is seen we count as
// disconnected.
func New(cfg *Config, clk clock.Clock) *BandGuard {
	return &BandGuard{
		cfg:          *cfg,
		clock:        clk,
		circs:        make(map[string]*CircuitRecord),
		liveConns:    make(map[string]guardConn),
		guards:       make(map[string]*GuardStats),
		noConnsSince: clk.Now(),
	}
}

// Circuit returns the record of a tracked circuit.
func (b *BandGuard) Circuit(id string) (*CircuitRecord, bool) {
	c, ok := b.circs[id]
	return c, ok
}

// Guard returns the connection statistics of a guard.
func (b *BandGuard) Guard(fp string) (*GuardStats, bool) {
	g, ok := b.guards[fp]
	return g, ok
}

// Stats summarizes the tracked state.
func (b *BandGuard) Stats() Stats {
	return Stats{
		Circuits:       len(b.circs),
		LiveGuardConns: len(b.liveConns),
		CircsDestroyed: b.circsDestroyed,
		NetworkDown:    !b.networkDownSince.IsZero(),
	}
}

// HandleEvent dispatches an event to the matching handler. Events
// BandGuard does not use are ignored.
func (b *BandGuard) HandleEvent(ev tor.Event) Result {
	switch e := ev.(type) {
	case *tor.CircEvent:
		b.HandleCirc(e)
	case *tor.CircMinorEvent:
		b.HandleCircMinor(e)
	case *tor.CircBWEvent:
		return b.HandleCircBW(e)
	case *tor.StreamEvent:
		b.HandleStream(e)
	case *tor.BWEvent:
		return b.HandleBW(e)
	case *tor.ORConnEvent:
		b.HandleORConn(e)
	case *tor.NetworkLivenessEvent:
		b.HandleNetworkLiveness(e)
	}

	return Result{}
}

// HandleCirc tracks circuit creation, completion and closure.
func (b *BandGuard) HandleCirc(ev *tor.CircEvent) {
	now := b.clock.Now()

	switch ev.Status {
	case "FAILED", "CLOSED":
		if ev.Status == "FAILED" && b.noCircsSince.IsZero() &&
			b.anyPending(ev.ID) {

			b.noCircsSince = now
		}
		b.closeCirc(ev, now)

		return
	}

	circ, ok := b.circs[ev.ID]
	if !ok {
		circ = &CircuitRecord{
			ID:        ev.ID,
			CreatedAt: now,
		}
		b.circs[ev.ID] = circ
	}
	circ.setPurpose(ev.Purpose, ev.HSState)
	circ.LastActivity = now

	if len(ev.Path) > 0 {
		circ.Path = circ.Path[:0]
		for _, hop := range ev.Path {
			circ.Path = append(circ.Path, hop.Fingerprint)
		}
	}

	switch ev.Status {
	case "BUILT", "GUARD_WAIT":
		circ.Built = true
		b.circsWorking()

		if strings.HasPrefix(ev.Purpose, "HS_CLIENT") ||
			strings.HasPrefix(ev.Purpose, "HS_SERVICE") {

			circ.InUse = true
			if len(circ.Path) > 0 {
				circ.GuardFingerprint = circ.Path[0]
			}
		}

	case "EXTENDED":
		b.circsWorking()
	}
}

// closeCirc forgets a circuit and checks whether it died with its guard
// connection.
func (b *BandGuard) closeCirc(ev *tor.CircEvent, now time.Time) {
	circ, ok := b.circs[ev.ID]
	if !ok {
		return
	}
	delete(b.circs, ev.ID)

	if !circ.InUse || circ.PossiblyDestroyedAt.IsZero() {
		return
	}
	if now.Sub(circ.PossiblyDestroyedAt) > maxCircDestroyLag ||
		ev.RemoteReason != "CHANNEL_CLOSED" {

		return
	}

	b.circsDestroyed++
	if guard, ok := b.guards[circ.GuardFingerprint]; ok {
		guard.KilledConns++
		guard.killedConnAt = time.Time{}
	}

	log.Infof("Circuit %s destroyed with its connection to guard %s",
		ev.ID, circ.GuardFingerprint)
}

// HandleCircMinor follows purpose changes of tracked circuits.
func (b *BandGuard) HandleCircMinor(ev *tor.CircMinorEvent) {
	circ, ok := b.circs[ev.ID]
	if !ok {
		return
	}

	circ.OldPurpose = ev.OldPurpose
	circ.OldHSState = ev.OldHSState
	circ.setPurpose(ev.Purpose, ev.HSState)
	circ.LastActivity = b.clock.Now()

	if ev.Event == "PURPOSE_CHANGED" && ev.OldPurpose == "HS_VANGUARDS" {
		circ.InUse = true
		if len(ev.Path) > 0 {
			circ.GuardFingerprint = ev.Path[0].Fingerprint
		}
	}
}

// HandleStream records stream activity on a circuit.
func (b *BandGuard) HandleStream(ev *tor.StreamEvent) {
	if circ, ok := b.circs[ev.CircID]; ok {
		circ.LastActivity = b.clock.Now()
	}
}

// HandleCircBW accounts circuit bandwidth and checks the size limits.
func (b *BandGuard) HandleCircBW(ev *tor.CircBWEvent) Result {
	b.circsWorking()

	circ, ok := b.circs[ev.ID]
	if !ok {
		return Result{}
	}

	circ.ReadBytes += ev.Read
	circ.SentBytes += ev.Written
	circ.DeliveredReadBytes += ev.DeliveredRead
	circ.DeliveredSentBytes += ev.DeliveredWritten
	circ.OverheadReadBytes += ev.OverheadRead
	circ.OverheadSentBytes += ev.OverheadWritten
	circ.LastActivity = b.clock.Now()

	return b.checkLimits(circ)
}

// checkLimits compares a circuit against the size limits.
func (b *BandGuard) checkLimits(circ *CircuitRecord) Result {
	if circ.closeRequested {
		return Result{}
	}

	if dropped := circ.DroppedReadCells(); dropped > circ.DroppedCellsAllowed {
		if bug := circ.torBug(); bug != "" {
			log.Infof("Circuit %s dropped %d cells, likely tor "+
				"bug %s", circ.ID, dropped, bug)
		} else if circ.Built && circ.isHS() &&
			!circ.reported(alert.DroppedCells) {


			return b.breach(circ, alert.DroppedCells,
				fmt.Sprintf("%d dropped cells (purpose %s, "+
					"hs state %s)", dropped, circ.Purpose,
					circ.HSState))
		}
	}

	total := circ.TotalBytes()

	if limit := b.cfg.CircMaxMegabytes * bytesPerMB; limit > 0 &&
		total > limit && !circ.reported(alert.BandwidthLimitExceeded) {

		return b.breach(circ, alert.BandwidthLimitExceeded,
			fmt.Sprintf("%d bytes exceeds %d MB", total,
				b.cfg.CircMaxMegabytes))
	}

	if limit := b.cfg.CircMaxHSDescKilobytes * bytesPerKB; limit > 0 &&
		circ.IsHSDir && total > limit &&
		!circ.reported(alert.DescriptorOversized) {

		return b.breach(circ, alert.DescriptorOversized,
			fmt.Sprintf("hsdir circuit carried %d bytes, "+
				"limit %d KB", total,
				b.cfg.CircMaxHSDescKilobytes))
	}

	if limit := b.cfg.CircMaxServIntroKilobytes * bytesPerKB; limit > 0 &&
		circ.IsServiceIntro && total > limit &&
		!circ.reported(alert.ServIntroOversized) {

		return b.breach(circ, alert.ServIntroOversized,
			fmt.Sprintf("intro circuit carried %d bytes, "+
				"limit %d KB", total,
				b.cfg.CircMaxServIntroKilobytes))
	}

	return Result{}
}

// breach reports a limit violation and, when enabled, asks for the circuit
// to be closed. A kind is reported at most once per circuit.
func (b *BandGuard) breach(circ *CircuitRecord, kind alert.Kind,
	detail string) Result {

	if circ.alerted == nil {
		circ.alerted = make(map[alert.Kind]struct{})
	}
	circ.alerted[kind] = struct{}{}

	res := Result{
		Alerts: []alert.Alert{{
			Kind:      kind,
			CircuitID: circ.ID,
			Detail:    detail,
			Severity:  alert.SeverityCritical,
			At:        b.clock.Now(),
		}},
	}

	if b.cfg.CloseCircuits {
		circ.closeRequested = true
		res.Close = append(res.Close, circ.ID)
	}

	return res
}

// HandleBW runs the periodic checks. Tor emits BW once per second.
func (b *BandGuard) HandleBW(_ *tor.BWEvent) Result {
	var res Result
	res.merge(b.CheckAges())
	res.merge(b.CheckConnectivity())

	return res
}

// CheckAges reports built circuits older than the age limit.
func (b *BandGuard) CheckAges() Result {
	var res Result
	if b.cfg.CircMaxAgeHours == 0 {
		return res
	}

	maxAge := time.Duration(b.cfg.CircMaxAgeHours) * time.Hour
	now := b.clock.Now()
	for _, circ := range b.circs {
		if !circ.Built || circ.closeRequested ||
			circ.reported(alert.AgeLimitExceeded) {

			continue
		}

		age := now.Sub(circ.CreatedAt)
		if age <= maxAge {
			continue
		}

		res.merge(b.breach(circ, alert.AgeLimitExceeded,
			fmt.Sprintf("circuit is %v old, limit %d hours",
				age.Truncate(time.Second),
				b.cfg.CircMaxAgeHours)))
	}

	return res
}

// CheckConnectivity warns when we have had no guard connection, or no
// working circuit, for longer than the configured limits. The warning is
// repeated at every multiple of the limit.
func (b *BandGuard) CheckConnectivity() Result {
	now := b.clock.Now()

	switch {
	case !b.noConnsSince.IsZero():
		limit := b.cfg.ConnMaxDisconnectedSecs
		secs := uint64(now.Sub(b.noConnsSince) / time.Second)
		if limit == 0 || secs < limit ||
			(b.disconnectedConns && secs%limit != 0) {

			return Result{}
		}
		b.disconnectedConns = true

		return b.disconnected(alert.ConnectionsDisconnected,
			fmt.Sprintf("no guard connections for %d seconds",
				secs))

	case !b.noCircsSince.IsZero():
		limit := b.cfg.CircMaxDisconnectedSecs
		secs := uint64(now.Sub(b.noCircsSince) / time.Second)
		if limit == 0 || secs < limit || !b.anyPending("") ||
			(b.disconnectedCircs && secs%limit != 0) {

			return Result{}
		}
		b.disconnectedCircs = true

		detail := fmt.Sprintf("circuits failing for %d seconds", secs)
		if !b.networkDownSince.IsZero() {
			detail += fmt.Sprintf(", network down for %d seconds",
				uint64(now.Sub(b.networkDownSince)/time.Second))
		}

		return b.disconnected(alert.CircuitsDisconnected, detail)
	}

	return Result{}
}

func (b *BandGuard) disconnected(kind alert.Kind, detail string) Result {
	return Result{
		Alerts: []alert.Alert{{
			Kind:     kind,
			Detail:   detail,
			Severity: alert.SeverityWarning,
			At:       b.clock.Now(),
		}},
	}
}

// HandleORConn tracks connections to our guards.
func (b *BandGuard) HandleORConn(ev *tor.ORConnEvent) {
	if ev.Fingerprint == "" {
		return
	}

	now := b.clock.Now()
	id := ev.ConnID
	if id == "" {
		id = ev.Target
	}

	guard, ok := b.guards[ev.Fingerprint]
	if !ok {
		guard = &GuardStats{CloseReasons: make(map[string]int)}
		b.guards[ev.Fingerprint] = guard
	}

	switch ev.Status {
	case "CONNECTED":
		b.disconnectedConns = false
		b.noConnsSince = time.Time{}
		b.liveConns[id] = guardConn{
			fingerprint: ev.Fingerprint,
			connectedAt: now,
		}
		guard.ConnsMade++

	case "CLOSED", "FAILED":
		if _, ok := b.liveConns[id]; ok {
			for _, circ := range b.circs {
				if circ.InUse &&
					circ.GuardFingerprint == ev.Fingerprint {

					circ.PossiblyDestroyedAt = now
					guard.killedConnAt = now
				}
			}

			delete(b.liveConns, id)
			if len(b.liveConns) == 0 && b.noConnsSince.IsZero() {
				b.noConnsSince = now
			}
		}

		if ev.Status == "CLOSED" && ev.Reason != "" {
			guard.CloseReasons[ev.Reason]++
		}
	}
}

// HandleNetworkLiveness records when tor considers the network down.
func (b *BandGuard) HandleNetworkLiveness(ev *tor.NetworkLivenessEvent) {
	switch ev.Status {
	case "UP":
		b.networkDownSince = time.Time{}
	case "DOWN":
		b.networkDownSince = b.clock.Now()
	}
}

// circsWorking clears the circuit failure tracking.
func (b *BandGuard) circsWorking() {
	b.disconnectedCircs = false
	b.noCircsSince = time.Time{}
}

// anyPending returns true if a circuit other than except is still being
// built.
func (b *BandGuard) anyPending(except string) bool {
	for id, circ := range b.circs {
		if !circ.Built && id != except {
			return true
		}
	}

	return false
}
