package alert

import (
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"golang.org/x/time/rate"
)

// Kind enumerates the detector findings.
type Kind uint8

const (
	BandwidthLimitExceeded Kind = iota
	AgeLimitExceeded
	DescriptorOversized
	ServIntroOversized
	DroppedCells
	RendezvousOveruse
	CircuitsDisconnected
	ConnectionsDisconnected

	numKinds
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case BandwidthLimitExceeded:
		return "BandwidthLimitExceeded"
	case AgeLimitExceeded:
		return "AgeLimitExceeded"
	case DescriptorOversized:
		return "DescriptorOversized"
	case ServIntroOversized:
		return "ServIntroOversized"
	case DroppedCells:
		return "DroppedCells"
	case RendezvousOveruse:
		return "RendezvousOveruse"
	case CircuitsDisconnected:
		return "CircuitsDisconnected"
	case ConnectionsDisconnected:
		return "ConnectionsDisconnected"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Kinds lists every alert kind.
func Kinds() []Kind {
	kinds := make([]Kind, 0, numKinds)
	for k := Kind(0); k < numKinds; k++ {
		kinds = append(kinds, k)
	}

	return kinds
}

// Severity ranks an alert.
type Severity uint8

const (
	SeverityNotice Severity = iota
	SeverityWarning
	SeverityCritical
)

// String returns the severity as a log level name.
func (s Severity) String() string {
	switch s {
	case SeverityNotice:
		return "notice"
	case SeverityWarning:
		return "warning"
	default:
		return "critical"
	}
}

// Alert is a single detector finding. Alerts are observational; closing
// circuits is requested separately.
type Alert struct {
	Kind Kind

	// CircuitID is empty for alerts not tied to a circuit.
	CircuitID string

	Detail   string
	Severity Severity
	At       time.Time
}

// String formats the alert for logs.
func (a Alert) String() string {
	if a.CircuitID == "" {
		return fmt.Sprintf("%v: %s", a.Kind, a.Detail)
	}

	return fmt.Sprintf("%v on circuit %s: %s", a.Kind, a.CircuitID,
		a.Detail)
}

// SinkConfig sets the per kind alert rate.
type SinkConfig struct {
	// RatePerMin is the sustained number of alerts per minute and kind.
	// Zero disables rate limiting.
	RatePerMin float64

	// Burst is the number of alerts of one kind let through at once.
	Burst int

	Clock clock.Clock

	// OnEmit, if set, is called for every alert let through.
	OnEmit func(Alert)

	// OnSuppress, if set, is called for every alert held back.
	OnSuppress func(Alert)
}

// Sink logs alerts, rate limited per kind. Suppressed alerts are counted
// and reported when the kind is let through again.
type Sink struct {
	cfg SinkConfig

	mu         sync.Mutex
	limiters   map[Kind]*rate.Limiter
	suppressed map[Kind]uint64
}

// NewSink creates an alert sink.
func NewSink(cfg *SinkConfig) *Sink {
	s := &Sink{
		cfg:        *cfg,
		limiters:   make(map[Kind]*rate.Limiter),
		suppressed: make(map[Kind]uint64),
	}
	if s.cfg.Clock == nil {
		s.cfg.Clock = clock.NewDefaultClock()
	}
	if s.cfg.Burst < 1 {
		s.cfg.Burst = 1
	}

	return s
}

// Emit logs a if its kind is within rate and returns whether it was let
// through.
func (s *Sink) Emit(a Alert) bool {
	if a.At.IsZero() {
		a.At = s.cfg.Clock.Now()
	}

	s.mu.Lock()
	allowed := s.allow(a)
	var held uint64
	if allowed {
		held = s.suppressed[a.Kind]
		s.suppressed[a.Kind] = 0
	} else {
		s.suppressed[a.Kind]++
	}
	s.mu.Unlock()

	if !allowed {
		if s.cfg.OnSuppress != nil {
			s.cfg.OnSuppress(a)
		}

		return false
	}

	if held > 0 {
		log.Warnf("Suppressed %d %v alerts", held, a.Kind)
	}

	switch a.Severity {
	case SeverityNotice:
		log.Infof("%v", a)
	case SeverityWarning:
		log.Warnf("%v", a)
	default:
		log.Errorf("%v", a)
	}

	if s.cfg.OnEmit != nil {
		s.cfg.OnEmit(a)
	}

	return true
}

// EmitAll passes each alert to Emit.
func (s *Sink) EmitAll(alerts []Alert) {
	for _, a := range alerts {
		s.Emit(a)
	}
}

// Suppressed returns the number of alerts of kind held back since the
// last one let through.
func (s *Sink) Suppressed(kind Kind) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.suppressed[kind]
}

// allow must be called with the mutex held.
func (s *Sink) allow(a Alert) bool {
	if s.cfg.RatePerMin <= 0 {
		return true
	}

	limiter, ok := s.limiters[a.Kind]
	if !ok {
		limiter = rate.NewLimiter(
			rate.Limit(s.cfg.RatePerMin/60), s.cfg.Burst,
		)
		s.limiters[a.Kind] = limiter
	}

	return limiter.AllowN(a.At, 1)
}
