package vanguards

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hsguard/vanguards/alert"
	"github.com/hsguard/vanguards/bandguard"
	"github.com/hsguard/vanguards/consensus"
	"github.com/hsguard/vanguards/guardset"
	"github.com/hsguard/vanguards/logguard"
	"github.com/hsguard/vanguards/monitoring"
	"github.com/hsguard/vanguards/rendguard"
	"github.com/hsguard/vanguards/secret"
	"github.com/hsguard/vanguards/statefile"
	"github.com/hsguard/vanguards/tor"
	"github.com/hsguard/vanguards/vgcfg"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// defaultRetryInitial and defaultRetryMax bound the wait between
	// reconnection attempts.
	defaultRetryInitial = time.Second
	defaultRetryMax     = time.Minute

	// dialTimeout bounds connecting to the control port.
	dialTimeout = 10 * time.Second

	detectorBandguard = "bandguard"
	detectorRendguard = "rendguard"
)

// Controller drives one Tor instance: it keeps the vanguard layers set in
// Tor and feeds events to the enabled detectors. All state is owned by the
// goroutine calling Run.
type Controller struct {
	cfg     *Config
	clock   clock.Clock
	metrics *monitoring.Metrics

	store  *statefile.Store
	guards *guardset.GuardSet
	alerts *alert.Sink

	// rend is nil when the rendezvous detector is disabled. Its counts
	// outlive control connections.
	rend *rendguard.RendGuard

	// newTicker creates the rotation ticker of a session.
	newTicker func(time.Duration) ticker.Ticker

	// readFile reads tor's cached consensus.
	readFile func(string) ([]byte, error)

	retryInitial time.Duration
	retryMax     time.Duration

	// onReady, if set, is called with a status line after every
	// successful session setup.
	onReady func(status string)
}

// session is the state tied to one control connection.
type session struct {
	tc   *tor.Controller
	view *consensus.View

	// band and logs are nil when disabled.
	band *bandguard.BandGuard
	logs *logguard.LogGuard
}

// NewController creates a controller from a validated config and restores
// the persisted vanguards. A *statefile.StateFormatError is returned as is
// and must be treated as fatal.
func NewController(cfg *Config, clk clock.Clock,
	metrics *monitoring.Metrics) (*Controller, error) {

	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("unable to seed guard selection: %w", err)
	}

	store := statefile.NewStore(cfg.StateFile, clk)
	guards := guardset.New(
		cfg.Vanguards.GuardSet(cfg.StateFile, cfg.EnableVanguards),
		store, clk, rand.New(rand.NewChaCha8(seed)),
	)
	if err := guards.Load(); err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:          cfg,
		clock:        clk,
		metrics:      metrics,
		store:        store,
		guards:       guards,
		newTicker:    newTicker,
		readFile:     os.ReadFile,
		retryInitial: defaultRetryInitial,
		retryMax:     defaultRetryMax,
	}

	c.alerts = alert.NewSink(&alert.SinkConfig{
		RatePerMin: cfg.AlertRatePerMin,
		Burst:      cfg.AlertBurst,
		Clock:      clk,
		OnEmit: func(a alert.Alert) {
			metrics.Alert(a.Kind.String())
		},
		OnSuppress: func(a alert.Alert) {
			metrics.Suppressed(a.Kind.String())
		},
	})

	if cfg.EnableRendguard {
		c.rend = rendguard.New(
			cfg.Rendguard.RendGuard(cfg.CloseCircuits), clk,
		)
	}

	c.recordLayers()

	return c, nil
}

func newTicker(interval time.Duration) ticker.Ticker {
	return ticker.New(interval)
}

// Run keeps a control connection to Tor until ctx is done, reconnecting
// with exponential backoff. It returns nil on shutdown and an error if
// reconnecting is hopeless or the retry limit is used up.
func (c *Controller) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInitial
	bo.MaxInterval = c.retryMax
	bo.MaxElapsedTime = 0

	var policy backoff.BackOff = bo
	if c.cfg.RetryLimit > 0 {
		policy = backoff.WithMaxRetries(bo, uint64(c.cfg.RetryLimit))
	}

	op := func() error {
		// A session that got through setup earns a fresh backoff.
		err := c.runSession(ctx, bo.Reset)
		switch {
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())

		case isFatal(err):
			return backoff.Permanent(err)
		}

		return err
	}
	notify := func(err error, wait time.Duration) {
		c.metrics.Reconnect()
		vngdLog.Warnf("Tor daemon connection failed: %v. Trying "+
			"again in %v", err, wait)
	}

	err := backoff.RetryNotify(
		op, backoff.WithContext(policy, ctx), notify,
	)
	switch {
	case ctx.Err() != nil:
		return nil

	case err != nil && !isFatal(err):
		return fmt.Errorf("giving up on tor after %d retries: %w",
			c.cfg.RetryLimit, err)
	}

	return err
}

// RunOnce connects, brings the vanguards up to date, sets them in Tor and
// returns without subscribing to events.
func (c *Controller) RunOnce(ctx context.Context) error {
	s, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = s.tc.Stop() }()

	if err := c.newConsensus(ctx, s); err != nil {
		return err
	}

	vngdLog.Infof("Updated vanguards in Tor, exiting (one-shot mode)")

	return nil
}

// isFatal returns true for errors that reconnecting cannot fix.
func isFatal(err error) bool {
	var (
		authErr   *tor.AuthError
		formatErr *statefile.StateFormatError
		cfgErr    *vgcfg.ValidationError
	)

	return errors.As(err, &authErr) || errors.As(err, &formatErr) ||
		errors.As(err, &cfgErr)
}

// runSession runs a single control connection until it fails or ctx is
// done. connected is called once setup has succeeded.
func (c *Controller) runSession(ctx context.Context, connected func()) error {
	s, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = s.tc.Stop() }()

	if err := c.setup(ctx, s); err != nil {
		return err
	}
	connected()

	vngdLog.Infof("Connected to Tor %s on %v", s.tc.Version(), s.tc)
	if c.onReady != nil {
		c.onReady(fmt.Sprintf("Connected to Tor %s", s.tc.Version()))
	}

	return c.dispatch(ctx, s)
}

// endpoints returns the control endpoints to try, in order.
func (c *Controller) endpoints() []tor.Config {
	cfg := tor.Config{
		EventQueueSize: c.cfg.EventQueueSize,
		DialTimeout:    dialTimeout,
	}

	tcp := func(port int) tor.Config {
		ep := cfg
		ep.Network = "tcp"
		ep.Address = net.JoinHostPort(
			c.cfg.ControlIP, strconv.Itoa(port),
		)

		return ep
	}
	unix := func(path string) tor.Config {
		ep := cfg
		ep.Network = "unix"
		ep.Address = path

		return ep
	}

	switch {
	case c.cfg.ControlSocket != "":
		return []tor.Config{unix(c.cfg.ControlSocket)}

	case c.cfg.ControlPort != 0:
		return []tor.Config{tcp(c.cfg.ControlPort)}

	default:
		return []tor.Config{
			tcp(tor.DefaultControlPort),
			unix(tor.DefaultControlSocket),
		}
	}
}

// connect opens and authenticates a control connection, trying each
// endpoint until one accepts.
func (c *Controller) connect(ctx context.Context) (*session, error) {
	var lastErr error
	for _, ep := range c.endpoints() {
		if c.cfg.ControlPass != "" {
			pass, err := secret.NewFromString(c.cfg.ControlPass)
			if err != nil {
				return nil, err
			}
			ep.Password = pass
		}

		tc := tor.NewController(&ep)
		err := tc.Start(ctx)
		if err == nil {
			s, err := c.newSession(tc)
			if err != nil {
				_ = tc.Stop()
				return nil, err
			}

			return s, nil
		}

		var chanErr *tor.ChannelError
		if !errors.As(err, &chanErr) {
			return nil, err
		}

		vngdLog.Debugf("Unable to reach Tor on %v: %v", tc, err)
		lastErr = err
	}

	return nil, lastErr
}

func (c *Controller) newSession(tc *tor.Controller) (*session, error) {
	s := &session{
		tc: tc,
		view: consensus.NewView(tc, &consensus.ViewConfig{
			Clock:    c.clock,
			Families: true,
			ReadFile: c.readFile,
		}),
	}

	if c.cfg.EnableBandguards {
		s.band = bandguard.New(
			c.cfg.Bandguards.BandGuard(c.cfg.CloseCircuits), c.clock,
		)
	}

	if c.cfg.EnableLogguard {
		logs, err := logguard.New(c.cfg.Logguard.LogGuard(), c.clock)
		if err != nil {
			return nil, &vgcfg.ValidationError{
				Field:  "logguard",
				Reason: err.Error(),
			}
		}
		s.logs = logs
	}

	return s, nil
}

// setup brings Tor's vanguards up to date and subscribes to the events of
// the enabled components.
func (c *Controller) setup(ctx context.Context, s *session) error {
	if c.cfg.EnableVanguards || c.rend != nil {
		if err := c.newConsensus(ctx, s); err != nil {
			return err
		}
	}

	if s.logs != nil {
		if err := s.logs.Setup(ctx, s.tc); err != nil {
			return err
		}
	}

	return s.tc.SetEvents(ctx, c.eventTypes(s)...)
}

// eventTypes returns the events the enabled components consume.
func (c *Controller) eventTypes(s *session) []tor.EventType {
	var types []tor.EventType
	if c.cfg.EnableVanguards || c.rend != nil {
		types = append(types, tor.EventNewConsensus)
	}
	if c.cfg.EnableVanguards {
		types = append(types, tor.EventSignal)
	}
	if s.band != nil {
		types = append(types,
			tor.EventCirc, tor.EventCircMinor, tor.EventCircBW,
			tor.EventStream, tor.EventBW, tor.EventORConn,
			tor.EventNetworkLiveness,
		)
	}
	if c.rend != nil {
		types = append(types, tor.EventCirc)
	}
	if s.logs != nil {
		types = append(types, tor.EventCirc)
		types = append(types, s.logs.EventTypes()...)
	}

	return types
}

// dispatch is the event loop of a session.
func (c *Controller) dispatch(ctx context.Context, s *session) error {
	t := c.newTicker(c.cfg.RotationInterval)
	t.Resume()
	defer t.Stop()

	for {
		select {
		case ev := <-s.tc.Events():
			if err := c.handleEvent(ctx, s, ev); err != nil {
				return err
			}

		case <-t.Ticks():
			if err := c.tick(ctx, s); err != nil {
				return err
			}

		case <-s.tc.Done():
			return s.tc.Err()

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleEvent feeds an event to every enabled component and acts on their
// findings.
func (c *Controller) handleEvent(ctx context.Context, s *session,
	ev tor.Event) error {

	c.metrics.Event(string(ev.Type()))
	c.metrics.SetDroppedEvents(s.tc.DroppedEvents())

	// The log buffer sees a close before the detectors forget the
	// circuit.
	if s.logs != nil {
		s.logs.HandleEvent(ev)
	}

	switch e := ev.(type) {
	case *tor.NewConsensusEvent:
		if c.cfg.EnableVanguards || c.rend != nil {
			if err := c.newConsensus(ctx, s); err != nil {
				return err
			}
		}

	case *tor.SignalEvent:
		if e.Signal == "RELOAD" && c.cfg.EnableVanguards {
			vngdLog.Infof("Tor got SIGHUP, reapplying vanguards")
			if err := c.reload(ctx, s); err != nil {
				return err
			}
		}
	}

	if s.band != nil {
		res := s.band.HandleEvent(ev)
		err := c.act(ctx, s, detectorBandguard, res.Alerts, res.Close)
		if err != nil {
			return err
		}
	}

	if c.rend != nil {
		res := c.rend.HandleEvent(ev)
		err := c.act(ctx, s, detectorRendguard, res.Alerts, res.Close)
		if err != nil {
			return err
		}
		c.metrics.SetRendUses(c.rend.Total())
	}

	return nil
}

// tick runs the periodic checks: rotation of expired vanguards and the
// circuit age and connectivity limits.
func (c *Controller) tick(ctx context.Context, s *session) error {
	snap := s.view.Snapshot()
	if snap == nil && (c.cfg.EnableVanguards || c.rend != nil) {
		// Retry a consensus we could not use so far.
		return c.newConsensus(ctx, s)
	}

	if c.cfg.EnableVanguards {
		changed, err := c.guards.Rotate(snap)
		if err != nil {
			return err
		}
		if changed {
			c.recordLayers()
			if err := c.applyLayers(ctx, s.tc); err != nil {
				return err
			}
		}
	}

	if s.band != nil {
		res := s.band.CheckAges()
		err := c.act(ctx, s, detectorBandguard, res.Alerts, res.Close)
		if err != nil {
			return err
		}

		res = s.band.CheckConnectivity()
		err = c.act(ctx, s, detectorBandguard, res.Alerts, res.Close)
		if err != nil {
			return err
		}
	}

	return nil
}

// act emits alerts and closes circuits. Only a failed control connection
// is returned; a circuit Tor no longer knows is skipped.
func (c *Controller) act(ctx context.Context, s *session, detector string,
	alerts []alert.Alert, closes []string) error {

	c.alerts.EmitAll(alerts)

	for _, id := range closes {
		if s.logs != nil {
			s.logs.PreClose(id)
		}

		err := s.tc.CloseCircuit(ctx, id)
		var chanErr *tor.ChannelError
		switch {
		case errors.As(err, &chanErr):
			return err

		case err != nil:
			vngdLog.Debugf("Unable to close circuit %s: %v", id, err)
			continue
		}

		c.metrics.CircuitClosed(detector)
		vngdLog.Infof("Closed circuit %s on behalf of %s", id, detector)
	}

	return nil
}

// newConsensus re-reads ExcludeNodes and the consensus, then updates and
// applies the vanguards and the rendezvous weights. A consensus that does
// not parse keeps the previous snapshot.
func (c *Controller) newConsensus(ctx context.Context, s *session) error {
	if err := c.readExclusions(ctx, s); err != nil {
		return err
	}

	if err := s.view.Refresh(ctx); err != nil {
		var parseErr *consensus.ParseError
		if errors.As(err, &parseErr) && s.view.Snapshot() != nil {
			return nil
		}

		return err
	}

	snap := s.view.Snapshot()
	c.metrics.SetRelays(len(snap.Relays))

	if c.rend != nil {
		c.rend.UpdateWeights(snap)
	}

	if !c.cfg.EnableVanguards {
		return nil
	}

	if _, err := c.guards.Update(snap, s.view.Exclusions()); err != nil {
		return err
	}
	c.recordLayers()

	return c.applyLayers(ctx, s.tc)
}

// reload re-reads ExcludeNodes after Tor reloaded its config, drops
// vanguards that became excluded and sets the layers again, since a
// reload resets them to the torrc values.
func (c *Controller) reload(ctx context.Context, s *session) error {
	if err := c.readExclusions(ctx, s); err != nil {
		return err
	}

	if snap := s.view.Snapshot(); snap != nil {
		_, err := c.guards.Update(snap, s.view.Exclusions())
		if err != nil {
			return err
		}
		c.recordLayers()
	}

	return c.applyLayers(ctx, s.tc)
}

// readExclusions loads ExcludeNodes and GeoIPExcludeUnknown into the
// session's view.
func (c *Controller) readExclusions(ctx context.Context, s *session) error {
	nodes, err := s.tc.GetConf(ctx, "ExcludeNodes")
	if err != nil {
		return err
	}
	geoip, err := s.tc.GetConf(ctx, "GeoIPExcludeUnknown")
	if err != nil {
		return err
	}

	var geoipUnknown string
	if len(geoip) > 0 {
		geoipUnknown = geoip[0]
	}

	excl := consensus.ParseExcludeNodes(
		strings.Join(nodes, ","), geoipUnknown,
	)
	s.view.SetExclusions(excl)

	if !excl.Empty() {
		vngdLog.Debugf("Honoring ExcludeNodes: %v", excl)
	}

	return nil
}

// applyLayers sets the entry guard options and both vanguard layers in
// Tor.
func (c *Controller) applyLayers(ctx context.Context, tc *tor.Controller) error {
	v := c.cfg.Vanguards

	var pairs []tor.ConfPair
	if v.NumLayer1Guards > 0 {
		num := strconv.Itoa(v.NumLayer1Guards)
		pairs = append(pairs,
			tor.ConfPair{Key: "NumEntryGuards", Value: num},
			tor.ConfPair{Key: "NumDirectoryGuards", Value: num},
		)
	}
	if v.Layer1LifetimeDays > 0 {
		pairs = append(pairs, tor.ConfPair{
			Key:   "GuardLifetime",
			Value: fmt.Sprintf("%d days", v.Layer1LifetimeDays),
		})
	}

	layer2 := c.guards.LayerNodes(2)
	pairs = append(pairs, tor.ConfPair{Key: "HSLayer2Nodes", Value: layer2})

	layer3 := c.guards.LayerNodes(3)
	if v.NumLayer3Guards > 0 {
		pairs = append(pairs, tor.ConfPair{
			Key: "HSLayer3Nodes", Value: layer3,
		})
	}

	if err := tc.SetConf(ctx, pairs...); err != nil {
		var replyErr *tor.ReplyError
		if errors.As(err, &replyErr) {
			vngdLog.Errorf("Vanguards requires Tor 0.3.3.x (and " +
				"ideally 0.3.4.x or newer)")
		}

		return err
	}

	vngdLog.Infof("Layer2 guards: %s", layer2)
	if v.NumLayer3Guards > 0 {
		vngdLog.Infof("Layer3 guards: %s", layer3)
	}

	return nil
}

// recordLayers publishes the layer sizes and state revision.
func (c *Controller) recordLayers() {
	snap := c.guards.Snapshot()
	c.metrics.SetLayer(2, len(snap.Layer2.Slots))
	c.metrics.SetLayer(3, len(snap.Layer3.Slots))
	c.metrics.SetStateRevision(snap.Revision)
}

