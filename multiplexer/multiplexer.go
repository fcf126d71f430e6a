// Package multiplexer fans a single upstream byte stream out to many client
// sinks, keyed by stream parameters. At most one upstream exists per key;
// concurrent opens for the same key are deduplicated, and the upstream is
// torn down promptly once its last subscriber leaves.
package multiplexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/quotewire/streamgate/config"
	"github.com/quotewire/streamgate/logging"
	"github.com/quotewire/streamgate/metrics"
	"github.com/quotewire/streamgate/upstream"
)

// KeyFunc derives the sharing key for a stream from its parameters. Requests
// that produce the same key share one upstream.
type KeyFunc func(userID string, params map[string]string) string

// RequestFunc builds the upstream request for a stream from its parameters.
type RequestFunc func(userID string, params map[string]string) (upstream.Request, error)

// Opener opens upstream byte streams. Implemented by upstream.Requester.
type Opener interface {
	OpenStream(ctx context.Context, userID string, req upstream.Request) (io.ReadCloser, upstream.CancelFunc, error)
}

// Options configures a Multiplexer instance.
type Options struct {
	// Name identifies the instance in logs and metrics.
	Name string
	// Exclusive limits each user to one live key at a time: subscribing to a
	// new key closes the user's previous one.
	Exclusive bool

	MakeKey      KeyFunc
	BuildRequest RequestFunc
	Opener       Opener

	Config *config.MuxConfig
	Logger *logging.Logger
}

// lateJoinLine is sent to subscribers that attach after the upstream's first
// byte, so clients know they missed the snapshot at the head of the stream.
var lateJoinLine = []byte(`{"LateJoin":true}` + "\n")

// pendingOpen tracks one in-flight upstream open. Waiters block on done and
// then read conn or err, both set exactly once by the opener.
type pendingOpen struct {
	done      chan struct{}
	conn      *Connection
	err       error
	startedAt time.Time
}

// Multiplexer owns the upstreams and subscriber sets for one stream family.
type Multiplexer struct {
	name         string
	exclusive    bool
	makeKey      KeyFunc
	buildRequest RequestFunc
	opener       Opener
	cfg          *config.MuxConfig
	logger       *logging.Logger

	mu               sync.Mutex
	conns            map[string]*Connection
	pendingOpens     map[string]*pendingOpen
	pendingOpenCount int
	pendingCleanups  map[string]chan struct{}
	userLastKey      map[string]string
	userLastSwitch   map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Multiplexer and starts its maintenance sweep.
func New(opts Options) (*Multiplexer, error) {
	if opts.Name == "" {
		return nil, errors.New("multiplexer name is required")
	}
	if opts.MakeKey == nil || opts.BuildRequest == nil || opts.Opener == nil {
		return nil, errors.New("MakeKey, BuildRequest and Opener are required")
	}
	if opts.Config == nil {
		opts.Config = config.DefaultMuxConfig()
	}
	if opts.Logger == nil {
		opts.Logger = logging.New(logging.INFO, "[mux]")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Multiplexer{
		name:            opts.Name,
		exclusive:       opts.Exclusive,
		makeKey:         opts.MakeKey,
		buildRequest:    opts.BuildRequest,
		opener:          opts.Opener,
		cfg:             opts.Config,
		logger:          opts.Logger,
		conns:           make(map[string]*Connection),
		pendingOpens:    make(map[string]*pendingOpen),
		pendingCleanups: make(map[string]chan struct{}),
		userLastKey:     make(map[string]string),
		userLastSwitch:  make(map[string]time.Time),
		ctx:             ctx,
		cancel:          cancel,
	}

	m.wg.Add(1)
	go m.sweepLoop()

	return m, nil
}

// Name returns the instance name used in logs and metrics.
func (m *Multiplexer) Name() string { return m.name }

// Subscribe attaches sink to the stream described by params, opening the
// upstream if no healthy one exists for its key. It returns once the sink is
// receiving (or an error has been written); the caller should then block on
// sink.Done().
func (m *Multiplexer) Subscribe(ctx context.Context, userID string, params map[string]string, sink Sink) error {
	if !sink.IsAlive() {
		sink.End()
		return nil
	}

	key := m.makeKey(userID, params)
	req, err := m.buildRequest(userID, params)
	if err != nil {
		return upstream.NewBadRequest(err.Error())
	}

	if m.exclusive {
		if err := m.switchExclusive(ctx, userID, key); err != nil {
			return err
		}
	}

	// The upstream may die between open and attach (instant upstream error,
	// concurrent force-close). One retry covers that window.
	for attempt := 0; attempt < 2; attempt++ {
		conn, lateJoin, err := m.ensureUpstream(ctx, key, userID, req)
		if err != nil {
			return err
		}

		m.mu.Lock()
		if conn.aborted || m.conns[key] != conn {
			m.mu.Unlock()
			continue
		}
		if _, ok := m.pendingCleanups[key]; ok {
			// A teardown claimed this connection after ensureUpstream
			// returned it; wait the cleanup out and retry.
			m.mu.Unlock()
			continue
		}

		if !sink.IsAlive() {
			m.mu.Unlock()
			sink.End()
			m.closeIfEmpty(conn, "No subscribers")
			return nil
		}

		if len(conn.subscribers) >= m.cfg.MaxSubscribersPerKey {
			m.mu.Unlock()
			metrics.RecordRateLimited(m.name, "max_subscribers")
			m.logger.LogRateLimitHit(m.name, key, "max_subscribers")
			return upstream.NewRateLimited("too many subscribers for this stream")
		}

		sink.Begin()
		if lateJoin {
			// Written under the lock so it cannot interleave with a broadcast.
			if err := sink.Write(lateJoinLine); err != nil {
				m.mu.Unlock()
				sink.End()
				m.closeIfEmpty(conn, "No subscribers")
				return nil
			}
			metrics.RecordLateJoin(m.name)
		}

		conn.subscribers[sink.ID()] = sink
		total := m.totalSubscribersLocked()
		m.mu.Unlock()

		metrics.SetSubscribersConnected(m.name, total)
		sink.OnClose(func() { m.removeSubscriber(conn, sink.ID()) })
		return nil
	}

	return upstream.NewBadGateway("stream ended during subscribe")
}

// switchExclusive records the user's move to key and force-closes their
// previous key, spacing switches by the configured minimum delay.
func (m *Multiplexer) switchExclusive(ctx context.Context, userID, key string) error {
	m.mu.Lock()
	prevKey := m.userLastKey[userID]
	lastSwitch := m.userLastSwitch[userID]
	m.userLastKey[userID] = key
	if prevKey != "" && prevKey != key {
		m.userLastSwitch[userID] = time.Now()
	}
	m.mu.Unlock()

	if prevKey == "" || prevKey == key {
		return nil
	}

	// Rapid key flapping would churn upstream connections.
	if wait := m.cfg.MinSwitchDelay - time.Since(lastSwitch); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.CloseKey(prevKey, "Switched streams")
	return nil
}

// ensureUpstream returns the healthy connection for key, opening one if
// needed. The second result reports whether the upstream had already sent
// data when the caller arrived.
func (m *Multiplexer) ensureUpstream(ctx context.Context, key, userID string, req upstream.Request) (*Connection, bool, error) {
	for {
		m.mu.Lock()

		if ch, ok := m.pendingCleanups[key]; ok {
			m.mu.Unlock()
			m.awaitCleanup(key, ch)
			continue
		}

		if conn, ok := m.conns[key]; ok && !conn.aborted {
			lateJoin := conn.firstDataSent
			m.mu.Unlock()
			return conn, lateJoin, nil
		}

		if p, ok := m.pendingOpens[key]; ok {
			m.mu.Unlock()
			select {
			case <-p.done:
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
			if p.err != nil {
				return nil, false, p.err
			}
			continue
		}

		if m.pendingOpenCount >= m.cfg.MaxPendingOpens {
			m.mu.Unlock()
			metrics.RecordRateLimited(m.name, "max_pending_opens")
			m.logger.LogRateLimitHit(m.name, key, "max_pending_opens")
			return nil, false, upstream.NewRateLimited("too many streams opening, try again shortly")
		}

		p := &pendingOpen{done: make(chan struct{}), startedAt: time.Now()}
		m.pendingOpens[key] = p
		m.pendingOpenCount++
		metrics.SetPendingOpens(m.name, m.pendingOpenCount)
		m.mu.Unlock()

		conn, err := m.open(key, userID, req, p)
		if err != nil {
			return nil, false, err
		}
		return conn, false, nil
	}
}

// open performs the upstream open for key and finalizes the pending entry.
func (m *Multiplexer) open(key, userID string, req upstream.Request, p *pendingOpen) (*Connection, error) {
	// The connection's lifetime context descends from the multiplexer, never
	// from a client request: subscribers come and go independently.
	connCtx, connCancel := context.WithCancel(m.ctx)

	// Hard cap on the open attempt, over and above the opener's own budget.
	safety := time.AfterFunc(m.cfg.OpenSafetyTimeout, connCancel)

	body, cancel, err := m.opener.OpenStream(connCtx, userID, req)
	safety.Stop()

	m.mu.Lock()

	// The sweep may have evicted a stale pending entry; only the current
	// owner adjusts the counter.
	if m.pendingOpens[key] == p {
		delete(m.pendingOpens, key)
		m.pendingOpenCount--
		metrics.SetPendingOpens(m.name, m.pendingOpenCount)
	}

	if err != nil {
		p.err = err
		close(p.done)
		m.mu.Unlock()
		connCancel()
		metrics.RecordUpstreamError(m.name, string(upstream.AsStatusError(err).Kind))
		return nil, err
	}

	// On exclusive instances the user may have switched keys while this open
	// was in flight. The newer stream wins; this one is abandoned.
	if m.exclusive && m.userLastKey[userID] != key {
		staleErr := upstream.NewStaleOpen()
		p.err = staleErr
		close(p.done)
		m.mu.Unlock()
		cancel()
		metrics.RecordUpstreamError(m.name, string(upstream.KindStaleOpen))
		return nil, staleErr
	}

	conn := newConnection(key, userID, body, cancel, connCancel)
	conn.initialDataTimer = time.AfterFunc(m.cfg.InitialDataTimeout, func() {
		m.onInitialDataTimeout(conn)
	})
	m.conns[key] = conn
	p.conn = conn
	close(p.done)

	metrics.SetUpstreamsActive(m.name, len(m.conns))
	m.logger.Info("Upstream opened", map[string]interface{}{
		"mux": m.name,
		"key": key,
	})
	m.mu.Unlock()

	go m.pump(conn)
	go m.watchActivity(conn)

	return conn, nil
}

// onInitialDataTimeout destroys an upstream that never produced a byte.
func (m *Multiplexer) onInitialDataTimeout(c *Connection) {
	m.mu.Lock()
	stale := c.aborted || c.firstDataSent
	m.mu.Unlock()
	if stale {
		return
	}
	m.destroyConnection(c, "No initial data received", nil)
}

// awaitCleanup waits for an in-flight teardown of key, bounded by the
// configured cap. A cleanup that overruns the cap is forcibly forgotten so
// the key does not wedge.
func (m *Multiplexer) awaitCleanup(key string, ch chan struct{}) {
	select {
	case <-ch:
	case <-time.After(m.cfg.CleanupWaitCap):
		m.mu.Lock()
		if m.pendingCleanups[key] == ch {
			delete(m.pendingCleanups, key)
			m.logger.Warn("Cleanup overran its budget, forgetting it", map[string]interface{}{
				"mux": m.name,
				"key": key,
			})
		}
		m.mu.Unlock()
	}
}

// removeSubscriber detaches one sink; the last detach schedules teardown.
func (m *Multiplexer) removeSubscriber(c *Connection, sinkID string) {
	m.mu.Lock()
	if c.aborted {
		m.mu.Unlock()
		return
	}
	if _, ok := c.subscribers[sinkID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(c.subscribers, sinkID)
	empty := len(c.subscribers) == 0
	total := m.totalSubscribersLocked()
	m.mu.Unlock()

	metrics.SetSubscribersConnected(m.name, total)
	if empty {
		go m.closeIfEmpty(c, "No subscribers")
	}
}

// closeIfEmpty tears down c only if it is still the live connection for its
// key and nobody re-subscribed since the caller saw it empty. A subscriber
// that attaches between the last close and this call keeps the upstream.
// Reports whether the connection was destroyed.
func (m *Multiplexer) closeIfEmpty(c *Connection, reason string) bool {
	m.mu.Lock()
	if c.aborted || m.conns[c.key] != c || len(c.subscribers) > 0 {
		m.mu.Unlock()
		return false
	}
	if _, ok := m.pendingCleanups[c.key]; ok {
		// A force-close already owns this key's teardown.
		m.mu.Unlock()
		return false
	}
	ch := make(chan struct{})
	m.pendingCleanups[c.key] = ch
	m.mu.Unlock()

	m.destroyConnection(c, reason, nil)
	m.settleCleanup(c.key, ch)
	return true
}

// destroyConnection tears down c. Idempotent and identity-checked: a stale
// caller still holding a connection that has been replaced for its key does
// nothing.
func (m *Multiplexer) destroyConnection(c *Connection, reason string, cause error) {
	m.mu.Lock()
	if c.aborted || m.conns[c.key] != c {
		m.mu.Unlock()
		return
	}
	c.aborted = true
	c.stopTimersLocked()
	close(c.done)

	sinks := make([]Sink, 0, len(c.subscribers))
	for _, s := range c.subscribers {
		sinks = append(sinks, s)
	}
	c.subscribers = make(map[string]Sink)
	delete(m.conns, c.key)

	if m.userLastKey[c.userID] == c.key {
		delete(m.userLastKey, c.userID)
		delete(m.userLastSwitch, c.userID)
	}

	total := m.totalSubscribersLocked()
	active := len(m.conns)
	m.mu.Unlock()

	metrics.SetUpstreamsActive(m.name, active)
	metrics.SetSubscribersConnected(m.name, total)

	expected := cause == nil || isExpectedStreamError(cause)
	m.logger.LogConnectionDestroyed(m.name, c.key, reason, cause, expected)
	if cause != nil && !expected {
		metrics.RecordUpstreamError(m.name, "stream_error")
	}

	for _, s := range sinks {
		s.End()
	}

	// Abort the upstream request off the critical path. The cancel itself
	// aborts the request before closing the body.
	if c.cancel != nil {
		go c.cancel()
	} else if c.connCancel != nil {
		go c.connCancel()
	}
}

// CloseKey force-closes the upstream for key, then holds the key briefly so
// an immediate reopen does not race the transport teardown.
func (m *Multiplexer) CloseKey(key, reason string) {
	m.mu.Lock()
	if ch, ok := m.pendingCleanups[key]; ok {
		m.mu.Unlock()
		m.awaitCleanup(key, ch)
		m.mu.Lock()
	}

	c, ok := m.conns[key]
	if !ok {
		m.mu.Unlock()
		return
	}

	ch := make(chan struct{})
	m.pendingCleanups[key] = ch
	m.mu.Unlock()

	m.destroyConnection(c, reason, nil)
	m.settleCleanup(key, ch)
}

// settleCleanup holds the key for the settle window after a destroy, then
// releases waiters blocked on the cleanup.
func (m *Multiplexer) settleCleanup(key string, ch chan struct{}) {
	time.Sleep(m.cfg.PostDestroySettle)

	m.mu.Lock()
	if m.pendingCleanups[key] == ch {
		delete(m.pendingCleanups, key)
	}
	m.mu.Unlock()
	close(ch)
}

// sweepLoop periodically reaps dead sinks, zombie upstreams and stale
// pending opens.
func (m *Multiplexer) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Multiplexer) sweep() {
	m.mu.Lock()

	var deadSinks []Sink
	var zombies []*Connection
	zombieAges := make(map[string]time.Duration)

	for key, c := range m.conns {
		for id, s := range c.subscribers {
			if !s.IsAlive() {
				deadSinks = append(deadSinks, s)
				delete(c.subscribers, id)
			}
		}
		// Last-close teardown should make zombies impossible; the sweep is
		// the backstop.
		if len(c.subscribers) == 0 {
			zombies = append(zombies, c)
			zombieAges[key] = time.Since(c.createdAt)
		}
	}

	for key, p := range m.pendingOpens {
		if time.Since(p.startedAt) > m.cfg.StalePendingAge {
			delete(m.pendingOpens, key)
			m.pendingOpenCount--
			m.logger.Warn("Evicted stale pending open", map[string]interface{}{
				"mux": m.name,
				"key": key,
				"age": time.Since(p.startedAt).String(),
			})
		}
	}

	upstreams := len(m.conns)
	pendings := m.pendingOpenCount
	total := m.totalSubscribersLocked()
	m.mu.Unlock()

	metrics.SetUpstreamsActive(m.name, upstreams)
	metrics.SetPendingOpens(m.name, pendings)
	metrics.SetSubscribersConnected(m.name, total)

	if upstreams > 20 || pendings > 5 {
		m.logger.LogHighWatermark(m.name, upstreams, pendings)
	}

	for _, s := range deadSinks {
		s.End()
	}

	for _, c := range zombies {
		if m.closeIfEmpty(c, "Zombie upstream") {
			m.logger.LogZombieReaped(m.name, c.key, zombieAges[c.key])
			metrics.RecordZombieReaped(m.name)
		}
	}
}

// totalSubscribersLocked sums sinks across all connections.
// Must be called with the mux lock held.
func (m *Multiplexer) totalSubscribersLocked() int {
	total := 0
	for _, c := range m.conns {
		total += len(c.subscribers)
	}
	return total
}

// KeyStats describes one active upstream for the stats endpoint.
type KeyStats struct {
	Key          string  `json:"key"`
	Subscribers  int     `json:"subscribers"`
	AgeSeconds   float64 `json:"ageSeconds"`
	IdleSeconds  float64 `json:"idleSeconds"`
	FirstByteYet bool    `json:"firstByteReceived"`
}

// Stats is a point-in-time snapshot of one multiplexer instance.
type Stats struct {
	Name            string     `json:"name"`
	Exclusive       bool       `json:"exclusive"`
	Upstreams       int        `json:"upstreams"`
	Subscribers     int        `json:"subscribers"`
	PendingOpens    int        `json:"pendingOpens"`
	PendingCleanups int        `json:"pendingCleanups"`
	Keys            []KeyStats `json:"keys"`
}

// Stats returns a snapshot of the instance's current state.
func (m *Multiplexer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	stats := Stats{
		Name:            m.name,
		Exclusive:       m.exclusive,
		Upstreams:       len(m.conns),
		Subscribers:     m.totalSubscribersLocked(),
		PendingOpens:    m.pendingOpenCount,
		PendingCleanups: len(m.pendingCleanups),
	}
	for key, c := range m.conns {
		stats.Keys = append(stats.Keys, KeyStats{
			Key:          key,
			Subscribers:  len(c.subscribers),
			AgeSeconds:   now.Sub(c.createdAt).Seconds(),
			IdleSeconds:  now.Sub(c.lastActivity).Seconds(),
			FirstByteYet: c.firstDataSent,
		})
	}
	return stats
}

// Shutdown destroys all upstreams and stops the maintenance sweep.
func (m *Multiplexer) Shutdown() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		m.destroyConnection(c, "Shutting down", nil)
	}

	m.cancel()
	m.wg.Wait()
}

// String implements fmt.Stringer for debug output.
func (m *Multiplexer) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("multiplexer{name=%s upstreams=%d pending=%d}", m.name, len(m.conns), m.pendingOpenCount)
}
