// Package eventchannel owns the realtime push connection to the s3desk
// server. It prefers the websocket transport, falls back to the SSE transport
// when the websocket cannot be established or drops, reconnects with jittered
// exponential backoff, and periodically probes to move back to the websocket
// while running on SSE.
package eventchannel

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/homelabird/s3desk-telemetry/internal/model"
	"github.com/homelabird/s3desk-telemetry/internal/pkg/backoff"
)

// Transport identifies the push mechanism carrying events.
type Transport int

const (
	// TransportNone means no transport is connected.
	TransportNone Transport = iota
	// TransportPrimary is the bidirectional websocket connection.
	TransportPrimary
	// TransportSecondary is the unidirectional SSE connection.
	TransportSecondary
)

// String returns the transport name.
func (t Transport) String() string {
	switch t {
	case TransportPrimary:
		return "websocket"
	case TransportSecondary:
		return "sse"
	default:
		return "none"
	}
}

// ConnectionState is the externally visible state of the channel, published
// on every change so the UI can render a realtime indicator.
type ConnectionState struct {
	Transport  Transport
	Connected  bool
	RetryCount int
	LastSeq    int64
}

// fsm states of the channel.
type state int

const (
	stateIdle state = iota
	stateConnectingPrimary
	stateConnectedPrimary
	stateConnectingSecondary
	stateConnectedSecondary
	stateBackoff
	stateClosed
)

// Config contains the configuration for the channel.
type Config struct {
	// PrimaryURL returns the websocket endpoint URL for a resume hint.
	PrimaryURL func(afterSeq int64) string
	// SecondaryURL returns the SSE endpoint URL for a resume hint.
	SecondaryURL func(afterSeq int64) string
	// ConnectTimeout bounds transport establishment; past it the channel
	// falls back or backs off.
	ConnectTimeout time.Duration
	// ProbeInterval is how often to retry the websocket while on SSE.
	ProbeInterval time.Duration
	// Backoff is the reconnect delay policy.
	Backoff backoff.Policy
}

// DefaultConfig returns the timing policy the dashboard ships with.
func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout: 1500 * time.Millisecond,
		ProbeInterval:  15 * time.Second,
		Backoff: backoff.Policy{
			Base:   time.Second,
			Max:    20 * time.Second,
			Jitter: 250 * time.Millisecond,
		},
	}
}

// EventHandler receives decoded events in arrival order.
type EventHandler func(model.Event)

// StateHandler receives a snapshot after every connection state change.
type StateHandler func(ConnectionState)

// transportConn is a live transport whose read loop is already running.
type transportConn interface {
	Close()
}

// Channel is the realtime push channel. One instance exists per session; the
// zero value is not usable, construct with New.
//
// Every asynchronous callback (dial results, read loops, timers) carries the
// generation it was spawned under and is discarded when the generation moved
// on, so a torn-down transport can never mutate newer state.
type Channel struct {
	cfg    *Config
	logger *zap.Logger

	mu           sync.Mutex
	st           state
	gen          uint64
	active       transportConn
	attempt      int
	lastSeq      int64
	backoffTimer *time.Timer
	probeTimer   *time.Timer
	onEvent      EventHandler
	onState      StateHandler
}

// New creates a channel. A nil cfg field set applies DefaultConfig timing;
// the URL functions are required. The config is copied, later mutation by
// the caller has no effect.
func New(cfg *Config, logger *zap.Logger) *Channel {
	cp := *cfg
	def := DefaultConfig()
	if cp.ConnectTimeout <= 0 {
		cp.ConnectTimeout = def.ConnectTimeout
	}
	if cp.ProbeInterval <= 0 {
		cp.ProbeInterval = def.ProbeInterval
	}
	if cp.Backoff.Base <= 0 {
		cp.Backoff = def.Backoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{cfg: &cp, logger: logger, st: stateIdle}
}

// OnEvent sets the event handler. Must be called before Connect.
func (c *Channel) OnEvent(h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = h
}

// OnConnectionStateChange sets the state handler. Must be called before
// Connect.
func (c *Channel) OnConnectionStateChange(h StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = h
}

// Connect starts the channel, resuming after the given sequence number.
// Calling it while the channel is already connecting or connected is a no-op.
func (c *Channel) Connect(afterSeq int64) {
	c.mu.Lock()
	if c.st != stateIdle {
		c.mu.Unlock()
		return
	}
	if afterSeq > c.lastSeq {
		c.lastSeq = afterSeq
	}
	notify := c.startPrimaryLocked()
	c.mu.Unlock()
	notify()
}

// RetryNow forces an immediate reconnect attempt, bypassing any pending
// backoff, and resets the retry counter. Connected channels only reset the
// counter.
func (c *Channel) RetryNow() {
	c.mu.Lock()
	if c.st == stateClosed {
		c.mu.Unlock()
		return
	}
	c.attempt = 0
	switch c.st {
	case stateIdle, stateBackoff:
		if c.backoffTimer != nil {
			c.backoffTimer.Stop()
			c.backoffTimer = nil
		}
		notify := c.startPrimaryLocked()
		c.mu.Unlock()
		notify()
	default:
		notify := c.notifyLocked()
		c.mu.Unlock()
		notify()
	}
}

// Close tears down the active transport and all timers. Safe to call more
// than once; a closed channel stays closed.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.st == stateClosed {
		c.mu.Unlock()
		return
	}
	c.st = stateClosed
	c.gen++
	if c.backoffTimer != nil {
		c.backoffTimer.Stop()
		c.backoffTimer = nil
	}
	if c.probeTimer != nil {
		c.probeTimer.Stop()
		c.probeTimer = nil
	}
	if c.active != nil {
		c.active.Close()
		c.active = nil
	}
	notify := c.notifyLocked()
	c.mu.Unlock()
	notify()
}

// State returns a snapshot of the connection state.
func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// startPrimaryLocked begins a websocket dial attempt. The caller holds the
// mutex and runs the returned notification afterwards.
func (c *Channel) startPrimaryLocked() func() {
	c.st = stateConnectingPrimary
	c.gen++
	g := c.gen
	u := c.cfg.PrimaryURL(c.lastSeq)
	go func() {
		conn, err := dialWebSocket(u, c.cfg.ConnectTimeout)
		c.primaryDialDone(g, conn, err)
	}()
	return c.notifyLocked()
}

func (c *Channel) primaryDialDone(g uint64, conn *wsConn, err error) {
	c.mu.Lock()
	if g != c.gen || c.st != stateConnectingPrimary {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		c.logger.Debug("websocket connect failed, falling back to sse", zap.Error(err))
		notify := c.startSecondaryLocked()
		c.mu.Unlock()
		notify()
		return
	}

	notify := c.installLocked(conn, TransportPrimary)
	c.mu.Unlock()
	notify()
}

// startSecondaryLocked begins an SSE dial attempt.
func (c *Channel) startSecondaryLocked() func() {
	c.st = stateConnectingSecondary
	c.gen++
	g := c.gen
	u := c.cfg.SecondaryURL(c.lastSeq)
	lastSeq := c.lastSeq
	go func() {
		conn, err := dialSSE(u, lastSeq, c.cfg.ConnectTimeout)
		c.secondaryDialDone(g, conn, err)
	}()
	return c.notifyLocked()
}

func (c *Channel) secondaryDialDone(g uint64, conn *sseConn, err error) {
	c.mu.Lock()
	if g != c.gen || c.st != stateConnectingSecondary {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		c.logger.Debug("sse connect failed", zap.Error(err))
		notify := c.enterBackoffLocked()
		c.mu.Unlock()
		notify()
		return
	}

	notify := c.installLocked(conn, TransportSecondary)
	c.mu.Unlock()
	notify()
}

// installLocked adopts a freshly established transport as the active one and
// starts its read loop. Any previous transport was already torn down.
func (c *Channel) installLocked(conn transportConn, transport Transport) func() {
	c.gen++
	g := c.gen
	c.active = conn
	c.attempt = 0

	switch transport {
	case TransportPrimary:
		c.st = stateConnectedPrimary
	case TransportSecondary:
		c.st = stateConnectedSecondary
		c.armProbeLocked()
	case TransportNone:
	}

	switch tc := conn.(type) {
	case *wsConn:
		go c.readWebSocket(g, tc)
	case *sseConn:
		go c.readSSE(g, tc)
	}

	c.logger.Info("realtime connected",
		zap.String("transport", transport.String()),
		zap.Int64("last_seq", c.lastSeq),
	)
	return c.notifyLocked()
}

// enterBackoffLocked schedules the next connect cycle.
func (c *Channel) enterBackoffLocked() func() {
	c.st = stateBackoff
	c.attempt++
	delay := c.cfg.Backoff.Delay(c.attempt - 1)
	c.backoffTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.st != stateBackoff {
			c.mu.Unlock()
			return
		}
		notify := c.startPrimaryLocked()
		c.mu.Unlock()
		notify()
	})
	c.logger.Debug("realtime backoff",
		zap.Int("attempt", c.attempt),
		zap.Duration("delay", delay),
	)
	return c.notifyLocked()
}

// transportFailed handles a mid-stream failure of the active transport.
func (c *Channel) transportFailed(g uint64, err error) {
	c.mu.Lock()
	if g != c.gen || c.st == stateClosed {
		c.mu.Unlock()
		return
	}
	if c.active != nil {
		c.active.Close()
		c.active = nil
	}
	if c.probeTimer != nil {
		c.probeTimer.Stop()
		c.probeTimer = nil
	}
	c.logger.Warn("realtime transport lost", zap.Error(err))
	notify := c.enterBackoffLocked()
	c.mu.Unlock()
	notify()
}

// armProbeLocked schedules the next attempt to move back to the websocket
// while connected over SSE.
func (c *Channel) armProbeLocked() {
	c.probeTimer = time.AfterFunc(c.cfg.ProbeInterval, c.probePrimary)
}

// probePrimary dials the websocket while the SSE transport keeps running; on
// success the SSE transport is torn down first, then the websocket becomes
// the active transport.
func (c *Channel) probePrimary() {
	c.mu.Lock()
	if c.st != stateConnectedSecondary {
		c.mu.Unlock()
		return
	}
	g := c.gen
	u := c.cfg.PrimaryURL(c.lastSeq)
	c.mu.Unlock()

	conn, err := dialWebSocket(u, c.cfg.ConnectTimeout)

	c.mu.Lock()
	if g != c.gen || c.st != stateConnectedSecondary {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		c.logger.Debug("websocket probe failed, staying on sse", zap.Error(err))
		c.armProbeLocked()
		c.mu.Unlock()
		return
	}

	if c.active != nil {
		c.active.Close()
		c.active = nil
	}
	c.logger.Info("websocket probe succeeded, leaving sse")
	notify := c.installLocked(conn, TransportPrimary)
	c.mu.Unlock()
	notify()
}

// handleFrame decodes one pushed frame and forwards the event. Malformed
// frames are dropped without touching connection state.
func (c *Channel) handleFrame(g uint64, data []byte) {
	c.mu.Lock()
	if g != c.gen {
		c.mu.Unlock()
		return
	}
	ev, err := model.DecodeEvent(data)
	if err != nil {
		c.mu.Unlock()
		c.logger.Debug("dropped undecodable frame", zap.Error(err))
		return
	}
	if ev.Seq() > c.lastSeq {
		c.lastSeq = ev.Seq()
	}
	h := c.onEvent
	c.mu.Unlock()

	if h != nil {
		h(ev)
	}
}

func (c *Channel) snapshotLocked() ConnectionState {
	s := ConnectionState{
		RetryCount: c.attempt,
		LastSeq:    c.lastSeq,
	}
	switch c.st {
	case stateConnectedPrimary:
		s.Transport = TransportPrimary
		s.Connected = true
	case stateConnectedSecondary:
		s.Transport = TransportSecondary
		s.Connected = true
	case stateIdle, stateConnectingPrimary, stateConnectingSecondary, stateBackoff, stateClosed:
	}
	return s
}

// notifyLocked captures the state snapshot and handler under the mutex and
// returns the notification for the caller to run unlocked.
func (c *Channel) notifyLocked() func() {
	h := c.onState
	if h == nil {
		return func() {}
	}
	s := c.snapshotLocked()
	return func() { h(s) }
}
