// Package channel manages exactly one websocket for one logical session
// channel (main or approval). The connection is modeled as a small state
// machine with a single dispatch entry point; every asynchronous callback
// carries the connection epoch captured at creation and is discarded when a
// newer socket has superseded it.
package channel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the lifecycle state of a channel connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Socket is one live websocket connection.
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens sockets. Tests substitute in-memory fakes.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// Frame is one received message with its receipt timestamp.
type Frame struct {
	Data       json.RawMessage
	ReceivedAt time.Time
}

// Handlers receive connection events. All are optional. Handlers for a given
// socket are invoked sequentially, never concurrently with each other.
type Handlers struct {
	OnOpen  func()
	OnFrame func(Frame)
	OnSend  func(data []byte)
	OnClose func(err error)
}

// Policy controls reconnection behavior.
type Policy struct {
	AutoReconnect bool
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// NoReconnect is the main-channel policy: a lost connection surfaces as
// inactive and recovery goes through a session resume.
func NoReconnect() Policy {
	return Policy{AutoReconnect: false}
}

// Backoff is the approval-channel policy: reconnect after
// min(base << attempt, max).
func Backoff(base, max time.Duration) Policy {
	return Policy{AutoReconnect: true, ReconnectBase: base, ReconnectMax: max}
}

// DefaultBackoff matches the server's expectations: 1s doubling up to 30s.
func DefaultBackoff() Policy {
	return Backoff(time.Second, 30*time.Second)
}

type eventKind int

const (
	evDialed eventKind = iota
	evFrame
	evClosed
)

type event struct {
	epoch uint64
	kind  eventKind
	sock  Socket
	data  []byte
	err   error
}

// Conn owns one socket for one logical channel under a given URL.
type Conn struct {
	name     string
	dialer   Dialer
	policy   Policy
	handlers Handlers
	logger   zerolog.Logger

	mu             sync.Mutex
	writeMu        sync.Mutex
	state          State
	epoch          uint64
	url            string
	sock           Socket
	attempt        int
	lastErr        error
	reconnectTimer *time.Timer
	frames         []Frame

	// afterFunc is time.AfterFunc, replaceable in tests.
	afterFunc func(time.Duration, func()) *time.Timer
}

// New creates an idle connection for the named logical channel.
func New(name string, dialer Dialer, policy Policy, handlers Handlers, logger zerolog.Logger) *Conn {
	return &Conn{
		name:      name,
		dialer:    dialer,
		policy:    policy,
		handlers:  handlers,
		logger:    logger.With().Str("component", "channel").Str("channel", name).Logger(),
		state:     StateIdle,
		afterFunc: time.AfterFunc,
	}
}

// Connect opens a socket to url. A connect already in flight for the same
// URL is a no-op. Any previous socket is closed synchronously before the new
// dial begins, so at most one socket is ever open per logical channel.
func (c *Conn) Connect(url string) {
	c.mu.Lock()
	if c.state == StateConnecting && c.url == url {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.url = url
	c.state = StateConnecting
	epoch := c.epoch
	c.mu.Unlock()

	c.logger.Debug().Str("url", url).Uint64("epoch", epoch).Msg("Dialing channel")
	go c.dial(epoch, url)
}

// Reconnect resets the backoff counter and redials the current URL.
func (c *Conn) Reconnect() {
	c.mu.Lock()
	if c.url == "" {
		c.mu.Unlock()
		return
	}
	c.attempt = 0
	c.teardownLocked()
	c.state = StateConnecting
	epoch := c.epoch
	url := c.url
	c.mu.Unlock()

	go c.dial(epoch, url)
}

// Send marshals v and writes it to the socket. Sends outside the Open state
// are dropped; callers gate user-visible sends on IsConnected.
func (c *Conn) Send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to marshal outbound frame")
		return
	}

	c.mu.Lock()
	if c.state != StateOpen || c.sock == nil {
		c.mu.Unlock()
		c.logger.Debug().Str("state", c.State().String()).Msg("Dropping send on non-open channel")
		return
	}
	sock := c.sock
	c.mu.Unlock()

	c.writeMu.Lock()
	err = sock.WriteMessage(data)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to write frame")
		return
	}
	if h := c.handlers.OnSend; h != nil {
		h(data)
	}
}

// Disconnect detaches handlers, cancels any pending reconnect, closes the
// socket, and moves to Closed. No callback fires after Disconnect returns.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.teardownLocked()
	c.state = StateClosed
	c.mu.Unlock()
}

// teardownLocked bumps the epoch so in-flight callbacks become stale, stops
// the reconnect timer, and closes the current socket.
func (c *Conn) teardownLocked() {
	c.epoch++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
	}
}

func (c *Conn) dial(epoch uint64, url string) {
	sock, err := c.dialer.Dial(context.Background(), url)
	c.dispatch(event{epoch: epoch, kind: evDialed, sock: sock, err: err})
}

func (c *Conn) readLoop(epoch uint64, sock Socket) {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			c.dispatch(event{epoch: epoch, kind: evClosed, err: err})
			return
		}
		c.dispatch(event{epoch: epoch, kind: evFrame, data: data})
	}
}

// dispatch is the single entry point for all asynchronous connection events.
// State mutation happens under the lock; handlers run after it is released.
func (c *Conn) dispatch(ev event) {
	c.mu.Lock()
	if ev.epoch != c.epoch {
		c.mu.Unlock()
		// A dial that resolved after its connection was superseded still
		// holds a live socket; close it so it cannot leak.
		if ev.kind == evDialed && ev.sock != nil {
			_ = ev.sock.Close()
		}
		c.logger.Debug().Uint64("event_epoch", ev.epoch).Msg("Ignoring stale channel event")
		return
	}
	after := c.applyLocked(ev)
	c.mu.Unlock()

	if after != nil {
		after()
	}
}

func (c *Conn) applyLocked(ev event) func() {
	switch ev.kind {
	case evDialed:
		if ev.err != nil {
			c.state = StateClosed
			c.lastErr = ev.err
			c.scheduleReconnectLocked()
			c.logger.Warn().Err(ev.err).Str("url", c.url).Msg("Channel dial failed")
			if h := c.handlers.OnClose; h != nil {
				err := ev.err
				return func() { h(err) }
			}
			return nil
		}
		c.sock = ev.sock
		c.state = StateOpen
		c.attempt = 0
		c.lastErr = nil
		epoch := c.epoch
		sock := ev.sock
		c.logger.Info().Str("url", c.url).Msg("Channel open")
		return func() {
			if h := c.handlers.OnOpen; h != nil {
				h()
			}
			go c.readLoop(epoch, sock)
		}

	case evFrame:
		if !json.Valid(ev.data) {
			c.logger.Warn().Bytes("raw", ev.data).Msg("Dropping unparseable frame")
			return nil
		}
		frame := Frame{Data: append(json.RawMessage(nil), ev.data...), ReceivedAt: time.Now()}
		c.frames = append(c.frames, frame)
		if h := c.handlers.OnFrame; h != nil {
			return func() { h(frame) }
		}
		return nil

	case evClosed:
		c.sock = nil
		c.state = StateClosed
		c.lastErr = ev.err
		c.scheduleReconnectLocked()
		c.logger.Info().Err(ev.err).Str("url", c.url).Msg("Channel closed")
		if h := c.handlers.OnClose; h != nil {
			err := ev.err
			return func() { h(err) }
		}
	}
	return nil
}

// scheduleReconnectLocked arms the backoff timer after an unexpected close.
func (c *Conn) scheduleReconnectLocked() {
	if !c.policy.AutoReconnect || c.url == "" {
		return
	}
	delay := nextDelay(c.policy, c.attempt)
	c.attempt++
	epoch := c.epoch
	url := c.url
	c.logger.Debug().Dur("delay", delay).Int("attempt", c.attempt).Msg("Scheduling reconnect")
	c.reconnectTimer = c.afterFunc(delay, func() {
		c.redial(epoch, url)
	})
}

// redial is the reconnect timer callback; a bumped epoch means the channel
// was torn down or superseded while the timer was pending.
func (c *Conn) redial(epoch uint64, url string) {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	c.epoch++
	c.state = StateConnecting
	newEpoch := c.epoch
	c.mu.Unlock()

	go c.dial(newEpoch, url)
}

// nextDelay computes min(base << attempt, max).
func nextDelay(p Policy, attempt int) time.Duration {
	delay := p.ReconnectBase << attempt
	if delay > p.ReconnectMax || delay <= 0 {
		delay = p.ReconnectMax
	}
	return delay
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the channel is open.
func (c *Conn) IsConnected() bool {
	return c.State() == StateOpen
}

// LastError returns the most recent connection error, cleared on open.
func (c *Conn) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// URL returns the URL of the current or most recent connection.
func (c *Conn) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

// Frames returns a copy of the ordered receive log.
func (c *Conn) Frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, len(c.frames))
	copy(out, c.frames)
	return out
}
