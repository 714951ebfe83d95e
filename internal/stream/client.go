package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/labwatch/internal/observability"
	"github.com/rs/zerolog"
)

var (
	ErrURLRequired     = errors.New("stream: url required")
	ErrHandlerRequired = errors.New("stream: handler required")
	ErrNotConnected    = errors.New("stream: not connected")
	ErrClientClosed    = errors.New("stream: client closed")
	ErrFrameTooLarge   = errors.New("stream: frame too large")
)

// State is the connection state shown to presentation layers.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Handler consumes raw inbound frames. An error marks the frame as dropped;
// the connection stays open.
type Handler interface {
	HandleFrame(payload []byte) error
}

// Timer is the part of *time.Timer the reconnect path uses.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d, like time.AfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type Option func(*Client)

func WithDialer(d Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

func WithAfterFunc(fn AfterFunc) Option {
	return func(c *Client) {
		if fn != nil {
			c.after = fn
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithOpenHook runs fn after each successful open, outside the client lock.
// Typical use is sending a preference frame the backend expects first.
func WithOpenHook(fn func(*Client) error) Option {
	return func(c *Client) {
		if fn != nil {
			c.openHooks = append(c.openHooks, fn)
		}
	}
}

// WithStateHook observes every state transition. fn runs with the client
// lock held and must not call back into the Client.
func WithStateHook(fn func(State)) Option {
	return func(c *Client) {
		c.stateHook = fn
	}
}

// Client keeps one live connection to the backend and reconnects after a
// fixed delay whenever it drops. At most one reconnect timer is pending.
type Client struct {
	cfg       Config
	handler   Handler
	dialer    Dialer
	after     AfterFunc
	now       func() time.Time
	logger    zerolog.Logger
	rng       *rand.Rand
	openHooks []func(*Client) error
	stateHook func(State)

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	state     State
	conn      Conn
	gen       uint64
	timer     Timer
	timerSeq  uint64
	attempt   int
	closed    bool
	lastMsgAt time.Time
}

func NewClient(cfg Config, handler Handler, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrURLRequired
	}
	if handler == nil {
		return nil, ErrHandlerRequired
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:     cfg.WithDefaults(),
		handler: handler,
		dialer:  WebSocketDialer{},
		after:   realAfterFunc,
		now:     time.Now,
		logger:  observability.Component("stream"),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		baseCtx: ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	observability.SetConnectionState(int(StateDisconnected))
	return c, nil
}

// Run connects and blocks until ctx is done, then tears the client down.
func (c *Client) Run(ctx context.Context) error {
	c.Connect()
	<-ctx.Done()
	err := c.Close()
	c.Wait()
	return err
}

// Connect starts a dial unless a connection is open or already being dialed.
// It never blocks on the network.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state != StateDisconnected {
		return
	}
	c.cancelTimerLocked()
	c.gen++
	gen := c.gen
	c.setStateLocked(StateConnecting)
	c.wg.Add(1)
	go c.dial(gen)
}

func (c *Client) dial(gen uint64) {
	defer c.wg.Done()
	conn, err := c.dialer.Dial(c.baseCtx, c.cfg)

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.logger.Warn().
			Err(err).
			Str("url", c.cfg.URL).
			Int("attempt", c.attempt+1).
			Msg("stream.Client.dial failed")
		c.dropLocked()
		c.mu.Unlock()
		return
	}
	c.conn = conn
	c.attempt = 0
	c.cancelTimerLocked()
	c.setStateLocked(StateConnected)
	hooks := c.openHooks
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info().Str("url", c.cfg.URL).Msg("stream.Client.dial connected")
	go c.readLoop(gen, conn)

	for _, hook := range hooks {
		if err := hook(c); err != nil {
			c.logger.Warn().Err(err).Msg("stream.Client.dial open hook failed")
		}
	}
}

func (c *Client) readLoop(gen uint64, conn Conn) {
	defer c.wg.Done()
	for {
		payload, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				observability.RecordStreamFrame(observability.FrameMalformed)
				c.logger.Debug().Err(err).Msg("stream.Client.readLoop frame dropped")
				continue
			}
			c.handleDrop(gen, err)
			return
		}

		c.mu.Lock()
		c.lastMsgAt = c.now()
		c.mu.Unlock()

		if err := c.handler.HandleFrame(payload); err != nil {
			observability.RecordStreamFrame(observability.FrameMalformed)
			c.logger.Debug().Err(err).Int("bytes", len(payload)).Msg("stream.Client.readLoop frame dropped")
			continue
		}
		observability.RecordStreamFrame(observability.FrameApplied)
	}
}

// handleDrop tears down the connection of generation gen and schedules a
// reconnect. Drops for a connection that is already gone are ignored.
func (c *Client) handleDrop(gen uint64, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.conn == nil {
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	if c.closed {
		return
	}
	c.logger.Warn().Err(cause).Str("url", c.cfg.URL).Msg("stream.Client.readLoop connection lost")
	c.dropLocked()
}

func (c *Client) dropLocked() {
	c.setStateLocked(StateDisconnected)
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked replaces any pending timer with a fresh one.
func (c *Client) scheduleReconnectLocked() {
	c.cancelTimerLocked()
	c.attempt++
	delay := c.cfg.Reconnect.Next(c.attempt, c.rng)
	c.timerSeq++
	seq := c.timerSeq
	c.timer = c.after(delay, func() {
		c.fireReconnect(seq)
	})
	observability.RecordReconnectScheduled()
	c.logger.Info().
		Dur("delay", delay).
		Int("attempt", c.attempt).
		Msg("stream.Client.scheduleReconnect")
}

func (c *Client) fireReconnect(seq uint64) {
	c.mu.Lock()
	if c.closed || c.timer == nil || seq != c.timerSeq {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()
	c.Connect()
}

func (c *Client) cancelTimerLocked() {
	if c.timer == nil {
		return
	}
	c.timer.Stop()
	c.timer = nil
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	observability.SetConnectionState(int(s))
	if c.stateHook != nil {
		c.stateHook(s)
	}
}

// Send encodes v as JSON and writes it as one text frame.
func (c *Client) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("stream: encode frame: %w", err)
	}
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClientClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.WriteFrame(payload); err != nil {
		return fmt.Errorf("stream: send: %w", err)
	}
	return nil
}

// Close closes any open connection and cancels any pending reconnect or
// in-flight dial. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cancelTimerLocked()
	c.cancel()
	conn := c.conn
	c.conn = nil
	c.gen++
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Wait blocks until dial and read goroutines have exited. Call after Close.
func (c *Client) Wait() {
	c.wg.Wait()
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) LastMessageAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMsgAt
}

// ReconnectPending reports whether a reconnect timer is outstanding.
func (c *Client) ReconnectPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}
