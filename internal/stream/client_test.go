package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/labwatch/internal/lab"
	"github.com/danmuck/labwatch/internal/testutil/testlog"
)

type fakeConn struct {
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case p := <-c.frames:
		return p, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteFrame(payload []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), payload...))
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

// fakeDialer hands out queued results in order; once empty it fails.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	dials   int
	dialed  chan struct{}
}

type dialResult struct {
	conn Conn
	err  error
}

func newFakeDialer(results ...dialResult) *fakeDialer {
	return &fakeDialer{results: results, dialed: make(chan struct{}, 64)}
}

func (d *fakeDialer) Dial(ctx context.Context, cfg Config) (Conn, error) {
	d.mu.Lock()
	d.dials++
	var r dialResult
	if len(d.results) > 0 {
		r = d.results[0]
		d.results = d.results[1:]
	} else {
		r = dialResult{err: errors.New("fake: connection refused")}
	}
	d.mu.Unlock()
	d.dialed <- struct{}{}
	return r.conn, r.err
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeTimer struct {
	clock   *fakeClock
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (f *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{clock: f, delay: d, fn: fn}
	f.timers = append(f.timers, t)
	return t
}

func (f *fakeClock) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

func (f *fakeClock) pending() []*fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeTimer
	for _, t := range f.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fire runs t even if it was stopped, like a timer that already fired
// and is racing its Stop call.
func (f *fakeClock) fire(t *fakeTimer) {
	f.mu.Lock()
	t.fired = true
	f.mu.Unlock()
	t.fn()
}

type recordingHandler struct {
	mu     sync.Mutex
	frames [][]byte
	got    chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{got: make(chan struct{}, 64)}
}

func (h *recordingHandler) HandleFrame(payload []byte) error {
	h.mu.Lock()
	h.frames = append(h.frames, payload)
	h.mu.Unlock()
	h.got <- struct{}{}
	if !json.Valid(payload) {
		return lab.ErrMalformedFrame
	}
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestClient(t *testing.T, dialer Dialer, clock *fakeClock, handler Handler, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithDialer(dialer), WithAfterFunc(clock.AfterFunc)}, opts...)
	c, err := NewClient(Config{URL: "ws://lab.test/ws/dashboard"}, handler, opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Close()
		c.Wait()
	})
	return c
}

func TestNewClientValidation(t *testing.T) {
	testlog.Start(t)
	if _, err := NewClient(Config{}, newRecordingHandler()); !errors.Is(err, ErrURLRequired) {
		t.Fatalf("expected ErrURLRequired, got %v", err)
	}
	if _, err := NewClient(Config{URL: "ws://x"}, nil); !errors.Is(err, ErrHandlerRequired) {
		t.Fatalf("expected ErrHandlerRequired, got %v", err)
	}
}

func TestClientConnectsAndForwardsFrames(t *testing.T) {
	testlog.Start(t)
	conn := newFakeConn()
	dialer := newFakeDialer(dialResult{conn: conn})
	handler := newRecordingHandler()
	c := newTestClient(t, dialer, &fakeClock{}, handler)

	if c.State() != StateDisconnected {
		t.Fatalf("unexpected initial state: %s", c.State())
	}
	c.Connect()
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })

	conn.frames <- []byte(`{"type":"heartbeat"}`)
	<-handler.got
	if c.LastMessageAt().IsZero() {
		t.Fatalf("expected last message timestamp")
	}

	c.Connect()
	if dialer.count() != 1 {
		t.Fatalf("connect on open connection should be a no-op, dials=%d", dialer.count())
	}
}

func TestClientStateTransitionsThroughConnecting(t *testing.T) {
	testlog.Start(t)
	var mu sync.Mutex
	var states []State
	conn := newFakeConn()
	c := newTestClient(t, newFakeDialer(dialResult{conn: conn}), &fakeClock{}, newRecordingHandler(),
		WithStateHook(func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}))

	c.Connect()
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })
	_ = conn.Close()
	waitFor(t, "disconnected", func() bool { return c.State() == StateDisconnected })

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateConnected, StateDisconnected}
	if len(states) != len(want) {
		t.Fatalf("states got=%v want=%v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states got=%v want=%v", states, want)
		}
	}
}

func TestClientDropSchedulesExactlyOneReconnect(t *testing.T) {
	testlog.Start(t)
	conn := newFakeConn()
	clock := &fakeClock{}
	c := newTestClient(t, newFakeDialer(dialResult{conn: conn}), clock, newRecordingHandler())

	c.Connect()
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	_ = conn.Close()
	waitFor(t, "reconnect scheduled", func() bool { return len(clock.pending()) == 1 })
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", c.State())
	}
	pending := clock.pending()
	if pending[0].delay < DefaultReconnectDelay {
		t.Fatalf("reconnect scheduled too early: %v", pending[0].delay)
	}

	c.handleDrop(gen, io.EOF)
	if got := clock.created(); got != 1 {
		t.Fatalf("second close created another timer: created=%d", got)
	}
	if got := len(clock.pending()); got != 1 {
		t.Fatalf("expected one pending timer, got %d", got)
	}
}

func TestClientRescheduleReplacesPendingTimer(t *testing.T) {
	testlog.Start(t)
	clock := &fakeClock{}
	dialer := newFakeDialer()
	c := newTestClient(t, dialer, clock, newRecordingHandler())

	c.mu.Lock()
	c.scheduleReconnectLocked()
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	if got := len(clock.pending()); got != 1 {
		t.Fatalf("timers stacked: pending=%d", got)
	}
	stale := clock.timers[0]
	if !stale.stopped {
		t.Fatalf("expected replaced timer to be stopped")
	}

	clock.fire(stale)
	if dialer.count() != 0 {
		t.Fatalf("stale timer triggered a dial")
	}
	if !c.ReconnectPending() {
		t.Fatalf("stale fire cleared the live timer")
	}
}

func TestClientReconnectFiresAndRedials(t *testing.T) {
	testlog.Start(t)
	first, second := newFakeConn(), newFakeConn()
	clock := &fakeClock{}
	dialer := newFakeDialer(dialResult{conn: first}, dialResult{conn: second})
	handler := newRecordingHandler()
	c := newTestClient(t, dialer, clock, handler)

	c.Connect()
	waitFor(t, "first connect", func() bool { return c.State() == StateConnected })
	_ = first.Close()
	waitFor(t, "reconnect scheduled", func() bool { return len(clock.pending()) == 1 })

	clock.fire(clock.pending()[0])
	waitFor(t, "second connect", func() bool { return c.State() == StateConnected && dialer.count() == 2 })
	if c.ReconnectPending() {
		t.Fatalf("expected no pending timer once connected")
	}

	second.frames <- []byte(`{"type":"pong"}`)
	<-handler.got
}

func TestClientDialFailureUsesFixedDelay(t *testing.T) {
	testlog.Start(t)
	clock := &fakeClock{}
	dialer := newFakeDialer()
	c := newTestClient(t, dialer, clock, newRecordingHandler())

	c.Connect()
	for i := 1; i <= 5; i++ {
		waitFor(t, "reconnect scheduled", func() bool { return len(clock.pending()) == 1 && dialer.count() == i })
		if c.State() != StateDisconnected {
			t.Fatalf("attempt %d: expected disconnected, got %s", i, c.State())
		}
		timer := clock.pending()[0]
		if timer.delay != DefaultReconnectDelay {
			t.Fatalf("attempt %d: delay=%v want fixed %v", i, timer.delay, DefaultReconnectDelay)
		}
		clock.fire(timer)
	}
}

func TestClientCloseCancelsTimerAndConnection(t *testing.T) {
	testlog.Start(t)
	first := newFakeConn()
	clock := &fakeClock{}
	dialer := newFakeDialer(dialResult{conn: first})
	c := newTestClient(t, dialer, clock, newRecordingHandler())

	c.Connect()
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })
	_ = first.Close()
	waitFor(t, "reconnect scheduled", func() bool { return len(clock.pending()) == 1 })
	timer := clock.pending()[0]

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	c.Wait()
	if !timer.stopped {
		t.Fatalf("expected pending timer to be stopped")
	}
	clock.fire(timer)
	if dialer.count() != 1 {
		t.Fatalf("timer fired after close redialed: dials=%d", dialer.count())
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestClientCloseClosesOpenConnection(t *testing.T) {
	testlog.Start(t)
	conn := newFakeConn()
	clock := &fakeClock{}
	c := newTestClient(t, newFakeDialer(dialResult{conn: conn}), clock, newRecordingHandler())

	c.Connect()
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })
	_ = c.Close()
	c.Wait()

	if !conn.isClosed() {
		t.Fatalf("expected connection closed")
	}
	if got := clock.created(); got != 0 {
		t.Fatalf("close scheduled a reconnect: timers=%d", got)
	}
	if err := c.Send(lab.NewRequestState()); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("expected ErrClientClosed, got %v", err)
	}
}

func TestClientMalformedFrameKeepsConnection(t *testing.T) {
	testlog.Start(t)
	conn := newFakeConn()
	handler := newRecordingHandler()
	c := newTestClient(t, newFakeDialer(dialResult{conn: conn}), &fakeClock{}, handler)

	c.Connect()
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })

	conn.frames <- []byte(`{broken`)
	<-handler.got
	conn.frames <- []byte(`{"type":"heartbeat"}`)
	<-handler.got

	if c.State() != StateConnected {
		t.Fatalf("malformed frame dropped the connection: %s", c.State())
	}
	if conn.isClosed() {
		t.Fatalf("malformed frame closed the connection")
	}
}

func TestClientSendRequiresConnection(t *testing.T) {
	testlog.Start(t)
	c := newTestClient(t, newFakeDialer(), &fakeClock{}, newRecordingHandler())
	if err := c.Send(lab.NewLanguageChange("en")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestClientOpenHookSendsLanguagePreference(t *testing.T) {
	testlog.Start(t)
	conn := newFakeConn()
	c := newTestClient(t, newFakeDialer(dialResult{conn: conn}), &fakeClock{}, newRecordingHandler(),
		WithOpenHook(func(c *Client) error {
			return c.Send(lab.NewLanguageChange("hi"))
		}))

	c.Connect()
	waitFor(t, "language frame", func() bool { return len(conn.writes()) == 1 })
	if got := string(conn.writes()[0]); got != `{"type":"language_change","language":"hi"}` {
		t.Fatalf("unexpected frame: %s", got)
	}
}

func TestClientReconnectWaitsForDelay(t *testing.T) {
	testlog.Start(t)
	first, second := newFakeConn(), newFakeConn()
	dialer := newFakeDialer(dialResult{conn: first}, dialResult{conn: second})
	delay := 60 * time.Millisecond
	c, err := NewClient(Config{
		URL:       "ws://lab.test/ws/dashboard",
		Reconnect: ReconnectPolicy{Delay: delay},
	}, newRecordingHandler(), WithDialer(dialer))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer func() {
		_ = c.Close()
		c.Wait()
	}()

	c.Connect()
	<-dialer.dialed
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })

	dropped := time.Now()
	_ = first.Close()
	select {
	case <-dialer.dialed:
	case <-time.After(2 * time.Second):
		t.Fatalf("reconnect never happened")
	}
	if elapsed := time.Since(dropped); elapsed < delay {
		t.Fatalf("reconnected after %v, before the %v delay", elapsed, delay)
	}
}

func TestClientRunTearsDownOnCancel(t *testing.T) {
	testlog.Start(t)
	conn := newFakeConn()
	c := newTestClient(t, newFakeDialer(dialResult{conn: conn}), &fakeClock{}, newRecordingHandler())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitFor(t, "connected", func() bool { return c.State() == StateConnected })
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
	if !conn.isClosed() || c.State() != StateDisconnected {
		t.Fatalf("expected closed connection and disconnected state")
	}
}

func TestReconnectPolicyNext(t *testing.T) {
	testlog.Start(t)
	fixed := DefaultConfig().Reconnect
	for attempt := 1; attempt <= 10; attempt++ {
		if got := fixed.Next(attempt, nil); got != DefaultReconnectDelay {
			t.Fatalf("attempt %d got=%v", attempt, got)
		}
	}

	grow := ReconnectPolicy{Delay: 250 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	if got := grow.Next(2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := grow.Next(5, nil); got != time.Second {
		t.Fatalf("attempt5 got=%v", got)
	}

	jitter := ReconnectPolicy{Delay: time.Second, Multiplier: 1, Jitter: true}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		got := jitter.Next(1, rng)
		if got < 500*time.Millisecond || got > 1500*time.Millisecond {
			t.Fatalf("jittered delay out of range: %v", got)
		}
	}
}

func TestStateString(t *testing.T) {
	testlog.Start(t)
	if StateConnecting.String() != "connecting" || State(9).String() != "State(9)" {
		t.Fatalf("unexpected state strings")
	}
}
