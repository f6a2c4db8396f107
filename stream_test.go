package firebase

import (
	"context"
	"flag"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/mm-gmbd/Firebase/internal/firetest"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

// fakeTimers records scheduled callbacks so tests decide when (and
// whether) timers fire.
type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	owner     *fakeTimers
	d         time.Duration
	fn        func()
	cancelled bool
	fired     bool
}

func (f *fakeTimers) Schedule(d time.Duration, fn func()) TimerHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{owner: f, d: d, fn: fn}
	f.timers = append(f.timers, t)
	return t
}

func (t *fakeTimer) Cancel() {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	t.cancelled = true
}

// fire runs the most recently scheduled live timer with duration d,
// waiting for one to appear.
func (f *fakeTimers) fire(t *testing.T, d time.Duration) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for i := len(f.timers) - 1; i >= 0; i-- {
			ft := f.timers[i]
			if ft.d == d && !ft.cancelled && !ft.fired {
				ft.fired = true
				f.mu.Unlock()
				ft.fn()
				return
			}
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no live %s timer was ever scheduled", d)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// startMirror wires a client to a fresh firetest server.
func startMirror(t *testing.T, doc string, cfg Config) (*Client, *firetest.Server) {
	t.Helper()
	srv := firetest.New(doc)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	cfg.BaseURL = ts.URL
	if cfg.Namespace == "" {
		cfg.Namespace = "testdb"
	}
	c, err := New(cfg)
	assert.Equal(t, err, nil)
	t.Cleanup(c.Shutdown)
	return c, srv
}

func TestStreamInitialPutPopulatesMirror(t *testing.T) {
	c, srv := startMirror(t, `{"a":1}`, Config{})
	ch := make(chan fired, 4)
	c.Subscribe("/", recorder(ch))

	assert.Equal(t, c.Open("/", nil), true)
	assert.Equal(t, c.Open("/", nil), false) // already streaming
	assert.Equal(t, c.IsOpen(), true)

	got := recv(t, ch)
	assert.Equal(t, got.path, "/")
	assert.Equal(t, got.value, map[string]any{"a": float64(1)})
	assert.Equal(t, c.ReadCached("/a"), float64(1))
	waitFor(t, "subscriber registration", func() bool { return srv.SubscriberCount() == 1 })

	c.Close()
	assert.Equal(t, c.IsOpen(), false)
	waitFor(t, "subscriber teardown", func() bool { return srv.SubscriberCount() == 0 })
}

func TestStreamDeliversRemoteWrites(t *testing.T) {
	c, _ := startMirror(t, `{}`, Config{})
	ch := make(chan fired, 8)
	c.Subscribe("/", recorder(ch))
	c.Open("/", nil)
	recv(t, ch) // initial put

	ctx := context.Background()
	assert.Equal(t, c.Write(ctx, "/b", map[string]any{"v": 2}), nil)
	got := recv(t, ch)
	assert.Equal(t, got.path, "/b")
	assert.Equal(t, got.value, map[string]any{"v": float64(2)})
	assert.Equal(t, c.ReadCached("/b/v"), float64(2))

	assert.Equal(t, c.Update(ctx, "/b", map[string]any{"w": 3}), nil)
	got = recv(t, ch)
	assert.Equal(t, got.path, "/b")
	assert.Equal(t, got.value, map[string]any{"w": float64(3)})
	waitFor(t, "patch applied", func() bool { return c.ReadCached("/b/w") == float64(3) })
	assert.Equal(t, c.ReadCached("/b/v"), float64(2)) // patch merges, not replaces

	assert.Equal(t, c.Remove(ctx, "/b"), nil)
	recv(t, ch)
	waitFor(t, "delete applied", func() bool { return c.ReadCached("/b") == nil })
}

func TestKeepAliveFramesAreSwallowed(t *testing.T) {
	c, srv := startMirror(t, `{}`, Config{})
	ch := make(chan fired, 4)
	c.Subscribe("/", recorder(ch))
	c.Open("/", nil)
	recv(t, ch)

	srv.SendKeepAlive()
	recvNothing(t, ch)

	// The stream is still healthy afterwards.
	assert.Equal(t, c.Write(context.Background(), "/x", 1), nil)
	assert.Equal(t, recv(t, ch).path, "/x")
}

func TestErrorEnvelopeDoesNotBreakStream(t *testing.T) {
	c, srv := startMirror(t, `{}`, Config{})
	ch := make(chan fired, 4)
	c.Subscribe("/", recorder(ch))
	c.Open("/", nil)
	recv(t, ch)

	srv.SendErrorEnvelope("service temporarily degraded")
	recvNothing(t, ch)

	assert.Equal(t, c.Write(context.Background(), "/x", 1), nil)
	assert.Equal(t, recv(t, ch).path, "/x")
}

func TestRedirectAdoptsNewBaseWithoutDelay(t *testing.T) {
	target := firetest.New(`{"home":"second"}`)
	ts2 := httptest.NewServer(target)
	t.Cleanup(ts2.Close)

	c, first := startMirror(t, `{}`, Config{})
	first.RedirectTo(ts2.URL)

	ch := make(chan fired, 4)
	c.Subscribe("/", recorder(ch))
	c.Open("/", nil)

	got := recv(t, ch)
	assert.Equal(t, got.value, map[string]any{"home": "second"})
	waitFor(t, "stream on redirect target", func() bool { return target.SubscriberCount() == 1 })
	assert.Equal(t, first.SubscriberCount(), 0)

	// One-shot calls follow the new base too.
	v, err := c.Read(context.Background(), "/home")
	assert.Equal(t, err, nil)
	assert.Equal(t, v, "second")
}

func TestRateLimitRetriesWithoutDelay(t *testing.T) {
	c, srv := startMirror(t, `{"ok":true}`, Config{})
	srv.ScriptStatus(429)

	ch := make(chan fired, 4)
	c.Subscribe("/", recorder(ch))
	c.Open("/", nil)

	// No reconnect timer is involved; the retry happens immediately.
	got := recv(t, ch)
	assert.Equal(t, got.value, map[string]any{"ok": true})
}

func TestErrorStatusInvokesHandlerAndStops(t *testing.T) {
	c, srv := startMirror(t, `{}`, Config{})
	srv.ScriptStatus(503)

	errs := make(chan error, 1)
	c.Open("/", func(err error) { errs <- err })

	select {
	case err := <-errs:
		assert.NotEqual(t, err, nil)
	case <-time.After(2 * time.Second):
		t.Fatal("error handler never invoked")
	}
	waitFor(t, "stream to stop", func() bool { return !c.IsOpen() })
	assert.Equal(t, srv.SubscriberCount(), 0)
}

func TestErrorStatusReconnectsAfterDelayByDefault(t *testing.T) {
	timers := &fakeTimers{}
	delay := 250 * time.Millisecond
	c, srv := startMirror(t, `{"back":1}`, Config{Timers: timers, ReconnectDelay: delay})
	srv.ScriptStatus(503)

	ch := make(chan fired, 4)
	c.Subscribe("/", recorder(ch))
	c.Open("/", nil)

	assert.Equal(t, c.IsOpen(), true) // still owns the stream while waiting
	timers.fire(t, delay)

	got := recv(t, ch)
	assert.Equal(t, got.value, map[string]any{"back": float64(1)})
}

func TestWatchdogReopensSilentStream(t *testing.T) {
	timers := &fakeTimers{}
	keepAlive := 45 * time.Second
	c, srv := startMirror(t, `{"n":1}`, Config{Timers: timers, KeepAlive: keepAlive})

	ch := make(chan fired, 4)
	c.Subscribe("/", recorder(ch))
	c.Open("/", nil)
	recv(t, ch)

	// Nothing arrives for a whole interval: the watchdog declares the
	// socket dead and reconnects at the same path.
	timers.fire(t, keepAlive)
	got := recv(t, ch) // fresh connection replays the full put
	assert.Equal(t, got.value, map[string]any{"n": float64(1)})
	waitFor(t, "single live subscriber", func() bool { return srv.SubscriberCount() == 1 })
	assert.Equal(t, c.IsOpen(), true)
}

func TestParseFaultRoutedToErrorHandler(t *testing.T) {
	c, srv := startMirror(t, `{}`, Config{})
	ch := make(chan fired, 4)
	c.Subscribe("/", recorder(ch))

	errs := make(chan error, 1)
	c.Open("/", func(err error) { errs <- err })
	recv(t, ch)

	srv.SendRaw("event: put\ndata: {broken json\n\n")
	select {
	case err := <-errs:
		assert.NotEqual(t, err, nil)
	case <-time.After(2 * time.Second):
		t.Fatal("parse fault never reached the handler")
	}
	waitFor(t, "stream to stop", func() bool { return !c.IsOpen() })
}

func TestCloseThenOpenFromObserverLeavesOneStream(t *testing.T) {
	c, srv := startMirror(t, `{}`, Config{})

	reopened := make(chan struct{}, 1)
	var once sync.Once
	c.Subscribe("/", func(path string, value any) {
		once.Do(func() {
			c.Close()
			assert.Equal(t, c.Open("/", nil), true)
			reopened <- struct{}{}
		})
	})

	c.Open("/", nil)
	select {
	case <-reopened:
	case <-time.After(2 * time.Second):
		t.Fatal("observer never ran")
	}

	waitFor(t, "exactly one live subscriber", func() bool { return srv.SubscriberCount() == 1 })
	assert.Equal(t, c.IsOpen(), true)
}

func TestRedirectBaseParsing(t *testing.T) {
	base, ok := redirectBase("https://newhost.firebaseio.com/some/path.json?ns=db")
	assert.Equal(t, ok, true)
	assert.Equal(t, base, "https://newhost.firebaseio.com")

	base, ok = redirectBase("http://127.0.0.1:9090/x.json")
	assert.Equal(t, ok, true)
	assert.Equal(t, base, "http://127.0.0.1:9090")

	_, ok = redirectBase("not a url")
	assert.Equal(t, ok, false)
}

func TestCloseIsIdempotent(t *testing.T) {
	c, _ := startMirror(t, `{}`, Config{})
	c.Close() // never opened
	c.Open("/", nil)
	waitFor(t, "stream open", c.IsOpen)
	c.Close()
	c.Close()
	assert.Equal(t, c.IsOpen(), false)
}

func TestStreamListValuedPathMirrorsAsRoot(t *testing.T) {
	// Opening at a path whose node is an array makes the initial frame a
	// put at / with a list payload; the mirror root takes that shape.
	c, _ := startMirror(t, `{"items":["a","b"]}`, Config{})
	ch := make(chan fired, 4)
	c.Subscribe("/", recorder(ch))
	c.Open("/items", nil)

	got := recv(t, ch)
	assert.Equal(t, got.value, []any{"a", "b"})
	assert.Equal(t, c.ReadCached("/0"), "a")
	assert.Equal(t, c.ReadCached("/"), []any{"a", "b"})
}

func TestSubscribeWhileDisconnected(t *testing.T) {
	c, _ := startMirror(t, `{"pre":"set"}`, Config{})
	ch := make(chan fired, 4)
	c.Subscribe("/pre", recorder(ch)) // before any connection exists

	c.Open("/", nil)
	got := recv(t, ch) // descendant rule on the initial root put
	assert.Equal(t, got.path, "/pre")
	assert.Equal(t, got.value, "set")
}
