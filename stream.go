package firebase

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"
)

// connState is the supervisor state: a client is either Closed or holds
// exactly one live streaming request.
type connState int

const (
	stateClosed connState = iota
	stateStreaming
)

// TimerService schedules cancellable callbacks. The default implementation
// uses real timers; tests substitute a deterministic fake.
type TimerService interface {
	Schedule(d time.Duration, fn func()) TimerHandle
}

// TimerHandle cancels a scheduled callback. Cancelling a timer that
// already fired is a no-op.
type TimerHandle interface {
	Cancel()
}

type realTimers struct{}

func (realTimers) Schedule(d time.Duration, fn func()) TimerHandle {
	return realTimer{time.AfterFunc(d, fn)}
}

type realTimer struct{ t *time.Timer }

func (h realTimer) Cancel() { h.t.Stop() }

// hostSuffix anchors redirect parsing: a Location header naming a host
// with this suffix becomes the new base URL.
const hostSuffix = ".firebaseio.com"

// Open starts streaming changes under path into the mirror. It returns
// false without side effects when a stream is already open. The optional
// onError pre-empts the default log-and-reconnect handling of stream
// faults: when supplied, the first non-retriable fault is delivered to it
// and the stream stays closed until the caller reopens.
func (c *Client) Open(path string, onError func(error)) bool {
	c.mu.Lock()
	if c.state == stateStreaming {
		c.mu.Unlock()
		return false
	}
	c.state = stateStreaming
	c.path = normalizePath(path)
	c.onError = onError
	c.carry = ""
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	glog.V(2).Infof("opening stream at %s", path)
	go c.run(gen)
	return true
}

// IsOpen reports whether the client currently owns a stream, including the
// window where it is between reconnect attempts.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateStreaming
}

// Close tears down the stream: watchdog, pending reconnect, and the
// outstanding transport request. Idempotent, and safe to call from inside
// an observer or error callback.
func (c *Client) Close() {
	c.mu.Lock()
	c.gen++
	c.state = stateClosed
	c.onError = nil
	c.carry = ""
	cancel := c.cancel
	c.cancel = nil
	watchdog := c.watchdog
	c.watchdog = nil
	retry := c.retry
	c.retry = nil
	c.mu.Unlock()

	if watchdog != nil {
		watchdog.Cancel()
	}
	if retry != nil {
		retry.Cancel()
	}
	if cancel != nil {
		cancel()
	}
}

// run is one connection attempt. gen ties every resource of the attempt
// (request context, watchdog, chunks) to the supervisor generation that
// created it; a stale generation means Close or a newer attempt took over,
// and the only correct move is to stand down.
func (c *Client) run(gen uint64) {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if gen != c.gen || c.state != stateStreaming {
		c.mu.Unlock()
		cancel()
		return
	}
	c.cancel = cancel
	c.retry = nil
	streamURL := c.endpointLocked(c.path)
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		c.ended(gen, fault{err: fmt.Errorf("building stream request: %w", err)})
		return
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return // cancelled by Close or the watchdog
		}
		if isTimeout(err) {
			c.ended(gen, fault{retryNow: true, err: err})
		} else {
			c.ended(gen, fault{err: fmt.Errorf("opening stream: %w", err)})
		}
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTemporaryRedirect:
		c.ended(gen, redirectFault(resp.Header.Get("Location")))
		return
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout:
		c.ended(gen, fault{retryNow: true,
			err: fmt.Errorf("stream refused with %d", resp.StatusCode)})
		return
	case resp.StatusCode != http.StatusOK:
		c.ended(gen, fault{err: fmt.Errorf("stream refused with %d", resp.StatusCode)})
		return
	}

	// Connected. From here the watchdog is the only defense against a
	// socket that dies without an error.
	if !c.armWatchdog(gen) {
		return
	}
	glog.V(2).Infof("stream established: %s", streamURL)

	buf := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if !c.consume(gen, string(buf[:n])) {
				return
			}
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return
			}
			if isTimeout(rerr) {
				c.ended(gen, fault{retryNow: true, err: rerr})
			} else {
				c.ended(gen, fault{err: fmt.Errorf("stream broke: %w", rerr)})
			}
			return
		}
	}
}

// consume feeds one chunk through parser, store, and router as a single
// atomic step, and re-arms the watchdog. Returns false when the attempt is
// stale or the chunk faulted the stream.
func (c *Client) consume(gen uint64, chunk string) bool {
	c.mu.Lock()
	if gen != c.gen || c.state != stateStreaming {
		c.mu.Unlock()
		return false
	}
	c.rearmWatchdogLocked(gen)

	events, rest, err := parseFrames(c.carry + chunk)
	c.carry = rest
	if err != nil {
		c.mu.Unlock()
		c.ended(gen, fault{err: fmt.Errorf("parsing stream: %w", err)})
		return false
	}
	for _, ev := range events {
		glog.V(2).Infof("applying %s at %s", ev.Kind, ev.Path)
		c.store.Apply(ev)
		c.dispatch(ev)
	}
	c.mu.Unlock()
	return true
}

// armWatchdog starts the keep-alive watchdog for a fresh connection.
func (c *Client) armWatchdog(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != stateStreaming {
		return false
	}
	c.rearmWatchdogLocked(gen)
	return true
}

func (c *Client) rearmWatchdogLocked(gen uint64) {
	if c.watchdog != nil {
		c.watchdog.Cancel()
	}
	c.watchdog = c.timers.Schedule(c.keepAlive, func() { c.watchdogFired(gen) })
}

// watchdogFired runs when the stream has been silent for a whole
// keep-alive interval: drop the presumed-dead transport and reopen at the
// same path immediately.
func (c *Client) watchdogFired(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != stateStreaming {
		c.mu.Unlock()
		return
	}
	glog.Warningf("no stream traffic for %s, reconnecting", c.keepAlive)
	cancel := c.cancel
	c.cancel = nil
	c.watchdog = nil
	c.carry = ""
	c.gen++
	next := c.gen
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	go c.run(next)
}

// fault describes why a connection attempt ended.
type fault struct {
	newBase  string // non-empty: redirect, adopt this base URL
	retryNow bool   // timeout or rate limit: reopen with no delay
	err      error
}

func redirectFault(location string) fault {
	if base, ok := redirectBase(location); ok {
		return fault{newBase: base}
	}
	return fault{err: fmt.Errorf("redirect with unusable location %q", location)}
}

// ended classifies the end of a connection attempt and decides the next
// one. Exactly one of: immediate reopen (redirect, timeout, rate limit),
// delayed reopen (default error path), or stop (caller-supplied handler).
func (c *Client) ended(gen uint64, f fault) {
	c.mu.Lock()
	if gen != c.gen || c.state != stateStreaming {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	c.cancel = nil
	watchdog := c.watchdog
	c.watchdog = nil
	c.carry = ""
	c.gen++
	next := c.gen

	switch {
	case f.newBase != "":
		glog.Infof("stream redirected to %s", f.newBase)
		c.baseURL = f.newBase
		c.mu.Unlock()

	case f.retryNow:
		glog.V(2).Infof("stream retrying without delay: %v", f.err)
		c.mu.Unlock()

	case c.onError != nil:
		handler := c.onError
		c.onError = nil
		c.state = stateClosed
		c.mu.Unlock()
		cleanupAttempt(cancel, watchdog)
		handler(f.err)
		return

	default:
		glog.Errorf("stream error: %v (reconnecting in %s)", f.err, c.reconnectDelay)
		c.retry = c.timers.Schedule(c.reconnectDelay, func() { c.retryFired(next) })
		c.mu.Unlock()
		cleanupAttempt(cancel, watchdog)
		return
	}

	cleanupAttempt(cancel, watchdog)
	go c.run(next)
}

// retryFired reopens after the error-path delay, unless Close or a newer
// attempt got there first.
func (c *Client) retryFired(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != stateStreaming {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	c.mu.Unlock()
	go c.run(gen)
}

func cleanupAttempt(cancel context.CancelFunc, watchdog TimerHandle) {
	if watchdog != nil {
		watchdog.Cancel()
	}
	if cancel != nil {
		cancel()
	}
}

// endpointLocked is endpoint for callers already holding c.mu.
func (c *Client) endpointLocked(path string) string {
	base := c.baseURL
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("/")
	b.WriteString(strings.Trim(path, "/"))
	b.WriteString(".json?ns=")
	b.WriteString(url.QueryEscape(c.ns))
	if c.auth != "" {
		b.WriteString("&_auth=")
		b.WriteString(url.QueryEscape(c.auth))
	}
	return b.String()
}

// redirectBase extracts the new base URL from a redirect Location: the
// prefix up to and including the well-known host suffix, or scheme://host
// for other well-formed URLs.
func redirectBase(location string) (string, bool) {
	if i := strings.Index(location, hostSuffix); i >= 0 {
		return location[:i+len(hostSuffix)], true
	}
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return u.Scheme + "://" + u.Host, true
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
