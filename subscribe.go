package firebase

import (
	"runtime/debug"
	"strings"
	"sync"

	"github.com/golang/glog"
)

// Observer receives change notifications for a subscribed path. The path
// argument names the location the value describes; value is an independent
// copy the observer may keep or mutate freely.
type Observer func(path string, value any)

// Subscribe registers an observer for the subtree at path. Registering a
// second observer on the same normalized path replaces the first.
// Subscriptions may be created at any time, including while disconnected,
// and never expire.
func (c *Client) Subscribe(path string, fn Observer) {
	sp := normalizePath(path)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, replaced := c.subs[sp]; replaced {
		glog.V(2).Infof("replacing observer at %s", sp)
	}
	c.subs[sp] = fn
}

// Unsubscribe drops the observer at path, if any.
func (c *Client) Unsubscribe(path string) {
	sp := normalizePath(path)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, sp)
}

// dispatch decides, for every registered observer, whether the event
// concerns it and with what payload, and queues the matching invocations.
// Must run under c.mu, after the event has been applied to the store, so
// extraction reflects the post-event mirror.
//
// Per subscription the first matching rule wins:
//  1. the subscription is at or above the event path: deliver the event's
//     own path and payload verbatim;
//  2. a patch entry landed exactly on the subscription path: deliver the
//     now-current cached value at that path;
//  3. the subscription is below the event path: deliver the subscription's
//     own subtree as it now stands.
func (c *Client) dispatch(ev ChangeEvent) {
	for sp, fn := range c.subs {
		switch {
		case sp == "/" || sp == ev.Path || strings.HasPrefix(ev.Path, sp+"/"):
			c.enqueue(fn, ev.Path, deepCopy(ev.Data))

		case ev.Kind == Patch && patchHitsChild(ev, sp):
			c.enqueue(fn, sp, c.store.Extract(sp))

		case ev.Path == "/" || strings.HasPrefix(sp, ev.Path+"/"):
			c.enqueue(fn, sp, c.store.Extract(sp))
		}
	}
}

// patchHitsChild reports whether one of the patch's entries creates or
// replaces a node exactly at the subscription path.
func patchHitsChild(ev ChangeEvent, sp string) bool {
	fields, ok := ev.Data.(map[string]any)
	if !ok {
		return false
	}
	for child := range fields {
		if joinPath(ev.Path, child) == sp {
			return true
		}
	}
	return false
}

func (c *Client) enqueue(fn Observer, path string, value any) {
	c.notifier.add(notification{fn, path, value})
}

type notification struct {
	fn    Observer
	path  string
	value any
}

// notifier is an unbounded ordered queue drained by a single goroutine, so
// observer invocations are deferred relative to the apply step and a slow
// observer can delay later notifications but never the stream pipeline.
type notifier struct {
	mu      sync.Mutex
	wake    *sync.Cond
	pending []notification
	stopped bool
}

func newNotifier() *notifier {
	n := &notifier{}
	n.wake = sync.NewCond(&n.mu)
	go n.loop()
	return n
}

func (n *notifier) add(item notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	n.pending = append(n.pending, item)
	n.wake.Signal()
}

func (n *notifier) stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopped = true
	n.wake.Signal()
}

func (n *notifier) loop() {
	for {
		n.mu.Lock()
		for len(n.pending) == 0 && !n.stopped {
			n.wake.Wait()
		}
		if n.stopped {
			n.mu.Unlock()
			return
		}
		item := n.pending[0]
		n.pending = n.pending[1:]
		n.mu.Unlock()
		invoke(item)
	}
}

// invoke isolates a panicking observer: it is logged and cannot corrupt
// the mirror or suppress other observers.
func invoke(item notification) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("observer for %s panicked: %v\n%s", item.path, r, debug.Stack())
		}
	}()
	item.fn(item.path, item.value)
}
