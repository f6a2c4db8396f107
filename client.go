// Package firebase is a client for a Firebase-style realtime database: a
// remote JSON tree exposed over plain REST calls plus a long-lived event
// stream. The client keeps a local mirror of the tree, applies streamed
// put/patch events to it, and notifies path-scoped observers as the mirror
// changes.
package firebase

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Config carries construction options for a Client. Zero values get
// sensible defaults from New.
type Config struct {
	// BaseURL is the database origin, e.g. "https://mydb.firebaseio.com".
	// It may change at runtime when the server answers with a redirect.
	BaseURL string

	// Namespace is the database name sent as the ns query parameter.
	Namespace string

	// AuthToken, when set, is attached to every request as _auth.
	AuthToken string

	// KeepAlive is the longest silence tolerated on the stream before the
	// connection is presumed dead and reopened. Default 60s.
	KeepAlive time.Duration

	// ReconnectDelay is the pause before reopening after a generic stream
	// error when no error handler is installed. Default 1s.
	ReconnectDelay time.Duration

	// HTTPClient serves the one-shot REST calls. Default: 30s timeout.
	// The stream uses a derived client with no timeout.
	HTTPClient *http.Client

	// Timers schedules the keep-alive watchdog and reconnect delays.
	// Replaceable for deterministic tests. Default: real timers.
	Timers TimerService

	// InsecureTLS disables certificate verification on the default
	// transports. Ignored when HTTPClient is supplied.
	InsecureTLS bool
}

// Client mirrors one remote database. All exported methods are safe for
// concurrent use; the mirror is mutated only under the client mutex, and
// observer callbacks run on a dedicated goroutine.
type Client struct {
	ns     string
	auth   string
	httpc  *http.Client
	stream *http.Client
	timers TimerService

	keepAlive      time.Duration
	reconnectDelay time.Duration

	notifier *notifier

	mu       sync.Mutex
	baseURL  string
	store    *treeStore
	subs     map[string]Observer
	state    connState
	gen      uint64
	path     string
	onError  func(error)
	cancel   context.CancelFunc
	watchdog TimerHandle
	retry    TimerHandle
	carry    string
}

// New validates cfg and returns a ready Client. No network traffic happens
// until a one-shot call or Open.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", cfg.BaseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base URL %q needs a scheme and host", cfg.BaseURL)
	}
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}

	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
		if cfg.InsecureTLS {
			tr := http.DefaultTransport.(*http.Transport).Clone()
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
			httpc.Transport = tr
		}
	}
	// The stream client shares the transport but must run without a
	// deadline and must surface redirects instead of following them.
	streamc := &http.Client{
		Transport: httpc.Transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	timers := cfg.Timers
	if timers == nil {
		timers = realTimers{}
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 60 * time.Second
	}
	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = time.Second
	}

	return &Client{
		ns:             cfg.Namespace,
		auth:           cfg.AuthToken,
		httpc:          httpc,
		stream:         streamc,
		timers:         timers,
		keepAlive:      keepAlive,
		reconnectDelay: reconnectDelay,
		notifier:       newNotifier(),
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		store:          newTreeStore(),
		subs:           make(map[string]Observer),
	}, nil
}

// Shutdown closes the stream and stops the observer dispatch goroutine.
// The client must not be reused afterwards.
func (c *Client) Shutdown() {
	c.Close()
	c.notifier.stop()
}

// ReadCached returns the current mirror value at path, or nil when the
// path is absent. The returned value is an independent copy.
func (c *Client) ReadCached(path string) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Extract(normalizePath(path))
}

// endpoint builds <base>/<path>.json?ns=<db>[&_auth=<token>] against the
// current base URL.
func (c *Client) endpoint(path string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpointLocked(normalizePath(path))
}

// Read fetches the remote value at path. A missing node decodes to nil.
func (c *Client) Read(ctx context.Context, path string) (any, error) {
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding read of %s: %w", path, err)
	}
	return out, nil
}

// Write fully replaces the remote value at path.
func (c *Client) Write(ctx context.Context, path string, value any) error {
	_, err := c.do(ctx, http.MethodPut, path, value)
	return err
}

// Update merges fields into the remote node at path, leaving siblings
// untouched.
func (c *Client) Update(ctx context.Context, path string, fields map[string]any) error {
	_, err := c.do(ctx, http.MethodPatch, path, fields)
	return err
}

// Push appends value under path with a server-generated key and returns
// that key.
func (c *Client) Push(ctx context.Context, path string, value any) (string, error) {
	body, err := c.do(ctx, http.MethodPost, path, value)
	if err != nil {
		return "", err
	}
	var resp struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding push response: %w", err)
	}
	return resp.Name, nil
}

// Remove deletes the remote node at path.
func (c *Client) Remove(ctx context.Context, path string) error {
	_, err := c.do(ctx, http.MethodDelete, path, nil)
	return err
}

// do runs one request/response call and returns the response body.
func (c *Client) do(ctx context.Context, method, path string, value any) ([]byte, error) {
	var body io.Reader
	if method == http.MethodPut || method == http.MethodPatch || method == http.MethodPost {
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encoding %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: reading response: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s %s: server returned %d: %s",
			method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}
