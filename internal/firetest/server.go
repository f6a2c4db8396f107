// Package firetest is an in-process stand-in for the remote realtime
// database, used by the client tests. It serves the same REST + event
// stream surface the client speaks: JSON documents addressed by path,
// streaming GETs that emit put/patch frames, and scripted faults
// (redirects, error statuses, keep-alives) for exercising the connection
// supervisor.
package firetest

import (
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/oklog/ulid/v2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/mm-gmbd/Firebase/pkg/firewire"
)

// subscriber is one open event-stream response.
type subscriber struct {
	id   string
	path string
	w    http.ResponseWriter
	f    http.Flusher
}

// Server holds one JSON document and fans out change frames to stream
// subscribers. It implements http.Handler; wrap it in httptest.NewServer.
type Server struct {
	mu         sync.RWMutex
	doc        []byte
	subs       map[string]*subscriber
	nextStatus []int  // scripted one-shot response statuses
	redirect   string // when set, streaming GETs answer 307 with this base
	router     *mux.Router
}

// New returns a server holding initialDoc (JSON, may be empty for `{}`).
func New(initialDoc string) *Server {
	if initialDoc == "" {
		initialDoc = "{}"
	}
	s := &Server{
		doc:  []byte(initialDoc),
		subs: make(map[string]*subscriber),
	}
	s.router = mux.NewRouter()
	s.router.PathPrefix("/").HandlerFunc(s.handle)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ScriptStatus makes the server answer the next request with code instead
// of handling it. Calls stack.
func (s *Server) ScriptStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextStatus = append(s.nextStatus, code)
}

// RedirectTo makes every subsequent streaming GET answer 307 with a
// Location under base (e.g. another firetest instance's URL).
func (s *Server) RedirectTo(base string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redirect = base
}

// Doc returns the current document JSON.
func (s *Server) Doc() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return string(s.doc)
}

// SubscriberCount reports how many streams are currently open.
func (s *Server) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if len(s.nextStatus) > 0 {
		code := s.nextStatus[0]
		s.nextStatus = s.nextStatus[1:]
		s.mu.Unlock()
		glog.V(2).Infof("firetest: scripted %d for %s %s", code, r.Method, r.URL.Path)
		http.Error(w, fmt.Sprintf("scripted status %d", code), code)
		return
	}
	s.mu.Unlock()

	path, ok := strings.CutSuffix(r.URL.Path, ".json")
	if !ok {
		http.Error(w, "expected .json resource", http.StatusNotFound)
		return
	}
	if path == "" {
		path = "/"
	}

	switch r.Method {
	case http.MethodGet:
		if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
			s.handleStream(w, r, path)
			return
		}
		s.handleRead(w, path)
	case http.MethodPut:
		s.handleWrite(w, r, path, false)
	case http.MethodPatch:
		s.handleWrite(w, r, path, true)
	case http.MethodPost:
		s.handlePush(w, r, path)
	case http.MethodDelete:
		s.handleDelete(w, path)
	default:
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRead(w http.ResponseWriter, path string) {
	s.mu.RLock()
	raw := s.extract(path)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", versionHash(raw))
	w.Write([]byte(raw))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, path string) {
	s.mu.RLock()
	redirect := s.redirect
	s.mu.RUnlock()
	if redirect != "" {
		w.Header().Set("Location", redirect+r.URL.Path)
		w.WriteHeader(http.StatusTemporaryRedirect)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.WriteHeader(http.StatusOK)

	// A fresh connection always begins with a full put at /, scoped to
	// the subscribed path.
	s.mu.Lock()
	sub := &subscriber{id: ulid.Make().String(), path: path, w: w, f: flusher}
	writeFrame(sub, firewire.EventPut, "/", s.extract(path))
	s.subs[sub.id] = sub
	s.mu.Unlock()
	glog.V(2).Infof("firetest: subscriber %s at %s", sub.id, path)

	<-r.Context().Done()
	s.mu.Lock()
	delete(s.subs, sub.id)
	s.mu.Unlock()
	glog.V(2).Infof("firetest: subscriber %s gone", sub.id)
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request, path string, merge bool) {
	body, err := readBody(r)
	if err != nil || !gjson.ValidBytes(body) {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if merge {
		fields := gjson.ParseBytes(body)
		if !fields.IsObject() {
			http.Error(w, "patch body must be an object", http.StatusBadRequest)
			return
		}
		fields.ForEach(func(key, value gjson.Result) bool {
			s.set(joinPath(path, key.String()), value.Raw)
			return true
		})
		s.broadcast(firewire.EventPatch, path, string(body))
	} else {
		s.set(path, string(body))
		s.broadcast(firewire.EventPut, path, string(body))
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request, path string) {
	body, err := readBody(r)
	if err != nil || !gjson.ValidBytes(body) {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	key := "-" + ulid.Make().String()
	child := joinPath(path, key)

	s.mu.Lock()
	s.set(child, string(body))
	s.broadcast(firewire.EventPut, child, string(body))
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"name":%q}`, key)
}

func (s *Server) handleDelete(w http.ResponseWriter, path string) {
	s.mu.Lock()
	s.set(path, "null")
	s.broadcast(firewire.EventPut, path, "null")
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte("null"))
}

// SendKeepAlive writes a keep-alive frame to every subscriber.
func (s *Server) SendKeepAlive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		fmt.Fprintf(sub.w, "event: %s\ndata: null\n\n", firewire.EventKeepAlive)
		sub.f.Flush()
	}
}

// SendErrorEnvelope writes a bare three-line error envelope to every
// subscriber, the out-of-band fault shape the parser must swallow.
func (s *Server) SendErrorEnvelope(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		fmt.Fprintf(sub.w, "{\n\"error\": %q\n}\n", message)
		sub.f.Flush()
	}
}

// SendRaw writes raw bytes to every subscriber, for malformed-input tests.
func (s *Server) SendRaw(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		fmt.Fprint(sub.w, text)
		sub.f.Flush()
	}
}

// set mutates the document at path (JSON text for the new value, "null"
// deletes). Callers hold s.mu.
func (s *Server) set(path, raw string) {
	if path == "/" {
		if raw == "null" {
			s.doc = []byte("{}")
		} else {
			s.doc = []byte(raw)
		}
		return
	}
	var err error
	if raw == "null" {
		s.doc, err = sjson.DeleteBytes(s.doc, dotted(path))
	} else {
		s.doc, err = sjson.SetRawBytes(s.doc, dotted(path), []byte(raw))
	}
	if err != nil {
		glog.Errorf("firetest: set %s: %v", path, err)
	}
}

// extract returns the JSON text at path, "null" when absent. Callers hold
// at least a read lock.
func (s *Server) extract(path string) string {
	if path == "/" {
		return string(s.doc)
	}
	res := gjson.GetBytes(s.doc, dotted(path))
	if !res.Exists() {
		return "null"
	}
	return res.Raw
}

// broadcast fans a change frame out to every subscriber whose path covers
// the event, rewriting the event path relative to the subscription root.
// Callers hold s.mu.
func (s *Server) broadcast(event, path, raw string) {
	for _, sub := range s.subs {
		rel, ok := relativePath(sub.path, path)
		if ok {
			writeFrame(sub, event, rel, raw)
			continue
		}
		// Change above the subscription root: resend the whole scope.
		if ancestorOf(path, sub.path) {
			writeFrame(sub, firewire.EventPut, "/", s.extract(sub.path))
		}
	}
}

func writeFrame(sub *subscriber, event, path, raw string) {
	fmt.Fprintf(sub.w, "event: %s\ndata: {\"path\":%q,\"data\":%s}\n\n", event, path, raw)
	sub.f.Flush()
}

// relativePath rebases an absolute event path onto a subscription root.
func relativePath(root, path string) (string, bool) {
	if root == "/" || root == "" {
		return path, true
	}
	if path == root {
		return "/", true
	}
	if strings.HasPrefix(path, root+"/") {
		return strings.TrimPrefix(path, root), true
	}
	return "", false
}

// ancestorOf reports whether a is a strict ancestor of b.
func ancestorOf(a, b string) bool {
	return a == "/" || strings.HasPrefix(b, a+"/")
}

// dotted converts a slash path to the dotted addressing sjson/gjson use,
// escaping literal dots in segments.
func dotted(path string) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for i, seg := range segs {
		segs[i] = strings.ReplaceAll(seg, ".", `\.`)
	}
	return strings.Join(segs, ".")
}

func joinPath(parent, child string) string {
	if parent == "/" || parent == "" {
		return "/" + child
	}
	return parent + "/" + child
}

// versionHash is the CRC32 content tag served as an ETag.
func versionHash(raw string) string {
	table := crc32.MakeTable(crc32.IEEE)
	return fmt.Sprintf("%08x", crc32.Checksum([]byte(raw), table))
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
