package firebase

import (
	"strconv"
	"strings"

	"github.com/golang/glog"
)

// ChangeKind identifies how a ChangeEvent mutates the mirror.
type ChangeKind int

const (
	// Put fully replaces the subtree at the event path; a nil payload
	// deletes it.
	Put ChangeKind = iota
	// Patch merges a map of child-name to value into the subtree at the
	// event path, each entry acting as an independent Put.
	Patch
)

func (k ChangeKind) String() string {
	if k == Patch {
		return "patch"
	}
	return "put"
}

// ChangeEvent is one ordered change from the server stream.
type ChangeEvent struct {
	Kind ChangeKind
	Path string
	Data any
}

// treeStore is the in-memory mirror of the remote document. Values follow
// the JSON decode shape: nil, bool, float64, string, []any, map[string]any.
// The root is any node the server puts there, scalars and lists included;
// an absent document is an empty map. The shape of every container is fixed
// by how the server encoded it; the store never converts a list to a map or
// vice versa except through the self-healing overwrite in put.
//
// treeStore does no locking; the owning Client serializes access.
type treeStore struct {
	root any
}

func newTreeStore() *treeStore {
	return &treeStore{root: map[string]any{}}
}

// Apply mutates the mirror with one change event. It never fails: type
// mismatches along the walk are resolved by discarding the offending branch
// and regrowing it with the shape the path requires.
func (t *treeStore) Apply(ev ChangeEvent) {
	switch ev.Kind {
	case Put:
		t.put(ev.Path, ev.Data)
	case Patch:
		fields, ok := ev.Data.(map[string]any)
		if !ok {
			glog.V(2).Infof("patch at %s has non-object payload %T, dropping", ev.Path, ev.Data)
			return
		}
		for child, value := range fields {
			t.put(joinPath(ev.Path, child), value)
		}
	}
	t.pruneRoot()
}

func (t *treeStore) put(path string, value any) {
	segs := splitPath(path)
	if len(segs) == 0 {
		// Put at / replaces the whole mirror, whatever shape the
		// payload has; nil means the document is gone.
		if value == nil {
			t.root = map[string]any{}
			return
		}
		t.root = value
		return
	}
	t.root = setPath(t.root, segs, value)
}

// setPath walks segs into node and sets the terminal value, creating
// missing intermediates as maps and healing scalar obstructions. It returns
// the (possibly replaced) node so callers can reattach grown lists.
func setPath(node any, segs []string, value any) any {
	seg := segs[0]
	switch c := node.(type) {
	case map[string]any:
		if len(segs) == 1 {
			if value == nil {
				delete(c, seg)
			} else {
				c[seg] = value
			}
			return c
		}
		c[seg] = setPath(containerFor(c[seg]), segs[1:], value)
		return c
	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 {
			// Non-index segment under a list: the branch has the
			// wrong shape for this path, regrow it as a map.
			glog.V(2).Infof("healing list branch for segment %q", seg)
			return setPath(map[string]any{}, segs, value)
		}
		for len(c) <= i {
			c = append(c, nil)
		}
		if len(segs) == 1 {
			// A nil terminal inside a list leaves a hole rather
			// than shifting later elements.
			c[i] = value
			return c
		}
		c[i] = setPath(containerFor(c[i]), segs[1:], value)
		return c
	default:
		glog.V(2).Infof("healing scalar branch at segment %q", seg)
		return setPath(map[string]any{}, segs, value)
	}
}

// containerFor keeps an existing container and replaces anything else with
// a fresh map, the default shape for created intermediates.
func containerFor(n any) any {
	switch n.(type) {
	case map[string]any, []any:
		return n
	}
	return map[string]any{}
}

// pruneRoot prunes within the root but never removes the root itself: an
// empty mirror is a valid state.
func (t *treeStore) pruneRoot() {
	switch c := t.root.(type) {
	case map[string]any:
		pruneChildren(c)
	case []any:
		pv, _ := pruneValue(c)
		t.root = pv
	}
}

// pruneChildren removes empty containers bottom-up.
func pruneChildren(m map[string]any) {
	for k, v := range m {
		pv, empty := pruneValue(v)
		if empty {
			delete(m, k)
		} else {
			m[k] = pv
		}
	}
}

// pruneValue prunes within n and reports whether n is an empty container
// that should be removed from its parent. Lists shrink when an empty
// container is pruned out of them; explicit nulls are values and are kept.
func pruneValue(n any) (any, bool) {
	switch c := n.(type) {
	case map[string]any:
		pruneChildren(c)
		return c, len(c) == 0
	case []any:
		kept := c[:0]
		for _, v := range c {
			pv, empty := pruneValue(v)
			if !empty {
				kept = append(kept, pv)
			}
		}
		return kept, len(kept) == 0
	}
	return n, false
}

// Extract returns a deep copy of the subtree at path, or nil when the path
// does not resolve to a node.
func (t *treeStore) Extract(path string) any {
	cur := t.root
	for _, seg := range splitPath(path) {
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				return nil
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(c) {
				return nil
			}
			cur = c[i]
		default:
			return nil
		}
	}
	return deepCopy(cur)
}

func deepCopy(n any) any {
	switch c := n.(type) {
	case map[string]any:
		out := make(map[string]any, len(c))
		for k, v := range c {
			out[k] = deepCopy(v)
		}
		return out
	case []any:
		out := make([]any, len(c))
		for i, v := range c {
			out[i] = deepCopy(v)
		}
		return out
	}
	return n
}

// normalizePath gives every path a leading slash and strips any trailing
// slash except on the root itself.
func normalizePath(path string) string {
	path = strings.TrimRight(path, "/")
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

// splitPath breaks a normalized path into segments; the root yields none.
func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func joinPath(parent, child string) string {
	if parent == "/" || parent == "" {
		return "/" + child
	}
	return parent + "/" + child
}
