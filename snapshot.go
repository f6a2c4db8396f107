package firebase

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/klauspost/compress/gzip"
)

// SaveSnapshot writes the current mirror to filename as gzip-compressed
// JSON, for warm-starting a later process before its stream catches up.
func (c *Client) SaveSnapshot(filename string) error {
	c.mu.Lock()
	doc := deepCopy(c.store.root)
	c.mu.Unlock()

	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("creating snapshot: %w", err)
	}
	defer f.Close()

	zw := gzip.NewWriter(f)
	if err := json.NewEncoder(zw).Encode(doc); err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("flushing snapshot: %w", err)
	}
	return f.Close()
}

// LoadSnapshot replaces the mirror with a previously saved snapshot,
// equivalent to a put at the root, and notifies subscribers accordingly.
func (c *Client) LoadSnapshot(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}
	defer zr.Close()

	var doc any
	if err := json.NewDecoder(zr).Decode(&doc); err != nil {
		return fmt.Errorf("decoding snapshot: %w", err)
	}

	ev := ChangeEvent{Kind: Put, Path: "/", Data: doc}
	c.mu.Lock()
	c.store.Apply(ev)
	c.dispatch(ev)
	c.mu.Unlock()
	return nil
}
