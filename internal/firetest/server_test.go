package firetest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestDottedPathConversion(t *testing.T) {
	assert.Equal(t, dotted("/a/b/c"), "a.b.c")
	assert.Equal(t, dotted("/top"), "top")
	assert.Equal(t, dotted("/has.dot/child"), `has\.dot.child`)
}

func TestRelativePath(t *testing.T) {
	rel, ok := relativePath("/", "/a/b")
	assert.Equal(t, ok, true)
	assert.Equal(t, rel, "/a/b")

	rel, ok = relativePath("/a", "/a/b")
	assert.Equal(t, ok, true)
	assert.Equal(t, rel, "/b")

	rel, ok = relativePath("/a", "/a")
	assert.Equal(t, ok, true)
	assert.Equal(t, rel, "/")

	_, ok = relativePath("/a", "/ab")
	assert.Equal(t, ok, false)
}

func TestRestMutationsUpdateDocument(t *testing.T) {
	srv := New(`{"a":1}`)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	put(t, ts.URL+"/b.json", `{"c":2}`)
	assert.Equal(t, srv.Doc(), `{"a":1,"b":{"c":2}}`)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/a.json", nil)
	resp, err := http.DefaultClient.Do(req)
	assert.Equal(t, err, nil)
	resp.Body.Close()
	assert.Equal(t, srv.Doc(), `{"b":{"c":2}}`)
}

func TestReadServesVersionHash(t *testing.T) {
	srv := New(`{"a":1}`)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/a.json")
	assert.Equal(t, err, nil)
	resp.Body.Close()
	assert.Equal(t, resp.Header.Get("ETag"), versionHash("1"))
}

func TestScriptedStatusIsOneShot(t *testing.T) {
	srv := New(`{}`)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	srv.ScriptStatus(429)
	resp, err := http.Get(ts.URL + "/.json")
	assert.Equal(t, err, nil)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, 429)

	resp, err = http.Get(ts.URL + "/.json")
	assert.Equal(t, err, nil)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, 200)
}

func put(t *testing.T, url, body string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, url, strings.NewReader(body))
	assert.Equal(t, err, nil)
	resp, err := http.DefaultClient.Do(req)
	assert.Equal(t, err, nil)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, 200)
}
