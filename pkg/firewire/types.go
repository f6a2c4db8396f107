// Package firewire holds the wire vocabulary shared by the client and the
// mock server: event-stream frame types and the JSON payloads they carry.
package firewire

// Event types carried on the `event:` line of a stream frame.
const (
	EventPut       = "put"
	EventPatch     = "patch"
	EventKeepAlive = "keep-alive"
)

// FrameData is the JSON object carried on the `data:` line of a put or
// patch frame.
type FrameData struct {
	Path string `json:"path"` // Path is the tree location the change applies to, e.g. "/foo/bar"
	Data any    `json:"data"` // Data is the new value (put) or child map (patch); null means delete
}

// ErrorEnvelope is the bare JSON object the server writes in place of a
// frame when it reports a fault unrelated to tree state.
type ErrorEnvelope struct {
	Error string `json:"error"`
}
