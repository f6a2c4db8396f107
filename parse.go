package firebase

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang/glog"
	"github.com/tidwall/gjson"

	"github.com/mm-gmbd/Firebase/pkg/firewire"
)

// parseFrames turns buffered stream text into ordered change events. The
// grammar is line based: a frame is an `event: <type>` line followed by a
// `data: <json>` line, frames separated by blank lines. Keep-alive frames
// and bare `{` / body / `}` error envelopes produce no events.
//
// The unconsumed tail (a trailing frame whose lines have not all arrived)
// is returned so the caller can prepend it to the next chunk; no partial
// frame is ever emitted. A JSON decode failure on a data line is fatal to
// the whole call.
func parseFrames(buf string) (events []ChangeEvent, rest string, err error) {
	lines := strings.Split(buf, "\n")
	// The final element is either an unterminated line or "" after a
	// trailing newline; either way it is not parseable yet.
	complete := len(lines) - 1
	i := 0
	for i < complete {
		line := strings.TrimSpace(lines[i])

		switch {
		case line == "":
			i++

		case line == "{":
			// Server error envelope: three bare JSON lines with no
			// frame prefixes. Log it and keep parsing.
			if i+2 >= complete {
				return events, rejoin(lines, i), nil
			}
			if strings.TrimSpace(lines[i+2]) != "}" {
				// Not an envelope after all; treat the brace as noise
				// rather than swallowing the two lines behind it.
				glog.V(2).Infof("ignoring stream line %q", line)
				i++
				continue
			}
			body := lines[i] + lines[i+1] + lines[i+2]
			glog.Warningf("stream error envelope: %s", gjson.Get(body, "error").String())
			i += 3

		case strings.HasPrefix(line, "event:"):
			if i+1 >= complete {
				return events, rejoin(lines, i), nil
			}
			typ := strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			data := strings.TrimSpace(lines[i+1])
			if !strings.HasPrefix(data, "data:") {
				glog.V(2).Infof("event %q not followed by data line, skipping", typ)
				i++
				continue
			}
			ev, ok, perr := parseFrame(typ, strings.TrimSpace(strings.TrimPrefix(data, "data:")))
			if perr != nil {
				return nil, "", perr
			}
			if ok {
				events = append(events, ev)
			}
			i += 2

		default:
			glog.V(2).Infof("ignoring stream line %q", line)
			i++
		}
	}
	return events, rejoin(lines, complete), nil
}

// parseFrame decodes one event/data pair. ok is false for frames that are
// recognized but carry no change (keep-alives, unknown types).
func parseFrame(typ, data string) (ChangeEvent, bool, error) {
	kind := Put
	switch strings.ToLower(typ) {
	case firewire.EventKeepAlive:
		return ChangeEvent{}, false, nil
	case firewire.EventPut:
	case firewire.EventPatch:
		kind = Patch
	default:
		glog.V(2).Infof("unknown stream event type %q, skipping", typ)
		return ChangeEvent{}, false, nil
	}

	var frame firewire.FrameData
	if err := json.Unmarshal([]byte(data), &frame); err != nil {
		return ChangeEvent{}, false, fmt.Errorf("decoding %s frame: %w", typ, err)
	}
	return ChangeEvent{Kind: kind, Path: normalizePath(frame.Path), Data: frame.Data}, true, nil
}

// rejoin reassembles the tail of the split buffer starting at line i.
func rejoin(lines []string, i int) string {
	if i >= len(lines) {
		return ""
	}
	return strings.Join(lines[i:], "\n")
}
