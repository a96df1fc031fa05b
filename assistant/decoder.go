package assistant

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Decoder turns an SSE byte stream into typed StreamEvents. Feed it chunks
// exactly as they arrive off the wire; lines are reassembled internally, so
// chunk boundaries (including mid-line splits) never change the decoded
// sequence.
//
// The wire format is line-oriented: "event: <type>" lines set the type for
// subsequent "data: <json>" lines, blank lines separate frames. The event
// type is sticky until the next event: line and starts out as "token".
type Decoder struct {
	buf     []byte
	current EventType
}

// NewDecoder returns a Decoder at the start-of-stream state.
func NewDecoder() *Decoder {
	return &Decoder{current: EventToken}
}

// Feed consumes one chunk and returns the events completed by it, in wire
// order. A data line that is not valid JSON is dropped on its own; one bad
// frame never aborts the stream.
func (d *Decoder) Feed(p []byte) []StreamEvent {
	if len(p) == 0 {
		return nil
	}
	d.buf = append(d.buf, p...)

	var events []StreamEvent
	for {
		nl := bytes.IndexByte(d.buf, '\n')
		if nl < 0 {
			// The trailing partial line waits for the next chunk.
			return events
		}
		line := string(d.buf[:nl])
		d.buf = d.buf[nl+1:]
		if ev, ok := d.decodeLine(line); ok {
			events = append(events, ev)
		}
	}
}

// decodeLine classifies one complete line, returning an event when the line
// was a usable data line.
func (d *Decoder) decodeLine(line string) (StreamEvent, bool) {
	line = strings.TrimRight(line, "\r")
	switch {
	case line == "":
		// Frame separator.
		return StreamEvent{}, false
	case strings.HasPrefix(line, "event:"):
		d.current = EventType(strings.TrimSpace(strings.TrimPrefix(line, "event:")))
		return StreamEvent{}, false
	case strings.HasPrefix(line, "data:"):
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || !json.Valid([]byte(data)) {
			return StreamEvent{}, false
		}
		return parseStreamEvent(d.current, json.RawMessage(data)), true
	default:
		// Comments and unknown fields are ignored.
		return StreamEvent{}, false
	}
}
