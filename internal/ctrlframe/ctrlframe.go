// Package ctrlframe recognizes the small JSON control protocol embedded in
// the client-to-session byte stream: resize and input frames. Anything
// that does not parse as a recognized frame is not a parser error — it
// means the bytes are raw terminal input and should be forwarded verbatim.
package ctrlframe

import (
	"bytes"
	"encoding/json"

	"github.com/ianremillard/watchd/internal/proto"
)

// Default window size applied to a resize frame that omits rows/cols.
const (
	DefaultRows uint = 24
	DefaultCols uint = 80
)

// Frame is a decoded control frame.
type Frame struct {
	Type string
	Rows uint
	Cols uint
	Data string
}

// Parse attempts to interpret chunk, with trailing whitespace trimmed, as a
// JSON object naming a recognized control frame type. It returns
// ok == false when the chunk is not a recognized control frame — the
// caller must then treat chunk as raw input to write to the PTY as-is.
// Malformed JSON or an unknown type is never an error.
func Parse(chunk []byte) (Frame, bool) {
	trimmed := bytes.TrimRight(chunk, " \t\r\n")
	if len(trimmed) == 0 {
		return Frame{}, false
	}

	var raw proto.ClientFrame
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return Frame{}, false
	}

	switch raw.Type {
	case proto.ClientFrameResize:
		f := Frame{Type: raw.Type, Rows: DefaultRows, Cols: DefaultCols}
		if raw.Rows != nil {
			f.Rows = *raw.Rows
		}
		if raw.Cols != nil {
			f.Cols = *raw.Cols
		}
		return f, true

	case proto.ClientFrameInput:
		return Frame{Type: raw.Type, Data: raw.Data}, true

	default:
		return Frame{}, false
	}
}
