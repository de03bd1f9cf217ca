// Package proto defines the wire types shared between watchd and its
// clients over the Unix domain socket.
//
// The protocol is newline-delimited JSON in both directions. The first
// message a client sends after connecting is an OpenFrame naming the
// command to run; every message the client sends afterward is either a
// ClientFrame (resize or input) or raw bytes that do not decode as one,
// which are forwarded verbatim to the PTY as typed input. The daemon sends
// ServerFrame messages for PTY output, detector/watchdog events, and the
// final exit code.
package proto

import "encoding/json"

// Client frame type constants (client → session, after the open frame).
const (
	ClientFrameResize = "resize"
	ClientFrameInput  = "input"
)

// Server frame type constants (session → client).
const (
	ServerFrameOutput = "output"
	ServerFrameEvent  = "event"
	ServerFrameExit   = "exit"
)

// Event priority constants.
const (
	PriorityLow     = "low"
	PriorityDefault = "default"
	PriorityHigh    = "high"
	PriorityUrgent  = "urgent"
)

// Event kind constants.
const (
	KindPatternMatch = "pattern_match"
	KindInactivity   = "inactivity"
	KindExitCode     = "exit_code"
)

// OpenFrame is the first message a client sends after connecting. A
// missing or empty Command closes the socket (see internal/supervisor).
type OpenFrame struct {
	Command []string `json:"command"`
	Timeout *int     `json:"timeout,omitempty"`
}

// ClientFrame is a control message recognized in the client→session byte
// stream. Default is applied by the caller when Rows/Cols are nil.
type ClientFrame struct {
	Type string `json:"type"`
	Rows *uint  `json:"rows,omitempty"`
	Cols *uint  `json:"cols,omitempty"`
	Data string `json:"data,omitempty"`
}

// ServerFrame is a single line the session sends to its client.
type ServerFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// Event is the wire-serializable form of a notification-worthy occurrence.
// It travels to clients as the JSON-encoded Data of a ServerFrame of type
// "event", and to the Notifier for HTTP dispatch.
type Event struct {
	Kind      string   `json:"kind"`
	Message   string   `json:"message"`
	Priority  string   `json:"priority"`
	Tags      []string `json:"tags"`
	Timestamp int64    `json:"timestamp"`
	Context   string   `json:"context,omitempty"`
	Command   string   `json:"command"`
}

// PriorityLevel maps an Event priority to the numeric push level ntfy
// expects. Unknown priorities map to "3" (default).
func PriorityLevel(priority string) string {
	switch priority {
	case PriorityLow:
		return "2"
	case PriorityDefault:
		return "3"
	case PriorityHigh:
		return "4"
	case PriorityUrgent:
		return "5"
	default:
		return "3"
	}
}

// EventFrame marshals ev and wraps it in a ServerFrame of type "event".
func EventFrame(ev Event) (ServerFrame, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return ServerFrame{}, err
	}
	return ServerFrame{Type: ServerFrameEvent, Data: string(data)}, nil
}
