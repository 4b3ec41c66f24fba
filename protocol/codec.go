// Package protocol implements the line-framed JSON envelope exchanged with
// worker subprocesses. One message per line: requests carry an id, a method
// and params; responses carry a matching id and exactly one of result or
// error; notifications carry a method and no id.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Reserved method names.
const (
	// MethodInitialize is the handshake request sent before any other call.
	MethodInitialize = "initialize"
	// MethodPing is the lightweight liveness probe.
	MethodPing = "ping"
	// MethodProgress is the notification method workers use to report
	// partial progress on the outstanding call.
	MethodProgress = "$/progress"
)

// Kind classifies a decoded message.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// RPCError is the error object carried in a failed response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Message is one protocol envelope. ID is a pointer so that the absence of
// an id (a notification) survives round-trips.
type Message struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// ProgressParams is the payload of a MethodProgress notification.
// Fraction is nil when the worker cannot estimate completion.
type ProgressParams struct {
	Source   string   `json:"source"`
	Message  string   `json:"message"`
	Fraction *float64 `json:"fraction"`
}

// InitializeResult is the worker's handshake response: its announced name
// and the operations it accepts.
type InitializeResult struct {
	Name       string   `json:"name"`
	Operations []string `json:"operations"`
}

// MalformedError reports a framing or shape violation on an inbound line.
// The caller decides whether to drop the line or treat the connection as
// corrupted; the codec never guesses intent.
type MalformedError struct {
	Line   []byte
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed protocol message: %s", e.Reason)
}

// Kind classifies the message. A message that fits none of the three legal
// shapes is KindInvalid.
func (m *Message) Kind() Kind {
	switch {
	case m.ID != nil && m.Method != "":
		return KindRequest
	case m.ID != nil && (m.Result != nil) != (m.Error != nil):
		return KindResponse
	case m.ID == nil && m.Method != "":
		return KindNotification
	default:
		return KindInvalid
	}
}

// NewRequest builds a request envelope. Params are marshalled eagerly so an
// unencodable argument surfaces at call time, not on the wire.
func NewRequest(id int64, method string, params any) (*Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params for %s: %w", method, err)
	}
	return &Message{ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds an id-less notification envelope.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params for %s: %w", method, err)
	}
	return &Message{Method: method, Params: raw}, nil
}

// NewResponse builds a success response for a request id.
func NewResponse(id int64, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &Message{ID: &id, Result: raw}, nil
}

// NewErrorResponse builds a failure response for a request id.
func NewErrorResponse(id int64, code int, msg string) *Message {
	return &Message{ID: &id, Error: &RPCError{Code: code, Message: msg}}
}

// Encode renders the message as exactly one line, trailing newline included.
// Messages that fit none of the legal shapes are rejected.
func Encode(m *Message) ([]byte, error) {
	if m.Kind() == KindInvalid {
		return nil, fmt.Errorf("refusing to encode invalid message shape")
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return append(raw, '\n'), nil
}

// Decode parses one line back into a message. It returns *MalformedError on
// invalid JSON, an embedded newline, or a shape that is neither request,
// response nor notification.
func Decode(line []byte) (*Message, error) {
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(bytes.TrimSpace(line)) == 0 {
		return nil, &MalformedError{Line: line, Reason: "empty line"}
	}
	if bytes.ContainsRune(line, '\n') {
		return nil, &MalformedError{Line: line, Reason: "embedded newline"}
	}
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, &MalformedError{Line: line, Reason: err.Error()}
	}
	if m.Kind() == KindInvalid {
		return nil, &MalformedError{Line: line, Reason: "message is neither request, response nor notification"}
	}
	return &m, nil
}
