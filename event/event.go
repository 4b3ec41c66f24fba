// Package event defines the outbound event shapes the core emits per
// session: worker progress, node transitions and terminal outcomes. The
// consuming transport (UI, SSE, whatever) is out of scope; it only sees
// these types through the Emitter interface.
package event

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Type discriminates events on the wire.
type Type string

const (
	TypeProgress   Type = "progress"
	TypeTransition Type = "transition"
	TypeTerminal   Type = "terminal"
)

// Event is one outbound event.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Progress fields.
	Source   string   `json:"source,omitempty"`
	Message  string   `json:"message,omitempty"`
	Fraction *float64 `json:"fraction,omitempty"`

	// Transition fields.
	Node   string `json:"node,omitempty"`
	Status string `json:"status,omitempty"`

	// Terminal fields.
	Result any    `json:"result,omitempty"`
	Err    string `json:"error,omitempty"`
}

// Emitter receives events. Implementations must not block indefinitely;
// a slow sink must never stall the routing loop.
type Emitter interface {
	Emit(Event)
}

// Progress builds a progress event.
func Progress(sessionID, source, message string, fraction *float64) Event {
	return Event{
		Type:      TypeProgress,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Source:    source,
		Message:   message,
		Fraction:  fraction,
	}
}

// Transition builds a node-transition event.
func Transition(sessionID, node, status string) Event {
	return Event{
		Type:      TypeTransition,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Node:      node,
		Status:    status,
	}
}

// TerminalResult builds a success terminal event.
func TerminalResult(sessionID string, result any) Event {
	return Event{
		Type:      TypeTerminal,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Result:    result,
	}
}

// TerminalError builds a failure terminal event.
func TerminalError(sessionID string, errMsg string) Event {
	return Event{
		Type:      TypeTerminal,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Err:       errMsg,
	}
}

// NopEmitter discards everything.
type NopEmitter struct{}

func (NopEmitter) Emit(Event) {}

// ChanEmitter forwards events to a buffered channel. When the consumer
// falls behind the event is counted as dropped instead of blocking the
// emitting loop.
type ChanEmitter struct {
	ch      chan Event
	dropped atomic.Int64
}

// NewChanEmitter creates a ChanEmitter with the given buffer size.
func NewChanEmitter(buffer int) *ChanEmitter {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanEmitter{ch: make(chan Event, buffer)}
}

// Events returns the receive side for the consuming transport.
func (e *ChanEmitter) Events() <-chan Event { return e.ch }

// Dropped reports how many events were discarded due to a full buffer.
func (e *ChanEmitter) Dropped() int64 { return e.dropped.Load() }

func (e *ChanEmitter) Emit(ev Event) {
	select {
	case e.ch <- ev:
	default:
		e.dropped.Add(1)
	}
}

// LogEmitter writes every event to a zap logger. Useful as the default
// sink in the CLI.
type LogEmitter struct {
	logger *zap.Logger
}

// NewLogEmitter wraps a logger; nil falls back to a no-op logger.
func NewLogEmitter(logger *zap.Logger) *LogEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogEmitter{logger: logger.With(zap.String("component", "event_emitter"))}
}

func (e *LogEmitter) Emit(ev Event) {
	fields := []zap.Field{
		zap.String("session_id", ev.SessionID),
	}
	switch ev.Type {
	case TypeProgress:
		fields = append(fields, zap.String("source", ev.Source), zap.String("message", ev.Message))
		if ev.Fraction != nil {
			fields = append(fields, zap.Float64("fraction", *ev.Fraction))
		}
		e.logger.Info("progress", fields...)
	case TypeTransition:
		fields = append(fields, zap.String("node", ev.Node), zap.String("status", ev.Status))
		e.logger.Info("transition", fields...)
	case TypeTerminal:
		if ev.Err != "" {
			e.logger.Error("terminal", append(fields, zap.String("error", ev.Err))...)
			return
		}
		e.logger.Info("terminal", append(fields, zap.Any("result", ev.Result))...)
	}
}
