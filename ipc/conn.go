package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tidewater-io/helmsman/protocol"
)

// Status is a connection's lifecycle state. Transitions are monotone
// except busy<->connected, which toggles per call.
type Status int32

const (
	StatusStarting Status = iota
	StatusConnected
	StatusBusy
	StatusUnresponsive
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusConnected:
		return "connected"
	case StatusBusy:
		return "busy"
	case StatusUnresponsive:
		return "unresponsive"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// ProgressFunc receives progress notifications belonging to the
// outstanding call.
type ProgressFunc func(protocol.ProgressParams)

// callResult carries either a response message or a connection-level
// failure to the waiting caller.
type callResult struct {
	msg *protocol.Message
	err error
}

// pendingCall is one in-flight request. At most one exists per id, and by
// design at most one per connection (no request pipelining).
type pendingCall struct {
	id       int64
	issuedAt time.Time
	progress ProgressFunc
	done     chan callResult
}

// ConnConfig tunes one connection's timing.
type ConnConfig struct {
	// PollInterval is the ceiling of one bounded read attempt. Distinct
	// from any per-call timeout: it controls how often the read loop
	// yields, not how long a call may run.
	PollInterval time.Duration
	// HandshakeTimeout bounds the initialize exchange.
	HandshakeTimeout time.Duration
	// PingTimeout bounds the liveness probe.
	PingTimeout time.Duration
	// ShutdownGrace is how long Close waits before force-killing.
	ShutdownGrace time.Duration
}

// DefaultConnConfig returns the production timing defaults.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		PollInterval:     200 * time.Millisecond,
		HandshakeTimeout: 15 * time.Second,
		PingTimeout:      3 * time.Second,
		ShutdownGrace:    5 * time.Second,
	}
}

func (c ConnConfig) withDefaults() ConnConfig {
	d := DefaultConnConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = d.PingTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
	return c
}

// Conn owns exactly one worker subprocess and its duplex pipe. One call is
// outstanding at a time, so responses and the progress notifications that
// belong to them are strictly ordered relative to that call.
type Conn struct {
	name      string
	transport Transport
	cfg       ConnConfig
	logger    *zap.Logger

	status atomic.Int32
	caps   protocol.InitializeResult

	callMu sync.Mutex // serializes calls: no request pipelining
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingCall

	readDone chan struct{}
	closing  atomic.Bool
}

// NewConn wraps a started transport and performs the handshake: the worker
// must answer initialize with its capabilities before any other call.
func NewConn(ctx context.Context, name string, transport Transport, cfg ConnConfig, logger *zap.Logger) (*Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Conn{
		name:      name,
		transport: transport,
		cfg:       cfg.withDefaults(),
		logger:    logger.With(zap.String("component", "ipc_conn"), zap.String("worker", name)),
		pending:   make(map[int64]*pendingCall),
		readDone:  make(chan struct{}),
	}
	c.status.Store(int32(StatusStarting))

	go c.readLoop()

	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	raw, err := c.roundTrip(hctx, protocol.MethodInitialize, map[string]string{"client": "helmsman"}, c.cfg.HandshakeTimeout, nil)
	if err != nil {
		c.teardown()
		return nil, &ConnectionError{Worker: name, Reason: "handshake failed", Err: err}
	}
	if err := json.Unmarshal(raw, &c.caps); err != nil {
		c.teardown()
		return nil, &ConnectionError{Worker: name, Reason: "invalid initialize result", Err: err}
	}

	c.status.Store(int32(StatusConnected))
	c.logger.Info("worker connected",
		zap.String("announced_name", c.caps.Name),
		zap.Strings("operations", c.caps.Operations),
	)
	return c, nil
}

// Name returns the logical worker name.
func (c *Conn) Name() string { return c.name }

// Status returns the current lifecycle state.
func (c *Conn) Status() Status { return Status(c.status.Load()) }

// Capabilities returns the handshake result.
func (c *Conn) Capabilities() protocol.InitializeResult { return c.caps }

// Pid returns the worker subprocess pid, or 0.
func (c *Conn) Pid() int { return c.transport.Pid() }

// readLoop drains the transport with bounded-wait reads. Each attempt has
// the poll-interval ceiling and returns control on expiry, so an idle
// connection just loops: the scheduler is never starved and the manager's
// liveness probe stays meaningful.
func (c *Conn) readLoop() {
	defer close(c.readDone)
	for {
		line, err := c.transport.ReadLine(c.cfg.PollInterval)
		if err != nil {
			if errors.Is(err, ErrReadTimeout) {
				if c.closing.Load() {
					return
				}
				continue
			}
			if !c.closing.Load() {
				if errors.Is(err, io.EOF) || errors.Is(err, ErrTransportClosed) {
					c.logger.Warn("worker pipe closed")
				} else {
					c.logger.Error("read loop failed", zap.Error(err))
				}
				c.failPending(&ConnectionError{Worker: c.name, Reason: "pipe broken", Err: err})
				c.status.Store(int32(StatusClosed))
			}
			return
		}

		msg, err := protocol.Decode(line)
		if err != nil {
			// Framing violations are connection corruption, not noise to
			// skip past: fail the connection rather than guess intent.
			c.logger.Error("malformed message, closing connection", zap.Error(err))
			c.failPending(&ConnectionError{Worker: c.name, Reason: "protocol corruption", Err: err})
			c.status.Store(int32(StatusClosed))
			c.closing.Store(true)
			_ = c.transport.Close(0)
			return
		}
		c.dispatch(msg)
	}
}

func (c *Conn) dispatch(msg *protocol.Message) {
	switch msg.Kind() {
	case protocol.KindResponse:
		c.mu.Lock()
		pc, ok := c.pending[*msg.ID]
		if ok {
			delete(c.pending, *msg.ID)
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("response for unknown request id", zap.Int64("id", *msg.ID))
			return
		}
		pc.done <- callResult{msg: msg}
	case protocol.KindNotification:
		if msg.Method != protocol.MethodProgress {
			c.logger.Debug("ignoring notification", zap.String("method", msg.Method))
			return
		}
		var p protocol.ProgressParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			c.logger.Warn("bad progress payload", zap.Error(err))
			return
		}
		c.mu.Lock()
		var sink ProgressFunc
		for _, pc := range c.pending {
			sink = pc.progress // at most one pending call exists
		}
		c.mu.Unlock()
		if sink != nil {
			sink(p)
		}
	case protocol.KindRequest:
		// Workers do not call back into the orchestrator.
		c.logger.Warn("unexpected request from worker", zap.String("method", msg.Method))
	}
}

func (c *Conn) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, pc := range c.pending {
		delete(c.pending, id)
		pc.done <- callResult{err: err}
	}
}

// Call issues one request and awaits its response, the call deadline, or
// context cancellation. A timeout fails the call, never the connection:
// deciding whether the worker is dead belongs to the liveness probe.
func (c *Conn) Call(ctx context.Context, op string, args any, timeout time.Duration, progress ProgressFunc) (json.RawMessage, error) {
	switch c.Status() {
	case StatusClosed:
		return nil, &ConnectionError{Worker: c.name, Reason: "connection closed"}
	case StatusUnresponsive:
		return nil, &ConnectionError{Worker: c.name, Reason: "connection unresponsive"}
	}

	c.callMu.Lock()
	defer c.callMu.Unlock()

	c.status.CompareAndSwap(int32(StatusConnected), int32(StatusBusy))
	defer c.status.CompareAndSwap(int32(StatusBusy), int32(StatusConnected))

	raw, err := c.roundTrip(ctx, op, args, timeout, progress)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// roundTrip is the id-correlated request/response exchange shared by Call,
// the handshake and the liveness probe.
func (c *Conn) roundTrip(ctx context.Context, method string, args any, timeout time.Duration, progress ProgressFunc) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	pc := &pendingCall{
		id:       id,
		issuedAt: time.Now(),
		progress: progress,
		done:     make(chan callResult, 1),
	}

	c.mu.Lock()
	c.pending[id] = pc
	c.mu.Unlock()

	unregister := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	req, err := protocol.NewRequest(id, method, args)
	if err != nil {
		unregister()
		return nil, err
	}
	line, err := protocol.Encode(req)
	if err != nil {
		unregister()
		return nil, err
	}
	if err := c.transport.WriteLine(line); err != nil {
		unregister()
		return nil, &ConnectionError{Worker: c.name, Reason: "write failed", Err: err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pc.done:
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.Error != nil {
			return nil, &ToolError{Worker: c.name, Op: method, Code: res.msg.Error.Code, Message: res.msg.Error.Message}
		}
		return res.msg.Result, nil
	case <-timer.C:
		unregister()
		return nil, &TimeoutError{Worker: c.name, Op: method, Timeout: timeout}
	case <-ctx.Done():
		unregister()
		return nil, ctx.Err()
	}
}

// Ping probes liveness with the reserved ping method. The manager calls
// this after a timeout before concluding the worker is dead; conflating
// slow with dead causes spurious restarts and lost work.
func (c *Conn) Ping(ctx context.Context) error {
	c.callMu.Lock()
	defer c.callMu.Unlock()
	_, err := c.roundTrip(ctx, protocol.MethodPing, struct{}{}, c.cfg.PingTimeout, nil)
	if err != nil {
		var toolErr *ToolError
		if errors.As(err, &toolErr) {
			return nil // it answered; an error result still proves liveness
		}
		return err
	}
	return nil
}

// MarkUnresponsive records a failed liveness verdict. Further calls are
// refused until the manager restarts the worker.
func (c *Conn) MarkUnresponsive() {
	c.status.Store(int32(StatusUnresponsive))
}

// Shutdown closes the connection: pending calls fail, stdin closes, and
// the subprocess gets the grace period before a force kill.
func (c *Conn) Shutdown() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	c.status.Store(int32(StatusClosed))
	c.failPending(&ConnectionError{Worker: c.name, Reason: "connection closing"})
	err := c.transport.Close(c.cfg.ShutdownGrace)
	<-c.readDone
	return err
}

func (c *Conn) teardown() {
	c.closing.Store(true)
	c.status.Store(int32(StatusClosed))
	_ = c.transport.Close(0)
	<-c.readDone
}
