package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tidewater-io/helmsman/internal/metrics"
)

// WorkerSpec maps a logical worker name to its launch command. A non-empty
// LockResource means the worker wraps a tool that must not run twice
// concurrently; calls to it first take the cross-session class lock.
type WorkerSpec struct {
	Name         string   `yaml:"name"`
	Command      []string `yaml:"command"`
	Env          []string `yaml:"env"`
	LockResource string   `yaml:"lock_resource"`
}

// ManagerConfig tunes the manager's policies.
type ManagerConfig struct {
	// DefaultCallTimeout applies when a call passes no explicit timeout.
	DefaultCallTimeout time.Duration
	// LockDir is where class lock files live.
	LockDir string
	// LockTimeout bounds waiting for a class lock.
	LockTimeout time.Duration
	// MaxDialAttempts bounds connect/handshake retries per call.
	MaxDialAttempts int
	// DialBackoff is the base delay between dial retries (doubles each try).
	DialBackoff time.Duration
	// RestartInterval throttles subprocess restarts per worker.
	RestartInterval time.Duration
	// ShutdownGrace is how long Close waits for workers to exit cleanly.
	ShutdownGrace time.Duration
	// Conn carries per-connection timing.
	Conn ConnConfig
}

// DefaultManagerConfig returns the production defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		DefaultCallTimeout: 120 * time.Second,
		LockDir:            "/tmp/helmsman-locks",
		LockTimeout:        60 * time.Second,
		MaxDialAttempts:    3,
		DialBackoff:        500 * time.Millisecond,
		RestartInterval:    2 * time.Second,
		ShutdownGrace:      5 * time.Second,
		Conn:               DefaultConnConfig(),
	}
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	d := DefaultManagerConfig()
	if c.DefaultCallTimeout <= 0 {
		c.DefaultCallTimeout = d.DefaultCallTimeout
	}
	if c.LockDir == "" {
		c.LockDir = d.LockDir
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = d.LockTimeout
	}
	if c.MaxDialAttempts <= 0 {
		c.MaxDialAttempts = d.MaxDialAttempts
	}
	if c.DialBackoff <= 0 {
		c.DialBackoff = d.DialBackoff
	}
	if c.RestartInterval <= 0 {
		c.RestartInterval = d.RestartInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
	return c
}

// workerConn is what the manager needs from a connection. *Conn satisfies
// it; tests substitute stubs.
type workerConn interface {
	Call(ctx context.Context, op string, args any, timeout time.Duration, progress ProgressFunc) (json.RawMessage, error)
	Ping(ctx context.Context) error
	Status() Status
	Pid() int
	MarkUnresponsive()
	Shutdown() error
}

// Dialer starts a connection for a spec. The default spawns the worker
// subprocess; tests swap in in-memory transports.
type Dialer func(ctx context.Context, spec WorkerSpec) (workerConn, error)

// Manager is the single entry point for all worker communication: a
// registry of connections, lazily started, with the retry/reconnect and
// mutual-exclusion policy in one place.
type Manager struct {
	cfg    ManagerConfig
	specs  map[string]WorkerSpec
	dial   Dialer
	locker *Locker

	logger    *zap.Logger
	collector *metrics.Collector

	mu       sync.Mutex
	conns    map[string]workerConn
	limiters map[string]*rate.Limiter // restart throttle per worker
	dialMu   map[string]*sync.Mutex   // serializes dials per worker
	closed   bool
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithDialer substitutes the connection factory. Used by tests.
func WithDialer(d Dialer) ManagerOption {
	return func(m *Manager) { m.dial = d }
}

// WithCollector wires the metrics collector.
func WithCollector(c *metrics.Collector) ManagerOption {
	return func(m *Manager) { m.collector = c }
}

// NewManager builds a manager over the given worker registry.
func NewManager(specs []WorkerSpec, cfg ManagerConfig, logger *zap.Logger, opts ...ManagerOption) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	registry := make(map[string]WorkerSpec, len(specs))
	for _, s := range specs {
		if s.Name == "" {
			return nil, errors.New("ipc: worker spec with empty name")
		}
		if _, dup := registry[s.Name]; dup {
			return nil, fmt.Errorf("ipc: duplicate worker name %q", s.Name)
		}
		registry[s.Name] = s
	}

	locker, err := NewLocker(cfg.LockDir, logger)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		specs:    registry,
		locker:   locker,
		logger:   logger.With(zap.String("component", "ipc_manager")),
		conns:    make(map[string]workerConn),
		limiters: make(map[string]*rate.Limiter),
		dialMu:   make(map[string]*sync.Mutex),
	}
	m.dial = m.spawn
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// spawn is the default dialer: launch the subprocess and handshake.
func (m *Manager) spawn(ctx context.Context, spec WorkerSpec) (workerConn, error) {
	transport, err := StartCommand(spec.Command, spec.Env, m.logger.With(zap.String("worker", spec.Name)))
	if err != nil {
		return nil, &ConnectionError{Worker: spec.Name, Reason: "spawn failed", Err: err}
	}
	return NewConn(ctx, spec.Name, transport, m.cfg.Conn, m.logger)
}

// Workers returns the registered worker names.
func (m *Manager) Workers() []string {
	names := make([]string, 0, len(m.specs))
	for name := range m.specs {
		names = append(names, name)
	}
	return names
}

// Initialize starts every registered worker in parallel and performs the
// handshakes. Partial failure is reported per worker; the reachable ones
// stay usable.
func (m *Manager) Initialize(ctx context.Context) map[string]error {
	failures := make(map[string]error)
	var failMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for name := range m.specs {
		name := name
		g.Go(func() error {
			if _, err := m.ensureConn(gctx, name); err != nil {
				failMu.Lock()
				failures[name] = err
				failMu.Unlock()
				m.logger.Warn("worker failed to initialize", zap.String("worker", name), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return failures
}

// ensureConn returns the live connection for a worker, dialing lazily. A
// closed or unresponsive connection is replaced, throttled per worker so a
// crash-looping subprocess cannot burn the host. Dials are serialized per
// worker: concurrent first calls to the same name would otherwise each
// spawn a subprocess and the loser would leak.
func (m *Manager) ensureConn(ctx context.Context, name string) (workerConn, error) {
	spec, ok := m.specs[name]
	if !ok {
		return nil, fmt.Errorf("ipc: unknown worker %q", name)
	}

	m.mu.Lock()
	dialMu, ok := m.dialMu[name]
	if !ok {
		dialMu = &sync.Mutex{}
		m.dialMu[name] = dialMu
	}
	m.mu.Unlock()

	dialMu.Lock()
	defer dialMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, &ConnectionError{Worker: name, Reason: "manager closed"}
	}
	if conn, ok := m.conns[name]; ok {
		switch conn.Status() {
		case StatusClosed, StatusUnresponsive:
			delete(m.conns, name)
			go conn.Shutdown()
			limiter, ok := m.limiters[name]
			if !ok {
				limiter = rate.NewLimiter(rate.Every(m.cfg.RestartInterval), 1)
				m.limiters[name] = limiter
			}
			if !limiter.Allow() {
				m.mu.Unlock()
				return nil, &ConnectionError{Worker: name, Reason: "restart throttled"}
			}
			m.collector.RecordWorkerRestart(name, conn.Status().String())
		default:
			m.mu.Unlock()
			return conn, nil
		}
	}
	m.mu.Unlock()

	var lastErr error
	backoff := m.cfg.DialBackoff
	for attempt := 1; attempt <= m.cfg.MaxDialAttempts; attempt++ {
		conn, err := m.dial(ctx, spec)
		if err == nil {
			m.mu.Lock()
			if m.closed {
				m.mu.Unlock()
				conn.Shutdown()
				return nil, &ConnectionError{Worker: name, Reason: "manager closed"}
			}
			m.conns[name] = conn
			m.mu.Unlock()
			return conn, nil
		}
		lastErr = err
		m.logger.Warn("worker dial failed",
			zap.String("worker", name),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < m.cfg.MaxDialAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}
	}
	return nil, lastErr
}

// CallOption adjusts one call.
type CallOption func(*callOpts)

type callOpts struct {
	timeout  time.Duration
	progress ProgressFunc
}

// WithTimeout overrides the default per-call deadline.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOpts) { o.timeout = d }
}

// WithProgress wires a sink for the call's progress notifications.
func WithProgress(fn ProgressFunc) CallOption {
	return func(o *callOpts) { o.progress = fn }
}

// Call invokes one operation on one worker. Class-locked workers take the
// lock first. Connection-level failures are retried here and never leak
// raw; tool errors and timeouts surface to the caller as typed errors.
func (m *Manager) Call(ctx context.Context, worker, op string, args any, opts ...CallOption) (json.RawMessage, error) {
	o := callOpts{timeout: m.cfg.DefaultCallTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	spec, ok := m.specs[worker]
	if !ok {
		return nil, fmt.Errorf("ipc: unknown worker %q", worker)
	}

	if spec.LockResource != "" {
		lockStart := time.Now()
		handle, err := m.locker.Acquire(spec.LockResource, m.cfg.LockTimeout)
		if err != nil {
			return nil, err
		}
		m.collector.RecordLockWait(spec.LockResource, time.Since(lockStart))
		defer handle.Release()

		res, err := m.callLocked(ctx, worker, op, args, o, handle)
		return res, err
	}
	return m.callLocked(ctx, worker, op, args, o, nil)
}

func (m *Manager) callLocked(ctx context.Context, worker, op string, args any, o callOpts, handle *LockHandle) (json.RawMessage, error) {
	start := time.Now()

	conn, err := m.ensureConn(ctx, worker)
	if err != nil {
		m.collector.RecordWorkerCall(worker, op, "connection_error", time.Since(start))
		return nil, err
	}
	if handle != nil {
		if err := handle.SetToolPID(conn.Pid()); err != nil {
			m.logger.Warn("failed to record tool pid on lock", zap.Error(err))
		}
	}

	res, err := conn.Call(ctx, op, args, o.timeout, o.progress)
	switch {
	case err == nil:
		m.collector.RecordWorkerCall(worker, op, "ok", time.Since(start))
		return res, nil

	case isToolError(err):
		m.collector.RecordWorkerCall(worker, op, "tool_error", time.Since(start))
		return nil, err

	case isTimeout(err):
		m.collector.RecordWorkerCall(worker, op, "timeout", time.Since(start))
		// A timed-out call is failed locally; restarting the subprocess is
		// a separate decision gated on the liveness probe.
		pingCtx, cancel := context.WithTimeout(context.Background(), m.cfg.Conn.PingTimeout)
		defer cancel()
		if pingErr := conn.Ping(pingCtx); pingErr != nil {
			m.logger.Warn("worker failed liveness probe after timeout",
				zap.String("worker", worker),
				zap.Error(pingErr),
			)
			conn.MarkUnresponsive()
		} else {
			m.logger.Info("worker slow but alive, keeping connection",
				zap.String("worker", worker),
			)
		}
		return nil, err

	default:
		m.collector.RecordWorkerCall(worker, op, "connection_error", time.Since(start))
		return nil, err
	}
}

func isToolError(err error) bool {
	var te *ToolError
	return errors.As(err, &te)
}

func isTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Request is one unit of a CallMultiple batch.
type Request struct {
	Worker string
	Op     string
	Args   any
}

// Result pairs a batch request's outcome with its input position.
type Result struct {
	Value json.RawMessage
	Err   error
}

// CallMultiple issues all requests concurrently and returns one result per
// input, in input order. A failing call never cancels or delays the others.
func (m *Manager) CallMultiple(ctx context.Context, reqs []Request, opts ...CallOption) []Result {
	results := make([]Result, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			value, err := m.Call(ctx, req.Worker, req.Op, req.Args, opts...)
			results[i] = Result{Value: value, Err: err}
		}(i, req)
	}
	wg.Wait()
	return results
}

// Close shuts every live connection down: clean signal first, bounded
// grace, force kill stragglers. Held locks release via their handles'
// deferred Release in Call; Close only tears down connections.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := make([]workerConn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]workerConn)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c workerConn) {
			defer wg.Done()
			if err := c.Shutdown(); err != nil {
				m.logger.Warn("worker shutdown failed", zap.Error(err))
			}
		}(c)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.cfg.ShutdownGrace + m.cfg.Conn.ShutdownGrace):
		m.logger.Warn("timed out waiting for worker shutdowns")
	}
	return nil
}
