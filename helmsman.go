// Package helmsman is the top-level entry point: it wires the worker
// manager, the supervisor state machine and the checkpoint store from one
// Config.
//
// Usage:
//
//	cfg := config.MustLoad("helmsman.yaml")
//	orc, err := helmsman.New(cfg, myProcedure)
//	defer orc.Close()
//
//	outcome, err := orc.Start(ctx, "migrate the billing service")
package helmsman

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tidewater-io/helmsman/checkpoint"
	"github.com/tidewater-io/helmsman/config"
	"github.com/tidewater-io/helmsman/event"
	"github.com/tidewater-io/helmsman/internal/metrics"
	"github.com/tidewater-io/helmsman/ipc"
	"github.com/tidewater-io/helmsman/supervisor"
)

// Orchestrator bundles the wired components of one running instance.
type Orchestrator struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      checkpoint.Store
	manager    *ipc.Manager
	supervisor *supervisor.Supervisor
	collector  *metrics.Collector
}

// Option customizes the orchestrator.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	emitter event.Emitter
	store   checkpoint.Store
}

// WithLogger supplies the zap logger. Defaults to the one the config's log
// section builds.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEmitter wires the outbound event sink.
func WithEmitter(e event.Emitter) Option {
	return func(o *options) { o.emitter = e }
}

// WithStore substitutes the checkpoint store, bypassing the config's
// backend selection.
func WithStore(s checkpoint.Store) Option {
	return func(o *options) { o.store = s }
}

// OpenStore opens the checkpoint backend the config names.
func OpenStore(cc config.CheckpointConfig) (checkpoint.Store, error) {
	switch cc.Backend {
	case "memory":
		return checkpoint.NewMemoryStore(), nil
	case "file":
		return checkpoint.NewFileStore(cc.Dir)
	case "redis":
		return checkpoint.NewRedisStore(checkpoint.RedisConfig{
			Addr:      cc.Redis.Addr,
			Password:  cc.Redis.Password,
			DB:        cc.Redis.DB,
			KeyPrefix: cc.Redis.KeyPrefix,
			TTL:       cc.Redis.TTL,
		})
	case "sqlite":
		return checkpoint.NewSQLiteStore(cc.Path)
	default:
		return nil, fmt.Errorf("helmsman: unknown checkpoint backend %q", cc.Backend)
	}
}

// New validates the config and wires an orchestrator around the given
// decision procedure.
func New(cfg *config.Config, procedure supervisor.Procedure, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = cfg.Log.BuildLogger()
		if err != nil {
			return nil, err
		}
	}

	store := o.store
	if store == nil {
		var err error
		store, err = OpenStore(cfg.Checkpoint)
		if err != nil {
			return nil, err
		}
	}

	collector := metrics.NewCollector("helmsman")

	specs := make([]ipc.WorkerSpec, len(cfg.Workers))
	for i, w := range cfg.Workers {
		specs[i] = ipc.WorkerSpec{
			Name:         w.Name,
			Command:      w.Command,
			Env:          w.Env,
			LockResource: w.LockResource,
		}
	}
	mgrCfg := ipc.ManagerConfig{
		DefaultCallTimeout: cfg.IPC.DefaultCallTimeout,
		LockDir:            cfg.Lock.Dir,
		LockTimeout:        cfg.Lock.Timeout,
		MaxDialAttempts:    cfg.IPC.MaxDialAttempts,
		DialBackoff:        cfg.IPC.DialBackoff,
		RestartInterval:    cfg.IPC.RestartInterval,
		ShutdownGrace:      cfg.IPC.ShutdownGrace,
		Conn: ipc.ConnConfig{
			PollInterval:     cfg.IPC.PollInterval,
			HandshakeTimeout: cfg.IPC.HandshakeTimeout,
			PingTimeout:      cfg.IPC.PingTimeout,
			ShutdownGrace:    cfg.IPC.ShutdownGrace,
		},
	}
	manager, err := ipc.NewManager(specs, mgrCfg, logger, ipc.WithCollector(collector))
	if err != nil {
		store.Close()
		return nil, err
	}

	supCfg := supervisor.Config{
		MaxIterations: cfg.Supervisor.MaxIterations,
		MaxErrors:     cfg.Supervisor.MaxErrors,
		ErrorsMode:    supervisor.ErrorsMode(cfg.Supervisor.ErrorsMode),
		CallTimeout:   cfg.Supervisor.CallTimeout,
	}
	supOpts := []supervisor.Option{supervisor.WithCollector(collector)}
	if o.emitter != nil {
		supOpts = append(supOpts, supervisor.WithEmitter(o.emitter))
	}
	sup, err := supervisor.New(manager, procedure, store, supCfg, logger, supOpts...)
	if err != nil {
		manager.Close()
		store.Close()
		return nil, err
	}

	return &Orchestrator{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		manager:    manager,
		supervisor: sup,
		collector:  collector,
	}, nil
}

// Start begins a fresh session for the goal.
func (o *Orchestrator) Start(ctx context.Context, goal string) (*supervisor.Outcome, error) {
	return o.supervisor.Start(ctx, goal)
}

// Resume continues a paused session from its checkpoint.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string, update *supervisor.ResumeUpdate) (*supervisor.Outcome, error) {
	return o.supervisor.Resume(ctx, sessionID, update)
}

// Sessions lists the session ids with a stored checkpoint.
func (o *Orchestrator) Sessions(ctx context.Context) ([]string, error) {
	return o.store.List(ctx)
}

// Manager exposes the IPC layer, for callers that talk to workers outside
// a session.
func (o *Orchestrator) Manager() *ipc.Manager { return o.manager }

// Collector exposes the metrics for an HTTP handler.
func (o *Orchestrator) Collector() *metrics.Collector { return o.collector }

// Close shuts the workers down and releases the store.
func (o *Orchestrator) Close() error {
	err := o.manager.Close()
	if cerr := o.store.Close(); err == nil {
		err = cerr
	}
	return err
}
