package helmsman

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tidewater-io/helmsman/config"
	"github.com/tidewater-io/helmsman/event"
	"github.com/tidewater-io/helmsman/supervisor"
)

func testOrchestratorConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Workers = []config.WorkerConfig{
		{Name: "echo", Command: []string{"true"}},
	}
	cfg.Checkpoint.Backend = "memory"
	cfg.Lock.Dir = t.TempDir()
	return cfg
}

func TestOrchestratorWiresAndRuns(t *testing.T) {
	proc := supervisor.ProcedureFunc(func(_ context.Context, turn *supervisor.Turn) (supervisor.Decision, error) {
		return supervisor.Decision{Action: supervisor.ActionFinish, Result: "done"}, nil
	})
	emitter := event.NewChanEmitter(16)

	orc, err := New(testOrchestratorConfig(t), proc,
		WithLogger(zap.NewNop()),
		WithEmitter(emitter),
	)
	require.NoError(t, err)
	defer orc.Close()

	out, err := orc.Start(context.Background(), "trivial goal")
	require.NoError(t, err)
	assert.Equal(t, supervisor.NodeTerminal, out.Node)
	assert.Equal(t, "done", out.Result)

	sessions, err := orc.Sessions(context.Background())
	require.NoError(t, err)
	assert.Contains(t, sessions, out.SessionID)
}

func TestOrchestratorRejectsInvalidConfig(t *testing.T) {
	cfg := testOrchestratorConfig(t)
	cfg.Workers = nil
	proc := supervisor.ProcedureFunc(func(context.Context, *supervisor.Turn) (supervisor.Decision, error) {
		return supervisor.Decision{Action: supervisor.ActionFinish}, nil
	})

	_, err := New(cfg, proc)
	require.Error(t, err)
}

func TestOpenStoreBackends(t *testing.T) {
	mem, err := OpenStore(config.CheckpointConfig{Backend: "memory"})
	require.NoError(t, err)
	require.NoError(t, mem.Close())

	file, err := OpenStore(config.CheckpointConfig{Backend: "file", Dir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, file.Close())

	sqlite, err := OpenStore(config.CheckpointConfig{Backend: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, sqlite.Close())

	_, err = OpenStore(config.CheckpointConfig{Backend: "tape"})
	require.Error(t, err)
}
