package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewater-io/helmsman/checkpoint"
	"github.com/tidewater-io/helmsman/event"
	"github.com/tidewater-io/helmsman/ipc"
	"github.com/tidewater-io/helmsman/state"
)

type recordedCall struct {
	Worker string
	Op     string
}

// fakeCaller satisfies Caller without subprocesses.
type fakeCaller struct {
	workers []string
	handler func(worker, op string, args any) (json.RawMessage, error)

	mu    sync.Mutex
	calls []recordedCall
}

func newFakeCaller(workers ...string) *fakeCaller {
	return &fakeCaller{
		workers: workers,
		handler: func(string, string, any) (json.RawMessage, error) {
			return json.RawMessage(`"ok"`), nil
		},
	}
}

func (f *fakeCaller) Call(_ context.Context, worker, op string, args any, _ ...ipc.CallOption) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{Worker: worker, Op: op})
	f.mu.Unlock()
	return f.handler(worker, op, args)
}

func (f *fakeCaller) CallMultiple(ctx context.Context, reqs []ipc.Request, opts ...ipc.CallOption) []ipc.Result {
	results := make([]ipc.Result, len(reqs))
	for i, req := range reqs {
		value, err := f.Call(ctx, req.Worker, req.Op, req.Args, opts...)
		results[i] = ipc.Result{Value: value, Err: err}
	}
	return results
}

func (f *fakeCaller) Workers() []string { return f.workers }

func (f *fakeCaller) recorded() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func testConfig() Config {
	return Config{MaxIterations: 20, MaxErrors: 5, ErrorsMode: ErrorsCumulative}
}

func newSupervisor(t *testing.T, caller Caller, proc Procedure, cfg Config, opts ...Option) (*Supervisor, checkpoint.Store) {
	t.Helper()
	store := checkpoint.NewMemoryStore()
	s, err := New(caller, proc, store, cfg, nil, opts...)
	require.NoError(t, err)
	return s, store
}

func TestSupervisorFinishImmediately(t *testing.T) {
	caller := newFakeCaller("echo")
	proc := ProcedureFunc(func(_ context.Context, turn *Turn) (Decision, error) {
		return Decision{Action: ActionFinish, Result: "nothing to do"}, nil
	})
	s, _ := newSupervisor(t, caller, proc, testConfig())

	out, err := s.Start(context.Background(), "trivial goal")
	require.NoError(t, err)
	assert.Equal(t, NodeTerminal, out.Node)
	assert.Equal(t, "nothing to do", out.Result)
	assert.Empty(t, caller.recorded())
}

func TestSupervisorDelegatesAndFinishes(t *testing.T) {
	caller := newFakeCaller("researcher", "coder")
	proc := ProcedureFunc(func(_ context.Context, turn *Turn) (Decision, error) {
		switch len(turn.Completed) {
		case 0:
			return Decision{Action: ActionInvoke, Invocations: []Invocation{
				{Worker: "researcher", Op: "gather"},
			}}, nil
		case 1:
			return Decision{Action: ActionInvoke, Invocations: []Invocation{
				{Worker: "coder", Op: "implement"},
			}}, nil
		default:
			return Decision{Action: ActionFinish, Result: "shipped"}, nil
		}
	})
	s, _ := newSupervisor(t, caller, proc, testConfig())

	out, err := s.Start(context.Background(), "build the thing")
	require.NoError(t, err)
	assert.Equal(t, NodeTerminal, out.Node)
	assert.Equal(t, "shipped", out.Result)
	assert.Equal(t, 2, out.Iterations)
	require.Equal(t, []recordedCall{
		{Worker: "researcher", Op: "gather"},
		{Worker: "coder", Op: "implement"},
	}, caller.recorded())
}

func TestSupervisorSelfRoutingFailsWithinOneTurn(t *testing.T) {
	caller := newFakeCaller("echo")
	turns := 0
	proc := ProcedureFunc(func(_ context.Context, turn *Turn) (Decision, error) {
		turns++
		return Decision{Action: ActionInvoke, Invocations: []Invocation{
			{Worker: SelfTarget, Op: "plan_more"},
		}}, nil
	})
	s, _ := newSupervisor(t, caller, proc, testConfig())

	out, err := s.Start(context.Background(), "loop forever")
	require.NoError(t, err)
	assert.Equal(t, NodeFailed, out.Node)
	assert.Equal(t, ReasonSelfRouting, out.Reason)
	assert.Equal(t, 1, turns, "the violation is caught on the very turn it is produced")
	assert.Empty(t, caller.recorded())
}

func TestSupervisorUnknownTargetFails(t *testing.T) {
	caller := newFakeCaller("echo")
	proc := ProcedureFunc(func(_ context.Context, turn *Turn) (Decision, error) {
		return Decision{Action: ActionInvoke, Invocations: []Invocation{
			{Worker: "ghost", Op: "haunt"},
		}}, nil
	})
	s, _ := newSupervisor(t, caller, proc, testConfig())

	out, err := s.Start(context.Background(), "goal")
	require.NoError(t, err)
	assert.Equal(t, NodeFailed, out.Node)
	assert.Contains(t, out.Reason, ReasonUnknownTarget)
	assert.Contains(t, out.Reason, "ghost")
}

func TestSupervisorIterationCeilingExact(t *testing.T) {
	const ceiling = 5
	caller := newFakeCaller("echo")
	proc := ProcedureFunc(func(_ context.Context, turn *Turn) (Decision, error) {
		// Always wants more work, never finishes.
		return Decision{Action: ActionInvoke, Invocations: []Invocation{
			{Worker: "echo", Op: "again"},
		}}, nil
	})
	cfg := testConfig()
	cfg.MaxIterations = ceiling
	s, _ := newSupervisor(t, caller, proc, cfg)

	out, err := s.Start(context.Background(), "insatiable goal")
	require.NoError(t, err)
	assert.Equal(t, NodeFailed, out.Node)
	assert.Equal(t, ReasonIterationBudget, out.Reason)
	assert.Equal(t, ceiling, out.Iterations, "fails at exactly the ceiling")
	assert.Len(t, caller.recorded(), ceiling,
		"every budgeted delegation ran; the one past the budget never started")
}

func TestSupervisorCumulativeErrorBudget(t *testing.T) {
	caller := newFakeCaller("flaky")
	caller.handler = func(worker, op string, _ any) (json.RawMessage, error) {
		return nil, &ipc.ToolError{Worker: worker, Op: op, Code: 500, Message: "broken"}
	}
	proc := ProcedureFunc(func(_ context.Context, turn *Turn) (Decision, error) {
		return Decision{Action: ActionInvoke, Invocations: []Invocation{
			{Worker: "flaky", Op: "work"},
		}}, nil
	})
	cfg := testConfig()
	cfg.MaxErrors = 3
	s, _ := newSupervisor(t, caller, proc, cfg)

	out, err := s.Start(context.Background(), "goal")
	require.NoError(t, err)
	assert.Equal(t, NodeFailed, out.Node)
	assert.Equal(t, ReasonErrorBudget, out.Reason)
	assert.Len(t, caller.recorded(), 3)
}

func TestSupervisorConsecutiveErrorsResetOnSuccess(t *testing.T) {
	caller := newFakeCaller("worker")
	caller.handler = func(worker, op string, _ any) (json.RawMessage, error) {
		if op == "bad" {
			return nil, &ipc.ToolError{Worker: worker, Op: op, Code: 500, Message: "broken"}
		}
		return json.RawMessage(`"fine"`), nil
	}
	ops := []string{"bad", "good", "bad", "bad"}
	proc := ProcedureFunc(func(_ context.Context, turn *Turn) (Decision, error) {
		if len(turn.Completed) >= len(ops) {
			return Decision{Action: ActionFinish, Result: "done"}, nil
		}
		return Decision{Action: ActionInvoke, Invocations: []Invocation{
			{Worker: "worker", Op: ops[len(turn.Completed)]},
		}}, nil
	})
	cfg := testConfig()
	cfg.MaxErrors = 2
	cfg.ErrorsMode = ErrorsConsecutive
	s, _ := newSupervisor(t, caller, proc, cfg)

	out, err := s.Start(context.Background(), "goal")
	require.NoError(t, err)
	// The first failure is wiped by the success; only the back-to-back
	// pair exhausts a budget of two.
	assert.Equal(t, NodeFailed, out.Node)
	assert.Equal(t, ReasonErrorBudget, out.Reason)
	assert.Len(t, caller.recorded(), 4)
}

func TestSupervisorApprovalPausesThenResumes(t *testing.T) {
	caller := newFakeCaller("deployer")
	proc := ProcedureFunc(func(_ context.Context, turn *Turn) (Decision, error) {
		if len(turn.Approvals) == 0 {
			return Decision{Action: ActionRequestApproval, Prompt: "deploy to production?"}, nil
		}
		require.True(t, turn.Approvals[0].Approved)
		if len(turn.Completed) == 0 {
			return Decision{Action: ActionInvoke, Invocations: []Invocation{
				{Worker: "deployer", Op: "deploy"},
			}}, nil
		}
		return Decision{Action: ActionFinish, Result: "deployed"}, nil
	})
	s, store := newSupervisor(t, caller, proc, testConfig())

	out, err := s.Start(context.Background(), "ship it")
	require.NoError(t, err)
	assert.Equal(t, NodeAwaitingApproval, out.Node)
	require.NotNil(t, out.PendingApproval)
	assert.Equal(t, "deploy to production?", out.PendingApproval.Prompt)
	assert.Empty(t, caller.recorded(), "nothing runs while approval is pending")

	// The pause survives as a checkpoint at the stored node.
	cp, err := store.Load(context.Background(), out.SessionID)
	require.NoError(t, err)
	assert.Equal(t, string(NodeAwaitingApproval), cp.Node)

	resumed, err := s.Resume(context.Background(), out.SessionID, &ResumeUpdate{
		ApprovalID: out.PendingApproval.ID,
		Approved:   true,
		Feedback:   "go ahead",
	})
	require.NoError(t, err)
	assert.Equal(t, NodeTerminal, resumed.Node)
	assert.Equal(t, "deployed", resumed.Result)
	require.Equal(t, []recordedCall{{Worker: "deployer", Op: "deploy"}}, caller.recorded())
}

func TestSupervisorResumeDoesNotRerunCompletedUnits(t *testing.T) {
	// A session paused mid-plan: three units in the work list, two already
	// completed. Resume must run exactly the remaining one.
	caller := newFakeCaller("worker")
	proc := ProcedureFunc(func(_ context.Context, turn *Turn) (Decision, error) {
		require.Len(t, turn.Completed, 3, "planning only resumes after the last unit completes")
		return Decision{Action: ActionFinish, Result: "all done"}, nil
	})
	s, store := newSupervisor(t, caller, proc, testConfig())

	st, err := state.New(Schema())
	require.NoError(t, err)
	apply := func(field string, value any) {
		require.NoError(t, st.Apply(state.Update{Field: field, Value: value, Seq: st.NextSeq()}))
	}
	apply(fieldGoal, "three step goal")
	apply(fieldIterations, 1)
	units := []WorkUnit{
		{ID: uuid.NewString(), Worker: "worker", Op: "step1"},
		{ID: uuid.NewString(), Worker: "worker", Op: "step2"},
		{ID: uuid.NewString(), Worker: "worker", Op: "step3"},
	}
	for _, u := range units {
		apply(fieldWork, u)
	}
	apply(fieldResults, UnitResult{UnitID: units[0].ID, Worker: "worker", Op: "step1", Output: json.RawMessage(`"done"`)})
	apply(fieldResults, UnitResult{UnitID: units[1].ID, Worker: "worker", Op: "step2", Output: json.RawMessage(`"done"`)})

	raw, err := st.Snapshot().Encode()
	require.NoError(t, err)
	sessionID := uuid.NewString()
	require.NoError(t, store.Save(context.Background(), &checkpoint.Checkpoint{
		SessionID: sessionID,
		State:     raw,
		Node:      string(NodeDelegated),
		SavedAt:   time.Now(),
	}))

	out, err := s.Resume(context.Background(), sessionID, nil)
	require.NoError(t, err)
	assert.Equal(t, NodeTerminal, out.Node)
	require.Equal(t, []recordedCall{{Worker: "worker", Op: "step3"}}, caller.recorded(),
		"exactly one newly-completed unit, no re-runs")
}

func TestSupervisorResumeUnknownSession(t *testing.T) {
	caller := newFakeCaller("worker")
	proc := ProcedureFunc(func(context.Context, *Turn) (Decision, error) {
		return Decision{Action: ActionFinish}, nil
	})
	s, _ := newSupervisor(t, caller, proc, testConfig())

	_, err := s.Resume(context.Background(), "no-such-session", nil)
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestSupervisorFollowUpsGrowThePlan(t *testing.T) {
	caller := newFakeCaller("scanner", "fixer")
	caller.handler = func(worker, op string, _ any) (json.RawMessage, error) {
		if worker == "scanner" {
			return json.RawMessage(`{"output": "found issue", "follow_ups": [{"worker": "fixer", "op": "patch"}]}`), nil
		}
		return json.RawMessage(`"patched"`), nil
	}
	proc := ProcedureFunc(func(_ context.Context, turn *Turn) (Decision, error) {
		if len(turn.Completed) == 0 {
			return Decision{Action: ActionInvoke, Invocations: []Invocation{
				{Worker: "scanner", Op: "scan"},
			}}, nil
		}
		return Decision{Action: ActionFinish, Result: "clean"}, nil
	})
	s, _ := newSupervisor(t, caller, proc, testConfig())

	out, err := s.Start(context.Background(), "scan and fix")
	require.NoError(t, err)
	assert.Equal(t, NodeTerminal, out.Node)
	require.Equal(t, []recordedCall{
		{Worker: "scanner", Op: "scan"},
		{Worker: "fixer", Op: "patch"},
	}, caller.recorded(), "the follow-up ran without a fresh planning decision")
	assert.Equal(t, 1, out.Iterations, "follow-up work spends no iteration budget")
}

func TestSupervisorParallelInvocations(t *testing.T) {
	caller := newFakeCaller("a", "b")
	proc := ProcedureFunc(func(_ context.Context, turn *Turn) (Decision, error) {
		if len(turn.Completed) < 2 {
			return Decision{Action: ActionInvoke, Invocations: []Invocation{
				{Worker: "a", Op: "left"},
				{Worker: "b", Op: "right"},
			}}, nil
		}
		return Decision{Action: ActionFinish, Result: "merged"}, nil
	})
	s, _ := newSupervisor(t, caller, proc, testConfig())

	out, err := s.Start(context.Background(), "fan out")
	require.NoError(t, err)
	assert.Equal(t, NodeTerminal, out.Node)
	assert.Len(t, caller.recorded(), 2)
	assert.Equal(t, 1, out.Iterations, "one planning turn covers the whole batch")
}

func TestSupervisorProcedureErrorFailsSession(t *testing.T) {
	caller := newFakeCaller("echo")
	proc := ProcedureFunc(func(context.Context, *Turn) (Decision, error) {
		return Decision{}, errors.New("model unavailable")
	})
	s, _ := newSupervisor(t, caller, proc, testConfig())

	out, err := s.Start(context.Background(), "goal")
	require.NoError(t, err)
	assert.Equal(t, NodeFailed, out.Node)
	assert.Contains(t, out.Reason, "model unavailable")
}

func TestSupervisorEmitsTransitionAndTerminalEvents(t *testing.T) {
	caller := newFakeCaller("echo")
	proc := ProcedureFunc(func(_ context.Context, turn *Turn) (Decision, error) {
		if len(turn.Completed) == 0 {
			return Decision{Action: ActionInvoke, Invocations: []Invocation{
				{Worker: "echo", Op: "say"},
			}}, nil
		}
		return Decision{Action: ActionFinish, Result: "echoed"}, nil
	})
	emitter := event.NewChanEmitter(64)
	s, _ := newSupervisor(t, caller, proc, testConfig(), WithEmitter(emitter))

	out, err := s.Start(context.Background(), "goal")
	require.NoError(t, err)
	require.Equal(t, NodeTerminal, out.Node)

	var nodes []string
	var sawTerminal bool
	for {
		select {
		case ev := <-emitter.Events():
			switch ev.Type {
			case event.TypeTransition:
				nodes = append(nodes, ev.Node)
			case event.TypeTerminal:
				sawTerminal = true
				assert.Equal(t, "echoed", ev.Result)
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, []string{"delegated", "planning", "terminal"}, nodes)
	assert.True(t, sawTerminal)
	assert.Zero(t, emitter.Dropped())
}

func TestSupervisorRejectsReservedWorkerName(t *testing.T) {
	caller := newFakeCaller("supervisor")
	proc := ProcedureFunc(func(context.Context, *Turn) (Decision, error) {
		return Decision{Action: ActionFinish}, nil
	})
	_, err := New(caller, proc, checkpoint.NewMemoryStore(), testConfig(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved")
}

func TestRouteAfterCompletionPriority(t *testing.T) {
	cases := []struct {
		name                            string
		approval, inFlight, workPending bool
		want                            Node
	}{
		{"approval beats everything", true, true, true, NodeAwaitingApproval},
		{"approval beats pending work", true, false, true, NodeAwaitingApproval},
		{"in-flight beats pending", false, true, true, NodeDelegated},
		{"pending work delegates", false, false, true, NodeDelegated},
		{"drained list returns to planning", false, false, false, NodePlanning},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, routeAfterCompletion(tc.approval, tc.inFlight, tc.workPending))
		})
	}
}

func TestSupervisorContextCancellation(t *testing.T) {
	caller := newFakeCaller("echo")
	proc := ProcedureFunc(func(_ context.Context, turn *Turn) (Decision, error) {
		return Decision{Action: ActionInvoke, Invocations: []Invocation{
			{Worker: "echo", Op: "again"},
		}}, nil
	})
	s, _ := newSupervisor(t, caller, proc, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Start(ctx, "goal")
	require.ErrorIs(t, err, context.Canceled)
}
