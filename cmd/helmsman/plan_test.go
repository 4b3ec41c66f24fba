package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewater-io/helmsman/supervisor"
)

const samplePlan = `
steps:
  - worker: researcher
    op: gather
    args:
      topic: pricing
  - approval: "apply the findings?"
  - worker: writer
    op: draft
`

func writePlan(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadPlan(t *testing.T) {
	p, err := loadPlan(writePlan(t, samplePlan))
	require.NoError(t, err)
	require.Len(t, p.Steps, 3)
	assert.Equal(t, "researcher", p.Steps[0].Worker)
	assert.Equal(t, "apply the findings?", p.Steps[1].Approval)
}

func TestLoadPlanRejectsIncompleteStep(t *testing.T) {
	_, err := loadPlan(writePlan(t, "steps:\n  - worker: lonely\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs worker and op")
}

func TestPlanProcedureWalksSteps(t *testing.T) {
	p, err := loadPlan(writePlan(t, samplePlan))
	require.NoError(t, err)
	proc := &planProcedure{steps: p.Steps}
	ctx := context.Background()

	// Fresh session: first step is the invocation.
	d, err := proc.Decide(ctx, &supervisor.Turn{})
	require.NoError(t, err)
	require.Equal(t, supervisor.ActionInvoke, d.Action)
	require.Len(t, d.Invocations, 1)
	assert.Equal(t, "researcher", d.Invocations[0].Worker)
	assert.JSONEq(t, `{"topic":"pricing"}`, string(d.Invocations[0].Args))

	// One unit done: the approval gate comes next.
	d, err = proc.Decide(ctx, &supervisor.Turn{
		Completed: []supervisor.UnitResult{{UnitID: "u1", Worker: "researcher", Op: "gather"}},
	})
	require.NoError(t, err)
	assert.Equal(t, supervisor.ActionRequestApproval, d.Action)
	assert.Equal(t, "apply the findings?", d.Prompt)

	// Approval granted: the final step runs.
	d, err = proc.Decide(ctx, &supervisor.Turn{
		Completed: []supervisor.UnitResult{{UnitID: "u1", Worker: "researcher", Op: "gather"}},
		Approvals: []supervisor.ApprovalDecision{{RequestID: "a1", Approved: true}},
	})
	require.NoError(t, err)
	require.Equal(t, supervisor.ActionInvoke, d.Action)
	assert.Equal(t, "writer", d.Invocations[0].Worker)

	// Everything consumed: finish.
	d, err = proc.Decide(ctx, &supervisor.Turn{
		Completed: []supervisor.UnitResult{
			{UnitID: "u1", Worker: "researcher", Op: "gather"},
			{UnitID: "u2", Worker: "writer", Op: "draft"},
		},
		Approvals: []supervisor.ApprovalDecision{{RequestID: "a1", Approved: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, supervisor.ActionFinish, d.Action)
}

func TestPlanProcedureDeniedApprovalFails(t *testing.T) {
	p, err := loadPlan(writePlan(t, samplePlan))
	require.NoError(t, err)
	proc := &planProcedure{steps: p.Steps}

	d, err := proc.Decide(context.Background(), &supervisor.Turn{
		Completed: []supervisor.UnitResult{{UnitID: "u1"}},
		Approvals: []supervisor.ApprovalDecision{{RequestID: "a1", Approved: false, Feedback: "not yet"}},
	})
	require.NoError(t, err)
	assert.Equal(t, supervisor.ActionFail, d.Action)
	assert.Contains(t, d.Reason, "not yet")
}

func TestPlanProcedureFailedStepFails(t *testing.T) {
	p, err := loadPlan(writePlan(t, samplePlan))
	require.NoError(t, err)
	proc := &planProcedure{steps: p.Steps}

	d, err := proc.Decide(context.Background(), &supervisor.Turn{
		Completed: []supervisor.UnitResult{{UnitID: "u1", Worker: "researcher", Op: "gather", Err: "no network"}},
	})
	require.NoError(t, err)
	assert.Equal(t, supervisor.ActionFail, d.Action)
	assert.Contains(t, d.Reason, "no network")
}
