package supervisor

import (
	"context"
	"encoding/json"
)

// Action is what a decision procedure wants done this turn.
type Action string

const (
	// ActionInvoke delegates one or more units of work to workers.
	ActionInvoke Action = "invoke"
	// ActionRequestApproval pauses the session until a human answers.
	ActionRequestApproval Action = "request_approval"
	// ActionFinish ends the session successfully.
	ActionFinish Action = "finish"
	// ActionFail ends the session as failed.
	ActionFail Action = "fail"
)

// Invocation names one unit of work for a registered worker.
type Invocation struct {
	Worker       string          `json:"worker"`
	Op           string          `json:"op"`
	Args         json.RawMessage `json:"args,omitempty"`
	Instructions string          `json:"instructions,omitempty"`
}

// Decision is the decision procedure's per-turn output. Exactly the fields
// belonging to the chosen action are read; the rest are ignored.
type Decision struct {
	Action Action
	// Invocations, for ActionInvoke. More than one runs in parallel.
	Invocations []Invocation
	// Prompt, for ActionRequestApproval: what the human is asked.
	Prompt string
	// Result, for ActionFinish.
	Result any
	// Reason, for ActionFail.
	Reason string
}

// UnitResult is one completed unit of work as the procedure sees it.
type UnitResult struct {
	UnitID string          `json:"unit_id"`
	Worker string          `json:"worker"`
	Op     string          `json:"op"`
	Output json.RawMessage `json:"output,omitempty"`
	Err    string          `json:"error,omitempty"`
}

// Turn is the read-only view handed to the decision procedure each
// planning turn.
type Turn struct {
	SessionID         string
	Goal              string
	Iteration         int
	ConsecutiveErrors int
	TotalErrors       int
	Completed         []UnitResult
	Pending           []WorkUnit
	Approvals         []ApprovalDecision
	Feedback          string
}

// Procedure decides, each planning turn, what happens next. It never
// executes anything itself and it cannot name the supervisor as a target;
// the state machine enforces that regardless of what Decide returns.
type Procedure interface {
	Decide(ctx context.Context, turn *Turn) (Decision, error)
}

// ProcedureFunc adapts a function to the Procedure interface.
type ProcedureFunc func(ctx context.Context, turn *Turn) (Decision, error)

func (f ProcedureFunc) Decide(ctx context.Context, turn *Turn) (Decision, error) {
	return f(ctx, turn)
}
