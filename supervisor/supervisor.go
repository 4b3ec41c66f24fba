package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tidewater-io/helmsman/checkpoint"
	"github.com/tidewater-io/helmsman/event"
	"github.com/tidewater-io/helmsman/internal/metrics"
	"github.com/tidewater-io/helmsman/ipc"
	"github.com/tidewater-io/helmsman/protocol"
	"github.com/tidewater-io/helmsman/state"
)

// Node is one routing state of a session.
type Node string

const (
	NodePlanning         Node = "planning"
	NodeDelegated        Node = "delegated"
	NodeAwaitingApproval Node = "awaiting_approval"
	NodeTerminal         Node = "terminal"
	NodeFailed           Node = "failed"
)

// SelfTarget is the supervisor's own name. A decision naming it as a
// delegation target is a policy violation, rejected at this layer: a
// procedure that routes to itself would otherwise spin in planning with
// unchanged state until the iteration budget burns out.
const SelfTarget = "supervisor"

// Failure reasons carried by FAILED outcomes. These are user-visible and
// must stay distinguishable.
const (
	ReasonSelfRouting     = "policy violation: self-routing attempted"
	ReasonUnknownTarget   = "policy violation: unknown delegation target"
	ReasonIterationBudget = "iteration budget exhausted"
	ReasonErrorBudget     = "error budget exhausted"
)

// PolicyViolationError marks a decision the state machine refused to
// execute. It always forces FAILED, never a retry.
type PolicyViolationError struct {
	Reason string
}

func (e *PolicyViolationError) Error() string {
	return "supervisor: " + e.Reason
}

// WorkUnit is one delegated unit of work in the session's append-only
// work list. The set of worker names is fixed; the sequence of units is
// fully dynamic and grows at runtime.
type WorkUnit struct {
	ID           string          `json:"id"`
	Worker       string          `json:"worker"`
	Op           string          `json:"op"`
	Args         json.RawMessage `json:"args,omitempty"`
	Instructions string          `json:"instructions,omitempty"`
}

// ApprovalRequest is a pause point awaiting a human answer.
type ApprovalRequest struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
}

// ApprovalDecision resolves one approval request.
type ApprovalDecision struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
	Feedback  string `json:"feedback,omitempty"`
}

// workerPayload is the optional result envelope workers may use to grow
// the plan: follow-ups are appended to the work list as new pending units.
type workerPayload struct {
	Output    json.RawMessage `json:"output"`
	FollowUps []Invocation    `json:"follow_ups"`
}

// Session state fields. Every write goes through the reducer matching the
// field's concurrency semantics.
const (
	fieldGoal              = "goal"
	fieldFeedback          = "feedback"
	fieldWork              = "work"
	fieldResults           = "results"
	fieldApprovalRequests  = "approval_requests"
	fieldApprovalDecisions = "approval_decisions"
	fieldIterations        = "iterations"
	fieldTotalErrors       = "total_errors"
	fieldConsecutive       = "consecutive_errors"
	fieldDone              = "done"
	fieldFailed            = "failed"
	fieldFailureReason     = "failure_reason"
	fieldFinalResult       = "final_result"
)

// Schema declares the session state fields and their merge policies.
func Schema() state.Schema {
	return state.Schema{
		fieldGoal:              state.LastValue,
		fieldFeedback:          state.LastValue,
		fieldWork:              state.Append,
		fieldResults:           state.Append,
		fieldApprovalRequests:  state.Append,
		fieldApprovalDecisions: state.Append,
		fieldIterations:        state.Max,
		fieldTotalErrors:       state.Max,
		fieldConsecutive:       state.LastValue,
		fieldDone:              state.BoolOr,
		fieldFailed:            state.BoolOr,
		fieldFailureReason:     state.LastValue,
		fieldFinalResult:       state.LastValue,
	}
}

// ErrorsMode selects how the error ceiling counts worker failures.
type ErrorsMode string

const (
	// ErrorsCumulative counts every failure in the session.
	ErrorsCumulative ErrorsMode = "cumulative"
	// ErrorsConsecutive counts failures since the last success.
	ErrorsConsecutive ErrorsMode = "consecutive"
)

// Config bounds a session.
type Config struct {
	// MaxIterations caps planning-to-delegated transitions per session.
	MaxIterations int
	// MaxErrors caps worker failures, counted per ErrorsMode.
	MaxErrors int
	// ErrorsMode is cumulative or consecutive. Default cumulative.
	ErrorsMode ErrorsMode
	// CallTimeout overrides the manager's default per-call deadline when
	// positive.
	CallTimeout time.Duration
}

// DefaultConfig returns the production session bounds.
func DefaultConfig() Config {
	return Config{
		MaxIterations: 20,
		MaxErrors:     5,
		ErrorsMode:    ErrorsCumulative,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = d.MaxErrors
	}
	if c.ErrorsMode == "" {
		c.ErrorsMode = d.ErrorsMode
	}
	return c
}

// Caller is what the supervisor needs from the IPC layer. *ipc.Manager
// satisfies it.
type Caller interface {
	Call(ctx context.Context, worker, op string, args any, opts ...ipc.CallOption) (json.RawMessage, error)
	CallMultiple(ctx context.Context, reqs []ipc.Request, opts ...ipc.CallOption) []ipc.Result
	Workers() []string
}

// Outcome is how a session run ended. NodeAwaitingApproval means the
// session paused and can be resumed; NodeTerminal and NodeFailed are final.
type Outcome struct {
	SessionID  string
	Node       Node
	Result     any
	Reason     string
	Iterations int
	// PendingApproval is set when the session paused at an approval gate.
	PendingApproval *ApprovalRequest
}

// Supervisor drives sessions through the routing state machine. It owns
// the invariants the decision procedure must not be trusted with: the
// self-routing prohibition, the iteration and error ceilings, and the
// fixed routing priority.
type Supervisor struct {
	cfg       Config
	caller    Caller
	procedure Procedure
	store     checkpoint.Store

	logger    *zap.Logger
	emitter   event.Emitter
	collector *metrics.Collector
	targets   map[string]struct{}
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithEmitter wires the outbound event sink.
func WithEmitter(e event.Emitter) Option {
	return func(s *Supervisor) {
		if e != nil {
			s.emitter = e
		}
	}
}

// WithCollector wires the metrics collector.
func WithCollector(c *metrics.Collector) Option {
	return func(s *Supervisor) { s.collector = c }
}

// New builds a Supervisor over the given caller, decision procedure and
// checkpoint store.
func New(caller Caller, procedure Procedure, store checkpoint.Store, cfg Config, logger *zap.Logger, opts ...Option) (*Supervisor, error) {
	if caller == nil {
		return nil, fmt.Errorf("supervisor: nil caller")
	}
	if procedure == nil {
		return nil, fmt.Errorf("supervisor: nil decision procedure")
	}
	if store == nil {
		return nil, fmt.Errorf("supervisor: nil checkpoint store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := Schema().Validate(); err != nil {
		return nil, err
	}

	targets := make(map[string]struct{})
	for _, name := range caller.Workers() {
		if name == SelfTarget {
			return nil, fmt.Errorf("supervisor: worker name %q is reserved", SelfTarget)
		}
		targets[name] = struct{}{}
	}

	return &Supervisor{
		cfg:       cfg.withDefaults(),
		caller:    caller,
		procedure: procedure,
		store:     store,
		logger:    logger.With(zap.String("component", "supervisor")),
		emitter:   event.NopEmitter{},
		targets:   targets,
	}, nil
}

type session struct {
	id   string
	st   *state.State
	node Node
}

// Start begins a brand-new session at planning. It never resumes: a
// paused session continued through Start would re-plan from scratch and
// lose its position in the work list, which is exactly what Resume exists
// to prevent.
func (s *Supervisor) Start(ctx context.Context, goal string) (*Outcome, error) {
	st, err := state.New(Schema())
	if err != nil {
		return nil, err
	}
	if err := st.Apply(state.Update{Field: fieldGoal, Value: goal, Seq: st.NextSeq()}); err != nil {
		return nil, err
	}

	sess := &session{id: uuid.NewString(), st: st, node: NodePlanning}
	s.logger.Info("session started",
		zap.String("session_id", sess.id),
		zap.String("goal", goal),
	)
	return s.run(ctx, sess)
}

// Resume loads the session's checkpoint, merges the incoming update
// through the normal reducer path and continues from the stored node. It
// never re-enters planning from scratch and never re-runs completed units.
func (s *Supervisor) Resume(ctx context.Context, sessionID string, update *ResumeUpdate) (*Outcome, error) {
	cp, err := s.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	snap, err := state.DecodeSnapshot(cp.State)
	if err != nil {
		return nil, fmt.Errorf("supervisor: corrupt checkpoint for %s: %w", sessionID, err)
	}
	st, err := state.Restore(Schema(), snap)
	if err != nil {
		return nil, err
	}

	if update != nil {
		if update.ApprovalID != "" {
			dec := ApprovalDecision{
				RequestID: update.ApprovalID,
				Approved:  update.Approved,
				Feedback:  update.Feedback,
			}
			if err := st.Apply(state.Update{Field: fieldApprovalDecisions, Value: dec, Seq: st.NextSeq()}); err != nil {
				return nil, err
			}
		}
		if update.Feedback != "" {
			if err := st.Apply(state.Update{Field: fieldFeedback, Value: update.Feedback, Seq: st.NextSeq()}); err != nil {
				return nil, err
			}
		}
	}

	sess := &session{id: sessionID, st: st, node: Node(cp.Node)}
	s.logger.Info("session resumed",
		zap.String("session_id", sessionID),
		zap.String("node", cp.Node),
	)
	return s.run(ctx, sess)
}

// ResumeUpdate is the external input merged into a paused session, most
// commonly an approval verdict plus feedback text.
type ResumeUpdate struct {
	ApprovalID string
	Approved   bool
	Feedback   string
}

// run drives the state machine until the session finishes, fails or
// pauses for approval.
func (s *Supervisor) run(ctx context.Context, sess *session) (*Outcome, error) {
	for {
		if err := ctx.Err(); err != nil {
			s.saveCheckpoint(ctx, sess)
			return nil, err
		}

		switch sess.node {
		case NodePlanning:
			if err := s.planTurn(ctx, sess); err != nil {
				return nil, err
			}
		case NodeDelegated:
			if err := s.executeTurn(ctx, sess); err != nil {
				return nil, err
			}
		case NodeAwaitingApproval:
			if !s.approvalPending(sess) {
				s.transition(ctx, sess, NodePlanning)
				continue
			}
			s.saveCheckpoint(ctx, sess)
			s.logger.Info("session paused for approval", zap.String("session_id", sess.id))
			return &Outcome{
				SessionID:       sess.id,
				Node:            NodeAwaitingApproval,
				Iterations:      s.iterations(sess),
				PendingApproval: s.firstPendingApproval(sess),
			}, nil
		case NodeTerminal, NodeFailed:
			return s.finalize(ctx, sess)
		default:
			return nil, fmt.Errorf("supervisor: checkpoint names unknown node %q", sess.node)
		}
	}
}

// planTurn consults the decision procedure and enforces the invariants it
// is not trusted with.
func (s *Supervisor) planTurn(ctx context.Context, sess *session) error {
	turn, err := s.buildTurn(sess)
	if err != nil {
		return err
	}
	decision, err := s.procedure.Decide(ctx, turn)
	if err != nil {
		s.logger.Error("decision procedure failed", zap.String("session_id", sess.id), zap.Error(err))
		return s.fail(ctx, sess, "decision procedure failed: "+err.Error())
	}

	switch decision.Action {
	case ActionFinish:
		if err := s.applyAll(sess,
			state.Update{Field: fieldDone, Value: true},
			state.Update{Field: fieldFinalResult, Value: decision.Result},
		); err != nil {
			return err
		}
		s.transition(ctx, sess, NodeTerminal)
		return nil

	case ActionFail:
		return s.fail(ctx, sess, decision.Reason)

	case ActionRequestApproval:
		req := ApprovalRequest{ID: uuid.NewString(), Prompt: decision.Prompt}
		if err := s.applyAll(sess, state.Update{Field: fieldApprovalRequests, Value: req}); err != nil {
			return err
		}
		s.transition(ctx, sess, NodeAwaitingApproval)
		return nil

	case ActionInvoke:
		for _, inv := range decision.Invocations {
			if inv.Worker == SelfTarget {
				violation := &PolicyViolationError{Reason: ReasonSelfRouting}
				s.logger.Warn("decision procedure attempted self-routing",
					zap.String("session_id", sess.id),
					zap.Error(violation),
				)
				return s.fail(ctx, sess, violation.Reason)
			}
			if _, ok := s.targets[inv.Worker]; !ok {
				violation := &PolicyViolationError{Reason: fmt.Sprintf("%s %q", ReasonUnknownTarget, inv.Worker)}
				s.logger.Warn("decision procedure named an unregistered worker",
					zap.String("session_id", sess.id),
					zap.Error(violation),
				)
				return s.fail(ctx, sess, violation.Reason)
			}
		}
		if len(decision.Invocations) == 0 {
			return s.fail(ctx, sess, "decision procedure returned invoke with no invocations")
		}

		// The ceiling caps planning-to-delegated transitions. Once the
		// budget is spent, the next delegation attempt fails the session.
		if turn.Iteration >= s.cfg.MaxIterations {
			return s.fail(ctx, sess, ReasonIterationBudget)
		}
		updates := []state.Update{{Field: fieldIterations, Value: turn.Iteration + 1}}
		for _, inv := range decision.Invocations {
			unit := WorkUnit{
				ID:           uuid.NewString(),
				Worker:       inv.Worker,
				Op:           inv.Op,
				Args:         inv.Args,
				Instructions: inv.Instructions,
			}
			updates = append(updates, state.Update{Field: fieldWork, Value: unit})
		}
		if err := s.applyAll(sess, updates...); err != nil {
			return err
		}
		s.transition(ctx, sess, NodeDelegated)
		return nil

	default:
		return s.fail(ctx, sess, fmt.Sprintf("decision procedure returned unknown action %q", decision.Action))
	}
}

// executeTurn runs the pending units of work, one directly or several in
// parallel, then routes by the fixed priority.
func (s *Supervisor) executeTurn(ctx context.Context, sess *session) error {
	pending, err := s.pendingUnits(sess)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		s.transition(ctx, sess, NodePlanning)
		return nil
	}

	if len(pending) == 1 {
		unit := pending[0]
		raw, callErr := s.caller.Call(ctx, unit.Worker, unit.Op, unit.Args, s.callOptions(sess)...)
		if err := s.recordResult(sess, unit, raw, callErr); err != nil {
			return err
		}
	} else {
		reqs := make([]ipc.Request, len(pending))
		for i, unit := range pending {
			reqs[i] = ipc.Request{Worker: unit.Worker, Op: unit.Op, Args: unit.Args}
		}
		results := s.caller.CallMultiple(ctx, reqs, s.callOptions(sess)...)
		for i, res := range results {
			if err := s.recordResult(sess, pending[i], res.Value, res.Err); err != nil {
				return err
			}
		}
	}

	if failed, err := sess.st.GetBool(fieldFailed); err != nil {
		return err
	} else if failed {
		s.transition(ctx, sess, NodeFailed)
		return nil
	}

	stillPending, err := s.pendingUnits(sess)
	if err != nil {
		return err
	}
	next := routeAfterCompletion(s.approvalPending(sess), false, len(stillPending) > 0)
	s.transition(ctx, sess, next)
	return nil
}

// routeAfterCompletion applies the fixed routing priority after a unit of
// work finishes: approval, then in-flight work, then pending work, then
// back to planning for the terminal decision. The order is load-bearing;
// putting pending work ahead of approval would silently skip required
// human checkpoints.
func routeAfterCompletion(approvalPending, inFlight, workPending bool) Node {
	switch {
	case approvalPending:
		return NodeAwaitingApproval
	case inFlight:
		return NodeDelegated
	case workPending:
		return NodeDelegated
	default:
		return NodePlanning
	}
}

// recordResult merges one unit's outcome into the session state: the
// result entry, the error counters, and any follow-up units the worker
// requested.
func (s *Supervisor) recordResult(sess *session, unit WorkUnit, raw json.RawMessage, callErr error) error {
	if callErr != nil {
		s.logger.Warn("unit of work failed",
			zap.String("session_id", sess.id),
			zap.String("worker", unit.Worker),
			zap.String("op", unit.Op),
			zap.Error(callErr),
		)
		result := UnitResult{UnitID: unit.ID, Worker: unit.Worker, Op: unit.Op, Err: callErr.Error()}

		total, err := s.counter(sess, fieldTotalErrors)
		if err != nil {
			return err
		}
		consecutive, err := s.counter(sess, fieldConsecutive)
		if err != nil {
			return err
		}
		total++
		consecutive++
		if err := s.applyAll(sess,
			state.Update{Field: fieldResults, Value: result},
			state.Update{Field: fieldTotalErrors, Value: total},
			state.Update{Field: fieldConsecutive, Value: consecutive},
		); err != nil {
			return err
		}

		counted := total
		if s.cfg.ErrorsMode == ErrorsConsecutive {
			counted = consecutive
		}
		if counted >= s.cfg.MaxErrors {
			return s.markFailed(sess, ReasonErrorBudget)
		}
		return nil
	}

	output := raw
	var payload workerPayload
	var followUps []Invocation
	if len(raw) > 0 && json.Unmarshal(raw, &payload) == nil && (payload.Output != nil || len(payload.FollowUps) > 0) {
		if payload.Output != nil {
			output = payload.Output
		}
		followUps = payload.FollowUps
	}

	updates := []state.Update{
		{Field: fieldResults, Value: UnitResult{UnitID: unit.ID, Worker: unit.Worker, Op: unit.Op, Output: output}},
		{Field: fieldConsecutive, Value: 0},
	}
	for _, f := range followUps {
		if _, ok := s.targets[f.Worker]; !ok {
			s.logger.Warn("ignoring follow-up for unknown worker",
				zap.String("session_id", sess.id),
				zap.String("worker", f.Worker),
			)
			continue
		}
		updates = append(updates, state.Update{Field: fieldWork, Value: WorkUnit{
			ID:           uuid.NewString(),
			Worker:       f.Worker,
			Op:           f.Op,
			Args:         f.Args,
			Instructions: f.Instructions,
		}})
	}
	return s.applyAll(sess, updates...)
}

// fail marks the session failed and transitions immediately.
func (s *Supervisor) fail(ctx context.Context, sess *session, reason string) error {
	if err := s.markFailed(sess, reason); err != nil {
		return err
	}
	s.transition(ctx, sess, NodeFailed)
	return nil
}

func (s *Supervisor) markFailed(sess *session, reason string) error {
	return s.applyAll(sess,
		state.Update{Field: fieldFailed, Value: true},
		state.Update{Field: fieldFailureReason, Value: reason},
	)
}

func (s *Supervisor) finalize(ctx context.Context, sess *session) (*Outcome, error) {
	iter := s.iterations(sess)
	out := &Outcome{SessionID: sess.id, Node: sess.node, Iterations: iter}

	if sess.node == NodeFailed {
		reason, _ := sess.st.Get(fieldFailureReason)
		out.Reason, _ = reason.(string)
		s.emitter.Emit(event.TerminalError(sess.id, out.Reason))
		s.collector.RecordSession("failed", iter)
		s.logger.Warn("session failed",
			zap.String("session_id", sess.id),
			zap.String("reason", out.Reason),
			zap.Int("iterations", iter),
		)
	} else {
		result, _ := sess.st.Get(fieldFinalResult)
		out.Result = result
		s.emitter.Emit(event.TerminalResult(sess.id, result))
		s.collector.RecordSession("success", iter)
		s.logger.Info("session finished",
			zap.String("session_id", sess.id),
			zap.Int("iterations", iter),
		)
	}

	s.saveCheckpoint(ctx, sess)
	return out, nil
}

// transition moves the session to the next node, emits the event, records
// the metric and checkpoints. Checkpoint write failures are logged, not
// fatal: losing resumability is better than killing a live session.
func (s *Supervisor) transition(ctx context.Context, sess *session, to Node) {
	from := sess.node
	if from == to {
		return
	}
	sess.node = to
	s.collector.RecordTransition(string(from), string(to))
	s.emitter.Emit(event.Transition(sess.id, string(to), "entered"))
	s.logger.Debug("node transition",
		zap.String("session_id", sess.id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	s.saveCheckpoint(ctx, sess)
}

func (s *Supervisor) saveCheckpoint(ctx context.Context, sess *session) {
	raw, err := sess.st.Snapshot().Encode()
	if err != nil {
		s.logger.Error("failed to encode state snapshot", zap.Error(err))
		return
	}
	cp := &checkpoint.Checkpoint{
		SessionID: sess.id,
		State:     raw,
		Node:      string(sess.node),
		SavedAt:   time.Now().UTC(),
	}
	if err := s.store.Save(ctx, cp); err != nil {
		s.logger.Error("failed to save checkpoint",
			zap.String("session_id", sess.id),
			zap.Error(err),
		)
	}
}

func (s *Supervisor) callOptions(sess *session) []ipc.CallOption {
	opts := []ipc.CallOption{
		ipc.WithProgress(func(p protocol.ProgressParams) {
			s.emitter.Emit(event.Progress(sess.id, p.Source, p.Message, p.Fraction))
		}),
	}
	if s.cfg.CallTimeout > 0 {
		opts = append(opts, ipc.WithTimeout(s.cfg.CallTimeout))
	}
	return opts
}

// buildTurn assembles the read-only view for the decision procedure.
func (s *Supervisor) buildTurn(sess *session) (*Turn, error) {
	goal, err := sess.st.Get(fieldGoal)
	if err != nil {
		return nil, err
	}
	goalStr, _ := goal.(string)

	feedback, err := sess.st.Get(fieldFeedback)
	if err != nil {
		return nil, err
	}
	feedbackStr, _ := feedback.(string)

	completed, err := decodeList[UnitResult](sess.st, fieldResults)
	if err != nil {
		return nil, err
	}
	pending, err := s.pendingUnits(sess)
	if err != nil {
		return nil, err
	}
	decisions, err := decodeList[ApprovalDecision](sess.st, fieldApprovalDecisions)
	if err != nil {
		return nil, err
	}

	total, err := s.counter(sess, fieldTotalErrors)
	if err != nil {
		return nil, err
	}
	consecutive, err := s.counter(sess, fieldConsecutive)
	if err != nil {
		return nil, err
	}

	return &Turn{
		SessionID:         sess.id,
		Goal:              goalStr,
		Iteration:         s.iterations(sess),
		ConsecutiveErrors: consecutive,
		TotalErrors:       total,
		Completed:         completed,
		Pending:           pending,
		Approvals:         decisions,
		Feedback:          feedbackStr,
	}, nil
}

// pendingUnits returns work-list entries with no recorded result, in
// append order.
func (s *Supervisor) pendingUnits(sess *session) ([]WorkUnit, error) {
	units, err := decodeList[WorkUnit](sess.st, fieldWork)
	if err != nil {
		return nil, err
	}
	results, err := decodeList[UnitResult](sess.st, fieldResults)
	if err != nil {
		return nil, err
	}
	done := make(map[string]struct{}, len(results))
	for _, r := range results {
		done[r.UnitID] = struct{}{}
	}
	var pending []WorkUnit
	for _, u := range units {
		if _, ok := done[u.ID]; !ok {
			pending = append(pending, u)
		}
	}
	return pending, nil
}

// firstPendingApproval returns the oldest unresolved approval request.
func (s *Supervisor) firstPendingApproval(sess *session) *ApprovalRequest {
	requests, err := decodeList[ApprovalRequest](sess.st, fieldApprovalRequests)
	if err != nil {
		return nil
	}
	decisions, err := decodeList[ApprovalDecision](sess.st, fieldApprovalDecisions)
	if err != nil {
		return nil
	}
	resolved := make(map[string]struct{}, len(decisions))
	for _, d := range decisions {
		resolved[d.RequestID] = struct{}{}
	}
	for _, r := range requests {
		if _, ok := resolved[r.ID]; !ok {
			return &r
		}
	}
	return nil
}

// approvalPending reports whether any approval request lacks a decision.
func (s *Supervisor) approvalPending(sess *session) bool {
	requests, err := decodeList[ApprovalRequest](sess.st, fieldApprovalRequests)
	if err != nil {
		return false
	}
	decisions, err := decodeList[ApprovalDecision](sess.st, fieldApprovalDecisions)
	if err != nil {
		return false
	}
	resolved := make(map[string]struct{}, len(decisions))
	for _, d := range decisions {
		resolved[d.RequestID] = struct{}{}
	}
	for _, r := range requests {
		if _, ok := resolved[r.ID]; !ok {
			return true
		}
	}
	return false
}

func (s *Supervisor) iterations(sess *session) int {
	v, err := sess.st.GetFloat(fieldIterations)
	if err != nil {
		return 0
	}
	return int(v)
}

func (s *Supervisor) counter(sess *session, field string) (int, error) {
	v, err := sess.st.Get(field)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		return n, nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("supervisor: field %s holds %T, not a number", field, v)
	}
}

// applyAll stamps fresh sequence numbers onto the updates and merges them.
func (s *Supervisor) applyAll(sess *session, updates ...state.Update) error {
	for i := range updates {
		updates[i].Seq = sess.st.NextSeq()
	}
	return sess.st.ApplyAll(updates)
}

// decodeList reads an append-reducer field into typed entries. Values go
// through a JSON round trip because restored snapshots hold generic maps.
func decodeList[T any](st *state.State, field string) ([]T, error) {
	items, err := st.GetList(field)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(items))
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
