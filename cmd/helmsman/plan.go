package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tidewater-io/helmsman/supervisor"
)

// planStep is one entry of a YAML-scripted run: either a worker invocation
// or, when approval is set, a human approval gate.
type planStep struct {
	Worker       string         `yaml:"worker"`
	Op           string         `yaml:"op"`
	Args         map[string]any `yaml:"args"`
	Instructions string         `yaml:"instructions"`
	Approval     string         `yaml:"approval"`
}

type plan struct {
	Steps []planStep `yaml:"steps"`
}

func loadPlan(path string) (*plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var p plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if len(p.Steps) == 0 {
		return nil, fmt.Errorf("plan %s has no steps", path)
	}
	for i, s := range p.Steps {
		if s.Approval == "" && (s.Worker == "" || s.Op == "") {
			return nil, fmt.Errorf("plan step %d needs worker and op, or approval", i+1)
		}
	}
	return &p, nil
}

// planProcedure walks the scripted steps in order. Completed units and
// resolved approvals each consume one step, so a resumed session picks up
// where it paused.
type planProcedure struct {
	steps []planStep
}

func (p *planProcedure) Decide(_ context.Context, turn *supervisor.Turn) (supervisor.Decision, error) {
	for _, a := range turn.Approvals {
		if !a.Approved {
			reason := "approval denied"
			if a.Feedback != "" {
				reason += ": " + a.Feedback
			}
			return supervisor.Decision{Action: supervisor.ActionFail, Reason: reason}, nil
		}
	}
	for _, r := range turn.Completed {
		if r.Err != "" {
			return supervisor.Decision{
				Action: supervisor.ActionFail,
				Reason: fmt.Sprintf("step %s/%s failed: %s", r.Worker, r.Op, r.Err),
			}, nil
		}
	}

	idx := len(turn.Completed) + len(turn.Approvals)
	if idx >= len(p.steps) {
		return supervisor.Decision{
			Action: supervisor.ActionFinish,
			Result: fmt.Sprintf("completed %d steps", len(turn.Completed)),
		}, nil
	}

	step := p.steps[idx]
	if step.Approval != "" {
		return supervisor.Decision{
			Action: supervisor.ActionRequestApproval,
			Prompt: step.Approval,
		}, nil
	}

	var args json.RawMessage
	if step.Args != nil {
		data, err := json.Marshal(step.Args)
		if err != nil {
			return supervisor.Decision{}, fmt.Errorf("encode args for step %d: %w", idx+1, err)
		}
		args = data
	}
	return supervisor.Decision{
		Action: supervisor.ActionInvoke,
		Invocations: []supervisor.Invocation{{
			Worker:       step.Worker,
			Op:           step.Op,
			Args:         args,
			Instructions: step.Instructions,
		}},
	}, nil
}
