// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package governor

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/docket-project/docket/lib/ipc"
	"github.com/docket-project/docket/lib/ledger"
	"github.com/docket-project/docket/lib/policy"
	"github.com/docket-project/docket/lib/risk"
)

// Call is a bridge invocation governed like a command step. The
// ledger records it under the pseudo-command "ipc:<type>", which the
// allow and deny lists match like any other command line: a deny
// pattern "ipc:*" blocks every bridge call.
type Call struct {
	// Type is the channel message type behind the call.
	Type ipc.MessageType

	// Content is the user-authored text the call would transmit off
	// the machine. Non-empty content floors the risk at medium.
	Content string

	// Rationale explains the call in prompts. Sanitized before use.
	Rationale string

	// Invoke performs the call once admitted. The error it returns
	// should carry a taxonomy code when the channel produced one.
	Invoke func(ctx context.Context) error
}

// GovernCall runs one bridge call through the govern skeleton. The
// classify step is synthesized: calls never mutate the workspace, so
// their level is the content floor, not a command-rule match. The
// single ledger entry lands on completion; the response is the only
// observable outcome, so there is no write-ahead record.
func (g *Governor) GovernCall(ctx context.Context, call Call) (Outcome, error) {
	if call.Invoke == nil {
		return Outcome{}, errors.New("governor: call has no invoke function")
	}
	if call.Type == "" {
		return Outcome{}, errors.New("governor: call has no type")
	}

	stepID := uuid.NewString()
	call.Rationale, _ = g.sanitizer.Sanitize(call.Rationale)

	step := Step{
		Argv:      []string{"ipc:" + string(call.Type)},
		Rationale: call.Rationale,
	}

	level := risk.Low
	reasons := []string{"bridge call " + string(call.Type)}
	if call.Content != "" {
		level = level.AtLeast(risk.Medium)
		reasons = append(reasons, "transmits content off the machine")
	}
	assess := risk.Assessment{
		Level:       level,
		Reasons:     reasons,
		RuleVersion: g.classifier.RuleVersion(),
	}
	step.Risk = assess.Level
	step.Reasons = assess.Reasons
	step.Sandbox = g.engine.Policy().Sandbox

	decision := g.engine.Decide(policy.Step{Argv: step.Argv}, assess)

	switch decision.Action {
	case policy.Deny:
		return g.reject(ctx, stepID, ledger.ActorIPC, step, assess,
			ledger.DecisionDeniedByPolicy, decision.Reason, ipc.CodePolicyDenied), nil

	case policy.Allow:
		return g.invoke(ctx, stepID, step, assess, call,
			ledger.DecisionAllowed, decision.Reason), nil
	}

	if g.approver == nil {
		return g.reject(ctx, stepID, ledger.ActorIPC, step, assess,
			ledger.DecisionDeniedByPolicy,
			"approval required and no prompt is available", ipc.CodePolicyDenied), nil
	}

	approval, err := g.approver.Approve(ctx, Request{
		Step:       step,
		Assessment: assess,
		Decision:   decision,
	})
	if err != nil {
		code := ipc.CodePolicyDenied
		if ctx.Err() != nil {
			code = ipc.CodeCanceled
		}
		return g.reject(ctx, stepID, ledger.ActorIPC, step, assess,
			ledger.DecisionDeniedByUser, fmt.Sprintf("prompt aborted: %v", err), code), nil
	}

	switch approval.Choice {
	case ChoiceApprove:
		return g.invoke(ctx, stepID, step, assess, call,
			ledger.DecisionApproved, "operator approved"), nil

	case ChoiceEdit:
		return g.reject(ctx, stepID, ledger.ActorIPC, step, assess,
			ledger.DecisionDeniedByUser, "bridge calls cannot be edited", ipc.CodePolicyDenied), nil

	default:
		reason := "operator denied"
		if approval.Note != "" {
			reason = "operator denied: " + approval.Note
		}
		return g.reject(ctx, stepID, ledger.ActorIPC, step, assess,
			ledger.DecisionDeniedByUser, reason, ipc.CodePolicyDenied), nil
	}
}

// invoke performs an admitted call and records its completion entry.
func (g *Governor) invoke(ctx context.Context, stepID string, step Step, assess risk.Assessment, call Call, decision, reason string) Outcome {
	outcome := Outcome{StepID: stepID, Step: step, Decision: decision, Reason: reason}

	start := g.clock.Now()
	err := call.Invoke(ctx)
	duration := g.clock.Now().Sub(start)

	done := g.entry(stepID, ledger.ActorIPC, step, assess, decision)
	done.DurationMillis = duration.Milliseconds()

	if err != nil {
		code := ipc.CodeOf(err)
		if code == "" {
			code = ipc.CodeExecutionFailed
		}
		done.ErrorCode = string(code)
		done.Stderr = ledger.Summary{Text: err.Error()}
		g.ledger.Append(ctx, done)
		g.logger.Warn("bridge call failed",
			"request_id", stepID,
			"type", call.Type,
			"code", code,
			"error", err,
		)
		outcome.Code = code
		outcome.Err = err
		return outcome
	}

	exit := 0
	done.ExitCode = &exit
	g.ledger.Append(ctx, done)
	g.logger.Info("bridge call completed",
		"request_id", stepID,
		"type", call.Type,
		"duration", duration,
	)
	return outcome
}
