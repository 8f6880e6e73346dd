// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

// Package governor ties classification, policy, approval, execution,
// and the audit ledger into one call path. Every governed action runs
// the same skeleton: sanitize the rationale, classify, decide, then
// execute, prompt, or reject, and record the outcome. Local commands
// and bridge calls share the skeleton; only the execution leg differs.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docket-project/docket/lib/clock"
	"github.com/docket-project/docket/lib/ipc"
	"github.com/docket-project/docket/lib/ledger"
	"github.com/docket-project/docket/lib/policy"
	"github.com/docket-project/docket/lib/risk"
	"github.com/docket-project/docket/lib/runner"
	"github.com/docket-project/docket/lib/sanitize"
)

// Step is one planned command. The governor stamps Risk, Reasons, and
// Sandbox during classification; after that the step is immutable. An
// operator edit produces a new step that is classified from scratch.
type Step struct {
	// Argv is the command and its arguments. Never passed through a
	// shell.
	Argv []string

	// WorkingDir is the absolute directory the step runs in.
	WorkingDir string

	// Rationale is the planner's explanation for the step. It is
	// sanitized before it reaches a prompt or a log line.
	Rationale string

	// Timeout bounds the execution. Zero uses the runner's default.
	Timeout time.Duration

	// Risk, Reasons, and Sandbox are stamped by classification.
	Risk    risk.Level
	Reasons []string
	Sandbox policy.SandboxMode
}

// PlanState is the overall approval state of a plan.
type PlanState int

const (
	// PlanProposed is the initial state. Govern only accepts proposed
	// plans; decisions are recomputed per run, never carried over.
	PlanProposed PlanState = iota

	// PlanApproved means the first step was admitted.
	PlanApproved

	// PlanDenied means policy or the operator rejected a step. No
	// later step runs.
	PlanDenied

	// PlanExecuting means a step is running.
	PlanExecuting

	// PlanDone means every step ran and exited zero.
	PlanDone

	// PlanFailed means a step ran and failed, timed out, or was
	// canceled. No later step runs.
	PlanFailed
)

// String returns the stable display form.
func (s PlanState) String() string {
	switch s {
	case PlanProposed:
		return "proposed"
	case PlanApproved:
		return "approved"
	case PlanDenied:
		return "denied"
	case PlanExecuting:
		return "executing"
	case PlanDone:
		return "done"
	case PlanFailed:
		return "failed"
	}
	return "unknown"
}

// Plan is an ordered sequence of steps governed as a unit. Steps run
// one at a time; the first denial or failure stops the plan.
type Plan struct {
	// Label names the plan in logs. Optional.
	Label string

	Steps []Step
	State PlanState
}

// Choice is the operator's answer to an approval prompt.
type Choice int

const (
	// ChoiceDeny rejects the step. The zero value, so a failed or
	// aborted prompt reads as a denial.
	ChoiceDeny Choice = iota

	// ChoiceApprove admits the step as proposed.
	ChoiceApprove

	// ChoiceEdit replaces the step's argv and reruns classification
	// and the policy decision on the result.
	ChoiceEdit
)

// Approval is the outcome of one prompt.
type Approval struct {
	Choice Choice

	// Argv replaces the step's argv when Choice is ChoiceEdit.
	Argv []string

	// Note is an optional operator comment recorded with a denial.
	Note string
}

// Request carries everything a prompt needs to render: the step, its
// assessment, and the decision that triggered the prompt.
type Request struct {
	Step       Step
	Assessment risk.Assessment
	Decision   policy.Decision
}

// Approver answers ask-tier decisions. The CLI prompts a human; tests
// script the answers. Approve should honor ctx cancellation.
type Approver interface {
	Approve(ctx context.Context, req Request) (Approval, error)
}

// Outcome records what became of one governed step or call.
type Outcome struct {
	// StepID correlates the ledger entries and surfaced errors for
	// this step. Fresh per step, minted before the first record.
	StepID string

	// Step is the step as last classified (after any operator edits).
	Step Step

	// Decision is the recorded ledger decision: allowed, approved,
	// denied_by_user, or denied_by_policy.
	Decision string

	// Reason is the policy or operator reason behind the decision.
	Reason string

	// Result is the execution result. Nil when the step never ran.
	Result *runner.Result

	// Code is the taxonomy code for a rejected or failed step. Empty
	// on success.
	Code ipc.Code

	// Err carries the error behind Code when one exists.
	Err error
}

// Executed reports whether the step actually ran.
func (o *Outcome) Executed() bool { return o.Result != nil }

// Config assembles a governor from its collaborators.
type Config struct {
	// Engine decides steps. Required.
	Engine *policy.Engine

	// Runner executes admitted command steps. Required.
	Runner *runner.Runner

	// Ledger records every governed outcome. Required.
	Ledger *ledger.Ledger

	// Classifier assesses steps. Nil selects the built-in rules.
	Classifier *risk.Classifier

	// Sanitizer cleans rationales before they reach prompts or logs.
	// Nil selects the built-in rules.
	Sanitizer *sanitize.Sanitizer

	// Approver answers ask-tier decisions. Nil denies them: a
	// non-interactive agent cannot admit a step that needs a human.
	Approver Approver

	// Session tracks the retry allowance and the no-log flag. Nil
	// creates an unpersisted session.
	Session *Session

	// Clock is used for call timing. Nil selects the real clock.
	Clock clock.Clock

	// Logger receives decision and execution events. Nil discards.
	Logger *slog.Logger
}

// Governor runs plans through the govern skeleton.
type Governor struct {
	engine     *policy.Engine
	runner     *runner.Runner
	ledger     *ledger.Ledger
	classifier *risk.Classifier
	sanitizer  *sanitize.Sanitizer
	approver   Approver
	session    *Session
	clock      clock.Clock
	logger     *slog.Logger
}

// New validates the configuration and builds a governor.
func New(cfg Config) (*Governor, error) {
	var errs []error
	if cfg.Engine == nil {
		errs = append(errs, errors.New("policy engine is required"))
	}
	if cfg.Runner == nil {
		errs = append(errs, errors.New("runner is required"))
	}
	if cfg.Ledger == nil {
		errs = append(errs, errors.New("ledger is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("governor: %w", err)
	}

	if cfg.Classifier == nil {
		cfg.Classifier = risk.Default()
	}
	if cfg.Sanitizer == nil {
		cfg.Sanitizer = sanitize.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Session == nil {
		session, err := OpenSession("", cfg.Clock)
		if err != nil {
			return nil, fmt.Errorf("governor: %w", err)
		}
		cfg.Session = session
	}

	return &Governor{
		engine:     cfg.Engine,
		runner:     cfg.Runner,
		ledger:     cfg.Ledger,
		classifier: cfg.Classifier,
		sanitizer:  cfg.Sanitizer,
		approver:   cfg.Approver,
		session:    cfg.Session,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}, nil
}

// Session returns the session the governor records into.
func (g *Governor) Session() *Session { return g.session }

// Ledger returns the audit ledger the governor appends to, for
// callers that watch or report on the same record.
func (g *Governor) Ledger() *ledger.Ledger { return g.ledger }

// Sanitizer returns the rule set the governor scrubs rationales with,
// so callers can apply the same masking to outbound content.
func (g *Governor) Sanitizer() *sanitize.Sanitizer { return g.sanitizer }

// Govern runs a proposed plan to completion. Steps run one at a time;
// a denial stops the plan in state denied, a failed or canceled
// execution stops it in state failed. The returned outcomes cover
// every step that was decided, in order. The error return is reserved
// for misuse (nil or empty plan, wrong state); per-step problems are
// reported through the outcomes.
func (g *Governor) Govern(ctx context.Context, plan *Plan) ([]Outcome, error) {
	if plan == nil || len(plan.Steps) == 0 {
		return nil, errors.New("governor: plan has no steps")
	}
	if plan.State != PlanProposed {
		return nil, fmt.Errorf("governor: plan is %s, want %s", plan.State, PlanProposed)
	}

	outcomes := make([]Outcome, 0, len(plan.Steps))
	for i := range plan.Steps {
		outcome := g.governStep(ctx, plan, plan.Steps[i])
		outcomes = append(outcomes, outcome)

		switch outcome.Decision {
		case ledger.DecisionDeniedByUser, ledger.DecisionDeniedByPolicy:
			plan.State = PlanDenied
			return outcomes, nil
		}
		if outcome.Code != "" {
			plan.State = PlanFailed
			return outcomes, nil
		}
	}
	plan.State = PlanDone
	return outcomes, nil
}

// GovernStep runs a single command through the full skeleton as a
// one-step plan.
func (g *Governor) GovernStep(ctx context.Context, step Step) (Outcome, error) {
	plan := &Plan{Steps: []Step{step}}
	outcomes, err := g.Govern(ctx, plan)
	if err != nil {
		return Outcome{}, err
	}
	return outcomes[0], nil
}

// governStep runs the skeleton for one step: classify, decide,
// then execute, prompt, or reject, recording each leg. The loop exists
// for operator edits: an edited step re-enters classification.
func (g *Governor) governStep(ctx context.Context, plan *Plan, step Step) Outcome {
	stepID := uuid.NewString()
	step.Rationale, _ = g.sanitizer.Sanitize(step.Rationale)

	for {
		if len(step.Argv) == 0 {
			// A malformed step is a programming error in the planner.
			// It fails this step, not the session.
			return g.reject(ctx, stepID, ledger.ActorLocal, step, risk.Assessment{
				Level:   risk.Medium,
				Reasons: []string{"empty command"},
			}, ledger.DecisionDeniedByPolicy, "malformed step: empty argv", ipc.CodeInvalidPayload)
		}

		assess := g.classifier.Classify(risk.Input{
			Argv:       step.Argv,
			WorkingDir: step.WorkingDir,
			Workspace:  g.engine.Policy().Workspace,
		})
		step.Risk = assess.Level
		step.Reasons = assess.Reasons
		step.Sandbox = g.engine.Policy().Sandbox

		retry := g.session.RetryOf(step.Argv, step.WorkingDir)
		decision := g.engine.Decide(policy.Step{
			Argv:             step.Argv,
			WorkingDir:       step.WorkingDir,
			PreviouslyFailed: retry,
		}, assess)

		switch decision.Action {
		case policy.Deny:
			return g.reject(ctx, stepID, ledger.ActorLocal, step, assess,
				ledger.DecisionDeniedByPolicy, decision.Reason, ipc.CodePolicyDenied)

		case policy.Allow:
			g.admit(plan)
			return g.execute(ctx, stepID, plan, step, assess,
				ledger.DecisionAllowed, decision.Reason, retry)
		}

		if g.approver == nil {
			return g.reject(ctx, stepID, ledger.ActorLocal, step, assess,
				ledger.DecisionDeniedByPolicy,
				"approval required and no prompt is available", ipc.CodePolicyDenied)
		}

		approval, err := g.approver.Approve(ctx, Request{
			Step:       step,
			Assessment: assess,
			Decision:   decision,
		})
		if err != nil {
			// An aborted prompt is a denial, matching an operator who
			// walks away. Context cancellation is surfaced as such.
			code := ipc.CodePolicyDenied
			if ctx.Err() != nil {
				code = ipc.CodeCanceled
			}
			return g.reject(ctx, stepID, ledger.ActorLocal, step, assess,
				ledger.DecisionDeniedByUser, fmt.Sprintf("prompt aborted: %v", err), code)
		}

		switch approval.Choice {
		case ChoiceApprove:
			g.admit(plan)
			return g.execute(ctx, stepID, plan, step, assess,
				ledger.DecisionApproved, "operator approved", retry)

		case ChoiceEdit:
			if len(approval.Argv) == 0 {
				return g.reject(ctx, stepID, ledger.ActorLocal, step, assess,
					ledger.DecisionDeniedByUser, "edited command is empty", ipc.CodePolicyDenied)
			}
			step.Argv = approval.Argv
			continue

		default:
			reason := "operator denied"
			if approval.Note != "" {
				reason = "operator denied: " + approval.Note
			}
			return g.reject(ctx, stepID, ledger.ActorLocal, step, assess,
				ledger.DecisionDeniedByUser, reason, ipc.CodePolicyDenied)
		}
	}
}

// admit moves a proposed plan to approved. Later steps find the plan
// already past proposed and leave the state alone.
func (g *Governor) admit(plan *Plan) {
	if plan.State == PlanProposed {
		plan.State = PlanApproved
	}
}

// reject records a refused step and builds its outcome. Nothing runs.
func (g *Governor) reject(ctx context.Context, stepID string, actor ledger.Actor, step Step, assess risk.Assessment, decision, reason string, code ipc.Code) Outcome {
	entry := g.entry(stepID, actor, step, assess, decision)
	entry.ErrorCode = string(code)
	g.ledger.Append(ctx, entry)

	g.logger.Warn("step rejected",
		"request_id", stepID,
		"decision", decision,
		"reason", reason,
		"risk", assess.Level,
	)
	return Outcome{
		StepID:   stepID,
		Step:     step,
		Decision: decision,
		Reason:   reason,
		Code:     code,
	}
}

// execute runs an admitted step. A write-ahead entry lands before the
// process starts; the completion entry carries the result. Failures
// are recorded in the session so on-failure mode can recognize the
// retry.
func (g *Governor) execute(ctx context.Context, stepID string, plan *Plan, step Step, assess risk.Assessment, decision, reason string, retry bool) Outcome {
	plan.State = PlanExecuting
	outcome := Outcome{StepID: stepID, Step: step, Decision: decision, Reason: reason}

	g.ledger.Append(ctx, g.entry(stepID, ledger.ActorLocal, step, assess, decision))

	result, err := g.runner.Run(ctx, runner.Step{
		Argv:       step.Argv,
		WorkingDir: step.WorkingDir,
		Timeout:    step.Timeout,
	})

	done := g.entry(stepID, ledger.ActorLocal, step, assess, decision)
	if err != nil {
		done.ErrorCode = string(ipc.CodeExecutionFailed)
		done.Stderr = ledger.Summary{Text: err.Error()}
		g.ledger.Append(ctx, done)
		g.logger.Error("step failed to start", "request_id", stepID, "error", err)

		g.finishRetry(retry)
		g.recordFailure(step, -1, err.Error())

		outcome.Code = ipc.CodeExecutionFailed
		outcome.Err = ipc.NewError(ipc.CodeExecutionFailed, stepID, "%v", err)
		return outcome
	}

	outcome.Result = &result
	exit := result.ExitCode
	done.ExitCode = &exit
	done.DurationMillis = result.Duration.Milliseconds()
	done.Stdout = ledger.Summary{Text: result.Stdout, Truncated: result.Truncated}
	done.Stderr = ledger.Summary{Text: result.Stderr, Truncated: result.Truncated}

	switch {
	case result.Canceled:
		done.ErrorCode = string(ipc.CodeCanceled)
		outcome.Code = ipc.CodeCanceled
		outcome.Err = ipc.NewError(ipc.CodeCanceled, stepID, "step canceled after %s", result.Duration)
	case result.TimedOut:
		done.ErrorCode = string(ipc.CodeTimeout)
		outcome.Code = ipc.CodeTimeout
		outcome.Err = ipc.NewError(ipc.CodeTimeout, stepID, "step timed out after %s", result.Duration)
	case result.ExitCode != 0:
		done.ErrorCode = string(ipc.CodeExecutionFailed)
		outcome.Code = ipc.CodeExecutionFailed
		outcome.Err = ipc.NewError(ipc.CodeExecutionFailed, stepID, "exit code %d", result.ExitCode)
	}
	g.ledger.Append(ctx, done)

	g.finishRetry(retry)
	if result.ExitCode != 0 {
		g.recordFailure(step, result.ExitCode, failureReason(result))
	}

	g.logger.Info("step executed",
		"request_id", stepID,
		"decision", decision,
		"exit_code", result.ExitCode,
		"duration", result.Duration,
	)
	return outcome
}

// finishRetry consumes the retry allowance once the retried step has
// run, whatever its outcome. No approval carries past a single retry.
func (g *Governor) finishRetry(retry bool) {
	if !retry {
		return
	}
	if err := g.session.AckFailure(); err != nil {
		g.logger.Warn("session state update failed", "error", err)
	}
}

// recordFailure stores the failure in the session. Session state is
// advisory: a write failure is logged, never raised.
func (g *Governor) recordFailure(step Step, exitCode int, reason string) {
	if err := g.session.RecordFailure(step.Argv, step.WorkingDir, exitCode, reason); err != nil {
		g.logger.Warn("session state update failed", "error", err)
	}
}

// entry builds the ledger entry shared by the write-ahead and
// completion records for a step.
func (g *Governor) entry(stepID string, actor ledger.Actor, step Step, assess risk.Assessment, decision string) ledger.Entry {
	tp := g.engine.Policy()
	return ledger.Entry{
		RequestID:    stepID,
		Actor:        actor,
		Command:      commandLine(step.Argv),
		WorkingDir:   step.WorkingDir,
		Risk:         assess.Level,
		RiskReasons:  assess.Reasons,
		Decision:     decision,
		SandboxMode:  tp.Sandbox.String(),
		ApprovalMode: tp.Approval.String(),
		Private:      g.session.NoLog(),
	}
}

// failureReason picks the most useful short explanation of a failed
// run for the session record.
func failureReason(result runner.Result) string {
	switch {
	case result.Canceled:
		return "canceled"
	case result.TimedOut:
		return "timed out"
	case result.Stderr != "":
		return firstLine(result.Stderr)
	}
	return fmt.Sprintf("exit code %d", result.ExitCode)
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[:i]
	}
	return text
}

// commandLine renders argv for the ledger and prompts. Arguments
// containing whitespace or quotes are quoted so the rendering stays
// unambiguous; it is a display form, never re-parsed.
func commandLine(argv []string) string {
	parts := make([]string, len(argv))
	for i, arg := range argv {
		if arg == "" || strings.ContainsAny(arg, " \t\n\"'\\") {
			parts[i] = strconv.Quote(arg)
		} else {
			parts[i] = arg
		}
	}
	return strings.Join(parts, " ")
}
