// Copyright (c) 2026 Taskmaster Team
// Taskmaster - natural-language infrastructure control plane
// This source code is licensed under the MIT license found in the LICENSE file.

// Package orchestrator owns the lifecycle of every plan: submission,
// sequential step-gated approval, per-step execution over the session's
// transport, terminal-state resolution and audit emission. Each plan carries
// its own mutex which doubles as the exclusive execution token; audit records
// for a plan are emitted under it so their causal order is preserved.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/toeirei/taskmaster/internal/audit"
	"github.com/toeirei/taskmaster/internal/generate"
	"github.com/toeirei/taskmaster/internal/logging"
	"github.com/toeirei/taskmaster/internal/model"
	"github.com/toeirei/taskmaster/internal/profile"
	"github.com/toeirei/taskmaster/internal/registry"
)

var (
	// ErrNotFound is returned for unknown plans or step indexes.
	ErrNotFound = errors.New("plan not found")
	// ErrOutOfOrder is returned when a respond targets a step other than the
	// first pending one.
	ErrOutOfOrder = errors.New("step responded out of order")
	// ErrInvalidTransition is returned for responses that would move a step
	// out of a non-pending state.
	ErrInvalidTransition = errors.New("invalid step transition")
	// ErrSessionUnavailable is returned when the plan's session is not
	// connected at the moment it is needed.
	ErrSessionUnavailable = errors.New("session unavailable")
	// ErrSessionBusy is returned when a session already has an unresolved
	// plan in flight.
	ErrSessionBusy = errors.New("session already has an unresolved plan")
)

// skipReasonFailed is recorded on steps cascaded by an earlier failure.
const skipReasonFailed = "preceding-step-failed"

// skipReasonRejected is recorded on steps cascaded by an earlier rejection.
const skipReasonRejected = "preceding-step-rejected"

// Config bundles the orchestrator's closed set of tunables.
type Config struct {
	PerStepDeadline time.Duration
	MinStepDeadline time.Duration
	MaxStepDeadline time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		PerStepDeadline: 120 * time.Second,
		MinStepDeadline: 5 * time.Second,
		MaxStepDeadline: 900 * time.Second,
	}
}

// StepOutcome is what one respond call observed.
type StepOutcome struct {
	State  model.StepState      `json:"state"`
	Result *model.CommandResult `json:"result,omitempty"`
}

// Summary aggregates a respond_all sweep.
type Summary struct {
	PlanID    string           `json:"plan_id"`
	Status    model.PlanStatus `json:"status"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Rejected  int              `json:"rejected"`
	Skipped   int              `json:"skipped"`
}

// ChatExchange is the pair of messages one chat call appends.
type ChatExchange struct {
	UserMessage model.ChatMessage `json:"user_message"`
	AIMessage   model.ChatMessage `json:"ai_message"`
}

// planEntry is a stored plan plus its lock and chat transcript. The mutex is
// the plan's exclusive-execution token. resolved mirrors the plan's terminal
// state so busy checks never need the entry lock, which may be held across a
// running step.
type planEntry struct {
	mu       sync.Mutex
	plan     *model.Plan
	chat     []model.ChatMessage
	resolved atomic.Bool
}

// Orchestrator is the C6 component.
type Orchestrator struct {
	reg  *registry.Registry
	gen  *generate.Service
	sink audit.Sink
	cfg  Config
	now  func() time.Time

	mu    sync.RWMutex
	plans map[string]*planEntry
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New wires the orchestrator to its collaborators.
func New(reg *registry.Registry, gen *generate.Service, sink audit.Sink, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		reg:   reg,
		gen:   gen,
		sink:  sink,
		cfg:   cfg,
		now:   time.Now,
		plans: make(map[string]*planEntry),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit builds host context, generates a validated plan and stores it. One
// unresolved plan per session at a time.
func (o *Orchestrator) Submit(ctx context.Context, userID, sessionID, requestText string) (*model.Plan, error) {
	if err := ValidateRequestText(requestText); err != nil {
		return nil, err
	}

	sess, err := o.reg.Lookup(userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	if sess.Status() != model.SessionConnected {
		return nil, fmt.Errorf("%w: session is %s", ErrSessionUnavailable, sess.Status())
	}
	if o.hasUnresolvedPlan(sessionID) {
		return nil, ErrSessionBusy
	}

	hp, ok := sess.CachedProfile()
	if !ok {
		hp = profile.New(sess.Conn()).Snapshot(ctx)
		sess.SetCachedProfile(hp)
		logging.Debugf("session %s profiled: %s", sessionID, profile.Summary(hp))
	}

	plan, err := o.gen.Plan(ctx, generate.Request{
		UserID:      userID,
		SessionID:   sessionID,
		RequestText: requestText,
		Profile:     hp,
	})
	if err != nil {
		o.sink.Emit(model.AuditRecord{
			UserID:    userID,
			SessionID: sessionID,
			Action:    model.AuditPlanGenerationFailed,
			Outcome:   model.OutcomeFailed,
			Detail:    err.Error(),
		})
		return nil, err
	}

	o.mu.Lock()
	// Submissions racing on the same session must not both get a plan in.
	if o.hasUnresolvedPlanLocked(sessionID) {
		o.mu.Unlock()
		return nil, ErrSessionBusy
	}
	o.plans[plan.PlanID] = &planEntry{plan: plan}
	o.mu.Unlock()

	o.sink.Emit(model.AuditRecord{
		UserID:    userID,
		SessionID: sessionID,
		PlanID:    plan.PlanID,
		Action:    model.AuditPlanSubmitted,
		Outcome:   model.OutcomeOK,
		Detail:    fmt.Sprintf("%d steps, overall risk %s", len(plan.Steps), plan.OverallRisk),
	})
	logging.Infof("plan %s submitted for session %s: %d steps, risk %s", plan.PlanID, sessionID, len(plan.Steps), plan.OverallRisk)
	return o.snapshotPlan(plan), nil
}

func (o *Orchestrator) hasUnresolvedPlan(sessionID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.hasUnresolvedPlanLocked(sessionID)
}

func (o *Orchestrator) hasUnresolvedPlanLocked(sessionID string) bool {
	for _, e := range o.plans {
		// SessionID is immutable after storage; resolved is atomic. Neither
		// needs the entry lock, which may be held across an executing step.
		if e.plan.SessionID == sessionID && !e.resolved.Load() {
			return true
		}
	}
	return false
}

// Get returns a read-only snapshot of a plan.
func (o *Orchestrator) Get(userID, planID string) (*model.Plan, error) {
	entry, err := o.entry(userID, planID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return o.snapshotPlan(entry.plan), nil
}

func (o *Orchestrator) entry(userID, planID string) (*planEntry, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e := o.plans[planID]
	if e == nil || e.plan.UserID != userID {
		return nil, ErrNotFound
	}
	return e, nil
}

// Respond drives the state machine for one step. Only the first pending step
// may be responded to; stale responses against terminal steps are idempotent
// no-ops returning the current state.
func (o *Orchestrator) Respond(ctx context.Context, userID, planID string, stepIndex int, approved bool, reason string) (StepOutcome, error) {
	entry, err := o.entry(userID, planID)
	if err != nil {
		return StepOutcome{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	plan := entry.plan
	if stepIndex < 0 || stepIndex >= len(plan.Steps) {
		return StepOutcome{}, fmt.Errorf("%w: step index %d out of range", ErrNotFound, stepIndex)
	}
	step := &plan.Steps[stepIndex]

	// Idempotence: a stale respond against a closed step reports the current
	// state with no side effect.
	if step.State.Terminal() {
		return StepOutcome{State: step.State, Result: copyResult(step.Result)}, nil
	}

	next := o.firstPending(plan)
	if next == -1 || stepIndex != next {
		return StepOutcome{}, fmt.Errorf("%w: next actionable step is %d", ErrOutOfOrder, next)
	}
	if step.State != model.StepPending {
		// The first non-terminal step is mid-execution; nothing to respond to.
		return StepOutcome{}, fmt.Errorf("%w: step is %s", ErrInvalidTransition, step.State)
	}

	if !approved {
		o.reject(entry, step, reason)
		return StepOutcome{State: step.State}, nil
	}
	return o.approveAndExecute(ctx, entry, step, reason)
}

// firstPending returns the smallest pending index, or -1.
func (o *Orchestrator) firstPending(plan *model.Plan) int {
	for i := range plan.Steps {
		if plan.Steps[i].State == model.StepPending {
			return i
		}
	}
	return -1
}

// reject closes a step and cascades skips. Caller holds the plan lock.
func (o *Orchestrator) reject(entry *planEntry, step *model.Step, reason string) {
	plan := entry.plan
	step.State = model.StepRejected
	step.Decision = &model.Decision{Approved: false, Reason: reason, At: o.now()}
	o.emitStep(plan, step.Index, model.AuditStepRejected, model.OutcomeOK, reason)
	o.skipPending(plan, skipReasonRejected)
	o.resolve(entry)
}

// approveAndExecute runs one approved step to completion. Caller holds the
// plan lock, which is exactly the exclusive-execution token: a second
// responder blocks here and then observes the updated state.
func (o *Orchestrator) approveAndExecute(ctx context.Context, entry *planEntry, step *model.Step, reason string) (StepOutcome, error) {
	plan := entry.plan
	step.State = model.StepApproved
	step.Decision = &model.Decision{Approved: true, Reason: reason, At: o.now()}
	o.emitStep(plan, step.Index, model.AuditStepApproved, model.OutcomeOK, reason)

	step.State = model.StepExecuting
	o.emitStep(plan, step.Index, model.AuditStepExecuting, model.OutcomeOK, step.Command)

	sess, err := o.reg.Lookup(plan.UserID, plan.SessionID)
	if err != nil || sess.Status() != model.SessionConnected {
		result := &model.CommandResult{
			ExitCode:   -1,
			Stderr:     ErrSessionUnavailable.Error(),
			StartedAt:  o.now(),
			FinishedAt: o.now(),
		}
		o.failStep(entry, step, result)
		return StepOutcome{State: step.State, Result: copyResult(step.Result)}, ErrSessionUnavailable
	}

	runCtx, cancel := context.WithTimeout(ctx, o.stepDeadline(step))
	res, runErr := sess.Conn().Run(runCtx, step.Command)
	cancel()

	if runErr != nil {
		// Client-side failure: the transport is suspect.
		sess.MarkDegraded()
		res.ExitCode = -1
		o.failStep(entry, step, &res)
		return StepOutcome{State: step.State, Result: copyResult(step.Result)}, nil
	}

	sess.TouchActivity(o.now())

	if res.ExitCode != 0 {
		o.failStep(entry, step, &res)
		return StepOutcome{State: step.State, Result: copyResult(step.Result)}, nil
	}

	step.State = model.StepSucceeded
	step.Result = &res
	o.emitStep(plan, step.Index, model.AuditStepResult, model.OutcomeOK, fmt.Sprintf("exit=%d", res.ExitCode))
	o.resolve(entry)
	return StepOutcome{State: step.State, Result: copyResult(step.Result)}, nil
}

// failStep records a failed execution and cascades skips. Caller holds the
// plan lock.
func (o *Orchestrator) failStep(entry *planEntry, step *model.Step, result *model.CommandResult) {
	plan := entry.plan
	step.State = model.StepFailed
	step.Result = result
	o.emitStep(plan, step.Index, model.AuditStepResult, model.OutcomeFailed, fmt.Sprintf("exit=%d", result.ExitCode))
	o.skipPending(plan, skipReasonFailed)
	o.resolve(entry)
}

// skipPending marks every remaining pending step skipped. Caller holds the
// plan lock.
func (o *Orchestrator) skipPending(plan *model.Plan, reason string) {
	for i := range plan.Steps {
		st := &plan.Steps[i]
		if st.State != model.StepPending {
			continue
		}
		st.State = model.StepSkipped
		st.Decision = &model.Decision{Approved: false, Reason: reason, At: o.now()}
		o.emitStep(plan, st.Index, model.AuditStepSkipped, model.OutcomeOK, reason)
	}
}

// resolve computes the terminal plan status once every step is closed.
// Caller holds the plan lock.
func (o *Orchestrator) resolve(entry *planEntry) {
	plan := entry.plan
	if !plan.Resolved() || plan.Status != model.PlanPending {
		return
	}
	entry.resolved.Store(true)
	status := model.PlanSucceeded
	for i := range plan.Steps {
		switch plan.Steps[i].State {
		case model.StepSucceeded, model.StepSkipped:
		default:
			status = model.PlanFailed
		}
	}
	plan.Status = status

	outcome := model.OutcomeOK
	if status == model.PlanFailed {
		outcome = model.OutcomeFailed
	}
	o.sink.Emit(model.AuditRecord{
		UserID:    plan.UserID,
		SessionID: plan.SessionID,
		PlanID:    plan.PlanID,
		Action:    model.AuditPlanResolved,
		Outcome:   outcome,
		Detail:    string(status),
	})
	logging.Infof("plan %s resolved: %s", plan.PlanID, status)
}

// stepDeadline derives the execution deadline from the step's duration hint,
// bounded to the configured window.
func (o *Orchestrator) stepDeadline(step *model.Step) time.Duration {
	d := o.cfg.PerStepDeadline
	if hint := strings.TrimSpace(step.DurationHint); hint != "" {
		if parsed, err := time.ParseDuration(strings.ReplaceAll(hint, " ", "")); err == nil && parsed > 0 {
			d = parsed
		}
	}
	if d < o.cfg.MinStepDeadline {
		d = o.cfg.MinStepDeadline
	}
	if d > o.cfg.MaxStepDeadline {
		d = o.cfg.MaxStepDeadline
	}
	return d
}

// RespondAll sweeps every remaining pending step in order. A rejection or
// failure short-circuits; the single-step rule has already skipped the rest.
func (o *Orchestrator) RespondAll(ctx context.Context, userID, planID string, approved bool, reason string) (Summary, error) {
	for {
		plan, err := o.Get(userID, planID)
		if err != nil {
			return Summary{}, err
		}
		next := o.firstPending(plan)
		if next == -1 {
			return o.summarize(userID, planID)
		}
		outcome, err := o.Respond(ctx, userID, planID, next, approved, reason)
		if err != nil {
			return Summary{}, err
		}
		if outcome.State != model.StepSucceeded {
			return o.summarize(userID, planID)
		}
	}
}

func (o *Orchestrator) summarize(userID, planID string) (Summary, error) {
	plan, err := o.Get(userID, planID)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{PlanID: plan.PlanID, Status: plan.Status}
	for i := range plan.Steps {
		switch plan.Steps[i].State {
		case model.StepSucceeded:
			s.Succeeded++
		case model.StepFailed:
			s.Failed++
		case model.StepRejected:
			s.Rejected++
		case model.StepSkipped:
			s.Skipped++
		}
	}
	return s, nil
}

// Chat appends an explanatory exchange to the plan's transcript. It never
// mutates steps; regeneration is an explicit separate operation that this
// core does not perform implicitly.
func (o *Orchestrator) Chat(userID, planID, message string) (ChatExchange, error) {
	if err := ValidateRequestText(message); err != nil {
		return ChatExchange{}, err
	}
	entry, err := o.entry(userID, planID)
	if err != nil {
		return ChatExchange{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := o.now()
	userMsg := model.ChatMessage{Role: "user", Content: message, At: now}
	aiMsg := model.ChatMessage{Role: "assistant", Content: o.describePlan(entry.plan), At: now}
	entry.chat = append(entry.chat, userMsg, aiMsg)

	o.sink.Emit(model.AuditRecord{
		UserID:    userID,
		SessionID: entry.plan.SessionID,
		PlanID:    planID,
		Action:    model.AuditChatMessage,
		Outcome:   model.OutcomeOK,
		Detail:    fmt.Sprintf("%d bytes", len(message)),
	})
	return ChatExchange{UserMessage: userMsg, AIMessage: aiMsg}, nil
}

// ChatHistory returns a copy of the plan's transcript.
func (o *Orchestrator) ChatHistory(userID, planID string) ([]model.ChatMessage, error) {
	entry, err := o.entry(userID, planID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	out := make([]model.ChatMessage, len(entry.chat))
	copy(out, entry.chat)
	return out, nil
}

// describePlan renders the current plan state for chat replies. Caller holds
// the plan lock.
func (o *Orchestrator) describePlan(plan *model.Plan) string {
	done := 0
	for i := range plan.Steps {
		if plan.Steps[i].State.Terminal() {
			done++
		}
	}
	return fmt.Sprintf(
		"This plan (%s) addresses %q with %d steps at overall risk %s; %d of %d steps are closed. Steps only change through explicit approval, never through chat.",
		plan.Action, plan.RequestText, len(plan.Steps), plan.OverallRisk, done, len(plan.Steps))
}

// emitStep emits a step-scoped audit record. Caller holds the plan lock,
// which keeps per-plan audit order causal.
func (o *Orchestrator) emitStep(plan *model.Plan, index int, action model.AuditAction, outcome model.AuditOutcome, detail string) {
	idx := index
	o.sink.Emit(model.AuditRecord{
		UserID:    plan.UserID,
		SessionID: plan.SessionID,
		PlanID:    plan.PlanID,
		StepIndex: &idx,
		Action:    action,
		Outcome:   outcome,
		Detail:    detail,
	})
}

// snapshotPlan deep-copies a plan so callers can never mutate stored state.
func (o *Orchestrator) snapshotPlan(plan *model.Plan) *model.Plan {
	cp := *plan
	cp.Steps = make([]model.Step, len(plan.Steps))
	copy(cp.Steps, plan.Steps)
	for i := range cp.Steps {
		if plan.Steps[i].Decision != nil {
			d := *plan.Steps[i].Decision
			cp.Steps[i].Decision = &d
		}
		cp.Steps[i].Result = copyResult(plan.Steps[i].Result)
	}
	return &cp
}

func copyResult(r *model.CommandResult) *model.CommandResult {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}
