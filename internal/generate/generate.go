// Copyright (c) 2026 Taskmaster Team
// Taskmaster - natural-language infrastructure control plane
// This source code is licensed under the MIT license found in the LICENSE file.

// Package generate turns a natural-language request plus a host profile into
// a validated Plan by driving an external language-model capability and then
// normalizing, repairing, validating and risk-classifying its reply. A
// malformed or adversarial reply yields a clean failure, never a fabricated
// plan.
package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/toeirei/taskmaster/internal/audit"
	"github.com/toeirei/taskmaster/internal/logging"
	"github.com/toeirei/taskmaster/internal/model"
)

var (
	// ErrModelTimeout is returned when the generator deadline expires.
	ErrModelTimeout = errors.New("model timed out")
	// ErrModelRefusal is returned when the model declined the request.
	ErrModelRefusal = errors.New("model refused the request")
	// ErrParseFailure is returned when the reply cannot be parsed even after
	// the single repair retry.
	ErrParseFailure = errors.New("failed to parse model response")
	// ErrValidationFailure is returned when parsed output violates the schema.
	ErrValidationFailure = errors.New("model response failed validation")
)

// parseContextBytes bounds the diagnostic slice attached to parse failures.
// Never the full model output.
const parseContextBytes = 200

// DefaultDeadline bounds one generation call.
const DefaultDeadline = 90 * time.Second

// Generator is the external language-model capability. Implementations
// return the raw response text for one (system, user) prompt pair.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, systemPrompt, userPrompt string) (string, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f(ctx, systemPrompt, userPrompt)
}

// rawPlan mirrors the JSON contract the model is instructed to emit. Unknown
// extra fields are ignored by the decoder.
type rawPlan struct {
	Intent      string    `json:"intent"`
	Action      string    `json:"action"`
	RiskLevel   string    `json:"risk_level"`
	Explanation string    `json:"explanation"`
	Steps       []rawStep `json:"steps"`
}

type rawStep struct {
	Step          int    `json:"step"`
	Command       string `json:"command"`
	Explanation   string `json:"explanation"`
	RiskLevel     string `json:"risk_level"`
	EstimatedTime string `json:"estimated_time"`
}

// Service drives generation and validation.
type Service struct {
	gen      Generator
	sink     audit.Sink
	deadline time.Duration
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithDeadline overrides the generation deadline.
func WithDeadline(d time.Duration) Option {
	return func(s *Service) { s.deadline = d }
}

// WithClock overrides the timestamp source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds a generation service over the given model capability.
func NewService(gen Generator, sink audit.Sink, opts ...Option) *Service {
	s := &Service{gen: gen, sink: sink, deadline: DefaultDeadline, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request carries everything one generation needs.
type Request struct {
	UserID      string
	SessionID   string
	RequestText string
	Profile     *model.HostProfile
}

// Plan generates and validates a plan for the request. Failure modes are the
// closed set {ErrModelTimeout, ErrModelRefusal, ErrParseFailure,
// ErrValidationFailure}.
func (s *Service) Plan(ctx context.Context, req Request) (*model.Plan, error) {
	genCtx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	raw, err := s.gen.Generate(genCtx, buildSystemPrompt(req.Profile), req.RequestText)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(genCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrModelTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrParseFailure, err)
	}

	parsed, err := s.parse(raw)
	if err != nil {
		return nil, err
	}
	return s.validate(req, parsed)
}

// parse runs the recovery pipeline and decodes the result, retrying once
// with balanced closers when the stream was truncated.
func (s *Service) parse(raw string) (*rawPlan, error) {
	cleaned := recoverJSON(raw)

	var rp rawPlan
	if err := json.Unmarshal([]byte(cleaned), &rp); err != nil {
		repaired, changed := balanceClosers(cleaned)
		if changed {
			if rerr := json.Unmarshal([]byte(repaired), &rp); rerr == nil {
				logging.Debugf("model response parsed after closer repair")
				return &rp, nil
			}
		}
		return nil, parseFailure(err, cleaned)
	}
	return &rp, nil
}

// parseFailure wraps ErrParseFailure with the parser's error location and a
// truncated context slice for operator diagnostics.
func parseFailure(err error, input string) error {
	offset := len(input)
	var syn *json.SyntaxError
	if errors.As(err, &syn) {
		offset = int(syn.Offset)
	}
	start := offset - parseContextBytes/2
	if start < 0 {
		start = 0
	}
	end := start + parseContextBytes
	if end > len(input) {
		end = len(input)
	}
	return fmt.Errorf("%w: %v (near %q)", ErrParseFailure, err, input[start:end])
}

// validate enforces the schema, normalizes risk values, and assembles the
// final immutable Plan.
func (s *Service) validate(req Request, rp *rawPlan) (*model.Plan, error) {
	var missing []string
	if rp.Intent == "" {
		missing = append(missing, "intent")
	}
	if rp.Action == "" {
		missing = append(missing, "action")
	}

	// A refusal is an empty step list accompanied by an explicit explanation.
	if len(rp.Steps) == 0 {
		if rp.Explanation != "" {
			return nil, fmt.Errorf("%w: %s", ErrModelRefusal, rp.Explanation)
		}
		missing = append(missing, "steps")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing fields: %s", ErrValidationFailure, strings.Join(missing, ", "))
	}

	planID := uuid.NewString()
	steps := make([]model.Step, 0, len(rp.Steps))
	overall := model.RiskLow

	for i, rs := range rp.Steps {
		if strings.TrimSpace(rs.Command) == "" {
			return nil, fmt.Errorf("%w: step %d has an empty command", ErrValidationFailure, i+1)
		}
		if rs.Step != i+1 {
			return nil, fmt.Errorf("%w: step index %d does not match position %d", ErrValidationFailure, rs.Step, i+1)
		}

		risk := s.normalizeRisk(req, planID, i, rs.RiskLevel)
		// The local assessment is a floor under the model's declared level.
		risk = model.MaxRisk(risk, AssessCommandRisk(rs.Command))
		overall = model.MaxRisk(overall, risk)

		steps = append(steps, model.Step{
			Index:        i,
			Command:      strings.TrimSpace(rs.Command),
			Explanation:  rs.Explanation,
			DurationHint: rs.EstimatedTime,
			Risk:         risk,
			State:        model.StepPending,
		})
	}

	// The computed plan risk wins over the model's declared one.
	if declared := model.RiskLevel(rp.RiskLevel); declared.Valid() && declared != overall {
		logging.Debugf("plan %s: model declared overall risk %s, computed %s", planID, declared, overall)
	}

	return &model.Plan{
		PlanID:      planID,
		SessionID:   req.SessionID,
		UserID:      req.UserID,
		CreatedAt:   s.now(),
		RequestText: req.RequestText,
		Intent:      rp.Intent,
		Action:      rp.Action,
		Explanation: rp.Explanation,
		OverallRisk: overall,
		Status:      model.PlanPending,
		Steps:       steps,
	}, nil
}

// normalizeRisk coerces unknown risk values to medium and audits the
// coercion.
func (s *Service) normalizeRisk(req Request, planID string, stepIndex int, value string) model.RiskLevel {
	risk := model.RiskLevel(strings.ToLower(strings.TrimSpace(value)))
	if risk.Valid() {
		return risk
	}
	idx := stepIndex
	s.sink.Emit(model.AuditRecord{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		PlanID:    planID,
		StepIndex: &idx,
		Action:    model.AuditPlanSubmitted,
		Outcome:   model.OutcomeDegraded,
		Detail:    fmt.Sprintf("unknown risk level %q coerced to medium", value),
	})
	return model.RiskMedium
}
