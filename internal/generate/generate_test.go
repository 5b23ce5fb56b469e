// Copyright (c) 2026 Taskmaster Team
// Taskmaster - natural-language infrastructure control plane
// This source code is licensed under the MIT license found in the LICENSE file.

package generate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/toeirei/taskmaster/internal/audit"
	"github.com/toeirei/taskmaster/internal/model"
)

func staticGenerator(response string) Generator {
	return GeneratorFunc(func(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
		return response, nil
	})
}

func debianProfile() *model.HostProfile {
	return &model.HostProfile{
		OSFamily:       model.OSFamilyDebian,
		Distribution:   "Ubuntu",
		Version:        "22.04",
		Kernel:         "5.15.0",
		Arch:           "x86_64",
		Tools:          []string{"apt-get", "systemctl", "curl"},
		ServiceManager: model.ServiceManagerSystemd,
	}
}

func testRequest() Request {
	return Request{
		UserID:      "u1",
		SessionID:   "s1",
		RequestText: "install nginx and start it",
		Profile:     debianProfile(),
	}
}

const nginxResponse = `{
  "intent": "service_management",
  "action": "install_and_start_nginx",
  "risk_level": "low",
  "explanation": "Install nginx and start it",
  "steps": [
    {"step": 1, "command": "apt-get update", "explanation": "refresh package lists", "risk_level": "low", "estimated_time": "30s"},
    {"step": 2, "command": "apt-get install -y nginx", "explanation": "install nginx", "risk_level": "low", "estimated_time": "60s"},
    {"step": 3, "command": "systemctl enable --now nginx", "explanation": "enable and start", "risk_level": "medium", "estimated_time": "5s"},
    {"step": 4, "command": "systemctl status nginx --no-pager", "explanation": "verify", "risk_level": "low", "estimated_time": "2s"}
  ]
}`

func TestPlanHappyPath(t *testing.T) {
	sink := audit.NewMemorySink(0)
	svc := NewService(staticGenerator(nginxResponse), sink)

	plan, err := svc.Plan(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Steps) != 4 {
		t.Fatalf("steps = %d", len(plan.Steps))
	}
	for i, st := range plan.Steps {
		if st.Index != i {
			t.Errorf("step %d has index %d", i, st.Index)
		}
		if st.State != model.StepPending {
			t.Errorf("step %d initial state = %s", i, st.State)
		}
	}
	// The local risk floor lifts "apt-get install" to medium even though the
	// model declared low; overall risk is the max of the step risks.
	if plan.Steps[1].Risk != model.RiskMedium {
		t.Errorf("install step risk = %s, want medium", plan.Steps[1].Risk)
	}
	if plan.OverallRisk != model.RiskMedium {
		t.Errorf("overall risk = %s, want medium", plan.OverallRisk)
	}
	if plan.PlanID == "" || plan.SessionID != "s1" || plan.UserID != "u1" {
		t.Errorf("plan identity = %+v", plan)
	}
	if plan.Status != model.PlanPending {
		t.Errorf("status = %s", plan.Status)
	}
}

func TestPlanOverallRiskIsMaxOfSteps(t *testing.T) {
	resp := `{
  "intent": "troubleshooting", "action": "cleanup", "risk_level": "low",
  "explanation": "dangerous cleanup",
  "steps": [
    {"step": 1, "command": "ls /tmp", "risk_level": "low"},
    {"step": 2, "command": "sudo rm -rf /var/cache/old", "risk_level": "low"}
  ]
}`
	svc := NewService(staticGenerator(resp), audit.NewMemorySink(0))
	plan, err := svc.Plan(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	if plan.Steps[1].Risk != model.RiskCritical {
		t.Errorf("step risk = %s, want critical (local floor)", plan.Steps[1].Risk)
	}
	if plan.OverallRisk != model.RiskCritical {
		t.Errorf("overall = %s, want critical", plan.OverallRisk)
	}
}

func TestPlanRefusal(t *testing.T) {
	resp := `{"intent": "general_help", "action": "refuse", "risk_level": "low",
  "explanation": "I will not disable the firewall on a production host.", "steps": []}`
	svc := NewService(staticGenerator(resp), audit.NewMemorySink(0))
	_, err := svc.Plan(context.Background(), testRequest())
	if !errors.Is(err, ErrModelRefusal) {
		t.Errorf("err = %v, want ErrModelRefusal", err)
	}
}

func TestPlanZeroStepsWithoutExplanationIsValidationFailure(t *testing.T) {
	resp := `{"intent": "general_help", "action": "nothing", "risk_level": "low", "explanation": "", "steps": []}`
	svc := NewService(staticGenerator(resp), audit.NewMemorySink(0))
	_, err := svc.Plan(context.Background(), testRequest())
	if !errors.Is(err, ErrValidationFailure) {
		t.Errorf("err = %v, want ErrValidationFailure", err)
	}
}

func TestPlanMissingFieldsListed(t *testing.T) {
	resp := `{"risk_level": "low", "explanation": "", "steps": []}`
	svc := NewService(staticGenerator(resp), audit.NewMemorySink(0))
	_, err := svc.Plan(context.Background(), testRequest())
	if !errors.Is(err, ErrValidationFailure) {
		t.Fatalf("err = %v", err)
	}
	for _, f := range []string{"intent", "action", "steps"} {
		if !strings.Contains(err.Error(), f) {
			t.Errorf("missing field %q not named in %v", f, err)
		}
	}
}

func TestPlanEmptyCommandRejected(t *testing.T) {
	resp := `{"intent": "x", "action": "y", "risk_level": "low", "explanation": "z",
  "steps": [{"step": 1, "command": "   ", "risk_level": "low"}]}`
	svc := NewService(staticGenerator(resp), audit.NewMemorySink(0))
	if _, err := svc.Plan(context.Background(), testRequest()); !errors.Is(err, ErrValidationFailure) {
		t.Errorf("err = %v, want ErrValidationFailure", err)
	}
}

func TestPlanStepIndexMismatchRejected(t *testing.T) {
	resp := `{"intent": "x", "action": "y", "risk_level": "low", "explanation": "z",
  "steps": [{"step": 2, "command": "ls", "risk_level": "low"}]}`
	svc := NewService(staticGenerator(resp), audit.NewMemorySink(0))
	if _, err := svc.Plan(context.Background(), testRequest()); !errors.Is(err, ErrValidationFailure) {
		t.Errorf("err = %v, want ErrValidationFailure", err)
	}
}

func TestPlanUnknownRiskCoercedToMedium(t *testing.T) {
	resp := `{"intent": "x", "action": "y", "risk_level": "low", "explanation": "z",
  "steps": [{"step": 1, "command": "uptime", "risk_level": "catastrophic"}]}`
	sink := audit.NewMemorySink(0)
	svc := NewService(staticGenerator(resp), sink)
	plan, err := svc.Plan(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	if plan.Steps[0].Risk != model.RiskMedium {
		t.Errorf("risk = %s, want medium", plan.Steps[0].Risk)
	}
	recs := sink.Records()
	if len(recs) != 1 || recs[0].Outcome != model.OutcomeDegraded {
		t.Errorf("expected one degraded audit record, got %+v", recs)
	}
}

func TestPlanParseFailureCarriesContextSlice(t *testing.T) {
	svc := NewService(staticGenerator("this is not json at all, not even close"), audit.NewMemorySink(0))
	_, err := svc.Plan(context.Background(), testRequest())
	if !errors.Is(err, ErrParseFailure) {
		t.Fatalf("err = %v, want ErrParseFailure", err)
	}
	if len(err.Error()) > 600 {
		t.Errorf("parse failure leaks too much context: %d bytes", len(err.Error()))
	}
}

func TestPlanTruncatedResponseRepairedOnce(t *testing.T) {
	truncated := `{"intent": "x", "action": "y", "risk_level": "low", "explanation": "z",
  "steps": [{"step": 1, "command": "uptime", "risk_level": "low"}`
	svc := NewService(staticGenerator(truncated), audit.NewMemorySink(0))
	plan, err := svc.Plan(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("expected closer repair to save this response: %v", err)
	}
	if len(plan.Steps) != 1 || plan.Steps[0].Command != "uptime" {
		t.Errorf("plan = %+v", plan)
	}
}

func TestPlanModelTimeout(t *testing.T) {
	slow := GeneratorFunc(func(ctx context.Context, _, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	svc := NewService(slow, audit.NewMemorySink(0), WithDeadline(10*time.Millisecond))
	_, err := svc.Plan(context.Background(), testRequest())
	if !errors.Is(err, ErrModelTimeout) {
		t.Errorf("err = %v, want ErrModelTimeout", err)
	}
}

func TestSystemPromptCarriesProfile(t *testing.T) {
	var captured string
	gen := GeneratorFunc(func(ctx context.Context, systemPrompt, _ string) (string, error) {
		captured = systemPrompt
		return nginxResponse, nil
	})
	svc := NewService(gen, audit.NewMemorySink(0))
	if _, err := svc.Plan(context.Background(), testRequest()); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Ubuntu", "22.04", "debian", "apt-get", "systemd", "single valid JSON object"} {
		if !strings.Contains(captured, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
}

func TestAssessCommandRisk(t *testing.T) {
	cases := []struct {
		cmd  string
		want model.RiskLevel
	}{
		{"ls -la", model.RiskLow},
		{"df -h", model.RiskLow},
		{"apt-get install -y nginx", model.RiskMedium},
		{"systemctl restart nginx", model.RiskMedium},
		{"systemctl stop postgresql", model.RiskHigh},
		{"iptables -F", model.RiskHigh},
		{"rm -rf /", model.RiskCritical},
		{"dd if=/dev/zero of=/dev/sda", model.RiskCritical},
	}
	for _, c := range cases {
		if got := AssessCommandRisk(c.cmd); got != c.want {
			t.Errorf("AssessCommandRisk(%q) = %s, want %s", c.cmd, got, c.want)
		}
	}
}
