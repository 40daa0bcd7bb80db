package agent

import (
	"context"
	"testing"

	"github.com/blufio/blufio/pkg/models"
)

func TestApprovalCheckerAllowlist(t *testing.T) {
	policy := DefaultApprovalPolicy()
	policy.Allowlist = []string{"read_file", "list_*"}
	checker := NewApprovalChecker(policy)

	tests := []struct {
		name     string
		tool     string
		expected ApprovalDecision
	}{
		{"exact match", "read_file", ApprovalAllowed},
		{"prefix match", "list_files", ApprovalAllowed},
		{"no match falls through to pending", "write_file", ApprovalPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, _ := checker.Check(context.Background(), models.ToolCall{Name: tt.tool})
			if decision != tt.expected {
				t.Errorf("decision = %v, want %v", decision, tt.expected)
			}
		})
	}
}

func TestApprovalCheckerDenylistBeatsAllowlist(t *testing.T) {
	policy := DefaultApprovalPolicy()
	policy.Allowlist = []string{"*"}
	policy.Denylist = []string{"rm", "delete_*"}
	checker := NewApprovalChecker(policy)

	tests := []struct {
		tool     string
		expected ApprovalDecision
	}{
		{"rm", ApprovalDenied},
		{"delete_file", ApprovalDenied},
		{"read_file", ApprovalAllowed},
	}

	for _, tt := range tests {
		decision, _ := checker.Check(context.Background(), models.ToolCall{Name: tt.tool})
		if decision != tt.expected {
			t.Errorf("Check(%q) = %v, want %v", tt.tool, decision, tt.expected)
		}
	}
}

func TestApprovalCheckerSafeBins(t *testing.T) {
	policy := DefaultApprovalPolicy()
	checker := NewApprovalChecker(policy)

	if decision, _ := checker.Check(context.Background(), models.ToolCall{Name: "cat"}); decision != ApprovalAllowed {
		t.Errorf("cat decision = %v, want allowed", decision)
	}
	if decision, _ := checker.Check(context.Background(), models.ToolCall{Name: "rm"}); decision != ApprovalPending {
		t.Errorf("rm decision = %v, want pending", decision)
	}
}

func TestApprovalCheckerRequireApprovalWithoutAskFallbackDenies(t *testing.T) {
	policy := DefaultApprovalPolicy()
	policy.RequireApproval = []string{"send_email"}
	policy.AskFallback = false
	checker := NewApprovalChecker(policy)
	checker.SetUIAvailableCheck(func() bool { return false })

	decision, reason := checker.Check(context.Background(), models.ToolCall{Name: "send_email"})
	if decision != ApprovalDenied {
		t.Errorf("decision = %v, want denied; reason = %q", decision, reason)
	}
}

func TestApprovalCheckerCreateApprovalRequestPersistsToStore(t *testing.T) {
	checker := NewApprovalChecker(DefaultApprovalPolicy())
	store := NewMemoryApprovalStore()
	checker.SetStore(store)

	req, err := checker.CreateApprovalRequest(context.Background(), "session-1", models.ToolCall{ID: "call-1", Name: "rm"}, "default policy")
	if err != nil {
		t.Fatalf("CreateApprovalRequest: %v", err)
	}
	if req.SessionID != "session-1" {
		t.Errorf("SessionID = %q, want session-1", req.SessionID)
	}

	pending, err := checker.GetPendingRequests(context.Background())
	if err != nil {
		t.Fatalf("GetPendingRequests: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != req.ID {
		t.Fatalf("pending = %+v, want exactly %v", pending, req)
	}

	if err := checker.Approve(context.Background(), req.ID, "operator"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	pending, err = checker.GetPendingRequests(context.Background())
	if err != nil {
		t.Fatalf("GetPendingRequests after approve: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after approve = %+v, want none", pending)
	}
}

func TestApprovalCheckerRegisterSkillToolsAllowsThem(t *testing.T) {
	policy := DefaultApprovalPolicy()
	policy.SkillAllowlist = true
	checker := NewApprovalChecker(policy)
	checker.RegisterSkillTools([]string{"weather_lookup"})

	decision, _ := checker.Check(context.Background(), models.ToolCall{Name: "weather_lookup"})
	if decision != ApprovalAllowed {
		t.Errorf("decision = %v, want allowed for a registered skill tool", decision)
	}
}
