package backend

import (
	"testing"

	"relaybot/internal/domain"
)

func TestDetectPlan(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		tools []string
		want  bool
	}{
		{"write tool used", "Done.", []string{"Edit"}, true},
		{"read only", "Here is the content.", []string{"Read"}, false},
		{"plan language, no tools", "I'll create a new file.", nil, true},
		{"i will modify", "I will modify the config to enable TLS.", nil, true},
		{"need to refactor", "I need to refactor the parser first.", nil, true},
		{"heres my plan", "Here's my plan:\n1. do things", nil, true},
		{"step numbering", "Step 1: add the handler\nStep 2: wire it up", nil, true},
		{"phase numbering", "Phase 2 covers migration.", nil, true},
		{"dangerous tool", "ran it", []string{"Bash"}, true},
		{"write among reads", "ok", []string{"Read", "Write"}, true},
		{"plain answer", "The function returns an error when the file is missing.", nil, false},
		{"empty", "", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectPlan(tt.text, tt.tools); got != tt.want {
				t.Errorf("DetectPlan(%q, %v) = %v, want %v", tt.text, tt.tools, got, tt.want)
			}
		})
	}
}

func TestPlanActionFor(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		tools []string
		mode  domain.PermissionMode
		want  PlanAction
	}{
		{"bypass never asks", "x", []string{"Edit"}, domain.ModeBypassPermissions, ActionRespond},
		{"bypass with bash", "x", []string{"Bash"}, domain.ModeBypassPermissions, ActionRespond},
		{"autoedit dangerous asks", "x", []string{"Bash"}, domain.ModeAcceptEdits, ActionAskApproval},
		{"autoedit write executes", "x", []string{"Edit"}, domain.ModeAcceptEdits, ActionAutoExecute},
		{"autoedit plan language executes", "I'll create the module.", nil, domain.ModeAcceptEdits, ActionAutoExecute},
		{"autoedit plain responds", "All good.", []string{"Read"}, domain.ModeAcceptEdits, ActionRespond},
		{"plan write asks", "x", []string{"Write"}, domain.ModePlan, ActionAskApproval},
		{"plan language asks", "I will update the schema.", nil, domain.ModePlan, ActionAskApproval},
		{"plan plain responds", "That file has 40 lines.", []string{"Read"}, domain.ModePlan, ActionRespond},
		{"unknown mode falls back to plan", "x", []string{"Edit"}, domain.PermissionMode("weird"), ActionAskApproval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PlanActionFor(tt.text, tt.tools, tt.mode); got != tt.want {
				t.Errorf("PlanActionFor(%q, %v, %q) = %v, want %v", tt.text, tt.tools, tt.mode, got, tt.want)
			}
		})
	}
}
