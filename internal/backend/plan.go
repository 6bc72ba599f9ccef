package backend

import (
	"regexp"

	"relaybot/internal/domain"
)

// PlanAction is what the orchestrator should do with a finished plan turn.
type PlanAction string

const (
	// ActionRespond: no plan detected, reply with the text as-is.
	ActionRespond PlanAction = "respond"
	// ActionAutoExecute: execute without asking the user.
	ActionAutoExecute PlanAction = "auto_execute"
	// ActionAskApproval: show the plan and wait for approve/deny.
	ActionAskApproval PlanAction = "ask_approval"
)

// writeTools are tools that change files or exit plan mode.
var writeTools = map[string]bool{
	"Edit":         true,
	"Write":        true,
	"MultiEdit":    true,
	"NotebookEdit": true,
	"ExitPlanMode": true,
}

// dangerousTools run arbitrary commands and always need a human.
var dangerousTools = map[string]bool{
	"Bash": true,
}

// planPhrases match planning language in a response.
var planPhrases = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bI('ll| will| need to| plan to| am going to)\s+(create|modify|edit|write|update|delete|remove|add|implement|refactor|change)`),
	regexp.MustCompile(`(?i)\bhere('s| is) (my|the) plan\b`),
	regexp.MustCompile(`(?im)^\s*(step|phase)\s+\d+`),
}

func usedAny(tools []string, set map[string]bool) bool {
	for _, t := range tools {
		if set[t] {
			return true
		}
	}
	return false
}

func hasPlanLanguage(text string) bool {
	for _, re := range planPhrases {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// DetectPlan reports whether a turn constitutes a plan requiring
// approval: either a write/dangerous tool was invoked, or the response
// reads like planning language.
func DetectPlan(text string, toolsUsed []string) bool {
	if usedAny(toolsUsed, writeTools) || usedAny(toolsUsed, dangerousTools) {
		return true
	}
	return hasPlanLanguage(text)
}

// PlanActionFor maps a finished plan turn to exactly one action under
// the given permission mode. Total: every input yields one action.
func PlanActionFor(text string, toolsUsed []string, mode domain.PermissionMode) PlanAction {
	switch mode {
	case domain.ModeBypassPermissions:
		return ActionRespond

	case domain.ModeAcceptEdits:
		if usedAny(toolsUsed, dangerousTools) {
			return ActionAskApproval
		}
		if usedAny(toolsUsed, writeTools) || hasPlanLanguage(text) {
			return ActionAutoExecute
		}
		return ActionRespond

	default: // domain.ModePlan and anything unrecognized
		if usedAny(toolsUsed, writeTools) || usedAny(toolsUsed, dangerousTools) || hasPlanLanguage(text) {
			return ActionAskApproval
		}
		return ActionRespond
	}
}
