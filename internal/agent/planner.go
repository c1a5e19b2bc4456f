package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/pallet-run/palletd/internal/llm"
)

// LLMPlanner drives the planner loop through the LLM gateway, rendering the
// trajectory as plain-text history the way the runtime's source system
// narrates think/tool/skill steps back to the model each turn.
type LLMPlanner struct {
	gateway      *llm.Gateway
	userID       int64
	taskID       string
	allowedTools []string
	skillNames   []string
}

// NewLLMPlanner builds a Planner bound to one task's tool/skill surface.
func NewLLMPlanner(gateway *llm.Gateway, userID int64, taskID string, allowedTools, skillNames []string) *LLMPlanner {
	return &LLMPlanner{gateway: gateway, userID: userID, taskID: taskID, allowedTools: allowedTools, skillNames: skillNames}
}

// Next renders the trajectory and asks the gateway for the next action.
func (p *LLMPlanner) Next(ctx context.Context, goal string, trajectory []trajectoryEntry, stepIndex int) (string, error) {
	prompt := p.buildPrompt(goal, trajectory, stepIndex)
	resp, err := p.gateway.Complete(ctx, p.userID, p.taskID, llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (p *LLMPlanner) buildPrompt(goal string, trajectory []trajectoryEntry, stepIndex int) string {
	var history strings.Builder
	for _, entry := range trajectory {
		if entry.Action != nil {
			switch entry.Action.Type {
			case ActionThink:
				fmt.Fprintf(&history, "think: %s\n", entry.Action.Content)
			case ActionCallTool:
				fmt.Fprintf(&history, "tool(%s): called\n", entry.Action.Tool)
			case ActionCallSkill:
				fmt.Fprintf(&history, "skill(%s): called\n", entry.Action.Skill)
			}
		}
		if entry.Observation != "" {
			fmt.Fprintf(&history, "observation: %s\n", entry.Observation)
		}
	}

	return fmt.Sprintf(`You are an autonomous task executor. At each step, respond with exactly
one JSON action from this closed set:

{"type":"think","content":"..."}
{"type":"call_tool","tool":"<one of: %s>","args":{...}}
{"type":"call_skill","skill":"<one of: %s>","args":{...}}
{"type":"respond","content":"..."}

Use "respond" to finish once the goal is satisfied. respond.content may
contain a line "FILE:<path>" or "IMAGE_FILE:<path>" to surface an artifact
for delivery.

Goal:
%s

Trajectory so far (step %d):
%s

Respond with exactly one JSON action and nothing else.`,
		strings.Join(p.allowedTools, ", "), strings.Join(p.skillNames, ", "), goal, stepIndex, history.String())
}
