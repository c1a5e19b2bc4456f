// Package agent implements the Agent Runtime: the step-bounded planner
// loop that executes act and chat_act modes (spec §4.6).
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pallet-run/palletd/internal/audit"
	"github.com/pallet-run/palletd/internal/skill"
	"github.com/pallet-run/palletd/internal/tool"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Action types the planner may emit, the closed set from spec §4.6.
const (
	ActionThink     = "think"
	ActionCallTool  = "call_tool"
	ActionCallSkill = "call_skill"
	ActionRespond   = "respond"
)

// Action is one parsed planner turn.
type Action struct {
	Type    string                 `json:"type"`
	Content string                 `json:"content,omitempty"`
	Tool    string                 `json:"tool,omitempty"`
	Skill   string                 `json:"skill,omitempty"`
	Args    map[string]interface{} `json:"args,omitempty"`
}

// DefaultStepLimit and DefaultParseRetryLimit are the profile-independent
// fallbacks when the caller does not override them.
const (
	DefaultStepLimit       = 12
	DefaultParseRetryLimit = 2
	ObservationByteBudget  = 2000
	InvalidOutputPrompt    = "invalid output, please emit one JSON action"
)

// Outcome classifies how a Run ended.
type Outcome string

const (
	OutcomeRespond Outcome = "respond"
	OutcomeFailed  Outcome = "failed"
)

// Result is the terminal state of one Run.
type Result struct {
	Outcome Outcome
	Text    string
	// ErrorText is populated when Outcome is OutcomeFailed.
	ErrorText string
}

// trajectoryEntry is one recorded step: either a planner action or the
// synthetic observation that followed it.
type trajectoryEntry struct {
	Action      *Action
	Observation string
}

// Planner produces the next action given the accumulated trajectory. The
// runtime re-prompts it after every non-respond step.
type Planner interface {
	Next(ctx context.Context, goal string, trajectory []trajectoryEntry, stepIndex int) (string, error)
}

// Runtime executes the bounded plan/act/observe loop.
type Runtime struct {
	db       *gorm.DB
	logger   *zap.SugaredLogger
	sandbox  *tool.Sandbox
	skills   *skill.Dispatcher
	allowedTools []string

	stepLimit       int
	dupLimit        int
	parseRetryLimit int
	skillTimeout    time.Duration
}

// New builds a Runtime. stepLimit and dupLimit are profile-derived (0 uses
// defaults).
func New(db *gorm.DB, logger *zap.SugaredLogger, sandbox *tool.Sandbox, skills *skill.Dispatcher, allowedTools []string, stepLimit, dupLimit int, skillTimeout time.Duration) *Runtime {
	if stepLimit <= 0 {
		stepLimit = DefaultStepLimit
	}
	return &Runtime{
		db:              db,
		logger:          logger,
		sandbox:         sandbox,
		skills:          skills,
		allowedTools:    allowedTools,
		stepLimit:       stepLimit,
		dupLimit:        dupLimit,
		parseRetryLimit: DefaultParseRetryLimit,
		skillTimeout:    skillTimeout,
	}
}

// Run drives the loop for one task until respond, step-cap exhaustion, or
// the repeated-action guard trips.
func (rt *Runtime) Run(ctx context.Context, planner Planner, userID, chatID int64, taskID, goal string) *Result {
	guard := NewRepeatGuard(rt.dupLimit)
	var trajectory []trajectoryEntry
	parseFailures := 0

	for step := 0; step < rt.stepLimit; step++ {
		raw, err := planner.Next(ctx, goal, trajectory, step)
		if err != nil {
			return &Result{Outcome: OutcomeFailed, ErrorText: fmt.Sprintf("planner error: %v", err)}
		}

		action, ok := parseAction(raw)
		if !ok {
			parseFailures++
			if parseFailures > rt.parseRetryLimit {
				return &Result{Outcome: OutcomeFailed, ErrorText: "planner repeatedly emitted invalid output"}
			}
			trajectory = append(trajectory, trajectoryEntry{Observation: InvalidOutputPrompt})
			continue
		}

		switch action.Type {
		case ActionThink:
			trajectory = append(trajectory, trajectoryEntry{Action: action})

		case ActionRespond:
			return &Result{Outcome: OutcomeRespond, Text: action.Content}

		case ActionCallTool:
			fp := Fingerprint("tool", action.Tool, action.Args)
			if guard.Observe(fp) {
				rt.auditRepeat(userID, taskID, "tool", action.Tool)
				return &Result{Outcome: OutcomeFailed, ErrorText: RepeatedActionMsg}
			}
			obs := rt.callTool(ctx, action)
			trajectory = append(trajectory, trajectoryEntry{Action: action, Observation: obs})

		case ActionCallSkill:
			fp := Fingerprint("skill", action.Skill, action.Args)
			if guard.Observe(fp) {
				rt.auditRepeat(userID, taskID, "skill", action.Skill)
				return &Result{Outcome: OutcomeFailed, ErrorText: RepeatedActionMsg}
			}
			obs := rt.callSkill(ctx, userID, chatID, taskID, action)
			trajectory = append(trajectory, trajectoryEntry{Action: action, Observation: obs})

		default:
			parseFailures++
			if parseFailures > rt.parseRetryLimit {
				return &Result{Outcome: OutcomeFailed, ErrorText: "planner repeatedly emitted invalid output"}
			}
			trajectory = append(trajectory, trajectoryEntry{Observation: InvalidOutputPrompt})
		}
	}

	return &Result{Outcome: OutcomeFailed, ErrorText: "agent exceeded step limit"}
}

// callTool invokes the named built-in tool and renders a truncated
// synthetic observation.
func (rt *Runtime) callTool(ctx context.Context, action *Action) string {
	if !toolAllowed(rt.allowedTools, action.Tool) {
		return truncate(fmt.Sprintf("error: tool %q is not allowed", action.Tool), ObservationByteBudget)
	}
	start := time.Now()
	var text string
	var err error
	switch action.Tool {
	case "read_file":
		var res *tool.Result
		res, err = rt.sandbox.ReadFile(ctx, stringArg(action.Args, "path"))
		if res != nil {
			text = res.Text
		}
	case "write_file":
		var res *tool.Result
		res, err = rt.sandbox.WriteFile(ctx, stringArg(action.Args, "path"), stringArg(action.Args, "content"))
		if res != nil {
			text = res.Text
		}
	case "list_dir":
		var res *tool.Result
		res, err = rt.sandbox.ListDir(ctx, stringArg(action.Args, "path"))
		if res != nil {
			var b strings.Builder
			for _, e := range res.Entries {
				fmt.Fprintf(&b, "%s\t%s\t%d\n", e.Kind, e.Name, e.Size)
			}
			text = b.String()
		}
	case "run_cmd":
		var res *tool.Result
		res, err = rt.sandbox.RunCmd(ctx, stringArg(action.Args, "command"))
		if res != nil {
			text = fmt.Sprintf("exit=%d\nstdout:\n%s\nstderr:\n%s", res.ExitCode, res.Stdout, res.Stderr)
		}
	default:
		return truncate(fmt.Sprintf("error: unknown tool %q", action.Tool), ObservationByteBudget)
	}

	_ = audit.Record(rt.db, nil, audit.ActionRunTool, map[string]interface{}{
		"tool": action.Tool, "ok": err == nil, "duration_ms": time.Since(start).Milliseconds(),
	}, nil)

	if err != nil {
		return truncate(fmt.Sprintf("error: %v", err), ObservationByteBudget)
	}
	return truncate(text, ObservationByteBudget)
}

// callSkill invokes the named skill via the dispatcher and renders a
// truncated synthetic observation.
func (rt *Runtime) callSkill(ctx context.Context, userID, chatID int64, taskID string, action *Action) string {
	start := time.Now()
	requestID := fmt.Sprintf("%s-%d", taskID, start.UnixNano())
	inv, err := rt.skills.Dispatch(ctx, requestID, userID, chatID, action.Skill, action.Args, nil, rt.skillTimeout)

	_ = audit.Record(rt.db, &userID, audit.ActionRunSkill, map[string]interface{}{
		"skill": action.Skill, "task_id": taskID, "duration_ms": time.Since(start).Milliseconds(),
	}, nil)

	if err != nil {
		return truncate(fmt.Sprintf("error: %v", err), ObservationByteBudget)
	}
	switch inv.Outcome {
	case skill.OutcomeOK:
		return truncate(inv.Response.Text, ObservationByteBudget)
	case skill.OutcomeTimeout:
		return truncate("error: skill timed out", ObservationByteBudget)
	default:
		return truncate(fmt.Sprintf("error: %s", inv.ErrorText), ObservationByteBudget)
	}
}

func (rt *Runtime) auditRepeat(userID int64, taskID, kind, name string) {
	_ = audit.Record(rt.db, &userID, audit.ActionLimitHit, map[string]string{
		"reason": "repeated_action", "task_id": taskID, "kind": kind, "name": name,
	}, nil)
}

func toolAllowed(allowed []string, name string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == name {
			return true
		}
	}
	return false
}

func stringArg(args map[string]interface{}, key string) string {
	v, ok := args[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

// parseAction parses exactly one JSON action object from the planner's raw
// output. Trailing or leading prose outside the JSON object is tolerated by
// scanning for the outermost braces, matching the intent router's tolerant
// extraction style.
func parseAction(raw string) (*Action, bool) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end < 0 || end < start {
		return nil, false
	}
	var a Action
	if err := json.Unmarshal([]byte(raw[start:end+1]), &a); err != nil {
		return nil, false
	}
	switch a.Type {
	case ActionThink, ActionCallTool, ActionCallSkill, ActionRespond:
		return &a, true
	default:
		return nil, false
	}
}
