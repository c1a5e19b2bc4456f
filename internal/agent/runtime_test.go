package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseActionExtractsJSONFromSurroundingProse(t *testing.T) {
	raw := "sure, here it is:\n" + `{"type":"respond","content":"done"}` + "\nthanks"
	action, ok := parseAction(raw)
	require.True(t, ok)
	assert.Equal(t, ActionRespond, action.Type)
	assert.Equal(t, "done", action.Content)
}

func TestParseActionRejectsUnknownType(t *testing.T) {
	_, ok := parseAction(`{"type":"self_destruct"}`)
	assert.False(t, ok)
}

func TestParseActionRejectsMalformedJSON(t *testing.T) {
	_, ok := parseAction(`{"type": "respond"`)
	assert.False(t, ok)
}

func TestParseActionRejectsNoBraces(t *testing.T) {
	_, ok := parseAction("just plain text, no json at all")
	assert.False(t, ok)
}

func TestTruncateLeavesShortStringsAlone(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 100))
}

func TestTruncateCutsLongStrings(t *testing.T) {
	got := truncate("0123456789", 4)
	assert.Equal(t, "0123...(truncated)", got)
}

func TestToolAllowedEmptyListAllowsEverything(t *testing.T) {
	assert.True(t, toolAllowed(nil, "run_cmd"))
}

func TestToolAllowedRestrictsToList(t *testing.T) {
	allowed := []string{"read_file", "list_dir"}
	assert.True(t, toolAllowed(allowed, "read_file"))
	assert.False(t, toolAllowed(allowed, "run_cmd"))
}

func TestStringArgMissingKeyReturnsEmpty(t *testing.T) {
	assert.Equal(t, "", stringArg(map[string]interface{}{}, "path"))
}

func TestStringArgWrongTypeReturnsEmpty(t *testing.T) {
	assert.Equal(t, "", stringArg(map[string]interface{}{"path": 5}, "path"))
}

func TestStringArgReturnsValue(t *testing.T) {
	assert.Equal(t, "/tmp/x", stringArg(map[string]interface{}{"path": "/tmp/x"}, "path"))
}

// fakePlanner replays a fixed script of raw planner outputs, one per call.
type fakePlanner struct {
	script []string
	calls  int
}

func (f *fakePlanner) Next(ctx context.Context, goal string, trajectory []trajectoryEntry, stepIndex int) (string, error) {
	if f.calls >= len(f.script) {
		return `{"type":"respond","content":"fallback"}`, nil
	}
	out := f.script[f.calls]
	f.calls++
	return out, nil
}

func TestRunRespondsImmediately(t *testing.T) {
	rt := New(nil, nil, nil, nil, nil, 5, 3, 0)
	planner := &fakePlanner{script: []string{`{"type":"respond","content":"hello there"}`}}

	result := rt.Run(context.Background(), planner, 1, 1, "t1", "say hi")
	assert.Equal(t, OutcomeRespond, result.Outcome)
	assert.Equal(t, "hello there", result.Text)
}

func TestRunThinksThenResponds(t *testing.T) {
	rt := New(nil, nil, nil, nil, nil, 5, 3, 0)
	planner := &fakePlanner{script: []string{
		`{"type":"think","content":"let me consider"}`,
		`{"type":"respond","content":"done thinking"}`,
	}}

	result := rt.Run(context.Background(), planner, 1, 1, "t1", "say hi")
	assert.Equal(t, OutcomeRespond, result.Outcome)
	assert.Equal(t, "done thinking", result.Text)
	assert.Equal(t, 2, planner.calls)
}

func TestRunExhaustsStepLimit(t *testing.T) {
	rt := New(nil, nil, nil, nil, nil, 2, 3, 0)
	planner := &fakePlanner{script: []string{
		`{"type":"think","content":"a"}`,
		`{"type":"think","content":"b"}`,
	}}

	result := rt.Run(context.Background(), planner, 1, 1, "t1", "goal")
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Contains(t, result.ErrorText, "step limit")
}

func TestRunFailsAfterRepeatedInvalidOutput(t *testing.T) {
	rt := New(nil, nil, nil, nil, nil, 10, 3, 0)
	planner := &fakePlanner{script: []string{"not json", "still not json", "nope", "nope again"}}

	result := rt.Run(context.Background(), planner, 1, 1, "t1", "goal")
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Contains(t, result.ErrorText, "invalid output")
}

func TestRunPropagatesPlannerError(t *testing.T) {
	rt := New(nil, nil, nil, nil, nil, 5, 3, 0)
	planner := &erroringPlanner{}

	result := rt.Run(context.Background(), planner, 1, 1, "t1", "goal")
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Contains(t, result.ErrorText, "planner error")
}

type erroringPlanner struct{}

func (erroringPlanner) Next(ctx context.Context, goal string, trajectory []trajectoryEntry, stepIndex int) (string, error) {
	return "", assertErr
}

var assertErr = plannerErr("boom")

type plannerErr string

func (e plannerErr) Error() string { return string(e) }
