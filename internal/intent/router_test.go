package intent

import (
	"context"
	"testing"

	"github.com/pallet-run/palletd/internal/llm"
	"github.com/pallet-run/palletd/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := store.Open(":memory:", 0)
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))
	return db
}

// scriptedProvider returns a fixed response or error, one per Complete call.
type scriptedProvider struct {
	name  string
	texts []string
	err   error
	calls int
}

func (p *scriptedProvider) Name() string  { return p.name }
func (p *scriptedProvider) Model() string { return "test-model" }
func (p *scriptedProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	defer func() { p.calls++ }()
	if p.err != nil {
		return nil, p.err
	}
	if p.calls >= len(p.texts) {
		return &llm.Response{Text: p.texts[len(p.texts)-1]}, nil
	}
	return &llm.Response{Text: p.texts[p.calls]}, nil
}

func newRouter(t *testing.T, provider llm.Provider) *Router {
	db := openTestDB(t)
	logger := zap.NewNop().Sugar()
	gw := llm.NewGateway(db, logger, 1000, provider)
	return New(db, gw)
}

func TestResolveContextParsesJSONResponse(t *testing.T) {
	provider := &scriptedProvider{name: "p", texts: []string{
		`{"resolved_user_intent":"restart the server","needs_clarify":false,"confidence":0.9,"reason":"ok"}`,
	}}
	r := newRouter(t, provider)

	res, err := r.ResolveContext(context.Background(), 1, 1, "do it again", "should I restart the server?", "<none>")
	require.NoError(t, err)
	assert.Contains(t, res.ResolvedIntent, "restart the server")
	assert.False(t, res.NeedsClarify)
}

func TestResolveContextFallsBackOnUpstreamFailure(t *testing.T) {
	provider := &scriptedProvider{name: "p", err: assertUpstreamErr}
	r := newRouter(t, provider)

	res, err := r.ResolveContext(context.Background(), 1, 1, "raw text", "", "<none>")
	require.NoError(t, err)
	assert.Equal(t, "raw text", res.ResolvedIntent)
	assert.Equal(t, "llm_failed", res.Reason)
}

func TestResolveContextFallsBackOnUnparseableResponse(t *testing.T) {
	provider := &scriptedProvider{name: "p", texts: []string{"not json at all"}}
	r := newRouter(t, provider)

	res, err := r.ResolveContext(context.Background(), 1, 1, "raw text", "", "<none>")
	require.NoError(t, err)
	assert.Equal(t, "raw text", res.ResolvedIntent)
	assert.Equal(t, "parse_failed", res.Reason)
}

func TestResolveContextFallsBackOnEmptyResolution(t *testing.T) {
	provider := &scriptedProvider{name: "p", texts: []string{
		`{"resolved_user_intent":"   ","needs_clarify":false}`,
	}}
	r := newRouter(t, provider)

	res, err := r.ResolveContext(context.Background(), 1, 1, "raw text", "", "<none>")
	require.NoError(t, err)
	assert.Equal(t, "raw text", res.ResolvedIntent)
	assert.Equal(t, "empty_resolution", res.Reason)
}

func TestResolveContextAppendsOriginalWhenRewritten(t *testing.T) {
	provider := &scriptedProvider{name: "p", texts: []string{
		`{"resolved_user_intent":"restart the web server","needs_clarify":false}`,
	}}
	r := newRouter(t, provider)

	res, err := r.ResolveContext(context.Background(), 1, 1, "do it again", "", "<none>")
	require.NoError(t, err)
	assert.Contains(t, res.ResolvedIntent, "[Original user message]")
	assert.Contains(t, res.ResolvedIntent, "do it again")
}

func TestRouteModeParsesExactWords(t *testing.T) {
	for _, tc := range []struct {
		text string
		want Mode
	}{
		{"act", ModeAct},
		{"chat", ModeChat},
		{"chat_act", ModeChatAct},
		{"chat+act", ModeChatAct},
		{"ask_clarify", ModeChat},
		{" ACT \n", ModeAct},
		{`"chat"`, ModeChat},
	} {
		provider := &scriptedProvider{name: "p", texts: []string{tc.text}}
		r := newRouter(t, provider)
		got := r.RouteMode(context.Background(), 1, 1, "resolved", "<none>")
		assert.Equal(t, tc.want, got, "input %q", tc.text)
	}
}

func TestRouteModeDegradesToChatOnFailureOrGarbage(t *testing.T) {
	provider := &scriptedProvider{name: "p", err: assertUpstreamErr}
	r := newRouter(t, provider)
	assert.Equal(t, ModeChat, r.RouteMode(context.Background(), 1, 1, "resolved", "<none>"))

	provider2 := &scriptedProvider{name: "p", texts: []string{"gibberish output"}}
	r2 := newRouter(t, provider2)
	assert.Equal(t, ModeChat, r2.RouteMode(context.Background(), 1, 1, "resolved", "<none>"))
}

func TestExtractJSONObjectToleratesSurroundingProse(t *testing.T) {
	var out struct {
		A string `json:"a"`
	}
	ok := extractJSONObject("here you go: {\"a\":\"b\"} thanks", &out)
	assert.True(t, ok)
	assert.Equal(t, "b", out.A)
}

func TestExtractJSONObjectRejectsNoBraces(t *testing.T) {
	var out map[string]interface{}
	assert.False(t, extractJSONObject("nothing here", &out))
}

// assertUpstreamErr is a classified, non-retryable failure so tests don't
// pay the transport-error backoff delay.
var assertUpstreamErr = &llm.Failure{Kind: llm.FailureServerError, Msg: "upstream unavailable"}
