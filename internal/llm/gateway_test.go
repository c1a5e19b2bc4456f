package llm

import (
	"context"
	"testing"

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

type fakeProvider struct {
	name  string
	resp  *Response
	err   error
	calls int
}

func (p *fakeProvider) Name() string  { return p.name }
func (p *fakeProvider) Model() string { return "fake-model" }
func (p *fakeProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.resp, nil
}

func newLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

func TestCompleteReturnsFirstProviderSuccess(t *testing.T) {
	p := &fakeProvider{name: "primary", resp: &Response{Text: "hi"}}
	gw := NewGateway(openTestDB(t), newLogger(), 100, p)

	resp, err := gw.Complete(context.Background(), 1, "t1", Request{Messages: []Message{{Role: RoleUser, Content: "hello"}}})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Text)
	assert.Equal(t, 1, p.calls)
}

func TestCompleteFallsBackToNextProviderOnServerError(t *testing.T) {
	broken := &fakeProvider{name: "broken", err: &Failure{Kind: FailureServerError, Msg: "down"}}
	good := &fakeProvider{name: "good", resp: &Response{Text: "backup"}}
	gw := NewGateway(openTestDB(t), newLogger(), 100, broken, good)

	resp, err := gw.Complete(context.Background(), 1, "t1", Request{})
	require.NoError(t, err)
	assert.Equal(t, "backup", resp.Text)
	assert.Equal(t, 1, broken.calls)
	assert.Equal(t, 1, good.calls)
}

func TestCompleteExhaustsAllProviders(t *testing.T) {
	a := &fakeProvider{name: "a", err: &Failure{Kind: FailureServerError, Msg: "down"}}
	b := &fakeProvider{name: "b", err: &Failure{Kind: FailureServerError, Msg: "down"}}
	gw := NewGateway(openTestDB(t), newLogger(), 100, a, b)

	_, err := gw.Complete(context.Background(), 1, "t1", Request{})
	assert.Error(t, err)
}

func TestCompleteNoProvidersConfigured(t *testing.T) {
	gw := NewGateway(openTestDB(t), newLogger(), 100)
	_, err := gw.Complete(context.Background(), 1, "t1", Request{})
	assert.Error(t, err)
}

func TestCompleteEnforcesRPM(t *testing.T) {
	p := &fakeProvider{name: "p", resp: &Response{Text: "ok"}}
	gw := NewGateway(openTestDB(t), newLogger(), 1, p)

	_, err := gw.Complete(context.Background(), 1, "t1", Request{})
	require.NoError(t, err)

	_, err = gw.Complete(context.Background(), 1, "t2", Request{})
	assert.Error(t, err)
}

func TestCompleteRPMIsPerUser(t *testing.T) {
	p := &fakeProvider{name: "p", resp: &Response{Text: "ok"}}
	gw := NewGateway(openTestDB(t), newLogger(), 1, p)

	_, err := gw.Complete(context.Background(), 1, "t1", Request{})
	require.NoError(t, err)

	_, err = gw.Complete(context.Background(), 2, "t2", Request{})
	assert.NoError(t, err, "a different user has its own RPM budget")
}

func TestFailureKindDefaultsToTransportErrorForUnclassifiedErrors(t *testing.T) {
	assert.Equal(t, FailureTransportError, failureKind(assertPlainErr{}))
}

type assertPlainErr struct{}

func (assertPlainErr) Error() string { return "plain" }
