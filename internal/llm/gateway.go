package llm

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pallet-run/palletd/internal/apperr"
	"github.com/pallet-run/palletd/internal/audit"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
)

// entry binds a configured provider to its priority and concurrency cap.
type entry struct {
	provider Provider
	priority int
	sem      *semaphore.Weighted
}

// Gateway routes a uniform Request across a priority-ordered chain of
// providers, retrying transport errors with backoff on the same provider
// before falling back, and enforcing a per-user requests-per-minute budget.
type Gateway struct {
	db      *gorm.DB
	logger  *zap.SugaredLogger
	entries []entry

	mu       sync.Mutex
	userRPM  int
	requests map[int64]*list.List // timestamps within the trailing 60s window
}

// NewGateway builds a gateway from a priority-ordered set of providers, each
// carrying its own max-concurrency cap, and a per-user requests-per-minute
// budget enforced across all providers.
func NewGateway(db *gorm.DB, logger *zap.SugaredLogger, userRPM int, providers ...Provider) *Gateway {
	entries := make([]entry, len(providers))
	for i, p := range providers {
		entries[i] = entry{provider: p, priority: i, sem: semaphore.NewWeighted(4)}
	}
	return &Gateway{
		db:       db,
		logger:   logger,
		entries:  entries,
		userRPM:  userRPM,
		requests: make(map[int64]*list.List),
	}
}

// WithProviderConcurrency overrides the per-provider concurrency cap for the
// provider at index i (0-based, in priority order).
func (g *Gateway) WithProviderConcurrency(i int, max int64) *Gateway {
	if i >= 0 && i < len(g.entries) {
		g.entries[i].sem = semaphore.NewWeighted(max)
	}
	return g
}

const transportRetryLimit = 3

// Complete runs req through the fallback chain for userID, returning the
// first success. taskID correlates audit rows to the originating task.
func (g *Gateway) Complete(ctx context.Context, userID int64, taskID string, req Request) (*Response, error) {
	if !g.admit(userID) {
		_ = audit.Record(g.db, &userID, audit.ActionLimitHit, map[string]string{"reason": "rate_limited", "task_id": taskID}, nil)
		return nil, apperr.ErrRateLimited
	}

	var lastErr error
	for _, e := range g.entries {
		if !e.sem.TryAcquire(1) {
			_ = audit.Record(g.db, &userID, audit.ActionLimitHit, map[string]string{"reason": "provider_concurrency", "provider": e.provider.Name(), "task_id": taskID}, nil)
			continue
		}
		start := time.Now()
		resp, err := g.callWithRetry(ctx, e, req)
		e.sem.Release(1)
		latencyMS := time.Since(start).Milliseconds()

		if err == nil {
			g.auditOutcome(userID, taskID, e.provider, true, "", latencyMS)
			return resp, nil
		}

		kind := failureKind(err)
		g.auditOutcome(userID, taskID, e.provider, false, string(kind), latencyMS)
		lastErr = err

		if kind == FailureRateLimited || kind == FailureServerError || kind == FailureParseError || kind == FailureTimeout {
			g.logger.Infow("llm: falling back to next provider", "provider", e.provider.Name(), "kind", kind)
			_ = audit.Record(g.db, &userID, audit.ActionFallback, map[string]string{"from_provider": e.provider.Name(), "kind": string(kind), "task_id": taskID}, nil)
			continue
		}
		// transport_error already retried same-provider inside callWithRetry;
		// any other unclassified error also falls through to the next
		// provider rather than failing the whole request outright.
	}
	if lastErr == nil {
		lastErr = apperr.New(apperr.KindUpstream, "llm: no providers configured")
	}
	return nil, apperr.Wrap(apperr.KindUpstream, "llm: all providers exhausted", lastErr)
}

// callWithRetry retries transport_error on the same provider with
// exponential backoff up to transportRetryLimit attempts before giving up.
func (g *Gateway) callWithRetry(ctx context.Context, e entry, req Request) (*Response, error) {
	var err error
	for attempt := 0; attempt <= transportRetryLimit; attempt++ {
		var resp *Response
		resp, err = e.provider.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		if failureKind(err) != FailureTransportError {
			return nil, err
		}
		if attempt == transportRetryLimit {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After((250 * time.Millisecond) << attempt):
		}
	}
	return nil, err
}

func (g *Gateway) auditOutcome(userID int64, taskID string, p Provider, ok bool, failureKind string, latencyMS int64) {
	detail := map[string]interface{}{
		"provider":   p.Name(),
		"model":      p.Model(),
		"task_id":    taskID,
		"ok":         ok,
		"latency_ms": latencyMS,
	}
	if failureKind != "" {
		detail["kind"] = failureKind
	}
	_ = audit.Record(g.db, &userID, audit.ActionRunLLM, detail, nil)
}

func failureKind(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return FailureTransportError
}

// admit enforces the per-user RPM budget over a rolling 60-second window
// (spec §4.3, testable property #6).
func (g *Gateway) admit(userID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	window := now.Add(-60 * time.Second)

	l, ok := g.requests[userID]
	if !ok {
		l = list.New()
		g.requests[userID] = l
	}
	for l.Len() > 0 {
		front := l.Front()
		if front.Value.(time.Time).Before(window) {
			l.Remove(front)
			continue
		}
		break
	}
	if l.Len() >= g.userRPM {
		return false
	}
	l.PushBack(now)
	return true
}
