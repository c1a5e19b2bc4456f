package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pallet-run/palletd/internal/agent"
	"github.com/pallet-run/palletd/internal/audit"
	"github.com/pallet-run/palletd/internal/intent"
	"github.com/pallet-run/palletd/internal/memory"
	"github.com/pallet-run/palletd/internal/models"
	"github.com/pallet-run/palletd/internal/skill"
	"golang.org/x/sync/errgroup"
)

// Dispatcher is the set of collaborators a worker needs to run a leased
// task through to completion.
type Dispatcher struct {
	Queue     *Queue
	Router    *intent.Router
	Skills    *skill.Dispatcher
	Memory    *memory.Engine
	NewRuntime func(userID, chatID int64, taskID string) *agent.Runtime
	NewPlanner func(userID int64, taskID string, allowedTools []string) agent.Planner

	AllowedTools []string
	TaskTimeout  time.Duration
	SkillTimeout time.Duration
}

// Pool is a fixed-size worker pool draining the task queue, modeled on the
// phased per-tick daemon loop: lease, dispatch, bound by timeout, persist.
type Pool struct {
	dispatcher   Dispatcher
	pollInterval time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // taskID -> cancel
}

// NewPool builds a worker pool; Run starts its workerCount cooperative
// workers.
func NewPool(d Dispatcher, pollInterval time.Duration) *Pool {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Pool{dispatcher: d, pollInterval: pollInterval, cancels: make(map[string]context.CancelFunc)}
}

// Run starts workerCount cooperative workers, each looping lease/dispatch/
// complete until ctx is canceled. Individual worker-loop errors never abort
// the group; workerLoop only returns on context cancellation.
func (p *Pool) Run(ctx context.Context, workerCount int) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		id := i
		g.Go(func() error {
			p.workerLoop(gctx, id)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := p.dispatcher.Queue.Lease(ctx)
		if err != nil {
			log.Printf("queue: worker %d lease error: %v", id, err)
			sleepWithContext(ctx, p.pollInterval)
			continue
		}
		if task == nil {
			sleepWithContext(ctx, p.pollInterval)
			continue
		}

		p.runTask(ctx, task)
	}
}

// runTask enforces the per-task wall-clock timeout and records the
// registered cancel function so Cancel() can abandon in-flight work.
func (p *Pool) runTask(ctx context.Context, task *models.Task) {
	timeout := p.dispatcher.TaskTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	p.mu.Lock()
	p.cancels[task.ID] = cancel
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.cancels, task.ID)
		p.mu.Unlock()
	}()

	status, resultText, errText := p.dispatch(taskCtx, task)

	var resultPtr *string
	if resultText != "" {
		resultPtr = &resultText
	}
	var errPtr *string
	if errText != "" {
		errPtr = &errText
	}
	if err := p.dispatcher.Queue.Complete(ctx, task.ID, status, resultPtr, errPtr); err != nil {
		log.Printf("queue: complete task %s: %v", task.ID, err)
	}
}

// dispatch routes a leased task by kind, returning its terminal status.
func (p *Pool) dispatch(ctx context.Context, task *models.Task) (status, resultText, errText string) {
	switch task.Kind {
	case models.TaskKindAsk:
		return p.dispatchAsk(ctx, task)
	case models.TaskKindRunSkill:
		return p.dispatchRunSkill(ctx, task)
	default:
		return models.TaskFailed, "", fmt.Sprintf("unknown task kind %q", task.Kind)
	}
}

func (p *Pool) dispatchAsk(ctx context.Context, task *models.Task) (string, string, string) {
	var payload AskPayload
	if err := json.Unmarshal([]byte(task.PayloadJSON), &payload); err != nil {
		return models.TaskFailed, "", fmt.Sprintf("malformed ask payload: %v", err)
	}

	memoryBlock := ""
	if p.dispatcher.Memory != nil {
		if block, err := p.dispatcher.Memory.Block(task.UserID, task.ChatID); err == nil {
			memoryBlock = block
		}
		_ = p.dispatcher.Memory.AppendTurn(ctx, task.UserID, task.ChatID, models.MemoryRoleUser, payload.Text)
	}

	resolution, err := p.dispatcher.Router.ResolveContext(ctx, task.UserID, task.ChatID, payload.Text, payload.LastAssistantTurn, memoryBlock)
	if err != nil {
		return checkCtxErr(ctx, fmt.Sprintf("context resolver: %v", err))
	}
	if resolution.NeedsClarify && resolution.Confidence < intent.ClarifyConfidenceThreshold {
		clarify := p.dispatcher.Router.GenerateClarifyQuestion(ctx, task.UserID, task.ChatID, payload.Text, resolution.Reason)
		p.recordAssistantTurn(ctx, task, clarify)
		return models.TaskSucceeded, clarify, ""
	}

	mode := p.dispatcher.Router.RouteMode(ctx, task.UserID, task.ChatID, resolution.ResolvedIntent, memoryBlock)
	if mode == intent.ModeChat {
		reply := p.dispatcher.Router.GenerateChatReply(ctx, task.UserID, task.ChatID, resolution.ResolvedIntent, memoryBlock)
		p.recordAssistantTurn(ctx, task, reply)
		return models.TaskSucceeded, reply, ""
	}

	rt := p.dispatcher.NewRuntime(task.UserID, task.ChatID, task.ID)
	planner := p.dispatcher.NewPlanner(task.UserID, task.ID, p.dispatcher.AllowedTools)
	result := rt.Run(ctx, planner, task.UserID, task.ChatID, task.ID, resolution.ResolvedIntent)

	switch result.Outcome {
	case agent.OutcomeRespond:
		p.recordAssistantTurn(ctx, task, result.Text)
		return models.TaskSucceeded, result.Text, ""
	default:
		return checkCtxErr(ctx, result.ErrorText)
	}
}

func (p *Pool) recordAssistantTurn(ctx context.Context, task *models.Task, text string) {
	if p.dispatcher.Memory == nil || text == "" {
		return
	}
	_ = p.dispatcher.Memory.AppendTurn(ctx, task.UserID, task.ChatID, models.MemoryRoleAssistant, text)
}

func (p *Pool) dispatchRunSkill(ctx context.Context, task *models.Task) (string, string, string) {
	var payload RunSkillPayload
	if err := json.Unmarshal([]byte(task.PayloadJSON), &payload); err != nil {
		return models.TaskFailed, "", fmt.Sprintf("malformed run_skill payload: %v", err)
	}

	skillTimeout := p.dispatcher.SkillTimeout
	if skillTimeout <= 0 {
		skillTimeout = 60 * time.Second
	}

	requestID := fmt.Sprintf("%s-skill", task.ID)
	inv, err := p.dispatcher.Skills.Dispatch(ctx, requestID, task.UserID, task.ChatID, payload.SkillName, payload.Args, nil, skillTimeout)
	if err != nil {
		return checkCtxErr(ctx, err.Error())
	}
	switch inv.Outcome {
	case skill.OutcomeOK:
		return models.TaskSucceeded, inv.Response.Text, ""
	case skill.OutcomeTimeout:
		return models.TaskTimedOut, "", "skill invocation timed out"
	default:
		return models.TaskFailed, "", inv.ErrorText
	}
}

// checkCtxErr distinguishes a context-deadline/cancellation failure
// (timeout/canceled) from an ordinary task failure.
func checkCtxErr(ctx context.Context, errText string) (string, string, string) {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return models.TaskTimedOut, "", "task exceeded timeout"
	case context.Canceled:
		return models.TaskCanceled, "", "task canceled"
	default:
		return models.TaskFailed, "", errText
	}
}

// Cancel signals cancellation for any running task this pool owns matching
// (user, chat); queued tasks were already transitioned by Queue.Cancel.
func (p *Pool) Cancel(ctx context.Context, userID, chatID int64) error {
	runningIDs, err := p.dispatcher.Queue.Cancel(ctx, userID, chatID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range runningIDs {
		if cancel, ok := p.cancels[id]; ok {
			cancel()
		}
	}
	_ = audit.Record(p.dispatcher.Queue.db, &userID, audit.ActionCancel, map[string]interface{}{"chat_id": chatID, "signaled": len(runningIDs)}, nil)
	return nil
}

func sleepWithContext(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
