// Package skill implements the Skill Dispatcher: one-shot subprocess
// invocation of external skill executables over a single-line JSON
// request/response protocol (spec §4.8).
package skill

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pallet-run/palletd/internal/config"
	"golang.org/x/sync/semaphore"
)

// Request is the single JSON line written to the child's stdin.
type Request struct {
	RequestID string                 `json:"request_id"`
	UserID    int64                  `json:"user_id"`
	ChatID    int64                  `json:"chat_id"`
	SkillName string                 `json:"skill_name"`
	Args      map[string]interface{} `json:"args"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// Status values for Response.Status.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Response is the single JSON line read from the child's stdout.
type Response struct {
	RequestID string                 `json:"request_id"`
	Status    string                 `json:"status"`
	Text      string                 `json:"text,omitempty"`
	Buttons   []interface{}          `json:"buttons,omitempty"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
	ErrorText string                 `json:"error_text,omitempty"`
}

// Outcome classifies how an invocation ended, for the task/audit boundary.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeError   Outcome = "error"
	OutcomeTimeout Outcome = "timeout"
)

// Invocation is the result of one Dispatch call.
type Invocation struct {
	Outcome  Outcome
	Response *Response
	// ErrorText is populated on OutcomeError/OutcomeTimeout: the response's
	// error_text or the child's stderr tail, otherwise a message naming the
	// failure (timeout, request_id mismatch, exit or read error).
	ErrorText string
}

// Dispatcher spawns registered skill executables, bounding concurrent
// executions by a semaphore.
type Dispatcher struct {
	skills map[string]config.SkillConfig
	sem    *semaphore.Weighted
}

// New builds a Dispatcher from the configured skill registry and the
// profile-derived skill concurrency cap.
func New(skills []config.SkillConfig, maxConcurrency int) *Dispatcher {
	registry := make(map[string]config.SkillConfig, len(skills))
	for _, s := range skills {
		registry[s.Name] = s
	}
	return &Dispatcher{skills: registry, sem: semaphore.NewWeighted(int64(maxConcurrency))}
}

// gracePeriod is how long a skill gets to exit after SIGTERM before SIGKILL.
const gracePeriod = 5 * time.Second

// stderrTailBytes bounds how much of the child's stderr is kept for error
// classification.
const stderrTailBytes = 4096

// Dispatch spawns the named skill, writes exactly one JSON request line,
// and reads exactly one JSON response line, per the normative protocol in
// spec §4.8.
func (d *Dispatcher) Dispatch(ctx context.Context, requestID string, userID, chatID int64, skillName string, args map[string]interface{}, skillCtx map[string]interface{}, timeout time.Duration) (*Invocation, error) {
	sc, ok := d.skills[skillName]
	if !ok {
		return nil, fmt.Errorf("skill: unknown skill %q", skillName)
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("skill: acquire concurrency slot: %w", err)
	}
	defer d.sem.Release(1)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, sc.Path, skillName)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = gracePeriod

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("skill: stdin pipe for %s: %w", skillName, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("skill: stdout pipe for %s: %w", skillName, err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &tailWriter{buf: &stderr, max: stderrTailBytes}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("skill: start %s: %w", skillName, err)
	}

	req := Request{RequestID: requestID, UserID: userID, ChatID: chatID, SkillName: skillName, Args: args, Context: skillCtx}
	line, err := json.Marshal(req)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("skill: marshal request for %s: %w", skillName, err)
	}

	var writeErr error
	go func() {
		_, writeErr = stdin.Write(append(line, '\n'))
		_ = stdin.Close()
	}()

	respCh := make(chan *Response, 1)
	scanErrCh := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		if scanner.Scan() {
			var resp Response
			if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
				scanErrCh <- fmt.Errorf("malformed response JSON: %w", err)
				return
			}
			respCh <- &resp
			return
		}
		if err := scanner.Err(); err != nil {
			scanErrCh <- err
			return
		}
		scanErrCh <- fmt.Errorf("no output from skill")
	}()

	waitErrCh := make(chan error, 1)
	go func() { waitErrCh <- cmd.Wait() }()

	var resp *Response
	var respErr error
	select {
	case resp = <-respCh:
	case respErr = <-scanErrCh:
	case <-runCtx.Done():
	}

	waitErr := <-waitErrCh
	if writeErr != nil && respErr == nil && resp == nil {
		respErr = writeErr
	}

	if runCtx.Err() != nil {
		return &Invocation{Outcome: OutcomeTimeout, ErrorText: "skill invocation timed out"}, nil
	}

	if resp != nil {
		if resp.RequestID != requestID {
			return &Invocation{Outcome: OutcomeError, ErrorText: fmt.Sprintf("skill: request_id mismatch: got %q want %q", resp.RequestID, requestID)}, nil
		}
		if resp.Status == StatusOK {
			return &Invocation{Outcome: OutcomeOK, Response: resp}, nil
		}
		errText := resp.ErrorText
		if errText == "" {
			errText = stderr.String()
		}
		return &Invocation{Outcome: OutcomeError, Response: resp, ErrorText: errText}, nil
	}

	if waitErr != nil {
		return &Invocation{Outcome: OutcomeError, ErrorText: stderrOrFallback(stderr.String(), waitErr.Error())}, nil
	}
	if respErr != nil {
		return &Invocation{Outcome: OutcomeError, ErrorText: stderrOrFallback(stderr.String(), respErr.Error())}, nil
	}
	return &Invocation{Outcome: OutcomeError, ErrorText: "skill: no response and no error"}, nil
}

func stderrOrFallback(stderr, fallback string) string {
	if stderr != "" {
		return stderr
	}
	return fallback
}

// Names lists all registered skill names, for the debug introspection route.
func (d *Dispatcher) Names() []string {
	names := make([]string, 0, len(d.skills))
	for n := range d.skills {
		names = append(names, n)
	}
	return names
}

// tailWriter keeps only the last max bytes written, for stderr-tail capture.
type tailWriter struct {
	mu  sync.Mutex
	buf *bytes.Buffer
	max int
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	if w.buf.Len() > w.max {
		trimmed := w.buf.Bytes()[w.buf.Len()-w.max:]
		w.buf.Reset()
		w.buf.Write(trimmed)
	}
	return len(p), nil
}
