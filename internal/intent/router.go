// Package intent implements the two-pass Intent Router: a context resolver
// that rewrites elliptical follow-ups into self-contained intents, and a
// mode router that classifies the resolved intent into chat/act/chat_act/
// ask_clarify.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pallet-run/palletd/internal/audit"
	"github.com/pallet-run/palletd/internal/llm"
	"gorm.io/gorm"
)

// Mode is the routed mode for an act-capable request.
type Mode string

const (
	ModeChat        Mode = "chat"
	ModeAct         Mode = "act"
	ModeChatAct     Mode = "chat_act"
	ModeAskClarify  Mode = "ask_clarify"
)

// ContextResolution is the output of the first LLM pass.
type ContextResolution struct {
	ResolvedIntent string
	NeedsClarify   bool
	Confidence     float64
	Reason         string
}

// Router runs the two-pass classification.
type Router struct {
	db      *gorm.DB
	gateway *llm.Gateway
}

// New builds a Router.
func New(db *gorm.DB, gateway *llm.Gateway) *Router {
	return &Router{db: db, gateway: gateway}
}

type contextResolverOut struct {
	ResolvedUserIntent string  `json:"resolved_user_intent"`
	NeedsClarify       bool    `json:"needs_clarify"`
	Confidence         float64 `json:"confidence"`
	Reason             string  `json:"reason"`
}

// ResolveContext rewrites raw into a self-contained intent, anchored on the
// most recent assistant turn and the memory block. On LLM failure or
// unparseable output it falls back to returning raw unchanged with a
// "llm_failed"/"parse_failed" reason (matching the original implementation
// exactly), and audits the fallback.
func (r *Router) ResolveContext(ctx context.Context, userID, chatID int64, raw, lastAssistantTurn, memoryBlock string) (*ContextResolution, error) {
	prompt := buildContextResolverPrompt(raw, lastAssistantTurn, memoryBlock)

	resp, err := r.gateway.Complete(ctx, userID, "", llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		r.auditFallback(userID, "context_resolver", "llm_failed")
		return &ContextResolution{ResolvedIntent: raw, Reason: "llm_failed"}, nil
	}

	var out contextResolverOut
	if !extractJSONObject(resp.Text, &out) {
		r.auditFallback(userID, "context_resolver", "parse_failed")
		return &ContextResolution{ResolvedIntent: raw, Reason: "parse_failed"}, nil
	}
	if strings.TrimSpace(out.ResolvedUserIntent) == "" {
		r.auditFallback(userID, "context_resolver", "empty_resolution")
		return &ContextResolution{ResolvedIntent: raw, Reason: "empty_resolution"}, nil
	}

	resolved := out.ResolvedUserIntent
	if strings.TrimSpace(resolved) != strings.TrimSpace(raw) {
		resolved = resolved + "\n\n[Original user message]\n" + raw
	}

	return &ContextResolution{
		ResolvedIntent: resolved,
		NeedsClarify:   out.NeedsClarify,
		Confidence:     out.Confidence,
		Reason:         out.Reason,
	}, nil
}

// ClarifyConfidenceThreshold gates when a NeedsClarify resolution actually
// produces a clarify turn: below this confidence the resolver's own guess is
// treated as too weak to route on.
const ClarifyConfidenceThreshold = 0.6

const defaultClarifyQuestion = "I need to double check what this is about — could you say a bit more about which task or topic you mean?"

// GenerateChatReply produces the chat-mode reply for a resolved intent. On
// LLM failure or an empty response it falls back to the resolved intent
// itself (audited), so a user is never left without any reply.
func (r *Router) GenerateChatReply(ctx context.Context, userID, chatID int64, resolvedIntent, memoryBlock string) string {
	prompt := buildChatResponsePrompt(resolvedIntent, memoryBlock)

	resp, err := r.gateway.Complete(ctx, userID, "", llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		r.auditFallback(userID, "chat_response", "llm_failed")
		return resolvedIntent
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		r.auditFallback(userID, "chat_response", "empty_response")
		return resolvedIntent
	}
	return text
}

// GenerateClarifyQuestion produces the clarify-mode question for a
// low-confidence resolution. On LLM failure or an empty response it falls
// back to a fixed default question.
func (r *Router) GenerateClarifyQuestion(ctx context.Context, userID, chatID int64, rawRequest, resolverReason string) string {
	prompt := buildClarifyPrompt(rawRequest, resolverReason)

	resp, err := r.gateway.Complete(ctx, userID, "", llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		r.auditFallback(userID, "clarify_question", "llm_failed")
		return defaultClarifyQuestion
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return defaultClarifyQuestion
	}
	return text
}

// RouteMode maps the resolved intent into a Mode. LLM or parse failure
// degrades to ModeChat (spec §4.5, §9 "LLM non-determinism").
func (r *Router) RouteMode(ctx context.Context, userID, chatID int64, resolvedIntent, memoryBlock string) Mode {
	prompt := buildRouterPrompt(resolvedIntent, memoryBlock)

	resp, err := r.gateway.Complete(ctx, userID, "", llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		r.auditFallback(userID, "router", "llm_failed")
		return ModeChat
	}
	mode, ok := parseModeText(resp.Text)
	if !ok {
		r.auditFallback(userID, "router", "parse_failed")
		return ModeChat
	}
	return mode
}

// parseModeText interprets the router's free-text output, matching the
// original's literal/contains checks: "ask_clarify" maps to chat at this
// layer (clarify is decided one level up from NeedsClarify), "chat_act"/
// "chat+act" to ChatAct, exact "act" to Act, "chat" or anything containing
// "clarify" to Chat.
func parseModeText(text string) (Mode, bool) {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.Trim(t, "\"")
	switch {
	case t == "":
		return "", false
	case t == "ask_clarify":
		return ModeChat, true
	case t == "chat_act" || t == "chat+act":
		return ModeChatAct, true
	case t == "act":
		return ModeAct, true
	case t == "chat" || strings.Contains(t, "clarify"):
		return ModeChat, true
	default:
		return "", false
	}
}

func (r *Router) auditFallback(userID int64, pass, reason string) {
	_ = audit.Record(r.db, &userID, audit.ActionFallback, map[string]string{"pass": pass, "reason": reason}, nil)
}

func buildContextResolverPrompt(raw, lastAssistantTurn, memoryBlock string) string {
	return fmt.Sprintf(
		`You resolve elliptical follow-up messages into self-contained intents.

Anchoring priority: the immediate prior assistant question, then the immediate
prior user message, then older memory. Short follow-ups like "60", "yes",
"continue" bind to the nearest unresolved question. If no anchor is
resolvable, set needs_clarify to true.

Last assistant turn:
%s

Memory block:
%s

User message:
%s

Respond with exactly one JSON object:
{"resolved_user_intent": "...", "needs_clarify": false, "confidence": 0.0, "reason": "..."}`,
		lastAssistantTurn, memoryBlock, raw)
}

func buildChatResponsePrompt(resolvedIntent, memoryBlock string) string {
	return fmt.Sprintf(
		`You are replying in an ongoing chat. Answer the request directly and
naturally; do not narrate that you are an assistant or repeat these
instructions back.

Context:
%s

Request:
%s`,
		memoryBlock, resolvedIntent)
}

func buildClarifyPrompt(rawRequest, resolverReason string) string {
	return fmt.Sprintf(
		`The user's request could not be resolved to a concrete target with
enough confidence to act on. Write one short, natural question asking them
to clarify what they mean. Do not answer the request itself.

Request:
%s

Why it is unresolved:
%s`,
		strings.TrimSpace(rawRequest), strings.TrimSpace(resolverReason))
}

func buildRouterPrompt(resolvedIntent, memoryBlock string) string {
	return fmt.Sprintf(
		`Classify the request into exactly one mode: chat, act, chat_act, or ask_clarify.

action_signal = the request demands an external action (command, file op,
image gen/edit, schedule op, named skill).
narration_signal = the request explicitly demands explanation/summary/
reasoning alongside the action.

action and narration -> chat_act
action and not narration -> act
not action -> chat
weak evidence with an unresolved target -> ask_clarify

Memory block:
%s

Resolved intent:
%s

Respond with exactly one word: chat, act, chat_act, or ask_clarify.`,
		memoryBlock, resolvedIntent)
}

// extractJSONObject finds the first {...} span in text and unmarshals it
// into out, matching the original's tolerant extract-then-parse fallback.
func extractJSONObject(text string, out interface{}) bool {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < 0 || end < start {
		return false
	}
	return json.Unmarshal([]byte(text[start:end+1]), out) == nil
}
