package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// DefaultDupLimit is the default repeated-action trip threshold (spec
// §4.6, default 3).
const DefaultDupLimit = 3

// RepeatedActionMsg is the fixed phrase the failure path carries, to aid
// regression tests (spec §7 "User-visible failure behavior").
const RepeatedActionMsg = "agent repeated same action too many times"

// RepeatGuard counts fingerprint occurrences within one run and trips once
// any fingerprint exceeds dupLimit, adapted from the subprocess stall
// detector's rolling repeated-line counter to operate over action
// fingerprints instead of stdout lines.
type RepeatGuard struct {
	dupLimit int
	counts   map[string]int
	tripped  bool
}

// NewRepeatGuard builds a guard with dupLimit (0 uses DefaultDupLimit).
func NewRepeatGuard(dupLimit int) *RepeatGuard {
	if dupLimit <= 0 {
		dupLimit = DefaultDupLimit
	}
	return &RepeatGuard{dupLimit: dupLimit, counts: make(map[string]int)}
}

// Observe records one call_tool/call_skill step and reports whether this
// observation trips the guard. Once tripped, the guard always reports
// tripped (only the first trip matters to the caller).
func (g *RepeatGuard) Observe(fingerprint string) bool {
	if g.tripped {
		return true
	}
	g.counts[fingerprint]++
	if g.counts[fingerprint] > g.dupLimit {
		g.tripped = true
	}
	return g.tripped
}

// Fingerprint computes the canonical hash of (name, normalized args) used
// by the repeated-action guard (glossary: "Fingerprint").
func Fingerprint(kind, name string, args map[string]interface{}) string {
	normalized := normalizeArgs(args)
	data, _ := json.Marshal(struct {
		Kind string                 `json:"kind"`
		Name string                 `json:"name"`
		Args map[string]interface{} `json:"args"`
	}{kind, name, normalized})

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// normalizeArgs produces a map with deterministically ordered-irrelevant
// content: json.Marshal already sorts map keys, so this just copies through
// args defensively (kept as its own function for the canonicalization step
// to grow into, e.g. whitespace trimming on string values).
func normalizeArgs(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(args))
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out[k] = args[k]
	}
	return out
}
