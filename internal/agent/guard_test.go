package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRepeatGuardTripsAfterDupLimit(t *testing.T) {
	g := NewRepeatGuard(2)
	assert.False(t, g.Observe("a"))
	assert.False(t, g.Observe("a"))
	assert.True(t, g.Observe("a"))
}

func TestRepeatGuardStaysTrippedAcrossFingerprints(t *testing.T) {
	g := NewRepeatGuard(1)
	assert.False(t, g.Observe("a"))
	assert.True(t, g.Observe("a"))
	assert.True(t, g.Observe("b"), "once tripped, every subsequent observation reports tripped")
}

func TestRepeatGuardDefaultsDupLimit(t *testing.T) {
	g := NewRepeatGuard(0)
	assert.Equal(t, DefaultDupLimit, g.dupLimit)
}

func TestRepeatGuardDistinctFingerprintsDoNotInterfere(t *testing.T) {
	g := NewRepeatGuard(1)
	assert.False(t, g.Observe("a"))
	assert.False(t, g.Observe("b"))
}

func TestFingerprintIsStableAndArgOrderInvariant(t *testing.T) {
	f1 := Fingerprint("tool", "read_file", map[string]interface{}{"path": "a", "mode": "r"})
	f2 := Fingerprint("tool", "read_file", map[string]interface{}{"mode": "r", "path": "a"})
	assert.Equal(t, f1, f2)
}

func TestFingerprintDistinguishesArgs(t *testing.T) {
	f1 := Fingerprint("tool", "read_file", map[string]interface{}{"path": "a"})
	f2 := Fingerprint("tool", "read_file", map[string]interface{}{"path": "b"})
	assert.NotEqual(t, f1, f2)
}

func TestFingerprintDistinguishesKindAndName(t *testing.T) {
	f1 := Fingerprint("tool", "x", nil)
	f2 := Fingerprint("skill", "x", nil)
	f3 := Fingerprint("tool", "y", nil)
	assert.NotEqual(t, f1, f2)
	assert.NotEqual(t, f1, f3)
}

func TestFingerprintHandlesNilArgs(t *testing.T) {
	f := Fingerprint("tool", "x", nil)
	assert.NotEmpty(t, f)
}
