package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	prev := r.Register("PROJ-1", "session-abc")
	assert.Empty(t, prev)

	sid, ok := r.Owner("PROJ-1")
	assert.True(t, ok)
	assert.Equal(t, "session-abc", sid)
}

func TestSessionRegistry_NotFound(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.Owner("PROJ-1")
	assert.False(t, ok)
}

func TestSessionRegistry_TransferReportsPreviousOwner(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("PROJ-1", "session-old")
	prev := r.Register("PROJ-1", "session-new")
	assert.Equal(t, "session-old", prev)

	sid, ok := r.Owner("PROJ-1")
	assert.True(t, ok)
	assert.Equal(t, "session-new", sid)
}

func TestSessionRegistry_ReRegisterSameOwner(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("PROJ-1", "session-abc")
	prev := r.Register("PROJ-1", "session-abc")
	assert.Empty(t, prev, "re-opening from the same session is not a transfer")
}

func TestSessionRegistry_Release(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("PROJ-1", "session-abc")
	r.Release("PROJ-1")

	_, ok := r.Owner("PROJ-1")
	assert.False(t, ok)
}

func TestSessionRegistry_Remove(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("PROJ-1", "session-abc")
	r.Register("PROJ-2", "session-abc")
	r.Register("PROJ-3", "session-xyz")

	closed := r.Remove("session-abc")
	assert.ElementsMatch(t, []string{"PROJ-1", "PROJ-2"}, closed)

	_, ok := r.Owner("PROJ-1")
	assert.False(t, ok, "PROJ-1 should be released")

	_, ok = r.Owner("PROJ-2")
	assert.False(t, ok, "PROJ-2 should be released")

	sid, ok := r.Owner("PROJ-3")
	assert.True(t, ok, "PROJ-3 should still be owned")
	assert.Equal(t, "session-xyz", sid)
}
