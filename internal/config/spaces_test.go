package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const spacesFixture = `
spaces:
  demo:
    default_capabilities:
      - kind: chat
    participants:
      alice:
        tokens: ["tok-alice"]
        capabilities:
          - kind: "*"
      tool-agent:
        tokens: ["tok-tool", "tok-tool-backup"]
        capabilities:
          - id: fs-read
            kind: mcp/request
            to: ["fs-bridge"]
            payload:
              method: tools/call
              params:
                name: "read_*"
  locked:
    participants:
      admin:
        tokens: ["tok-admin"]
        capabilities:
          - kind: "*"
`

func writeSpaces(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spaces.yaml")
	require.NoError(t, os.WriteFile(path, []byte(spacesFixture), 0o644))
	m, err := NewManager(path)
	require.NoError(t, err)
	return m
}

func TestResolveToken(t *testing.T) {
	m := writeSpaces(t)

	id, ok := m.ResolveToken("demo", "tok-alice")
	require.True(t, ok)
	assert.Equal(t, "alice", id)

	// Multiple tokens may bind the same identity.
	id, ok = m.ResolveToken("demo", "tok-tool-backup")
	require.True(t, ok)
	assert.Equal(t, "tool-agent", id)

	// Tokens are space-scoped.
	_, ok = m.ResolveToken("locked", "tok-alice")
	assert.False(t, ok)

	_, ok = m.ResolveToken("demo", "wrong")
	assert.False(t, ok)

	_, ok = m.ResolveToken("nonexistent", "tok-alice")
	assert.False(t, ok)
}

func TestCapabilitiesForParticipant(t *testing.T) {
	m := writeSpaces(t)

	caps, ok := m.CapabilitiesFor("demo", "alice")
	require.True(t, ok)
	require.Len(t, caps, 1)
	assert.Equal(t, "*", caps[0].Kind)
}

func TestCapabilitiesFallBackToSpaceDefaults(t *testing.T) {
	m := writeSpaces(t)

	caps, ok := m.CapabilitiesFor("demo", "stranger")
	require.True(t, ok)
	require.Len(t, caps, 1)
	assert.Equal(t, "chat", caps[0].Kind)

	// A space with no defaults says nothing about unknown participants.
	_, ok = m.CapabilitiesFor("locked", "stranger")
	assert.False(t, ok)

	_, ok = m.CapabilitiesFor("nonexistent", "alice")
	assert.False(t, ok)
}

func TestPayloadRulesNormalized(t *testing.T) {
	m := writeSpaces(t)

	caps, ok := m.CapabilitiesFor("demo", "tool-agent")
	require.True(t, ok)
	require.Len(t, caps, 1)

	grant := caps[0]
	assert.Equal(t, "fs-read", grant.ID)
	assert.Equal(t, "mcp/request", grant.Kind)
	require.Len(t, grant.To, 1)
	assert.Equal(t, "fs-bridge", grant.To[0])

	// Nested YAML mappings must come out as JSON-shaped maps so the
	// matcher can walk them.
	params, isMap := grant.Payload["params"].(map[string]interface{})
	require.True(t, isMap)
	assert.Equal(t, "read_*", params["name"])
}

func TestEmptyPathYieldsInertManager(t *testing.T) {
	m, err := NewManager("")
	require.NoError(t, err)

	_, ok := m.ResolveToken("demo", "tok-alice")
	assert.False(t, ok)
	_, ok = m.CapabilitiesFor("demo", "alice")
	assert.False(t, ok)
}

func TestMissingSpacesFileErrors(t *testing.T) {
	_, err := NewManager("/does/not/exist.yaml")
	assert.Error(t, err)
}
