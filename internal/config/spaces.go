package config

import (
	"crypto/subtle"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/mew/gateway/internal/capability"
)

// SpacesConfig is the per-space directory file: identity bindings and
// capability grants scoped to named spaces. The gateway's main config
// covers transport knobs; this file is the authorization surface.
type SpacesConfig struct {
	Spaces map[string]SpaceConfig `yaml:"spaces"`
}

type SpaceConfig struct {
	// DefaultCapabilities apply to participants the space does not name.
	DefaultCapabilities []CapabilityRule             `yaml:"default_capabilities"`
	Participants        map[string]ParticipantConfig `yaml:"participants"`
}

type ParticipantConfig struct {
	// Tokens authenticate as this participant within this space.
	Tokens       []string         `yaml:"tokens"`
	Capabilities []CapabilityRule `yaml:"capabilities"`
}

// CapabilityRule is the YAML form of a capability grant.
type CapabilityRule struct {
	ID      string                 `yaml:"id"`
	Kind    string                 `yaml:"kind"`
	To      []string               `yaml:"to"`
	Payload map[string]interface{} `yaml:"payload"`
}

// Capability converts the YAML rule to the matcher's grant form.
func (r CapabilityRule) Capability() capability.Capability {
	return capability.Capability{
		ID:      r.ID,
		Kind:    r.Kind,
		To:      capability.PatternList(r.To),
		Payload: normalizeMap(r.Payload),
	}
}

// Manager resolves space-scoped identity and capability bindings.
type Manager struct {
	mu     sync.RWMutex
	spaces map[string]SpaceConfig
}

// NewManager loads the directory file. An empty path yields a manager
// that resolves nothing.
func NewManager(path string) (*Manager, error) {
	m := &Manager{spaces: make(map[string]SpaceConfig)}
	if path == "" {
		return m, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open spaces config: %w", err)
	}
	defer f.Close()
	var sc SpacesConfig
	if err := yaml.NewDecoder(f).Decode(&sc); err != nil {
		return nil, fmt.Errorf("parse spaces config: %w", err)
	}
	if sc.Spaces != nil {
		m.spaces = sc.Spaces
	}
	return m, nil
}

// ResolveToken returns the participant identity a token binds to within
// a space.
func (m *Manager) ResolveToken(space, token string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.spaces[space]
	if !ok {
		return "", false
	}
	for id, pc := range sc.Participants {
		for _, t := range pc.Tokens {
			if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
				return id, true
			}
		}
	}
	return "", false
}

// CapabilitiesFor returns the configured grant for a participant in a
// space: its explicit list if present, else the space defaults. The
// second return reports whether the space configuration spoke at all.
func (m *Manager) CapabilitiesFor(space, participant string) ([]capability.Capability, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.spaces[space]
	if !ok {
		return nil, false
	}
	if pc, ok := sc.Participants[participant]; ok && len(pc.Capabilities) > 0 {
		return convertRules(pc.Capabilities), true
	}
	if len(sc.DefaultCapabilities) > 0 {
		return convertRules(sc.DefaultCapabilities), true
	}
	return nil, false
}

func convertRules(rules []CapabilityRule) []capability.Capability {
	out := make([]capability.Capability, len(rules))
	for i, r := range rules {
		out[i] = r.Capability()
	}
	return out
}

func normalizeMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = normalizeValue(v)
	}
	return out
}

// yaml.v2 decodes nested mappings as map[interface{}]interface{}; the
// capability matcher expects JSON-shaped maps.
func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeValue(val)
		}
		return out
	case map[string]interface{}:
		return normalizeMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	default:
		return v
	}
}
