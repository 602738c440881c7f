// Package capability implements the authorization pattern language the
// gateway evaluates against every participant-originated envelope. A
// capability is a pattern over (kind, to, payload); a participant may send
// an envelope iff some positive capability matches it and no negative
// capability (kind prefixed with '!') matches it.
package capability

import (
	"encoding/json"
	"strings"
)

// Capability is one authorization pattern as granted in space config or
// merged at runtime via system/register.
type Capability struct {
	ID      string                 `json:"id,omitempty"`
	Kind    string                 `json:"kind"`
	To      PatternList            `json:"to,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Negative reports whether the capability is a veto pattern.
func (c Capability) Negative() bool {
	return strings.HasPrefix(c.Kind, "!")
}

// KindPattern returns the kind pattern with any leading '!' stripped.
func (c Capability) KindPattern() string {
	return strings.TrimPrefix(c.Kind, "!")
}

// Label returns the administrative label, falling back to the kind
// pattern. Used in capability-decision audit entries.
func (c Capability) Label() string {
	if c.ID != "" {
		return c.ID
	}
	return c.Kind
}

// PatternList accepts both a single string and a list of strings on the
// wire; space configs use either form interchangeably.
type PatternList []string

func (p *PatternList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = PatternList{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*p = list
	return nil
}

func (p PatternList) MarshalJSON() ([]byte, error) {
	if len(p) == 1 {
		return json.Marshal(p[0])
	}
	return json.Marshal([]string(p))
}

// equal compares two capabilities structurally, used for deduplication on
// system/register merge.
func equal(a, b Capability) bool {
	if a.Kind != b.Kind || len(a.To) != len(b.To) {
		return false
	}
	for i := range a.To {
		if a.To[i] != b.To[i] {
			return false
		}
	}
	ab, _ := json.Marshal(a.Payload)
	bb, _ := json.Marshal(b.Payload)
	return string(ab) == string(bb)
}
