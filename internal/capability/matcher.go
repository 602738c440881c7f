package capability

import (
	"strings"

	"github.com/mew/gateway/internal/envelope"
)

// Set is a participant's compiled capability list. Compilation happens at
// grant time so the per-envelope hot path does no string splitting.
type Set struct {
	caps     []Capability
	compiled []pattern
}

type pattern struct {
	negative bool
	kind     []string // kind pattern split on '*'; nil means match-any
	kindAny  bool
	to       PatternList
	payload  map[string]interface{}
}

// Compile precompiles a capability list into a Set.
func Compile(caps []Capability) *Set {
	s := &Set{caps: append([]Capability(nil), caps...)}
	s.compiled = make([]pattern, len(s.caps))
	for i, c := range s.caps {
		s.compiled[i] = compileOne(c)
	}
	return s
}

func compileOne(c Capability) pattern {
	p := pattern{negative: c.Negative(), to: c.To, payload: c.Payload}
	kp := c.KindPattern()
	if kp == "*" {
		p.kindAny = true
	} else {
		p.kind = strings.Split(kp, "*")
	}
	return p
}

// Capabilities returns a copy of the uncompiled grant list.
func (s *Set) Capabilities() []Capability {
	return append([]Capability(nil), s.caps...)
}

// Merge returns a new Set with the additional capabilities deduplicated
// in, plus the ensured grants always present after a system/register.
func (s *Set) Merge(more []Capability, ensure ...string) *Set {
	merged := append([]Capability(nil), s.caps...)
	for _, c := range more {
		dup := false
		for _, have := range merged {
			if equal(have, c) {
				dup = true
				break
			}
		}
		if !dup {
			merged = append(merged, c)
		}
	}
	for _, kind := range ensure {
		found := false
		for _, have := range merged {
			if have.Kind == kind {
				found = true
				break
			}
		}
		if !found {
			merged = append(merged, Capability{Kind: kind})
		}
	}
	return Compile(merged)
}

// Decision is the outcome of evaluating a Set against an envelope, with
// enough detail for the capability-decision audit log.
type Decision struct {
	Allowed bool
	// Matched is the positive capability that permitted the envelope.
	Matched *Capability
	// Vetoed is the negative capability that excluded the envelope, if any.
	Vetoed *Capability
}

// Decide evaluates the participant's overall authorization for an
// envelope: (some positive capability matches) and (no negative
// capability matches). System-originated envelopes and heartbeats bypass
// the matcher entirely.
func (s *Set) Decide(env *envelope.Envelope) Decision {
	if Exempt(env) {
		return Decision{Allowed: true}
	}
	var matched *Capability
	for i := range s.compiled {
		p := &s.compiled[i]
		if !p.matches(env) {
			continue
		}
		if p.negative {
			return Decision{Allowed: false, Vetoed: &s.caps[i]}
		}
		if matched == nil {
			matched = &s.caps[i]
		}
	}
	return Decision{Allowed: matched != nil, Matched: matched}
}

// Allows is the boolean form of Decide.
func (s *Set) Allows(env *envelope.Envelope) bool {
	return s.Decide(env).Allowed
}

// Exempt reports whether an envelope bypasses capability checks:
// system-originated senders and gateway heartbeats.
func Exempt(env *envelope.Envelope) bool {
	return env.IsSystemOrigin() || env.Kind == "system/heartbeat"
}

func (p *pattern) matches(env *envelope.Envelope) bool {
	if !p.matchKind(env.Kind) {
		return false
	}
	if len(p.to) > 0 && !matchTo(p.to, env.To) {
		return false
	}
	if p.payload != nil && !matchObject(p.payload, env.Payload) {
		return false
	}
	return true
}

// matchKind applies the wildcard rules: '*' matches any kind, 'prefix/*'
// matches any kind under the prefix, '*/suffix' mirrors, 'a/*/b' requires
// both halves, exact equality otherwise. Patterns with multiple '*' are
// matched as an ordered fragment sequence.
func (p *pattern) matchKind(kind string) bool {
	if p.kindAny {
		return true
	}
	if len(p.kind) == 1 {
		return p.kind[0] == kind
	}
	return matchFragments(p.kind, kind)
}

func matchFragments(frags []string, s string) bool {
	if !strings.HasPrefix(s, frags[0]) {
		return false
	}
	s = s[len(frags[0]):]
	last := len(frags) - 1
	for _, frag := range frags[1:last] {
		idx := strings.Index(s, frag)
		if idx < 0 {
			return false
		}
		s = s[idx+len(frag):]
	}
	return strings.HasSuffix(s, frags[last])
}

// matchTo succeeds when any envelope recipient matches any to-pattern.
func matchTo(patterns PatternList, to []string) bool {
	for _, pat := range patterns {
		for _, recipient := range to {
			if matchString(pat, recipient) {
				return true
			}
		}
	}
	return false
}

func matchString(pat, s string) bool {
	if pat == "*" {
		return true
	}
	if !strings.Contains(pat, "*") {
		return pat == s
	}
	return matchFragments(strings.Split(pat, "*"), s)
}

// matchObject deep-matches a payload pattern: every key in the pattern
// must be present in the value and match. Nested objects recurse; arrays
// require the pattern to be a subset (each pattern element matches some
// value element); primitives compare with '*' as wildcard.
func matchObject(pat map[string]interface{}, val map[string]interface{}) bool {
	for key, pv := range pat {
		vv, ok := val[key]
		if !ok || !matchValue(pv, vv) {
			return false
		}
	}
	return true
}

func matchValue(pat, val interface{}) bool {
	switch p := pat.(type) {
	case string:
		if p == "*" {
			return true
		}
		s, ok := val.(string)
		if ok {
			return matchString(p, s)
		}
		return false
	case map[string]interface{}:
		v, ok := val.(map[string]interface{})
		return ok && matchObject(p, v)
	case []interface{}:
		v, ok := val.([]interface{})
		if !ok {
			return false
		}
		for _, pe := range p {
			found := false
			for _, ve := range v {
				if matchValue(pe, ve) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	default:
		return pat == val
	}
}
