package client

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mew/gateway/internal/envelope"
)

// ErrPaused is returned by Send while the participant is paused and the
// envelope kind is outside the pause allow-list.
var ErrPaused = errors.New("participant is paused")

// nearLimitThreshold is the context usage fraction that triggers a
// proactive near_limit status.
const nearLimitThreshold = 0.9

// nearLimitCooldown throttles repeated near_limit emissions.
const nearLimitCooldown = 60 * time.Second

// pauseAllowedKinds may be sent while paused. system/* is allowed by
// prefix.
var pauseAllowedKinds = map[string]struct{}{
	"participant/status":         {},
	"participant/resume":         {},
	"participant/request-status": {},
	"chat/acknowledge":           {},
	"chat/cancel":                {},
	"reasoning/cancel":           {},
	"participant/clear":          {},
	"participant/forget":         {},
	"participant/shutdown":       {},
}

type pauseState struct {
	originID string
	reason   string
	expires  time.Time
}

// Handler receives every envelope the participant does not consume
// internally.
type Handler func(env *envelope.Envelope)

// Participant wraps a Client with the SDK-side state machine: proposal
// tracking for withdrawal authenticity, the pause lifecycle, and the
// advisory context counters reported via participant/status.
type Participant struct {
	c  *Client
	id string

	// MaxContextTokens bounds the advisory token counter; 0 disables
	// near_limit reporting.
	MaxContextTokens int

	mu            sync.Mutex
	pause         *pauseState
	proposals     map[string]string // proposal ID -> proposer
	tokens        int
	messages      int
	lastNearLimit time.Time

	handler Handler
}

// NewParticipant wraps an attached client.
func NewParticipant(c *Client, maxContextTokens int) *Participant {
	return &Participant{
		c:                c,
		id:               c.ID(),
		MaxContextTokens: maxContextTokens,
		proposals:        make(map[string]string),
	}
}

// Client exposes the underlying transport (for stream frames).
func (p *Participant) Client() *Client {
	return p.c
}

// OnEnvelope installs the application handler for envelopes not consumed
// by the lifecycle machinery.
func (p *Participant) OnEnvelope(h Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// Send transmits an envelope, enforcing the pause allow-list.
func (p *Participant) Send(env *envelope.Envelope) error {
	if !p.maySend(env.Kind) {
		return fmt.Errorf("%w: refusing to send %q", ErrPaused, env.Kind)
	}
	return p.c.Send(env)
}

// maySend applies the pause gate, lazily expiring a pause whose deadline
// has passed (the expiry also broadcasts an active status).
func (p *Participant) maySend(kind string) bool {
	p.mu.Lock()
	if p.pause == nil {
		p.mu.Unlock()
		return true
	}
	if !p.pause.expires.IsZero() && time.Now().After(p.pause.expires) {
		p.pause = nil
		p.mu.Unlock()
		p.broadcastStatus(map[string]interface{}{"status": "active"})
		return true
	}
	p.mu.Unlock()
	if strings.HasPrefix(kind, "system/") {
		return true
	}
	_, ok := pauseAllowedKinds[kind]
	return ok
}

// Paused reports the current pause state.
func (p *Participant) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pause != nil && (p.pause.expires.IsZero() || time.Now().Before(p.pause.expires))
}

// AddUsage advances the advisory context counters and proactively emits
// a near_limit status when usage crosses the threshold, throttled by the
// cooldown.
func (p *Participant) AddUsage(tokens, messages int) {
	p.mu.Lock()
	p.tokens += tokens
	p.messages += messages
	emit := p.MaxContextTokens > 0 &&
		float64(p.tokens) >= nearLimitThreshold*float64(p.MaxContextTokens) &&
		time.Since(p.lastNearLimit) >= nearLimitCooldown
	if emit {
		p.lastNearLimit = time.Now()
	}
	p.mu.Unlock()
	if emit {
		p.broadcastStatus(p.statusPayload(nil, "near_limit"))
	}
}

// Usage returns the advisory counters.
func (p *Participant) Usage() (tokens, messages int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokens, p.messages
}

// Run consumes inbound envelopes until the connection closes, handling
// the participant lifecycle kinds and forwarding the rest.
func (p *Participant) Run() {
	for env := range p.c.Envelopes {
		p.handle(env)
	}
}

func (p *Participant) handle(env *envelope.Envelope) {
	switch env.Kind {
	case "mcp/proposal":
		p.mu.Lock()
		p.proposals[env.ID] = env.From
		p.mu.Unlock()

	case "mcp/withdraw":
		// Withdrawal authenticity: only the original proposer may withdraw.
		// Anything else is silently ignored and never reaches the handler.
		for _, cid := range env.CorrelationID {
			p.mu.Lock()
			proposer, known := p.proposals[cid]
			p.mu.Unlock()
			if known && proposer != env.From {
				return
			}
		}
		p.mu.Lock()
		for _, cid := range env.CorrelationID {
			delete(p.proposals, cid)
		}
		p.mu.Unlock()

	case "participant/pause":
		p.applyPause(env)
		return

	case "participant/resume":
		p.mu.Lock()
		p.pause = nil
		p.mu.Unlock()
		p.broadcastStatus(map[string]interface{}{"status": "active"})
		return

	case "participant/request-status":
		fields := payloadStringList(env.Payload, "fields")
		p.reply(env, "participant/status", p.statusPayload(fields, p.currentStatus()))
		return

	case "participant/forget":
		entries := payloadInt(env.Payload, "entries")
		p.reply(env, "participant/status", map[string]interface{}{"status": "compacting"})
		p.mu.Lock()
		p.messages -= entries
		if p.messages < 0 {
			p.messages = 0
		}
		p.mu.Unlock()
		p.reply(env, "participant/status", map[string]interface{}{"status": "compacted"})
		return

	case "participant/clear":
		p.mu.Lock()
		p.tokens, p.messages = 0, 0
		p.mu.Unlock()
		status := "cleared"
		if reason, ok := env.Payload["reason"].(string); ok && reason != "" {
			status = "cleared: " + reason
		}
		p.reply(env, "participant/status", map[string]interface{}{"status": status})
		return

	case "participant/restart":
		p.mu.Lock()
		p.tokens, p.messages = 0, 0
		p.pause = nil
		p.proposals = make(map[string]string)
		p.mu.Unlock()
		p.reply(env, "participant/status", map[string]interface{}{"status": "restarted"})
		return

	case "participant/shutdown":
		p.broadcastStatus(map[string]interface{}{"status": "shutting_down"})
		p.c.Close()
		return
	}

	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h != nil {
		h(env)
	}
}

func (p *Participant) applyPause(env *envelope.Envelope) {
	ps := &pauseState{originID: env.ID}
	if reason, ok := env.Payload["reason"].(string); ok {
		ps.reason = reason
	}
	if secs := payloadInt(env.Payload, "timeout_seconds"); secs > 0 {
		ps.expires = time.Now().Add(time.Duration(secs) * time.Second)
	}
	p.mu.Lock()
	p.pause = ps
	p.mu.Unlock()
	p.broadcastStatus(map[string]interface{}{"status": "paused"})
}

func (p *Participant) currentStatus() string {
	if p.Paused() {
		return "paused"
	}
	return "active"
}

// statusPayload filters the status report to requested fields;
// messages_in_context and status are always included.
func (p *Participant) statusPayload(fields []string, status string) map[string]interface{} {
	p.mu.Lock()
	full := map[string]interface{}{
		"tokens":              p.tokens,
		"max_tokens":          p.MaxContextTokens,
		"messages_in_context": p.messages,
		"status":              status,
	}
	p.mu.Unlock()
	if len(fields) == 0 {
		return full
	}
	out := map[string]interface{}{
		"messages_in_context": full["messages_in_context"],
		"status":              full["status"],
	}
	for _, f := range fields {
		if v, ok := full[f]; ok {
			out[f] = v
		}
	}
	return out
}

func (p *Participant) reply(to *envelope.Envelope, kind string, payload map[string]interface{}) {
	env := &envelope.Envelope{
		Kind:          kind,
		To:            []string{to.From},
		CorrelationID: []string{to.ID},
		Payload:       payload,
	}
	if err := p.c.Send(env); err != nil {
		return
	}
}

func (p *Participant) broadcastStatus(payload map[string]interface{}) {
	p.c.Send(&envelope.Envelope{Kind: "participant/status", Payload: payload})
}

func payloadInt(payload map[string]interface{}, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func payloadStringList(payload map[string]interface{}, key string) []string {
	raw, ok := payload[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
