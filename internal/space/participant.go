package space

import (
	"time"

	"github.com/mew/gateway/internal/capability"
)

// Status is a participant's lifecycle state within a space.
type Status string

const (
	StatusActive       Status = "active"
	StatusPaused       Status = "paused"
	StatusDisconnected Status = "disconnected"
)

// maxContextDepth bounds the per-participant sub-context stack.
const maxContextDepth = 64

// PauseState records why and until when a participant is paused.
type PauseState struct {
	OriginID string    `json:"origin_id,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
}

// Participant is an identity within a space: a capability set plus
// advisory context-usage state. The WebSocket connection handle lives in
// the gateway's session layer, not here.
type Participant struct {
	ID           string
	Capabilities *capability.Set
	Status       Status
	PauseState   *PauseState

	// Advisory usage counters, reported via participant/status.
	ContextTokens   int
	ContextMessages int

	contextStack []string
	JoinedAt     time.Time
}

// NewParticipant creates an active participant with a compiled capability
// set.
func NewParticipant(id string, caps []capability.Capability) *Participant {
	return &Participant{
		ID:           id,
		Capabilities: capability.Compile(caps),
		Status:       StatusActive,
		JoinedAt:     time.Now().UTC(),
	}
}

// PushContext pushes a correlation ID onto the sub-context stack. The
// stack is bounded; the oldest frame is dropped on overflow.
func (p *Participant) PushContext(id string) {
	if id == "" {
		return
	}
	if len(p.contextStack) >= maxContextDepth {
		p.contextStack = p.contextStack[1:]
	}
	p.contextStack = append(p.contextStack, id)
}

// PopContext removes the top sub-context frame.
func (p *Participant) PopContext() (string, bool) {
	if len(p.contextStack) == 0 {
		return "", false
	}
	top := p.contextStack[len(p.contextStack)-1]
	p.contextStack = p.contextStack[:len(p.contextStack)-1]
	return top, true
}

// ResumeContext moves an existing frame to the top of the stack. Unknown
// IDs are ignored.
func (p *Participant) ResumeContext(id string) bool {
	for i, frame := range p.contextStack {
		if frame == id {
			p.contextStack = append(p.contextStack[:i], p.contextStack[i+1:]...)
			p.contextStack = append(p.contextStack, id)
			return true
		}
	}
	return false
}

// ContextStack returns a copy of the sub-context stack, bottom first.
func (p *Participant) ContextStack() []string {
	return append([]string(nil), p.contextStack...)
}
