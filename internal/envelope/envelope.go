// Package envelope defines the MEW wire envelope: the universal JSON
// message routed between participants in a space. Every text frame on the
// envelope channel is exactly one envelope; stream data frames (leading
// '#') travel on a side channel and never pass through this codec.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Protocol is the wire version stamped on every envelope. Inbound
// envelopes carrying any other value are rejected.
const Protocol = "mew/v0.4"

// GatewayID is the reserved sender identity for gateway-originated
// envelopes. Identities with the "system:" prefix bypass capability checks.
const GatewayID = "system:gateway"

// Envelope is the universal message shape routed among participants.
type Envelope struct {
	Protocol      string                 `json:"protocol"`
	ID            string                 `json:"id"`
	TS            time.Time              `json:"ts"`
	From          string                 `json:"from"`
	To            []string               `json:"to,omitempty"`
	Kind          string                 `json:"kind"`
	CorrelationID []string               `json:"correlation_id,omitempty"`
	Context       *Context               `json:"context,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
}

// Context operations for sub-context nesting.
const (
	ContextPush   = "push"
	ContextPop    = "pop"
	ContextResume = "resume"
)

// Context is either a bare topic string or a sub-context operation
// ({operation: push|pop|resume, correlation_id}). The wire form is
// preserved on re-serialization.
type Context struct {
	Topic         string // set when the wire form is a plain string
	Operation     string
	CorrelationID string
}

type contextObject struct {
	Operation     string `json:"operation"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// UnmarshalJSON accepts both the string and the object wire forms.
func (c *Context) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &c.Topic)
	}
	var obj contextObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	c.Operation = obj.Operation
	c.CorrelationID = obj.CorrelationID
	return nil
}

// MarshalJSON emits the same form the context was parsed from.
func (c Context) MarshalJSON() ([]byte, error) {
	if c.Topic != "" {
		return json.Marshal(c.Topic)
	}
	return json.Marshal(contextObject{Operation: c.Operation, CorrelationID: c.CorrelationID})
}

// New builds a gateway-originated envelope with a fresh ID and timestamp.
func New(from, kind string, payload map[string]interface{}) *Envelope {
	return &Envelope{
		Protocol: Protocol,
		ID:       uuid.New().String(),
		TS:       time.Now().UTC(),
		From:     from,
		Kind:     kind,
		Payload:  payload,
	}
}

// Directed builds a gateway-originated envelope addressed to specific
// recipients.
func Directed(from, kind string, to []string, payload map[string]interface{}) *Envelope {
	env := New(from, kind, payload)
	env.To = to
	return env
}

// Stamp fills protocol, ID, and timestamp on an outbound envelope if the
// sender left them blank. Participant-supplied IDs are preserved.
func (e *Envelope) Stamp() {
	if e.Protocol == "" {
		e.Protocol = Protocol
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
}

// IsSystemOrigin reports whether the envelope was originated by the
// gateway or another system identity.
func (e *Envelope) IsSystemOrigin() bool {
	return len(e.From) >= 7 && e.From[:7] == "system:"
}

// Broadcast reports whether the envelope has no explicit recipients.
func (e *Envelope) Broadcast() bool {
	return len(e.To) == 0
}

// References reports whether the envelope's correlation chain includes id.
func (e *Envelope) References(id string) bool {
	for _, c := range e.CorrelationID {
		if c == id {
			return true
		}
	}
	return false
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", e.ID, err)
	}
	return data, nil
}

// Decode parses a wire frame into an envelope. Shape validation is
// separate; see Validate.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// IsStreamFrame reports whether a raw text frame is a stream data frame
// (#<stream_id>#<bytes>) rather than a JSON envelope.
func IsStreamFrame(data []byte) bool {
	return len(data) > 0 && data[0] == '#'
}
