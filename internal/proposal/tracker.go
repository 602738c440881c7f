// Package proposal tracks mcp/proposal correlation chains observed on a
// space's envelope flow: proposal → fulfillment (mcp/request carrying the
// proposal ID) → response, plus withdrawal and rejection terminals. The
// gateway uses the tracker for defense in depth on withdrawals; the
// authoritative withdrawal check also lives in every SDK participant.
package proposal

import (
	"sync"
	"time"

	"github.com/mew/gateway/internal/envelope"
)

// State is a proposal's lifecycle position.
type State string

const (
	StateCreated   State = "created"
	StateFulfilled State = "fulfilled"
	StateResponded State = "responded"
	StateRejected  State = "rejected"
	StateWithdrawn State = "withdrawn"
)

// Record is one tracked proposal chain.
type Record struct {
	ProposalID    string
	Proposer      string
	Targets       []string
	Fulfiller     string
	FulfillmentID string
	ResponseID    string
	State         State
	CreatedAt     time.Time
}

// Terminal reports whether the chain can make no further progress.
func (r *Record) Terminal() bool {
	return r.State == StateResponded || r.State == StateRejected || r.State == StateWithdrawn
}

// Tracker indexes in-flight proposal chains by envelope ID.
type Tracker struct {
	mu sync.Mutex
	// byProposal: proposal envelope ID -> record
	byProposal map[string]*Record
	// byFulfillment: fulfillment envelope ID -> proposal ID, so responses
	// correlate back through the chain.
	byFulfillment map[string]string
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		byProposal:    make(map[string]*Record),
		byFulfillment: make(map[string]string),
	}
}

// Observe inspects an accepted envelope and advances any chain it
// belongs to. Non-mcp kinds are ignored.
func (t *Tracker) Observe(env *envelope.Envelope) {
	switch env.Kind {
	case "mcp/proposal":
		t.mu.Lock()
		t.byProposal[env.ID] = &Record{
			ProposalID: env.ID,
			Proposer:   env.From,
			Targets:    append([]string(nil), env.To...),
			State:      StateCreated,
			CreatedAt:  env.TS,
		}
		t.mu.Unlock()
	case "mcp/request":
		if len(env.CorrelationID) == 0 {
			return
		}
		t.mu.Lock()
		if rec, ok := t.byProposal[env.CorrelationID[0]]; ok && rec.State == StateCreated {
			rec.State = StateFulfilled
			rec.Fulfiller = env.From
			rec.FulfillmentID = env.ID
			t.byFulfillment[env.ID] = rec.ProposalID
		}
		t.mu.Unlock()
	case "mcp/response":
		t.mu.Lock()
		for _, cid := range env.CorrelationID {
			if proposalID, ok := t.byFulfillment[cid]; ok {
				if rec, ok := t.byProposal[proposalID]; ok && rec.State == StateFulfilled {
					rec.State = StateResponded
					rec.ResponseID = env.ID
				}
			}
		}
		t.mu.Unlock()
	case "mcp/reject":
		t.mu.Lock()
		for _, cid := range env.CorrelationID {
			if rec, ok := t.byProposal[cid]; ok && !rec.Terminal() {
				rec.State = StateRejected
			}
		}
		t.mu.Unlock()
	case "mcp/withdraw":
		t.mu.Lock()
		for _, cid := range env.CorrelationID {
			if rec, ok := t.byProposal[cid]; ok && rec.Proposer == env.From && !rec.Terminal() {
				rec.State = StateWithdrawn
			}
		}
		t.mu.Unlock()
	}
}

// Get returns the tracked record for a proposal envelope ID.
func (t *Tracker) Get(proposalID string) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.byProposal[proposalID]
	return rec, ok
}

// Withdrawable reports whether from may withdraw the referenced proposal.
// Unknown proposals are withdrawable (the gateway only vetoes chains it
// has positively observed with a different proposer).
func (t *Tracker) Withdrawable(proposalID, from string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.byProposal[proposalID]
	if !ok {
		return true
	}
	return rec.Proposer == from
}

// Evict drops state keyed by an envelope ID that fell off the history
// ring.
func (t *Tracker) Evict(envelopeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.byProposal[envelopeID]; ok {
		delete(t.byProposal, envelopeID)
		if rec.FulfillmentID != "" {
			delete(t.byFulfillment, rec.FulfillmentID)
		}
		return
	}
	if proposalID, ok := t.byFulfillment[envelopeID]; ok {
		delete(t.byFulfillment, envelopeID)
		if rec, ok := t.byProposal[proposalID]; ok && rec.FulfillmentID == envelopeID {
			rec.FulfillmentID = ""
		}
	}
}

// Len returns the number of tracked proposals.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byProposal)
}
