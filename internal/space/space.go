// Package space holds the per-space mutable state the gateway routes
// over: the participant table, the bounded envelope history ring, and the
// sub-context stacks. A space is an isolated bus; nothing here crosses
// space boundaries.
//
// Concurrency: every method takes the space mutex, but the gateway
// additionally serializes its whole routing pipeline per space so that
// accept order, history order, and fan-out order coincide.
package space

import (
	"sync"
	"time"

	"github.com/mew/gateway/internal/capability"
	"github.com/mew/gateway/internal/envelope"
	"github.com/mew/gateway/internal/stream"
)

// DefaultMaxHistory is the history ring bound when the config leaves it
// unset.
const DefaultMaxHistory = 1000

// Space is one isolated broadcast bus.
type Space struct {
	Name      string
	CreatedAt time.Time
	AdminIDs  []string
	Metadata  map[string]interface{}

	// Streams is the space's side-channel registry; the stream counter is
	// monotonic within the space.
	Streams *stream.Registry

	mu           sync.Mutex
	participants map[string]*Participant
	history      []*envelope.Envelope
	historyIDs   map[string]struct{}
	maxHistory   int
}

// New creates an empty space with the given history bound (0 means
// DefaultMaxHistory).
func New(name string, maxHistory int) *Space {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Space{
		Name:         name,
		CreatedAt:    time.Now().UTC(),
		Streams:      stream.NewRegistry(),
		participants: make(map[string]*Participant),
		historyIDs:   make(map[string]struct{}),
		maxHistory:   maxHistory,
	}
}

// Join adds a participant to the space, replacing any prior entry with
// the same ID.
func (s *Space) Join(id string, caps []capability.Capability) *Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := NewParticipant(id, caps)
	s.participants[id] = p
	return p
}

// Leave removes a participant. Returns false when the ID is unknown.
func (s *Space) Leave(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[id]; !ok {
		return false
	}
	delete(s.participants, id)
	return true
}

// Get returns the participant with the given ID, if present.
func (s *Space) Get(id string) (*Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	return p, ok
}

// Has reports whether a participant is currently registered.
func (s *Space) Has(id string) bool {
	_, ok := s.Get(id)
	return ok
}

// Participants returns a snapshot of the participant table.
func (s *Space) Participants() []*Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p)
	}
	return out
}

// Count returns the current participant count.
func (s *Space) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants)
}

// Append adds an accepted envelope to the history ring, evicting the
// oldest entry when the ring is full. Returns the ID evicted, if any, so
// callers can expire dependent state (proposal correlations).
func (s *Space) Append(env *envelope.Envelope) (evicted string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) >= s.maxHistory {
		oldest := s.history[0]
		s.history = s.history[1:]
		delete(s.historyIDs, oldest.ID)
		evicted = oldest.ID
	}
	s.history = append(s.history, env)
	s.historyIDs[env.ID] = struct{}{}
	return evicted
}

// Seen reports whether an envelope ID is in the current history ring.
func (s *Space) Seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.historyIDs[id]
	return ok
}

// HistoryLen returns the current ring occupancy.
func (s *Space) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// History returns up to limit envelopes in reverse-chronological order,
// starting strictly before the envelope with ID before (empty = newest).
func (s *Space) History(before string, limit int) []*envelope.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := len(s.history)
	if before != "" {
		end = 0
		for i, env := range s.history {
			if env.ID == before {
				end = i
				break
			}
		}
	}
	if limit <= 0 || limit > end {
		limit = end
	}
	out := make([]*envelope.Envelope, 0, limit)
	for i := end - 1; i >= end-limit; i-- {
		out = append(out, s.history[i])
	}
	return out
}

// ApplyContext applies an envelope's context operation to the sender's
// sub-context stack. Topic-form contexts are advisory and leave the
// stack untouched.
func (s *Space) ApplyContext(senderID string, env *envelope.Envelope) {
	if env.Context == nil || env.Context.Topic != "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[senderID]
	if !ok {
		return
	}
	correlation := env.Context.CorrelationID
	if correlation == "" && len(env.CorrelationID) > 0 {
		correlation = env.CorrelationID[0]
	}
	switch env.Context.Operation {
	case envelope.ContextPush:
		p.PushContext(correlation)
	case envelope.ContextPop:
		p.PopContext()
	case envelope.ContextResume:
		p.ResumeContext(correlation)
	}
}
