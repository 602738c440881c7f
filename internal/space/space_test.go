package space

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mew/gateway/internal/capability"
	"github.com/mew/gateway/internal/envelope"
)

func accepted(id string) *envelope.Envelope {
	env := envelope.New("alice", "chat", nil)
	env.ID = id
	return env
}

func TestJoinLeave(t *testing.T) {
	s := New("demo", 0)
	p := s.Join("alice", []capability.Capability{{Kind: "chat"}})
	assert.Equal(t, "alice", p.ID)
	assert.Equal(t, StatusActive, p.Status)
	assert.True(t, s.Has("alice"))
	assert.Equal(t, 1, s.Count())

	assert.True(t, s.Leave("alice"))
	assert.False(t, s.Leave("alice"))
	assert.False(t, s.Has("alice"))
}

func TestRejoinReplacesParticipant(t *testing.T) {
	s := New("demo", 0)
	s.Join("alice", []capability.Capability{{Kind: "chat"}})
	p2 := s.Join("alice", []capability.Capability{{Kind: "*"}})
	got, ok := s.Get("alice")
	require.True(t, ok)
	assert.Same(t, p2, got)
	assert.Equal(t, 1, s.Count())
}

func TestHistoryRingEviction(t *testing.T) {
	s := New("demo", 3)
	for i := 1; i <= 3; i++ {
		evicted := s.Append(accepted(fmt.Sprintf("e%d", i)))
		assert.Empty(t, evicted)
	}
	assert.Equal(t, 3, s.HistoryLen())
	assert.True(t, s.Seen("e1"))

	// The fourth append evicts the oldest and reports its ID.
	evicted := s.Append(accepted("e4"))
	assert.Equal(t, "e1", evicted)
	assert.Equal(t, 3, s.HistoryLen())
	assert.False(t, s.Seen("e1"))
	assert.True(t, s.Seen("e4"))
}

func TestHistoryPagination(t *testing.T) {
	s := New("demo", 10)
	for i := 1; i <= 5; i++ {
		s.Append(accepted(fmt.Sprintf("e%d", i)))
	}

	// Newest first.
	page := s.History("", 2)
	require.Len(t, page, 2)
	assert.Equal(t, "e5", page[0].ID)
	assert.Equal(t, "e4", page[1].ID)

	// Continue strictly before the last seen envelope.
	page = s.History("e4", 2)
	require.Len(t, page, 2)
	assert.Equal(t, "e3", page[0].ID)
	assert.Equal(t, "e2", page[1].ID)

	// Unknown cursor yields nothing.
	assert.Empty(t, s.History("nope", 10))

	// Zero limit means everything available.
	assert.Len(t, s.History("", 0), 5)
}

func TestDefaultHistoryBound(t *testing.T) {
	s := New("demo", 0)
	assert.Equal(t, DefaultMaxHistory, s.maxHistory)
}

func TestContextStackOperations(t *testing.T) {
	p := NewParticipant("alice", nil)

	p.PushContext("a")
	p.PushContext("b")
	p.PushContext("c")
	assert.Equal(t, []string{"a", "b", "c"}, p.ContextStack())

	top, ok := p.PopContext()
	assert.True(t, ok)
	assert.Equal(t, "c", top)

	// Resume moves an existing frame to the top.
	assert.True(t, p.ResumeContext("a"))
	assert.Equal(t, []string{"b", "a"}, p.ContextStack())

	// Unknown frames are ignored.
	assert.False(t, p.ResumeContext("zzz"))

	p.PopContext()
	p.PopContext()
	_, ok = p.PopContext()
	assert.False(t, ok)
}

func TestContextStackBound(t *testing.T) {
	p := NewParticipant("alice", nil)
	for i := 0; i < maxContextDepth+5; i++ {
		p.PushContext(fmt.Sprintf("c%d", i))
	}
	stack := p.ContextStack()
	assert.Len(t, stack, maxContextDepth)
	// The oldest frames were dropped.
	assert.Equal(t, "c5", stack[0])
}

func TestApplyContext(t *testing.T) {
	s := New("demo", 0)
	p := s.Join("alice", nil)

	push := accepted("e1")
	push.Context = &envelope.Context{Operation: envelope.ContextPush, CorrelationID: "root"}
	s.ApplyContext("alice", push)
	assert.Equal(t, []string{"root"}, p.ContextStack())

	// Push without an explicit context correlation falls back to the
	// envelope's correlation chain.
	push2 := accepted("e2")
	push2.Context = &envelope.Context{Operation: envelope.ContextPush}
	push2.CorrelationID = []string{"parent"}
	s.ApplyContext("alice", push2)
	assert.Equal(t, []string{"root", "parent"}, p.ContextStack())

	pop := accepted("e3")
	pop.Context = &envelope.Context{Operation: envelope.ContextPop}
	s.ApplyContext("alice", pop)
	assert.Equal(t, []string{"root"}, p.ContextStack())

	// Topic-form contexts are advisory.
	topic := accepted("e4")
	topic.Context = &envelope.Context{Topic: "sidebar"}
	s.ApplyContext("alice", topic)
	assert.Equal(t, []string{"root"}, p.ContextStack())

	// Unknown senders are a no-op.
	s.ApplyContext("ghost", push)
}
