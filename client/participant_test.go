package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mew/gateway/internal/envelope"
)

// testClient builds a transport with no live connection; outbound
// envelopes accumulate in the send queue for inspection.
func testClient(id string) *Client {
	return &Client{
		id:        id,
		Envelopes: make(chan *envelope.Envelope, 16),
		Frames:    make(chan Frame, 16),
		send:      make(chan []byte, 16),
		done:      make(chan struct{}),
	}
}

func sentEnvelope(t *testing.T, c *Client) *envelope.Envelope {
	t.Helper()
	select {
	case data := <-c.send:
		env, err := envelope.Decode(data)
		require.NoError(t, err)
		return env
	default:
		t.Fatal("no outbound envelope queued")
		return nil
	}
}

func noOutbound(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		env, _ := envelope.Decode(data)
		t.Fatalf("unexpected outbound envelope %s", env.Kind)
	default:
	}
}

func inbound(from, kind string, payload map[string]interface{}) *envelope.Envelope {
	return envelope.New(from, kind, payload)
}

func TestPauseBlocksDisallowedKinds(t *testing.T) {
	c := testClient("agent")
	p := NewParticipant(c, 0)

	p.handle(inbound("human", "participant/pause", map[string]interface{}{"reason": "review"}))
	assert.True(t, p.Paused())

	// The pause announces itself.
	status := sentEnvelope(t, c)
	assert.Equal(t, "participant/status", status.Kind)
	assert.Equal(t, "paused", status.Payload["status"])

	// Normal traffic is refused while paused.
	err := p.Send(&envelope.Envelope{Kind: "chat"})
	assert.ErrorIs(t, err, ErrPaused)
	noOutbound(t, c)

	// Allow-listed and system kinds still pass.
	require.NoError(t, p.Send(&envelope.Envelope{Kind: "chat/acknowledge"}))
	sentEnvelope(t, c)
	require.NoError(t, p.Send(&envelope.Envelope{Kind: "system/register"}))
	sentEnvelope(t, c)
}

func TestResumeLiftsPause(t *testing.T) {
	c := testClient("agent")
	p := NewParticipant(c, 0)

	p.handle(inbound("human", "participant/pause", nil))
	sentEnvelope(t, c) // paused status

	p.handle(inbound("human", "participant/resume", nil))
	assert.False(t, p.Paused())
	status := sentEnvelope(t, c)
	assert.Equal(t, "active", status.Payload["status"])

	require.NoError(t, p.Send(&envelope.Envelope{Kind: "chat"}))
}

func TestPauseTimeoutExpires(t *testing.T) {
	c := testClient("agent")
	p := NewParticipant(c, 0)

	p.handle(inbound("human", "participant/pause", map[string]interface{}{"timeout_seconds": float64(30)}))
	sentEnvelope(t, c)
	assert.True(t, p.Paused())

	// Force the deadline into the past; the next send lifts the pause and
	// broadcasts the recovery.
	p.pause.expires = time.Now().Add(-time.Second)
	require.NoError(t, p.Send(&envelope.Envelope{Kind: "chat"}))
	assert.False(t, p.Paused())

	status := sentEnvelope(t, c)
	assert.Equal(t, "participant/status", status.Kind)
	assert.Equal(t, "active", status.Payload["status"])
	chat := sentEnvelope(t, c)
	assert.Equal(t, "chat", chat.Kind)
}

func TestWithdrawalAuthenticity(t *testing.T) {
	c := testClient("agent")
	p := NewParticipant(c, 0)

	var seen []string
	p.OnEnvelope(func(env *envelope.Envelope) { seen = append(seen, env.Kind+":"+env.From) })

	proposal := inbound("proposer", "mcp/proposal", nil)
	p.handle(proposal)
	assert.Equal(t, []string{"mcp/proposal:proposer"}, seen)

	// A withdraw from anyone but the recorded proposer is dropped before
	// the application sees it.
	forged := inbound("mallory", "mcp/withdraw", nil)
	forged.CorrelationID = []string{proposal.ID}
	p.handle(forged)
	assert.Len(t, seen, 1)

	genuine := inbound("proposer", "mcp/withdraw", nil)
	genuine.CorrelationID = []string{proposal.ID}
	p.handle(genuine)
	assert.Equal(t, "mcp/withdraw:proposer", seen[1])
}

func TestWithdrawForUnknownProposalForwarded(t *testing.T) {
	c := testClient("agent")
	p := NewParticipant(c, 0)
	var seen int
	p.OnEnvelope(func(*envelope.Envelope) { seen++ })

	w := inbound("anyone", "mcp/withdraw", nil)
	w.CorrelationID = []string{"never-observed"}
	p.handle(w)
	assert.Equal(t, 1, seen)
}

func TestRequestStatusFieldFiltering(t *testing.T) {
	c := testClient("agent")
	p := NewParticipant(c, 2000)
	p.AddUsage(120, 7)

	req := inbound("human", "participant/request-status", map[string]interface{}{
		"fields": []interface{}{"tokens"},
	})
	p.handle(req)

	reply := sentEnvelope(t, c)
	assert.Equal(t, "participant/status", reply.Kind)
	assert.Equal(t, []string{"human"}, reply.To)
	assert.Equal(t, []string{req.ID}, reply.CorrelationID)
	assert.Equal(t, float64(120), reply.Payload["tokens"])
	// messages_in_context and status are always reported.
	assert.Equal(t, float64(7), reply.Payload["messages_in_context"])
	assert.Equal(t, "active", reply.Payload["status"])
	// max_tokens was not requested.
	assert.NotContains(t, reply.Payload, "max_tokens")
}

func TestRequestStatusFullReport(t *testing.T) {
	c := testClient("agent")
	p := NewParticipant(c, 2000)
	p.AddUsage(120, 7)

	p.handle(inbound("human", "participant/request-status", nil))
	reply := sentEnvelope(t, c)
	assert.Equal(t, float64(2000), reply.Payload["max_tokens"])
	assert.Equal(t, float64(120), reply.Payload["tokens"])
}

func TestForgetCompactsContext(t *testing.T) {
	c := testClient("agent")
	p := NewParticipant(c, 0)
	p.AddUsage(0, 10)

	p.handle(inbound("human", "participant/forget", map[string]interface{}{"entries": float64(4)}))

	compacting := sentEnvelope(t, c)
	assert.Equal(t, "compacting", compacting.Payload["status"])
	compacted := sentEnvelope(t, c)
	assert.Equal(t, "compacted", compacted.Payload["status"])

	_, messages := p.Usage()
	assert.Equal(t, 6, messages)

	// Forgetting more than exists floors at zero.
	p.handle(inbound("human", "participant/forget", map[string]interface{}{"entries": float64(100)}))
	sentEnvelope(t, c)
	sentEnvelope(t, c)
	_, messages = p.Usage()
	assert.Zero(t, messages)
}

func TestClearResetsCounters(t *testing.T) {
	c := testClient("agent")
	p := NewParticipant(c, 0)
	p.AddUsage(500, 20)

	p.handle(inbound("human", "participant/clear", map[string]interface{}{"reason": "fresh start"}))
	reply := sentEnvelope(t, c)
	assert.Equal(t, "cleared: fresh start", reply.Payload["status"])
	tokens, messages := p.Usage()
	assert.Zero(t, tokens)
	assert.Zero(t, messages)
}

func TestRestartResetsEverything(t *testing.T) {
	c := testClient("agent")
	p := NewParticipant(c, 0)
	p.AddUsage(500, 20)
	p.handle(inbound("human", "participant/pause", nil))
	sentEnvelope(t, c)

	p.handle(inbound("human", "participant/restart", nil))
	reply := sentEnvelope(t, c)
	assert.Equal(t, "restarted", reply.Payload["status"])
	assert.False(t, p.Paused())
	tokens, messages := p.Usage()
	assert.Zero(t, tokens)
	assert.Zero(t, messages)
}

func TestNearLimitEmission(t *testing.T) {
	c := testClient("agent")
	p := NewParticipant(c, 100)

	// Below the threshold: silent.
	p.AddUsage(80, 1)
	noOutbound(t, c)

	// Crossing 90% triggers one proactive report.
	p.AddUsage(15, 1)
	status := sentEnvelope(t, c)
	assert.Equal(t, "participant/status", status.Kind)
	assert.Equal(t, "near_limit", status.Payload["status"])
	assert.Equal(t, float64(95), status.Payload["tokens"])

	// Still over the threshold but inside the cooldown: no repeat.
	p.AddUsage(3, 1)
	noOutbound(t, c)

	// After the cooldown a fresh report goes out.
	p.mu.Lock()
	p.lastNearLimit = time.Now().Add(-2 * nearLimitCooldown)
	p.mu.Unlock()
	p.AddUsage(1, 0)
	again := sentEnvelope(t, c)
	assert.Equal(t, "near_limit", again.Payload["status"])
}

func TestNearLimitDisabledWithoutMax(t *testing.T) {
	c := testClient("agent")
	p := NewParticipant(c, 0)
	p.AddUsage(1 << 20, 100)
	noOutbound(t, c)
}

func TestUnhandledKindsReachTheApplication(t *testing.T) {
	c := testClient("agent")
	p := NewParticipant(c, 0)
	var kinds []string
	p.OnEnvelope(func(env *envelope.Envelope) { kinds = append(kinds, env.Kind) })

	p.handle(inbound("alice", "chat", nil))
	p.handle(inbound("system:gateway", "system/presence", nil))
	assert.Equal(t, []string{"chat", "system/presence"}, kinds)
}

func TestSendStampsIdentity(t *testing.T) {
	c := testClient("agent")
	p := NewParticipant(c, 0)
	require.NoError(t, p.Send(&envelope.Envelope{Kind: "chat"}))
	env := sentEnvelope(t, c)
	assert.Equal(t, "agent", env.From)
	assert.Equal(t, envelope.Protocol, env.Protocol)
	assert.NotEmpty(t, env.ID)
}
