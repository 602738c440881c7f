package gateway

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/mew/gateway/internal/audit"
	"github.com/mew/gateway/internal/capability"
	"github.com/mew/gateway/internal/envelope"
	"github.com/mew/gateway/internal/space"
	"github.com/mew/gateway/internal/stream"
)

// Capabilities every participant holds after a system/register merge.
var ensuredCapabilities = []string{"system/register", "mcp/response"}

// handleInbound is the per-space routing pipeline. It runs under the
// space mutex: all envelopes for one space are processed in arrival
// order. The returned flag tells the read pump to close the connection
// (protocol-level violations).
func (st *spaceState) handleInbound(s *session, data []byte) (fatal bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	start := time.Now()
	h := s.hub

	if envelope.IsStreamFrame(data) {
		st.handleFrame(s, data)
		return false
	}

	if len(data) > h.cfg.Gateway.MaxMessageSizeBytes {
		werr := envelope.NewWireError(envelope.ErrMessageTooLarge,
			fmt.Sprintf("message of %d bytes exceeds limit %d", len(data), h.cfg.Gateway.MaxMessageSizeBytes))
		st.rejectRaw(s, werr, "")
		return false
	}

	env, err := envelope.Decode(data)
	if err != nil {
		st.rejectRaw(s, envelope.NewWireError(envelope.ErrParse, "invalid JSON envelope"), "")
		return false
	}

	if werr := envelope.Validate(env, s.participant.ID, st.space.Seen); werr != nil {
		st.reject(s, env, werr)
		return werr.Fatal
	}

	// Capability gate. The decision is audited either way.
	dec := s.participant.Capabilities.Decide(env)
	st.auditDecision(s, env, dec)
	if !dec.Allowed {
		h.metrics.EnvelopesDenied.WithLabelValues(st.name, env.Kind).Inc()
		werr := envelope.NewWireError(envelope.ErrOperationFailed,
			fmt.Sprintf("no capability permits kind %q", env.Kind))
		werr.Detail = map[string]interface{}{
			"attempted_kind":    env.Kind,
			"your_capabilities": s.participant.Capabilities.Capabilities(),
		}
		st.reject(s, env, werr)
		return false
	}

	// Gateway-interpreted kinds validate their stream or correlation
	// preconditions before the envelope enters history.
	var ack *envelope.Envelope
	var regCaps []capability.Capability
	switch env.Kind {
	case "system/register":
		var werr *envelope.WireError
		regCaps, werr = decodeCapabilities(env.Payload["capabilities"])
		if werr != nil {
			st.reject(s, env, werr)
			return false
		}
	case "mcp/withdraw":
		// Defense in depth: only the observed proposer may withdraw. The
		// authoritative check also lives in every SDK participant.
		for _, cid := range env.CorrelationID {
			if !st.proposals.Withdrawable(cid, env.From) {
				werr := envelope.NewWireError(envelope.ErrUnauthorized,
					fmt.Sprintf("only the proposer may withdraw proposal %q", cid))
				st.reject(s, env, werr)
				return false
			}
		}
	case "stream/request":
		var werr *envelope.WireError
		ack, werr = st.openStream(s, env)
		if werr != nil {
			st.reject(s, env, werr)
			return false
		}
	case "stream/grant-write", "stream/revoke-write", "stream/transfer-ownership", "stream/close":
		var werr *envelope.WireError
		ack, werr = st.streamOp(s, env)
		if werr != nil {
			st.reject(s, env, werr)
			return false
		}
	}

	// Accepted: history, correlation tracking, context stack.
	st.recordReceived(s, env, start)
	if evicted := st.space.Append(env); evicted != "" {
		st.proposals.Evict(evicted)
	}
	st.proposals.Observe(env)
	st.space.ApplyContext(s.participant.ID, env)
	st.applyParticipantLifecycle(env)

	switch env.Kind {
	case "system/register":
		st.mergeRegister(s, env, regCaps)
	case "stream/request":
		// The request is addressed to the gateway; only the stream/open
		// reply fans out.
	default:
		st.fanout(s, env, data)
	}
	if ack != nil {
		st.broadcast(ack, nil)
	}

	h.metrics.EnvelopesRouted.WithLabelValues(st.name, env.Kind).Inc()
	h.metrics.RoutingDuration.WithLabelValues(st.name).Observe(time.Since(start).Seconds())
	return false
}

// fanout delivers an accepted envelope: to each listed recipient when
// targeted, otherwise to every participant except the sender. The raw
// inbound bytes are forwarded unchanged.
func (st *spaceState) fanout(s *session, env *envelope.Envelope, data []byte) {
	h := s.hub
	if env.Broadcast() {
		for id, recipient := range st.sessions {
			if id == s.participant.ID {
				continue
			}
			if recipient.enqueue(data) {
				st.recordDelivered(s, env, id)
			}
		}
		return
	}
	for _, id := range env.To {
		recipient, ok := st.sessions[id]
		if !ok {
			// Absent recipients are skipped silently on the wire but show
			// up in the audit trail.
			h.audit.History(audit.HistoryEntry{
				Event: audit.EventFailed,
				ID:    env.ID,
				Metadata: audit.HistoryMetadata{
					ConnectionID: s.connID,
					Recipient:    id,
					Status:       "no_connection",
				},
			})
			h.metrics.EnvelopesFailed.WithLabelValues(st.name, "no_connection").Inc()
			continue
		}
		if recipient.enqueue(data) {
			st.recordDelivered(s, env, id)
		}
	}
}

// broadcast sends a gateway-originated envelope to every session, except
// an optional excluded one.
func (st *spaceState) broadcast(env *envelope.Envelope, except *session) {
	for _, s := range st.sessions {
		if s == except {
			continue
		}
		s.enqueueEnvelope(env)
	}
}

// mergeRegister applies a system/register: the supplied capabilities are
// merged (deduplicated) into the sender's set, the baseline grants are
// re-ensured, and peers observe the change via a presence update.
func (st *spaceState) mergeRegister(s *session, env *envelope.Envelope, caps []capability.Capability) {
	s.participant.Capabilities = s.participant.Capabilities.Merge(caps, ensuredCapabilities...)
	for _, c := range caps {
		s.hub.audit.Decision(audit.DecisionEntry{
			Event:       audit.EventCapabilityGrant,
			EnvelopeID:  env.ID,
			Participant: s.participant.ID,
			Details: audit.DecisionDetails{
				RequiredCapability: c.Label(),
				Result:             "allowed",
				Source:             audit.SourceRuntimeGrant,
			},
		})
	}
	st.broadcastPresence("update", s.participant, s)
}

// broadcastPresence notifies every other participant of a join, leave, or
// capability update.
func (st *spaceState) broadcastPresence(event string, p *space.Participant, except *session) {
	env := envelope.New(envelope.GatewayID, "system/presence", map[string]interface{}{
		"event": event,
		"participant": map[string]interface{}{
			"id":           p.ID,
			"capabilities": p.Capabilities.Capabilities(),
		},
	})
	st.broadcast(env, except)
}

// welcomeEnvelope builds the directed system/welcome for a new
// attachment: own identity, current peers, and every active stream.
func (st *spaceState) welcomeEnvelope(p *space.Participant) *envelope.Envelope {
	peers := make([]map[string]interface{}, 0)
	for _, other := range st.space.Participants() {
		if other.ID == p.ID {
			continue
		}
		peers = append(peers, map[string]interface{}{
			"id":           other.ID,
			"capabilities": other.Capabilities.Capabilities(),
		})
	}
	streams := make([]map[string]interface{}, 0)
	for _, str := range st.space.Streams.Snapshot() {
		streams = append(streams, str.Describe())
	}
	return envelope.Directed(envelope.GatewayID, "system/welcome", []string{p.ID}, map[string]interface{}{
		"you": map[string]interface{}{
			"id":           p.ID,
			"capabilities": p.Capabilities.Capabilities(),
		},
		"participants":   peers,
		"active_streams": streams,
	})
}

// dropSession removes a departed connection from the space: presence
// leave, stream auto-revoke, and owned-stream closure.
func (st *spaceState) dropSession(s *session) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if s.detachOnly {
		// Evicted by a duplicate connection; the identity lives on.
		return
	}
	if current, ok := st.sessions[s.participant.ID]; !ok || current != s {
		return
	}
	delete(st.sessions, s.participant.ID)
	st.space.Leave(s.participant.ID)
	s.hub.metrics.ParticipantsConnected.WithLabelValues(st.name).Dec()

	closed, revoked := st.space.Streams.DropParticipant(s.participant.ID)
	for _, id := range revoked {
		slog.Info("[Gateway] Auto-revoked stream write on disconnect",
			"space", st.name, "participant", s.participant.ID, "stream", id)
	}
	for _, str := range closed {
		s.hub.metrics.StreamsActive.WithLabelValues(st.name).Dec()
		st.broadcast(envelope.New(envelope.GatewayID, "stream/close", map[string]interface{}{
			"stream_id": str.ID,
			"reason":    "owner_disconnected",
		}), nil)
	}

	st.broadcastPresence("leave", s.participant, s)
}

// applyParticipantLifecycle mirrors advisory pause state onto the
// participant table for the inspection surface. Enforcement of the pause
// lives in the SDK, not here.
func (st *spaceState) applyParticipantLifecycle(env *envelope.Envelope) {
	switch env.Kind {
	case "participant/pause":
		ps := &space.PauseState{OriginID: env.ID}
		if reason, ok := env.Payload["reason"].(string); ok {
			ps.Reason = reason
		}
		if secs, ok := env.Payload["timeout_seconds"].(float64); ok && secs > 0 {
			ps.Expires = time.Now().UTC().Add(time.Duration(secs) * time.Second)
		}
		for _, id := range env.To {
			if p, ok := st.space.Get(id); ok {
				p.Status = space.StatusPaused
				p.PauseState = ps
			}
		}
	case "participant/resume":
		for _, id := range env.To {
			if p, ok := st.space.Get(id); ok {
				p.Status = space.StatusActive
				p.PauseState = nil
			}
		}
	}
}

// handleFrame routes a raw stream data frame. Frames carry no envelope
// ID, so failures are dropped with a warning instead of a system/error.
func (st *spaceState) handleFrame(s *session, data []byte) {
	h := s.hub
	streamID, _, ok := stream.ParseFrame(data)
	if !ok {
		slog.Warn("[GATEWAY WARNING] Malformed stream frame dropped",
			"space", st.name, "participant", s.participant.ID)
		h.metrics.StreamFrames.WithLabelValues(st.name, "unknown_stream").Inc()
		return
	}
	str, ok := st.space.Streams.Get(streamID)
	if !ok {
		slog.Warn("[GATEWAY WARNING] Frame for unknown stream dropped",
			"space", st.name, "stream", streamID, "participant", s.participant.ID)
		h.metrics.StreamFrames.WithLabelValues(st.name, "unknown_stream").Inc()
		return
	}
	if !str.CanWrite(s.participant.ID) {
		slog.Warn("[GATEWAY WARNING] Unauthorized stream write",
			"space", st.name, "stream", streamID, "participant", s.participant.ID)
		h.metrics.StreamFrames.WithLabelValues(st.name, "unauthorized").Inc()
		return
	}

	if str.Targeted() {
		for _, id := range str.Target {
			if recipient, ok := st.sessions[id]; ok {
				recipient.enqueue(data)
			}
		}
	} else {
		for id, recipient := range st.sessions {
			if id == s.participant.ID {
				continue
			}
			recipient.enqueue(data)
		}
	}
	h.metrics.StreamFrames.WithLabelValues(st.name, "forwarded").Inc()
}

// reject records and reports a failed envelope. Fatal wire errors are
// additionally surfaced to the read pump, which closes the connection
// with a policy-violation code.
func (st *spaceState) reject(s *session, env *envelope.Envelope, werr *envelope.WireError) {
	h := s.hub
	h.audit.History(audit.HistoryEntry{
		Event:    audit.EventFailed,
		ID:       env.ID,
		Envelope: env,
		Metadata: audit.HistoryMetadata{
			ConnectionID: s.connID,
			Status:       werr.Code,
		},
	})
	h.metrics.EnvelopesFailed.WithLabelValues(st.name, werr.Code).Inc()
	s.sendError(werr, env.ID)
}

// rejectRaw reports a failure for a frame that never became an envelope.
func (st *spaceState) rejectRaw(s *session, werr *envelope.WireError, correlate string) {
	s.hub.audit.History(audit.HistoryEntry{
		Event: audit.EventFailed,
		Metadata: audit.HistoryMetadata{
			ConnectionID: s.connID,
			Status:       werr.Code,
		},
	})
	s.hub.metrics.EnvelopesFailed.WithLabelValues(st.name, werr.Code).Inc()
	s.sendError(werr, correlate)
}

func (st *spaceState) recordReceived(s *session, env *envelope.Envelope, start time.Time) {
	s.hub.audit.History(audit.HistoryEntry{
		Event:    audit.EventReceived,
		ID:       env.ID,
		Envelope: env,
		Metadata: audit.HistoryMetadata{
			ConnectionID:     s.connID,
			ProcessingTimeMs: float64(time.Since(start).Microseconds()) / 1000.0,
		},
	})
}

func (st *spaceState) recordDelivered(s *session, env *envelope.Envelope, recipient string) {
	s.hub.audit.History(audit.HistoryEntry{
		Event: audit.EventDelivered,
		ID:    env.ID,
		Metadata: audit.HistoryMetadata{
			ConnectionID: s.connID,
			Recipient:    recipient,
			LatencyMs:    float64(time.Since(env.TS).Microseconds()) / 1000.0,
		},
	})
}

// auditDecision writes the capability_check entry for an envelope.
func (st *spaceState) auditDecision(s *session, env *envelope.Envelope, dec capability.Decision) {
	granted := make([]string, 0)
	for _, c := range s.participant.Capabilities.Capabilities() {
		granted = append(granted, c.Label())
	}
	details := audit.DecisionDetails{
		RequiredCapability:  env.Kind,
		GrantedCapabilities: granted,
		Source:              audit.SourceSpaceConfig,
	}
	if dec.Allowed {
		details.Result = "allowed"
		if dec.Matched != nil {
			details.Reason = fmt.Sprintf("matched capability %q", dec.Matched.Label())
		} else {
			details.Reason = "system-origin bypass"
		}
	} else {
		details.Result = "denied"
		if dec.Vetoed != nil {
			details.Reason = fmt.Sprintf("vetoed by negative capability %q", dec.Vetoed.Label())
		} else {
			details.Reason = "no matching capability"
		}
	}
	s.hub.audit.Decision(audit.DecisionEntry{
		Event:       audit.EventCapabilityCheck,
		EnvelopeID:  env.ID,
		Participant: s.participant.ID,
		Details:     details,
	})
}
