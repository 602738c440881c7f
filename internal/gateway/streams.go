package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mew/gateway/internal/capability"
	"github.com/mew/gateway/internal/envelope"
	"github.com/mew/gateway/internal/stream"
)

// openStream validates a stream/request and records the new stream. The
// returned ack is the broadcast-visible stream/open; every field of the
// request payload is preserved on the stream's metadata.
func (st *spaceState) openStream(s *session, env *envelope.Envelope) (*envelope.Envelope, *envelope.WireError) {
	direction := payloadString(env.Payload, "direction")
	target := payloadStrings(env.Payload, "target")

	var missing []string
	for _, id := range target {
		if _, ok := st.sessions[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		werr := envelope.NewWireError(envelope.ErrTargetNotFound,
			fmt.Sprintf("stream target(s) not in space: %v", missing))
		werr.Detail = map[string]interface{}{"targets": missing}
		return nil, werr
	}

	str, err := st.space.Streams.Open(s.participant.ID, stream.OpenRequest{
		Direction:   direction,
		ContentType: payloadString(env.Payload, "content_type"),
		Format:      payloadString(env.Payload, "format"),
		Target:      target,
		Metadata:    env.Payload,
		RequestID:   env.ID,
	})
	if err != nil {
		return nil, envelope.NewWireError(envelope.ErrParse, err.Error())
	}
	s.hub.metrics.StreamsActive.WithLabelValues(st.name).Inc()

	payload := map[string]interface{}{
		"stream_id": str.ID,
		"encoding":  payloadStringDefault(env.Payload, "encoding", "text"),
	}
	if str.Targeted() {
		payload["target"] = str.Target
	}
	ack := envelope.New(envelope.GatewayID, "stream/open", payload)
	ack.CorrelationID = []string{env.ID}
	return ack, nil
}

// streamOp applies a stream authorization envelope: grant-write,
// revoke-write, transfer-ownership, or close. The original envelope still
// fans out on success; grant and transfer additionally produce a
// gateway acknowledgment broadcast.
func (st *spaceState) streamOp(s *session, env *envelope.Envelope) (*envelope.Envelope, *envelope.WireError) {
	streamID := payloadString(env.Payload, "stream_id")
	requester := s.participant.ID
	reg := st.space.Streams

	switch env.Kind {
	case "stream/grant-write":
		writer := payloadString(env.Payload, "participant_id")
		if _, ok := st.space.Get(writer); !ok {
			return nil, wireNotFound(envelope.ErrParticipantNotFound, "participant", writer)
		}
		str, err := reg.GrantWrite(streamID, requester, writer)
		if err != nil {
			return nil, streamError(err, streamID)
		}
		ack := envelope.New(envelope.GatewayID, "stream/write-granted", map[string]interface{}{
			"stream_id":          str.ID,
			"participant_id":     writer,
			"granted_by":         requester,
			"authorized_writers": append([]string(nil), str.AuthorizedWriters...),
		})
		ack.CorrelationID = []string{env.ID}
		return ack, nil

	case "stream/revoke-write":
		writer := payloadString(env.Payload, "participant_id")
		if _, err := reg.RevokeWrite(streamID, requester, writer); err != nil {
			return nil, streamError(err, streamID)
		}
		return nil, nil

	case "stream/transfer-ownership":
		newOwner := payloadString(env.Payload, "new_owner")
		if _, ok := st.space.Get(newOwner); !ok {
			return nil, wireNotFound(envelope.ErrParticipantNotFound, "participant", newOwner)
		}
		str, err := reg.TransferOwnership(streamID, requester, newOwner)
		if err != nil {
			return nil, streamError(err, streamID)
		}
		ack := envelope.New(envelope.GatewayID, "stream/ownership-transferred", map[string]interface{}{
			"stream_id":          str.ID,
			"previous_owner":     requester,
			"new_owner":          newOwner,
			"authorized_writers": append([]string(nil), str.AuthorizedWriters...),
		})
		ack.CorrelationID = []string{env.ID}
		return ack, nil

	case "stream/close":
		if _, err := reg.Close(streamID, requester); err != nil {
			return nil, streamError(err, streamID)
		}
		s.hub.metrics.StreamsActive.WithLabelValues(st.name).Dec()
		return nil, nil
	}
	return nil, nil
}

// streamError maps registry errors onto the wire taxonomy.
func streamError(err error, streamID string) *envelope.WireError {
	switch {
	case errors.Is(err, stream.ErrNotFound):
		return wireNotFound(envelope.ErrStreamNotFound, "stream", streamID)
	case errors.Is(err, stream.ErrNotOwner):
		return envelope.NewWireError(envelope.ErrUnauthorized,
			fmt.Sprintf("only the owner of %s may modify it", streamID))
	case errors.Is(err, stream.ErrRevokeSelf):
		return envelope.NewWireError(envelope.ErrUnauthorized, "owner cannot revoke own write access")
	default:
		return envelope.NewWireError(envelope.ErrGateway, err.Error())
	}
}

func wireNotFound(code, noun, id string) *envelope.WireError {
	return envelope.NewWireError(code, fmt.Sprintf("%s %q not found", noun, id))
}

// decodeCapabilities converts the JSON-decoded capabilities field of a
// system/register payload into typed capabilities.
func decodeCapabilities(raw interface{}) ([]capability.Capability, *envelope.WireError) {
	if raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, envelope.NewWireError(envelope.ErrParse, "malformed capabilities in system/register")
	}
	var caps []capability.Capability
	if err := json.Unmarshal(data, &caps); err != nil {
		return nil, envelope.NewWireError(envelope.ErrParse, "malformed capabilities in system/register")
	}
	return caps, nil
}

// payloadString reads an optional string field from an opaque payload.
func payloadString(payload map[string]interface{}, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func payloadStringDefault(payload map[string]interface{}, key, def string) string {
	if v := payloadString(payload, key); v != "" {
		return v
	}
	return def
}

// payloadStrings reads an optional string-list field, accepting both a
// single string and a JSON array.
func payloadStrings(payload map[string]interface{}, key string) []string {
	switch v := payload[key].(type) {
	case string:
		return []string{v}
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
