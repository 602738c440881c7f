// Package stream manages the side channels a space mediates for raw data
// frames. Streams carry high-volume or binary data outside the envelope
// JSON pipe: a gateway-assigned ID, an owner holding grant/revoke/
// transfer/close rights, an ordered writer set, and an optional immutable
// target list for data-frame delivery.
package stream

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"
)

// Directions a stream can be opened with.
const (
	DirectionUpload   = "upload"
	DirectionDownload = "download"
)

var (
	ErrNotFound     = errors.New("stream not found")
	ErrNotOwner     = errors.New("participant is not the stream owner")
	ErrRevokeSelf   = errors.New("owner cannot revoke own write access")
	ErrBadDirection = errors.New("direction must be upload or download")
)

// idPattern is the wire shape of gateway-assigned stream IDs.
var idPattern = regexp.MustCompile(`^stream-[0-9]+$`)

// Stream is one active side channel.
type Stream struct {
	ID    string
	Owner string
	// AuthorizedWriters is an ordered set; the owner is always a member.
	AuthorizedWriters []string
	// Target is the data-frame recipient list, immutable after creation.
	// Empty means broadcast. Lifecycle envelopes always broadcast.
	Target      []string
	Direction   string
	ContentType string
	Format      string
	// Metadata preserves every field of the opening stream/request verbatim.
	Metadata  map[string]interface{}
	CreatedAt time.Time
	// RequestID correlates back to the opening stream/request envelope.
	RequestID string
}

// CanWrite reports whether a participant may publish data frames.
func (s *Stream) CanWrite(participantID string) bool {
	for _, w := range s.AuthorizedWriters {
		if w == participantID {
			return true
		}
	}
	return false
}

// Targeted reports whether data frames are restricted to an explicit
// recipient list.
func (s *Stream) Targeted() bool {
	return len(s.Target) > 0
}

// Describe renders the stream for system/welcome.active_streams: the
// canonical fields plus every preserved metadata field from the opening
// request. Canonical fields win on collision.
func (s *Stream) Describe() map[string]interface{} {
	out := make(map[string]interface{}, len(s.Metadata)+6)
	for k, v := range s.Metadata {
		out[k] = v
	}
	out["stream_id"] = s.ID
	out["owner"] = s.Owner
	out["authorized_writers"] = append([]string(nil), s.AuthorizedWriters...)
	out["direction"] = s.Direction
	out["created"] = s.CreatedAt
	if s.ContentType != "" {
		out["content_type"] = s.ContentType
	}
	if s.Format != "" {
		out["format"] = s.Format
	}
	if s.Targeted() {
		out["target"] = append([]string(nil), s.Target...)
	}
	return out
}

// OpenRequest carries the validated fields of a stream/request payload.
type OpenRequest struct {
	Direction   string
	ContentType string
	Format      string
	Target      []string
	// Metadata is the full request payload, preserved verbatim.
	Metadata  map[string]interface{}
	RequestID string
}

// Registry is a space's active stream table. The counter is monotonic for
// the lifetime of the space; closed stream IDs are never reused.
type Registry struct {
	mu      sync.Mutex
	streams map[string]*Stream
	counter int64
}

// NewRegistry creates an empty stream registry.
func NewRegistry() *Registry {
	return &Registry{streams: make(map[string]*Stream)}
}

// Open records a new stream owned by the requester and returns it.
func (r *Registry) Open(owner string, req OpenRequest) (*Stream, error) {
	if req.Direction != DirectionUpload && req.Direction != DirectionDownload {
		return nil, ErrBadDirection
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counter++
	s := &Stream{
		ID:                fmt.Sprintf("stream-%d", r.counter),
		Owner:             owner,
		AuthorizedWriters: []string{owner},
		Target:            append([]string(nil), req.Target...),
		Direction:         req.Direction,
		ContentType:       req.ContentType,
		Format:            req.Format,
		Metadata:          req.Metadata,
		CreatedAt:         time.Now().UTC(),
		RequestID:         req.RequestID,
	}
	r.streams[s.ID] = s
	return s, nil
}

// Get returns the stream with the given ID.
func (r *Registry) Get(id string) (*Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	return s, ok
}

// Snapshot returns the active streams in creation order.
func (r *Registry) Snapshot() []*Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.Before(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// GrantWrite adds a writer to a stream. Only the owner may grant; the
// operation is idempotent.
func (r *Registry) GrantWrite(streamID, requester, writer string) (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[streamID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Owner != requester {
		return nil, ErrNotOwner
	}
	if !s.CanWrite(writer) {
		s.AuthorizedWriters = append(s.AuthorizedWriters, writer)
	}
	return s, nil
}

// RevokeWrite removes a writer. Only the owner may revoke, and never from
// itself; revoking an absent writer is a no-op.
func (r *Registry) RevokeWrite(streamID, requester, writer string) (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[streamID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Owner != requester {
		return nil, ErrNotOwner
	}
	if writer == s.Owner {
		return nil, ErrRevokeSelf
	}
	s.removeWriter(writer)
	return s, nil
}

// TransferOwnership hands a stream to a new owner. The new owner is
// appended to the writer set; the previous owner remains a writer unless
// separately revoked.
func (r *Registry) TransferOwnership(streamID, requester, newOwner string) (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[streamID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Owner != requester {
		return nil, ErrNotOwner
	}
	s.Owner = newOwner
	if !s.CanWrite(newOwner) {
		s.AuthorizedWriters = append(s.AuthorizedWriters, newOwner)
	}
	return s, nil
}

// Close removes a stream. Only the owner may close.
func (r *Registry) Close(streamID, requester string) (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[streamID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Owner != requester {
		return nil, ErrNotOwner
	}
	delete(r.streams, streamID)
	return s, nil
}

// DropParticipant applies the disconnect policy: the departed participant
// is revoked from every stream where it was a non-owner writer, and every
// stream it owned is closed. Returns the closed streams and the IDs of
// streams it was revoked from.
func (r *Registry) DropParticipant(participantID string) (closed []*Stream, revokedFrom []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.streams {
		if s.Owner == participantID {
			delete(r.streams, id)
			closed = append(closed, s)
			continue
		}
		if s.CanWrite(participantID) {
			s.removeWriter(participantID)
			revokedFrom = append(revokedFrom, id)
		}
	}
	return closed, revokedFrom
}

func (s *Stream) removeWriter(writer string) {
	for i, w := range s.AuthorizedWriters {
		if w == writer {
			s.AuthorizedWriters = append(s.AuthorizedWriters[:i], s.AuthorizedWriters[i+1:]...)
			return
		}
	}
}

// ParseFrame splits a raw data frame of the form #<stream_id>#<bytes>.
// The payload bytes are returned unchanged; the gateway forwards them
// verbatim.
func ParseFrame(data []byte) (streamID string, payload []byte, ok bool) {
	if len(data) < 2 || data[0] != '#' {
		return "", nil, false
	}
	end := bytes.IndexByte(data[1:], '#')
	if end < 0 {
		return "", nil, false
	}
	streamID = string(data[1 : 1+end])
	if !idPattern.MatchString(streamID) {
		return "", nil, false
	}
	return streamID, data[end+2:], true
}
