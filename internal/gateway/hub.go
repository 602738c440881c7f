// Package gateway implements the MEW gateway: a WebSocket fanout bus per
// named space, with capability enforcement on every envelope, mediated
// side-channel streams, and dual audit logs.
//
// Concurrency model: one read goroutine and one write goroutine per
// connection (all conn writes go through the session's Send channel), and
// a per-space mutex serializing the routing pipeline so that accept
// order, history order, and fan-out order coincide within a space.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mew/gateway/internal/audit"
	"github.com/mew/gateway/internal/capability"
	"github.com/mew/gateway/internal/config"
	"github.com/mew/gateway/internal/envelope"
	"github.com/mew/gateway/internal/metrics"
	"github.com/mew/gateway/internal/proposal"
	"github.com/mew/gateway/internal/space"
)

// Identity headers and query parameters accepted at upgrade time.
const (
	headerParticipant  = "X-MEW-Participant"
	headerCapabilities = "X-MEW-Capabilities"
	queryParticipant   = "participant"
	queryToken         = "token"
)

// Hub hosts every space and accepts WebSocket attachments.
type Hub struct {
	cfg     *config.Config
	audit   *audit.Logger
	metrics *metrics.Metrics

	// directory carries space-scoped identity and capability bindings;
	// nil means header/query identity with the default grant.
	directory *config.Manager

	upgrader websocket.Upgrader

	mu     sync.RWMutex
	spaces map[string]*spaceState

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// spaceState couples a space's routing state with its live sessions. Its
// mutex is the space's single-writer discipline: the whole inbound
// pipeline for one space runs under it.
type spaceState struct {
	name      string
	mu        sync.Mutex
	space     *space.Space
	proposals *proposal.Tracker
	sessions  map[string]*session // participant ID -> live session
}

// NewHub creates a hub with the given configuration and audit sinks.
func NewHub(cfg *config.Config, auditLog *audit.Logger, m *metrics.Metrics) *Hub {
	h := &Hub{
		cfg:     cfg,
		audit:   auditLog,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		spaces: make(map[string]*spaceState),
		done:   make(chan struct{}),
	}
	h.wg.Add(1)
	go h.heartbeatLoop()
	return h
}

// UseDirectory installs the per-space identity and capability bindings.
func (h *Hub) UseDirectory(d *config.Manager) {
	h.directory = d
}

// getOrCreateSpace returns the state for a space, creating it on first
// attach. Returns false when the max_spaces limit would be exceeded.
func (h *Hub) getOrCreateSpace(name string) (*spaceState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.spaces[name]; ok {
		return st, true
	}
	if h.cfg.Gateway.MaxSpaces > 0 && len(h.spaces) >= h.cfg.Gateway.MaxSpaces {
		return nil, false
	}
	st := &spaceState{
		name:      name,
		space:     space.New(name, h.cfg.Gateway.MaxHistorySize),
		proposals: proposal.NewTracker(),
		sessions:  make(map[string]*session),
	}
	h.spaces[name] = st
	slog.Info("[Gateway] Space created", "space", name)
	return st, true
}

// getSpace returns an existing space's state.
func (h *Hub) getSpace(name string) (*spaceState, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.spaces[name]
	return st, ok
}

// spaceNames returns the current space list.
func (h *Hub) spaceNames() []*spaceState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*spaceState, 0, len(h.spaces))
	for _, st := range h.spaces {
		out = append(out, st)
	}
	return out
}

// HandleWebSocket upgrades an HTTP request to a WebSocket attachment on
// the named space.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, spaceName string) {
	participantID, caps, ok := h.identify(r, spaceName)
	if !ok {
		h.metrics.ConnectionsTotal.WithLabelValues(spaceName, "rejected_auth").Inc()
		http.Error(w, "unknown token", http.StatusUnauthorized)
		return
	}

	st, ok := h.getOrCreateSpace(spaceName)
	if !ok {
		h.metrics.ConnectionsTotal.WithLabelValues(spaceName, "rejected_full").Inc()
		http.Error(w, "space limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Gateway] WebSocket upgrade failed", "space", spaceName, "error", err)
		return
	}
	h.attach(st, conn, participantID, caps)
}

// identify resolves the participant identity and capability grant from
// the request. A bearer token, when presented, must resolve through the
// space directory or the global token table; otherwise the identity comes
// from header or query. Directory grants override the capability header,
// which in turn overrides the minimal default grant.
func (h *Hub) identify(r *http.Request, spaceName string) (string, []capability.Capability, bool) {
	var participantID string

	token := r.URL.Query().Get(queryToken)
	if auth := r.Header.Get("Authorization"); token == "" && strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	if token != "" {
		var id string
		if h.directory != nil {
			if bound, ok := h.directory.ResolveToken(spaceName, token); ok {
				id = bound
			}
		}
		if id == "" {
			for candidate, bound := range h.cfg.Tokens {
				if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
					id = bound
				}
			}
		}
		if id == "" {
			return "", nil, false
		}
		participantID = id
	}
	if participantID == "" {
		participantID = r.Header.Get(headerParticipant)
	}
	if participantID == "" {
		participantID = r.URL.Query().Get(queryParticipant)
	}
	if participantID == "" {
		participantID = "guest-" + time.Now().Format("20060102150405.000")
	}

	if h.directory != nil {
		if caps, ok := h.directory.CapabilitiesFor(spaceName, participantID); ok {
			return participantID, caps, true
		}
	}
	var caps []capability.Capability
	if raw := r.Header.Get(headerCapabilities); raw != "" {
		if err := json.Unmarshal([]byte(raw), &caps); err != nil {
			slog.Warn("[Gateway] Ignoring malformed capability header", "participant", participantID, "error", err)
			caps = nil
		}
	}
	if len(caps) == 0 {
		caps = []capability.Capability{{Kind: "chat"}}
	}
	return participantID, caps, true
}

// attach registers the connection in the space and starts its pumps. The
// joining participant's welcome is enqueued before peers observe the
// presence join.
func (h *Hub) attach(st *spaceState, conn *websocket.Conn, participantID string, caps []capability.Capability) {
	st.mu.Lock()

	if max := h.cfg.Gateway.MaxClientsPerSpace; max > 0 && len(st.sessions) >= max {
		st.mu.Unlock()
		h.metrics.ConnectionsTotal.WithLabelValues(st.name, "rejected_full").Inc()
		closeWith(conn, websocket.ClosePolicyViolation, "space full")
		return
	}

	if prior, ok := st.sessions[participantID]; ok {
		if !h.cfg.Gateway.EvictDuplicates {
			st.mu.Unlock()
			h.metrics.ConnectionsTotal.WithLabelValues(st.name, "rejected_duplicate").Inc()
			closeWith(conn, websocket.ClosePolicyViolation, "participant already connected")
			return
		}
		// Evict-old policy: detach the prior connection without the usual
		// leave cleanup; the identity stays registered for the newcomer.
		delete(st.sessions, participantID)
		prior.detachOnly = true
		h.metrics.ConnectionsTotal.WithLabelValues(st.name, "evicted_prior").Inc()
		h.metrics.ParticipantsConnected.WithLabelValues(st.name).Dec()
		go prior.close(websocket.ClosePolicyViolation, "superseded by new connection")
	}

	p := st.space.Join(participantID, caps)
	s := newSession(h, st, conn, p)
	st.sessions[participantID] = s

	s.start()
	s.enqueueEnvelope(st.welcomeEnvelope(p))
	st.broadcastPresence("join", p, s)

	st.mu.Unlock()

	h.metrics.ConnectionsTotal.WithLabelValues(st.name, "accepted").Inc()
	h.metrics.ParticipantsConnected.WithLabelValues(st.name).Inc()
	slog.Info("[Gateway] Participant connected", "space", st.name, "participant", participantID, "connection", s.connID)
}

// heartbeatLoop broadcasts system/heartbeat on every space at the
// configured interval. Dead sockets are reaped by the pong deadline in
// each session's read pump; a full send buffer here also disconnects.
func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, st := range h.spaceNames() {
				st.mu.Lock()
				hb := envelope.New(envelope.GatewayID, "system/heartbeat", nil)
				for _, s := range st.sessions {
					s.enqueueEnvelope(hb)
				}
				st.mu.Unlock()
			}
		case <-h.done:
			return
		}
	}
}

// Shutdown stops the heartbeat, closes every connection with a normal
// close code, and waits for the pumps to drain or the context to expire.
func (h *Hub) Shutdown(ctx context.Context) {
	h.stopOnce.Do(func() { close(h.done) })

	for _, st := range h.spaceNames() {
		st.mu.Lock()
		sessions := make([]*session, 0, len(st.sessions))
		for _, s := range st.sessions {
			sessions = append(sessions, s)
		}
		st.mu.Unlock()
		for _, s := range sessions {
			s.close(websocket.CloseNormalClosure, "gateway shutting down")
		}
	}

	drained := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		slog.Warn("[Gateway] Shutdown deadline expired before drain completed")
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}
