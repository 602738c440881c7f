package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Router builds the gateway's HTTP surface: the per-space WebSocket
// endpoint plus the read-only inspection API. /spaces/{space} serves the
// WebSocket upgrade when requested as one, a JSON summary otherwise.
func (h *Hub) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/spaces", h.handleListSpaces).Methods(http.MethodGet)
	r.HandleFunc("/spaces/{space}", h.handleSpace).Methods(http.MethodGet)
	r.HandleFunc("/spaces/{space}/ws", func(w http.ResponseWriter, r *http.Request) {
		h.HandleWebSocket(w, r, mux.Vars(r)["space"])
	}).Methods(http.MethodGet)
	r.HandleFunc("/spaces/{space}/participants", h.handleParticipants).Methods(http.MethodGet)
	r.HandleFunc("/spaces/{space}/history", h.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/spaces/{space}/streams", h.handleStreams).Methods(http.MethodGet)

	return r
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":  "healthy",
		"service": "mew-gateway",
		"spaces":  len(h.spaceNames()),
	})
}

func (h *Hub) handleSpace(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["space"]
	if websocket.IsWebSocketUpgrade(r) {
		h.HandleWebSocket(w, r, name)
		return
	}
	st, ok := h.getSpace(name)
	if !ok {
		http.NotFound(w, r)
		return
	}
	st.mu.Lock()
	summary := map[string]interface{}{
		"name":         st.name,
		"participants": st.space.Count(),
		"streams":      len(st.space.Streams.Snapshot()),
		"history_len":  st.space.HistoryLen(),
		"created_at":   st.space.CreatedAt,
	}
	st.mu.Unlock()
	writeJSON(w, summary)
}

func (h *Hub) handleListSpaces(w http.ResponseWriter, r *http.Request) {
	out := make([]map[string]interface{}, 0)
	for _, st := range h.spaceNames() {
		st.mu.Lock()
		out = append(out, map[string]interface{}{
			"name":         st.name,
			"participants": st.space.Count(),
			"created_at":   st.space.CreatedAt,
		})
		st.mu.Unlock()
	}
	writeJSON(w, out)
}

func (h *Hub) handleParticipants(w http.ResponseWriter, r *http.Request) {
	st, ok := h.getSpace(mux.Vars(r)["space"])
	if !ok {
		http.NotFound(w, r)
		return
	}
	st.mu.Lock()
	out := make([]map[string]interface{}, 0)
	for _, p := range st.space.Participants() {
		out = append(out, map[string]interface{}{
			"id":           p.ID,
			"status":       p.Status,
			"capabilities": p.Capabilities.Capabilities(),
			"joined_at":    p.JoinedAt,
		})
	}
	st.mu.Unlock()
	writeJSON(w, out)
}

// handleHistory pages through the space's envelope history in
// reverse-chronological order: ?before=<envelope-id>&limit=<n>.
func (h *Hub) handleHistory(w http.ResponseWriter, r *http.Request) {
	st, ok := h.getSpace(mux.Vars(r)["space"])
	if !ok {
		http.NotFound(w, r)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	before := r.URL.Query().Get("before")
	st.mu.Lock()
	envelopes := st.space.History(before, limit)
	st.mu.Unlock()
	writeJSON(w, envelopes)
}

func (h *Hub) handleStreams(w http.ResponseWriter, r *http.Request) {
	st, ok := h.getSpace(mux.Vars(r)["space"])
	if !ok {
		http.NotFound(w, r)
		return
	}
	st.mu.Lock()
	out := make([]map[string]interface{}, 0)
	for _, str := range st.space.Streams.Snapshot() {
		out = append(out, str.Describe())
	}
	st.mu.Unlock()
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
