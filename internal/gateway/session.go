package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mew/gateway/internal/envelope"
	"github.com/mew/gateway/internal/space"
)

const (
	pongWait   = 60 * time.Second // time allowed to read the next pong
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second // time allowed to write a frame
	sendBuffer = 256              // per-session outbound channel depth
)

// session is one live WebSocket attachment. All writes to the connection
// go through the Send channel and the write pump; all reads happen in the
// read pump. A session that cannot keep up with fan-out (full Send
// buffer) is disconnected rather than allowed to stall the space.
type session struct {
	hub         *Hub
	st          *spaceState
	participant *space.Participant
	conn        *websocket.Conn
	connID      string

	send chan []byte
	done chan struct{}
	once sync.Once

	// detachOnly suppresses leave cleanup when a duplicate connection
	// evicts this one: the participant identity survives the eviction.
	detachOnly bool

	closeCode   int
	closeReason string
}

func newSession(h *Hub, st *spaceState, conn *websocket.Conn, p *space.Participant) *session {
	return &session{
		hub:         h,
		st:          st,
		participant: p,
		conn:        conn,
		connID:      uuid.New().String(),
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		closeCode:   websocket.CloseNormalClosure,
	}
}

func (s *session) start() {
	s.hub.wg.Add(2)
	go s.writePump()
	go s.readPump()
}

// enqueue hands a frame to the write pump without blocking. Overflow
// disconnects this participant; the space's broadcast loop never stalls
// on a slow consumer.
func (s *session) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		slog.Warn("[Gateway] Send buffer full, disconnecting slow participant",
			"space", s.st.name, "participant", s.participant.ID)
		go s.close(websocket.CloseInternalServerErr, "send buffer overflow")
		return false
	}
}

// enqueueEnvelope serializes and enqueues a gateway-originated envelope.
func (s *session) enqueueEnvelope(env *envelope.Envelope) bool {
	data, err := env.Encode()
	if err != nil {
		slog.Warn("[Gateway] Dropping unencodable envelope", "kind", env.Kind, "error", err)
		return false
	}
	return s.enqueue(data)
}

// sendError delivers a system/error envelope for a failed inbound
// message. correlate may be empty when the offending frame had no ID.
func (s *session) sendError(werr *envelope.WireError, correlate string) {
	env := envelope.Directed(envelope.GatewayID, "system/error", []string{s.participant.ID}, werr.Payload())
	if correlate != "" {
		env.CorrelationID = []string{correlate}
	}
	s.enqueueEnvelope(env)
}

// close shuts the session down exactly once. The write pump flushes
// queued frames, sends the close frame, and tears the connection down;
// the timer is a backstop for a wedged socket.
func (s *session) close(code int, reason string) {
	s.once.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		close(s.done)
		s.st.dropSession(s)
		time.AfterFunc(writeWait+time.Second, func() { s.conn.Close() })
		slog.Info("[Gateway] Participant disconnected",
			"space", s.st.name, "participant", s.participant.ID, "reason", reason)
	})
}

// writePump owns all writes to the connection: queued frames, pings, and
// the final close frame.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close(websocket.CloseAbnormalClosure, "write pump exited")
		s.conn.Close()
		s.hub.wg.Done()
	}()

	for {
		select {
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Warn("[Gateway] Write failed", "participant", s.participant.ID, "error", err)
				return
			}
			// Drain whatever else is queued while we hold the socket.
			n := len(s.send)
			for i := 0; i < n; i++ {
				if err := s.conn.WriteMessage(websocket.TextMessage, <-s.send); err != nil {
					slog.Warn("[Gateway] Batch write failed", "participant", s.participant.ID, "error", err)
					return
				}
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			// Flush anything accepted before the close was requested, then
			// send the close frame.
			for {
				select {
				case frame := <-s.send:
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if s.conn.WriteMessage(websocket.TextMessage, frame) != nil {
						return
					}
				default:
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					s.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(s.closeCode, s.closeReason))
					return
				}
			}
		}
	}
}

// readPump owns all reads from the connection and feeds the space's
// routing pipeline.
func (s *session) readPump() {
	defer func() {
		s.close(websocket.CloseAbnormalClosure, "connection closed")
		s.hub.wg.Done()
	}()

	// The hard read limit sits above the envelope size limit so that
	// oversize envelopes can be answered with message_too_large on an open
	// connection; only frames beyond twice the limit tear down the socket
	// (close code 1009 from the websocket layer).
	maxEnvelope := int64(s.hub.cfg.Gateway.MaxMessageSizeBytes)
	s.conn.SetReadLimit(2*maxEnvelope + 1024)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("[Gateway] Read error", "participant", s.participant.ID, "error", err)
			}
			return
		}
		if fatal := s.st.handleInbound(s, data); fatal {
			s.close(websocket.ClosePolicyViolation, "protocol violation")
			return
		}
		select {
		case <-s.done:
			return
		default:
		}
	}
}
