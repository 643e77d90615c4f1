package eventbus

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/opctl/controlplane/logger"
)

// WSBroadcaster implements ExternalBroadcaster over WebSocket connections.
// A single dedicated goroutine owns all writes to any given connection —
// gorilla/websocket forbids concurrent writers on one *websocket.Conn —
// grounded on server/server.go's single-writer broadcast-goroutine pattern.
type WSBroadcaster struct {
	mu       sync.RWMutex
	clients  map[*websocket.Conn]chan Event
	upgrader websocket.Upgrader
}

// NewWSBroadcaster creates a broadcaster that accepts connections from any
// origin the caller's own CORS middleware has already approved.
func NewWSBroadcaster() *WSBroadcaster {
	return &WSBroadcaster{
		clients: make(map[*websocket.Conn]chan Event),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades the connection and starts its dedicated writer goroutine.
// Clients may send {"resume_from_seq": N} once after connecting to receive
// a replay of missed events from the durable log before live events resume.
func (w *WSBroadcaster) ServeWS(eventsDir string, wr http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(wr, r, nil)
	if err != nil {
		logger.Logger.Warnw("eventbus: ws upgrade failed", "error", err.Error())
		return
	}

	ch := make(chan Event, subscriberBufferSize)
	w.mu.Lock()
	w.clients[conn] = ch
	w.mu.Unlock()

	go w.writerLoop(conn, ch)
	go w.readerLoop(conn, ch, eventsDir)
}

func (w *WSBroadcaster) writerLoop(conn *websocket.Conn, ch chan Event) {
	defer func() {
		w.mu.Lock()
		delete(w.clients, conn)
		w.mu.Unlock()
		_ = conn.Close()
	}()

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

type resumeRequest struct {
	ResumeFromSeq uint64 `json:"resume_from_seq"`
}

func (w *WSBroadcaster) readerLoop(conn *websocket.Conn, ch chan Event, eventsDir string) {
	for {
		var req resumeRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		replay, err := ReadFrom(eventsDir, req.ResumeFromSeq)
		if err != nil {
			logger.Logger.Warnw("eventbus: replay read failed", "error", err.Error())
			continue
		}
		for _, ev := range replay {
			select {
			case ch <- ev:
			default:
				// replay backlog dropped for this slow client; it can
				// re-request a narrower range via the HTTP replay endpoint.
			}
		}
	}
}

// Broadcast implements ExternalBroadcaster: non-blocking per-client send,
// same drop-for-slow-subscriber discipline as the in-process bus.
func (w *WSBroadcaster) Broadcast(ev Event) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, ch := range w.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

// ClientCount reports the number of currently connected WebSocket clients.
func (w *WSBroadcaster) ClientCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.clients)
}

// ReplayHandler serves GET /v1/events?seq_from=N&seq_to=M as a JSON array,
// the HTTP replay window complementing the WebSocket stream.
func ReplayHandler(eventsDir string) http.HandlerFunc {
	return func(wr http.ResponseWriter, r *http.Request) {
		seqFrom := parseSeqParam(r, "seq_from")
		events, err := ReadFrom(eventsDir, seqFrom)
		if err != nil {
			http.Error(wr, "replay unavailable", http.StatusServiceUnavailable)
			return
		}

		seqTo := parseSeqParam(r, "seq_to")
		if seqTo > 0 {
			filtered := events[:0]
			for _, ev := range events {
				if ev.Seq <= seqTo {
					filtered = append(filtered, ev)
				}
			}
			events = filtered
		}

		wr.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(wr).Encode(events)
	}
}

func parseSeqParam(r *http.Request, name string) uint64 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0
	}
	var n uint64
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + uint64(c-'0')
	}
	return n
}
