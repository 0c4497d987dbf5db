package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"kingdomcleanup/netcode/internal/logging"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendDepth  = 64
)

// Hub is the relay server core: rooms keyed by lobby code, each forwarding
// opaque binary frames between its members. The hub never decodes a frame;
// encrypted sessions stay encrypted end to end.
type Hub struct {
	mu       sync.Mutex
	rooms    map[string]map[*member]bool
	log      *logging.Logger
	upgrader websocket.Upgrader
}

type member struct {
	conn   *websocket.Conn
	send   chan []byte
	peerID string
	code   string
}

// NewHub constructs an empty hub.
func NewHub(log *logging.Logger) *Hub {
	if log == nil {
		log = logging.L()
	}
	return &Hub{
		rooms: make(map[string]map[*member]bool),
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades /relay connections and joins them to their room.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	peer := r.URL.Query().Get("peer")
	if code == "" || peer == "" {
		http.Error(w, "code and peer query parameters are required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("relay upgrade failed", logging.Error(err))
		return
	}
	m := &member{
		conn:   conn,
		send:   make(chan []byte, sendDepth),
		peerID: peer,
		code:   code,
	}
	h.register(m)
	h.log.Info("relay member joined",
		logging.String("code", code),
		logging.String("peer", peer))
	go m.writePump()
	h.readPump(m)
}

func (h *Hub) register(m *member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[m.code]
	if !ok {
		room = make(map[*member]bool)
		h.rooms[m.code] = room
	}
	room[m] = true
}

func (h *Hub) unregister(m *member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[m.code]
	if !ok {
		return
	}
	if room[m] {
		delete(room, m)
		close(m.send)
	}
	if len(room) == 0 {
		delete(h.rooms, m.code)
	}
}

// forward fans one frame out to every other member of the sender's room.
// Slow consumers are dropped rather than allowed to stall the room.
func (h *Hub) forward(sender *member, frame []byte) {
	h.mu.Lock()
	var stalled []*member
	for m := range h.rooms[sender.code] {
		if m == sender {
			continue
		}
		select {
		case m.send <- frame:
		default:
			stalled = append(stalled, m)
		}
	}
	h.mu.Unlock()
	for _, m := range stalled {
		h.log.Warn("relay member stalled, dropping",
			logging.String("code", m.code),
			logging.String("peer", m.peerID))
		h.unregister(m)
		_ = m.conn.Close()
	}
}

func (h *Hub) readPump(m *member) {
	defer func() {
		h.unregister(m)
		_ = m.conn.Close()
		h.log.Info("relay member left",
			logging.String("code", m.code),
			logging.String("peer", m.peerID))
	}()
	_ = m.conn.SetReadDeadline(time.Now().Add(pongWait))
	m.conn.SetPongHandler(func(string) error {
		return m.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, frame, err := m.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = m.conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.BinaryMessage {
			continue
		}
		h.forward(m, frame)
	}
}

func (m *member) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-m.send:
			if !ok {
				_ = m.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			_ = m.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := m.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = m.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := m.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Stats reports current room and member counts for load advertising.
func (h *Hub) Stats() (rooms, members int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range h.rooms {
		members += len(room)
	}
	return len(h.rooms), members
}
