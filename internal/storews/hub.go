// Package storews is a WebSocket-backed signal.Store implementation. It
// demonstrates that the Store abstraction is genuinely swappable (spec.md
// §4.1's "replaceable key-value signaling backend") by relaying the same
// room document and candidate sub-collections over a real transport,
// descended from the teacher's internal/signaling Client/Hub.
package storews

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/kuuji/roomrtc/pkg/wire"
)

// Hub is a signaling server that relays offer/answer/ICE-candidate
// messages between a room's caller and callee, and bumps the room epoch
// on reattach. It implements http.Handler and can be mounted on any HTTP
// server.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*hubRoom
	log   *slog.Logger
}

type hubRoom struct {
	mu       sync.Mutex
	epoch    int64
	offerSet bool
	answerSet bool
	participants map[string]*hubConn // role -> conn
}

type hubConn struct {
	role string
	conn *websocket.Conn
}

// NewHub creates a new signaling Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms: make(map[string]*hubRoom),
		log:   logger.With("component", "storews-hub"),
	}
}

// CreateRoom allocates a fresh room ID. Exposed so a client-only Store
// handle can request one over a side channel (e.g. an HTTP POST) before
// dialing the WebSocket.
func (h *Hub) CreateRoom() string {
	id := uuid.NewString()
	h.mu.Lock()
	h.rooms[id] = &hubRoom{participants: make(map[string]*hubConn)}
	h.mu.Unlock()
	return id
}

// ServeHTTP implements http.Handler. Each request is expected to be a
// WebSocket upgrade whose first message is a JoinMessage.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket accept failed", "error", err)
		return
	}
	defer func() {
		_ = c.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()

	_, data, err := c.Read(ctx)
	if err != nil {
		return
	}
	msg, err := wire.Unmarshal(data)
	if err != nil {
		h.log.Warn("malformed join message", "error", err)
		return
	}
	join, ok := msg.(*wire.JoinMessage)
	if !ok {
		h.log.Warn("first message is not join", "type", msg.MessageType())
		return
	}

	h.mu.Lock()
	room, ok := h.rooms[join.RoomID]
	h.mu.Unlock()
	if !ok {
		return
	}

	room.mu.Lock()
	bumped := false
	if room.offerSet || room.answerSet || room.epoch > 0 {
		if _, already := room.participants[join.Role]; !already && len(room.participants) > 0 {
			room.epoch++
			room.offerSet = false
			room.answerSet = false
			bumped = true
		}
	}
	conn := &hubConn{role: join.Role, conn: c}
	room.participants[join.Role] = conn
	epoch := room.epoch
	room.mu.Unlock()

	h.log.Info("peer joined", "room_id", join.RoomID, "role", join.Role)

	if epochData, mErr := wire.Marshal(&wire.EpochMessage{RoomID: join.RoomID, Epoch: epoch}); mErr == nil {
		_ = c.Write(ctx, websocket.MessageText, epochData)
	}
	if bumped {
		h.broadcastExcept(room, join.Role, &wire.EpochMessage{RoomID: join.RoomID, Epoch: epoch})
	}

	defer func() {
		room.mu.Lock()
		if room.participants[join.Role] == conn {
			delete(room.participants, join.Role)
		}
		room.mu.Unlock()
		h.log.Info("peer left", "room_id", join.RoomID, "role", join.Role)
	}()

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		h.route(room, data)
	}
}

// route forwards a message to the room's other participant, tracking
// offer/answer presence so a later reattach can detect prior activity.
func (h *Hub) route(room *hubRoom, data []byte) {
	msg, err := wire.Unmarshal(data)
	if err != nil {
		return
	}

	var fromRole, toRole string
	switch m := msg.(type) {
	case *wire.OfferMessage:
		fromRole, toRole = "caller", "callee"
		room.mu.Lock()
		room.offerSet = true
		room.mu.Unlock()
	case *wire.AnswerMessage:
		fromRole, toRole = "callee", "caller"
		room.mu.Lock()
		room.answerSet = true
		room.mu.Unlock()
	case *wire.ICECandidateMessage:
		fromRole = m.FromRole
		if fromRole == "caller" {
			toRole = "callee"
		} else {
			toRole = "caller"
		}
	default:
		return
	}
	_ = fromRole

	room.mu.Lock()
	target, ok := room.participants[toRole]
	room.mu.Unlock()
	if !ok {
		return
	}
	_ = target.conn.Write(context.Background(), websocket.MessageText, data)
}

func (h *Hub) broadcastExcept(room *hubRoom, exceptRole string, msg wire.Message) {
	data, err := wire.Marshal(msg)
	if err != nil {
		return
	}
	room.mu.Lock()
	targets := make([]*hubConn, 0, len(room.participants))
	for role, c := range room.participants {
		if role == exceptRole {
			continue
		}
		targets = append(targets, c)
	}
	room.mu.Unlock()
	for _, t := range targets {
		_ = t.conn.Write(context.Background(), websocket.MessageText, data)
	}
}
