package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/drawbridge-app/drawbridge/internal/identity"
	"github.com/drawbridge-app/drawbridge/internal/slogging"
	"github.com/drawbridge-app/drawbridge/internal/telemetry"
)

// upgrader upgrades HTTP connections to WebSocket
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow all origins for development; restrict in production
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EditRecorder receives committed diagram operations for asynchronous
// handoff to the diagram storage pipeline.
type EditRecorder interface {
	Record(roomID string, operation DiagramOperationMessage)
}

// RoomHub owns every active room and the background maintenance loops.
type RoomHub struct {
	// Active rooms by room ID
	rooms map[string]*Room
	// Mutex for thread safety
	mu sync.RWMutex

	tuning      Tuning
	router      *MessageRouter
	telemetry   *telemetry.CollabTelemetry
	outbox      EditRecorder
	wsLogConfig slogging.WebSocketLoggingConfig
}

// RoomHubOptions carries the hub's collaborators. Telemetry and Outbox may
// be nil; both paths degrade to no-ops.
type RoomHubOptions struct {
	Tuning    Tuning
	Telemetry *telemetry.CollabTelemetry
	Outbox    EditRecorder
	WSLogging slogging.WebSocketLoggingConfig
}

// NewRoomHub creates a hub. Background loops start separately via
// StartCleanupTimer and StartPresenceSweeper.
func NewRoomHub(opts RoomHubOptions) *RoomHub {
	hub := &RoomHub{
		rooms:       make(map[string]*Room),
		tuning:      opts.Tuning,
		telemetry:   opts.Telemetry,
		outbox:      opts.Outbox,
		wsLogConfig: opts.WSLogging,
	}
	hub.router = NewMessageRouter(hub)
	return hub
}

// GetOrCreateRoom returns an existing room or creates and starts a new one.
func (h *RoomHub) GetOrCreateRoom(roomID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, ok := h.rooms[roomID]; ok {
		return room
	}

	room := NewRoom(h, roomID)
	h.rooms[roomID] = room
	h.telemetry.RoomOpened(context.Background())
	slogging.Get().Info("Room created room_id=%s session_id=%s", roomID, room.SessionID)

	return room
}

// GetRoom returns a room by ID if it exists.
func (h *RoomHub) GetRoom(roomID string) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room, ok := h.rooms[roomID]
	return room, ok
}

// Rooms returns a snapshot of the active rooms.
func (h *RoomHub) Rooms() []*Room {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// RoomCount returns the number of active rooms.
func (h *RoomHub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// reapIfExpired removes a room whose empty grace period has elapsed. Armed
// by the room's grace timer; re-checked here because a join may have raced
// the timer.
func (h *RoomHub) reapIfExpired(room *Room) {
	_, emptySince, members := room.activitySnapshot()
	if members > 0 || emptySince.IsZero() {
		return
	}
	if time.Since(emptySince) < h.tuning.EmptyGracePeriod {
		return
	}

	h.removeRoom(room, false, "empty grace period expired")
}

// CleanupInactiveRooms closes rooms that outlived the grace period without
// members and rooms idle past the inactivity timeout. Backstop for grace
// timers; also covers rooms whose join never completed.
func (h *RoomHub) CleanupInactiveRooms() {
	for _, room := range h.Rooms() {
		lastActivity, emptySince, members := room.activitySnapshot()

		if members == 0 {
			idleSince := emptySince
			if idleSince.IsZero() {
				idleSince = lastActivity
			}
			if time.Since(idleSince) >= h.tuning.EmptyGracePeriod {
				h.removeRoom(room, false, "empty past grace period")
			}
			continue
		}

		if time.Since(lastActivity) >= h.tuning.InactivityTimeout {
			h.removeRoom(room, true, "inactive past timeout")
		}
	}
}

// removeRoom drops a room from the hub and stops its loop. Unless force is
// set, a room that gained members since the caller's check is left alone.
func (h *RoomHub) removeRoom(room *Room, force bool, reason string) {
	h.mu.Lock()
	current, ok := h.rooms[room.ID]
	if !ok || current != room {
		h.mu.Unlock()
		return
	}
	if !force {
		if _, _, members := room.activitySnapshot(); members > 0 {
			h.mu.Unlock()
			return
		}
	}
	delete(h.rooms, room.ID)
	h.mu.Unlock()

	room.Stop()
	h.telemetry.RoomClosed(context.Background())
	slogging.Get().Info("Room removed room_id=%s reason=%s", room.ID, reason)
}

// StartCleanupTimer runs the periodic room cleanup until ctx is done.
func (h *RoomHub) StartCleanupTimer(ctx context.Context) {
	ticker := time.NewTicker(h.tuning.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.CleanupInactiveRooms()
		case <-ctx.Done():
			return
		}
	}
}

// StartPresenceSweeper runs the level-triggered idle scan across all rooms
// until ctx is done. One sweeper goroutine per hub.
func (h *RoomHub) StartPresenceSweeper(ctx context.Context) {
	ticker := time.NewTicker(h.tuning.PresenceSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, room := range h.Rooms() {
				room.sweepPresence(h.tuning.PresenceIdleThreshold)
			}
		case <-ctx.Done():
			return
		}
	}
}

// recordEdit hands a committed operation to the storage outbox, if any.
func (h *RoomHub) recordEdit(roomID string, operation DiagramOperationMessage) {
	if h.outbox == nil {
		return
	}
	h.outbox.Record(roomID, operation)
}

// Shutdown stops every room and closes their connections.
func (h *RoomHub) Shutdown() {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.rooms = make(map[string]*Room)
	h.mu.Unlock()

	for _, room := range rooms {
		room.Stop()
	}
	slogging.Get().Info("Room hub shut down rooms_closed=%d", len(rooms))
}

// HandleWS upgrades an authenticated request and starts the connection
// pumps. The connection joins a room only when its first join_room arrives.
func (h *RoomHub) HandleWS(c *gin.Context) {
	logger := slogging.Get()

	claims, err := identity.FromContext(c)
	if err != nil {
		HandleRequestError(c, UnauthorizedError("Authentication required"))
		return
	}

	username := claims.DisplayName
	if username == "" {
		username = claims.UserID()
	}
	role := ParseRole(claims.Role)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("Failed to upgrade connection user_id=%s error=%v", claims.UserID(), err)
		return
	}

	client := newWebSocketClient(h, conn, claims.UserID(), username, role)

	_, endTrace := h.telemetry.TraceConnection(c.Request.Context(), "", client.UserID)
	client.endTrace = endTrace

	slogging.LogWebSocketConnection("connected", client.ConnectionID, client.UserID, "", h.wsLogConfig)

	go client.WritePump()
	go client.ReadPump()
}
