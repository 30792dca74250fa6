package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/drawbridge-app/drawbridge/internal/slogging"
)

// HealthPinger checks a backing dependency for the health endpoint.
type HealthPinger interface {
	Ping(ctx context.Context) error
}

// RoomHandlers serves the REST diagnostics surface over hub state. All
// reads are lock-free snapshots; nothing here enters a room loop.
type RoomHandlers struct {
	hub    *RoomHub
	pinger HealthPinger
}

// NewRoomHandlers creates the REST handlers. pinger may be nil when the
// edit outbox is disabled.
func NewRoomHandlers(hub *RoomHub, pinger HealthPinger) *RoomHandlers {
	return &RoomHandlers{
		hub:    hub,
		pinger: pinger,
	}
}

// RoomSummary is one row of the room listing.
type RoomSummary struct {
	RoomID           string    `json:"room_id"`
	SessionID        string    `json:"session_id"`
	ParticipantCount int       `json:"participant_count"`
	SequenceNumber   uint64    `json:"sequence_number"`
	LastActivity     time.Time `json:"last_activity"`
}

// ListRooms handles GET /rooms
func (h *RoomHandlers) ListRooms(c *gin.Context) {
	rooms := h.hub.Rooms()
	summaries := make([]RoomSummary, 0, len(rooms))

	for _, room := range rooms {
		lastActivity, _, members := room.activitySnapshot()
		summaries = append(summaries, RoomSummary{
			RoomID:           room.ID,
			SessionID:        room.SessionID,
			ParticipantCount: members,
			SequenceNumber:   room.SequenceNumber(),
			LastActivity:     lastActivity,
		})
	}

	slogging.Get().Debug("Listed rooms count=%d", len(summaries))
	c.JSON(http.StatusOK, summaries)
}

// GetRoomParticipants handles GET /rooms/:room_id/participants
func (h *RoomHandlers) GetRoomParticipants(c *gin.Context) {
	roomID := c.Param("room_id")

	room, ok := h.hub.GetRoom(roomID)
	if !ok {
		HandleRequestError(c, NotFoundError("Room not found"))
		return
	}

	c.JSON(http.StatusOK, room.GetParticipants())
}

// GetRoomFollowRelationships handles GET /rooms/:room_id/follow-relationships
func (h *RoomHandlers) GetRoomFollowRelationships(c *gin.Context) {
	roomID := c.Param("room_id")

	room, ok := h.hub.GetRoom(roomID)
	if !ok {
		HandleRequestError(c, NotFoundError("Room not found"))
		return
	}

	c.JSON(http.StatusOK, room.GetFollowRelationships())
}

// HealthResponse is the health endpoint body. The outbox status is
// advisory: collaboration keeps working when the outbox target is down.
type HealthResponse struct {
	Status string    `json:"status"`
	Rooms  int       `json:"rooms"`
	Outbox string    `json:"outbox,omitempty"`
	Time   time.Time `json:"time"`
}

// Healthz handles GET /healthz
func (h *RoomHandlers) Healthz(c *gin.Context) {
	resp := HealthResponse{
		Status: "ok",
		Rooms:  h.hub.RoomCount(),
		Time:   time.Now().UTC(),
	}

	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			slogging.Get().Warn("Health check outbox ping failed error=%v", err)
			resp.Outbox = "degraded"
		} else {
			resp.Outbox = "ok"
		}
	}

	c.JSON(http.StatusOK, resp)
}

// RegisterRoutes mounts the REST diagnostics and the websocket upgrade on
// an authenticated router group.
func (h *RoomHandlers) RegisterRoutes(group *gin.RouterGroup) {
	group.GET("/rooms", h.ListRooms)
	group.GET("/rooms/:room_id/participants", h.GetRoomParticipants)
	group.GET("/rooms/:room_id/follow-relationships", h.GetRoomFollowRelationships)
	group.GET("/ws", h.hub.HandleWS)
}
