package api

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/drawbridge-app/drawbridge/internal/slogging"
)

// MessageHandler processes one WebSocket message type.
type MessageHandler interface {
	HandleMessage(client *WebSocketClient, msg EventMessage) error
	MessageType() MessageType
}

// MessageRouter routes inbound messages to their registered handlers.
type MessageRouter struct {
	hub      *RoomHub
	handlers map[MessageType]MessageHandler
}

// NewMessageRouter creates a router with all collaboration handlers
// registered.
func NewMessageRouter(hub *RoomHub) *MessageRouter {
	router := &MessageRouter{
		hub:      hub,
		handlers: make(map[MessageType]MessageHandler),
	}

	router.register(&JoinRoomHandler{hub: hub})
	router.register(&CursorMoveHandler{})
	router.register(&MutationHandler{messageType: MessageTypeDiagramUpdate})
	router.register(&MutationHandler{messageType: MessageTypeShapeCreated})
	router.register(&MutationHandler{messageType: MessageTypeElementEdit})
	router.register(&LockElementHandler{})
	router.register(&UnlockElementHandler{})
	router.register(&FollowUserHandler{})
	router.register(&UnfollowUserHandler{})
	router.register(&ViewportUpdateHandler{})
	router.register(&HeartbeatHandler{})
	router.register(&PresenceUpdateHandler{})

	return router
}

func (router *MessageRouter) register(handler MessageHandler) {
	router.handlers[handler.MessageType()] = handler
}

// RouteMessage validates an inbound frame and dispatches it. Protocol
// violations are answered with a typed error to the sender only.
func (router *MessageRouter) RouteMessage(client *WebSocketClient, message []byte) {
	logger := slogging.Get()

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("[wsmsg] Panic routing websocket message user_id=%s panic=%v stack=%s",
				client.UserID, rec, debug.Stack())
			client.sendError("internal_error", "Internal server error processing message")
		}
	}()

	var base struct {
		MessageType MessageType `json:"message_type"`
	}
	if err := json.Unmarshal(message, &base); err != nil {
		logger.Debug("[wsmsg] Unparseable message envelope user_id=%s error=%v", client.UserID, err)
		client.sendError("invalid_message", "Message must be JSON with a message_type field")
		return
	}

	slogging.LogWebSocketMessage(slogging.WSMessageInbound, client.roomID(), client.UserID,
		string(base.MessageType), message, router.hub.wsLogConfig)
	router.hub.telemetry.RecordMessage(context.Background(), string(base.MessageType), client.roomID(), len(message))

	if IsServerOnly(base.MessageType) {
		logger.Warn("[wsmsg] Client sent server-only message type user_id=%s message_type=%s",
			client.UserID, base.MessageType)
		client.sendError("invalid_message_type",
			fmt.Sprintf("Message type %s originates from the server only", base.MessageType))
		return
	}

	handler, ok := router.handlers[base.MessageType]
	if !ok {
		logger.Debug("[wsmsg] Unsupported message type user_id=%s message_type=%s",
			client.UserID, base.MessageType)
		client.sendError("unsupported_message_type",
			fmt.Sprintf("Message type %s is not supported", base.MessageType))
		return
	}

	msg, err := ParseEventMessage(message)
	if err != nil {
		logger.Debug("[wsmsg] Message failed validation user_id=%s message_type=%s error=%v",
			client.UserID, base.MessageType, slogging.SanitizeLogMessage(err.Error()))
		client.sendError("invalid_message", err.Error())
		return
	}

	if err := handler.HandleMessage(client, msg); err != nil {
		logger.Error("[wsmsg] Handler failed user_id=%s message_type=%s error=%v",
			client.UserID, base.MessageType, err)
	}
}

// forwardToRoom hands a member event to the client's room loop.
func forwardToRoom(client *WebSocketClient, msg EventMessage) error {
	room := client.Room
	if room == nil {
		client.sendError("not_joined", "Join a room before sending events")
		return nil
	}
	if !room.enqueueEvent(client, msg) {
		client.sendError("room_closed", "Room is no longer active")
	}
	return nil
}

// JoinRoomHandler binds a connection to a room.
type JoinRoomHandler struct {
	hub *RoomHub
}

// MessageType returns the message type this handler processes
func (h *JoinRoomHandler) MessageType() MessageType {
	return MessageTypeJoinRoom
}

// HandleMessage checks the join against the authenticated identity and
// hands it to the room loop. A connection joins one room for its lifetime;
// repeating the join for the same room refreshes the membership.
func (h *JoinRoomHandler) HandleMessage(client *WebSocketClient, msg EventMessage) error {
	m, ok := msg.(JoinRoomMessage)
	if !ok {
		return fmt.Errorf("expected JoinRoomMessage, got %T", msg)
	}

	if m.UserID != client.UserID {
		slogging.Get().Warn("Join rejected, identity mismatch authenticated=%s claimed=%s",
			client.UserID, slogging.SanitizeLogMessage(m.UserID))
		h.refuse(client, "user_id does not match the authenticated identity")
		return nil
	}

	if client.Room != nil && client.Room.ID != m.Room {
		h.refuse(client, "Connection already joined to a different room")
		return nil
	}

	for attempts := 0; attempts < 3; attempts++ {
		room := h.hub.GetOrCreateRoom(m.Room)
		if room.enqueueJoin(client, m) {
			client.Room = room
			return nil
		}
	}

	h.refuse(client, "Room is shutting down, try again")
	return fmt.Errorf("room %s closed during join", m.Room)
}

func (h *JoinRoomHandler) refuse(client *WebSocketClient, reason string) {
	resp := JoinResponseMessage{
		MessageType: MessageTypeJoinResponse,
		Success:     false,
		Error:       reason,
	}
	data, err := MarshalEventMessage(resp)
	if err != nil {
		slogging.Get().Error("Failed to marshal join refusal error=%v", err)
		return
	}
	client.trySend(data)
}

// CursorMoveHandler relays cursor positions.
type CursorMoveHandler struct{}

// MessageType returns the message type this handler processes
func (h *CursorMoveHandler) MessageType() MessageType {
	return MessageTypeCursorMove
}

// HandleMessage forwards the cursor move to the room loop.
func (h *CursorMoveHandler) HandleMessage(client *WebSocketClient, msg EventMessage) error {
	return forwardToRoom(client, msg)
}

// MutationHandler forwards diagram mutations. One instance is registered
// per mutating message type.
type MutationHandler struct {
	messageType MessageType
}

// MessageType returns the message type this handler processes
func (h *MutationHandler) MessageType() MessageType {
	return h.messageType
}

// HandleMessage forwards the mutation to the room loop, where the
// permission gate and sequence assignment run.
func (h *MutationHandler) HandleMessage(client *WebSocketClient, msg EventMessage) error {
	return forwardToRoom(client, msg)
}
