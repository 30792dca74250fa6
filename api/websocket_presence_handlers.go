package api

// Presence and liveness handlers. Heartbeats answer the caller only;
// explicit presence announcements broadcast to the rest of the room.

// HeartbeatHandler forwards application-level liveness probes.
type HeartbeatHandler struct{}

// MessageType returns the message type this handler processes
func (h *HeartbeatHandler) MessageType() MessageType {
	return MessageTypeHeartbeat
}

// HandleMessage forwards the heartbeat to the room loop.
func (h *HeartbeatHandler) HandleMessage(client *WebSocketClient, msg EventMessage) error {
	return forwardToRoom(client, msg)
}

// PresenceUpdateHandler forwards explicit presence announcements.
type PresenceUpdateHandler struct{}

// MessageType returns the message type this handler processes
func (h *PresenceUpdateHandler) MessageType() MessageType {
	return MessageTypePresenceUpdate
}

// HandleMessage forwards the presence update to the room loop.
func (h *PresenceUpdateHandler) HandleMessage(client *WebSocketClient, msg EventMessage) error {
	return forwardToRoom(client, msg)
}
