package api

// Viewport following handlers. The follow graph and the stale-follower
// suppression rule live on the room loop.

// FollowUserHandler forwards follow requests.
type FollowUserHandler struct{}

// MessageType returns the message type this handler processes
func (h *FollowUserHandler) MessageType() MessageType {
	return MessageTypeFollowUser
}

// HandleMessage forwards the follow request to the room loop.
func (h *FollowUserHandler) HandleMessage(client *WebSocketClient, msg EventMessage) error {
	return forwardToRoom(client, msg)
}

// UnfollowUserHandler forwards unfollow requests.
type UnfollowUserHandler struct{}

// MessageType returns the message type this handler processes
func (h *UnfollowUserHandler) MessageType() MessageType {
	return MessageTypeUnfollowUser
}

// HandleMessage forwards the unfollow request to the room loop.
func (h *UnfollowUserHandler) HandleMessage(client *WebSocketClient, msg EventMessage) error {
	return forwardToRoom(client, msg)
}

// ViewportUpdateHandler forwards viewport changes to the follow graph.
type ViewportUpdateHandler struct{}

// MessageType returns the message type this handler processes
func (h *ViewportUpdateHandler) MessageType() MessageType {
	return MessageTypeViewportUpdate
}

// HandleMessage forwards the viewport update to the room loop.
func (h *ViewportUpdateHandler) HandleMessage(client *WebSocketClient, msg EventMessage) error {
	return forwardToRoom(client, msg)
}
