package api

// Element lock handlers. Acquisition is exclusive and non-queued; the lock
// manager itself runs on the room loop.

// LockElementHandler forwards lock acquisitions.
type LockElementHandler struct{}

// MessageType returns the message type this handler processes
func (h *LockElementHandler) MessageType() MessageType {
	return MessageTypeLockElement
}

// HandleMessage forwards the lock request to the room loop.
func (h *LockElementHandler) HandleMessage(client *WebSocketClient, msg EventMessage) error {
	return forwardToRoom(client, msg)
}

// UnlockElementHandler forwards lock releases.
type UnlockElementHandler struct{}

// MessageType returns the message type this handler processes
func (h *UnlockElementHandler) MessageType() MessageType {
	return MessageTypeUnlockElement
}

// HandleMessage forwards the unlock request to the room loop.
func (h *UnlockElementHandler) HandleMessage(client *WebSocketClient, msg EventMessage) error {
	return forwardToRoom(client, msg)
}
