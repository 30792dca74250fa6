package api

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/drawbridge-app/drawbridge/internal/slogging"
)

// WebSocketClient represents one authenticated connection. A connection is
// created on upgrade and binds to at most one room for its lifetime via
// join_room; Room stays nil until then and is only written by the readPump
// goroutine.
type WebSocketClient struct {
	// Hub reference
	Hub *RoomHub
	// Room the connection has joined, nil before join_room
	Room *Room
	// The websocket connection
	Conn *websocket.Conn
	// Unique per-connection identifier, used to detect superseded joins
	ConnectionID string
	// Authenticated identity from the JWT
	UserID   string
	Username string
	// Role signed into the token; the room holds the current role
	ClaimRole Role
	// Buffered channel of outbound messages
	Send chan []byte

	closing   bool
	closingMu sync.Mutex

	// endTrace closes the connection span opened in HandleWS
	endTrace func(error)
}

func newWebSocketClient(hub *RoomHub, conn *websocket.Conn, userID, username string, role Role) *WebSocketClient {
	return &WebSocketClient{
		Hub:          hub,
		Conn:         conn,
		ConnectionID: uuid.New().String(),
		UserID:       userID,
		Username:     username,
		ClaimRole:    role,
		Send:         make(chan []byte, hub.tuning.SendBufferSize),
	}
}

// trySend queues a message without blocking. It returns false when the
// connection is closing or its buffer is full; callers treat false as a
// slow or dead consumer.
func (c *WebSocketClient) trySend(data []byte) bool {
	c.closingMu.Lock()
	defer c.closingMu.Unlock()

	if c.closing {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// closeSend closes the outbound channel exactly once. Safe to call from the
// room loop, the hub, and the readPump defer.
func (c *WebSocketClient) closeSend() {
	c.closingMu.Lock()
	defer c.closingMu.Unlock()

	if c.closing {
		return
	}
	c.closing = true
	close(c.Send)
}

// sendError delivers a typed error message to this client only.
func (c *WebSocketClient) sendError(code, description string) {
	msg := ErrorMessage{
		MessageType: MessageTypeError,
		Error:       code,
		Message:     description,
		Timestamp:   time.Now().UTC(),
	}

	data, err := MarshalEventMessage(msg)
	if err != nil {
		slogging.Get().Error("Failed to marshal error message code=%s error=%v", code, err)
		return
	}

	if !c.trySend(data) {
		slogging.Get().Debug("Dropped error message to slow client user_id=%s code=%s", c.UserID, code)
	}
}

// ReadPump pumps messages from the WebSocket to the message router. One per
// connection; room cleanup happens only here, on actual read failure, never
// speculatively.
func (c *WebSocketClient) ReadPump() {
	logger := slogging.Get()
	var readErr error

	defer func() {
		if room := c.Room; room != nil {
			room.dropConnection(c)
		} else {
			c.closeSend()
		}
		c.Conn.Close()

		slogging.LogWebSocketConnection("disconnected", c.ConnectionID, c.UserID, c.roomID(), c.Hub.wsLogConfig)
		if c.endTrace != nil {
			c.endTrace(readErr)
		}
	}()

	c.Conn.SetReadLimit(c.Hub.tuning.MaxMessageBytes)
	c.Conn.SetReadDeadline(time.Now().Add(c.Hub.tuning.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Hub.tuning.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("Unexpected websocket close user_id=%s connection_id=%s error=%v",
					c.UserID, c.ConnectionID, slogging.SanitizeLogMessage(err.Error()))
				readErr = err
			}
			break
		}

		c.Hub.router.RouteMessage(c, message)
	}
}

// WritePump pumps messages from the Send channel to the WebSocket and keeps
// the connection alive with pings. Closing Send flushes what is queued and
// then sends a close frame.
func (c *WebSocketClient) WritePump() {
	ticker := time.NewTicker(c.Hub.tuning.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Hub.tuning.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Fold queued messages into the same frame, newline separated
			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Hub.tuning.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WebSocketClient) roomID() string {
	if c.Room != nil {
		return c.Room.ID
	}
	return ""
}
