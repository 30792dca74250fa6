package api

import (
	"encoding/json"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/google/uuid"
)

// Wire message types for the collaboration protocol. Each type has a struct
// with a Validate method; ParseEventMessage dispatches inbound client JSON
// to the right one so malformed traffic is rejected at the boundary.

// MessageType tags every WebSocket message.
type MessageType string

const (
	// Client-sendable message types
	MessageTypeJoinRoom       MessageType = "join_room"
	MessageTypeCursorMove     MessageType = "cursor_move"
	MessageTypeDiagramUpdate  MessageType = "diagram_update"
	MessageTypeShapeCreated   MessageType = "shape_created"
	MessageTypeElementEdit    MessageType = "element_edit"
	MessageTypeLockElement    MessageType = "lock_element"
	MessageTypeUnlockElement  MessageType = "unlock_element"
	MessageTypeFollowUser     MessageType = "follow_user"
	MessageTypeUnfollowUser   MessageType = "unfollow_user"
	MessageTypeViewportUpdate MessageType = "viewport_update"
	MessageTypeHeartbeat      MessageType = "heartbeat"
	MessageTypePresenceUpdate MessageType = "presence_update"

	// Server-only message types
	MessageTypeJoinResponse       MessageType = "join_response"
	MessageTypeUserJoined         MessageType = "user_joined"
	MessageTypeUserLeft           MessageType = "user_left"
	MessageTypeParticipantsUpdate MessageType = "participants_update"
	MessageTypeCursorUpdate       MessageType = "cursor_update"
	MessageTypeOperationAck       MessageType = "operation_ack"
	MessageTypeDiagramOperation   MessageType = "diagram_operation"
	MessageTypeLockResponse       MessageType = "lock_response"
	MessageTypeUnlockResponse     MessageType = "unlock_response"
	MessageTypeElementLocked      MessageType = "element_locked"
	MessageTypeElementUnlocked    MessageType = "element_unlocked"
	MessageTypeFollowStarted      MessageType = "follow_started"
	MessageTypeFollowStopped      MessageType = "follow_stopped"
	MessageTypeViewportSync       MessageType = "viewport_sync"
	MessageTypeViewportChanged    MessageType = "viewport_changed"
	MessageTypeHeartbeatAck       MessageType = "heartbeat_ack"
	MessageTypeError              MessageType = "error"
)

// serverOnlyMessageTypes are rejected as protocol violations when a client
// sends them. presence_update is absent: it travels in both directions.
var serverOnlyMessageTypes = map[MessageType]bool{
	MessageTypeJoinResponse:       true,
	MessageTypeUserJoined:         true,
	MessageTypeUserLeft:           true,
	MessageTypeParticipantsUpdate: true,
	MessageTypeCursorUpdate:       true,
	MessageTypeOperationAck:       true,
	MessageTypeDiagramOperation:   true,
	MessageTypeLockResponse:       true,
	MessageTypeUnlockResponse:     true,
	MessageTypeElementLocked:      true,
	MessageTypeElementUnlocked:    true,
	MessageTypeFollowStarted:      true,
	MessageTypeFollowStopped:      true,
	MessageTypeViewportSync:       true,
	MessageTypeViewportChanged:    true,
	MessageTypeHeartbeatAck:       true,
	MessageTypeError:              true,
}

// IsServerOnly reports whether clients are forbidden from sending this type.
func IsServerOnly(mt MessageType) bool {
	return serverOnlyMessageTypes[mt]
}

// mutatingMessageTypes require owner or editor role.
var mutatingMessageTypes = map[MessageType]bool{
	MessageTypeDiagramUpdate: true,
	MessageTypeShapeCreated:  true,
	MessageTypeElementEdit:   true,
	MessageTypeLockElement:   true,
	MessageTypeUnlockElement: true,
}

// IsMutating reports whether this message type changes shared diagram state.
func IsMutating(mt MessageType) bool {
	return mutatingMessageTypes[mt]
}

// EventMessage is the base interface for all WebSocket messages.
type EventMessage interface {
	GetMessageType() MessageType
	Validate() error
}

// Client-to-server messages

// JoinRoomMessage binds an authenticated connection to a room.
type JoinRoomMessage struct {
	MessageType MessageType `json:"message_type"`
	Room        string      `json:"room"`
	UserID      string      `json:"user_id"`
	Username    string      `json:"username"`
	Role        string      `json:"role,omitempty"`
}

func (m JoinRoomMessage) GetMessageType() MessageType { return m.MessageType }

func (m JoinRoomMessage) Validate() error {
	if m.MessageType != MessageTypeJoinRoom {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeJoinRoom, m.MessageType)
	}
	if m.Room == "" {
		return fmt.Errorf("room is required")
	}
	if m.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if m.Username == "" {
		return fmt.Errorf("username is required")
	}
	if m.Role != "" && !Role(m.Role).IsValid() {
		return fmt.Errorf("role must be owner, editor, or viewer, got: %s", m.Role)
	}
	return nil
}

// CursorMoveMessage reports a cursor position.
type CursorMoveMessage struct {
	MessageType MessageType `json:"message_type"`
	Room        string      `json:"room"`
	UserID      string      `json:"user_id"`
	X           float64     `json:"x"`
	Y           float64     `json:"y"`
}

func (m CursorMoveMessage) GetMessageType() MessageType { return m.MessageType }

func (m CursorMoveMessage) Validate() error {
	if m.MessageType != MessageTypeCursorMove {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeCursorMove, m.MessageType)
	}
	if m.Room == "" {
		return fmt.Errorf("room is required")
	}
	if m.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

// MutationMessage carries a diagram_update, shape_created, or element_edit
// operation. The payload is opaque to the server except for element_edit,
// which must be a well-formed JSON Patch.
type MutationMessage struct {
	MessageType MessageType     `json:"message_type"`
	Room        string          `json:"room"`
	UserID      string          `json:"user_id"`
	OperationID string          `json:"operation_id"`
	Payload     json.RawMessage `json:"payload"`
}

func (m MutationMessage) GetMessageType() MessageType { return m.MessageType }

func (m MutationMessage) Validate() error {
	switch m.MessageType {
	case MessageTypeDiagramUpdate, MessageTypeShapeCreated, MessageTypeElementEdit:
	default:
		return fmt.Errorf("invalid message_type for mutation: %s", m.MessageType)
	}
	if m.Room == "" {
		return fmt.Errorf("room is required")
	}
	if m.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if m.OperationID == "" {
		return fmt.Errorf("operation_id is required")
	}
	if _, err := uuid.Parse(m.OperationID); err != nil {
		return fmt.Errorf("operation_id must be a valid UUID: %w", err)
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	if !json.Valid(m.Payload) {
		return fmt.Errorf("payload must be valid JSON")
	}
	if m.MessageType == MessageTypeElementEdit {
		if _, err := jsonpatch.DecodePatch(m.Payload); err != nil {
			return fmt.Errorf("element_edit payload must be a valid JSON Patch: %w", err)
		}
	}
	return nil
}

// LockRequestMessage asks to acquire or release an element lock.
type LockRequestMessage struct {
	MessageType MessageType `json:"message_type"`
	Room        string      `json:"room"`
	ElementID   string      `json:"element_id"`
	UserID      string      `json:"user_id"`
	Username    string      `json:"username,omitempty"`
}

func (m LockRequestMessage) GetMessageType() MessageType { return m.MessageType }

func (m LockRequestMessage) Validate() error {
	if m.MessageType != MessageTypeLockElement && m.MessageType != MessageTypeUnlockElement {
		return fmt.Errorf("invalid message_type for lock request: %s", m.MessageType)
	}
	if m.Room == "" {
		return fmt.Errorf("room is required")
	}
	if m.ElementID == "" {
		return fmt.Errorf("element_id is required")
	}
	if m.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

// FollowRequestMessage starts or stops following another user's viewport.
type FollowRequestMessage struct {
	MessageType MessageType `json:"message_type"`
	Room        string      `json:"room"`
	FollowerID  string      `json:"follower_id"`
	FollowingID string      `json:"following_id"`
}

func (m FollowRequestMessage) GetMessageType() MessageType { return m.MessageType }

func (m FollowRequestMessage) Validate() error {
	if m.MessageType != MessageTypeFollowUser && m.MessageType != MessageTypeUnfollowUser {
		return fmt.Errorf("invalid message_type for follow request: %s", m.MessageType)
	}
	if m.Room == "" {
		return fmt.Errorf("room is required")
	}
	if m.FollowerID == "" {
		return fmt.Errorf("follower_id is required")
	}
	if m.FollowingID == "" {
		return fmt.Errorf("following_id is required")
	}
	return nil
}

// ViewportUpdateMessage shares the sender's pan/zoom state.
type ViewportUpdateMessage struct {
	MessageType MessageType `json:"message_type"`
	Room        string      `json:"room"`
	UserID      string      `json:"user_id"`
	PanX        float64     `json:"pan_x"`
	PanY        float64     `json:"pan_y"`
	Zoom        float64     `json:"zoom"`
}

func (m ViewportUpdateMessage) GetMessageType() MessageType { return m.MessageType }

func (m ViewportUpdateMessage) Validate() error {
	if m.MessageType != MessageTypeViewportUpdate {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeViewportUpdate, m.MessageType)
	}
	if m.Room == "" {
		return fmt.Errorf("room is required")
	}
	if m.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if m.Zoom <= 0 {
		return fmt.Errorf("zoom must be positive, got %f", m.Zoom)
	}
	return nil
}

// HeartbeatMessage is the application-level liveness probe. Timestamp is
// client wall clock in milliseconds.
type HeartbeatMessage struct {
	MessageType MessageType `json:"message_type"`
	Room        string      `json:"room"`
	UserID      string      `json:"user_id"`
	Timestamp   int64       `json:"timestamp"`
}

func (m HeartbeatMessage) GetMessageType() MessageType { return m.MessageType }

func (m HeartbeatMessage) Validate() error {
	if m.MessageType != MessageTypeHeartbeat {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeHeartbeat, m.MessageType)
	}
	if m.Room == "" {
		return fmt.Errorf("room is required")
	}
	if m.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if m.Timestamp <= 0 {
		return fmt.Errorf("timestamp must be a positive millisecond value")
	}
	return nil
}

// PresenceUpdateMessage travels both directions: clients announce online or
// away, and the server broadcasts resulting transitions.
type PresenceUpdateMessage struct {
	MessageType MessageType    `json:"message_type"`
	Room        string         `json:"room,omitempty"`
	UserID      string         `json:"user_id"`
	Status      PresenceStatus `json:"status"`
}

func (m PresenceUpdateMessage) GetMessageType() MessageType { return m.MessageType }

func (m PresenceUpdateMessage) Validate() error {
	if m.MessageType != MessageTypePresenceUpdate {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypePresenceUpdate, m.MessageType)
	}
	if m.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if m.Status != PresenceOnline && m.Status != PresenceAway {
		return fmt.Errorf("status must be 'online' or 'away', got: %s", m.Status)
	}
	return nil
}

// Server-to-client messages

// JoinResponseMessage acknowledges a join with the current roster.
type JoinResponseMessage struct {
	MessageType MessageType   `json:"message_type"`
	Success     bool          `json:"success"`
	Users       []Participant `json:"users,omitempty"`
	Error       string        `json:"error,omitempty"`
}

func (m JoinResponseMessage) GetMessageType() MessageType { return m.MessageType }

func (m JoinResponseMessage) Validate() error {
	if m.MessageType != MessageTypeJoinResponse {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeJoinResponse, m.MessageType)
	}
	if !m.Success && m.Error == "" {
		return fmt.Errorf("error is required when success is false")
	}
	return nil
}

// UserJoinedMessage announces a new participant to the room.
type UserJoinedMessage struct {
	MessageType MessageType `json:"message_type"`
	User        Participant `json:"user"`
	Timestamp   time.Time   `json:"timestamp"`
}

func (m UserJoinedMessage) GetMessageType() MessageType { return m.MessageType }

func (m UserJoinedMessage) Validate() error {
	if m.MessageType != MessageTypeUserJoined {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeUserJoined, m.MessageType)
	}
	if m.User.UserID == "" {
		return fmt.Errorf("user.user_id is required")
	}
	return nil
}

// UserLeftMessage announces a departure.
type UserLeftMessage struct {
	MessageType MessageType `json:"message_type"`
	UserID      string      `json:"user_id"`
	Username    string      `json:"username"`
	Timestamp   time.Time   `json:"timestamp"`
}

func (m UserLeftMessage) GetMessageType() MessageType { return m.MessageType }

func (m UserLeftMessage) Validate() error {
	if m.MessageType != MessageTypeUserLeft {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeUserLeft, m.MessageType)
	}
	if m.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

// ParticipantsUpdateMessage is the full roster broadcast on membership or
// role change.
type ParticipantsUpdateMessage struct {
	MessageType  MessageType   `json:"message_type"`
	Participants []Participant `json:"participants"`
}

func (m ParticipantsUpdateMessage) GetMessageType() MessageType { return m.MessageType }

func (m ParticipantsUpdateMessage) Validate() error {
	if m.MessageType != MessageTypeParticipantsUpdate {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeParticipantsUpdate, m.MessageType)
	}
	for i, p := range m.Participants {
		if p.UserID == "" {
			return fmt.Errorf("participant[%d].user_id is required", i)
		}
	}
	return nil
}

// CursorUpdateMessage relays a cursor position to the rest of the room.
type CursorUpdateMessage struct {
	MessageType MessageType `json:"message_type"`
	UserID      string      `json:"user_id"`
	X           float64     `json:"x"`
	Y           float64     `json:"y"`
}

func (m CursorUpdateMessage) GetMessageType() MessageType { return m.MessageType }

func (m CursorUpdateMessage) Validate() error {
	if m.MessageType != MessageTypeCursorUpdate {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeCursorUpdate, m.MessageType)
	}
	if m.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

// OperationAckMessage acknowledges a mutation to its sender, echoing the
// operation_id so queued offline edits can be correlated.
type OperationAckMessage struct {
	MessageType    MessageType `json:"message_type"`
	Success        bool        `json:"success"`
	OperationID    string      `json:"operation_id"`
	SequenceNumber *uint64     `json:"sequence_number,omitempty"`
	Error          string      `json:"error,omitempty"`
}

func (m OperationAckMessage) GetMessageType() MessageType { return m.MessageType }

func (m OperationAckMessage) Validate() error {
	if m.MessageType != MessageTypeOperationAck {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeOperationAck, m.MessageType)
	}
	if m.OperationID == "" {
		return fmt.Errorf("operation_id is required")
	}
	if !m.Success && m.Error == "" {
		return fmt.Errorf("error is required when success is false")
	}
	return nil
}

// DiagramOperationMessage relays a committed mutation to the room. The
// sequence number is assigned per room in commit order.
type DiagramOperationMessage struct {
	MessageType    MessageType     `json:"message_type"`
	EventType      MessageType     `json:"event_type"`
	UserID         string          `json:"user_id"`
	OperationID    string          `json:"operation_id"`
	SequenceNumber uint64          `json:"sequence_number"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      time.Time       `json:"timestamp"`
}

func (m DiagramOperationMessage) GetMessageType() MessageType { return m.MessageType }

func (m DiagramOperationMessage) Validate() error {
	if m.MessageType != MessageTypeDiagramOperation {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeDiagramOperation, m.MessageType)
	}
	if !mutatingMessageTypes[m.EventType] {
		return fmt.Errorf("event_type must be a mutation type, got: %s", m.EventType)
	}
	if m.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if m.OperationID == "" {
		return fmt.Errorf("operation_id is required")
	}
	return nil
}

// LockResponseMessage acknowledges a lock_element request.
type LockResponseMessage struct {
	MessageType MessageType `json:"message_type"`
	Success     bool        `json:"success"`
	ElementID   string      `json:"element_id"`
	Error       string      `json:"error,omitempty"`
}

func (m LockResponseMessage) GetMessageType() MessageType { return m.MessageType }

func (m LockResponseMessage) Validate() error {
	if m.MessageType != MessageTypeLockResponse {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeLockResponse, m.MessageType)
	}
	if m.ElementID == "" {
		return fmt.Errorf("element_id is required")
	}
	if !m.Success && m.Error == "" {
		return fmt.Errorf("error is required when success is false")
	}
	return nil
}

// UnlockResponseMessage acknowledges an unlock_element request.
type UnlockResponseMessage struct {
	MessageType MessageType `json:"message_type"`
	Success     bool        `json:"success"`
	ElementID   string      `json:"element_id"`
	Error       string      `json:"error,omitempty"`
}

func (m UnlockResponseMessage) GetMessageType() MessageType { return m.MessageType }

func (m UnlockResponseMessage) Validate() error {
	if m.MessageType != MessageTypeUnlockResponse {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeUnlockResponse, m.MessageType)
	}
	if m.ElementID == "" {
		return fmt.Errorf("element_id is required")
	}
	if !m.Success && m.Error == "" {
		return fmt.Errorf("error is required when success is false")
	}
	return nil
}

// ElementLockedMessage announces a lock acquisition to the room.
type ElementLockedMessage struct {
	MessageType MessageType `json:"message_type"`
	ElementID   string      `json:"element_id"`
	UserID      string      `json:"user_id"`
	Username    string      `json:"username"`
	AcquiredAt  time.Time   `json:"acquired_at"`
}

func (m ElementLockedMessage) GetMessageType() MessageType { return m.MessageType }

func (m ElementLockedMessage) Validate() error {
	if m.MessageType != MessageTypeElementLocked {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeElementLocked, m.MessageType)
	}
	if m.ElementID == "" {
		return fmt.Errorf("element_id is required")
	}
	if m.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

// ElementUnlockedMessage announces a lock release to the room.
type ElementUnlockedMessage struct {
	MessageType MessageType `json:"message_type"`
	ElementID   string      `json:"element_id"`
	UserID      string      `json:"user_id"`
}

func (m ElementUnlockedMessage) GetMessageType() MessageType { return m.MessageType }

func (m ElementUnlockedMessage) Validate() error {
	if m.MessageType != MessageTypeElementUnlocked {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeElementUnlocked, m.MessageType)
	}
	if m.ElementID == "" {
		return fmt.Errorf("element_id is required")
	}
	return nil
}

// FollowStartedMessage acknowledges a follow_user request.
type FollowStartedMessage struct {
	MessageType MessageType `json:"message_type"`
	Success     bool        `json:"success"`
	FollowerID  string      `json:"follower_id"`
	FollowingID string      `json:"following_id"`
	Error       string      `json:"error,omitempty"`
}

func (m FollowStartedMessage) GetMessageType() MessageType { return m.MessageType }

func (m FollowStartedMessage) Validate() error {
	if m.MessageType != MessageTypeFollowStarted {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeFollowStarted, m.MessageType)
	}
	if m.FollowerID == "" {
		return fmt.Errorf("follower_id is required")
	}
	if !m.Success && m.Error == "" {
		return fmt.Errorf("error is required when success is false")
	}
	return nil
}

// FollowStoppedMessage acknowledges an unfollow_user request.
type FollowStoppedMessage struct {
	MessageType MessageType `json:"message_type"`
	Success     bool        `json:"success"`
	FollowerID  string      `json:"follower_id"`
	FollowingID string      `json:"following_id"`
	Error       string      `json:"error,omitempty"`
}

func (m FollowStoppedMessage) GetMessageType() MessageType { return m.MessageType }

func (m FollowStoppedMessage) Validate() error {
	if m.MessageType != MessageTypeFollowStopped {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeFollowStopped, m.MessageType)
	}
	if m.FollowerID == "" {
		return fmt.Errorf("follower_id is required")
	}
	if !m.Success && m.Error == "" {
		return fmt.Errorf("error is required when success is false")
	}
	return nil
}

// ViewportSyncMessage unicasts a followee's last known viewport to a new
// follower.
type ViewportSyncMessage struct {
	MessageType MessageType `json:"message_type"`
	UserID      string      `json:"user_id"`
	PanX        float64     `json:"pan_x"`
	PanY        float64     `json:"pan_y"`
	Zoom        float64     `json:"zoom"`
}

func (m ViewportSyncMessage) GetMessageType() MessageType { return m.MessageType }

func (m ViewportSyncMessage) Validate() error {
	if m.MessageType != MessageTypeViewportSync {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeViewportSync, m.MessageType)
	}
	if m.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

// ViewportChangedMessage propagates a followee's viewport to the follower
// subset. The follower list lets clients drop updates that no longer apply.
type ViewportChangedMessage struct {
	MessageType MessageType `json:"message_type"`
	UserID      string      `json:"user_id"`
	PanX        float64     `json:"pan_x"`
	PanY        float64     `json:"pan_y"`
	Zoom        float64     `json:"zoom"`
	Followers   []string    `json:"followers"`
}

func (m ViewportChangedMessage) GetMessageType() MessageType { return m.MessageType }

func (m ViewportChangedMessage) Validate() error {
	if m.MessageType != MessageTypeViewportChanged {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeViewportChanged, m.MessageType)
	}
	if m.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

// HeartbeatAckMessage answers a heartbeat with measured latency and
// quality. Latency is in milliseconds; server_time is Unix milliseconds.
type HeartbeatAckMessage struct {
	MessageType MessageType       `json:"message_type"`
	Success     bool              `json:"success"`
	Latency     int64             `json:"latency"`
	Quality     ConnectionQuality `json:"quality"`
	ServerTime  int64             `json:"server_time"`
}

func (m HeartbeatAckMessage) GetMessageType() MessageType { return m.MessageType }

func (m HeartbeatAckMessage) Validate() error {
	if m.MessageType != MessageTypeHeartbeatAck {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeHeartbeatAck, m.MessageType)
	}
	if m.Latency < 0 {
		return fmt.Errorf("latency cannot be negative")
	}
	return nil
}

// ErrorMessage is the typed error sent to a single client.
type ErrorMessage struct {
	MessageType MessageType `json:"message_type"`
	Error       string      `json:"error"`
	Message     string      `json:"message"`
	Timestamp   time.Time   `json:"timestamp"`
}

func (m ErrorMessage) GetMessageType() MessageType { return m.MessageType }

func (m ErrorMessage) Validate() error {
	if m.MessageType != MessageTypeError {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeError, m.MessageType)
	}
	if m.Error == "" {
		return fmt.Errorf("error is required")
	}
	if m.Message == "" {
		return fmt.Errorf("message is required")
	}
	return nil
}

// ParseEventMessage parses and validates an inbound client message.
func ParseEventMessage(data []byte) (EventMessage, error) {
	var base struct {
		MessageType MessageType `json:"message_type"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("failed to parse base message: %w", err)
	}

	switch base.MessageType {
	case MessageTypeJoinRoom:
		var msg JoinRoomMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse join_room message: %w", err)
		}
		return msg, msg.Validate()

	case MessageTypeCursorMove:
		var msg CursorMoveMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse cursor_move message: %w", err)
		}
		return msg, msg.Validate()

	case MessageTypeDiagramUpdate, MessageTypeShapeCreated, MessageTypeElementEdit:
		var msg MutationMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse %s message: %w", base.MessageType, err)
		}
		return msg, msg.Validate()

	case MessageTypeLockElement, MessageTypeUnlockElement:
		var msg LockRequestMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse %s message: %w", base.MessageType, err)
		}
		return msg, msg.Validate()

	case MessageTypeFollowUser, MessageTypeUnfollowUser:
		var msg FollowRequestMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse %s message: %w", base.MessageType, err)
		}
		return msg, msg.Validate()

	case MessageTypeViewportUpdate:
		var msg ViewportUpdateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse viewport_update message: %w", err)
		}
		return msg, msg.Validate()

	case MessageTypeHeartbeat:
		var msg HeartbeatMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse heartbeat message: %w", err)
		}
		return msg, msg.Validate()

	case MessageTypePresenceUpdate:
		var msg PresenceUpdateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse presence_update message: %w", err)
		}
		return msg, msg.Validate()

	default:
		return nil, fmt.Errorf("unsupported message type: %s", base.MessageType)
	}
}

// MarshalEventMessage validates and serializes an outbound message.
func MarshalEventMessage(msg EventMessage) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("message validation failed: %w", err)
	}
	return json.Marshal(msg)
}
