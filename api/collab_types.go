package api

import (
	"time"
)

// Role determines what a participant may do in a room.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// IsValid reports whether the role is one of the known values.
func (r Role) IsValid() bool {
	switch r {
	case RoleOwner, RoleEditor, RoleViewer:
		return true
	}
	return false
}

// CanMutate reports whether the role may submit mutating events.
func (r Role) CanMutate() bool {
	return r == RoleOwner || r == RoleEditor
}

// ParseRole normalizes a role string, defaulting to viewer for anything
// unrecognized so an absent or garbled claim never grants write access.
func ParseRole(s string) Role {
	role := Role(s)
	if !role.IsValid() {
		return RoleViewer
	}
	return role
}

// PresenceStatus is a participant's presence state.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// ConnectionQuality buckets heartbeat round-trip latency.
type ConnectionQuality string

const (
	QualityExcellent ConnectionQuality = "excellent"
	QualityGood      ConnectionQuality = "good"
	QualityFair      ConnectionQuality = "fair"
	QualityPoor      ConnectionQuality = "poor"
)

// QualityForLatency classifies a heartbeat latency in milliseconds.
func QualityForLatency(latencyMS int64) ConnectionQuality {
	switch {
	case latencyMS < 50:
		return QualityExcellent
	case latencyMS < 150:
		return QualityGood
	case latencyMS < 300:
		return QualityFair
	default:
		return QualityPoor
	}
}

// CursorPosition represents cursor coordinates on the canvas.
type CursorPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Viewport is a pan/zoom camera state shared between users.
type Viewport struct {
	PanX float64 `json:"pan_x"`
	PanY float64 `json:"pan_y"`
	Zoom float64 `json:"zoom"`
}

// Participant is the wire and snapshot representation of a room member.
type Participant struct {
	ConnectionID    string            `json:"connection_id"`
	UserID          string            `json:"user_id"`
	Username        string            `json:"username"`
	Role            Role              `json:"role"`
	Color           string            `json:"color"`
	Cursor          CursorPosition    `json:"cursor"`
	Presence        PresenceStatus    `json:"presence_status"`
	LastActiveAt    time.Time         `json:"last_active_at"`
	LastHeartbeatAt time.Time         `json:"last_heartbeat_at,omitempty"`
	LatencyMS       int64             `json:"latency_ms"`
	Quality         ConnectionQuality `json:"connection_quality,omitempty"`
}

// ElementLock records exclusive edit ownership of a diagram element.
type ElementLock struct {
	ElementID  string    `json:"element_id"`
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// FollowRelationship is a directed follower to followee edge.
type FollowRelationship struct {
	FollowerID  string `json:"follower_id"`
	FollowingID string `json:"following_id"`
}

// Error is the HTTP error response body.
type Error struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// participantColors is the palette cycled through as users join a room.
var participantColors = []string{
	"#2563EB", // blue
	"#DC2626", // red
	"#16A34A", // green
	"#D97706", // amber
	"#9333EA", // purple
	"#0891B2", // cyan
	"#DB2777", // pink
	"#65A30D", // lime
	"#EA580C", // orange
	"#4F46E5", // indigo
}

// colorForIndex returns the palette entry for the nth join in a room.
func colorForIndex(n uint64) string {
	return participantColors[n%uint64(len(participantColors))]
}
