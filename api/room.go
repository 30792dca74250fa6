package api

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drawbridge-app/drawbridge/internal/slogging"
)

// Room is a collaborative editing session for one diagram. All room state
// is mutated by the single Run goroutine; the RWMutex exists so REST
// snapshot readers can observe state without entering the loop.
type Room struct {
	// ID is the room identifier, one logical room per diagram
	ID string
	// SessionID is a unique identifier for this room incarnation
	SessionID string

	hub *RoomHub

	// Registered connections
	clients map[*WebSocketClient]bool
	// Room members by user_id
	participants map[string]*Participant
	// Active connection per user_id
	connections map[string]*WebSocketClient
	// Element locks by element_id
	locks map[string]*ElementLock
	// Follow edges, follower user_id to followee user_id
	follows map[string]string
	// Last known viewport per user_id; survives the empty grace period
	viewports map[string]Viewport

	// Monotonic per-room operation sequence; survives the grace period
	sequence uint64
	// Next palette slot for participant colors
	colorIndex uint64

	// LastActivity is the last time any event touched this room
	LastActivity time.Time
	// emptySince is set while the room has no participants
	emptySince time.Time
	graceTimer *time.Timer

	// Join requests
	Register chan *joinRequest
	// Disconnect notifications
	Unregister chan *WebSocketClient
	// Validated inbound events from members
	Inbound chan *inboundEvent
	// Internal operations executed on the room loop
	commands chan func()

	stop     chan struct{}
	stopOnce sync.Once

	mu sync.RWMutex
}

type joinRequest struct {
	client *WebSocketClient
	msg    JoinRoomMessage
}

type inboundEvent struct {
	client *WebSocketClient
	msg    EventMessage
}

// NewRoom creates a room and starts its processing loop.
func NewRoom(hub *RoomHub, roomID string) *Room {
	room := &Room{
		ID:           roomID,
		SessionID:    uuid.New().String(),
		hub:          hub,
		clients:      make(map[*WebSocketClient]bool),
		participants: make(map[string]*Participant),
		connections:  make(map[string]*WebSocketClient),
		locks:        make(map[string]*ElementLock),
		follows:      make(map[string]string),
		viewports:    make(map[string]Viewport),
		LastActivity: time.Now().UTC(),
		Register:     make(chan *joinRequest),
		Unregister:   make(chan *WebSocketClient),
		Inbound:      make(chan *inboundEvent),
		commands:     make(chan func()),
		stop:         make(chan struct{}),
	}

	go room.Run()
	return room
}

// Run processes lifecycle and inbound events for the room sequentially.
func (r *Room) Run() {
	for {
		select {
		case req := <-r.Register:
			r.safely("join", func() { r.processJoin(req.client, req.msg) })
		case client := <-r.Unregister:
			r.safely("disconnect", func() { r.processDisconnect(client) })
		case ev := <-r.Inbound:
			r.safely("event", func() { r.processEvent(ev.client, ev.msg) })
		case fn := <-r.commands:
			r.safely("command", fn)
		case <-r.stop:
			r.teardown()
			return
		}
	}
}

// safely contains a panic to the offending message so one poison event
// cannot take the whole room down.
func (r *Room) safely(operation string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			slogging.Get().Error("Panic in room loop room_id=%s operation=%s panic=%v stack=%s",
				r.ID, operation, rec, debug.Stack())
		}
	}()
	fn()
}

// Stop ends the room loop. Idempotent.
func (r *Room) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
}

// enqueueJoin hands a join to the room loop. Returns false when the room
// was reaped first; the caller retries against the hub.
func (r *Room) enqueueJoin(client *WebSocketClient, msg JoinRoomMessage) bool {
	select {
	case r.Register <- &joinRequest{client: client, msg: msg}:
		return true
	case <-r.stop:
		return false
	}
}

// enqueueEvent hands a validated member event to the room loop.
func (r *Room) enqueueEvent(client *WebSocketClient, msg EventMessage) bool {
	select {
	case r.Inbound <- &inboundEvent{client: client, msg: msg}:
		return true
	case <-r.stop:
		return false
	}
}

// enqueueCommand runs fn on the room loop.
func (r *Room) enqueueCommand(fn func()) bool {
	select {
	case r.commands <- fn:
		return true
	case <-r.stop:
		return false
	}
}

// dropConnection notifies the room that a connection's read loop has ended.
func (r *Room) dropConnection(c *WebSocketClient) {
	select {
	case r.Unregister <- c:
	case <-r.stop:
	}
}

// processJoin admits a participant, replacing any prior connection for the
// same user. The ack carries the full roster; the room also broadcasts
// user_joined and a participants_update snapshot.
func (r *Room) processJoin(client *WebSocketClient, msg JoinRoomMessage) {
	logger := slogging.Get()
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.LastActivity = now
	r.cancelGraceLocked()

	// The diagram role comes from the signed token, never from the message
	role := client.ClaimRole

	var color string
	if existing, ok := r.participants[msg.UserID]; ok {
		color = existing.Color

		if old := r.connections[msg.UserID]; old != nil && old != client {
			r.supersedeLocked(old, existing)
		}
	} else {
		color = colorForIndex(r.colorIndex)
		r.colorIndex++
	}

	participant := &Participant{
		ConnectionID: client.ConnectionID,
		UserID:       msg.UserID,
		Username:     msg.Username,
		Role:         role,
		Color:        color,
		Presence:     PresenceOnline,
		LastActiveAt: now,
	}

	r.participants[msg.UserID] = participant
	r.connections[msg.UserID] = client
	r.clients[client] = true

	logger.Info("User joined room room_id=%s user_id=%s username=%s role=%s connection_id=%s",
		r.ID, msg.UserID, slogging.SanitizeLogMessage(msg.Username), role, client.ConnectionID)

	ack := JoinResponseMessage{
		MessageType: MessageTypeJoinResponse,
		Success:     true,
		Users:       r.snapshotParticipantsLocked(),
	}
	if data := r.marshal(ack); data != nil {
		client.trySend(data)
	}

	joined := UserJoinedMessage{
		MessageType: MessageTypeUserJoined,
		User:        *participant,
		Timestamp:   now,
	}
	if data := r.marshal(joined); data != nil {
		r.broadcastExceptLocked(client, data)
	}

	r.broadcastRosterLocked()
}

// supersedeLocked evicts a user's previous connection during replace-on-join:
// locks go, follow edges go, and the old connection gets a close notice.
func (r *Room) supersedeLocked(old *WebSocketClient, existing *Participant) {
	logger := slogging.Get()
	logger.Info("Superseding connection room_id=%s user_id=%s old_connection_id=%s",
		r.ID, existing.UserID, old.ConnectionID)

	r.releaseLocksOfLocked(existing.UserID)
	r.removeFollowEdgesLocked(existing.UserID)

	notice := ErrorMessage{
		MessageType: MessageTypeError,
		Error:       "connection_superseded",
		Message:     "Another connection joined this room with your user identity",
		Timestamp:   time.Now().UTC(),
	}
	if data := r.marshal(notice); data != nil {
		old.trySend(data)
	}

	delete(r.clients, old)
	old.closeSend()
}

// processDisconnect runs the leave procedure for a dropped connection. A
// superseded connection was already evicted, so only its channel is closed.
func (r *Room) processDisconnect(client *WebSocketClient) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.LastActivity = time.Now().UTC()
	delete(r.clients, client)

	if r.connections[client.UserID] == client {
		r.leaveRoomLocked(client.UserID)
	}
	client.closeSend()
}

// leaveRoomLocked enumerates every piece of per-user cleanup: locks, follow
// edges, presence, roster, and the empty-room grace timer.
func (r *Room) leaveRoomLocked(userID string) {
	logger := slogging.Get()

	participant, ok := r.participants[userID]
	if !ok {
		return
	}

	r.releaseLocksOfLocked(userID)
	r.removeFollowEdgesLocked(userID)

	delete(r.participants, userID)
	delete(r.connections, userID)

	logger.Info("User left room room_id=%s user_id=%s username=%s",
		r.ID, userID, slogging.SanitizeLogMessage(participant.Username))

	left := UserLeftMessage{
		MessageType: MessageTypeUserLeft,
		UserID:      userID,
		Username:    participant.Username,
		Timestamp:   time.Now().UTC(),
	}
	if data := r.marshal(left); data != nil {
		r.broadcastAllLocked(data)
	}

	r.broadcastRosterLocked()
	r.hub.telemetry.RecordPresenceTransition(context.Background(), string(participant.Presence), string(PresenceOffline))

	if len(r.participants) == 0 {
		r.armGraceLocked()
	}
}

// releaseLocksOfLocked force-releases every lock held by a user. System
// releases bypass ownership checks and are broadcast to the whole room.
func (r *Room) releaseLocksOfLocked(userID string) {
	for elementID, lock := range r.locks {
		if lock.UserID != userID {
			continue
		}
		delete(r.locks, elementID)

		unlocked := ElementUnlockedMessage{
			MessageType: MessageTypeElementUnlocked,
			ElementID:   elementID,
			UserID:      userID,
		}
		if data := r.marshal(unlocked); data != nil {
			r.broadcastAllLocked(data)
		}
	}
}

// removeFollowEdgesLocked drops follow edges in both directions for a user.
// Implicit unfollow is silent; there is no broadcast to either party.
func (r *Room) removeFollowEdgesLocked(userID string) {
	delete(r.follows, userID)
	for follower, followee := range r.follows {
		if followee == userID {
			delete(r.follows, follower)
		}
	}
}

// processEvent applies one validated member event on the room loop.
func (r *Room) processEvent(client *WebSocketClient, msg EventMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.LastActivity = time.Now().UTC()

	participant, ok := r.participants[client.UserID]
	if !ok || r.connections[client.UserID] != client {
		client.sendError("not_joined", "Join the room before sending events")
		return
	}

	r.touchParticipantLocked(client, participant)

	switch m := msg.(type) {
	case CursorMoveMessage:
		r.processCursorMoveLocked(client, participant, m)
	case MutationMessage:
		r.processMutationLocked(client, participant, m)
	case LockRequestMessage:
		if m.MessageType == MessageTypeLockElement {
			r.processLockLocked(client, participant, m)
		} else {
			r.processUnlockLocked(client, participant, m)
		}
	case FollowRequestMessage:
		if m.MessageType == MessageTypeFollowUser {
			r.processFollowLocked(client, participant, m)
		} else {
			r.processUnfollowLocked(client, participant, m)
		}
	case ViewportUpdateMessage:
		r.processViewportLocked(client, participant, m)
	case HeartbeatMessage:
		r.processHeartbeatLocked(client, participant, m)
	case PresenceUpdateMessage:
		r.processPresenceLocked(client, participant, m)
	default:
		client.sendError("unsupported_message_type", "Message type is not supported")
	}
}

// touchParticipantLocked refreshes activity and flips away back to online.
// Every inbound event counts as activity, including heartbeats.
func (r *Room) touchParticipantLocked(client *WebSocketClient, p *Participant) {
	p.LastActiveAt = time.Now().UTC()

	if p.Presence != PresenceAway {
		return
	}
	p.Presence = PresenceOnline
	r.hub.telemetry.RecordPresenceTransition(context.Background(), string(PresenceAway), string(PresenceOnline))

	update := PresenceUpdateMessage{
		MessageType: MessageTypePresenceUpdate,
		Room:        r.ID,
		UserID:      p.UserID,
		Status:      PresenceOnline,
	}
	if data := r.marshal(update); data != nil {
		r.broadcastExceptLocked(client, data)
	}
}

func (r *Room) processCursorMoveLocked(client *WebSocketClient, p *Participant, msg CursorMoveMessage) {
	p.Cursor = CursorPosition{X: msg.X, Y: msg.Y}

	update := CursorUpdateMessage{
		MessageType: MessageTypeCursorUpdate,
		UserID:      p.UserID,
		X:           msg.X,
		Y:           msg.Y,
	}
	if data := r.marshal(update); data != nil {
		r.broadcastExceptLocked(client, data)
	}
}

// processMutationLocked commits a diagram operation: permission gate, then
// sequence assignment, sender ack, room relay, and the storage outbox.
func (r *Room) processMutationLocked(client *WebSocketClient, p *Participant, msg MutationMessage) {
	if !p.Role.CanMutate() {
		r.hub.telemetry.RecordError(context.Background(), "permission_denied", r.ID)
		deny := OperationAckMessage{
			MessageType: MessageTypeOperationAck,
			Success:     false,
			OperationID: msg.OperationID,
			Error:       "You have view-only access",
		}
		if data := r.marshal(deny); data != nil {
			client.trySend(data)
		}
		return
	}

	r.sequence++
	seq := r.sequence
	now := time.Now().UTC()

	ack := OperationAckMessage{
		MessageType:    MessageTypeOperationAck,
		Success:        true,
		OperationID:    msg.OperationID,
		SequenceNumber: &seq,
	}
	if data := r.marshal(ack); data != nil {
		client.trySend(data)
	}

	operation := DiagramOperationMessage{
		MessageType:    MessageTypeDiagramOperation,
		EventType:      msg.MessageType,
		UserID:         p.UserID,
		OperationID:    msg.OperationID,
		SequenceNumber: seq,
		Payload:        msg.Payload,
		Timestamp:      now,
	}
	if data := r.marshal(operation); data != nil {
		r.broadcastExceptLocked(client, data)
	}

	r.hub.recordEdit(r.ID, operation)
}

func (r *Room) processLockLocked(client *WebSocketClient, p *Participant, msg LockRequestMessage) {
	if !p.Role.CanMutate() {
		r.hub.telemetry.RecordError(context.Background(), "permission_denied", r.ID)
		r.sendLockResponseLocked(client, msg.ElementID, false, "You have view-only access")
		return
	}

	if existing, ok := r.locks[msg.ElementID]; ok && existing.UserID != p.UserID {
		r.hub.telemetry.RecordLockContention(context.Background(), r.ID)
		r.sendLockResponseLocked(client, msg.ElementID, false, "Element locked by "+existing.Username)
		return
	}

	now := time.Now().UTC()
	lock := &ElementLock{
		ElementID:  msg.ElementID,
		UserID:     p.UserID,
		Username:   p.Username,
		AcquiredAt: now,
	}
	r.locks[msg.ElementID] = lock

	r.sendLockResponseLocked(client, msg.ElementID, true, "")

	locked := ElementLockedMessage{
		MessageType: MessageTypeElementLocked,
		ElementID:   msg.ElementID,
		UserID:      p.UserID,
		Username:    p.Username,
		AcquiredAt:  now,
	}
	if data := r.marshal(locked); data != nil {
		r.broadcastExceptLocked(client, data)
	}
}

// processUnlockLocked releases a lock. Releasing an element that is not
// locked succeeds without a broadcast so offline replays of unlock events
// stay harmless; the server already released those locks at disconnect.
func (r *Room) processUnlockLocked(client *WebSocketClient, p *Participant, msg LockRequestMessage) {
	if !p.Role.CanMutate() {
		r.hub.telemetry.RecordError(context.Background(), "permission_denied", r.ID)
		r.sendUnlockResponseLocked(client, msg.ElementID, false, "You have view-only access")
		return
	}

	existing, ok := r.locks[msg.ElementID]
	if !ok {
		r.sendUnlockResponseLocked(client, msg.ElementID, true, "")
		return
	}
	if existing.UserID != p.UserID {
		r.sendUnlockResponseLocked(client, msg.ElementID, false, "Not lock owner")
		return
	}

	delete(r.locks, msg.ElementID)
	r.sendUnlockResponseLocked(client, msg.ElementID, true, "")

	unlocked := ElementUnlockedMessage{
		MessageType: MessageTypeElementUnlocked,
		ElementID:   msg.ElementID,
		UserID:      p.UserID,
	}
	if data := r.marshal(unlocked); data != nil {
		r.broadcastExceptLocked(client, data)
	}
}

func (r *Room) sendLockResponseLocked(client *WebSocketClient, elementID string, success bool, errMsg string) {
	resp := LockResponseMessage{
		MessageType: MessageTypeLockResponse,
		Success:     success,
		ElementID:   elementID,
		Error:       errMsg,
	}
	if data := r.marshal(resp); data != nil {
		client.trySend(data)
	}
}

func (r *Room) sendUnlockResponseLocked(client *WebSocketClient, elementID string, success bool, errMsg string) {
	resp := UnlockResponseMessage{
		MessageType: MessageTypeUnlockResponse,
		Success:     success,
		ElementID:   elementID,
		Error:       errMsg,
	}
	if data := r.marshal(resp); data != nil {
		client.trySend(data)
	}
}

// processFollowLocked adds a follow edge and syncs the followee's last known
// viewport to the new follower. A new follow replaces the previous edge.
func (r *Room) processFollowLocked(client *WebSocketClient, p *Participant, msg FollowRequestMessage) {
	if msg.FollowerID != p.UserID {
		r.sendFollowStartedLocked(client, msg, false, "follower_id must match your user_id")
		return
	}
	if msg.FollowingID == p.UserID {
		r.sendFollowStartedLocked(client, msg, false, "Cannot follow yourself")
		return
	}
	if _, ok := r.participants[msg.FollowingID]; !ok {
		r.sendFollowStartedLocked(client, msg, false, "User is not in the room")
		return
	}

	r.follows[msg.FollowerID] = msg.FollowingID
	r.sendFollowStartedLocked(client, msg, true, "")

	if viewport, ok := r.viewports[msg.FollowingID]; ok {
		sync := ViewportSyncMessage{
			MessageType: MessageTypeViewportSync,
			UserID:      msg.FollowingID,
			PanX:        viewport.PanX,
			PanY:        viewport.PanY,
			Zoom:        viewport.Zoom,
		}
		if data := r.marshal(sync); data != nil {
			client.trySend(data)
		}
	}
}

// processUnfollowLocked removes a follow edge synchronously; propagation to
// this follower stops with no buffering. Unknown edges succeed so replays
// stay harmless.
func (r *Room) processUnfollowLocked(client *WebSocketClient, p *Participant, msg FollowRequestMessage) {
	if msg.FollowerID != p.UserID {
		r.sendFollowStoppedLocked(client, msg, false, "follower_id must match your user_id")
		return
	}

	if r.follows[msg.FollowerID] == msg.FollowingID {
		delete(r.follows, msg.FollowerID)
	}
	r.sendFollowStoppedLocked(client, msg, true, "")
}

func (r *Room) sendFollowStartedLocked(client *WebSocketClient, msg FollowRequestMessage, success bool, errMsg string) {
	resp := FollowStartedMessage{
		MessageType: MessageTypeFollowStarted,
		Success:     success,
		FollowerID:  msg.FollowerID,
		FollowingID: msg.FollowingID,
		Error:       errMsg,
	}
	if data := r.marshal(resp); data != nil {
		client.trySend(data)
	}
}

func (r *Room) sendFollowStoppedLocked(client *WebSocketClient, msg FollowRequestMessage, success bool, errMsg string) {
	resp := FollowStoppedMessage{
		MessageType: MessageTypeFollowStopped,
		Success:     success,
		FollowerID:  msg.FollowerID,
		FollowingID: msg.FollowingID,
		Error:       errMsg,
	}
	if data := r.marshal(resp); data != nil {
		client.trySend(data)
	}
}

// processViewportLocked stores the sender's viewport and propagates one
// viewport_changed to the current follower subset. Updates from a user who
// is following someone else are dropped entirely.
func (r *Room) processViewportLocked(client *WebSocketClient, p *Participant, msg ViewportUpdateMessage) {
	if _, following := r.follows[p.UserID]; following {
		slogging.Get().Debug("Dropping viewport update from follower room_id=%s user_id=%s", r.ID, p.UserID)
		return
	}

	r.viewports[p.UserID] = Viewport{PanX: msg.PanX, PanY: msg.PanY, Zoom: msg.Zoom}

	followers := r.followersOfLocked(p.UserID)
	if len(followers) == 0 {
		return
	}

	changed := ViewportChangedMessage{
		MessageType: MessageTypeViewportChanged,
		UserID:      p.UserID,
		PanX:        msg.PanX,
		PanY:        msg.PanY,
		Zoom:        msg.Zoom,
		Followers:   followers,
	}
	if data := r.marshal(changed); data != nil {
		r.sendToUsersLocked(followers, data)
	}
}

// followersOfLocked returns the sorted user_ids currently following a user.
func (r *Room) followersOfLocked(userID string) []string {
	var followers []string
	for follower, followee := range r.follows {
		if followee == userID {
			followers = append(followers, follower)
		}
	}
	sort.Strings(followers)
	return followers
}

// processHeartbeatLocked measures latency against the client timestamp and
// answers the caller only. Clock skew can produce a negative reading, which
// clamps to zero.
func (r *Room) processHeartbeatLocked(client *WebSocketClient, p *Participant, msg HeartbeatMessage) {
	now := time.Now().UTC()
	latency := now.UnixMilli() - msg.Timestamp
	if latency < 0 {
		latency = 0
	}

	p.LastHeartbeatAt = now
	p.LatencyMS = latency
	p.Quality = QualityForLatency(latency)

	ack := HeartbeatAckMessage{
		MessageType: MessageTypeHeartbeatAck,
		Success:     true,
		Latency:     latency,
		Quality:     p.Quality,
		ServerTime:  now.UnixMilli(),
	}
	if data := r.marshal(ack); data != nil {
		client.trySend(data)
	}
}

// processPresenceLocked applies an explicit client presence announcement.
func (r *Room) processPresenceLocked(client *WebSocketClient, p *Participant, msg PresenceUpdateMessage) {
	if msg.Status == p.Presence {
		return
	}

	r.hub.telemetry.RecordPresenceTransition(context.Background(), string(p.Presence), string(msg.Status))
	p.Presence = msg.Status

	update := PresenceUpdateMessage{
		MessageType: MessageTypePresenceUpdate,
		Room:        r.ID,
		UserID:      p.UserID,
		Status:      msg.Status,
	}
	if data := r.marshal(update); data != nil {
		r.broadcastExceptLocked(client, data)
	}
}

// sweepPresence transitions idle online participants to away. Called on the
// room loop by the hub's sweeper; level triggered, one pass per interval.
func (r *Room) sweepPresence(idleThreshold time.Duration) {
	r.enqueueCommand(func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		cutoff := time.Now().UTC().Add(-idleThreshold)
		for _, p := range r.participants {
			if p.Presence != PresenceOnline || p.LastActiveAt.After(cutoff) {
				continue
			}

			p.Presence = PresenceAway
			r.hub.telemetry.RecordPresenceTransition(context.Background(), string(PresenceOnline), string(PresenceAway))
			slogging.Get().Debug("Participant idle, marking away room_id=%s user_id=%s", r.ID, p.UserID)

			update := PresenceUpdateMessage{
				MessageType: MessageTypePresenceUpdate,
				Room:        r.ID,
				UserID:      p.UserID,
				Status:      PresenceAway,
			}
			if data := r.marshal(update); data != nil {
				r.broadcastExceptLocked(r.connections[p.UserID], data)
			}
		}
	})
}

// UpdateParticipantRole changes a member's diagram role mid-session, as the
// share-change path does when access is upgraded or revoked. The gate reads
// the new role on the next event; the roster broadcast announces it.
func (r *Room) UpdateParticipantRole(userID string, role Role) {
	r.enqueueCommand(func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		p, ok := r.participants[userID]
		if !ok {
			return
		}
		if p.Role == role {
			return
		}

		slogging.Get().Info("Participant role changed room_id=%s user_id=%s role=%s", r.ID, userID, role)
		p.Role = role
		r.broadcastRosterLocked()
	})
}

// armGraceLocked starts the empty-room grace countdown. The room shell, its
// sequence counter and viewports, survives until the timer expires.
func (r *Room) armGraceLocked() {
	r.emptySince = time.Now().UTC()

	grace := r.hub.tuning.EmptyGracePeriod
	if grace <= 0 {
		go r.hub.reapIfExpired(r)
		return
	}

	r.graceTimer = time.AfterFunc(grace, func() {
		r.hub.reapIfExpired(r)
	})
	slogging.Get().Debug("Room empty, grace timer armed room_id=%s grace=%s", r.ID, grace)
}

func (r *Room) cancelGraceLocked() {
	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}
	r.emptySince = time.Time{}
}

// teardown closes every remaining connection when the room loop stops.
func (r *Room) teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}

	for client := range r.clients {
		client.closeSend()
	}
	r.clients = make(map[*WebSocketClient]bool)
	r.participants = make(map[string]*Participant)
	r.connections = make(map[string]*WebSocketClient)
	r.locks = make(map[string]*ElementLock)
	r.follows = make(map[string]string)

	slogging.Get().Info("Room closed room_id=%s session_id=%s", r.ID, r.SessionID)
}

// Broadcast helpers. All sends are non-blocking; a full buffer drops that
// client from the room, and its read loop completes the cleanup.

func (r *Room) broadcastAllLocked(data []byte) {
	finish := r.hub.telemetry.TraceBroadcast(context.Background(), "room", r.ID, len(r.clients))
	delivered, dropped := 0, 0

	for client := range r.clients {
		if client.trySend(data) {
			delivered++
		} else {
			dropped++
			r.dropSlowClientLocked(client)
		}
	}
	finish(delivered, dropped)
}

func (r *Room) broadcastExceptLocked(sender *WebSocketClient, data []byte) {
	finish := r.hub.telemetry.TraceBroadcast(context.Background(), "except_sender", r.ID, len(r.clients))
	delivered, dropped := 0, 0

	for client := range r.clients {
		if client == sender {
			continue
		}
		if client.trySend(data) {
			delivered++
		} else {
			dropped++
			r.dropSlowClientLocked(client)
		}
	}
	finish(delivered, dropped)
}

func (r *Room) sendToUsersLocked(userIDs []string, data []byte) {
	finish := r.hub.telemetry.TraceBroadcast(context.Background(), "subset", r.ID, len(userIDs))
	delivered, dropped := 0, 0

	for _, userID := range userIDs {
		client, ok := r.connections[userID]
		if !ok {
			continue
		}
		if client.trySend(data) {
			delivered++
		} else {
			dropped++
			r.dropSlowClientLocked(client)
		}
	}
	finish(delivered, dropped)
}

// dropSlowClientLocked removes a client whose send buffer is full. The full
// leave procedure runs later, when its read loop notices the closed socket.
func (r *Room) dropSlowClientLocked(client *WebSocketClient) {
	slogging.Get().Warn("Dropping slow websocket client room_id=%s user_id=%s connection_id=%s",
		r.ID, client.UserID, client.ConnectionID)
	delete(r.clients, client)
	client.closeSend()
}

func (r *Room) broadcastRosterLocked() {
	update := ParticipantsUpdateMessage{
		MessageType:  MessageTypeParticipantsUpdate,
		Participants: r.snapshotParticipantsLocked(),
	}
	if data := r.marshal(update); data != nil {
		r.broadcastAllLocked(data)
	}
}

func (r *Room) marshal(msg EventMessage) []byte {
	data, err := MarshalEventMessage(msg)
	if err != nil {
		slogging.Get().Error("Failed to marshal %s message room_id=%s error=%v", msg.GetMessageType(), r.ID, err)
		return nil
	}
	return data
}

func (r *Room) snapshotParticipantsLocked() []Participant {
	snapshot := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		snapshot = append(snapshot, *p)
	}
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].UserID < snapshot[j].UserID
	})
	return snapshot
}

// Read-only snapshot accessors for REST diagnostics and tests.

// GetParticipants returns the current roster sorted by user_id.
func (r *Room) GetParticipants() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotParticipantsLocked()
}

// GetFollowRelationships returns the current follow edges.
func (r *Room) GetFollowRelationships() []FollowRelationship {
	r.mu.RLock()
	defer r.mu.RUnlock()

	edges := make([]FollowRelationship, 0, len(r.follows))
	for follower, followee := range r.follows {
		edges = append(edges, FollowRelationship{FollowerID: follower, FollowingID: followee})
	}
	sort.Slice(edges, func(i, j int) bool {
		return edges[i].FollowerID < edges[j].FollowerID
	})
	return edges
}

// GetLocks returns the current element locks sorted by element_id.
func (r *Room) GetLocks() []ElementLock {
	r.mu.RLock()
	defer r.mu.RUnlock()

	locks := make([]ElementLock, 0, len(r.locks))
	for _, lock := range r.locks {
		locks = append(locks, *lock)
	}
	sort.Slice(locks, func(i, j int) bool {
		return locks[i].ElementID < locks[j].ElementID
	})
	return locks
}

// SequenceNumber returns the latest committed operation sequence.
func (r *Room) SequenceNumber() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sequence
}

// ParticipantCount returns the number of room members.
func (r *Room) ParticipantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// Snapshot values for the hub cleanup scan.
func (r *Room) activitySnapshot() (lastActivity time.Time, emptySince time.Time, members int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.LastActivity, r.emptySince, len(r.participants)
}
