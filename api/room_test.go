package api

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helpers. Fake clients carry a buffered Send channel and no websocket
// connection; the pumps never run, so tests read broadcasts straight off the
// channel.

func newTestHub() *RoomHub {
	return NewRoomHub(RoomHubOptions{Tuning: DefaultTuning()})
}

func newTestClient(hub *RoomHub, userID, username string, role Role) *WebSocketClient {
	return &WebSocketClient{
		Hub:          hub,
		ConnectionID: uuid.New().String(),
		UserID:       userID,
		Username:     username,
		ClaimRole:    role,
		Send:         make(chan []byte, 64),
	}
}

// joinRoom drives the join flow for a fake client, consumes the ack, and
// waits for the room loop to finish the join side effects.
func joinRoom(t *testing.T, room *Room, client *WebSocketClient) JoinResponseMessage {
	t.Helper()

	ok := room.enqueueJoin(client, JoinRoomMessage{
		MessageType: MessageTypeJoinRoom,
		Room:        room.ID,
		UserID:      client.UserID,
		Username:    client.Username,
	})
	require.True(t, ok, "join should be accepted by a live room")
	client.Room = room

	data := awaitMessage(t, client, MessageTypeJoinResponse)
	var resp JoinResponseMessage
	require.NoError(t, json.Unmarshal(data, &resp))
	require.True(t, resp.Success, "join should succeed: %s", resp.Error)

	syncRoom(t, room)
	return resp
}

func sendEvent(t *testing.T, room *Room, client *WebSocketClient, msg EventMessage) {
	t.Helper()
	require.True(t, room.enqueueEvent(client, msg), "event should be accepted by a live room")
}

// syncRoom blocks until the room loop has drained everything enqueued before
// this call. Processing is serial, so returning means prior side effects are
// visible on every client channel.
func syncRoom(t *testing.T, room *Room) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, room.enqueueCommand(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the room loop")
	}
}

func nextMessage(t *testing.T, client *WebSocketClient) []byte {
	t.Helper()
	select {
	case data, ok := <-client.Send:
		require.True(t, ok, "send channel closed while a message was expected")
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func awaitMessage(t *testing.T, client *WebSocketClient, want MessageType) []byte {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data, ok := <-client.Send:
			require.True(t, ok, "send channel closed while waiting for %s", want)
			if messageTypeOf(t, data) == want {
				return data
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
			return nil
		}
	}
}

func messageTypeOf(t *testing.T, data []byte) MessageType {
	t.Helper()
	var base struct {
		MessageType MessageType `json:"message_type"`
	}
	require.NoError(t, json.Unmarshal(data, &base))
	return base.MessageType
}

func drainClient(client *WebSocketClient) {
	for {
		select {
		case <-client.Send:
		default:
			return
		}
	}
}

func assertNoMessage(t *testing.T, client *WebSocketClient, context string) {
	t.Helper()
	select {
	case data := <-client.Send:
		t.Fatalf("unexpected message (%s): %s", context, data)
	default:
	}
}

func assertSendClosed(t *testing.T, client *WebSocketClient) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-client.Send:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("send channel was not closed")
		}
	}
}

func mutation(client *WebSocketClient, room *Room, messageType MessageType, payload string) MutationMessage {
	return MutationMessage{
		MessageType: messageType,
		Room:        room.ID,
		UserID:      client.UserID,
		OperationID: uuid.New().String(),
		Payload:     json.RawMessage(payload),
	}
}

// TestRoomJoin covers admission, roster snapshots, and join notifications.
func TestRoomJoin(t *testing.T) {
	hub := newTestHub()
	defer hub.Shutdown()
	room := hub.GetOrCreateRoom("room-join")

	alice := newTestClient(hub, "user-alice", "Alice", RoleEditor)
	bob := newTestClient(hub, "user-bob", "Bob", RoleViewer)

	t.Run("FirstJoinReceivesRoster", func(t *testing.T) {
		resp := joinRoom(t, room, alice)

		require.Len(t, resp.Users, 1)
		assert.Equal(t, "user-alice", resp.Users[0].UserID)
		assert.Equal(t, "Alice", resp.Users[0].Username)
		assert.Equal(t, RoleEditor, resp.Users[0].Role)
		assert.Equal(t, PresenceOnline, resp.Users[0].Presence)
		assert.Equal(t, participantColors[0], resp.Users[0].Color)
	})

	t.Run("SecondJoinNotifiesExistingMembers", func(t *testing.T) {
		drainClient(alice)

		resp := joinRoom(t, room, bob)
		require.Len(t, resp.Users, 2)

		var joined UserJoinedMessage
		require.NoError(t, json.Unmarshal(nextMessage(t, alice), &joined))
		assert.Equal(t, MessageTypeUserJoined, joined.MessageType)
		assert.Equal(t, "user-bob", joined.User.UserID)
		assert.Equal(t, RoleViewer, joined.User.Role)
		assert.Equal(t, participantColors[1], joined.User.Color)

		var roster ParticipantsUpdateMessage
		require.NoError(t, json.Unmarshal(nextMessage(t, alice), &roster))
		assert.Equal(t, MessageTypeParticipantsUpdate, roster.MessageType)
		require.Len(t, roster.Participants, 2)
	})

	t.Run("RosterSortedByUserID", func(t *testing.T) {
		participants := room.GetParticipants()
		require.Len(t, participants, 2)
		assert.Equal(t, "user-alice", participants[0].UserID)
		assert.Equal(t, "user-bob", participants[1].UserID)
	})

	t.Run("RoleComesFromClaimNotMessage", func(t *testing.T) {
		mallory := newTestClient(hub, "user-mallory", "Mallory", RoleViewer)
		ok := room.enqueueJoin(mallory, JoinRoomMessage{
			MessageType: MessageTypeJoinRoom,
			Room:        room.ID,
			UserID:      mallory.UserID,
			Username:    mallory.Username,
			Role:        "owner",
		})
		require.True(t, ok)
		mallory.Room = room
		syncRoom(t, room)

		for _, p := range room.GetParticipants() {
			if p.UserID == "user-mallory" {
				assert.Equal(t, RoleViewer, p.Role, "role in the join message must be ignored")
			}
		}
	})
}

// TestRoomReplaceOnJoin verifies that a second connection for the same user
// supersedes the first: locks release, follow edges drop, the old connection
// is told why, and the participant keeps their color.
func TestRoomReplaceOnJoin(t *testing.T) {
	hub := newTestHub()
	defer hub.Shutdown()
	room := hub.GetOrCreateRoom("room-replace")

	alice := newTestClient(hub, "user-alice", "Alice", RoleEditor)
	bob := newTestClient(hub, "user-bob", "Bob", RoleEditor)

	firstJoin := joinRoom(t, room, alice)
	originalColor := firstJoin.Users[0].Color
	joinRoom(t, room, bob)

	// Alice holds a lock and Bob follows her before the reconnect.
	sendEvent(t, room, alice, LockRequestMessage{
		MessageType: MessageTypeLockElement,
		Room:        room.ID,
		ElementID:   "element-1",
		UserID:      alice.UserID,
	})
	sendEvent(t, room, bob, FollowRequestMessage{
		MessageType: MessageTypeFollowUser,
		Room:        room.ID,
		FollowerID:  bob.UserID,
		FollowingID: alice.UserID,
	})
	syncRoom(t, room)
	require.Len(t, room.GetLocks(), 1)
	require.Len(t, room.GetFollowRelationships(), 1)
	drainClient(alice)
	drainClient(bob)

	aliceReconnect := newTestClient(hub, "user-alice", "Alice", RoleEditor)
	resp := joinRoom(t, room, aliceReconnect)

	t.Run("OldConnectionToldAndClosed", func(t *testing.T) {
		var notice ErrorMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, alice, MessageTypeError), &notice))
		assert.Equal(t, "connection_superseded", notice.Error)
		assertSendClosed(t, alice)
	})

	t.Run("SingleParticipantSurvives", func(t *testing.T) {
		assert.Equal(t, 2, room.ParticipantCount())
		participants := room.GetParticipants()
		for _, p := range participants {
			if p.UserID == "user-alice" {
				assert.Equal(t, aliceReconnect.ConnectionID, p.ConnectionID)
			}
		}
	})

	t.Run("ColorPreserved", func(t *testing.T) {
		require.Len(t, resp.Users, 2)
		for _, p := range resp.Users {
			if p.UserID == "user-alice" {
				assert.Equal(t, originalColor, p.Color)
			}
		}
	})

	t.Run("LocksReleasedAndBroadcast", func(t *testing.T) {
		assert.Empty(t, room.GetLocks())

		var unlocked ElementUnlockedMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, bob, MessageTypeElementUnlocked), &unlocked))
		assert.Equal(t, "element-1", unlocked.ElementID)
		assert.Equal(t, "user-alice", unlocked.UserID)
	})

	t.Run("FollowEdgesDroppedSilently", func(t *testing.T) {
		assert.Empty(t, room.GetFollowRelationships())

		// Bob sees the unlock, user_joined, and roster updates, but no
		// follow_stopped; implicit unfollow has no notification.
		drained := drainAll(bob)
		for _, mt := range drained {
			assert.NotEqual(t, MessageTypeFollowStopped, mt)
		}
	})

	t.Run("StaleDisconnectAfterReplaceKeepsMember", func(t *testing.T) {
		// The superseded connection's read loop reports the drop after the
		// replacement already joined. The member must not be evicted.
		room.dropConnection(alice)
		syncRoom(t, room)
		assert.Equal(t, 2, room.ParticipantCount())
	})
}

func drainAll(client *WebSocketClient) []MessageType {
	var types []MessageType
	for {
		select {
		case data, ok := <-client.Send:
			if !ok {
				return types
			}
			var base struct {
				MessageType MessageType `json:"message_type"`
			}
			if err := json.Unmarshal(data, &base); err == nil {
				types = append(types, base.MessageType)
			}
		default:
			return types
		}
	}
}

// TestRoomLocks covers exclusive acquisition, refresh, conflict, release,
// and the permission gate on both lock operations.
func TestRoomLocks(t *testing.T) {
	hub := newTestHub()
	defer hub.Shutdown()
	room := hub.GetOrCreateRoom("room-locks")

	alice := newTestClient(hub, "user-alice", "Alice", RoleEditor)
	bob := newTestClient(hub, "user-bob", "Bob", RoleEditor)
	vera := newTestClient(hub, "user-vera", "Vera", RoleViewer)

	joinRoom(t, room, alice)
	joinRoom(t, room, bob)
	joinRoom(t, room, vera)
	drainClient(alice)
	drainClient(bob)
	drainClient(vera)

	lockMsg := func(c *WebSocketClient, mt MessageType, element string) LockRequestMessage {
		return LockRequestMessage{MessageType: mt, Room: room.ID, ElementID: element, UserID: c.UserID}
	}

	t.Run("AcquireSucceedsAndBroadcasts", func(t *testing.T) {
		sendEvent(t, room, alice, lockMsg(alice, MessageTypeLockElement, "element-1"))
		syncRoom(t, room)

		var resp LockResponseMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, alice, MessageTypeLockResponse), &resp))
		assert.True(t, resp.Success)
		assert.Equal(t, "element-1", resp.ElementID)

		var locked ElementLockedMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, bob, MessageTypeElementLocked), &locked))
		assert.Equal(t, "user-alice", locked.UserID)
		assert.Equal(t, "Alice", locked.Username)
		assert.False(t, locked.AcquiredAt.IsZero())
	})

	t.Run("ConflictNamesHolder", func(t *testing.T) {
		drainClient(alice)
		sendEvent(t, room, bob, lockMsg(bob, MessageTypeLockElement, "element-1"))
		syncRoom(t, room)

		var resp LockResponseMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, bob, MessageTypeLockResponse), &resp))
		assert.False(t, resp.Success)
		assert.Equal(t, "Element locked by Alice", resp.Error)

		assertNoMessage(t, alice, "no broadcast on a refused lock")
		require.Len(t, room.GetLocks(), 1)
		assert.Equal(t, "user-alice", room.GetLocks()[0].UserID)
	})

	t.Run("ReacquireOwnLockRefreshes", func(t *testing.T) {
		drainClient(bob)
		sendEvent(t, room, alice, lockMsg(alice, MessageTypeLockElement, "element-1"))
		syncRoom(t, room)

		var resp LockResponseMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, alice, MessageTypeLockResponse), &resp))
		assert.True(t, resp.Success)

		var locked ElementLockedMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, bob, MessageTypeElementLocked), &locked))
		assert.Equal(t, "user-alice", locked.UserID)
	})

	t.Run("UnlockByNonOwnerRefused", func(t *testing.T) {
		sendEvent(t, room, bob, lockMsg(bob, MessageTypeUnlockElement, "element-1"))
		syncRoom(t, room)

		var resp UnlockResponseMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, bob, MessageTypeUnlockResponse), &resp))
		assert.False(t, resp.Success)
		assert.Equal(t, "Not lock owner", resp.Error)
		require.Len(t, room.GetLocks(), 1)
	})

	t.Run("OwnerUnlockBroadcasts", func(t *testing.T) {
		drainClient(bob)
		sendEvent(t, room, alice, lockMsg(alice, MessageTypeUnlockElement, "element-1"))
		syncRoom(t, room)

		var resp UnlockResponseMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, alice, MessageTypeUnlockResponse), &resp))
		assert.True(t, resp.Success)

		var unlocked ElementUnlockedMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, bob, MessageTypeElementUnlocked), &unlocked))
		assert.Equal(t, "element-1", unlocked.ElementID)
		assert.Empty(t, room.GetLocks())
	})

	t.Run("UnlockOfUnlockedElementIsIdempotent", func(t *testing.T) {
		drainClient(bob)
		sendEvent(t, room, alice, lockMsg(alice, MessageTypeUnlockElement, "element-1"))
		syncRoom(t, room)

		var resp UnlockResponseMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, alice, MessageTypeUnlockResponse), &resp))
		assert.True(t, resp.Success, "releasing an unheld lock succeeds so offline replays stay harmless")

		assertNoMessage(t, bob, "no broadcast for a no-op unlock")
	})

	t.Run("ViewerCannotLock", func(t *testing.T) {
		sendEvent(t, room, vera, lockMsg(vera, MessageTypeLockElement, "element-2"))
		syncRoom(t, room)

		var resp LockResponseMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, vera, MessageTypeLockResponse), &resp))
		assert.False(t, resp.Success)
		assert.Equal(t, "You have view-only access", resp.Error)
		assert.Empty(t, room.GetLocks())
	})
}

// TestRoomMutations covers the permission gate, sequence assignment, relay
// to other members, and outbox recording for diagram operations.
func TestRoomMutations(t *testing.T) {
	recorder := &recordingOutbox{}
	hub := NewRoomHub(RoomHubOptions{Tuning: DefaultTuning(), Outbox: recorder})
	defer hub.Shutdown()
	room := hub.GetOrCreateRoom("room-mutations")

	alice := newTestClient(hub, "user-alice", "Alice", RoleEditor)
	bob := newTestClient(hub, "user-bob", "Bob", RoleEditor)
	vera := newTestClient(hub, "user-vera", "Vera", RoleViewer)

	joinRoom(t, room, alice)
	joinRoom(t, room, bob)
	joinRoom(t, room, vera)
	drainClient(alice)
	drainClient(bob)
	drainClient(vera)

	t.Run("CommitsAssignMonotonicSequence", func(t *testing.T) {
		for want := uint64(1); want <= 3; want++ {
			op := mutation(alice, room, MessageTypeShapeCreated, `{"shape":"process"}`)
			sendEvent(t, room, alice, op)
			syncRoom(t, room)

			var ack OperationAckMessage
			require.NoError(t, json.Unmarshal(awaitMessage(t, alice, MessageTypeOperationAck), &ack))
			assert.True(t, ack.Success)
			assert.Equal(t, op.OperationID, ack.OperationID)
			require.NotNil(t, ack.SequenceNumber)
			assert.Equal(t, want, *ack.SequenceNumber)

			var relayed DiagramOperationMessage
			require.NoError(t, json.Unmarshal(awaitMessage(t, bob, MessageTypeDiagramOperation), &relayed))
			assert.Equal(t, MessageTypeShapeCreated, relayed.EventType)
			assert.Equal(t, want, relayed.SequenceNumber)
			assert.Equal(t, "user-alice", relayed.UserID)
			assert.JSONEq(t, `{"shape":"process"}`, string(relayed.Payload))
		}
		assert.Equal(t, uint64(3), room.SequenceNumber())
	})

	t.Run("SenderDoesNotReceiveOwnOperation", func(t *testing.T) {
		assertNoMessage(t, alice, "operations must not echo to the sender")
	})

	t.Run("ViewerMutationRefusedWithoutSideEffects", func(t *testing.T) {
		drainClient(bob)
		op := mutation(vera, room, MessageTypeDiagramUpdate, `{"cells":[]}`)
		sendEvent(t, room, vera, op)
		syncRoom(t, room)

		var ack OperationAckMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, vera, MessageTypeOperationAck), &ack))
		assert.False(t, ack.Success)
		assert.Equal(t, "You have view-only access", ack.Error)
		assert.Nil(t, ack.SequenceNumber)

		assertNoMessage(t, bob, "denied operations must not reach the room")
		assert.Equal(t, uint64(3), room.SequenceNumber(), "denied operations must not consume sequence numbers")
	})

	t.Run("OutboxReceivesEveryCommit", func(t *testing.T) {
		operations := recorder.snapshot()
		require.Len(t, operations, 3)
		for i, op := range operations {
			assert.Equal(t, uint64(i+1), op.SequenceNumber)
			assert.Equal(t, MessageTypeShapeCreated, op.EventType)
		}
		assert.Equal(t, []string{"room-mutations", "room-mutations", "room-mutations"}, recorder.roomIDs())
	})
}

type recordingOutbox struct {
	mu         sync.Mutex
	rooms      []string
	operations []DiagramOperationMessage
}

func (r *recordingOutbox) Record(roomID string, operation DiagramOperationMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms = append(r.rooms, roomID)
	r.operations = append(r.operations, operation)
}

func (r *recordingOutbox) snapshot() []DiagramOperationMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DiagramOperationMessage, len(r.operations))
	copy(out, r.operations)
	return out
}

func (r *recordingOutbox) roomIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.rooms))
	copy(out, r.rooms)
	return out
}

// TestRoomFollow covers viewport following: edge lifecycle, propagation to
// the follower subset, the initial sync, and the stale-follower guard.
func TestRoomFollow(t *testing.T) {
	hub := newTestHub()
	defer hub.Shutdown()
	room := hub.GetOrCreateRoom("room-follow")

	alice := newTestClient(hub, "user-alice", "Alice", RoleEditor)
	bob := newTestClient(hub, "user-bob", "Bob", RoleEditor)
	carol := newTestClient(hub, "user-carol", "Carol", RoleEditor)

	joinRoom(t, room, alice)
	joinRoom(t, room, bob)
	joinRoom(t, room, carol)
	drainClient(alice)
	drainClient(bob)
	drainClient(carol)

	follow := func(c *WebSocketClient, mt MessageType, followee string) FollowRequestMessage {
		return FollowRequestMessage{MessageType: mt, Room: room.ID, FollowerID: c.UserID, FollowingID: followee}
	}
	viewport := func(c *WebSocketClient, panX, panY, zoom float64) ViewportUpdateMessage {
		return ViewportUpdateMessage{MessageType: MessageTypeViewportUpdate, Room: room.ID, UserID: c.UserID, PanX: panX, PanY: panY, Zoom: zoom}
	}

	t.Run("FollowPropagatesViewportToFollowersOnly", func(t *testing.T) {
		sendEvent(t, room, bob, follow(bob, MessageTypeFollowUser, alice.UserID))
		syncRoom(t, room)

		var started FollowStartedMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, bob, MessageTypeFollowStarted), &started))
		assert.True(t, started.Success)

		sendEvent(t, room, alice, viewport(alice, 100, 200, 1.5))
		syncRoom(t, room)

		var changed ViewportChangedMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, bob, MessageTypeViewportChanged), &changed))
		assert.Equal(t, "user-alice", changed.UserID)
		assert.Equal(t, 100.0, changed.PanX)
		assert.Equal(t, 200.0, changed.PanY)
		assert.Equal(t, 1.5, changed.Zoom)
		assert.Equal(t, []string{"user-bob"}, changed.Followers)

		assertNoMessage(t, carol, "non-followers must not receive viewport updates")
	})

	t.Run("NewFollowerGetsViewportSync", func(t *testing.T) {
		sendEvent(t, room, carol, follow(carol, MessageTypeFollowUser, alice.UserID))
		syncRoom(t, room)

		var started FollowStartedMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, carol, MessageTypeFollowStarted), &started))
		assert.True(t, started.Success)

		var sync ViewportSyncMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, carol, MessageTypeViewportSync), &sync))
		assert.Equal(t, "user-alice", sync.UserID)
		assert.Equal(t, 100.0, sync.PanX)
		assert.Equal(t, 200.0, sync.PanY)
		assert.Equal(t, 1.5, sync.Zoom)
	})

	t.Run("FollowersListSortedInBroadcast", func(t *testing.T) {
		drainClient(bob)
		drainClient(carol)
		sendEvent(t, room, alice, viewport(alice, 5, 6, 2))
		syncRoom(t, room)

		var changed ViewportChangedMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, bob, MessageTypeViewportChanged), &changed))
		assert.Equal(t, []string{"user-bob", "user-carol"}, changed.Followers)
		awaitMessage(t, carol, MessageTypeViewportChanged)
	})

	t.Run("StaleFollowerViewportDropped", func(t *testing.T) {
		// Bob is following Alice; his own pans are echoes of hers and must
		// not overwrite his stored viewport or propagate anywhere.
		sendEvent(t, room, bob, viewport(bob, 999, 999, 3))
		syncRoom(t, room)

		assertNoMessage(t, alice, "a follower's viewport update must be dropped")
		assertNoMessage(t, carol, "a follower's viewport update must be dropped")

		room.mu.RLock()
		_, stored := room.viewports[bob.UserID]
		room.mu.RUnlock()
		assert.False(t, stored, "a follower's viewport must not be recorded")
	})

	t.Run("FollowReplacesPriorEdge", func(t *testing.T) {
		sendEvent(t, room, bob, follow(bob, MessageTypeFollowUser, carol.UserID))
		syncRoom(t, room)
		awaitMessage(t, bob, MessageTypeFollowStarted)

		edges := room.GetFollowRelationships()
		require.Len(t, edges, 2)
		assert.Equal(t, FollowRelationship{FollowerID: "user-bob", FollowingID: "user-carol"}, edges[0])
		assert.Equal(t, FollowRelationship{FollowerID: "user-carol", FollowingID: "user-alice"}, edges[1])

		drainClient(bob)
		sendEvent(t, room, alice, viewport(alice, 7, 8, 1))
		syncRoom(t, room)
		assertNoMessage(t, bob, "switching followees must stop updates from the old followee")
	})

	t.Run("SelfFollowRefused", func(t *testing.T) {
		sendEvent(t, room, alice, follow(alice, MessageTypeFollowUser, alice.UserID))
		syncRoom(t, room)

		var started FollowStartedMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, alice, MessageTypeFollowStarted), &started))
		assert.False(t, started.Success)
		assert.Equal(t, "Cannot follow yourself", started.Error)
	})

	t.Run("FollowAbsentUserRefused", func(t *testing.T) {
		sendEvent(t, room, alice, follow(alice, MessageTypeFollowUser, "user-ghost"))
		syncRoom(t, room)

		var started FollowStartedMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, alice, MessageTypeFollowStarted), &started))
		assert.False(t, started.Success)
		assert.Equal(t, "User is not in the room", started.Error)
	})

	t.Run("FollowerIDMustMatchSender", func(t *testing.T) {
		sendEvent(t, room, alice, FollowRequestMessage{
			MessageType: MessageTypeFollowUser,
			Room:        room.ID,
			FollowerID:  bob.UserID,
			FollowingID: carol.UserID,
		})
		syncRoom(t, room)

		var started FollowStartedMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, alice, MessageTypeFollowStarted), &started))
		assert.False(t, started.Success)
		assert.Equal(t, "follower_id must match your user_id", started.Error)
	})

	t.Run("UnfollowStopsPropagation", func(t *testing.T) {
		drainClient(carol)
		sendEvent(t, room, carol, follow(carol, MessageTypeUnfollowUser, alice.UserID))
		syncRoom(t, room)

		var stopped FollowStoppedMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, carol, MessageTypeFollowStopped), &stopped))
		assert.True(t, stopped.Success)

		sendEvent(t, room, alice, viewport(alice, 11, 12, 1))
		syncRoom(t, room)
		assertNoMessage(t, carol, "updates must stop after unfollow")
	})

	t.Run("UnfollowUnknownEdgeSucceeds", func(t *testing.T) {
		sendEvent(t, room, carol, follow(carol, MessageTypeUnfollowUser, alice.UserID))
		syncRoom(t, room)

		var stopped FollowStoppedMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, carol, MessageTypeFollowStopped), &stopped))
		assert.True(t, stopped.Success, "unfollow of an unknown edge succeeds so replays stay harmless")
	})
}

// TestRoomPresence covers heartbeat quality, explicit transitions, the
// activity-driven flip back to online, and the idle sweep.
func TestRoomPresence(t *testing.T) {
	hub := newTestHub()
	defer hub.Shutdown()
	room := hub.GetOrCreateRoom("room-presence")

	alice := newTestClient(hub, "user-alice", "Alice", RoleEditor)
	bob := newTestClient(hub, "user-bob", "Bob", RoleEditor)

	joinRoom(t, room, alice)
	joinRoom(t, room, bob)
	drainClient(alice)
	drainClient(bob)

	heartbeat := func(c *WebSocketClient, sentAt time.Time) HeartbeatMessage {
		return HeartbeatMessage{MessageType: MessageTypeHeartbeat, Room: room.ID, UserID: c.UserID, Timestamp: sentAt.UnixMilli()}
	}

	t.Run("HeartbeatQualityBuckets", func(t *testing.T) {
		cases := []struct {
			name    string
			age     time.Duration
			quality ConnectionQuality
		}{
			{"Excellent", 10 * time.Millisecond, QualityExcellent},
			{"Good", 60 * time.Millisecond, QualityGood},
			{"Fair", 160 * time.Millisecond, QualityFair},
			{"Poor", 400 * time.Millisecond, QualityPoor},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				sendEvent(t, room, alice, heartbeat(alice, time.Now().Add(-tc.age)))
				syncRoom(t, room)

				var ack HeartbeatAckMessage
				require.NoError(t, json.Unmarshal(awaitMessage(t, alice, MessageTypeHeartbeatAck), &ack))
				assert.True(t, ack.Success)
				assert.Equal(t, tc.quality, ack.Quality)
				assert.GreaterOrEqual(t, ack.Latency, tc.age.Milliseconds())
				assert.Positive(t, ack.ServerTime)
			})
		}
	})

	t.Run("FutureTimestampClampsToZero", func(t *testing.T) {
		sendEvent(t, room, alice, heartbeat(alice, time.Now().Add(5*time.Second)))
		syncRoom(t, room)

		var ack HeartbeatAckMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, alice, MessageTypeHeartbeatAck), &ack))
		assert.Equal(t, int64(0), ack.Latency)
		assert.Equal(t, QualityExcellent, ack.Quality)
	})

	t.Run("HeartbeatAnswersCallerOnly", func(t *testing.T) {
		assertNoMessage(t, bob, "heartbeat acks are unicast")
	})

	t.Run("ExplicitAwayBroadcastToOthers", func(t *testing.T) {
		sendEvent(t, room, alice, PresenceUpdateMessage{
			MessageType: MessageTypePresenceUpdate,
			Room:        room.ID,
			UserID:      alice.UserID,
			Status:      PresenceAway,
		})
		syncRoom(t, room)

		var update PresenceUpdateMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, bob, MessageTypePresenceUpdate), &update))
		assert.Equal(t, "user-alice", update.UserID)
		assert.Equal(t, PresenceAway, update.Status)
		assertNoMessage(t, alice, "the announcing client already knows its status")
	})

	t.Run("AnyActivityFlipsAwayBackToOnline", func(t *testing.T) {
		sendEvent(t, room, alice, CursorMoveMessage{
			MessageType: MessageTypeCursorMove,
			Room:        room.ID,
			UserID:      alice.UserID,
			X:           10,
			Y:           20,
		})
		syncRoom(t, room)

		var update PresenceUpdateMessage
		require.NoError(t, json.Unmarshal(nextMessage(t, bob), &update))
		assert.Equal(t, MessageTypePresenceUpdate, update.MessageType)
		assert.Equal(t, PresenceOnline, update.Status)

		var cursor CursorUpdateMessage
		require.NoError(t, json.Unmarshal(nextMessage(t, bob), &cursor))
		assert.Equal(t, MessageTypeCursorUpdate, cursor.MessageType)
		assert.Equal(t, 10.0, cursor.X)
		assert.Equal(t, 20.0, cursor.Y)
	})

	t.Run("HeartbeatCountsAsActivity", func(t *testing.T) {
		sendEvent(t, room, alice, PresenceUpdateMessage{
			MessageType: MessageTypePresenceUpdate,
			UserID:      alice.UserID,
			Status:      PresenceAway,
		})
		syncRoom(t, room)
		awaitMessage(t, bob, MessageTypePresenceUpdate)

		sendEvent(t, room, alice, heartbeat(alice, time.Now()))
		syncRoom(t, room)

		var update PresenceUpdateMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, bob, MessageTypePresenceUpdate), &update))
		assert.Equal(t, PresenceOnline, update.Status)
	})

	t.Run("RedundantPresenceUpdateIsSilent", func(t *testing.T) {
		drainClient(alice)
		drainClient(bob)
		sendEvent(t, room, alice, PresenceUpdateMessage{
			MessageType: MessageTypePresenceUpdate,
			UserID:      alice.UserID,
			Status:      PresenceOnline,
		})
		syncRoom(t, room)
		assertNoMessage(t, bob, "announcing the current status is a no-op")
	})

	t.Run("SweepMarksIdleParticipantsAway", func(t *testing.T) {
		time.Sleep(30 * time.Millisecond)
		room.sweepPresence(10 * time.Millisecond)
		syncRoom(t, room)

		// Each away transition is broadcast to everyone except the idle
		// user, so Alice hears about Bob and vice versa.
		var aboutBob PresenceUpdateMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, alice, MessageTypePresenceUpdate), &aboutBob))
		assert.Equal(t, "user-bob", aboutBob.UserID)
		assert.Equal(t, PresenceAway, aboutBob.Status)

		var aboutAlice PresenceUpdateMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, bob, MessageTypePresenceUpdate), &aboutAlice))
		assert.Equal(t, "user-alice", aboutAlice.UserID)
		assert.Equal(t, PresenceAway, aboutAlice.Status)

		for _, p := range room.GetParticipants() {
			assert.Equal(t, PresenceAway, p.Presence)
		}
	})

	t.Run("SweepSkipsRecentlyActive", func(t *testing.T) {
		drainClient(alice)
		drainClient(bob)

		// Bob is active again; the sweep must leave him online.
		sendEvent(t, room, bob, CursorMoveMessage{
			MessageType: MessageTypeCursorMove,
			Room:        room.ID,
			UserID:      bob.UserID,
			X:           1,
			Y:           1,
		})
		syncRoom(t, room)
		drainClient(alice)

		room.sweepPresence(10 * time.Minute)
		syncRoom(t, room)
		assertNoMessage(t, alice, "a recent participant must not be swept")

		for _, p := range room.GetParticipants() {
			if p.UserID == "user-bob" {
				assert.Equal(t, PresenceOnline, p.Presence)
			}
		}
	})
}

// TestRoomDisconnect covers the leave procedure and what state survives it.
func TestRoomDisconnect(t *testing.T) {
	hub := newTestHub()
	defer hub.Shutdown()
	room := hub.GetOrCreateRoom("room-disconnect")

	alice := newTestClient(hub, "user-alice", "Alice", RoleEditor)
	bob := newTestClient(hub, "user-bob", "Bob", RoleEditor)

	joinRoom(t, room, alice)
	joinRoom(t, room, bob)

	// Alice locks an element and Bob follows her; both must be cleaned up.
	sendEvent(t, room, alice, LockRequestMessage{
		MessageType: MessageTypeLockElement,
		Room:        room.ID,
		ElementID:   "element-9",
		UserID:      alice.UserID,
	})
	sendEvent(t, room, bob, FollowRequestMessage{
		MessageType: MessageTypeFollowUser,
		Room:        room.ID,
		FollowerID:  bob.UserID,
		FollowingID: alice.UserID,
	})
	sendEvent(t, room, alice, mutation(alice, room, MessageTypeShapeCreated, `{"shape":"store"}`))
	syncRoom(t, room)
	require.Equal(t, uint64(1), room.SequenceNumber())
	drainClient(alice)
	drainClient(bob)

	room.dropConnection(alice)
	syncRoom(t, room)

	t.Run("LocksReleasedOnDisconnect", func(t *testing.T) {
		assert.Empty(t, room.GetLocks())
		var unlocked ElementUnlockedMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, bob, MessageTypeElementUnlocked), &unlocked))
		assert.Equal(t, "element-9", unlocked.ElementID)
	})

	t.Run("FollowEdgesRemoved", func(t *testing.T) {
		assert.Empty(t, room.GetFollowRelationships())
	})

	t.Run("DepartureAnnounced", func(t *testing.T) {
		var left UserLeftMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, bob, MessageTypeUserLeft), &left))
		assert.Equal(t, "user-alice", left.UserID)
		assert.Equal(t, "Alice", left.Username)

		var roster ParticipantsUpdateMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, bob, MessageTypeParticipantsUpdate), &roster))
		require.Len(t, roster.Participants, 1)
		assert.Equal(t, "user-bob", roster.Participants[0].UserID)
	})

	t.Run("SequenceSurvivesReconnect", func(t *testing.T) {
		aliceAgain := newTestClient(hub, "user-alice", "Alice", RoleEditor)
		joinRoom(t, room, aliceAgain)

		sendEvent(t, room, aliceAgain, mutation(aliceAgain, room, MessageTypeShapeCreated, `{"shape":"actor"}`))
		syncRoom(t, room)

		var ack OperationAckMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, aliceAgain, MessageTypeOperationAck), &ack))
		require.NotNil(t, ack.SequenceNumber)
		assert.Equal(t, uint64(2), *ack.SequenceNumber, "the sequence continues across a reconnect")
	})

	t.Run("EventFromUnjoinedConnectionRefused", func(t *testing.T) {
		ghost := newTestClient(hub, "user-ghost", "Ghost", RoleEditor)
		sendEvent(t, room, ghost, CursorMoveMessage{
			MessageType: MessageTypeCursorMove,
			Room:        room.ID,
			UserID:      ghost.UserID,
			X:           1,
			Y:           1,
		})
		syncRoom(t, room)

		var errMsg ErrorMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, ghost, MessageTypeError), &errMsg))
		assert.Equal(t, "not_joined", errMsg.Error)
	})
}

// TestRoomViewportSurvivesGracePeriod verifies that the room shell keeps
// viewports and the sequence while empty so a quick reconnect resumes
// cleanly.
func TestRoomViewportSurvivesGracePeriod(t *testing.T) {
	hub := newTestHub()
	defer hub.Shutdown()
	room := hub.GetOrCreateRoom("room-survive")

	alice := newTestClient(hub, "user-alice", "Alice", RoleEditor)
	joinRoom(t, room, alice)

	sendEvent(t, room, alice, ViewportUpdateMessage{
		MessageType: MessageTypeViewportUpdate,
		Room:        room.ID,
		UserID:      alice.UserID,
		PanX:        42,
		PanY:        43,
		Zoom:        2,
	})
	syncRoom(t, room)

	// The room empties; default tuning keeps the grace period long enough
	// that the shell must still be there when Alice returns.
	room.dropConnection(alice)
	syncRoom(t, room)
	require.Equal(t, 0, room.ParticipantCount())

	aliceAgain := newTestClient(hub, "user-alice", "Alice", RoleEditor)
	joinRoom(t, room, aliceAgain)
	bob := newTestClient(hub, "user-bob", "Bob", RoleEditor)
	joinRoom(t, room, bob)
	drainClient(bob)

	sendEvent(t, room, bob, FollowRequestMessage{
		MessageType: MessageTypeFollowUser,
		Room:        room.ID,
		FollowerID:  bob.UserID,
		FollowingID: aliceAgain.UserID,
	})
	syncRoom(t, room)

	awaitMessage(t, bob, MessageTypeFollowStarted)
	var sync ViewportSyncMessage
	require.NoError(t, json.Unmarshal(awaitMessage(t, bob, MessageTypeViewportSync), &sync))
	assert.Equal(t, 42.0, sync.PanX)
	assert.Equal(t, 43.0, sync.PanY)
	assert.Equal(t, 2.0, sync.Zoom)
}

// TestUpdateParticipantRole exercises the mid-session role change path used
// when a diagram share is upgraded or revoked.
func TestUpdateParticipantRole(t *testing.T) {
	hub := newTestHub()
	defer hub.Shutdown()
	room := hub.GetOrCreateRoom("room-roles")

	vera := newTestClient(hub, "user-vera", "Vera", RoleViewer)
	bob := newTestClient(hub, "user-bob", "Bob", RoleEditor)
	joinRoom(t, room, vera)
	joinRoom(t, room, bob)
	drainClient(vera)
	drainClient(bob)

	t.Run("ViewerBlockedBeforeUpgrade", func(t *testing.T) {
		sendEvent(t, room, vera, mutation(vera, room, MessageTypeShapeCreated, `{"shape":"zone"}`))
		syncRoom(t, room)

		var ack OperationAckMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, vera, MessageTypeOperationAck), &ack))
		assert.False(t, ack.Success)
	})

	t.Run("UpgradeTakesEffectOnNextEvent", func(t *testing.T) {
		room.UpdateParticipantRole("user-vera", RoleEditor)
		syncRoom(t, room)

		var roster ParticipantsUpdateMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, bob, MessageTypeParticipantsUpdate), &roster))
		for _, p := range roster.Participants {
			if p.UserID == "user-vera" {
				assert.Equal(t, RoleEditor, p.Role)
			}
		}

		drainClient(vera)
		sendEvent(t, room, vera, mutation(vera, room, MessageTypeShapeCreated, `{"shape":"zone"}`))
		syncRoom(t, room)

		var ack OperationAckMessage
		require.NoError(t, json.Unmarshal(awaitMessage(t, vera, MessageTypeOperationAck), &ack))
		assert.True(t, ack.Success)
	})

	t.Run("SameRoleChangeIsSilent", func(t *testing.T) {
		drainClient(bob)
		room.UpdateParticipantRole("user-vera", RoleEditor)
		syncRoom(t, room)
		assertNoMessage(t, bob, "no roster broadcast when the role is unchanged")
	})

	t.Run("UnknownUserIgnored", func(t *testing.T) {
		room.UpdateParticipantRole("user-ghost", RoleOwner)
		syncRoom(t, room)
		assertNoMessage(t, bob, "role changes for absent users are dropped")
	})
}

// TestRoomStop verifies teardown closes members and refuses new work.
func TestRoomStop(t *testing.T) {
	hub := newTestHub()
	defer hub.Shutdown()
	room := hub.GetOrCreateRoom("room-stop")

	alice := newTestClient(hub, "user-alice", "Alice", RoleEditor)
	joinRoom(t, room, alice)

	room.Stop()
	assertSendClosed(t, alice)

	late := newTestClient(hub, "user-late", "Late", RoleEditor)
	assert.False(t, room.enqueueJoin(late, JoinRoomMessage{
		MessageType: MessageTypeJoinRoom,
		Room:        room.ID,
		UserID:      late.UserID,
		Username:    late.Username,
	}), "a stopped room refuses joins")
	assert.False(t, room.enqueueEvent(late, HeartbeatMessage{
		MessageType: MessageTypeHeartbeat,
		Room:        room.ID,
		UserID:      late.UserID,
		Timestamp:   time.Now().UnixMilli(),
	}), "a stopped room refuses events")

	assert.NotPanics(t, func() { room.Stop() }, "stop is idempotent")
}

// TestRoomSlowConsumerDropped verifies that a client whose buffer is full is
// removed instead of stalling the room loop.
func TestRoomSlowConsumerDropped(t *testing.T) {
	hub := newTestHub()
	defer hub.Shutdown()
	room := hub.GetOrCreateRoom("room-slow")

	alice := newTestClient(hub, "user-alice", "Alice", RoleEditor)
	joinRoom(t, room, alice)

	// A two-slot buffer: the join ack and the roster broadcast fill it, so
	// the next broadcast cannot be queued and the client must be dropped.
	slow := &WebSocketClient{
		Hub:          hub,
		ConnectionID: uuid.New().String(),
		UserID:       "user-slow",
		Username:     "Slow",
		ClaimRole:    RoleViewer,
		Send:         make(chan []byte, 2),
	}
	ok := room.enqueueJoin(slow, JoinRoomMessage{
		MessageType: MessageTypeJoinRoom,
		Room:        room.ID,
		UserID:      slow.UserID,
		Username:    slow.Username,
	})
	require.True(t, ok)
	slow.Room = room
	syncRoom(t, room)
	drainClient(alice)
	sendEvent(t, room, alice, CursorMoveMessage{
		MessageType: MessageTypeCursorMove,
		Room:        room.ID,
		UserID:      alice.UserID,
		X:           1,
		Y:           2,
	})
	syncRoom(t, room)

	assertSendClosed(t, slow)

	room.mu.RLock()
	_, stillRegistered := room.clients[slow]
	room.mu.RUnlock()
	assert.False(t, stillRegistered, "a slow consumer must be deregistered")
}
