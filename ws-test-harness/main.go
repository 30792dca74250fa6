// Command ws-test-harness exercises a running Drawbridge collaboration
// server with scripted editors. It drives the full client lifecycle: dial,
// join, cursor traffic, mutations, heartbeats, and reconnect replay from a
// durable pending-edit queue, the same queue shape the canvas client keeps
// while offline.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/drawbridge-app/drawbridge/internal/slogging"
)

type Config struct {
	ServerURL    string
	Secret       string
	Room         string
	UserID       string
	Username     string
	Role         string
	Bots         int
	Edits        int
	EditInterval time.Duration
	QueuePath    string
	Duration     time.Duration
}

// Wire shapes. The harness declares its own structs rather than importing
// the server package so it stays an honest external client.

type baseMessage struct {
	MessageType string `json:"message_type"`
}

type joinRoomMsg struct {
	MessageType string `json:"message_type"`
	Room        string `json:"room"`
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
}

type joinResponseMsg struct {
	MessageType string          `json:"message_type"`
	Success     bool            `json:"success"`
	Users       json.RawMessage `json:"users,omitempty"`
	Error       string          `json:"error,omitempty"`
}

type cursorMoveMsg struct {
	MessageType string  `json:"message_type"`
	Room        string  `json:"room"`
	UserID      string  `json:"user_id"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
}

type mutationMsg struct {
	MessageType string          `json:"message_type"`
	Room        string          `json:"room"`
	UserID      string          `json:"user_id"`
	OperationID string          `json:"operation_id"`
	Payload     json.RawMessage `json:"payload"`
}

type heartbeatMsg struct {
	MessageType string `json:"message_type"`
	Room        string `json:"room"`
	UserID      string `json:"user_id"`
	Timestamp   int64  `json:"timestamp"`
}

type lockRequestMsg struct {
	MessageType string `json:"message_type"`
	Room        string `json:"room"`
	ElementID   string `json:"element_id"`
	UserID      string `json:"user_id"`
	Username    string `json:"username,omitempty"`
}

type followRequestMsg struct {
	MessageType string `json:"message_type"`
	Room        string `json:"room"`
	FollowerID  string `json:"follower_id"`
	FollowingID string `json:"following_id"`
}

type viewportUpdateMsg struct {
	MessageType string  `json:"message_type"`
	Room        string  `json:"room"`
	UserID      string  `json:"user_id"`
	PanX        float64 `json:"pan_x"`
	PanY        float64 `json:"pan_y"`
	Zoom        float64 `json:"zoom"`
}

type operationAckMsg struct {
	MessageType    string  `json:"message_type"`
	Success        bool    `json:"success"`
	OperationID    string  `json:"operation_id"`
	SequenceNumber *uint64 `json:"sequence_number,omitempty"`
	Error          string  `json:"error,omitempty"`
}

type errorMsg struct {
	MessageType string `json:"message_type"`
	Error       string `json:"error"`
	Message     string `json:"message"`
}

// PendingEdit is one queued diagram operation. The canvas client persists
// the same record shape while offline and replays it on reconnect.
type PendingEdit struct {
	LocalID     string          `json:"local_id"`
	DiagramID   string          `json:"diagram_id"`
	Operation   string          `json:"operation"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAtMS int64           `json:"created_at_ms"`
	RetryCount  int             `json:"retry_count"`
}

type queueFile struct {
	Version int           `json:"version"`
	Edits   []PendingEdit `json:"edits"`
}

// editQueue is a durable, creation-ordered pending-edit queue backed by a
// JSON file.
type editQueue struct {
	path  string
	mu    sync.Mutex
	edits []PendingEdit
}

func loadQueue(path string) (*editQueue, error) {
	q := &editQueue{path: path}

	data, err := os.ReadFile(path) // #nosec G304
	if os.IsNotExist(err) {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue file: %w", err)
	}

	var file queueFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse queue file %s: %w", path, err)
	}

	q.edits = file.Edits
	q.sortLocked()
	return q, nil
}

func (q *editQueue) sortLocked() {
	sort.SliceStable(q.edits, func(i, j int) bool {
		return q.edits[i].CreatedAtMS < q.edits[j].CreatedAtMS
	})
}

func (q *editQueue) save() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.saveLocked()
}

func (q *editQueue) saveLocked() error {
	data, err := json.MarshalIndent(queueFile{Version: 1, Edits: q.edits}, "", "  ")
	if err != nil {
		return err
	}

	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

func (q *editQueue) append(edit PendingEdit) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.edits = append(q.edits, edit)
	q.sortLocked()
	return q.saveLocked()
}

func (q *editQueue) remove(localID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.edits {
		if e.LocalID == localID {
			q.edits = append(q.edits[:i], q.edits[i+1:]...)
			break
		}
	}
	return q.saveLocked()
}

func (q *editQueue) bumpRetry(localID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.edits {
		if q.edits[i].LocalID == localID {
			q.edits[i].RetryCount++
			break
		}
	}
	return q.saveLocked()
}

func (q *editQueue) snapshot() []PendingEdit {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingEdit, len(q.edits))
	copy(out, q.edits)
	return out
}

func (q *editQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.edits)
}

// stats aggregates what all connections observed.
type stats struct {
	editsSent      atomic.Int64
	acksOK         atomic.Int64
	acksFailed     atomic.Int64
	repliesSeen    atomic.Int64
	broadcastsSeen atomic.Int64
	errorsSeen     atomic.Int64
}

// session is one live connection with a frame-splitting read loop.
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	userID  string

	acks   chan operationAckMsg
	joins  chan joinResponseMsg
	closed chan struct{}
	stats  *stats
}

func dialSession(cfg Config, userID, username, role string, st *stats) (*session, error) {
	token, err := mintToken(cfg.Secret, userID, username, role)
	if err != nil {
		return nil, fmt.Errorf("failed to mint token: %w", err)
	}

	wsURL := strings.Replace(cfg.ServerURL, "http", "ws", 1) + "/ws?token=" + url.QueryEscape(token)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("dial failed with status %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}

	s := &session{
		conn:   conn,
		userID: userID,
		acks:   make(chan operationAckMsg, 64),
		joins:  make(chan joinResponseMsg, 4),
		closed: make(chan struct{}),
		stats:  st,
	}
	go s.readLoop()
	return s, nil
}

// mintToken signs a development token with the server's shared secret, the
// same claims the Drawbridge auth service issues.
func mintToken(secret, userID, username, role string) (string, error) {
	claims := jwt.MapClaims{
		"sub":  userID,
		"name": username,
		"role": role,
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(12 * time.Hour).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func (s *session) writeJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(v)
}

// readLoop splits folded frames on newlines and dispatches each message.
func (s *session) readLoop() {
	logger := slogging.Get().GetSlogger()
	defer close(s.closed)

	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			logger.Debug("Read loop ended", "user_id", s.userID, "error", err)
			return
		}

		for _, raw := range bytes.Split(frame, []byte{'\n'}) {
			if len(raw) == 0 {
				continue
			}
			s.dispatch(raw)
		}
	}
}

func (s *session) dispatch(raw []byte) {
	logger := slogging.Get().GetSlogger()

	var base baseMessage
	if err := json.Unmarshal(raw, &base); err != nil {
		logger.Warn("Unparseable server message", "user_id", s.userID, "error", err)
		return
	}

	switch base.MessageType {
	case "join_response":
		var msg joinResponseMsg
		if err := json.Unmarshal(raw, &msg); err == nil {
			select {
			case s.joins <- msg:
			default:
			}
		}
	case "operation_ack":
		var msg operationAckMsg
		if err := json.Unmarshal(raw, &msg); err == nil {
			select {
			case s.acks <- msg:
			default:
				logger.Warn("Ack channel full, dropping", "user_id", s.userID, "operation_id", msg.OperationID)
			}
		}
	case "error":
		var msg errorMsg
		if err := json.Unmarshal(raw, &msg); err == nil {
			s.stats.errorsSeen.Add(1)
			logger.Warn("Server error message", "user_id", s.userID, "code", msg.Error, "message", msg.Message)
		}
	case "lock_response", "unlock_response", "follow_started", "follow_stopped",
		"viewport_sync", "heartbeat_ack":
		s.stats.repliesSeen.Add(1)
	case "diagram_operation", "cursor_update", "presence_update", "user_joined", "user_left",
		"participants_update", "element_locked", "element_unlocked", "viewport_changed":
		s.stats.broadcastsSeen.Add(1)
	default:
		logger.Debug("Unhandled message type", "user_id", s.userID, "message_type", base.MessageType)
	}
}

func (s *session) join(room, username string) error {
	if err := s.writeJSON(joinRoomMsg{
		MessageType: "join_room",
		Room:        room,
		UserID:      s.userID,
		Username:    username,
	}); err != nil {
		return err
	}

	select {
	case resp := <-s.joins:
		if !resp.Success {
			return fmt.Errorf("join refused: %s", resp.Error)
		}
		return nil
	case <-s.closed:
		return fmt.Errorf("connection closed during join")
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timed out waiting for join_response")
	}
}

// sendEditAndAwait submits one pending edit and waits for its ack.
func (s *session) sendEditAndAwait(room string, edit PendingEdit) (operationAckMsg, error) {
	err := s.writeJSON(mutationMsg{
		MessageType: edit.Operation,
		Room:        room,
		UserID:      s.userID,
		OperationID: edit.LocalID,
		Payload:     edit.Payload,
	})
	if err != nil {
		return operationAckMsg{}, err
	}
	s.stats.editsSent.Add(1)

	deadline := time.After(10 * time.Second)
	for {
		select {
		case ack := <-s.acks:
			if ack.OperationID != edit.LocalID {
				continue
			}
			if ack.Success {
				s.stats.acksOK.Add(1)
			} else {
				s.stats.acksFailed.Add(1)
			}
			return ack, nil
		case <-s.closed:
			return operationAckMsg{}, fmt.Errorf("connection closed while awaiting ack")
		case <-deadline:
			return operationAckMsg{}, fmt.Errorf("timed out waiting for ack of %s", edit.LocalID)
		}
	}
}

func (s *session) close() {
	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	_ = s.conn.Close()
}

// replayQueue pushes queued edits in creation order. Replay halts on the
// first refused or unacknowledged edit; everything behind it stays queued.
func replayQueue(sess *session, room string, queue *editQueue) error {
	logger := slogging.Get().GetSlogger()
	pending := queue.snapshot()
	if len(pending) == 0 {
		return nil
	}

	logger.Info("Replaying pending edits", "count", len(pending))
	for _, edit := range pending {
		ack, err := sess.sendEditAndAwait(room, edit)
		if err != nil {
			_ = queue.bumpRetry(edit.LocalID)
			return fmt.Errorf("replay halted at %s: %w", edit.LocalID, err)
		}
		if !ack.Success {
			_ = queue.bumpRetry(edit.LocalID)
			return fmt.Errorf("replay halted: edit %s refused: %s", edit.LocalID, ack.Error)
		}

		if err := queue.remove(edit.LocalID); err != nil {
			logger.Warn("Failed to persist queue after replay", "error", err)
		}
		logger.Info("Replayed edit", "local_id", edit.LocalID,
			"sequence", derefSeq(ack.SequenceNumber), "retries", edit.RetryCount)
	}

	logger.Info("Replay complete")
	return nil
}

func derefSeq(seq *uint64) uint64 {
	if seq == nil {
		return 0
	}
	return *seq
}

func newScriptedEdit(room string, n int) PendingEdit {
	payload := fmt.Sprintf(`{"shape":"process","x":%d,"y":%d,"label":"harness-%d"}`,
		rand.Intn(1200), rand.Intn(800), n)
	return PendingEdit{
		LocalID:     uuid.New().String(),
		DiagramID:   room,
		Operation:   "shape_created",
		Payload:     json.RawMessage(payload),
		CreatedAtMS: time.Now().UnixMilli(),
	}
}

// runPrimary drives the main scripted editor: replay first, then a steady
// stream of write-ahead edits. Edits are queued before sending so an
// interrupt or dropped connection never loses one.
func runPrimary(ctx context.Context, cfg Config, queue *editQueue, st *stats) error {
	logger := slogging.Get().GetSlogger()

	sess, err := dialSession(cfg, cfg.UserID, cfg.Username, cfg.Role, st)
	if err != nil {
		return err
	}
	defer sess.close()

	if err := sess.join(cfg.Room, cfg.Username); err != nil {
		return err
	}
	logger.Info("Joined room", "room", cfg.Room, "user_id", cfg.UserID, "role", cfg.Role)

	if err := replayQueue(sess, cfg.Room, queue); err != nil {
		return err
	}

	ticker := time.NewTicker(cfg.EditInterval)
	defer ticker.Stop()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for n := 1; cfg.Edits == 0 || n <= cfg.Edits; {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.closed:
			return fmt.Errorf("connection lost, %d edits still queued", queue.len())
		case <-heartbeat.C:
			_ = sess.writeJSON(heartbeatMsg{
				MessageType: "heartbeat",
				Room:        cfg.Room,
				UserID:      cfg.UserID,
				Timestamp:   time.Now().UnixMilli(),
			})
		case <-ticker.C:
			edit := newScriptedEdit(cfg.Room, n)
			if err := queue.append(edit); err != nil {
				return fmt.Errorf("failed to persist edit before sending: %w", err)
			}

			ack, err := sess.sendEditAndAwait(cfg.Room, edit)
			if err != nil {
				_ = queue.bumpRetry(edit.LocalID)
				return fmt.Errorf("edit %s unacknowledged, kept queued: %w", edit.LocalID, err)
			}
			if !ack.Success {
				_ = queue.bumpRetry(edit.LocalID)
				logger.Warn("Edit refused", "local_id", edit.LocalID, "error", ack.Error)
			} else if err := queue.remove(edit.LocalID); err != nil {
				logger.Warn("Failed to persist queue after ack", "error", err)
			}
			n++

			_ = sess.writeJSON(cursorMoveMsg{
				MessageType: "cursor_move",
				Room:        cfg.Room,
				UserID:      cfg.UserID,
				X:           float64(rand.Intn(1200)),
				Y:           float64(rand.Intn(800)),
			})

			// Bots follow the primary, so its viewport drives their
			// viewport_changed traffic.
			if n%3 == 0 {
				_ = sess.writeJSON(viewportUpdateMsg{
					MessageType: "viewport_update",
					Room:        cfg.Room,
					UserID:      cfg.UserID,
					PanX:        float64(rand.Intn(2000)) - 1000,
					PanY:        float64(rand.Intn(2000)) - 1000,
					Zoom:        0.5 + rand.Float64()*1.5,
				})
			}
		}
	}

	logger.Info("Scripted edits complete", "count", cfg.Edits)
	return nil
}

// runBot keeps one extra editor busy with cursor, heartbeat, and mutation
// traffic until the context ends. Bots fire and forget; their read loops
// count acks and broadcasts.
func runBot(ctx context.Context, cfg Config, index int, st *stats) {
	logger := slogging.Get().GetSlogger()
	userID := fmt.Sprintf("%s-bot-%d", cfg.UserID, index)
	username := fmt.Sprintf("%s Bot %d", cfg.Username, index)

	sess, err := dialSession(cfg, userID, username, "editor", st)
	if err != nil {
		logger.Error("Bot dial failed", "bot", index, "error", err)
		return
	}
	defer sess.close()

	if err := sess.join(cfg.Room, username); err != nil {
		logger.Error("Bot join failed", "bot", index, "error", err)
		return
	}

	_ = sess.writeJSON(followRequestMsg{
		MessageType: "follow_user",
		Room:        cfg.Room,
		FollowerID:  userID,
		FollowingID: cfg.UserID,
	})

	cursor := time.NewTicker(200 * time.Millisecond)
	defer cursor.Stop()
	edit := time.NewTicker(2 * time.Second)
	defer edit.Stop()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	// Drain acks so the buffered channel never stalls the read loop.
	go func() {
		for {
			select {
			case ack := <-sess.acks:
				if ack.Success {
					st.acksOK.Add(1)
				} else {
					st.acksFailed.Add(1)
				}
			case <-sess.closed:
				return
			}
		}
	}()

	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-sess.closed:
			logger.Warn("Bot connection lost", "bot", index)
			return
		case <-cursor.C:
			_ = sess.writeJSON(cursorMoveMsg{
				MessageType: "cursor_move",
				Room:        cfg.Room,
				UserID:      userID,
				X:           float64(rand.Intn(1200)),
				Y:           float64(rand.Intn(800)),
			})
		case <-heartbeat.C:
			_ = sess.writeJSON(heartbeatMsg{
				MessageType: "heartbeat",
				Room:        cfg.Room,
				UserID:      userID,
				Timestamp:   time.Now().UnixMilli(),
			})
		case <-edit.C:
			// Lock, edit, unlock on a small shared element pool. Contended
			// locks come back refused, which is part of the exercise.
			elementID := fmt.Sprintf("el-%d", rand.Intn(8)+1)
			_ = sess.writeJSON(lockRequestMsg{
				MessageType: "lock_element",
				Room:        cfg.Room,
				ElementID:   elementID,
				UserID:      userID,
				Username:    username,
			})

			patch := fmt.Sprintf(`[{"op":"replace","path":"/label","value":"%s-edit-%d"}]`, userID, n)
			if err := sess.writeJSON(mutationMsg{
				MessageType: "element_edit",
				Room:        cfg.Room,
				UserID:      userID,
				OperationID: uuid.New().String(),
				Payload:     json.RawMessage(patch),
			}); err == nil {
				st.editsSent.Add(1)
			}

			_ = sess.writeJSON(lockRequestMsg{
				MessageType: "unlock_element",
				Room:        cfg.Room,
				ElementID:   elementID,
				UserID:      userID,
				Username:    username,
			})
		}
	}
}

func parseArgs() Config {
	var cfg Config
	var editIntervalMS, durationSec int

	flag.StringVar(&cfg.ServerURL, "server", "localhost:8080", "Server URL")
	flag.StringVar(&cfg.Secret, "secret", os.Getenv("JWT_SECRET"), "Shared JWT secret for minting dev tokens")
	flag.StringVar(&cfg.Room, "room", "", "Room (diagram) ID to join")
	flag.StringVar(&cfg.UserID, "user", "", "User ID for the primary editor")
	flag.StringVar(&cfg.Username, "name", "", "Display name (defaults to the user ID)")
	flag.StringVar(&cfg.Role, "role", "editor", "Role claim: owner, editor, or viewer")
	flag.IntVar(&cfg.Bots, "bots", 0, "Extra scripted editors to run")
	flag.IntVar(&cfg.Edits, "edits", 10, "Scripted edits to send (0 = unlimited)")
	flag.IntVar(&editIntervalMS, "edit-interval", 500, "Milliseconds between scripted edits")
	flag.StringVar(&cfg.QueuePath, "queue", "pending-edits.json", "Durable pending-edit queue file")
	flag.IntVar(&durationSec, "duration", 0, "Stop after this many seconds (0 = run until interrupted)")
	flag.Parse()

	logger := slogging.Get().GetSlogger()
	if cfg.Room == "" || cfg.UserID == "" {
		logger.Error("Required parameters missing", "required", "-room and -user")
		os.Exit(1)
	}
	if cfg.Secret == "" {
		logger.Error("No JWT secret", "hint", "pass -secret or set JWT_SECRET")
		os.Exit(1)
	}
	if cfg.Username == "" {
		cfg.Username = cfg.UserID
	}

	if !strings.HasPrefix(cfg.ServerURL, "http://") && !strings.HasPrefix(cfg.ServerURL, "https://") {
		cfg.ServerURL = "http://" + cfg.ServerURL
	}
	cfg.EditInterval = time.Duration(editIntervalMS) * time.Millisecond
	cfg.Duration = time.Duration(durationSec) * time.Second

	return cfg
}

func main() {
	cfg := parseArgs()
	logger := slogging.Get().GetSlogger()

	logger.Info("Drawbridge collaboration harness starting",
		"server", cfg.ServerURL, "room", cfg.Room, "user", cfg.UserID,
		"bots", cfg.Bots, "queue", cfg.QueuePath)

	queue, err := loadQueue(cfg.QueuePath)
	if err != nil {
		logger.Error("Failed to load pending-edit queue", "error", err)
		os.Exit(1)
	}
	if queue.len() > 0 {
		logger.Info("Pending edits found from a previous run", "count", queue.len())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutting down")
		cancel()
	}()

	if cfg.Duration > 0 {
		go func() {
			select {
			case <-time.After(cfg.Duration):
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	st := &stats{}

	var wg sync.WaitGroup
	for i := 1; i <= cfg.Bots; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			runBot(ctx, cfg, index, st)
		}(i)
	}

	runErr := runPrimary(ctx, cfg, queue, st)
	cancel()
	wg.Wait()

	if err := queue.save(); err != nil {
		logger.Error("Failed to persist queue on shutdown", "error", err)
	}

	logger.Info("Run summary",
		"edits_sent", st.editsSent.Load(),
		"acks_ok", st.acksOK.Load(),
		"acks_failed", st.acksFailed.Load(),
		"replies_seen", st.repliesSeen.Load(),
		"broadcasts_seen", st.broadcastsSeen.Load(),
		"server_errors", st.errorsSeen.Load(),
		"edits_still_queued", queue.len())

	if runErr != nil {
		logger.Error("Harness ended with error", "error", runErr)
		os.Exit(1)
	}
}
