package api

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/drawbridge-app/drawbridge/internal/config"
	"github.com/drawbridge-app/drawbridge/internal/slogging"
	"github.com/drawbridge-app/drawbridge/internal/telemetry"
)

// EditOutbox hands committed diagram operations to the storage pipeline
// through per-room Redis Streams. Recording never blocks the broadcast
// path: a full buffer drops the entry with a warning and a counter bump,
// and the stream itself is capped so an absent consumer cannot grow it
// unbounded.
type EditOutbox struct {
	client       *redis.Client
	streamPrefix string
	maxStreamLen int64
	buffer       chan outboxEntry
	telemetry    *telemetry.CollabTelemetry
}

type outboxEntry struct {
	roomID    string
	operation DiagramOperationMessage
}

// NewEditOutbox creates an outbox. Run starts the flush loop.
func NewEditOutbox(client *redis.Client, cfg config.OutboxConfig, tel *telemetry.CollabTelemetry) *EditOutbox {
	return &EditOutbox{
		client:       client,
		streamPrefix: cfg.StreamPrefix,
		maxStreamLen: cfg.MaxStreamLen,
		buffer:       make(chan outboxEntry, cfg.BufferSize),
		telemetry:    tel,
	}
}

// Record queues an operation for flushing. Non-blocking; overflow drops.
func (o *EditOutbox) Record(roomID string, operation DiagramOperationMessage) {
	select {
	case o.buffer <- outboxEntry{roomID: roomID, operation: operation}:
	default:
		o.telemetry.RecordError(context.Background(), "outbox_overflow", roomID)
		slogging.Get().Warn("Edit outbox full, dropping operation room_id=%s operation_id=%s",
			roomID, operation.OperationID)
	}
}

// Run flushes queued operations until ctx is done, then drains what is
// already buffered on a short deadline.
func (o *EditOutbox) Run(ctx context.Context) error {
	slogging.Get().Info("Edit outbox started stream_prefix=%s buffer=%d", o.streamPrefix, cap(o.buffer))

	for {
		select {
		case entry := <-o.buffer:
			o.flush(ctx, entry)
		case <-ctx.Done():
			o.drainRemaining()
			slogging.Get().Info("Edit outbox stopped")
			return nil
		}
	}
}

func (o *EditOutbox) flush(ctx context.Context, entry outboxEntry) {
	args := &redis.XAddArgs{
		Stream: o.streamKey(entry.roomID),
		MaxLen: o.maxStreamLen,
		Approx: true,
		Values: map[string]interface{}{
			"event_type":   string(entry.operation.EventType),
			"user_id":      entry.operation.UserID,
			"operation_id": entry.operation.OperationID,
			"sequence":     strconv.FormatUint(entry.operation.SequenceNumber, 10),
			"payload":      string(entry.operation.Payload),
			"timestamp":    entry.operation.Timestamp.Format(time.RFC3339Nano),
		},
	}

	if err := o.client.XAdd(ctx, args).Err(); err != nil {
		o.telemetry.RecordError(context.Background(), "outbox_write_failed", entry.roomID)
		slogging.Get().Warn("Edit outbox write failed room_id=%s operation_id=%s error=%v",
			entry.roomID, entry.operation.OperationID, err)
	}
}

// drainRemaining gives already-buffered entries one chance to reach Redis
// during shutdown.
func (o *EditOutbox) drainRemaining() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for {
		select {
		case entry := <-o.buffer:
			o.flush(ctx, entry)
		default:
			return
		}
	}
}

func (o *EditOutbox) streamKey(roomID string) string {
	return o.streamPrefix + ":" + roomID
}
