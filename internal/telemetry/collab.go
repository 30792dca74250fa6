package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// CollabTelemetry instruments room collaboration traffic. A nil receiver is
// valid everywhere; callers never need to guard their instrumentation calls.
type CollabTelemetry struct {
	tracer trace.Tracer
	meter  metric.Meter

	connectionsActive  metric.Int64UpDownCounter
	connectionDuration metric.Float64Histogram
	messagesTotal      metric.Int64Counter
	messageSize        metric.Int64Histogram
	broadcastsTotal    metric.Int64Counter
	broadcastDuration  metric.Float64Histogram
	roomsActive        metric.Int64UpDownCounter
	lockContention     metric.Int64Counter
	presenceChanges    metric.Int64Counter
	errorsTotal        metric.Int64Counter
}

// NewCollabTelemetry creates the collaboration instruments on the given
// tracer and meter.
func NewCollabTelemetry(tracer trace.Tracer, meter metric.Meter) (*CollabTelemetry, error) {
	c := &CollabTelemetry{
		tracer: tracer,
		meter:  meter,
	}

	var err error

	c.connectionsActive, err = meter.Int64UpDownCounter(
		"collab_connections_active",
		metric.WithDescription("Number of active WebSocket connections"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connections counter: %w", err)
	}

	c.connectionDuration, err = meter.Float64Histogram(
		"collab_connection_duration_seconds",
		metric.WithDescription("Duration of WebSocket connections"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 300, 600, 1800, 3600),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection duration histogram: %w", err)
	}

	c.messagesTotal, err = meter.Int64Counter(
		"collab_messages_total",
		metric.WithDescription("Total number of collaboration messages processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create message counter: %w", err)
	}

	c.messageSize, err = meter.Int64Histogram(
		"collab_message_size_bytes",
		metric.WithDescription("Size of collaboration messages in bytes"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(100, 500, 1000, 5000, 10000, 50000, 100000),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create message size histogram: %w", err)
	}

	c.broadcastsTotal, err = meter.Int64Counter(
		"collab_broadcasts_total",
		metric.WithDescription("Total number of room broadcasts"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create broadcast counter: %w", err)
	}

	c.broadcastDuration, err = meter.Float64Histogram(
		"collab_broadcast_duration_seconds",
		metric.WithDescription("Duration of room broadcast operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create broadcast duration histogram: %w", err)
	}

	c.roomsActive, err = meter.Int64UpDownCounter(
		"collab_rooms_active",
		metric.WithDescription("Number of rooms with at least one participant"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rooms counter: %w", err)
	}

	c.lockContention, err = meter.Int64Counter(
		"collab_lock_contention_total",
		metric.WithDescription("Lock acquisitions denied because the element was held"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock contention counter: %w", err)
	}

	c.presenceChanges, err = meter.Int64Counter(
		"collab_presence_transitions_total",
		metric.WithDescription("Presence status transitions"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create presence transitions counter: %w", err)
	}

	c.errorsTotal, err = meter.Int64Counter(
		"collab_errors_total",
		metric.WithDescription("Total number of collaboration errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create error counter: %w", err)
	}

	return c, nil
}

// FromService builds collaboration instruments from a telemetry service.
// Returns nil when the service is nil or instrument creation fails, which
// disables instrumentation without disabling the caller.
func FromService(service *Service) *CollabTelemetry {
	if service == nil {
		return nil
	}
	c, err := NewCollabTelemetry(service.GetTracer(), service.GetMeter())
	if err != nil {
		return nil
	}
	return c
}

// TraceConnection records a connection lifecycle. The returned closure is
// called when the connection ends.
func (c *CollabTelemetry) TraceConnection(ctx context.Context, roomID, userID string) (context.Context, func(err error)) {
	if c == nil {
		return ctx, func(error) {}
	}

	startTime := time.Now()

	ctx, span := c.tracer.Start(ctx, "collab.connection",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	span.SetAttributes(
		attribute.String("collab.room_id", roomID),
		attribute.String("collab.user_id", sanitizeUserID(userID)),
	)

	c.connectionsActive.Add(ctx, 1, metric.WithAttributes(
		attribute.String("room_id", roomID),
	))

	return ctx, func(err error) {
		duration := time.Since(startTime)
		defer span.End()

		c.connectionsActive.Add(ctx, -1, metric.WithAttributes(
			attribute.String("room_id", roomID),
		))

		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())

			c.errorsTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("error_type", "connection_error"),
				attribute.String("room_id", roomID),
			))
		} else {
			span.SetStatus(codes.Ok, "Connection closed")
		}

		c.connectionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
			attribute.String("room_id", roomID),
			attribute.String("status", status),
		))
	}
}

// RecordMessage counts a processed inbound message and its size.
func (c *CollabTelemetry) RecordMessage(ctx context.Context, eventType, roomID string, sizeBytes int) {
	if c == nil {
		return
	}

	c.messagesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("room_id", roomID),
	))

	if sizeBytes > 0 {
		c.messageSize.Record(ctx, int64(sizeBytes), metric.WithAttributes(
			attribute.String("event_type", eventType),
		))
	}
}

// TraceBroadcast times a broadcast. The returned closure records the
// delivered and dropped recipient counts.
func (c *CollabTelemetry) TraceBroadcast(ctx context.Context, mode, roomID string, targetCount int) func(delivered, dropped int) {
	if c == nil {
		return func(int, int) {}
	}

	startTime := time.Now()

	ctx, span := c.tracer.Start(ctx, "collab.broadcast",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("collab.broadcast_mode", mode),
		attribute.String("collab.room_id", roomID),
		attribute.Int("collab.target_count", targetCount),
	)

	return func(delivered, dropped int) {
		duration := time.Since(startTime)
		defer span.End()

		if dropped > 0 {
			span.SetStatus(codes.Error, fmt.Sprintf("Broadcast dropped %d recipients", dropped))

			c.errorsTotal.Add(ctx, int64(dropped), metric.WithAttributes(
				attribute.String("error_type", "slow_consumer_drop"),
				attribute.String("room_id", roomID),
			))
		} else {
			span.SetStatus(codes.Ok, "Broadcast completed")
		}

		span.SetAttributes(
			attribute.Int("collab.delivered_count", delivered),
			attribute.Int("collab.dropped_count", dropped),
		)

		attrs := []attribute.KeyValue{
			attribute.String("broadcast_mode", mode),
			attribute.String("room_id", roomID),
		}
		c.broadcastsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
		c.broadcastDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
}

// RoomOpened increments the active room gauge.
func (c *CollabTelemetry) RoomOpened(ctx context.Context) {
	if c == nil {
		return
	}
	c.roomsActive.Add(ctx, 1)
}

// RoomClosed decrements the active room gauge.
func (c *CollabTelemetry) RoomClosed(ctx context.Context) {
	if c == nil {
		return
	}
	c.roomsActive.Add(ctx, -1)
}

// RecordLockContention counts a lock request denied because another user
// held the element.
func (c *CollabTelemetry) RecordLockContention(ctx context.Context, roomID string) {
	if c == nil {
		return
	}
	c.lockContention.Add(ctx, 1, metric.WithAttributes(
		attribute.String("room_id", roomID),
	))
}

// RecordPresenceTransition counts a presence status change.
func (c *CollabTelemetry) RecordPresenceTransition(ctx context.Context, from, to string) {
	if c == nil {
		return
	}
	c.presenceChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordError counts a collaboration error by type.
func (c *CollabTelemetry) RecordError(ctx context.Context, errorType, roomID string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error_type", errorType),
		attribute.String("room_id", roomID),
	))
}

func sanitizeUserID(userID string) string {
	if len(userID) <= 8 {
		return "[REDACTED]"
	}
	return userID[:4] + "***" + userID[len(userID)-4:]
}
