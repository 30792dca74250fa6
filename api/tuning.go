package api

import (
	"time"

	"github.com/drawbridge-app/drawbridge/internal/config"
)

// Tuning groups the timing and buffer knobs for rooms and connections.
// Values come from the room and presence sections of the server config.
type Tuning struct {
	// Websocket keep-alive and write pacing
	PongWait        time.Duration
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	SendBufferSize  int

	// Room lifecycle
	EmptyGracePeriod  time.Duration
	InactivityTimeout time.Duration
	CleanupInterval   time.Duration

	// Presence sweep
	PresenceSweepInterval time.Duration
	PresenceIdleThreshold time.Duration
}

// DefaultTuning mirrors the configuration defaults for tests and tools.
func DefaultTuning() Tuning {
	return Tuning{
		PongWait:              60 * time.Second,
		PingInterval:          30 * time.Second,
		WriteTimeout:          10 * time.Second,
		MaxMessageBytes:       64 * 1024,
		SendBufferSize:        256,
		EmptyGracePeriod:      30 * time.Second,
		InactivityTimeout:     15 * time.Minute,
		CleanupInterval:       15 * time.Second,
		PresenceSweepInterval: 60 * time.Second,
		PresenceIdleThreshold: 5 * time.Minute,
	}
}

// TuningFromConfig adapts the loaded server configuration.
func TuningFromConfig(cfg *config.Config) Tuning {
	return Tuning{
		PongWait:              cfg.GetPongWait(),
		PingInterval:          cfg.GetPingInterval(),
		WriteTimeout:          cfg.GetWriteTimeout(),
		MaxMessageBytes:       cfg.Room.MaxMessageBytes,
		SendBufferSize:        cfg.Room.SendBufferSize,
		EmptyGracePeriod:      cfg.GetEmptyGracePeriod(),
		InactivityTimeout:     cfg.GetInactivityTimeout(),
		CleanupInterval:       cfg.GetCleanupInterval(),
		PresenceSweepInterval: cfg.GetSweepInterval(),
		PresenceIdleThreshold: cfg.GetIdleThreshold(),
	}
}
