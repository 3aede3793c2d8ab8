package config

import (
	"strings"
	"time"
)

// ChatConfig carries the tunables of the messaging core: message validation
// limits, session timeouts and queue sizes, presence liveness, store retry
// policy, outbox draining and attachment size limits.  Every value has a
// default and may be overridden through the environment.
type ChatConfig struct {
	MaxMessageLength int
	AllowedKinds     map[string]bool

	OutboundQueue     int
	MaxFrameBytes     int64
	HandshakeTimeout  time.Duration
	IdleTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxInvalidFrames  int
	TokenEnforceEvery time.Duration

	LivenessHorizon time.Duration
	SweepInterval   time.Duration

	StoreTimeout     time.Duration
	StoreMaxAttempts int

	OutboxInterval time.Duration
	OutboxGrace    time.Duration
	OutboxBatch    int

	AttachmentMaxBytes map[string]int64
}

// LoadChatConfig reads CHAT-related environment variables.  Kinds are
// lower-cased; invalid durations fall back to defaults.
func LoadChatConfig() ChatConfig {
	return ChatConfig{
		MaxMessageLength: envInt("MAX_MESSAGE_LENGTH", 5000),
		AllowedKinds:     parseKinds(envStr("ALLOWED_MESSAGE_KINDS", "text,image,file,audio,video")),

		OutboundQueue:     envInt("SESSION_OUTBOUND_QUEUE", 256),
		MaxFrameBytes:     envInt64("SESSION_MAX_FRAME_BYTES", 64*1024),
		HandshakeTimeout:  envDur("SESSION_HANDSHAKE_TIMEOUT", 10*time.Second),
		IdleTimeout:       envDur("SESSION_IDLE_TIMEOUT", 120*time.Second),
		WriteTimeout:      envDur("SESSION_WRITE_TIMEOUT", 30*time.Second),
		MaxInvalidFrames:  envInt("SESSION_MAX_INVALID_FRAMES", 5),
		TokenEnforceEvery: envDur("TOKEN_ENFORCE_INTERVAL", 15*time.Second),

		LivenessHorizon: envDur("PRESENCE_LIVENESS_HORIZON", 90*time.Second),
		SweepInterval:   envDur("PRESENCE_SWEEP_INTERVAL", 30*time.Second),

		StoreTimeout:     envDur("STORE_TIMEOUT", 5*time.Second),
		StoreMaxAttempts: envInt("STORE_MAX_ATTEMPTS", 3),

		OutboxInterval: envDur("OUTBOX_INTERVAL", time.Second),
		OutboxGrace:    envDur("OUTBOX_GRACE", 10*time.Second),
		OutboxBatch:    envInt("OUTBOX_BATCH", 100),

		AttachmentMaxBytes: map[string]int64{
			"image":    envInt64("ATTACH_MAX_IMAGE", 50<<20),
			"audio":    envInt64("ATTACH_MAX_AUDIO", 100<<20),
			"video":    envInt64("ATTACH_MAX_VIDEO", 500<<20),
			"document": envInt64("ATTACH_MAX_DOCUMENT", 50<<20),
		},
	}
}

// DefaultChatConfig returns the defaults without consulting the environment.
// Tests and the in-memory development mode start from it.
func DefaultChatConfig() ChatConfig {
	return ChatConfig{
		MaxMessageLength:   5000,
		AllowedKinds:       parseKinds("text,image,file,audio,video"),
		OutboundQueue:      256,
		MaxFrameBytes:      64 * 1024,
		HandshakeTimeout:   10 * time.Second,
		IdleTimeout:        120 * time.Second,
		WriteTimeout:       30 * time.Second,
		MaxInvalidFrames:   5,
		TokenEnforceEvery:  15 * time.Second,
		LivenessHorizon:    90 * time.Second,
		SweepInterval:      30 * time.Second,
		StoreTimeout:       5 * time.Second,
		StoreMaxAttempts:   3,
		OutboxInterval:     time.Second,
		OutboxGrace:        10 * time.Second,
		OutboxBatch:        100,
		AttachmentMaxBytes: map[string]int64{"image": 50 << 20, "audio": 100 << 20, "video": 500 << 20, "document": 50 << 20},
	}
}

func parseKinds(s string) map[string]bool {
	m := map[string]bool{}
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(strings.ToLower(p))
		if p != "" {
			m[p] = true
		}
	}
	return m
}
