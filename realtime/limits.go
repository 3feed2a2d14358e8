package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max bytes of an event payload accepted by Emit.
	maxEventPayloadBytes = 256 << 10

	maxEventNameLen   = 128
	maxTargetValueLen = 256
	maxRoomNameLen    = 128
)

const (
	defaultSendQueueSize      = 256
	defaultSubscriptionBuffer = 1024

	// Heartbeat defaults (can be overridden by env in ws_gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
