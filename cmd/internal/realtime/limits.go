package realtime

import "time"

const (
	// Feed clients only send control frames; keep reads small.
	maxFrameBytes = 4 << 10

	maxIssuerRefLen = 128
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection inbound limits (events per window).
	rateLimitEvents = 30
	rateLimitWindow = 10 * time.Second
)
