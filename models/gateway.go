package models

import (
	"time"
)

// HeartbeatSource tells where a gateway's last_seen value came from.
type HeartbeatSource string

const (
	// HeartbeatLive means the gateway was seen on the bus by this process.
	HeartbeatLive HeartbeatSource = "LIVE"
	// HeartbeatDB means last_seen was reseeded from recent telemetry rows.
	HeartbeatDB HeartbeatSource = "DB"
)

// GatewayHealth tracks the heartbeat state of a single gateway.
type GatewayHealth struct {
	MAC             string
	LastSeen        time.Time
	Source          HeartbeatSource
	LastSystemAlert time.Time // zero until the first GATEWAY OFFLINE alert
}
