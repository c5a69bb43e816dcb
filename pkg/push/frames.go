package push

import "time"

// Outbound frame types (spec §4.7).
const (
	FrameConnected               = "connected"
	FrameSubscribed              = "subscribed"
	FrameUnsubscribed            = "unsubscribed"
	FrameEnergyReading            = "energyReading"
	FrameDeviceReading            = "deviceReading"
	FrameOptimizationRecommendation = "optimizationRecommendation"
	FrameDeviceCommand            = "deviceCommand"
	FrameError                    = "error"
	FramePong                     = "pong"
)

// OutboundFrame is the envelope sent to a connected client.
type OutboundFrame struct {
	Type         string    `json:"type"`
	Data         any       `json:"data,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	ConnectionID string    `json:"connectionId,omitempty"`
}

// inboundFrame is the small JSON control frame a client may send.
type inboundFrame struct {
	Type     string `json:"type"`
	SiteID   string `json:"siteId,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
}

const (
	inboundSubscribe   = "subscribe"
	inboundUnsubscribe = "unsubscribe"
	inboundPing        = "ping"
)
