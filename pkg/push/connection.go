package push

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	sendQueueSize = 32
	writeWait     = 10 * time.Second
)

// connection is one long-lived client stream, matching the
// read-pump/write-pump split of the websocket device-manager example
// that DESIGN.md cites for the Push Gateway.
type connection struct {
	id     string
	ws     *websocket.Conn
	send   chan OutboundFrame
	logger zerolog.Logger

	mu           sync.RWMutex
	siteID       string
	deviceID     string
	lastActivity time.Time
	alive        bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(id string, ws *websocket.Conn, logger zerolog.Logger) *connection {
	return &connection{
		id:           id,
		ws:           ws,
		send:         make(chan OutboundFrame, sendQueueSize),
		logger:       logger,
		lastActivity: time.Now(),
		alive:        true,
		closed:       make(chan struct{}),
	}
}

func (c *connection) scope() (siteID, deviceID string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.siteID, c.deviceID
}

func (c *connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *connection) idleSince() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

func (c *connection) applyScope(f inboundFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch f.Type {
	case inboundSubscribe:
		if f.SiteID != "" {
			c.siteID = f.SiteID
		}
		if f.DeviceID != "" {
			c.deviceID = f.DeviceID
		}
	case inboundUnsubscribe:
		if f.SiteID != "" && f.SiteID == c.siteID {
			c.siteID = ""
		}
		if f.DeviceID != "" && f.DeviceID == c.deviceID {
			c.deviceID = ""
		}
	}
}

// enqueue queues a frame for delivery without blocking the publisher's
// fan-out loop; a connection that cannot keep up is terminated rather
// than allowed to stall delivery to everyone else (spec §5).
func (c *connection) enqueue(frame OutboundFrame) {
	select {
	case c.send <- frame:
	default:
		c.logger.Warn().Str("connection_id", c.id).Msg("push client send queue full; terminating connection")
		c.terminate()
	}
}

func (c *connection) terminate() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.alive = false
		c.mu.Unlock()
		close(c.closed)
		_ = c.ws.Close()
	})
}

func (c *connection) isAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.alive
}
