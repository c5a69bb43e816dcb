// Package push implements the Real-time Push Gateway (spec §4.7): a
// websocket endpoint external clients use to subscribe to a site/device
// scope and receive bus messages fanned out as they're published.
package push

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cuemby/derconn/pkg/bus"
	"github.com/cuemby/derconn/pkg/log"
	"github.com/cuemby/derconn/pkg/metrics"
	"github.com/cuemby/derconn/pkg/registry"
	"github.com/cuemby/derconn/internal/telemetry"
)

const (
	defaultPingInterval  = 30 * time.Second
	defaultSweepInterval = 60 * time.Second
	pongWait             = defaultPingInterval + 10*time.Second
)

// Gateway fans out bus messages to subscribed websocket clients.
type Gateway struct {
	bus      *bus.Broker
	registry registry.Lookup
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	pingInterval  time.Duration
	sweepInterval time.Duration

	mu          sync.RWMutex
	connections map[string]*connection

	subs []bus.SubscriptionHandle

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New constructs a Gateway, subscribing to the four bus topics whose
// messages it forwards (site energy readings, device telemetry, command
// responses and device status), and starts its liveness sweep goroutine. reg may be nil if no
// Device Registry is wired (deviceCommand cross-site fan-out then only
// matches connections scoped directly by deviceId).
func New(b *bus.Broker, reg registry.Lookup) *Gateway {
	g := &Gateway{
		bus:           b,
		registry:      reg,
		upgrader:      websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		logger:        log.WithComponent("push"),
		pingInterval:  defaultPingInterval,
		sweepInterval: defaultSweepInterval,
		connections:   make(map[string]*connection),
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}

	g.subs = append(g.subs,
		b.Subscribe("sites/+/energy/readings", g.onEnergyReading),
		b.Subscribe("devices/+/telemetry", g.onDeviceReading),
		b.Subscribe("devices/+/commands/response", g.onDeviceCommand),
		b.Subscribe("devices/+/status", g.onStatus),
	)

	go g.sweepLoop()
	return g
}

// Close stops the sweep loop and unsubscribes from the bus; existing
// connections are left to close on their own read/write errors.
func (g *Gateway) Close() {
	close(g.stopSweep)
	<-g.sweepDone
	for _, h := range g.subs {
		g.bus.Unsubscribe(h)
	}
}

// ConnectionCount returns the number of currently tracked connections.
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.connections)
}

// ServeHTTP upgrades the request to a websocket and begins servicing it
// at the /ws endpoint (spec §6).
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	g.Accept(ws)
}

// Accept registers an already-upgraded websocket connection and starts
// its pumps; split out from ServeHTTP so tests can drive it directly
// against an in-process websocket pair.
func (g *Gateway) Accept(ws *websocket.Conn) *connection {
	id := uuid.NewString()
	c := newConnection(id, ws, log.WithComponent("push").With().Str("connection_id", id).Logger())

	g.mu.Lock()
	g.connections[id] = c
	g.mu.Unlock()
	metrics.PushConnectionsActive.Inc()

	c.enqueue(OutboundFrame{Type: FrameConnected, ConnectionID: id, Timestamp: time.Now()})

	go g.writePump(c)
	go g.readPump(c)
	return c
}

func (g *Gateway) remove(c *connection) {
	g.mu.Lock()
	_, ok := g.connections[c.id]
	if ok {
		delete(g.connections, c.id)
	}
	g.mu.Unlock()
	if ok {
		c.terminate()
		metrics.PushConnectionsActive.Dec()
		metrics.PushConnectionsTerminatedTotal.WithLabelValues("closed").Inc()
	}
}

func (g *Gateway) readPump(c *connection) {
	defer g.remove(c)

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.touch()
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var f inboundFrame
		if err := c.ws.ReadJSON(&f); err != nil {
			return
		}
		c.touch()

		switch f.Type {
		case inboundSubscribe:
			c.applyScope(f)
			c.enqueue(OutboundFrame{Type: FrameSubscribed, Data: f, Timestamp: time.Now()})
		case inboundUnsubscribe:
			c.applyScope(f)
			c.enqueue(OutboundFrame{Type: FrameUnsubscribed, Data: f, Timestamp: time.Now()})
		case inboundPing:
			c.enqueue(OutboundFrame{Type: FramePong, Timestamp: time.Now()})
		default:
			g.logger.Debug().Str("frame_type", f.Type).Msg("ignoring unrecognized control frame")
		}
	}
}

func (g *Gateway) writePump(c *connection) {
	ticker := time.NewTicker(g.pingInterval)
	defer ticker.Stop()
	defer g.remove(c)

	for {
		select {
		case <-c.closed:
			return
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(frame); err != nil {
				return
			}
			metrics.PushForwardedTotal.WithLabelValues(frame.Type).Inc()
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) sweepLoop() {
	defer close(g.sweepDone)
	ticker := time.NewTicker(g.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopSweep:
			return
		case <-ticker.C:
			g.sweepIdle()
		}
	}
}

// sweepIdle removes connections whose lastActivity predates two sweep
// intervals (spec §4.7), a secondary safety net alongside ping/pong.
func (g *Gateway) sweepIdle() {
	cutoff := time.Now().Add(-2 * g.sweepInterval)
	g.mu.RLock()
	stale := make([]*connection, 0)
	for _, c := range g.connections {
		if c.idleSince().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	g.mu.RUnlock()

	for _, c := range stale {
		g.remove(c)
	}
}

func (g *Gateway) onEnergyReading(msg *bus.Message) { g.fanOut(msg, FrameEnergyReading, siteFromTopic(msg.Topic)) }

func (g *Gateway) onDeviceReading(msg *bus.Message) { g.fanOut(msg, FrameDeviceReading, "") }

func (g *Gateway) onDeviceCommand(msg *bus.Message) { g.fanOut(msg, FrameDeviceCommand, "") }

// onStatus forwards only error-status envelopes, per spec §7's
// "error envelopes ... only when scope matches" rule; online/offline
// status transitions are not part of the outbound frame-type enum.
func (g *Gateway) onStatus(msg *bus.Message) {
	body, ok := msg.Body.(telemetry.StatusBody)
	if !ok || body.Status != telemetry.StatusError {
		return
	}
	g.fanOut(msg, FrameError, "")
}

// fanOut iterates the connection table under a read lock just long
// enough to take a snapshot, then sends outside the lock (release-then-
// send, spec §5) so one slow client can never stall delivery to others.
func (g *Gateway) fanOut(msg *bus.Message, frameType string, siteHint string) {
	g.mu.RLock()
	snapshot := make([]*connection, 0, len(g.connections))
	for _, c := range g.connections {
		snapshot = append(snapshot, c)
	}
	g.mu.RUnlock()

	frame := OutboundFrame{Type: frameType, Data: msg.Body, Timestamp: msg.Timestamp}

	for _, c := range snapshot {
		if g.scopeMatches(c, msg.DeviceID, siteHint) {
			c.enqueue(frame)
		}
	}
}

func (g *Gateway) scopeMatches(c *connection, deviceID, siteHint string) bool {
	siteID, scopedDeviceID := c.scope()
	if siteID == "" && scopedDeviceID == "" {
		return false
	}
	if scopedDeviceID != "" && scopedDeviceID == deviceID {
		return true
	}
	if siteID != "" && siteHint != "" && siteID == siteHint {
		return true
	}
	if siteID != "" && deviceID != "" && g.registry != nil {
		if dev, ok, err := g.registry.Get(context.Background(), deviceID); err == nil && ok && dev.SiteID == siteID {
			return true
		}
	}
	return false
}

// siteFromTopic extracts the siteId token from a "sites/<id>/..." topic.
func siteFromTopic(topic string) string {
	const prefix = "sites/"
	if len(topic) <= len(prefix) || topic[:len(prefix)] != prefix {
		return ""
	}
	rest := topic[len(prefix):]
	for i, r := range rest {
		if r == '/' {
			return rest[:i]
		}
	}
	return rest
}
