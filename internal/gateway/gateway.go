// Package gateway exposes the orchestrator over HTTP and pushes bus
// signals to WebSocket-connected dashboard widgets.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/meterboard/telemetry/internal/orchestrator"
	"github.com/meterboard/telemetry/internal/telemetry"
	"github.com/meterboard/telemetry/pkg/bus"
	"github.com/meterboard/telemetry/pkg/signals"
)

// Gateway is the HTTP/WebSocket surface.
type Gateway struct {
	router *gin.Engine
	orch   *orchestrator.Orchestrator
	bus    *bus.Bus
	log    *slog.Logger

	upgrader websocket.Upgrader

	wsMu      sync.RWMutex
	wsClients map[uuid.UUID]*wsClient
}

// wsClient is one connected dashboard context.
type wsClient struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// New builds a gateway and registers it as a bus transport so every
// outbound signal reaches connected clients.
func New(orch *orchestrator.Orchestrator, b *bus.Bus, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	g := &Gateway{
		router: gin.New(),
		orch:   orch,
		bus:    b,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		wsClients: make(map[uuid.UUID]*wsClient),
	}
	g.router.Use(gin.Recovery())
	g.setupRoutes()
	b.AddTransport(g)
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.GET("/health", g.health)

	v1 := g.router.Group("/api/v1")
	{
		v1.POST("/credentials", g.setCredentials)
		v1.PUT("/period", g.updatePeriod)
		v1.POST("/domains/:domain/hydrate", g.hydrate)
		v1.GET("/domains/:domain/data", g.latestData)
		v1.POST("/domains/:domain/clear", g.clear)
		v1.POST("/widgets", g.registerWidget)
		v1.GET("/stats", g.stats)
		v1.GET("/ws", g.handleWebSocket)
	}
}

// Handler returns the http handler for the server.
func (g *Gateway) Handler() http.Handler { return g.router }

func (g *Gateway) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "busy": g.orch.Busy().Visible()})
}

type credentialsReq struct {
	CustomerID   string `json:"customer_id" binding:"required"`
	ClientID     string `json:"client_id" binding:"required"`
	ClientSecret string `json:"client_secret" binding:"required"`
}

func (g *Gateway) setCredentials(c *gin.Context) {
	var req credentialsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	g.orch.SetCredentials(req.CustomerID, req.ClientID, req.ClientSecret)
	c.JSON(http.StatusOK, gin.H{"status": "configured"})
}

func (g *Gateway) updatePeriod(c *gin.Context) {
	var req signals.UpdatePeriod
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	period, err := telemetry.NewPeriod(req.Start, req.End)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	period.Granularity = req.Granularity
	period.Timezone = req.Timezone
	g.orch.UpdatePeriod(c.Request.Context(), period)
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (g *Gateway) hydrate(c *gin.Context) {
	domain := telemetry.Domain(c.Param("domain"))
	period, err := telemetry.NewPeriod(c.Query("startTime"), c.Query("endTime"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	items, err := g.orch.RequestData(c.Request.Context(), domain, period, c.Query("widgetId"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"domain": domain,
		"period": period.Key(),
		"items":  telemetry.ToSignal(items),
	})
}

func (g *Gateway) latestData(c *gin.Context) {
	latest, ok := g.bus.Latest(c.Param("domain"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no data yet"})
		return
	}
	c.JSON(http.StatusOK, latest)
}

func (g *Gateway) clear(c *gin.Context) {
	domain := telemetry.Domain(c.Param("domain"))
	g.orch.Clear(c.Request.Context(), domain)
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

type widgetReq struct {
	WidgetID string `json:"widget_id" binding:"required"`
	Domain   string `json:"domain" binding:"required"`
}

func (g *Gateway) registerWidget(c *gin.Context) {
	var req widgetReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	reg := g.orch.RegisterWidget(req.WidgetID, telemetry.Domain(req.Domain))
	c.JSON(http.StatusOK, gin.H{"widget_id": reg.WidgetID, "priority": reg.Priority})
}

func (g *Gateway) stats(c *gin.Context) {
	c.JSON(http.StatusOK, g.orch.Metrics().Snapshot())
}

// handleWebSocket upgrades a connection and streams outbound signals
// to it until the peer goes away.
func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}

	g.wsMu.Lock()
	g.wsClients[client.id] = client
	g.wsMu.Unlock()

	defer func() {
		g.wsMu.Lock()
		delete(g.wsClients, client.id)
		g.wsMu.Unlock()
		conn.Close()
	}()

	// Reader: inbound envelopes from embedded contexts are republished
	// on the bus; read errors end the session.
	go func() {
		defer close(client.done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env signals.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				g.log.Warn("dropping undecodable websocket envelope", "error", err)
				continue
			}
			g.bus.Publish(env.Signal, &env)
		}
	}()

	for {
		select {
		case msg := <-client.send:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-client.done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

// Deliver implements bus.Transport: fan an envelope out to every
// connected client, dropping for clients whose send buffer is full.
func (g *Gateway) Deliver(env *signals.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}

	g.wsMu.RLock()
	defer g.wsMu.RUnlock()
	for _, client := range g.wsClients {
		select {
		case client.send <- payload:
		case <-client.done:
		default:
			g.log.Warn("dropping signal for slow websocket client", "client", client.id)
		}
	}
	return nil
}

// Ready implements bus.Transport. The gateway can always accept
// deliveries; with no clients connected they are simply no-ops.
func (g *Gateway) Ready() bool { return true }
