package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/frpbridge/internal/command"
	"github.com/loykin/frpbridge/internal/event"
	"github.com/loykin/frpbridge/internal/installer"
	"github.com/loykin/frpbridge/internal/metrics"
	"github.com/loykin/frpbridge/internal/node"
	"github.com/loykin/frpbridge/internal/store"
	"github.com/loykin/frpbridge/internal/synth"
)

// Router provides the embeddable HTTP surface of the bridge.
// Endpoints (relative to basePath):
//   POST /command                    body: command.Envelope
//   POST /query                      body: command.Envelope (read-only)
//   POST /start | /stop | /restart
//   GET  /status
//   GET  /config                     synthesized config text
//   POST /config/raw                 body: {content, restart}
//   GET  /proxies, POST /proxies
//   PUT  /proxies/:name, DELETE /proxies/:name
//   GET  /nodes, DELETE /nodes/:id
//   POST /nodes/:id/rpc              body: {action, payload, timeoutMs?}
//   POST /nodes/:id/notify           body: {action, payload}, fire-and-forget
//   POST /nodes/broadcast            body: {action, payload}
//   POST /nodes/sync                 body: {nodeId?}, push node.sync to one or all
//   GET  /nodes/ws                   agent websocket endpoint
//   GET  /events                     SSE stream
//   GET  /nodes/:id/tunnels/events   SSE stream of one node's tunnel table
//   GET  /install/check, POST /install
//   GET  /history
//   GET  /metrics

type Router struct {
	bus       *command.Bus
	events    *event.Broadcaster
	hub       *node.Hub
	registry  *node.Registry
	installer *installer.Installer
	history   *store.Store
	document  *synth.Document
	basePath  string
	heartbeat time.Duration
}

// Deps carries the collaborators the router exposes. Nil fields disable
// their endpoints with 503 rather than panicking.
type Deps struct {
	Bus       *command.Bus
	Events    *event.Broadcaster
	Hub       *node.Hub
	Registry  *node.Registry
	Installer *installer.Installer
	History   *store.Store
	Document  *synth.Document
}

func NewRouter(d Deps, basePath string) *Router {
	return &Router{
		bus:       d.Bus,
		events:    d.Events,
		hub:       d.Hub,
		registry:  d.Registry,
		installer: d.Installer,
		history:   d.History,
		document:  d.Document,
		basePath:  sanitizeBase(basePath),
		heartbeat: event.DefaultHeartbeat,
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)

	group.POST("/command", r.handleCommand)
	group.POST("/query", r.handleQuery)

	group.POST("/start", r.named("start"))
	group.POST("/stop", r.named("stop"))
	group.POST("/restart", r.named("restart"))
	group.GET("/status", r.handleStatus)

	group.GET("/config", r.handleConfigGet)
	group.POST("/config/raw", r.handleConfigRaw)

	group.GET("/proxies", r.handleProxyList)
	group.POST("/proxies", r.handleProxyAdd)
	group.PUT("/proxies/:name", r.handleProxyUpdate)
	group.DELETE("/proxies/:name", r.handleProxyRemove)

	group.GET("/nodes", r.handleNodeList)
	group.DELETE("/nodes/:id", r.handleNodeDelete)
	group.POST("/nodes/:id/rpc", r.handleNodeRPC)
	group.POST("/nodes/:id/notify", r.handleNodeNotify)
	group.POST("/nodes/broadcast", r.handleNodeBroadcast)
	group.POST("/nodes/sync", r.handleNodeSync)
	group.GET("/nodes/ws", r.handleNodeWS)

	group.GET("/events", r.handleEvents)
	group.GET("/nodes/:id/tunnels/events", r.handleNodeTunnelEvents)

	group.GET("/install/check", r.handleInstallCheck)
	group.POST("/install", r.handleInstall)

	group.GET("/history", r.handleHistory)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router. A
// non-nil tlsCfg switches the listener to HTTPS.
func NewServer(addr, basePath string, tlsCfg *tls.Config, d Deps) *http.Server {
	r := NewRouter(d, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if tlsCfg != nil {
			_ = server.ListenAndServeTLS("", "")
		} else {
			_ = server.ListenAndServe()
		}
	}()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

func writeResult(c *gin.Context, res command.Result) {
	code := http.StatusOK
	if res.Status != command.StatusOK {
		code = http.StatusBadRequest
	}
	writeJSON(c, code, res)
}

func (r *Router) handleCommand(c *gin.Context) {
	var env command.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	writeResult(c, r.bus.Execute(c.Request.Context(), env))
}

func (r *Router) handleQuery(c *gin.Context) {
	var env command.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	writeResult(c, r.bus.Query(c.Request.Context(), env))
}

// named adapts a fixed command name to a POST handler; the request body, if
// any, becomes the payload.
func (r *Router) named(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload json.RawMessage
		_ = c.ShouldBindJSON(&payload)
		writeResult(c, r.bus.Execute(c.Request.Context(), command.Envelope{Name: name, Payload: payload}))
	}
}

func (r *Router) handleStatus(c *gin.Context) {
	writeResult(c, r.bus.Query(c.Request.Context(), command.Envelope{Name: "queryProcess"}))
}

func (r *Router) handleConfigGet(c *gin.Context) {
	c.Data(http.StatusOK, "application/toml", r.document.Synthesize())
}

func (r *Router) handleConfigRaw(c *gin.Context) {
	var payload json.RawMessage
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	writeResult(c, r.bus.Execute(c.Request.Context(), command.Envelope{Name: "config.applyRaw", Payload: payload}))
}

func (r *Router) handleProxyList(c *gin.Context) {
	writeResult(c, r.bus.Query(c.Request.Context(), command.Envelope{Name: "proxy.list"}))
}

func (r *Router) handleProxyAdd(c *gin.Context) {
	var payload json.RawMessage
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	writeResult(c, r.bus.Execute(c.Request.Context(), command.Envelope{Name: "proxy.add", Payload: payload}))
}

func (r *Router) handleProxyUpdate(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid proxy name"})
		return
	}
	var entry synth.Entry
	if err := c.ShouldBindJSON(&entry); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	entry.Name = name
	payload, err := json.Marshal(entry)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeResult(c, r.bus.Execute(c.Request.Context(), command.Envelope{Name: "proxy.update", Payload: payload}))
}

func (r *Router) handleProxyRemove(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid proxy name"})
		return
	}
	payload, _ := json.Marshal(map[string]string{"name": name})
	writeResult(c, r.bus.Execute(c.Request.Context(), command.Envelope{Name: "proxy.remove", Payload: payload}))
}

func (r *Router) handleNodeList(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("pageSize", "20"))
	res := r.registry.List(node.ListOptions{
		Page:     page,
		PageSize: size,
		Status:   c.Query("status"),
		Search:   c.Query("search"),
	})
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleNodeDelete(c *gin.Context) {
	id := c.Param("id")
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid node id"})
		return
	}
	if !r.registry.Delete(c.Request.Context(), id) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "node not found"})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"deleted": id})
}

type rpcRequest struct {
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
}

func (r *Router) handleNodeRPC(c *gin.Context) {
	id := c.Param("id")
	var req rpcRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Action == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "action required"})
		return
	}
	out, err := r.hub.RPCCallTimeout(c.Request.Context(), id, req.Action, req.Payload,
		time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		code := http.StatusBadGateway
		switch {
		case errors.Is(err, node.ErrNotConnected):
			code = http.StatusNotFound
		case errors.Is(err, node.ErrTimeout):
			code = http.StatusGatewayTimeout
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"result": out})
}

func (r *Router) handleNodeNotify(c *gin.Context) {
	id := c.Param("id")
	var req rpcRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Action == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "action required"})
		return
	}
	if !r.hub.SendToNode(id, req.Action, req.Payload) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "node " + id + " not connected"})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"sent": true})
}

// handleNodeSync pushes a node.sync action so agents re-report their state.
// With a nodeId the push targets that node, otherwise every connected one.
func (r *Router) handleNodeSync(c *gin.Context) {
	var req struct {
		NodeID string `json:"nodeId,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	payload := map[string]any{"timestamp": time.Now().UnixMilli()}
	if req.NodeID != "" {
		if !r.hub.SendToNode(req.NodeID, "node.sync", payload) {
			writeJSON(c, http.StatusNotFound, errorResp{Error: "node " + req.NodeID + " not connected"})
			return
		}
		writeJSON(c, http.StatusOK, gin.H{"sent": true, "nodeId": req.NodeID})
		return
	}
	writeJSON(c, http.StatusOK, r.hub.Broadcast("node.sync", payload))
}

func (r *Router) handleNodeBroadcast(c *gin.Context) {
	var req rpcRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Action == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "action required"})
		return
	}
	writeJSON(c, http.StatusOK, r.hub.Broadcast(req.Action, req.Payload))
}

func (r *Router) handleNodeWS(c *gin.Context) {
	r.hub.HandleConnection(c.Writer, c.Request)
}

func (r *Router) handleInstallCheck(c *gin.Context) {
	if r.installer == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "installer not configured"})
		return
	}
	res, err := r.installer.Check(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, res)
}

// handleInstall kicks off an install in the background; progress arrives on
// the event stream.
func (r *Router) handleInstall(c *gin.Context) {
	if r.installer == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "installer not configured"})
		return
	}
	go func() { _ = r.installer.Install(context.Background()) }()
	writeJSON(c, http.StatusAccepted, gin.H{"started": true})
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.history == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "history not configured"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := r.history.History(c.Request.Context(), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, entries)
}
