package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loykin/frpbridge/internal/event"
	"github.com/loykin/frpbridge/internal/metrics"
)

// DefaultRPCTimeout bounds how long a hub-to-node call waits for its
// response frame.
const DefaultRPCTimeout = 10 * time.Second

var (
	// ErrNotConnected means the node has no live connection right now.
	ErrNotConnected = errors.New("node not connected")
	// ErrTimeout means the node is connected but did not answer in time.
	ErrTimeout = errors.New("rpc timed out")
)

// Hub accepts agent websocket connections, correlates request and response
// frames, and forwards agent events into the broadcaster.
type Hub struct {
	registry   *Registry
	events     *event.Broadcaster
	logger     *slog.Logger
	rpcTimeout time.Duration
	upgrader   websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*nodeConn
}

type nodeConn struct {
	id string
	ws *websocket.Conn

	writeMu sync.Mutex // gorilla allows one concurrent writer

	pendingMu sync.Mutex
	pending   map[string]chan Frame
}

func NewHub(registry *Registry, events *event.Broadcaster, lg *slog.Logger) *Hub {
	if lg == nil {
		lg = slog.Default()
	}
	h := &Hub{
		registry:   registry,
		events:     events,
		logger:     lg,
		rpcTimeout: DefaultRPCTimeout,
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:      make(map[string]*nodeConn),
	}
	if registry != nil {
		registry.SetOnlineSource(h.Connected)
	}
	return h
}

// SetRPCTimeout overrides the per-call response deadline.
func (h *Hub) SetRPCTimeout(d time.Duration) {
	if d > 0 {
		h.rpcTimeout = d
	}
}

// HandleConnection upgrades the request and services the agent until it
// disconnects. The first frame must be a register frame.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer func() { _ = ws.Close() }()

	var hello Frame
	if err := ws.ReadJSON(&hello); err != nil || hello.Kind != KindRegister {
		h.logger.Warn("connection did not register", "remote", r.RemoteAddr)
		return
	}
	var reg RegisterPayload
	if err := json.Unmarshal(hello.Payload, &reg); err != nil || reg.ID == "" {
		h.logger.Warn("bad register payload", "remote", r.RemoteAddr)
		return
	}

	conn := &nodeConn{id: reg.ID, ws: ws, pending: make(map[string]chan Frame)}
	h.mu.Lock()
	if old, ok := h.conns[reg.ID]; ok {
		_ = old.ws.Close()
	}
	h.conns[reg.ID] = conn
	h.mu.Unlock()

	n := h.registry.Upsert(r.Context(), reg.ID, reg.Name, r.RemoteAddr)
	h.logger.Info("node connected", "node", reg.ID, "name", reg.Name, "remote", r.RemoteAddr)
	h.events.Publish(event.New(event.TypeStatus, map[string]any{
		"nodeId": n.ID, "online": true, "connectedAt": n.ConnectedAt,
	}))

	h.readLoop(r.Context(), conn)

	h.mu.Lock()
	if h.conns[reg.ID] == conn {
		delete(h.conns, reg.ID)
	}
	h.mu.Unlock()
	conn.failPending(ErrNotConnected)
	h.logger.Info("node disconnected", "node", reg.ID)
	h.events.Publish(event.New(event.TypeStatus, map[string]any{
		"nodeId": reg.ID, "online": false,
	}))
}

func (h *Hub) readLoop(ctx context.Context, c *nodeConn) {
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			return
		}
		h.registry.Touch(ctx, c.id)
		switch f.Kind {
		case KindResponse:
			c.deliver(f)
		case KindEvent:
			h.forwardEvent(c.id, f)
		default:
			h.logger.Debug("unexpected frame from node", "node", c.id, "kind", f.Kind)
		}
	}
}

// forwardEvent republishes an agent event with the node id attached.
func (h *Hub) forwardEvent(nodeID string, f Frame) {
	h.events.Publish(event.New(event.Type(f.Action), map[string]any{
		"nodeId":  nodeID,
		"payload": json.RawMessage(f.Payload),
	}))
}

// RPCCall sends a request frame to one node and waits for the matching
// response. Not-connected and timed-out are distinct errors so callers can
// tell a dead node from a slow one.
func (h *Hub) RPCCall(ctx context.Context, nodeID, action string, payload any) (json.RawMessage, error) {
	return h.RPCCallTimeout(ctx, nodeID, action, payload, h.rpcTimeout)
}

// RPCCallTimeout is RPCCall with a per-call response deadline. A zero or
// negative timeout falls back to the hub-wide default.
func (h *Hub) RPCCallTimeout(ctx context.Context, nodeID, action string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = h.rpcTimeout
	}
	h.mu.RLock()
	c, ok := h.conns[nodeID]
	h.mu.RUnlock()
	if !ok {
		metrics.IncRPC("not_connected")
		return nil, fmt.Errorf("node %q: %w", nodeID, ErrNotConnected)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	ch := make(chan Frame, 1)
	c.addPending(id, ch)
	defer c.removePending(id)

	if err := c.write(Frame{Kind: KindRequest, ID: id, Action: action, Payload: body}); err != nil {
		metrics.IncRPC("write_error")
		return nil, fmt.Errorf("node %q: %w", nodeID, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != "" {
			metrics.IncRPC("remote_error")
			return nil, fmt.Errorf("node %q: %s", nodeID, resp.Error)
		}
		metrics.IncRPC("ok")
		return resp.Payload, nil
	case <-timer.C:
		metrics.IncRPC("timeout")
		return nil, fmt.Errorf("node %q action %q: %w", nodeID, action, ErrTimeout)
	case <-ctx.Done():
		metrics.IncRPC("canceled")
		return nil, ctx.Err()
	}
}

// SendToNode pushes a one-way event frame. Reports whether the node had a
// live connection to push to.
func (h *Hub) SendToNode(nodeID, action string, payload any) bool {
	h.mu.RLock()
	c, ok := h.conns[nodeID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	return c.write(Frame{Kind: KindEvent, Action: action, Payload: body}) == nil
}

// BroadcastResult reports which nodes a broadcast reached.
type BroadcastResult struct {
	Sent   []string          `json:"sent"`
	Failed map[string]string `json:"failed,omitempty"`
}

// Broadcast pushes a one-way frame to every connected node. A failed node is
// recorded and the rest still get the frame.
func (h *Hub) Broadcast(action string, payload any) BroadcastResult {
	body, err := json.Marshal(payload)
	res := BroadcastResult{Failed: make(map[string]string)}
	if err != nil {
		res.Failed["*"] = err.Error()
		return res
	}

	h.mu.RLock()
	conns := make([]*nodeConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.write(Frame{Kind: KindEvent, Action: action, Payload: body}); err != nil {
			res.Failed[c.id] = err.Error()
			continue
		}
		res.Sent = append(res.Sent, c.id)
	}
	if len(res.Failed) == 0 {
		res.Failed = nil
	}
	return res
}

// Connected reports whether the node currently has a live connection.
func (h *Hub) Connected(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[nodeID]
	return ok
}

func (c *nodeConn) write(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(f)
}

func (c *nodeConn) addPending(id string, ch chan Frame) {
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
}

func (c *nodeConn) removePending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *nodeConn) deliver(f Frame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[f.ID]
	c.pendingMu.Unlock()
	if ok {
		select {
		case ch <- f:
		default:
		}
	}
}

// failPending unblocks callers waiting on a connection that just died.
func (c *nodeConn) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- Frame{Kind: KindResponse, ID: id, Error: err.Error()}:
		default:
		}
		delete(c.pending, id)
	}
}
