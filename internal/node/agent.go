package node

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

// AgentHandler answers one named request from the hub.
type AgentHandler func(ctx context.Context, payload json.RawMessage) (any, error)

// Agent is the worker side of a hub connection. It dials the hub, registers
// itself, answers requests, and reconnects with exponential backoff when the
// link drops.
type Agent struct {
	ID   string
	Name string
	URL  string

	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]AgentHandler
	onEvent  func(action string, payload json.RawMessage)
	ws       *websocket.Conn
	writeMu  sync.Mutex
}

func NewAgent(id, name, url string, lg *slog.Logger) *Agent {
	if lg == nil {
		lg = slog.Default()
	}
	return &Agent{
		ID:       id,
		Name:     name,
		URL:      url,
		logger:   lg,
		handlers: make(map[string]AgentHandler),
	}
}

// Handle registers the handler for one request action.
func (a *Agent) Handle(action string, fn AgentHandler) {
	a.mu.Lock()
	a.handlers[action] = fn
	a.mu.Unlock()
}

// OnEvent sets the callback for one-way frames pushed by the hub.
func (a *Agent) OnEvent(fn func(action string, payload json.RawMessage)) {
	a.mu.Lock()
	a.onEvent = fn
	a.mu.Unlock()
}

// Run connects and serves until ctx is canceled. Each dropped connection is
// retried with jittered exponential backoff that resets after a successful
// session.
func (a *Agent) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Jitter: true}
	for {
		if err := a.session(ctx); err != nil {
			a.logger.Warn("hub session ended", "url", a.URL, "error", err)
		} else {
			b.Reset()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
}

func (a *Agent) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, a.URL, nil)
	if err != nil {
		return err
	}
	defer func() { _ = ws.Close() }()

	a.mu.Lock()
	a.ws = ws
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.ws = nil
		a.mu.Unlock()
	}()

	reg, err := json.Marshal(RegisterPayload{ID: a.ID, Name: a.Name})
	if err != nil {
		return err
	}
	if err := a.write(ws, Frame{Kind: KindRegister, Payload: reg}); err != nil {
		return err
	}
	a.logger.Info("registered with hub", "url", a.URL, "id", a.ID)

	// Close the socket when ctx ends so ReadJSON unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-done:
		}
	}()

	for {
		var f Frame
		if err := ws.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch f.Kind {
		case KindRequest:
			go a.answer(ctx, ws, f)
		case KindEvent:
			a.mu.RLock()
			fn := a.onEvent
			a.mu.RUnlock()
			if fn != nil {
				go fn(f.Action, f.Payload)
			}
		}
	}
}

func (a *Agent) answer(ctx context.Context, ws *websocket.Conn, req Frame) {
	a.mu.RLock()
	fn, ok := a.handlers[req.Action]
	a.mu.RUnlock()

	resp := Frame{Kind: KindResponse, ID: req.ID}
	if !ok {
		resp.Error = "unknown action " + req.Action
	} else if out, err := fn(ctx, req.Payload); err != nil {
		resp.Error = err.Error()
	} else if body, err := json.Marshal(out); err != nil {
		resp.Error = err.Error()
	} else {
		resp.Payload = body
	}
	if err := a.write(ws, resp); err != nil {
		a.logger.Warn("response write failed", "action", req.Action, "error", err)
	}
}

// PushEvent sends a one-way event frame to the hub. Dropped silently when
// disconnected; the hub rebuilds state on the next register.
func (a *Agent) PushEvent(action string, payload any) {
	a.mu.RLock()
	ws := a.ws
	a.mu.RUnlock()
	if ws == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := a.write(ws, Frame{Kind: KindEvent, Action: action, Payload: body}); err != nil {
		a.logger.Debug("event push failed", "action", action, "error", err)
	}
}

func (a *Agent) write(ws *websocket.Conn, f Frame) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return ws.WriteJSON(f)
}
