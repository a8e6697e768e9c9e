package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/frpbridge/internal/command"
	"github.com/loykin/frpbridge/internal/event"
)

// tunnelPollInterval is how often a tunnel SSE connection re-asks its node.
const tunnelPollInterval = 10 * time.Second

func sseHeaders(c *gin.Context) http.Flusher {
	fl, ok := c.Writer.(http.Flusher)
	if !ok {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: "streaming unsupported"})
		return nil
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	return fl
}

func writeSSE(c *gin.Context, fl http.Flusher, ev event.Event) bool {
	b, err := json.Marshal(ev)
	if err != nil {
		return true
	}
	if _, err := c.Writer.Write([]byte("data: ")); err != nil {
		return false
	}
	if _, err := c.Writer.Write(b); err != nil {
		return false
	}
	if _, err := c.Writer.Write([]byte("\n\n")); err != nil {
		return false
	}
	fl.Flush()
	return true
}

// handleEvents streams the broadcast feed. The first frame is a status
// snapshot so a late subscriber does not start blind; heartbeats arrive on
// the feed itself.
func (r *Router) handleEvents(c *gin.Context) {
	fl := sseHeaders(c)
	if fl == nil {
		return
	}

	status := r.bus.Query(c.Request.Context(), command.Envelope{Name: "queryProcess"})
	if !writeSSE(c, fl, event.New(event.TypeStatus, status.Result)) {
		return
	}

	ctx := c.Request.Context()
	ch, _ := r.events.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !writeSSE(c, fl, ev) {
				return
			}
		}
	}
}

// handleNodeTunnelEvents polls one node's tunnel table over the hub and
// streams a frame only when the table changed since the last poll. Poll
// failures are silent; the node may simply be between reconnects.
func (r *Router) handleNodeTunnelEvents(c *gin.Context) {
	id := c.Param("id")
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid node id"})
		return
	}
	fl := sseHeaders(c)
	if fl == nil {
		return
	}

	ctx := c.Request.Context()
	var last json.RawMessage
	poll := func() bool {
		out, err := r.hub.RPCCall(ctx, id, "tunnel.list", nil)
		if err != nil {
			return true
		}
		if bytes.Equal(out, last) {
			return true
		}
		last = out
		return writeSSE(c, fl, event.New(event.TypeTunnelList, out))
	}

	if !poll() {
		return
	}
	ticker := time.NewTicker(tunnelPollInterval)
	defer ticker.Stop()
	// Heartbeats keep the connection alive through idle-timeout proxies
	// when the tunnel table does not change for a while.
	heartbeat := time.NewTicker(r.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !poll() {
				return
			}
		case <-heartbeat.C:
			if !writeSSE(c, fl, event.New(event.TypeHeartbeat, nil)) {
				return
			}
		}
	}
}
