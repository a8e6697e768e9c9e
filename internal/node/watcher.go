package node

import (
	"context"
	"log/slog"
	"reflect"
	"sort"
	"time"

	"github.com/loykin/frpbridge/internal/event"
)

// DefaultPollInterval is how often the watcher re-reads the tunnel table.
const DefaultPollInterval = 10 * time.Second

// Tunnel is one live proxy as reported by the frp stats surface.
type Tunnel struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Status     string `json:"status"`
	LocalAddr  string `json:"localAddr,omitempty"`
	RemotePort int    `json:"remotePort,omitempty"`
	Conns      int64  `json:"conns"`
	TrafficIn  int64  `json:"trafficIn"`
	TrafficOut int64  `json:"trafficOut"`
}

// FetchFunc reads the current tunnel table.
type FetchFunc func(ctx context.Context) ([]Tunnel, error)

// TunnelWatcher polls the tunnel table and publishes a tunnel list event
// only when the table actually changed since the last poll.
type TunnelWatcher struct {
	fetch    FetchFunc
	events   *event.Broadcaster
	logger   *slog.Logger
	interval time.Duration

	last []Tunnel
}

func NewTunnelWatcher(fetch FetchFunc, events *event.Broadcaster, lg *slog.Logger) *TunnelWatcher {
	if lg == nil {
		lg = slog.Default()
	}
	return &TunnelWatcher{
		fetch:    fetch,
		events:   events,
		logger:   lg,
		interval: DefaultPollInterval,
	}
}

// SetInterval overrides the poll period.
func (w *TunnelWatcher) SetInterval(d time.Duration) {
	if d > 0 {
		w.interval = d
	}
}

// Run polls until ctx is canceled. Fetch errors are logged and the previous
// snapshot is kept, so a flapping stats endpoint does not spam subscribers.
func (w *TunnelWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *TunnelWatcher) poll(ctx context.Context) {
	tunnels, err := w.fetch(ctx)
	if err != nil {
		w.logger.Debug("tunnel fetch failed", "error", err)
		return
	}
	sort.Slice(tunnels, func(i, j int) bool { return tunnels[i].Name < tunnels[j].Name })
	if reflect.DeepEqual(tunnels, w.last) {
		return
	}
	w.last = tunnels
	w.events.Publish(event.New(event.TypeTunnelList, map[string]any{
		"tunnels": tunnels,
		"count":   len(tunnels),
	}))
}
