// Package frpbridge supervises an frp binary, synthesizes its configuration
// and fans lifecycle events out to subscribers. This file is the public
// facade; the moving parts live under internal/.
package frpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/frpbridge/internal/command"
	cfg "github.com/loykin/frpbridge/internal/config"
	"github.com/loykin/frpbridge/internal/event"
	"github.com/loykin/frpbridge/internal/installer"
	"github.com/loykin/frpbridge/internal/logger"
	"github.com/loykin/frpbridge/internal/metrics"
	"github.com/loykin/frpbridge/internal/node"
	"github.com/loykin/frpbridge/internal/process"
	iapi "github.com/loykin/frpbridge/internal/server"
	"github.com/loykin/frpbridge/internal/statsapi"
	"github.com/loykin/frpbridge/internal/storage"
	"github.com/loykin/frpbridge/internal/store"
	"github.com/loykin/frpbridge/internal/synth"
	apitls "github.com/loykin/frpbridge/internal/tls"
)

// Re-export core types for external consumers.

type Config = cfg.FileConfig

type Event = event.Event

type ProxyEntry = synth.Entry

type Role = synth.Role

const (
	RoleServer = synth.RoleServer
	RoleClient = synth.RoleClient
)

// LoadConfig reads the daemon TOML settings file.
func LoadConfig(path string) (Config, error) { return cfg.Load(path) }

// Bridge owns one supervised frp process and everything around it. The role
// can change at runtime through Reconfigure, which swaps the supervisor and
// config document as a unit.
type Bridge struct {
	mu     sync.Mutex
	cfg    Config
	logger *slog.Logger

	storage  *storage.Store
	db       *store.Store
	events   *event.Broadcaster
	registry *node.Registry
	hub      *node.Hub
	install  *installer.Installer

	role       Role
	document   *synth.Document
	supervisor *process.Supervisor
	bus        *command.Bus

	watchCancel context.CancelFunc
	agentCancel context.CancelFunc
	httpSrv     *http.Server
}

// New assembles a bridge from settings. The role comes from storage when one
// was recorded, otherwise from the settings file.
func New(c Config, lg *slog.Logger) (*Bridge, error) {
	if lg == nil {
		lg = logger.New(c.LogLevel, false)
	}
	if err := os.MkdirAll(c.WorkDir, 0o750); err != nil {
		return nil, fmt.Errorf("workdir: %w", err)
	}

	st := storage.New(filepath.Join(c.WorkDir, "storages"))
	mode := st.Mode()
	if mode == "" {
		mode = c.Mode
	}

	db, err := store.Open(c.StorePath)
	if err != nil {
		return nil, err
	}

	hb := event.DefaultHeartbeat
	if c.Heartbeat > 0 {
		hb = c.Heartbeat
	}
	events := event.NewBroadcaster(lg, hb)

	registry := node.NewRegistry(db)
	if err := registry.Restore(context.Background()); err != nil {
		lg.Warn("node restore failed", "error", err)
	}
	hub := node.NewHub(registry, events, lg)
	if c.RPCTimeout > 0 {
		hub.SetRPCTimeout(c.RPCTimeout)
	}

	b := &Bridge{
		cfg:      c,
		logger:   lg,
		storage:  st,
		db:       db,
		events:   events,
		registry: registry,
		hub:      hub,
		install:  installer.New(c.BinDir, st, events, lg),
	}
	b.configure(synth.ParseRole(mode))
	return b, nil
}

// configure builds the role-bound parts. Caller holds b.mu or is the
// constructor.
func (b *Bridge) configure(role Role) {
	doc := synth.NewDocument(role)
	configPath := filepath.Join(b.cfg.WorkDir, role.ConfigFileName())

	logCfg := logger.Config{Dir: filepath.Join(b.cfg.WorkDir, "logs")}
	if b.cfg.Log != nil {
		logCfg = *b.cfg.Log
	}

	sup := process.New(process.Options{
		Name:       role.BinaryName(),
		BinaryPath: filepath.Join(b.cfg.BinDir, role.BinaryName()),
		ConfigPath: configPath,
		WorkDir:    b.cfg.WorkDir,
		Log:        logCfg,
	}, b.emit, b.logger)

	bus := command.NewBus(doc, b.logger)
	command.RegisterBuiltins(bus, command.Deps{
		Supervisor: sup,
		Document:   doc,
		ConfigPath: configPath,
		Emit:       b.emit,
	})

	b.role = role
	b.document = doc
	b.supervisor = sup
	b.bus = bus
}

// emit publishes an event and mirrors process transitions into history.
func (b *Bridge) emit(ev event.Event) {
	b.events.Publish(ev)
	switch ev.Type {
	case event.TypeProcessStarted, event.TypeProcessStopped, event.TypeProcessExited, event.TypeProcessError:
		pid := 0
		if sup := b.supervisor; sup != nil {
			if info, err := sup.Query(); err == nil {
				pid = info.PID
			}
		}
		if err := b.db.AppendHistory(context.Background(), string(ev.Type), pid, string(ev.Payload)); err != nil {
			b.logger.Debug("history append failed", "error", err)
		}
	}
}

// Role returns the active role.
func (b *Bridge) Role() Role {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.role
}

// Reconfigure switches the bridge to another role. The running child is
// stopped first; the supervisor, document and command set are rebuilt as a
// unit and the new role is persisted.
func (b *Bridge) Reconfigure(ctx context.Context, mode string) error {
	role := synth.ParseRole(mode)
	b.mu.Lock()
	defer b.mu.Unlock()
	if role == b.role {
		return nil
	}
	if _, _, err := b.supervisor.Stop(ctx); err != nil {
		return fmt.Errorf("stop before reconfigure: %w", err)
	}
	if err := b.storage.SetMode(string(role)); err != nil {
		return err
	}
	b.stopWatcherLocked()
	b.configure(role)
	b.startWatcherLocked()
	b.events.Publish(event.New(event.TypeStatus, map[string]any{
		"role": string(role), "running": false,
	}))
	b.logger.Info("role changed", "role", string(role))
	return nil
}

// Execute routes a mutating command by name.
func (b *Bridge) Execute(ctx context.Context, name string, payload []byte) command.Result {
	return b.busRef().Execute(ctx, command.Envelope{Name: name, Payload: payload})
}

// Query routes a read-only command by name.
func (b *Bridge) Query(ctx context.Context, name string, payload []byte) command.Result {
	return b.busRef().Query(ctx, command.Envelope{Name: name, Payload: payload})
}

func (b *Bridge) busRef() *command.Bus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bus
}

// Subscribe attaches to the event stream until ctx ends.
func (b *Bridge) Subscribe(ctx context.Context) (<-chan Event, string) {
	return b.events.Subscribe(ctx)
}

// Serve starts the HTTP API and, in server role, the tunnel watcher. It
// returns once the listener is up; Close tears both down.
func (b *Bridge) Serve() error {
	tlsCfg, err := apitls.Setup(b.cfg.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.httpSrv = iapi.NewServer(b.cfg.Listen, "", tlsCfg, iapi.Deps{
		Bus:       b.bus,
		Events:    b.events,
		Hub:       b.hub,
		Registry:  b.registry,
		Installer: b.install,
		History:   b.db,
		Document:  b.document,
	})
	b.startWatcherLocked()
	b.startAgentLocked()
	b.logger.Info("bridge listening", "addr", b.cfg.Listen, "role", string(b.role), "tls", tlsCfg != nil)
	return nil
}

// startAgentLocked connects this bridge to a central hub when one is
// configured. The hub can then drive the local command bus and read the
// tunnel table remotely.
func (b *Bridge) startAgentLocked() {
	if b.cfg.HubURL == "" || b.agentCancel != nil {
		return
	}
	agent := node.NewAgent(b.cfg.NodeID, b.cfg.NodeName, b.cfg.HubURL, b.logger)
	agent.Handle("tunnel.list", func(ctx context.Context, _ json.RawMessage) (any, error) {
		res := b.Query(ctx, "proxy.list", nil)
		if res.Status != command.StatusOK {
			return nil, fmt.Errorf("%s", res.Error)
		}
		return res.Result, nil
	})
	agent.Handle("command.execute", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var env command.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return nil, err
		}
		return b.busRef().Execute(ctx, env), nil
	})
	agent.Handle("command.query", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var env command.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return nil, err
		}
		return b.busRef().Query(ctx, env), nil
	})
	agent.OnEvent(func(action string, _ json.RawMessage) {
		if action != "node.sync" {
			return
		}
		res := b.Query(context.Background(), "proxy.list", nil)
		if res.Status == command.StatusOK {
			agent.PushEvent(string(event.TypeTunnelList), res.Result)
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	b.agentCancel = cancel
	go func() { _ = agent.Run(ctx) }()
}

// startWatcherLocked runs the tunnel watcher against the local stats API.
// Only the server role has a stats surface to poll.
func (b *Bridge) startWatcherLocked() {
	if b.role != RoleServer || b.watchCancel != nil {
		return
	}
	stats := statsapi.NewFromPreset(b.document.Preset())
	fetch := func(ctx context.Context) ([]node.Tunnel, error) {
		proxies, err := stats.Proxies(ctx)
		if err != nil {
			return nil, err
		}
		tunnels := make([]node.Tunnel, 0, len(proxies))
		for _, p := range proxies {
			tunnels = append(tunnels, node.Tunnel{
				Name:       p.Name,
				Type:       p.Type,
				Status:     p.Status,
				RemotePort: p.Conf.RemotePort,
				Conns:      p.CurConns,
				TrafficIn:  p.TodayTrafficIn,
				TrafficOut: p.TodayTrafficOut,
			})
		}
		return tunnels, nil
	}
	w := node.NewTunnelWatcher(fetch, b.events, b.logger)
	if b.cfg.PollInterval > 0 {
		w.SetInterval(b.cfg.PollInterval)
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.watchCancel = cancel
	go w.Run(ctx)
}

func (b *Bridge) stopWatcherLocked() {
	if b.watchCancel != nil {
		b.watchCancel()
		b.watchCancel = nil
	}
}

// Close stops the child process, the HTTP server and the event stream.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	srv := b.httpSrv
	b.httpSrv = nil
	sup := b.supervisor
	b.stopWatcherLocked()
	if b.agentCancel != nil {
		b.agentCancel()
		b.agentCancel = nil
	}
	b.mu.Unlock()

	var firstErr error
	if sup != nil {
		if _, _, err := sup.Stop(ctx); err != nil {
			firstErr = err
		}
	}
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.events.Close()
	if err := b.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

var (
	defaultMu     sync.Mutex
	defaultBridge *Bridge
)

// Default returns the process-wide bridge, creating it from pure defaults on
// first use. Concurrent first calls share one initialization.
func Default() (*Bridge, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultBridge != nil {
		return defaultBridge, nil
	}
	c, err := cfg.Load("")
	if err != nil {
		return nil, err
	}
	b, err := New(c, nil)
	if err != nil {
		return nil, err
	}
	defaultBridge = b
	return b, nil
}
