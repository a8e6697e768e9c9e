package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/frpbridge/internal/event"
	"github.com/loykin/frpbridge/internal/process"
	"github.com/loykin/frpbridge/internal/synth"
)

// Deps are the collaborators the built-in handlers operate on.
type Deps struct {
	Supervisor *process.Supervisor
	Document   *synth.Document
	ConfigPath string
	Emit       func(event.Event)
}

type applyRawPayload struct {
	Content string `json:"content"`
	Restart bool   `json:"restart,omitempty"`
}

type regeneratePayload struct {
	Force bool `json:"force,omitempty"`
}

type namePayload struct {
	Name string `json:"name"`
}

type processResult struct {
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	Uptime  string `json:"uptime,omitempty"`
}

// RegisterBuiltins installs the standard command set on the bus.
func RegisterBuiltins(b *Bus, d Deps) {
	emit := d.Emit
	if emit == nil {
		emit = func(event.Event) {}
	}

	writeConfig := func(force bool) (bool, error) {
		return synth.WriteFile(d.ConfigPath, d.Document.Synthesize(), force)
	}

	// Config mutations write the file first and only then touch document
	// version and events, so a failed write leaves nothing half applied.
	configChanged := func(c *Context) {
		c.RequestVersionBump()
		emit(event.New(event.TypeConfigUpdated, map[string]any{
			"path":      d.ConfigPath,
			"updatedAt": time.Now().UTC().Format(time.RFC3339),
		}))
	}

	b.Handle("start", func(c *Context, _ json.RawMessage) (any, error) {
		st, _, err := d.Supervisor.Start(c.Ctx)
		if err != nil {
			return nil, err
		}
		return processResult{Running: st.Running, PID: st.PID}, nil
	})

	b.Handle("stop", func(c *Context, _ json.RawMessage) (any, error) {
		st, _, err := d.Supervisor.Stop(c.Ctx)
		if err != nil {
			return nil, err
		}
		return processResult{Running: st.Running}, nil
	})

	b.Handle("restart", func(c *Context, _ json.RawMessage) (any, error) {
		st, err := d.Supervisor.Restart(c.Ctx)
		if err != nil {
			return nil, err
		}
		return processResult{Running: st.Running, PID: st.PID}, nil
	})

	// A stopped child is a normal answer on this surface, not a failure;
	// Supervisor.Query keeps the strict ErrNotRunning contract for callers
	// that need it.
	b.HandleQuery("queryProcess", func(c *Context, _ json.RawMessage) (any, error) {
		info, err := d.Supervisor.Query()
		if err == process.ErrNotRunning {
			return processResult{Running: false}, nil
		}
		if err != nil {
			return nil, err
		}
		return processResult{Running: true, PID: info.PID, Uptime: info.Uptime.Round(time.Second).String()}, nil
	})

	b.Handle("config.applyRaw", func(c *Context, payload json.RawMessage) (any, error) {
		var p applyRawPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("config.applyRaw: %w", err)
		}
		if strings.TrimSpace(p.Content) == "" {
			return nil, errors.New("config.applyRaw: content is empty")
		}
		prev := d.Document.UserRaw()
		d.Document.SetUserRaw(p.Content)
		if _, err := writeConfig(true); err != nil {
			d.Document.SetUserRaw(prev)
			return nil, err
		}
		configChanged(c)
		// Restart only applies to a running child; a stopped one picks the
		// new config up on its next start.
		restarted := p.Restart && d.Supervisor.Running()
		if restarted {
			if _, err := d.Supervisor.Restart(c.Ctx); err != nil {
				return nil, err
			}
		}
		return map[string]any{"applied": true, "restarted": restarted}, nil
	})

	b.Handle("config.applyPreset", func(c *Context, payload json.RawMessage) (any, error) {
		var p synth.Preset
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("config.applyPreset: %w", err)
		}
		prev := d.Document.Preset()
		d.Document.SetPreset(p)
		if _, err := writeConfig(true); err != nil {
			d.Document.SetPreset(prev)
			return nil, err
		}
		configChanged(c)
		return map[string]any{"applied": true}, nil
	})

	b.Handle("config.regenerate", func(c *Context, payload json.RawMessage) (any, error) {
		var p regeneratePayload
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &p); err != nil {
				return nil, fmt.Errorf("config.regenerate: %w", err)
			}
		}
		wrote, err := writeConfig(p.Force)
		if err != nil {
			return nil, err
		}
		if wrote {
			configChanged(c)
		}
		return map[string]any{"wrote": wrote, "path": d.ConfigPath}, nil
	})

	b.Handle("proxy.add", func(c *Context, payload json.RawMessage) (any, error) {
		var e synth.Entry
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("proxy.add: %w", err)
		}
		if err := d.Document.AddEntry(e); err != nil {
			return nil, err
		}
		if _, err := writeConfig(true); err != nil {
			_ = d.Document.RemoveEntry(e.Name)
			return nil, err
		}
		configChanged(c)
		return e, nil
	})

	b.Handle("proxy.update", func(c *Context, payload json.RawMessage) (any, error) {
		var e synth.Entry
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("proxy.update: %w", err)
		}
		prev, ok := d.Document.Entries()[e.Name]
		if !ok {
			return nil, fmt.Errorf("proxy %q not found", e.Name)
		}
		if err := d.Document.UpdateEntry(e); err != nil {
			return nil, err
		}
		if _, err := writeConfig(true); err != nil {
			_ = d.Document.UpdateEntry(prev)
			return nil, err
		}
		configChanged(c)
		return e, nil
	})

	b.Handle("proxy.remove", func(c *Context, payload json.RawMessage) (any, error) {
		var p namePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("proxy.remove: %w", err)
		}
		if err := d.Document.RemoveEntry(p.Name); err != nil {
			return nil, err
		}
		if _, err := writeConfig(true); err != nil {
			return nil, err
		}
		configChanged(c)
		return map[string]any{"removed": p.Name}, nil
	})

	b.HandleQuery("proxy.list", func(c *Context, _ json.RawMessage) (any, error) {
		return d.Document.Entries().Sorted(), nil
	})
}
