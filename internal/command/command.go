// Package command routes named operations to their handlers. Mutating
// operations go through Execute and may emit lifecycle events; read-only
// operations go through Query and never do. A handler panic is recovered and
// reported as a failed result instead of taking down the caller.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loykin/frpbridge/internal/metrics"
)

const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Envelope is a command as received from a transport: a name plus an opaque
// payload the handler decodes itself.
type Envelope struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Result is the uniform outcome shape for both Execute and Query.
type Result struct {
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Context carries per-invocation state into a handler.
type Context struct {
	Ctx context.Context

	bumpVersion bool
}

// RequestVersionBump marks the active configuration as changed; the bus bumps
// the document version once after the handler returns successfully.
func (c *Context) RequestVersionBump() { c.bumpVersion = true }

// HandlerFunc decodes its payload, does the work and returns a JSON-friendly
// result value.
type HandlerFunc func(c *Context, payload json.RawMessage) (any, error)

// ErrUnknown reports a command name with no registered handler.
type ErrUnknown struct{ Name string }

func (e *ErrUnknown) Error() string { return fmt.Sprintf("unknown command %q", e.Name) }

// Versioner is the slice of the config document the bus needs: after a
// successful mutating handler that requested it, the version is bumped.
type Versioner interface {
	BumpVersion() uint64
}

// Bus holds the registered handlers. Registration happens at wiring time;
// dispatch is safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	exec   map[string]HandlerFunc
	query  map[string]HandlerFunc
	doc    Versioner
	logger *slog.Logger
}

func NewBus(doc Versioner, lg *slog.Logger) *Bus {
	if lg == nil {
		lg = slog.Default()
	}
	return &Bus{
		exec:   make(map[string]HandlerFunc),
		query:  make(map[string]HandlerFunc),
		doc:    doc,
		logger: lg,
	}
}

// Handle registers a mutating handler under name.
func (b *Bus) Handle(name string, fn HandlerFunc) {
	b.mu.Lock()
	b.exec[name] = fn
	b.mu.Unlock()
}

// HandleQuery registers a read-only handler under name.
func (b *Bus) HandleQuery(name string, fn HandlerFunc) {
	b.mu.Lock()
	b.query[name] = fn
	b.mu.Unlock()
}

// Names returns the registered command names, mutating and query combined.
func (b *Bus) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.exec)+len(b.query))
	for n := range b.exec {
		out = append(out, n)
	}
	for n := range b.query {
		out = append(out, n)
	}
	return out
}

// Execute runs a mutating command and returns its result. The command either
// completes or fails as a unit; partial effects are the handler's
// responsibility to avoid.
func (b *Bus) Execute(ctx context.Context, env Envelope) Result {
	b.mu.RLock()
	fn, ok := b.exec[env.Name]
	b.mu.RUnlock()
	if !ok {
		metrics.IncCommand(env.Name, StatusFailed)
		return Result{Status: StatusFailed, Error: (&ErrUnknown{Name: env.Name}).Error()}
	}
	return b.dispatch(ctx, env, fn, false)
}

// Query runs a read-only command. Query handlers never emit events and never
// bump the config version.
func (b *Bus) Query(ctx context.Context, env Envelope) Result {
	b.mu.RLock()
	fn, ok := b.query[env.Name]
	b.mu.RUnlock()
	if !ok {
		metrics.IncCommand(env.Name, StatusFailed)
		return Result{Status: StatusFailed, Error: (&ErrUnknown{Name: env.Name}).Error()}
	}
	return b.dispatch(ctx, env, fn, true)
}

func (b *Bus) dispatch(ctx context.Context, env Envelope, fn HandlerFunc, readonly bool) (res Result) {
	c := &Context{Ctx: ctx}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("command panicked", "name", env.Name, "panic", r)
			res = Result{Status: StatusFailed, Error: fmt.Sprintf("command %q panicked: %v", env.Name, r)}
			metrics.IncCommand(env.Name, StatusFailed)
		}
	}()
	out, err := fn(c, env.Payload)
	if err != nil {
		metrics.IncCommand(env.Name, StatusFailed)
		return Result{Status: StatusFailed, Error: err.Error()}
	}
	if c.bumpVersion && !readonly && b.doc != nil {
		metrics.SetConfigVersion(b.doc.BumpVersion())
	}
	metrics.IncCommand(env.Name, StatusOK)
	return Result{Status: StatusOK, Result: out}
}
