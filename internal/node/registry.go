package node

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loykin/frpbridge/internal/metrics"
	"github.com/loykin/frpbridge/internal/store"
)

// DefaultLivenessWindow is how recently a node must have been seen to count
// as online when no connection source is attached.
const DefaultLivenessWindow = 45 * time.Second

// Node is one registered worker. Online is derived at read time, never
// stored: from the hub's live connection set when one is attached, else
// from LastSeen.
type Node struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Address     string    `json:"address,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeen    time.Time `json:"lastSeen"`
	Online      bool      `json:"online"`
}

// ListOptions filter and paginate List results.
type ListOptions struct {
	Page     int    `json:"page,omitempty"`
	PageSize int    `json:"pageSize,omitempty"`
	Status   string `json:"status,omitempty"` // "", "online" or "offline"
	Search   string `json:"search,omitempty"`
}

// ListResult is one page of nodes plus the total match count before paging.
type ListResult struct {
	Nodes    []Node `json:"nodes"`
	Total    int    `json:"total"`
	Page     int    `json:"page"`
	PageSize int    `json:"pageSize"`
}

// Registry is the authoritative node table. A store, when present, mirrors
// rows so registrations survive restarts; store errors are logged by callers
// and never block registry operations.
type Registry struct {
	mu      sync.RWMutex
	nodes   map[string]Node
	window  time.Duration
	online  func(id string) bool
	now     func() time.Time
	persist *store.Store
}

func NewRegistry(persist *store.Store) *Registry {
	return &Registry{
		nodes:   make(map[string]Node),
		window:  DefaultLivenessWindow,
		now:     time.Now,
		persist: persist,
	}
}

// Restore loads persisted rows into memory. Called once at startup before
// any connection arrives.
func (r *Registry) Restore(ctx context.Context) error {
	if r.persist == nil {
		return nil
	}
	rows, err := r.persist.Nodes(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		r.nodes[row.ID] = Node{
			ID:          row.ID,
			Name:        row.Name,
			Address:     row.Address,
			ConnectedAt: row.ConnectedAt,
			LastSeen:    row.LastSeen,
		}
	}
	return nil
}

// Upsert registers or refreshes a node. A re-registration keeps the original
// ConnectedAt and refreshes everything else.
func (r *Registry) Upsert(ctx context.Context, id, name, address string) Node {
	now := r.now()
	r.mu.Lock()
	n, exists := r.nodes[id]
	if !exists {
		n = Node{ID: id, ConnectedAt: now}
	}
	n.Name = name
	n.Address = address
	n.LastSeen = now
	r.nodes[id] = n
	online := r.onlineCountLocked(now)
	r.mu.Unlock()

	metrics.SetOnlineNodes(online)
	if r.persist != nil {
		_ = r.persist.UpsertNode(ctx, store.NodeRow{
			ID: n.ID, Name: n.Name, Address: n.Address,
			ConnectedAt: n.ConnectedAt, LastSeen: n.LastSeen,
		})
	}
	return r.derived(n, now)
}

// Touch refreshes LastSeen for an existing node. Unknown ids are ignored.
func (r *Registry) Touch(ctx context.Context, id string) {
	now := r.now()
	r.mu.Lock()
	n, ok := r.nodes[id]
	if ok {
		n.LastSeen = now
		r.nodes[id] = n
	}
	r.mu.Unlock()
	if ok && r.persist != nil {
		_ = r.persist.TouchNode(ctx, id, now)
	}
}

// Delete removes a node. Removing an unknown id reports false.
func (r *Registry) Delete(ctx context.Context, id string) bool {
	r.mu.Lock()
	_, ok := r.nodes[id]
	delete(r.nodes, id)
	online := r.onlineCountLocked(r.now())
	r.mu.Unlock()
	metrics.SetOnlineNodes(online)
	if r.persist != nil {
		_ = r.persist.DeleteNode(ctx, id)
	}
	return ok
}

// Get returns one node with derived online status.
func (r *Registry) Get(id string) (Node, bool) {
	r.mu.RLock()
	n, ok := r.nodes[id]
	r.mu.RUnlock()
	if !ok {
		return Node{}, false
	}
	return r.derived(n, r.now()), true
}

// List returns a filtered, paginated page. Nodes are sorted by id so pages
// are stable across calls.
func (r *Registry) List(opts ListOptions) ListResult {
	now := r.now()
	r.mu.RLock()
	all := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		all = append(all, r.derived(n, now))
	}
	r.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	filtered := all[:0]
	q := strings.ToLower(strings.TrimSpace(opts.Search))
	for _, n := range all {
		switch opts.Status {
		case "online":
			if !n.Online {
				continue
			}
		case "offline":
			if n.Online {
				continue
			}
		}
		if q != "" &&
			!strings.Contains(strings.ToLower(n.ID), q) &&
			!strings.Contains(strings.ToLower(n.Name), q) {
			continue
		}
		filtered = append(filtered, n)
	}

	page := opts.Page
	if page < 1 {
		page = 1
	}
	size := opts.PageSize
	if size < 1 {
		size = 20
	}
	total := len(filtered)
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}
	out := make([]Node, end-start)
	copy(out, filtered[start:end])
	return ListResult{Nodes: out, Total: total, Page: page, PageSize: size}
}

// SetOnlineSource attaches the live connection check. Once set, Online
// reflects whether the node currently holds a connection instead of the
// LastSeen window.
func (r *Registry) SetOnlineSource(fn func(id string) bool) {
	r.mu.Lock()
	r.online = fn
	r.mu.Unlock()
}

func (r *Registry) isOnline(n Node, now time.Time) bool {
	if r.online != nil {
		return r.online(n.ID)
	}
	return now.Sub(n.LastSeen) <= r.window
}

func (r *Registry) derived(n Node, now time.Time) Node {
	n.Online = r.isOnline(n, now)
	return n
}

func (r *Registry) onlineCountLocked(now time.Time) int {
	c := 0
	for _, n := range r.nodes {
		if r.isOnline(n, now) {
			c++
		}
	}
	return c
}
