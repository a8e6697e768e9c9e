package node

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertPreservesConnectedAt(t *testing.T) {
	r := NewRegistry(nil)
	base := time.Now()
	r.now = func() time.Time { return base }

	first := r.Upsert(context.Background(), "n1", "alpha", "10.0.0.1:1234")
	assert.Equal(t, base, first.ConnectedAt)
	assert.Equal(t, base, first.LastSeen)

	later := base.Add(time.Minute)
	r.now = func() time.Time { return later }
	second := r.Upsert(context.Background(), "n1", "alpha-renamed", "10.0.0.2:9999")

	assert.Equal(t, base, second.ConnectedAt, "re-registration must keep the original ConnectedAt")
	assert.Equal(t, later, second.LastSeen)
	assert.Equal(t, "alpha-renamed", second.Name)
	assert.Equal(t, "10.0.0.2:9999", second.Address)
}

func TestOnlineIsDerivedFromLastSeen(t *testing.T) {
	r := NewRegistry(nil)
	base := time.Now()
	r.now = func() time.Time { return base }
	r.Upsert(context.Background(), "n1", "", "")

	n, ok := r.Get("n1")
	require.True(t, ok)
	assert.True(t, n.Online)

	r.now = func() time.Time { return base.Add(DefaultLivenessWindow + time.Second) }
	n, _ = r.Get("n1")
	assert.False(t, n.Online)

	r.Touch(context.Background(), "n1")
	n, _ = r.Get("n1")
	assert.True(t, n.Online)
}

func TestDelete(t *testing.T) {
	r := NewRegistry(nil)
	r.Upsert(context.Background(), "n1", "", "")

	assert.True(t, r.Delete(context.Background(), "n1"))
	assert.False(t, r.Delete(context.Background(), "n1"))
	_, ok := r.Get("n1")
	assert.False(t, ok)
}

func TestListPaginationIsStable(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()
	for i := 9; i >= 0; i-- {
		r.Upsert(ctx, fmt.Sprintf("node-%02d", i), "", "")
	}

	page1 := r.List(ListOptions{Page: 1, PageSize: 3})
	page2 := r.List(ListOptions{Page: 2, PageSize: 3})
	require.Len(t, page1.Nodes, 3)
	require.Len(t, page2.Nodes, 3)
	assert.Equal(t, 10, page1.Total)

	// Sorted by id, no overlap between pages, repeatable.
	assert.Equal(t, "node-00", page1.Nodes[0].ID)
	assert.Equal(t, "node-03", page2.Nodes[0].ID)
	again := r.List(ListOptions{Page: 1, PageSize: 3})
	assert.Equal(t, page1.Nodes, again.Nodes)

	// Page past the end is empty, not an error.
	page9 := r.List(ListOptions{Page: 9, PageSize: 3})
	assert.Empty(t, page9.Nodes)
	assert.Equal(t, 10, page9.Total)
}

func TestListFilters(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()
	base := time.Now()
	r.now = func() time.Time { return base }
	r.Upsert(ctx, "fresh", "Web Server", "")
	r.Upsert(ctx, "stale", "Backup", "")

	// Age out one node.
	r.now = func() time.Time { return base.Add(DefaultLivenessWindow + time.Second) }
	r.Touch(ctx, "fresh")

	online := r.List(ListOptions{Status: "online"})
	require.Len(t, online.Nodes, 1)
	assert.Equal(t, "fresh", online.Nodes[0].ID)

	offline := r.List(ListOptions{Status: "offline"})
	require.Len(t, offline.Nodes, 1)
	assert.Equal(t, "stale", offline.Nodes[0].ID)

	// Search matches id or name, case-insensitive.
	byName := r.List(ListOptions{Search: "web"})
	require.Len(t, byName.Nodes, 1)
	assert.Equal(t, "fresh", byName.Nodes[0].ID)

	byID := r.List(ListOptions{Search: "STALE"})
	require.Len(t, byID.Nodes, 1)
	assert.Equal(t, "stale", byID.Nodes[0].ID)
}
