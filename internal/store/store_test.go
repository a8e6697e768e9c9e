package store

import (
	"context"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHistoryAppendAndRead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AppendHistory(ctx, "process:started", 100, `{"pid":100}`); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendHistory(ctx, "process:stopped", 0, ""); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := s.History(ctx, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	// Newest first.
	if entries[0].Event != "process:stopped" || entries[1].Event != "process:started" {
		t.Fatalf("wrong order: %s, %s", entries[0].Event, entries[1].Event)
	}
	if entries[1].PID != 100 || entries[1].Detail != `{"pid":100}` {
		t.Fatalf("entry fields: %+v", entries[1])
	}
}

func TestHistoryLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.AppendHistory(ctx, "process:started", i, ""); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := s.History(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("limit ignored, got %d entries", len(entries))
	}
}

func TestNodeUpsertPreservesConnectedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	connected := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)

	row := NodeRow{ID: "n1", Name: "alpha", Address: "10.0.0.1", ConnectedAt: connected, LastSeen: connected}
	if err := s.UpsertNode(ctx, row); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	row.Name = "alpha-2"
	row.ConnectedAt = time.Now().UTC()
	row.LastSeen = time.Now().UTC().Truncate(time.Second)
	if err := s.UpsertNode(ctx, row); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	nodes, err := s.Nodes(ctx)
	if err != nil {
		t.Fatalf("nodes: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("got %d nodes, want 1", len(nodes))
	}
	n := nodes[0]
	if n.Name != "alpha-2" {
		t.Fatalf("name not updated: %q", n.Name)
	}
	if !n.ConnectedAt.Equal(connected) {
		t.Fatalf("connected_at overwritten: %s != %s", n.ConnectedAt, connected)
	}
}

func TestDeleteNode(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if err := s.UpsertNode(ctx, NodeRow{ID: "n1", ConnectedAt: now, LastSeen: now}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteNode(ctx, "n1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Deleting an absent node is not an error.
	if err := s.DeleteNode(ctx, "n1"); err != nil {
		t.Fatalf("double delete: %v", err)
	}
	nodes, err := s.Nodes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 0 {
		t.Fatalf("node still present after delete")
	}
}
