package store

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/mcpgate/mcpgate/internal/errors"
)

func TestMemoryStore_Servers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	server := &ServerDescriptor{
		ID:        "filesystem",
		Name:      "Filesystem",
		Transport: TransportStdio,
		Command:   "npx",
		Args:      []string{"-y", "@modelcontextprotocol/server-filesystem"},
		Enabled:   true,
		IsSystem:  true,
	}

	if err := s.SaveServer(ctx, server); err != nil {
		t.Fatalf("SaveServer failed: %v", err)
	}

	got, err := s.GetServer(ctx, "filesystem")
	if err != nil {
		t.Fatalf("GetServer failed: %v", err)
	}
	if got.Name != "Filesystem" || got.Transport != TransportStdio {
		t.Errorf("Unexpected server returned: %+v", got)
	}

	// Returned value is a copy
	got.Name = "mutated"
	again, _ := s.GetServer(ctx, "filesystem")
	if again.Name != "Filesystem" {
		t.Error("Expected stored server to be isolated from caller mutation")
	}

	_, err = s.GetServer(ctx, "missing")
	if !errors.IsCode(err, errors.CodeServerNotFound) {
		t.Errorf("Expected SERVER_NOT_FOUND, got %v", err)
	}
	if !stderrors.Is(err, errors.ErrServerNotFound) {
		t.Error("Expected error to match ErrServerNotFound sentinel")
	}
}

func TestMemoryStore_ListSystemServers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	s.SaveServer(ctx, &ServerDescriptor{ID: "a", Transport: TransportStdio, IsSystem: true})
	s.SaveServer(ctx, &ServerDescriptor{ID: "b", Transport: TransportHTTP, IsSystem: false})
	s.SaveServer(ctx, &ServerDescriptor{ID: "c", Transport: TransportStdio, IsSystem: true})

	system, err := s.ListSystemServers(ctx)
	if err != nil {
		t.Fatalf("ListSystemServers failed: %v", err)
	}
	if len(system) != 2 {
		t.Fatalf("Expected 2 system servers, got %d", len(system))
	}
	if system[0].ID != "a" || system[1].ID != "c" {
		t.Errorf("Expected sorted system servers [a c], got [%s %s]", system[0].ID, system[1].ID)
	}
}

func TestMemoryStore_DeleteServerCascades(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	s.SaveServer(ctx, &ServerDescriptor{ID: "a", Transport: TransportStdio})
	s.ReplaceTools(ctx, "a", []*ToolRecord{{ServerID: "a", Name: "read_file", DiscoveredAt: time.Now()}})
	s.MarkDiscovered(ctx, "a", time.Now(), 1)
	s.SaveRuntime(ctx, &ServerRuntime{ServerID: "a", PID: 42, Port: 9000})

	if err := s.DeleteServer(ctx, "a"); err != nil {
		t.Fatalf("DeleteServer failed: %v", err)
	}

	tools, _ := s.ListTools(ctx, "a")
	if len(tools) != 0 {
		t.Error("Expected tools to be removed with the server")
	}
	if _, ok, _ := s.LastDiscoveredAt(ctx, "a"); ok {
		t.Error("Expected discovery stamp to be removed with the server")
	}
	if _, err := s.GetRuntime(ctx, "a"); err == nil {
		t.Error("Expected runtime state to be removed with the server")
	}

	if err := s.DeleteServer(ctx, "a"); err == nil {
		t.Error("Expected error deleting a missing server")
	}
}

func TestMemoryStore_ReplaceTools(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.ReplaceTools(ctx, "a", []*ToolRecord{
		{ServerID: "a", Name: "old_tool", DiscoveredAt: first},
	})

	second := first.Add(time.Hour)
	s.ReplaceTools(ctx, "a", []*ToolRecord{
		{ServerID: "a", Name: "new_tool", DiscoveredAt: second},
		{ServerID: "a", Name: "other_tool", DiscoveredAt: second},
	})

	tools, err := s.ListTools(ctx, "a")
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("Expected 2 tools after replace, got %d", len(tools))
	}
	for _, tool := range tools {
		if tool.Name == "old_tool" {
			t.Error("Expected old tools to be cleared on replace")
		}
	}

	s.MarkDiscovered(ctx, "a", second, 2)
	stamp, ok, err := s.LastDiscoveredAt(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("LastDiscoveredAt failed: ok=%v err=%v", ok, err)
	}
	if !stamp.Equal(second) {
		t.Errorf("Expected stamp %v, got %v", second, stamp)
	}

	_, ok, _ = s.LastDiscoveredAt(ctx, "never-discovered")
	if ok {
		t.Error("Expected ok=false for a server never discovered")
	}
}

func TestMemoryStore_DiscoveryStampWithoutTools(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	// A server can legitimately expose zero tools; the stamp must not
	// depend on rows existing.
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.ReplaceTools(ctx, "a", nil)
	if err := s.MarkDiscovered(ctx, "a", at, 0); err != nil {
		t.Fatalf("MarkDiscovered failed: %v", err)
	}

	stamp, ok, err := s.LastDiscoveredAt(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("LastDiscoveredAt failed: ok=%v err=%v", ok, err)
	}
	if !stamp.Equal(at) {
		t.Errorf("Expected stamp %v, got %v", at, stamp)
	}
}

func TestMemoryStore_Runtimes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	started := time.Now()
	s.SaveRuntime(ctx, &ServerRuntime{ServerID: "a", PID: 100, Port: 9000, StartedAt: started})
	s.SaveRuntime(ctx, &ServerRuntime{ServerID: "b", PID: 101, Port: 9001, StartedAt: started})

	rt, err := s.GetRuntime(ctx, "a")
	if err != nil {
		t.Fatalf("GetRuntime failed: %v", err)
	}
	if rt.PID != 100 || rt.Port != 9000 {
		t.Errorf("Unexpected runtime: %+v", rt)
	}

	all, _ := s.ListRuntimes(ctx)
	if len(all) != 2 {
		t.Fatalf("Expected 2 runtimes, got %d", len(all))
	}

	if err := s.DeleteRuntime(ctx, "a"); err != nil {
		t.Fatalf("DeleteRuntime failed: %v", err)
	}
	if _, err := s.GetRuntime(ctx, "a"); !errors.IsCode(err, errors.CodeServerNotRunning) {
		t.Errorf("Expected SERVER_NOT_RUNNING after delete, got %v", err)
	}

	// Idempotent delete
	if err := s.DeleteRuntime(ctx, "a"); err != nil {
		t.Errorf("Expected idempotent DeleteRuntime, got %v", err)
	}
}
