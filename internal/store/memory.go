package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mcpgate/mcpgate/internal/errors"
)

// discoveryStamp records one server's last successful tool discovery.
type discoveryStamp struct {
	At    time.Time
	Count int
}

// MemoryStore is an in-memory Store implementation. Safe for concurrent use.
type MemoryStore struct {
	mu         sync.RWMutex
	servers    map[string]*ServerDescriptor
	tools      map[string][]*ToolRecord
	discovered map[string]discoveryStamp
	runtimes   map[string]*ServerRuntime
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		servers:    make(map[string]*ServerDescriptor),
		tools:      make(map[string][]*ToolRecord),
		discovered: make(map[string]discoveryStamp),
		runtimes:   make(map[string]*ServerRuntime),
	}
}

func (s *MemoryStore) GetServer(ctx context.Context, id string) (*ServerDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	server, ok := s.servers[id]
	if !ok {
		return nil, errors.DiscoveryError(errors.CodeServerNotFound, "Server not found: "+id, nil)
	}
	copied := *server
	return &copied, nil
}

func (s *MemoryStore) ListServers(ctx context.Context) ([]*ServerDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	servers := make([]*ServerDescriptor, 0, len(s.servers))
	for _, server := range s.servers {
		copied := *server
		servers = append(servers, &copied)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].ID < servers[j].ID })
	return servers, nil
}

func (s *MemoryStore) ListSystemServers(ctx context.Context) ([]*ServerDescriptor, error) {
	all, err := s.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	system := all[:0]
	for _, server := range all {
		if server.IsSystem {
			system = append(system, server)
		}
	}
	return system, nil
}

func (s *MemoryStore) SaveServer(ctx context.Context, server *ServerDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *server
	s.servers[server.ID] = &copied
	return nil
}

func (s *MemoryStore) DeleteServer(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.servers[id]; !ok {
		return errors.DiscoveryError(errors.CodeServerNotFound, "Server not found: "+id, nil)
	}
	delete(s.servers, id)
	delete(s.tools, id)
	delete(s.discovered, id)
	delete(s.runtimes, id)
	return nil
}

func (s *MemoryStore) ReplaceTools(ctx context.Context, serverID string, tools []*ToolRecord) error {
	copied := make([]*ToolRecord, len(tools))
	for i, tool := range tools {
		t := *tool
		copied[i] = &t
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Clear happens together with the insert so a failed discovery never
	// leaves the cache empty.
	s.tools[serverID] = copied
	return nil
}

func (s *MemoryStore) ListTools(ctx context.Context, serverID string) ([]*ToolRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]*ToolRecord, len(s.tools[serverID]))
	for i, tool := range s.tools[serverID] {
		t := *tool
		tools[i] = &t
	}
	return tools, nil
}

func (s *MemoryStore) MarkDiscovered(ctx context.Context, serverID string, at time.Time, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.discovered[serverID] = discoveryStamp{At: at, Count: count}
	return nil
}

func (s *MemoryStore) LastDiscoveredAt(ctx context.Context, serverID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stamp, ok := s.discovered[serverID]
	return stamp.At, ok, nil
}

func (s *MemoryStore) SaveRuntime(ctx context.Context, rt *ServerRuntime) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *rt
	s.runtimes[rt.ServerID] = &copied
	return nil
}

func (s *MemoryStore) GetRuntime(ctx context.Context, serverID string) (*ServerRuntime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rt, ok := s.runtimes[serverID]
	if !ok {
		return nil, errors.DiscoveryError(errors.CodeServerNotRunning, "No runtime state for server: "+serverID, nil)
	}
	copied := *rt
	return &copied, nil
}

func (s *MemoryStore) DeleteRuntime(ctx context.Context, serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.runtimes, serverID)
	return nil
}

func (s *MemoryStore) ListRuntimes(ctx context.Context) ([]*ServerRuntime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runtimes := make([]*ServerRuntime, 0, len(s.runtimes))
	for _, rt := range s.runtimes {
		copied := *rt
		runtimes = append(runtimes, &copied)
	}
	sort.Slice(runtimes, func(i, j int) bool { return runtimes[i].ServerID < runtimes[j].ServerID })
	return runtimes, nil
}
