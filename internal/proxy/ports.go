// Package proxy bridges stdio MCP servers to local HTTP endpoints so
// every server, regardless of transport, is addressable by URL.
package proxy

import (
	"fmt"
	"net"
	"sync"

	"github.com/mcpgate/mcpgate/internal/errors"
)

// PortAllocator hands out ports from a closed range, lowest first.
// Allocation skips ports held by this allocator and ports some other
// process already bound; bookkeeping alone is not trusted.
type PortAllocator struct {
	mu        sync.Mutex
	start     int
	end       int
	allocated map[int]struct{}

	// bindable is swapped in tests to avoid real socket probes.
	bindable func(port int) bool
}

// NewPortAllocator creates an allocator over the inclusive range
// [start, end].
func NewPortAllocator(start, end int) *PortAllocator {
	return &PortAllocator{
		start:     start,
		end:       end,
		allocated: make(map[int]struct{}),
		bindable:  canBind,
	}
}

func canBind(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// Allocate returns the lowest eligible port in the range.
func (a *PortAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.start; port <= a.end; port++ {
		if _, taken := a.allocated[port]; taken {
			continue
		}
		if !a.bindable(port) {
			continue
		}
		a.allocated[port] = struct{}{}
		return port, nil
	}
	return 0, errors.ProxyError(errors.CodeNoAvailablePorts,
		fmt.Sprintf("No available ports in range %d-%d", a.start, a.end), nil)
}

// Release returns a port to the pool. Releasing an unallocated port is
// a no-op.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allocated, port)
}

// Clear releases every allocated port.
func (a *PortAllocator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allocated = make(map[int]struct{})
}

// AllocatedCount returns how many ports are currently held.
func (a *PortAllocator) AllocatedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocated)
}
