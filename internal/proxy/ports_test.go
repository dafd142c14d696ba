package proxy

import (
	"net"
	"testing"

	"github.com/mcpgate/mcpgate/internal/errors"
)

func newTestAllocator(start, end int) *PortAllocator {
	a := NewPortAllocator(start, end)
	a.bindable = func(port int) bool { return true }
	return a
}

func TestPortAllocator_LowestFirst(t *testing.T) {
	a := newTestAllocator(9000, 9002)

	for _, expected := range []int{9000, 9001, 9002} {
		port, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		if port != expected {
			t.Errorf("Expected port %d, got %d", expected, port)
		}
	}

	_, err := a.Allocate()
	if !errors.IsCode(err, errors.CodeNoAvailablePorts) {
		t.Errorf("Expected NO_AVAILABLE_PORTS when exhausted, got %v", err)
	}
}

func TestPortAllocator_ReleaseRestoresLowest(t *testing.T) {
	a := newTestAllocator(9000, 9010)

	first, _ := a.Allocate()
	a.Allocate()
	a.Allocate()

	a.Release(first)

	port, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if port != first {
		t.Errorf("Expected released port %d to be reused first, got %d", first, port)
	}
}

func TestPortAllocator_ReleaseIsIdempotent(t *testing.T) {
	a := newTestAllocator(9000, 9001)

	port, _ := a.Allocate()
	a.Release(port)
	a.Release(port)
	a.Release(12345) // never allocated

	if a.AllocatedCount() != 0 {
		t.Errorf("Expected no allocated ports, got %d", a.AllocatedCount())
	}

	// Double release must not make the port allocatable twice
	p1, _ := a.Allocate()
	p2, _ := a.Allocate()
	if p1 == p2 {
		t.Errorf("Expected distinct ports, got %d twice", p1)
	}
}

func TestPortAllocator_SkipsUnbindablePorts(t *testing.T) {
	a := NewPortAllocator(9000, 9003)
	a.bindable = func(port int) bool { return port != 9000 && port != 9002 }

	port, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if port != 9001 {
		t.Errorf("Expected 9001 (first bindable), got %d", port)
	}

	port, err = a.Allocate()
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if port != 9003 {
		t.Errorf("Expected 9003, got %d", port)
	}
}

func TestPortAllocator_RealBindProbe(t *testing.T) {
	// Hold a real listener on an OS-chosen port, then make the
	// allocator's range exactly that port.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer l.Close()

	held := l.Addr().(*net.TCPAddr).Port
	a := NewPortAllocator(held, held)

	_, err = a.Allocate()
	if !errors.IsCode(err, errors.CodeNoAvailablePorts) {
		t.Errorf("Expected NO_AVAILABLE_PORTS for externally held port, got %v", err)
	}

	l.Close()
	port, err := a.Allocate()
	if err != nil {
		t.Fatalf("Expected allocation after external holder released: %v", err)
	}
	if port != held {
		t.Errorf("Expected port %d, got %d", held, port)
	}
}

func TestPortAllocator_Clear(t *testing.T) {
	a := newTestAllocator(9000, 9005)

	for i := 0; i < 3; i++ {
		if _, err := a.Allocate(); err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
	}

	a.Clear()
	if a.AllocatedCount() != 0 {
		t.Errorf("Expected empty allocator after Clear, got %d", a.AllocatedCount())
	}

	port, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate after Clear failed: %v", err)
	}
	if port != 9000 {
		t.Errorf("Expected lowest port 9000 after Clear, got %d", port)
	}
}

func TestPortAllocator_PortSafety(t *testing.T) {
	a := newTestAllocator(9000, 9099)

	seen := make(map[int]bool)
	var ports []int
	for i := 0; i < 50; i++ {
		port, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate %d failed: %v", i, err)
		}
		if seen[port] {
			t.Fatalf("Port %d allocated twice", port)
		}
		seen[port] = true
		ports = append(ports, port)
	}

	for _, port := range ports {
		a.Release(port)
	}
	if a.AllocatedCount() != 0 {
		t.Fatalf("Expected all ports released, %d still held", a.AllocatedCount())
	}

	for i := 0; i < 50; i++ {
		if _, err := a.Allocate(); err != nil {
			t.Fatalf("Reallocation %d failed: %v", i, err)
		}
	}
}
