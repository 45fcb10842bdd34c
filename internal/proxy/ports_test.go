// ABOUTME: Tests for the proxy port allocator
// ABOUTME: Covers allocation, release, reuse and range exhaustion

package proxy

import (
	"fmt"
	"net"
	"testing"
)

func TestPortAllocator_AllocateAndRelease(t *testing.T) {
	a := NewPortAllocator(19100, 19103)

	seen := map[int]bool{}
	for i := 0; i < 4; i++ {
		port, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate %d failed: %v", i, err)
		}
		if port < 19100 || port > 19103 {
			t.Errorf("port %d out of range", port)
		}
		if seen[port] {
			t.Errorf("port %d allocated twice", port)
		}
		seen[port] = true
	}

	if _, err := a.Allocate(); err == nil {
		t.Error("expected exhaustion error")
	}

	a.Release(19101)
	port, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate after release failed: %v", err)
	}
	if port != 19101 {
		t.Errorf("expected released port 19101, got %d", port)
	}
}

func TestPortAllocator_SkipsBoundPorts(t *testing.T) {
	a := NewPortAllocator(19200, 19201)

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", 19200))
	if err != nil {
		t.Skipf("cannot bind test port: %v", err)
	}
	defer ln.Close()

	port, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if port != 19201 {
		t.Errorf("expected 19201, got %d", port)
	}
}
