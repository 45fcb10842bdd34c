// ABOUTME: Port allocator for stdio proxy listeners
// ABOUTME: Hands out free ports from a bounded range, bind-checking each candidate

package proxy

import (
	"fmt"
	"net"
	"sync"
)

// PortAllocator hands out ports from [min, max], skipping ports it has
// already allocated and ports something else is listening on.
type PortAllocator struct {
	mu        sync.Mutex
	min, max  int
	next      int
	allocated map[int]bool
}

// NewPortAllocator creates an allocator over the inclusive range [min, max].
func NewPortAllocator(min, max int) *PortAllocator {
	return &PortAllocator{
		min:       min,
		max:       max,
		next:      min,
		allocated: map[int]bool{},
	}
}

// Allocate returns a free port, or an error when the range is exhausted.
func (p *PortAllocator) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.max - p.min + 1
	for i := 0; i < size; i++ {
		port := p.next
		p.next++
		if p.next > p.max {
			p.next = p.min
		}
		if p.allocated[port] {
			continue
		}
		if !portFree(port) {
			continue
		}
		p.allocated[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("no free ports in range %d-%d", p.min, p.max)
}

// Release returns a port to the pool.
func (p *PortAllocator) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allocated, port)
}

func portFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
