// ABOUTME: OS-level liveness probe for stdio children
// ABOUTME: A pid counts as ours only if its environment carries the marker variable

package manager

import (
	"github.com/shirou/gopsutil/v4/process"

	"github.com/2389/coven-mcp/internal/proxy"
)

// probePIDMarker reports whether pid is a live process spawned by this hub.
// Existence alone is not enough: pids get recycled, so the process
// environment is inspected for the marker variable injected at spawn time.
// The check is racy between the existence test and the environment read,
// which is acceptable for a best-effort probe.
func probePIDMarker(pid int) bool {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := p.IsRunning()
	if err != nil || !running {
		return false
	}

	env, err := p.Environ()
	if err != nil {
		return false
	}
	marker := proxy.MarkerEnv + "=1"
	for _, kv := range env {
		if kv == marker {
			return true
		}
	}
	return false
}
