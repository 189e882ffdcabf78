// Package capacity tracks accelerator memory and answers load-admission
// questions for the model registry. Absence of an accelerator is a valid
// configuration, not an error: host-only profiles always admit.
package capacity

import (
	"sync"

	"inferd/pkg/types"
)

// DeviceProfile is a point-in-time view of device memory.
type DeviceProfile struct {
	Name           string
	TotalBytes     uint64
	AllocatedBytes uint64
	FreeBytes      uint64
	HasAccelerator bool
}

// Prober reports raw device memory state. Implementations must be cheap;
// Probe is called on every load decision.
type Prober interface {
	Probe() DeviceProfile
	// Reclaim hints the device driver to release cached allocations.
	// Best-effort: no guaranteed effect, must not block.
	Reclaim()
}

// HostProber is the fallback when no accelerator is configured. Loads are
// always permitted and reclaim is a no-op.
type HostProber struct{}

func (HostProber) Probe() DeviceProfile {
	return DeviceProfile{Name: "host", HasAccelerator: false}
}

func (HostProber) Reclaim() {}

// StaticProber models an accelerator with a fixed memory budget. The actual
// allocation bookkeeping lives in the Manager; the prober only supplies the
// total.
type StaticProber struct {
	Name  string
	Total uint64
}

func (p StaticProber) Probe() DeviceProfile {
	name := p.Name
	if name == "" {
		name = "accelerator"
	}
	return DeviceProfile{Name: name, TotalBytes: p.Total, HasAccelerator: true}
}

func (StaticProber) Reclaim() {}

// Manager combines a Prober with allocation accounting for loaded backends.
type Manager struct {
	mu       sync.Mutex
	prober   Prober
	reserved uint64
}

func NewManager(p Prober) *Manager {
	if p == nil {
		p = HostProber{}
	}
	return &Manager{prober: p}
}

// Detect returns the current device profile with reservations applied.
func (m *Manager) Detect() DeviceProfile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detectLocked()
}

func (m *Manager) detectLocked() DeviceProfile {
	prof := m.prober.Probe()
	if !prof.HasAccelerator {
		return prof
	}
	prof.AllocatedBytes += m.reserved
	if prof.AllocatedBytes > prof.TotalBytes {
		prof.AllocatedBytes = prof.TotalBytes
	}
	prof.FreeBytes = prof.TotalBytes - prof.AllocatedBytes
	return prof
}

// CanLoad reports whether a backend of the estimated size fits with the
// given safety margin left free. Host-only profiles always fit.
func (m *Manager) CanLoad(estimatedBytes, marginBytes uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	prof := m.detectLocked()
	if !prof.HasAccelerator {
		return true
	}
	return prof.FreeBytes >= estimatedBytes+marginBytes
}

// Reserve records bytes committed to a loaded backend.
func (m *Manager) Reserve(n uint64) {
	m.mu.Lock()
	m.reserved += n
	m.mu.Unlock()
}

// Release returns bytes reserved by Reserve.
func (m *Manager) Release(n uint64) {
	m.mu.Lock()
	if n > m.reserved {
		m.reserved = 0
	} else {
		m.reserved -= n
	}
	m.mu.Unlock()
}

// Reclaim forwards the best-effort driver hint.
func (m *Manager) Reclaim() {
	m.prober.Reclaim()
}

// Stats converts the current profile to the public DTO.
func (m *Manager) Stats() types.DeviceStats {
	prof := m.Detect()
	return types.DeviceStats{
		Name:           prof.Name,
		TotalBytes:     prof.TotalBytes,
		AllocatedBytes: prof.AllocatedBytes,
		FreeBytes:      prof.FreeBytes,
		HasAccelerator: prof.HasAccelerator,
	}
}
