package memdev

import (
	"fmt"
	"sync"

	"github.com/simplyblock-io/vbdev-passthru/internal/blockdev"
)

// Registrar is an in-process stand-in for the host framework's device
// catalog: it tracks which base devices are claimed and hands out a
// dedicated metadata channel per registered virtual device.
type Registrar struct {
	mu      sync.Mutex
	claimed map[string]bool
	mdChans map[string]blockdev.Channel
}

// NewRegistrar returns an empty Registrar.
func NewRegistrar() *Registrar {
	return &Registrar{
		claimed: make(map[string]bool),
		mdChans: make(map[string]blockdev.Channel),
	}
}

func (r *Registrar) ClaimBdev(base blockdev.BaseDevice, vbdevName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%p", base)
	if r.claimed[key] {
		return fmt.Errorf("memdev: base device already claimed")
	}
	r.claimed[key] = true
	return nil
}

func (r *Registrar) ReleaseBdev(base blockdev.BaseDevice, vbdevName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claimed, fmt.Sprintf("%p", base))
}

func (r *Registrar) RegisterIODevice(vbdevName string, base blockdev.BaseDevice) (blockdev.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.mdChans[vbdevName]; exists {
		return nil, fmt.Errorf("memdev: vbdev %q already registered", vbdevName)
	}
	ch := base.GetIOChannel()
	r.mdChans[vbdevName] = ch
	return ch, nil
}

func (r *Registrar) UnregisterIODevice(vbdevName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mdChans, vbdevName)
}

// Locator is an in-process stand-in for the host framework's base-device
// name resolution, used by internal/control.Coordinator to find a base
// device by name at CreateDisk time.
type Locator struct {
	mu    sync.Mutex
	bases map[string]blockdev.BaseDevice
}

// NewLocator returns an empty Locator.
func NewLocator() *Locator {
	return &Locator{bases: make(map[string]blockdev.BaseDevice)}
}

// Add registers a base device under name so Lookup can find it, simulating
// the base device's arrival.
func (l *Locator) Add(name string, base blockdev.BaseDevice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bases[name] = base
}

// Remove simulates the base device's departure.
func (l *Locator) Remove(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.bases, name)
}

func (l *Locator) Lookup(name string) (blockdev.BaseDevice, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	base, ok := l.bases[name]
	return base, ok
}
