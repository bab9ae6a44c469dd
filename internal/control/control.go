// Package control is the single coordinator owning both the registry of
// pending create_disk requests and the list of live virtual devices,
// exposing the control-plane surface of spec §6.2 and §6.4.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/simplyblock-io/vbdev-passthru/internal/blockdev"
	"github.com/simplyblock-io/vbdev-passthru/internal/config"
	"github.com/simplyblock-io/vbdev-passthru/internal/device"
	"github.com/simplyblock-io/vbdev-passthru/internal/registry"
)

// ErrExists is returned by CreateDisk when vbdev_name is already in use,
// matching the source system's EEXIST.
var ErrExists = errors.New("control: vbdev name already exists")

// BaseLocator resolves a base device by name, reporting whether it is
// currently present. The host framework is the only real implementation;
// internal/memdev provides one for tests.
type BaseLocator interface {
	Lookup(name string) (blockdev.BaseDevice, bool)
}

// Coordinator owns the registry and the live-device list. All registry and
// device-list mutations go through it, per spec §5's "mutated only on
// control paths" guarantee: device-list mutations are serialized by mu, and
// the registry serializes its own mutations with its internal lock.
type Coordinator struct {
	mu sync.Mutex

	reg     *registry.Registry
	devices map[string]*device.Device

	bases blockdev.Registrar
	find  BaseLocator

	log *zap.SugaredLogger
}

// New returns a Coordinator ready to accept CreateDisk/DeleteDisk calls.
func New(bases blockdev.Registrar, find BaseLocator, log *zap.SugaredLogger) *Coordinator {
	return &Coordinator{
		reg:     registry.New(),
		devices: make(map[string]*device.Device),
		bases:   bases,
		find:    find,
		log:     log,
	}
}

// CreateDisk implements spec §6.2's create_disk. If the base device isn't
// present yet, cfg is recorded in the registry and CreateDisk returns nil
// with the device left unregistered — attachment happens later through
// OnBaseArrival.
func (c *Coordinator) CreateDisk(ctx context.Context, cfg *config.VirtualDeviceConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("control: invalid configuration: %w", err)
	}

	c.mu.Lock()
	if _, exists := c.devices[cfg.VbdevName]; exists {
		c.mu.Unlock()
		return ErrExists
	}
	if !c.reg.Insert(cfg) {
		c.mu.Unlock()
		return ErrExists
	}
	c.mu.Unlock()

	base, ok := c.find.Lookup(cfg.BaseBdevName)
	if !ok {
		c.log.Infow("base device not yet present, deferring attach",
			"vbdev_name", cfg.VbdevName, "base_bdev_name", cfg.BaseBdevName)
		return nil
	}

	return c.attach(ctx, cfg, base)
}

func (c *Coordinator) attach(ctx context.Context, cfg *config.VirtualDeviceConfig, base blockdev.BaseDevice) error {
	d, err := device.Register(ctx, cfg, base, c.bases, c.log)
	if err != nil {
		return fmt.Errorf("control: register %q: %w", cfg.VbdevName, err)
	}

	c.mu.Lock()
	c.devices[cfg.VbdevName] = d
	c.mu.Unlock()
	return nil
}

// OnBaseArrival retries every pending registration whose base device name
// matches baseBdevName, per spec §4.6 ("consulted ... on every
// base-device-arrival event").
func (c *Coordinator) OnBaseArrival(ctx context.Context, baseBdevName string, base blockdev.BaseDevice) {
	for _, cfg := range c.reg.MatchingBase(baseBdevName) {
		c.mu.Lock()
		_, already := c.devices[cfg.VbdevName]
		c.mu.Unlock()
		if already {
			continue
		}
		if err := c.attach(ctx, cfg, base); err != nil {
			c.log.Errorw("deferred attach failed", "vbdev_name", cfg.VbdevName, "error", err)
		}
	}
}

// OnBaseRemoved implements the hot-remove fan-out of spec §4.5: every
// virtual device backed by baseBdevName is destructed and dropped.
func (c *Coordinator) OnBaseRemoved(baseBdevName string) {
	c.mu.Lock()
	var toDestruct []*device.Device
	for name, d := range c.devices {
		if d.BaseName() == baseBdevName {
			toDestruct = append(toDestruct, d)
			delete(c.devices, name)
		}
	}
	c.mu.Unlock()

	for _, d := range toDestruct {
		d.HotRemove()
		if err := device.Destruct(d, c.bases); err != nil {
			c.log.Errorw("destruct after hot-remove failed", "vbdev_name", d.Name(), "error", err)
		}
	}
}

// DeleteDisk implements spec §6.2's delete_disk: unregisters the named
// virtual device and, on success, removes its pending-name entry.
func (c *Coordinator) DeleteDisk(vbdevName string) error {
	c.mu.Lock()
	d, exists := c.devices[vbdevName]
	if exists {
		delete(c.devices, vbdevName)
	}
	c.mu.Unlock()

	if !exists {
		return fmt.Errorf("control: %q is not a registered virtual device", vbdevName)
	}

	if err := device.Destruct(d, c.bases); err != nil {
		return fmt.Errorf("control: destruct %q: %w", vbdevName, err)
	}

	c.reg.Remove(vbdevName)
	return nil
}

// DumpInfoResult matches spec §6.4's dump_info shape.
type DumpInfoResult struct {
	Passthru DumpInfoPassthru `json:"passthru"`
}

// DumpInfoPassthru is the inner object of DumpInfoResult.
type DumpInfoPassthru struct {
	Name         string `json:"name"`
	BaseBdevName string `json:"base_bdev_name"`
}

// DumpInfo implements spec §6.4's dump_info for a single virtual device.
func (c *Coordinator) DumpInfo(vbdevName string) (DumpInfoResult, error) {
	c.mu.Lock()
	d, exists := c.devices[vbdevName]
	c.mu.Unlock()

	if !exists {
		return DumpInfoResult{}, fmt.Errorf("control: %q is not a registered virtual device", vbdevName)
	}

	return DumpInfoResult{
		Passthru: DumpInfoPassthru{
			Name:         d.Name(),
			BaseBdevName: d.BaseName(),
		},
	}, nil
}

// ConfigRecord is one entry of spec §6.4's config_json output.
type ConfigRecord struct {
	Method string             `json:"method"`
	Params ConfigRecordParams `json:"params"`
}

// ConfigRecordParams is the params object of a ConfigRecord.
type ConfigRecordParams struct {
	BaseBdevName string `json:"base_bdev_name"`
	Name         string `json:"name"`
	UUID         string `json:"uuid,omitempty"`
}

// ConfigJSON implements spec §6.4's config_json, covering every live
// virtual device.
func (c *Coordinator) ConfigJSON() []ConfigRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ConfigRecord, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, ConfigRecord{
			Method: "bdev_passthru_create",
			Params: ConfigRecordParams{
				BaseBdevName: d.BaseName(),
				Name:         d.Name(),
				UUID:         d.UUID().String(),
			},
		})
	}
	return out
}

// Finish drains the pending-names list, per spec §4.5's module teardown.
func (c *Coordinator) Finish() {
	c.reg.Drain()
}
