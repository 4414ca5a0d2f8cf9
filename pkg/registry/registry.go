package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Liveness windows. A device that has not heartbeated within AwayAfter is
// marked away; within OfflineAfter, offline.
const (
	AwayAfter    = 90 * time.Second
	OfflineAfter = 5 * time.Minute
)

// ErrDeviceNotFound is returned when the device id is unknown.
var ErrDeviceNotFound = errors.New("device not found")

// Registry is the in-memory device catalog. Safe for concurrent use.
type Registry struct {
	log zerolog.Logger

	mu      sync.RWMutex
	devices map[string]*Device
}

// New creates an empty registry.
func New(log zerolog.Logger) *Registry {
	return &Registry{
		log:     log.With().Str("component", "registry").Logger(),
		devices: make(map[string]*Device),
	}
}

// Register inserts or updates a device. When the capability list is empty
// it is derived from the device type. The device comes up online.
func (r *Registry) Register(d Device) *Device {
	if len(d.Capabilities) == 0 {
		d.Capabilities = defaultCapabilities(d.Type)
	}
	if d.Trust < MinTrust || d.Trust > MaxTrust {
		d.Trust = DefaultTrust
	}
	d.Status = StatusOnline
	d.LastSeen = time.Now()

	r.mu.Lock()
	r.devices[d.ID] = &d
	r.mu.Unlock()

	r.log.Info().
		Str("device", d.ID).
		Str("type", string(d.Type)).
		Strs("capabilities", d.Capabilities).
		Msg("device registered")
	return &d
}

// Heartbeat refreshes a device's liveness and metadata.
func (r *Registry) Heartbeat(deviceID string, metadata map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	d.Status = StatusOnline
	d.LastSeen = time.Now()
	if metadata != nil {
		d.Metadata = metadata
	}
	return nil
}

// Get returns a copy of the device, or nil if unknown.
func (r *Registry) Get(deviceID string) *Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return nil
	}
	cp := *d
	return &cp
}

// SelectBestDevice returns the highest-trust online device advertising the
// capability, or nil when none qualifies. The second return reports whether
// any registered device advertises the capability at all, so callers can
// tell "nobody offers this" apart from "the devices that do are offline".
func (r *Registry) SelectBestDevice(capability string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Device
	advertised := false
	for _, d := range r.devices {
		if !d.HasCapability(capability) {
			continue
		}
		advertised = true
		if d.Status != StatusOnline {
			continue
		}
		if best == nil || d.Trust > best.Trust {
			best = d
		}
	}
	if best == nil {
		return nil, advertised
	}
	cp := *best
	return &cp, true
}

// DevicesByStatus returns copies of all devices in the given status.
func (r *Registry) DevicesByStatus(status DeviceStatus) []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Device
	for _, d := range r.devices {
		if d.Status == status {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out
}

// AllDevices returns copies of every known device.
func (r *Registry) AllDevices() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		cp := *d
		out = append(out, &cp)
	}
	return out
}

// Remove deletes a device from the catalog.
func (r *Registry) Remove(deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[deviceID]; !ok {
		return ErrDeviceNotFound
	}
	delete(r.devices, deviceID)
	r.log.Info().Str("device", deviceID).Msg("device removed")
	return nil
}

// MarkStale sweeps liveness: devices past AwayAfter become away, past
// OfflineAfter become offline. Missed heartbeats are the peer's signal.
func (r *Registry) MarkStale(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range r.devices {
		idle := now.Sub(d.LastSeen)
		switch {
		case idle > OfflineAfter && d.Status != StatusOffline:
			d.Status = StatusOffline
			r.log.Debug().Str("device", d.ID).Msg("device offline")
		case idle > AwayAfter && d.Status == StatusOnline:
			d.Status = StatusAway
			r.log.Debug().Str("device", d.ID).Msg("device away")
		}
	}
}

// AdjustTrust shifts a device's trust by delta, clamped to [0, 100].
func (r *Registry) AdjustTrust(deviceID string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	d.Trust += delta
	if d.Trust > MaxTrust {
		d.Trust = MaxTrust
	}
	if d.Trust < MinTrust {
		d.Trust = MinTrust
	}
	return nil
}
