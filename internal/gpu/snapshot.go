// Package gpu reads accelerator identity and memory headroom.
// Every read is a point-in-time query; nothing here caches device state.
package gpu

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoDevice is returned by probes when no accelerator is visible to the process.
var ErrNoDevice = errors.New("gpu: no accelerator available")

const mib = 1024 * 1024

// MemorySnapshot is a single read of device memory.
type MemorySnapshot struct {
	TotalBytes     uint64    `json:"total_bytes"`
	AllocatedBytes uint64    `json:"allocated_bytes"`
	ReservedBytes  uint64    `json:"reserved_bytes"`
	FreeBytes      uint64    `json:"free_bytes"`
	TakenAt        time.Time `json:"taken_at"`
}

// FreeMB returns free memory in MiB, rounded down.
func (s MemorySnapshot) FreeMB() uint64 { return s.FreeBytes / mib }

// UsedBytes is total minus free, clamped at zero.
func (s MemorySnapshot) UsedBytes() uint64 {
	if s.FreeBytes > s.TotalBytes {
		return 0
	}
	return s.TotalBytes - s.FreeBytes
}

// HasHeadroom reports whether at least minFreeBytes are free.
func (s MemorySnapshot) HasHeadroom(minFreeBytes uint64) bool {
	return s.FreeBytes >= minFreeBytes
}

func (s MemorySnapshot) String() string {
	return fmt.Sprintf("total=%dMiB allocated=%dMiB reserved=%dMiB free=%dMiB",
		s.TotalBytes/mib, s.AllocatedBytes/mib, s.ReservedBytes/mib, s.FreeBytes/mib)
}

// DeviceInfo identifies the accelerator the process is bound to.
type DeviceInfo struct {
	Index             int    `json:"index"`
	Name              string `json:"name"`
	ComputeCapability string `json:"compute_capability,omitempty"`
	DriverVersion     string `json:"driver_version,omitempty"`
	TotalBytes        uint64 `json:"total_bytes"`
}

// Probe is a stateless query over one device.
type Probe interface {
	Snapshot(ctx context.Context) (MemorySnapshot, error)
	Device(ctx context.Context) (DeviceInfo, error)
}

// NoDevice is the probe used on hosts without an accelerator.
type NoDevice struct{}

func (NoDevice) Snapshot(context.Context) (MemorySnapshot, error) { return MemorySnapshot{}, ErrNoDevice }
func (NoDevice) Device(context.Context) (DeviceInfo, error)       { return DeviceInfo{}, ErrNoDevice }

// Available reports whether p can see a device right now.
func Available(ctx context.Context, p Probe) bool {
	if p == nil {
		return false
	}
	_, err := p.Device(ctx)
	return err == nil
}
