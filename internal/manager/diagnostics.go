package manager

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/gpu"
	"inferd/internal/llm"
)

// Diagnostics is the runtime and device snapshot logged around a load.
type Diagnostics struct {
	Runtime     string             `json:"runtime"`
	Versions    llm.Versions       `json:"versions"`
	VersionsErr string             `json:"versions_error,omitempty"`
	Device      gpu.DeviceInfo     `json:"device"`
	DeviceErr   string             `json:"device_error,omitempty"`
	Memory      gpu.MemorySnapshot `json:"memory"`
	MemoryErr   string             `json:"memory_error,omitempty"`
	ModelPath   string             `json:"model_path"`
	Quant       string             `json:"quant,omitempty"`
	Layers      int                `json:"layers,omitempty"`
	GPULayers   int                `json:"gpu_layers"`
}

// Diagnostics gathers a fresh snapshot. It does not mutate state and is safe to call at any time.
func (m *Manager) Diagnostics(ctx context.Context) Diagnostics {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	d := Diagnostics{ModelPath: m.load.Path, Quant: m.model.Quant, Layers: m.model.Layers, GPULayers: m.load.GPULayers}
	if m.rt != nil {
		d.Runtime = m.rt.Name()
		v, err := m.rt.Versions(ctx, m.load)
		d.Versions = v
		if err != nil {
			d.VersionsErr = err.Error()
		}
	}
	if dev, err := m.probe.Device(ctx); err != nil {
		d.DeviceErr = err.Error()
	} else {
		d.Device = dev
	}
	if snap, err := m.probe.Snapshot(ctx); err != nil {
		d.MemoryErr = err.Error()
	} else {
		d.Memory = snap
	}
	return d
}

func (d Diagnostics) fields(e *zerolog.Event) *zerolog.Event {
	e = e.Str("runtime", d.Runtime).
		Str("runtime_version", d.Versions.Runtime).
		Str("quantization", d.Versions.Quantization).
		Str("model_path", d.ModelPath).
		Int("gpu_layers", d.GPULayers)
	if d.DeviceErr != "" {
		e = e.Str("device_error", d.DeviceErr)
	} else {
		e = e.Str("device", d.Device.Name).Str("compute_capability", d.Device.ComputeCapability).Str("driver", d.Device.DriverVersion)
	}
	if d.MemoryErr == "" {
		e = e.Uint64("mem_total_mb", d.Memory.TotalBytes>>20).Uint64("mem_free_mb", d.Memory.FreeMB())
	}
	return e
}
