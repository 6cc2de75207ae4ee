package gpu

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// smiFields is the query order passed to nvidia-smi; parseSMI depends on it.
var smiFields = []string{
	"index", "name", "compute_cap", "driver_version",
	"memory.total", "memory.used", "memory.reserved", "memory.free",
}

// runFunc executes a command and returns stdout.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, ErrNoDevice
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// SMIProbe queries nvidia-smi for a single device index.
type SMIProbe struct {
	Bin     string
	Index   int
	Timeout time.Duration
	run     runFunc
}

// NewSMIProbe returns a probe for device index idx. An empty bin means "nvidia-smi" on PATH.
func NewSMIProbe(bin string, idx int) *SMIProbe {
	if bin == "" {
		bin = "nvidia-smi"
	}
	return &SMIProbe{Bin: bin, Index: idx, Timeout: 5 * time.Second, run: execRun}
}

func (p *SMIProbe) query(ctx context.Context) (DeviceInfo, MemorySnapshot, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	run := p.run
	if run == nil {
		run = execRun
	}
	out, err := run(ctx, p.Bin,
		"--query-gpu="+strings.Join(smiFields, ","),
		"--format=csv,noheader,nounits",
		"-i", strconv.Itoa(p.Index))
	if err != nil {
		return DeviceInfo{}, MemorySnapshot{}, err
	}
	return parseSMI(out)
}

// Snapshot implements Probe.
func (p *SMIProbe) Snapshot(ctx context.Context) (MemorySnapshot, error) {
	_, snap, err := p.query(ctx)
	return snap, err
}

// Device implements Probe.
func (p *SMIProbe) Device(ctx context.Context) (DeviceInfo, error) {
	dev, _, err := p.query(ctx)
	return dev, err
}

// parseSMI decodes one csv row produced with smiFields. Memory values are MiB.
// Older drivers print "[N/A]" for memory.reserved; used is taken as reserved then.
func parseSMI(out []byte) (DeviceInfo, MemorySnapshot, error) {
	r := csv.NewReader(bytes.NewReader(out))
	r.TrimLeadingSpace = true
	rec, err := r.Read()
	if err != nil {
		return DeviceInfo{}, MemorySnapshot{}, fmt.Errorf("parse nvidia-smi output: %w", err)
	}
	if len(rec) != len(smiFields) {
		return DeviceInfo{}, MemorySnapshot{}, fmt.Errorf("parse nvidia-smi output: want %d fields, got %d", len(smiFields), len(rec))
	}
	idx, err := strconv.Atoi(strings.TrimSpace(rec[0]))
	if err != nil {
		return DeviceInfo{}, MemorySnapshot{}, fmt.Errorf("parse device index %q: %w", rec[0], err)
	}
	mem := make([]uint64, 4)
	for i := range mem {
		v := strings.TrimSpace(rec[4+i])
		if strings.HasPrefix(v, "[") { // [N/A], [Not Supported]
			continue
		}
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return DeviceInfo{}, MemorySnapshot{}, fmt.Errorf("parse %s %q: %w", smiFields[4+i], v, err)
		}
		mem[i] = n * mib
	}
	total, used, reserved, free := mem[0], mem[1], mem[2], mem[3]
	if reserved == 0 {
		reserved = used
	}
	dev := DeviceInfo{
		Index:             idx,
		Name:              strings.TrimSpace(rec[1]),
		ComputeCapability: strings.TrimSpace(rec[2]),
		DriverVersion:     strings.TrimSpace(rec[3]),
		TotalBytes:        total,
	}
	snap := MemorySnapshot{
		TotalBytes:     total,
		AllocatedBytes: used,
		ReservedBytes:  reserved,
		FreeBytes:      free,
		TakenAt:        time.Now(),
	}
	return dev, snap, nil
}
