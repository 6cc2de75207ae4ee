package manager

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"inferd/internal/gpu"
	"inferd/internal/llm"
)

const testMiB = 1 << 20

// fakeProbe tracks reserved memory moved by fakeModel.
type fakeProbe struct {
	mu       sync.Mutex
	total    uint64
	reserved uint64
	reads    int
}

func newFakeProbe(totalMiB, reservedMiB uint64) *fakeProbe {
	return &fakeProbe{total: totalMiB * testMiB, reserved: reservedMiB * testMiB}
}

func (p *fakeProbe) add(n int64) {
	p.mu.Lock()
	p.reserved = uint64(int64(p.reserved) + n)
	p.mu.Unlock()
}

func (p *fakeProbe) Snapshot(context.Context) (gpu.MemorySnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads++
	return gpu.MemorySnapshot{TotalBytes: p.total, AllocatedBytes: p.reserved, ReservedBytes: p.reserved, FreeBytes: p.total - p.reserved, TakenAt: time.Now()}, nil
}

func (p *fakeProbe) Device(context.Context) (gpu.DeviceInfo, error) {
	return gpu.DeviceInfo{Name: "Fake A100", ComputeCapability: "8.0", TotalBytes: p.total}, nil
}

// fakeModel encodes words as ids < 1000 and produces ids >= 1000 that decode to output words.
type fakeModel struct {
	probe      *fakeProbe
	cacheBytes int64
	output     []string
	genErr     error
	releaseErr error
	placement  []llm.Placement
	block      chan struct{}
	closed     atomic.Bool
	released   atomic.Int32
	grown      atomic.Int64
	lastParams llm.Sampling
}

func (f *fakeModel) Encode(ctx context.Context, text string, maxTokens int) (llm.Encoding, error) {
	words := strings.Fields(text)
	enc := llm.Encoding{}
	if len(words) > maxTokens {
		words = words[:maxTokens]
		enc.Truncated = true
	}
	for i := range words {
		enc.IDs = append(enc.IDs, int32(i))
	}
	enc.Text = strings.Join(words, " ")
	return enc, nil
}

func (f *fakeModel) Generate(ctx context.Context, in llm.Encoding, s llm.Sampling) ([]int32, error) {
	f.lastParams = s
	if f.probe != nil {
		f.probe.add(f.cacheBytes)
		f.grown.Add(f.cacheBytes)
	}
	if f.block != nil {
		<-f.block
	}
	if f.genErr != nil {
		return nil, f.genErr
	}
	seq := append([]int32(nil), in.IDs...)
	for i := range f.output {
		seq = append(seq, int32(1000+i))
	}
	return seq, nil
}

func (f *fakeModel) Decode(ctx context.Context, ids []int32) (string, error) {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		if id < 1000 {
			parts = append(parts, "PROMPT")
			continue
		}
		parts = append(parts, f.output[id-1000])
	}
	return strings.Join(parts, " "), nil
}

func (f *fakeModel) Placement() []llm.Placement {
	if f.placement != nil {
		return f.placement
	}
	return llm.SplitPlacement(2, -1, "cuda:0")
}

func (f *fakeModel) ReleaseCache(ctx context.Context) error {
	f.released.Add(1)
	if f.probe != nil {
		f.probe.add(-f.grown.Swap(0))
	}
	return f.releaseErr
}

func (f *fakeModel) Close() error { f.closed.Store(true); return nil }

type fakeRuntime struct {
	versions llm.Versions
	loadErr  error
	model    *fakeModel
	loads    atomic.Int32
	delay    time.Duration
}

func (r *fakeRuntime) Name() string { return "fake" }

func (r *fakeRuntime) Versions(context.Context, llm.LoadOptions) (llm.Versions, error) {
	return r.versions, nil
}

func (r *fakeRuntime) Load(ctx context.Context, opts llm.LoadOptions) (llm.Model, error) {
	r.loads.Add(1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.loadErr != nil {
		return nil, r.loadErr
	}
	return r.model, nil
}

func newTestManager(t *testing.T, rt *fakeRuntime, probe gpu.Probe, req Requirements) (*Manager, *MemoryPublisher) {
	t.Helper()
	pub := NewMemoryPublisher(0)
	m := New(Config{
		Runtime:      rt,
		Probe:        probe,
		Load:         llm.LoadOptions{Name: "mixtral-test", GPULayers: -1},
		Requirements: req,
		Publisher:    pub,
	})
	return m, pub
}

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return c
}
