// Package admission gates work onto the shared accelerator. Extraction jobs
// take a counting semaphore; generation jobs take a queue slot and then one of
// the in-flight slots (exactly one by default). Every grant re-reads device
// memory against the class's free-memory floor.
package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"inferd/internal/failure"
	"inferd/internal/gpu"
	"inferd/pkg/types"
)

// Class is a workload class with its own admission policy.
type Class string

const (
	Extraction Class = "extraction"
	Generation Class = "generation"
)

// Defaults applied when corresponding Policy fields are unset.
const (
	defaultExtractionLimit = 4
	defaultGenerationLimit = 1
	defaultQueueDepth      = 32
	defaultQueueWait       = 30 * time.Second
	defaultPollInterval    = 250 * time.Millisecond
)

// Policy tunes one class.
type Policy struct {
	Limit int
	// QueueDepth bounds callers waiting for a generation slot.
	QueueDepth   int
	MinFreeBytes uint64
	// MemoryWait is how long a granted slot may wait for headroom before
	// InsufficientMemory; zero rejects on the first failed read.
	MemoryWait time.Duration
	// QueueWait bounds the wait for a slot.
	QueueWait time.Duration
}

// Config configures a Gate.
type Config struct {
	Probe        gpu.Probe
	Extraction   Policy
	Generation   Policy
	PollInterval time.Duration
	Logger       *zerolog.Logger
}

// Gate is safe for concurrent use.
type Gate struct {
	probe gpu.Probe
	poll  time.Duration
	log   zerolog.Logger

	ext         *semaphore.Weighted
	extPolicy   Policy
	extInflight atomic.Int64
	extWaiting  atomic.Int64

	genCh     chan struct{} // size Limit: in-flight generations
	queueCh   chan struct{} // size Limit+QueueDepth: waiting plus running
	genPolicy Policy
}

// New builds a Gate, applying defaults.
func New(cfg Config) *Gate {
	ep, gp := cfg.Extraction, cfg.Generation
	if ep.Limit <= 0 {
		ep.Limit = defaultExtractionLimit
	}
	if gp.Limit <= 0 {
		gp.Limit = defaultGenerationLimit
	}
	if gp.QueueDepth <= 0 {
		gp.QueueDepth = defaultQueueDepth
	}
	for _, p := range []*Policy{&ep, &gp} {
		if p.QueueWait <= 0 {
			p.QueueWait = defaultQueueWait
		}
	}
	g := &Gate{
		probe:     cfg.Probe,
		poll:      cfg.PollInterval,
		ext:       semaphore.NewWeighted(int64(ep.Limit)),
		extPolicy: ep,
		genCh:     make(chan struct{}, gp.Limit),
		queueCh:   make(chan struct{}, gp.Limit+gp.QueueDepth),
		genPolicy: gp,
	}
	if g.poll <= 0 {
		g.poll = defaultPollInterval
	}
	if g.probe == nil {
		g.probe = gpu.NoDevice{}
	}
	if cfg.Logger != nil {
		g.log = cfg.Logger.With().Str("component", "gate").Logger()
	} else {
		g.log = zerolog.Nop()
	}
	return g
}

// Ticket is a granted slot. Release is idempotent.
type Ticket struct {
	class   Class
	granted time.Time
	once    sync.Once
	release func()
}

// Class reports the ticket's workload class.
func (t *Ticket) Class() Class { return t.class }

// Release returns the slot. Safe to call more than once and on a nil ticket.
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.release()
		inflight.WithLabelValues(string(t.class)).Dec()
		held.WithLabelValues(string(t.class)).Observe(time.Since(t.granted).Seconds())
	})
}

// Admit blocks until class has a free slot and the device has headroom for it.
// Errors are *failure.Error with kind Overloaded, InsufficientMemory or Canceled.
func (g *Gate) Admit(ctx context.Context, class Class) (*Ticket, error) {
	start := time.Now()
	var (
		release func()
		err     error
		policy  Policy
	)
	switch class {
	case Extraction:
		policy = g.extPolicy
		release, err = g.acquireExtraction(ctx)
	case Generation:
		policy = g.genPolicy
		release, err = g.acquireGeneration(ctx)
	default:
		return nil, failure.Newf(failure.InvalidRequest, "admit", "unknown workload class %q", class)
	}
	if err != nil {
		g.reject(class, err, start)
		return nil, err
	}
	if err := g.awaitHeadroom(ctx, class, policy); err != nil {
		release()
		g.reject(class, err, start)
		return nil, err
	}
	waitSeconds.WithLabelValues(string(class)).Observe(time.Since(start).Seconds())
	admittedTotal.WithLabelValues(string(class)).Inc()
	inflight.WithLabelValues(string(class)).Inc()
	g.log.Debug().Str("event", "admit").Str("class", string(class)).Dur("wait", time.Since(start)).Msg("slot granted")
	return &Ticket{class: class, granted: time.Now(), release: release}, nil
}

// Do runs fn under a ticket for class; the ticket is released however fn returns.
func (g *Gate) Do(ctx context.Context, class Class, fn func(context.Context) error) error {
	t, err := g.Admit(ctx, class)
	if err != nil {
		return err
	}
	defer t.Release()
	return fn(ctx)
}

func (g *Gate) reject(class Class, err error, start time.Time) {
	kind := failure.KindOf(err)
	rejectedTotal.WithLabelValues(string(class), string(kind)).Inc()
	g.log.Warn().Str("event", "reject").Str("class", string(class)).Str("kind", string(kind)).
		Dur("wait", time.Since(start)).Err(err).Msg("admission rejected")
}

func (g *Gate) acquireExtraction(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, failure.New(failure.Canceled, "admit extraction", err)
	}
	g.extWaiting.Add(1)
	defer g.extWaiting.Add(-1)
	wctx, cancel := context.WithTimeout(ctx, g.extPolicy.QueueWait)
	defer cancel()
	if err := g.ext.Acquire(wctx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, failure.New(failure.Canceled, "admit extraction", ctx.Err())
		}
		return nil, failure.Newf(failure.Overloaded, "admit extraction", "no extraction slot within %s", g.extPolicy.QueueWait)
	}
	g.extInflight.Add(1)
	return func() { g.extInflight.Add(-1); g.ext.Release(1) }, nil
}

// acquireGeneration reserves a queue slot and then an in-flight slot.
func (g *Gate) acquireGeneration(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, failure.New(failure.Canceled, "admit generation", err)
	}
	timer := time.NewTimer(g.genPolicy.QueueWait)
	defer timer.Stop()
	select {
	case g.queueCh <- struct{}{}:
	case <-ctx.Done():
		return nil, failure.New(failure.Canceled, "admit generation", ctx.Err())
	case <-timer.C:
		return nil, failure.Newf(failure.Overloaded, "admit generation", "generation queue full (%d)", cap(g.queueCh))
	}
	acquired := false
	defer func() {
		if !acquired {
			<-g.queueCh
		}
	}()
	select {
	case g.genCh <- struct{}{}:
		acquired = true
		return func() { <-g.genCh; <-g.queueCh }, nil
	case <-ctx.Done():
		return nil, failure.New(failure.Canceled, "admit generation", ctx.Err())
	case <-timer.C:
		return nil, failure.Newf(failure.Overloaded, "admit generation", "no generation slot within %s", g.genPolicy.QueueWait)
	}
}

// awaitHeadroom polls memory until the floor is met or MemoryWait elapses.
// Without an accelerator there is no device memory to protect and the floor
// does not apply; any other probe error counts as no headroom.
func (g *Gate) awaitHeadroom(ctx context.Context, class Class, p Policy) error {
	if p.MinFreeBytes == 0 {
		return nil
	}
	deadline := time.Now().Add(p.MemoryWait)
	for {
		snap, err := g.probe.Snapshot(ctx)
		if errors.Is(err, gpu.ErrNoDevice) {
			g.log.Debug().Str("event", "floor_skipped").Str("class", string(class)).Msg("no accelerator, memory floor not applied")
			return nil
		}
		if err == nil && snap.HasHeadroom(p.MinFreeBytes) {
			return nil
		}
		if !time.Now().Before(deadline) {
			fe := failure.Newf(failure.InsufficientMemory, "admit "+string(class),
				"need %d MiB free", p.MinFreeBytes>>20)
			if err != nil {
				fe.Err = errors.Join(fe.Err, err)
			} else {
				fe.WithMemory(snap)
			}
			return fe
		}
		t := time.NewTimer(g.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return failure.New(failure.Canceled, "admit "+string(class), ctx.Err())
		case <-t.C:
		}
	}
}

// Stats reports per-class occupancy.
func (g *Gate) Stats() map[string]types.GateClassStats {
	genInflight := len(g.genCh)
	genQueued := len(g.queueCh) - genInflight
	if genQueued < 0 {
		genQueued = 0
	}
	return map[string]types.GateClassStats{
		string(Extraction): {
			Limit:    g.extPolicy.Limit,
			Inflight: int(g.extInflight.Load()),
			Queued:   int(g.extWaiting.Load()),
			MinFree:  g.extPolicy.MinFreeBytes,
		},
		string(Generation): {
			Limit:    g.genPolicy.Limit,
			Inflight: genInflight,
			Queued:   genQueued,
			MinFree:  g.genPolicy.MinFreeBytes,
		},
	}
}
