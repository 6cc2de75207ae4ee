package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/admission"
	"inferd/internal/common/fsutil"
	"inferd/internal/config"
	"inferd/internal/contract"
	"inferd/internal/extract"
	"inferd/internal/gpu"
	"inferd/internal/ledger"
	"inferd/internal/llm"
	"inferd/internal/llm/llamacpp"
	"inferd/internal/llm/llamaserver"
	"inferd/internal/manager"
	"inferd/internal/registry"
	"inferd/internal/stage"
	"inferd/internal/worker"
	"inferd/pkg/types"
)

// app holds the wired components. Building it loads nothing: no weights, no
// extraction library.
type app struct {
	cfg    config.Config
	log    zerolog.Logger
	probe  gpu.Probe
	mgr    *manager.Manager
	gate   *admission.Gate
	table  *contract.Table
	ledger *ledger.Store
	worker *worker.Worker
}

func build(cfg config.Config, log zerolog.Logger, onFatal func(error)) (*app, error) {
	a := &app{cfg: cfg, log: log}
	a.probe = newProbe(cfg.Device)

	table, err := contract.Default()
	if err != nil {
		return nil, fmt.Errorf("stage contracts: %w", err)
	}
	a.table = table

	rt, model, err := newRuntime(cfg.Model)
	if err != nil {
		return nil, err
	}
	a.mgr = manager.New(manager.Config{
		Runtime: rt,
		Probe:   a.probe,
		Load: llm.LoadOptions{
			Path:        model.Path,
			Name:        model.ID,
			ContextSize: cfg.Model.ContextSize,
			Threads:     cfg.Model.Threads,
			GPULayers:   cfg.Model.GPULayers,
			Device:      cfg.Model.TargetDevice,
		},
		Model:          model,
		Requirements:   cfg.Model.Requirements,
		MaxInputTokens: cfg.Model.MaxInputTokens,
		Publisher:      manager.NewMemoryPublisher(0),
		OnFatal:        onFatal,
		Logger:         &log,
	})

	a.gate = admission.New(admission.Config{
		Probe:        a.probe,
		Extraction:   policy(cfg.Gate.Extraction),
		Generation:   policy(cfg.Gate.Generation),
		PollInterval: cfg.Gate.PollInterval.Std(),
		Logger:       &log,
	})

	a.ledger, err = ledger.Open(cfg.Serving.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", cfg.Serving.LedgerPath, err)
	}

	a.worker = worker.New(worker.Config{
		Model:            a.mgr,
		Router:           stage.New(a.mgr, table, &log),
		Gate:             a.gate,
		Probe:            a.probe,
		NewExtractor:     newExtractor(cfg.Extraction, &log),
		Ledger:           a.ledger,
		APIKey:           cfg.Serving.APIKey,
		APIKeyBcrypt:     cfg.Serving.APIKeyBcrypt,
		HealthPublic:     cfg.Serving.HealthPublic,
		MaxDocumentBytes: int64(cfg.Serving.MaxDocumentMB) << 20,
		DedupWindow:      cfg.Serving.DedupWindow.Std(),
		CallbackTimeout:  cfg.Serving.CallbackTimeout.Std(),
		OnFatal:          onFatal,
		Logger:           &log,
	})
	return a, nil
}

func (a *app) Close() error {
	err := a.mgr.Close()
	if lerr := a.ledger.Close(); err == nil {
		err = lerr
	}
	return err
}

// Status and Ready complete httpapi.Service on top of the worker.
func (a *app) Status() types.StatusResponse {
	st := a.mgr.Status()
	for _, c := range a.table.Contracts() {
		st.Stages = append(st.Stages, string(c.Stage))
	}
	return st
}

func (a *app) Ready() bool { return a.mgr.Loaded() && a.mgr.Fatal() == nil }

func (a *app) Handle(ctx context.Context, job types.Job) types.Result { return a.worker.Handle(ctx, job) }

func (a *app) Submit(ctx context.Context, job types.Job) (types.AsyncAccepted, error) {
	return a.worker.Submit(ctx, job)
}

func (a *app) Job(ctx context.Context, id string) (types.JobRecord, bool, error) {
	return a.worker.Job(ctx, id)
}

func newProbe(cfg config.DeviceConfig) gpu.Probe {
	if cfg.SMIPath == "none" {
		return gpu.NoDevice{}
	}
	return gpu.NewSMIProbe(cfg.SMIPath, cfg.Index)
}

// newRuntime picks the runtime and resolves the weights it will load.
func newRuntime(cfg config.ModelConfig) (llm.Runtime, types.Model, error) {
	switch cfg.Runtime {
	case config.RuntimeLlamaServer:
		m := types.Model{ID: cfg.Name, Name: cfg.Name, Path: cfg.Path}
		if m.ID == "" {
			m.ID = cfg.ServerURL
		}
		return llamaserver.New(cfg.ServerURL, cfg.ServerAPIKey, cfg.Slot, cfg.RequestTimeout.Std(), 10*time.Second), m, nil
	case config.RuntimeLlamaCpp:
		name := cfg.Path
		if name == "" {
			name = cfg.Name
		}
		m, err := registry.Find(cfg.ModelsDir, name)
		if err != nil {
			return nil, types.Model{}, fmt.Errorf("resolve model: %w", err)
		}
		return llamacpp.New(cfg.Threads), m, nil
	default:
		return nil, types.Model{}, fmt.Errorf("unknown runtime %q", cfg.Runtime)
	}
}

func policy(c config.ClassConfig) admission.Policy {
	return admission.Policy{
		Limit:        c.Limit,
		QueueDepth:   c.QueueDepth,
		MinFreeBytes: c.MinFreeMB << 20,
		MemoryWait:   c.MemoryWait.Std(),
		QueueWait:    c.QueueWait.Std(),
	}
}

// newExtractor defers the library's mode check to the first extraction job.
func newExtractor(cfg config.ExtractionConfig, log *zerolog.Logger) func(context.Context) (worker.Extractor, error) {
	return func(ctx context.Context) (worker.Extractor, error) {
		if cfg.Command == "" {
			return nil, fmt.Errorf("extraction.command is not configured")
		}
		cache, err := fsutil.ExpandHome(cfg.CacheDir)
		if err != nil {
			return nil, err
		}
		lib := &extract.CommandLibrary{
			Command:  cfg.Command,
			Args:     cfg.Args,
			ModeArgs: cfg.ModeArgs,
			Cache:    cache,
			Timeout:  cfg.Timeout.Std(),
		}
		b, err := extract.New(ctx, lib, extract.Options{Logger: log})
		if err != nil {
			// A nil *Boundary must not become a non-nil interface.
			return nil, err
		}
		return b, nil
	}
}
