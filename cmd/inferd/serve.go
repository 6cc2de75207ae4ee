package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"inferd/internal/grpcapi"
	"inferd/internal/httpapi"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(rf *rootFlags) *cobra.Command {
	var (
		addr   string
		warmup bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve jobs over HTTP (and gRPC health when grpc_addr is set)",
		Example: "  inferd serve -c /etc/inferd/inferd.yaml\n" +
			"  INFERD_MODEL=mistral-7b-instruct inferd serve --warmup",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rf.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("warmup") {
				cfg.Serving.Warmup = warmup
			}
			log := newLogger(cfg.Log, os.Stderr)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// A fatal load failure stops serving; the process exits 1.
			fatal := make(chan error, 1)
			a, err := build(cfg, log, func(err error) {
				select {
				case fatal <- err:
				default:
				}
			})
			if err != nil {
				return err
			}
			defer a.Close()

			httpapi.SetLogger(log)
			httpapi.SetBaseContext(ctx)
			httpapi.SetMaxBodyBytes(httpapi.BodyLimitFor(int64(cfg.Serving.MaxDocumentMB) << 20))
			httpapi.SetJobTimeout(cfg.Serving.JobTimeout.Std())
			if len(cfg.Serving.AllowedOrigins) > 0 {
				httpapi.SetCORSOptions(true, cfg.Serving.AllowedOrigins, nil, nil)
			}
			srv := &http.Server{
				Addr:              cfg.Addr,
				Handler:           httpapi.NewMux(a),
				ReadHeaderTimeout: 10 * time.Second,
			}
			lis, err := net.Listen("tcp", cfg.Addr)
			if err != nil {
				return err
			}
			serveErr := make(chan error, 2)
			go func() {
				log.Info().Str("event", "listening").Str("addr", lis.Addr().String()).Str("model", a.mgr.Identity()).Msg("inferd serving")
				if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
			}()

			if cfg.GRPCAddr != "" {
				glis, err := net.Listen("tcp", cfg.GRPCAddr)
				if err != nil {
					return err
				}
				gs := grpcapi.New(a.worker, grpcapi.Options{Logger: &log})
				go func() {
					if err := gs.Serve(ctx, glis); err != nil {
						serveErr <- err
					}
				}()
			}

			go a.pruneJobs(ctx)
			if cfg.Serving.Warmup {
				// The listener is up first; loading happens in the background.
				a.mgr.Warmup(ctx)
			}
			if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
				log.Warn().Str("event", "sd_notify_failed").Err(err).Msg("systemd notify failed")
			} else if ok {
				log.Debug().Str("event", "sd_notify").Msg("READY=1 sent")
			}

			var runErr error
			select {
			case <-ctx.Done():
				log.Info().Str("event", "shutdown").Msg("signal received")
			case runErr = <-fatal:
				log.Error().Str("event", "shutdown").Err(runErr).Msg("fatal failure, stopping")
			case runErr = <-serveErr:
				log.Error().Str("event", "shutdown").Err(runErr).Msg("listener failed")
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			stop()

			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				log.Warn().Str("event", "shutdown").Err(err).Msg("graceful shutdown error")
			}
			if err := a.worker.Wait(sctx); err != nil {
				log.Warn().Str("event", "shutdown").Err(err).Msg("queued jobs still running")
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address (overrides config)")
	cmd.Flags().BoolVar(&warmup, "warmup", false, "Load the model in the background once listening")
	return cmd
}

// pruneJobs drops ledger rows older than job_retention once an hour.
func (a *app) pruneJobs(ctx context.Context) {
	keep := a.cfg.Serving.JobRetention.Std()
	if keep <= 0 {
		return
	}
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := a.ledger.Prune(ctx, time.Now().Add(-keep))
			if err != nil {
				a.log.Warn().Str("event", "prune_failed").Err(err).Msg("job prune failed")
				continue
			}
			a.log.Debug().Str("event", "pruned").Int64("rows", n).Msg("old jobs pruned")
		}
	}
}
