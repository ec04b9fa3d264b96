package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalogsync/internal/api"
	"github.com/sells-group/catalogsync/internal/progress"
	"github.com/sells-group/catalogsync/internal/schedule"
	"github.com/sells-group/catalogsync/internal/syncjob"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the job scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		// Runs left behind by a previous process.
		if rep, err := env.Reaper.Cleanup(ctx); err != nil {
			zap.L().Warn("startup cleanup failed", zap.Error(err))
		} else if rep.RunsReclaimed > 0 || rep.LocksReclaimed > 0 {
			zap.L().Info("startup cleanup",
				zap.Int("runs_reclaimed", rep.RunsReclaimed),
				zap.Int64("locks_reclaimed", rep.LocksReclaimed),
			)
		}

		if env.Redis != nil {
			go forwardRemoteEvents(ctx, env.Redis, env.Broker)
		}

		sched, err := buildScheduler(env.Runner)
		if err != nil {
			return err
		}
		sched.Start(ctx)
		defer sched.Stop()

		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: api.NewRouter(api.Deps{
				Runner:         env.Runner,
				Tracker:        env.Tracker,
				Reaper:         env.Reaper,
				Mapper:         env.Mapper,
				Catalog:        env.Catalog,
				Locks:          env.Locks,
				Store:          env.Store,
				AdminToken:     cfg.Server.AdminToken,
				AllowedOrigins: cfg.Server.AllowedOrigins,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			env.Runner.CancelAll()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server",
			zap.Int("port", cfg.Server.Port),
			zap.Strings("jobs", env.Runner.Registry().Names()),
			zap.Strings("scheduled", sched.Jobs()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// buildScheduler validates the configured schedule against the registered
// jobs.
func buildScheduler(r *syncjob.Runner) (*schedule.Scheduler, error) {
	reg := r.Registry()
	for name, spec := range cfg.Schedule {
		if spec == "" {
			continue
		}
		if _, err := reg.Get(name); err != nil {
			return nil, eris.Wrapf(err, "schedule")
		}
	}
	return schedule.New(r, cfg.Schedule, syncjob.RunOptions{AutoSync: cfg.Sync.AutoSync})
}

// forwardRemoteEvents relays progress published by other processes to
// local stream subscribers.
func forwardRemoteEvents(ctx context.Context, rn *progress.RedisNotifier, b *progress.Broker) {
	err := rn.Forward(ctx, func(ev progress.Event) {
		_ = b.Publish(ctx, ev)
	})
	if err != nil && ctx.Err() == nil {
		zap.L().Warn("redis event forwarding failed", zap.Error(err))
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
