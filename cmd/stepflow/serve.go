package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	stepflow "github.com/stepflow-dev/stepflow"
	"github.com/stepflow-dev/stepflow/engine"
	"github.com/stepflow-dev/stepflow/server"
	"github.com/stepflow-dev/stepflow/store"
	"github.com/stepflow-dev/stepflow/task"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run migrations, the scheduler loops, and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func workerConfig() stepflow.WorkerConfig {
	return stepflow.WorkerConfig{
		BatchSize:        viper.GetInt("worker.batch-size"),
		PollInterval:     time.Duration(viper.GetInt("worker.poll-interval-ms")) * time.Millisecond,
		WakeInterval:     time.Duration(viper.GetInt("worker.wake-interval-ms")) * time.Millisecond,
		ReapInterval:     time.Duration(viper.GetInt("worker.reap-interval-ms")) * time.Millisecond,
		StuckStepTimeout: time.Duration(viper.GetInt("worker.stuck-step-timeout-minutes")) * time.Minute,
	}
}

func serve(parent context.Context) error {
	sigCtx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx := sigCtx

	logger := newLogger()
	dbURL := viper.GetString("database.url")

	if err := migrate(dbURL); err != nil {
		return err
	}

	st, idem, err := openStores(ctx, dbURL)
	if err != nil {
		return err
	}
	defer st.Close()

	if table := viper.GetString("idempotency.dynamo-table"); table != "" {
		dynamo, err := store.NewDynamoIdempotencyStore(ctx, table)
		if err != nil {
			return fmt.Errorf("failed to open dynamo idempotency store: %w", err)
		}
		idem = dynamo
	}

	registry := task.NewRegistry()
	registerBuiltinHandlers(registry)

	metricsRegistry := prometheus.NewRegistry()
	metrics := engine.NewMetrics(metricsRegistry)

	eng := engine.New(st, registry,
		engine.WithLogger(logger),
		engine.WithIdempotencyStore(idem),
		engine.WithEngineConfig(stepflow.EngineConfig{
			IdempotencyTTL: time.Duration(viper.GetInt("idempotency.ttl-hours")) * time.Hour,
		}),
	)
	worker := engine.NewWorker(st, registry,
		engine.WithLogger(logger),
		engine.WithWorkerConfig(workerConfig()),
		engine.WithMetrics(metrics),
	)
	srv := server.New(eng, logger, metricsRegistry)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(ctx)
	})
	g.Go(func() error {
		addr := viper.GetString("server.addr")
		logger.Info().Str("addr", addr).Msg("HTTP server listening")
		return srv.Listen(addr)
	})
	g.Go(func() error {
		<-ctx.Done()
		return srv.Shutdown()
	})

	err = g.Wait()
	if sigCtx.Err() != nil {
		return nil
	}
	return err
}

// registerBuiltinHandlers installs handlers every deployment carries.
// Hosts embedding the engine register their own on top.
func registerBuiltinHandlers(registry *task.Registry) {
	registry.RegisterFunc("noop", func(tc *task.Context, input json.RawMessage) task.Result {
		return task.Success(input)
	})
}
