package engine

import (
	"github.com/rs/zerolog"

	stepflow "github.com/stepflow-dev/stepflow"
	"github.com/stepflow-dev/stepflow/store"
)

// Option is a functional option shared by Engine and Worker.
type Option func(*options)

type options struct {
	logger      zerolog.Logger
	clock       stepflow.Clock
	engineCfg   stepflow.EngineConfig
	workerCfg   stepflow.WorkerConfig
	idempotency store.IdempotencyStore
	metrics     *Metrics
}

func defaultOptions() *options {
	return &options{
		logger:      zerolog.Nop(),
		clock:       stepflow.SystemClock{},
		engineCfg:   stepflow.DefaultEngineConfig,
		workerCfg:   stepflow.DefaultWorkerConfig,
		idempotency: store.NewMemoryIdempotencyStore(),
		metrics:     NewMetrics(nil),
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock injects the time source, mainly for tests.
func WithClock(clock stepflow.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithEngineConfig overrides engine-level configuration.
func WithEngineConfig(cfg stepflow.EngineConfig) Option {
	return func(o *options) {
		o.engineCfg = cfg
	}
}

// WithWorkerConfig overrides scheduler configuration.
func WithWorkerConfig(cfg stepflow.WorkerConfig) Option {
	return func(o *options) {
		o.workerCfg = cfg
	}
}

// WithIdempotencyStore sets the store backing start-request
// idempotency keys.
func WithIdempotencyStore(s store.IdempotencyStore) Option {
	return func(o *options) {
		o.idempotency = s
	}
}

// WithMetrics sets the metrics sink for the scheduler loops.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
