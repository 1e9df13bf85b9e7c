package stepflow

import "time"

// WorkerConfig holds scheduler-level configuration for the three
// periodic loops.
type WorkerConfig struct {
	BatchSize        int           `json:"batch_size"`
	PollInterval     time.Duration `json:"poll_interval"`
	WakeInterval     time.Duration `json:"wake_interval"`
	ReapInterval     time.Duration `json:"reap_interval"`
	StuckStepTimeout time.Duration `json:"stuck_step_timeout"`
}

// DefaultWorkerConfig provides scheduler defaults
var DefaultWorkerConfig = WorkerConfig{
	BatchSize:        10,
	PollInterval:     1 * time.Second,
	WakeInterval:     10 * time.Second,
	ReapInterval:     5 * time.Minute,
	StuckStepTimeout: 30 * time.Minute,
}

// EngineConfig holds engine-level configuration
type EngineConfig struct {
	IdempotencyTTL time.Duration `json:"idempotency_ttl"`
}

// DefaultEngineConfig provides engine defaults
var DefaultEngineConfig = EngineConfig{
	IdempotencyTTL: 24 * time.Hour,
}
