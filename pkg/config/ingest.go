package config

import (
	"runtime"
	"time"
)

// IngestConfig controls the in-memory pipeline: queue sizing, batching, and
// the retry worker.
type IngestConfig struct {
	// QueueCapacity bounds the ingest queue. Overflow applies the
	// level-aware drop policy.
	QueueCapacity int

	// NormalizerWorkers is the number of normalize+enrich workers draining
	// the listener frame channel.
	NormalizerWorkers int

	// MaxBatch is the batch size that triggers an immediate write.
	MaxBatch int

	// MaxWait is the longest a partial batch is held before writing.
	MaxWait time.Duration

	// WriteTimeout bounds a single batch transaction; on expiry the batch
	// moves to the retry queue.
	WriteTimeout time.Duration

	// DrainTimeout bounds queue draining during shutdown.
	DrainTimeout time.Duration

	// RetryPollInterval is how often the retry worker scans failed_batches.
	RetryPollInterval time.Duration

	// RetryBatchLimit caps batches replayed per scan.
	RetryBatchLimit int

	// RetryMaxAttempts quarantines a batch once reached.
	RetryMaxAttempts int
}

// DefaultIngestConfig returns the built-in pipeline defaults.
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		QueueCapacity:     50000,
		NormalizerWorkers: max(runtime.NumCPU(), 2),
		MaxBatch:          500,
		MaxWait:           100 * time.Millisecond,
		WriteTimeout:      5 * time.Second,
		DrainTimeout:      10 * time.Second,
		RetryPollInterval: 30 * time.Second,
		RetryBatchLimit:   50,
		RetryMaxAttempts:  10,
	}
}

// LoadIngestConfig reads pipeline overrides from the environment.
func LoadIngestConfig() IngestConfig {
	cfg := DefaultIngestConfig()
	cfg.QueueCapacity = getInt("INGEST_QUEUE_CAPACITY", cfg.QueueCapacity)
	cfg.NormalizerWorkers = getInt("INGEST_WORKERS", cfg.NormalizerWorkers)
	cfg.MaxBatch = getInt("INGEST_MAX_BATCH", cfg.MaxBatch)
	cfg.MaxWait = getDuration("INGEST_MAX_WAIT", cfg.MaxWait)
	cfg.WriteTimeout = getDuration("INGEST_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.DrainTimeout = getDuration("INGEST_DRAIN_TIMEOUT", cfg.DrainTimeout)
	return cfg
}
