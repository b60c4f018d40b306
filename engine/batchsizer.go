package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

const (
	defaultSampleSize       = 100
	defaultBufferFactor     = 0.2 // 20% safety margin
	defaultResampleInterval = 1 * time.Hour

	minBatchSize = 10
	maxBatchSize = 10000

	// Service Bus SKU limits, the usual byte budgets when the sink publishes
	// batches downstream (see the azurebus package).
	StandardSKULimit = 256 * 1024  // 256KB
	PremiumSKULimit  = 1024 * 1024 // 1MB
)

// RowSampler estimates the average encoded row size in bytes over up to
// sampleSize recent rows of an entity.
type RowSampler func(ctx context.Context, sampleSize int) (avgRowBytes int, err error)

// BatchSizer keeps an entity's batch size fitted under a byte budget by
// periodically sampling row widths. When registered for an entity it
// overrides the entity's fixed BatchSize each cycle.
type BatchSizer struct {
	batchSize atomic.Int32

	sampler          RowSampler
	maxMessageSize   int
	sampleSize       int
	bufferFactor     float64
	resampleInterval time.Duration
	log              hclog.Logger

	// For monitoring
	lastSampleTime atomic.Int64
	lastAvgRowSize atomic.Int32
}

// NewBatchSizer creates a BatchSizer fitting batches under maxMessageSize
// bytes. The size starts at DefaultBatchSize until the first sample lands.
func NewBatchSizer(sampler RowSampler, maxMessageSize int, log hclog.Logger) *BatchSizer {
	if log == nil {
		log = GetLogger()
	}
	bs := &BatchSizer{
		sampler:          sampler,
		maxMessageSize:   maxMessageSize,
		sampleSize:       defaultSampleSize,
		bufferFactor:     defaultBufferFactor,
		resampleInterval: defaultResampleInterval,
		log:              log,
	}
	bs.batchSize.Store(DefaultBatchSize)
	return bs
}

// Start performs the initial sampling and begins background resampling until
// ctx is cancelled. A failed initial sample keeps the default and is not
// fatal.
func (bs *BatchSizer) Start(ctx context.Context) error {
	if bs.sampler == nil {
		return fmt.Errorf("batch sizer: no row sampler configured")
	}
	if err := bs.update(ctx); err != nil {
		bs.log.Warn("initial batch size calculation failed, keeping default", "error", err)
	}
	go bs.monitor(ctx)
	return nil
}

// Size returns the current batch size, never zero.
func (bs *BatchSizer) Size() int {
	size := bs.batchSize.Load()
	if size <= 0 {
		return DefaultBatchSize
	}
	return int(size)
}

func (bs *BatchSizer) update(ctx context.Context) error {
	avg, err := bs.sampler(ctx, bs.sampleSize)
	if err != nil {
		return fmt.Errorf("sampling row size: %w", err)
	}
	if avg <= 0 {
		// Empty or unsampleable entity; keep the current size.
		return nil
	}

	budget := float64(bs.maxMessageSize) * (1 - bs.bufferFactor)
	size := int32(budget / float64(avg))
	if size < minBatchSize {
		size = minBatchSize
	}
	if size > maxBatchSize {
		size = maxBatchSize
	}

	bs.batchSize.Store(size)
	bs.lastAvgRowSize.Store(int32(avg))
	bs.lastSampleTime.Store(time.Now().Unix())

	bs.log.Info("updated batch size", "avg_row_bytes", avg, "batch_size", size)
	return nil
}

func (bs *BatchSizer) monitor(ctx context.Context) {
	ticker := time.NewTicker(bs.resampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := bs.update(ctx); err != nil {
				bs.log.Warn("batch size update failed", "error", err)
			}
		}
	}
}
