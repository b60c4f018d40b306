package engine

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/crestline/pollsync/pkg/polling"
)

// Processor applies a batch of change records to the entity's sink, in
// order. The first failing record aborts the batch: nothing is committed, so
// the whole batch, including records already applied, is redelivered on the
// next cycle. That redelivery is why sinks must be idempotent.
type Processor struct {
	sink        polling.Sink
	callTimeout time.Duration
	log         hclog.Logger
}

// NewProcessor wraps sink for batch application. callTimeout bounds each
// individual sink invocation; zero means no per-record timeout.
func NewProcessor(sink polling.Sink, callTimeout time.Duration, log hclog.Logger) *Processor {
	if log == nil {
		log = GetLogger()
	}
	return &Processor{sink: sink, callTimeout: callTimeout, log: log}
}

// Apply runs the sink over records in order and returns how many were
// applied. On failure the returned error is a *polling.SinkError identifying
// the failing record; applied counts only the records before it.
func (p *Processor) Apply(ctx context.Context, records []polling.ChangeRecord) (int, error) {
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := p.applyOne(ctx, rec); err != nil {
			p.log.Error("sink application failed",
				"entity", rec.Entity, "record", rec.Watermark().String(), "index", i, "error", err)
			return i, &polling.SinkError{Entity: rec.Entity, Index: i, Record: rec, Err: err}
		}
	}
	return len(records), nil
}

func (p *Processor) applyOne(ctx context.Context, rec polling.ChangeRecord) error {
	if p.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.callTimeout)
		defer cancel()
	}
	return p.sink.Apply(ctx, rec)
}
