package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"

	"github.com/crestline/pollsync/pkg/polling"
)

// retryCursorGet reads the entity's cursor, retrying short storage outages
// within the cycle so a blip does not burn a whole error/backoff round. Each
// attempt runs under the per-call timeout so a hung backend cannot stall the
// cycle loop; any non-storage error is returned immediately.
func retryCursorGet(ctx context.Context, store polling.CursorStore, entity string, callTimeout time.Duration, log hclog.Logger) (polling.SyncCursor, error) {
	var cur polling.SyncCursor

	op := func() error {
		gctx := ctx
		cancel := context.CancelFunc(func() {})
		if callTimeout > 0 {
			gctx, cancel = context.WithTimeout(ctx, callTimeout)
		}
		c, err := store.Get(gctx, entity)
		timedOut := errors.Is(gctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()
		if err != nil {
			if errors.Is(err, polling.ErrStorageUnavailable) {
				log.Warn("cursor storage unavailable, retrying", "entity", entity, "error", err)
				return err
			}
			if timedOut {
				log.Warn("cursor read timed out, retrying", "entity", entity, "error", err)
				return err
			}
			return backoff.Permanent(err)
		}
		cur = c
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	eb.MaxInterval = 2 * time.Second
	eb.MaxElapsedTime = callTimeout

	if err := backoff.Retry(op, backoff.WithContext(eb, ctx)); err != nil {
		return polling.SyncCursor{}, err
	}
	return cur, nil
}
