package polling

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by all components. Storage and source outages are
// retryable and feed the orchestrator's backoff; a malformed query means the
// entity is misconfigured and cycling for it stops; a watermark conflict ends
// the cycle and forces a cursor re-read before the next attempt.
var (
	// ErrStorageUnavailable means the cursor persistence backend cannot be
	// reached.
	ErrStorageUnavailable = errors.New("cursor storage unavailable")

	// ErrSourceUnavailable means the change source cannot be reached.
	ErrSourceUnavailable = errors.New("change source unavailable")

	// ErrQueryMalformed means the entity's range query is invalid. Fatal for
	// that entity; retrying cannot help until it is re-registered.
	ErrQueryMalformed = errors.New("change query malformed")

	// ErrWatermarkConflict means a concurrent writer advanced the cursor
	// between this cycle's read and its commit.
	ErrWatermarkConflict = errors.New("watermark commit conflict")
)

// SinkError reports a failed sink invocation for one record of a batch. The
// whole batch is treated as not committed, so already-applied records will be
// redelivered on the retry.
type SinkError struct {
	Entity string
	Index  int
	Record ChangeRecord
	Err    error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink failed for entity %s at record %d (%s): %v",
		e.Entity, e.Index, e.Record.Watermark(), e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the next cycle may succeed without operator
// intervention. Sink failures are retryable because the whole batch is simply
// refetched; watermark conflicts are retryable after a cursor re-read.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *SinkError
	return errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrSourceUnavailable) ||
		errors.Is(err, ErrWatermarkConflict) ||
		errors.As(err, &se)
}

// IsFatal reports whether the error permanently disables cycling for the
// entity.
func IsFatal(err error) bool {
	return errors.Is(err, ErrQueryMalformed)
}
