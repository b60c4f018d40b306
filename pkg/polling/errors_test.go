package polling

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"storage outage", fmt.Errorf("loading cursor: %w", ErrStorageUnavailable), true},
		{"source outage", fmt.Errorf("querying: %w", ErrSourceUnavailable), true},
		{"watermark conflict", ErrWatermarkConflict, true},
		{"sink failure", &SinkError{Entity: "orders", Err: errors.New("boom")}, true},
		{"malformed query", fmt.Errorf("entity orders: %w", ErrQueryMalformed), false},
		{"unclassified", errors.New("something else"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(fmt.Errorf("entity orders: %w", ErrQueryMalformed)))
	assert.False(t, IsFatal(ErrSourceUnavailable))
	assert.False(t, IsFatal(nil))
}

func TestSinkError_WrapsCause(t *testing.T) {
	cause := errors.New("constraint violation")
	err := &SinkError{
		Entity: "orders",
		Index:  2,
		Record: ChangeRecord{Entity: "orders", Timestamp: t0, TiebreakID: 9},
		Err:    cause,
	}
	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "orders")
	assert.Contains(t, err.Error(), "record 2")
}
