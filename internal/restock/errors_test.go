package restock

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorTaxonomy_MatchesSentinels(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	cases := []struct {
		name     string
		err      error
		sentinel error
		prefix   string
	}{
		{"fetch", &FetchError{Region: "110001", Err: cause}, ErrFetch, "fetch error: "},
		{"lookup", &LookupError{ProductID: "p1", Err: cause}, ErrLookup, "lookup error: "},
		{"delivery", &DeliveryError{Address: "a@b", Err: cause}, ErrDelivery, "delivery error: "},
		{"persistence", &PersistenceError{Op: "put state", Err: cause}, ErrPersistence, "persistence error: "},
		{"session", &SessionAcquisitionError{WorkerID: 2, Err: cause}, ErrSessionAcquisition, "session acquisition error: "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			wrapped := fmt.Errorf("outer: %w", tc.err)
			require.ErrorIs(t, wrapped, tc.sentinel)
			require.ErrorIs(t, wrapped, cause)
			require.Contains(t, tc.err.Error(), tc.prefix)
		})
	}
}

func TestStockState_CloneIsIndependent(t *testing.T) {
	t.Parallel()

	var nilState StockState
	require.NotNil(t, nilState.Clone())

	orig := StockState{"a": true}
	cp := orig.Clone()
	cp["a"] = false
	cp["b"] = true
	require.Equal(t, StockState{"a": true}, orig)
}

func TestJobState_Terminal(t *testing.T) {
	t.Parallel()

	require.False(t, JobStateQueued.Terminal())
	require.False(t, JobStateInProgress.Terminal())
	require.True(t, JobStateCompleted.Terminal())
	require.True(t, JobStateFailed.Terminal())
}
