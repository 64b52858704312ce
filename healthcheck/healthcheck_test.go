package healthcheck

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reconquest-labs/escrowcore/chainadapter"
)

type stubChain struct{ err error }

func (s stubChain) GetFeeRate(ctx context.Context, priority chainadapter.FeePriority) (int64, error) {
	return 10, s.err
}

type stubStore struct{ err error }

func (s stubStore) Ping(ctx context.Context) error { return s.err }

func TestNewWithNoObservationsStartsAndStopsCleanly(t *testing.T) {
	t.Parallel()

	m := New(Config{})
	require.NotNil(t, m)
	require.NoError(t, m.Start())
	require.NoError(t, m.Stop())
}

func TestNewWithEveryObservationConfiguredStartsAndStopsCleanly(t *testing.T) {
	t.Parallel()

	m := New(Config{
		Chain:      stubChain{},
		Store:      stubStore{},
		CertExpiry: func() (time.Time, error) { return time.Now(), nil },
	})
	require.NotNil(t, m)
	require.NoError(t, m.Start())
	require.NoError(t, m.Stop())
}
