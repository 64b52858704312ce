package chainadapter

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reconquest-labs/escrowcore/bitcoinutil"
)

type stubRateSource struct {
	rate int64
	err  error
}

func (s stubRateSource) EstimateFeeRate(FeePriority) (int64, error) {
	return s.rate, s.err
}

func TestFeeEstimatorPrefersLiveSource(t *testing.T) {
	t.Parallel()

	est := NewFeeEstimator(bitcoinutil.Testnet, stubRateSource{rate: 37})
	require.Equal(t, int64(37), est.Rate(Normal))
}

func TestFeeEstimatorFallsBackOnSourceError(t *testing.T) {
	t.Parallel()

	est := NewFeeEstimator(bitcoinutil.Testnet, stubRateSource{err: errors.New("peer unreachable")})
	require.Equal(t, int64(2), est.Rate(Normal))
	require.Equal(t, int64(1), est.Rate(Economy))
	require.Equal(t, int64(5), est.Rate(Fast))
}

func TestFeeEstimatorFallsBackWithNilSource(t *testing.T) {
	t.Parallel()

	est := NewFeeEstimator(bitcoinutil.Mainnet, nil)
	require.Equal(t, int64(10), est.Rate(Normal))
	require.Equal(t, int64(25), est.Rate(Fast))
}

func TestFeeEstimatorRejectsNonPositiveLiveRate(t *testing.T) {
	t.Parallel()

	est := NewFeeEstimator(bitcoinutil.Testnet, stubRateSource{rate: 0})
	require.Equal(t, int64(2), est.Rate(Normal)) // falls back, never returns a zero rate
}

func TestFallbackTableCoversMainnetAboveTestnet(t *testing.T) {
	t.Parallel()

	for priority := Economy; priority <= Fast; priority++ {
		require.Greater(t,
			fallbackTable[bitcoinutil.Mainnet][priority],
			fallbackTable[bitcoinutil.Testnet][priority],
		)
	}
}
