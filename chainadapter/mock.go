package chainadapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/reconquest-labs/escrowcore/bitcoinutil"
)

// Mock is a deterministic, in-memory BlockchainAdapter for tests and for
// exercising ceremony/releaser logic without a live chain backend. Every
// method is driven entirely by state the test installs beforehand — there
// is no randomness and no clock dependency.
type Mock struct {
	mu sync.Mutex

	fees *FeeEstimator

	utxosByScript map[string][]UTXO
	txStatus      map[string]TxStatus

	// broadcastQueue lets a test force the outcome of the next N
	// Broadcast calls; keyed by nothing in particular, consumed in
	// order. Empty means "succeed and synthesize a txid".
	broadcastQueue []broadcastOutcome

	broadcasted map[string][]byte

	height uint32
}

type broadcastOutcome struct {
	err error
}

// NewMock constructs an empty Mock for net, with the static fallback fee
// table as its only rate source (no RateSource installed, matching
// chainregistry.go's always-static StaticFeeEstimator posture).
func NewMock(net bitcoinutil.Network) *Mock {
	return &Mock{
		fees:          NewFeeEstimator(net, nil),
		utxosByScript: make(map[string][]UTXO),
		txStatus:      make(map[string]TxStatus),
		broadcasted:   make(map[string][]byte),
	}
}

// SetUTXOs installs the UTXO set a future GetUTXOs(pkScript) call returns.
func (m *Mock) SetUTXOs(pkScript []byte, utxos []UTXO) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.utxosByScript[string(pkScript)] = utxos
}

// SetTransaction installs the status a future GetTransaction(txid) call
// returns.
func (m *Mock) SetTransaction(txid string, status TxStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txStatus[txid] = status
}

// SetBlockHeight installs the height a future BlockHeight call returns.
func (m *Mock) SetBlockHeight(height uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.height = height
}

// BlockHeight satisfies rpcserver.HeightSource.
func (m *Mock) BlockHeight(ctx context.Context) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.height, nil
}

// QueueBroadcastError arranges for the next Broadcast call to fail with
// err instead of succeeding.
func (m *Mock) QueueBroadcastError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcastQueue = append(m.broadcastQueue, broadcastOutcome{err: err})
}

// Broadcasted returns the raw bytes most recently accepted for txid, for
// test assertions.
func (m *Mock) Broadcasted(txid string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.broadcasted[txid]
	return raw, ok
}

func (m *Mock) GetUTXOs(ctx context.Context, pkScript []byte) ([]UTXO, error) {
	if err := ctx.Err(); err != nil {
		return nil, classifyCtxErr(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]UTXO(nil), m.utxosByScript[string(pkScript)]...), nil
}

func (m *Mock) GetFeeRate(ctx context.Context, priority FeePriority) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, classifyCtxErr(err)
	}
	return m.fees.Rate(priority), nil
}

func (m *Mock) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", classifyCtxErr(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.broadcastQueue) > 0 {
		outcome := m.broadcastQueue[0]
		m.broadcastQueue = m.broadcastQueue[1:]
		if outcome.err != nil {
			return "", outcome.err
		}
	}

	txid := syntheticTxid(rawTx)
	m.broadcasted[txid] = rawTx
	m.txStatus[txid] = TxStatus{Confirmations: 0, BlockHeight: -1}
	return txid, nil
}

func (m *Mock) GetTransaction(ctx context.Context, txid string) (TxStatus, error) {
	if err := ctx.Err(); err != nil {
		return TxStatus{}, classifyCtxErr(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.txStatus[txid]
	if !ok {
		return TxStatus{}, ErrNotFound
	}
	return status, nil
}

// syntheticTxid derives a stable, fake-but-deterministic txid from the
// raw transaction bytes so repeated broadcasts of identical bytes (the
// idempotent-retry case in spec.md §4.8) resolve to the same id.
func syntheticTxid(rawTx []byte) string {
	sum := sha256.Sum256(rawTx)
	return hex.EncodeToString(sum[:])
}

var _ BlockchainAdapter = (*Mock)(nil)
