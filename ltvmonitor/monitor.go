// Package ltvmonitor implements the periodic loan-to-value scanner
// described in spec.md §4.10: once per tick it reads every Active loan's
// debt and collateral, prices the collateral against a spot rate source,
// and raises threshold events the first time a loan crosses each of its
// three configured LTV bands. Crossing the top band hands the loan to
// OutcomeEngine/CollateralReleaser instead of merely logging.
package ltvmonitor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/reconquest-labs/escrowcore/build"
)

const defaultPollInterval = 60 * time.Second

var log = build.DisabledLog

// UseLogger installs a logger for this package.
func UseLogger(l btclog.Logger) { log = l }

// Severity names the three bands a loan's LTV can cross, in ascending
// order of urgency.
type Severity int

const (
	Warn1 Severity = iota
	Warn2
	Liquidate
)

func (s Severity) String() string {
	switch s {
	case Warn1:
		return "warn_1"
	case Warn2:
		return "warn_2"
	case Liquidate:
		return "liquidate"
	default:
		return "unknown"
	}
}

// Thresholds holds the three ascending LTV percentages (0-100) a loan is
// checked against; index order is Warn1, Warn2, Liquidate, matching
// config's `ltvWarnings` list per spec.md §9.
type Thresholds [3]float64

// DefaultThresholds matches spec.md §9's documented defaults.
var DefaultThresholds = Thresholds{75, 85, 95}

// ActiveLoan is the read-only view LtvMonitor needs of one loan; callers
// (ceremony.Coordinator) adapt their own Loan type to this shape rather
// than the monitor importing ceremony and creating a dependency cycle.
type ActiveLoan struct {
	ID             int64
	DebtEur        float64
	CollateralSats int64
	Thresholds     Thresholds
}

// LoanSource supplies the current set of Active loans each tick.
type LoanSource interface {
	ActiveLoans() []ActiveLoan
}

// RateSource answers the current EUR-per-BTC spot price. An error means
// the source is unavailable for this cycle; the monitor skips every loan
// rather than act on a stale or fabricated price, per spec.md §4.10 step 1.
type RateSource interface {
	SpotRateEUR(ctx context.Context) (float64, error)
}

// Releaser is invoked once a loan crosses its Liquidate threshold. It is
// satisfied by (*releaser.Releaser).TriggerLiquidation.
type Releaser interface {
	TriggerLiquidation(ctx context.Context, loanID int64) error
}

// EventSink records every LTV crossing, satisfied by auditlog.Log.
type EventSink interface {
	RecordLtvEvent(loanID int64, severity Severity, spotPriceEUR, ltvPct float64, at time.Time)
}

// Monitor runs the periodic scan. It holds no loan lock across the
// blocking rate-source call or the liquidation delegate, per spec.md
// §5's "LtvMonitor ... never holds a loan lock across a blocking I/O
// call" — there simply is no loan lock in this package; all mutation
// happens inside ceremony.Coordinator, reached only through Releaser.
type Monitor struct {
	loans    LoanSource
	rates    RateSource
	releaser Releaser
	sink     EventSink
	clock    clock.Clock
	tick     ticker.Ticker

	mu   sync.Mutex
	seen map[seenKey]struct{} // dedup: at most one event per (loan, severity) ever

	quit chan struct{}
	wg   sync.WaitGroup
}

type seenKey struct {
	loanID   int64
	severity Severity
}

// Config bundles the collaborators and poll interval a Monitor needs.
type Config struct {
	Loans       LoanSource
	Rates       RateSource
	Releaser    Releaser
	Sink        EventSink
	Clock       clock.Clock
	Ticker      ticker.Ticker // nil uses a real 60s wall-clock ticker
}

// New constructs a Monitor. Callers running tests typically install a
// ticker.MockTicker so Start/Force controls exactly when a scan runs,
// matching the teacher's usual pattern of injecting ticker.Ticker rather
// than a bare time.Ticker so logic is testable without sleeping.
func New(cfg Config) *Monitor {
	c := cfg.Clock
	if c == nil {
		c = clock.NewDefaultClock()
	}
	t := cfg.Ticker
	if t == nil {
		t = ticker.New(defaultPollInterval)
	}
	return &Monitor{
		loans:    cfg.Loans,
		rates:    cfg.Rates,
		releaser: cfg.Releaser,
		sink:     cfg.Sink,
		clock:    c,
		tick:     t,
		seen:     make(map[seenKey]struct{}),
		quit:     make(chan struct{}),
	}
}

// Start launches the scan loop in the background. Stop must be called to
// release the ticker.
func (m *Monitor) Start() {
	m.tick.Resume()
	m.wg.Add(1)
	go m.loop()
}

// Stop halts the scan loop and releases the underlying ticker.
func (m *Monitor) Stop() {
	close(m.quit)
	m.tick.Stop()
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.tick.Ticks():
			m.scanOnce(context.Background())
		case <-m.quit:
			return
		}
	}
}

// scanOnce runs a single pass over every Active loan. Kept as a separate
// method so tests can drive deterministic ticks directly rather than
// waiting on a real timer.
func (m *Monitor) scanOnce(ctx context.Context) {
	rate, err := m.rates.SpotRateEUR(ctx)
	if err != nil {
		log.Warnf("ltvmonitor: rate source unavailable, skipping cycle: %v", err)
		return
	}
	if rate <= 0 {
		log.Warnf("ltvmonitor: non-positive rate %v, skipping cycle", rate)
		return
	}

	for _, loan := range m.loans.ActiveLoans() {
		m.evaluate(ctx, loan, rate)
	}
}

// evaluate computes one loan's LTV and raises every newly-crossed
// threshold event, highest severity last so a liquidation delegate call
// always follows any warn events logged for the same cycle.
func (m *Monitor) evaluate(ctx context.Context, loan ActiveLoan, rateEUR float64) {
	btc := float64(loan.CollateralSats) / 1e8
	if btc <= 0 {
		return
	}
	ltv := roundHalfUpBasisPoint(loan.DebtEur / (btc * rateEUR) * 100)

	for sev := Warn1; sev <= Liquidate; sev++ {
		threshold := loan.Thresholds[sev]
		if ltv < threshold {
			continue
		}
		if !m.markSeen(loan.ID, sev) {
			continue // already emitted once for this (loan, threshold)
		}

		if m.sink != nil {
			m.sink.RecordLtvEvent(loan.ID, sev, rateEUR, ltv, m.clock.Now())
		}
		log.Infof("ltvmonitor: loan %d crossed %v at ltv=%.2f%% (rate=%.2f)",
			loan.ID, sev, ltv, rateEUR)

		if sev == Liquidate && m.releaser != nil {
			if err := m.releaser.TriggerLiquidation(ctx, loan.ID); err != nil {
				log.Errorf("ltvmonitor: liquidation trigger failed for loan %d: %v",
					loan.ID, err)
			}
		}
	}
}

// markSeen returns true the first time (loanID, severity) is observed and
// false on every subsequent call, implementing the lifetime dedup spec.md
// §4.10 step 3 requires. This is process-lifetime only: Monitor does not
// read store's SeenSeverities, so a restart forgets what was seen.
func (m *Monitor) markSeen(loanID int64, severity Severity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := seenKey{loanID: loanID, severity: severity}
	if _, ok := m.seen[key]; ok {
		return false
	}
	m.seen[key] = struct{}{}
	return true
}

// roundHalfUpBasisPoint rounds pct to the nearest basis point (two
// decimal places), rounding .005 up, per the LTV-rounding decision
// recorded in DESIGN.md: a loan sitting exactly on a threshold trips it
// rather than floating just under it by truncation.
func roundHalfUpBasisPoint(pct float64) float64 {
	return math.Floor(pct*100+0.5) / 100
}
