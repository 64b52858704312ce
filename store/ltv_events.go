package store

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// LtvEventRecord is the durable form of one ltvmonitor threshold
// crossing. SeenSeverities answers which crossings a loan has already
// recorded; ltvmonitor.Monitor keeps its own in-memory dedup and does not
// read it.
type LtvEventRecord struct {
	LoanID       int64     `json:"loan_id"`
	Severity     int       `json:"severity"`
	SpotPriceEUR float64   `json:"spot_price_eur"`
	LtvPct       float64   `json:"ltv_pct"`
	At           time.Time `json:"at"`
}

// PutLtvEvent appends an event, keyed by its own timestamp so repeated
// crossings of the same severity remain distinguishable in the ledger.
func (d *DB) PutLtvEvent(rec LtvEventRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal ltv event: %w", err)
	}
	return d.Update(func(tx *bbolt.Tx) error {
		loanBucket, err := tx.Bucket(ltvEventsBucket).CreateBucketIfNotExists(loanKey(rec.LoanID))
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		byteOrder.PutUint64(key, uint64(rec.At.UnixNano()))
		return loanBucket.Put(key, raw)
	})
}

// FetchLtvEvents returns every persisted event for loanID, oldest first.
func (d *DB) FetchLtvEvents(loanID int64) ([]LtvEventRecord, error) {
	var recs []LtvEventRecord
	err := d.View(func(tx *bbolt.Tx) error {
		loanBucket := tx.Bucket(ltvEventsBucket).Bucket(loanKey(loanID))
		if loanBucket == nil {
			return nil
		}
		return loanBucket.ForEach(func(k, v []byte) error {
			var rec LtvEventRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}

// SeenSeverities returns the set of severities already recorded for
// loanID, which LtvMonitor can use to pre-seed its in-memory dedup map
// at startup.
func (d *DB) SeenSeverities(loanID int64) (map[int]struct{}, error) {
	recs, err := d.FetchLtvEvents(loanID)
	if err != nil {
		return nil, err
	}
	seen := make(map[int]struct{}, len(recs))
	for _, r := range recs {
		seen[r.Severity] = struct{}{}
	}
	return seen, nil
}
