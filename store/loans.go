package store

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/reconquest-labs/escrowcore/ceremony"
	"github.com/reconquest-labs/escrowcore/outcome"
)

// LoanRecord is the durable projection of a ceremony.Loan: every field
// except the live *sigvault.Vault, which is reconstructed separately
// from TemplateRecord/SignatureRecord on load (see vault.go).
type LoanRecord struct {
	ID    int64         `json:"id"`
	Terms ceremony.Terms `json:"terms"`

	BorrowerUserID int64 `json:"borrower_user_id"`
	LenderUserID   int64 `json:"lender_user_id"`

	PubKeys map[ceremony.Role][]byte `json:"pub_keys"`

	EscrowWitnessScript []byte `json:"escrow_witness_script,omitempty"`
	EscrowPkScript      []byte `json:"escrow_pk_script,omitempty"`

	FundingTxid   string `json:"funding_txid"`
	FundingVout   uint32 `json:"funding_vout"`
	ConfirmedSats int64  `json:"confirmed_sats"`
	ReleaseTxid   string `json:"release_txid"`
	ReleaseError  string `json:"release_error"`

	State ceremony.State `json:"state"`

	RequestedAt         time.Time `json:"requested_at"`
	FundedAt            time.Time `json:"funded_at"`
	DueAt               time.Time `json:"due_at"`
	RepaidAt            time.Time `json:"repaid_at"`
	TimelockExpiryBlock uint32    `json:"timelock_expiry_block"`

	RepaidDeclared  bool `json:"repaid_declared"`
	FiatConfirmed   bool `json:"fiat_confirmed"`
	LenderCancelled bool `json:"lender_cancelled"`
	DisputeOpen     bool `json:"dispute_open"`

	AdminDecision outcome.AdminDecision `json:"admin_decision"`
}

// PutLoan upserts a loan's durable fields. Call this after every
// ceremony.Coordinator transition that should survive a restart.
func (d *DB) PutLoan(rec LoanRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal loan %d: %w", rec.ID, err)
	}
	return d.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(loansBucket).Put(loanKey(rec.ID), raw)
	})
}

// FetchLoan returns the durable record for loanID.
func (d *DB) FetchLoan(loanID int64) (LoanRecord, error) {
	var rec LoanRecord
	err := d.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(loansBucket).Get(loanKey(loanID))
		if raw == nil {
			return ErrLoanNotFound
		}
		return json.Unmarshal(raw, &rec)
	})
	return rec, err
}

// FetchAllLoans returns every persisted loan, used at startup to
// rehydrate ceremony.Coordinator's in-memory loan map.
func (d *DB) FetchAllLoans() ([]LoanRecord, error) {
	var recs []LoanRecord
	err := d.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(loansBucket)
		return b.ForEach(func(k, v []byte) error {
			var rec LoanRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}

// DeleteLoan removes a loan and every template/signature recorded
// against it. Used only by administrative tooling; the ceremony never
// deletes a loan on its own.
func (d *DB) DeleteLoan(loanID int64) error {
	return d.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(loansBucket).Delete(loanKey(loanID)); err != nil {
			return err
		}
		if err := deleteNestedBucket(tx, templatesBucket, loanID); err != nil {
			return err
		}
		if err := deleteNestedBucket(tx, signaturesBucket, loanID); err != nil {
			return err
		}
		return deleteNestedBucket(tx, ltvEventsBucket, loanID)
	})
}

func deleteNestedBucket(tx *bbolt.Tx, parent []byte, loanID int64) error {
	b := tx.Bucket(parent)
	err := b.DeleteBucket(loanKey(loanID))
	if err != nil && err != bbolt.ErrBucketNotFound {
		return err
	}
	return nil
}

// ErrLoanNotFound is returned by FetchLoan for an unknown loan ID.
var ErrLoanNotFound = fmt.Errorf("store: loan not found")
