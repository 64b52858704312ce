package store

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/reconquest-labs/escrowcore/psbtbuilder"
	"github.com/reconquest-labs/escrowcore/sigvault"
)

// SignatureRecord is one partial signature submitted against a loan's
// template. Only the public material sigvault.Vault.Submit needs to
// replay its own verification on load: no private key ever passes
// through this package.
type SignatureRecord struct {
	LoanID int64                    `json:"loan_id"`
	Type   psbtbuilder.TemplateType `json:"type"`
	Role   sigvault.Role            `json:"role"`

	Pubkey            []byte `json:"pubkey"`
	DerSigWithHashType []byte `json:"der_sig_with_hash_type"`
}

func signatureKey(t psbtbuilder.TemplateType, role sigvault.Role) []byte {
	return append(templateKey(t), []byte(role)...)
}

// PutSignature upserts the durable record for one submitted partial
// signature.
func (d *DB) PutSignature(rec SignatureRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal signature: %w", err)
	}
	return d.Update(func(tx *bbolt.Tx) error {
		loanBucket, err := tx.Bucket(signaturesBucket).CreateBucketIfNotExists(loanKey(rec.LoanID))
		if err != nil {
			return err
		}
		return loanBucket.Put(signatureKey(rec.Type, rec.Role), raw)
	})
}

// FetchSignatures returns every signature recorded for loanID, across
// all of its templates.
func (d *DB) FetchSignatures(loanID int64) ([]SignatureRecord, error) {
	var recs []SignatureRecord
	err := d.View(func(tx *bbolt.Tx) error {
		loanBucket := tx.Bucket(signaturesBucket).Bucket(loanKey(loanID))
		if loanBucket == nil {
			return nil
		}
		return loanBucket.ForEach(func(k, v []byte) error {
			var rec SignatureRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}
