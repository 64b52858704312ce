package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"go.etcd.io/bbolt"

	"github.com/reconquest-labs/escrowcore/psbtbuilder"
	"github.com/reconquest-labs/escrowcore/sigvault"
)

// TemplateRecord is the durable form of a psbtbuilder.Template plus the
// escrow metadata and role keys sigvault.Vault.Register needs to bring
// it back into memory. The PSBT itself is stored as its canonical wire
// encoding (BIP-174) rather than re-derived field by field, since a
// signed-or-unsigned PSBT is exactly the artifact three out-of-process
// signers already exchange as bytes.
type TemplateRecord struct {
	LoanID int64                    `json:"loan_id"`
	Type   psbtbuilder.TemplateType `json:"type"`

	PacketBytes   []byte `json:"packet_bytes"`
	TxHash        string `json:"tx_hash"`
	SighashDigest []byte `json:"sighash_digest"`
	FeeSats       int64  `json:"fee_sats"`

	EscrowWitnessScript []byte                   `json:"escrow_witness_script"`
	EscrowPkScript      []byte                   `json:"escrow_pk_script"`
	RoleKeys            map[sigvault.Role][]byte `json:"role_keys"`
}

func templateKey(t psbtbuilder.TemplateType) []byte {
	return []byte{byte(t)}
}

// PutTemplate upserts the durable record for one loan's template.
func (d *DB) PutTemplate(rec TemplateRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal template: %w", err)
	}
	return d.Update(func(tx *bbolt.Tx) error {
		loanBucket, err := tx.Bucket(templatesBucket).CreateBucketIfNotExists(loanKey(rec.LoanID))
		if err != nil {
			return err
		}
		return loanBucket.Put(templateKey(rec.Type), raw)
	})
}

// FetchTemplates returns every template recorded for loanID.
func (d *DB) FetchTemplates(loanID int64) ([]TemplateRecord, error) {
	var recs []TemplateRecord
	err := d.View(func(tx *bbolt.Tx) error {
		loanBucket := tx.Bucket(templatesBucket).Bucket(loanKey(loanID))
		if loanBucket == nil {
			return nil
		}
		return loanBucket.ForEach(func(k, v []byte) error {
			var rec TemplateRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}

// NewTemplateRecord projects a freshly built template into its durable
// form, ready for PutTemplate.
func NewTemplateRecord(loanID int64, tmpl *psbtbuilder.Template, witnessScript, pkScript []byte, roleKeys map[sigvault.Role][]byte) (TemplateRecord, error) {
	var buf bytes.Buffer
	if err := tmpl.Packet.Serialize(&buf); err != nil {
		return TemplateRecord{}, fmt.Errorf("store: serializing template packet: %w", err)
	}
	return TemplateRecord{
		LoanID:              loanID,
		Type:                tmpl.Type,
		PacketBytes:         buf.Bytes(),
		TxHash:              tmpl.TxHash.String(),
		SighashDigest:       tmpl.SighashDigest[:],
		FeeSats:             tmpl.FeeSats,
		EscrowWitnessScript: witnessScript,
		EscrowPkScript:      pkScript,
		RoleKeys:            roleKeys,
	}, nil
}

// Template reconstructs the in-memory *psbtbuilder.Template this record
// describes, by re-parsing its stored PSBT wire bytes.
func (rec TemplateRecord) Template() (*psbtbuilder.Template, error) {
	packet, err := psbt.NewFromRawBytes(bytes.NewReader(rec.PacketBytes), false)
	if err != nil {
		return nil, fmt.Errorf("store: parsing stored PSBT: %w", err)
	}

	var digest [32]byte
	copy(digest[:], rec.SighashDigest)

	return &psbtbuilder.Template{
		Type:          rec.Type,
		Packet:        packet,
		SighashDigest: digest,
		FeeSats:       rec.FeeSats,
	}, nil
}
