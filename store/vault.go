package store

import (
	"fmt"

	"github.com/reconquest-labs/escrowcore/escrowscript"
	"github.com/reconquest-labs/escrowcore/sigvault"
)

// RehydrateVault rebuilds an in-memory sigvault.Vault for loanID from
// its persisted templates and signatures, replaying the exact
// Register-then-Submit sequence the ceremony would have performed live.
// Submit re-verifies every signature cryptographically, so a corrupted
// or tampered record is caught here rather than silently trusted.
func (d *DB) RehydrateVault(loanID int64) (*sigvault.Vault, error) {
	templates, err := d.FetchTemplates(loanID)
	if err != nil {
		return nil, fmt.Errorf("store: fetching templates for loan %d: %w", loanID, err)
	}
	if len(templates) == 0 {
		return nil, nil
	}

	signatures, err := d.FetchSignatures(loanID)
	if err != nil {
		return nil, fmt.Errorf("store: fetching signatures for loan %d: %w", loanID, err)
	}

	vault := sigvault.New()
	for _, tr := range templates {
		tmpl, err := tr.Template()
		if err != nil {
			return nil, fmt.Errorf("store: rebuilding template %v for loan %d: %w", tr.Type, loanID, err)
		}
		escrow := &escrowscript.Escrow{
			WitnessScript: tr.EscrowWitnessScript,
			PkScript:      tr.EscrowPkScript,
		}
		vault.Register(tr.Type, tmpl, escrow, tr.RoleKeys)
	}

	for _, sr := range signatures {
		if _, err := vault.Submit(sr.Type, sr.Role, sr.Pubkey, sr.DerSigWithHashType); err != nil {
			return nil, fmt.Errorf("store: replaying signature loan=%d type=%v role=%v: %w",
				loanID, sr.Type, sr.Role, err)
		}
	}

	return vault, nil
}
