package repo

import (
	"context"
	"database/sql"
	"fmt"

	"escrowline/internal/domain"
)

// AppendLedgerEntries inserts entries after the last sequence number already
// recorded for their transaction. Entries are append-only.
func (r Repo) AppendLedgerEntries(ctx context.Context, tx *sql.Tx, entries ...domain.LedgerEntry) error {
	next := map[string]int{}
	for _, e := range entries {
		seq, ok := next[e.TransactionID]
		if !ok {
			if err := tx.QueryRowContext(ctx, r.q(`SELECT COALESCE(MAX(seq),0) FROM ledger_entries WHERE transaction_id=?`), e.TransactionID).Scan(&seq); err != nil {
				return fmt.Errorf("ledger seq: %w", err)
			}
		}
		seq++
		next[e.TransactionID] = seq
		if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO ledger_entries(id,transaction_id,seq,kind,party,amount,milestone_id,dispute_id,fee_policy_version,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`),
			e.ID, e.TransactionID, seq, string(e.Kind), string(e.Party), e.Amount,
			nullable(e.MilestoneID), nullable(e.DisputeID), e.FeePolicyVersion, formatTime(e.CreatedAt)); err != nil {
			return fmt.Errorf("insert ledger entry %s: %w", e.Kind, err)
		}
	}
	return nil
}

// ListLedgerEntries returns the entries of a transaction in the order they were written.
func (r Repo) ListLedgerEntries(ctx context.Context, transactionID string) ([]domain.LedgerEntry, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,transaction_id,seq,kind,party,amount,milestone_id,dispute_id,fee_policy_version,created_at FROM ledger_entries WHERE transaction_id=? ORDER BY seq`), transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.LedgerEntry{}
	for rows.Next() {
		var e domain.LedgerEntry
		var kind, party, createdAt string
		var milestoneID, disputeID sql.NullString
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.Seq, &kind, &party, &e.Amount, &milestoneID, &disputeID, &e.FeePolicyVersion, &createdAt); err != nil {
			return nil, err
		}
		e.Kind = domain.LedgerKind(kind)
		e.Party = domain.Party(party)
		if milestoneID.Valid {
			e.MilestoneID = milestoneID.String
		}
		if disputeID.Valid {
			e.DisputeID = disputeID.String
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
