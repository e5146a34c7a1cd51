package repo

import (
	"context"
	"database/sql"
	"fmt"

	"escrowline/internal/domain"
)

const disputeColumns = `id,transaction_id,reason,raised_by,held_at_dispute,resolution,resolved_amount_to_buyer,resolved_amount_to_seller,fee_retained,buyer_share_bps,resolved_by,created_at,resolved_at`

func scanDispute(row rowScanner) (domain.Dispute, error) {
	var d domain.Dispute
	var raisedBy, createdAt string
	var resolution, resolvedBy, resolvedAt sql.NullString
	var bps sql.NullInt64
	if err := row.Scan(&d.ID, &d.TransactionID, &d.Reason, &raisedBy, &d.HeldAtDispute, &resolution,
		&d.ResolvedAmountToBuyer, &d.ResolvedAmountToSeller, &d.FeeRetained, &bps, &resolvedBy, &createdAt, &resolvedAt); err != nil {
		return d, err
	}
	d.RaisedBy = domain.Party(raisedBy)
	if resolution.Valid {
		d.Resolution = domain.Resolution(resolution.String)
	}
	if resolvedBy.Valid {
		d.ResolvedBy = resolvedBy.String
	}
	if bps.Valid {
		v := int(bps.Int64)
		d.BuyerShareBps = &v
	}
	var err error
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return d, err
	}
	d.ResolvedAt, err = parseNullTime(resolvedAt)
	return d, err
}

func (r Repo) disputesFor(ctx context.Context, q queryer, in string, ids []any) ([]domain.Dispute, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT `+disputeColumns+` FROM disputes WHERE transaction_id IN (`+in+`)`), ids...)
	if err != nil {
		return nil, fmt.Errorf("load disputes: %w", err)
	}
	defer rows.Close()
	var res []domain.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) insertDispute(ctx context.Context, tx *sql.Tx, d domain.Dispute) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO disputes(`+disputeColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		d.ID, d.TransactionID, d.Reason, string(d.RaisedBy), d.HeldAtDispute, nullable(string(d.Resolution)),
		d.ResolvedAmountToBuyer, d.ResolvedAmountToSeller, d.FeeRetained, nullableIntPtr(d.BuyerShareBps),
		nullable(d.ResolvedBy), formatTime(d.CreatedAt), formatTimePtr(d.ResolvedAt))
	if err != nil {
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

// updateDispute records a resolution. The resolution IS NULL guard makes a
// second resolution of the same dispute impossible at the storage level.
func (r Repo) updateDispute(ctx context.Context, tx *sql.Tx, d domain.Dispute) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE disputes SET resolution=?,resolved_amount_to_buyer=?,resolved_amount_to_seller=?,fee_retained=?,buyer_share_bps=?,resolved_by=?,resolved_at=? WHERE id=? AND resolution IS NULL`),
		nullable(string(d.Resolution)), d.ResolvedAmountToBuyer, d.ResolvedAmountToSeller, d.FeeRetained,
		nullableIntPtr(d.BuyerShareBps), nullable(d.ResolvedBy), formatTimePtr(d.ResolvedAt), d.ID)
	if err := expectOneRow(res, err); err != nil {
		return fmt.Errorf("resolve dispute %s: %w", d.ID, err)
	}
	return nil
}
