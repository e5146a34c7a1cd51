package repo

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"escrowline/internal/domain"
)

const transactionColumns = `id,contract_id,buyer_id,seller_id,status,version,total_amount,released_amount,held_amount,seller_paid_amount,buyer_refunded_amount,fee_collected_amount,fee_quoted_amount,fee_policy_version,funded_at,closed_at,created_at,updated_at`

func scanTransaction(row rowScanner) (domain.EscrowTransaction, error) {
	var t domain.EscrowTransaction
	var status, createdAt, updatedAt string
	var fundedAt, closedAt sql.NullString
	err := row.Scan(&t.ID, &t.ContractID, &t.BuyerID, &t.SellerID, &status, &t.Version,
		&t.TotalAmount, &t.ReleasedAmount, &t.HeldAmount, &t.SellerPaidAmount, &t.BuyerRefundedAmount,
		&t.FeeCollectedAmount, &t.FeeQuotedAmount, &t.FeePolicyVersion, &fundedAt, &closedAt, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return t, ErrNotFound
		}
		return t, err
	}
	t.Status = domain.TransactionStatus(status)
	if t.FundedAt, err = parseNullTime(fundedAt); err != nil {
		return t, err
	}
	if t.ClosedAt, err = parseNullTime(closedAt); err != nil {
		return t, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return t, err
	}
	t.UpdatedAt, err = parseTime(updatedAt)
	return t, err
}

// InsertTransaction stores a new transaction together with its milestones.
func (r Repo) InsertTransaction(ctx context.Context, tx *sql.Tx, t domain.EscrowTransaction) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO escrow_transactions(`+transactionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		t.ID, t.ContractID, t.BuyerID, t.SellerID, string(t.Status), t.Version,
		t.TotalAmount, t.ReleasedAmount, t.HeldAmount, t.SellerPaidAmount, t.BuyerRefundedAmount,
		t.FeeCollectedAmount, t.FeeQuotedAmount, t.FeePolicyVersion,
		formatTimePtr(t.FundedAt), formatTimePtr(t.ClosedAt), formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	for _, m := range t.Milestones {
		if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO milestones(id,transaction_id,ordinal,title,amount,completed,completed_at) VALUES (?,?,?,?,?,?,?)`),
			m.ID, t.ID, m.Position, m.Title, m.Amount, boolInt(m.Completed), formatTimePtr(m.CompletedAt)); err != nil {
			return fmt.Errorf("insert milestone %d: %w", m.Position, err)
		}
	}
	return nil
}

// TransactionChange holds the child rows written together with a version
// bump of the transaction row.
type TransactionChange struct {
	Milestones []domain.Milestone
	NewDispute *domain.Dispute
	Dispute    *domain.Dispute
	Entries    []domain.LedgerEntry
}

// SaveTransaction applies the optimistic version check first so that a
// concurrent writer blocks on the row and then loses cleanly with
// ErrVersionConflict before any child row is touched.
func (r Repo) SaveTransaction(ctx context.Context, tx *sql.Tx, t domain.EscrowTransaction, expectedVersion int64, ch TransactionChange) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE escrow_transactions SET status=?,released_amount=?,held_amount=?,seller_paid_amount=?,buyer_refunded_amount=?,fee_collected_amount=?,fee_quoted_amount=?,fee_policy_version=?,funded_at=?,closed_at=?,updated_at=?,version=version+1 WHERE id=? AND version=?`),
		string(t.Status), t.ReleasedAmount, t.HeldAmount, t.SellerPaidAmount, t.BuyerRefundedAmount,
		t.FeeCollectedAmount, t.FeeQuotedAmount, t.FeePolicyVersion,
		formatTimePtr(t.FundedAt), formatTimePtr(t.ClosedAt), formatTime(t.UpdatedAt), t.ID, expectedVersion)
	if err := expectOneRow(res, err); err != nil {
		return err
	}
	for _, m := range ch.Milestones {
		if _, err := tx.ExecContext(ctx, r.q(`UPDATE milestones SET completed=?,completed_at=? WHERE id=? AND transaction_id=?`),
			boolInt(m.Completed), formatTimePtr(m.CompletedAt), m.ID, t.ID); err != nil {
			return fmt.Errorf("update milestone %s: %w", m.ID, err)
		}
	}
	if ch.NewDispute != nil {
		if err := r.insertDispute(ctx, tx, *ch.NewDispute); err != nil {
			return err
		}
	}
	if ch.Dispute != nil {
		if err := r.updateDispute(ctx, tx, *ch.Dispute); err != nil {
			return err
		}
	}
	return r.AppendLedgerEntries(ctx, tx, ch.Entries...)
}

func (r Repo) GetTransaction(ctx context.Context, id string) (domain.EscrowTransaction, error) {
	return r.getTransaction(ctx, r.DB, id)
}

func (r Repo) GetTransactionTx(ctx context.Context, tx *sql.Tx, id string) (domain.EscrowTransaction, error) {
	return r.getTransaction(ctx, tx, id)
}

func (r Repo) getTransaction(ctx context.Context, q queryer, id string) (domain.EscrowTransaction, error) {
	t, err := scanTransaction(q.QueryRowContext(ctx, r.q(`SELECT `+transactionColumns+` FROM escrow_transactions WHERE id=?`), id))
	if err != nil {
		return t, err
	}
	items := []domain.EscrowTransaction{t}
	if err := r.loadChildren(ctx, q, items); err != nil {
		return t, err
	}
	return items[0], nil
}

// loadChildren fills milestones and disputes for items in two queries.
func (r Repo) loadChildren(ctx context.Context, q queryer, items []domain.EscrowTransaction) error {
	if len(items) == 0 {
		return nil
	}
	ids := make([]any, len(items))
	index := make(map[string]int, len(items))
	for i := range items {
		ids[i] = items[i].ID
		index[items[i].ID] = i
		items[i].Milestones = []domain.Milestone{}
	}
	in := placeholders(len(ids))

	rows, err := q.QueryContext(ctx, r.q(`SELECT id,transaction_id,ordinal,title,amount,completed,completed_at FROM milestones WHERE transaction_id IN (`+in+`) ORDER BY transaction_id, ordinal`), ids...)
	if err != nil {
		return fmt.Errorf("load milestones: %w", err)
	}
	for rows.Next() {
		var m domain.Milestone
		var completed int
		var completedAt sql.NullString
		if err := rows.Scan(&m.ID, &m.TransactionID, &m.Position, &m.Title, &m.Amount, &completed, &completedAt); err != nil {
			rows.Close()
			return err
		}
		m.Completed = completed != 0
		if m.CompletedAt, err = parseNullTime(completedAt); err != nil {
			rows.Close()
			return err
		}
		i := index[m.TransactionID]
		items[i].Milestones = append(items[i].Milestones, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	disputes, err := r.disputesFor(ctx, q, in, ids)
	if err != nil {
		return err
	}
	for _, d := range disputes {
		items[index[d.TransactionID]].Dispute = &d
	}
	for i := range items {
		sort.Slice(items[i].Milestones, func(a, b int) bool {
			return items[i].Milestones[a].Position < items[i].Milestones[b].Position
		})
	}
	return nil
}

type TransactionFilters struct {
	Search     string
	Status     string
	ContractID string
	HasDispute *bool
	Page       int
	PageSize   int
}

// ListTransactions returns one page of transactions, newest first, and the
// total number of matches.
func (r Repo) ListTransactions(ctx context.Context, f TransactionFilters) ([]domain.EscrowTransaction, int, error) {
	var clauses []string
	var args []any
	if f.Search != "" {
		like := "%" + strings.ToLower(f.Search) + "%"
		clauses = append(clauses, "(LOWER(t.id) LIKE ? OR LOWER(t.buyer_id) LIKE ? OR LOWER(t.seller_id) LIKE ? OR LOWER(t.contract_id) LIKE ?)")
		args = append(args, like, like, like, like)
	}
	if f.Status != "" {
		clauses = append(clauses, "t.status=?")
		args = append(args, f.Status)
	}
	if f.ContractID != "" {
		clauses = append(clauses, "t.contract_id=?")
		args = append(args, f.ContractID)
	}
	if f.HasDispute != nil {
		cond := "EXISTS (SELECT 1 FROM disputes d WHERE d.transaction_id=t.id)"
		if !*f.HasDispute {
			cond = "NOT " + cond
		}
		clauses = append(clauses, cond)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	var total int
	if err := r.DB.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM escrow_transactions t `+where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}
	limit, offset := pageBounds(f.Page, f.PageSize)
	cols := "t." + strings.ReplaceAll(transactionColumns, ",", ",t.")
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+cols+` FROM escrow_transactions t `+where+` ORDER BY t.created_at DESC, t.id DESC LIMIT ? OFFSET ?`), append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	items := []domain.EscrowTransaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, 0, err
	}
	rows.Close()
	if err := r.loadChildren(ctx, r.DB, items); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ListTransactionsByContractTx returns every transaction linked to a contract.
func (r Repo) ListTransactionsByContractTx(ctx context.Context, tx *sql.Tx, contractID string) ([]domain.EscrowTransaction, error) {
	rows, err := tx.QueryContext(ctx, r.q(`SELECT `+transactionColumns+` FROM escrow_transactions WHERE contract_id=? ORDER BY created_at`), contractID)
	if err != nil {
		return nil, err
	}
	var items []domain.EscrowTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if err := r.loadChildren(ctx, tx, items); err != nil {
		return nil, err
	}
	return items, nil
}
