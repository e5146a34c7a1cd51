package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"escrowline/internal/fees"
)

// InsertFeePolicy stores p as the next version and returns it with the
// version filled in. Existing versions are never rewritten; a concurrent
// writer taking the same version is rejected by the primary key.
func (r Repo) InsertFeePolicy(ctx context.Context, tx *sql.Tx, p fees.Policy) (fees.Policy, error) {
	if err := p.Validate(); err != nil {
		return p, err
	}
	var current int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0) FROM fee_policies`).Scan(&current); err != nil {
		return p, fmt.Errorf("read fee policy version: %w", err)
	}
	p.Version = current + 1
	if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO fee_policies(version,escrow_fee_percent,min_escrow_amount,created_by,created_at) VALUES (?,?,?,?,?)`),
		p.Version, p.EscrowFeePercent.String(), p.MinEscrowAmount, p.CreatedBy, formatTime(p.CreatedAt)); err != nil {
		return p, fmt.Errorf("insert fee policy: %w", err)
	}
	return p, nil
}

func scanFeePolicy(row rowScanner) (fees.Policy, error) {
	var p fees.Policy
	var pct, createdAt string
	if err := row.Scan(&p.Version, &pct, &p.MinEscrowAmount, &p.CreatedBy, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, ErrNotFound
		}
		return p, err
	}
	d, err := decimal.NewFromString(pct)
	if err != nil {
		return p, fmt.Errorf("fee policy %d: %w", p.Version, err)
	}
	p.EscrowFeePercent = d
	p.CreatedAt, err = parseTime(createdAt)
	return p, err
}

// LatestFeePolicy returns the policy currently in effect.
func (r Repo) LatestFeePolicy(ctx context.Context) (fees.Policy, error) {
	return scanFeePolicy(r.DB.QueryRowContext(ctx, `SELECT version,escrow_fee_percent,min_escrow_amount,created_by,created_at FROM fee_policies ORDER BY version DESC LIMIT 1`))
}

func (r Repo) ListFeePolicies(ctx context.Context) ([]fees.Policy, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT version,escrow_fee_percent,min_escrow_amount,created_by,created_at FROM fee_policies ORDER BY version DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []fees.Policy{}
	for rows.Next() {
		p, err := scanFeePolicy(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// FeePolicySource reads the latest stored policy, falling back when none has
// been written yet.
type FeePolicySource struct {
	Repo     Repo
	Fallback fees.Policy
}

func (s FeePolicySource) Current(ctx context.Context) (fees.Policy, error) {
	p, err := s.Repo.LatestFeePolicy(ctx)
	if errors.Is(err, ErrNotFound) {
		return s.Fallback, nil
	}
	return p, err
}
