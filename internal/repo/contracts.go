package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"escrowline/internal/domain"
)

const contractColumns = `id,buyer_id,seller_id,title,status,version,sent_at,signed_at,expires_at,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContract(row rowScanner) (domain.Contract, error) {
	var c domain.Contract
	var status, createdAt, updatedAt string
	var sentAt, signedAt, expiresAt sql.NullString
	if err := row.Scan(&c.ID, &c.BuyerID, &c.SellerID, &c.Title, &status, &c.Version, &sentAt, &signedAt, &expiresAt, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return c, ErrNotFound
		}
		return c, err
	}
	c.Status = domain.ContractStatus(status)
	var err error
	if c.SentAt, err = parseNullTime(sentAt); err != nil {
		return c, err
	}
	if c.SignedAt, err = parseNullTime(signedAt); err != nil {
		return c, err
	}
	if c.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return c, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return c, err
	}
	c.UpdatedAt, err = parseTime(updatedAt)
	return c, err
}

func (r Repo) InsertContract(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO contracts(`+contractColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`),
		c.ID, c.BuyerID, c.SellerID, c.Title, string(c.Status), c.Version,
		formatTimePtr(c.SentAt), formatTimePtr(c.SignedAt), formatTimePtr(c.ExpiresAt),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	return err
}

// UpdateContract writes c if the stored version still equals expectedVersion
// and bumps it by one.
func (r Repo) UpdateContract(ctx context.Context, tx *sql.Tx, c domain.Contract, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE contracts SET status=?,sent_at=?,signed_at=?,expires_at=?,updated_at=?,version=version+1 WHERE id=? AND version=?`),
		string(c.Status), formatTimePtr(c.SentAt), formatTimePtr(c.SignedAt), formatTimePtr(c.ExpiresAt), formatTime(c.UpdatedAt), c.ID, expectedVersion)
	return expectOneRow(res, err)
}

func (r Repo) GetContract(ctx context.Context, id string) (domain.Contract, error) {
	return r.getContract(ctx, r.DB, id)
}

func (r Repo) GetContractTx(ctx context.Context, tx *sql.Tx, id string) (domain.Contract, error) {
	return r.getContract(ctx, tx, id)
}

func (r Repo) getContract(ctx context.Context, q queryer, id string) (domain.Contract, error) {
	return scanContract(q.QueryRowContext(ctx, r.q(`SELECT `+contractColumns+` FROM contracts WHERE id=?`), id))
}

type ContractFilters struct {
	Search   string
	Status   string
	Page     int
	PageSize int
}

// ListContracts returns one page of contracts, newest first, with the total match count.
func (r Repo) ListContracts(ctx context.Context, f ContractFilters) ([]domain.Contract, int, error) {
	var clauses []string
	var args []any
	if f.Search != "" {
		like := "%" + strings.ToLower(f.Search) + "%"
		clauses = append(clauses, "(LOWER(id) LIKE ? OR LOWER(buyer_id) LIKE ? OR LOWER(seller_id) LIKE ? OR LOWER(title) LIKE ?)")
		args = append(args, like, like, like, like)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	var total int
	if err := r.DB.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM contracts `+where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count contracts: %w", err)
	}
	limit, offset := pageBounds(f.Page, f.PageSize)
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+contractColumns+` FROM contracts `+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`), append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	res := []domain.Contract{}
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, c)
	}
	return res, total, rows.Err()
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

func pageBounds(page, size int) (limit, offset int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return size, (page - 1) * size
}
