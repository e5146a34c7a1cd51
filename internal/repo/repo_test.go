package repo

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowline/internal/db"
	"escrowline/internal/domain"
	"escrowline/internal/fees"
	"escrowline/internal/migrate"
)

var t0 = time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)

func newSQLiteRepo(t *testing.T) Repo {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))
	return Repo{DB: conn, Dialect: dialect}
}

func seedTransaction(t *testing.T, r Repo, id, contractID string, amounts ...int64) domain.EscrowTransaction {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	if _, err := r.GetContractTx(ctx, tx, contractID); errors.Is(err, ErrNotFound) {
		require.NoError(t, r.InsertContract(ctx, tx, domain.Contract{
			ID: contractID, BuyerID: "clinic-" + contractID, SellerID: "seller-" + contractID,
			Status: domain.ContractSigned, Version: 1, CreatedAt: t0, UpdatedAt: t0,
		}))
	}
	et := domain.EscrowTransaction{
		ID: id, ContractID: contractID, BuyerID: "clinic-" + contractID, SellerID: "seller-" + contractID,
		Version: 1, Status: domain.StatusPending, CreatedAt: t0, UpdatedAt: t0,
	}
	for i, a := range amounts {
		et.TotalAmount += a
		et.Milestones = append(et.Milestones, domain.Milestone{ID: id + "-m" + string(rune('1'+i)), TransactionID: id, Position: i + 1, Amount: a})
	}
	et.HeldAmount = et.TotalAmount
	require.NoError(t, r.InsertTransaction(ctx, tx, et))
	require.NoError(t, tx.Commit())
	return et
}

func TestTransactionRoundTrip(t *testing.T) {
	r := newSQLiteRepo(t)
	want := seedTransaction(t, r, "tx-1", "c-1", 600000, 400000)

	got, err := r.GetTransaction(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, want.TotalAmount, got.TotalAmount)
	assert.Equal(t, want.CreatedAt, got.CreatedAt)
	require.Len(t, got.Milestones, 2)
	assert.Equal(t, 1, got.Milestones[0].Position)
	assert.Nil(t, got.Dispute)

	_, err = r.GetTransaction(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveTransactionVersionCheck(t *testing.T) {
	r := newSQLiteRepo(t)
	ctx := context.Background()
	et := seedTransaction(t, r, "tx-1", "c-1", 50000)
	et.Status = domain.StatusFunded
	et.FundedAt = &t0

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.SaveTransaction(ctx, tx, et, 1, TransactionChange{
		Entries: []domain.LedgerEntry{{ID: "le-1", TransactionID: et.ID, Kind: domain.LedgerDeposit, Party: domain.PartyBuyer, Amount: 50000, CreatedAt: t0}},
	}))
	require.NoError(t, tx.Commit())

	tx, err = r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	err = r.SaveTransaction(ctx, tx, et, 1, TransactionChange{})
	assert.ErrorIs(t, err, ErrVersionConflict)
	require.NoError(t, tx.Rollback())

	got, err := r.GetTransaction(ctx, et.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, domain.StatusFunded, got.Status)

	entries, err := r.ListLedgerEntries(ctx, et.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Seq)
}

func TestDisputeResolvesOnceAtStorageLevel(t *testing.T) {
	r := newSQLiteRepo(t)
	ctx := context.Background()
	et := seedTransaction(t, r, "tx-1", "c-1", 50000)
	d := domain.Dispute{ID: "d-1", TransactionID: et.ID, RaisedBy: domain.PartyBuyer, HeldAtDispute: 50000, CreatedAt: t0}

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	et.Status = domain.StatusDisputed
	require.NoError(t, r.SaveTransaction(ctx, tx, et, 1, TransactionChange{NewDispute: &d}))
	require.NoError(t, tx.Commit())

	d.Resolution = domain.ResolutionBuyerFavor
	d.ResolvedAt = &t0
	for i, wantErr := range []bool{false, true} {
		tx, err := r.DB.BeginTx(ctx, nil)
		require.NoError(t, err)
		err = r.updateDispute(ctx, tx, d)
		if wantErr {
			assert.ErrorIs(t, err, ErrVersionConflict, "attempt %d", i)
			tx.Rollback()
			continue
		}
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
	}

	got, err := r.GetTransaction(ctx, et.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Dispute)
	assert.Equal(t, domain.ResolutionBuyerFavor, got.Dispute.Resolution)
}

func TestListTransactionsSearchAndPaging(t *testing.T) {
	r := newSQLiteRepo(t)
	ctx := context.Background()
	for _, id := range []string{"tx-a", "tx-b", "tx-c"} {
		seedTransaction(t, r, id, "c-"+id, 20000)
	}

	items, total, err := r.ListTransactions(ctx, TransactionFilters{Search: "C-TX-B"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, "tx-b", items[0].ID)

	items, total, err = r.ListTransactions(ctx, TransactionFilters{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, items, 2)

	no := false
	_, total, err = r.ListTransactions(ctx, TransactionFilters{HasDispute: &no})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestFeePolicyVersions(t *testing.T) {
	r := newSQLiteRepo(t)
	ctx := context.Background()
	src := FeePolicySource{Repo: r, Fallback: fees.Policy{EscrowFeePercent: decimal.NewFromInt(3)}}

	p, err := src.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Version)

	for _, pct := range []string{"3", "2.5"} {
		pol, err := fees.Parse(pct, 10000)
		require.NoError(t, err)
		pol.CreatedBy = "admin"
		pol.CreatedAt = t0
		tx, err := r.DB.BeginTx(ctx, nil)
		require.NoError(t, err)
		_, err = r.InsertFeePolicy(ctx, tx, pol)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
	}
	p, err = src.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.Version)
	assert.Equal(t, "2.5", p.PercentString())
}

func TestSaveTransactionConflictWithSQLMock(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	r := Repo{DB: conn, Dialect: db.Postgres}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE escrow_transactions SET status=$1`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	err = r.SaveTransaction(ctx, tx, domain.EscrowTransaction{ID: "tx-1", UpdatedAt: t0}, 3, TransactionChange{
		Entries: []domain.LedgerEntry{{ID: "le-1", TransactionID: "tx-1"}},
	})
	assert.ErrorIs(t, err, ErrVersionConflict)
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStorageErrorsPropagate(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	r := Repo{DB: conn, Dialect: db.MySQL}

	boom := errors.New("connection reset")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM escrow_transactions t`)).WillReturnError(boom)
	_, _, err = r.ListTransactions(context.Background(), TransactionFilters{})
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}
