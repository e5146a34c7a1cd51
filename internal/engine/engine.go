package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"escrowline/internal/cache"
	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/domain"
	"escrowline/internal/events"
	"escrowline/internal/fees"
	"escrowline/internal/metrics"
	"escrowline/internal/repo"
)

var tracer = otel.Tracer("escrowline/engine")

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Fees    fees.Source
	Cache   cache.Cache
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Config  *config.Config
	Now     func() time.Time
}

// New wires an engine with a database-backed fee source that falls back to
// the configured fees until a policy version is stored.
func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config) Engine {
	r := repo.Repo{DB: conn, Dialect: dialect}
	return Engine{
		DB:     conn,
		Repo:   r,
		Events: events.Writer{Dialect: dialect},
		Fees:   repo.FeePolicySource{Repo: r, Fallback: ConfiguredPolicy(cfg)},
		Cache:  cache.Noop{},
		Logger: slog.Default(),
		Config: cfg,
		Now:    time.Now,
	}
}

// ConfiguredPolicy is the unversioned policy described by the fees section of cfg.
func ConfiguredPolicy(cfg *config.Config) fees.Policy {
	if cfg == nil {
		cfg = config.Default()
	}
	p, err := fees.Parse(cfg.Fees.EscrowFeePercent, cfg.Fees.MinEscrowAmount)
	if err != nil {
		return fees.Policy{MinEscrowAmount: cfg.Fees.MinEscrowAmount}
	}
	p.CreatedBy = "config"
	return p
}

// now is truncated to the storage precision so returned values match reloaded ones.
func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC().Truncate(time.Microsecond)
	}
	return time.Now().UTC().Truncate(time.Microsecond)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) cache() cache.Cache {
	if e.Cache != nil {
		return e.Cache
	}
	return cache.Noop{}
}

func (e Engine) maxRetries() int {
	if e.Config != nil && e.Config.Engine.MaxRetries > 0 {
		return e.Config.Engine.MaxRetries
	}
	return 3
}

func (e Engine) currentPolicy(ctx context.Context) (fees.Policy, error) {
	if e.Fees == nil {
		return ConfiguredPolicy(e.Config), nil
	}
	p, err := e.Fees.Current(ctx)
	if err != nil {
		return p, fmt.Errorf("load fee policy: %w", err)
	}
	return p, nil
}

// retry runs attempt until it stops losing optimistic version checks.
func (e Engine) retry(ctx context.Context, op, id string, attempt func() error) error {
	n := e.maxRetries()
	for i := 1; ; i++ {
		err := attempt()
		if !errors.Is(err, repo.ErrVersionConflict) {
			return err
		}
		e.Metrics.VersionConflict(op)
		if i >= n {
			return err
		}
		e.logger().Warn("version conflict, retrying", "op", op, "id", id, "attempt", i)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (e Engine) finish(span trace.Span, op, id string, err error) {
	e.Metrics.ObserveOperation(op, err)
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if domain.KindOf(err) == 0 {
		e.logger().Error("escrow operation failed", "op", op, "id", id, "err", err)
	} else {
		e.logger().Debug("escrow operation rejected", "op", op, "id", id, "err", err)
	}
}

// mutation describes what one operation changed. A nil mutation means the
// call was an idempotent no-op.
type mutation struct {
	change  repo.TransactionChange
	event   string
	payload events.EventPayload
}

type txMutation func(ctx context.Context, tx *sql.Tx, t *domain.EscrowTransaction, now time.Time) (*mutation, error)

// mutateTransaction loads the transaction, applies fn and persists the result
// under the optimistic version check, retrying when another writer won.
func (e Engine) mutateTransaction(ctx context.Context, op, id, actorID string, fn txMutation) (domain.EscrowTransaction, error) {
	ctx, span := tracer.Start(ctx, "escrow."+op, trace.WithAttributes(attribute.String("escrow.transaction_id", id)))
	defer span.End()

	var (
		t domain.EscrowTransaction
		m *mutation
	)
	err := e.retry(ctx, op, id, func() error {
		var err error
		t, m, err = e.applyTransaction(ctx, id, actorID, fn)
		return err
	})
	if errors.Is(err, repo.ErrVersionConflict) {
		status := ""
		if cur, gerr := e.Repo.GetTransaction(ctx, id); gerr == nil {
			status = string(cur.Status)
		}
		err = domain.ConcurrencyError{Entity: "transaction", ID: id, Attempts: e.maxRetries(), Status: status}
	}
	e.finish(span, op, id, err)
	if err != nil {
		return domain.EscrowTransaction{}, err
	}
	if m != nil {
		if cerr := e.cache().Invalidate(ctx, id); cerr != nil {
			e.logger().Warn("cache invalidate failed", "transaction_id", id, "err", cerr)
		}
		e.Metrics.FundsMoved(m.change.Entries)
		e.logger().Info("escrow updated", "op", op, "transaction_id", id, "status", t.Status, "version", t.Version, "held", t.HeldAmount)
	}
	span.SetAttributes(attribute.String("escrow.status", string(t.Status)))
	return t, nil
}

func (e Engine) applyTransaction(ctx context.Context, id, actorID string, fn txMutation) (domain.EscrowTransaction, *mutation, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.EscrowTransaction{}, nil, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTransactionTx(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return t, nil, domain.NotFoundError{Entity: "transaction", ID: id}
	}
	if err != nil {
		return t, nil, err
	}
	expected := t.Version
	before := t
	now := e.now()
	m, err := fn(ctx, tx, &t, now)
	if err != nil {
		return domain.EscrowTransaction{}, nil, err
	}
	if m == nil {
		return t, nil, nil
	}
	t.UpdatedAt = now
	if err := domain.CheckTransition(before, t); err != nil {
		return domain.EscrowTransaction{}, nil, fmt.Errorf("refusing to persist: %w", err)
	}
	if err := t.CheckInvariants(); err != nil {
		return domain.EscrowTransaction{}, nil, fmt.Errorf("refusing to persist: %w", err)
	}
	if err := e.Repo.SaveTransaction(ctx, tx, t, expected, m.change); err != nil {
		return domain.EscrowTransaction{}, nil, err
	}
	t.Version = expected + 1
	if m.payload == nil {
		m.payload = events.EventPayload{}
	}
	m.payload["status"] = t.Status
	m.payload["version"] = t.Version
	if err := e.Events.Append(ctx, tx, m.event, "transaction", t.ID, actorID, m.payload); err != nil {
		return domain.EscrowTransaction{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.EscrowTransaction{}, nil, err
	}
	return t, m, nil
}

// contractMutation returns the event to record, or "" when nothing changed.
// Returning an event together with an error commits the change and then
// reports the error.
type contractMutation func(ctx context.Context, tx *sql.Tx, c *domain.Contract, now time.Time) (string, error)

func (e Engine) mutateContract(ctx context.Context, op, id, actorID string, fn contractMutation) (domain.Contract, error) {
	ctx, span := tracer.Start(ctx, "contract."+op, trace.WithAttributes(attribute.String("escrow.contract_id", id)))
	defer span.End()

	var c domain.Contract
	err := e.retry(ctx, op, id, func() error {
		var err error
		c, err = e.applyContract(ctx, id, actorID, fn)
		return err
	})
	if errors.Is(err, repo.ErrVersionConflict) {
		err = domain.ConcurrencyError{Entity: "contract", ID: id, Attempts: e.maxRetries()}
	}
	e.finish(span, "contract_"+op, id, err)
	return c, err
}

func (e Engine) applyContract(ctx context.Context, id, actorID string, fn contractMutation) (domain.Contract, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetContractTx(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return c, domain.NotFoundError{Entity: "contract", ID: id}
	}
	if err != nil {
		return c, err
	}
	expected := c.Version
	now := e.now()
	evt, opErr := fn(ctx, tx, &c, now)
	if evt == "" {
		return c, opErr
	}
	c.UpdatedAt = now
	if err := e.Repo.UpdateContract(ctx, tx, c, expected); err != nil {
		return c, err
	}
	c.Version = expected + 1
	if err := e.Events.Append(ctx, tx, evt, "contract", c.ID, actorID, events.EventPayload{"status": c.Status, "version": c.Version}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, opErr
}

func newEntry(t domain.EscrowTransaction, kind domain.LedgerKind, party domain.Party, amount int64, now time.Time) domain.LedgerEntry {
	return domain.LedgerEntry{
		ID:            uuid.NewString(),
		TransactionID: t.ID,
		Kind:          kind,
		Party:         party,
		Amount:        amount,
		CreatedAt:     now,
	}
}

// GetTransaction reads through the cache.
func (e Engine) GetTransaction(ctx context.Context, id string) (domain.EscrowTransaction, error) {
	if t, ok, err := e.cache().GetTransaction(ctx, id); err != nil {
		e.logger().Warn("cache read failed", "transaction_id", id, "err", err)
	} else if ok {
		return t, nil
	}
	t, err := e.Repo.GetTransaction(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return t, domain.NotFoundError{Entity: "transaction", ID: id}
	}
	if err != nil {
		return t, err
	}
	if err := e.cache().PutTransaction(ctx, t); err != nil {
		e.logger().Warn("cache write failed", "transaction_id", id, "err", err)
	}
	return t, nil
}

func (e Engine) ListTransactions(ctx context.Context, f repo.TransactionFilters) ([]domain.EscrowTransaction, int, error) {
	return e.Repo.ListTransactions(ctx, f)
}

// Ledger returns the ledger entries of an existing transaction.
func (e Engine) Ledger(ctx context.Context, id string) ([]domain.LedgerEntry, error) {
	if _, err := e.Repo.GetTransaction(ctx, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, domain.NotFoundError{Entity: "transaction", ID: id}
		}
		return nil, err
	}
	return e.Repo.ListLedgerEntries(ctx, id)
}

func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}
