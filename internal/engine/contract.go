package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"escrowline/internal/domain"
	"escrowline/internal/events"
	"escrowline/internal/repo"
)

const defaultSigningWindow = 72 * time.Hour

func (e Engine) signingWindow() time.Duration {
	if e.Config != nil && e.Config.Contracts.SigningWindow > 0 {
		return e.Config.Contracts.SigningWindow
	}
	return defaultSigningWindow
}

func expiry(c domain.Contract) time.Time {
	if c.ExpiresAt != nil {
		return *c.ExpiresAt
	}
	return time.Time{}
}

// ContractCreateOptions are parameters for drafting a contract.
type ContractCreateOptions struct {
	ID       string
	BuyerID  string
	SellerID string
	Title    string
	ActorID  string
}

func (e Engine) CreateContract(ctx context.Context, opts ContractCreateOptions) (domain.Contract, error) {
	if opts.BuyerID == "" || opts.SellerID == "" {
		return domain.Contract{}, domain.ValidationError{Field: "buyer_id", Message: "buyer and seller are required"}
	}
	if opts.BuyerID == opts.SellerID {
		return domain.Contract{}, domain.ValidationError{Field: "seller_id", Message: "buyer and seller must differ"}
	}
	now := e.now()
	c := domain.Contract{
		ID:        opts.ID,
		BuyerID:   opts.BuyerID,
		SellerID:  opts.SellerID,
		Title:     opts.Title,
		Status:    domain.ContractDraft,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertContract(ctx, tx, c); err != nil {
		return domain.Contract{}, fmt.Errorf("insert contract: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "contract.created", "contract", c.ID, opts.ActorID, events.EventPayload{
		"buyer_id": c.BuyerID, "seller_id": c.SellerID,
	}); err != nil {
		return domain.Contract{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	e.Metrics.ObserveOperation("contract_create", nil)
	return c, nil
}

// SendContract opens the signing window. Sending twice is a no-op.
func (e Engine) SendContract(ctx context.Context, id, actorID string) (domain.Contract, error) {
	return e.mutateContract(ctx, "send", id, actorID, func(ctx context.Context, tx *sql.Tx, c *domain.Contract, now time.Time) (string, error) {
		switch c.EffectiveStatus(now) {
		case domain.ContractSent:
			return "", nil
		case domain.ContractDraft:
		default:
			return "", domain.InvalidStateError{Entity: "contract", ID: c.ID, Status: string(c.EffectiveStatus(now)), Op: "send"}
		}
		exp := now.Add(e.signingWindow())
		c.Status = domain.ContractSent
		c.SentAt = &now
		c.ExpiresAt = &exp
		return "contract.sent", nil
	})
}

// SignContract signs a SENT contract inside its window. Signing after the
// window persists the EXPIRED status and fails with ExpiredContractError.
func (e Engine) SignContract(ctx context.Context, id, actorID string) (domain.Contract, error) {
	return e.mutateContract(ctx, "sign", id, actorID, func(ctx context.Context, tx *sql.Tx, c *domain.Contract, now time.Time) (string, error) {
		switch c.EffectiveStatus(now) {
		case domain.ContractSigned:
			return "", nil
		case domain.ContractExpired:
			expired := domain.ExpiredContractError{ContractID: c.ID, ExpiredAt: expiry(*c)}
			if c.Status == domain.ContractExpired {
				return "", expired
			}
			c.Status = domain.ContractExpired
			return "contract.expired", expired
		case domain.ContractSent:
		default:
			return "", domain.InvalidStateError{Entity: "contract", ID: c.ID, Status: string(c.Status), Op: "sign"}
		}
		linked, err := e.Repo.ListTransactionsByContractTx(ctx, tx, c.ID)
		if err != nil {
			return "", err
		}
		for _, t := range linked {
			if t.Status == domain.StatusPending && t.MilestoneSum() != t.TotalAmount {
				return "", domain.ValidationError{Field: "milestones", Message: fmt.Sprintf("transaction %s milestones sum to %d, not %d", t.ID, t.MilestoneSum(), t.TotalAmount)}
			}
		}
		c.Status = domain.ContractSigned
		c.SignedAt = &now
		return "contract.signed", nil
	})
}

// GetContract returns the contract with its signing window applied.
func (e Engine) GetContract(ctx context.Context, id string) (domain.Contract, error) {
	c, err := e.Repo.GetContract(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return c, domain.NotFoundError{Entity: "contract", ID: id}
	}
	if err != nil {
		return c, err
	}
	c.Status = c.EffectiveStatus(e.now())
	return c, nil
}

func (e Engine) ListContracts(ctx context.Context, f repo.ContractFilters) ([]domain.Contract, int, error) {
	items, total, err := e.Repo.ListContracts(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	now := e.now()
	for i := range items {
		items[i].Status = items[i].EffectiveStatus(now)
	}
	return items, total, nil
}
