package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"escrowline/internal/domain"
	"escrowline/internal/events"
	"escrowline/internal/release"
	"escrowline/internal/repo"
)

type MilestoneInput struct {
	Title  string
	Amount int64
}

// TransactionCreateOptions are parameters for opening an escrow transaction.
type TransactionCreateOptions struct {
	ID          string
	ContractID  string
	TotalAmount int64
	Milestones  []MilestoneInput
	ActorID     string
}

func (o TransactionCreateOptions) validate() (int64, error) {
	if o.ContractID == "" {
		return 0, domain.ValidationError{Field: "contract_id", Message: "is required"}
	}
	if len(o.Milestones) == 0 {
		return 0, domain.ValidationError{Field: "milestones", Message: "at least one milestone is required"}
	}
	var sum int64
	for i, m := range o.Milestones {
		if m.Amount <= 0 {
			return 0, domain.ValidationError{Field: fmt.Sprintf("milestones[%d].amount", i), Message: "must be positive"}
		}
		var ok bool
		if sum, ok = domain.AddAmount(sum, m.Amount); !ok {
			return 0, domain.ValidationError{Field: "milestones", Message: "milestone amounts exceed the largest supported total"}
		}
	}
	if o.TotalAmount != 0 && o.TotalAmount != sum {
		return 0, domain.ValidationError{Field: "total_amount", Message: fmt.Sprintf("milestone amounts sum to %d, not %d", sum, o.TotalAmount)}
	}
	return sum, nil
}

// CreateTransaction opens a PENDING transaction on a contract. A contract
// carries at most one non-terminal transaction at a time.
func (e Engine) CreateTransaction(ctx context.Context, opts TransactionCreateOptions) (domain.EscrowTransaction, error) {
	ctx, span := tracer.Start(ctx, "escrow.create", trace.WithAttributes(attribute.String("escrow.contract_id", opts.ContractID)))
	defer span.End()

	total, err := opts.validate()
	if err != nil {
		e.finish(span, "create", opts.ContractID, err)
		return domain.EscrowTransaction{}, err
	}
	var t domain.EscrowTransaction
	err = e.retry(ctx, "create", opts.ContractID, func() error {
		var err error
		t, err = e.createTransaction(ctx, opts, total)
		return err
	})
	if errors.Is(err, repo.ErrVersionConflict) {
		err = domain.ConcurrencyError{Entity: "contract", ID: opts.ContractID, Attempts: e.maxRetries()}
	}
	e.finish(span, "create", opts.ContractID, err)
	if err != nil {
		return domain.EscrowTransaction{}, err
	}
	e.logger().Info("escrow created", "transaction_id", t.ID, "contract_id", t.ContractID, "total", t.TotalAmount)
	return t, nil
}

func (e Engine) createTransaction(ctx context.Context, opts TransactionCreateOptions, total int64) (domain.EscrowTransaction, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.EscrowTransaction{}, err
	}
	defer tx.Rollback()

	now := e.now()
	c, err := e.Repo.GetContractTx(ctx, tx, opts.ContractID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.EscrowTransaction{}, domain.NotFoundError{Entity: "contract", ID: opts.ContractID}
	}
	if err != nil {
		return domain.EscrowTransaction{}, err
	}
	if c.EffectiveStatus(now) == domain.ContractExpired {
		return domain.EscrowTransaction{}, domain.ExpiredContractError{ContractID: c.ID, ExpiredAt: expiry(c)}
	}
	linked, err := e.Repo.ListTransactionsByContractTx(ctx, tx, c.ID)
	if err != nil {
		return domain.EscrowTransaction{}, err
	}
	for _, other := range linked {
		if !other.Status.Terminal() {
			return domain.EscrowTransaction{}, domain.InvalidStateError{Entity: "contract", ID: c.ID, Status: string(c.Status), Op: "open a second active transaction on"}
		}
	}
	// Touching the contract row serializes concurrent creations on it.
	expected := c.Version
	c.UpdatedAt = now
	if err := e.Repo.UpdateContract(ctx, tx, c, expected); err != nil {
		return domain.EscrowTransaction{}, err
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	t := domain.EscrowTransaction{
		ID:          id,
		ContractID:  c.ID,
		BuyerID:     c.BuyerID,
		SellerID:    c.SellerID,
		Version:     1,
		Status:      domain.StatusPending,
		TotalAmount: total,
		HeldAmount:  total,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for i, m := range opts.Milestones {
		t.Milestones = append(t.Milestones, domain.Milestone{
			ID:            uuid.NewString(),
			TransactionID: id,
			Position:      i + 1,
			Title:         m.Title,
			Amount:        m.Amount,
		})
	}
	if err := t.CheckInvariants(); err != nil {
		return domain.EscrowTransaction{}, err
	}
	if err := e.Repo.InsertTransaction(ctx, tx, t); err != nil {
		return domain.EscrowTransaction{}, err
	}
	if err := e.Events.Append(ctx, tx, "escrow.created", "transaction", t.ID, opts.ActorID, events.EventPayload{
		"contract_id": t.ContractID, "total_amount": t.TotalAmount, "milestones": len(t.Milestones),
	}); err != nil {
		return domain.EscrowTransaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.EscrowTransaction{}, err
	}
	return t, nil
}

// Fund moves a PENDING transaction to FUNDED once the buyer deposits exactly
// the total. The fee is quoted under the current policy but nothing leaves
// escrow. Funding an already funded transaction with the same amount is a no-op.
func (e Engine) Fund(ctx context.Context, id string, amount int64, actorID string) (domain.EscrowTransaction, error) {
	policy, err := e.currentPolicy(ctx)
	if err != nil {
		return domain.EscrowTransaction{}, err
	}
	return e.mutateTransaction(ctx, "fund", id, actorID, func(ctx context.Context, tx *sql.Tx, t *domain.EscrowTransaction, now time.Time) (*mutation, error) {
		if t.Status == domain.StatusFunded {
			if amount != t.TotalAmount {
				return nil, domain.AmountMismatchError{Expected: t.TotalAmount, Got: amount}
			}
			return nil, nil
		}
		if t.Status != domain.StatusPending {
			return nil, domain.InvalidStateError{Entity: "transaction", ID: t.ID, Status: string(t.Status), Op: "fund"}
		}
		c, err := e.Repo.GetContractTx(ctx, tx, t.ContractID)
		if err != nil {
			return nil, fmt.Errorf("load contract %s: %w", t.ContractID, err)
		}
		if st := c.EffectiveStatus(now); st != domain.ContractSigned {
			return nil, domain.InvalidStateError{Entity: "contract", ID: c.ID, Status: string(st), Op: "fund against"}
		}
		if amount != t.TotalAmount {
			return nil, domain.AmountMismatchError{Expected: t.TotalAmount, Got: amount}
		}
		if err := policy.CheckMinimum(t.TotalAmount); err != nil {
			return nil, err
		}

		t.Status = domain.StatusFunded
		t.FeeQuotedAmount = policy.Fee(t.TotalAmount)
		t.FeePolicyVersion = policy.Version
		t.FundedAt = &now

		deposit := newEntry(*t, domain.LedgerDeposit, domain.PartyBuyer, amount, now)
		quote := newEntry(*t, domain.LedgerFeeQuote, domain.PartyPlatform, t.FeeQuotedAmount, now)
		quote.FeePolicyVersion = policy.Version
		return &mutation{
			change: repo.TransactionChange{Entries: []domain.LedgerEntry{deposit, quote}},
			event:  "escrow.funded",
			payload: events.EventPayload{
				"amount": amount, "fee_quoted": t.FeeQuotedAmount, "fee_policy_version": policy.Version,
			},
		}, nil
	})
}

// CompleteMilestone releases the milestone amount to the seller minus the
// platform fee. Milestones complete strictly in position order; completing
// one twice is a no-op.
func (e Engine) CompleteMilestone(ctx context.Context, id, milestoneID, actorID string) (domain.EscrowTransaction, error) {
	policy, err := e.currentPolicy(ctx)
	if err != nil {
		return domain.EscrowTransaction{}, err
	}
	return e.mutateTransaction(ctx, "complete_milestone", id, actorID, func(ctx context.Context, tx *sql.Tx, t *domain.EscrowTransaction, now time.Time) (*mutation, error) {
		idx := t.MilestoneIndex(milestoneID)
		if idx < 0 {
			return nil, domain.NotFoundError{Entity: "milestone", ID: milestoneID}
		}
		if t.Milestones[idx].Completed {
			return nil, nil
		}
		switch t.Status {
		case domain.StatusFunded, domain.StatusInProgress:
		case domain.StatusDisputed:
			disputeID := ""
			if t.Dispute != nil {
				disputeID = t.Dispute.ID
			}
			return nil, domain.DisputeActiveError{TransactionID: t.ID, DisputeID: disputeID}
		default:
			return nil, domain.InvalidStateError{Entity: "transaction", ID: t.ID, Status: string(t.Status), Op: "complete a milestone of"}
		}
		if next := t.NextMilestone(); next != idx {
			return nil, domain.OutOfOrderMilestoneError{
				MilestoneID:  milestoneID,
				Position:     t.Milestones[idx].Position,
				NextPosition: t.Milestones[next].Position,
				Status:       string(t.Status),
			}
		}
		m := &t.Milestones[idx]
		split, err := release.Calculate(t.HeldAmount, m.Amount, policy)
		if err != nil {
			return nil, err
		}
		m.Completed = true
		m.CompletedAt = &now
		t.HeldAmount -= split.Amount
		t.ReleasedAmount += split.Amount
		t.SellerPaidAmount += split.ToSeller
		t.FeeCollectedAmount += split.Fee
		if t.NextMilestone() < 0 {
			t.Status = domain.StatusCompleted
			t.ClosedAt = &now
		} else {
			t.Status = domain.StatusInProgress
		}

		rel := newEntry(*t, domain.LedgerRelease, domain.PartySeller, split.ToSeller, now)
		rel.MilestoneID = m.ID
		rel.FeePolicyVersion = policy.Version
		entries := []domain.LedgerEntry{rel}
		if split.Fee > 0 {
			fee := newEntry(*t, domain.LedgerFee, domain.PartyPlatform, split.Fee, now)
			fee.MilestoneID = m.ID
			fee.FeePolicyVersion = policy.Version
			entries = append(entries, fee)
		}
		return &mutation{
			change: repo.TransactionChange{Milestones: []domain.Milestone{*m}, Entries: entries},
			event:  "milestone.completed",
			payload: events.EventPayload{
				"milestone_id": m.ID, "position": m.Position, "amount": split.Amount,
				"to_seller": split.ToSeller, "fee": split.Fee, "fee_policy_version": policy.Version,
			},
		}, nil
	})
}

// Cancel voids a PENDING transaction, or refunds everything held on a FUNDED
// one that has not released any milestone yet.
func (e Engine) Cancel(ctx context.Context, id, actorID string) (domain.EscrowTransaction, error) {
	return e.mutateTransaction(ctx, "cancel", id, actorID, func(ctx context.Context, tx *sql.Tx, t *domain.EscrowTransaction, now time.Time) (*mutation, error) {
		var entries []domain.LedgerEntry
		switch {
		case t.Status == domain.StatusCancelled:
			return nil, nil
		case t.Status == domain.StatusPending:
		case t.Status == domain.StatusFunded && t.CompletedMilestones() == 0:
			refund := newEntry(*t, domain.LedgerRefund, domain.PartyBuyer, t.HeldAmount, now)
			entries = append(entries, refund)
			t.ReleasedAmount += t.HeldAmount
			t.BuyerRefundedAmount += t.HeldAmount
			t.HeldAmount = 0
		default:
			return nil, domain.InvalidStateError{Entity: "transaction", ID: t.ID, Status: string(t.Status), Op: "cancel"}
		}
		t.Status = domain.StatusCancelled
		t.ClosedAt = &now
		return &mutation{
			change:  repo.TransactionChange{Entries: entries},
			event:   "escrow.cancelled",
			payload: events.EventPayload{"refunded": t.BuyerRefundedAmount},
		}, nil
	})
}

// DisputeRaiseOptions are parameters for freezing a transaction.
type DisputeRaiseOptions struct {
	TransactionID string
	Reason        string
	RaisedBy      domain.Party
	ActorID       string
}

// RaiseDispute freezes a FUNDED or IN_PROGRESS transaction. Raising again on
// a disputed transaction returns the existing dispute unchanged.
func (e Engine) RaiseDispute(ctx context.Context, opts DisputeRaiseOptions) (domain.EscrowTransaction, error) {
	if opts.RaisedBy != domain.PartyBuyer && opts.RaisedBy != domain.PartySeller {
		return domain.EscrowTransaction{}, domain.ValidationError{Field: "raised_by", Message: "must be buyer or seller"}
	}
	return e.mutateTransaction(ctx, "raise_dispute", opts.TransactionID, opts.ActorID, func(ctx context.Context, tx *sql.Tx, t *domain.EscrowTransaction, now time.Time) (*mutation, error) {
		if t.Status == domain.StatusDisputed && t.Dispute != nil {
			return nil, nil
		}
		if t.Status != domain.StatusFunded && t.Status != domain.StatusInProgress {
			return nil, domain.InvalidStateError{Entity: "transaction", ID: t.ID, Status: string(t.Status), Op: "dispute"}
		}
		d := domain.Dispute{
			ID:            uuid.NewString(),
			TransactionID: t.ID,
			Reason:        opts.Reason,
			RaisedBy:      opts.RaisedBy,
			HeldAtDispute: t.HeldAmount,
			CreatedAt:     now,
		}
		t.Dispute = &d
		t.Status = domain.StatusDisputed
		return &mutation{
			change:  repo.TransactionChange{NewDispute: &d},
			event:   "dispute.raised",
			payload: events.EventPayload{"dispute_id": d.ID, "raised_by": d.RaisedBy, "held": d.HeldAtDispute},
		}, nil
	})
}
