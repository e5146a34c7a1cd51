package engine

import (
	"context"
	"database/sql"
	"time"

	"escrowline/internal/dispute"
	"escrowline/internal/domain"
	"escrowline/internal/events"
	"escrowline/internal/repo"
)

// DisputeResolveOptions are parameters for settling an open dispute.
type DisputeResolveOptions struct {
	TransactionID string
	Resolution    domain.Resolution
	BuyerShareBps *int
	ActorID       string
}

// ResolveDispute divides everything held at dispute time and closes the
// transaction: CANCELLED for buyer_favor, COMPLETED for seller_favor and
// mutual, even a mutual split that leaves the seller nothing. A dispute
// resolves exactly once.
func (e Engine) ResolveDispute(ctx context.Context, opts DisputeResolveOptions) (domain.EscrowTransaction, error) {
	if err := dispute.Validate(opts.Resolution, opts.BuyerShareBps); err != nil {
		e.Metrics.ObserveOperation("resolve_dispute", err)
		return domain.EscrowTransaction{}, err
	}
	policy, err := e.currentPolicy(ctx)
	if err != nil {
		return domain.EscrowTransaction{}, err
	}
	return e.mutateTransaction(ctx, "resolve_dispute", opts.TransactionID, opts.ActorID, func(ctx context.Context, tx *sql.Tx, t *domain.EscrowTransaction, now time.Time) (*mutation, error) {
		if t.Dispute == nil {
			return nil, domain.InvalidStateError{Entity: "transaction", ID: t.ID, Status: string(t.Status), Op: "resolve a dispute on"}
		}
		if t.Dispute.Resolved() {
			return nil, domain.AlreadyResolvedError{DisputeID: t.Dispute.ID, Resolution: t.Dispute.Resolution, Status: string(t.Status)}
		}
		if t.Status != domain.StatusDisputed {
			return nil, domain.InvalidStateError{Entity: "transaction", ID: t.ID, Status: string(t.Status), Op: "resolve a dispute on"}
		}
		if t.Dispute.HeldAtDispute != t.HeldAmount {
			return nil, domain.InsufficientHeldFundsError{Requested: t.Dispute.HeldAtDispute, Held: t.HeldAmount}
		}
		s, err := dispute.Resolve(t.HeldAmount, opts.Resolution, opts.BuyerShareBps, policy)
		if err != nil {
			return nil, err
		}

		d := *t.Dispute
		d.Resolution = s.Resolution
		d.ResolvedAmountToBuyer = s.ToBuyer
		d.ResolvedAmountToSeller = s.ToSeller
		d.FeeRetained = s.Fee
		d.BuyerShareBps = s.BuyerShareBps
		d.ResolvedBy = opts.ActorID
		d.ResolvedAt = &now
		t.Dispute = &d

		t.ReleasedAmount += t.HeldAmount
		t.HeldAmount = 0
		t.BuyerRefundedAmount += s.ToBuyer
		t.SellerPaidAmount += s.SellerNet()
		t.FeeCollectedAmount += s.Fee
		t.Status = s.Outcome
		t.ClosedAt = &now

		var entries []domain.LedgerEntry
		if s.ToBuyer > 0 {
			le := newEntry(*t, domain.LedgerDisputeBuyer, domain.PartyBuyer, s.ToBuyer, now)
			le.DisputeID = d.ID
			entries = append(entries, le)
		}
		if s.SellerNet() > 0 {
			le := newEntry(*t, domain.LedgerDisputeSeller, domain.PartySeller, s.SellerNet(), now)
			le.DisputeID = d.ID
			le.FeePolicyVersion = policy.Version
			entries = append(entries, le)
		}
		if s.Fee > 0 {
			le := newEntry(*t, domain.LedgerFee, domain.PartyPlatform, s.Fee, now)
			le.DisputeID = d.ID
			le.FeePolicyVersion = policy.Version
			entries = append(entries, le)
		}
		return &mutation{
			change: repo.TransactionChange{Dispute: &d, Entries: entries},
			event:  "dispute.resolved",
			payload: events.EventPayload{
				"dispute_id": d.ID, "resolution": d.Resolution, "to_buyer": s.ToBuyer,
				"to_seller": s.ToSeller, "fee": s.Fee,
			},
		}, nil
	})
}
