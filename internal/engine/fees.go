package engine

import (
	"context"
	"errors"

	"escrowline/internal/events"
	"escrowline/internal/fees"
	"escrowline/internal/repo"
)

// FeePolicy returns the policy that the next money-moving operation will use.
func (e Engine) FeePolicy(ctx context.Context) (fees.Policy, error) {
	return e.currentPolicy(ctx)
}

func (e Engine) FeePolicyHistory(ctx context.Context) ([]fees.Policy, error) {
	return e.Repo.ListFeePolicies(ctx)
}

// UpdateFeePolicy stores a new policy version. Transactions already funded
// keep the quote they were funded with; later releases use the new version.
func (e Engine) UpdateFeePolicy(ctx context.Context, percent string, minAmount int64, actorID string) (fees.Policy, error) {
	p, err := fees.Parse(percent, minAmount)
	if err != nil {
		e.Metrics.ObserveOperation("update_fee_policy", err)
		return fees.Policy{}, err
	}
	p.CreatedBy = actorID
	if p.CreatedBy == "" {
		p.CreatedBy = "system"
	}
	p.CreatedAt = e.now()
	p, err = e.storeFeePolicy(ctx, p, "fees.updated")
	e.Metrics.ObserveOperation("update_fee_policy", err)
	if err != nil {
		return fees.Policy{}, err
	}
	e.logger().Info("fee policy updated", "version", p.Version, "percent", p.PercentString(), "min_escrow_amount", p.MinEscrowAmount)
	return p, nil
}

// SeedFeePolicy stores the configured fees as version 1 when no version exists yet.
func (e Engine) SeedFeePolicy(ctx context.Context) (fees.Policy, error) {
	current, err := e.Repo.LatestFeePolicy(ctx)
	if err == nil {
		return current, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return fees.Policy{}, err
	}
	p := ConfiguredPolicy(e.Config)
	p.CreatedAt = e.now()
	return e.storeFeePolicy(ctx, p, "fees.seeded")
}

func (e Engine) storeFeePolicy(ctx context.Context, p fees.Policy, evt string) (fees.Policy, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return fees.Policy{}, err
	}
	defer tx.Rollback()
	p, err = e.Repo.InsertFeePolicy(ctx, tx, p)
	if err != nil {
		return fees.Policy{}, err
	}
	if err := e.Events.Append(ctx, tx, evt, "fee_policy", "", p.CreatedBy, events.EventPayload{
		"version": p.Version, "escrow_fee_percent": p.PercentString(), "min_escrow_amount": p.MinEscrowAmount,
	}); err != nil {
		return fees.Policy{}, err
	}
	if err := tx.Commit(); err != nil {
		return fees.Policy{}, err
	}
	return p, nil
}
