package engine

import (
	"context"
	"errors"
	"fmt"

	"escrowline/internal/domain"
	"escrowline/internal/repo"
)

// ReconcileReport compares the balances on a transaction row with the sums
// of its ledger entries.
type ReconcileReport struct {
	TransactionID string   `json:"transaction_id"`
	Deposited     int64    `json:"deposited"`
	SellerPaid    int64    `json:"seller_paid"`
	BuyerRefunded int64    `json:"buyer_refunded"`
	FeeCollected  int64    `json:"fee_collected"`
	Released      int64    `json:"released"`
	Problems      []string `json:"problems,omitempty"`
}

func (r ReconcileReport) OK() bool {
	return len(r.Problems) == 0
}

func (e Engine) Reconcile(ctx context.Context, id string) (ReconcileReport, error) {
	t, err := e.Repo.GetTransaction(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return ReconcileReport{}, domain.NotFoundError{Entity: "transaction", ID: id}
	}
	if err != nil {
		return ReconcileReport{}, err
	}
	entries, err := e.Repo.ListLedgerEntries(ctx, id)
	if err != nil {
		return ReconcileReport{}, err
	}
	rep := ReconcileReport{TransactionID: id}
	for _, le := range entries {
		switch le.Kind {
		case domain.LedgerDeposit:
			rep.Deposited += le.Amount
		case domain.LedgerRelease, domain.LedgerDisputeSeller:
			rep.SellerPaid += le.Amount
		case domain.LedgerRefund, domain.LedgerDisputeBuyer:
			rep.BuyerRefunded += le.Amount
		case domain.LedgerFee:
			rep.FeeCollected += le.Amount
		}
		if le.Kind.Disbursement() {
			rep.Released += le.Amount
		}
	}
	check := func(name string, ledger, row int64) {
		if ledger != row {
			rep.Problems = append(rep.Problems, fmt.Sprintf("%s: ledger %d, transaction %d", name, ledger, row))
		}
	}
	check("seller_paid", rep.SellerPaid, t.SellerPaidAmount)
	check("buyer_refunded", rep.BuyerRefunded, t.BuyerRefundedAmount)
	check("fee_collected", rep.FeeCollected, t.FeeCollectedAmount)
	check("released", rep.Released, t.ReleasedAmount)
	if t.FundedAt != nil {
		check("deposited", rep.Deposited, t.TotalAmount)
	} else if rep.Deposited != 0 {
		rep.Problems = append(rep.Problems, fmt.Sprintf("deposited: ledger %d on an unfunded transaction", rep.Deposited))
	}
	if err := t.CheckInvariants(); err != nil {
		rep.Problems = append(rep.Problems, err.Error())
	}
	return rep, nil
}
