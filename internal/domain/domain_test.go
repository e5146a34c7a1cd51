package domain

import (
	"fmt"
	"math"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]TransactionStatus{
		{StatusPending, StatusFunded},
		{StatusPending, StatusCancelled},
		{StatusFunded, StatusInProgress},
		{StatusFunded, StatusDisputed},
		{StatusInProgress, StatusCompleted},
		{StatusDisputed, StatusCancelled},
	}
	for _, tr := range allowed {
		if !CanTransition(tr[0], tr[1]) {
			t.Fatalf("expected %s -> %s to be allowed", tr[0], tr[1])
		}
	}
	denied := [][2]TransactionStatus{
		{StatusPending, StatusCompleted},
		{StatusInProgress, StatusCancelled},
		{StatusCompleted, StatusDisputed},
		{StatusCancelled, StatusFunded},
		{StatusDisputed, StatusFunded},
	}
	for _, tr := range denied {
		if CanTransition(tr[0], tr[1]) {
			t.Fatalf("expected %s -> %s to be rejected", tr[0], tr[1])
		}
	}
}

func TestContractEffectiveStatus(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	exp := now.Add(time.Hour)
	c := Contract{Status: ContractSent, ExpiresAt: &exp}
	if got := c.EffectiveStatus(now); got != ContractSent {
		t.Fatalf("before expiry got %s", got)
	}
	if got := c.EffectiveStatus(exp); got != ContractSent {
		t.Fatalf("at the deadline got %s", got)
	}
	if got := c.EffectiveStatus(exp.Add(time.Nanosecond)); got != ContractExpired {
		t.Fatalf("after expiry got %s", got)
	}
	c.Status = ContractSigned
	if got := c.EffectiveStatus(exp.Add(time.Hour)); got != ContractSigned {
		t.Fatalf("signed contract must not expire, got %s", got)
	}
}

func TestCheckInvariants(t *testing.T) {
	base := EscrowTransaction{
		ID:          "tx-1",
		Status:      StatusInProgress,
		TotalAmount: 1000,
		Milestones: []Milestone{
			{Position: 1, Amount: 600, Completed: true},
			{Position: 2, Amount: 400},
		},
		ReleasedAmount:     600,
		HeldAmount:         400,
		SellerPaidAmount:   582,
		FeeCollectedAmount: 18,
	}
	if err := base.CheckInvariants(); err != nil {
		t.Fatalf("valid transaction: %v", err)
	}

	broken := base
	broken.HeldAmount = 500
	if err := broken.CheckInvariants(); err == nil {
		t.Fatalf("expected conservation failure")
	}

	outOfOrder := base
	outOfOrder.Milestones = []Milestone{
		{Position: 1, Amount: 600},
		{Position: 2, Amount: 400, Completed: true},
	}
	if err := outOfOrder.CheckInvariants(); err == nil {
		t.Fatalf("expected ordering failure")
	}

	disputed := base
	disputed.Status = StatusDisputed
	if err := disputed.CheckInvariants(); err == nil {
		t.Fatalf("expected missing dispute failure")
	}

	wrapped := base
	wrapped.SellerPaidAmount = -844
	wrapped.BuyerRefundedAmount = 1426
	if err := wrapped.CheckInvariants(); err == nil {
		t.Fatalf("expected negative disbursement failure")
	}

	overflow := base
	overflow.Milestones = []Milestone{{Position: 1, Amount: math.MaxInt64}, {Position: 2, Amount: 2}}
	if err := overflow.CheckInvariants(); err == nil {
		t.Fatalf("expected milestone overflow failure")
	}
}

func TestCheckTransition(t *testing.T) {
	funded := EscrowTransaction{ID: "tx-1", Status: StatusFunded, TotalAmount: 1000, HeldAmount: 1000}

	next := funded
	next.Status = StatusInProgress
	next.ReleasedAmount = 600
	if err := CheckTransition(funded, next); err != nil {
		t.Fatalf("funded -> in_progress: %v", err)
	}

	back := funded
	back.Status = StatusPending
	err := CheckTransition(funded, back)
	if KindOf(err) != KindConflict || CurrentStatus(err) != string(StatusFunded) {
		t.Fatalf("funded -> pending: %v", err)
	}

	reopened := next
	reopened.Status = StatusCompleted
	if err := CheckTransition(reopened, next); err == nil {
		t.Fatalf("completed is terminal")
	}

	shrunk := next
	shrunk.ReleasedAmount = 100
	if err := CheckTransition(next, shrunk); err == nil {
		t.Fatalf("released must not decrease")
	}
}

func TestAddAmount(t *testing.T) {
	if sum, ok := AddAmount(600, 400); !ok || sum != 1000 {
		t.Fatalf("600+400 = %d %v", sum, ok)
	}
	if _, ok := AddAmount(math.MaxInt64, 2); ok {
		t.Fatalf("expected overflow")
	}
}

func TestNextMilestone(t *testing.T) {
	tx := EscrowTransaction{Milestones: []Milestone{{ID: "a", Completed: true}, {ID: "b"}, {ID: "c"}}}
	if got := tx.NextMilestone(); got != 1 {
		t.Fatalf("next = %d", got)
	}
	if got := tx.MilestoneIndex("c"); got != 2 {
		t.Fatalf("index = %d", got)
	}
	tx.Milestones[1].Completed, tx.Milestones[2].Completed = true, true
	if got := tx.NextMilestone(); got != -1 {
		t.Fatalf("next on finished = %d", got)
	}
}

func TestErrorKinds(t *testing.T) {
	wrapped := fmt.Errorf("fund: %w", InvalidStateError{Entity: "transaction", ID: "x", Status: "completed", Op: "fund"})
	if KindOf(wrapped) != KindConflict {
		t.Fatalf("kind = %v", KindOf(wrapped))
	}
	if CurrentStatus(wrapped) != "completed" {
		t.Fatalf("status = %q", CurrentStatus(wrapped))
	}
	if KindOf(fmt.Errorf("boom")) != 0 {
		t.Fatalf("plain errors have no kind")
	}
	if KindOf(NotFoundError{Entity: "contract", ID: "c"}) != KindNotFound {
		t.Fatalf("not found kind")
	}
}
