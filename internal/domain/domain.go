package domain

import (
	"fmt"
	"math"
	"time"
)

type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusFunded     TransactionStatus = "funded"
	StatusInProgress TransactionStatus = "in_progress"
	StatusCompleted  TransactionStatus = "completed"
	StatusDisputed   TransactionStatus = "disputed"
	StatusCancelled  TransactionStatus = "cancelled"
)

// transitions lists every edge of the escrow state machine. Anything not
// listed is rejected.
var transitions = map[TransactionStatus][]TransactionStatus{
	StatusPending:    {StatusFunded, StatusCancelled},
	StatusFunded:     {StatusInProgress, StatusCompleted, StatusDisputed, StatusCancelled},
	StatusInProgress: {StatusInProgress, StatusCompleted, StatusDisputed},
	StatusDisputed:   {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to TransactionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition verifies that after is a legal successor of before: the
// status follows an edge of the state machine and nothing already released
// is taken back.
func CheckTransition(before, after EscrowTransaction) error {
	if !CanTransition(before.Status, after.Status) {
		return InvalidStateError{Entity: "transaction", ID: before.ID, Status: string(before.Status), Op: "move to " + string(after.Status)}
	}
	if after.ReleasedAmount < before.ReleasedAmount {
		return fmt.Errorf("transaction %s: released amount would drop from %d to %d", before.ID, before.ReleasedAmount, after.ReleasedAmount)
	}
	return nil
}

func (s TransactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusFunded, StatusInProgress, StatusCompleted, StatusDisputed, StatusCancelled:
		return true
	}
	return false
}

type ContractStatus string

const (
	ContractDraft   ContractStatus = "draft"
	ContractSent    ContractStatus = "sent"
	ContractSigned  ContractStatus = "signed"
	ContractExpired ContractStatus = "expired"
)

type Party string

const (
	PartyBuyer    Party = "buyer"
	PartySeller   Party = "seller"
	PartyPlatform Party = "platform"
)

type Resolution string

const (
	ResolutionBuyerFavor  Resolution = "buyer_favor"
	ResolutionSellerFavor Resolution = "seller_favor"
	ResolutionMutual      Resolution = "mutual"
)

func (r Resolution) Valid() bool {
	switch r {
	case ResolutionBuyerFavor, ResolutionSellerFavor, ResolutionMutual:
		return true
	}
	return false
}

type LedgerKind string

const (
	LedgerDeposit       LedgerKind = "deposit"
	LedgerFeeQuote      LedgerKind = "fee_quote"
	LedgerRelease       LedgerKind = "release"
	LedgerFee           LedgerKind = "fee"
	LedgerRefund        LedgerKind = "refund"
	LedgerDisputeBuyer  LedgerKind = "dispute_buyer"
	LedgerDisputeSeller LedgerKind = "dispute_seller"
)

// Disbursement reports whether the entry moves money out of the held balance.
func (k LedgerKind) Disbursement() bool {
	switch k {
	case LedgerRelease, LedgerFee, LedgerRefund, LedgerDisputeBuyer, LedgerDisputeSeller:
		return true
	}
	return false
}

type Contract struct {
	ID        string         `json:"id"`
	BuyerID   string         `json:"buyer_id"`
	SellerID  string         `json:"seller_id"`
	Title     string         `json:"title,omitempty"`
	Status    ContractStatus `json:"status" enum:"draft,sent,signed,expired"`
	Version   int64          `json:"version"`
	SentAt    *time.Time     `json:"sent_at,omitempty" format:"date-time"`
	SignedAt  *time.Time     `json:"signed_at,omitempty" format:"date-time"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty" format:"date-time"`
	CreatedAt time.Time      `json:"created_at" format:"date-time"`
	UpdatedAt time.Time      `json:"updated_at" format:"date-time"`
}

// EffectiveStatus applies the signing window: a sent contract strictly past
// its expiry reads as expired even before the row is rewritten.
func (c Contract) EffectiveStatus(now time.Time) ContractStatus {
	if c.Status == ContractSent && c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
		return ContractExpired
	}
	return c.Status
}

type Milestone struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transaction_id"`
	Position      int        `json:"position"`
	Title         string     `json:"title,omitempty"`
	Amount        int64      `json:"amount"`
	Completed     bool       `json:"completed"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" format:"date-time"`
}

type Dispute struct {
	ID                     string     `json:"id"`
	TransactionID          string     `json:"transaction_id"`
	Reason                 string     `json:"reason,omitempty"`
	RaisedBy               Party      `json:"raised_by" enum:"buyer,seller"`
	HeldAtDispute          int64      `json:"held_at_dispute"`
	Resolution             Resolution `json:"resolution,omitempty"`
	ResolvedAmountToBuyer  int64      `json:"resolved_amount_to_buyer"`
	ResolvedAmountToSeller int64      `json:"resolved_amount_to_seller"`
	FeeRetained            int64      `json:"fee_retained"`
	BuyerShareBps          *int       `json:"buyer_share_bps,omitempty"`
	ResolvedBy             string     `json:"resolved_by,omitempty"`
	CreatedAt              time.Time  `json:"created_at" format:"date-time"`
	ResolvedAt             *time.Time `json:"resolved_at,omitempty" format:"date-time"`
}

func (d Dispute) Resolved() bool {
	return d.Resolution != ""
}

type EscrowTransaction struct {
	ID                  string            `json:"id"`
	ContractID          string            `json:"contract_id"`
	BuyerID             string            `json:"buyer_id"`
	SellerID            string            `json:"seller_id"`
	Version             int64             `json:"version"`
	Status              TransactionStatus `json:"status" enum:"pending,funded,in_progress,completed,disputed,cancelled"`
	TotalAmount         int64             `json:"total_amount"`
	ReleasedAmount      int64             `json:"released_amount"`
	HeldAmount          int64             `json:"held_amount"`
	SellerPaidAmount    int64             `json:"seller_paid_amount"`
	BuyerRefundedAmount int64             `json:"buyer_refunded_amount"`
	FeeCollectedAmount  int64             `json:"fee_collected_amount"`
	FeeQuotedAmount     int64             `json:"fee_quoted_amount"`
	FeePolicyVersion    int64             `json:"fee_policy_version"`
	Milestones          []Milestone       `json:"milestones"`
	Dispute             *Dispute          `json:"dispute,omitempty"`
	FundedAt            *time.Time        `json:"funded_at,omitempty" format:"date-time"`
	ClosedAt            *time.Time        `json:"closed_at,omitempty" format:"date-time"`
	CreatedAt           time.Time         `json:"created_at" format:"date-time"`
	UpdatedAt           time.Time         `json:"updated_at" format:"date-time"`
}

func (t EscrowTransaction) CompletedMilestones() int {
	n := 0
	for _, m := range t.Milestones {
		if m.Completed {
			n++
		}
	}
	return n
}

// NextMilestone returns the index of the lowest-position incomplete
// milestone, or -1 when all are done. Milestones are kept sorted by position.
func (t EscrowTransaction) NextMilestone() int {
	for i, m := range t.Milestones {
		if !m.Completed {
			return i
		}
	}
	return -1
}

func (t EscrowTransaction) MilestoneIndex(id string) int {
	for i, m := range t.Milestones {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// AddAmount returns a+b, or false when the sum of two non-negative amounts
// does not fit int64.
func AddAmount(a, b int64) (int64, bool) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, false
	}
	return a + b, true
}

// MilestoneSum returns -1 when the amounts do not fit int64.
func (t EscrowTransaction) MilestoneSum() int64 {
	var sum int64
	for _, m := range t.Milestones {
		var ok bool
		if sum, ok = AddAmount(sum, m.Amount); !ok {
			return -1
		}
	}
	return sum
}

// CheckInvariants verifies the money and milestone bookkeeping of t.
func (t EscrowTransaction) CheckInvariants() error {
	if t.ReleasedAmount < 0 || t.HeldAmount < 0 || t.TotalAmount < 0 {
		return fmt.Errorf("transaction %s: negative balance released=%d held=%d", t.ID, t.ReleasedAmount, t.HeldAmount)
	}
	if t.ReleasedAmount > t.TotalAmount || t.HeldAmount != t.TotalAmount-t.ReleasedAmount {
		return fmt.Errorf("transaction %s: released %d + held %d != total %d", t.ID, t.ReleasedAmount, t.HeldAmount, t.TotalAmount)
	}
	var disbursed int64
	for _, part := range []int64{t.SellerPaidAmount, t.BuyerRefundedAmount, t.FeeCollectedAmount} {
		if part < 0 || part > t.ReleasedAmount {
			return fmt.Errorf("transaction %s: disbursement %d outside released %d", t.ID, part, t.ReleasedAmount)
		}
		var ok bool
		if disbursed, ok = AddAmount(disbursed, part); !ok {
			return fmt.Errorf("transaction %s: disbursements overflow", t.ID)
		}
	}
	if disbursed != t.ReleasedAmount {
		return fmt.Errorf("transaction %s: disbursements do not add up to released %d", t.ID, t.ReleasedAmount)
	}
	if len(t.Milestones) > 0 && t.MilestoneSum() != t.TotalAmount {
		return fmt.Errorf("transaction %s: milestone sum %d != total %d", t.ID, t.MilestoneSum(), t.TotalAmount)
	}
	seenIncomplete := false
	for _, m := range t.Milestones {
		if !m.Completed {
			seenIncomplete = true
			continue
		}
		if seenIncomplete {
			return fmt.Errorf("transaction %s: milestone %d completed out of order", t.ID, m.Position)
		}
	}
	if t.Status == StatusDisputed && (t.Dispute == nil || t.Dispute.Resolved()) {
		return fmt.Errorf("transaction %s: disputed without an open dispute", t.ID)
	}
	if t.Status == StatusCompleted && t.Dispute == nil && t.HeldAmount != 0 {
		return fmt.Errorf("transaction %s: completed with %d still held", t.ID, t.HeldAmount)
	}
	return nil
}

type LedgerEntry struct {
	ID               string     `json:"id"`
	TransactionID    string     `json:"transaction_id"`
	Seq              int        `json:"seq"`
	Kind             LedgerKind `json:"kind"`
	Party            Party      `json:"party"`
	Amount           int64      `json:"amount"`
	MilestoneID      string     `json:"milestone_id,omitempty"`
	DisputeID        string     `json:"dispute_id,omitempty"`
	FeePolicyVersion int64      `json:"fee_policy_version,omitempty"`
	CreatedAt        time.Time  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates a back-office integration. Only the SHA-256 of the
// key is stored.
type APIKey struct {
	ID        string     `json:"id"`
	ActorID   string     `json:"actor_id"`
	Name      string     `json:"name,omitempty"`
	KeyHash   string     `json:"-"`
	Roles     []string   `json:"roles"`
	CreatedAt time.Time  `json:"created_at" format:"date-time"`
	RevokedAt *time.Time `json:"revoked_at,omitempty" format:"date-time"`
}

func (k APIKey) Active() bool {
	return k.RevokedAt == nil
}
