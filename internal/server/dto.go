package server

import (
	"time"

	"escrowline/internal/domain"
	"escrowline/internal/fees"
)

// Request payloads

type IDPath struct {
	ID string `path:"id"`
}

type PageQuery struct {
	Page     int    `query:"page" default:"1" minimum:"1"`
	PageSize int    `query:"page_size" default:"20" minimum:"1" maximum:"100"`
	Search   string `query:"search" maxLength:"200"`
}

type CreateContractRequest struct {
	ID       string `json:"id,omitempty"`
	BuyerID  string `json:"buyer_id" minLength:"1"`
	SellerID string `json:"seller_id" minLength:"1"`
	Title    string `json:"title,omitempty"`
}

type MilestoneRequest struct {
	Title  string `json:"title,omitempty"`
	Amount int64  `json:"amount" minimum:"1"`
}

type CreateTransactionRequest struct {
	ID          string             `json:"id,omitempty"`
	ContractID  string             `json:"contract_id" minLength:"1"`
	TotalAmount int64              `json:"total_amount,omitempty" minimum:"0" doc:"Optional; must equal the milestone sum when set"`
	Milestones  []MilestoneRequest `json:"milestones" minItems:"1"`
}

type FundRequest struct {
	Amount int64 `json:"amount" doc:"Minor units; must equal the transaction total"`
}

type RaiseDisputeRequest struct {
	Reason   string `json:"reason,omitempty" maxLength:"2000"`
	RaisedBy string `json:"raised_by" enum:"buyer,seller"`
}

type ResolveDisputeRequest struct {
	Resolution    string `json:"resolution" enum:"buyer_favor,seller_favor,mutual"`
	BuyerShareBps *int   `json:"buyer_share_bps,omitempty" minimum:"0" maximum:"10000" doc:"Buyer share of held funds in basis points; mutual only, default 5000"`
}

type UpdateFeesRequest struct {
	EscrowFeePercent string `json:"escrow_fee_percent" example:"2.5"`
	MinEscrowAmount  int64  `json:"min_escrow_amount" minimum:"0"`
}

// Responses

type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func newPage[T any](items []T, total int) Page[T] {
	if items == nil {
		items = []T{}
	}
	return Page[T]{Items: items, Total: total}
}

type LedgerResponse struct {
	Items []domain.LedgerEntry `json:"items"`
}

type EventsResponse struct {
	Items      []domain.Event `json:"items"`
	NextCursor int64          `json:"next_cursor,omitempty"`
}

type FeePolicyResponse struct {
	Version          int64      `json:"version"`
	EscrowFeePercent string     `json:"escrow_fee_percent"`
	MinEscrowAmount  int64      `json:"min_escrow_amount"`
	CreatedBy        string     `json:"created_by,omitempty"`
	CreatedAt        *time.Time `json:"created_at,omitempty" format:"date-time"`
}

type FeeHistoryResponse struct {
	Items []FeePolicyResponse `json:"items"`
}

func feePolicyResponse(p fees.Policy) FeePolicyResponse {
	resp := FeePolicyResponse{
		Version:          p.Version,
		EscrowFeePercent: p.PercentString(),
		MinEscrowAmount:  p.MinEscrowAmount,
		CreatedBy:        p.CreatedBy,
	}
	if !p.CreatedAt.IsZero() {
		at := p.CreatedAt
		resp.CreatedAt = &at
	}
	return resp
}
