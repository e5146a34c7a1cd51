package escrowlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Escrowline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	APIKey      string
	// ActorID is sent as X-Actor-Id; servers without a JWT secret record it in audit events.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Contract struct {
	ID        string     `json:"id"`
	BuyerID   string     `json:"buyer_id"`
	SellerID  string     `json:"seller_id"`
	Title     string     `json:"title,omitempty"`
	Status    string     `json:"status"`
	Version   int64      `json:"version"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type Milestone struct {
	ID        string `json:"id"`
	Position  int    `json:"position"`
	Title     string `json:"title,omitempty"`
	Amount    int64  `json:"amount"`
	Completed bool   `json:"completed"`
}

type Dispute struct {
	ID                     string `json:"id"`
	RaisedBy               string `json:"raised_by"`
	Reason                 string `json:"reason,omitempty"`
	HeldAtDispute          int64  `json:"held_at_dispute"`
	Resolution             string `json:"resolution,omitempty"`
	ResolvedAmountToBuyer  int64  `json:"resolved_amount_to_buyer"`
	ResolvedAmountToSeller int64  `json:"resolved_amount_to_seller"`
	FeeRetained            int64  `json:"fee_retained"`
}

// Transaction is the escrow transaction view (partial).
type Transaction struct {
	ID                  string      `json:"id"`
	ContractID          string      `json:"contract_id"`
	Status              string      `json:"status"`
	Version             int64       `json:"version"`
	TotalAmount         int64       `json:"total_amount"`
	ReleasedAmount      int64       `json:"released_amount"`
	HeldAmount          int64       `json:"held_amount"`
	SellerPaidAmount    int64       `json:"seller_paid_amount"`
	BuyerRefundedAmount int64       `json:"buyer_refunded_amount"`
	FeeCollectedAmount  int64       `json:"fee_collected_amount"`
	Milestones          []Milestone `json:"milestones"`
	Dispute             *Dispute    `json:"dispute,omitempty"`
}

type LedgerEntry struct {
	Seq         int    `json:"seq"`
	Kind        string `json:"kind"`
	Party       string `json:"party"`
	Amount      int64  `json:"amount"`
	MilestoneID string `json:"milestone_id,omitempty"`
	DisputeID   string `json:"dispute_id,omitempty"`
}

type FeePolicy struct {
	Version          int64  `json:"version"`
	EscrowFeePercent string `json:"escrow_fee_percent"`
	MinEscrowAmount  int64  `json:"min_escrow_amount"`
}

// Page wraps paginated list responses.
type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

// ListOptions filter list endpoints; zero values are omitted.
type ListOptions struct {
	Page       int
	PageSize   int
	Search     string
	Status     string
	HasDispute *bool
}

func (o ListOptions) query() string {
	q := url.Values{}
	if o.Page > 0 {
		q.Set("page", strconv.Itoa(o.Page))
	}
	if o.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(o.PageSize))
	}
	if o.Search != "" {
		q.Set("search", o.Search)
	}
	if o.Status != "" {
		q.Set("status", o.Status)
	}
	if o.HasDispute != nil {
		q.Set("has_dispute", strconv.FormatBool(*o.HasDispute))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode    int
	Detail        string `json:"detail"`
	CurrentStatus string `json:"current_status,omitempty"`
	Body          string `json:"-"`
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("api error: status=%d detail=%s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) CreateContract(ctx context.Context, buyerID, sellerID, title string) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodPost, "escrow/contracts", map[string]any{
		"buyer_id":  buyerID,
		"seller_id": sellerID,
		"title":     title,
	}, &resp)
	return resp, err
}

func (c *Client) SendContract(ctx context.Context, id string) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodPost, "escrow/contracts/"+url.PathEscape(id)+"/send", nil, &resp)
	return resp, err
}

func (c *Client) SignContract(ctx context.Context, id string) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodPost, "escrow/contracts/"+url.PathEscape(id)+"/sign", nil, &resp)
	return resp, err
}

func (c *Client) ListContracts(ctx context.Context, opts ListOptions) (Page[Contract], error) {
	var resp Page[Contract]
	err := c.do(ctx, http.MethodGet, "escrow/contracts"+opts.query(), nil, &resp)
	return resp, err
}

// CreateTransaction opens an escrow transaction with milestone amounts in order.
func (c *Client) CreateTransaction(ctx context.Context, contractID string, amounts ...int64) (Transaction, error) {
	milestones := make([]map[string]any, 0, len(amounts))
	for _, a := range amounts {
		milestones = append(milestones, map[string]any{"amount": a})
	}
	var resp Transaction
	err := c.do(ctx, http.MethodPost, "escrow/transactions", map[string]any{
		"contract_id": contractID,
		"milestones":  milestones,
	}, &resp)
	return resp, err
}

func (c *Client) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodGet, "escrow/transactions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ListTransactions(ctx context.Context, opts ListOptions) (Page[Transaction], error) {
	var resp Page[Transaction]
	err := c.do(ctx, http.MethodGet, "escrow/transactions"+opts.query(), nil, &resp)
	return resp, err
}

func (c *Client) Fund(ctx context.Context, id string, amount int64) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodPost, c.txPath(id, "fund"), map[string]any{"amount": amount}, &resp)
	return resp, err
}

func (c *Client) CompleteMilestone(ctx context.Context, id, milestoneID string) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodPost, c.txPath(id, "milestones/"+url.PathEscape(milestoneID)+"/complete"), nil, &resp)
	return resp, err
}

func (c *Client) Cancel(ctx context.Context, id string) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodPost, c.txPath(id, "cancel"), nil, &resp)
	return resp, err
}

// RaiseDispute freezes the transaction; raisedBy is "buyer" or "seller".
func (c *Client) RaiseDispute(ctx context.Context, id, raisedBy, reason string) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodPost, c.txPath(id, "dispute"), map[string]any{
		"raised_by": raisedBy,
		"reason":    reason,
	}, &resp)
	return resp, err
}

// ResolveDispute settles the open dispute. buyerShareBps applies to "mutual" only.
func (c *Client) ResolveDispute(ctx context.Context, id, resolution string, buyerShareBps *int) (Transaction, error) {
	body := map[string]any{"resolution": resolution}
	if buyerShareBps != nil {
		body["buyer_share_bps"] = *buyerShareBps
	}
	var resp Transaction
	err := c.do(ctx, http.MethodPost, "admin/escrow/"+url.PathEscape(id)+"/resolve", body, &resp)
	return resp, err
}

func (c *Client) Ledger(ctx context.Context, id string) ([]LedgerEntry, error) {
	var resp struct {
		Items []LedgerEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.txPath(id, "ledger"), nil, &resp)
	return resp.Items, err
}

func (c *Client) FeePolicy(ctx context.Context) (FeePolicy, error) {
	var resp FeePolicy
	err := c.do(ctx, http.MethodGet, "admin/settings/fees", nil, &resp)
	return resp, err
}

func (c *Client) UpdateFeePolicy(ctx context.Context, percent string, minAmount int64) (FeePolicy, error) {
	var resp FeePolicy
	err := c.do(ctx, http.MethodPut, "admin/settings/fees", map[string]any{
		"escrow_fee_percent": percent,
		"min_escrow_amount":  minAmount,
	}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		_ = json.Unmarshal(b, apiErr)
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) txPath(id, p string) string {
	return fmt.Sprintf("escrow/transactions/%s/%s", url.PathEscape(id), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
