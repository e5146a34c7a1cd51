package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/metrics"
	"escrowline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	cfg := config.Default()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	reg := prometheus.NewRegistry()
	e := engine.New(conn, dialect, cfg)
	e.Metrics = metrics.New(reg)
	if _, err := e.SeedFeePolicy(context.Background()); err != nil {
		t.Fatalf("seed fees: %v", err)
	}
	handler, err := New(Config{Engine: e, Auth: auth, Gatherer: reg})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func expectStatus(t *testing.T, res *http.Response, body []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("%s %s: expected %d, got %d: %s", res.Request.Method, res.Request.URL.Path, want, res.StatusCode, string(body))
	}
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %T: %v (%s)", v, err, string(data))
	}
	return v
}

// openEscrow drafts, sends and signs a contract, then opens a transaction on it.
func openEscrow(t *testing.T, srv *testServer, headers map[string]string, amounts ...int64) domain.EscrowTransaction {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/escrow/contracts", map[string]any{
		"buyer_id":  "clinic-1",
		"seller_id": "supplier-1",
		"title":     "Dental chairs",
	}, headers)
	expectStatus(t, res, data, http.StatusCreated)
	c := decode[domain.Contract](t, data)
	for _, step := range []string{"send", "sign"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/escrow/contracts/"+c.ID+"/"+step, nil, headers)
		expectStatus(t, res, data, http.StatusOK)
	}
	var milestones []map[string]any
	for i, a := range amounts {
		milestones = append(milestones, map[string]any{"title": fmt.Sprintf("phase %d", i+1), "amount": a})
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/escrow/transactions", map[string]any{
		"contract_id": c.ID,
		"milestones":  milestones,
	}, headers)
	expectStatus(t, res, data, http.StatusCreated)
	return decode[domain.EscrowTransaction](t, data)
}

func TestMilestoneReleaseFlow(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	tx := openEscrow(t, srv, nil, 600000, 400000)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/escrow/transactions/"+tx.ID+"/fund", map[string]any{"amount": 1000000}, nil)
	expectStatus(t, res, data, http.StatusOK)
	funded := decode[domain.EscrowTransaction](t, data)
	if funded.Status != domain.StatusFunded || funded.HeldAmount != 1000000 {
		t.Fatalf("unexpected funded state: %+v", funded)
	}

	var last domain.EscrowTransaction
	for _, m := range tx.Milestones {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/escrow/transactions/"+tx.ID+"/milestones/"+m.ID+"/complete", nil, nil)
		expectStatus(t, res, data, http.StatusOK)
		last = decode[domain.EscrowTransaction](t, data)
	}
	if last.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", last.Status)
	}
	if last.HeldAmount != 0 || last.SellerPaidAmount != 582000+388000 || last.FeeCollectedAmount != 30000 {
		t.Fatalf("unexpected balances: held=%d seller=%d fee=%d", last.HeldAmount, last.SellerPaidAmount, last.FeeCollectedAmount)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/escrow/transactions/"+tx.ID+"/reconcile", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	rep := decode[engine.ReconcileReport](t, data)
	if !rep.OK() {
		t.Fatalf("reconcile problems: %v", rep.Problems)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/escrow/transactions/"+tx.ID+"/ledger", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	ledger := decode[LedgerResponse](t, data)
	if len(ledger.Items) == 0 || ledger.Items[0].Kind != domain.LedgerDeposit {
		t.Fatalf("expected ledger to start with the deposit: %+v", ledger.Items)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	tx := openEscrow(t, srv, nil, 500000, 400000)
	base := srv.URL + "/escrow/transactions/" + tx.ID

	res, data := doJSON(t, client, http.MethodPost, base+"/fund", map[string]any{"amount": 1}, nil)
	expectStatus(t, res, data, http.StatusBadRequest)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/escrow/transactions/missing", nil, nil)
	expectStatus(t, res, data, http.StatusNotFound)
	if body := decode[apiError](t, data); body.Detail == "" {
		t.Fatalf("expected detail in error envelope: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/fund", map[string]any{"amount": 900000}, nil)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodPost, base+"/milestones/"+tx.Milestones[1].ID+"/complete", nil, nil)
	expectStatus(t, res, data, http.StatusConflict)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/admin/escrow/"+tx.ID+"/resolve", map[string]any{"resolution": "mutual"}, nil)
	expectStatus(t, res, data, http.StatusConflict)
	if body := decode[apiError](t, data); body.CurrentStatus != string(domain.StatusFunded) {
		t.Fatalf("expected current_status funded, got %q", body.CurrentStatus)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/admin/escrow/"+tx.ID+"/resolve", map[string]any{"resolution": "split_it"}, nil)
	expectStatus(t, res, data, http.StatusBadRequest)
}

func TestDisputeResolutionOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	tx := openEscrow(t, srv, map[string]string{"X-Actor-Id": "ops-1"}, 500000, 400000)
	base := srv.URL + "/escrow/transactions/" + tx.ID

	res, data := doJSON(t, client, http.MethodPost, base+"/fund", map[string]any{"amount": 900000}, nil)
	expectStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, client, http.MethodPost, base+"/milestones/"+tx.Milestones[0].ID+"/complete", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, client, http.MethodPost, base+"/dispute", map[string]any{"raised_by": "buyer", "reason": "late delivery"}, nil)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/escrow/transactions?has_dispute=true", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	page := decode[Page[domain.EscrowTransaction]](t, data)
	if page.Total != 1 || len(page.Items) != 1 || page.Items[0].ID != tx.ID {
		t.Fatalf("expected the disputed transaction, got %+v", page)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/admin/escrow/"+tx.ID+"/resolve", map[string]any{"resolution": "mutual"}, nil)
	expectStatus(t, res, data, http.StatusOK)
	resolved := decode[domain.EscrowTransaction](t, data)
	if resolved.Status != domain.StatusCompleted || resolved.Dispute == nil {
		t.Fatalf("unexpected resolution: %+v", resolved)
	}
	if resolved.Dispute.ResolvedAmountToBuyer != 200000 || resolved.Dispute.ResolvedAmountToSeller != 200000 {
		t.Fatalf("expected an even split, got buyer=%d seller=%d", resolved.Dispute.ResolvedAmountToBuyer, resolved.Dispute.ResolvedAmountToSeller)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/admin/escrow/"+tx.ID+"/resolve", map[string]any{"resolution": "buyer_favor"}, nil)
	expectStatus(t, res, data, http.StatusConflict)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/escrow/events?entity_kind=contract&limit=1", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	evts := decode[EventsResponse](t, data)
	if len(evts.Items) != 1 || evts.NextCursor == 0 {
		t.Fatalf("expected one event and a cursor, got %+v", evts)
	}
	if evts.Items[0].ActorID != "ops-1" {
		t.Fatalf("expected actor ops-1, got %q", evts.Items[0].ActorID)
	}
}

func TestFeeSettings(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/admin/settings/fees", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if p := decode[FeePolicyResponse](t, data); p.Version != 1 || p.EscrowFeePercent != "3" {
		t.Fatalf("unexpected seeded policy: %+v", p)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/admin/settings/fees", map[string]any{"escrow_fee_percent": "2.5", "min_escrow_amount": 5000}, nil)
	expectStatus(t, res, data, http.StatusOK)
	if p := decode[FeePolicyResponse](t, data); p.Version != 2 || p.EscrowFeePercent != "2.5" {
		t.Fatalf("unexpected updated policy: %+v", p)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/admin/settings/fees", map[string]any{"escrow_fee_percent": "250", "min_escrow_amount": 0}, nil)
	expectStatus(t, res, data, http.StatusBadRequest)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/admin/settings/fees/history", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if h := decode[FeeHistoryResponse](t, data); len(h.Items) != 2 {
		t.Fatalf("expected two versions, got %d", len(h.Items))
	}
}

func TestJWTAuthAndAdminRole(t *testing.T) {
	const secret = "test-secret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/health", nil, nil)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/escrow/contracts", nil, nil)
	expectStatus(t, res, data, http.StatusUnauthorized)

	staff, err := IssueToken(secret, "staff-1", nil, 0)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	staffHdr := map[string]string{"Authorization": "Bearer " + staff}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/escrow/contracts", nil, staffHdr)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/admin/settings/fees", nil, staffHdr)
	expectStatus(t, res, data, http.StatusForbidden)

	admin, err := IssueToken(secret, "admin-1", []string{AdminRole}, 0)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/admin/settings/fees", nil, map[string]string{"Authorization": "Bearer " + admin})
	expectStatus(t, res, data, http.StatusOK)

	forged, _ := IssueToken("other-secret", "admin-1", []string{AdminRole}, 0)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/escrow/contracts", nil, map[string]string{"Authorization": "Bearer " + forged})
	expectStatus(t, res, data, http.StatusUnauthorized)
}

func TestMetricsAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	openEscrow(t, srv, nil, 50000)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if !strings.Contains(string(data), "escrow_operations_total") {
		t.Fatalf("expected escrow metrics, got:\n%s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/openapi.json", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if !strings.Contains(string(data), "/admin/escrow/{id}/resolve") || !strings.Contains(string(data), "bearerAuth") {
		t.Fatalf("openapi document misses routes or security")
	}
}

func TestRateLimit(t *testing.T) {
	h := newRateLimitMiddleware(RateLimit{RPS: 1, Burst: 1})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: h}
	go srv.Serve(ln)
	defer srv.Shutdown(context.Background())
	url := "http://" + ln.Addr().String() + "/escrow/transactions"

	res, data := doJSON(t, http.DefaultClient, http.MethodGet, url, nil, nil)
	expectStatus(t, res, data, http.StatusNoContent)
	res, data = doJSON(t, http.DefaultClient, http.MethodGet, url, nil, nil)
	expectStatus(t, res, data, http.StatusTooManyRequests)
}

func TestAPIKeyAuth(t *testing.T) {
	const secret = "test-secret"
	cfg := config.Default()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, dialect, cfg)
	if _, err := e.SeedFeePolicy(context.Background()); err != nil {
		t.Fatalf("seed fees: %v", err)
	}
	key, plain, err := e.CreateAPIKey(context.Background(), "backoffice", "nightly sync", nil, "admin-1")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	handler, err := New(Config{Engine: e, Auth: AuthConfig{JWTSecret: secret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	defer srv.Shutdown(context.Background())
	base := "http://" + ln.Addr().String()
	hdr := map[string]string{"X-Api-Key": plain}

	res, data := doJSON(t, http.DefaultClient, http.MethodGet, base+"/escrow/transactions", nil, hdr)
	expectStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, http.DefaultClient, http.MethodGet, base+"/admin/settings/fees", nil, hdr)
	expectStatus(t, res, data, http.StatusForbidden)

	if err := e.RevokeAPIKey(context.Background(), key.ID, "admin-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	res, data = doJSON(t, http.DefaultClient, http.MethodGet, base+"/escrow/transactions", nil, hdr)
	expectStatus(t, res, data, http.StatusUnauthorized)
}
