package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"bank-ledger/pkg/account"
	"bank-ledger/pkg/alert"
	"bank-ledger/pkg/cache"
	"bank-ledger/pkg/card"
	"bank-ledger/pkg/ledger"
	memorycollector "bank-ledger/pkg/metrics/memory"
	"bank-ledger/pkg/model"
	"bank-ledger/pkg/resilience"
	"bank-ledger/pkg/store/memory"
	"bank-ledger/pkg/workflow"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type testServer struct {
	server   *Server
	accounts *account.Service
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	return setupTestServerWith(t, nil)
}

// setupTestServerWith lets a test adjust the server config before the
// routes are built.
func setupTestServerWith(t *testing.T, adjust func(*ServerConfig)) *testServer {
	t.Helper()
	collector := memorycollector.NewCollector()
	s := resilience.New(memory.New(memory.DefaultConfig()), resilience.DefaultConfig(), collector, nil)

	accounts := account.NewService(s, nil, account.DefaultConfig(), collector, nil)
	l := ledger.New(s, accounts, nil)
	alerts := alert.NewNotifier(s, accounts, collector, nil)
	cards := card.NewIssuer(s, card.DefaultConfig(), collector, nil)

	config := DefaultServerConfig()
	config.Registry = prometheus.NewRegistry()
	config.Idempotency = NewMemoryIdempotencyStore(DefaultServerConfig().IdleTimeout)
	if adjust != nil {
		adjust(&config)
	}

	server, err := NewServer(Services{
		Accounts: accounts,
		Ledger:   l,
		Workflow: workflow.New(s, accounts, l, alerts, cards, collector, nil),
		Alerts:   alerts,
		Cards:    cards,
		Store:    s,
	}, config, nil)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return &testServer{server: server, accounts: accounts}
}

func (ts *testServer) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(dst); err != nil {
		t.Fatalf("Decode response %q: %v", w.Body.String(), err)
	}
}

func (ts *testServer) createAccount(t *testing.T, name string) *model.Account {
	t.Helper()
	email := strings.ToLower(strings.ReplaceAll(name, " ", ".")) + "@example.com"
	w := ts.do(t, http.MethodPost, "/accounts", `{"name":"`+name+`","email":"`+email+`"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Create account: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var a model.Account
	decodeBody(t, w, &a)
	return &a
}

func TestServer_Health(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var resp healthResponse
	decodeBody(t, w, &resp)
	if resp.Status != "healthy" || resp.Circuit != "closed" || resp.Store != "memory" {
		t.Errorf("Unexpected health response: %+v", resp)
	}
	if w.Header().Get(RequestIDHeader) == "" {
		t.Error("Expected X-Request-ID header")
	}
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestServer_HealthPingsDependencies(t *testing.T) {
	down := errors.New("dial tcp: connection refused")
	healthy := true
	ts := setupTestServerWith(t, nil)
	ts.server.services.Dependencies = map[string]Pinger{
		"redis": pingFunc(func(context.Context) error {
			if healthy {
				return nil
			}
			return down
		}),
	}

	w := ts.do(t, http.MethodGet, "/health", "")
	var resp healthResponse
	decodeBody(t, w, &resp)
	if w.Code != http.StatusOK || resp.Checks["redis"] != "ok" || resp.Checks["store"] != "ok" {
		t.Fatalf("Expected healthy checks, got %d %+v", w.Code, resp)
	}

	healthy = false
	w = ts.do(t, http.MethodGet, "/health", "")
	resp = healthResponse{}
	decodeBody(t, w, &resp)
	if w.Code != http.StatusServiceUnavailable || resp.Status != "degraded" {
		t.Errorf("Expected 503 degraded, got %d %+v", w.Code, resp)
	}
	if resp.Checks["redis"] != down.Error() {
		t.Errorf("Expected the ping error to be reported, got %q", resp.Checks["redis"])
	}
}

func TestServer_RequestIDPropagated(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, http.MethodGet, "/health", "", RequestIDHeader, "trace-123")
	if got := w.Header().Get(RequestIDHeader); got != "trace-123" {
		t.Errorf("Expected caller request id, got %q", got)
	}
}

func TestServer_AccountLifecycle(t *testing.T) {
	ts := setupTestServer(t)
	a := ts.createAccount(t, "Ada")

	if a.Balance != 0 || !a.IsActive || len(a.AccountNumber) != 10 {
		t.Errorf("Unexpected new account: %+v", a)
	}

	w := ts.do(t, http.MethodGet, "/accounts/"+a.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Get account: expected 200, got %d", w.Code)
	}

	w = ts.do(t, http.MethodPatch, "/accounts/"+a.ID, `{"name":"Ada L","isActive":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Patch account: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var updated model.Account
	decodeBody(t, w, &updated)
	if updated.Name != "Ada L" || updated.IsActive {
		t.Errorf("Patch not applied: %+v", updated)
	}

	w = ts.do(t, http.MethodGet, "/accounts", "")
	var list []*model.Account
	decodeBody(t, w, &list)
	if len(list) != 1 {
		t.Errorf("Expected 1 account, got %d", len(list))
	}
}

func TestServer_BalanceIsNotWritable(t *testing.T) {
	ts := setupTestServer(t)
	a := ts.createAccount(t, "Ada")

	w := ts.do(t, http.MethodPatch, "/accounts/"+a.ID, `{"balance":1000}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for balance patch, got %d", w.Code)
	}

	balance, err := ts.accounts.GetBalance(context.Background(), a.ID)
	if err != nil || balance != 0 {
		t.Errorf("Balance changed: %v, %v", balance, err)
	}
}

func TestServer_ErrorMapping(t *testing.T) {
	ts := setupTestServer(t)
	a := ts.createAccount(t, "Ada")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		kind   string
	}{
		{"unknown account", http.MethodGet, "/accounts/missing", "", http.StatusNotFound, "not_found"},
		{"unknown request", http.MethodPost, "/requests/missing/approve", `{"approved":true}`, http.StatusNotFound, "not_found"},
		{"missing decision", http.MethodPost, "/requests/missing/approve", `{}`, http.StatusBadRequest, "invalid_input"},
		{"zero amount", http.MethodPost, "/requests", `{"accountId":"` + a.ID + `","kind":"withdrawal","amount":0}`, http.StatusBadRequest, "invalid_input"},
		{"zero deposit", http.MethodPost, "/requests", `{"accountId":"` + a.ID + `","kind":"deposit","amount":0}`, http.StatusForbidden, "policy_violation"},
		{"three decimals", http.MethodPost, "/requests", `{"accountId":"` + a.ID + `","kind":"withdrawal","amount":1.005}`, http.StatusBadRequest, "invalid_input"},
		{"malformed body", http.MethodPost, "/accounts", `{"name":`, http.StatusBadRequest, "invalid_input"},
		{"empty body", http.MethodPost, "/accounts", "", http.StatusBadRequest, "invalid_input"},
		{"bad limit", http.MethodGet, "/transactions?limit=ten", "", http.StatusBadRequest, "invalid_input"},
		{"bad status filter", http.MethodGet, "/requests?status=done", "", http.StatusBadRequest, "invalid_input"},
		{"alert unread", http.MethodPut, "/alerts/any", `{"status":"unread"}`, http.StatusBadRequest, "invalid_input"},
		{"unknown alert", http.MethodPut, "/alerts/missing", `{"status":"read"}`, http.StatusNotFound, "not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, tt.method, tt.path, tt.body)
			if w.Code != tt.status {
				t.Fatalf("Expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			var body errorBody
			decodeBody(t, w, &body)
			if body.Kind != tt.kind {
				t.Errorf("Expected kind %s, got %s", tt.kind, body.Kind)
			}
		})
	}
}

func TestServer_DepositBlocked(t *testing.T) {
	ts := setupTestServer(t)
	a := ts.createAccount(t, "Ada")

	w := ts.do(t, http.MethodPost, "/requests", `{"accountId":"`+a.ID+`","kind":"deposit","amount":200}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d: %s", w.Code, w.Body.String())
	}
	var body errorBody
	decodeBody(t, w, &body)
	if body.Error != DepositBlockedMessage {
		t.Errorf("Unexpected message %q", body.Error)
	}

	w = ts.do(t, http.MethodGet, "/alerts?status=unread", "")
	var alerts []*model.Alert
	decodeBody(t, w, &alerts)
	if len(alerts) != 1 {
		t.Fatalf("Expected 1 alert, got %d", len(alerts))
	}
	if alerts[0].AccountName != "Ada" || alerts[0].Amount != 20000 {
		t.Errorf("Unexpected alert: %+v", alerts[0])
	}
	want := "User attempted a deposit of $200.00. Action blocked, user advised to contact admin."
	if alerts[0].Message != want {
		t.Errorf("Expected message %q, got %q", want, alerts[0].Message)
	}

	w = ts.do(t, http.MethodPut, "/alerts/"+alerts[0].ID, `{"status":"read"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Mark read: expected 200, got %d", w.Code)
	}

	w = ts.do(t, http.MethodGet, "/requests?accountId="+a.ID, "")
	var requests []*model.Request
	decodeBody(t, w, &requests)
	if len(requests) != 0 {
		t.Errorf("Blocked deposit must not create a request, got %d", len(requests))
	}
}

func TestServer_ApprovalFlow(t *testing.T) {
	ts := setupTestServer(t)
	a := ts.createAccount(t, "Ada")

	w := ts.do(t, http.MethodPost, "/admin/requests", `{"accountId":"`+a.ID+`","kind":"deposit","amount":"250.50","description":"payroll"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Open request: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var req model.Request
	decodeBody(t, w, &req)
	if req.Status != model.RequestPending {
		t.Fatalf("Expected pending, got %s", req.Status)
	}

	w = ts.do(t, http.MethodPost, "/requests/"+req.ID+"/approve", `{"approved":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Approve: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = ts.do(t, http.MethodPost, "/requests/"+req.ID+"/approve", `{"approved":false}`)
	if w.Code != http.StatusConflict {
		t.Errorf("Second decision: expected 409, got %d", w.Code)
	}

	w = ts.do(t, http.MethodGet, "/transactions?accountId="+a.ID+"&direction=credit", "")
	var txs []*model.Transaction
	decodeBody(t, w, &txs)
	if len(txs) != 1 || txs[0].Amount != 25050 || txs[0].RequestID != req.ID || txs[0].Description != "payroll" {
		t.Fatalf("Unexpected ledger: %+v", txs)
	}

	w = ts.do(t, http.MethodGet, "/accounts/"+a.ID+"/reconciliation", "")
	var rec ledger.Reconciliation
	decodeBody(t, w, &rec)
	if !rec.Consistent || rec.Balance != 25050 {
		t.Errorf("Unexpected reconciliation: %+v", rec)
	}
}

func TestServer_CardRequest(t *testing.T) {
	ts := setupTestServer(t)
	a := ts.createAccount(t, "Ada")

	w := ts.do(t, http.MethodPost, "/requests", `{"accountId":"`+a.ID+`","kind":"card","cardType":"credit"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Submit card request: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var req model.Request
	decodeBody(t, w, &req)

	w = ts.do(t, http.MethodPost, "/requests/"+req.ID+"/approve", `{"approved":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Approve: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = ts.do(t, http.MethodGet, "/cards?accountId="+a.ID, "")
	var cards []*model.Card
	decodeBody(t, w, &cards)
	if len(cards) != 1 {
		t.Fatalf("Expected 1 card, got %d", len(cards))
	}
	if cards[0].CardType != model.CardCredit || !card.ValidLuhn(cards[0].CardNumber) || cards[0].HolderName != "Ada" {
		t.Errorf("Unexpected card: %+v", cards[0])
	}
}

func TestServer_IssueCardDirect(t *testing.T) {
	ts := setupTestServer(t)
	a := ts.createAccount(t, "Ada")

	w := ts.do(t, http.MethodPost, "/cards", `{"accountId":"`+a.ID+`","holderName":"A. Lovelace"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Issue: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var c model.Card
	decodeBody(t, w, &c)
	if c.CardType != model.CardDebit || c.HolderName != "A. Lovelace" {
		t.Errorf("Unexpected card: %+v", c)
	}

	w = ts.do(t, http.MethodGet, "/cards?accountId=missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown account, got %d", w.Code)
	}
}

func TestServer_PostTransaction(t *testing.T) {
	ts := setupTestServer(t)
	a := ts.createAccount(t, "Ada")

	w := ts.do(t, http.MethodPost, "/transactions", `{"accountId":"`+a.ID+`","direction":"debit","amount":12.5,"description":"fee"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Post: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	balance, err := ts.accounts.GetBalance(context.Background(), a.ID)
	if err != nil || balance != -1250 {
		t.Errorf("Expected balance -12.50, got %v (%v)", balance, err)
	}

	w = ts.do(t, http.MethodPost, "/transactions", `{"accountId":"`+a.ID+`","direction":"debit","amount":1,"requestId":"forged"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for client supplied requestId, got %d", w.Code)
	}
}

func TestServer_IdempotentReplay(t *testing.T) {
	ts := setupTestServer(t)

	body := `{"name":"Ada","email":"ada@example.com"}`
	first := ts.do(t, http.MethodPost, "/accounts", body, IdempotencyKeyHeader, "key-1")
	second := ts.do(t, http.MethodPost, "/accounts", body, IdempotencyKeyHeader, "key-1")

	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("Expected 201 twice, got %d and %d", first.Code, second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Error("Expected replayed body to match the original")
	}
	if second.Header().Get("Idempotent-Replayed") != "true" {
		t.Error("Expected replay marker on second response")
	}

	accounts, _ := ts.accounts.List(context.Background())
	if len(accounts) != 1 {
		t.Errorf("Expected 1 account, got %d", len(accounts))
	}

	third := ts.do(t, http.MethodPost, "/accounts", `{"name":"Ada","email":"ada.second@example.com"}`, IdempotencyKeyHeader, "key-2")
	if third.Code != http.StatusCreated || third.Header().Get("Idempotent-Replayed") != "" {
		t.Error("Expected a fresh key to execute")
	}
}

func TestServer_IdempotencyFailuresAreNotStored(t *testing.T) {
	ts := setupTestServer(t)

	bad := ts.do(t, http.MethodPost, "/accounts", `{"name":""}`, IdempotencyKeyHeader, "key-1")
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", bad.Code)
	}
	good := ts.do(t, http.MethodPost, "/accounts", `{"name":"Ada","email":"ada@example.com"}`, IdempotencyKeyHeader, "key-1")
	if good.Code != http.StatusCreated {
		t.Errorf("Expected retry after failure to execute, got %d", good.Code)
	}
}

func TestServer_IdempotencyConcurrentDuplicate(t *testing.T) {
	ts := setupTestServer(t)

	// Hold the key as an in-flight request would.
	locked, err := ts.server.idempotency.Lock(context.Background(), "k")
	if err != nil || !locked {
		t.Fatalf("Expected first lock to succeed: %v", err)
	}

	w := ts.do(t, http.MethodPost, "/accounts", `{"name":"Ada","email":"ada@example.com"}`, IdempotencyKeyHeader, "k")
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", w.Code)
	}
	accounts, _ := ts.accounts.List(context.Background())
	if len(accounts) != 0 {
		t.Errorf("Handler must not run while the key is held, got %d accounts", len(accounts))
	}
}

func TestServer_IdempotencyKeyBoundToRequest(t *testing.T) {
	ts := setupTestServer(t)
	a := ts.createAccount(t, "Ada")

	open := func(amount string) model.Request {
		w := ts.do(t, http.MethodPost, "/admin/requests", `{"accountId":"`+a.ID+`","kind":"deposit","amount":`+amount+`}`)
		var req model.Request
		decodeBody(t, w, &req)
		return req
	}
	first, second := open("100"), open("50")

	w := ts.do(t, http.MethodPost, "/requests/"+first.ID+"/approve", `{"approved":true}`, IdempotencyKeyHeader, "approve-1")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = ts.do(t, http.MethodPost, "/requests/"+second.ID+"/approve", `{"approved":true}`, IdempotencyKeyHeader, "approve-1")
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422 for a key reused on another request, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Idempotent-Replayed") != "" {
		t.Error("A mismatched key must not replay the first response")
	}

	var got model.Request
	decodeBody(t, ts.do(t, http.MethodGet, "/requests/"+second.ID, ""), &got)
	if got.Status != model.RequestPending {
		t.Errorf("Expected second request to stay pending, got %s", got.Status)
	}

	w = ts.do(t, http.MethodPost, "/requests/"+second.ID+"/approve", `{"approved":true}`, IdempotencyKeyHeader, "approve-2")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 with a fresh key, got %d", w.Code)
	}
	balance, _ := ts.accounts.GetBalance(context.Background(), a.ID)
	if balance != 15000 {
		t.Errorf("Expected balance 150.00, got %s", balance)
	}
}

// saveBeforeLock stores resp under the key just before Lock runs, as if the
// request that held the key finished between lookup and lock.
type saveBeforeLock struct {
	IdempotencyStore
	resp *StoredResponse
}

func (s *saveBeforeLock) Lock(ctx context.Context, key string) (bool, error) {
	if s.resp != nil {
		if err := s.IdempotencyStore.Save(ctx, key, s.resp); err != nil {
			return false, err
		}
		s.resp = nil
	}
	return s.IdempotencyStore.Lock(ctx, key)
}

func TestServer_IdempotencyRecheckAfterLock(t *testing.T) {
	inner := NewMemoryIdempotencyStore(time.Hour)
	racing := &saveBeforeLock{IdempotencyStore: inner}
	ts := setupTestServerWith(t, func(c *ServerConfig) { c.Idempotency = racing })
	a := ts.createAccount(t, "Ada")

	body := `{"accountId":"` + a.ID + `","direction":"credit","amount":100}`
	stored := &StoredResponse{
		Status:      http.StatusCreated,
		ContentType: "application/json",
		Body:        []byte(`{"id":"t-first"}`),
		Fingerprint: requestFingerprint(http.MethodPost, "/transactions", []byte(body)),
	}
	racing.resp = stored

	w := ts.do(t, http.MethodPost, "/transactions", body, IdempotencyKeyHeader, "tx-1")
	if w.Code != http.StatusCreated || w.Body.String() != `{"id":"t-first"}` {
		t.Fatalf("Expected the stored response, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Idempotent-Replayed") != "true" {
		t.Error("Expected replay marker")
	}

	balance, _ := ts.accounts.GetBalance(context.Background(), a.ID)
	if balance != 0 {
		t.Errorf("Handler ran after the key was completed, balance %s", balance)
	}
	if locked, _ := inner.Lock(context.Background(), "tx-1"); !locked {
		t.Error("Expected the claim to be released after replay")
	}
}

func TestServer_PanicIsAnswered(t *testing.T) {
	ts := setupTestServer(t)
	ts.server.router.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})

	w := ts.do(t, http.MethodGet, "/boom", "", RequestIDHeader, "trace-boom")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", w.Code)
	}
	if got := w.Header().Get(RequestIDHeader); got != "trace-boom" {
		t.Errorf("Expected request id on the recovered response, got %q", got)
	}
	var body errorBody
	decodeBody(t, w, &body)
	if body.Error != "internal error" {
		t.Errorf("Unexpected body %+v", body)
	}
}

func TestServer_DuplicateEmail(t *testing.T) {
	ts := setupTestServer(t)
	ts.createAccount(t, "Ada")

	w := ts.do(t, http.MethodPost, "/accounts", `{"name":"Other","email":"ADA@example.com"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d: %s", w.Code, w.Body.String())
	}
	accounts, _ := ts.accounts.List(context.Background())
	if len(accounts) != 1 {
		t.Errorf("Expected 1 account, got %d", len(accounts))
	}
}

func TestServer_TransactionsMoreResults(t *testing.T) {
	ts := setupTestServer(t)
	a := ts.createAccount(t, "Ada")
	for i := 0; i < 3; i++ {
		ts.do(t, http.MethodPost, "/transactions", `{"accountId":"`+a.ID+`","direction":"credit","amount":1}`)
	}

	w := ts.do(t, http.MethodGet, "/transactions?limit=2", "")
	var txs []model.Transaction
	decodeBody(t, w, &txs)
	if len(txs) != 2 || w.Header().Get(MoreResultsHeader) != "true" {
		t.Errorf("Expected 2 entries flagged as partial, got %d, %q", len(txs), w.Header().Get(MoreResultsHeader))
	}

	w = ts.do(t, http.MethodGet, "/transactions", "")
	decodeBody(t, w, &txs)
	if len(txs) != 3 || w.Header().Get(MoreResultsHeader) != "" {
		t.Errorf("Expected complete listing, got %d, %q", len(txs), w.Header().Get(MoreResultsHeader))
	}
}

// brokenIdempotencyStore fails every call with err.
type brokenIdempotencyStore struct{ err error }

func (b brokenIdempotencyStore) Lookup(context.Context, string) (*StoredResponse, error) {
	return nil, b.err
}
func (b brokenIdempotencyStore) Lock(context.Context, string) (bool, error) { return false, b.err }
func (b brokenIdempotencyStore) Save(context.Context, string, *StoredResponse) error {
	return b.err
}
func (b brokenIdempotencyStore) Unlock(context.Context, string) error { return b.err }

func TestServer_IdempotencyStoreFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unreachable", cache.WrapError(cache.ErrLayerUnavailable, "idempotency", "lookup"), http.StatusServiceUnavailable},
		{"corrupt record", errors.New("invalid character 'x'"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := setupTestServerWith(t, func(c *ServerConfig) { c.Idempotency = brokenIdempotencyStore{tt.err} })

			w := ts.do(t, http.MethodPost, "/accounts", `{"name":"Ada","email":"ada@example.com"}`, IdempotencyKeyHeader, "k")
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, w.Code)
			}
			if accounts, _ := ts.accounts.List(context.Background()); len(accounts) != 0 {
				t.Errorf("Handler ran without an idempotency record, got %d accounts", len(accounts))
			}
		})
	}
}

func TestServer_ConcurrentApprovalsApplyOnce(t *testing.T) {
	ts := setupTestServer(t)
	a := ts.createAccount(t, "Ada")

	w := ts.do(t, http.MethodPost, "/admin/requests", `{"accountId":"`+a.ID+`","kind":"deposit","amount":100}`)
	var req model.Request
	decodeBody(t, w, &req)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[int]int{}
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := ts.do(t, http.MethodPost, "/requests/"+req.ID+"/approve", `{"approved":true}`)
			mu.Lock()
			statuses[w.Code]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if statuses[http.StatusOK] != 1 || statuses[http.StatusConflict] != 9 {
		t.Errorf("Expected one success and nine conflicts, got %v", statuses)
	}
	balance, _ := ts.accounts.GetBalance(context.Background(), a.ID)
	if balance != 10000 {
		t.Errorf("Expected balance 100.00, got %s", balance)
	}
}

func TestServer_Metrics(t *testing.T) {
	ts := setupTestServer(t)
	ts.createAccount(t, "Ada")
	ts.do(t, http.MethodGet, "/accounts/missing", "")

	if got := testutil.ToFloat64(ts.server.httpMetrics.requests.WithLabelValues(http.MethodPost, "/accounts", "201")); got != 1 {
		t.Errorf("Expected 1 POST /accounts 201, got %v", got)
	}
	if got := testutil.ToFloat64(ts.server.httpMetrics.requests.WithLabelValues(http.MethodGet, "/accounts/{id}", "404")); got != 1 {
		t.Errorf("Expected 1 GET /accounts/{id} 404, got %v", got)
	}

	w := ts.do(t, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "ledger_http_requests_total") {
		t.Errorf("Expected exposition to include HTTP series, got %d", w.Code)
	}
	for _, series := range []string{"ledger_card_filter_queries_total", "ledger_card_filter_capacity_bits"} {
		if !strings.Contains(w.Body.String(), series) {
			t.Errorf("Expected exposition to include %s", series)
		}
	}
}

func TestServer_UnknownRoute(t *testing.T) {
	ts := setupTestServer(t)

	if w := ts.do(t, http.MethodGet, "/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
	if w := ts.do(t, http.MethodDelete, "/accounts", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.ErrAccountNotFound, http.StatusNotFound},
		{model.ErrInvalidAmount, http.StatusBadRequest},
		{model.ErrInsufficientFunds, http.StatusConflict},
		{model.ErrDepositBlocked, http.StatusForbidden},
		{model.ErrCircuitOpen, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{context.Canceled, http.StatusServiceUnavailable},
		{model.ErrEmailTaken, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
