package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/adapter/out/identity"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/adapter/out/memory"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-wallet-ledger/pkg/logger"
)

// ---- helpers ----

type testServer struct {
	router *gin.Engine
	tokens *identity.JWTResolver
	store  *memory.Store
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store, err := memory.NewStore()
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	processor := usecase.NewProcessor(store, store, usecase.WithLogger(logger.Discard()))
	resolver, err := identity.NewJWTResolver("test-secret", "")
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	return testServer{
		router: NewRouter(usecase.NewCoreUseCase(processor), resolver, logger.Discard()),
		tokens: resolver,
		store:  store,
	}
}

func (s testServer) token(t *testing.T, accountID, role string) string {
	t.Helper()
	tok, err := s.tokens.IssueToken(accountID, role, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (s testServer) do(method, url, token, idempotencyKey string, body any) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		b, _ := json.Marshal(body)
		req, _ = http.NewRequest(method, url, strings.NewReader(string(b)))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, _ = http.NewRequest(method, url, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return body
}

// ---- tests ----

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodGet, "/healthz", "", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("request id header missing")
	}
}

func TestLedgerRoutes(t *testing.T) {
	s := newTestServer(t)
	system := s.token(t, "payments", identity.RoleSystem)
	alice := s.token(t, "alice", "")

	w := s.do(http.MethodPost, "/v1/accounts/alice/credit", system, "bonus-1", map[string]any{"displayAmount": "1.5", "reason": "bonus"})
	if w.Code != http.StatusOK {
		t.Fatalf("credit status = %d body = %s", w.Code, w.Body.String())
	}
	var credit ResultResponse
	_ = json.Unmarshal(w.Body.Bytes(), &credit)
	if credit.BalanceAfter != 15000 || credit.Display != "1.5000" {
		t.Fatalf("unexpected credit: %+v", credit)
	}

	transfer := map[string]any{"fromAccountId": "alice", "toAccountId": "bob", "amount": 5000}
	w = s.do(http.MethodPost, "/v1/transfers", alice, "t-1", transfer)
	if w.Code != http.StatusOK {
		t.Fatalf("transfer status = %d body = %s", w.Code, w.Body.String())
	}
	var first ResultResponse
	_ = json.Unmarshal(w.Body.Bytes(), &first)

	// body 的 requestToken 作為備援
	transfer["requestToken"] = "t-1"
	w = s.do(http.MethodPost, "/v1/transfers", alice, "", transfer)
	var again ResultResponse
	_ = json.Unmarshal(w.Body.Bytes(), &again)
	if w.Code != http.StatusOK || again.TransactionID != first.TransactionID {
		t.Fatalf("replay = %d %+v, want %s", w.Code, again, first.TransactionID)
	}

	w = s.do(http.MethodGet, "/v1/accounts/alice/balance", alice, "", nil)
	var balance domain.Balance
	_ = json.Unmarshal(w.Body.Bytes(), &balance)
	if w.Code != http.StatusOK || balance.Balance != 10000 {
		t.Fatalf("balance = %d %+v", w.Code, balance)
	}

	w = s.do(http.MethodPost, "/v1/accounts/alice/withdraw", alice, "w-1", map[string]any{"amount": "4000", "method": "bank", "accountDetails": "TW-123"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("withdraw status = %d body = %s", w.Code, w.Body.String())
	}
	var withdrawal ResultResponse
	_ = json.Unmarshal(w.Body.Bytes(), &withdrawal)
	if len(withdrawal.Records) != 1 || withdrawal.Records[0].AccountDetails != "****-123" {
		t.Fatalf("payout destination must be masked: %+v", withdrawal.Records)
	}

	w = s.do(http.MethodPost, "/v1/withdrawals/"+withdrawal.TransactionID+"/settle", system, "", map[string]any{"decision": "rejected", "reason": "bank closed"})
	if w.Code != http.StatusOK {
		t.Fatalf("settle status = %d body = %s", w.Code, w.Body.String())
	}
	var settled ResultResponse
	_ = json.Unmarshal(w.Body.Bytes(), &settled)
	if settled.BalanceAfter != 10000 {
		t.Fatalf("rejected withdrawal must refund: %+v", settled)
	}

	w = s.do(http.MethodGet, "/v1/accounts/alice/transactions?limit=2", alice, "", nil)
	var page domain.RecordPage
	_ = json.Unmarshal(w.Body.Bytes(), &page)
	if w.Code != http.StatusOK || len(page.Records) != 2 || page.NextCursor == "" {
		t.Fatalf("history page = %d %+v", w.Code, page)
	}
	if strings.Contains(s.do(http.MethodGet, "/v1/accounts/alice/transactions", alice, "", nil).Body.String(), "TW-123") {
		t.Fatal("history must not expose the payout destination")
	}

	w = s.do(http.MethodGet, "/v1/accounts/alice/reconcile", alice, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reconcile status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestReconcileMismatchReturnsReport(t *testing.T) {
	s := newTestServer(t)
	system := s.token(t, "payments", identity.RoleSystem)
	if w := s.do(http.MethodPost, "/v1/accounts/alice/credit", system, "seed", map[string]any{"amount": 100}); w.Code != http.StatusOK {
		t.Fatalf("seed status = %d", w.Code)
	}
	ctx := context.Background()
	acc, _ := s.store.GetAccount(ctx, "alice")
	if _, err := s.store.CompareAndSwap(ctx, "alice", acc.Version, 250); err != nil {
		t.Fatalf("cas: %v", err)
	}

	w := s.do(http.MethodGet, "/v1/accounts/alice/reconcile", system, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	var report usecase.ReconcileReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Matched || report.Balance != 250 || report.Replayed != 100 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestLedgerRouteErrors(t *testing.T) {
	s := newTestServer(t)
	system := s.token(t, "payments", identity.RoleSystem)
	alice := s.token(t, "alice", "")
	if w := s.do(http.MethodPost, "/v1/accounts/alice/credit", system, "seed", map[string]any{"amount": 100}); w.Code != http.StatusOK {
		t.Fatalf("seed status = %d", w.Code)
	}

	tests := []struct {
		name       string
		method     string
		url        string
		token      string
		key        string
		body       any
		wantStatus int
		wantKind   domain.ErrorKind
	}{
		{"no token", http.MethodGet, "/v1/accounts/alice/balance", "", "", nil, http.StatusUnauthorized, domain.KindUnauthenticated},
		{"bad token", http.MethodGet, "/v1/accounts/alice/balance", "garbage", "", nil, http.StatusUnauthorized, domain.KindUnauthenticated},
		{"other account", http.MethodGet, "/v1/accounts/bob/balance", alice, "", nil, http.StatusForbidden, domain.KindForbidden},
		{"insufficient funds", http.MethodPost, "/v1/accounts/alice/debit", alice, "d-1", map[string]any{"amount": 1000000}, http.StatusPaymentRequired, domain.KindInsufficientFunds},
		{"zero amount", http.MethodPost, "/v1/accounts/alice/debit", alice, "d-2", map[string]any{"amount": 0}, http.StatusBadRequest, domain.KindInvalidAmount},
		{"too many decimals", http.MethodPost, "/v1/accounts/alice/debit", alice, "d-3", map[string]any{"displayAmount": "0.00001"}, http.StatusBadRequest, domain.KindInvalidAmount},
		{"missing amount", http.MethodPost, "/v1/accounts/alice/debit", alice, "d-4", map[string]any{"reason": "x"}, http.StatusBadRequest, domain.KindInvalidRequest},
		{"missing idempotency key", http.MethodPost, "/v1/accounts/alice/debit", alice, "", map[string]any{"amount": 1}, http.StatusBadRequest, domain.KindMissingIdempotencyToken},
		{"self transfer", http.MethodPost, "/v1/transfers", alice, "s-1", map[string]any{"fromAccountId": "alice", "toAccountId": "alice", "amount": 1}, http.StatusBadRequest, domain.KindSelfTransfer},
		{"token reused", http.MethodPost, "/v1/accounts/alice/debit", alice, "seed", map[string]any{"amount": 1}, http.StatusUnprocessableEntity, domain.KindIdempotencyTokenReused},
		{"invalid decision", http.MethodPost, "/v1/withdrawals/txn_x/settle", system, "", map[string]any{"decision": "maybe"}, http.StatusBadRequest, domain.KindInvalidRequest},
		{"system debits user account", http.MethodPost, "/v1/accounts/alice/debit", system, "sys-d", map[string]any{"amount": 1}, http.StatusForbidden, domain.KindForbidden},
		{"system transfers from user account", http.MethodPost, "/v1/transfers", system, "sys-t", map[string]any{"fromAccountId": "alice", "toAccountId": "bob", "amount": 1}, http.StatusForbidden, domain.KindForbidden},
		{"user settles", http.MethodPost, "/v1/withdrawals/txn_x/settle", alice, "", map[string]any{"decision": "approved"}, http.StatusForbidden, domain.KindForbidden},
		{"unknown withdrawal", http.MethodPost, "/v1/withdrawals/txn_x/settle", system, "", map[string]any{"decision": "approved"}, http.StatusNotFound, domain.KindNotFound},
		{"bad limit", http.MethodGet, "/v1/accounts/alice/transactions?limit=abc", alice, "", nil, http.StatusBadRequest, domain.KindInvalidRequest},
		{"bad cursor", http.MethodGet, "/v1/accounts/alice/transactions?cursor=!!", alice, "", nil, http.StatusBadRequest, domain.KindInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(tt.method, tt.url, tt.token, tt.key, tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if got := decodeError(t, w).Error.Kind; got != tt.wantKind {
				t.Fatalf("kind = %s, want %s", got, tt.wantKind)
			}
		})
	}
}
