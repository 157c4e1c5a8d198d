package grpc_test

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	ledgergrpc "github.com/JoeShih716/go-wallet-ledger/internal/app/core/adapter/in/grpc"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/adapter/out/identity"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/adapter/out/memory"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-wallet-ledger/pkg/logger"
)

type harness struct {
	client *ledgergrpc.LedgerServiceClient
	conn   *grpc.ClientConn
	tokens *identity.JWTResolver
}

func newHarness(t *testing.T) harness {
	t.Helper()
	store, err := memory.NewStore()
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	processor := usecase.NewProcessor(store, store, usecase.WithLogger(logger.Discard()))
	resolver, err := identity.NewJWTResolver("test-secret", "ledger")
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	srv := ledgergrpc.NewServer(usecase.NewCoreUseCase(processor), resolver, logger.Discard())

	lis := bufconn.Listen(1 << 20)
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return harness{client: ledgergrpc.NewLedgerServiceClient(conn), conn: conn, tokens: resolver}
}

func (h harness) as(t *testing.T, accountID, role string) context.Context {
	t.Helper()
	token, err := h.tokens.IssueToken(accountID, role, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ledgergrpc.WithToken(ctx, token)
}

func wantCode(t *testing.T, err error, code codes.Code, kind domain.ErrorKind) {
	t.Helper()
	if status.Code(err) != code {
		t.Fatalf("code = %v (%v), want %v", status.Code(err), err, code)
	}
	if kind == "" {
		return
	}
	got, ok := ledgergrpc.KindFromError(err)
	if !ok || got != kind {
		t.Fatalf("kind = %q, want %q", got, kind)
	}
}

func TestLedgerServiceFlow(t *testing.T) {
	h := newHarness(t)
	system := h.as(t, "payments", identity.RoleSystem)
	alice := h.as(t, "alice", "")

	res, err := h.client.Credit(system, "alice", 100, "signup bonus", "bonus-1")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if res["balanceAfter"] != "100" || res["display"] != "0.0100" {
		t.Fatalf("unexpected credit response: %v", res)
	}

	first, err := h.client.Transfer(alice, "alice", "bob", 40, "lunch", "t-1")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	again, err := h.client.Transfer(alice, "alice", "bob", 40, "lunch", "t-1")
	if err != nil {
		t.Fatalf("transfer replay: %v", err)
	}
	if first["transactionId"] != again["transactionId"] {
		t.Fatalf("replay returned a different transaction: %v vs %v", first, again)
	}

	balance, err := h.client.GetBalance(alice, "alice")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance["balance"] != "60" {
		t.Fatalf("balance = %v, want 60", balance["balance"])
	}

	page, err := h.client.Call(alice, "History", map[string]any{"accountId": "alice", "limit": 10})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if records, _ := page["records"].([]any); len(records) != 2 {
		t.Fatalf("history = %v, want 2 records", page)
	}
}

func TestLedgerServiceErrors(t *testing.T) {
	h := newHarness(t)
	system := h.as(t, "payments", identity.RoleSystem)
	alice := h.as(t, "alice", "")

	if _, err := h.client.Credit(system, "alice", 10, "", "seed"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	t.Run("missing token", func(t *testing.T) {
		_, err := h.client.GetBalance(context.Background(), "alice")
		wantCode(t, err, codes.Unauthenticated, domain.KindUnauthenticated)
	})
	t.Run("other account", func(t *testing.T) {
		_, err := h.client.GetBalance(alice, "bob")
		wantCode(t, err, codes.PermissionDenied, domain.KindForbidden)
	})
	t.Run("insufficient funds", func(t *testing.T) {
		_, err := h.client.Call(alice, "Debit", map[string]any{"accountId": "alice", "amount": "1000000", "requestToken": "d-1"})
		wantCode(t, err, codes.FailedPrecondition, domain.KindInsufficientFunds)
	})
	t.Run("non positive amount", func(t *testing.T) {
		_, err := h.client.Call(alice, "Debit", map[string]any{"accountId": "alice", "amount": 0, "requestToken": "d-2"})
		wantCode(t, err, codes.InvalidArgument, domain.KindInvalidAmount)
	})
	t.Run("fractional amount", func(t *testing.T) {
		_, err := h.client.Call(alice, "Debit", map[string]any{"accountId": "alice", "amount": 1.5, "requestToken": "d-3"})
		wantCode(t, err, codes.InvalidArgument, domain.KindInvalidRequest)
	})
	t.Run("missing idempotency token", func(t *testing.T) {
		_, err := h.client.Call(alice, "Debit", map[string]any{"accountId": "alice", "amount": "1"})
		wantCode(t, err, codes.InvalidArgument, domain.KindMissingIdempotencyToken)
	})
	t.Run("self transfer", func(t *testing.T) {
		_, err := h.client.Transfer(alice, "alice", "alice", 1, "", "s-1")
		wantCode(t, err, codes.InvalidArgument, domain.KindSelfTransfer)
	})
	t.Run("system cannot debit user account", func(t *testing.T) {
		_, err := h.client.Call(system, "Debit", map[string]any{"accountId": "alice", "amount": "1", "requestToken": "sys-d"})
		wantCode(t, err, codes.PermissionDenied, domain.KindForbidden)
	})
	t.Run("system cannot transfer from user account", func(t *testing.T) {
		_, err := h.client.Transfer(system, "alice", "bob", 1, "", "sys-t")
		wantCode(t, err, codes.PermissionDenied, domain.KindForbidden)
	})
	t.Run("user cannot settle", func(t *testing.T) {
		_, err := h.client.Call(alice, "SettleWithdrawal", map[string]any{"transactionId": "txn_x", "approved": true})
		wantCode(t, err, codes.PermissionDenied, domain.KindForbidden)
	})
	t.Run("unknown withdrawal", func(t *testing.T) {
		_, err := h.client.Call(system, "SettleWithdrawal", map[string]any{"transactionId": "txn_x", "approved": true})
		wantCode(t, err, codes.NotFound, domain.KindNotFound)
	})
}

func TestHealthDoesNotRequireAuth(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(h.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ledgergrpc.ServiceName})
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status = %v", resp.GetStatus())
	}
}

func TestTokenInterceptorKeepsExplicitToken(t *testing.T) {
	interceptor := ledgergrpc.TokenInterceptor("default-token")
	capture := func(ctx context.Context) []string {
		var got []string
		invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
			md, _ := metadata.FromOutgoingContext(ctx)
			got = md.Get("authorization")
			return nil
		}
		if err := interceptor(ctx, "/"+ledgergrpc.ServiceName+"/GetBalance", nil, nil, nil, invoker); err != nil {
			t.Fatalf("interceptor: %v", err)
		}
		return got
	}

	if got := capture(context.Background()); len(got) != 1 || got[0] != "Bearer default-token" {
		t.Fatalf("default token = %v", got)
	}
	explicit := ledgergrpc.WithToken(context.Background(), "alice-token")
	if got := capture(explicit); len(got) != 1 || got[0] != "Bearer alice-token" {
		t.Fatalf("explicit token = %v", got)
	}
}
