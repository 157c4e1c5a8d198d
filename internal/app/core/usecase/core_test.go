package usecase_test

import (
	"context"
	"errors"
	"testing"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
)

func TestCoreUseCaseAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	core := usecase.NewCoreUseCase(f.processor)
	system := domain.Caller{AccountID: "payments", System: true}
	alice := domain.Caller{AccountID: "alice"}

	if _, err := core.Credit(ctx, system, usecase.CreditRequest{AccountID: "alice", Amount: 100, RequestToken: "sys-1"}); err != nil {
		t.Fatalf("system credit: %v", err)
	}

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"anonymous balance", func() error {
			_, err := core.GetBalance(ctx, domain.Caller{}, "alice")
			return err
		}, domain.ErrUnauthenticated},
		{"read other balance", func() error {
			_, err := core.GetBalance(ctx, domain.Caller{AccountID: "bob"}, "alice")
			return err
		}, domain.ErrForbidden},
		{"debit other account", func() error {
			_, err := core.Debit(ctx, alice, usecase.DebitRequest{AccountID: "bob", Amount: 1, RequestToken: "x"})
			return err
		}, domain.ErrForbidden},
		{"transfer from other account", func() error {
			_, err := core.Transfer(ctx, alice, usecase.TransferRequest{FromAccountID: "bob", ToAccountID: "alice", Amount: 1, RequestToken: "x"})
			return err
		}, domain.ErrForbidden},
		{"user credits other account", func() error {
			_, err := core.Credit(ctx, alice, usecase.CreditRequest{AccountID: "bob", Amount: 1, RequestToken: "x"})
			return err
		}, domain.ErrForbidden},
		{"user settles withdrawal", func() error {
			_, err := core.SettleWithdrawal(ctx, alice, usecase.SettleRequest{TransactionID: "txn_x", Approved: true})
			return err
		}, domain.ErrForbidden},
		{"system debits user account", func() error {
			_, err := core.Debit(ctx, system, usecase.DebitRequest{AccountID: "alice", Amount: 1, RequestToken: "sys-d"})
			return err
		}, domain.ErrForbidden},
		{"system transfers from user account", func() error {
			_, err := core.Transfer(ctx, system, usecase.TransferRequest{FromAccountID: "alice", ToAccountID: "bob", Amount: 1, RequestToken: "sys-t"})
			return err
		}, domain.ErrForbidden},
		{"system withdraws from user account", func() error {
			_, err := core.Withdraw(ctx, system, usecase.WithdrawRequest{AccountID: "alice", Amount: 1, Method: "bank", AccountDetails: "x", RequestToken: "sys-w"})
			return err
		}, domain.ErrForbidden},
		{"history of other account", func() error {
			_, err := core.History(ctx, alice, "bob", "", 10)
			return err
		}, domain.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := core.Reconcile(ctx, system, "alice"); err != nil {
		t.Fatalf("system reconcile: %v", err)
	}

	balance, err := core.GetBalance(ctx, alice, "alice")
	if err != nil {
		t.Fatalf("own balance: %v", err)
	}
	if balance.Balance != 100 || balance.Display != "0.0100" {
		t.Fatalf("unexpected balance: %+v", balance)
	}

	res, err := core.Transfer(ctx, alice, usecase.TransferRequest{FromAccountID: "alice", ToAccountID: "bob", Amount: 40, RequestToken: "t-1"})
	if err != nil {
		t.Fatalf("own transfer: %v", err)
	}
	if res.BalanceAfter != 60 {
		t.Fatalf("balance after = %d, want 60", res.BalanceAfter)
	}

	page, err := core.History(ctx, alice, "alice", "", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page.Records) != 2 {
		t.Fatalf("history has %d records, want 2", len(page.Records))
	}
}
