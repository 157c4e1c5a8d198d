package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/adapter/out/memory"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-wallet-ledger/pkg/logger"
)

func TestTransferScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.seed(t, "A", 100)

	first, err := f.processor.Transfer(ctx, "A", "B", 60, "gift", "tokenX")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := f.balance(t, "A"); got != 40 {
		t.Fatalf("A = %d, want 40", got)
	}
	if got := f.balance(t, "B"); got != 60 {
		t.Fatalf("B = %d, want 60", got)
	}

	group, err := f.store.ListGroup(ctx, first.GroupID)
	if err != nil {
		t.Fatalf("list group: %v", err)
	}
	if len(group) != 2 {
		t.Fatalf("group has %d records, want 2", len(group))
	}
	out, in := group[0], group[1]
	if out.Kind != domain.KindTransferOut || in.Kind != domain.KindTransferIn {
		t.Fatalf("unexpected kinds: %s, %s", out.Kind, in.Kind)
	}
	if out.Amount != in.Amount || out.Status != domain.StatusCommitted || in.Status != domain.StatusCommitted {
		t.Fatalf("linked records must match and be committed: %+v %+v", out, in)
	}
	if out.CounterpartyAccountID != "B" || in.CounterpartyAccountID != "A" {
		t.Fatalf("unexpected counterparties: %+v %+v", out, in)
	}

	again, err := f.processor.Transfer(ctx, "A", "B", 60, "gift", "tokenX")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if again.TransactionID != first.TransactionID {
		t.Fatalf("replay transaction id = %s, want %s", again.TransactionID, first.TransactionID)
	}
	if f.balance(t, "A") != 40 || f.balance(t, "B") != 60 {
		t.Fatal("replay must not move funds again")
	}
	for _, acc := range []string{"A", "B"} {
		if _, err := f.processor.Reconcile(ctx, acc); err != nil {
			t.Fatalf("reconcile %s: %v", acc, err)
		}
	}
}

func TestTransferInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.seed(t, "A", 10)

	if _, err := f.processor.Transfer(ctx, "A", "B", 11, "", "t-1"); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("got %v, want insufficient funds", err)
	}
	if f.balance(t, "A") != 10 || f.balance(t, "B") != 0 {
		t.Fatal("balances must be unchanged")
	}
}

type directoryFunc func(ctx context.Context, accountID string) (bool, error)

func (f directoryFunc) AccountExists(ctx context.Context, accountID string) (bool, error) {
	return f(ctx, accountID)
}

func TestTransferUnknownRecipient(t *testing.T) {
	ctx := context.Background()
	dir := directoryFunc(func(ctx context.Context, accountID string) (bool, error) {
		return accountID != "nobody", nil
	})
	f := newFixture(t, nil, usecase.WithDirectory(dir))
	f.seed(t, "A", 10)

	if _, err := f.processor.Transfer(ctx, "A", "nobody", 5, "", "t-1"); !errors.Is(err, domain.ErrUnknownAccount) {
		t.Fatalf("got %v, want unknown account", err)
	}
	if f.balance(t, "A") != 10 {
		t.Fatal("balance must be unchanged")
	}
}

// failingStore 指定帳戶的 CAS 一律失敗
type failingStore struct {
	*memory.Store
	failAccount string
}

func (s *failingStore) CompareAndSwap(ctx context.Context, accountID string, expectedVersion int64, newBalance int64) (domain.Account, error) {
	if accountID == s.failAccount {
		return domain.Account{}, errors.New("disk full")
	}
	return s.Store.CompareAndSwap(ctx, accountID, expectedVersion, newBalance)
}

func TestTransferCompensatesWhenCreditFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(s *memory.Store) usecase.Store {
		return &failingStore{Store: s, failAccount: "B"}
	})
	f.seed(t, "A", 100)

	_, err := f.processor.Transfer(ctx, "A", "B", 60, "", "tok")
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("got %v, want storage unavailable", err)
	}
	if got := f.balance(t, "A"); got != 100 {
		t.Fatalf("A = %d, want 100 after compensation", got)
	}
	if got := f.balance(t, "B"); got != 0 {
		t.Fatalf("B = %d, want 0", got)
	}

	records, _ := f.store.FindByRequestToken(ctx, "tok")
	if len(records) != 2 {
		t.Fatalf("got %d records, want transfer-out and reversal", len(records))
	}
	if records[0].Kind != domain.KindTransferOut || records[0].Status != domain.StatusFailed {
		t.Fatalf("transfer-out must be failed: %+v", records[0])
	}
	if records[1].Kind != domain.KindReversal || records[1].GroupID != records[0].GroupID {
		t.Fatalf("reversal must share the group: %+v", records[1])
	}
	if _, err := f.processor.Reconcile(ctx, "A"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
}

// crashAfterDebit 模擬程序在轉帳兩階段之間中斷
func crashAfterDebit(t *testing.T, f fixture, from, to string, amount int64, withCredit bool) string {
	t.Helper()
	ctx := context.Background()
	groupID := domain.NewGroupID()

	leg := func(accountID, counterparty string, kind domain.TransactionKind) {
		acc, _ := f.store.GetAccount(ctx, accountID)
		var newBalance int64
		var err error
		if kind.Inbound() {
			newBalance, err = acc.Credit(amount)
		} else {
			newBalance, err = acc.Debit(amount)
		}
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
		err = f.store.WithTx(ctx, func(ctx context.Context) error {
			if _, err := f.store.CompareAndSwap(ctx, accountID, acc.Version, newBalance); err != nil {
				return err
			}
			return f.store.Append(ctx, &domain.TransactionRecord{
				TransactionID:         domain.NewTransactionID(),
				GroupID:               groupID,
				Kind:                  kind,
				Status:                domain.StatusPending,
				AccountID:             accountID,
				CounterpartyAccountID: counterparty,
				Amount:                amount,
				BalanceBefore:         acc.Balance,
				BalanceAfter:          newBalance,
				RequestToken:          "crashed-" + groupID,
				CreatedAt:             f.clock.Now(),
			})
		})
		if err != nil {
			t.Fatalf("write leg: %v", err)
		}
	}

	leg(from, to, domain.KindTransferOut)
	if withCredit {
		leg(to, from, domain.KindTransferIn)
	}
	return groupID
}

func TestRecoverPendingTransfers(t *testing.T) {
	ctx := context.Background()

	t.Run("sender leg only is compensated", func(t *testing.T) {
		f := newFixture(t, nil)
		f.seed(t, "A", 100)
		groupID := crashAfterDebit(t, f, "A", "B", 30, false)

		// 還沒超過門檻，不處理
		report, err := f.processor.Recover(ctx, 5*time.Minute)
		if err != nil || report != (usecase.RecoveryReport{}) {
			t.Fatalf("fresh group must be left alone: %+v %v", report, err)
		}

		f.clock.Advance(10 * time.Minute)
		report, err = f.processor.Recover(ctx, 5*time.Minute)
		if err != nil {
			t.Fatalf("recover: %v", err)
		}
		if report.Compensated != 1 {
			t.Fatalf("unexpected report: %+v", report)
		}
		if got := f.balance(t, "A"); got != 100 {
			t.Fatalf("A = %d, want 100", got)
		}
		group, _ := f.store.ListGroup(ctx, groupID)
		if group[0].Status != domain.StatusFailed {
			t.Fatalf("group status = %s, want failed", group[0].Status)
		}
	})

	t.Run("both legs are committed", func(t *testing.T) {
		f := newFixture(t, nil)
		f.seed(t, "A", 100)
		groupID := crashAfterDebit(t, f, "A", "B", 30, true)

		f.clock.Advance(10 * time.Minute)
		report, err := f.processor.Recover(ctx, 5*time.Minute)
		if err != nil {
			t.Fatalf("recover: %v", err)
		}
		if report.Committed != 1 {
			t.Fatalf("unexpected report: %+v", report)
		}
		group, _ := f.store.ListGroup(ctx, groupID)
		for _, rec := range group {
			if rec.Status != domain.StatusCommitted {
				t.Fatalf("record %s status = %s, want committed", rec.TransactionID, rec.Status)
			}
		}
		if f.balance(t, "A") != 70 || f.balance(t, "B") != 30 {
			t.Fatal("balances must reflect the committed transfer")
		}
	})
}

// lossyGuard Complete 一律失敗，模擬提交後、保存結果前中斷
type lossyGuard struct {
	*memory.Store
}

func (g lossyGuard) Complete(ctx context.Context, requestToken string, result domain.Result) error {
	return errors.New("connection reset")
}

func TestReclaimedTokenRebuildsResultFromAuditLog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.seed(t, "A", 100)
	p := usecase.NewProcessor(f.store, lossyGuard{Store: f.store},
		usecase.WithClock(f.clock),
		usecase.WithLogger(logger.Discard()),
	)

	first, err := p.Debit(ctx, "A", 25, "", "lost")
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if _, err := p.Debit(ctx, "A", 25, "", "lost"); !errors.Is(err, domain.ErrRequestInFlight) {
		t.Fatalf("got %v, want in flight while lease is held", err)
	}

	f.clock.Advance(time.Minute)
	again, err := p.Debit(ctx, "A", 25, "", "lost")
	if err != nil {
		t.Fatalf("reclaimed replay: %v", err)
	}
	if again.TransactionID != first.TransactionID {
		t.Fatalf("transaction id = %s, want %s", again.TransactionID, first.TransactionID)
	}
	if got := f.balance(t, "A"); got != 75 {
		t.Fatalf("A = %d, want 75 (debited once)", got)
	}
}

func TestReclaimedTokenSkipsCompensatedAttempt(t *testing.T) {
	ctx := context.Background()
	var flaky *failingStore
	f := newFixture(t, func(s *memory.Store) usecase.Store {
		flaky = &failingStore{Store: s, failAccount: "B"}
		return flaky
	})
	f.seed(t, "A", 200)
	p := usecase.NewProcessor(flaky, lossyGuard{Store: f.store},
		usecase.WithClock(f.clock),
		usecase.WithLogger(logger.Discard()),
		usecase.WithRetry(5, time.Microsecond, time.Millisecond),
	)

	// 第一次：轉入失敗，沖正後釋放 token
	if _, err := p.Transfer(ctx, "A", "B", 60, "", "tokX"); !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("first attempt: got %v, want storage unavailable", err)
	}

	// 第二次：成功，但結果沒有存進 guard
	flaky.failAccount = ""
	second, err := p.Transfer(ctx, "A", "B", 60, "", "tokX")
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}

	// 租約過期後重送，必須從稽核紀錄還原第二次的結果
	f.clock.Advance(time.Minute)
	third, err := p.Transfer(ctx, "A", "B", 60, "", "tokX")
	if err != nil {
		t.Fatalf("reclaimed replay: %v", err)
	}
	if third.TransactionID != second.TransactionID {
		t.Fatalf("transaction id = %s, want %s", third.TransactionID, second.TransactionID)
	}
	if f.balance(t, "A") != 140 || f.balance(t, "B") != 60 {
		t.Fatalf("A = %d B = %d, want 140 and 60 (transferred once)", f.balance(t, "A"), f.balance(t, "B"))
	}
}

func TestReclaimedTokenAfterRejectedWithdrawal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.seed(t, "A", 100)
	p := usecase.NewProcessor(f.store, lossyGuard{Store: f.store},
		usecase.WithClock(f.clock),
		usecase.WithLogger(logger.Discard()),
	)

	first, err := p.Withdraw(ctx, "A", 40, "bank", "TW-1", "w-tok")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if _, err := p.SettleWithdrawal(ctx, first.TransactionID, false, "bank closed"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	f.clock.Advance(time.Minute)
	again, err := p.Withdraw(ctx, "A", 40, "bank", "TW-1", "w-tok")
	if err != nil {
		t.Fatalf("reclaimed replay: %v", err)
	}
	if again.TransactionID != first.TransactionID {
		t.Fatalf("transaction id = %s, want %s", again.TransactionID, first.TransactionID)
	}
	if got := f.balance(t, "A"); got != 100 {
		t.Fatalf("A = %d, want 100 (withdrawal must not run again)", got)
	}
}

// interleavingStore 第一次讀取 hookAccount 前執行 hook，模擬兩階段之間插入的其他流程
type interleavingStore struct {
	*memory.Store
	hookAccount string
	once        sync.Once
	hook        func()
}

func (s *interleavingStore) GetAccount(ctx context.Context, accountID string) (domain.Account, error) {
	if accountID == s.hookAccount {
		s.once.Do(s.hook)
	}
	return s.Store.GetAccount(ctx, accountID)
}

func TestRecoveryBetweenPhasesBlocksRecipientCredit(t *testing.T) {
	ctx := context.Background()
	var f fixture
	var report usecase.RecoveryReport
	var recoverErr error
	f = newFixture(t, func(s *memory.Store) usecase.Store {
		return &interleavingStore{Store: s, hookAccount: "B", hook: func() {
			f.clock.Advance(10 * time.Minute)
			report, recoverErr = f.processor.Recover(ctx, 5*time.Minute)
		}}
	})
	f.seed(t, "A", 100)

	_, err := f.processor.Transfer(ctx, "A", "B", 60, "", "tok")
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("got %v, want conflict", err)
	}
	if recoverErr != nil || report.Compensated != 1 {
		t.Fatalf("recover = %+v, %v", report, recoverErr)
	}
	if f.balance(t, "A") != 100 || f.balance(t, "B") != 0 {
		t.Fatalf("A = %d B = %d, want 100 and 0", f.balance(t, "A"), f.balance(t, "B"))
	}
	if records, _ := f.store.ListByAccount(ctx, "B", 0, 10); len(records) != 0 {
		t.Fatalf("recipient must have no records, got %+v", records)
	}
	for _, acc := range []string{"A", "B"} {
		if _, err := f.processor.Reconcile(ctx, acc); err != nil {
			t.Fatalf("reconcile %s: %v", acc, err)
		}
	}

	// token 已釋放，重送會重新轉帳一次
	if _, err := f.processor.Transfer(ctx, "A", "B", 60, "", "tok"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if f.balance(t, "A") != 40 || f.balance(t, "B") != 60 {
		t.Fatalf("A = %d B = %d, want 40 and 60", f.balance(t, "A"), f.balance(t, "B"))
	}
}

func TestConcurrentTransfersConserveMoney(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, usecase.WithRetry(1000, time.Microsecond, 100*time.Microsecond))
	const (
		seed    = 1000
		workers = 20
		rounds  = 10
	)
	f.seed(t, "A", seed)
	f.seed(t, "B", seed)

	var wg sync.WaitGroup
	var succeeded atomic.Int64
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				from, to := "A", "B"
				if (w+r)%2 == 1 {
					from, to = to, from
				}
				amount := int64(50 + (w*rounds+r)%150)
				_, err := f.processor.Transfer(ctx, from, to, amount, "", fmt.Sprintf("x-%d-%d", w, r))
				switch {
				case err == nil:
					succeeded.Add(1)
				case errors.Is(err, domain.ErrInsufficientFunds):
				default:
					t.Errorf("transfer %d/%d: %v", w, r, err)
				}
			}
		}(w)
	}
	wg.Wait()

	if succeeded.Load() == 0 {
		t.Fatal("expected some transfers to succeed")
	}
	a, b := f.balance(t, "A"), f.balance(t, "B")
	if a < 0 || b < 0 {
		t.Fatalf("negative balance: A = %d B = %d", a, b)
	}
	if a+b != 2*seed {
		t.Fatalf("A + B = %d, want %d", a+b, 2*seed)
	}
	for _, acc := range []string{"A", "B"} {
		if _, err := f.processor.Reconcile(ctx, acc); err != nil {
			t.Fatalf("reconcile %s: %v", acc, err)
		}
	}
	pending, _ := f.store.ListStalePending(ctx, domain.KindTransferOut, testNow.Add(time.Hour), 0)
	if len(pending) != 0 {
		t.Fatalf("%d transfer groups left pending", len(pending))
	}
}
