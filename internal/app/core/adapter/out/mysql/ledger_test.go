package mysql

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-wallet-ledger/pkg/clock"
	"github.com/JoeShih716/go-wallet-ledger/pkg/mysql"
)

// newTestLedger 需要 TEST_MYSQL_DSN，未設定時略過
func newTestLedger(t *testing.T, clk clock.Clock) *MySQLLedger {
	t.Helper()
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("TEST_MYSQL_DSN not set, skipping MySQL integration tests")
	}
	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Skipf("skipping MySQL integration tests: %v", err)
	}
	l := NewMySQLLedger(mysql.NewClientWithDB(db), WithClock(clk))
	ctx := context.Background()
	if err := l.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, table := range []string{"accounts", "transactions", "idempotency_keys"} {
		if err := db.Exec("DELETE FROM " + table).Error; err != nil {
			t.Fatalf("clean %s: %v", table, err)
		}
	}
	return l
}

func TestMySQLCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, clock.NewSystem())

	if _, err := l.CompareAndSwap(ctx, "a", 0, 100); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if _, err := l.CompareAndSwap(ctx, "a", 0, 100); !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("duplicate materialize err = %v, want conflict", err)
	}
	if _, err := l.CompareAndSwap(ctx, "a", 1, 40); err != nil {
		t.Fatalf("cas: %v", err)
	}
	if _, err := l.CompareAndSwap(ctx, "a", 1, 10); !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("stale cas err = %v, want conflict", err)
	}
	acc, err := l.GetAccount(ctx, "a")
	if err != nil || acc.Balance != 40 || acc.Version != 2 {
		t.Fatalf("account = %+v, %v", acc, err)
	}
}

func TestMySQLAppendIsAtomicWithCAS(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, clock.NewSystem())

	rec := &domain.TransactionRecord{
		TransactionID: "txn_1", GroupID: "g1", Kind: domain.KindTransferOut, Status: domain.StatusPending,
		AccountID: "a", Amount: 5, RequestToken: "r1", CreatedAt: time.Now().UTC(),
	}
	err := l.WithTx(ctx, func(ctx context.Context) error {
		if _, err := l.CompareAndSwap(ctx, "a", 0, 5); err != nil {
			return err
		}
		if err := l.Append(ctx, rec); err != nil {
			return err
		}
		return errors.New("abort")
	})
	if err == nil {
		t.Fatal("expected abort")
	}
	acc, _ := l.GetAccount(ctx, "a")
	records, _ := l.ListByAccount(ctx, "a", 0, 10)
	if acc.Materialized() || len(records) != 0 {
		t.Fatalf("rolled back state leaked: %+v %d", acc, len(records))
	}

	if err := l.Append(ctx, rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if rec.Sequence == 0 {
		t.Fatal("sequence must be assigned")
	}
	if err := l.UpdateGroupStatus(ctx, "g1", domain.StatusPending, domain.StatusCommitted); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := l.UpdateGroupStatus(ctx, "g1", domain.StatusPending, domain.StatusFailed); !errors.Is(err, domain.ErrStatusTransition) {
		t.Fatalf("second update err = %v", err)
	}
}

func TestMySQLIdempotency(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, clock.NewSystem())

	first, err := l.Reserve(ctx, "tok", "fp")
	if err != nil || first.State != domain.ReservationFresh {
		t.Fatalf("reserve = %+v, %v", first, err)
	}
	second, err := l.Reserve(ctx, "tok", "fp")
	if err != nil || second.State != domain.ReservationInFlight {
		t.Fatalf("second reserve = %+v, %v", second, err)
	}
	if err := l.Complete(ctx, "tok", domain.Result{TransactionID: "txn_1", BalanceAfter: 7}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	done, err := l.Reserve(ctx, "tok", "fp")
	if err != nil || done.State != domain.ReservationCompleted || done.Result.BalanceAfter != 7 {
		t.Fatalf("completed reserve = %+v, %v", done, err)
	}
	if _, err := l.Reserve(ctx, "tok", "other"); !errors.Is(err, domain.ErrIdempotencyTokenReused) {
		t.Fatalf("reused token err = %v", err)
	}
}
