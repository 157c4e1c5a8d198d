package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-wallet-ledger/pkg/clock"
)

const (
	defaultMaxAttempts   = 5
	defaultBaseBackoff   = 5 * time.Millisecond
	defaultMaxBackoff    = 100 * time.Millisecond
	defaultNotifyTimeout = 5 * time.Second
)

// Processor 交易處理核心，唯一可以寫入帳戶與稽核紀錄的元件
//
// 每個異動都走 read-validate-CAS 迴圈，版本衝突時重新讀取，
// 超過 maxAttempts 次回傳 domain.ErrConflict
type Processor struct {
	store     Store
	guard     IdempotencyGuard
	directory Directory
	notifier  Notifier
	clock     clock.Clock
	logger    *slog.Logger

	maxAttempts   int
	baseBackoff   time.Duration
	maxBackoff    time.Duration
	notifyTimeout time.Duration
}

// ProcessorOption 定義 Processor 的配置選項函數
type ProcessorOption func(*Processor)

// WithDirectory 設定收款帳戶查詢，未設定時所有帳戶都視為存在
func WithDirectory(directory Directory) ProcessorOption {
	return func(p *Processor) {
		p.directory = directory
	}
}

// WithNotifier 設定通知
func WithNotifier(notifier Notifier) ProcessorOption {
	return func(p *Processor) {
		p.notifier = notifier
	}
}

// WithClock 設定時間來源
func WithClock(c clock.Clock) ProcessorOption {
	return func(p *Processor) {
		p.clock = c
	}
}

// WithLogger 設定 logger
func WithLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithRetry 設定 CAS 重試次數與退避時間
func WithRetry(maxAttempts int, baseBackoff, maxBackoff time.Duration) ProcessorOption {
	return func(p *Processor) {
		if maxAttempts > 0 {
			p.maxAttempts = maxAttempts
		}
		if baseBackoff > 0 {
			p.baseBackoff = baseBackoff
		}
		if maxBackoff > 0 {
			p.maxBackoff = maxBackoff
		}
	}
}

// NewProcessor 建立 Processor
//
// 參數:
//
//	store: 帳戶 + 稽核紀錄儲存
//	guard: 冪等保護
//	opts: 可選配置
//
// 回傳:
//
//	*Processor: Processor 實例
func NewProcessor(store Store, guard IdempotencyGuard, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:         store,
		guard:         guard,
		clock:         clock.NewSystem(),
		logger:        slog.Default(),
		maxAttempts:   defaultMaxAttempts,
		baseBackoff:   defaultBaseBackoff,
		maxBackoff:    defaultMaxBackoff,
		notifyTimeout: defaultNotifyTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetBalance 讀取餘額，未實體化的帳戶回傳 0
func (p *Processor) GetBalance(ctx context.Context, accountID string) (domain.Balance, error) {
	if accountID == "" {
		return domain.Balance{}, domain.ErrInvalidAccountID
	}
	acc, err := p.store.GetAccount(ctx, accountID)
	if err != nil {
		return domain.Balance{}, p.storageError("get account", err)
	}
	return domain.Balance{
		AccountID: accountID,
		Balance:   acc.Balance,
		Display:   domain.FormatAmount(acc.Balance),
		Version:   acc.Version,
	}, nil
}

// Credit 入帳
func (p *Processor) Credit(ctx context.Context, accountID string, amount int64, reason, requestToken string) (domain.Result, error) {
	if err := validateSingle(accountID, amount, requestToken); err != nil {
		return domain.Result{}, err
	}
	fp := fingerprint("credit", accountID, amount, reason)
	return p.idempotent(ctx, requestToken, fp, func(ctx context.Context) (domain.Result, error) {
		return p.single(ctx, domain.KindCredit, domain.StatusCommitted, accountID, amount, requestToken, func(rec *domain.TransactionRecord) {
			rec.Reason = reason
		})
	})
}

// Debit 扣款，餘額不足回傳 domain.ErrInsufficientFunds
func (p *Processor) Debit(ctx context.Context, accountID string, amount int64, reason, requestToken string) (domain.Result, error) {
	if err := validateSingle(accountID, amount, requestToken); err != nil {
		return domain.Result{}, err
	}
	fp := fingerprint("debit", accountID, amount, reason)
	return p.idempotent(ctx, requestToken, fp, func(ctx context.Context) (domain.Result, error) {
		return p.single(ctx, domain.KindDebit, domain.StatusCommitted, accountID, amount, requestToken, func(rec *domain.TransactionRecord) {
			rec.Reason = reason
		})
	})
}

// single 處理只影響一個帳戶的異動 (Credit / Debit / Withdraw)
func (p *Processor) single(ctx context.Context, kind domain.TransactionKind, status domain.Status, accountID string, amount int64, requestToken string, decorate func(*domain.TransactionRecord)) (domain.Result, error) {
	txID := domain.NewTransactionID()
	var rec domain.TransactionRecord

	_, err := p.apply(ctx, accountID, func(acc domain.Account) (int64, error) {
		if kind.Inbound() {
			return acc.Credit(amount)
		}
		return acc.Debit(amount)
	}, func(ctx context.Context, before, after domain.Account) error {
		rec = domain.TransactionRecord{
			TransactionID: txID,
			GroupID:       txID,
			Kind:          kind,
			Status:        status,
			AccountID:     accountID,
			Amount:        amount,
			BalanceBefore: before.Balance,
			BalanceAfter:  after.Balance,
			RequestToken:  requestToken,
			CreatedAt:     p.clock.Now(),
		}
		decorate(&rec)
		return p.store.Append(ctx, &rec)
	})
	if err != nil {
		return domain.Result{}, err
	}

	p.notify(ctx, accountID, kind.String(), map[string]any{
		"transactionId": rec.TransactionID,
		"amount":        rec.Amount,
		"balanceAfter":  rec.BalanceAfter,
		"status":        string(rec.Status),
	})
	return resultOf(rec), nil
}

// apply 執行 read-validate-CAS 迴圈
//
// 參數:
//
//	ctx: 上下文 (只用於讀取與驗證階段)
//	accountID: 帳戶 ID
//	compute: 依目前帳戶計算新餘額，回傳錯誤代表驗證失敗 (不重試)
//	write: 與 CAS 同一交易內執行，用於寫入稽核紀錄
//
// 回傳:
//
//	domain.Account: 更新後的帳戶
//	error: 驗證錯誤、domain.ErrConflict 或 domain.ErrStorageUnavailable
func (p *Processor) apply(
	ctx context.Context,
	accountID string,
	compute func(acc domain.Account) (int64, error),
	write func(ctx context.Context, before, after domain.Account) error,
) (domain.Account, error) {
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := p.backoff(ctx, attempt); err != nil {
				return domain.Account{}, domain.ErrRequestTimeout
			}
		}
		if ctx.Err() != nil {
			return domain.Account{}, domain.ErrRequestTimeout
		}

		before, err := p.store.GetAccount(ctx, accountID)
		if err != nil {
			return domain.Account{}, p.storageError("get account", err)
		}
		newBalance, err := compute(before)
		if err != nil {
			return domain.Account{}, err
		}

		// CAS 送出後不可取消
		var after domain.Account
		err = p.store.WithTx(context.WithoutCancel(ctx), func(txCtx context.Context) error {
			updated, err := p.store.CompareAndSwap(txCtx, accountID, before.Version, newBalance)
			if err != nil {
				return err
			}
			after = updated
			return write(txCtx, before, updated)
		})
		if errors.Is(err, domain.ErrVersionConflict) {
			p.logger.Debug("version conflict, retrying",
				slog.String("account_id", accountID),
				slog.Int64("expected_version", before.Version),
				slog.Int("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			return domain.Account{}, p.storageError("commit", err)
		}
		return after, nil
	}
	p.logger.Warn("retries exhausted", slog.String("account_id", accountID), slog.Int("attempts", p.maxAttempts))
	return domain.Account{}, domain.ErrConflict
}

// backoff 指數退避加上 jitter
func (p *Processor) backoff(ctx context.Context, attempt int) error {
	d := p.baseBackoff << (attempt - 1)
	if d > p.maxBackoff || d <= 0 {
		d = p.maxBackoff
	}
	d = d/2 + rand.N(d/2+1)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// idempotent 冪等流程：Reserve -> 執行 -> Complete / Release
func (p *Processor) idempotent(ctx context.Context, requestToken, fp string, run func(ctx context.Context) (domain.Result, error)) (domain.Result, error) {
	reservation, err := p.guard.Reserve(ctx, requestToken, fp)
	if err != nil {
		return domain.Result{}, p.storageError("reserve idempotency token", err)
	}

	switch reservation.State {
	case domain.ReservationCompleted:
		if reservation.Result == nil {
			return domain.Result{}, domain.ErrStorageUnavailable
		}
		return reservation.Result.Outcome()
	case domain.ReservationInFlight:
		return domain.Result{}, domain.ErrRequestInFlight
	}

	if reservation.Reclaimed {
		result, found, err := p.rebuild(ctx, requestToken)
		if err != nil {
			// 前一次的結果未定，保留租約等待恢復流程
			return domain.Result{}, err
		}
		if found {
			p.complete(ctx, requestToken, result)
			return result, nil
		}
	}

	result, err := run(ctx)
	if err != nil {
		var pending *outcomePendingError
		switch {
		case errors.As(err, &pending):
			return domain.Result{}, pending.err
		case domain.IsDefinitive(err):
			p.complete(ctx, requestToken, domain.Result{Err: domain.AsError(err)})
		default:
			p.release(ctx, requestToken)
		}
		return domain.Result{}, err
	}
	p.complete(ctx, requestToken, result)
	return result, nil
}

// rebuild 從稽核紀錄還原上一次處理的結果
//
// 同一 token 可能有多個群組 (先前被沖正的轉帳嘗試)，從最新的群組往回找：
// pending 的轉帳代表結果未定，committed 代表已處理過，
// failed 的轉帳群組沒有淨效果，繼續往前找。
// 提領即使之後被拒絕 (failed) 也算已處理過。
//
// 回傳:
//
//	domain.Result: 還原的結果
//	bool: 是否找到已處理過的結果
//	error: 結果尚未確定 (例如轉帳仍在 pending)
func (p *Processor) rebuild(ctx context.Context, requestToken string) (domain.Result, bool, error) {
	records, err := p.store.FindByRequestToken(ctx, requestToken)
	if err != nil {
		return domain.Result{}, false, p.storageError("find by request token", err)
	}

	groups := groupRecords(records)
	for i := len(groups) - 1; i >= 0; i-- {
		group := groups[i]
		primary, ok := primaryRecord(group)
		if !ok {
			continue
		}
		if primary.Kind != domain.KindTransferOut {
			return resultOf(primary), true, nil
		}
		switch primary.Status {
		case domain.StatusPending:
			return domain.Result{}, false, domain.ErrRequestInFlight
		case domain.StatusFailed:
			continue
		}
		result := resultOf(primary)
		result.Records = group
		return result, true, nil
	}
	return domain.Result{}, false, nil
}

// groupRecords 依 GroupID 分組，保留第一次出現的順序 (records 依 Sequence 排序)
func groupRecords(records []domain.TransactionRecord) [][]domain.TransactionRecord {
	index := make(map[string]int)
	var groups [][]domain.TransactionRecord
	for _, rec := range records {
		i, ok := index[rec.GroupID]
		if !ok {
			i = len(groups)
			index[rec.GroupID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], rec)
	}
	return groups
}

// primaryRecord 群組中代表請求本身的紀錄，沖正紀錄不算
func primaryRecord(group []domain.TransactionRecord) (domain.TransactionRecord, bool) {
	var primary domain.TransactionRecord
	found := false
	for _, rec := range group {
		if rec.Kind == domain.KindReversal {
			continue
		}
		if rec.Kind == domain.KindTransferOut {
			return rec, true
		}
		if !found {
			primary, found = rec, true
		}
	}
	return primary, found
}

func (p *Processor) complete(ctx context.Context, requestToken string, result domain.Result) {
	if err := p.guard.Complete(context.WithoutCancel(ctx), requestToken, result); err != nil {
		// 租約過期後會從稽核紀錄還原
		p.logger.Error("complete idempotency token failed",
			slog.String("request_token", requestToken),
			slog.Any("error", err),
		)
	}
}

func (p *Processor) release(ctx context.Context, requestToken string) {
	if err := p.guard.Release(context.WithoutCancel(ctx), requestToken); err != nil {
		p.logger.Error("release idempotency token failed",
			slog.String("request_token", requestToken),
			slog.Any("error", err),
		)
	}
}

// notify fire-and-forget，失敗只記錄
func (p *Processor) notify(ctx context.Context, accountID, kind string, payload map[string]any) {
	if p.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.notifyTimeout)
		defer cancel()
		if err := p.notifier.Notify(ctx, accountID, kind, payload); err != nil {
			p.logger.Warn("notification failed",
				slog.String("account_id", accountID),
				slog.String("kind", kind),
				slog.Any("error", err),
			)
		}
	}()
}

// storageError 已分類的錯誤直接回傳，其餘視為儲存層錯誤 (不對外洩漏細節)
func (p *Processor) storageError(op string, err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return de
	}
	p.logger.Error("storage failure", slog.String("op", op), slog.Any("error", err))
	return domain.ErrStorageUnavailable
}

// outcomePendingError 結果未定 (部分階段已提交)，不可釋放冪等保留
type outcomePendingError struct {
	err error
}

func (e *outcomePendingError) Error() string {
	return e.err.Error()
}

func (e *outcomePendingError) Unwrap() error {
	return e.err
}

func validateSingle(accountID string, amount int64, requestToken string) error {
	if requestToken == "" {
		return domain.ErrMissingIdempotencyToken
	}
	if accountID == "" {
		return domain.ErrInvalidAccountID
	}
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}
	return nil
}

// fingerprint 請求內容的雜湊，同一 token 不可對應不同內容
// 每個欄位前加上長度，欄位內容含分隔字元時也不會與其他請求相同
func fingerprint(op string, parts ...any) string {
	h := sha256.New()
	writeField(h, op)
	for _, part := range parts {
		writeField(h, fmt.Sprint(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(w io.Writer, field string) {
	fmt.Fprintf(w, "%d:%s;", len(field), field)
}

func resultOf(rec domain.TransactionRecord) domain.Result {
	return domain.Result{
		TransactionID: rec.TransactionID,
		GroupID:       rec.GroupID,
		AccountID:     rec.AccountID,
		BalanceAfter:  rec.BalanceAfter,
		Records:       []domain.TransactionRecord{rec},
	}
}
