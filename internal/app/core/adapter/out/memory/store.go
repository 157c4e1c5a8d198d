package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-wallet-ledger/pkg/clock"
	"github.com/JoeShih716/go-wallet-ledger/pkg/wal"
)

const (
	defaultIdempotencyTTL = 24 * time.Hour
	defaultLease          = 30 * time.Second
)

// Store 是記憶體版的帳戶 / 稽核紀錄 / 冪等儲存
//
// 結構:
//
//	accounts: 帳戶資料 Map
//	records: 稽核紀錄 (index = Sequence-1)
//	mu: 保護帳戶與稽核紀錄，WithTx 期間持有寫鎖
//	idem: 冪等紀錄，由 idemMu 保護
//	wal: Write-Ahead Log，設定後每次提交都先寫入 WAL 再套用到記憶體
type Store struct {
	mu        sync.RWMutex
	accounts  map[string]domain.Account
	records   []domain.TransactionRecord
	byAccount map[string][]int
	byGroup   map[string][]int
	byToken   map[string][]int

	idemMu sync.Mutex
	idem   map[string]domain.IdempotencyRecord

	wal   *wal.WAL
	clock clock.Clock
	ttl   time.Duration
	lease time.Duration
}

// Option 定義 Store 的配置選項函數
type Option func(*Store)

// WithWAL 設定 WAL，建立時會先從 WAL 恢復狀態
func WithWAL(w *wal.WAL) Option {
	return func(s *Store) {
		s.wal = w
	}
}

// WithClock 設定時間來源
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithIdempotencyTTL 設定冪等紀錄保存時間與處理中租約
func WithIdempotencyTTL(ttl, lease time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
		if lease > 0 {
			s.lease = lease
		}
	}
}

// NewStore 建立 Store，有設定 WAL 時先重放 WAL
//
// 回傳:
//
//	*Store: Store 實例
//	error: WAL 恢復失敗
func NewStore(opts ...Option) (*Store, error) {
	s := &Store{
		accounts:  make(map[string]domain.Account),
		byAccount: make(map[string][]int),
		byGroup:   make(map[string][]int),
		byToken:   make(map[string][]int),
		idem:      make(map[string]domain.IdempotencyRecord),
		clock:     clock.NewSystem(),
		ttl:       defaultIdempotencyTTL,
		lease:     defaultLease,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.wal != nil {
		if err := s.recoverFromWAL(); err != nil {
			return nil, fmt.Errorf("recover from wal: %w", err)
		}
	}
	return s, nil
}

// walEntry 一次提交寫入 WAL 的內容
type walEntry struct {
	Accounts      []domain.Account           `json:"accounts,omitempty"`
	Records       []domain.TransactionRecord `json:"records,omitempty"`
	Statuses      []statusChange             `json:"statuses,omitempty"`
	Idempotency   []domain.IdempotencyRecord `json:"idempotency,omitempty"`
	DeletedTokens []string                   `json:"deletedTokens,omitempty"`
}

type statusChange struct {
	Sequence uint64        `json:"sequence"`
	Status   domain.Status `json:"status"`
}

// recoverFromWAL 從 WAL 檔案恢復狀態 (只有 NewStore 呼叫，無需 Lock)
func (s *Store) recoverFromWAL() error {
	return s.wal.ReadAll(func(jsonRaw []byte) error {
		var entry walEntry
		if err := json.Unmarshal(jsonRaw, &entry); err != nil {
			return err
		}
		s.applyEntry(entry)
		return nil
	})
}

func (s *Store) applyEntry(entry walEntry) {
	for _, acc := range entry.Accounts {
		s.accounts[acc.ID] = acc
	}
	for _, rec := range entry.Records {
		idx := len(s.records)
		s.records = append(s.records, rec)
		s.byAccount[rec.AccountID] = append(s.byAccount[rec.AccountID], idx)
		s.byGroup[rec.GroupID] = append(s.byGroup[rec.GroupID], idx)
		s.byToken[rec.RequestToken] = append(s.byToken[rec.RequestToken], idx)
	}
	for _, change := range entry.Statuses {
		s.records[change.Sequence-1].Status = change.Status
	}
	for _, rec := range entry.Idempotency {
		s.idem[rec.Token] = rec
	}
	for _, token := range entry.DeletedTokens {
		delete(s.idem, token)
	}
}

// persist 先寫 WAL 再套用，WAL 寫入失敗時記憶體狀態不變
func (s *Store) persist(entry walEntry) error {
	if s.wal != nil {
		if err := s.wal.Write(entry); err != nil {
			return fmt.Errorf("write wal: %w", err)
		}
	}
	s.applyEntry(entry)
	return nil
}

type txKey struct{}

// memTx 交易中暫存的異動，提交時一次寫入
type memTx struct {
	accounts map[string]domain.Account
	appended []domain.TransactionRecord
	statuses map[uint64]domain.Status
}

func txFromContext(ctx context.Context) *memTx {
	tx, _ := ctx.Value(txKey{}).(*memTx)
	return tx
}

// WithTx 持有寫鎖執行 fn，fn 成功才寫入 WAL 並套用
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		accounts: make(map[string]domain.Account),
		statuses: make(map[uint64]domain.Status),
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	entry := walEntry{Records: tx.appended}
	for _, acc := range tx.accounts {
		entry.Accounts = append(entry.Accounts, acc)
	}
	for seq, status := range tx.statuses {
		entry.Statuses = append(entry.Statuses, statusChange{Sequence: seq, Status: status})
	}
	return s.persist(entry)
}

// rlock 交易內已持有寫鎖，不再加讀鎖
func (s *Store) rlock(ctx context.Context) func() {
	if txFromContext(ctx) != nil {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

// GetAccount 取得帳戶，不存在時回傳未實體化的帳戶
func (s *Store) GetAccount(ctx context.Context, accountID string) (domain.Account, error) {
	if tx := txFromContext(ctx); tx != nil {
		if acc, ok := tx.accounts[accountID]; ok {
			return acc, nil
		}
	}
	unlock := s.rlock(ctx)
	defer unlock()
	if acc, ok := s.accounts[accountID]; ok {
		return acc, nil
	}
	return domain.NewAccount(accountID), nil
}

// CompareAndSwap 版本相符時更新餘額
func (s *Store) CompareAndSwap(ctx context.Context, accountID string, expectedVersion int64, newBalance int64) (domain.Account, error) {
	tx := txFromContext(ctx)
	if tx == nil {
		var updated domain.Account
		err := s.WithTx(ctx, func(ctx context.Context) error {
			var err error
			updated, err = s.CompareAndSwap(ctx, accountID, expectedVersion, newBalance)
			return err
		})
		return updated, err
	}

	current, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return domain.Account{}, err
	}
	if current.Version != expectedVersion {
		return domain.Account{}, domain.ErrVersionConflict
	}
	updated := domain.Account{
		ID:        accountID,
		Balance:   newBalance,
		Version:   expectedVersion + 1,
		UpdatedAt: s.clock.Now(),
	}
	tx.accounts[accountID] = updated
	return updated, nil
}

// Append 寫入稽核紀錄並分配 Sequence
func (s *Store) Append(ctx context.Context, records ...*domain.TransactionRecord) error {
	tx := txFromContext(ctx)
	if tx == nil {
		return s.WithTx(ctx, func(ctx context.Context) error {
			return s.Append(ctx, records...)
		})
	}
	for _, rec := range records {
		rec.Sequence = uint64(len(s.records) + len(tx.appended) + 1)
		tx.appended = append(tx.appended, *rec)
	}
	return nil
}

// UpdateGroupStatus 群組內狀態為 from 的紀錄改為 to
func (s *Store) UpdateGroupStatus(ctx context.Context, groupID string, from, to domain.Status) error {
	tx := txFromContext(ctx)
	if tx == nil {
		return s.WithTx(ctx, func(ctx context.Context) error {
			return s.UpdateGroupStatus(ctx, groupID, from, to)
		})
	}

	matched := 0
	for _, idx := range s.byGroup[groupID] {
		seq := s.records[idx].Sequence
		status, ok := tx.statuses[seq]
		if !ok {
			status = s.records[idx].Status
		}
		if status == from {
			tx.statuses[seq] = to
			matched++
		}
	}
	for i := range tx.appended {
		if tx.appended[i].GroupID == groupID && tx.appended[i].Status == from {
			tx.appended[i].Status = to
			matched++
		}
	}
	if matched == 0 {
		return domain.ErrStatusTransition
	}
	return nil
}

// ListByAccount 依 Sequence 由舊到新
func (s *Store) ListByAccount(ctx context.Context, accountID string, after uint64, limit int) ([]domain.TransactionRecord, error) {
	unlock := s.rlock(ctx)
	defer unlock()

	out := make([]domain.TransactionRecord, 0)
	for _, idx := range s.byAccount[accountID] {
		rec := s.records[idx]
		if rec.Sequence <= after {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListGroup(ctx context.Context, groupID string) ([]domain.TransactionRecord, error) {
	unlock := s.rlock(ctx)
	defer unlock()
	return s.collect(s.byGroup[groupID]), nil
}

func (s *Store) FindByRequestToken(ctx context.Context, requestToken string) ([]domain.TransactionRecord, error) {
	unlock := s.rlock(ctx)
	defer unlock()
	return s.collect(s.byToken[requestToken]), nil
}

func (s *Store) ListStalePending(ctx context.Context, kind domain.TransactionKind, olderThan time.Time, limit int) ([]domain.TransactionRecord, error) {
	unlock := s.rlock(ctx)
	defer unlock()

	out := make([]domain.TransactionRecord, 0)
	for _, rec := range s.records {
		if rec.Kind != kind || rec.Status != domain.StatusPending || !rec.CreatedAt.Before(olderThan) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) collect(indexes []int) []domain.TransactionRecord {
	out := make([]domain.TransactionRecord, 0, len(indexes))
	for _, idx := range indexes {
		out = append(out, s.records[idx])
	}
	return out
}

var _ usecase.Store = (*Store)(nil)
