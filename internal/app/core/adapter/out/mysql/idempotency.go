package mysql

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
)

// sqlIdempotency 對應資料庫的 idempotency_keys 表
type sqlIdempotency struct {
	Token       string `gorm:"primaryKey;size:128"`
	Fingerprint string `gorm:"size:64"`
	Completed   bool
	Result      []byte    `gorm:"type:blob"`
	LockedUntil time.Time `gorm:"precision:6"`
	ExpiresAt   time.Time `gorm:"precision:6;index"`
}

func (*sqlIdempotency) TableName() string {
	return "idempotency_keys"
}

func (row sqlIdempotency) toDomain() (domain.IdempotencyRecord, error) {
	rec := domain.IdempotencyRecord{
		Token:       row.Token,
		Fingerprint: row.Fingerprint,
		Completed:   row.Completed,
		LockedUntil: row.LockedUntil.UTC(),
		ExpiresAt:   row.ExpiresAt.UTC(),
	}
	if len(row.Result) > 0 {
		var result domain.Result
		if err := json.Unmarshal(row.Result, &result); err != nil {
			return domain.IdempotencyRecord{}, err
		}
		rec.Result = &result
	}
	return rec, nil
}

// Reserve 先嘗試 INSERT (主鍵保證只有一個請求成功)，
// 主鍵重複時鎖定該列判斷是否已完成、處理中或可重新取得
func (l *MySQLLedger) Reserve(ctx context.Context, requestToken, fingerprint string) (domain.Reservation, error) {
	now := l.clock.Now()
	fresh := sqlIdempotency{
		Token:       requestToken,
		Fingerprint: fingerprint,
		LockedUntil: now.Add(l.lease),
		ExpiresAt:   now.Add(l.ttl),
	}

	err := l.client.DB().WithContext(ctx).Create(&fresh).Error
	if err == nil {
		return domain.Reservation{State: domain.ReservationFresh}, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.Reservation{}, err
	}

	var reservation domain.Reservation
	err = l.client.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row sqlIdempotency
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("token = ?", requestToken).
			Take(&row).Error; err != nil {
			return err
		}
		existing, err := row.toDomain()
		if err != nil {
			return err
		}
		reservation, err = existing.Resolve(fingerprint, now)
		if err != nil || reservation.State != domain.ReservationFresh {
			return err
		}
		// 過期或租約到期，覆寫為新的保留
		return tx.Model(&sqlIdempotency{}).
			Where("token = ?", requestToken).
			Updates(map[string]any{
				"fingerprint":  fingerprint,
				"completed":    false,
				"result":       nil,
				"locked_until": fresh.LockedUntil,
				"expires_at":   fresh.ExpiresAt,
			}).Error
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	return reservation, nil
}

// Complete 保存結果
func (l *MySQLLedger) Complete(ctx context.Context, requestToken string, result domain.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	now := l.clock.Now()
	res := l.client.DB().WithContext(ctx).Model(&sqlIdempotency{}).
		Where("token = ?", requestToken).
		Updates(map[string]any{
			"completed":    true,
			"result":       data,
			"locked_until": now,
			"expires_at":   now.Add(l.ttl),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Release 刪除處理中的保留
func (l *MySQLLedger) Release(ctx context.Context, requestToken string) error {
	return l.client.DB().WithContext(ctx).
		Where("token = ? AND completed = ?", requestToken, false).
		Delete(&sqlIdempotency{}).Error
}

// Purge 刪除過期紀錄
func (l *MySQLLedger) Purge(ctx context.Context, now time.Time) (int, error) {
	res := l.client.DB().WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&sqlIdempotency{})
	return int(res.RowsAffected), res.Error
}

var _ usecase.IdempotencyGuard = (*MySQLLedger)(nil)
