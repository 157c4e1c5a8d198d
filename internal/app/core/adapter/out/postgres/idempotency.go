package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
)

// Reserve INSERT ... ON CONFLICT DO NOTHING，只有一個請求能插入成功；
// 其餘請求鎖定既有列判斷狀態
func (s *Store) Reserve(ctx context.Context, requestToken, fingerprint string) (domain.Reservation, error) {
	now := s.clock.Now()
	lockedUntil, expiresAt := now.Add(s.lease), now.Add(s.ttl)

	tag, err := s.pool.Exec(ctx, `
INSERT INTO idempotency_keys (token, fingerprint, completed, result, locked_until, expires_at)
VALUES ($1, $2, FALSE, NULL, $3, $4)
ON CONFLICT (token) DO NOTHING`, requestToken, fingerprint, lockedUntil, expiresAt)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return domain.Reservation{State: domain.ReservationFresh}, nil
	}

	var reservation domain.Reservation
	err = withTx(ctx, s.pool, func(ctx context.Context) error {
		tx := txFromContext(ctx)
		var (
			rec    = domain.IdempotencyRecord{Token: requestToken}
			result []byte
		)
		err := tx.QueryRow(ctx, `
SELECT fingerprint, completed, result, locked_until, expires_at
FROM idempotency_keys WHERE token = $1 FOR UPDATE`, requestToken,
		).Scan(&rec.Fingerprint, &rec.Completed, &result, &rec.LockedUntil, &rec.ExpiresAt)
		if errors.Is(err, pgx.ErrNoRows) {
			// 被 Release 或 Purge 刪除，重新插入
			_, err = tx.Exec(ctx, `
INSERT INTO idempotency_keys (token, fingerprint, completed, result, locked_until, expires_at)
VALUES ($1, $2, FALSE, NULL, $3, $4)`, requestToken, fingerprint, lockedUntil, expiresAt)
			if isUniqueViolation(err) {
				reservation = domain.Reservation{State: domain.ReservationInFlight}
				return nil
			}
			reservation = domain.Reservation{State: domain.ReservationFresh}
			return err
		}
		if err != nil {
			return err
		}
		if len(result) > 0 {
			var r domain.Result
			if err := json.Unmarshal(result, &r); err != nil {
				return err
			}
			rec.Result = &r
		}

		reservation, err = rec.Resolve(fingerprint, now)
		if err != nil || reservation.State != domain.ReservationFresh {
			return err
		}
		_, err = tx.Exec(ctx, `
UPDATE idempotency_keys
SET fingerprint = $2, completed = FALSE, result = NULL, locked_until = $3, expires_at = $4
WHERE token = $1`, requestToken, fingerprint, lockedUntil, expiresAt)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrIdempotencyTokenReused) {
			return domain.Reservation{}, err
		}
		return domain.Reservation{}, fmt.Errorf("reserve idempotency key: %w", err)
	}
	return reservation, nil
}

func (s *Store) Complete(ctx context.Context, requestToken string, result domain.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	tag, err := s.pool.Exec(ctx, `
UPDATE idempotency_keys
SET completed = TRUE, result = $2, locked_until = $3, expires_at = $4
WHERE token = $1`, requestToken, data, now, now.Add(s.ttl))
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete idempotency key %q: %w", requestToken, pgx.ErrNoRows)
	}
	return nil
}

func (s *Store) Release(ctx context.Context, requestToken string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE token = $1 AND completed = FALSE`, requestToken)
	return err
}

func (s *Store) Purge(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

var _ usecase.IdempotencyGuard = (*Store)(nil)
