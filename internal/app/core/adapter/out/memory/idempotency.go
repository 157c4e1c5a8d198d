package memory

import (
	"context"
	"time"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
)

// Reserve 在 idemMu 保護下檢查並寫入，兩個並發請求不會同時拿到 Fresh
func (s *Store) Reserve(ctx context.Context, requestToken, fingerprint string) (domain.Reservation, error) {
	s.idemMu.Lock()
	defer s.idemMu.Unlock()

	now := s.clock.Now()
	reclaimed := false
	if existing, ok := s.idem[requestToken]; ok {
		reservation, err := existing.Resolve(fingerprint, now)
		if err != nil || reservation.State != domain.ReservationFresh {
			return reservation, err
		}
		reclaimed = reservation.Reclaimed
	}

	rec := domain.IdempotencyRecord{
		Token:       requestToken,
		Fingerprint: fingerprint,
		LockedUntil: now.Add(s.lease),
		ExpiresAt:   now.Add(s.ttl),
	}
	if err := s.persistIdempotency(walEntry{Idempotency: []domain.IdempotencyRecord{rec}}); err != nil {
		return domain.Reservation{}, err
	}
	return domain.Reservation{State: domain.ReservationFresh, Reclaimed: reclaimed}, nil
}

// Complete 保存結果，從此之後相同 token 直接回傳此結果
func (s *Store) Complete(ctx context.Context, requestToken string, result domain.Result) error {
	s.idemMu.Lock()
	defer s.idemMu.Unlock()

	rec, ok := s.idem[requestToken]
	if !ok {
		return domain.ErrStorageUnavailable
	}
	now := s.clock.Now()
	rec.Completed = true
	rec.Result = &result
	rec.LockedUntil = time.Time{}
	rec.ExpiresAt = now.Add(s.ttl)
	return s.persistIdempotency(walEntry{Idempotency: []domain.IdempotencyRecord{rec}})
}

// Release 刪除處理中的保留，已完成的紀錄不受影響
func (s *Store) Release(ctx context.Context, requestToken string) error {
	s.idemMu.Lock()
	defer s.idemMu.Unlock()

	rec, ok := s.idem[requestToken]
	if !ok || rec.Completed {
		return nil
	}
	return s.persistIdempotency(walEntry{DeletedTokens: []string{requestToken}})
}

// Purge 刪除過期紀錄
func (s *Store) Purge(ctx context.Context, now time.Time) (int, error) {
	s.idemMu.Lock()
	defer s.idemMu.Unlock()

	var expired []string
	for token, rec := range s.idem {
		if rec.Expired(now) {
			expired = append(expired, token)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}
	if err := s.persistIdempotency(walEntry{DeletedTokens: expired}); err != nil {
		return 0, err
	}
	return len(expired), nil
}

// persistIdempotency 冪等紀錄與帳戶資料共用 WAL，只動 idem map
func (s *Store) persistIdempotency(entry walEntry) error {
	if s.wal != nil {
		if err := s.wal.Write(entry); err != nil {
			return err
		}
	}
	for _, rec := range entry.Idempotency {
		s.idem[rec.Token] = rec
	}
	for _, token := range entry.DeletedTokens {
		delete(s.idem, token)
	}
	return nil
}

var _ usecase.IdempotencyGuard = (*Store)(nil)
