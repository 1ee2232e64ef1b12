package service

import (
	"context"
	"errors"
	"time"

	"github.com/fableloom/loom-credits/internal/credits/domain"
	"go.uber.org/zap"
)

// RefundReasonExpired marks refunds issued by the expiry sweep rather
// than by a caller.
const RefundReasonExpired = "reservation_expired"

// SweepExpired refunds pending reservations whose expiry passed. Each
// refund runs in its own transaction so one bad row cannot wedge the
// whole batch.
func (s *Service) SweepExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	var keys []string
	err := s.db.WithContext(ctx).
		Model(&domain.UsageEvent{}).
		Where("status = ? AND expires_at < ?", domain.UsageStatusPending, now.UTC()).
		Order("expires_at").
		Limit(limit).
		Pluck("idempotency_key", &keys).Error
	if err != nil {
		return 0, err
	}

	refunded := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		err := s.refundByKey(ctx, key, RefundReasonExpired)
		switch {
		case err == nil:
			refunded++
			s.metrics.IncRefund("expired")
		case errors.Is(err, domain.ErrAlreadyCompleted), errors.Is(err, domain.ErrReservationNotFound):
			// The caller finalized the event between query and refund.
		default:
			s.log.Warn("sweep refund failed",
				zap.String("idempotency_key", key),
				zap.Error(err),
			)
		}
	}

	if refunded > 0 {
		s.metrics.AddSweepRefunds(refunded)
		s.log.Info("expired reservations refunded", zap.Int("count", refunded))
	}
	return refunded, nil
}
