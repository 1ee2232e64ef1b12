package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fableloom/loom-credits/internal/clock"
	"github.com/fableloom/loom-credits/internal/config"
	"github.com/fableloom/loom-credits/internal/credits/domain"
	"github.com/fableloom/loom-credits/internal/credits/idempotency"
	obsmetrics "github.com/fableloom/loom-credits/internal/observability/metrics"
	"github.com/fableloom/loom-credits/internal/pricing"
	"github.com/fableloom/loom-credits/internal/usercontext"
	"github.com/fableloom/loom-credits/pkg/db"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const txRetryAttempts = 3

// errReplayed aborts a reservation transaction when another writer won
// the race on the same idempotency key. The caller re-reads the winner.
var errReplayed = errors.New("reservation_replayed")

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	GenID   *snowflake.Node
	Calc    *pricing.Calculator
	Metrics *obsmetrics.Metrics `optional:"true"`
	Cfg     config.Config
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	genID   *snowflake.Node
	calc    *pricing.Calculator
	metrics *obsmetrics.Metrics

	reservationTTL time.Duration
}

func NewService(p Params) domain.Service {
	ttl := p.Cfg.ReservationTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("credits.service"),
		clock:   p.Clock,
		genID:   p.GenID,
		calc:    p.Calc,
		metrics: p.Metrics,

		reservationTTL: ttl,
	}
}

func (s *Service) Reserve(ctx context.Context, req domain.ReserveRequest) (*domain.ReserveResponse, error) {
	ident, ok := usercontext.IdentityFromContext(ctx)
	if !ok {
		return nil, domain.ErrAuthRequired
	}

	cost, err := s.calc.Cost(req.Kind, req.Params)
	if err != nil {
		return nil, err
	}

	token := strings.TrimSpace(req.RequestToken)
	if token == "" {
		// No caller token means the attempt is not replayable; a random
		// token still guarantees at most one debit for this call.
		token = uuid.NewString()
	}
	key := idempotency.Key(ident.UserID, req.Kind, token)

	// Replay check before any mutation: the original outcome is
	// returned as-is regardless of its current status.
	existing, err := s.findEvent(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.metrics.IncReservation(string(req.Kind), "replayed")
		return replayResponse(existing), nil
	}

	err = s.withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			acct, err := s.lockAccount(tx, ident.UserID, ident.Privileged)
			if err != nil {
				return err
			}

			now := s.clock.Now().UTC()
			if !acct.Privileged {
				if err := s.debit(tx, acct.UserID, cost, now); err != nil {
					return err
				}
			}

			event := &domain.UsageEvent{
				IdempotencyKey:  key,
				UserID:          ident.UserID,
				OperationKind:   string(req.Kind),
				CreditsReserved: cost,
				Status:          domain.UsageStatusPending,
				CreatedAt:       now,
				ExpiresAt:       now.Add(s.reservationTTL),
			}
			if req.Metadata != nil {
				event.Metadata = datatypes.JSONMap(req.Metadata)
			}
			if err := tx.Create(event).Error; err != nil {
				if db.IsDuplicateKeyErr(err) {
					return errReplayed
				}
				return err
			}

			if !acct.Privileged {
				return s.appendTransaction(tx, &domain.CreditTransaction{
					ID:          s.genID.Generate(),
					UserID:      ident.UserID,
					Type:        domain.TransactionTypeUsage,
					Amount:      -cost,
					Description: "reserved for " + string(req.Kind),
					Metadata:    datatypes.JSONMap{"idempotency_key": key},
					CreatedAt:   now,
				})
			}
			return nil
		})
	})

	switch {
	case err == nil:
		s.metrics.IncReservation(string(req.Kind), "reserved")
		s.log.Info("credits reserved",
			zap.String("user_id", ident.UserID),
			zap.String("kind", string(req.Kind)),
			zap.Int64("credits", cost),
		)
		return &domain.ReserveResponse{
			IdempotencyKey:  key,
			CreditsReserved: cost,
			Status:          domain.UsageStatusPending,
		}, nil
	case errors.Is(err, errReplayed):
		winner, findErr := s.findEvent(ctx, key)
		if findErr != nil {
			return nil, findErr
		}
		if winner == nil {
			return nil, err
		}
		s.metrics.IncReservation(string(req.Kind), "replayed")
		return replayResponse(winner), nil
	case errors.Is(err, domain.ErrInsufficientCredits):
		s.metrics.IncReservation(string(req.Kind), "insufficient")
		return nil, err
	default:
		s.metrics.IncReservation(string(req.Kind), "error")
		return nil, err
	}
}

func (s *Service) Complete(ctx context.Context, req domain.CompleteRequest) error {
	if req.Status != domain.UsageStatusCompleted && req.Status != domain.UsageStatusFailed {
		return domain.ErrInvalidStatus
	}

	return s.withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			event, err := s.lockEvent(tx, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if event == nil {
				return domain.ErrReservationNotFound
			}
			if event.Status.Terminal() {
				// Repeat-safe: the first terminal transition wins.
				return nil
			}

			now := s.clock.Now().UTC()
			updates := map[string]any{
				"status":       req.Status,
				"completed_at": now,
			}
			if req.Status == domain.UsageStatusFailed && req.ErrorDetail != "" {
				updates["failure_detail"] = req.ErrorDetail
			}
			return tx.Model(&domain.UsageEvent{}).
				Where("idempotency_key = ?", event.IdempotencyKey).
				Updates(updates).Error
		})
	})
}

func (s *Service) Refund(ctx context.Context, req domain.RefundRequest) error {
	err := s.refundByKey(ctx, req.IdempotencyKey, req.Reason)
	if err == nil {
		s.metrics.IncRefund("requested")
	}
	return err
}

func (s *Service) refundByKey(ctx context.Context, key, reason string) error {
	return s.withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			event, err := s.lockEvent(tx, key)
			if err != nil {
				return err
			}
			if event == nil {
				return domain.ErrReservationNotFound
			}
			if event.Status == domain.UsageStatusCompleted {
				// Completed work is never refunded.
				return domain.ErrAlreadyCompleted
			}
			if event.Refunded {
				// Repeat-safe: the credits came back exactly once.
				return nil
			}

			acct, err := s.lockAccount(tx, event.UserID, false)
			if err != nil {
				return err
			}

			now := s.clock.Now().UTC()
			if !acct.Privileged {
				// Exact reversal of the original debit; never re-derived
				// from the current rate table.
				if err := s.credit(tx, acct.UserID, event.CreditsReserved, now); err != nil {
					return err
				}
				if err := s.appendTransaction(tx, &domain.CreditTransaction{
					ID:          s.genID.Generate(),
					UserID:      event.UserID,
					Type:        domain.TransactionTypeRefund,
					Amount:      event.CreditsReserved,
					Description: reason,
					Metadata:    datatypes.JSONMap{"idempotency_key": event.IdempotencyKey},
					CreatedAt:   now,
				}); err != nil {
					return err
				}
			}

			updates := map[string]any{
				"status":        domain.UsageStatusFailed,
				"refunded":      true,
				"refund_reason": reason,
			}
			if event.CompletedAt == nil {
				updates["completed_at"] = now
			}
			return tx.Model(&domain.UsageEvent{}).
				Where("idempotency_key = ?", event.IdempotencyKey).
				Updates(updates).Error
		})
	})
}

// lockAccount loads a user account under a row lock, creating it on
// first contact. The stored privileged flag follows the identity
// provider so refunds and sweeps act on the same flag reserve used.
func (s *Service) lockAccount(tx *gorm.DB, userID string, privileged bool) (*domain.UserAccount, error) {
	var acct domain.UserAccount
	err := s.applyLock(tx).Where("user_id = ?", userID).First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		now := s.clock.Now().UTC()
		acct = domain.UserAccount{
			UserID:     userID,
			Privileged: privileged,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if createErr := tx.Create(&acct).Error; createErr != nil {
			return nil, createErr
		}
		return &acct, nil
	}
	if err != nil {
		return nil, err
	}
	if privileged && !acct.Privileged {
		if err := tx.Model(&domain.UserAccount{}).
			Where("user_id = ?", userID).
			Update("privileged", true).Error; err != nil {
			return nil, err
		}
		acct.Privileged = true
	}
	return &acct, nil
}

func (s *Service) lockEvent(tx *gorm.DB, key string) (*domain.UsageEvent, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	var event domain.UsageEvent
	err := s.applyLock(tx).Where("idempotency_key = ?", key).First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// debit atomically subtracts cost while enforcing non-negativity: the
// guarded UPDATE matches zero rows when the balance is short, which is
// race-safe even without the row lock.
func (s *Service) debit(tx *gorm.DB, userID string, cost int64, now time.Time) error {
	result := tx.Model(&domain.UserAccount{}).
		Where("user_id = ? AND credit_balance >= ?", userID, cost).
		Updates(map[string]any{
			"credit_balance": gorm.Expr("credit_balance - ?", cost),
			"updated_at":     now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrInsufficientCredits
	}
	return nil
}

func (s *Service) credit(tx *gorm.DB, userID string, amount int64, now time.Time) error {
	return tx.Model(&domain.UserAccount{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"credit_balance": gorm.Expr("credit_balance + ?", amount),
			"updated_at":     now,
		}).Error
}

func (s *Service) appendTransaction(tx *gorm.DB, row *domain.CreditTransaction) error {
	return tx.Create(row).Error
}

func (s *Service) findEvent(ctx context.Context, key string) (*domain.UsageEvent, error) {
	var event domain.UsageEvent
	err := s.db.WithContext(ctx).
		Where("idempotency_key = ?", key).
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// applyLock adds SELECT ... FOR UPDATE where the dialect supports it.
// SQLite serializes writers on its own.
func (s *Service) applyLock(tx *gorm.DB) *gorm.DB {
	if strings.EqualFold(s.db.Dialector.Name(), "sqlite") {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// withRetry replays the whole transaction on transient conflicts so
// serialization failures never surface to callers.
func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < txRetryAttempts; attempt++ {
		err = fn()
		if err == nil || !db.IsRetryableErr(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return err
}

func replayResponse(event *domain.UsageEvent) *domain.ReserveResponse {
	return &domain.ReserveResponse{
		IdempotencyKey:  event.IdempotencyKey,
		CreditsReserved: event.CreditsReserved,
		Status:          event.Status,
		Replayed:        true,
	}
}
