package service

import (
	"context"
	"errors"
	"strings"

	"github.com/fableloom/loom-credits/internal/credits/domain"
	"github.com/fableloom/loom-credits/pkg/db"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AddBonusCredits credits a balance outside the purchase flow
// (goodwill, promotions, signup grants).
func (s *Service) AddBonusCredits(ctx context.Context, req domain.GrantRequest) (*domain.GrantResponse, error) {
	resp, err := s.grant(ctx, req, domain.TransactionTypeBonus)
	if err == nil && !resp.Replayed {
		s.metrics.IncGrant("bonus")
	}
	return resp, err
}

// ConfirmPurchase credits purchased amounts after the payment provider
// confirms capture. The provider reference makes webhook replays safe.
func (s *Service) ConfirmPurchase(ctx context.Context, req domain.GrantRequest) (*domain.GrantResponse, error) {
	if strings.TrimSpace(req.Reference) == "" {
		return nil, domain.ErrInvalidReference
	}
	resp, err := s.grant(ctx, req, domain.TransactionTypePurchase)
	if err == nil && !resp.Replayed {
		s.metrics.IncGrant("purchase")
	}
	return resp, err
}

func (s *Service) grant(ctx context.Context, req domain.GrantRequest, grantType domain.TransactionType) (*domain.GrantResponse, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	reference := strings.TrimSpace(req.Reference)

	var resp domain.GrantResponse
	err := s.withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			acct, err := s.lockAccount(tx, userID, false)
			if err != nil {
				return err
			}

			now := s.clock.Now().UTC()
			row := &domain.CreditTransaction{
				ID:          s.genID.Generate(),
				UserID:      userID,
				Type:        grantType,
				Amount:      req.Amount,
				Description: req.Reason,
				CreatedAt:   now,
			}
			if reference != "" {
				row.Reference = &reference
			}
			if req.Metadata != nil {
				row.Metadata = datatypes.JSONMap(req.Metadata)
			}

			// The unique reference index turns a webhook replay into a
			// duplicate-key error before any balance change lands.
			if err := s.appendTransaction(tx, row); err != nil {
				if reference != "" && db.IsDuplicateKeyErr(err) {
					return errReplayed
				}
				return err
			}

			if err := s.credit(tx, userID, req.Amount, now); err != nil {
				return err
			}

			resp = domain.GrantResponse{
				TransactionID: row.ID.String(),
				Balance:       acct.CreditBalance + req.Amount,
			}
			return nil
		})
	})

	if errors.Is(err, errReplayed) {
		original, findErr := s.findTransactionByReference(ctx, reference)
		if findErr != nil {
			return nil, findErr
		}
		if original == nil {
			return nil, err
		}
		balance, balErr := s.GetBalance(ctx, userID)
		if balErr != nil {
			return nil, balErr
		}
		return &domain.GrantResponse{
			TransactionID: original.ID.String(),
			Balance:       balance.Total,
			Replayed:      true,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	s.log.Info("credits granted",
		zap.String("user_id", userID),
		zap.String("type", string(grantType)),
		zap.Int64("amount", req.Amount),
	)
	return &resp, nil
}

func (s *Service) findTransactionByReference(ctx context.Context, reference string) (*domain.CreditTransaction, error) {
	var row domain.CreditTransaction
	err := s.db.WithContext(ctx).
		Where("reference = ?", reference).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}
