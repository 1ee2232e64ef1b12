package service

import (
	"context"
	"errors"
	"strings"

	"github.com/fableloom/loom-credits/internal/credits/domain"
	"gorm.io/gorm"
)

// GetBalance reads the user record and sums still-pending reservations.
// The read is lock-free: callers tolerate brief staleness against a
// concurrent reserve.
func (s *Service) GetBalance(ctx context.Context, userID string) (*domain.Balance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}

	var acct domain.UserAccount
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// No account yet: the user simply has nothing to spend.
		return &domain.Balance{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}

	var pending int64
	err = s.db.WithContext(ctx).
		Model(&domain.UsageEvent{}).
		Where("user_id = ? AND status = ?", userID, domain.UsageStatusPending).
		Select("COALESCE(SUM(credits_reserved), 0)").
		Scan(&pending).Error
	if err != nil {
		return nil, err
	}

	return &domain.Balance{
		UserID:      userID,
		Total:       acct.CreditBalance,
		Available:   acct.CreditBalance - pending,
		Pending:     pending,
		Privileged:  acct.Privileged,
		LastUpdated: acct.UpdatedAt,
	}, nil
}
