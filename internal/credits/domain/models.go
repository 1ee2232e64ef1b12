// Package domain contains persistence models and contracts for the
// credit reservation engine.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// UsageStatus tracks a reservation through its lifecycle. A usage event
// moves pending -> completed or pending -> failed exactly once.
type UsageStatus string

const (
	UsageStatusPending   UsageStatus = "pending"
	UsageStatusCompleted UsageStatus = "completed"
	UsageStatusFailed    UsageStatus = "failed"
)

// Terminal reports whether the status admits no further transition.
func (s UsageStatus) Terminal() bool {
	return s == UsageStatusCompleted || s == UsageStatusFailed
}

// TransactionType classifies audit rows by the path that mutated the balance.
type TransactionType string

const (
	TransactionTypePurchase TransactionType = "purchase"
	TransactionTypeUsage    TransactionType = "usage"
	TransactionTypeRefund   TransactionType = "refund"
	TransactionTypeBonus    TransactionType = "bonus"
)

// UserAccount holds the prepaid balance for one user. The balance is
// mutated only inside reservation, refund and grant transactions.
// Privileged accounts skip balance checks and mutation entirely.
type UserAccount struct {
	UserID        string    `gorm:"primaryKey;type:text"`
	CreditBalance int64     `gorm:"not null;default:0"`
	Privileged    bool      `gorm:"not null;default:false"`
	CreatedAt     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UserAccount) TableName() string { return "user_accounts" }

// UsageEvent is the durable record of one reservation attempt. It is
// created atomically with the balance debit and never deleted by the
// engine.
type UsageEvent struct {
	IdempotencyKey  string            `gorm:"primaryKey;type:text"`
	UserID          string            `gorm:"type:text;not null;index:idx_usage_events_user_status,priority:1"`
	OperationKind   string            `gorm:"type:text;not null"`
	CreditsReserved int64             `gorm:"not null"`
	Status          UsageStatus       `gorm:"type:text;not null;index:idx_usage_events_user_status,priority:2;index:idx_usage_events_status_expiry,priority:1"`
	Refunded        bool              `gorm:"not null;default:false"`
	RefundReason    string            `gorm:"type:text"`
	FailureDetail   string            `gorm:"type:text"`
	Metadata        datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	CompletedAt     *time.Time
	ExpiresAt       time.Time `gorm:"not null;index:idx_usage_events_status_expiry,priority:2"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

// CreditTransaction is an append-only audit row written alongside every
// balance mutation. Amount is signed: positive credits, negative debits.
// Reference dedupes external events such as payment provider session ids.
type CreditTransaction struct {
	ID          snowflake.ID      `gorm:"primaryKey"`
	UserID      string            `gorm:"type:text;not null;index"`
	Type        TransactionType   `gorm:"type:text;not null"`
	Amount      int64             `gorm:"not null"`
	Description string            `gorm:"type:text"`
	Reference   *string           `gorm:"type:text;uniqueIndex:ux_credit_transactions_reference"`
	Metadata    datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditTransaction) TableName() string { return "credit_transactions" }
