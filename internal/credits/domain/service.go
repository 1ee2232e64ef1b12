package domain

import (
	"context"
	"errors"
	"time"

	"github.com/fableloom/loom-credits/internal/pricing"
)

// ReserveRequest asks for credits to be debited ahead of a billable
// operation. RequestToken identifies the logical attempt; retries with
// the same token replay the original outcome instead of debiting again.
type ReserveRequest struct {
	Kind         pricing.OperationKind
	Params       pricing.Params
	RequestToken string
	Metadata     map[string]any
}

// ReserveResponse reports the reservation outcome. Replayed is set when
// the idempotency key matched an existing usage event.
type ReserveResponse struct {
	IdempotencyKey  string      `json:"idempotency_key"`
	CreditsReserved int64       `json:"credits_reserved"`
	Status          UsageStatus `json:"status"`
	Replayed        bool        `json:"replayed"`
}

// CompleteRequest finalizes a reservation. Status must be completed or
// failed; marking failed does not restore credits — that is Refund's job.
type CompleteRequest struct {
	IdempotencyKey string
	Status         UsageStatus
	ErrorDetail    string
}

type RefundRequest struct {
	IdempotencyKey string
	Reason         string
}

// Balance is the read-model served to dashboards and pre-flight checks.
type Balance struct {
	UserID      string    `json:"user_id"`
	Total       int64     `json:"total"`
	Available   int64     `json:"available"`
	Pending     int64     `json:"pending"`
	Privileged  bool      `json:"privileged"`
	LastUpdated time.Time `json:"last_updated"`
}

// GrantRequest credits a balance outside the reservation flow.
// Reference, when set, dedupes the grant (payment provider session id).
type GrantRequest struct {
	UserID    string
	Amount    int64
	Reason    string
	Reference string
	Metadata  map[string]any
}

type GrantResponse struct {
	TransactionID string `json:"transaction_id"`
	Balance       int64  `json:"balance"`
	Replayed      bool   `json:"replayed"`
}

// Service is the reservation coordinator. Every balance mutation in the
// system goes through one of these methods.
type Service interface {
	// Reserve debits credits and records a pending usage event in one
	// atomic transaction. Identity is taken from ctx.
	Reserve(ctx context.Context, req ReserveRequest) (*ReserveResponse, error)

	// Complete finalizes a pending event. Completing an already
	// terminal event is a no-op.
	Complete(ctx context.Context, req CompleteRequest) error

	// Refund restores the exact reserved amount and marks the event
	// failed+refunded. Completed events are never refunded.
	Refund(ctx context.Context, req RefundRequest) error

	// GetBalance computes total/available/pending for a user.
	GetBalance(ctx context.Context, userID string) (*Balance, error)

	// AddBonusCredits credits a balance with an audit row of type bonus.
	AddBonusCredits(ctx context.Context, req GrantRequest) (*GrantResponse, error)

	// ConfirmPurchase credits purchased amounts, idempotent on the
	// payment provider reference.
	ConfirmPurchase(ctx context.Context, req GrantRequest) (*GrantResponse, error)

	// SweepExpired refunds pending reservations whose expiry passed,
	// returning how many were reclaimed.
	SweepExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

var (
	ErrAuthRequired        = errors.New("auth_required")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrReservationNotFound = errors.New("reservation_not_found")
	ErrAlreadyCompleted    = errors.New("already_completed")
	ErrInvalidStatus       = errors.New("invalid_status")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidReference    = errors.New("invalid_reference")
)
