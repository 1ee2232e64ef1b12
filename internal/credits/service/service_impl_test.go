package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fableloom/loom-credits/internal/clock"
	"github.com/fableloom/loom-credits/internal/config"
	"github.com/fableloom/loom-credits/internal/credits/domain"
	"github.com/fableloom/loom-credits/internal/pricing"
	"github.com/fableloom/loom-credits/internal/usercontext"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc   domain.Service
	db    *gorm.DB
	clock *clock.FakeClock
}

func setupService(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	// SQLite allows a single writer; serialize at the pool level so
	// concurrent transactions queue instead of erroring.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&domain.UserAccount{},
		&domain.UsageEvent{},
		&domain.CreditTransaction{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: fake,
		GenID: node,
		Calc:  pricing.NewCalculator(config.NewStaticPricingHolder(config.DefaultPricingConfig())),
		Cfg:   config.Config{ReservationTTL: 30 * time.Minute},
	})

	return &fixture{svc: svc, db: db, clock: fake}
}

func (f *fixture) seedAccount(t *testing.T, userID string, balance int64, privileged bool) {
	t.Helper()
	require.NoError(t, f.db.Create(&domain.UserAccount{
		UserID:        userID,
		CreditBalance: balance,
		Privileged:    privileged,
		CreatedAt:     f.clock.Now(),
		UpdatedAt:     f.clock.Now(),
	}).Error)
}

func (f *fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	var acct domain.UserAccount
	require.NoError(t, f.db.Where("user_id = ?", userID).First(&acct).Error)
	return acct.CreditBalance
}

func (f *fixture) event(t *testing.T, key string) domain.UsageEvent {
	t.Helper()
	var event domain.UsageEvent
	require.NoError(t, f.db.Where("idempotency_key = ?", key).First(&event).Error)
	return event
}

func identityCtx(userID string, privileged bool) context.Context {
	return usercontext.WithIdentity(context.Background(), usercontext.Identity{
		UserID:     userID,
		Privileged: privileged,
	})
}

func TestReserveDebitsAndRecordsPending(t *testing.T) {
	f := setupService(t)
	f.seedAccount(t, "u1", 10, false)
	ctx := identityCtx("u1", false)

	// 2 images at 3 credits each.
	resp, err := f.svc.Reserve(ctx, domain.ReserveRequest{
		Kind:         pricing.OperationImage,
		Params:       pricing.Params{ImageCount: 2},
		RequestToken: "req-1",
		Metadata:     map[string]any{"project_id": "p1"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(6), resp.CreditsReserved)
	assert.Equal(t, domain.UsageStatusPending, resp.Status)
	assert.False(t, resp.Replayed)
	assert.Equal(t, int64(4), f.balance(t, "u1"))

	event := f.event(t, resp.IdempotencyKey)
	assert.Equal(t, domain.UsageStatusPending, event.Status)
	assert.Equal(t, int64(6), event.CreditsReserved)
	assert.Equal(t, "u1", event.UserID)

	// Caller reports success; balance is untouched, record finalized.
	require.NoError(t, f.svc.Complete(ctx, domain.CompleteRequest{
		IdempotencyKey: resp.IdempotencyKey,
		Status:         domain.UsageStatusCompleted,
	}))
	event = f.event(t, resp.IdempotencyKey)
	assert.Equal(t, domain.UsageStatusCompleted, event.Status)
	require.NotNil(t, event.CompletedAt)
	assert.Equal(t, int64(4), f.balance(t, "u1"))
}

func TestReserveIdempotentReplay(t *testing.T) {
	f := setupService(t)
	f.seedAccount(t, "u1", 20, false)
	ctx := identityCtx("u1", false)

	req := domain.ReserveRequest{
		Kind:         pricing.OperationMusic,
		RequestToken: "attempt-42",
	}

	first, err := f.svc.Reserve(ctx, req)
	require.NoError(t, err)

	second, err := f.svc.Reserve(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.IdempotencyKey, second.IdempotencyKey)
	assert.Equal(t, first.CreditsReserved, second.CreditsReserved)
	assert.True(t, second.Replayed)

	// Debited exactly once.
	assert.Equal(t, int64(20-8), f.balance(t, "u1"))

	var count int64
	require.NoError(t, f.db.Model(&domain.UsageEvent{}).Where("user_id = ?", "u1").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestReserveReplayAfterTerminalState(t *testing.T) {
	f := setupService(t)
	f.seedAccount(t, "u1", 20, false)
	ctx := identityCtx("u1", false)

	req := domain.ReserveRequest{Kind: pricing.OperationPolish, RequestToken: "tok"}
	first, err := f.svc.Reserve(ctx, req)
	require.NoError(t, err)

	require.NoError(t, f.svc.Complete(ctx, domain.CompleteRequest{
		IdempotencyKey: first.IdempotencyKey,
		Status:         domain.UsageStatusCompleted,
	}))

	// Replays return the original outcome regardless of current status.
	replay, err := f.svc.Reserve(ctx, req)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, domain.UsageStatusCompleted, replay.Status)
	assert.Equal(t, int64(18), f.balance(t, "u1"))
}

func TestReserveInsufficientCredits(t *testing.T) {
	f := setupService(t)
	f.seedAccount(t, "u1", 5, false)
	ctx := identityCtx("u1", false)

	_, err := f.svc.Reserve(ctx, domain.ReserveRequest{
		Kind:         pricing.OperationImage,
		Params:       pricing.Params{ImageCount: 2},
		RequestToken: "req-1",
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)

	// No event written, balance untouched.
	assert.Equal(t, int64(5), f.balance(t, "u1"))
	var count int64
	require.NoError(t, f.db.Model(&domain.UsageEvent{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestReserveRequiresIdentity(t *testing.T) {
	f := setupService(t)

	_, err := f.svc.Reserve(context.Background(), domain.ReserveRequest{
		Kind: pricing.OperationStory,
	})
	assert.ErrorIs(t, err, domain.ErrAuthRequired)
}

func TestReserveUnknownKind(t *testing.T) {
	f := setupService(t)
	f.seedAccount(t, "u1", 100, false)

	_, err := f.svc.Reserve(identityCtx("u1", false), domain.ReserveRequest{
		Kind: pricing.OperationKind("teleport"),
	})
	assert.ErrorIs(t, err, pricing.ErrInvalidOperation)
	assert.Equal(t, int64(100), f.balance(t, "u1"))
}

func TestRefundRoundTrip(t *testing.T) {
	f := setupService(t)
	f.seedAccount(t, "u1", 10, false)
	ctx := identityCtx("u1", false)

	resp, err := f.svc.Reserve(ctx, domain.ReserveRequest{
		Kind:         pricing.OperationVideo,
		RequestToken: "render-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), resp.CreditsReserved)
	assert.Equal(t, int64(5), f.balance(t, "u1"))

	require.NoError(t, f.svc.Refund(ctx, domain.RefundRequest{
		IdempotencyKey: resp.IdempotencyKey,
		Reason:         "render failed",
	}))

	// Exact reversal: balance back to where it started.
	assert.Equal(t, int64(10), f.balance(t, "u1"))
	event := f.event(t, resp.IdempotencyKey)
	assert.Equal(t, domain.UsageStatusFailed, event.Status)
	assert.True(t, event.Refunded)
	assert.Equal(t, "render failed", event.RefundReason)
}

func TestRefundRepeatSafe(t *testing.T) {
	f := setupService(t)
	f.seedAccount(t, "u1", 10, false)
	ctx := identityCtx("u1", false)

	resp, err := f.svc.Reserve(ctx, domain.ReserveRequest{
		Kind:         pricing.OperationVideo,
		RequestToken: "render-1",
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.Refund(ctx, domain.RefundRequest{IdempotencyKey: resp.IdempotencyKey, Reason: "boom"}))
	require.NoError(t, f.svc.Refund(ctx, domain.RefundRequest{IdempotencyKey: resp.IdempotencyKey, Reason: "boom again"}))

	// Credits came back exactly once.
	assert.Equal(t, int64(10), f.balance(t, "u1"))
}

func TestRefundCompletedRefused(t *testing.T) {
	f := setupService(t)
	f.seedAccount(t, "u1", 10, false)
	ctx := identityCtx("u1", false)

	resp, err := f.svc.Reserve(ctx, domain.ReserveRequest{
		Kind:         pricing.OperationPolish,
		RequestToken: "req",
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.Complete(ctx, domain.CompleteRequest{
		IdempotencyKey: resp.IdempotencyKey,
		Status:         domain.UsageStatusCompleted,
	}))

	err = f.svc.Refund(ctx, domain.RefundRequest{IdempotencyKey: resp.IdempotencyKey, Reason: "oops"})
	assert.ErrorIs(t, err, domain.ErrAlreadyCompleted)
	assert.Equal(t, int64(8), f.balance(t, "u1"))
}

func TestRefundAfterFailedComplete(t *testing.T) {
	f := setupService(t)
	f.seedAccount(t, "u1", 10, false)
	ctx := identityCtx("u1", false)

	resp, err := f.svc.Reserve(ctx, domain.ReserveRequest{
		Kind:         pricing.OperationMusic,
		RequestToken: "req",
	})
	require.NoError(t, err)

	// Caller marked the work failed without refunding yet.
	require.NoError(t, f.svc.Complete(ctx, domain.CompleteRequest{
		IdempotencyKey: resp.IdempotencyKey,
		Status:         domain.UsageStatusFailed,
		ErrorDetail:    "upstream timeout",
	}))
	assert.Equal(t, int64(2), f.balance(t, "u1"))

	require.NoError(t, f.svc.Refund(ctx, domain.RefundRequest{IdempotencyKey: resp.IdempotencyKey, Reason: "upstream timeout"}))
	assert.Equal(t, int64(10), f.balance(t, "u1"))
}

func TestCompleteUnknownKey(t *testing.T) {
	f := setupService(t)

	err := f.svc.Complete(context.Background(), domain.CompleteRequest{
		IdempotencyKey: "nope",
		Status:         domain.UsageStatusCompleted,
	})
	assert.ErrorIs(t, err, domain.ErrReservationNotFound)

	err = f.svc.Refund(context.Background(), domain.RefundRequest{IdempotencyKey: "nope", Reason: "x"})
	assert.ErrorIs(t, err, domain.ErrReservationNotFound)
}

func TestCompleteRepeatSafe(t *testing.T) {
	f := setupService(t)
	f.seedAccount(t, "u1", 10, false)
	ctx := identityCtx("u1", false)

	resp, err := f.svc.Reserve(ctx, domain.ReserveRequest{
		Kind:         pricing.OperationPolish,
		RequestToken: "req",
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.Complete(ctx, domain.CompleteRequest{
		IdempotencyKey: resp.IdempotencyKey,
		Status:         domain.UsageStatusCompleted,
	}))
	// Second completion, even with a different status, is a no-op.
	require.NoError(t, f.svc.Complete(ctx, domain.CompleteRequest{
		IdempotencyKey: resp.IdempotencyKey,
		Status:         domain.UsageStatusFailed,
	}))

	event := f.event(t, resp.IdempotencyKey)
	assert.Equal(t, domain.UsageStatusCompleted, event.Status)
}

func TestPrivilegedBypass(t *testing.T) {
	f := setupService(t)
	f.seedAccount(t, "admin", 3, true)
	ctx := identityCtx("admin", true)

	// Costs far above the stated balance still succeed.
	resp, err := f.svc.Reserve(ctx, domain.ReserveRequest{
		Kind:         pricing.OperationImage,
		Params:       pricing.Params{ImageCount: 100},
		RequestToken: "req",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(300), resp.CreditsReserved)
	assert.Equal(t, int64(3), f.balance(t, "admin"))

	require.NoError(t, f.svc.Refund(ctx, domain.RefundRequest{IdempotencyKey: resp.IdempotencyKey, Reason: "cancelled"}))
	assert.Equal(t, int64(3), f.balance(t, "admin"))

	// No audit rows: the balance never moved.
	var count int64
	require.NoError(t, f.db.Model(&domain.CreditTransaction{}).Where("user_id = ?", "admin").Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestBalanceInvariant(t *testing.T) {
	f := setupService(t)
	f.seedAccount(t, "u1", 50, false)
	ctx := identityCtx("u1", false)

	var keys []string
	for i := 0; i < 3; i++ {
		resp, err := f.svc.Reserve(ctx, domain.ReserveRequest{
			Kind:         pricing.OperationMusic,
			RequestToken: fmt.Sprintf("req-%d", i),
		})
		require.NoError(t, err)
		keys = append(keys, resp.IdempotencyKey)

		balance, err := f.svc.GetBalance(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, balance.Total-balance.Pending, balance.Available)
		assert.Equal(t, int64(8*(i+1)), balance.Pending)
	}

	// Finalizing drains pending without touching total.
	require.NoError(t, f.svc.Complete(ctx, domain.CompleteRequest{
		IdempotencyKey: keys[0],
		Status:         domain.UsageStatusCompleted,
	}))
	balance, err := f.svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(26), balance.Total)
	assert.Equal(t, int64(16), balance.Pending)
	assert.Equal(t, balance.Total-balance.Pending, balance.Available)
}

func TestBalanceUnknownUser(t *testing.T) {
	f := setupService(t)

	balance, err := f.svc.GetBalance(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Total)
	assert.Equal(t, int64(0), balance.Pending)

	_, err = f.svc.GetBalance(context.Background(), " ")
	assert.ErrorIs(t, err, domain.ErrInvalidUser)
}

func TestConcurrentContention(t *testing.T) {
	f := setupService(t)
	f.seedAccount(t, "u1", 5, false)

	// Two attempts costing 3 against a balance of 5: exactly one wins.
	results := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Reserve(identityCtx("u1", false), domain.ReserveRequest{
				Kind:         pricing.OperationImage,
				Params:       pricing.Params{ImageCount: 1},
				RequestToken: fmt.Sprintf("race-%d", i),
			})
			results[i] = err
		}(i)
	}
	wg.Wait()

	var successes, insufficient int
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, domain.ErrInsufficientCredits):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, insufficient)
	assert.Equal(t, int64(2), f.balance(t, "u1"))
}

func TestAuditTrailSymmetry(t *testing.T) {
	f := setupService(t)
	f.seedAccount(t, "u1", 10, false)
	ctx := identityCtx("u1", false)

	resp, err := f.svc.Reserve(ctx, domain.ReserveRequest{
		Kind:         pricing.OperationVideo,
		RequestToken: "req",
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.Refund(ctx, domain.RefundRequest{IdempotencyKey: resp.IdempotencyKey, Reason: "failed"}))

	var rows []domain.CreditTransaction
	require.NoError(t, f.db.Where("user_id = ?", "u1").Order("created_at").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, domain.TransactionTypeUsage, rows[0].Type)
	assert.Equal(t, -resp.CreditsReserved, rows[0].Amount)
	assert.Equal(t, domain.TransactionTypeRefund, rows[1].Type)
	assert.Equal(t, resp.CreditsReserved, rows[1].Amount)
	assert.Zero(t, rows[0].Amount+rows[1].Amount)
}
