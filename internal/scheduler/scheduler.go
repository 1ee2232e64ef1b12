// Package scheduler runs the periodic reconciliation sweep that refunds
// expired pending reservations.
package scheduler

import (
	"context"
	"time"

	"github.com/fableloom/loom-credits/internal/clock"
	"github.com/fableloom/loom-credits/internal/config"
	creditsdomain "github.com/fableloom/loom-credits/internal/credits/domain"
	"github.com/fableloom/loom-credits/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	sweepLockKey = "loom-credits:sweep"
	sweepLockTTL = 5 * time.Minute
	jobTimeout   = time.Minute
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	CreditsSvc creditsdomain.Service
	Locker     *ratelimit.Locker `optional:"true"`
	Cfg        config.Config
}

type Scheduler struct {
	log        *zap.Logger
	clock      clock.Clock
	creditsSvc creditsdomain.Service
	locker     *ratelimit.Locker

	interval  time.Duration
	batchSize int

	stop chan struct{}
	done chan struct{}
}

func New(p Params) *Scheduler {
	interval := p.Cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	batchSize := p.Cfg.SweepBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		clock:      p.Clock,
		creditsSvc: p.CreditsSvc,
		locker:     p.Locker,

		interval:  interval,
		batchSize: batchSize,

		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	go s.loop()
}

func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.runSweep(context.Background())
		}
	}
}

// runSweep executes one sweep pass, single-flight across replicas when
// a lock backend is configured.
func (s *Scheduler) runSweep(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, jobTimeout)
	defer cancel()

	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, sweepLockKey, sweepLockTTL)
		if err != nil {
			s.log.Warn("sweep lock unavailable", zap.Error(err))
			return
		}
		if !ok {
			return
		}
		defer func() {
			_ = s.locker.Release(ctx, sweepLockKey, token)
		}()
	}

	refunded, err := s.creditsSvc.SweepExpired(ctx, s.clock.Now(), s.batchSize)
	if err != nil {
		s.log.Error("sweep failed", zap.Error(err))
		return
	}
	if refunded > 0 {
		s.log.Info("sweep finished", zap.Int("refunded", refunded))
	}
}
