// Package reconciler settles abandoned top-ups by polling the gateway in the background.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/storycoins/pkg/coins"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

const (
	DefaultInterval       = time.Minute
	DefaultGrace          = 2 * time.Minute
	DefaultTTL            = 24 * time.Hour
	DefaultInitialBackoff = 2 * time.Second
	DefaultBackoffFactor  = 2.0
	DefaultMaxAttempts    = 3
	DefaultPoolSize       = 8
	DefaultBatchSize      = 100
)

var errNilService = errors.New("reconciler: nil service")

// IntentService is the part of coins.Service the reconciler drives.
type IntentService interface {
	PendingIntents(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]coins.PaymentIntent, error)
	RefreshIntent(ctx context.Context, orderRef coins.OrderRef) (coins.PaymentIntent, error)
	ExpireStaleIntents(ctx context.Context, createdBeforeUnixUTC int64, limit int) (int, error)
}

// Config bounds the polling schedule.
type Config struct {
	Interval       time.Duration
	Grace          time.Duration
	TTL            time.Duration
	InitialBackoff time.Duration
	BackoffFactor  float64
	MaxAttempts    int
	PoolSize       int
	BatchSize      int
}

func (cfg Config) withDefaults() Config {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = DefaultBackoffFactor
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return cfg
}

// Summary reports one reconciliation pass.
type Summary struct {
	Polled       int
	Settled      int
	Failed       int
	StillPending int
	Errors       int
	Expired      int
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(reconciler *Reconciler) {
		if now != nil {
			reconciler.now = now
		}
	}
}

// WithSleeper overrides how backoff delays are waited out.
func WithSleeper(sleep func(ctx context.Context, delay time.Duration) error) Option {
	return func(reconciler *Reconciler) {
		if sleep != nil {
			reconciler.sleep = sleep
		}
	}
}

// Reconciler polls pending intents on a ticker and expires those past the TTL.
type Reconciler struct {
	service IntentService
	cfg     Config
	pool    *ants.Pool
	logger  *zap.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, delay time.Duration) error
}

// New builds a Reconciler with its own worker pool. Call Close to release it.
func New(service IntentService, cfg Config, logger *zap.Logger, options ...Option) (*Reconciler, error) {
	if service == nil {
		return nil, errNilService
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	pool, err := ants.NewPool(cfg.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("reconciler pool: %w", err)
	}
	reconciler := &Reconciler{
		service: service,
		cfg:     cfg,
		pool:    pool,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		sleep:   sleepContext,
	}
	for _, option := range options {
		option(reconciler)
	}
	return reconciler, nil
}

// Run reconciles on every tick until ctx is cancelled.
func (reconciler *Reconciler) Run(ctx context.Context) {
	reconciler.logger.Info("reconciler starting",
		zap.Duration("interval", reconciler.cfg.Interval),
		zap.Duration("grace", reconciler.cfg.Grace),
		zap.Duration("ttl", reconciler.cfg.TTL),
		zap.Int("max_attempts", reconciler.cfg.MaxAttempts),
		zap.Int("pool_size", reconciler.cfg.PoolSize),
	)
	ticker := time.NewTicker(reconciler.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			reconciler.logger.Info("reconciler stopping")
			return
		case <-ticker.C:
			summary, err := reconciler.RunOnce(ctx)
			if err != nil {
				reconciler.logger.Error("reconciliation pass failed", zap.Error(err))
				continue
			}
			if summary.Polled > 0 || summary.Expired > 0 {
				reconciler.logger.Info("reconciliation pass",
					zap.Int("polled", summary.Polled),
					zap.Int("settled", summary.Settled),
					zap.Int("failed", summary.Failed),
					zap.Int("still_pending", summary.StillPending),
					zap.Int("errors", summary.Errors),
					zap.Int("expired", summary.Expired),
				)
			}
		}
	}
}

// RunOnce polls every pending intent older than the grace period, then expires those older than the TTL.
// Intents past the TTL are polled one last time before they expire.
func (reconciler *Reconciler) RunOnce(ctx context.Context) (Summary, error) {
	now := reconciler.now()
	intents, err := reconciler.service.PendingIntents(ctx, now.Add(-reconciler.cfg.Grace).Unix(), reconciler.cfg.BatchSize)
	if err != nil {
		return Summary{}, fmt.Errorf("list pending intents: %w", err)
	}

	var (
		summary Summary
		mutex   sync.Mutex
		group   sync.WaitGroup
	)
	record := func(status coins.IntentStatus, err error) {
		mutex.Lock()
		defer mutex.Unlock()
		summary.Polled++
		switch {
		case err != nil:
			summary.Errors++
		case status == coins.IntentStatusSettled:
			summary.Settled++
		case status == coins.IntentStatusFailed || status == coins.IntentStatusExpired:
			summary.Failed++
		default:
			summary.StillPending++
		}
	}

	for _, intent := range intents {
		orderRef := intent.OrderRef
		group.Add(1)
		submitErr := reconciler.pool.Submit(func() {
			defer group.Done()
			status, err := reconciler.refreshWithBackoff(ctx, orderRef)
			record(status, err)
		})
		if submitErr != nil {
			group.Done()
			reconciler.logger.Error("submit refresh", zap.String("order_ref", orderRef.String()), zap.Error(submitErr))
			record(coins.IntentStatusPending, submitErr)
		}
	}
	group.Wait()

	expired, err := reconciler.service.ExpireStaleIntents(ctx, now.Add(-reconciler.cfg.TTL).Unix(), reconciler.cfg.BatchSize)
	summary.Expired = expired
	if err != nil {
		return summary, fmt.Errorf("expire stale intents: %w", err)
	}
	return summary, nil
}

// refreshWithBackoff polls until the intent leaves pending, a non-retryable error occurs, or attempts run out.
func (reconciler *Reconciler) refreshWithBackoff(ctx context.Context, orderRef coins.OrderRef) (coins.IntentStatus, error) {
	delay := reconciler.cfg.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= reconciler.cfg.MaxAttempts; attempt++ {
		intent, err := reconciler.service.RefreshIntent(ctx, orderRef)
		switch {
		case err == nil && intent.Status.Terminal():
			return intent.Status, nil
		case err == nil:
			lastErr = nil
		case errors.Is(err, coins.ErrGatewayUnavailable):
			lastErr = err
		default:
			reconciler.logger.Warn("refresh intent",
				zap.String("order_ref", orderRef.String()),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return coins.IntentStatusPending, err
		}
		if attempt == reconciler.cfg.MaxAttempts {
			break
		}
		if err := reconciler.sleep(ctx, delay); err != nil {
			return coins.IntentStatusPending, err
		}
		delay = time.Duration(float64(delay) * reconciler.cfg.BackoffFactor)
	}
	if lastErr != nil {
		reconciler.logger.Warn("gateway unavailable after retries",
			zap.String("order_ref", orderRef.String()),
			zap.Int("attempts", reconciler.cfg.MaxAttempts),
			zap.Error(lastErr),
		)
	}
	return coins.IntentStatusPending, lastErr
}

// Close releases the worker pool.
func (reconciler *Reconciler) Close() {
	reconciler.pool.Release()
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
