// Package worker claims due messages from the queue and drives each one
// through the delivery pipeline: suppression gates, throughput limits,
// provider send, and retry scheduling. Claims are fenced by a per-cycle
// token so a worker that loses its claim cannot overwrite a peer's
// transition.
package worker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cgk-platform/courier/internal/db"
	"github.com/cgk-platform/courier/internal/errs"
	"github.com/cgk-platform/courier/internal/metrics"
	"github.com/cgk-platform/courier/internal/quiethours"
	"github.com/cgk-platform/courier/internal/redis"
)

// throttleDelay is how far a message is pushed back when the tenant's
// per-second budget is exhausted.
const throttleDelay = time.Second

// MessageStore is the subset of the message repository the pool uses.
type MessageStore interface {
	Claim(ctx context.Context, token uuid.UUID, limit int) ([]*db.Message, error)
	MarkSent(ctx context.Context, id, token uuid.UUID, providerMessageID string) error
	MarkSkipped(ctx context.Context, id, token uuid.UUID, reason string) error
	MarkFailed(ctx context.Context, id, token uuid.UUID, errMsg string) error
	ScheduleRetry(ctx context.Context, id, token uuid.UUID, errMsg string, nextAt time.Time) error
	Defer(ctx context.Context, id, token uuid.UUID, until time.Time) error
	Release(ctx context.Context, id, token uuid.UUID, nextAt time.Time) error
	RequeueStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// OptOutStore answers suppression lookups.
type OptOutStore interface {
	IsOptedOut(ctx context.Context, tenantID uuid.UUID, recipient string) (bool, error)
}

// SettingsStore provides tenant delivery policy.
type SettingsStore interface {
	GetTenantSettings(ctx context.Context, tenantID uuid.UUID) (*db.TenantSettings, error)
	IsChannelEnabled(ctx context.Context, tenantID uuid.UUID, notificationType, channel string) (bool, error)
}

// RateLimiter enforces per-tenant throughput budgets.
type RateLimiter interface {
	AllowSend(ctx context.Context, tenantID string, perSecond int) (*redis.RateLimitResult, error)
	AllowDaily(ctx context.Context, tenantID string, localDate string, dailyLimit int) (bool, error)
}

// EventPublisher receives message lifecycle transitions. Optional.
type EventPublisher interface {
	PublishStatus(ctx context.Context, msg *db.Message, status string) error
}

// Config holds pool tuning knobs.
type Config struct {
	Workers       int
	PollInterval  time.Duration
	BatchSize     int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	StaleClaimAge time.Duration
}

// Pool runs N concurrent workers against the message queue.
type Pool struct {
	cfg       Config
	messages  MessageStore
	optOuts   OptOutStore
	settings  SettingsStore
	limiter   RateLimiter
	sender    Sender
	publisher EventPublisher
	logger    *zap.Logger

	wg sync.WaitGroup
}

// NewPool creates a worker pool. publisher may be nil.
func NewPool(cfg Config, messages MessageStore, optOuts OptOutStore, settings SettingsStore, limiter RateLimiter, sender Sender, publisher EventPublisher, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = time.Hour
	}
	if cfg.StaleClaimAge <= 0 {
		cfg.StaleClaimAge = 10 * time.Minute
	}

	return &Pool{
		cfg:       cfg,
		messages:  messages,
		optOuts:   optOuts,
		settings:  settings,
		limiter:   limiter,
		sender:    sender,
		publisher: publisher,
		logger:    logger,
	}
}

// Start launches the workers. They poll until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("starting worker pool",
		zap.Int("workers", p.cfg.Workers),
		zap.Duration("poll_interval", p.cfg.PollInterval),
	)

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(ctx, id)
		}(i)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.requeueLoop(ctx)
	}()
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) run(ctx context.Context, workerID int) {
	log := p.logger.With(zap.Int("worker", workerID))
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("worker exiting")
			return
		case <-ticker.C:
			p.cycle(ctx, log)
		}
	}
}

// requeueLoop periodically returns messages stranded in processing by a
// crashed worker to the queue. Live claims are safe from it: every gate
// and transition refreshes updated_at well inside the age threshold.
func (p *Pool) requeueLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.StaleClaimAge / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.requeueStale(ctx)
		}
	}
}

func (p *Pool) requeueStale(ctx context.Context) {
	cutoff := time.Now().Add(-p.cfg.StaleClaimAge)
	requeued, err := p.messages.RequeueStale(ctx, cutoff)
	if err != nil {
		p.logger.Error("failed to requeue stale claims", zap.Error(err))
		return
	}
	if requeued > 0 {
		p.logger.Warn("requeued messages from dead claims",
			zap.Int64("count", requeued),
		)
	}
}

// cycle claims one batch under a fresh fencing token and processes it.
func (p *Pool) cycle(ctx context.Context, log *zap.Logger) {
	token := uuid.New()

	claimed, err := p.messages.Claim(ctx, token, p.cfg.BatchSize)
	if err != nil {
		log.Error("failed to claim messages", zap.Error(err))
		return
	}
	if len(claimed) == 0 {
		return
	}

	log.Debug("claimed batch", zap.Int("count", len(claimed)))

	// Row order from the claim is not guaranteed.
	sort.Slice(claimed, func(i, j int) bool {
		if !claimed[i].ScheduledAt.Equal(claimed[j].ScheduledAt) {
			return claimed[i].ScheduledAt.Before(claimed[j].ScheduledAt)
		}
		return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
	})

	// The claim yields at most one message per (tenant, recipient). If
	// a batch ever carries a pair twice, only the earliest is sent this
	// cycle; the rest go back so per-recipient order holds.
	seen := make(map[string]bool, len(claimed))

	for _, msg := range claimed {
		if ctx.Err() != nil {
			// Shutdown mid-batch: put the rest back immediately.
			p.release(context.Background(), msg, token, time.Now())
			continue
		}

		pair := msg.TenantID.String() + "|" + msg.Recipient
		if seen[pair] {
			p.release(ctx, msg, token, time.Now())
			continue
		}
		seen[pair] = true

		p.process(ctx, token, msg, log)
	}
}

// process drives a single claimed message through the gates and, when
// they all pass, the provider send.
func (p *Pool) process(ctx context.Context, token uuid.UUID, msg *db.Message, log *zap.Logger) {
	log = log.With(
		zap.String("message_id", msg.ID.String()),
		zap.String("tenant_id", msg.TenantID.String()),
		zap.String("channel", msg.Channel),
	)

	settings, err := p.settings.GetTenantSettings(ctx, msg.TenantID)
	if err != nil {
		log.Error("failed to load tenant settings", zap.Error(err))
		p.release(ctx, msg, token, time.Now().Add(p.cfg.PollInterval))
		return
	}

	// Suppression gates consume no attempt and are terminal.
	optedOut, err := p.optOuts.IsOptedOut(ctx, msg.TenantID, msg.Recipient)
	if err != nil {
		log.Error("opt-out lookup failed", zap.Error(err))
		p.release(ctx, msg, token, time.Now().Add(p.cfg.PollInterval))
		return
	}
	if optedOut {
		p.skip(ctx, msg, token, db.SkipReasonOptedOut, log)
		return
	}

	enabled, err := p.settings.IsChannelEnabled(ctx, msg.TenantID, msg.NotificationType, msg.Channel)
	if err != nil {
		log.Error("channel settings lookup failed", zap.Error(err))
		p.release(ctx, msg, token, time.Now().Add(p.cfg.PollInterval))
		return
	}
	if !enabled {
		p.skip(ctx, msg, token, db.SkipReasonChannelDisabled, log)
		return
	}

	// Timing gates push the message back on the queue instead.
	now := time.Now()

	if !msg.Transactional && settings.QuietHoursEnabled {
		window := quiethours.Window{
			Enabled:  true,
			Start:    settings.QuietHoursStart,
			End:      settings.QuietHoursEnd,
			Timezone: settings.Timezone,
		}
		inWindow, werr := window.Contains(now)
		if werr != nil {
			log.Warn("quiet hours window unusable, sending anyway", zap.Error(werr))
		} else if inWindow {
			until, werr := window.WindowEnd(now)
			if werr != nil {
				log.Warn("quiet hours window unusable, sending anyway", zap.Error(werr))
			} else {
				p.deferTo(ctx, msg, token, until, "quiet_hours", log)
				return
			}
		}
	}

	localDate, err := quiethours.LocalDate(now, settings.Timezone)
	if err != nil {
		localDate = now.UTC().Format("2006-01-02")
	}
	dailyOK, err := p.limiter.AllowDaily(ctx, msg.TenantID.String(), localDate, settings.DailyLimit)
	if err != nil {
		log.Error("daily limit check failed", zap.Error(err))
		p.release(ctx, msg, token, now.Add(p.cfg.PollInterval))
		return
	}
	if !dailyOK {
		midnight, merr := quiethours.NextLocalMidnight(now, settings.Timezone)
		if merr != nil {
			midnight = now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
		}
		p.deferTo(ctx, msg, token, midnight, "daily_limit", log)
		return
	}

	result, err := p.limiter.AllowSend(ctx, msg.TenantID.String(), settings.MessagesPerSecond)
	if err != nil {
		log.Error("rate limit check failed", zap.Error(err))
		p.release(ctx, msg, token, now.Add(p.cfg.PollInterval))
		return
	}
	if !result.Allowed {
		log.Debug("tenant throttled", zap.Time("reset_at", result.ResetAt))
		metrics.RecordMessageDeferred("throttled")
		p.release(ctx, msg, token, now.Add(throttleDelay))
		return
	}

	p.send(ctx, token, msg, log)
}

// send invokes the provider and records the outcome.
func (p *Pool) send(ctx context.Context, token uuid.UUID, msg *db.Message, log *zap.Logger) {
	start := time.Now()
	providerID, err := p.sender.Send(ctx, msg)
	metrics.RecordSendDuration(msg.Channel, time.Since(start))

	if err == nil {
		if terr := p.messages.MarkSent(ctx, msg.ID, token, providerID); terr != nil {
			p.logTransition(log, "mark sent", terr)
			return
		}
		log.Info("message sent", zap.String("provider_message_id", providerID))
		metrics.RecordMessageProcessed(db.StatusSent, msg.Channel)
		p.publish(ctx, msg, db.StatusSent, log)
		return
	}

	if errs.IsPermanent(err) {
		if terr := p.messages.MarkFailed(ctx, msg.ID, token, err.Error()); terr != nil {
			p.logTransition(log, "mark failed", terr)
			return
		}
		log.Warn("message failed permanently", zap.Error(err))
		metrics.RecordMessageProcessed(db.StatusFailed, msg.Channel)
		p.publish(ctx, msg, db.StatusFailed, log)
		return
	}

	// Transient failure: this attempt counts.
	attempts := msg.Attempts + 1
	if attempts >= msg.MaxAttempts {
		if terr := p.messages.MarkFailed(ctx, msg.ID, token, err.Error()); terr != nil {
			p.logTransition(log, "mark failed", terr)
			return
		}
		log.Warn("message failed after max attempts",
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		metrics.RecordMessageProcessed(db.StatusFailed, msg.Channel)
		p.publish(ctx, msg, db.StatusFailed, log)
		return
	}

	nextAt := time.Now().Add(p.backoff(msg.Attempts))
	if terr := p.messages.ScheduleRetry(ctx, msg.ID, token, err.Error(), nextAt); terr != nil {
		p.logTransition(log, "schedule retry", terr)
		return
	}
	log.Info("retry scheduled",
		zap.Int("attempt", attempts),
		zap.Time("next_at", nextAt),
		zap.Error(err),
	)
}

// backoff returns the delay before the next attempt: base doubled per
// prior attempt, capped.
func (p *Pool) backoff(priorAttempts int) time.Duration {
	d := p.cfg.BackoffBase
	for i := 0; i < priorAttempts; i++ {
		d *= 2
		if d >= p.cfg.BackoffCap {
			return p.cfg.BackoffCap
		}
	}
	if d > p.cfg.BackoffCap {
		return p.cfg.BackoffCap
	}
	return d
}

func (p *Pool) skip(ctx context.Context, msg *db.Message, token uuid.UUID, reason string, log *zap.Logger) {
	if err := p.messages.MarkSkipped(ctx, msg.ID, token, reason); err != nil {
		p.logTransition(log, "mark skipped", err)
		return
	}
	log.Info("message skipped", zap.String("reason", reason))
	metrics.RecordMessageSkipped(reason)
	p.publish(ctx, msg, db.StatusSkipped, log)
}

func (p *Pool) deferTo(ctx context.Context, msg *db.Message, token uuid.UUID, until time.Time, reason string, log *zap.Logger) {
	if err := p.messages.Defer(ctx, msg.ID, token, until); err != nil {
		p.logTransition(log, "defer", err)
		return
	}
	log.Info("message deferred",
		zap.String("reason", reason),
		zap.Time("until", until),
	)
	metrics.RecordMessageDeferred(reason)
}

func (p *Pool) release(ctx context.Context, msg *db.Message, token uuid.UUID, nextAt time.Time) {
	if err := p.messages.Release(ctx, msg.ID, token, nextAt); err != nil && !errors.Is(err, db.ErrClaimLost) {
		p.logger.Error("failed to release message",
			zap.String("message_id", msg.ID.String()),
			zap.Error(err),
		)
	}
}

func (p *Pool) publish(ctx context.Context, msg *db.Message, status string, log *zap.Logger) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.PublishStatus(ctx, msg, status); err != nil {
		// Event delivery is best effort; the transition already committed.
		log.Warn("failed to publish status event", zap.Error(err))
	}
}

func (p *Pool) logTransition(log *zap.Logger, op string, err error) {
	if errors.Is(err, db.ErrClaimLost) {
		log.Warn("claim lost, transition skipped", zap.String("op", op))
		return
	}
	log.Error("transition failed", zap.String("op", op), zap.Error(err))
}
