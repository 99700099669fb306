package recovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"questline/internal/domain"
	"questline/internal/ledger"
	"questline/internal/notify"
	"questline/internal/store"
)

const (
	DefaultMaxRetries = 5
	DefaultLease      = 5 * time.Minute
	DefaultBatchSize  = 100
)

type Config struct {
	MaxRetries int
	Lease      time.Duration
	BatchSize  int
	// WorkerID identifies this process as lease owner.
	WorkerID string
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Lease <= 0 {
		c.Lease = DefaultLease
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.WorkerID == "" {
		c.WorkerID = DefaultWorkerID()
	}
	return c
}

// DefaultWorkerID is hostname-pid.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// SweepResult counts what one sweep did. Processed is the number of records
// this worker leased; Skipped counts records another worker held.
type SweepResult struct {
	Processed int `json:"processed"`
	Resolved  int `json:"resolved"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`
	Skipped   int `json:"skipped"`
}

type Processor struct {
	Docs     store.Store
	Ledger   ledger.Ledger
	Notifier notify.Notifier
	Config   Config
	Logger   *log.Logger
	Now      func() time.Time
}

func NewProcessor(docs store.Store, l ledger.Ledger, cfg Config, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.Default()
	}
	return &Processor{
		Docs:     docs,
		Ledger:   l,
		Notifier: notify.Nop{},
		Config:   cfg.withDefaults(),
		Logger:   logger,
		Now:      time.Now,
	}
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Processor) logf(format string, args ...any) {
	if p.Logger != nil {
		p.Logger.Printf(format, args...)
	}
}

// List returns records in status, or every non-terminal record when status
// is empty.
func (p *Processor) List(ctx context.Context, status domain.FailedRewardStatus) ([]domain.FailedReward, error) {
	if status != "" {
		return store.FindDocs[domain.FailedReward](ctx, p.Docs, Collection, "status", string(status), 0)
	}
	var out []domain.FailedReward
	for _, s := range []domain.FailedRewardStatus{domain.FailedRewardPending, domain.FailedRewardRetrying} {
		recs, err := store.FindDocs[domain.FailedReward](ctx, p.Docs, Collection, "status", string(s), 0)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// candidates returns pending records plus retrying ones whose lease has run
// out, which is how work held by a crashed worker comes back.
func (p *Processor) candidates(ctx context.Context) ([]domain.FailedReward, error) {
	cfg := p.Config.withDefaults()
	pending, err := store.FindDocs[domain.FailedReward](ctx, p.Docs, Collection, "status", string(domain.FailedRewardPending), cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	if len(pending) >= cfg.BatchSize {
		return pending, nil
	}
	retrying, err := store.FindDocs[domain.FailedReward](ctx, p.Docs, Collection, "status", string(domain.FailedRewardRetrying), 0)
	if err != nil {
		return nil, err
	}
	now := p.now()
	for _, rec := range retrying {
		if len(pending) >= cfg.BatchSize {
			break
		}
		if !leaseHeld(rec, now) {
			pending = append(pending, rec)
		}
	}
	return pending, nil
}

// RunSweep processes one batch of failed rewards.
func (p *Processor) RunSweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	recs, err := p.candidates(ctx)
	if err != nil {
		return res, fmt.Errorf("list failed rewards: %w", err)
	}
	for _, rec := range recs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		p.processOne(ctx, rec, &res)
	}
	return res, nil
}

func (p *Processor) processOne(ctx context.Context, rec domain.FailedReward, res *SweepResult) {
	cfg := p.Config.withDefaults()
	leased, ok, err := p.acquireLease(ctx, rec.ID)
	if err != nil {
		p.logf("recovery: lease %s failed: %v", rec.ID, err)
		res.Skipped++
		return
	}
	if !ok {
		res.Skipped++
		return
	}
	res.Processed++

	if leased.RetryCount >= cfg.MaxRetries {
		p.finishAbandoned(ctx, leased, leased.LastError, res)
		return
	}

	done, err := p.Ledger.HasProcessed(ctx, leased.ActorID, leased.RewardID)
	if err == nil && !done {
		_, err = p.Ledger.Credit(ctx, leased.ActorID, leased.RewardID, leased.XPAmount, leased.ReputationAmount, leased.PointsAmount)
	}
	if err != nil {
		p.finishFailed(ctx, leased, err, res)
		return
	}
	p.finishResolved(ctx, leased, res)
}

// acquireLease sets this worker as owner when no live lease exists. The
// record moves to retrying in the same write. Each acquisition carries a
// fresh token so a later lease taken under the same worker id is distinct.
func (p *Processor) acquireLease(ctx context.Context, id string) (domain.FailedReward, bool, error) {
	cfg := p.Config.withDefaults()
	now := p.now()
	rec, err := store.UpdateDoc(ctx, p.Docs, Collection, id, func(fr *domain.FailedReward) error {
		if fr.Status.Terminal() || leaseHeld(*fr, now) {
			return store.ErrConditionFailed
		}
		owner := cfg.WorkerID
		token := uuid.NewString()
		expires := now.Add(cfg.Lease).UTC().Format(time.RFC3339Nano)
		fr.LeaseOwner = &owner
		fr.LeaseToken = &token
		fr.LeaseExpiresAt = &expires
		fr.Status = domain.FailedRewardRetrying
		fr.UpdatedAt = now.UTC().Format(time.RFC3339Nano)
		return nil
	})
	if errors.Is(err, store.ErrConditionFailed) {
		return domain.FailedReward{}, false, nil
	}
	if err != nil {
		return domain.FailedReward{}, false, err
	}
	return rec, true, nil
}

// finish applies change only while the lease taken as leased is still the
// current one, and always clears the lease in the same write.
func (p *Processor) finish(ctx context.Context, leased domain.FailedReward, change func(*domain.FailedReward, string)) (domain.FailedReward, bool, error) {
	if leased.LeaseToken == nil {
		return domain.FailedReward{}, false, nil
	}
	token := *leased.LeaseToken
	rec, err := store.UpdateDoc(ctx, p.Docs, Collection, leased.ID, func(fr *domain.FailedReward) error {
		if fr.Status != domain.FailedRewardRetrying || fr.LeaseToken == nil || *fr.LeaseToken != token {
			return store.ErrConditionFailed
		}
		now := p.now().UTC().Format(time.RFC3339Nano)
		change(fr, now)
		fr.LeaseOwner = nil
		fr.LeaseToken = nil
		fr.LeaseExpiresAt = nil
		fr.UpdatedAt = now
		return nil
	})
	if errors.Is(err, store.ErrConditionFailed) {
		return domain.FailedReward{}, false, nil
	}
	if err != nil {
		return domain.FailedReward{}, false, err
	}
	return rec, true, nil
}

func (p *Processor) finishResolved(ctx context.Context, rec domain.FailedReward, res *SweepResult) {
	_, ok, err := p.finish(ctx, rec, func(fr *domain.FailedReward, now string) {
		fr.Status = domain.FailedRewardResolved
		fr.ResolvedAt = &now
	})
	switch {
	case err != nil:
		// Credited but not marked; the next sweep sees the reward as
		// processed once the lease runs out.
		p.logf("recovery: resolve %s failed: %v", rec.ID, err)
		res.Failed++
	case !ok:
		p.logf("recovery: lease on %s lost before resolve", rec.ID)
		res.Skipped++
	default:
		res.Resolved++
	}
}

func (p *Processor) finishFailed(ctx context.Context, rec domain.FailedReward, cause error, res *SweepResult) {
	maxRetries := p.Config.withDefaults().MaxRetries
	updated, ok, err := p.finish(ctx, rec, func(fr *domain.FailedReward, _ string) {
		fr.RetryCount++
		fr.LastError = cause.Error()
		if fr.RetryCount >= maxRetries {
			fr.Status = domain.FailedRewardAbandoned
		} else {
			fr.Status = domain.FailedRewardPending
		}
	})
	switch {
	case err != nil:
		p.logf("recovery: record retry failure %s: %v", rec.ID, err)
		res.Failed++
	case !ok:
		p.logf("recovery: lease on %s lost before retry update", rec.ID)
		res.Skipped++
	case updated.Status == domain.FailedRewardAbandoned:
		p.abandoned(ctx, updated, res)
	default:
		p.logf("recovery: retry %d/%d for %s failed: %v", updated.RetryCount, maxRetries, rec.RewardID, cause)
		res.Failed++
	}
}

func (p *Processor) finishAbandoned(ctx context.Context, rec domain.FailedReward, lastErr string, res *SweepResult) {
	updated, ok, err := p.finish(ctx, rec, func(fr *domain.FailedReward, _ string) {
		fr.Status = domain.FailedRewardAbandoned
		if lastErr != "" {
			fr.LastError = lastErr
		}
	})
	switch {
	case err != nil:
		p.logf("recovery: abandon %s failed: %v", rec.ID, err)
		res.Failed++
	case !ok:
		res.Skipped++
	default:
		p.abandoned(ctx, updated, res)
	}
}

func (p *Processor) abandoned(ctx context.Context, rec domain.FailedReward, res *SweepResult) {
	res.Abandoned++
	p.logf("recovery: WARN abandoned reward=%s actor=%s item=%s retries=%d last_error=%q",
		rec.RewardID, rec.ActorID, rec.WorkItemID, rec.RetryCount, rec.LastError)
	if p.Notifier == nil {
		return
	}
	p.Notifier.Publish(ctx, domain.Event{
		ID:         uuid.NewString(),
		TS:         p.now().UTC().Format(time.RFC3339),
		Type:       domain.EventRewardAbandoned,
		EntityKind: "failed_reward",
		EntityID:   rec.ID,
		ActorID:    rec.ActorID,
		Payload: map[string]any{
			"reward_id":    rec.RewardID,
			"work_item_id": rec.WorkItemID,
			"retry_count":  rec.RetryCount,
			"last_error":   rec.LastError,
		},
	})
}

// leaseHeld is true while a lease has an owner and expires strictly after now.
func leaseHeld(fr domain.FailedReward, now time.Time) bool {
	if fr.LeaseOwner == nil || fr.LeaseExpiresAt == nil {
		return false
	}
	expires, err := time.Parse(time.RFC3339Nano, *fr.LeaseExpiresAt)
	if err != nil {
		return false
	}
	return expires.After(now)
}
