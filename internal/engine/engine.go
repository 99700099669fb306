package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"questline/internal/config"
	"questline/internal/domain"
	"questline/internal/engine/lifecycle"
	"questline/internal/ledger"
	"questline/internal/notify"
	"questline/internal/recovery"
	"questline/internal/store"
	"questline/internal/workitem"
)

// Action is a transition a user may request on a work item.
type Action string

const (
	ActionClaim   Action = "claim"
	ActionUnclaim Action = "unclaim"
	ActionSubmit  Action = "submit"
	ActionAttest  Action = "attest"
	ActionDispute Action = "dispute"
	ActionDelete  Action = "delete"
)

// Input carries the action-specific request fields.
type Input struct {
	Text      string
	Role      domain.Role
	Signature string
	Reason    string
}

type Engine struct {
	Items    workitem.Store
	Ledger   ledger.Ledger
	Recorder recovery.Recorder
	Recovery *recovery.Processor
	Notifier notify.Notifier
	Config   *config.Config
	Backoff  Backoff
	Logger   *log.Logger
	Now      func() time.Time
}

func New(docs store.Store, cfg *config.Config, logger *log.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = log.Default()
	}
	l := ledger.New(docs)
	workerID := cfg.Recovery.WorkerID
	return Engine{
		Items:    workitem.New(docs),
		Ledger:   l,
		Recorder: recovery.NewRecorder(docs),
		Recovery: recovery.NewProcessor(docs, l, recovery.Config{
			MaxRetries: cfg.Recovery.MaxRetries,
			Lease:      cfg.Lease(),
			BatchSize:  cfg.Recovery.BatchSize,
			WorkerID:   workerID,
		}, logger),
		Notifier: notify.Nop{},
		Config:   cfg,
		Backoff:  DefaultBackoff(),
		Logger:   logger,
		Now:      time.Now,
	}
}

// WithNotifier sets the notifier on the engine and its recovery processor.
func (e Engine) WithNotifier(n notify.Notifier) Engine {
	e.Notifier = n
	if e.Recovery != nil {
		p := *e.Recovery
		p.Notifier = n
		e.Recovery = &p
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

// ItemCreateOptions are parameters for creating a work item. Nil rewards
// fall back to the configured defaults.
type ItemCreateOptions struct {
	ID               string
	Title            string
	Description      string
	CreatorID        string
	RewardXP         *int64
	RewardReputation *int64
	RewardPoints     *int64
	DeadlineAt       *time.Time
}

func (e Engine) CreateItem(ctx context.Context, opts ItemCreateOptions) (domain.WorkItem, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.WorkItem{}, invalid("title is required")
	}
	if strings.TrimSpace(opts.CreatorID) == "" || opts.CreatorID == lifecycle.System {
		return domain.WorkItem{}, invalid("creator is required")
	}
	item := domain.WorkItem{
		ID:               opts.ID,
		Title:            opts.Title,
		Description:      opts.Description,
		Status:           domain.StatusOpen,
		CreatorID:        opts.CreatorID,
		RewardXP:         pick(opts.RewardXP, e.Config.Rewards.DefaultXP),
		RewardReputation: pick(opts.RewardReputation, e.Config.Rewards.DefaultReputation),
		RewardPoints:     pick(opts.RewardPoints, e.Config.Rewards.DefaultPoints),
		Attestations:     []domain.Attestation{},
		AttesterIDs:      []string{},
		CreatedAt:        e.now().UTC().Format(time.RFC3339),
	}
	if item.RewardXP < 0 || item.RewardReputation < 0 || item.RewardPoints < 0 {
		return domain.WorkItem{}, invalid("rewards must be non-negative")
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if opts.DeadlineAt != nil {
		d := opts.DeadlineAt.UTC().Format(time.RFC3339)
		item.DeadlineAt = &d
	}
	_, err := e.withRetry(ctx, "create item", func() (bool, error) {
		return true, e.Items.Create(ctx, item)
	}, func() (bool, error) {
		_, err := e.Items.Get(ctx, item.ID)
		return err == nil, err
	})
	if errors.Is(err, store.ErrConditionFailed) {
		return domain.WorkItem{}, invalid("work item %s already exists", item.ID)
	}
	if err != nil {
		return domain.WorkItem{}, err
	}
	return e.getItem(ctx, item.ID)
}

func pick(v *int64, def int64) int64 {
	if v == nil {
		return def
	}
	return *v
}

func (e Engine) GetItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return e.getItem(ctx, id)
}

func (e Engine) ListItems(ctx context.Context, status domain.Status, limit int) ([]domain.WorkItem, error) {
	if !status.Valid() {
		return nil, invalid("invalid status %q", status)
	}
	return e.Items.ListByStatus(ctx, status, limit)
}

// Balance returns the actor's balance, zero valued if never credited.
func (e Engine) Balance(ctx context.Context, actorID string) (domain.Balance, error) {
	b, err := e.Ledger.Balance(ctx, actorID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Balance{ActorID: actorID, ProcessedRewardIDs: []string{}}, nil
	}
	return b, err
}

// Spend debits points from actorID once per spendID. Replaying a spend id
// reports AlreadyProcessed; a short balance is ledger.ErrInsufficientPoints.
func (e Engine) Spend(ctx context.Context, actorID, spendID string, points int64) (ledger.Result, error) {
	if strings.TrimSpace(actorID) == "" || actorID == lifecycle.System {
		return ledger.Result{}, invalid("actor is required")
	}
	if strings.TrimSpace(spendID) == "" {
		return ledger.Result{}, invalid("spend id is required")
	}
	if points <= 0 {
		return ledger.Result{}, invalid("points must be positive")
	}
	var res ledger.Result
	landed := false
	_, err := e.withRetry(ctx, "spend", func() (bool, error) {
		var err error
		res, err = e.Ledger.Debit(ctx, actorID, spendID, points)
		return err == nil, err
	}, func() (bool, error) {
		done, err := e.Ledger.HasProcessed(ctx, actorID, spendID)
		landed = done
		return done, err
	})
	if err != nil {
		return ledger.Result{}, err
	}
	if landed {
		bal, err := e.Balance(ctx, actorID)
		if err != nil {
			return ledger.Result{}, err
		}
		return ledger.Result{Applied: true, Balance: bal}, nil
	}
	return res, nil
}

// actionSpec binds an action to its store write, the predicate used to
// explain a rejection, and a check for whether a timed out write landed.
type actionSpec struct {
	write  func(ctx context.Context) (bool, error)
	check  func(item domain.WorkItem) (bool, string)
	landed func(item domain.WorkItem) bool
}

func (e Engine) spec(itemID, actorID string, action Action, in Input) (actionSpec, error) {
	switch action {
	case ActionClaim:
		return actionSpec{
			write: func(ctx context.Context) (bool, error) { return e.Items.Claim(ctx, itemID, actorID) },
			check: func(it domain.WorkItem) (bool, string) {
				return lifecycle.ValidateTransition(it, actorID, domain.StatusOpen, domain.StatusClaimed)
			},
			landed: func(it domain.WorkItem) bool { return it.Performer() == actorID },
		}, nil
	case ActionUnclaim:
		return actionSpec{
			write: func(ctx context.Context) (bool, error) { return e.Items.Unclaim(ctx, itemID, actorID) },
			check: func(it domain.WorkItem) (bool, string) {
				return lifecycle.ValidateTransition(it, actorID, domain.StatusClaimed, domain.StatusOpen)
			},
			landed: func(it domain.WorkItem) bool { return it.Performer() != actorID },
		}, nil
	case ActionSubmit:
		return actionSpec{
			write: func(ctx context.Context) (bool, error) { return e.Items.Submit(ctx, itemID, actorID, in.Text) },
			check: func(it domain.WorkItem) (bool, string) {
				return lifecycle.ValidateTransition(it, actorID, domain.StatusClaimed, domain.StatusSubmitted)
			},
			landed: func(it domain.WorkItem) bool {
				return it.Performer() == actorID && it.SubmittedAt != nil && it.Status != domain.StatusClaimed
			},
		}, nil
	case ActionAttest:
		if !in.Role.Valid() {
			return actionSpec{}, invalid("role must be %s or %s", domain.RoleRequestor, domain.RolePerformer)
		}
		att := domain.Attestation{ActorID: actorID, Role: in.Role, Signature: in.Signature}
		return actionSpec{
			write: func(ctx context.Context) (bool, error) { return e.Items.AddAttestation(ctx, itemID, att) },
			check: func(it domain.WorkItem) (bool, string) {
				return lifecycle.CanAttestAs(it, actorID, in.Role)
			},
			landed: func(it domain.WorkItem) bool { return it.HasAttested(actorID) },
		}, nil
	case ActionDispute:
		return actionSpec{
			write: func(ctx context.Context) (bool, error) { return e.Items.Dispute(ctx, itemID, actorID, in.Reason) },
			check: func(it domain.WorkItem) (bool, string) {
				return lifecycle.ValidateTransition(it, actorID, domain.StatusSubmitted, domain.StatusDisputed)
			},
			landed: func(it domain.WorkItem) bool { return it.Status == domain.StatusDisputed },
		}, nil
	case ActionDelete:
		return actionSpec{
			write: func(ctx context.Context) (bool, error) { return e.Items.Delete(ctx, itemID, actorID) },
			check: func(it domain.WorkItem) (bool, string) { return lifecycle.CanDelete(it, actorID) },
			// a deleted item is detected by the not found branch in landedAfterTimeout
			landed: func(domain.WorkItem) bool { return false },
		}, nil
	}
	return actionSpec{}, invalid("unknown action %q", action)
}

// RequestTransition performs action on behalf of an already authenticated
// actor. It returns the post-state item, or ErrNotFound, *ForbiddenError,
// *ConflictError, *ValidationError or a transient store error. Deleting
// returns the item as it was before removal.
func (e Engine) RequestTransition(ctx context.Context, itemID, actorID string, action Action, in Input) (domain.WorkItem, error) {
	if strings.TrimSpace(itemID) == "" {
		return domain.WorkItem{}, invalid("item id is required")
	}
	if strings.TrimSpace(actorID) == "" {
		return domain.WorkItem{}, invalid("actor is required")
	}
	if actorID == lifecycle.System {
		return domain.WorkItem{}, &ForbiddenError{Action: action, Reason: lifecycle.ReasonSystemOnly}
	}
	sp, err := e.spec(itemID, actorID, action, in)
	if err != nil {
		return domain.WorkItem{}, err
	}

	var before domain.WorkItem
	if action == ActionDelete {
		if before, err = e.getItem(ctx, itemID); err != nil {
			return domain.WorkItem{}, err
		}
	}

	ok, err := e.withRetry(ctx, string(action), func() (bool, error) {
		return sp.write(ctx)
	}, func() (bool, error) {
		return e.landedAfterTimeout(ctx, itemID, action, sp)
	})
	if err != nil {
		return domain.WorkItem{}, err
	}
	if !ok {
		return domain.WorkItem{}, e.classify(ctx, itemID, action, sp)
	}

	if action == ActionDelete {
		return before, nil
	}
	item, err := e.getItem(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	switch action {
	case ActionClaim:
		e.publish(ctx, domain.EventItemClaimed, item, actorID, nil)
	case ActionSubmit:
		e.publish(ctx, domain.EventItemSubmitted, item, actorID, nil)
	case ActionDispute:
		e.publish(ctx, domain.EventItemDisputed, item, actorID, map[string]any{"reason": in.Reason})
	case ActionAttest:
		return e.tryComplete(ctx, item)
	}
	return item, nil
}

func (e Engine) landedAfterTimeout(ctx context.Context, itemID string, action Action, sp actionSpec) (bool, error) {
	item, err := e.Items.Get(ctx, itemID)
	if errors.Is(err, store.ErrNotFound) {
		return action == ActionDelete, nil
	}
	if err != nil {
		return false, err
	}
	return sp.landed(item), nil
}

// classify re-fetches the item after a rejected write and explains why.
func (e Engine) classify(ctx context.Context, itemID string, action Action, sp actionSpec) error {
	item, err := e.getItem(ctx, itemID)
	if err != nil {
		return err
	}
	ok, reason := sp.check(item)
	if ok {
		// Passed now, so the state moved between the write and this read.
		return &ConflictError{Action: action, Reason: "state changed, refresh and retry", Item: item}
	}
	if lifecycle.IsStateReason(reason) {
		return &ConflictError{Action: action, Reason: reason, Item: item}
	}
	return &ForbiddenError{Action: action, Reason: reason}
}

// tryComplete completes item once both attestations are present. Only the
// caller whose Complete write succeeded credits the performer. A failed
// credit is recorded for recovery and never undoes the completion.
func (e Engine) tryComplete(ctx context.Context, item domain.WorkItem) (domain.WorkItem, error) {
	if !lifecycle.ReadyForCompletion(item) {
		return item, nil
	}
	won, err := e.withRetry(ctx, "complete", func() (bool, error) {
		return e.Items.Complete(ctx, item.ID)
	}, func() (bool, error) {
		// Crediting is idempotent per reward id, so treating a landed
		// timeout as a win cannot double count.
		cur, err := e.Items.Get(ctx, item.ID)
		return err == nil && cur.Status == domain.StatusComplete, err
	})
	if err != nil {
		e.logf("engine: complete %s failed, left for reconcile: %v", item.ID, err)
		return item, nil
	}
	if !won {
		return e.getItem(ctx, item.ID)
	}
	done, err := e.getItem(ctx, item.ID)
	if err != nil {
		done = item
		done.Status = domain.StatusComplete
	}
	if err := e.creditPerformer(ctx, done); err != nil {
		return done, err
	}
	e.publish(ctx, domain.EventItemCompleted, done, lifecycle.System, map[string]any{
		"performer_id": done.Performer(),
		"reward_id":    ledger.RewardID(done.ID),
	})
	return done, nil
}

// creditPerformer makes one credit attempt. Any failure goes to the
// recovery processor, which owns retries; a timeout counts as success only
// when the reward is visibly applied.
func (e Engine) creditPerformer(ctx context.Context, item domain.WorkItem) error {
	performer := item.Performer()
	rewardID := ledger.RewardID(item.ID)
	_, err := e.Ledger.Credit(ctx, performer, rewardID, item.RewardXP, item.RewardReputation, item.RewardPoints)
	if err != nil && store.IsTimeout(err) {
		if done, herr := e.Ledger.HasProcessed(ctx, performer, rewardID); herr == nil && done {
			err = nil
		}
	}
	if err == nil {
		return nil
	}
	e.logf("engine: credit %s to %s failed, recording for recovery: %v", rewardID, performer, err)
	fr := domain.FailedReward{
		RewardID:         rewardID,
		ActorID:          performer,
		WorkItemID:       item.ID,
		XPAmount:         item.RewardXP,
		ReputationAmount: item.RewardReputation,
		PointsAmount:     item.RewardPoints,
		LastError:        err.Error(),
	}
	_, rerr := e.withRetry(ctx, "record failed reward", func() (bool, error) {
		_, err := e.Recorder.Record(ctx, fr)
		return err == nil, err
	}, nil)
	if rerr != nil {
		e.logf("engine: ERROR reward %s for %s not recorded: %v", rewardID, performer, rerr)
		return fmt.Errorf("record failed reward %s: %w", rewardID, rerr)
	}
	return nil
}

// ExpireStale moves OPEN and CLAIMED items past their deadline to EXPIRED.
func (e Engine) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	expired := 0
	for _, status := range []domain.Status{domain.StatusOpen, domain.StatusClaimed} {
		items, err := e.Items.ListByStatus(ctx, status, 0)
		if err != nil {
			return expired, err
		}
		for _, it := range items {
			if it.DeadlineAt == nil {
				continue
			}
			ok, err := e.Items.Expire(ctx, it.ID, now)
			if err != nil {
				e.logf("engine: expire %s failed: %v", it.ID, err)
				continue
			}
			if ok {
				expired++
			}
		}
	}
	return expired, nil
}

// CompleteReady finishes SUBMITTED items that hold both attestations but
// whose completion write never succeeded.
func (e Engine) CompleteReady(ctx context.Context) (int, error) {
	items, err := e.Items.ListByStatus(ctx, domain.StatusSubmitted, 0)
	if err != nil {
		return 0, err
	}
	completed := 0
	for _, it := range items {
		if !lifecycle.ReadyForCompletion(it) {
			continue
		}
		done, err := e.tryComplete(ctx, it)
		if err != nil {
			e.logf("engine: reconcile %s: %v", it.ID, err)
		}
		if done.Status == domain.StatusComplete {
			completed++
		}
	}
	return completed, nil
}

// ReconcileResult summarizes one Reconcile pass.
type ReconcileResult struct {
	Expired   int                  `json:"expired"`
	Completed int                  `json:"completed"`
	Credited  int                  `json:"credited"`
	Recovery  recovery.SweepResult `json:"recovery"`
}

// Reconcile expires stale items, finishes ready completions, credits
// completions that lost their credit, then runs one failed-reward sweep.
func (e Engine) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	var err error
	if res.Expired, err = e.ExpireStale(ctx, e.now()); err != nil {
		return res, err
	}
	if res.Completed, err = e.CompleteReady(ctx); err != nil {
		return res, err
	}
	if res.Credited, err = e.CreditCompleted(ctx); err != nil {
		return res, err
	}
	if e.Recovery == nil {
		return res, nil
	}
	res.Recovery, err = e.Recovery.RunSweep(ctx)
	return res, err
}

// RunReconciler calls Reconcile every interval until ctx is done.
func (e Engine) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := e.Reconcile(ctx)
		if err != nil && ctx.Err() == nil {
			e.logf("engine: reconcile failed: %v", err)
		} else if res.Expired > 0 || res.Completed > 0 || res.Credited > 0 || res.Recovery.Processed > 0 {
			e.logf("engine: reconcile expired=%d completed=%d credited=%d recovered=%d abandoned=%d",
				res.Expired, res.Completed, res.Credited, res.Recovery.Resolved, res.Recovery.Abandoned)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CreditCompleted credits COMPLETE items whose reward was neither applied
// nor recorded as failed, which is what a crash between the completion
// write and the credit leaves behind.
func (e Engine) CreditCompleted(ctx context.Context) (int, error) {
	items, err := e.Items.ListByStatus(ctx, domain.StatusComplete, 0)
	if err != nil {
		return 0, err
	}
	credited := 0
	for _, it := range items {
		performer := it.Performer()
		if performer == "" {
			continue
		}
		rewardID := ledger.RewardID(it.ID)
		done, err := e.Ledger.HasProcessed(ctx, performer, rewardID)
		if err != nil {
			e.logf("engine: reconcile credit check %s: %v", it.ID, err)
			continue
		}
		if done {
			continue
		}
		recorded, err := e.Recorder.Recorded(ctx, rewardID)
		if err != nil {
			e.logf("engine: reconcile record check %s: %v", it.ID, err)
			continue
		}
		if recorded {
			continue
		}
		e.logf("engine: reconcile reward %s for %s was never credited", rewardID, performer)
		if err := e.creditPerformer(ctx, it); err != nil {
			e.logf("engine: reconcile credit %s: %v", it.ID, err)
			continue
		}
		credited++
	}
	return credited, nil
}

func (e Engine) getItem(ctx context.Context, id string) (domain.WorkItem, error) {
	var item domain.WorkItem
	_, err := e.withRetry(ctx, "get item", func() (bool, error) {
		var err error
		item, err = e.Items.Get(ctx, id)
		return err == nil, err
	}, nil)
	return item, err
}

// withRetry runs fn until it returns something other than a transient store
// error or the attempts run out. After a timeout, landed is asked whether
// the write went through before fn runs again. Predicate failures are never
// retried because they arrive as (false, nil).
func (e Engine) withRetry(ctx context.Context, op string, fn func() (bool, error), landed func() (bool, error)) (bool, error) {
	attempts := e.Backoff.attempts()
	var err error
	for attempt := 1; ; attempt++ {
		var ok bool
		ok, err = fn()
		if err == nil || !store.IsTransient(err) {
			return ok, err
		}
		if store.IsTimeout(err) && landed != nil {
			if done, lerr := landed(); lerr == nil && done {
				return true, nil
			}
		}
		if attempt >= attempts || ctx.Err() != nil {
			break
		}
		delay := e.Backoff.Delay(attempt, nil)
		e.logf("engine: %s attempt %d failed, retrying in %s: %v", op, attempt, delay, err)
		select {
		case <-ctx.Done():
			return false, err
		case <-time.After(delay):
		}
	}
	return false, err
}

func (e Engine) publish(ctx context.Context, evtType string, item domain.WorkItem, actorID string, payload map[string]any) {
	if e.Notifier == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["status"] = item.Status
	e.Notifier.Publish(ctx, domain.Event{
		ID:         uuid.NewString(),
		TS:         e.now().UTC().Format(time.RFC3339),
		Type:       evtType,
		EntityKind: "work_item",
		EntityID:   item.ID,
		ActorID:    actorID,
		Payload:    payload,
	})
}
