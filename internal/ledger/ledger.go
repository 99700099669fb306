// Package ledger holds actor balances and applies rewards idempotently.
//
// A balance document carries the set of reward ids already applied. Credit
// checks membership, adds the amounts and records the id in one conditional
// write, so replays of the same reward id never double count.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"questline/internal/domain"
	"questline/internal/store"
)

// Collection holds one balance document per actor.
const Collection = "balances"

// ErrInsufficientPoints is returned by Debit when the balance is too low.
var ErrInsufficientPoints = errors.New("insufficient spendable points")

// Result describes the outcome of a successful Credit or Debit.
type Result struct {
	Applied          bool
	AlreadyProcessed bool
	Balance          domain.Balance
}

// Ledger is the only writer of balance documents.
type Ledger struct {
	Docs store.Store
	Now  func() time.Time
}

func New(docs store.Store) Ledger {
	return Ledger{Docs: docs, Now: time.Now}
}

func (l Ledger) now() string {
	if l.Now != nil {
		return l.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// RewardID names the completion reward for the performer of itemID.
func RewardID(itemID string) string {
	return "workitem:" + itemID + ":performer"
}

// Credit adds the amounts to actorID once per rewardID. A replay reports
// AlreadyProcessed with a nil error.
func (l Ledger) Credit(ctx context.Context, actorID, rewardID string, xp, reputation, points int64) (Result, error) {
	if actorID == "" || rewardID == "" {
		return Result{}, errors.New("actor and reward id are required")
	}
	if xp < 0 || reputation < 0 || points < 0 {
		return Result{}, fmt.Errorf("reward %s: amounts must be non-negative", rewardID)
	}
	return l.apply(ctx, actorID, rewardID, func(b *domain.Balance) error {
		b.Experience += xp
		b.ReputationScore += reputation
		b.SpendablePoints += points
		return nil
	})
}

// Debit spends points once per debitID.
func (l Ledger) Debit(ctx context.Context, actorID, debitID string, points int64) (Result, error) {
	if actorID == "" || debitID == "" {
		return Result{}, errors.New("actor and debit id are required")
	}
	if points <= 0 {
		return Result{}, fmt.Errorf("debit %s: points must be positive", debitID)
	}
	return l.apply(ctx, actorID, debitID, func(b *domain.Balance) error {
		if b.SpendablePoints < points {
			return ErrInsufficientPoints
		}
		b.SpendablePoints -= points
		return nil
	})
}

func (l Ledger) apply(ctx context.Context, actorID, id string, change func(*domain.Balance) error) (Result, error) {
	if err := l.ensure(ctx, actorID); err != nil {
		return Result{}, err
	}
	processed := false
	bal, err := store.UpdateDoc(ctx, l.Docs, Collection, actorID, func(b *domain.Balance) error {
		processed = false
		if b.Processed(id) {
			processed = true
			return store.ErrConditionFailed
		}
		if err := change(b); err != nil {
			return err
		}
		b.ProcessedRewardIDs = append(b.ProcessedRewardIDs, id)
		b.UpdatedAt = l.now()
		return nil
	})
	switch {
	case errors.Is(err, store.ErrConditionFailed) && processed:
		cur, gerr := l.Balance(ctx, actorID)
		if gerr != nil {
			// The replay is known; only the echo of the balance failed.
			return Result{AlreadyProcessed: true}, nil
		}
		return Result{AlreadyProcessed: true, Balance: cur}, nil
	case err != nil:
		return Result{}, err
	}
	return Result{Applied: true, Balance: bal}, nil
}

// ensure creates an empty balance for actorID if none exists yet.
func (l Ledger) ensure(ctx context.Context, actorID string) error {
	_, err := l.Docs.Get(ctx, Collection, actorID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	err = store.CreateDoc(ctx, l.Docs, Collection, actorID, domain.Balance{
		ActorID:            actorID,
		ProcessedRewardIDs: []string{},
		UpdatedAt:          l.now(),
	})
	if errors.Is(err, store.ErrConditionFailed) {
		return nil
	}
	return err
}

// HasProcessed reports whether rewardID was already applied to actorID.
func (l Ledger) HasProcessed(ctx context.Context, actorID, rewardID string) (bool, error) {
	b, err := l.Balance(ctx, actorID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return b.Processed(rewardID), nil
}

// Balance returns the stored balance; an actor never credited yields
// store.ErrNotFound.
func (l Ledger) Balance(ctx context.Context, actorID string) (domain.Balance, error) {
	return store.GetDoc[domain.Balance](ctx, l.Docs, Collection, actorID)
}
