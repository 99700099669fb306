// Package workitem persists work items and turns each lifecycle transition
// into exactly one conditional write against the document store.
//
// Every mutating operation returns (bool, error). False means the stored
// predicate did not hold and the stored item is byte-for-byte unchanged; the
// caller should re-fetch rather than retry. A non-nil error comes from the
// store adapter and leaves the outcome unknown.
package workitem

import (
	"context"
	"errors"
	"fmt"
	"time"

	"questline/internal/domain"
	"questline/internal/engine/lifecycle"
	"questline/internal/store"
)

// Collection holds one document per work item, keyed by item id.
const Collection = "work_items"

type Store struct {
	Docs store.Store
	Now  func() time.Time
}

func New(docs store.Store) Store {
	return Store{Docs: docs, Now: time.Now}
}

func (s Store) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// Create inserts a new OPEN item. An existing id yields store.ErrConditionFailed.
func (s Store) Create(ctx context.Context, item domain.WorkItem) error {
	if item.ID == "" {
		return errors.New("work item id is required")
	}
	if item.Status == "" {
		item.Status = domain.StatusOpen
	}
	if item.Status != domain.StatusOpen {
		return fmt.Errorf("new work item must be %s, got %s", domain.StatusOpen, item.Status)
	}
	if item.Attestations == nil {
		item.Attestations = []domain.Attestation{}
	}
	if item.AttesterIDs == nil {
		item.AttesterIDs = []string{}
	}
	now := s.now()
	if item.CreatedAt == "" {
		item.CreatedAt = now
	}
	item.UpdatedAt = item.CreatedAt
	return store.CreateDoc(ctx, s.Docs, Collection, item.ID, item)
}

func (s Store) Get(ctx context.Context, id string) (domain.WorkItem, error) {
	return store.GetDoc[domain.WorkItem](ctx, s.Docs, Collection, id)
}

// ListByStatus returns items in status ordered by id. limit <= 0 means all.
func (s Store) ListByStatus(ctx context.Context, status domain.Status, limit int) ([]domain.WorkItem, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status %q", status)
	}
	return store.FindDocs[domain.WorkItem](ctx, s.Docs, Collection, "status", string(status), limit)
}

// apply runs check and mutate inside one conditional write. check sees the
// stored item, never the caller's copy.
func (s Store) apply(ctx context.Context, id string, check func(domain.WorkItem) (bool, string), mutate func(*domain.WorkItem, string)) (bool, error) {
	_, err := store.UpdateDoc(ctx, s.Docs, Collection, id, func(it *domain.WorkItem) error {
		if ok, _ := check(*it); !ok {
			return store.ErrConditionFailed
		}
		now := s.now()
		mutate(it, now)
		it.UpdatedAt = now
		return nil
	})
	if errors.Is(err, store.ErrConditionFailed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func transition(actorID string, from, to domain.Status) func(domain.WorkItem) (bool, string) {
	return func(it domain.WorkItem) (bool, string) {
		return lifecycle.ValidateTransition(it, actorID, from, to)
	}
}

// Claim sets the performer when the item is OPEN and unclaimed.
func (s Store) Claim(ctx context.Context, id, actorID string) (bool, error) {
	return s.apply(ctx, id, transition(actorID, domain.StatusOpen, domain.StatusClaimed), func(it *domain.WorkItem, now string) {
		performer := actorID
		it.PerformerID = &performer
		it.Status = domain.StatusClaimed
		it.ClaimedAt = &now
	})
}

// Unclaim returns a CLAIMED item to OPEN and clears the performer.
func (s Store) Unclaim(ctx context.Context, id, actorID string) (bool, error) {
	return s.apply(ctx, id, transition(actorID, domain.StatusClaimed, domain.StatusOpen), func(it *domain.WorkItem, _ string) {
		it.PerformerID = nil
		it.ClaimedAt = nil
		it.Status = domain.StatusOpen
	})
}

func (s Store) Submit(ctx context.Context, id, actorID, text string) (bool, error) {
	return s.apply(ctx, id, transition(actorID, domain.StatusClaimed, domain.StatusSubmitted), func(it *domain.WorkItem, now string) {
		it.Status = domain.StatusSubmitted
		it.SubmissionText = text
		it.SubmittedAt = &now
	})
}

// AddAttestation appends att and flips the flag for its role in the same
// write. Fails when the role flag is already set or the actor has attested.
func (s Store) AddAttestation(ctx context.Context, id string, att domain.Attestation) (bool, error) {
	if !att.Role.Valid() {
		return false, fmt.Errorf("invalid role %q", att.Role)
	}
	return s.apply(ctx, id, func(it domain.WorkItem) (bool, string) {
		return lifecycle.CanAttestAs(it, att.ActorID, att.Role)
	}, func(it *domain.WorkItem, now string) {
		if att.TS == "" {
			att.TS = now
		}
		it.Attestations = append(it.Attestations, att)
		it.AttesterIDs = append(it.AttesterIDs, att.ActorID)
		switch att.Role {
		case domain.RoleRequestor:
			it.HasRequestorAttestation = true
		case domain.RolePerformer:
			it.HasPerformerAttestation = true
		}
	})
}

// Complete moves a SUBMITTED item with both attestation flags to COMPLETE.
func (s Store) Complete(ctx context.Context, id string) (bool, error) {
	return s.apply(ctx, id, transition(lifecycle.System, domain.StatusSubmitted, domain.StatusComplete), func(it *domain.WorkItem, now string) {
		it.Status = domain.StatusComplete
		it.CompletedAt = &now
	})
}

func (s Store) Dispute(ctx context.Context, id, actorID, reason string) (bool, error) {
	return s.apply(ctx, id, transition(actorID, domain.StatusSubmitted, domain.StatusDisputed), func(it *domain.WorkItem, _ string) {
		it.Status = domain.StatusDisputed
		it.DisputeReason = reason
	})
}

// Expire moves an OPEN or CLAIMED item whose deadline is at or before now
// to EXPIRED.
func (s Store) Expire(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.apply(ctx, id, func(it domain.WorkItem) (bool, string) {
		if !pastDeadline(it, now) {
			return false, "deadline not reached"
		}
		return lifecycle.ValidateTransition(it, lifecycle.System, it.Status, domain.StatusExpired)
	}, func(it *domain.WorkItem, _ string) {
		it.Status = domain.StatusExpired
	})
}

// Delete removes an OPEN item on behalf of its creator.
func (s Store) Delete(ctx context.Context, id, actorID string) (bool, error) {
	err := store.DeleteDoc(ctx, s.Docs, Collection, id, func(it domain.WorkItem) error {
		if ok, _ := lifecycle.CanDelete(it, actorID); !ok {
			return store.ErrConditionFailed
		}
		return nil
	})
	if errors.Is(err, store.ErrConditionFailed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func pastDeadline(it domain.WorkItem, now time.Time) bool {
	if it.DeadlineAt == nil {
		return false
	}
	deadline, err := time.Parse(time.RFC3339, *it.DeadlineAt)
	if err != nil {
		return false
	}
	return !deadline.After(now)
}
