// Package recovery records reward credits that failed after a completion and
// retries them from a lease-guarded sweep until they resolve or exhaust
// their retry budget.
package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"questline/internal/domain"
	"questline/internal/store"
)

// Collection holds one document per failed reward, keyed by record id.
const Collection = "failed_rewards"

// Recorder durably writes new failed-reward records.
type Recorder struct {
	Docs store.Store
	Now  func() time.Time
}

func NewRecorder(docs store.Store) Recorder {
	return Recorder{Docs: docs, Now: time.Now}
}

// RecordID derives the record id from the reward id so that recording the
// same failure twice keeps a single record.
func RecordID(rewardID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("failed-reward|"+rewardID)).String()
}

// Record stores fr as pending with no retries and no lease. When a record
// for the same reward already exists it is returned unchanged.
func (r Recorder) Record(ctx context.Context, fr domain.FailedReward) (domain.FailedReward, error) {
	if fr.RewardID == "" || fr.ActorID == "" {
		return domain.FailedReward{}, errors.New("failed reward needs reward and actor ids")
	}
	now := timestamp(r.Now)
	fr.ID = RecordID(fr.RewardID)
	fr.Status = domain.FailedRewardPending
	fr.RetryCount = 0
	fr.LeaseOwner = nil
	fr.LeaseToken = nil
	fr.LeaseExpiresAt = nil
	fr.ResolvedAt = nil
	fr.CreatedAt = now
	fr.UpdatedAt = now
	err := store.CreateDoc(ctx, r.Docs, Collection, fr.ID, fr)
	if errors.Is(err, store.ErrConditionFailed) {
		return store.GetDoc[domain.FailedReward](ctx, r.Docs, Collection, fr.ID)
	}
	if err != nil {
		return domain.FailedReward{}, err
	}
	return fr, nil
}

// Recorded reports whether a record exists for rewardID, in any status.
func (r Recorder) Recorded(ctx context.Context, rewardID string) (bool, error) {
	_, err := r.Docs.Get(ctx, Collection, RecordID(rewardID))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func timestamp(now func() time.Time) string {
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339Nano)
}
