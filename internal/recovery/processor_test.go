package recovery_test

import (
	"bytes"
	"context"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"questline/internal/domain"
	"questline/internal/ledger"
	"questline/internal/recovery"
	"questline/internal/store"
	"questline/internal/store/storetest"
)

type captured struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *captured) Publish(_ context.Context, evt domain.Event) {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
}

type fixture struct {
	docs     store.Store
	flaky    *storetest.Flaky
	ledger   ledger.Ledger
	recorder recovery.Recorder
	now      time.Time
	logs     *bytes.Buffer
	events   *captured
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	docs := store.NewMemory(store.Options{})
	flaky := storetest.NewFlaky(docs)
	return &fixture{
		docs:     docs,
		flaky:    flaky,
		ledger:   ledger.New(flaky),
		recorder: recovery.NewRecorder(docs),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		logs:     &bytes.Buffer{},
		events:   &captured{},
	}
}

func (f *fixture) processor(worker string) *recovery.Processor {
	p := recovery.NewProcessor(f.docs, f.ledger, recovery.Config{
		MaxRetries: 3,
		Lease:      time.Minute,
		WorkerID:   worker,
	}, log.New(f.logs, "", 0))
	p.Notifier = f.events
	p.Now = func() time.Time { return f.now }
	return p
}

func (f *fixture) record(t *testing.T, rewardID string) domain.FailedReward {
	t.Helper()
	rec, err := f.recorder.Record(context.Background(), domain.FailedReward{
		RewardID:         rewardID,
		ActorID:          "bob",
		WorkItemID:       "w1",
		XPAmount:         100,
		ReputationAmount: 10,
	})
	require.NoError(t, err)
	return rec
}

func (f *fixture) get(t *testing.T, id string) domain.FailedReward {
	t.Helper()
	rec, err := store.GetDoc[domain.FailedReward](context.Background(), f.docs, recovery.Collection, id)
	require.NoError(t, err)
	return rec
}

func TestRecordIsPendingAndDeduplicated(t *testing.T) {
	f := newFixture(t)
	rec := f.record(t, ledger.RewardID("w1"))
	assert.Equal(t, domain.FailedRewardPending, rec.Status)
	assert.Equal(t, 0, rec.RetryCount)
	assert.Nil(t, rec.LeaseOwner)

	again := f.record(t, ledger.RewardID("w1"))
	assert.Equal(t, rec.ID, again.ID)

	list, err := f.processor("w").List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSweepResolvesPendingRecord(t *testing.T) {
	f := newFixture(t)
	rec := f.record(t, ledger.RewardID("w1"))

	res, err := f.processor("w1").RunSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, recovery.SweepResult{Processed: 1, Resolved: 1}, res)

	got := f.get(t, rec.ID)
	assert.Equal(t, domain.FailedRewardResolved, got.Status)
	assert.NotNil(t, got.ResolvedAt)
	assert.Nil(t, got.LeaseOwner)
	assert.Nil(t, got.LeaseExpiresAt)

	bal, err := f.ledger.Balance(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Experience)
	assert.Equal(t, int64(10), bal.ReputationScore)

	res, err = f.processor("w1").RunSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, recovery.SweepResult{}, res)
}

func TestSweepSkipsCreditWhenAlreadyProcessed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rid := ledger.RewardID("w1")
	_, err := f.ledger.Credit(ctx, "bob", rid, 100, 10, 0)
	require.NoError(t, err)
	rec := f.record(t, rid)

	res, err := f.processor("w1").RunSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
	assert.Equal(t, domain.FailedRewardResolved, f.get(t, rec.ID).Status)

	bal, err := f.ledger.Balance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Experience)
}

func TestFailedRetryReturnsToPending(t *testing.T) {
	f := newFixture(t)
	rec := f.record(t, "r1")
	f.flaky.FailWrites(ledger.Collection, -1)

	res, err := f.processor("w1").RunSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, recovery.SweepResult{Processed: 1, Failed: 1}, res)

	got := f.get(t, rec.ID)
	assert.Equal(t, domain.FailedRewardPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.LastError, storetest.ErrInjected.Error())
	assert.Nil(t, got.LeaseOwner)
	assert.Nil(t, got.LeaseExpiresAt)
}

func TestLastRetryAbandons(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.record(t, "r1")
	_, err := store.UpdateDoc(ctx, f.docs, recovery.Collection, rec.ID, func(fr *domain.FailedReward) error {
		fr.RetryCount = 2
		return nil
	})
	require.NoError(t, err)
	f.flaky.FailWrites(ledger.Collection, -1)

	res, err := f.processor("w1").RunSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, recovery.SweepResult{Processed: 1, Abandoned: 1}, res)

	got := f.get(t, rec.ID)
	assert.Equal(t, domain.FailedRewardAbandoned, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Nil(t, got.LeaseOwner)
	assert.Nil(t, got.LeaseExpiresAt)
	assert.Contains(t, f.logs.String(), "WARN abandoned reward=r1")
	require.Len(t, f.events.events, 1)
	assert.Equal(t, domain.EventRewardAbandoned, f.events.events[0].Type)

	f.flaky.Heal()
	f.now = f.now.Add(time.Hour)
	res, err = f.processor("w2").RunSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, recovery.SweepResult{}, res, "abandoned records are never picked up again")
}

func TestBoundCheckAbandonsWithoutCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.record(t, "r1")
	_, err := store.UpdateDoc(ctx, f.docs, recovery.Collection, rec.ID, func(fr *domain.FailedReward) error {
		fr.RetryCount = 3
		return nil
	})
	require.NoError(t, err)

	res, err := f.processor("w1").RunSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Abandoned)
	ok, err := f.ledger.HasProcessed(ctx, "bob", "r1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentSweepsLeaseOnce(t *testing.T) {
	f := newFixture(t)
	rec := f.record(t, "r1")

	const workers = 8
	results := make([]recovery.SweepResult, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.processor(string(rune('a'+i))).RunSweep(context.Background())
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	var total recovery.SweepResult
	for _, r := range results {
		total.Processed += r.Processed
		total.Resolved += r.Resolved
	}
	assert.Equal(t, 1, total.Processed)
	assert.Equal(t, 1, total.Resolved)
	assert.Equal(t, domain.FailedRewardResolved, f.get(t, rec.ID).Status)

	bal, err := f.ledger.Balance(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Experience)
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.record(t, "r1")
	owner := "dead-worker"
	expires := f.now.Add(30 * time.Second).Format(time.RFC3339Nano)
	_, err := store.UpdateDoc(ctx, f.docs, recovery.Collection, rec.ID, func(fr *domain.FailedReward) error {
		fr.Status = domain.FailedRewardRetrying
		fr.LeaseOwner = &owner
		fr.LeaseExpiresAt = &expires
		return nil
	})
	require.NoError(t, err)

	res, err := f.processor("w1").RunSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed, "live lease must be respected")
	assert.Equal(t, domain.FailedRewardRetrying, f.get(t, rec.ID).Status)

	// A lease expiring exactly now no longer counts as held.
	f.now = f.now.Add(30 * time.Second)
	res, err = f.processor("w1").RunSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, recovery.SweepResult{Processed: 1, Resolved: 1}, res)
}

func TestStaleLeaseCannotFinishAfterReacquire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.record(t, "r1")

	// While the first sweep is crediting, its lease runs out and a second
	// sweep under the same worker id takes the record again.
	second := "second-lease"
	f.flaky.BeforeNextWrite(ledger.Collection, func() {
		f.now = f.now.Add(2 * time.Minute)
		owner := "w1"
		expires := f.now.Add(time.Minute).Format(time.RFC3339Nano)
		_, err := store.UpdateDoc(ctx, f.docs, recovery.Collection, rec.ID, func(fr *domain.FailedReward) error {
			fr.LeaseOwner = &owner
			fr.LeaseToken = &second
			fr.LeaseExpiresAt = &expires
			return nil
		})
		require.NoError(t, err)
	})

	res, err := f.processor("w1").RunSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, recovery.SweepResult{Processed: 1, Skipped: 1}, res)

	got := f.get(t, rec.ID)
	assert.Equal(t, domain.FailedRewardRetrying, got.Status)
	require.NotNil(t, got.LeaseToken)
	assert.Equal(t, second, *got.LeaseToken)
}
