package ledger_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"questline/internal/db"
	"questline/internal/ledger"
	"questline/internal/migrate"
	"questline/internal/store"
	"questline/internal/store/storetest"
)

func ledgers(t *testing.T) map[string]ledger.Ledger {
	t.Helper()
	conn, err := db.Open(db.Config{Driver: db.DriverSQLite, Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn, "sqlite"))
	sqlStore := store.NewSQL(conn, store.DialectSQLite, store.Options{})
	t.Cleanup(func() { sqlStore.Close() })
	return map[string]ledger.Ledger{
		"memory": ledger.New(store.NewMemory(store.Options{})),
		"sqlite": ledger.New(sqlStore),
	}
}

func TestCreditSequentialIsIdempotent(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rid := ledger.RewardID("w1")

			res, err := l.Credit(ctx, "bob", rid, 100, 10, 5)
			require.NoError(t, err)
			assert.True(t, res.Applied)
			assert.False(t, res.AlreadyProcessed)

			for i := 0; i < 3; i++ {
				res, err = l.Credit(ctx, "bob", rid, 100, 10, 5)
				require.NoError(t, err)
				assert.False(t, res.Applied)
				assert.True(t, res.AlreadyProcessed)
			}

			b, err := l.Balance(ctx, "bob")
			require.NoError(t, err)
			assert.Equal(t, int64(100), b.Experience)
			assert.Equal(t, int64(10), b.ReputationScore)
			assert.Equal(t, int64(5), b.SpendablePoints)
			assert.Equal(t, []string{rid}, b.ProcessedRewardIDs)
		})
	}
}

func TestCreditConcurrentIsIdempotent(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const n = 10
			var wg sync.WaitGroup
			applied := make(chan bool, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := l.Credit(ctx, "bob", "r1", 7, 3, 1)
					assert.NoError(t, err)
					applied <- res.Applied
				}()
			}
			wg.Wait()
			close(applied)
			count := 0
			for ok := range applied {
				if ok {
					count++
				}
			}
			assert.Equal(t, 1, count)

			b, err := l.Balance(ctx, "bob")
			require.NoError(t, err)
			assert.Equal(t, int64(7), b.Experience)
			assert.Equal(t, int64(3), b.ReputationScore)
			assert.Equal(t, int64(1), b.SpendablePoints)
		})
	}
}

func TestDistinctRewardsAccumulate(t *testing.T) {
	l := ledger.New(store.NewMemory(store.Options{}))
	ctx := context.Background()
	_, err := l.Credit(ctx, "bob", "r1", 10, 1, 1)
	require.NoError(t, err)
	_, err = l.Credit(ctx, "bob", "r2", 5, 2, 3)
	require.NoError(t, err)
	b, err := l.Balance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(15), b.Experience)
	assert.Equal(t, int64(3), b.ReputationScore)
	assert.Equal(t, int64(4), b.SpendablePoints)

	ok, err := l.HasProcessed(ctx, "bob", "r2")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.HasProcessed(ctx, "nobody", "r2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDebit(t *testing.T) {
	l := ledger.New(store.NewMemory(store.Options{}))
	ctx := context.Background()
	_, err := l.Credit(ctx, "bob", "r1", 0, 0, 10)
	require.NoError(t, err)

	_, err = l.Debit(ctx, "bob", "d1", 25)
	assert.ErrorIs(t, err, ledger.ErrInsufficientPoints)

	res, err := l.Debit(ctx, "bob", "d2", 4)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(6), res.Balance.SpendablePoints)

	res, err = l.Debit(ctx, "bob", "d2", 4)
	require.NoError(t, err)
	assert.True(t, res.AlreadyProcessed)
	assert.Equal(t, int64(6), res.Balance.SpendablePoints)

	_, err = l.Debit(ctx, "bob", "d3", 0)
	assert.Error(t, err)
}

func TestCreditRejectsNegativeAmounts(t *testing.T) {
	l := ledger.New(store.NewMemory(store.Options{}))
	_, err := l.Credit(context.Background(), "bob", "r1", -1, 0, 0)
	assert.Error(t, err)
}

func TestCreditSurfacesStoreFailure(t *testing.T) {
	flaky := storetest.NewFlaky(store.NewMemory(store.Options{}))
	l := ledger.New(flaky)
	ctx := context.Background()

	flaky.FailWrites(ledger.Collection, 1)
	_, err := l.Credit(ctx, "bob", "r1", 1, 1, 1)
	require.Error(t, err)
	assert.True(t, store.IsTransient(err))

	res, err := l.Credit(ctx, "bob", "r1", 1, 1, 1)
	require.NoError(t, err)
	assert.True(t, res.Applied)
}
