package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"questline/internal/db"
	"questline/internal/migrate"
	"questline/internal/store"
)

type counter struct {
	Status string `json:"status"`
	N      int    `json:"n"`
}

func backends(t *testing.T) map[string]func(t *testing.T) store.Store {
	t.Helper()
	b := map[string]func(t *testing.T) store.Store{
		"memory": func(t *testing.T) store.Store {
			return store.NewMemory(store.Options{})
		},
		"sqlite": func(t *testing.T) store.Store {
			conn, err := db.Open(db.Config{Driver: db.DriverSQLite, Workspace: t.TempDir()})
			require.NoError(t, err)
			require.NoError(t, migrate.Migrate(conn, "sqlite"))
			s := store.NewSQL(conn, store.DialectSQLite, store.Options{})
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	if dsn := os.Getenv("DB_URL"); dsn != "" {
		b["postgres"] = func(t *testing.T) store.Store {
			conn, err := db.Open(db.Config{Driver: db.DriverPostgres, DSN: dsn})
			require.NoError(t, err)
			require.NoError(t, migrate.Migrate(conn, "postgres"))
			_, err = conn.Exec(`DELETE FROM documents`)
			require.NoError(t, err)
			s := store.NewSQL(conn, store.DialectPostgres, store.Options{})
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	return b
}

func TestStoreContract(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("get missing", func(t *testing.T) {
				s := open(t)
				_, err := s.Get(context.Background(), "c", "missing")
				assert.ErrorIs(t, err, store.ErrNotFound)
			})

			t.Run("create is put-if-absent", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				require.NoError(t, store.CreateDoc(ctx, s, "c", "k", counter{Status: "a"}))
				err := store.CreateDoc(ctx, s, "c", "k", counter{Status: "b"})
				assert.ErrorIs(t, err, store.ErrConditionFailed)
				got, err := store.GetDoc[counter](ctx, s, "c", "k")
				require.NoError(t, err)
				assert.Equal(t, "a", got.Status)
			})

			t.Run("rejected update leaves bytes untouched", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				require.NoError(t, store.CreateDoc(ctx, s, "c", "k", counter{Status: "open", N: 1}))
				before, err := s.Get(ctx, "c", "k")
				require.NoError(t, err)

				_, err = store.UpdateDoc(ctx, s, "c", "k", func(c *counter) error {
					c.N = 99
					return store.ErrConditionFailed
				})
				assert.ErrorIs(t, err, store.ErrConditionFailed)

				after, err := s.Get(ctx, "c", "k")
				require.NoError(t, err)
				assert.Equal(t, before.Body, after.Body)
				assert.Equal(t, before.Version, after.Version)
			})

			t.Run("update bumps version", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				require.NoError(t, store.CreateDoc(ctx, s, "c", "k", counter{}))
				got, err := store.UpdateDoc(ctx, s, "c", "k", func(c *counter) error {
					c.N++
					return nil
				})
				require.NoError(t, err)
				assert.Equal(t, 1, got.N)
				doc, err := s.Get(ctx, "c", "k")
				require.NoError(t, err)
				assert.Equal(t, int64(2), doc.Version)
			})

			t.Run("update missing", func(t *testing.T) {
				s := open(t)
				_, err := store.UpdateDoc(context.Background(), s, "c", "nope", func(c *counter) error { return nil })
				assert.ErrorIs(t, err, store.ErrNotFound)
			})

			t.Run("concurrent increments are serialized", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				require.NoError(t, store.CreateDoc(ctx, s, "c", "k", counter{}))
				const n = 8
				var wg sync.WaitGroup
				for i := 0; i < n; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := store.UpdateDoc(ctx, s, "c", "k", func(c *counter) error {
							c.N++
							return nil
						})
						assert.NoError(t, err)
					}()
				}
				wg.Wait()
				got, err := store.GetDoc[counter](ctx, s, "c", "k")
				require.NoError(t, err)
				assert.Equal(t, n, got.N)
			})

			t.Run("concurrent conditional writes admit one winner", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				require.NoError(t, store.CreateDoc(ctx, s, "c", "k", counter{Status: "open"}))
				var wins atomic.Int32
				var wg sync.WaitGroup
				for i := 0; i < 10; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := store.UpdateDoc(ctx, s, "c", "k", func(c *counter) error {
							if c.Status != "open" {
								return store.ErrConditionFailed
							}
							c.Status = "taken"
							return nil
						})
						if err == nil {
							wins.Add(1)
						} else {
							assert.ErrorIs(t, err, store.ErrConditionFailed)
						}
					}()
				}
				wg.Wait()
				assert.Equal(t, int32(1), wins.Load())
			})

			t.Run("conditional delete", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				require.NoError(t, store.CreateDoc(ctx, s, "c", "k", counter{Status: "keep"}))
				err := store.DeleteDoc(ctx, s, "c", "k", func(c counter) error {
					if c.Status != "drop" {
						return store.ErrConditionFailed
					}
					return nil
				})
				assert.ErrorIs(t, err, store.ErrConditionFailed)
				_, err = s.Get(ctx, "c", "k")
				require.NoError(t, err)

				require.NoError(t, s.Delete(ctx, "c", "k", nil))
				_, err = s.Get(ctx, "c", "k")
				assert.ErrorIs(t, err, store.ErrNotFound)
			})

			t.Run("find by field", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				require.NoError(t, store.CreateDoc(ctx, s, "c", "b", counter{Status: "pending"}))
				require.NoError(t, store.CreateDoc(ctx, s, "c", "a", counter{Status: "pending"}))
				require.NoError(t, store.CreateDoc(ctx, s, "c", "z", counter{Status: "resolved"}))
				require.NoError(t, store.CreateDoc(ctx, s, "other", "x", counter{Status: "pending"}))

				docs, err := s.Find(ctx, "c", "status", "pending", 0)
				require.NoError(t, err)
				require.Len(t, docs, 2)
				assert.Equal(t, "a", docs[0].Key)
				assert.Equal(t, "b", docs[1].Key)

				limited, err := store.FindDocs[counter](ctx, s, "c", "status", "pending", 1)
				require.NoError(t, err)
				assert.Len(t, limited, 1)
			})

			t.Run("put overwrites", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				require.NoError(t, store.PutDoc(ctx, s, "c", "k", counter{N: 1}))
				require.NoError(t, store.PutDoc(ctx, s, "c", "k", counter{N: 2}))
				doc, err := s.Get(ctx, "c", "k")
				require.NoError(t, err)
				var c counter
				require.NoError(t, json.Unmarshal(doc.Body, &c))
				assert.Equal(t, 2, c.N)
			})
		})
	}
}

func TestUnavailableErrorClassification(t *testing.T) {
	s := store.NewMemory(store.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := s.Get(ctx, "c", "k")
	require.Error(t, err)
	assert.True(t, store.IsTransient(err))
	assert.True(t, store.IsTimeout(err))
	assert.False(t, errors.Is(err, store.ErrNotFound))

	require.NoError(t, s.Close())
	_, err = s.Get(context.Background(), "c", "k")
	assert.True(t, store.IsTransient(err))
	assert.False(t, store.IsTimeout(err))
}

func TestSQLFindRejectsUnsafeField(t *testing.T) {
	conn, err := db.Open(db.Config{Driver: db.DriverSQLite, Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn, "sqlite"))
	s := store.NewSQL(conn, store.DialectSQLite, store.Options{})
	defer s.Close()

	_, err = s.Find(context.Background(), "c", "status') OR 1=1 --", "x", 0)
	assert.Error(t, err)
}
