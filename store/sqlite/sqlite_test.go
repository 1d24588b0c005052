package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/store/sqlite"
	"github.com/warp/credit-ledger/store/storetest"
)

func TestSQLite_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend {
		store, err := sqlite.New(context.Background(), ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func TestSQLite_FileConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend {
		store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func TestSQLite_ReadsDoNotWaitForWriter(t *testing.T) {
	// GIVEN: A file database with a write transaction left open
	ctx := context.Background()
	store, err := sqlite.New(ctx, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.SaveClient(ctx, ledger.Client{ID: "c-2", Name: "Beta", Role: ledger.RoleClient, CreatedAt: time.Now()}))

	// WHEN: Another client is read while the transaction is open
	err = store.WithTx(ctx, func(tx ledger.Store) error {
		if err := tx.SetCreditBalance(ctx, "c-2", ledger.MustMoney("5")); err != nil {
			return err
		}
		done := make(chan error, 1)
		go func() {
			c, err := store.GetClient(ctx, "c-2")
			if err == nil && !c.CreditBalance.IsZero() {
				err = errors.New("uncommitted balance visible")
			}
			done <- err
		}()
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			return errors.New("read blocked by open write transaction")
		}
	})

	// THEN: The read was served from the committed state
	require.NoError(t, err)
	c, err := store.GetClient(ctx, "c-2")
	require.NoError(t, err)
	assert.True(t, ledger.MustMoney("5").Equal(c.CreditBalance))
}

func TestSQLite_FileDatabaseSurvivesReopen(t *testing.T) {
	// GIVEN: A client saved to a file database
	// WHEN: The database is closed and opened again
	// THEN: The schema migration is a no-op and the client is still there

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	store, err := sqlite.New(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.SaveClient(ctx, ledger.Client{
		ID:        "c-1",
		Name:      "Sharma Traders",
		Role:      ledger.RoleClient,
		CreatedAt: time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, store.Close())

	store, err = sqlite.New(ctx, path)
	require.NoError(t, err)
	defer store.Close()

	c, err := store.GetClient(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "Sharma Traders", c.Name)
	assert.True(t, c.CreditBalance.IsZero())
}
