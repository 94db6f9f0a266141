// Package tests holds the system test scenarios, run against a real
// Postgres-backed credential store.
package tests

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelworks/commandhub/internal/credstore"
)

func TestEnrollmentCodeLifecycle(t *testing.T, store *credstore.Store) {
	ctx := context.Background()

	t.Run("consume once", func(t *testing.T) {
		code, expiresAt, err := store.CreateEnrollmentCode(ctx, time.Minute)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(time.Minute), expiresAt, 5*time.Second)

		ok, err := store.ConsumeEnrollmentCode(ctx, code)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.ConsumeEnrollmentCode(ctx, code)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unknown code", func(t *testing.T) {
		ok, err := store.ConsumeEnrollmentCode(ctx, "ec_never_issued")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("expired code", func(t *testing.T) {
		code, _, err := store.CreateEnrollmentCode(ctx, -time.Minute)
		require.NoError(t, err)

		ok, err := store.ConsumeEnrollmentCode(ctx, code)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

// TestConcurrentCodeConsume races many consumers against one code; the
// conditional UPDATE must let exactly one through.
func TestConcurrentCodeConsume(t *testing.T, store *credstore.Store) {
	ctx := context.Background()

	code, _, err := store.CreateEnrollmentCode(ctx, time.Minute)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ConsumeEnrollmentCode(ctx, code)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestDeviceLifecycle(t *testing.T, store *credstore.Store) {
	ctx := context.Background()

	t.Run("register and lookup", func(t *testing.T) {
		token, err := credstore.MintDeviceToken()
		require.NoError(t, err)

		err = store.RegisterDevice(ctx, "sys-dev-1", token, "alice", "laptop")
		require.NoError(t, err)

		id, err := store.LookupDeviceIDByToken(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, "sys-dev-1", id)

		rec, err := store.GetDevice(ctx, "sys-dev-1")
		require.NoError(t, err)
		assert.Equal(t, "alice", rec.Username)
		assert.Equal(t, credstore.HashSecret(token), rec.TokenHash)
	})

	t.Run("duplicate device id", func(t *testing.T) {
		token, err := credstore.MintDeviceToken()
		require.NoError(t, err)
		require.NoError(t, store.RegisterDevice(ctx, "sys-dev-2", token, "alice", "laptop"))

		other, err := credstore.MintDeviceToken()
		require.NoError(t, err)
		err = store.RegisterDevice(ctx, "sys-dev-2", other, "bob", "phone")
		assert.ErrorIs(t, err, credstore.ErrDeviceExists)
	})

	t.Run("unknown token", func(t *testing.T) {
		_, err := store.LookupDeviceIDByToken(ctx, "dt_never_minted")
		assert.ErrorIs(t, err, credstore.ErrTokenUnknown)
	})

	t.Run("touch updates last seen and metadata", func(t *testing.T) {
		token, err := credstore.MintDeviceToken()
		require.NoError(t, err)
		require.NoError(t, store.RegisterDevice(ctx, "sys-dev-3", token, "alice", "laptop"))

		before, err := store.GetDevice(ctx, "sys-dev-3")
		require.NoError(t, err)

		time.Sleep(50 * time.Millisecond)
		require.NoError(t, store.TouchDevice(ctx, "sys-dev-3", "", "desktop"))

		after, err := store.GetDevice(ctx, "sys-dev-3")
		require.NoError(t, err)
		assert.True(t, after.LastSeen.After(before.LastSeen))
		assert.Equal(t, "alice", after.Username)
		assert.Equal(t, "desktop", after.DeviceName)

		err = store.TouchDevice(ctx, "sys-dev-missing", "", "")
		assert.ErrorIs(t, err, credstore.ErrDeviceNotFound)
	})
}
