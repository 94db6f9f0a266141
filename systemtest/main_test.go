package systemtest

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelworks/commandhub/internal/credstore"
	"github.com/kestrelworks/commandhub/internal/db"
	"github.com/kestrelworks/commandhub/internal/gateway"
	"github.com/kestrelworks/commandhub/internal/hub"
	"github.com/kestrelworks/commandhub/systemtest/postgres"
	"github.com/kestrelworks/commandhub/systemtest/tests"
)

func TestSystemIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("system test needs Docker")
	}

	ctx := context.Background()

	container, dsn, err := postgres.Start(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, postgres.Terminate(ctx, container))
	})

	require.NoError(t, db.RunMigrations(dsn))

	pool, err := db.Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := credstore.NewStore(pool)

	deviceHub := hub.New(hub.DefaultLogCapacity, nil)
	t.Cleanup(deviceHub.Shutdown)

	server := httptest.NewServer(gateway.NewAcceptor(deviceHub, store, nil))
	t.Cleanup(server.Close)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	t.Run("EnrollmentCodeLifecycle", func(t *testing.T) { tests.TestEnrollmentCodeLifecycle(t, store) })
	t.Run("ConcurrentCodeConsume", func(t *testing.T) { tests.TestConcurrentCodeConsume(t, store) })
	t.Run("DeviceLifecycle", func(t *testing.T) { tests.TestDeviceLifecycle(t, store) })
	t.Run("DeviceEnrollment", func(t *testing.T) { tests.TestDeviceEnrollment(t, wsURL, store, deviceHub) })
}
