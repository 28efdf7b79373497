//go:build integration

package forgekit_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veiloq/forgekit"
	"github.com/veiloq/forgekit/config"
	"github.com/veiloq/forgekit/runtime"
	"github.com/veiloq/forgekit/session"
	"go.uber.org/zap"
)

// These tests need a reachable Docker daemon; run with -tags integration.

func integrationConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Identity = "forgekit_integration"
	cfg.Image = "forgekit-seeded:test"
	cfg.BuildContext = "testdata/image"
	cfg.LockDir = t.TempDir()
	return cfg
}

func TestIntegration_SeedDataVisibleAndResetBetweenSessions(t *testing.T) {
	ctx := context.Background()
	kit, err := forgekit.NewForgeKit(ctx, t, integrationConfig(t))
	require.NoError(t, err)

	// Session A: the baked-in seed row is present, then A dirties the data.
	kit.Run(ctx, t, func(ctx context.Context, s *session.Session) error {
		var name string
		var kcal int
		err := s.Pool().QueryRow(ctx,
			`SELECT name, kcal_per_unit FROM food_items WHERE id = 'a'`).Scan(&name, &kcal)
		require.NoError(t, err)
		assert.Equal(t, "bread", name)
		assert.Equal(t, 10, kcal)

		_, err = s.Pool().Exec(ctx,
			`INSERT INTO food_items (id, name, kcal_per_unit) VALUES ('b', 'butter', 72)`)
		require.NoError(t, err)
		return nil
	})

	// Session B: A's writes are gone, the schema is not.
	kit.Run(ctx, t, func(ctx context.Context, s *session.Session) error {
		var count int
		err := s.Pool().QueryRow(ctx, `SELECT count(*) FROM food_items`).Scan(&count)
		require.NoError(t, err)
		assert.Zero(t, count, "previous session's data must not leak")
		return nil
	})
}

func TestIntegration_DatabaseIsolation(t *testing.T) {
	ctx := context.Background()
	kit, err := forgekit.NewForgeKit(ctx, t, integrationConfig(t),
		config.WithIsolation(config.IsolationDatabase),
		config.WithSchemaScript("testdata/image/seed.sql"),
	)
	require.NoError(t, err)

	var firstDB string
	kit.Run(ctx, t, func(ctx context.Context, s *session.Session) error {
		firstDB = s.Database()
		_, err := s.Pool().Exec(ctx,
			`INSERT INTO food_items (id, name, kcal_per_unit) VALUES ('c', 'cheese', 40)`)
		require.NoError(t, err)
		return nil
	})

	kit.Run(ctx, t, func(ctx context.Context, s *session.Session) error {
		assert.NotEqual(t, firstDB, s.Database(), "each session gets its own database")

		var count int
		err := s.Pool().QueryRow(ctx,
			`SELECT count(*) FROM food_items WHERE id = 'c'`).Scan(&count)
		require.NoError(t, err)
		assert.Zero(t, count)
		return nil
	})
}

func TestIntegration_ReclaimsStaleContainer(t *testing.T) {
	ctx := context.Background()
	cfg := integrationConfig(t)
	cfg.Identity = "forgekit_stale_test"

	// Simulate a crashed earlier run: a container squats on the identity.
	rt, err := runtime.NewDocker(10*time.Second, zap.NewNop())
	require.NoError(t, err)
	defer rt.Close()

	stale, err := rt.CreateContainer(ctx, runtime.RunSpec{
		Name:          cfg.Identity,
		Image:         "postgres:16-alpine",
		Env:           []string{"POSTGRES_PASSWORD=stale"},
		ContainerPort: 5432,
		HostPort:      54398,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.RemoveContainer(context.Background(), stale) })

	kit, err := forgekit.NewForgeKit(ctx, t, cfg)
	require.NoError(t, err, "a leftover container must be reclaimed, not fatal")
	require.NotNil(t, kit.Instance())
	assert.NotEqual(t, stale.ID, kit.Instance().Handle().ID)
}

func TestIntegration_TransactionRunnersRollBack(t *testing.T) {
	ctx := context.Background()
	kit, err := forgekit.NewForgeKit(ctx, t, integrationConfig(t))
	require.NoError(t, err)

	s, err := kit.OpenSession(ctx)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	s.RunTx(ctx, t, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO food_items (id, name, kcal_per_unit) VALUES ('d', 'dates', 28)`)
		return err
	})

	var count int
	err = s.Pool().QueryRow(ctx, `SELECT count(*) FROM food_items WHERE id = 'd'`).Scan(&count)
	require.NoError(t, err)
	assert.Zero(t, count, "transaction runner must roll back")
}
