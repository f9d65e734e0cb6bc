package store

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// One shared container for the package; tests isolate through distinct
// container names in the documents table.
var (
	pgOnce sync.Once
	pgCfg  PostgresConfig
	pgErr  error
)

func postgresStore(t *testing.T) *Postgres {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres integration test in short mode")
	}
	pgOnce.Do(func() {
		ctx := context.Background()
		container, err := tcpostgres.Run(ctx,
			"postgres:17-alpine",
			tcpostgres.WithDatabase("ambient"),
			tcpostgres.WithUsername("ambient"),
			tcpostgres.WithPassword("ambient"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			pgErr = err
			return
		}
		host, err := container.Host(ctx)
		if err != nil {
			pgErr = err
			return
		}
		port, err := container.MappedPort(ctx, "5432/tcp")
		if err != nil {
			pgErr = err
			return
		}
		pgCfg = PostgresConfig{
			Host:     host,
			Port:     port.Int(),
			User:     "ambient",
			Password: "ambient",
			Database: "ambient",
			SSLMode:  "disable",
		}
	})
	require.NoError(t, pgErr, "postgres container failed to start")

	p, err := NewPostgres(context.Background(), pgCfg)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

// testContainer derives a per-test container name so tests sharing the
// database do not see each other's documents.
func testContainer(t *testing.T) string {
	t.Helper()
	return strings.ToLower(strings.ReplaceAll(t.Name(), "/", "_"))
}

func TestPostgresRoundTrip(t *testing.T) {
	p := postgresStore(t)
	ctx := context.Background()
	container := testContainer(t)

	doc := &Document{ID: "d1", PK: "user-1", Data: map[string]any{
		"status": "pending",
		"nested": map[string]any{"k": "v"},
	}}
	require.NoError(t, p.Upsert(ctx, container, doc))

	got, err := p.Get(ctx, container, "d1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.PK)
	assert.Equal(t, "pending", got.Data["status"])
	assert.Equal(t, map[string]any{"k": "v"}, got.Data["nested"])

	// Upsert replaces.
	doc.Data["status"] = "done"
	require.NoError(t, p.Upsert(ctx, container, doc))
	got, err = p.Get(ctx, container, "d1")
	require.NoError(t, err)
	assert.Equal(t, "done", got.Data["status"])
}

func TestPostgresGetNotFound(t *testing.T) {
	p := postgresStore(t)
	_, err := p.Get(context.Background(), testContainer(t), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresDelete(t *testing.T) {
	p := postgresStore(t)
	ctx := context.Background()
	container := testContainer(t)

	require.NoError(t, p.Upsert(ctx, container, &Document{ID: "d1", PK: "user-1", Data: map[string]any{}}))
	require.NoError(t, p.Delete(ctx, container, "d1"))
	_, err := p.Get(ctx, container, "d1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing document is not an error.
	assert.NoError(t, p.Delete(ctx, container, "ghost"))
}

func TestPostgresQuery(t *testing.T) {
	p := postgresStore(t)
	ctx := context.Background()
	container := testContainer(t)

	for _, d := range []*Document{
		{ID: "a", PK: "user-1", Data: map[string]any{"kind": "cron"}},
		{ID: "b", PK: "user-1", Data: map[string]any{"kind": "interval"}},
		{ID: "c", PK: "user-2", Data: map[string]any{"kind": "cron"}},
	} {
		require.NoError(t, p.Upsert(ctx, container, d))
	}

	docs, err := p.Query(ctx, container, Query{})
	require.NoError(t, err)
	require.Len(t, docs, 3)

	docs, err = p.Query(ctx, container, Query{PK: "user-1"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID)

	docs, err = p.Query(ctx, container, Query{Where: map[string]any{"kind": "cron"}})
	require.NoError(t, err)
	require.Len(t, docs, 2)

	docs, err = p.Query(ctx, container, Query{PK: "user-1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, docs, 1)
}

func TestPostgresPing(t *testing.T) {
	p := postgresStore(t)
	assert.NoError(t, p.Ping(context.Background()))
}
