package store

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql (migrations)
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresConfig holds connection settings for the Postgres backend.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// Connection pool settings. Zero values fall back to pgxpool
	// defaults.
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DSN renders the config as a pgx connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Postgres implements Store on a single jsonb documents table. All
// containers share the table, keyed by (container, id); Query filters
// use jsonb containment so the GIN index applies.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects, applies pending migrations and returns the
// store. Migrations run through database/sql on a throwaway connection;
// queries use the pgx pool.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if err := runMigrations(cfg); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping verifies database connectivity, for health checks.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Get(ctx context.Context, container, id string) (*Document, error) {
	var (
		doc Document
		raw []byte
	)
	err := p.pool.QueryRow(ctx,
		`SELECT id, pk, data FROM documents WHERE container = $1 AND id = $2`,
		container, id,
	).Scan(&doc.ID, &doc.PK, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, container, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s/%s: %w", container, id, err)
	}
	if err := json.Unmarshal(raw, &doc.Data); err != nil {
		return nil, fmt.Errorf("decode document %s/%s: %w", container, id, err)
	}
	return &doc, nil
}

func (p *Postgres) Upsert(ctx context.Context, container string, doc *Document) error {
	raw, err := json.Marshal(doc.Data)
	if err != nil {
		return fmt.Errorf("encode document %s/%s: %w", container, doc.ID, err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO documents (container, id, pk, data)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (container, id)
		 DO UPDATE SET pk = EXCLUDED.pk, data = EXCLUDED.data, updated_at = now()`,
		container, doc.ID, doc.PK, raw)
	if err != nil {
		return fmt.Errorf("upsert document %s/%s: %w", container, doc.ID, err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, container, id string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM documents WHERE container = $1 AND id = $2`, container, id)
	if err != nil {
		return fmt.Errorf("delete document %s/%s: %w", container, id, err)
	}
	return nil
}

func (p *Postgres) Query(ctx context.Context, container string, q Query) ([]*Document, error) {
	sql := `SELECT id, pk, data FROM documents WHERE container = $1`
	args := []any{container}
	if q.PK != "" {
		args = append(args, q.PK)
		sql += fmt.Sprintf(` AND pk = $%d`, len(args))
	}
	if len(q.Where) > 0 {
		raw, err := json.Marshal(q.Where)
		if err != nil {
			return nil, fmt.Errorf("encode query filter: %w", err)
		}
		args = append(args, raw)
		sql += fmt.Sprintf(` AND data @> $%d`, len(args))
	}
	sql += ` ORDER BY created_at, id`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query container %s: %w", container, err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		var (
			doc Document
			raw []byte
		)
		if err := rows.Scan(&doc.ID, &doc.PK, &raw); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if err := json.Unmarshal(raw, &doc.Data); err != nil {
			return nil, fmt.Errorf("decode document %s: %w", doc.ID, err)
		}
		docs = append(docs, &doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query container %s: %w", container, err)
	}
	return docs, nil
}

// runMigrations applies pending schema migrations embedded in the
// binary. Uses a dedicated database/sql connection so closing the
// migrate driver cannot touch the pgx pool.
func runMigrations(cfg PostgresConfig) error {
	db, err := stdsql.Open("pgx", cfg.DSN())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, cfg.Database, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}
