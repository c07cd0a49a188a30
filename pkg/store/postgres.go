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

	"github.com/clara-labs/clara/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// Postgres implements Repository over a pgx connection pool. Migrations are
// embedded into the binary and applied on startup.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects, runs pending migrations, and returns the repository.
func NewPostgres(ctx context.Context, cfg Config) (*Postgres, error) {
	if err := runMigrations(cfg); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime

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

// runMigrations applies embedded migrations using golang-migrate over a
// short-lived database/sql connection.
func runMigrations(cfg Config) error {
	db, err := stdsql.Open("pgx", cfg.DSN())
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
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

	return sourceDriver.Close()
}

const tenantColumns = `id, display_name, persona_prompt, posting_hours, timezone, credentials,
	knowledge_handle, active, last_acted_at, day_key, daily_llm_calls, daily_posts,
	created_at, updated_at`

func scanTenant(row pgx.Row) (*models.Tenant, error) {
	var (
		t         models.Tenant
		hours     []int32
		credsJSON []byte
	)
	err := row.Scan(&t.ID, &t.DisplayName, &t.PersonaPrompt, &hours, &t.Timezone, &credsJSON,
		&t.KnowledgeHandle, &t.Active, &t.LastActedAt, &t.Counters.DayKey,
		&t.Counters.LLMCalls, &t.Counters.Posts, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.PostingHours = make([]int, len(hours))
	for i, h := range hours {
		t.PostingHours[i] = int(h)
	}
	if len(credsJSON) > 0 {
		if err := json.Unmarshal(credsJSON, &t.Credentials); err != nil {
			return nil, fmt.Errorf("failed to decode credentials for tenant %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

// ListTenants implements Repository.
func (p *Postgres) ListTenants(ctx context.Context) ([]*models.Tenant, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// GetTenant implements Repository.
func (p *Postgres) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	return scanTenant(row)
}

// UpsertTenant implements Repository.
func (p *Postgres) UpsertTenant(ctx context.Context, t *models.Tenant) error {
	credsJSON, err := json.Marshal(t.Credentials)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	hours := make([]int32, len(t.PostingHours))
	for i, h := range t.PostingHours {
		hours[i] = int32(h)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO tenants (id, display_name, persona_prompt, posting_hours, timezone,
			credentials, knowledge_handle, active, last_acted_at, day_key,
			daily_llm_calls, daily_posts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			persona_prompt = EXCLUDED.persona_prompt,
			posting_hours = EXCLUDED.posting_hours,
			timezone = EXCLUDED.timezone,
			credentials = EXCLUDED.credentials,
			knowledge_handle = EXCLUDED.knowledge_handle,
			active = EXCLUDED.active,
			updated_at = now()`,
		t.ID, t.DisplayName, t.PersonaPrompt, hours, t.Timezone,
		credsJSON, t.KnowledgeHandle, t.Active, t.LastActedAt, t.Counters.DayKey,
		t.Counters.LLMCalls, t.Counters.Posts,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert tenant %s: %w", t.ID, err)
	}
	return nil
}

// UpdateTenantActivity implements Repository.
func (p *Postgres) UpdateTenantActivity(ctx context.Context, id string, actedAt time.Time, counters models.DailyCounters) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE tenants
		SET last_acted_at = $2, day_key = $3, daily_llm_calls = $4, daily_posts = $5,
		    updated_at = now()
		WHERE id = $1`,
		id, actedAt, counters.DayKey, counters.LLMCalls, counters.Posts,
	)
	if err != nil {
		return fmt.Errorf("failed to update tenant activity for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertPost implements Repository.
func (p *Postgres) InsertPost(ctx context.Context, post *models.Post) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO posts (id, tenant_id, text, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		post.ID, post.TenantID, post.Text, post.Status, post.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert post %s: %w", post.ID, err)
	}
	return nil
}

// GetPost implements Repository.
func (p *Postgres) GetPost(ctx context.Context, id string) (*models.Post, error) {
	var (
		post     models.Post
		failKind *string
		failMsg  *string
		extID    *string
	)
	err := p.pool.QueryRow(ctx, `
		SELECT id, tenant_id, text, status, external_id, failure_kind, failure_message,
		       created_at, published_at
		FROM posts WHERE id = $1`, id,
	).Scan(&post.ID, &post.TenantID, &post.Text, &post.Status, &extID,
		&failKind, &failMsg, &post.CreatedAt, &post.PublishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get post %s: %w", id, err)
	}
	if extID != nil {
		post.ExternalID = *extID
	}
	if failKind != nil {
		post.Failure = &models.Failure{Kind: models.FailureKind(*failKind)}
		if failMsg != nil {
			post.Failure.Message = *failMsg
		}
	}
	return &post, nil
}

// UpdatePostStatus implements Repository. The WHERE clause on the current
// status makes the transition conditional; a zero row count against an
// existing record means the precondition (or the edge itself) was illegal.
func (p *Postgres) UpdatePostStatus(ctx context.Context, id string, from, to models.PostStatus, fields PostUpdate) error {
	if !models.CanTransition(from, to) {
		return ErrIllegalTransition
	}

	var failKind, failMsg *string
	if fields.Failure != nil {
		k := string(fields.Failure.Kind)
		failKind = &k
		failMsg = &fields.Failure.Message
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE posts
		SET status = $3,
		    text = COALESCE($4, text),
		    external_id = COALESCE($5, external_id),
		    published_at = COALESCE($6, published_at),
		    failure_kind = COALESCE($7, failure_kind),
		    failure_message = COALESCE($8, failure_message)
		WHERE id = $1 AND status = $2`,
		id, from, to, fields.Text, fields.ExternalID, fields.PublishedAt, failKind, failMsg,
	)
	if err != nil {
		return fmt.Errorf("failed to update post %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := p.GetPost(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrIllegalTransition
	}
	return nil
}

// RecentPublishedTexts implements Repository.
func (p *Postgres) RecentPublishedTexts(ctx context.Context, tenantID string, n int) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT text FROM posts
		WHERE tenant_id = $1 AND status = 'published'
		ORDER BY published_at DESC
		LIMIT $2`, tenantID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent posts for %s: %w", tenantID, err)
	}
	defer rows.Close()

	var texts []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		texts = append(texts, t)
	}
	return texts, rows.Err()
}

// Ping implements Repository.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close implements Repository.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
