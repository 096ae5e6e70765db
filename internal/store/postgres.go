package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/gapscout/internal/quota"
	"github.com/kiranshivaraju/gapscout/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

const apiKeyColumns = `id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// --- Quota Ledger ---

const ledgerColumns = `identity, tier, analyses_used_this_period, period_started_at, period_reset_at,
	analyses_used_today, day_reset_at, created_at, updated_at`

func scanLedger(row pgx.Row) (*models.QuotaLedger, error) {
	var l models.QuotaLedger
	err := row.Scan(&l.Identity, &l.Tier, &l.AnalysesUsedThisPeriod, &l.PeriodStartedAt, &l.PeriodResetAt,
		&l.AnalysesUsedToday, &l.DayResetAt, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// GetLedger returns the identity's ledger row as stored, without applying resets.
func (s *PostgresStore) GetLedger(ctx context.Context, identity string) (*models.QuotaLedger, bool, error) {
	l, err := scanLedger(s.pool.QueryRow(ctx,
		`SELECT `+ledgerColumns+` FROM quota_ledger WHERE identity = $1`, identity))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get ledger: %w", err)
	}
	return l, true, nil
}

// SetTier moves identity to tier, creating its ledger row if needed.
func (s *PostgresStore) SetTier(ctx context.Context, identity, tier string, now time.Time) (*models.QuotaLedger, error) {
	fresh := quota.NewLedger(identity, tier, now)
	l, err := scanLedger(s.pool.QueryRow(ctx,
		`INSERT INTO quota_ledger (identity, tier, period_started_at, period_reset_at, day_reset_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)
		 ON CONFLICT (identity) DO UPDATE SET tier = EXCLUDED.tier, updated_at = EXCLUDED.updated_at
		 RETURNING `+ledgerColumns,
		fresh.Identity, fresh.Tier, fresh.PeriodStartedAt, fresh.PeriodResetAt, fresh.DayResetAt, fresh.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("set tier: %w", err)
	}
	return l, nil
}

// releaseQuota reverses one admission-time reservation for identity. Only the
// windows the job was admitted in are decremented, and never below zero.
func releaseQuota(ctx context.Context, tx pgx.Tx, identity string, admittedAt, now time.Time) error {
	_, err := tx.Exec(ctx,
		`UPDATE quota_ledger SET
		   analyses_used_this_period = CASE WHEN $2 >= period_started_at
		     THEN GREATEST(analyses_used_this_period - 1, 0) ELSE analyses_used_this_period END,
		   analyses_used_today = CASE WHEN $2 >= day_reset_at - INTERVAL '1 day'
		     THEN GREATEST(analyses_used_today - 1, 0) ELSE analyses_used_today END,
		   updated_at = $3
		 WHERE identity = $1`, identity, admittedAt, now)
	if err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
