package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"licensegate/internal/license"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the SQLSTATE Postgres reports for a unique index conflict.
const uniqueViolation = "23505"

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS licenses (
		id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		license_key  TEXT UNIQUE NOT NULL,
		plan         TEXT NOT NULL DEFAULT 'pro',
		max_accounts INT NOT NULL DEFAULT 1 CHECK (max_accounts >= 1),
		expires_at   TIMESTAMPTZ NOT NULL,
		active       BOOLEAN NOT NULL DEFAULT TRUE,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE TABLE IF NOT EXISTS activations (
		id             UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		license_id     UUID NOT NULL REFERENCES licenses(id) ON DELETE CASCADE,
		account        BIGINT NOT NULL,
		server         TEXT NOT NULL,
		last_validated TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (license_id, account, server)
	);
`

const (
	licenseColumns    = `id::text, license_key, plan, max_accounts, expires_at, active, created_at`
	activationColumns = `id::text, license_id::text, account, server, last_validated, created_at`
)

// PostgresStore implements Store on the licenses/activations schema.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ AtomicActivator = (*PostgresStore)(nil)

// PostgresOptions configures OpenPostgres.
type PostgresOptions struct {
	// Password, when set, overrides the password in the connection URL.
	Password string
	MaxConns int32
}

// OpenPostgres connects a pool to url and verifies it with a ping.
func OpenPostgres(ctx context.Context, url string, opts PostgresOptions) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if opts.Password != "" {
		cfg.ConnConfig.Password = opts.Password
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresStore(pool), nil
}

// NewPostgresStore wraps an existing pool. Close releases the pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateLicense(ctx context.Context, lic license.License) (license.License, error) {
	query := `
		INSERT INTO licenses (license_key, plan, max_accounts, expires_at, active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + licenseColumns
	created, err := scanLicense(s.pool.QueryRow(ctx, query,
		lic.Key, string(lic.Plan), lic.MaxAccounts, lic.ExpiresAt, lic.Active))
	if err != nil {
		return license.License{}, fmt.Errorf("insert license: %w", translatePgError(err))
	}
	return created, nil
}

func (s *PostgresStore) GetLicense(ctx context.Context, key string) (license.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE license_key = $1`
	lic, err := scanLicense(s.pool.QueryRow(ctx, query, key))
	if err != nil {
		return license.License{}, fmt.Errorf("get license: %w", translatePgError(err))
	}
	return lic, nil
}

func (s *PostgresStore) ListLicenses(ctx context.Context) ([]license.License, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+licenseColumns+` FROM licenses ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	out := make([]license.License, 0)
	index := make(map[string]int)
	for rows.Next() {
		lic, err := scanLicense(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan license: %w", err)
		}
		lic.Activations = make([]license.Activation, 0)
		index[lic.ID] = len(out)
		out = append(out, lic)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT `+activationColumns+` FROM activations ORDER BY last_validated DESC`)
	if err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		act, err := scanActivation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan activation: %w", err)
		}
		if i, ok := index[act.LicenseID]; ok {
			out[i].Activations = append(out[i].Activations, act)
		}
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetActive(ctx context.Context, key string, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE licenses SET active = $2 WHERE license_key = $1`, key, active)
	if err != nil {
		return fmt.Errorf("update license: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListActivations(ctx context.Context, licenseID string) ([]license.Activation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+activationColumns+` FROM activations WHERE license_id = $1 ORDER BY last_validated DESC`, licenseID)
	if err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}
	defer rows.Close()
	acts := make([]license.Activation, 0)
	for rows.Next() {
		act, err := scanActivation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan activation: %w", err)
		}
		acts = append(acts, act)
	}
	return acts, rows.Err()
}

func (s *PostgresStore) CountActivations(ctx context.Context, licenseID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM activations WHERE license_id = $1`, licenseID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count activations: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) FindActivation(ctx context.Context, licenseID string, id license.Identity) (license.Activation, error) {
	return findActivation(ctx, s.pool, licenseID, id)
}

func (s *PostgresStore) InsertActivation(ctx context.Context, licenseID string, id license.Identity, now time.Time) (license.Activation, error) {
	return insertActivation(ctx, s.pool, licenseID, id, now)
}

func (s *PostgresStore) TouchActivation(ctx context.Context, act license.Activation, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE activations SET last_validated = $2 WHERE id = $1`, act.ID, now)
	if err != nil {
		return fmt.Errorf("touch activation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteActivation(ctx context.Context, licenseID string, id license.Identity) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM activations WHERE license_id = $1 AND account = $2 AND server = $3`,
		licenseID, id.Account, id.Server)
	if err != nil {
		return 0, fmt.Errorf("delete activation: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Activate locks the license row for the duration of the transaction so
// concurrent activations of the same license are serialized.
func (s *PostgresStore) Activate(ctx context.Context, lic license.License, id license.Identity, now time.Time) (ActivateResult, error) {
	res := ActivateResult{Limit: lic.MaxAccounts}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var locked string
		if err := tx.QueryRow(ctx, `SELECT id::text FROM licenses WHERE id = $1 FOR UPDATE`, lic.ID).Scan(&locked); err != nil {
			return translatePgError(err)
		}

		existing, err := findActivation(ctx, tx, lic.ID, id)
		switch {
		case err == nil:
			if _, err := tx.Exec(ctx, `UPDATE activations SET last_validated = $2 WHERE id = $1`, existing.ID, now); err != nil {
				return err
			}
			existing.LastValidated = now
			res.Activation = existing
		case errors.Is(err, ErrNotFound):
			var used int
			if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM activations WHERE license_id = $1`, lic.ID).Scan(&used); err != nil {
				return err
			}
			if used >= lic.MaxAccounts {
				res.LimitReached = true
				res.Used = used
				return nil
			}
			act, err := insertActivation(ctx, tx, lic.ID, id, now)
			if err != nil {
				return err
			}
			res.Activation = act
			res.NewlyBound = true
			res.Used = used + 1
			return nil
		default:
			return err
		}
		return tx.QueryRow(ctx, `SELECT COUNT(*) FROM activations WHERE license_id = $1`, lic.ID).Scan(&res.Used)
	})
	if err != nil {
		return ActivateResult{}, fmt.Errorf("activate: %w", err)
	}
	return res, nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func findActivation(ctx context.Context, q querier, licenseID string, id license.Identity) (license.Activation, error) {
	query := `SELECT ` + activationColumns + ` FROM activations
		WHERE license_id = $1 AND account = $2 AND server = $3`
	act, err := scanActivation(q.QueryRow(ctx, query, licenseID, id.Account, id.Server))
	if err != nil {
		return license.Activation{}, fmt.Errorf("find activation: %w", translatePgError(err))
	}
	return act, nil
}

func insertActivation(ctx context.Context, q querier, licenseID string, id license.Identity, now time.Time) (license.Activation, error) {
	query := `
		INSERT INTO activations (license_id, account, server, last_validated, created_at)
		VALUES ($1, $2, $3, $4, $4)
		RETURNING ` + activationColumns
	act, err := scanActivation(q.QueryRow(ctx, query, licenseID, id.Account, id.Server, now))
	if err != nil {
		return license.Activation{}, fmt.Errorf("insert activation: %w", translatePgError(err))
	}
	return act, nil
}

func scanLicense(row pgx.Row) (license.License, error) {
	var (
		lic  license.License
		plan string
	)
	if err := row.Scan(&lic.ID, &lic.Key, &plan, &lic.MaxAccounts, &lic.ExpiresAt, &lic.Active, &lic.CreatedAt); err != nil {
		return license.License{}, err
	}
	lic.Plan = license.Plan(plan)
	lic.ExpiresAt = lic.ExpiresAt.UTC()
	lic.CreatedAt = lic.CreatedAt.UTC()
	return lic, nil
}

func scanActivation(row pgx.Row) (license.Activation, error) {
	var act license.Activation
	if err := row.Scan(&act.ID, &act.LicenseID, &act.Account, &act.Server, &act.LastValidated, &act.CreatedAt); err != nil {
		return license.Activation{}, err
	}
	act.LastValidated = act.LastValidated.UTC()
	act.CreatedAt = act.CreatedAt.UTC()
	return act, nil
}

// translatePgError maps driver errors onto the store sentinels.
func translatePgError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}
