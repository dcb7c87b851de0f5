package state

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/tollgate-proxy/tollgate/internal/model"
)

const tenantMigrationsPath = "migrations/tenants"

//go:embed migrations/tenants/*.sql
var migrationsFS embed.FS

// SQLiteBackend persists tenant records in a single SQLite database.
// All writes are serialized through one connection.
type SQLiteBackend struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (or creates) the tenants database at path with WAL mode
// and recommended pragmas, then applies embedded migrations.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	// Single-writer: only one connection needed.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}

	if err := migrateTenantsDB(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteBackend{db: db, path: path}, nil
}

func migrateTenantsDB(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, tenantMigrationsPath)
	if err != nil {
		return fmt.Errorf("migrate %s: init source: %w", tenantMigrationsPath, err)
	}
	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migrate %s: init db driver: %w", tenantMigrationsPath, err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("migrate %s: init migrator: %w", tenantMigrationsPath, err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: up: %w", tenantMigrationsPath, err)
	}
	return nil
}

// Name implements Backend.
func (b *SQLiteBackend) Name() string { return "sqlite" }

const upsertTenantSQL = `
INSERT INTO tenants (key, name, model, token_limit_per_5h, created_at_ms,
                     last_used_ms, expiry_date_ms, lifetime_tokens, window_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	name               = excluded.name,
	model              = excluded.model,
	token_limit_per_5h = excluded.token_limit_per_5h,
	created_at_ms      = excluded.created_at_ms,
	last_used_ms       = excluded.last_used_ms,
	expiry_date_ms     = excluded.expiry_date_ms,
	lifetime_tokens    = excluded.lifetime_tokens,
	window_json        = excluded.window_json
`

// Upsert implements Backend.
func (b *SQLiteBackend) Upsert(rec model.TenantRecord) error {
	windowJSON, err := json.Marshal(rec.Window)
	if err != nil {
		return fmt.Errorf("marshal window for %s: %w", rec.Key, err)
	}
	_, err = b.db.Exec(upsertTenantSQL,
		rec.Key, rec.Name, rec.Model, rec.TokenLimitPer5h, rec.CreatedAtMs,
		rec.LastUsedMs, rec.ExpiryDateMs, rec.LifetimeTokens, string(windowJSON))
	return err
}

// BulkUpsert implements Backend: one prepared statement inside one
// transaction, mirroring the batched flush write pattern.
func (b *SQLiteBackend) BulkUpsert(recs []model.TenantRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("begin bulk upsert: %w", err)
	}
	stmt, err := tx.Prepare(upsertTenantSQL)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare bulk upsert: %w", err)
	}
	for _, rec := range recs {
		windowJSON, err := json.Marshal(rec.Window)
		if err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("marshal window for %s: %w", rec.Key, err)
		}
		if _, err := stmt.Exec(
			rec.Key, rec.Name, rec.Model, rec.TokenLimitPer5h, rec.CreatedAtMs,
			rec.LastUsedMs, rec.ExpiryDateMs, rec.LifetimeTokens, string(windowJSON),
		); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("bulk upsert %s: %w", rec.Key, err)
		}
	}
	stmt.Close()
	return tx.Commit()
}

// Delete implements Backend.
func (b *SQLiteBackend) Delete(key string) error {
	_, err := b.db.Exec("DELETE FROM tenants WHERE key = ?", key)
	return err
}

// LoadAll implements Backend.
func (b *SQLiteBackend) LoadAll() ([]model.TenantRecord, error) {
	rows, err := b.db.Query(`
		SELECT key, name, model, token_limit_per_5h, created_at_ms,
		       last_used_ms, expiry_date_ms, lifetime_tokens, window_json
		FROM tenants`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.TenantRecord
	for rows.Next() {
		var rec model.TenantRecord
		var windowJSON string
		if err := rows.Scan(&rec.Key, &rec.Name, &rec.Model, &rec.TokenLimitPer5h,
			&rec.CreatedAtMs, &rec.LastUsedMs, &rec.ExpiryDateMs,
			&rec.LifetimeTokens, &windowJSON); err != nil {
			return nil, err
		}
		if windowJSON != "" && windowJSON != "{}" {
			if err := json.Unmarshal([]byte(windowJSON), &rec.Window); err != nil {
				return nil, fmt.Errorf("unmarshal window for %s: %w", rec.Key, err)
			}
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// Ping implements Backend.
func (b *SQLiteBackend) Ping() error {
	return b.db.Ping()
}

// Close implements Backend.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
