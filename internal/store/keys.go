package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const keysSchema = `
CREATE TABLE IF NOT EXISTS api_keys (
  key_id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  prefix TEXT NOT NULL,
  hashed_key TEXT NOT NULL UNIQUE,
  created_at DATETIME NOT NULL,
  last_used_at DATETIME
);
`

type APIKeyRecord struct {
	ID         string
	Name       string
	Prefix     string
	HashedKey  string
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// Keys holds the API keys accepted by a server.
type Keys struct {
	db *sql.DB
}

func OpenKeys(path string) (*Keys, error) {
	db, err := openDB(path, keysSchema)
	if err != nil {
		return nil, fmt.Errorf("open key store %s: %w", path, err)
	}
	return &Keys{db: db}, nil
}

func (k *Keys) Close() error {
	if k.db == nil {
		return nil
	}
	return k.db.Close()
}

func (k *Keys) CreateAPIKey(ctx context.Context, r APIKeyRecord) error {
	_, err := k.db.ExecContext(ctx, `
INSERT INTO api_keys(key_id, name, prefix, hashed_key, created_at)
VALUES(?, ?, ?, ?, ?);
`, r.ID, r.Name, r.Prefix, r.HashedKey, r.CreatedAt)
	return err
}

func (k *Keys) ListAPIKeys(ctx context.Context) ([]APIKeyRecord, error) {
	rows, err := k.db.QueryContext(ctx, `
SELECT key_id, name, prefix, hashed_key, created_at, last_used_at
FROM api_keys ORDER BY created_at DESC;
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []APIKeyRecord
	for rows.Next() {
		var r APIKeyRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.Prefix, &r.HashedKey, &r.CreatedAt, &r.LastUsedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FindByHash returns the key whose hash matches.
func (k *Keys) FindByHash(ctx context.Context, hashed string) (APIKeyRecord, bool, error) {
	row := k.db.QueryRowContext(ctx, `
SELECT key_id, name, prefix, hashed_key, created_at, last_used_at
FROM api_keys WHERE hashed_key=?;
`, hashed)
	var r APIKeyRecord
	err := row.Scan(&r.ID, &r.Name, &r.Prefix, &r.HashedKey, &r.CreatedAt, &r.LastUsedAt)
	if err == sql.ErrNoRows {
		return APIKeyRecord{}, false, nil
	}
	if err != nil {
		return APIKeyRecord{}, false, err
	}
	return r, true, nil
}

func (k *Keys) DeleteAPIKey(ctx context.Context, id string) error {
	_, err := k.db.ExecContext(ctx, "DELETE FROM api_keys WHERE key_id=?;", id)
	return err
}

func (k *Keys) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	_, err := k.db.ExecContext(ctx, "UPDATE api_keys SET last_used_at=? WHERE key_id=?;", time.Now(), id)
	return err
}
