package delegatepg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS users (
    id BIGSERIAL PRIMARY KEY,
    email TEXT NOT NULL,
    display_name TEXT NOT NULL DEFAULT '',
    roles_json TEXT NOT NULL DEFAULT '[]',
    created_at_unix BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS user_meta (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT NOT NULL,
    meta_key TEXT NOT NULL,
    meta_value TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_user_meta_key ON user_meta (meta_key);
CREATE INDEX IF NOT EXISTS idx_user_meta_user ON user_meta (user_id);
`)
	return err
}
