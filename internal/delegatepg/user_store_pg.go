package delegatepg

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tyemirov/delauth/internal/delegate"
)

// PostgresUserStore persists local users and metadata in PostgreSQL without
// the GORM layer, for hosts that already run a pgx pool.
type PostgresUserStore struct {
	pool *pgxpool.Pool
}

// NewPostgresUserStore constructs a Postgres store.
func NewPostgresUserStore(pool *pgxpool.Pool) *PostgresUserStore {
	return &PostgresUserStore{pool: pool}
}

// FindByMetaKey locates the single user carrying the meta key, or (nil, nil).
func (store *PostgresUserStore) FindByMetaKey(ctx context.Context, metaKey string) (*delegate.LocalUser, error) {
	var userID int64
	row := store.pool.QueryRow(ctx, `
SELECT user_id
FROM user_meta
WHERE meta_key = $1
LIMIT 1
`, metaKey)
	if scanErr := row.Scan(&userID); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, scanErr
	}
	return store.loadUser(ctx, userID)
}

// Create inserts a new user row.
func (store *PostgresUserStore) Create(ctx context.Context, fields delegate.UserFields) (*delegate.LocalUser, error) {
	rolesJSON, marshalErr := json.Marshal(fields.Roles)
	if marshalErr != nil {
		return nil, marshalErr
	}
	var userID int64
	row := store.pool.QueryRow(ctx, `
INSERT INTO users (email, display_name, roles_json, created_at_unix)
VALUES ($1, $2, $3, $4)
RETURNING id
`, fields.Email, fields.DisplayName, string(rolesJSON), time.Now().UTC().Unix())
	if scanErr := row.Scan(&userID); scanErr != nil {
		return nil, scanErr
	}
	return &delegate.LocalUser{
		ID:          userID,
		Email:       fields.Email,
		DisplayName: fields.DisplayName,
		Roles:       append([]string(nil), fields.Roles...),
		Meta:        make(map[string]string),
	}, nil
}

// Update reconciles the mutable identity fields of an existing user.
func (store *PostgresUserStore) Update(ctx context.Context, userID int64, fields delegate.UserFields) error {
	rolesJSON, marshalErr := json.Marshal(fields.Roles)
	if marshalErr != nil {
		return marshalErr
	}
	commandTag, execErr := store.pool.Exec(ctx, `
UPDATE users
SET email = $1, display_name = $2, roles_json = $3
WHERE id = $4
`, fields.Email, fields.DisplayName, string(rolesJSON), userID)
	if execErr != nil {
		return execErr
	}
	if commandTag.RowsAffected() == 0 {
		return delegate.ErrUserNotFound
	}
	return nil
}

// SetMeta upserts a metadata attribute on the user.
func (store *PostgresUserStore) SetMeta(ctx context.Context, userID int64, metaKey string, metaValue string) error {
	commandTag, execErr := store.pool.Exec(ctx, `
UPDATE user_meta
SET meta_value = $1
WHERE user_id = $2 AND meta_key = $3
`, metaValue, userID, metaKey)
	if execErr != nil {
		return execErr
	}
	if commandTag.RowsAffected() > 0 {
		return nil
	}
	_, insertErr := store.pool.Exec(ctx, `
INSERT INTO user_meta (user_id, meta_key, meta_value)
VALUES ($1, $2, $3)
`, userID, metaKey, metaValue)
	return insertErr
}

// GetMeta returns a metadata attribute, or "" when unset.
func (store *PostgresUserStore) GetMeta(ctx context.Context, userID int64, metaKey string) (string, error) {
	var metaValue string
	row := store.pool.QueryRow(ctx, `
SELECT meta_value
FROM user_meta
WHERE user_id = $1 AND meta_key = $2
LIMIT 1
`, userID, metaKey)
	if scanErr := row.Scan(&metaValue); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return "", nil
		}
		return "", scanErr
	}
	return metaValue, nil
}

func (store *PostgresUserStore) loadUser(ctx context.Context, userID int64) (*delegate.LocalUser, error) {
	var email string
	var displayName string
	var rolesJSON string
	row := store.pool.QueryRow(ctx, `
SELECT email, display_name, roles_json
FROM users
WHERE id = $1
`, userID)
	if scanErr := row.Scan(&email, &displayName, &rolesJSON); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, scanErr
	}
	var roles []string
	if rolesJSON != "" {
		if unmarshalErr := json.Unmarshal([]byte(rolesJSON), &roles); unmarshalErr != nil {
			return nil, unmarshalErr
		}
	}

	rows, queryErr := store.pool.Query(ctx, `
SELECT meta_key, meta_value
FROM user_meta
WHERE user_id = $1
`, userID)
	if queryErr != nil {
		return nil, queryErr
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var metaKey string
		var metaValue string
		if scanErr := rows.Scan(&metaKey, &metaValue); scanErr != nil {
			return nil, scanErr
		}
		meta[metaKey] = metaValue
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}

	return &delegate.LocalUser{
		ID:          userID,
		Email:       email,
		DisplayName: displayName,
		Roles:       roles,
		Meta:        meta,
	}, nil
}
