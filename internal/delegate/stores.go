package delegate

import (
	"context"
	"strconv"
)

// Metadata keys recorded on local users. The suffixed forms exist purely for
// indexed existence lookups; their values are seen-at timestamps.
const (
	MetaAccessToken  = "access_token"
	MetaRemoteUserID = "remote_user_id"
	MetaApplications = "applications"
)

// AccessTokenSeenKey keys the per-token-seen timestamp, supporting multiple
// concurrently valid tokens per user.
func AccessTokenSeenKey(token string) string {
	return MetaAccessToken + ":" + token
}

// RemoteUserIndexKey is the existence-index key enforcing at most one local
// user per remote user id.
func RemoteUserIndexKey(remoteUserID int64) string {
	return MetaRemoteUserID + ":" + strconv.FormatInt(remoteUserID, 10)
}

// LocalUser is the local identity record mirroring a remote account.
type LocalUser struct {
	ID          int64
	Email       string
	DisplayName string
	Roles       []string
	Meta        map[string]string
}

// UserFields are the mutable identity attributes reconciled from the remote
// profile on every successful resolution.
type UserFields struct {
	Email       string
	DisplayName string
	Roles       []string
}

// UserStore persists local identity records with key-value metadata.
// FindByMetaKey uses existence-only semantics: the value is irrelevant,
// presence is the index. Implementations return (nil, nil) when no user
// carries the key.
type UserStore interface {
	FindByMetaKey(ctx context.Context, metaKey string) (*LocalUser, error)
	Create(ctx context.Context, fields UserFields) (*LocalUser, error)
	Update(ctx context.Context, userID int64, fields UserFields) error
	SetMeta(ctx context.Context, userID int64, metaKey string, metaValue string) error
	GetMeta(ctx context.Context, userID int64, metaKey string) (string, error)
}
