package delegate

import (
	"context"
	"errors"
	"sync"
)

// ErrUserNotFound indicates the referenced local user does not exist.
var ErrUserNotFound = errors.New("user_store.not_found")

// MemoryUserStore is an in-memory UserStore intended for tests and dev.
type MemoryUserStore struct {
	mutex      sync.Mutex
	byID       map[int64]*LocalUser
	sequenceID int64
}

// NewMemoryUserStore creates an empty in-memory user store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{byID: make(map[int64]*LocalUser)}
}

// FindByMetaKey returns the first user carrying the meta key, or (nil, nil).
func (store *MemoryUserStore) FindByMetaKey(ctx context.Context, metaKey string) (*LocalUser, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, record := range store.byID {
		if _, present := record.Meta[metaKey]; present {
			return cloneLocalUser(record), nil
		}
	}
	return nil, nil
}

// Create inserts a new user record with the next sequential id.
func (store *MemoryUserStore) Create(ctx context.Context, fields UserFields) (*LocalUser, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.sequenceID++
	record := &LocalUser{
		ID:          store.sequenceID,
		Email:       fields.Email,
		DisplayName: fields.DisplayName,
		Roles:       append([]string(nil), fields.Roles...),
		Meta:        make(map[string]string),
	}
	store.byID[record.ID] = record
	return cloneLocalUser(record), nil
}

// Update reconciles the mutable identity fields of an existing user.
func (store *MemoryUserStore) Update(ctx context.Context, userID int64, fields UserFields) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, present := store.byID[userID]
	if !present {
		return ErrUserNotFound
	}
	record.Email = fields.Email
	record.DisplayName = fields.DisplayName
	record.Roles = append([]string(nil), fields.Roles...)
	return nil
}

// SetMeta records a metadata attribute on the user.
func (store *MemoryUserStore) SetMeta(ctx context.Context, userID int64, metaKey string, metaValue string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, present := store.byID[userID]
	if !present {
		return ErrUserNotFound
	}
	record.Meta[metaKey] = metaValue
	return nil
}

// GetMeta returns a metadata attribute, or "" when unset.
func (store *MemoryUserStore) GetMeta(ctx context.Context, userID int64, metaKey string) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, present := store.byID[userID]
	if !present {
		return "", ErrUserNotFound
	}
	return record.Meta[metaKey], nil
}

// Count reports the number of stored users.
func (store *MemoryUserStore) Count() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.byID)
}

func cloneLocalUser(record *LocalUser) *LocalUser {
	clone := &LocalUser{
		ID:          record.ID,
		Email:       record.Email,
		DisplayName: record.DisplayName,
		Roles:       append([]string(nil), record.Roles...),
		Meta:        make(map[string]string, len(record.Meta)),
	}
	for metaKey, metaValue := range record.Meta {
		clone.Meta[metaKey] = metaValue
	}
	return clone
}
