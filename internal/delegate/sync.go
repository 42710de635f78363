package delegate

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Synchronizer mirrors remote identity profiles into local user records.
// Each successful resolution reconciles the mutable identity fields; a
// previously-unseen remote id produces exactly one new local user.
type Synchronizer struct {
	remote    ProfileFetcher
	users     UserStore
	syncRoles bool
	logger    *zap.Logger
	now       func() time.Time
}

// NewSynchronizer wires the remote client and local user store together.
func NewSynchronizer(remote ProfileFetcher, users UserStore, syncRoles bool, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		remote:    remote,
		users:     users,
		syncRoles: syncRoles,
		logger:    logger,
		now:       time.Now,
	}
}

// FindLocalUser looks up the local mirror of a remote user id through the
// existence-index meta key. Returns (nil, nil) when no mirror exists.
func (synchronizer *Synchronizer) FindLocalUser(ctx context.Context, remoteUserID int64) (*LocalUser, error) {
	localUser, findErr := synchronizer.users.FindByMetaKey(ctx, RemoteUserIndexKey(remoteUserID))
	if findErr != nil {
		return nil, NewStoreError(findErr)
	}
	return localUser, nil
}

// Synchronize resolves a token to a local user, creating or updating the
// local mirror record. Store failures propagate unchanged; nothing retries.
func (synchronizer *Synchronizer) Synchronize(ctx context.Context, token string) (*LocalUser, error) {
	remoteProfile, fetchErr := synchronizer.remote.FetchProfileByToken(ctx, token)
	if fetchErr != nil {
		return nil, fetchErr
	}

	localUser, findErr := synchronizer.FindLocalUser(ctx, remoteProfile.ID)
	if findErr != nil {
		return nil, findErr
	}

	if localUser != nil {
		if updateErr := synchronizer.updateFromProfile(ctx, localUser, remoteProfile); updateErr != nil {
			return nil, updateErr
		}
		return localUser, nil
	}

	return synchronizer.createFromProfile(ctx, remoteProfile, token)
}

// updateFromProfile reconciles email, display name, and roles. The write is
// skipped entirely when every mirrored field already matches.
func (synchronizer *Synchronizer) updateFromProfile(ctx context.Context, localUser *LocalUser, remoteProfile *RemoteProfile) error {
	rolesIdentical := !synchronizer.syncRoles || equalRoles(localUser.Roles, remoteProfile.Roles)
	if localUser.Email == remoteProfile.Email && localUser.DisplayName == remoteProfile.Name && rolesIdentical {
		return nil
	}

	fields := UserFields{
		Email:       remoteProfile.Email,
		DisplayName: remoteProfile.Name,
		Roles:       remoteProfile.Roles,
	}
	if !synchronizer.syncRoles {
		fields.Roles = localUser.Roles
	}
	if updateErr := synchronizer.users.Update(ctx, localUser.ID, fields); updateErr != nil {
		return NewStoreError(updateErr)
	}

	localUser.Email = fields.Email
	localUser.DisplayName = fields.DisplayName
	localUser.Roles = append([]string(nil), fields.Roles...)
	synchronizer.logger.Debug("reconciled local user from remote profile",
		zap.Int64("user_id", localUser.ID),
		zap.Int64("remote_user_id", remoteProfile.ID))
	return nil
}

// createFromProfile creates the local mirror and records the identity
// metadata: the token, its seen timestamp, and the remote id in both the
// singular and indexed forms.
func (synchronizer *Synchronizer) createFromProfile(ctx context.Context, remoteProfile *RemoteProfile, token string) (*LocalUser, error) {
	fields := UserFields{
		Email:       remoteProfile.Email,
		DisplayName: remoteProfile.Name,
		Roles:       remoteProfile.Roles,
	}
	if !synchronizer.syncRoles {
		fields.Roles = nil
	}

	localUser, createErr := synchronizer.users.Create(ctx, fields)
	if createErr != nil {
		return nil, NewStoreError(createErr)
	}

	nowString := synchronizer.nowUnixString()
	metaEntries := []struct {
		key   string
		value string
	}{
		{MetaAccessToken, token},
		{AccessTokenSeenKey(token), nowString},
		{MetaRemoteUserID, strconv.FormatInt(remoteProfile.ID, 10)},
		{RemoteUserIndexKey(remoteProfile.ID), nowString},
	}
	if len(remoteProfile.Applications) > 0 {
		metaEntries = append(metaEntries, struct {
			key   string
			value string
		}{MetaApplications, strings.Join(remoteProfile.Applications, ",")})
	}
	for _, entry := range metaEntries {
		if metaErr := synchronizer.users.SetMeta(ctx, localUser.ID, entry.key, entry.value); metaErr != nil {
			return nil, NewStoreError(metaErr)
		}
		localUser.Meta[entry.key] = entry.value
	}

	synchronizer.logger.Info("created local user for remote identity",
		zap.Int64("user_id", localUser.ID),
		zap.Int64("remote_user_id", remoteProfile.ID))
	return localUser, nil
}

func (synchronizer *Synchronizer) nowUnixString() string {
	return strconv.FormatInt(synchronizer.now().UTC().Unix(), 10)
}

func equalRoles(left []string, right []string) bool {
	if len(left) != len(right) {
		return false
	}
	for index := range left {
		if left[index] != right[index] {
			return false
		}
	}
	return true
}
