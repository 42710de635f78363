package delegate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("user_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("user_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("user_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("user_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("user_store.unsupported_no_scheme")
)

// DatabaseUserStore persists local users and their metadata using GORM.
type DatabaseUserStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseUserStore) Driver() string {
	return store.driverLabel
}

type localUserRecord struct {
	ID            int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Email         string `gorm:"column:email;not null"`
	DisplayName   string `gorm:"column:display_name;not null;default:''"`
	RolesJSON     string `gorm:"column:roles_json;not null;default:'[]'"`
	CreatedAtUnix int64  `gorm:"column:created_at_unix;not null"`
}

func (localUserRecord) TableName() string {
	return "users"
}

type userMetaRecord struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	UserID    int64  `gorm:"column:user_id;index;not null"`
	MetaKey   string `gorm:"column:meta_key;index;not null"`
	MetaValue string `gorm:"column:meta_value;not null;default:''"`
}

func (userMetaRecord) TableName() string {
	return "user_meta"
}

// NewDatabaseUserStore constructs a GORM-backed store from a database URL.
func NewDatabaseUserStore(ctx context.Context, databaseURL string) (*DatabaseUserStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("user_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("user_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&localUserRecord{}, &userMetaRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("user_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseUserStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// FindByMetaKey locates the single user carrying the meta key. The meta value
// is irrelevant; presence is the index.
func (store *DatabaseUserStore) FindByMetaKey(ctx context.Context, metaKey string) (*LocalUser, error) {
	var metaRecord userMetaRecord
	err := store.db.WithContext(ctx).Where("meta_key = ?", metaKey).Take(&metaRecord).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("user_store.find_by_meta.%s: %w", store.driverLabel, err)
	}
	return store.loadUser(ctx, metaRecord.UserID)
}

// Create inserts a new user record.
func (store *DatabaseUserStore) Create(ctx context.Context, fields UserFields) (*LocalUser, error) {
	rolesJSON, marshalErr := json.Marshal(fields.Roles)
	if marshalErr != nil {
		return nil, fmt.Errorf("user_store.create.%s: %w", store.driverLabel, marshalErr)
	}
	record := localUserRecord{
		Email:         fields.Email,
		DisplayName:   fields.DisplayName,
		RolesJSON:     string(rolesJSON),
		CreatedAtUnix: time.Now().UTC().Unix(),
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("user_store.create.%s: %w", store.driverLabel, err)
	}
	return &LocalUser{
		ID:          record.ID,
		Email:       record.Email,
		DisplayName: record.DisplayName,
		Roles:       append([]string(nil), fields.Roles...),
		Meta:        make(map[string]string),
	}, nil
}

// Update reconciles the mutable identity fields of an existing user.
func (store *DatabaseUserStore) Update(ctx context.Context, userID int64, fields UserFields) error {
	rolesJSON, marshalErr := json.Marshal(fields.Roles)
	if marshalErr != nil {
		return fmt.Errorf("user_store.update.%s: %w", store.driverLabel, marshalErr)
	}
	result := store.db.WithContext(ctx).Model(&localUserRecord{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"email":        fields.Email,
			"display_name": fields.DisplayName,
			"roles_json":   string(rolesJSON),
		})
	if result.Error != nil {
		return fmt.Errorf("user_store.update.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("user_store.update.%s: %w", store.driverLabel, ErrUserNotFound)
	}
	return nil
}

// SetMeta upserts a metadata attribute on the user.
func (store *DatabaseUserStore) SetMeta(ctx context.Context, userID int64, metaKey string, metaValue string) error {
	var existing userMetaRecord
	err := store.db.WithContext(ctx).Where("user_id = ? AND meta_key = ?", userID, metaKey).Take(&existing).Error
	if err == nil {
		updateErr := store.db.WithContext(ctx).Model(&userMetaRecord{}).
			Where("id = ?", existing.ID).
			Update("meta_value", metaValue).Error
		if updateErr != nil {
			return fmt.Errorf("user_store.set_meta.%s: %w", store.driverLabel, updateErr)
		}
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("user_store.set_meta.%s: %w", store.driverLabel, err)
	}
	record := userMetaRecord{
		UserID:    userID,
		MetaKey:   metaKey,
		MetaValue: metaValue,
	}
	if createErr := store.db.WithContext(ctx).Create(&record).Error; createErr != nil {
		return fmt.Errorf("user_store.set_meta.%s: %w", store.driverLabel, createErr)
	}
	return nil
}

// GetMeta returns a metadata attribute, or "" when unset.
func (store *DatabaseUserStore) GetMeta(ctx context.Context, userID int64, metaKey string) (string, error) {
	var record userMetaRecord
	err := store.db.WithContext(ctx).Where("user_id = ? AND meta_key = ?", userID, metaKey).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("user_store.get_meta.%s: %w", store.driverLabel, err)
	}
	return record.MetaValue, nil
}

func (store *DatabaseUserStore) loadUser(ctx context.Context, userID int64) (*LocalUser, error) {
	var record localUserRecord
	if err := store.db.WithContext(ctx).Where("id = ?", userID).Take(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("user_store.load.%s: %w", store.driverLabel, err)
	}
	var roles []string
	if record.RolesJSON != "" {
		if unmarshalErr := json.Unmarshal([]byte(record.RolesJSON), &roles); unmarshalErr != nil {
			return nil, fmt.Errorf("user_store.load.%s: %w", store.driverLabel, unmarshalErr)
		}
	}

	var metaRecords []userMetaRecord
	if err := store.db.WithContext(ctx).Where("user_id = ?", userID).Find(&metaRecords).Error; err != nil {
		return nil, fmt.Errorf("user_store.load_meta.%s: %w", store.driverLabel, err)
	}
	meta := make(map[string]string, len(metaRecords))
	for _, metaRecord := range metaRecords {
		meta[metaRecord.MetaKey] = metaRecord.MetaValue
	}

	return &LocalUser{
		ID:          record.ID,
		Email:       record.Email,
		DisplayName: record.DisplayName,
		Roles:       roles,
		Meta:        meta,
	}, nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("user_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("user_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("user_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("user_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
