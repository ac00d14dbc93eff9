package profilestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/tyemirov/tprofile/internal/profilecache"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// MaxDisplayNameLength bounds display names in runes.
const MaxDisplayNameLength = 256

var (
	// ErrInvalidDisplayName indicates a display name that is too long or contains control characters.
	ErrInvalidDisplayName = errors.New("profile_store.invalid_display_name")

	errEmptyUID = errors.New("profile_store.empty_uid")
)

// Store is the GORM-backed source of truth for profiles.
type Store struct {
	db          *gorm.DB
	driverLabel string
	now         func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the clock used to stamp profile_changed_at.
func WithClock(now func() time.Time) Option {
	return func(store *Store) {
		if now != nil {
			store.now = now
		}
	}
}

type profileRow struct {
	UID                     string `gorm:"column:uid;primaryKey"`
	Email                   string `gorm:"column:email;index;not null;default:''"`
	Avatar                  string `gorm:"column:avatar;not null;default:''"`
	AvatarDefault           *bool  `gorm:"column:avatar_default"`
	DisplayName             string `gorm:"column:display_name;not null;default:''"`
	Locale                  string `gorm:"column:locale;not null;default:''"`
	AmrValues               string `gorm:"column:amr_values;not null;default:''"`
	TwoFactorAuthentication *bool  `gorm:"column:two_factor_authentication"`
	ProfileChangedAt        int64  `gorm:"column:profile_changed_at;not null;default:0"`
}

func (profileRow) TableName() string {
	return "profiles"
}

// Open connects to databaseURL (postgres:// or sqlite://) and migrates the profiles table.
func Open(ctx context.Context, databaseURL string, options ...Option) (*Store, error) {
	target, err := parseDatabaseURL(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("profile_store.open: %w", err)
	}
	gormDB, openErr := gorm.Open(target.dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("profile_store.open.%s: %w", target.driver, openErr)
	}
	if target.maxOpenConns > 0 {
		sqlDB, poolErr := gormDB.DB()
		if poolErr != nil {
			return nil, fmt.Errorf("profile_store.open.%s: %w", target.driver, poolErr)
		}
		sqlDB.SetMaxOpenConns(target.maxOpenConns)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&profileRow{}); migrateErr != nil {
		return nil, fmt.Errorf("profile_store.migrate.%s: %w", target.driver, migrateErr)
	}
	store := &Store{
		db:          gormDB,
		driverLabel: target.driver,
		now:         time.Now,
	}
	for _, option := range options {
		option(store)
	}
	return store, nil
}

// Driver exposes the selected database driver label.
func (store *Store) Driver() string {
	return store.driverLabel
}

// Fetcher adapts the store to the cache's fetch contract.
func (store *Store) Fetcher() profilecache.Fetcher {
	return store.Fetch
}

// Fetch loads the profile for uid. A missing row fails with profilecache.ErrNotFound.
func (store *Store) Fetch(ctx context.Context, uid string) (profilecache.ProfileRecord, error) {
	if strings.TrimSpace(uid) == "" {
		return profilecache.ProfileRecord{}, fmt.Errorf("profile_store.fetch.%s: %w", store.driverLabel, errEmptyUID)
	}
	var row profileRow
	err := store.db.WithContext(ctx).Where("uid = ?", uid).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return profilecache.ProfileRecord{}, fmt.Errorf("profile_store.fetch.%s: %w", store.driverLabel, profilecache.ErrNotFound)
		}
		return profilecache.ProfileRecord{}, fmt.Errorf("profile_store.fetch.%s: %w", store.driverLabel, err)
	}
	return row.toRecord(), nil
}

// Upsert writes a complete profile. A zero ProfileChangedAt is stamped with the current time.
func (store *Store) Upsert(ctx context.Context, record profilecache.ProfileRecord) error {
	if strings.TrimSpace(record.UID) == "" {
		return fmt.Errorf("profile_store.upsert.%s: %w", store.driverLabel, errEmptyUID)
	}
	row := rowFromRecord(record)
	if row.ProfileChangedAt == 0 {
		row.ProfileChangedAt = store.now().UTC().UnixMilli()
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uid"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("profile_store.upsert.%s: %w", store.driverLabel, err)
	}
	return nil
}

// SetDisplayName updates the display name and advances profile_changed_at,
// returning the new version.
func (store *Store) SetDisplayName(ctx context.Context, uid string, displayName string) (profilecache.Version, error) {
	if strings.TrimSpace(uid) == "" {
		return 0, fmt.Errorf("profile_store.set_display_name.%s: %w", store.driverLabel, errEmptyUID)
	}
	if err := validateDisplayName(displayName); err != nil {
		return 0, fmt.Errorf("profile_store.set_display_name.%s: %w", store.driverLabel, err)
	}
	var next int64
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The bump is computed inside the UPDATE so concurrent writers serialize on
		// the row and never share a version, even within one millisecond or when
		// the clock steps back.
		nowMillis := store.now().UTC().UnixMilli()
		result := tx.Model(&profileRow{}).Where("uid = ?", uid).Updates(map[string]any{
			"display_name":       displayName,
			"profile_changed_at": gorm.Expr("CASE WHEN profile_changed_at < ? THEN ? ELSE profile_changed_at + 1 END", nowMillis, nowMillis),
		})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return profilecache.ErrNotFound
		}
		var row profileRow
		if takeErr := tx.Select("profile_changed_at").Where("uid = ?", uid).Take(&row).Error; takeErr != nil {
			return takeErr
		}
		next = row.ProfileChangedAt
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("profile_store.set_display_name.%s: %w", store.driverLabel, err)
	}
	return profilecache.Version(next), nil
}

// Ping checks database connectivity.
func (store *Store) Ping(ctx context.Context) error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return fmt.Errorf("profile_store.ping.%s: %w", store.driverLabel, err)
	}
	if pingErr := sqlDB.PingContext(ctx); pingErr != nil {
		return fmt.Errorf("profile_store.ping.%s: %w", store.driverLabel, pingErr)
	}
	return nil
}

// Close releases the underlying connection pool.
func (store *Store) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func validateDisplayName(displayName string) error {
	if utf8.RuneCountInString(displayName) > MaxDisplayNameLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidDisplayName, MaxDisplayNameLength)
	}
	for _, character := range displayName {
		if unicode.IsControl(character) {
			return fmt.Errorf("%w: contains control characters", ErrInvalidDisplayName)
		}
	}
	return nil
}

func (row profileRow) toRecord() profilecache.ProfileRecord {
	return profilecache.ProfileRecord{
		UID:                     row.UID,
		Email:                   row.Email,
		Avatar:                  row.Avatar,
		AvatarDefault:           row.AvatarDefault,
		DisplayName:             row.DisplayName,
		Locale:                  row.Locale,
		AmrValues:               splitAmr(row.AmrValues),
		TwoFactorAuthentication: row.TwoFactorAuthentication,
		ProfileChangedAt:        profilecache.Version(row.ProfileChangedAt),
	}
}

func rowFromRecord(record profilecache.ProfileRecord) profileRow {
	return profileRow{
		UID:                     record.UID,
		Email:                   record.Email,
		Avatar:                  record.Avatar,
		AvatarDefault:           record.AvatarDefault,
		DisplayName:             record.DisplayName,
		Locale:                  record.Locale,
		AmrValues:               strings.Join(record.AmrValues, ","),
		TwoFactorAuthentication: record.TwoFactorAuthentication,
		ProfileChangedAt:        int64(record.ProfileChangedAt),
	}
}

func splitAmr(joined string) []string {
	if strings.TrimSpace(joined) == "" {
		return nil
	}
	parts := strings.Split(joined, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
