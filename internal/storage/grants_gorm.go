package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/providentiaww/identity-server/internal/oauth"
)

// PersistedGrantRow is the gorm model of the persisted_grants table.
type PersistedGrantRow struct {
	Key          string     `gorm:"primarykey;column:grant_key;size:200"`
	Type         string     `gorm:"column:type;size:50;not null;index:idx_grants_subject_client_type,priority:3"`
	SubjectID    string     `gorm:"column:subject_id;size:200;index:idx_grants_subject_client_type,priority:1;index:idx_grants_subject_session_type,priority:1"`
	SessionID    string     `gorm:"column:session_id;size:100;index:idx_grants_subject_session_type,priority:2"`
	ClientID     string     `gorm:"column:client_id;size:200;not null;index:idx_grants_subject_client_type,priority:2"`
	Description  string     `gorm:"column:description;size:200"`
	CreationTime time.Time  `gorm:"column:creation_time;not null"`
	Expiration   *time.Time `gorm:"column:expiration;index:idx_grants_expiration"`
	ConsumedTime *time.Time `gorm:"column:consumed_time;index:idx_grants_consumed_time"`
	Data         string     `gorm:"column:data;type:text;not null"`
}

// TableName overrides the gorm default.
func (PersistedGrantRow) TableName() string {
	return "persisted_grants"
}

// DeviceFlowCodeRow is the gorm model of the device_codes table.
type DeviceFlowCodeRow struct {
	DeviceCode   string    `gorm:"primarykey;column:device_code;size:200"`
	UserCode     string    `gorm:"column:user_code;size:200;not null;uniqueIndex"`
	SubjectID    string    `gorm:"column:subject_id;size:200"`
	SessionID    string    `gorm:"column:session_id;size:100"`
	ClientID     string    `gorm:"column:client_id;size:200;not null"`
	Description  string    `gorm:"column:description;size:200"`
	CreationTime time.Time `gorm:"column:creation_time;not null"`
	Expiration   time.Time `gorm:"column:expiration;not null;index:idx_device_codes_expiration"`
	Data         string    `gorm:"column:data;type:text;not null"`
}

// TableName overrides the gorm default.
func (DeviceFlowCodeRow) TableName() string {
	return "device_codes"
}

// OpenGorm opens a gorm database for driver ("postgres" or "sqlite") and
// migrates the grant tables.
func OpenGorm(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		if dsn == "" {
			dsn = "identity.db"
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, errors.Errorf("unsupported grant store driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", driver)
	}
	if err := MigrateGrants(db); err != nil {
		return nil, err
	}
	return db, nil
}

// MigrateGrants creates the grant tables.
func MigrateGrants(db *gorm.DB) error {
	if err := db.AutoMigrate(&PersistedGrantRow{}, &DeviceFlowCodeRow{}); err != nil {
		return errors.Wrap(err, "migrate grant tables")
	}
	return nil
}

// GormGrantStore persists grants through gorm. Every filter is translated
// into the SQL WHERE clause.
type GormGrantStore struct {
	db *gorm.DB
}

// NewGormGrantStore wraps an open database.
func NewGormGrantStore(db *gorm.DB) *GormGrantStore {
	return &GormGrantStore{db: db}
}

func (s *GormGrantStore) log(method string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"package": "storage",
		"table":   PersistedGrantRow{}.TableName(),
		"method":  method,
	})
}

// Store inserts or replaces a grant by key.
func (s *GormGrantStore) Store(ctx context.Context, grant oauth.PersistedGrant) error {
	row := toGrantRow(grant)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "grant_key"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		s.log("Store").WithError(err).Error("failed to store grant")
		return errors.Wrap(err, "store grant")
	}
	return nil
}

// Get returns the grant for key or oauth.ErrNotFound.
func (s *GormGrantStore) Get(ctx context.Context, key string) (*oauth.PersistedGrant, error) {
	var row PersistedGrantRow
	err := s.db.WithContext(ctx).Where("grant_key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, oauth.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get grant")
	}
	grant := fromGrantRow(row)
	return &grant, nil
}

// GetAll returns the grants matching filter.
func (s *GormGrantStore) GetAll(ctx context.Context, filter oauth.GrantFilter) ([]oauth.PersistedGrant, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	var rows []PersistedGrantRow
	if err := applyGrantFilter(s.db.WithContext(ctx), filter).Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "query grants")
	}
	out := make([]oauth.PersistedGrant, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromGrantRow(row))
	}
	return out, nil
}

// Remove deletes the grant for key. Missing keys are not an error.
func (s *GormGrantStore) Remove(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("grant_key = ?", key).Delete(&PersistedGrantRow{}).Error; err != nil {
		return errors.Wrap(err, "remove grant")
	}
	return nil
}

// RemoveAll deletes the grants matching filter.
func (s *GormGrantStore) RemoveAll(ctx context.Context, filter oauth.GrantFilter) error {
	if err := filter.Validate(); err != nil {
		return err
	}
	result := applyGrantFilter(s.db.WithContext(ctx), filter).Delete(&PersistedGrantRow{})
	if result.Error != nil {
		return errors.Wrap(result.Error, "remove grants")
	}
	s.log("RemoveAll").WithField("count", result.RowsAffected).Debug("removed grants")
	return nil
}

// Consume marks the grant consumed if it is not already. Only one caller
// can win: the update is conditional on consumed_time being NULL.
func (s *GormGrantStore) Consume(ctx context.Context, key string, at time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&PersistedGrantRow{}).
		Where("grant_key = ? AND consumed_time IS NULL", key).
		Update("consumed_time", at.UTC())
	if result.Error != nil {
		return errors.Wrap(result.Error, "consume grant")
	}
	if result.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&PersistedGrantRow{}).Where("grant_key = ?", key).Count(&count).Error; err != nil {
		return errors.Wrap(err, "consume grant")
	}
	if count == 0 {
		return oauth.ErrNotFound
	}
	return oauth.ErrConflict
}

// ExpiredGrants returns up to limit grants expiring before now, oldest first.
func (s *GormGrantStore) ExpiredGrants(ctx context.Context, before time.Time, limit int) ([]oauth.PersistedGrant, error) {
	var rows []PersistedGrantRow
	err := s.db.WithContext(ctx).
		Where("expiration IS NOT NULL AND expiration < ?", before.UTC()).
		Order("expiration ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "query expired grants")
	}
	return fromGrantRows(rows), nil
}

// ConsumedGrants returns up to limit grants consumed before the cutoff,
// oldest first.
func (s *GormGrantStore) ConsumedGrants(ctx context.Context, before time.Time, limit int) ([]oauth.PersistedGrant, error) {
	var rows []PersistedGrantRow
	err := s.db.WithContext(ctx).
		Where("consumed_time IS NOT NULL AND consumed_time < ?", before.UTC()).
		Order("consumed_time ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "query consumed grants")
	}
	return fromGrantRows(rows), nil
}

// RemoveGrants deletes keys. When another instance already removed some of
// them it returns the count removed together with oauth.ErrConflict.
func (s *GormGrantStore) RemoveGrants(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Where("grant_key IN ?", keys).Delete(&PersistedGrantRow{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "remove grants")
	}
	removed := int(result.RowsAffected)
	if removed < len(keys) {
		return removed, errors.Wrapf(oauth.ErrConflict, "removed %d of %d grants", removed, len(keys))
	}
	return removed, nil
}

func applyGrantFilter(db *gorm.DB, filter oauth.GrantFilter) *gorm.DB {
	if filter.SubjectID != "" {
		db = db.Where("subject_id = ?", filter.SubjectID)
	}
	if filter.SessionID != "" {
		db = db.Where("session_id = ?", filter.SessionID)
	}
	if ids := filter.AllClientIDs(); len(ids) > 0 {
		db = db.Where("client_id IN ?", ids)
	}
	if types := filter.AllTypes(); len(types) > 0 {
		db = db.Where("type IN ?", types)
	}
	return db
}

func toGrantRow(g oauth.PersistedGrant) PersistedGrantRow {
	return PersistedGrantRow{
		Key:          g.Key,
		Type:         g.Type,
		SubjectID:    g.SubjectID,
		SessionID:    g.SessionID,
		ClientID:     g.ClientID,
		Description:  g.Description,
		CreationTime: g.CreationTime.UTC(),
		Expiration:   utcPtr(g.Expiration),
		ConsumedTime: utcPtr(g.ConsumedTime),
		Data:         g.Data,
	}
}

func fromGrantRow(r PersistedGrantRow) oauth.PersistedGrant {
	return oauth.PersistedGrant{
		Key:          r.Key,
		Type:         r.Type,
		SubjectID:    r.SubjectID,
		SessionID:    r.SessionID,
		ClientID:     r.ClientID,
		Description:  r.Description,
		CreationTime: r.CreationTime,
		Expiration:   r.Expiration,
		ConsumedTime: r.ConsumedTime,
		Data:         r.Data,
	}
}

func fromGrantRows(rows []PersistedGrantRow) []oauth.PersistedGrant {
	out := make([]oauth.PersistedGrant, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromGrantRow(row))
	}
	return out
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
