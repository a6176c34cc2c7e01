package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/providentiaww/identity-server/internal/oauth"
)

// GormDeviceFlowStore persists device authorizations in the device_codes
// table.
type GormDeviceFlowStore struct {
	db *gorm.DB
}

// NewGormDeviceFlowStore wraps an open database.
func NewGormDeviceFlowStore(db *gorm.DB) *GormDeviceFlowStore {
	return &GormDeviceFlowStore{db: db}
}

// StoreDeviceAuthorization inserts a new device authorization. A clashing
// user code returns oauth.ErrAlreadyExists.
func (s *GormDeviceFlowStore) StoreDeviceAuthorization(ctx context.Context, rec oauth.DeviceFlowRecord) error {
	row := toDeviceRow(rec)
	err := s.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return oauth.ErrAlreadyExists
	}
	if err != nil {
		return errors.Wrap(err, "store device code")
	}
	return nil
}

// FindByUserCode looks up a device authorization by user code.
func (s *GormDeviceFlowStore) FindByUserCode(ctx context.Context, userCode string) (*oauth.DeviceFlowRecord, error) {
	return s.find(ctx, "user_code = ?", userCode)
}

// FindByDeviceCode looks up a device authorization by hashed device code.
func (s *GormDeviceFlowStore) FindByDeviceCode(ctx context.Context, deviceCode string) (*oauth.DeviceFlowRecord, error) {
	return s.find(ctx, "device_code = ?", deviceCode)
}

func (s *GormDeviceFlowStore) find(ctx context.Context, query string, arg string) (*oauth.DeviceFlowRecord, error) {
	var row DeviceFlowCodeRow
	err := s.db.WithContext(ctx).Where(query, arg).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, oauth.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find device code")
	}
	rec := fromDeviceRow(row)
	return &rec, nil
}

// UpdateByUserCode replaces the subject and payload of an authorization.
func (s *GormDeviceFlowStore) UpdateByUserCode(ctx context.Context, rec oauth.DeviceFlowRecord) error {
	result := s.db.WithContext(ctx).
		Model(&DeviceFlowCodeRow{}).
		Where("user_code = ?", rec.UserCode).
		Updates(map[string]any{
			"subject_id": rec.SubjectID,
			"session_id": rec.SessionID,
			"data":       rec.Data,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "update device code")
	}
	if result.RowsAffected == 0 {
		return oauth.ErrNotFound
	}
	return nil
}

// RemoveByDeviceCode deletes a device authorization. oauth.ErrNotFound means
// another caller removed it first.
func (s *GormDeviceFlowStore) RemoveByDeviceCode(ctx context.Context, deviceCode string) error {
	result := s.db.WithContext(ctx).Where("device_code = ?", deviceCode).Delete(&DeviceFlowCodeRow{})
	if result.Error != nil {
		return errors.Wrap(result.Error, "remove device code")
	}
	if result.RowsAffected == 0 {
		return oauth.ErrNotFound
	}
	return nil
}

// ExpiredDeviceCodes returns up to limit expired authorizations, oldest first.
func (s *GormDeviceFlowStore) ExpiredDeviceCodes(ctx context.Context, before time.Time, limit int) ([]oauth.DeviceFlowRecord, error) {
	var rows []DeviceFlowCodeRow
	err := s.db.WithContext(ctx).
		Where("expiration < ?", before.UTC()).
		Order("expiration ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "query expired device codes")
	}
	out := make([]oauth.DeviceFlowRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromDeviceRow(row))
	}
	return out, nil
}

// RemoveDeviceCodes deletes device codes by key, reporting oauth.ErrConflict
// when some were already gone.
func (s *GormDeviceFlowStore) RemoveDeviceCodes(ctx context.Context, deviceCodes []string) (int, error) {
	if len(deviceCodes) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Where("device_code IN ?", deviceCodes).Delete(&DeviceFlowCodeRow{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "remove device codes")
	}
	removed := int(result.RowsAffected)
	if removed < len(deviceCodes) {
		return removed, errors.Wrapf(oauth.ErrConflict, "removed %d of %d device codes", removed, len(deviceCodes))
	}
	return removed, nil
}

func toDeviceRow(r oauth.DeviceFlowRecord) DeviceFlowCodeRow {
	return DeviceFlowCodeRow{
		DeviceCode:   r.DeviceCode,
		UserCode:     r.UserCode,
		SubjectID:    r.SubjectID,
		SessionID:    r.SessionID,
		ClientID:     r.ClientID,
		Description:  r.Description,
		CreationTime: r.CreationTime.UTC(),
		Expiration:   r.Expiration.UTC(),
		Data:         r.Data,
	}
}

func fromDeviceRow(r DeviceFlowCodeRow) oauth.DeviceFlowRecord {
	return oauth.DeviceFlowRecord{
		DeviceCode:   r.DeviceCode,
		UserCode:     r.UserCode,
		SubjectID:    r.SubjectID,
		SessionID:    r.SessionID,
		ClientID:     r.ClientID,
		Description:  r.Description,
		CreationTime: r.CreationTime,
		Expiration:   r.Expiration,
		Data:         r.Data,
	}
}
