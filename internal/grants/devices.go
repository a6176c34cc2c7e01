package grants

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/providentiaww/identity-server/internal/oauth"
	"github.com/providentiaww/identity-server/internal/protect"
)

const userCodeAttempts = 5

// DeviceCodeService issues and tracks device authorizations.
type DeviceCodeService struct {
	store          DeviceFlowStore
	protector      protect.Protector
	userCodeLength int
}

// NewDeviceCodeService builds the service.
func NewDeviceCodeService(store DeviceFlowStore, protector protect.Protector, userCodeLength int) *DeviceCodeService {
	if userCodeLength <= 0 {
		userCodeLength = 8
	}
	return &DeviceCodeService{store: store, protector: protector, userCodeLength: userCodeLength}
}

// Create stores code under a fresh device code and user code. It returns the
// device code handle and sets code.UserCode.
func (s *DeviceCodeService) Create(ctx context.Context, code *oauth.DeviceCode) (string, error) {
	handle, err := oauth.RandomString(handleBytes)
	if err != nil {
		return "", errors.Wrap(err, "generate device code")
	}

	for attempt := 0; attempt < userCodeAttempts; attempt++ {
		userCode, err := oauth.RandomUserCode(s.userCodeLength)
		if err != nil {
			return "", errors.Wrap(err, "generate user code")
		}
		code.UserCode = userCode

		rec, err := s.record(handle, *code)
		if err != nil {
			return "", err
		}
		err = s.store.StoreDeviceAuthorization(ctx, rec)
		if errors.Is(err, oauth.ErrAlreadyExists) {
			logrus.WithFields(logrus.Fields{"package": "grants", "method": "DeviceCodeService.Create"}).
				Debug("user code collision, retrying")
			continue
		}
		if err != nil {
			return "", err
		}
		return handle, nil
	}
	return "", errors.New("could not allocate a unique user code")
}

// FindByUserCode loads the authorization a user is approving.
func (s *DeviceCodeService) FindByUserCode(ctx context.Context, userCode string) (*oauth.DeviceCode, error) {
	rec, err := s.store.FindByUserCode(ctx, userCode)
	if err != nil {
		return nil, err
	}
	return s.decode(rec)
}

// FindByDeviceCode loads the authorization a device is polling for.
func (s *DeviceCodeService) FindByDeviceCode(ctx context.Context, handle string) (*oauth.DeviceCode, error) {
	rec, err := s.store.FindByDeviceCode(ctx, oauth.GrantKey(handle, oauth.GrantTypeDeviceCode))
	if err != nil {
		return nil, err
	}
	return s.decode(rec)
}

// Update persists approval or denial by user code.
func (s *DeviceCodeService) Update(ctx context.Context, code oauth.DeviceCode) error {
	rec, err := s.record("", code)
	if err != nil {
		return err
	}
	return s.store.UpdateByUserCode(ctx, rec)
}

// Remove deletes the authorization once tokens were issued.
func (s *DeviceCodeService) Remove(ctx context.Context, handle string) error {
	return s.store.RemoveByDeviceCode(ctx, oauth.GrantKey(handle, oauth.GrantTypeDeviceCode))
}

func (s *DeviceCodeService) record(handle string, code oauth.DeviceCode) (oauth.DeviceFlowRecord, error) {
	payload, err := json.Marshal(code)
	if err != nil {
		return oauth.DeviceFlowRecord{}, errors.Wrap(err, "marshal device code")
	}
	data, err := s.protector.Protect(payload)
	if err != nil {
		return oauth.DeviceFlowRecord{}, errors.Wrap(err, "protect device code")
	}
	rec := oauth.DeviceFlowRecord{
		UserCode:     code.UserCode,
		ClientID:     code.ClientID,
		SessionID:    code.SessionID,
		Description:  code.Description,
		CreationTime: code.CreationTime,
		Expiration:   code.Expiration(),
		Data:         data,
	}
	if handle != "" {
		rec.DeviceCode = oauth.GrantKey(handle, oauth.GrantTypeDeviceCode)
	}
	if code.Subject != nil {
		rec.SubjectID = code.Subject.ID
	}
	return rec, nil
}

func (s *DeviceCodeService) decode(rec *oauth.DeviceFlowRecord) (*oauth.DeviceCode, error) {
	payload, err := s.protector.Unprotect(rec.Data)
	if err != nil {
		return nil, oauth.ErrNotFound
	}
	var code oauth.DeviceCode
	if err := json.Unmarshal(payload, &code); err != nil {
		return nil, oauth.ErrNotFound
	}
	code.Code = rec.DeviceCode
	return &code, nil
}
