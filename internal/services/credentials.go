package services

import (
	"errors"

	"github.com/google/uuid"
	"github.com/passkeygate/backend/internal/models"
	"gorm.io/gorm"
)

// CredentialStore owns all access to the passkey_credentials table. Ownership
// checks live in the queries themselves so no handler can forget them.
type CredentialStore struct {
	DB *gorm.DB
}

func NewCredentialStore(db *gorm.DB) *CredentialStore {
	return &CredentialStore{DB: db}
}

// Create inserts a credential for its owner. A raw credential id that is
// already registered, by anyone, yields ErrCredentialExists; the unique index
// is the arbiter so concurrent registrations cannot both succeed.
func (s *CredentialStore) Create(cred *models.PasskeyCredential) error {
	err := s.DB.Create(cred).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrCredentialExists
	}
	return err
}

// FindActiveByCredentialID looks up an active credential by its exact raw id.
func (s *CredentialStore) FindActiveByCredentialID(credentialID []byte) (*models.PasskeyCredential, error) {
	var cred models.PasskeyCredential
	err := s.DB.Preload("User").
		Where("credential_id = ? AND is_active = ?", credentialID, true).
		First(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}
	return &cred, nil
}

func (s *CredentialStore) ListForUser(userID uuid.UUID) ([]models.PasskeyCredential, error) {
	var creds []models.PasskeyCredential
	err := s.DB.Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&creds).Error
	return creds, err
}

func (s *CredentialStore) ListActiveForUser(userID uuid.UUID) ([]models.PasskeyCredential, error) {
	var creds []models.PasskeyCredential
	err := s.DB.Where("user_id = ? AND is_active = ?", userID, true).
		Order("created_at ASC").
		Find(&creds).Error
	return creds, err
}

// CountActive counts active credentials across the whole store. A discoverable
// login makes no sense against an empty store, so begin-authentication gates
// on this.
func (s *CredentialStore) CountActive() (int64, error) {
	var count int64
	err := s.DB.Model(&models.PasskeyCredential{}).
		Where("is_active = ?", true).
		Count(&count).Error
	return count, err
}

func (s *CredentialStore) CountActiveForUser(userID uuid.UUID) (int64, error) {
	var count int64
	err := s.DB.Model(&models.PasskeyCredential{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Count(&count).Error
	return count, err
}

// ListAll returns every credential with its owner preloaded, for admin
// browsing.
func (s *CredentialStore) ListAll() ([]models.PasskeyCredential, error) {
	var creds []models.PasskeyCredential
	err := s.DB.Preload("User").Order("created_at DESC").Find(&creds).Error
	return creds, err
}

// Disable soft-disables a credential row. Non-admin callers can only touch
// their own rows; a row owned by someone else reads as not found.
func (s *CredentialStore) Disable(rowID, callerID uuid.UUID, admin bool) error {
	query := s.DB.Model(&models.PasskeyCredential{}).Where("id = ?", rowID)
	if !admin {
		query = query.Where("user_id = ?", callerID)
	}
	res := query.Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

// Delete removes a credential row under the same ownership rule as Disable.
func (s *CredentialStore) Delete(rowID, callerID uuid.UUID, admin bool) error {
	query := s.DB.Where("id = ?", rowID)
	if !admin {
		query = query.Where("user_id = ?", callerID)
	}
	res := query.Delete(&models.PasskeyCredential{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

// UpdateUsage advances the signature counter and usage metadata, but only if
// the stored counter still holds the value the assertion was verified
// against. A concurrent assertion that already advanced the counter makes
// this a regression.
func (s *CredentialStore) UpdateUsage(cred *models.PasskeyCredential, newCount uint32, userAgent string) error {
	res := s.DB.Model(&models.PasskeyCredential{}).
		Where("id = ? AND sign_count = ?", cred.ID, cred.SignCount).
		Updates(map[string]interface{}{
			"sign_count":      newCount,
			"last_used_at":    gorm.Expr("CURRENT_TIMESTAMP"),
			"last_user_agent": userAgent,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrCounterRegression
	}
	return nil
}
