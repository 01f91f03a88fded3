package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/formsync_backend/utils"
	"gorm.io/gorm"
)

var ErrCredentialNotFound = errors.New("no active credential")

// Credential is one OAuth2 grant for a CRM provider. At most one row per
// provider is active; rows are deactivated, never deleted.
type Credential struct {
	ID                 uint       `gorm:"primary_key" json:"id"`
	Provider           string     `gorm:"size:50;not null;index:idx_credential_active,priority:1" json:"provider"`
	AccessToken        string     `gorm:"type:text;not null" json:"-"`
	RefreshToken       string     `gorm:"type:text" json:"-"`
	ExpiresAt          time.Time  `gorm:"not null" json:"expires_at"`
	Scope              string     `gorm:"size:500" json:"scope"`
	TokenType          string     `gorm:"size:30" json:"token_type"`
	ApiDomain          string     `gorm:"size:255" json:"api_domain"`
	IsActive           *bool      `gorm:"not null;default:false;index:idx_credential_active,priority:2" json:"is_active"`
	LastRefreshedAt    *time.Time `json:"last_refreshed_at"`
	DeactivatedAt      *time.Time `json:"deactivated_at"`
	DeactivationReason *string    `gorm:"size:100" json:"deactivation_reason"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Credential) TableName() string {
	return "crm_credentials"
}

func (c *Credential) Active() bool {
	return c != nil && c.IsActive != nil && *c.IsActive
}

// Remaining is the time left before expiry relative to now.
func (c *Credential) Remaining(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

// CredentialStore persists credentials through gorm. Tokens are sealed with
// box before they reach the database when a key is configured.
type CredentialStore struct {
	db  *gorm.DB
	box *utils.SecretBox
}

func NewCredentialStore(db *gorm.DB, box *utils.SecretBox) *CredentialStore {
	return &CredentialStore{db: db, box: box}
}

func (s *CredentialStore) GetActive(ctx context.Context, provider string) (*Credential, error) {
	var row Credential
	err := s.db.WithContext(ctx).
		Where("provider = ? AND is_active = ?", provider, true).
		Order("id DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}
	if err := s.open(&row); err != nil {
		return nil, err
	}
	return &row, nil
}

// Activate deactivates every active credential for cred.Provider and inserts
// cred as the active one, in a single transaction.
func (s *CredentialStore) Activate(ctx context.Context, cred *Credential, now time.Time) error {
	row := *cred
	row.ID = 0
	row.IsActive = utils.NewTrue()
	row.DeactivatedAt = nil
	row.DeactivationReason = nil
	if err := s.seal(&row); err != nil {
		return err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reason := DeactivationSuperseded
		if err := tx.Model(&Credential{}).
			Where("provider = ? AND is_active = ?", row.Provider, true).
			Updates(map[string]interface{}{
				"is_active":           false,
				"deactivated_at":      now,
				"deactivation_reason": reason,
			}).Error; err != nil {
			return err
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return fmt.Errorf("activate credential: %w", err)
	}

	cred.ID = row.ID
	cred.IsActive = row.IsActive
	cred.DeactivatedAt = nil
	cred.DeactivationReason = nil
	cred.CreatedAt = row.CreatedAt
	cred.UpdatedAt = row.UpdatedAt
	return nil
}

// UpdateTokens writes a refreshed access token onto the active row. An empty
// refreshToken keeps the stored one (providers that do not rotate).
func (s *CredentialStore) UpdateTokens(ctx context.Context, id uint, accessToken, refreshToken string, expiresAt time.Time, now time.Time) error {
	sealedAccess, err := s.box.Seal(accessToken)
	if err != nil {
		return err
	}
	updates := map[string]interface{}{
		"access_token":      sealedAccess,
		"expires_at":        expiresAt,
		"last_refreshed_at": now,
	}
	if refreshToken != "" {
		sealedRefresh, err := s.box.Seal(refreshToken)
		if err != nil {
			return err
		}
		updates["refresh_token"] = sealedRefresh
	}
	res := s.db.WithContext(ctx).Model(&Credential{}).
		Where("id = ? AND is_active = ?", id, true).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

func (s *CredentialStore) Deactivate(ctx context.Context, id uint, reason string, now time.Time) error {
	return s.db.WithContext(ctx).Model(&Credential{}).
		Where("id = ? AND is_active = ?", id, true).
		Updates(map[string]interface{}{
			"is_active":           false,
			"deactivated_at":      now,
			"deactivation_reason": reason,
		}).Error
}

// ActiveProviders lists providers holding an active credential.
func (s *CredentialStore) ActiveProviders(ctx context.Context) ([]string, error) {
	var providers []string
	err := s.db.WithContext(ctx).Model(&Credential{}).
		Where("is_active = ?", true).
		Distinct().
		Order("provider").
		Pluck("provider", &providers).Error
	return providers, err
}

func (s *CredentialStore) seal(c *Credential) error {
	var err error
	if c.AccessToken, err = s.box.Seal(c.AccessToken); err != nil {
		return err
	}
	if c.RefreshToken, err = s.box.Seal(c.RefreshToken); err != nil {
		return err
	}
	return nil
}

func (s *CredentialStore) open(c *Credential) error {
	var err error
	if c.AccessToken, err = s.box.Open(c.AccessToken); err != nil {
		return err
	}
	if c.RefreshToken, err = s.box.Open(c.RefreshToken); err != nil {
		return err
	}
	return nil
}
