package services

import (
	"crypto/rand"
	"errors"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/google/uuid"
	"github.com/passkeygate/backend/internal/config"
	"github.com/passkeygate/backend/internal/models"
	"github.com/passkeygate/backend/pkg/logger"
	"github.com/passkeygate/backend/pkg/webauthn"
	"gorm.io/gorm"
)

const challengeSize = 32

// RelyingPartyOptions, UserOptions and friends are the JSON payloads handed
// to navigator.credentials. Binary fields use protocol.URLEncodedBase64 so
// every value crosses the wire as raw (unpadded) base64url.
type RelyingPartyOptions struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type UserOptions struct {
	ID          protocol.URLEncodedBase64 `json:"id"`
	Name        string                    `json:"name"`
	DisplayName string                    `json:"displayName"`
}

type CredentialParameter struct {
	Type string                               `json:"type"`
	Alg  webauthncose.COSEAlgorithmIdentifier `json:"alg"`
}

type CredentialDescriptor struct {
	Type       string                           `json:"type"`
	ID         protocol.URLEncodedBase64        `json:"id"`
	Transports []protocol.AuthenticatorTransport `json:"transports,omitempty"`
}

type AuthenticatorSelection struct {
	ResidentKey      protocol.ResidentKeyRequirement      `json:"residentKey"`
	UserVerification protocol.UserVerificationRequirement `json:"userVerification"`
}

type CreationOptions struct {
	RP                     RelyingPartyOptions           `json:"rp"`
	User                   UserOptions                   `json:"user"`
	Challenge              protocol.URLEncodedBase64     `json:"challenge"`
	PubKeyCredParams       []CredentialParameter         `json:"pubKeyCredParams"`
	Timeout                int                           `json:"timeout"`
	ExcludeCredentials     []CredentialDescriptor        `json:"excludeCredentials,omitempty"`
	AuthenticatorSelection AuthenticatorSelection        `json:"authenticatorSelection"`
	Attestation            protocol.ConveyancePreference `json:"attestation"`
}

type RequestOptions struct {
	Challenge        protocol.URLEncodedBase64            `json:"challenge"`
	Timeout          int                                  `json:"timeout"`
	RPID             string                               `json:"rpId"`
	AllowCredentials []CredentialDescriptor               `json:"allowCredentials,omitempty"`
	UserVerification protocol.UserVerificationRequirement `json:"userVerification"`
}

// ChallengeRegistry issues and consumes single-use ceremony challenges backed
// by the passkey_challenges table. A challenge survives exactly one Consume
// call, no matter how the ceremony ends.
type ChallengeRegistry struct {
	DB  *gorm.DB
	cfg config.PasskeyConfig
}

func NewChallengeRegistry(db *gorm.DB, cfg config.PasskeyConfig) *ChallengeRegistry {
	return &ChallengeRegistry{DB: db, cfg: cfg}
}

// IssueRegistration stores a fresh registration challenge for user, replacing
// any pending one, and returns the creation options for the browser.
func (r *ChallengeRegistry) IssueRegistration(rp webauthn.RelyingParty, user *models.User, exclude []models.PasskeyCredential, userAgent string) (*CreationOptions, error) {
	value, err := newChallengeValue()
	if err != nil {
		return nil, err
	}

	userID := user.ID
	row := models.PasskeyChallenge{
		Value:     value,
		Purpose:   models.ChallengeRegistration,
		UserID:    &userID,
		UserAgent: userAgent,
		ExpiresAt: time.Now().Add(r.cfg.ChallengeTTL),
	}

	err = r.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND purpose = ?", userID, models.ChallengeRegistration).
			Delete(&models.PasskeyChallenge{}).Error; err != nil {
			return err
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return nil, err
	}

	return &CreationOptions{
		RP: RelyingPartyOptions{ID: rp.ID, Name: rp.Name},
		User: UserOptions{
			ID:          user.WebAuthnHandle(),
			Name:        user.Email,
			DisplayName: user.DisplayName,
		},
		Challenge:          value,
		PubKeyCredParams:   credentialParameters(),
		Timeout:            int(r.cfg.Timeout / time.Millisecond),
		ExcludeCredentials: credentialDescriptors(exclude),
		AuthenticatorSelection: AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementPreferred,
			UserVerification: r.userVerification(),
		},
		Attestation: protocol.PreferNoAttestation,
	}, nil
}

// IssueAuthentication stores a fresh authentication challenge and returns the
// request options plus the challenge id the client must echo back. An empty
// allow list leaves credential selection to the authenticator (discoverable
// credentials).
func (r *ChallengeRegistry) IssueAuthentication(rp webauthn.RelyingParty, allow []models.PasskeyCredential, userAgent string) (*RequestOptions, uuid.UUID, error) {
	value, err := newChallengeValue()
	if err != nil {
		return nil, uuid.Nil, err
	}

	row := models.PasskeyChallenge{
		Value:     value,
		Purpose:   models.ChallengeAuthentication,
		UserAgent: userAgent,
		ExpiresAt: time.Now().Add(r.cfg.ChallengeTTL),
	}
	if err := r.DB.Create(&row).Error; err != nil {
		return nil, uuid.Nil, err
	}

	return &RequestOptions{
		Challenge:        value,
		Timeout:          int(r.cfg.Timeout / time.Millisecond),
		RPID:             rp.ID,
		AllowCredentials: credentialDescriptors(allow),
		UserVerification: r.userVerification(),
	}, row.ID, nil
}

// ConsumeRegistration burns the pending registration challenge for a user and
// returns its value.
func (r *ChallengeRegistry) ConsumeRegistration(userID uuid.UUID, userAgent string) ([]byte, error) {
	var row models.PasskeyChallenge
	err := r.DB.Where("user_id = ? AND purpose = ?", userID, models.ChallengeRegistration).
		Order("created_at DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChallengeExpired
		}
		return nil, err
	}
	return r.consume(&row, userAgent)
}

// ConsumeAuthentication burns the challenge identified by the id returned
// from IssueAuthentication.
func (r *ChallengeRegistry) ConsumeAuthentication(challengeID uuid.UUID, userAgent string) ([]byte, error) {
	var row models.PasskeyChallenge
	err := r.DB.Where("id = ? AND purpose = ?", challengeID, models.ChallengeAuthentication).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChallengeExpired
		}
		return nil, err
	}
	return r.consume(&row, userAgent)
}

// consume deletes the row before any checks. The RowsAffected gate makes the
// delete the arbiter between concurrent finish calls: exactly one caller sees
// a live challenge. Expiry and binding are checked after deletion so a failed
// attempt still burns the challenge.
func (r *ChallengeRegistry) consume(row *models.PasskeyChallenge, userAgent string) ([]byte, error) {
	res := r.DB.Delete(&models.PasskeyChallenge{}, "id = ?", row.ID)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrChallengeExpired
	}
	if time.Now().After(row.ExpiresAt) {
		return nil, ErrChallengeExpired
	}
	if row.UserAgent != "" && userAgent != "" && row.UserAgent != userAgent {
		logger.Warn("challenge_binding_mismatch", map[string]interface{}{
			"challenge_id": row.ID.String(),
			"purpose":      string(row.Purpose),
		})
		return nil, ErrChallengeBindingMismatch
	}
	return row.Value, nil
}

// PurgeExpired removes challenges past their TTL. Abandoned ceremonies never
// get a Consume call, so this runs periodically as housekeeping.
func (r *ChallengeRegistry) PurgeExpired() (int64, error) {
	res := r.DB.Where("expires_at < ?", time.Now()).Delete(&models.PasskeyChallenge{})
	return res.RowsAffected, res.Error
}

func (r *ChallengeRegistry) userVerification() protocol.UserVerificationRequirement {
	if r.cfg.RequireUserVerification {
		return protocol.VerificationRequired
	}
	return protocol.VerificationPreferred
}

func newChallengeValue() ([]byte, error) {
	value := make([]byte, challengeSize)
	if _, err := rand.Read(value); err != nil {
		return nil, err
	}
	return value, nil
}

func credentialParameters() []CredentialParameter {
	params := make([]CredentialParameter, 0, len(webauthn.SupportedAlgorithms))
	for _, alg := range webauthn.SupportedAlgorithms {
		params = append(params, CredentialParameter{
			Type: "public-key",
			Alg:  webauthncose.COSEAlgorithmIdentifier(alg),
		})
	}
	return params
}

func credentialDescriptors(creds []models.PasskeyCredential) []CredentialDescriptor {
	descriptors := make([]CredentialDescriptor, 0, len(creds))
	for _, cred := range creds {
		var transports []protocol.AuthenticatorTransport
		for _, t := range cred.TransportList() {
			transports = append(transports, protocol.AuthenticatorTransport(t))
		}
		descriptors = append(descriptors, CredentialDescriptor{
			Type:       "public-key",
			ID:         cred.CredentialID,
			Transports: transports,
		})
	}
	return descriptors
}
