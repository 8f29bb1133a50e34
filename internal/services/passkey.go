package services

import (
	"bytes"
	"errors"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"
	"github.com/passkeygate/backend/internal/config"
	"github.com/passkeygate/backend/internal/models"
	"github.com/passkeygate/backend/pkg/logger"
	"github.com/passkeygate/backend/pkg/webauthn"
	"gorm.io/gorm"
)

// RequestMeta carries the per-request context a ceremony is bound to.
type RequestMeta struct {
	Host      string
	UserAgent string
	IP        string
}

// RegistrationResponse is the browser's PublicKeyCredential from
// navigator.credentials.create, with every binary field as raw base64url.
type RegistrationResponse struct {
	ID       protocol.URLEncodedBase64 `json:"id"`
	RawID    protocol.URLEncodedBase64 `json:"rawId"`
	Type     string                    `json:"type"`
	Response AttestationPayload        `json:"response"`
}

type AttestationPayload struct {
	ClientDataJSON    protocol.URLEncodedBase64 `json:"clientDataJSON"`
	AttestationObject protocol.URLEncodedBase64 `json:"attestationObject"`
	Transports        []string                  `json:"transports,omitempty"`
}

// AuthenticationResponse is the browser's PublicKeyCredential from
// navigator.credentials.get.
type AuthenticationResponse struct {
	ID       protocol.URLEncodedBase64 `json:"id"`
	RawID    protocol.URLEncodedBase64 `json:"rawId"`
	Type     string                    `json:"type"`
	Response AssertionPayload          `json:"response"`
}

type AssertionPayload struct {
	ClientDataJSON    protocol.URLEncodedBase64 `json:"clientDataJSON"`
	AuthenticatorData protocol.URLEncodedBase64 `json:"authenticatorData"`
	Signature         protocol.URLEncodedBase64 `json:"signature"`
	UserHandle        protocol.URLEncodedBase64 `json:"userHandle,omitempty"`
}

// PasskeyService orchestrates the registration and authentication ceremonies
// across the resolver, challenge registry, credential store and audit trail.
type PasskeyService struct {
	cfg      config.PasskeyConfig
	Resolver *RelyingPartyResolver
	Registry *ChallengeRegistry
	Store    *CredentialStore
	Audit    *AuditService
}

func NewPasskeyService(db *gorm.DB, cfg config.PasskeyConfig, tenants TenantSource, audit *AuditService) *PasskeyService {
	return &PasskeyService{
		cfg:      cfg,
		Resolver: NewRelyingPartyResolver(cfg, tenants),
		Registry: NewChallengeRegistry(db, cfg),
		Store:    NewCredentialStore(db),
		Audit:    audit,
	}
}

func (s *PasskeyService) policy() webauthn.Policy {
	return webauthn.Policy{
		RequireUserPresence:     s.cfg.RequireUserPresence,
		RequireUserVerification: s.cfg.RequireUserVerification,
	}
}

// BeginRegistration issues creation options for an authenticated user. The
// user's active credentials go into the exclude list so an authenticator
// won't re-register a key it already holds.
func (s *PasskeyService) BeginRegistration(user *models.User, meta RequestMeta) (*CreationOptions, error) {
	rp := s.Resolver.Resolve(meta.Host)
	exclude, err := s.Store.ListActiveForUser(user.ID)
	if err != nil {
		return nil, err
	}
	return s.Registry.IssueRegistration(rp, user, exclude, meta.UserAgent)
}

// FinishRegistration consumes the pending challenge, verifies the attestation
// response and persists the new credential.
func (s *PasskeyService) FinishRegistration(user *models.User, resp *RegistrationResponse, meta RequestMeta) (*models.PasskeyCredential, error) {
	challenge, err := s.Registry.ConsumeRegistration(user.ID, meta.UserAgent)
	if err != nil {
		return nil, err
	}

	rp := s.Resolver.Resolve(meta.Host)
	reg, err := rp.VerifyAttestation(challenge, resp.Response.ClientDataJSON, resp.Response.AttestationObject, s.policy())
	if err != nil {
		logger.WarnWithUser(user.ID.String(), "passkey_register_verify_failed", map[string]interface{}{
			"error": err.Error(),
			"rp_id": rp.ID,
		})
		s.Audit.LogAsync(AuditEntry{
			UserID:       &user.ID,
			Action:       AuditPasskeyRegisterErr,
			ResourceType: "passkey_credential",
			Details:      map[string]interface{}{"reason": err.Error()},
			IPAddress:    meta.IP,
		})
		return nil, err
	}

	if len(resp.RawID) > 0 && !bytes.Equal(resp.RawID, reg.CredentialID) {
		return nil, webauthn.ErrMalformedAttestation
	}

	cred := &models.PasskeyCredential{
		UserID:        user.ID,
		CredentialID:  reg.CredentialID,
		PublicKey:     reg.PublicKey,
		AAGUID:        reg.AAGUID,
		SignCount:     reg.SignCount,
		Transports:    strings.Join(resp.Response.Transports, ","),
		IsActive:      true,
		LastUserAgent: meta.UserAgent,
	}
	if err := s.Store.Create(cred); err != nil {
		return nil, err
	}

	s.Audit.LogAsync(AuditEntry{
		UserID:       &user.ID,
		Action:       AuditPasskeyRegistered,
		ResourceType: "passkey_credential",
		ResourceID:   &cred.ID,
		Details: map[string]interface{}{
			"aaguid":     cred.AAGUID,
			"transports": resp.Response.Transports,
		},
		IPAddress: meta.IP,
	})
	return cred, nil
}

// BeginAuthentication issues request options. With an email the allow list is
// scoped to that account and an account without active credentials is
// rejected up front; without one, credential selection is left to the
// authenticator, but no challenge is ever issued against an empty store.
func (s *PasskeyService) BeginAuthentication(email string, meta RequestMeta) (*RequestOptions, uuid.UUID, error) {
	rp := s.Resolver.Resolve(meta.Host)

	var allow []models.PasskeyCredential
	if email != "" {
		var user models.User
		err := s.Registry.DB.Where("email = ? AND is_active = ?", strings.ToLower(email), true).First(&user).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, uuid.Nil, ErrNoCredentialsRegistered
			}
			return nil, uuid.Nil, err
		}
		allow, err = s.Store.ListActiveForUser(user.ID)
		if err != nil {
			return nil, uuid.Nil, err
		}
		if len(allow) == 0 {
			return nil, uuid.Nil, ErrNoCredentialsRegistered
		}
	} else {
		count, err := s.Store.CountActive()
		if err != nil {
			return nil, uuid.Nil, err
		}
		if count == 0 {
			return nil, uuid.Nil, ErrNoCredentialsRegistered
		}
	}

	return s.Registry.IssueAuthentication(rp, allow, meta.UserAgent)
}

// FinishAuthentication consumes the challenge, verifies the assertion and
// returns the credential owner. The signature counter is advanced with a
// conditional update so a concurrent replay of the same assertion cannot
// succeed twice.
func (s *PasskeyService) FinishAuthentication(challengeID uuid.UUID, resp *AuthenticationResponse, meta RequestMeta) (*models.User, error) {
	challenge, err := s.Registry.ConsumeAuthentication(challengeID, meta.UserAgent)
	if err != nil {
		return nil, err
	}

	rawID := []byte(resp.RawID)
	if len(rawID) == 0 {
		rawID = []byte(resp.ID)
	}
	cred, err := s.Store.FindActiveByCredentialID(rawID)
	if err != nil {
		return nil, err
	}

	rp := s.Resolver.Resolve(meta.Host)
	assertion, err := rp.VerifyAssertion(
		cred.PublicKey,
		challenge,
		resp.Response.ClientDataJSON,
		resp.Response.AuthenticatorData,
		resp.Response.Signature,
		s.policy(),
	)
	if err != nil {
		logger.WarnWithUser(cred.UserID.String(), "passkey_assertion_failed", map[string]interface{}{
			"error": err.Error(),
			"rp_id": rp.ID,
		})
		s.Audit.LogAsync(AuditEntry{
			UserID:       &cred.UserID,
			Action:       AuditLoginFailed,
			ResourceType: "passkey_credential",
			ResourceID:   &cred.ID,
			Details:      map[string]interface{}{"reason": err.Error()},
			IPAddress:    meta.IP,
		})
		return nil, err
	}

	if len(resp.Response.UserHandle) > 0 && !bytes.Equal(resp.Response.UserHandle, cred.User.WebAuthnHandle()) {
		return nil, ErrUserHandleMismatch
	}

	// A deactivated owner fails before the usage update; only a successful
	// authentication may mutate the credential.
	if !cred.User.IsActive {
		return nil, ErrCredentialNotFound
	}

	if err := CheckSignCount(cred.SignCount, assertion.SignCount); err != nil {
		s.handleCloneSuspicion(cred, assertion.SignCount, meta)
		return nil, err
	}

	if err := s.Store.UpdateUsage(cred, assertion.SignCount, meta.UserAgent); err != nil {
		if errors.Is(err, ErrCounterRegression) {
			s.handleCloneSuspicion(cred, assertion.SignCount, meta)
		}
		return nil, err
	}

	s.Audit.LogAsync(AuditEntry{
		UserID:       &cred.UserID,
		Action:       AuditLoginPasskey,
		ResourceType: "passkey_credential",
		ResourceID:   &cred.ID,
		IPAddress:    meta.IP,
	})
	return &cred.User, nil
}

// handleCloneSuspicion records a counter anomaly. The credential is only
// disabled automatically when the deployment opted in.
func (s *PasskeyService) handleCloneSuspicion(cred *models.PasskeyCredential, reported uint32, meta RequestMeta) {
	logger.WarnWithUser(cred.UserID.String(), "passkey_clone_suspicion", map[string]interface{}{
		"credential_id": cred.ID.String(),
		"stored_count":  cred.SignCount,
		"reported":      reported,
	})
	s.Audit.LogAsync(AuditEntry{
		UserID:       &cred.UserID,
		Action:       AuditCloneSuspicion,
		ResourceType: "passkey_credential",
		ResourceID:   &cred.ID,
		Details: map[string]interface{}{
			"stored_count":   cred.SignCount,
			"reported_count": reported,
		},
		IPAddress: meta.IP,
	})

	if s.cfg.DisableOnCloneSuspicion {
		if err := s.Store.Disable(cred.ID, cred.UserID, true); err != nil {
			logger.Error("passkey_clone_disable_failed", err, map[string]interface{}{
				"credential_id": cred.ID.String(),
			})
		}
	}
}

// DebugInfo reports the resolved relying party and ceremony policy for a
// host. Only exposed on the dev environment.
func (s *PasskeyService) DebugInfo(host string) map[string]interface{} {
	rp := s.Resolver.Resolve(host)
	return map[string]interface{}{
		"rpId":                    rp.ID,
		"rpName":                  rp.Name,
		"origin":                  rp.Origin,
		"allowedHosts":            s.cfg.AllowedHosts,
		"challengeTTL":            s.cfg.ChallengeTTL.String(),
		"timeout":                 s.cfg.Timeout.String(),
		"requireUserVerification": s.cfg.RequireUserVerification,
		"requireUserPresence":     s.cfg.RequireUserPresence,
		"disableOnCloneSuspicion": s.cfg.DisableOnCloneSuspicion,
	}
}
