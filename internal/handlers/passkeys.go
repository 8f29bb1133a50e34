package handlers

import (
	"errors"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/passkeygate/backend/internal/config"
	"github.com/passkeygate/backend/internal/middleware"
	"github.com/passkeygate/backend/internal/models"
	"github.com/passkeygate/backend/internal/services"
	"github.com/passkeygate/backend/pkg/logger"
	"github.com/passkeygate/backend/pkg/utils"
)

// Generic surface messages. Internals log the precise failure; callers only
// learn that the ceremony did not complete.
const (
	msgRegistrationFailed   = "registration failed"
	msgAuthenticationFailed = "authentication failed"
	msgNoCredentials        = "no credentials registered"
)

type PasskeyHandler struct {
	Passkeys *services.PasskeyService
	Server   config.ServerConfig
}

func NewPasskeyHandler(passkeys *services.PasskeyService, server config.ServerConfig) *PasskeyHandler {
	return &PasskeyHandler{Passkeys: passkeys, Server: server}
}

type loginBeginRequest struct {
	Email string `json:"email,omitempty"`
}

type loginFinishRequest struct {
	ChallengeID string                          `json:"challengeID"`
	Credential  services.AuthenticationResponse `json:"credential"`
	BackURL     string                          `json:"backURL,omitempty"`
}

type registerFinishRequest struct {
	Credential services.RegistrationResponse `json:"credential"`
}

// credentialView is the management representation of a credential. The raw id
// goes out as raw base64url, the COSE key never leaves the server.
type credentialView struct {
	ID            uuid.UUID                 `json:"id"`
	CredentialID  protocol.URLEncodedBase64 `json:"credentialID"`
	AAGUID        string                    `json:"aaguid,omitempty"`
	Transports    []string                  `json:"transports,omitempty"`
	SignCount     uint32                    `json:"signCount"`
	IsActive      bool                      `json:"isActive"`
	CreatedAt     string                    `json:"createdAt"`
	LastUsedAt    string                    `json:"lastUsedAt,omitempty"`
	LastUserAgent string                    `json:"lastUserAgent,omitempty"`
}

func newCredentialView(cred *models.PasskeyCredential) credentialView {
	view := credentialView{
		ID:            cred.ID,
		CredentialID:  cred.CredentialID,
		AAGUID:        cred.AAGUID,
		Transports:    cred.TransportList(),
		SignCount:     cred.SignCount,
		IsActive:      cred.IsActive,
		CreatedAt:     cred.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		LastUserAgent: cred.LastUserAgent,
	}
	if cred.LastUsedAt != nil {
		view.LastUsedAt = cred.LastUsedAt.UTC().Format("2006-01-02T15:04:05Z")
	}
	return view
}

// LoginBegin issues authentication options. With an email in the body the
// allow list is scoped to that account; without one the authenticator picks a
// discoverable credential.
func (h *PasskeyHandler) LoginBegin(c *fiber.Ctx) error {
	var req loginBeginRequest
	_ = c.BodyParser(&req) // empty body is fine

	opts, challengeID, err := h.Passkeys.BeginAuthentication(req.Email, requestMeta(c))
	if err != nil {
		if errors.Is(err, services.ErrNoCredentialsRegistered) {
			return utils.Error(c, fiber.StatusBadRequest, msgNoCredentials)
		}
		logger.Error("passkey_login_begin_failed", err, map[string]interface{}{"ip": c.IP()})
		return utils.Error(c, fiber.StatusInternalServerError, msgAuthenticationFailed)
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"challengeID": challengeID,
		"publicKey":   opts,
	})
}

func (h *PasskeyHandler) LoginFinish(c *fiber.Ctx) error {
	var req loginFinishRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, msgAuthenticationFailed)
	}

	challengeID, err := parseUUID(req.ChallengeID)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, msgAuthenticationFailed)
	}

	user, err := h.Passkeys.FinishAuthentication(challengeID, &req.Credential, requestMeta(c))
	if err != nil {
		// The precise reason stays server-side.
		logger.Warn("passkey_login_failed", map[string]interface{}{
			"ip":    c.IP(),
			"error": err.Error(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, msgAuthenticationFailed)
	}

	token, err := utils.GenerateToken(user)
	if err != nil {
		logger.Error("token_generation_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, msgAuthenticationFailed)
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"token":       token,
		"user":        user,
		"redirectURL": safeBackURL(req.BackURL, h.Server.LoginDest),
	})
}

func (h *PasskeyHandler) RegisterBegin(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	opts, err := h.Passkeys.BeginRegistration(user, requestMeta(c))
	if err != nil {
		logger.Error("passkey_register_begin_failed", err, map[string]interface{}{
			"user_id": user.ID.String(),
		})
		return utils.Error(c, fiber.StatusInternalServerError, msgRegistrationFailed)
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"publicKey": opts,
	})
}

func (h *PasskeyHandler) RegisterFinish(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req registerFinishRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, msgRegistrationFailed)
	}

	cred, err := h.Passkeys.FinishRegistration(user, &req.Credential, requestMeta(c))
	if err != nil {
		status := fiber.StatusBadRequest
		if errors.Is(err, services.ErrCredentialExists) {
			status = fiber.StatusConflict
		}
		return utils.Error(c, status, msgRegistrationFailed)
	}

	return utils.Success(c, fiber.StatusCreated, fiber.Map{
		"credential": newCredentialView(cred),
	})
}

// ListCredentials returns the caller's own credentials, active and disabled.
func (h *PasskeyHandler) ListCredentials(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	creds, err := h.Passkeys.Store.ListForUser(user.ID)
	if err != nil {
		logger.Error("passkey_list_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "could not list credentials")
	}

	views := make([]credentialView, 0, len(creds))
	for i := range creds {
		views = append(views, newCredentialView(&creds[i]))
	}
	return utils.Success(c, fiber.StatusOK, views)
}

func (h *PasskeyHandler) DisableCredential(c *fiber.Ctx) error {
	return h.mutateCredential(c, services.AuditPasskeyDisabled, func(rowID uuid.UUID, user *models.User) error {
		return h.Passkeys.Store.Disable(rowID, user.ID, user.IsAdmin())
	})
}

func (h *PasskeyHandler) DeleteCredential(c *fiber.Ctx) error {
	return h.mutateCredential(c, services.AuditPasskeyDeleted, func(rowID uuid.UUID, user *models.User) error {
		return h.Passkeys.Store.Delete(rowID, user.ID, user.IsAdmin())
	})
}

func (h *PasskeyHandler) mutateCredential(c *fiber.Ctx, auditAction string, mutate func(uuid.UUID, *models.User) error) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	rowID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid credential id")
	}

	if err := mutate(rowID, user); err != nil {
		if errors.Is(err, services.ErrCredentialNotFound) {
			return utils.Error(c, fiber.StatusNotFound, "credential not found")
		}
		logger.Error("passkey_mutation_failed", err, map[string]interface{}{
			"credential_id": rowID.String(),
		})
		return utils.Error(c, fiber.StatusInternalServerError, "could not update credential")
	}

	h.Passkeys.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       auditAction,
		ResourceType: "passkey_credential",
		ResourceID:   &rowID,
		IPAddress:    c.IP(),
	})
	return utils.Success(c, fiber.StatusOK, fiber.Map{"id": rowID})
}

// AdminListCredentials lets an admin browse every credential with its owner.
func (h *PasskeyHandler) AdminListCredentials(c *fiber.Ctx) error {
	creds, err := h.Passkeys.Store.ListAll()
	if err != nil {
		logger.Error("passkey_admin_list_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "could not list credentials")
	}

	type adminView struct {
		credentialView
		OwnerID    uuid.UUID `json:"ownerID"`
		OwnerEmail string    `json:"ownerEmail"`
	}
	views := make([]adminView, 0, len(creds))
	for i := range creds {
		views = append(views, adminView{
			credentialView: newCredentialView(&creds[i]),
			OwnerID:        creds[i].UserID,
			OwnerEmail:     creds[i].User.Email,
		})
	}
	return utils.Success(c, fiber.StatusOK, views)
}

// DebugConfig reports the relying party resolved for the current host. Routed
// only when the environment is dev.
func (h *PasskeyHandler) DebugConfig(c *fiber.Ctx) error {
	return utils.Success(c, fiber.StatusOK, h.Passkeys.DebugInfo(c.Hostname()))
}
