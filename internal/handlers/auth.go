package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/passkeygate/backend/internal/middleware"
	"github.com/passkeygate/backend/internal/models"
	"github.com/passkeygate/backend/internal/services"
	"github.com/passkeygate/backend/pkg/logger"
	"github.com/passkeygate/backend/pkg/utils"
	"gorm.io/gorm"
)

type AuthHandler struct {
	DB    *gorm.DB
	Audit *services.AuditService
}

func NewAuthHandler(db *gorm.DB, audit *services.AuditService) *AuthHandler {
	return &AuthHandler{DB: db, Audit: audit}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	BackURL  string `json:"backURL"`
}

// Login is the primary email/password path. Passkey registration always
// starts from a session created here, never the other way around.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		return utils.Error(c, fiber.StatusBadRequest, "email and password are required")
	}

	var user models.User
	if err := h.DB.Where("email = ?", email).First(&user).Error; err != nil {
		logger.Warn("login_unknown_email", map[string]interface{}{"ip": c.IP()})
		return utils.Error(c, fiber.StatusUnauthorized, "invalid credentials")
	}

	if !user.IsActive || !utils.CheckPassword(req.Password, user.PasswordHash) {
		logger.WarnWithUser(user.ID.String(), "login_failed", map[string]interface{}{"ip": c.IP()})
		h.Audit.LogAsync(services.AuditEntry{
			UserID:       &user.ID,
			Action:       services.AuditLoginFailed,
			ResourceType: "user",
			IPAddress:    c.IP(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "invalid credentials")
	}

	token, err := utils.GenerateToken(&user)
	if err != nil {
		logger.Error("token_generation_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "could not create session")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       services.AuditLoginPassword,
		ResourceType: "user",
		IPAddress:    c.IP(),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"token":       token,
		"user":        user,
		"redirectURL": safeBackURL(req.BackURL, "/"),
	})
}

func (h *AuthHandler) Me(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}
	return utils.Success(c, fiber.StatusOK, user)
}

// Activity returns the caller's recent audit trail, newest first.
func (h *AuthHandler) Activity(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	rows, err := h.Audit.RecentForUser(user.ID, c.QueryInt("limit", 50))
	if err != nil {
		logger.Error("activity_query_failed", err, map[string]interface{}{"user_id": user.ID.String()})
		return utils.Error(c, fiber.StatusInternalServerError, "could not load activity")
	}

	return utils.Success(c, fiber.StatusOK, rows)
}
