package handlers

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/passkeygate/backend/internal/config"
	"github.com/passkeygate/backend/internal/middleware"
	"github.com/passkeygate/backend/internal/models"
	"github.com/passkeygate/backend/internal/services"
	"github.com/passkeygate/backend/pkg/logger"
	"github.com/passkeygate/backend/pkg/utils"
	"gorm.io/gorm"
)

type testEnv struct {
	app      *fiber.App
	db       *gorm.DB
	passkeys *services.PasskeyService
}

var testSetupOnce sync.Once

func testPasskeyConfig() config.PasskeyConfig {
	return config.PasskeyConfig{
		RPName:                  "PasskeyGate",
		RPID:                    "example.com",
		AllowedHosts:            []string{"example.com"},
		Timeout:                 60 * time.Second,
		ChallengeTTL:            5 * time.Minute,
		RequireUserVerification: true,
		RequireUserPresence:     true,
	}
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	testSetupOnce.Do(func() {
		gosqlite.MustRegisterScalarFunction("NOW", 0, func(ctx *gosqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			return time.Now().UTC(), nil
		})
		logger.Init()
		utils.ConfigureJWT("test-secret", 24)
	})

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	err = db.AutoMigrate(
		&models.User{},
		&models.PasskeyCredential{},
		&models.PasskeyChallenge{},
		&models.AuditLog{},
	)
	if err != nil {
		t.Fatalf("failed automigrating models: %v", err)
	}

	auditService := services.NewAuditService(db)
	passkeyService := services.NewPasskeyService(db, testPasskeyConfig(), nil, auditService)

	serverCfg := config.ServerConfig{
		Port:        "8080",
		Environment: "dev",
		LoginDest:   "/",
	}

	authHandler := NewAuthHandler(db, auditService)
	passkeyHandler := NewPasskeyHandler(passkeyService, serverCfg)
	authMiddleware := middleware.NewAuthMiddleware(db)

	app := fiber.New(fiber.Config{BodyLimit: 1 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS(""))
	app.Use(middleware.RequestLogger())

	api := app.Group("/api")

	authRoutes := api.Group("/auth")
	authRoutes.Post("/login", authHandler.Login)
	authRoutes.Get("/me", authMiddleware.RequireAuth, authHandler.Me)
	authRoutes.Get("/activity", authMiddleware.RequireAuth, authHandler.Activity)

	passkeyRoutes := api.Group("/passkey")
	passkeyRoutes.Post("/login-begin", passkeyHandler.LoginBegin)
	passkeyRoutes.Post("/login-finish", passkeyHandler.LoginFinish)
	passkeyRoutes.Post("/register-begin", authMiddleware.RequireAuth, passkeyHandler.RegisterBegin)
	passkeyRoutes.Post("/register-finish", authMiddleware.RequireAuth, passkeyHandler.RegisterFinish)
	passkeyRoutes.Get("/credentials", authMiddleware.RequireAuth, passkeyHandler.ListCredentials)
	passkeyRoutes.Post("/credentials/:id/disable", authMiddleware.RequireAuth, passkeyHandler.DisableCredential)
	passkeyRoutes.Delete("/credentials/:id", authMiddleware.RequireAuth, passkeyHandler.DeleteCredential)
	passkeyRoutes.Get("/debug-config", passkeyHandler.DebugConfig)

	adminRoutes := api.Group("/admin", authMiddleware.RequireAuth, middleware.AdminOnly)
	adminRoutes.Get("/credentials", passkeyHandler.AdminListCredentials)
	adminRoutes.Delete("/credentials/:id", passkeyHandler.DeleteCredential)

	return &testEnv{app: app, db: db, passkeys: passkeyService}
}

func createTestUser(t *testing.T, db *gorm.DB, email, password string, role models.UserRole) (*models.User, string) {
	t.Helper()

	hash, err := utils.HashPassword(password)
	if err != nil {
		t.Fatalf("failed hashing password: %v", err)
	}

	user := &models.User{
		Email:        email,
		PasswordHash: hash,
		DisplayName:  "Test User",
		Role:         role,
		IsActive:     true,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed creating test user: %v", err)
	}

	token, err := utils.GenerateToken(user)
	if err != nil {
		t.Fatalf("failed generating auth token: %v", err)
	}

	return user, token
}

func authHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func performRequest(t *testing.T, app *fiber.App, method, path string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := app.Test(req, int((10 * time.Second).Milliseconds()))
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}

	return resp
}

func performJSONRequest(t *testing.T, app *fiber.App, method, path string, payload any, headers map[string]string) *http.Response {
	t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}

	requestHeaders := map[string]string{}
	for key, value := range headers {
		requestHeaders[key] = value
	}
	if payload != nil {
		requestHeaders["Content-Type"] = "application/json"
	}

	return performRequest(t, app, method, path, body, requestHeaders)
}

func decodeJSONMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed reading response body: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed decoding JSON response: %v body=%q", err, string(raw))
	}

	return payload
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

func assertEnvelopeError(t *testing.T, body map[string]any, expected string) {
	t.Helper()
	if success, _ := body["success"].(bool); success {
		t.Fatalf("expected success=false, got %+v", body)
	}
	if got, _ := body["error"].(string); got != expected {
		t.Fatalf("expected error %q, got %q", expected, got)
	}
}
