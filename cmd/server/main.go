package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/passkeygate/backend/internal/config"
	"github.com/passkeygate/backend/internal/database"
	"github.com/passkeygate/backend/internal/handlers"
	"github.com/passkeygate/backend/internal/middleware"
	"github.com/passkeygate/backend/internal/services"
	"github.com/passkeygate/backend/pkg/logger"
	"github.com/passkeygate/backend/pkg/utils"
)

func main() {
	logger.Init()

	cfg := config.Load()
	utils.ConfigureJWT(cfg.JWT.Secret, cfg.JWT.ExpirationHours)

	db, err := database.Connect(cfg.DB)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	auditService := services.NewAuditService(db)
	defer auditService.Close()

	passkeyService := services.NewPasskeyService(db, cfg.Passkey, nil, auditService)

	// Abandoned ceremonies leave expired challenge rows behind.
	go func() {
		ticker := time.NewTicker(cfg.Passkey.ChallengeTTL)
		defer ticker.Stop()
		for range ticker.C {
			if purged, err := passkeyService.Registry.PurgeExpired(); err != nil {
				logger.Error("challenge_purge_failed", err, nil)
			} else if purged > 0 {
				logger.Info("challenges_purged", map[string]interface{}{"count": purged})
			}
		}
	}()

	authHandler := handlers.NewAuthHandler(db, auditService)
	passkeyHandler := handlers.NewPasskeyHandler(passkeyService, cfg.Server)
	authMiddleware := middleware.NewAuthMiddleware(db)

	app := fiber.New(fiber.Config{BodyLimit: 1 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS(""))
	app.Use(middleware.RequestLogger())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api")

	authRoutes := api.Group("/auth")
	authRoutes.Post("/login", authHandler.Login)
	authRoutes.Get("/me", authMiddleware.RequireAuth, authHandler.Me)
	authRoutes.Get("/activity", authMiddleware.RequireAuth, authHandler.Activity)

	passkeyRoutes := api.Group("/passkey", middleware.CeremonyRateLimit())
	passkeyRoutes.Post("/login-begin", passkeyHandler.LoginBegin)
	passkeyRoutes.Post("/login-finish", passkeyHandler.LoginFinish)
	passkeyRoutes.Post("/register-begin", authMiddleware.RequireAuth, passkeyHandler.RegisterBegin)
	passkeyRoutes.Post("/register-finish", authMiddleware.RequireAuth, passkeyHandler.RegisterFinish)
	passkeyRoutes.Get("/credentials", authMiddleware.RequireAuth, passkeyHandler.ListCredentials)
	passkeyRoutes.Post("/credentials/:id/disable", authMiddleware.RequireAuth, passkeyHandler.DisableCredential)
	passkeyRoutes.Delete("/credentials/:id", authMiddleware.RequireAuth, passkeyHandler.DeleteCredential)

	if cfg.Server.IsDev() {
		passkeyRoutes.Get("/debug-config", passkeyHandler.DebugConfig)
	}

	adminRoutes := api.Group("/admin", authMiddleware.RequireAuth, middleware.AdminOnly)
	adminRoutes.Get("/credentials", passkeyHandler.AdminListCredentials)
	adminRoutes.Delete("/credentials/:id", passkeyHandler.DeleteCredential)

	listenAddr := fmt.Sprintf(":%s", cfg.Server.Port)

	logger.Info("server_starting", map[string]interface{}{
		"port":        cfg.Server.Port,
		"address":     listenAddr,
		"environment": cfg.Server.Environment,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(listenAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("shutting down server due to signal: %s", sig)
		shutdownDone := make(chan struct{})
		go func() {
			_ = app.Shutdown()
			close(shutdownDone)
		}()
		select {
		case <-shutdownDone:
		case <-time.After(10 * time.Second):
			log.Print("forced shutdown timeout reached")
		}
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	}
}
