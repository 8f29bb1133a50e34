package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/passkeygate/backend/internal/services"
)

func parseUUID(value string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimSpace(value))
}

func requestMeta(c *fiber.Ctx) services.RequestMeta {
	return services.RequestMeta{
		Host:      c.Hostname(),
		UserAgent: c.Get("User-Agent"),
		IP:        c.IP(),
	}
}

// safeBackURL only accepts a relative path, so a login response can never
// redirect off-site. Anything else falls back to the configured destination.
func safeBackURL(raw, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return fallback
	}
	if strings.ContainsAny(raw, "\r\n") {
		return fallback
	}
	return raw
}
