package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/tonsurance/escrow-engine/internal/auth"
	"github.com/tonsurance/escrow-engine/internal/config"
	"github.com/tonsurance/escrow-engine/internal/rbac"
	"go.uber.org/zap"
)

const (
	CtxAddress = "address"
	CtxRole    = "role"
)

func AuthMiddleware(cfg *config.Config, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing authorization header"})
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenStr == authHeader {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid authorization format"})
		}

		claims, err := auth.ParseJWT(cfg.JWTSecret, tokenStr)
		if err != nil {
			log.Debug("jwt parse error", zap.Error(err))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or expired token"})
		}
		if !rbac.Valid(claims.Role) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unknown role"})
		}

		c.Locals(CtxAddress, claims.Address)
		c.Locals(CtxRole, claims.Role)

		return c.Next()
	}
}

func GetAddress(c *fiber.Ctx) string {
	a, _ := c.Locals(CtxAddress).(string)
	return a
}

func GetRole(c *fiber.Ctx) string {
	r, _ := c.Locals(CtxRole).(string)
	return r
}

// RequirePermission rejects callers whose role lacks perm.
func RequirePermission(perm string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !rbac.HasPermission(GetRole(c), perm) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden", "code": "missing_permission"})
		}
		return c.Next()
	}
}
