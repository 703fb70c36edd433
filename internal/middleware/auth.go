package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/voicecrm/auditcore/internal/auth"
	"github.com/voicecrm/auditcore/internal/config"
	"github.com/voicecrm/auditcore/internal/http/dto"
	"github.com/voicecrm/auditcore/internal/rbac"
	"github.com/voicecrm/auditcore/internal/services"
	"go.uber.org/zap"
)

const CtxClaims = "claims"

// AuthMiddleware requires a bearer JWT. A correctly signed token that has
// expired is recorded as SESSION_EXPIRED before the request is rejected.
func AuthMiddleware(cfg *config.Config, log *zap.Logger, authAudit *services.AuthAuditLogger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return unauthorized(c, "missing authorization header")
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenStr == authHeader {
			return unauthorized(c, "invalid authorization format")
		}

		claims, err := auth.ParseJWT(cfg.JWTSecret, tokenStr)
		if err != nil {
			if auth.IsExpired(err) && claims != nil {
				if authAudit != nil {
					authAudit.SessionExpired(ActorFromClaims(claims), CaptureRequest(c))
				}
				return unauthorized(c, "session expired")
			}
			log.Debug("jwt parse error", zap.Error(err))
			return unauthorized(c, "invalid or expired token")
		}

		c.Locals(CtxClaims, claims)
		return c.Next()
	}
}

func GetClaims(c *fiber.Ctx) *auth.Claims {
	claims, _ := c.Locals(CtxClaims).(*auth.Claims)
	return claims
}

// RequirePermission must run after AuthMiddleware.
func RequirePermission(permission string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		claims := GetClaims(c)
		if claims == nil || !rbac.HasPermission(claims.Role, permission) {
			return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{
				Error:     "insufficient permissions",
				RequestID: GetRequestID(c),
			})
		}
		return c.Next()
	}
}

func ActorFromClaims(claims *auth.Claims) services.Actor {
	if claims == nil {
		return services.Actor{}
	}
	return services.Actor{UserID: claims.UserID, Email: claims.Email, Name: claims.Name}
}

func unauthorized(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: msg, RequestID: GetRequestID(c)})
}
