package middleware

import (
	stdErrors "errors"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/johnquangdev/discovery-sync/errors"
	"github.com/johnquangdev/discovery-sync/internal/adapter/dto/common"
	"github.com/johnquangdev/discovery-sync/pkg/jwt"
)

// ClaimsContextKey is the echo context key holding the caller's *jwt.Claims
const ClaimsContextKey = "claims"

// EchoAuth returns an Echo middleware that validates the bearer token and
// stores the caller's claims in the context. A nil manager disables auth.
func EchoAuth(manager *jwt.Manager, logger *zap.Logger) echo.MiddlewareFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if manager == nil {
			return next
		}
		return func(c echo.Context) error {
			token := extractToken(c)
			if token == "" {
				return respondError(c, errors.ErrUnauthenticated())
			}

			claims, err := manager.ValidateAccessToken(token)
			if err != nil {
				logger.Warn("🔒 Rejected API token",
					zap.String("path", c.Path()),
					zap.Error(err),
				)
				if stdErrors.Is(err, jwt.ErrTokenExpired) {
					return respondError(c, errors.ErrTokenExpired())
				}
				return respondError(c, errors.ErrInvalidToken())
			}

			c.Set(ClaimsContextKey, claims)
			return next(c)
		}
	}
}

// RequireScope rejects callers whose token lacks scope. Without auth
// configured there are no claims and every request passes.
func RequireScope(scope string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := c.Get(ClaimsContextKey)
			if raw == nil {
				return next(c)
			}
			claims, ok := raw.(*jwt.Claims)
			if !ok || !claims.HasScope(scope) {
				return respondError(c, errors.ErrForbidden(scope))
			}
			return next(c)
		}
	}
}

// GetClaims retrieves the authenticated caller from the echo context
func GetClaims(c echo.Context) (*jwt.Claims, bool) {
	claims, ok := c.Get(ClaimsContextKey).(*jwt.Claims)
	return claims, ok
}

func extractToken(c echo.Context) string {
	authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
	if authHeader == "" {
		return ""
	}
	// Expected format: "Bearer <token>"
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func respondError(c echo.Context, appErr errors.AppError) error {
	return c.JSON(appErr.HTTPCode, common.ErrorResponse{
		Code:    appErr.Code.String(),
		Message: appErr.Message,
		Details: appErr.Details,
	})
}
