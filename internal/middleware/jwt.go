package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/gema-livechat/internal/utils"
)

// Locals keys set by JWTProtected.
const (
	LocalUserID    = "user_id"
	LocalUserName  = "user_name"
	LocalUserEmail = "user_email"
	LocalUserPhoto = "user_photo"
)

// JWTProtected validates HMAC bearer tokens and exposes the subject and display name.
// Browsers cannot set headers on websocket upgrades, so a "token" query parameter is accepted too.
func JWTProtected(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString, ok := bearerToken(c)
		if !ok {
			return utils.SendError(c, fiber.StatusUnauthorized, utils.AuthErrorMessage(utils.AuthMissingToken, ""))
		}

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			return utils.SendError(c, fiber.StatusUnauthorized, utils.AuthErrorMessage(utils.AuthInvalidToken, ""))
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return utils.SendError(c, fiber.StatusUnauthorized, utils.AuthErrorMessage(utils.AuthInvalidToken, ""))
		}

		userID := stringClaim(claims, "sub", "user_id", "uid")
		if userID == "" || strings.Contains(userID, "/") {
			return utils.SendError(c, fiber.StatusUnauthorized, utils.AuthErrorMessage(utils.AuthInvalidToken, ""))
		}

		c.Locals(LocalUserID, userID)
		c.Locals(LocalUserName, stringClaim(claims, "name", "display_name", "email"))
		c.Locals(LocalUserEmail, stringClaim(claims, "email"))
		c.Locals(LocalUserPhoto, stringClaim(claims, "picture", "photo_url"))

		return c.Next()
	}
}

func bearerToken(c *fiber.Ctx) (string, bool) {
	authorization := strings.TrimSpace(c.Get("Authorization"))
	if authorization != "" {
		const bearer = "bearer "
		if !strings.HasPrefix(strings.ToLower(authorization), bearer) {
			return "", false
		}
		token := strings.TrimSpace(authorization[len(bearer):])
		return token, token != ""
	}

	token := strings.TrimSpace(c.Query("token"))
	return token, token != ""
}

func stringClaim(claims jwt.MapClaims, keys ...string) string {
	for _, key := range keys {
		if value, ok := claims[key].(string); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

// UserID returns the authenticated subject.
func UserID(c *fiber.Ctx) string {
	if id, ok := c.Locals(LocalUserID).(string); ok {
		return id
	}
	return ""
}

// UserName returns the display name claim, if any.
func UserName(c *fiber.Ctx) string {
	if name, ok := c.Locals(LocalUserName).(string); ok {
		return name
	}
	return ""
}
