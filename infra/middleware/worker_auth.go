// Package middleware holds the Fiber middleware chain of the API.
package middleware

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/response"
)

// TokenBlacklist manages revoked tokens
type TokenBlacklist struct {
	redis  *redis.Client
	prefix string
}

func NewTokenBlacklist(redisClient *redis.Client) *TokenBlacklist {
	if redisClient == nil {
		logger.Warn("Redis client not provided, token blacklist disabled")
		return nil
	}
	return &TokenBlacklist{
		redis:  redisClient,
		prefix: "token:blacklist:",
	}
}

// Revoke adds a token id to the blacklist until it would have expired.
func (b *TokenBlacklist) Revoke(ctx context.Context, tokenID string, expiry time.Duration) error {
	if b == nil {
		return nil
	}
	return b.redis.Set(ctx, b.prefix+tokenID, "1", expiry).Err()
}

// IsRevoked checks if a token is blacklisted
func (b *TokenBlacklist) IsRevoked(ctx context.Context, tokenID string) bool {
	if b == nil {
		return false
	}
	exists, _ := b.redis.Exists(ctx, b.prefix+tokenID).Result()
	return exists > 0
}

// bearerToken reads the Authorization header, falling back to the token
// query parameter for EventSource clients, which cannot set headers.
func bearerToken(c *fiber.Ctx) string {
	if h := c.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
	}
	return c.Query("token")
}

// JWTAuth validates HS256 tokens and stores the sub claim as user_id.
func JWTAuth(secret string, blacklist *TokenBlacklist) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodOptions {
			return c.Next()
		}

		tokenString := bearerToken(c)
		if tokenString == "" {
			return response.Unauthorized(c, "missing authorization")
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unsupported signing method: %v", token.Header["alg"])
			}
			if secret == "" {
				return nil, fmt.Errorf("JWT secret not configured")
			}
			return []byte(secret), nil
		}, jwt.WithLeeway(time.Minute), jwt.WithIssuedAt())
		if err != nil || !token.Valid {
			logger.WithError(err).Warn("JWT validation failed")
			return response.Error(c, fiber.StatusUnauthorized, apperr.CodeInvalidToken, "invalid token")
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return response.Error(c, fiber.StatusUnauthorized, apperr.CodeInvalidToken, "invalid claims")
		}

		// Check token blacklist (for logout/revocation)
		if jti, ok := claims["jti"].(string); ok && jti != "" {
			if blacklist.IsRevoked(c.Context(), jti) {
				return response.Error(c, fiber.StatusUnauthorized, apperr.CodeInvalidToken, "token has been revoked")
			}
		}

		sub, err := claims.GetSubject()
		if err != nil || sub == "" {
			return response.Unauthorized(c, "missing user id in token")
		}
		userID, err := uuid.Parse(sub)
		if err != nil {
			return response.Unauthorized(c, "invalid user id format")
		}

		email, _ := claims["email"].(string)
		c.Locals("user_id", userID)
		c.Locals("user_email", email)
		c.Locals("claims", claims)

		return c.Next()
	}
}
