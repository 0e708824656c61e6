// Package http exposes sync progress, recovery actions and live events over Fiber.
package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/response"
)

var ErrUnauthorized = errors.New("unauthorized")

// GetUserID safely extracts user_id from fiber context
// Returns error if not authenticated
func GetUserID(c *fiber.Ctx) (uuid.UUID, error) {
	userIDVal := c.Locals("user_id")
	if userIDVal == nil {
		return uuid.Nil, ErrUnauthorized
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		return uuid.Nil, ErrUnauthorized
	}
	return userID, nil
}

// accountParam parses the :id route parameter.
func accountParam(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, apperr.InvalidInput("id", "must be a uuid")
	}
	return id, nil
}

// errorResponse renders err through the shared envelope. Server-side
// failures are logged with the operation name and never leak details.
func errorResponse(c *fiber.Ctx, err error, operation string) error {
	appErr := apperr.AsAppError(err)
	if appErr.Status >= fiber.StatusInternalServerError {
		logger.WithError(err).WithField("operation", operation).Error("[%s] request failed", operation)
		if appErr.Code == apperr.CodeInternalError {
			return response.Error(c, appErr.Status, appErr.Code, operation+" failed")
		}
	}
	return response.FromError(c, err)
}
