package middleware

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/response"
)

const localRequestID = "request_id"

var statusCodes = map[int]string{
	fiber.StatusBadRequest:            apperr.CodeBadRequest,
	fiber.StatusUnauthorized:          apperr.CodeUnauthorized,
	fiber.StatusForbidden:             apperr.CodeForbidden,
	fiber.StatusNotFound:              apperr.CodeNotFound,
	fiber.StatusMethodNotAllowed:      apperr.CodeBadRequest,
	fiber.StatusConflict:              apperr.CodeConflict,
	fiber.StatusRequestEntityTooLarge: apperr.CodeInvalidInput,
	fiber.StatusTooManyRequests:       apperr.CodeRateLimited,
	fiber.StatusBadGateway:            apperr.CodeExternalError,
	fiber.StatusServiceUnavailable:    apperr.CodeExternalError,
	fiber.StatusGatewayTimeout:        apperr.CodeExternalError,
}

func codeForStatus(status int) string {
	if code, ok := statusCodes[status]; ok {
		return code
	}
	return apperr.CodeInternalError
}

func requestIDOf(c *fiber.Ctx) string {
	id, _ := c.Locals(localRequestID).(string)
	return id
}

// ErrorHandler renders every error returned by a handler as the JSON envelope.
// Provider lockouts also carry a Retry-After header.
func ErrorHandler() fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return response.Error(c, fiberErr.Code, codeForStatus(fiberErr.Code), fiberErr.Message)
		}

		appErr := apperr.AsAppError(err)
		log := logger.WithField("request_id", requestIDOf(c)).WithField("error_code", appErr.Code)
		if appErr.Err != nil {
			log = log.WithError(appErr.Err)
		}
		if id, ok := appErr.Details["account_id"]; ok {
			log = log.WithField("account_id", id)
		}

		switch {
		case appErr.Status >= fiber.StatusInternalServerError:
			log.Error("[ErrorHandler] %s %s: %s", c.Method(), c.Path(), appErr.Message)
			// Internal causes stay in the log.
			return response.Error(c, appErr.Status, appErr.Code, "An unexpected error occurred")
		case appErr.Code == apperr.CodeRateLimited:
			if secs, ok := appErr.Details["retry_after"].(int); ok && secs > 0 {
				c.Set(fiber.HeaderRetryAfter, strconv.Itoa(secs))
			}
		}
		log.Warn("[ErrorHandler] %s %s: %s", c.Method(), c.Path(), appErr.Message)
		return response.FromError(c, appErr)
	}
}

// RequestID reuses an incoming X-Request-ID or issues a new one.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(fiber.HeaderXRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Locals(localRequestID, id)
		c.Set(fiber.HeaderXRequestID, id)
		return c.Next()
	}
}

// RequestLogger logs one line per request after the handler returns.
// Long-lived event streams are logged when they close.
func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		log := logger.WithFields(map[string]any{
			"request_id":  requestIDOf(c),
			"method":      c.Method(),
			"path":        c.Path(),
			"status":      status,
			"duration_ms": time.Since(start).Milliseconds(),
			"ip":          c.IP(),
		})
		if uid, ok := c.Locals("user_id").(uuid.UUID); ok {
			log = log.WithField("user_id", uid.String())
		}
		if id := c.Params("id"); id != "" {
			log = log.WithField("account_id", id)
		}

		switch {
		case status >= fiber.StatusInternalServerError:
			log.Error("[RequestLogger] %s %s -> %d", c.Method(), c.Path(), status)
		case status >= fiber.StatusBadRequest:
			log.Warn("[RequestLogger] %s %s -> %d", c.Method(), c.Path(), status)
		default:
			log.Debug("[RequestLogger] %s %s -> %d", c.Method(), c.Path(), status)
		}
		return err
	}
}

// Recover turns a handler panic into a 500 envelope.
func Recover() fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			logger.WithFields(map[string]any{
				"request_id": requestIDOf(c),
				"panic":      fmt.Sprint(r),
				"route":      c.Method() + " " + c.Path(),
				"stack":      string(debug.Stack()),
			}).Error("[Recover] handler panicked")
			err = response.Error(c, fiber.StatusInternalServerError, apperr.CodeInternalError, "An unexpected error occurred")
		}()
		return c.Next()
	}
}
