package middleware

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/ratelimit"
	"mailsync_server/pkg/response"
)

const testSecret = "test-secret"

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func decode(t *testing.T, resp *http.Response) response.Response {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var r response.Response
	require.NoError(t, json.Unmarshal(body, &r))
	return r
}

func newAuthApp() *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Use(RequestID())
	app.Use(JWTAuth(testSecret, nil))
	app.Get("/me", func(c *fiber.Ctx) error {
		return c.SendString(c.Locals("user_id").(uuid.UUID).String())
	})
	return app
}

func TestJWTAuth(t *testing.T) {
	userID := uuid.New()
	app := newAuthApp()

	tests := []struct {
		name   string
		token  string
		query  bool
		status int
	}{
		{"valid header", signed(t, jwt.MapClaims{"sub": userID.String(), "exp": time.Now().Add(time.Hour).Unix()}), false, 200},
		{"valid query token", signed(t, jwt.MapClaims{"sub": userID.String()}), true, 200},
		{"missing", "", false, 401},
		{"expired", signed(t, jwt.MapClaims{"sub": userID.String(), "exp": time.Now().Add(-time.Hour).Unix()}), false, 401},
		{"not a uuid", signed(t, jwt.MapClaims{"sub": "alice"}), false, 401},
		{"wrong secret", func() string {
			s, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": userID.String()}).SignedString([]byte("other"))
			return s
		}(), false, 401},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/me"
			if tt.query {
				target += "?token=" + tt.token
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if !tt.query && tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.status == 200 {
				body, _ := io.ReadAll(resp.Body)
				assert.Equal(t, userID.String(), string(body))
			}
		})
	}
}

func TestErrorHandler_AppError(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Use(RequestID())
	app.Get("/conflict", func(c *fiber.Ctx) error {
		return apperr.InvalidTransition("syncing", "start_seed")
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/conflict", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	r := decode(t, resp)
	assert.False(t, r.Success)
	assert.Equal(t, apperr.CodeInvalidTransition, r.Error.Code)
}

func TestRecover(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Use(Recover())
	app.Get("/boom", func(c *fiber.Ctx) error {
		panic("boom")
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, apperr.CodeInternalError, decode(t, resp).Error.Code)
}

func TestRateLimit(t *testing.T) {
	store := ratelimit.NewMemoryCounterStore()
	app := fiber.New()
	app.Use(RateLimit(store, 2, time.Minute))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	}

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get(fiber.HeaderRetryAfter))
}

func TestErrorHandler_ProviderLockoutSetsRetryAfter(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Get("/locked", func(c *fiber.Ctx) error {
		return apperr.RateLimited("gmail", 42)
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/locked", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "42", resp.Header.Get(fiber.HeaderRetryAfter))
	assert.Equal(t, apperr.CodeRateLimited, decode(t, resp).Error.Code)
}

func TestErrorHandler_HidesInternalCause(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Get("/db", func(c *fiber.Ctx) error {
		return apperr.DatabaseError("select accounts", errors.New("pq: connection refused"))
	})
	app.Get("/missing", func(c *fiber.Ctx) error {
		return fiber.ErrNotFound
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/db", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	r := decode(t, resp)
	assert.Equal(t, apperr.CodeDatabaseError, r.Error.Code)
	assert.NotContains(t, r.Error.Message, "connection refused")

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/missing", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, apperr.CodeNotFound, decode(t, resp).Error.Code)
}

func TestSecurityHeaders(t *testing.T) {
	for _, production := range []bool{false, true} {
		app := fiber.New()
		app.Use(SecurityHeaders(production))
		app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
		require.NoError(t, err)
		assert.Equal(t, "nosniff", resp.Header.Get(fiber.HeaderXContentTypeOptions))
		assert.Equal(t, "no-store", resp.Header.Get(fiber.HeaderCacheControl))
		assert.Equal(t, production, resp.Header.Get(fiber.HeaderStrictTransportSecurity) != "")
	}
}
