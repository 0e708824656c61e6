package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"mailsync_server/adapter/out/messaging"
	"mailsync_server/adapter/out/persistence"
	"mailsync_server/adapter/out/realtime"
	"mailsync_server/core/domain"
	"mailsync_server/core/service/email"
	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/lease"
	"mailsync_server/pkg/ratelimit"
)

type fakeReconnect struct {
	codes []string
	plain int
}

func (f *fakeReconnect) ReconnectWithCode(_ context.Context, _ uuid.UUID, code string) error {
	f.codes = append(f.codes, code)
	return nil
}

func (f *fakeReconnect) Reconnect(_ context.Context, _ uuid.UUID, _ *oauth2.Token) error {
	f.plain++
	return nil
}

type apiFixture struct {
	store     *persistence.MemoryStore
	queue     *messaging.MemoryQueue
	reconnect *fakeReconnect
	app       *fiber.App
	userID    uuid.UUID
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		store:     persistence.NewMemoryStore(),
		queue:     messaging.NewMemoryQueue(),
		reconnect: &fakeReconnect{},
		userID:    uuid.New(),
	}
	svc := mail.NewSyncService(mail.SyncDeps{
		Accounts: f.store,
		Emails:   f.store,
		SyncLog:  f.store,
		Queue:    f.queue,
		Notifier: realtime.NewMemoryNotifier(),
		Locker:   lease.NewMemoryLocker(),
		Markers:  ratelimit.NewMemoryCounterStore(),
	}, mail.DefaultSyncConfig())

	f.app = fiber.New()
	api := f.app.Group("/api/v1", func(c *fiber.Ctx) error {
		if uid := c.Get("X-Test-User"); uid != "" {
			c.Locals("user_id", uuid.MustParse(uid))
		}
		return c.Next()
	})
	NewSyncHandler(svc, f.reconnect).Register(api)
	return f
}

func (f *apiFixture) account(t *testing.T, auth domain.AuthType, status domain.SyncStatus) *domain.EmailAccount {
	t.Helper()
	provider := domain.ProviderCustom
	if auth == domain.AuthTypeOAuth {
		provider = domain.ProviderGmail
	}
	acc := domain.NewEmailAccount(f.userID, uuid.NewString()+"@example.com", provider, auth)
	require.NoError(t, f.store.Create(context.Background(), acc))
	acc.SyncStatus = status
	if status != domain.SyncStatusPending {
		acc.SyncCursor = domain.NewSeedCursor()
	}
	require.NoError(t, f.store.SaveSyncState(context.Background(), acc))
	return acc
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func (f *apiFixture) do(t *testing.T, method, path, user, body string) (int, envelope) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	resp, err := f.app.Test(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	return resp.StatusCode, env
}

func TestSyncHandler_Progress(t *testing.T) {
	f := newAPIFixture(t)
	acc := f.account(t, domain.AuthTypePassword, domain.SyncStatusSyncing)
	path := "/api/v1/accounts/" + acc.ID.String() + "/sync/progress"

	status, env := f.do(t, http.MethodGet, path, f.userID.String(), "")
	require.Equal(t, http.StatusOK, status)
	var p domain.SyncProgress
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, domain.SyncStatusSyncing, p.Status)
	assert.Equal(t, acc.ID.String(), p.AccountID)

	status, env = f.do(t, http.MethodGet, path, uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, status, "other users cannot see the account")
	assert.Equal(t, apperr.CodeNotFound, env.Error.Code)

	status, _ = f.do(t, http.MethodGet, path, "", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, env = f.do(t, http.MethodGet, "/api/v1/accounts/not-a-uuid/sync/progress", f.userID.String(), "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, apperr.CodeInvalidInput, env.Error.Code)
}

func TestSyncHandler_Start(t *testing.T) {
	f := newAPIFixture(t)
	acc := f.account(t, domain.AuthTypePassword, domain.SyncStatusPending)
	path := "/api/v1/accounts/" + acc.ID.String() + "/sync/start"

	status, _ := f.do(t, http.MethodPost, path, f.userID.String(), "")
	assert.Equal(t, http.StatusAccepted, status)
	assert.Len(t, f.queue.Pending(), 1)

	status, env := f.do(t, http.MethodPost, path, f.userID.String(), "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, apperr.CodeInvalidTransition, env.Error.Code)
}

func TestSyncHandler_Resume(t *testing.T) {
	f := newAPIFixture(t)
	acc := f.account(t, domain.AuthTypePassword, domain.SyncStatusFailed)
	acc.SyncRetryCount = 6
	require.NoError(t, f.store.SaveSyncState(context.Background(), acc))
	path := "/api/v1/accounts/" + acc.ID.String() + "/sync/resume"

	status, env := f.do(t, http.MethodPost, path, f.userID.String(), "")
	require.Equal(t, http.StatusAccepted, status)
	var p domain.SyncProgress
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, domain.SyncStatusSeeding, p.Status)

	got, err := f.store.GetByID(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Zero(t, got.SyncRetryCount)
}

func TestSyncHandler_ResumeNeedsReconnect(t *testing.T) {
	f := newAPIFixture(t)
	acc := f.account(t, domain.AuthTypeOAuth, domain.SyncStatusSyncing)
	_, err := f.store.MarkNeedsReauth(context.Background(), acc.ID, domain.ReauthMessage)
	require.NoError(t, err)

	status, env := f.do(t, http.MethodPost, "/api/v1/accounts/"+acc.ID.String()+"/sync/resume", f.userID.String(), "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, apperr.CodeReauthRequired, env.Error.Code)
	assert.Empty(t, f.queue.Pending())
}

func TestSyncHandler_Reconnect(t *testing.T) {
	f := newAPIFixture(t)
	oauthAcc := f.account(t, domain.AuthTypeOAuth, domain.SyncStatusFailed)
	pwAcc := f.account(t, domain.AuthTypePassword, domain.SyncStatusFailed)

	status, env := f.do(t, http.MethodPost, "/api/v1/accounts/"+oauthAcc.ID.String()+"/reconnect", f.userID.String(), "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, apperr.CodeInvalidInput, env.Error.Code)

	status, _ = f.do(t, http.MethodPost, "/api/v1/accounts/"+oauthAcc.ID.String()+"/reconnect", f.userID.String(), `{"code":"abc"}`)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, []string{"abc"}, f.reconnect.codes)

	status, _ = f.do(t, http.MethodPost, "/api/v1/accounts/"+pwAcc.ID.String()+"/reconnect", f.userID.String(), "")
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, 1, f.reconnect.plain)
}

func TestSyncHandler_Log(t *testing.T) {
	f := newAPIFixture(t)
	acc := f.account(t, domain.AuthTypePassword, domain.SyncStatusPending)
	status, _ := f.do(t, http.MethodPost, "/api/v1/accounts/"+acc.ID.String()+"/sync/start", f.userID.String(), "")
	require.Equal(t, http.StatusAccepted, status)

	status, env := f.do(t, http.MethodGet, "/api/v1/accounts/"+acc.ID.String()+"/sync/log?limit=10", f.userID.String(), "")
	require.Equal(t, http.StatusOK, status)
	var entries []*domain.SyncLogEntry
	require.NoError(t, json.Unmarshal(env.Data, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, domain.SyncLogSeedStarted, entries[0].Event)
}

func TestErrorResponse_HidesInternalDetails(t *testing.T) {
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		return errorResponse(c, errors.New("pq: password authentication failed"), "load account")
	})
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.NotContains(t, string(body), "password")
	assert.Contains(t, string(body), "load account failed")
}
