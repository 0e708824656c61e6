package http

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/in"
	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/response"
)

type SyncHandler struct {
	syncService      in.SyncService
	reconnectService in.ReconnectService
}

func NewSyncHandler(syncService in.SyncService, reconnectService in.ReconnectService) *SyncHandler {
	return &SyncHandler{
		syncService:      syncService,
		reconnectService: reconnectService,
	}
}

func (h *SyncHandler) Register(app fiber.Router) {
	accounts := app.Group("/accounts/:id")
	accounts.Get("/sync/progress", h.Progress)
	accounts.Get("/sync/log", h.Log)
	accounts.Post("/sync/start", h.Start)
	accounts.Post("/sync/resume", h.Resume)
	accounts.Post("/reconnect", h.Reconnect)
}

// ownedAccount loads the :id account and hides accounts of other users
// behind a not-found.
func (h *SyncHandler) ownedAccount(c *fiber.Ctx) (*domain.EmailAccount, error) {
	userID, err := GetUserID(c)
	if err != nil {
		return nil, apperr.Unauthorized("unauthorized")
	}
	accountID, err := accountParam(c)
	if err != nil {
		return nil, err
	}
	acc, err := h.syncService.GetAccount(c.Context(), accountID)
	if err != nil {
		return nil, err
	}
	if acc.UserID != userID {
		return nil, apperr.NotFound("account")
	}
	return acc, nil
}

func (h *SyncHandler) Progress(c *fiber.Ctx) error {
	acc, err := h.ownedAccount(c)
	if err != nil {
		return errorResponse(c, err, "get sync progress")
	}
	progress, err := h.syncService.GetSyncProgress(c.Context(), acc.ID)
	if err != nil {
		return errorResponse(c, err, "get sync progress")
	}
	return response.OK(c, progress)
}

func (h *SyncHandler) Log(c *fiber.Ctx) error {
	acc, err := h.ownedAccount(c)
	if err != nil {
		return errorResponse(c, err, "get sync log")
	}
	limit := c.QueryInt("limit", 50)
	entries, err := h.syncService.GetSyncLog(c.Context(), acc.ID, limit)
	if err != nil {
		return errorResponse(c, err, "get sync log")
	}
	return response.OKWithMeta(c, entries, &response.Meta{Total: len(entries), Limit: limit})
}

// Start kicks off the first sync of a pending account.
func (h *SyncHandler) Start(c *fiber.Ctx) error {
	acc, err := h.ownedAccount(c)
	if err != nil {
		return errorResponse(c, err, "start sync")
	}
	return h.act(c, acc.ID, "start sync", func(ctx context.Context) error {
		return h.syncService.StartSeed(ctx, acc.ID)
	})
}

// Resume restarts a failed sync where its cursor left off and resets the
// automatic retry budget.
func (h *SyncHandler) Resume(c *fiber.Ctx) error {
	acc, err := h.ownedAccount(c)
	if err != nil {
		return errorResponse(c, err, "resume sync")
	}
	return h.act(c, acc.ID, "resume sync", func(ctx context.Context) error {
		return h.syncService.ResumeSync(ctx, acc.ID, true)
	})
}

type reconnectRequest struct {
	Code string `json:"code"`
}

// Reconnect is the only way out of needs_reauth. OAuth accounts post the
// consent code; password accounts post an empty body once their
// credentials are fixed.
func (h *SyncHandler) Reconnect(c *fiber.Ctx) error {
	acc, err := h.ownedAccount(c)
	if err != nil {
		return errorResponse(c, err, "reconnect account")
	}

	var req reconnectRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return response.BadRequest(c, "invalid request body")
		}
	}
	if acc.IsOAuth() && req.Code == "" {
		return errorResponse(c, apperr.InvalidInput("code", "required for oauth accounts"), "reconnect account")
	}

	return h.act(c, acc.ID, "reconnect account", func(ctx context.Context) error {
		if req.Code != "" {
			return h.reconnectService.ReconnectWithCode(ctx, acc.ID, req.Code)
		}
		return h.reconnectService.Reconnect(ctx, acc.ID, nil)
	})
}

// act runs a state-changing action and answers 202 with the new progress.
func (h *SyncHandler) act(c *fiber.Ctx, accountID uuid.UUID, operation string, fn func(ctx context.Context) error) error {
	ctx := c.Context()
	if err := fn(ctx); err != nil {
		return errorResponse(c, err, operation)
	}
	logger.WithAccount(accountID).Info("[SyncHandler] %s accepted", operation)

	progress, err := h.syncService.GetSyncProgress(ctx, accountID)
	if err != nil {
		return errorResponse(c, err, operation)
	}
	return response.Accepted(c, progress)
}
