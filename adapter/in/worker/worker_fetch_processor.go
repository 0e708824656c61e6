package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/core/service/email"
	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/metrics"
	"mailsync_server/pkg/ratelimit"
)

// incrementalOverlap re-reads a little before the last sync; stored
// messages are skipped on ingest.
const incrementalOverlap = time.Minute

// incrementalLookback bounds the first incremental fetch of an account
// with no sync timestamps.
const incrementalLookback = 24 * time.Hour

// TokenService is the part of the token refresher the processor needs.
type TokenService interface {
	EnsureFreshToken(ctx context.Context, acc *domain.EmailAccount) (*domain.EmailAccount, error)
	RefreshToken(ctx context.Context, accountID uuid.UUID) (*domain.EmailAccount, error)
	HandleRefreshFailure(ctx context.Context, accountID uuid.UUID, cause error) error
}

// FetchProcessor runs fetch work items against the provider and feeds the
// results back into the sync service.
type FetchProcessor struct {
	mailSyncService *mail.SyncService
	tokens          TokenService
	fetcher         out.MailFetcher
	limiter         *ratelimit.Limiter
	metrics         *metrics.FetchMetrics
	now             func() time.Time
}

func NewFetchProcessor(
	mailSyncService *mail.SyncService,
	tokens TokenService,
	fetcher out.MailFetcher,
	limiter *ratelimit.Limiter,
	fetchMetrics *metrics.FetchMetrics,
) *FetchProcessor {
	if fetchMetrics == nil {
		fetchMetrics = metrics.NewFetchMetrics(100)
	}
	return &FetchProcessor{
		mailSyncService: mailSyncService,
		tokens:          tokens,
		fetcher:         fetcher,
		limiter:         limiter,
		metrics:         fetchMetrics,
		now:             time.Now,
	}
}

// SetClock overrides the wall clock, for tests.
func (p *FetchProcessor) SetClock(now func() time.Time) {
	p.now = now
}

// Metrics exposes fetch latency windows for the health endpoint.
func (p *FetchProcessor) Metrics() *metrics.FetchMetrics {
	return p.metrics
}

// =============================================================================
// Job entry points
// =============================================================================

// ProcessSeedFetch fetches the first page of a priority folder.
func (p *FetchProcessor) ProcessSeedFetch(ctx context.Context, msg *Message) error {
	return p.runFolderFetch(ctx, msg, domain.SyncStatusSeeding)
}

// ProcessFullFetch fetches the next page of the folder being fully synced.
func (p *FetchProcessor) ProcessFullFetch(ctx context.Context, msg *Message) error {
	return p.runFolderFetch(ctx, msg, domain.SyncStatusSyncing)
}

func (p *FetchProcessor) runFolderFetch(ctx context.Context, msg *Message, want domain.SyncStatus) error {
	payload, err := folderFetchPayload(msg)
	if err != nil {
		p.mailSyncService.ReleaseWork(context.WithoutCancel(ctx), msg.WorkItem())
		logger.WithAccount(msg.AccountID).WithError(err).Error("[FetchProcessor.runFolderFetch] rejecting %s", msg.Type)
		return err
	}
	return p.run(ctx, msg, want, func(ctx context.Context, acc *domain.EmailAccount, item *domain.WorkItem) (bool, error) {
		return p.fetchFolderPage(ctx, acc, item, payload.Folder)
	})
}

// ProcessIncrementalFetch pulls mail that arrived since the last sync.
func (p *FetchProcessor) ProcessIncrementalFetch(ctx context.Context, msg *Message) error {
	return p.run(ctx, msg, domain.SyncStatusCompleted, p.fetchIncremental)
}

// ProcessTokenRefresh refreshes the account's access token ahead of expiry.
func (p *FetchProcessor) ProcessTokenRefresh(ctx context.Context, msg *Message) error {
	item := msg.WorkItem()
	defer p.mailSyncService.ReleaseWork(context.WithoutCancel(ctx), item)

	_, err := p.tokens.RefreshToken(ctx, msg.AccountID)
	if err == nil {
		logger.WithAccount(msg.AccountID).Debug("[FetchProcessor.ProcessTokenRefresh] token refreshed")
		return nil
	}

	log := logger.WithAccount(msg.AccountID).WithError(err)
	if code, ok := errorCode(err); ok {
		// Failures are already counted by the refresher.
		log.Warn("[FetchProcessor.ProcessTokenRefresh] refresh skipped: %s", code)
		return nil
	}
	return err
}

// =============================================================================
// Common flow
// =============================================================================

type fetchStep func(ctx context.Context, acc *domain.EmailAccount, item *domain.WorkItem) (bool, error)

// run loads the account, drops stale items, honours the rate limiter and
// keeps the token fresh before handing over to step. step reports whether
// it handed the item to the sync service, which then owns the in-flight
// marker.
func (p *FetchProcessor) run(ctx context.Context, msg *Message, want domain.SyncStatus, step fetchStep) error {
	item := msg.WorkItem()
	handedOff := false
	defer func() {
		if !handedOff {
			p.mailSyncService.ReleaseWork(context.WithoutCancel(ctx), item)
		}
	}()

	log := logger.WithAccount(msg.AccountID)

	acc, err := p.mailSyncService.GetAccount(ctx, msg.AccountID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			log.Warn("[FetchProcessor.run] account gone, dropping %s", msg.Type)
			return nil
		}
		return err
	}
	if acc.NeedsReauth || acc.SyncStatus != want {
		log.Debug("[FetchProcessor.run] stale %s: account is %s", msg.Type, acc.SyncStatus)
		return nil
	}

	provider := string(acc.Provider)
	accountKey := acc.ID.String()

	wait, err := p.limiter.Check(ctx, provider, accountKey)
	if err != nil {
		return err
	}
	if wait > 0 {
		log.Debug("[FetchProcessor.run] %s locked out for %ds, skipping %s", provider, wait, msg.Type)
		return nil
	}
	ok, err := p.limiter.AcquireConnection(ctx, provider, accountKey)
	if err != nil {
		return err
	}
	if !ok {
		log.Info("[FetchProcessor.run] %s connection limit reached, skipping %s", provider, msg.Type)
		return nil
	}

	if acc.IsOAuth() {
		fresh, err := p.tokens.EnsureFreshToken(ctx, acc)
		if err != nil {
			return p.handleTokenError(ctx, acc, err)
		}
		acc = fresh
	}

	handedOff, err = step(ctx, acc, item)
	return err
}

// handleTokenError routes a failed pre-fetch refresh. The refresher has
// already counted the failure where one applies.
func (p *FetchProcessor) handleTokenError(ctx context.Context, acc *domain.EmailAccount, err error) error {
	log := logger.WithAccount(acc.ID).WithError(err)
	code, ok := errorCode(err)
	if !ok {
		return err
	}

	switch code {
	case apperr.CodeReauthRequired:
		return nil
	case apperr.CodeExternalError:
		log.Warn("[FetchProcessor.handleTokenError] token endpoint unavailable, will retry later")
		return nil
	case apperr.CodeConfigError:
		return p.fail(ctx, acc.ID, err)
	default:
		log.Warn("[FetchProcessor.handleTokenError] token refresh failed")
		return nil
	}
}

// =============================================================================
// Steps
// =============================================================================

func (p *FetchProcessor) fetchFolderPage(ctx context.Context, acc *domain.EmailAccount, item *domain.WorkItem, folder domain.FolderType) (bool, error) {
	state := acc.Cursor().Folders[folder]
	if item.Type == domain.TaskFullFolderFetch && state.Complete() {
		// Already finished by an earlier item; move the phase along.
		return false, p.mailSyncService.ContinueSync(ctx, acc.ID)
	}

	req := out.FolderFetchRequest{
		Folder:   folder,
		Position: state.Position,
		PageSize: p.mailSyncService.Config().PageSize,
	}

	start := time.Now()
	page, err := p.fetcher.FetchFolder(ctx, acc, req)
	p.metrics.Observe(series(acc, item), time.Since(start), err)
	if err != nil {
		return false, p.handleFetchError(ctx, acc, err)
	}
	p.chargeRequests(ctx, acc, page.Requests)

	err = p.mailSyncService.ApplyFolderPage(ctx, acc, item, page)
	return err == nil, err
}

func (p *FetchProcessor) fetchIncremental(ctx context.Context, acc *domain.EmailAccount, item *domain.WorkItem) (bool, error) {
	since := p.incrementalSince(acc)
	limit := p.mailSyncService.Config().IncrementalLimit

	start := time.Now()
	page, err := p.fetcher.FetchSince(ctx, acc, since, limit)
	p.metrics.Observe(series(acc, item), time.Since(start), err)
	if err != nil {
		return false, p.handleFetchError(ctx, acc, err)
	}
	p.chargeRequests(ctx, acc, page.Requests)

	err = p.mailSyncService.ApplyIncremental(ctx, acc, item, page)
	return err == nil, err
}

func (p *FetchProcessor) incrementalSince(acc *domain.EmailAccount) time.Time {
	switch {
	case acc.LastSyncAt != nil:
		return acc.LastSyncAt.Add(-incrementalOverlap)
	case acc.InitialSyncCompletedAt != nil:
		return acc.InitialSyncCompletedAt.Add(-incrementalOverlap)
	default:
		return p.now().Add(-incrementalLookback)
	}
}

// chargeRequests counts the provider calls a fetch spent. A breach starts
// a lockout that gates the next item; the page in hand is still stored.
func (p *FetchProcessor) chargeRequests(ctx context.Context, acc *domain.EmailAccount, requests int) {
	if requests < 1 {
		requests = 1
	}
	provider := string(acc.Provider)
	for i := 0; i < requests; i++ {
		breached, err := p.limiter.Hit(ctx, provider, acc.ID.String())
		if err != nil {
			logger.WithAccount(acc.ID).WithError(err).Warn("[FetchProcessor.chargeRequests] failed to count request")
			return
		}
		if breached {
			logger.WithAccount(acc.ID).Info("[FetchProcessor.chargeRequests] %s request limit reached, cooling down", provider)
			return
		}
	}
}

// handleFetchError maps fetch failures: auth problems go to the refresh
// breaker, throttling to a lockout, anything else fails the sync.
func (p *FetchProcessor) handleFetchError(ctx context.Context, acc *domain.EmailAccount, err error) error {
	log := logger.WithAccount(acc.ID).WithError(err)

	switch {
	case errors.Is(err, out.ErrFetchAuth):
		if acc.IsOAuth() && acc.HasRefreshToken() {
			if _, rErr := p.tokens.RefreshToken(ctx, acc.ID); rErr != nil {
				log.Warn("[FetchProcessor.handleFetchError] refresh after auth rejection failed: %v", rErr)
			}
			return nil
		}
		return p.tokens.HandleRefreshFailure(ctx, acc.ID, err)

	case errors.Is(err, out.ErrFetchThrottled):
		provider := string(acc.Provider)
		cooldown := p.limiter.LimitsFor(provider).CooldownSeconds
		if _, lErr := p.limiter.Lockout(ctx, provider, acc.ID.String(), cooldown); lErr != nil {
			return lErr
		}
		log.Info("[FetchProcessor.handleFetchError] %s throttled, locked out for %ds", provider, cooldown)
		return nil

	case ctx.Err() != nil:
		return ctx.Err()
	}

	return p.fail(ctx, acc.ID, err)
}

func (p *FetchProcessor) fail(ctx context.Context, accountID uuid.UUID, cause error) error {
	if err := p.mailSyncService.MarkSyncFailed(ctx, accountID, cause); err != nil {
		if errors.Is(err, apperr.ErrInvalidTransition) {
			logger.WithAccount(accountID).Debug("[FetchProcessor.fail] account already left the phase: %v", err)
			return nil
		}
		return err
	}
	return nil
}

func errorCode(err error) (string, bool) {
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		return appErr.Code, true
	}
	return "", false
}

func series(acc *domain.EmailAccount, item *domain.WorkItem) string {
	return fmt.Sprintf("%s:%s", acc.Provider, item.Type)
}
