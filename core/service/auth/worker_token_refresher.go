// Package auth keeps OAuth access tokens fresh and trips an account into
// needs_reauth after repeated refresh failures.
package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/httputil"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/resilience"
)

// SyncResumer restarts sync after a manual reconnection.
type SyncResumer interface {
	ResumeSync(ctx context.Context, accountID uuid.UUID, manual bool) error
}

// RefresherDeps are the collaborators of TokenRefresher.
type RefresherDeps struct {
	Accounts   out.AccountRepository
	SyncLog    out.SyncLogRepository
	Notifier   out.Notifier
	Configs    map[domain.Provider]*oauth2.Config
	Breakers   *resilience.Registry
	HTTPClient *http.Client
	Resumer    SyncResumer
}

// TokenRefresher refreshes OAuth tokens through a per-provider endpoint
// breaker and counts per-account failures. After RefreshFailureThreshold
// consecutive failures the account is marked needs_reauth; only Reconnect
// clears that.
type TokenRefresher struct {
	accounts   out.AccountRepository
	syncLog    out.SyncLogRepository
	notifier   out.Notifier
	configs    map[domain.Provider]*oauth2.Config
	breakers   *resilience.Registry
	httpClient *http.Client
	resumer    SyncResumer
	now        func() time.Time
}

func NewTokenRefresher(deps RefresherDeps) *TokenRefresher {
	if deps.Breakers == nil {
		deps.Breakers = resilience.NewRegistry(resilience.DefaultBreakerConfig(), logger.Component("oauth-breaker"), EndpointHealthy)
	}
	return &TokenRefresher{
		accounts:   deps.Accounts,
		syncLog:    deps.SyncLog,
		notifier:   deps.Notifier,
		configs:    deps.Configs,
		breakers:   deps.Breakers,
		httpClient: deps.HTTPClient,
		resumer:    deps.Resumer,
		now:        time.Now,
	}
}

// SetResumer wires the sync service after construction.
func (r *TokenRefresher) SetResumer(resumer SyncResumer) {
	r.resumer = resumer
}

// EndpointHealthy tells the endpoint breaker which refresh errors say
// nothing about the token endpoint itself: 4xx answers such as
// invalid_grant are per-account problems.
func EndpointHealthy(err error) bool {
	if err == nil {
		return true
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		code := re.Response.StatusCode
		return code >= 400 && code < 500
	}
	return false
}

// =============================================================================
// Refresh
// =============================================================================

// RefreshToken exchanges the stored refresh token for a new access token.
func (r *TokenRefresher) RefreshToken(ctx context.Context, accountID uuid.UUID) (*domain.EmailAccount, error) {
	acc, err := r.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, apperr.NotFound("account")
	}
	return r.refresh(ctx, acc)
}

func (r *TokenRefresher) refresh(ctx context.Context, acc *domain.EmailAccount) (*domain.EmailAccount, error) {
	if !acc.HasRefreshToken() {
		return nil, apperr.ConfigError("account has no refresh token")
	}
	if acc.NeedsReauth {
		return nil, apperr.ReauthRequired(acc.ID.String())
	}
	cfg, ok := r.configs[acc.Provider]
	if !ok || cfg == nil {
		return nil, apperr.ConfigError("oauth is not configured for " + string(acc.Provider))
	}

	breaker := r.breakers.Get("oauth:" + string(acc.Provider))
	res, err := breaker.Execute(func() (any, error) {
		src := cfg.TokenSource(httputil.OAuthContext(ctx, r.httpClient), &oauth2.Token{
			RefreshToken: acc.RefreshToken,
		})
		return src.Token()
	})
	if err != nil {
		if resilience.IsOpen(err) {
			// Provider-wide outage: not this account's fault.
			return nil, apperr.ExternalError("oauth:"+string(acc.Provider), err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if hErr := r.HandleRefreshFailure(ctx, acc.ID, err); hErr != nil {
			logger.WithAccount(acc.ID).WithError(hErr).Error("[TokenRefresher.refresh] failed to record refresh failure")
		}
		return nil, apperr.OAuthFailed(string(acc.Provider), err)
	}

	tok := res.(*oauth2.Token)
	var expiresAt *time.Time
	if !tok.Expiry.IsZero() {
		e := tok.Expiry
		expiresAt = &e
	}
	if err := r.accounts.UpdateCredentials(ctx, acc.ID, tok.AccessToken, tok.RefreshToken, expiresAt); err != nil {
		return nil, err
	}

	acc.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		acc.RefreshToken = tok.RefreshToken
	}
	if expiresAt != nil {
		acc.TokenExpiresAt = expiresAt
	}
	acc.ConsecutiveFailures = 0
	logger.WithAccount(acc.ID).Debug("[TokenRefresher.refresh] token refreshed, expires %v", tok.Expiry)
	return acc, nil
}

// EnsureFreshToken refreshes the access token when it expires within
// TokenRefreshWindow. Password accounts are returned unchanged.
func (r *TokenRefresher) EnsureFreshToken(ctx context.Context, acc *domain.EmailAccount) (*domain.EmailAccount, error) {
	if !acc.IsOAuth() {
		return acc, nil
	}
	if acc.NeedsReauth {
		return nil, apperr.ReauthRequired(acc.ID.String())
	}
	if !acc.TokenExpiresWithin(r.now(), domain.TokenRefreshWindow) {
		return acc, nil
	}
	if !acc.HasRefreshToken() && acc.AccessToken != "" {
		return acc, nil
	}
	return r.refresh(ctx, acc)
}

// =============================================================================
// Breaker
// =============================================================================

// HandleRefreshFailure counts one failed refresh. On reaching the threshold
// the account is halted and the user is notified exactly once.
func (r *TokenRefresher) HandleRefreshFailure(ctx context.Context, accountID uuid.UUID, cause error) error {
	failures, err := r.accounts.IncrementRefreshFailures(ctx, accountID)
	if err != nil {
		return err
	}

	log := logger.WithAccount(accountID).WithError(cause)
	if failures < domain.RefreshFailureThreshold {
		log.Warn("[TokenRefresher.HandleRefreshFailure] refresh failure %d/%d", failures, domain.RefreshFailureThreshold)
		return nil
	}

	marked, err := r.accounts.MarkNeedsReauth(ctx, accountID, domain.ReauthMessage)
	if err != nil {
		return err
	}
	if !marked {
		return nil
	}
	log.Warn("[TokenRefresher.HandleRefreshFailure] %d consecutive failures, account needs reconnection", failures)

	acc, err := r.accounts.GetByID(ctx, accountID)
	if err != nil || acc == nil {
		return err
	}

	msg := "refresh failed"
	if cause != nil {
		msg = cause.Error()
	}
	if r.syncLog != nil {
		entry := &domain.SyncLogEntry{
			AccountID: accountID,
			Event:     domain.SyncLogReauthRequired,
			Message:   domain.ReauthMessage,
			Metadata:  map[string]any{"failures": failures, "last_error": msg},
			CreatedAt: r.now(),
		}
		if err := r.syncLog.Append(ctx, entry); err != nil {
			log.Warn("[TokenRefresher.HandleRefreshFailure] failed to append sync log: %v", err)
		}
	}
	r.publish(ctx, domain.NewReauthRequired(acc))
	r.publish(ctx, domain.NewSyncStatusChanged(acc))
	return nil
}

func (r *TokenRefresher) publish(ctx context.Context, n *domain.Notification) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, n); err != nil {
		logger.WithAccount(n.AccountID).WithError(err).Warn("[TokenRefresher.publish] failed to publish %s", n.Type)
	}
}

// =============================================================================
// Manual reconnection
// =============================================================================

// Reconnect stores credentials from a fresh consent, clears the breaker and
// resumes a failed sync. A nil token only clears the breaker, which is the
// path for password accounts whose credentials were fixed elsewhere.
func (r *TokenRefresher) Reconnect(ctx context.Context, accountID uuid.UUID, tok *oauth2.Token) error {
	acc, err := r.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if acc == nil {
		return apperr.NotFound("account")
	}

	if tok != nil {
		if tok.AccessToken == "" {
			return apperr.InvalidInput("access_token", "required")
		}
		var expiresAt *time.Time
		if !tok.Expiry.IsZero() {
			e := tok.Expiry
			expiresAt = &e
		}
		if err := r.accounts.UpdateCredentials(ctx, accountID, tok.AccessToken, tok.RefreshToken, expiresAt); err != nil {
			return err
		}
	}
	if err := r.accounts.ClearReauth(ctx, accountID); err != nil {
		return err
	}
	logger.WithAccount(accountID).Info("[TokenRefresher.Reconnect] account reconnected")

	if acc.SyncStatus != domain.SyncStatusFailed || r.resumer == nil {
		return nil
	}
	return r.resumer.ResumeSync(ctx, accountID, true)
}

// ReconnectWithCode exchanges an authorization code from the consent
// redirect and reconnects the account with the resulting token.
func (r *TokenRefresher) ReconnectWithCode(ctx context.Context, accountID uuid.UUID, code string) error {
	if code == "" {
		return apperr.InvalidInput("code", "required")
	}
	acc, err := r.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if acc == nil {
		return apperr.NotFound("account")
	}
	cfg, ok := r.configs[acc.Provider]
	if !ok || cfg == nil {
		return apperr.ConfigError("oauth is not configured for " + string(acc.Provider))
	}

	tok, err := cfg.Exchange(httputil.OAuthContext(ctx, r.httpClient), code)
	if err != nil {
		return apperr.OAuthFailed(string(acc.Provider), err)
	}
	return r.Reconnect(ctx, accountID, tok)
}
