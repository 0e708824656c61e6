package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	cronv3 "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"mailsync_server/core/domain"
	"mailsync_server/core/service/email"
	"mailsync_server/pkg/apperr"
)

// DefaultSyncSchedule runs every pass twice a minute.
const DefaultSyncSchedule = "*/30 * * * * *"

// =============================================================================
// SyncScheduler
// =============================================================================
//
// Work items are fire-and-forget, so the scheduler is what keeps every
// account moving: it re-drives phases whose items were dropped, queues
// incremental fetches, retries failed accounts after their backoff and
// refreshes tokens ahead of expiry.

type SyncScheduler struct {
	mailSyncService *mail.SyncService
	schedule        string
	passTimeout     time.Duration
	log             zerolog.Logger
	now             func() time.Time

	mu   sync.Mutex
	cron *cronv3.Cron
}

func NewSyncScheduler(mailSyncService *mail.SyncService, schedule string, log zerolog.Logger) *SyncScheduler {
	if schedule == "" {
		schedule = DefaultSyncSchedule
	}
	return &SyncScheduler{
		mailSyncService: mailSyncService,
		schedule:        schedule,
		passTimeout:     2 * time.Minute,
		log:             log.With().Str("component", "sync_scheduler").Logger(),
		now:             time.Now,
	}
}

// SetClock overrides the wall clock, for tests.
func (s *SyncScheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Start registers the passes on a seconds-resolution cron.
func (s *SyncScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	cl := cronLogger{log: s.log}
	c := cronv3.New(
		cronv3.WithSeconds(),
		cronv3.WithChain(
			cronv3.SkipIfStillRunning(cl),
			cronv3.Recover(cl),
		),
	)
	if _, err := c.AddFunc(s.schedule, s.tick); err != nil {
		return err
	}
	c.Start()
	s.cron = c

	s.log.Info().Str("schedule", s.schedule).Msg("sync scheduler started")
	return nil
}

// Stop waits for a running pass to finish.
func (s *SyncScheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	s.log.Info().Msg("stopping sync scheduler...")
	<-c.Stop().Done()
	s.log.Info().Msg("sync scheduler stopped")
}

func (s *SyncScheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.passTimeout)
	defer cancel()
	s.RunOnce(ctx)
}

// PassResult counts what one pass did.
type PassResult struct {
	Pass    string
	Scanned int
	Queued  int
	Failed  int
}

// RunOnce runs every pass in order. Retries go before the needs-sync pass
// so a resumed account is driven in the same tick.
func (s *SyncScheduler) RunOnce(ctx context.Context) []PassResult {
	now := s.now()
	results := []PassResult{
		s.RunTokenRefreshPass(ctx, now),
		s.RunRetryPass(ctx, now),
		s.RunNeedsSyncPass(ctx),
		s.RunIncrementalPass(ctx, now),
	}
	for _, r := range results {
		if r.Queued > 0 || r.Failed > 0 {
			s.log.Info().
				Str("pass", r.Pass).
				Int("scanned", r.Scanned).
				Int("queued", r.Queued).
				Int("failed", r.Failed).
				Msg("sync pass finished")
		}
	}
	return results
}

// RunNeedsSyncPass starts pending accounts and re-drives seeding and
// syncing ones.
func (s *SyncScheduler) RunNeedsSyncPass(ctx context.Context) PassResult {
	res := PassResult{Pass: "needs_sync"}
	accounts, err := s.mailSyncService.GetAccountsNeedingSync(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list accounts needing sync")
		return res
	}
	res.Scanned = len(accounts)
	for _, acc := range accounts {
		s.count(&res, acc, s.mailSyncService.DriveSync(ctx, acc))
	}
	return res
}

// RunIncrementalPass queues incremental fetches for completed accounts
// whose last sync is older than the incremental interval.
func (s *SyncScheduler) RunIncrementalPass(ctx context.Context, now time.Time) PassResult {
	res := PassResult{Pass: "incremental"}
	accounts, err := s.mailSyncService.GetAccountsForIncrementalSync(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list accounts for incremental sync")
		return res
	}
	res.Scanned = len(accounts)
	for _, acc := range accounts {
		queued, err := s.mailSyncService.FetchNewEmails(ctx, acc.ID)
		if err == nil && !queued {
			continue
		}
		s.count(&res, acc, err)
	}
	return res
}

// RunRetryPass resumes failed accounts whose backoff has elapsed.
func (s *SyncScheduler) RunRetryPass(ctx context.Context, now time.Time) PassResult {
	res := PassResult{Pass: "retry"}
	accounts, err := s.mailSyncService.GetAccountsForRetry(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list accounts for retry")
		return res
	}
	res.Scanned = len(accounts)
	for _, acc := range accounts {
		s.log.Info().
			Str("account_id", acc.ID.String()).
			Int("attempt", acc.SyncRetryCount).
			Msg("retrying failed sync")
		s.count(&res, acc, s.mailSyncService.ResumeSync(ctx, acc.ID, false))
	}
	return res
}

// RunTokenRefreshPass queues refreshes for tokens about to expire.
func (s *SyncScheduler) RunTokenRefreshPass(ctx context.Context, now time.Time) PassResult {
	res := PassResult{Pass: "token_refresh"}
	accounts, err := s.mailSyncService.GetAccountsWithExpiringTokens(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list expiring tokens")
		return res
	}
	res.Scanned = len(accounts)
	for _, acc := range accounts {
		queued, err := s.mailSyncService.RefreshToken(ctx, acc.ID)
		if err == nil && !queued {
			continue
		}
		s.count(&res, acc, err)
	}
	return res
}

// count tallies one account. Another worker holding the lease or a state
// that moved on since the scan are not failures.
func (s *SyncScheduler) count(res *PassResult, acc *domain.EmailAccount, err error) {
	switch {
	case err == nil:
		res.Queued++
	case errors.Is(err, apperr.ErrLeaseHeld), errors.Is(err, apperr.ErrInvalidTransition):
		s.log.Debug().Err(err).Str("account_id", acc.ID.String()).Str("pass", res.Pass).Msg("account skipped")
	default:
		res.Failed++
		s.log.Warn().Err(err).Str("account_id", acc.ID.String()).Str("pass", res.Pass).Msg("sync pass failed for account")
	}
}

// cronLogger routes cron's own messages to zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
