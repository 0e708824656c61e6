// Package mail orchestrates phased mail sync for connected accounts:
// seed the priority folders, walk every folder in sync order, then keep
// the account fresh with incremental fetches.
package mail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/lease"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/ratelimit"
	"mailsync_server/pkg/sanitize"
)

// SyncConfig tunes paging, scheduling and locking.
type SyncConfig struct {
	PageSize            int
	IncrementalLimit    int
	IncrementalInterval time.Duration
	MaxRetries          int
	InflightTTL         time.Duration
	ScanLimit           int
	Lease               lease.Options
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		PageSize:            50,
		IncrementalLimit:    200,
		IncrementalInterval: 5 * time.Minute,
		MaxRetries:          5,
		InflightTTL:         5 * time.Minute,
		ScanLimit:           100,
		Lease:               lease.DefaultOptions(),
	}
}

// SyncDeps are the collaborators of SyncService.
type SyncDeps struct {
	Accounts  out.AccountRepository
	Emails    out.EmailRepository
	SyncLog   out.SyncLogRepository
	Queue     out.WorkQueue
	Notifier  out.Notifier
	Locker    lease.Locker
	Markers   ratelimit.CounterStore
	Sanitizer *sanitize.Pipeline
}

// SyncService holds no per-account state; everything lives in the
// account row and the counter store, so any worker can run any step.
type SyncService struct {
	accounts  out.AccountRepository
	emails    out.EmailRepository
	syncLog   out.SyncLogRepository
	queue     out.WorkQueue
	notifier  out.Notifier
	locker    lease.Locker
	markers   ratelimit.CounterStore
	sanitizer *sanitize.Pipeline

	cfg SyncConfig
	now func() time.Time
}

func NewSyncService(deps SyncDeps, cfg SyncConfig) *SyncService {
	def := DefaultSyncConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.IncrementalLimit <= 0 {
		cfg.IncrementalLimit = def.IncrementalLimit
	}
	if cfg.IncrementalInterval <= 0 {
		cfg.IncrementalInterval = def.IncrementalInterval
	}
	if cfg.InflightTTL <= 0 {
		cfg.InflightTTL = def.InflightTTL
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = def.ScanLimit
	}
	if cfg.Lease.TTL <= 0 {
		cfg.Lease = def.Lease
	}
	if deps.Sanitizer == nil {
		deps.Sanitizer = sanitize.New()
	}

	return &SyncService{
		accounts:  deps.Accounts,
		emails:    deps.Emails,
		syncLog:   deps.SyncLog,
		queue:     deps.Queue,
		notifier:  deps.Notifier,
		locker:    deps.Locker,
		markers:   deps.Markers,
		sanitizer: deps.Sanitizer,
		cfg:       cfg,
		now:       time.Now,
	}
}

// SetClock overrides the wall clock, for tests.
func (s *SyncService) SetClock(now func() time.Time) {
	s.now = now
}

func (s *SyncService) Config() SyncConfig {
	return s.cfg
}

// =============================================================================
// Account mutation under lease
// =============================================================================

// errUnchanged lets a mutation skip the save.
var errUnchanged = errors.New("unchanged")

// withAccount loads the account under its lease, applies fn and saves the
// sync state. The returned account reflects what was stored.
func (s *SyncService) withAccount(ctx context.Context, id uuid.UUID, fn func(acc *domain.EmailAccount) error) (*domain.EmailAccount, bool, error) {
	var (
		result  *domain.EmailAccount
		changed bool
	)
	err := lease.WithLock(ctx, s.locker, lease.AccountKey(id.String()), s.cfg.Lease, func(ctx context.Context) error {
		acc, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(acc); err != nil {
			if errors.Is(err, errUnchanged) {
				result = acc
				return nil
			}
			return err
		}
		if err := acc.Validate(); err != nil {
			return apperr.Internal(err.Error())
		}
		acc.UpdatedAt = s.now()
		if err := s.accounts.SaveSyncState(ctx, acc); err != nil {
			return err
		}
		result, changed = acc, true
		return nil
	})
	return result, changed, err
}

func (s *SyncService) load(ctx context.Context, id uuid.UUID) (*domain.EmailAccount, error) {
	acc, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, apperr.NotFound("account")
	}
	return acc, nil
}

func transitionErr(err error) error {
	var te *domain.TransitionError
	if errors.As(err, &te) {
		return apperr.InvalidTransition(string(te.From), string(te.Event)).WithError(err)
	}
	return err
}

// =============================================================================
// Sync log & notifications
// =============================================================================

func (s *SyncService) record(ctx context.Context, acc *domain.EmailAccount, event domain.SyncLogEvent, message string, meta map[string]any) {
	entry := &domain.SyncLogEntry{
		AccountID: acc.ID,
		Event:     event,
		Message:   message,
		Metadata:  meta,
		CreatedAt: s.now(),
	}
	if err := s.syncLog.Append(ctx, entry); err != nil {
		logger.WithAccount(acc.ID).WithError(err).Warn("[SyncService.record] failed to append %s", event)
	}
}

func (s *SyncService) notify(ctx context.Context, n *domain.Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		logger.WithAccount(n.AccountID).WithError(err).Warn("[SyncService.notify] failed to publish %s", n.Type)
	}
}

// =============================================================================
// Work dispatch with in-flight markers
// =============================================================================

const allFolders = "all"

// InflightKey names the dedupe marker for one unit of work.
func InflightKey(accountID uuid.UUID, task domain.TaskType, folder domain.FolderType) string {
	f := string(folder)
	if f == "" {
		f = allFolders
	}
	return fmt.Sprintf("sync:inflight:%s:%s:%s", accountID, task, f)
}

// dispatch enqueues work unless the same unit is already in flight. It
// reports whether a new item was queued.
func (s *SyncService) dispatch(ctx context.Context, task domain.TaskType, accountID uuid.UUID, folder domain.FolderType) (bool, error) {
	key := InflightKey(accountID, task, folder)
	ok, err := s.markers.SetNX(ctx, key, "1", s.cfg.InflightTTL)
	if err != nil {
		return false, fmt.Errorf("set inflight marker: %w", err)
	}
	if !ok {
		return false, nil
	}

	var payload map[string]any
	if folder != "" {
		payload = map[string]any{"folder": string(folder)}
	}
	if err := s.queue.Enqueue(ctx, task, accountID, payload); err != nil {
		_ = s.markers.Delete(ctx, key)
		return false, fmt.Errorf("enqueue %s: %w", task, err)
	}
	return true, nil
}

func (s *SyncService) inflight(ctx context.Context, task domain.TaskType, accountID uuid.UUID, folder domain.FolderType) (bool, error) {
	n, err := s.markers.Get(ctx, InflightKey(accountID, task, folder))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseWork clears the in-flight marker of a finished item. Safe to
// call more than once.
func (s *SyncService) ReleaseWork(ctx context.Context, item *domain.WorkItem) {
	key := InflightKey(item.AccountID, item.Type, item.Folder())
	if err := s.markers.Delete(ctx, key); err != nil {
		logger.WithAccount(item.AccountID).WithError(err).Warn("[SyncService.ReleaseWork] failed to clear %s", key)
	}
}

// RefreshToken queues a token refresh for the account.
func (s *SyncService) RefreshToken(ctx context.Context, accountID uuid.UUID) (bool, error) {
	return s.dispatch(ctx, domain.TaskTokenRefresh, accountID, "")
}
