package mail

import (
	"context"

	"github.com/google/uuid"

	"mailsync_server/core/domain"
	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/logger"
)

// =============================================================================
// Seed phase
// =============================================================================

// StartSeed begins the first sync of an account: fresh seed cursor,
// status seeding, then the provider's priority folders are queued.
func (s *SyncService) StartSeed(ctx context.Context, accountID uuid.UUID) error {
	acc, _, err := s.withAccount(ctx, accountID, func(acc *domain.EmailAccount) error {
		retrying := acc.SyncStatus == domain.SyncStatusFailed && acc.SyncCursor != nil
		if err := acc.Transition(domain.EventStartSeed); err != nil {
			return transitionErr(err)
		}
		if retrying {
			// Folder progress survives a failed run; only the phase restarts.
			acc.SyncCursor.Phase = domain.CursorPhaseSeed
		} else {
			acc.SyncCursor = domain.NewSeedCursor()
		}
		acc.SyncError = ""
		return nil
	})
	if err != nil {
		return err
	}

	profile := acc.Provider.SyncProfile()
	s.record(ctx, acc, domain.SyncLogSeedStarted, "", map[string]any{
		"folders":      profile.SeedFolders,
		"max_parallel": profile.MaxSeedParallel,
	})
	s.notify(ctx, domain.NewSyncStatusChanged(acc))
	logger.WithAccount(acc.ID).Info("[SyncService.StartSeed] seeding %s account", acc.Provider)

	return s.ContinueSeed(ctx, acc.ID)
}

// ContinueSeed runs after every seed page. It refills free seed slots or,
// once every priority folder has reported its total, moves on to full sync.
func (s *SyncService) ContinueSeed(ctx context.Context, accountID uuid.UUID) error {
	acc, err := s.load(ctx, accountID)
	if err != nil {
		return err
	}
	if acc.SyncStatus != domain.SyncStatusSeeding {
		return nil
	}

	profile := acc.Provider.SyncProfile()
	if acc.Cursor().SeedComplete(profile.SeedFolders) {
		if err := s.TransitionToFullSync(ctx, accountID); err != nil {
			return err
		}
		return s.ContinueSync(ctx, accountID)
	}

	_, err = s.fillSeedSlots(ctx, acc)
	return err
}

// fillSeedSlots queues seed fetches for priority folders without a known
// total, keeping in-flight seed work at or below MaxSeedParallel.
func (s *SyncService) fillSeedSlots(ctx context.Context, acc *domain.EmailAccount) (int, error) {
	profile := acc.Provider.SyncProfile()
	cursor := acc.Cursor()

	var pending []domain.FolderType
	busy := 0
	for _, f := range profile.SeedFolders {
		if cursor.Folders[f].TotalKnown {
			continue
		}
		running, err := s.inflight(ctx, domain.TaskSeedFolderFetch, acc.ID, f)
		if err != nil {
			return 0, err
		}
		if running {
			busy++
			continue
		}
		pending = append(pending, f)
	}

	queued := 0
	for _, f := range pending {
		if busy+queued >= profile.MaxSeedParallel {
			break
		}
		ok, err := s.dispatch(ctx, domain.TaskSeedFolderFetch, acc.ID, f)
		if err != nil {
			return queued, err
		}
		if ok {
			queued++
		}
	}
	return queued, nil
}

// TransitionToFullSync closes the seed phase. Calling it on an account that
// already left seeding is a no-op.
func (s *SyncService) TransitionToFullSync(ctx context.Context, accountID uuid.UUID) error {
	acc, changed, err := s.withAccount(ctx, accountID, func(acc *domain.EmailAccount) error {
		if acc.SyncStatus == domain.SyncStatusSyncing {
			return errUnchanged
		}
		if err := acc.Transition(domain.EventSeedCompleted); err != nil {
			return transitionErr(err)
		}
		acc.Cursor().Phase = domain.CursorPhaseFull
		return nil
	})
	if err != nil || !changed {
		return err
	}

	p := domain.BuildSyncProgress(acc)
	s.record(ctx, acc, domain.SyncLogSeedCompleted, "", map[string]any{
		"synced": p.SyncedEmails,
		"total":  p.TotalEmails,
	})
	s.notify(ctx, domain.NewSyncStatusChanged(acc))
	return nil
}

// =============================================================================
// Full sync phase
// =============================================================================

// ContinueSync queues the next page of the first unfinished folder in sync
// order, or completes the sync when every folder is done. Only one folder
// is worked on at a time.
func (s *SyncService) ContinueSync(ctx context.Context, accountID uuid.UUID) error {
	acc, err := s.load(ctx, accountID)
	if err != nil {
		return err
	}
	if acc.SyncStatus != domain.SyncStatusSyncing {
		return nil
	}

	folder, ok := acc.Cursor().NextFullSyncFolder()
	if !ok {
		return s.MarkSyncCompleted(ctx, accountID)
	}
	_, err = s.dispatch(ctx, domain.TaskFullFolderFetch, acc.ID, folder)
	return err
}

// MarkSyncCompleted moves the account into steady state.
func (s *SyncService) MarkSyncCompleted(ctx context.Context, accountID uuid.UUID) error {
	acc, changed, err := s.withAccount(ctx, accountID, func(acc *domain.EmailAccount) error {
		if acc.SyncStatus == domain.SyncStatusCompleted {
			return errUnchanged
		}
		if err := acc.Transition(domain.EventSyncCompleted); err != nil {
			return transitionErr(err)
		}
		now := s.now()
		acc.Cursor().Phase = domain.CursorPhaseIncremental
		if acc.InitialSyncCompletedAt == nil {
			acc.InitialSyncCompletedAt = &now
		}
		acc.LastSyncAt = &now
		acc.SyncError = ""
		acc.SyncRetryCount = 0
		return nil
	})
	if err != nil || !changed {
		return err
	}

	p := domain.BuildSyncProgress(acc)
	s.record(ctx, acc, domain.SyncLogSyncCompleted, "", map[string]any{"synced": p.SyncedEmails})
	s.notify(ctx, domain.NewSyncStatusChanged(acc))
	logger.WithAccount(acc.ID).Info("[SyncService.MarkSyncCompleted] %d emails synced", p.SyncedEmails)
	return nil
}

// MarkSyncFailed records a failure. It never schedules a retry itself; the
// retry pass picks the account up once its backoff has elapsed.
func (s *SyncService) MarkSyncFailed(ctx context.Context, accountID uuid.UUID, cause error) error {
	msg := "sync failed"
	if cause != nil {
		msg = cause.Error()
	}

	acc, _, err := s.withAccount(ctx, accountID, func(acc *domain.EmailAccount) error {
		if err := acc.Transition(domain.EventFail); err != nil {
			return transitionErr(err)
		}
		now := s.now()
		acc.SyncError = msg
		acc.LastFailedAt = &now
		acc.SyncRetryCount++
		return nil
	})
	if err != nil {
		return err
	}

	s.record(ctx, acc, domain.SyncLogError, msg, map[string]any{"retry_count": acc.SyncRetryCount})
	s.notify(ctx, domain.NewSyncStatusChanged(acc))
	logger.WithAccount(acc.ID).Warn("[SyncService.MarkSyncFailed] attempt %d: %s", acc.SyncRetryCount, msg)
	return nil
}

// =============================================================================
// Resume
// =============================================================================

// ResumeSync restarts a failed account at the phase its cursor reached.
// Manual resumes (API) reset the automatic retry budget.
func (s *SyncService) ResumeSync(ctx context.Context, accountID uuid.UUID, manual bool) error {
	acc, _, err := s.withAccount(ctx, accountID, func(acc *domain.EmailAccount) error {
		if acc.NeedsReauth {
			return apperr.ReauthRequired(acc.ID.String())
		}
		event := domain.ResumeEvent(acc.SyncCursor)
		if err := acc.Transition(event); err != nil {
			return transitionErr(err)
		}
		if acc.SyncCursor == nil {
			acc.SyncCursor = domain.NewSeedCursor()
		}
		acc.SyncError = ""
		if manual {
			acc.SyncRetryCount = 0
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.notify(ctx, domain.NewSyncStatusChanged(acc))
	logger.WithAccount(acc.ID).Info("[SyncService.ResumeSync] resumed as %s (manual=%t)", acc.SyncStatus, manual)
	return s.continuePhase(ctx, acc)
}

// DriveSync pushes an account along whatever phase it is in. The scheduler
// calls it for every account that still needs sync work.
func (s *SyncService) DriveSync(ctx context.Context, acc *domain.EmailAccount) error {
	if acc.NeedsReauth {
		return nil
	}
	if acc.SyncStatus == domain.SyncStatusPending {
		return s.StartSeed(ctx, acc.ID)
	}
	return s.continuePhase(ctx, acc)
}

func (s *SyncService) continuePhase(ctx context.Context, acc *domain.EmailAccount) error {
	switch acc.SyncStatus {
	case domain.SyncStatusSeeding:
		return s.ContinueSeed(ctx, acc.ID)
	case domain.SyncStatusSyncing:
		return s.ContinueSync(ctx, acc.ID)
	case domain.SyncStatusCompleted:
		_, err := s.FetchNewEmails(ctx, acc.ID)
		return err
	}
	return nil
}
