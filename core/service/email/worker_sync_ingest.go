package mail

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/sanitize"
)

// =============================================================================
// Cursor
// =============================================================================

// UpdateSyncCursor merges one folder's progress into the stored cursor.
// Re-applying the same update leaves the stored cursor untouched.
func (s *SyncService) UpdateSyncCursor(ctx context.Context, accountID uuid.UUID, u domain.FolderUpdate) (bool, error) {
	_, changed, err := s.withAccount(ctx, accountID, func(acc *domain.EmailAccount) error {
		ok, err := acc.Cursor().Apply(u)
		if err != nil {
			return apperr.InvalidCursor(err.Error())
		}
		if !ok {
			return errUnchanged
		}
		return nil
	})
	return changed, err
}

// =============================================================================
// Ingestion
// =============================================================================

// IngestMessages sanitizes and stores fetched messages. Messages already
// stored for the account are skipped. It returns the number of new rows.
func (s *SyncService) IngestMessages(ctx context.Context, acc *domain.EmailAccount, msgs []*domain.FetchedMessage) (int, error) {
	inserted := 0
	for _, m := range msgs {
		if m == nil || m.MessageID == "" {
			continue
		}
		email := s.buildEmail(acc, m)

		ok, err := s.emails.Save(ctx, email)
		if err != nil {
			return inserted, fmt.Errorf("save %s: %w", m.MessageID, err)
		}
		if !ok {
			continue
		}
		inserted++
		s.notify(ctx, domain.NewEmailReceived(acc, email))
	}
	return inserted, nil
}

func (s *SyncService) buildEmail(acc *domain.EmailAccount, m *domain.FetchedMessage) *domain.Email {
	e := &domain.Email{
		AccountID:   acc.ID,
		MessageID:   m.MessageID,
		ThreadID:    m.ThreadID,
		Folder:      m.Folder,
		From:        m.From,
		To:          m.To,
		Cc:          m.Cc,
		Bcc:         m.Bcc,
		Subject:     m.Subject,
		BodyRaw:     m.Raw,
		BodyPlain:   m.BodyPlain,
		Headers:     m.Headers,
		IMAPUID:     m.IMAPUID,
		Flags:       m.Flags,
		ReceivedAt:  m.Date,
		Attachments: storedAttachments(m.Attachments),
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = s.now()
	}

	if m.BodyHTML != "" {
		html := s.sanitizer.SanitizeBytes([]byte(m.BodyHTML), m.Charset, string(acc.Provider))
		if html != "" {
			now := s.now()
			e.BodyHTML = html
			e.SanitizedAt = &now
		}
	}
	return e
}

// storedAttachments strips the angle brackets from Content-IDs so stored
// parts match the cid: references kept in the sanitized HTML.
func storedAttachments(atts []domain.Attachment) []domain.Attachment {
	if len(atts) == 0 {
		return nil
	}
	res := make([]domain.Attachment, len(atts))
	for i, att := range atts {
		att.ContentID, _ = sanitize.ExtractContentID(att)
		res[i] = att
	}
	return res
}

// =============================================================================
// Folder pages
// =============================================================================

// ApplyFolderPage stores one fetched page of a seed or full-sync fetch,
// advances the cursor, frees the work slot and continues the phase.
func (s *SyncService) ApplyFolderPage(ctx context.Context, acc *domain.EmailAccount, item *domain.WorkItem, page *out.FolderPage) error {
	folder := item.Folder()
	for _, m := range page.Messages {
		if m != nil && m.Folder == "" {
			m.Folder = folder
		}
	}

	inserted, err := s.IngestMessages(ctx, acc, page.Messages)
	if err != nil {
		return err
	}

	stored, err := s.emails.CountByFolder(ctx, acc.ID, folder)
	if err != nil {
		return err
	}

	update := domain.FolderUpdate{Folder: folder, Synced: stored}
	switch {
	case page.Total >= 0:
		total := page.Total
		update.Total = &total
		if page.Done {
			update.Synced = total
		}
	case page.Done:
		// Provider never reported a count: what is stored is the whole folder.
		total := stored
		update.Total = &total
	}
	position := page.NextPosition
	update.Position = &position

	if _, err := s.UpdateSyncCursor(ctx, acc.ID, update); err != nil {
		return err
	}
	logger.WithAccount(acc.ID).Debug("[SyncService.ApplyFolderPage] %s %s: +%d (stored %d, total %d, done %t)",
		item.Type, folder, inserted, stored, page.Total, page.Done)

	s.ReleaseWork(ctx, item)

	switch item.Type {
	case domain.TaskSeedFolderFetch:
		return s.ContinueSeed(ctx, acc.ID)
	case domain.TaskFullFolderFetch:
		return s.ContinueSync(ctx, acc.ID)
	}
	return nil
}

// =============================================================================
// Incremental phase
// =============================================================================

// FetchNewEmails queues an incremental fetch for a completed account. The
// cursor is left alone.
func (s *SyncService) FetchNewEmails(ctx context.Context, accountID uuid.UUID) (bool, error) {
	acc, err := s.load(ctx, accountID)
	if err != nil {
		return false, err
	}
	if acc.NeedsReauth || acc.SyncStatus != domain.SyncStatusCompleted {
		return false, apperr.InvalidTransition(string(acc.SyncStatus), string(domain.EventIncrementalFetch))
	}
	return s.dispatch(ctx, domain.TaskIncrementalFetch, acc.ID, "")
}

// ApplyIncremental stores an incremental page and stamps the account.
func (s *SyncService) ApplyIncremental(ctx context.Context, acc *domain.EmailAccount, item *domain.WorkItem, page *out.FolderPage) error {
	inserted, err := s.IngestMessages(ctx, acc, page.Messages)
	if err != nil {
		return err
	}
	if err := s.RecordIncrementalSync(ctx, acc.ID, inserted); err != nil {
		return err
	}
	s.ReleaseWork(ctx, item)
	return nil
}

// RecordIncrementalSync stamps last_sync_at after an incremental fetch.
func (s *SyncService) RecordIncrementalSync(ctx context.Context, accountID uuid.UUID, fetched int) error {
	acc, _, err := s.withAccount(ctx, accountID, func(acc *domain.EmailAccount) error {
		if err := acc.Transition(domain.EventIncrementalFetch); err != nil {
			return transitionErr(err)
		}
		now := s.now()
		acc.LastSyncAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	s.record(ctx, acc, domain.SyncLogIncrementalCompleted, "", map[string]any{"fetched": fetched})
	return nil
}
