package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/apperr"
)

var _ out.SyncLogRepository = (*SyncLogAdapter)(nil)

// SyncLogAdapter appends sync milestones to the sync_log table.
type SyncLogAdapter struct {
	db *sqlx.DB
}

func NewSyncLogAdapter(db *sqlx.DB) *SyncLogAdapter {
	return &SyncLogAdapter{db: db}
}

type syncLogRow struct {
	ID        int64          `db:"id"`
	AccountID uuid.UUID      `db:"account_id"`
	Event     string         `db:"event"`
	Message   sql.NullString `db:"message"`
	Metadata  []byte         `db:"metadata"`
	CreatedAt time.Time      `db:"created_at"`
}

func (a *SyncLogAdapter) Append(ctx context.Context, entry *domain.SyncLogEntry) error {
	var meta []byte
	if len(entry.Metadata) > 0 {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return err
		}
		meta = b
	}

	query := `
		INSERT INTO sync_log (account_id, event, message, metadata)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`
	err := a.db.QueryRowxContext(ctx, query,
		entry.AccountID, string(entry.Event), nullStr(entry.Message), meta,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return apperr.DatabaseError("append sync log", err)
	}
	return nil
}

func (a *SyncLogAdapter) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*domain.SyncLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []syncLogRow
	query := `
		SELECT id, account_id, event, message, metadata, created_at
		FROM sync_log WHERE account_id = $1
		ORDER BY id DESC LIMIT $2`
	if err := a.db.SelectContext(ctx, &rows, query, accountID, limit); err != nil {
		return nil, apperr.DatabaseError("list sync log", err)
	}

	entries := make([]*domain.SyncLogEntry, 0, len(rows))
	for _, r := range rows {
		e := &domain.SyncLogEntry{
			ID:        r.ID,
			AccountID: r.AccountID,
			Event:     domain.SyncLogEvent(r.Event),
			Message:   r.Message.String,
			CreatedAt: r.CreatedAt,
		}
		if len(r.Metadata) > 0 {
			if err := json.Unmarshal(r.Metadata, &e.Metadata); err != nil {
				return nil, err
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}
