package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/snowflake"
)

var _ out.EmailRepository = (*EmailAdapter)(nil)

// EmailAdapter implements out.EmailRepository on PostgreSQL. Rows are
// insert-only: a second save of the same (account_id, message_id) is a no-op.
type EmailAdapter struct {
	db  *sqlx.DB
	ids *snowflake.Generator
}

func NewEmailAdapter(db *sqlx.DB, ids *snowflake.Generator) *EmailAdapter {
	return &EmailAdapter{db: db, ids: ids}
}

// =============================================================================
// Row mapping
// =============================================================================

const emailColumns = `
	id, account_id, message_id, thread_id, folder,
	from_addr, to_addrs, cc_addrs, bcc_addrs, subject,
	body_raw, body_html, body_plain, headers, imap_uid, flags,
	received_at, sanitized_at, created_at`

type emailRow struct {
	ID          int64          `db:"id"`
	AccountID   uuid.UUID      `db:"account_id"`
	MessageID   string         `db:"message_id"`
	ThreadID    sql.NullString `db:"thread_id"`
	Folder      string         `db:"folder"`
	From        string         `db:"from_addr"`
	To          pq.StringArray `db:"to_addrs"`
	Cc          pq.StringArray `db:"cc_addrs"`
	Bcc         pq.StringArray `db:"bcc_addrs"`
	Subject     string         `db:"subject"`
	BodyRaw     sql.NullString `db:"body_raw"`
	BodyHTML    sql.NullString `db:"body_html"`
	BodyPlain   sql.NullString `db:"body_plain"`
	Headers     []byte         `db:"headers"`
	IMAPUID     sql.NullInt64  `db:"imap_uid"`
	Flags       pq.StringArray `db:"flags"`
	ReceivedAt  time.Time      `db:"received_at"`
	SanitizedAt sql.NullTime   `db:"sanitized_at"`
	CreatedAt   time.Time      `db:"created_at"`
}

func (r *emailRow) toDomain() (*domain.Email, error) {
	e := &domain.Email{
		ID:          r.ID,
		AccountID:   r.AccountID,
		MessageID:   r.MessageID,
		ThreadID:    r.ThreadID.String,
		Folder:      domain.FolderType(r.Folder),
		From:        r.From,
		To:          r.To,
		Cc:          r.Cc,
		Bcc:         r.Bcc,
		Subject:     r.Subject,
		BodyRaw:     r.BodyRaw.String,
		BodyHTML:    r.BodyHTML.String,
		BodyPlain:   r.BodyPlain.String,
		IMAPUID:     uint32(r.IMAPUID.Int64),
		Flags:       r.Flags,
		ReceivedAt:  r.ReceivedAt,
		SanitizedAt: nullTimePtr(r.SanitizedAt),
		CreatedAt:   r.CreatedAt,
	}
	if len(r.Headers) > 0 {
		if err := json.Unmarshal(r.Headers, &e.Headers); err != nil {
			return nil, err
		}
	}
	return e, nil
}

type attachmentRow struct {
	Filename    string         `db:"filename"`
	ContentType string         `db:"content_type"`
	Size        int64          `db:"size"`
	ContentID   sql.NullString `db:"content_id"`
	Disposition sql.NullString `db:"disposition"`
}

// =============================================================================
// Writes
// =============================================================================

func (a *EmailAdapter) Save(ctx context.Context, e *domain.Email) (bool, error) {
	id, err := a.ids.Next()
	if err != nil {
		return false, err
	}
	headers, err := json.Marshal(e.Headers)
	if err != nil {
		return false, err
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, apperr.DatabaseError("begin save email", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO emails (
			id, account_id, message_id, thread_id, folder,
			from_addr, to_addrs, cc_addrs, bcc_addrs, subject,
			body_raw, body_html, body_plain, headers, imap_uid, flags,
			received_at, sanitized_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (account_id, message_id) DO NOTHING
		RETURNING created_at`

	var createdAt time.Time
	err = tx.QueryRowxContext(ctx, query,
		id, e.AccountID, e.MessageID, nullStr(e.ThreadID), string(e.Folder),
		e.From, pq.Array(e.To), pq.Array(e.Cc), pq.Array(e.Bcc), e.Subject,
		nullStr(e.BodyRaw), nullStr(e.BodyHTML), nullStr(e.BodyPlain), headers, int64(e.IMAPUID), pq.Array(e.Flags),
		e.ReceivedAt, e.SanitizedAt,
	).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperr.DatabaseError("insert email", err)
	}

	for _, att := range e.Attachments {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO email_attachments (email_id, filename, content_type, size, content_id, disposition)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			id, att.Filename, att.ContentType, att.Size, nullStr(att.ContentID), nullStr(att.Disposition),
		)
		if err != nil {
			return false, apperr.DatabaseError("insert attachment", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, apperr.DatabaseError("commit save email", err)
	}
	e.ID = id
	e.CreatedAt = createdAt
	return true, nil
}

// =============================================================================
// Reads
// =============================================================================

func (a *EmailAdapter) GetByMessageID(ctx context.Context, accountID uuid.UUID, messageID string) (*domain.Email, error) {
	var row emailRow
	query := `SELECT ` + emailColumns + ` FROM emails WHERE account_id = $1 AND message_id = $2`
	if err := a.db.GetContext(ctx, &row, query, accountID, messageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.DatabaseError("get email", err)
	}
	e, err := row.toDomain()
	if err != nil {
		return nil, err
	}

	var atts []attachmentRow
	if err := a.db.SelectContext(ctx, &atts, `
		SELECT filename, content_type, size, content_id, disposition
		FROM email_attachments WHERE email_id = $1 ORDER BY id`, e.ID); err != nil {
		return nil, apperr.DatabaseError("list attachments", err)
	}
	for _, r := range atts {
		e.Attachments = append(e.Attachments, domain.Attachment{
			Filename:    r.Filename,
			ContentType: r.ContentType,
			Size:        r.Size,
			ContentID:   r.ContentID.String,
			Disposition: r.Disposition.String,
		})
	}
	return e, nil
}

func (a *EmailAdapter) CountByFolder(ctx context.Context, accountID uuid.UUID, folder domain.FolderType) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM emails WHERE account_id = $1 AND folder = $2`
	if err := a.db.GetContext(ctx, &n, query, accountID, string(folder)); err != nil {
		return 0, apperr.DatabaseError("count emails", err)
	}
	return n, nil
}
