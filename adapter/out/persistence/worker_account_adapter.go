// Package persistence provides database adapters implementing outbound ports.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/crypto"
)

var _ out.AccountRepository = (*AccountAdapter)(nil)

// AccountAdapter implements out.AccountRepository on PostgreSQL.
// Access/refresh tokens and IMAP passwords are sealed before they are
// written and opened after they are read.
type AccountAdapter struct {
	db     *sqlx.DB
	sealer *crypto.Sealer
}

// NewAccountAdapter creates an adapter. A nil sealer stores secrets as-is.
func NewAccountAdapter(db *sqlx.DB, sealer *crypto.Sealer) *AccountAdapter {
	return &AccountAdapter{db: db, sealer: sealer}
}

// =============================================================================
// Row mapping
// =============================================================================

const accountColumns = `
	id, user_id, email, provider, auth_type,
	access_token, refresh_token, token_expires_at,
	imap_host, imap_port, imap_username, imap_password,
	sync_status, sync_cursor, sync_error,
	consecutive_failures, needs_reauth, sync_retry_count, last_failed_at,
	last_sync_at, initial_sync_completed_at, created_at, updated_at`

type accountRow struct {
	ID       uuid.UUID `db:"id"`
	UserID   uuid.UUID `db:"user_id"`
	Email    string    `db:"email"`
	Provider string    `db:"provider"`
	AuthType string    `db:"auth_type"`

	AccessToken    sql.NullString `db:"access_token"`
	RefreshToken   sql.NullString `db:"refresh_token"`
	TokenExpiresAt sql.NullTime   `db:"token_expires_at"`

	IMAPHost     sql.NullString `db:"imap_host"`
	IMAPPort     sql.NullInt32  `db:"imap_port"`
	IMAPUsername sql.NullString `db:"imap_username"`
	IMAPPassword sql.NullString `db:"imap_password"`

	SyncStatus string         `db:"sync_status"`
	SyncCursor []byte         `db:"sync_cursor"`
	SyncError  sql.NullString `db:"sync_error"`

	ConsecutiveFailures int          `db:"consecutive_failures"`
	NeedsReauth         bool         `db:"needs_reauth"`
	SyncRetryCount      int          `db:"sync_retry_count"`
	LastFailedAt        sql.NullTime `db:"last_failed_at"`

	LastSyncAt             sql.NullTime `db:"last_sync_at"`
	InitialSyncCompletedAt sql.NullTime `db:"initial_sync_completed_at"`
	CreatedAt              time.Time    `db:"created_at"`
	UpdatedAt              time.Time    `db:"updated_at"`
}

func (a *AccountAdapter) toDomain(r *accountRow) (*domain.EmailAccount, error) {
	acc := &domain.EmailAccount{
		ID:                     r.ID,
		UserID:                 r.UserID,
		Email:                  r.Email,
		Provider:               domain.Provider(r.Provider),
		AuthType:               domain.AuthType(r.AuthType),
		TokenExpiresAt:         nullTimePtr(r.TokenExpiresAt),
		IMAPHost:               r.IMAPHost.String,
		IMAPPort:               int(r.IMAPPort.Int32),
		IMAPUsername:           r.IMAPUsername.String,
		SyncStatus:             domain.SyncStatus(r.SyncStatus),
		SyncError:              r.SyncError.String,
		ConsecutiveFailures:    r.ConsecutiveFailures,
		NeedsReauth:            r.NeedsReauth,
		SyncRetryCount:         r.SyncRetryCount,
		LastFailedAt:           nullTimePtr(r.LastFailedAt),
		LastSyncAt:             nullTimePtr(r.LastSyncAt),
		InitialSyncCompletedAt: nullTimePtr(r.InitialSyncCompletedAt),
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
	}

	var err error
	if acc.AccessToken, err = a.open(r.AccessToken.String); err != nil {
		return nil, fmt.Errorf("open access token: %w", err)
	}
	if acc.RefreshToken, err = a.open(r.RefreshToken.String); err != nil {
		return nil, fmt.Errorf("open refresh token: %w", err)
	}
	if acc.IMAPPassword, err = a.open(r.IMAPPassword.String); err != nil {
		return nil, fmt.Errorf("open imap password: %w", err)
	}

	if len(r.SyncCursor) > 0 {
		cursor, err := domain.UnmarshalCursor(r.SyncCursor)
		if err != nil {
			return nil, apperr.InvalidCursor(err.Error())
		}
		acc.SyncCursor = cursor
	}
	return acc, nil
}

func (a *AccountAdapter) seal(v string) (string, error) {
	if a.sealer == nil {
		return v, nil
	}
	return a.sealer.Seal(v)
}

func (a *AccountAdapter) open(v string) (string, error) {
	if a.sealer == nil {
		return v, nil
	}
	return a.sealer.Open(v)
}

// =============================================================================
// CRUD
// =============================================================================

func (a *AccountAdapter) GetByID(ctx context.Context, id uuid.UUID) (*domain.EmailAccount, error) {
	var row accountRow
	query := `SELECT ` + accountColumns + ` FROM email_accounts WHERE id = $1`
	if err := a.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.DatabaseError("get account", err)
	}
	return a.toDomain(&row)
}

func (a *AccountAdapter) ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.EmailAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM email_accounts WHERE user_id = $1 ORDER BY created_at`
	return a.list(ctx, "list accounts by user", query, userID)
}

func (a *AccountAdapter) Create(ctx context.Context, acc *domain.EmailAccount) error {
	if err := acc.Validate(); err != nil {
		return apperr.BadRequest(err.Error())
	}

	access, err := a.seal(acc.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := a.seal(acc.RefreshToken)
	if err != nil {
		return err
	}
	password, err := a.seal(acc.IMAPPassword)
	if err != nil {
		return err
	}
	cursor, err := marshalCursor(acc.SyncCursor)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO email_accounts (
			id, user_id, email, provider, auth_type,
			access_token, refresh_token, token_expires_at,
			imap_host, imap_port, imap_username, imap_password,
			sync_status, sync_cursor, sync_error
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at`

	err = a.db.QueryRowxContext(ctx, query,
		acc.ID, acc.UserID, acc.Email, string(acc.Provider), string(acc.AuthType),
		nullStr(access), nullStr(refresh), acc.TokenExpiresAt,
		nullStr(acc.IMAPHost), nullInt(acc.IMAPPort), nullStr(acc.IMAPUsername), nullStr(password),
		string(acc.SyncStatus), cursor, nullStr(acc.SyncError),
	).Scan(&acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return apperr.Conflict("account already connected")
		}
		return apperr.DatabaseError("create account", err)
	}
	return nil
}

// =============================================================================
// Sync state
// =============================================================================

func (a *AccountAdapter) SaveSyncState(ctx context.Context, acc *domain.EmailAccount) error {
	cursor, err := marshalCursor(acc.SyncCursor)
	if err != nil {
		return err
	}

	query := `
		UPDATE email_accounts SET
			sync_status = CASE WHEN needs_reauth THEN 'failed' ELSE $2 END,
			sync_error = CASE WHEN needs_reauth THEN sync_error ELSE $3 END,
			sync_cursor = $4,
			sync_retry_count = $5,
			last_failed_at = $6,
			last_sync_at = $7,
			initial_sync_completed_at = $8,
			updated_at = NOW()
		WHERE id = $1`

	res, err := a.db.ExecContext(ctx, query,
		acc.ID, string(acc.SyncStatus), nullStr(acc.SyncError), cursor,
		acc.SyncRetryCount, acc.LastFailedAt, acc.LastSyncAt, acc.InitialSyncCompletedAt,
	)
	if err != nil {
		return apperr.DatabaseError("save sync state", err)
	}
	return requireRow(res, "account")
}

// =============================================================================
// Credentials & refresh breaker
// =============================================================================

func (a *AccountAdapter) UpdateCredentials(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt *time.Time) error {
	access, err := a.seal(accessToken)
	if err != nil {
		return err
	}
	refresh, err := a.seal(refreshToken)
	if err != nil {
		return err
	}

	query := `
		UPDATE email_accounts SET
			access_token = $2,
			refresh_token = COALESCE($3, refresh_token),
			token_expires_at = COALESCE($4, token_expires_at),
			consecutive_failures = 0,
			updated_at = NOW()
		WHERE id = $1`

	res, err := a.db.ExecContext(ctx, query, id, nullStr(access), nullStr(refresh), expiresAt)
	if err != nil {
		return apperr.DatabaseError("update credentials", err)
	}
	return requireRow(res, "account")
}

func (a *AccountAdapter) IncrementRefreshFailures(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	query := `
		UPDATE email_accounts
		SET consecutive_failures = consecutive_failures + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING consecutive_failures`
	if err := a.db.QueryRowxContext(ctx, query, id).Scan(&n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, apperr.NotFound("account")
		}
		return 0, apperr.DatabaseError("increment refresh failures", err)
	}
	return n, nil
}

// MarkNeedsReauth only updates rows where the flag is still clear, so
// concurrent callers see exactly one true.
func (a *AccountAdapter) MarkNeedsReauth(ctx context.Context, id uuid.UUID, message string) (bool, error) {
	query := `
		UPDATE email_accounts SET
			needs_reauth = TRUE,
			sync_status = 'failed',
			sync_error = $2,
			last_failed_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND needs_reauth = FALSE`
	res, err := a.db.ExecContext(ctx, query, id, message)
	if err != nil {
		return false, apperr.DatabaseError("mark needs reauth", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.DatabaseError("mark needs reauth", err)
	}
	return n == 1, nil
}

func (a *AccountAdapter) ClearReauth(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE email_accounts SET
			needs_reauth = FALSE,
			consecutive_failures = 0,
			sync_retry_count = 0,
			sync_error = NULL,
			updated_at = NOW()
		WHERE id = $1`
	res, err := a.db.ExecContext(ctx, query, id)
	if err != nil {
		return apperr.DatabaseError("clear reauth", err)
	}
	return requireRow(res, "account")
}

// =============================================================================
// Scheduling queries
// =============================================================================

func (a *AccountAdapter) ListByStatus(ctx context.Context, statuses []domain.SyncStatus, limit int) ([]*domain.EmailAccount, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	query := `SELECT ` + accountColumns + ` FROM email_accounts
		WHERE needs_reauth = FALSE AND sync_status = ANY($1)
		ORDER BY created_at LIMIT $2`
	return a.list(ctx, "list accounts by status", query, pq.Array(names), limit)
}

func (a *AccountAdapter) ListIncrementalDue(ctx context.Context, syncedBefore time.Time, limit int) ([]*domain.EmailAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM email_accounts
		WHERE needs_reauth = FALSE AND sync_status = 'completed'
		  AND (last_sync_at IS NULL OR last_sync_at <= $1)
		ORDER BY last_sync_at NULLS FIRST LIMIT $2`
	return a.list(ctx, "list incremental due", query, syncedBefore, limit)
}

func (a *AccountAdapter) ListFailedRetryable(ctx context.Context, maxRetries, limit int) ([]*domain.EmailAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM email_accounts
		WHERE needs_reauth = FALSE AND sync_status = 'failed' AND sync_retry_count <= $1
		ORDER BY last_failed_at NULLS FIRST LIMIT $2`
	return a.list(ctx, "list retryable", query, maxRetries, limit)
}

func (a *AccountAdapter) ListExpiringTokens(ctx context.Context, before time.Time, limit int) ([]*domain.EmailAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM email_accounts
		WHERE needs_reauth = FALSE AND auth_type = 'oauth'
		  AND refresh_token IS NOT NULL AND refresh_token <> ''
		  AND (token_expires_at IS NULL OR token_expires_at < $1)
		ORDER BY token_expires_at NULLS FIRST LIMIT $2`
	return a.list(ctx, "list expiring tokens", query, before, limit)
}

func (a *AccountAdapter) list(ctx context.Context, op, query string, args ...any) ([]*domain.EmailAccount, error) {
	var rows []accountRow
	if err := a.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apperr.DatabaseError(op, err)
	}
	accounts := make([]*domain.EmailAccount, 0, len(rows))
	for i := range rows {
		acc, err := a.toDomain(&rows[i])
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}
