package persistence

import (
	"database/sql"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/pkg/apperr"
)

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(i int) sql.NullInt32 {
	if i == 0 {
		return sql.NullInt32{}
	}
	return sql.NullInt32{Int32: int32(i), Valid: true}
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// marshalCursor returns nil for a missing cursor so the column stays NULL.
func marshalCursor(c *domain.SyncCursor) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	b, err := domain.MarshalCursor(c)
	if err != nil {
		return nil, apperr.InvalidCursor(err.Error())
	}
	return b, nil
}

func requireRow(res sql.Result, resource string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.DatabaseError("rows affected", err)
	}
	if n == 0 {
		return apperr.NotFound(resource)
	}
	return nil
}
