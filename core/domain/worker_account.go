package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Provider & Auth
// =============================================================================

type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
	ProviderCustom  Provider = "custom"
)

func (p Provider) IsValid() bool {
	switch p {
	case ProviderGmail, ProviderOutlook, ProviderCustom:
		return true
	}
	return false
}

type AuthType string

const (
	AuthTypePassword AuthType = "password"
	AuthTypeOAuth    AuthType = "oauth"
)

// ProviderSyncProfile holds the seed behaviour for a provider.
type ProviderSyncProfile struct {
	SeedFolders     []FolderType
	MaxSeedParallel int
}

var providerSyncProfiles = map[Provider]ProviderSyncProfile{
	ProviderGmail: {
		SeedFolders:     []FolderType{FolderInbox, FolderSent},
		MaxSeedParallel: 2,
	},
	ProviderOutlook: {
		SeedFolders:     []FolderType{FolderInbox, FolderSent, FolderDrafts},
		MaxSeedParallel: 3,
	},
	ProviderCustom: {
		SeedFolders:     []FolderType{FolderInbox},
		MaxSeedParallel: 1,
	},
}

// SyncProfile returns the provider's seed profile, falling back to custom.
func (p Provider) SyncProfile() ProviderSyncProfile {
	if prof, ok := providerSyncProfiles[p]; ok {
		return prof
	}
	return providerSyncProfiles[ProviderCustom]
}

// ReauthMessage is shown to the user once the refresh breaker trips.
const ReauthMessage = "Authentication failed, please reconnect your account"

// RefreshFailureThreshold is the number of consecutive token refresh
// failures after which an account needs manual reconnection.
const RefreshFailureThreshold = 3

// TokenRefreshWindow is how close to expiry a token is refreshed ahead of use.
const TokenRefreshWindow = 5 * time.Minute

var ErrReauthInvariant = errors.New("needs_reauth account must be in failed state")

// =============================================================================
// EmailAccount
// =============================================================================

type EmailAccount struct {
	ID       uuid.UUID `json:"id"`
	UserID   uuid.UUID `json:"user_id"`
	Email    string    `json:"email"`
	Provider Provider  `json:"provider"`
	AuthType AuthType  `json:"auth_type"`

	// OAuth credentials (plaintext in memory, encrypted at rest)
	AccessToken    string     `json:"-"`
	RefreshToken   string     `json:"-"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`

	// Password credentials for custom IMAP servers
	IMAPHost     string `json:"imap_host,omitempty"`
	IMAPPort     int    `json:"imap_port,omitempty"`
	IMAPUsername string `json:"imap_username,omitempty"`
	IMAPPassword string `json:"-"`

	SyncStatus SyncStatus  `json:"sync_status"`
	SyncCursor *SyncCursor `json:"sync_cursor,omitempty"`
	SyncError  string      `json:"sync_error,omitempty"`

	// Refresh breaker
	ConsecutiveFailures int  `json:"consecutive_failures"`
	NeedsReauth         bool `json:"needs_reauth"`

	// Automatic retry of failed syncs
	SyncRetryCount int        `json:"sync_retry_count"`
	LastFailedAt   *time.Time `json:"last_failed_at,omitempty"`

	LastSyncAt             *time.Time `json:"last_sync_at,omitempty"`
	InitialSyncCompletedAt *time.Time `json:"initial_sync_completed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEmailAccount creates a pending account ready to be seeded.
func NewEmailAccount(userID uuid.UUID, email string, provider Provider, authType AuthType) *EmailAccount {
	now := time.Now()
	return &EmailAccount{
		ID:         uuid.New(),
		UserID:     userID,
		Email:      email,
		Provider:   provider,
		AuthType:   authType,
		SyncStatus: SyncStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (a *EmailAccount) IsOAuth() bool {
	return a.AuthType == AuthTypeOAuth
}

func (a *EmailAccount) HasRefreshToken() bool {
	return a.RefreshToken != ""
}

// TokenExpiresWithin reports whether the access token is missing an expiry
// or expires inside d.
func (a *EmailAccount) TokenExpiresWithin(now time.Time, d time.Duration) bool {
	if !a.IsOAuth() {
		return false
	}
	if a.AccessToken == "" || a.TokenExpiresAt == nil {
		return true
	}
	return a.TokenExpiresAt.Before(now.Add(d))
}

// IsHalted reports whether automated sync must leave the account alone.
func (a *EmailAccount) IsHalted() bool {
	return a.NeedsReauth || a.SyncStatus == SyncStatusFailed
}

// Validate checks the cross-field invariants of the account record.
func (a *EmailAccount) Validate() error {
	if a.NeedsReauth && a.SyncStatus != SyncStatusFailed {
		return ErrReauthInvariant
	}
	if a.SyncCursor != nil {
		return a.SyncCursor.Validate()
	}
	return nil
}

// Cursor returns the sync cursor, creating an empty seed cursor if absent.
func (a *EmailAccount) Cursor() *SyncCursor {
	if a.SyncCursor == nil {
		a.SyncCursor = NewSeedCursor()
	}
	return a.SyncCursor
}

// Clone returns a deep copy so callers can mutate without sharing state.
func (a *EmailAccount) Clone() *EmailAccount {
	cp := *a
	if a.SyncCursor != nil {
		cp.SyncCursor = a.SyncCursor.Clone()
	}
	cp.TokenExpiresAt = cloneTime(a.TokenExpiresAt)
	cp.LastFailedAt = cloneTime(a.LastFailedAt)
	cp.LastSyncAt = cloneTime(a.LastSyncAt)
	cp.InitialSyncCompletedAt = cloneTime(a.InitialSyncCompletedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
