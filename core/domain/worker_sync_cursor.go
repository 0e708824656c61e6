package domain

import (
	"bytes"
	"fmt"
	"math"
	"sort"

	"github.com/goccy/go-json"
)

// CursorVersion is bumped whenever the persisted cursor layout changes.
const CursorVersion = 1

type CursorPhase string

const (
	CursorPhaseSeed        CursorPhase = "seed"
	CursorPhaseFull        CursorPhase = "full"
	CursorPhaseIncremental CursorPhase = "incremental"
)

func (p CursorPhase) IsValid() bool {
	switch p {
	case CursorPhaseSeed, CursorPhaseFull, CursorPhaseIncremental:
		return true
	}
	return false
}

// FolderProgress tracks how far a single folder has been synced.
// Position is the provider resume token (Gmail page token, IMAP UID).
type FolderProgress struct {
	Total      int    `json:"total"`
	Synced     int    `json:"synced"`
	Priority   int    `json:"priority"`
	TotalKnown bool   `json:"total_known"`
	Position   string `json:"position,omitempty"`
}

// Complete is true once the folder total is known and fully synced.
func (p FolderProgress) Complete() bool {
	return p.TotalKnown && p.Synced >= p.Total
}

// SyncCursor is the persisted, resumable sync position of an account.
type SyncCursor struct {
	Version int                           `json:"version"`
	Phase   CursorPhase                   `json:"phase"`
	Folders map[FolderType]FolderProgress `json:"folders"`
}

// NewSeedCursor returns a seed-phase cursor with every folder at zero.
func NewSeedCursor() *SyncCursor {
	c := &SyncCursor{
		Version: CursorVersion,
		Phase:   CursorPhaseSeed,
		Folders: make(map[FolderType]FolderProgress, len(AllFolderTypes)),
	}
	for _, f := range AllFolderTypes {
		c.Folders[f] = FolderProgress{Priority: f.SyncPriority()}
	}
	return c
}

func (c *SyncCursor) Clone() *SyncCursor {
	cp := &SyncCursor{
		Version: c.Version,
		Phase:   c.Phase,
		Folders: make(map[FolderType]FolderProgress, len(c.Folders)),
	}
	for k, v := range c.Folders {
		cp.Folders[k] = v
	}
	return cp
}

// Validate enforces the cursor schema.
func (c *SyncCursor) Validate() error {
	if c.Version != CursorVersion {
		return fmt.Errorf("cursor version %d, expected %d", c.Version, CursorVersion)
	}
	if !c.Phase.IsValid() {
		return fmt.Errorf("unknown cursor phase %q", c.Phase)
	}
	for f, p := range c.Folders {
		if !f.IsValid() {
			return fmt.Errorf("unknown folder %q", f)
		}
		if p.Total < 0 || p.Synced < 0 {
			return fmt.Errorf("folder %s: negative progress", f)
		}
		if p.TotalKnown && p.Synced > p.Total {
			return fmt.Errorf("folder %s: synced %d exceeds total %d", f, p.Synced, p.Total)
		}
	}
	return nil
}

// MarshalCursor serializes a validated cursor.
func MarshalCursor(c *SyncCursor) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

// UnmarshalCursor decodes a cursor and rejects unknown fields or values.
func UnmarshalCursor(data []byte) (*SyncCursor, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var c SyncCursor
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	if c.Folders == nil {
		c.Folders = map[FolderType]FolderProgress{}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// FolderUpdate is one page worth of progress reported by a fetch.
// Nil Total and Position leave the stored values untouched.
type FolderUpdate struct {
	Folder   FolderType
	Synced   int
	Total    *int
	Position *string
}

// Apply merges u into the cursor and reports whether anything changed.
// Applying the same update twice is a no-op the second time.
func (c *SyncCursor) Apply(u FolderUpdate) (bool, error) {
	if !u.Folder.IsValid() {
		return false, fmt.Errorf("unknown folder %q", u.Folder)
	}
	if u.Synced < 0 {
		return false, fmt.Errorf("folder %s: negative synced count", u.Folder)
	}
	if u.Total != nil && *u.Total < 0 {
		return false, fmt.Errorf("folder %s: negative total", u.Folder)
	}
	if c.Folders == nil {
		c.Folders = map[FolderType]FolderProgress{}
	}

	old, ok := c.Folders[u.Folder]
	if !ok {
		old = FolderProgress{Priority: u.Folder.SyncPriority()}
	}

	next := old
	if u.Total != nil {
		next.Total = *u.Total
		next.TotalKnown = true
	}
	next.Synced = u.Synced
	if next.TotalKnown && next.Synced > next.Total {
		next.Synced = next.Total
	}
	if u.Position != nil {
		next.Position = *u.Position
	}

	c.Folders[u.Folder] = next
	return !ok || next != old, nil
}

// SeedComplete reports whether every given folder has a known total.
func (c *SyncCursor) SeedComplete(folders []FolderType) bool {
	for _, f := range folders {
		if !c.Folders[f].TotalKnown {
			return false
		}
	}
	return true
}

// NextFullSyncFolder returns the first folder in sync order still needing
// work: total unknown or synced below total.
func (c *SyncCursor) NextFullSyncFolder() (FolderType, bool) {
	for _, f := range FolderSyncOrder {
		p, ok := c.Folders[f]
		if !ok || !p.Complete() {
			return f, true
		}
	}
	return "", false
}

// =============================================================================
// Progress reporting
// =============================================================================

type FolderSyncProgress struct {
	Folder  FolderType `json:"folder"`
	Total   int        `json:"total"`
	Synced  int        `json:"synced"`
	Percent int        `json:"percent"`
}

type SyncProgress struct {
	AccountID    string               `json:"account_id"`
	Status       SyncStatus           `json:"status"`
	Phase        CursorPhase          `json:"phase,omitempty"`
	TotalEmails  int                  `json:"total_emails"`
	SyncedEmails int                  `json:"synced_emails"`
	Percent      int                  `json:"percent"`
	Folders      []FolderSyncProgress `json:"folders"`
}

// ProgressPercent is round(synced/total*100) clamped to [0,100], 0 for an empty total.
func ProgressPercent(synced, total int) int {
	if total <= 0 {
		return 0
	}
	pct := int(math.Round(float64(synced) / float64(total) * 100))
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// BuildSyncProgress aggregates per-folder progress for an account.
func BuildSyncProgress(a *EmailAccount) *SyncProgress {
	out := &SyncProgress{
		AccountID: a.ID.String(),
		Status:    a.SyncStatus,
		Folders:   []FolderSyncProgress{},
	}
	if a.SyncCursor == nil {
		return out
	}
	out.Phase = a.SyncCursor.Phase

	for f, p := range a.SyncCursor.Folders {
		out.TotalEmails += p.Total
		out.SyncedEmails += p.Synced
		out.Folders = append(out.Folders, FolderSyncProgress{
			Folder:  f,
			Total:   p.Total,
			Synced:  p.Synced,
			Percent: ProgressPercent(p.Synced, p.Total),
		})
	}
	sort.Slice(out.Folders, func(i, j int) bool {
		return out.Folders[i].Folder.SyncPriority() < out.Folders[j].Folder.SyncPriority()
	})
	out.Percent = ProgressPercent(out.SyncedEmails, out.TotalEmails)
	return out
}
