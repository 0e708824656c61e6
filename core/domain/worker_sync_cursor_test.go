package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func TestNewSeedCursor(t *testing.T) {
	c := NewSeedCursor()

	assert.Equal(t, CursorPhaseSeed, c.Phase)
	assert.Equal(t, CursorVersion, c.Version)
	require.Len(t, c.Folders, len(AllFolderTypes))
	for _, f := range AllFolderTypes {
		p := c.Folders[f]
		assert.Equal(t, 0, p.Total)
		assert.Equal(t, 0, p.Synced)
		assert.Equal(t, f.SyncPriority(), p.Priority)
		assert.False(t, p.TotalKnown)
	}
}

func TestSyncCursor_ApplyClampsSyncedToTotal(t *testing.T) {
	tests := []struct {
		name       string
		updates    []FolderUpdate
		wantSynced int
		wantTotal  int
	}{
		{
			name:       "synced above total",
			updates:    []FolderUpdate{{Folder: FolderInbox, Synced: 15, Total: intPtr(10)}},
			wantSynced: 10,
			wantTotal:  10,
		},
		{
			name: "total shrinks below synced",
			updates: []FolderUpdate{
				{Folder: FolderInbox, Synced: 8, Total: intPtr(10)},
				{Folder: FolderInbox, Synced: 8, Total: intPtr(5)},
			},
			wantSynced: 5,
			wantTotal:  5,
		},
		{
			name: "total kept when omitted",
			updates: []FolderUpdate{
				{Folder: FolderInbox, Synced: 2, Total: intPtr(10)},
				{Folder: FolderInbox, Synced: 12},
			},
			wantSynced: 10,
			wantTotal:  10,
		},
		{
			name:       "unknown total does not clamp",
			updates:    []FolderUpdate{{Folder: FolderInbox, Synced: 3}},
			wantSynced: 3,
			wantTotal:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewSeedCursor()
			for _, u := range tt.updates {
				_, err := c.Apply(u)
				require.NoError(t, err)
			}
			p := c.Folders[FolderInbox]
			assert.Equal(t, tt.wantSynced, p.Synced)
			assert.Equal(t, tt.wantTotal, p.Total)
			for f, fp := range c.Folders {
				if fp.TotalKnown {
					assert.LessOrEqual(t, fp.Synced, fp.Total, "folder %s", f)
				}
			}
		})
	}
}

func TestSyncCursor_ApplyIsIdempotent(t *testing.T) {
	c := NewSeedCursor()
	u := FolderUpdate{Folder: FolderSent, Synced: 4, Total: intPtr(9), Position: strPtr("page-2")}

	changed, err := c.Apply(u)
	require.NoError(t, err)
	assert.True(t, changed)
	first, err := MarshalCursor(c)
	require.NoError(t, err)

	changed, err = c.Apply(u)
	require.NoError(t, err)
	assert.False(t, changed)
	second, err := MarshalCursor(c)
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
}

func TestSyncCursor_ApplyRejectsBadInput(t *testing.T) {
	c := NewSeedCursor()

	_, err := c.Apply(FolderUpdate{Folder: "junk", Synced: 1})
	assert.Error(t, err)
	_, err = c.Apply(FolderUpdate{Folder: FolderInbox, Synced: -1})
	assert.Error(t, err)
	_, err = c.Apply(FolderUpdate{Folder: FolderInbox, Total: intPtr(-3)})
	assert.Error(t, err)
}

func TestUnmarshalCursor(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{
			name:  "valid",
			input: `{"version":1,"phase":"full","folders":{"inbox":{"total":10,"synced":4,"priority":1,"total_known":true}}}`,
		},
		{
			name:    "unknown field",
			input:   `{"version":1,"phase":"full","folders":{},"extra":true}`,
			wantErr: true,
		},
		{
			name:    "unknown phase",
			input:   `{"version":1,"phase":"warp","folders":{}}`,
			wantErr: true,
		},
		{
			name:    "wrong version",
			input:   `{"version":7,"phase":"seed","folders":{}}`,
			wantErr: true,
		},
		{
			name:    "unknown folder",
			input:   `{"version":1,"phase":"seed","folders":{"memes":{"total":0,"synced":0,"priority":1,"total_known":false}}}`,
			wantErr: true,
		},
		{
			name:    "synced over total",
			input:   `{"version":1,"phase":"seed","folders":{"inbox":{"total":1,"synced":2,"priority":1,"total_known":true}}}`,
			wantErr: true,
		},
		{
			name:    "unknown folder progress field",
			input:   `{"version":1,"phase":"seed","folders":{"inbox":{"total":1,"synced":0,"priority":1,"total_known":true,"page":3}}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := UnmarshalCursor([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, CursorPhaseFull, c.Phase)
			assert.Equal(t, 4, c.Folders[FolderInbox].Synced)
		})
	}
}

func TestSyncCursor_NextFullSyncFolder(t *testing.T) {
	c := NewSeedCursor()
	for _, f := range AllFolderTypes {
		_, _ = c.Apply(FolderUpdate{Folder: f, Synced: 0, Total: intPtr(0)})
	}

	_, ok := c.NextFullSyncFolder()
	assert.False(t, ok)

	_, _ = c.Apply(FolderUpdate{Folder: FolderArchive, Synced: 1, Total: intPtr(5)})
	_, _ = c.Apply(FolderUpdate{Folder: FolderTrash, Synced: 0, Total: intPtr(2)})

	f, ok := c.NextFullSyncFolder()
	require.True(t, ok)
	assert.Equal(t, FolderArchive, f)
}

func TestProgressPercent(t *testing.T) {
	tests := []struct {
		synced, total, want int
	}{
		{0, 0, 0},
		{5, 0, 0},
		{1, 3, 33},
		{2, 3, 67},
		{10, 10, 100},
		{12, 10, 100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ProgressPercent(tt.synced, tt.total), "%d/%d", tt.synced, tt.total)
	}
}

func TestBuildSyncProgress(t *testing.T) {
	acc := NewEmailAccount([16]byte{1}, "a@example.com", ProviderGmail, AuthTypeOAuth)
	acc.SyncCursor = NewSeedCursor()
	_, _ = acc.SyncCursor.Apply(FolderUpdate{Folder: FolderInbox, Synced: 3, Total: intPtr(4)})
	_, _ = acc.SyncCursor.Apply(FolderUpdate{Folder: FolderSent, Synced: 0, Total: intPtr(2)})

	p := BuildSyncProgress(acc)

	assert.Equal(t, 6, p.TotalEmails)
	assert.Equal(t, 3, p.SyncedEmails)
	assert.Equal(t, 50, p.Percent)
	require.NotEmpty(t, p.Folders)
	assert.Equal(t, FolderInbox, p.Folders[0].Folder)
	assert.Equal(t, 75, p.Folders[0].Percent)
	for _, f := range p.Folders {
		assert.GreaterOrEqual(t, f.Percent, 0)
		assert.LessOrEqual(t, f.Percent, 100)
	}
}

func TestBuildSyncProgress_NoCursor(t *testing.T) {
	acc := NewEmailAccount([16]byte{2}, "b@example.com", ProviderCustom, AuthTypePassword)

	p := BuildSyncProgress(acc)

	assert.Equal(t, 0, p.Percent)
	assert.Empty(t, p.Folders)
}
