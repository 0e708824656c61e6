package domain

import "fmt"

// FolderType identifies a mailbox folder independent of provider naming.
type FolderType string

const (
	FolderInbox   FolderType = "inbox"
	FolderSent    FolderType = "sent"
	FolderDrafts  FolderType = "drafts"
	FolderArchive FolderType = "archive"
	FolderSpam    FolderType = "spam"
	FolderTrash   FolderType = "trash"
)

// AllFolderTypes lists every folder tracked by a sync cursor.
var AllFolderTypes = []FolderType{
	FolderInbox,
	FolderSent,
	FolderDrafts,
	FolderArchive,
	FolderSpam,
	FolderTrash,
}

// FolderSyncOrder is the order the full sync phase walks folders in.
// It is the same for every provider.
var FolderSyncOrder = []FolderType{
	FolderInbox,
	FolderSent,
	FolderArchive,
	FolderDrafts,
	FolderSpam,
	FolderTrash,
}

// SyncPriority is lower for folders the user is more likely to look at first.
func (f FolderType) SyncPriority() int {
	switch f {
	case FolderInbox:
		return 1
	case FolderSent:
		return 2
	case FolderDrafts:
		return 3
	case FolderArchive:
		return 4
	case FolderSpam:
		return 5
	case FolderTrash:
		return 6
	default:
		return 99
	}
}

func (f FolderType) IsValid() bool {
	for _, ft := range AllFolderTypes {
		if ft == f {
			return true
		}
	}
	return false
}

func ParseFolderType(s string) (FolderType, error) {
	f := FolderType(s)
	if !f.IsValid() {
		return "", fmt.Errorf("unknown folder type %q", s)
	}
	return f, nil
}
