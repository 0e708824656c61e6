package domain

import "github.com/google/uuid"

// syncTransitions is the complete state machine. A (state, event) pair
// missing from the table is an invalid transition.
var syncTransitions = map[SyncStatus]map[SyncEvent]SyncStatus{
	SyncStatusPending: {
		EventStartSeed: SyncStatusSeeding,
		EventFail:      SyncStatusFailed,
	},
	SyncStatusSeeding: {
		EventSeedCompleted: SyncStatusSyncing,
		EventSyncCompleted: SyncStatusCompleted,
		EventFail:          SyncStatusFailed,
	},
	SyncStatusSyncing: {
		EventSyncCompleted: SyncStatusCompleted,
		EventFail:          SyncStatusFailed,
	},
	SyncStatusCompleted: {
		EventSyncCompleted:    SyncStatusCompleted,
		EventIncrementalFetch: SyncStatusCompleted,
		EventFail:             SyncStatusFailed,
	},
	SyncStatusFailed: {
		EventStartSeed:         SyncStatusSeeding,
		EventFail:              SyncStatusFailed,
		EventResumeSeed:        SyncStatusSeeding,
		EventResumeFull:        SyncStatusSyncing,
		EventResumeIncremental: SyncStatusCompleted,
	},
}

// AllSyncStatuses and AllSyncEvents enumerate the table axes.
var (
	AllSyncStatuses = []SyncStatus{
		SyncStatusPending,
		SyncStatusSeeding,
		SyncStatusSyncing,
		SyncStatusCompleted,
		SyncStatusFailed,
	}
	AllSyncEvents = []SyncEvent{
		EventStartSeed,
		EventSeedCompleted,
		EventSyncCompleted,
		EventIncrementalFetch,
		EventFail,
		EventResumeSeed,
		EventResumeFull,
		EventResumeIncremental,
	}
)

// TransitionError is returned for a (state, event) pair outside the table.
type TransitionError struct {
	AccountID uuid.UUID
	From      SyncStatus
	Event     SyncEvent
}

func (e *TransitionError) Error() string {
	return "sync: event " + string(e.Event) + " not allowed in state " + string(e.From)
}

// NextStatus looks up the state reached from `from` on `event`.
func NextStatus(from SyncStatus, event SyncEvent) (SyncStatus, bool) {
	next, ok := syncTransitions[from][event]
	return next, ok
}

// Transition moves the account along the table, enforcing the reauth invariant.
func (a *EmailAccount) Transition(event SyncEvent) error {
	next, ok := NextStatus(a.SyncStatus, event)
	if !ok {
		return &TransitionError{AccountID: a.ID, From: a.SyncStatus, Event: event}
	}
	if a.NeedsReauth && next != SyncStatusFailed {
		return &TransitionError{AccountID: a.ID, From: a.SyncStatus, Event: event}
	}
	a.SyncStatus = next
	return nil
}

// ResumeEvent picks the event that resumes a failed account at the phase
// its cursor reached.
func ResumeEvent(c *SyncCursor) SyncEvent {
	if c == nil {
		return EventResumeSeed
	}
	switch c.Phase {
	case CursorPhaseFull:
		return EventResumeFull
	case CursorPhaseIncremental:
		return EventResumeIncremental
	default:
		return EventResumeSeed
	}
}
