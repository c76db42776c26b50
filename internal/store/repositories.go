package store

import (
	"context"
	"time"
)

// CredentialRepository persists per-user calendar authorization and sync bookkeeping.
type CredentialRepository interface {
	Get(ctx context.Context, userID int64) (*Credential, error)
	ListSyncable(ctx context.Context) ([]int64, error)
	SaveAuthorization(ctx context.Context, userID int64, auth AuthorizationUpdate) error
	UpdateTokens(ctx context.Context, userID int64, auth AuthorizationUpdate) error
	SaveSyncCursor(ctx context.Context, userID int64, calendarID, syncToken string, pulledAt time.Time) error
	ResetSyncCursor(ctx context.Context, userID int64) error
	ApplyManagedCalendar(ctx context.Context, userID int64, update ManagedCalendarUpdate) error
	SaveACLState(ctx context.Context, userID int64, role string, verifiedAt time.Time) error
	MarkNeedsReauth(ctx context.Context, userID int64, reason string) error
}

// SyncLinkRepository manages item to event links.
type SyncLinkRepository interface {
	Get(ctx context.Context, itemID string) (*SyncLink, error)
	GetByEventID(ctx context.Context, userID int64, eventID string) (*SyncLink, error)
	ListPending(ctx context.Context, userID int64) ([]SyncLink, error)
	ListOutsideCalendar(ctx context.Context, userID int64, calendarID string) ([]SyncLink, error)
	CountByStatus(ctx context.Context, userID int64) (map[LinkStatus]int, error)
	MarkPending(ctx context.Context, userID int64, itemID string, itemType ItemType, calendarID string) error
	Save(ctx context.Context, link SyncLink) error
	MarkError(ctx context.Context, itemID, message string) error
	MarkConflict(ctx context.Context, itemID, message string) error
	ClearEvent(ctx context.Context, itemID string) error
	Delete(ctx context.Context, itemID string) error
}

// ItemRepository reads schedulable items and writes back pulled changes.
type ItemRepository interface {
	GetLinkedItem(ctx context.Context, itemID string) (Schedulable, error)
	SaveAppointment(ctx context.Context, appt *Appointment) error
	SaveBill(ctx context.Context, bill *Bill) error
}

// CollaboratorRepository exposes accepted collaborator grants.
type CollaboratorRepository interface {
	ListAccepted(ctx context.Context, userID int64) ([]Collaborator, error)
}
