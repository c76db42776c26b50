package store

import "time"

// ItemType distinguishes the kinds of schedulable items that can be synced.
type ItemType string

const (
	ItemAppointment ItemType = "appointment"
	ItemBill        ItemType = "bill"
)

// Valid reports whether t names a known item type.
func (t ItemType) Valid() bool {
	return t == ItemAppointment || t == ItemBill
}

// SyncDirection records which side produced the last successful sync.
type SyncDirection string

const (
	DirectionPush SyncDirection = "push"
	DirectionPull SyncDirection = "pull"
)

// LinkStatus is the state of a sync link.
type LinkStatus string

const (
	LinkIdle    LinkStatus = "idle"
	LinkPending LinkStatus = "pending"
	LinkError   LinkStatus = "error"
)

// ManagedState is the lifecycle state of the per-user managed calendar.
type ManagedState string

const (
	ManagedNone   ManagedState = "none"
	ManagedActive ManagedState = "active"
)

// Credential holds a user's Google Calendar authorization and sync bookkeeping.
// SyncToken is only meaningful for CalendarID.
type Credential struct {
	UserID       int64
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	Expiry       time.Time

	CalendarID   string
	SyncToken    *string
	LastPulledAt *time.Time

	ManagedCalendarID   *string
	ManagedCalendarName *string
	ManagedState        ManagedState
	ACLVerifiedAt       *time.Time
	ACLRole             *string
	LegacyCalendarID    *string

	NeedsReauth  bool
	ReauthReason *string
	UpdatedAt    time.Time
	AuthorizedAt time.Time
}

// SyncLink maps a local item to its remote event.
type SyncLink struct {
	ItemID          string
	UserID          int64
	ItemType        ItemType
	CalendarID      string
	EventID         *string
	ETag            *string
	LastSyncedAt    *time.Time
	LastDirection   *SyncDirection
	LocalHash       *string
	RemoteUpdatedAt *time.Time
	Status          LinkStatus
	LastError       *string
	UpdatedAt       time.Time
}

// HasEvent reports whether the link points at a remote event.
func (l *SyncLink) HasEvent() bool {
	return l.EventID != nil && *l.EventID != ""
}

// Schedulable is an appointment or a bill. The concrete type is the variant tag.
type Schedulable interface {
	ItemID() string
	ItemType() ItemType
	OwnerID() int64
	ModifiedAt() time.Time
}

// Appointment is a timed visit on a care recipient's plan.
type Appointment struct {
	ID                   string
	UserID               int64
	Title                string
	Notes                string
	Location             string
	StartsAt             time.Time
	EndsAt               time.Time
	TimeZone             string
	Status               string
	AssignedCollaborator *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (a *Appointment) ItemID() string        { return a.ID }
func (a *Appointment) ItemType() ItemType    { return ItemAppointment }
func (a *Appointment) OwnerID() int64        { return a.UserID }
func (a *Appointment) ModifiedAt() time.Time { return a.UpdatedAt }

// Bill is a payment due on a calendar day.
type Bill struct {
	ID                   string
	UserID               int64
	Payee                string
	Notes                string
	AmountCents          int64
	Currency             string
	DueDate              time.Time
	Status               string
	AssignedCollaborator *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (b *Bill) ItemID() string        { return b.ID }
func (b *Bill) ItemType() ItemType    { return ItemBill }
func (b *Bill) OwnerID() int64        { return b.UserID }
func (b *Bill) ModifiedAt() time.Time { return b.UpdatedAt }

const (
	StatusScheduled = "scheduled"
	StatusCancelled = "cancelled"
	StatusUnpaid    = "unpaid"
	StatusPaid      = "paid"
)

// Collaborator is an accepted, email-identified access grant on a user's recipient.
type Collaborator struct {
	Email      string
	AcceptedAt time.Time
}

// ManagedCalendarUpdate is the bookkeeping written after resolving a managed calendar.
type ManagedCalendarUpdate struct {
	CalendarID       string
	Name             string
	LegacyCalendarID *string
}

// AuthorizationUpdate carries freshly granted OAuth tokens.
type AuthorizationUpdate struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	Expiry       time.Time
}
