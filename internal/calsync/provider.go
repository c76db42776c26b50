package calsync

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"

	"gitea.jw6.us/james/calsync/internal/gcal"
	"gitea.jw6.us/james/calsync/internal/store"
)

// Provider is the remote calendar surface the engine uses. *gcal.Client
// implements it; every error it returns is a *gcal.Error.
type Provider interface {
	ListEvents(ctx context.Context, calendarID string, q gcal.ListQuery) (*calendar.Events, error)
	GetEvent(ctx context.Context, calendarID, eventID string) (*calendar.Event, error)
	InsertEvent(ctx context.Context, calendarID string, ev *calendar.Event) (*calendar.Event, error)
	PatchEvent(ctx context.Context, calendarID, eventID string, ev *calendar.Event) (*calendar.Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
	MoveEvent(ctx context.Context, calendarID, eventID, destination string) (*calendar.Event, error)
	GetCalendar(ctx context.Context, calendarID string) (*calendar.Calendar, error)
	InsertCalendar(ctx context.Context, summary, timeZone string) (*calendar.Calendar, error)
	ListCalendars(ctx context.Context) ([]*calendar.CalendarListEntry, error)
	ListACL(ctx context.Context, calendarID string) ([]*calendar.AclRule, error)
	InsertACL(ctx context.Context, calendarID string, rule *calendar.AclRule) (*calendar.AclRule, error)
}

// TokenReporter exposes a token refreshed during a run so it can be persisted.
type TokenReporter interface {
	Refreshed() (*oauth2.Token, bool)
}

// OpenFunc opens a provider for a user's credential.
type OpenFunc func(ctx context.Context, cred *store.Credential) (Provider, TokenReporter, error)

// GoogleOpener adapts a gcal.Factory to OpenFunc.
func GoogleOpener(f *gcal.Factory) OpenFunc {
	return func(ctx context.Context, cred *store.Credential) (Provider, TokenReporter, error) {
		c, ts, err := f.Open(ctx, cred)
		if err != nil {
			return nil, nil, err
		}
		return c, ts, nil
	}
}

// Notifier receives a signal after a run changed local data.
type Notifier interface {
	PlanUpdated(ctx context.Context, userID int64, summary Summary)
}

// Locker provides the per-user cross-process lock.
type Locker interface {
	TryLock(ctx context.Context, userID int64) (unlock func(), acquired bool, err error)
}

// ErrBusy is returned when another process holds the user's sync lock.
var ErrBusy = errors.New("sync already running for user")

// ErrNotConnected is returned when the user has no usable calendar credential.
var ErrNotConnected = errors.New("calendar not connected")
