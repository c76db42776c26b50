package calsync

import (
	"context"
	"fmt"
	"log"
	"slices"

	"gitea.jw6.us/james/calsync/internal/gcal"
	"gitea.jw6.us/james/calsync/internal/store"
)

// ensureManagedCalendar resolves the user's managed calendar, creating it
// only when nothing reusable exists, then moves linked events into it. It
// reports the calendar id and whether it was created.
func (e *Engine) ensureManagedCalendar(ctx context.Context, sess *session) (string, bool, error) {
	cred := sess.cred
	name := e.settings.ManagedCalendarName

	calendarID, err := e.resolveManagedCalendar(ctx, sess)
	if err != nil {
		e.checkAuth(ctx, sess, err)
		return "", false, err
	}
	created := false
	if calendarID == "" {
		cal, err := sess.provider.InsertCalendar(ctx, name, e.settings.TimeZone.String())
		if err != nil {
			e.checkAuth(ctx, sess, err)
			return "", false, fmt.Errorf("create managed calendar: %w", err)
		}
		calendarID = cal.Id
		created = true
		log.Printf("[INFO] managed calendar created user=%d calendar=%s", cred.UserID, calendarID)
	}

	if err := e.migrateLinks(ctx, sess, calendarID); err != nil {
		return "", false, err
	}

	update := store.ManagedCalendarUpdate{CalendarID: calendarID, Name: name}
	if cred.CalendarID != "" && cred.CalendarID != calendarID {
		update.LegacyCalendarID = ptr(cred.CalendarID)
	}
	if err := e.repos.Credentials.ApplyManagedCalendar(ctx, cred.UserID, update); err != nil {
		return "", false, fmt.Errorf("record managed calendar: %w", err)
	}

	if cred.CalendarID != calendarID {
		cred.SyncToken = nil
		cred.LastPulledAt = nil
	}
	if update.LegacyCalendarID != nil {
		cred.LegacyCalendarID = update.LegacyCalendarID
	}
	cred.CalendarID = calendarID
	cred.ManagedCalendarID = ptr(calendarID)
	cred.ManagedCalendarName = ptr(name)
	cred.ManagedState = store.ManagedActive
	sess.mu.Lock()
	sess.sum.CalendarID = calendarID
	sess.mu.Unlock()
	return calendarID, created, nil
}

// resolveManagedCalendar looks for an existing calendar to reuse. An empty
// id with a nil error means none was found.
func (e *Engine) resolveManagedCalendar(ctx context.Context, sess *session) (string, error) {
	cred := sess.cred
	name := e.settings.ManagedCalendarName
	managed := deref(cred.ManagedCalendarID)
	legacy := deref(cred.LegacyCalendarID)

	var candidates []string
	for _, id := range []string{managed, legacy, cred.CalendarID} {
		if id != "" && !slices.Contains(candidates, id) {
			candidates = append(candidates, id)
		}
	}

	for _, id := range candidates {
		cal, err := sess.provider.GetCalendar(ctx, id)
		if gcal.IsKind(err, gcal.KindNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("get calendar %s: %w", id, err)
		}
		if id == managed || id == legacy || cal.Summary == name {
			return cal.Id, nil
		}
	}

	entries, err := sess.provider.ListCalendars(ctx)
	if err != nil {
		return "", fmt.Errorf("list calendars: %w", err)
	}
	for _, entry := range entries {
		if entry.Deleted {
			continue
		}
		if entry.Summary == name || entry.SummaryOverride == name {
			return entry.Id, nil
		}
	}
	return "", nil
}

// migrateLinks moves events linked outside calendarID into it. Links with no
// event are re-pointed by the store when the calendar is recorded. Failed
// moves keep the calendar unrecorded so the next run retries them.
func (e *Engine) migrateLinks(ctx context.Context, sess *session, calendarID string) error {
	links, err := e.repos.Links.ListOutsideCalendar(ctx, sess.cred.UserID, calendarID)
	if err != nil {
		return fmt.Errorf("list links to migrate: %w", err)
	}
	failed := 0
	for _, link := range links {
		if !link.HasEvent() {
			continue
		}
		moved, err := sess.provider.MoveEvent(ctx, link.CalendarID, *link.EventID, calendarID)
		switch {
		case gcal.IsKind(err, gcal.KindNotFound):
			if err := e.repos.Links.ClearEvent(ctx, link.ItemID); err != nil {
				return fmt.Errorf("clear missing event: %w", err)
			}
			continue
		case err != nil:
			e.itemFailed(ctx, sess, link, fmt.Errorf("move event: %w", err))
			if sess.halted.Load() {
				return err
			}
			failed++
			continue
		}

		link.CalendarID = calendarID
		link.EventID = ptr(moved.Id)
		link.ETag = ptr(moved.Etag)
		if at := remoteUpdated(moved); !at.IsZero() {
			link.RemoteUpdatedAt = &at
		}
		if link.Status == store.LinkError {
			link.Status = store.LinkPending
			link.LastError = nil
		}
		if err := e.repos.Links.Save(ctx, link); err != nil {
			return fmt.Errorf("save migrated link: %w", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d events could not be moved to calendar %s", failed, calendarID)
	}
	return nil
}
