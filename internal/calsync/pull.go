package calsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"google.golang.org/api/calendar/v3"

	"gitea.jw6.us/james/calsync/internal/gcal"
	"gitea.jw6.us/james/calsync/internal/store"
)

var errTooManyPages = errors.New("incremental listing exceeded page limit")

// pull applies remote changes since the stored cursor. An invalidated
// cursor is dropped and the pull restarts once as a full bootstrap.
func (e *Engine) pull(ctx context.Context, sess *session) error {
	cred := sess.cred
	calendarID := cred.CalendarID
	syncToken := deref(cred.SyncToken)

	for attempt := 0; ; attempt++ {
		next, err := e.pullPages(ctx, sess, calendarID, syncToken)
		if gcal.IsKind(err, gcal.KindTokenInvalid) && attempt == 0 {
			log.Printf("[WARN] sync cursor invalidated, resyncing user=%d calendar=%s", cred.UserID, calendarID)
			if err := e.repos.Credentials.ResetSyncCursor(ctx, cred.UserID); err != nil {
				return fmt.Errorf("reset sync cursor: %w", err)
			}
			cred.SyncToken = nil
			cred.LastPulledAt = nil
			syncToken = ""
			continue
		}
		if err != nil {
			e.checkAuth(ctx, sess, err)
			return err
		}
		if next == "" {
			return nil
		}

		pulledAt := e.now()
		err = e.repos.Credentials.SaveSyncCursor(ctx, cred.UserID, calendarID, next, pulledAt)
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("[WARN] active calendar changed during pull, cursor dropped user=%d calendar=%s", cred.UserID, calendarID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("save sync cursor: %w", err)
		}
		cred.SyncToken = &next
		cred.LastPulledAt = &pulledAt
		return nil
	}
}

// pullPages walks every page of one listing and returns the terminal cursor.
func (e *Engine) pullPages(ctx context.Context, sess *session, calendarID, syncToken string) (string, error) {
	q := gcal.ListQuery{SyncToken: syncToken}
	if syncToken == "" && e.settings.LookbackDays > 0 {
		q.TimeMin = pullWindowStart(e.now(), e.settings.LookbackDays)
	}

	for page := 0; page < e.settings.MaxPages; page++ {
		res, err := sess.provider.ListEvents(ctx, calendarID, q)
		if err != nil {
			return "", err
		}
		for _, ev := range res.Items {
			if sess.halted.Load() {
				return "", nil
			}
			if err := e.applyRemote(ctx, sess, calendarID, ev); err != nil {
				if e.checkAuth(ctx, sess, err) {
					return "", err
				}
				log.Printf("[ERROR] pull item failed user=%d calendar=%s event=%s kind=%s: %v",
					sess.cred.UserID, calendarID, ev.Id, gcal.KindOf(err), err)
				itemID := ""
				if ref, ok := ExtractItemRef(ev); ok {
					itemID = ref.ItemID
				}
				sess.addError(itemID, fmt.Errorf("pull event %s: %w", ev.Id, err))
			}
		}
		if res.NextPageToken == "" {
			return res.NextSyncToken, nil
		}
		q.PageToken = res.NextPageToken
	}
	return "", fmt.Errorf("%w (%d)", errTooManyPages, e.settings.MaxPages)
}

// applyRemote reconciles one remote event with its local item.
func (e *Engine) applyRemote(ctx context.Context, sess *session, calendarID string, ev *calendar.Event) error {
	userID := sess.cred.UserID
	link, itemID, err := e.resolveLink(ctx, userID, ev)
	if err != nil || itemID == "" {
		return err
	}
	// An older event of a relinked item.
	if link != nil && link.HasEvent() && *link.EventID != ev.Id {
		return nil
	}

	updatedAt := remoteUpdated(ev)
	// Our own write coming back.
	if link != nil && link.RemoteUpdatedAt != nil && !updatedAt.After(*link.RemoteUpdatedAt) {
		return nil
	}

	item, err := e.repos.Items.GetLinkedItem(ctx, itemID)
	if errors.Is(err, store.ErrNotFound) {
		item = nil
	} else if err != nil {
		return fmt.Errorf("load item: %w", err)
	}
	if item != nil && item.OwnerID() != userID {
		return nil
	}

	if item == nil {
		// Deleted locally. A live remote event is removed by the pending push.
		if ev.Status == eventCancelled && link != nil {
			if err := e.repos.Links.Delete(ctx, itemID); err != nil {
				return err
			}
			sess.count(&sess.sum.Deleted)
		}
		return nil
	}

	fresh := link == nil
	if fresh {
		link = &store.SyncLink{ItemID: itemID, UserID: userID, ItemType: item.ItemType(), Status: store.LinkIdle}
	}
	// Adopt the event so a later push patches it instead of creating another.
	if !link.HasEvent() && ev.Status != eventCancelled {
		link.CalendarID = calendarID
		link.EventID = ptr(ev.Id)
		link.ETag = ptr(ev.Etag)
	}

	// Local edit newer than the remote one: keep it pending for push, and
	// remember the remote time so the push does not treat it as a conflict.
	if !fresh && link.Status != store.LinkIdle && item.ModifiedAt().After(updatedAt) {
		link.RemoteUpdatedAt = &updatedAt
		link.ETag = ptr(ev.Etag)
		link.Status = store.LinkPending
		return e.repos.Links.Save(ctx, *link)
	}

	changed, err := ApplyEvent(item, ev, e.settings.TimeZone)
	if err != nil {
		return err
	}
	if changed {
		if err := e.saveItem(ctx, item); err != nil {
			return err
		}
	}
	hash, err := PayloadHash(item, e.settings.TimeZone)
	if err != nil {
		return err
	}

	now := e.now()
	link.CalendarID = calendarID
	link.LastSyncedAt = &now
	link.LastDirection = ptr(store.DirectionPull)
	link.LocalHash = &hash
	link.Status = store.LinkIdle
	link.LastError = nil
	if ev.Status == eventCancelled {
		link.EventID = nil
		link.ETag = nil
		link.RemoteUpdatedAt = nil
	} else {
		link.EventID = ptr(ev.Id)
		link.ETag = ptr(ev.Etag)
		link.RemoteUpdatedAt = &updatedAt
	}
	if err := e.repos.Links.Save(ctx, *link); err != nil {
		return err
	}
	if changed {
		sess.count(&sess.sum.Pulled)
	}
	return nil
}

// resolveLink finds the local item for ev through its embedded reference,
// falling back to the link table. An empty item id means ev is not ours.
func (e *Engine) resolveLink(ctx context.Context, userID int64, ev *calendar.Event) (*store.SyncLink, string, error) {
	if ref, ok := ExtractItemRef(ev); ok {
		link, err := e.repos.Links.Get(ctx, ref.ItemID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, ref.ItemID, nil
		case err != nil:
			return nil, "", err
		case link.UserID != userID:
			return nil, "", nil
		}
		return link, link.ItemID, nil
	}

	link, err := e.repos.Links.GetByEventID(ctx, userID, ev.Id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	return link, link.ItemID, nil
}

func (e *Engine) saveItem(ctx context.Context, item store.Schedulable) error {
	switch it := item.(type) {
	case *store.Appointment:
		return e.repos.Items.SaveAppointment(ctx, it)
	case *store.Bill:
		return e.repos.Items.SaveBill(ctx, it)
	}
	return fmt.Errorf("unsupported item type %T", item)
}

// pullWindowStart is the lower bound of a bootstrap listing.
func pullWindowStart(now time.Time, lookbackDays int) time.Time {
	return now.AddDate(0, 0, -lookbackDays)
}
