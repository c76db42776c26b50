package calsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/api/calendar/v3"

	"gitea.jw6.us/james/calsync/internal/gcal"
	"gitea.jw6.us/james/calsync/internal/store"
)

// push propagates every pending or errored link to the provider. Items are
// independent, so they are pushed in parallel; failures stay per item.
func (e *Engine) push(ctx context.Context, sess *session) {
	links, err := e.repos.Links.ListPending(ctx, sess.cred.UserID)
	if err != nil {
		e.phaseFailed(sess, "push", fmt.Errorf("list pending links: %w", err))
		return
	}

	var g errgroup.Group
	g.SetLimit(e.settings.PushConcurrency)
	for _, link := range links {
		link := link
		g.Go(func() error {
			if sess.halted.Load() || ctx.Err() != nil {
				return nil
			}
			if err := e.pushLink(ctx, sess, link); err != nil {
				e.itemFailed(ctx, sess, link, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// pushLink pushes one item. A nil return means the link reached a settled
// state: synced, deleted, or left pending behind a conflict.
func (e *Engine) pushLink(ctx context.Context, sess *session, link store.SyncLink) error {
	item, err := e.repos.Items.GetLinkedItem(ctx, link.ItemID)
	if errors.Is(err, store.ErrNotFound) {
		return e.pushDeletion(ctx, sess, link)
	}
	if err != nil {
		return fmt.Errorf("load item: %w", err)
	}
	if item.OwnerID() != link.UserID {
		return fmt.Errorf("item %s belongs to user %d, not %d", link.ItemID, item.OwnerID(), link.UserID)
	}

	hash, err := PayloadHash(item, e.settings.TimeZone)
	if err != nil {
		return err
	}
	cancelled := isCancelled(item)

	// Unchanged since the last sync.
	if link.LocalHash != nil && *link.LocalHash == hash && (link.HasEvent() || cancelled) {
		link.Status = store.LinkIdle
		link.LastError = nil
		return e.repos.Links.Save(ctx, link)
	}

	if cancelled {
		return e.pushCancellation(ctx, sess, link, hash)
	}

	payload, err := BuildEvent(item, e.settings.TimeZone)
	if err != nil {
		return err
	}

	if link.HasEvent() {
		saved, done, err := e.updateRemote(ctx, sess, &link, payload)
		if err != nil || done {
			return err
		}
		if saved != nil {
			return e.savePushed(ctx, sess, link, link.CalendarID, saved, hash)
		}
		// The remote event is gone; fall through to a single create.
	}

	target := sess.cred.CalendarID
	created, err := sess.provider.InsertEvent(ctx, target, payload)
	if err != nil {
		return err
	}
	return e.savePushed(ctx, sess, link, target, created, hash)
}

// updateRemote patches an existing event after checking that the remote
// copy has not moved on since we last saw it. It returns the patched event,
// or nil when the event has vanished and must be recreated. done is true
// when the push yielded to a conflict.
func (e *Engine) updateRemote(ctx context.Context, sess *session, link *store.SyncLink, payload *calendar.Event) (*calendar.Event, bool, error) {
	eventID := *link.EventID
	remote, err := sess.provider.GetEvent(ctx, link.CalendarID, eventID)
	switch {
	case gcal.IsKind(err, gcal.KindNotFound):
		return nil, false, e.relink(ctx, sess, link)
	case err != nil:
		return nil, false, err
	case remote.Status == eventCancelled:
		return nil, false, e.relink(ctx, sess, link)
	}

	remoteAt := remoteUpdated(remote)
	if link.RemoteUpdatedAt != nil && remoteAt.After(*link.RemoteUpdatedAt) {
		conflict := gcal.NewConflict(fmt.Sprintf("event %s updated remotely at %s after %s",
			eventID, remoteAt.UTC().Format(time.RFC3339), link.RemoteUpdatedAt.UTC().Format(time.RFC3339)))
		log.Printf("[INFO] push yielded to remote change user=%d calendar=%s item=%s: %v",
			sess.cred.UserID, link.CalendarID, link.ItemID, conflict)
		if err := e.repos.Links.MarkConflict(ctx, link.ItemID, conflict.Error()); err != nil {
			return nil, false, err
		}
		sess.count(&sess.sum.Conflicts)
		return nil, true, nil
	}

	patched, err := sess.provider.PatchEvent(ctx, link.CalendarID, eventID, payload)
	if gcal.IsKind(err, gcal.KindNotFound) {
		return nil, false, e.relink(ctx, sess, link)
	}
	if err != nil {
		return nil, false, err
	}
	return patched, false, nil
}

// relink forgets a vanished remote event so the item is created again.
func (e *Engine) relink(ctx context.Context, sess *session, link *store.SyncLink) error {
	log.Printf("[WARN] remote event missing, relinking user=%d calendar=%s item=%s event=%s",
		sess.cred.UserID, link.CalendarID, link.ItemID, deref(link.EventID))
	if err := e.repos.Links.ClearEvent(ctx, link.ItemID); err != nil {
		return err
	}
	link.EventID = nil
	link.ETag = nil
	link.LocalHash = nil
	link.RemoteUpdatedAt = nil
	return nil
}

func (e *Engine) savePushed(ctx context.Context, sess *session, link store.SyncLink, calendarID string, ev *calendar.Event, hash string) error {
	now := e.now()
	link.CalendarID = calendarID
	link.EventID = ptr(ev.Id)
	link.ETag = ptr(ev.Etag)
	link.LastSyncedAt = &now
	link.LastDirection = ptr(store.DirectionPush)
	link.LocalHash = ptr(hash)
	link.RemoteUpdatedAt = nil
	if at := remoteUpdated(ev); !at.IsZero() {
		link.RemoteUpdatedAt = &at
	}
	link.Status = store.LinkIdle
	link.LastError = nil
	if err := e.repos.Links.Save(ctx, link); err != nil {
		return err
	}
	sess.count(&sess.sum.Pushed)
	return nil
}

// pushDeletion removes the remote event of a locally deleted item, then the link.
func (e *Engine) pushDeletion(ctx context.Context, sess *session, link store.SyncLink) error {
	if link.HasEvent() {
		err := sess.provider.DeleteEvent(ctx, link.CalendarID, *link.EventID)
		if err != nil && !gcal.IsKind(err, gcal.KindNotFound) {
			return err
		}
	}
	if err := e.repos.Links.Delete(ctx, link.ItemID); err != nil {
		return err
	}
	sess.count(&sess.sum.Deleted)
	return nil
}

// pushCancellation removes the remote event of a cancelled item and keeps
// the link so a later reinstatement creates a fresh event.
func (e *Engine) pushCancellation(ctx context.Context, sess *session, link store.SyncLink, hash string) error {
	if link.HasEvent() {
		err := sess.provider.DeleteEvent(ctx, link.CalendarID, *link.EventID)
		if err != nil && !gcal.IsKind(err, gcal.KindNotFound) {
			return err
		}
		sess.count(&sess.sum.Deleted)
	}
	now := e.now()
	link.EventID = nil
	link.ETag = nil
	link.RemoteUpdatedAt = nil
	link.LastSyncedAt = &now
	link.LastDirection = ptr(store.DirectionPush)
	link.LocalHash = ptr(hash)
	link.Status = store.LinkIdle
	link.LastError = nil
	return e.repos.Links.Save(ctx, link)
}
