package calsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/calendar/v3"

	"gitea.jw6.us/james/calsync/internal/gcal"
	"gitea.jw6.us/james/calsync/internal/store"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeProvider is an in-memory calendar account.
type fakeProvider struct {
	mu        sync.Mutex
	clock     time.Time
	seq       int
	calendars map[string]*calendar.Calendar
	events    map[string]map[string]*calendar.Event
	acl       map[string][]*calendar.AclRule

	// errs queues failures per operation; each call pops one.
	errs   map[string][]error
	listFn func(calendarID string, q gcal.ListQuery) (*calendar.Events, error)

	calls map[string]int
	lists []gcal.ListQuery
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		clock:     baseTime,
		calendars: map[string]*calendar.Calendar{},
		events:    map[string]map[string]*calendar.Event{},
		acl:       map[string][]*calendar.AclRule{},
		errs:      map[string][]error{},
		calls:     map[string]int{},
	}
}

func (p *fakeProvider) failNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[op] = append(p.errs[op], err)
}

func (p *fakeProvider) count(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *fakeProvider) addCalendar(id, summary string) {
	p.calendars[id] = &calendar.Calendar{Id: id, Summary: summary}
}

func (p *fakeProvider) putEvent(calendarID string, ev *calendar.Event) {
	if p.events[calendarID] == nil {
		p.events[calendarID] = map[string]*calendar.Event{}
	}
	p.events[calendarID][ev.Id] = ev
}

func (p *fakeProvider) event(calendarID, id string) *calendar.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[calendarID][id]
}

// enter records a call and returns a queued failure, if any. p.mu must be held.
func (p *fakeProvider) enter(op string) error {
	p.calls[op]++
	if q := p.errs[op]; len(q) > 0 {
		p.errs[op] = q[1:]
		return q[0]
	}
	return nil
}

func (p *fakeProvider) tick() string {
	p.clock = p.clock.Add(time.Second)
	return p.clock.Format(time.RFC3339)
}

func (p *fakeProvider) nextID(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s-%d", prefix, p.seq)
}

func notFound() error {
	return &gcal.Error{Kind: gcal.KindNotFound, Status: 404}
}

func cloneEvent(ev *calendar.Event) *calendar.Event {
	c := *ev
	if ev.ExtendedProperties != nil {
		priv := make(map[string]string, len(ev.ExtendedProperties.Private))
		for k, v := range ev.ExtendedProperties.Private {
			priv[k] = v
		}
		c.ExtendedProperties = &calendar.EventExtendedProperties{Private: priv}
	}
	return &c
}

func (p *fakeProvider) ListEvents(_ context.Context, calendarID string, q gcal.ListQuery) (*calendar.Events, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("events.list"); err != nil {
		return nil, err
	}
	p.lists = append(p.lists, q)
	if p.listFn != nil {
		return p.listFn(calendarID, q)
	}
	var ids []string
	for id := range p.events[calendarID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	res := &calendar.Events{NextSyncToken: p.nextID("sync")}
	for _, id := range ids {
		res.Items = append(res.Items, cloneEvent(p.events[calendarID][id]))
	}
	return res, nil
}

func (p *fakeProvider) GetEvent(_ context.Context, calendarID, eventID string) (*calendar.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("events.get"); err != nil {
		return nil, err
	}
	ev, ok := p.events[calendarID][eventID]
	if !ok {
		return nil, notFound()
	}
	return cloneEvent(ev), nil
}

func (p *fakeProvider) InsertEvent(_ context.Context, calendarID string, ev *calendar.Event) (*calendar.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("events.insert"); err != nil {
		return nil, err
	}
	stored := cloneEvent(ev)
	stored.Id = p.nextID("ev")
	stored.Etag = p.nextID("etag")
	stored.Updated = p.tick()
	p.putEvent(calendarID, stored)
	return cloneEvent(stored), nil
}

func (p *fakeProvider) PatchEvent(_ context.Context, calendarID, eventID string, ev *calendar.Event) (*calendar.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("events.patch"); err != nil {
		return nil, err
	}
	if _, ok := p.events[calendarID][eventID]; !ok {
		return nil, notFound()
	}
	stored := cloneEvent(ev)
	stored.Id = eventID
	stored.Etag = p.nextID("etag")
	stored.Updated = p.tick()
	p.putEvent(calendarID, stored)
	return cloneEvent(stored), nil
}

func (p *fakeProvider) DeleteEvent(_ context.Context, calendarID, eventID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("events.delete"); err != nil {
		return err
	}
	if _, ok := p.events[calendarID][eventID]; !ok {
		return notFound()
	}
	delete(p.events[calendarID], eventID)
	return nil
}

func (p *fakeProvider) MoveEvent(_ context.Context, calendarID, eventID, destination string) (*calendar.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("events.move"); err != nil {
		return nil, err
	}
	ev, ok := p.events[calendarID][eventID]
	if !ok {
		return nil, notFound()
	}
	delete(p.events[calendarID], eventID)
	ev.Etag = p.nextID("etag")
	ev.Updated = p.tick()
	p.putEvent(destination, ev)
	return cloneEvent(ev), nil
}

func (p *fakeProvider) GetCalendar(_ context.Context, calendarID string) (*calendar.Calendar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("calendars.get"); err != nil {
		return nil, err
	}
	cal, ok := p.calendars[calendarID]
	if !ok {
		return nil, notFound()
	}
	c := *cal
	return &c, nil
}

func (p *fakeProvider) InsertCalendar(_ context.Context, summary, timeZone string) (*calendar.Calendar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("calendars.insert"); err != nil {
		return nil, err
	}
	cal := &calendar.Calendar{Id: p.nextID("cal"), Summary: summary, TimeZone: timeZone}
	p.calendars[cal.Id] = cal
	c := *cal
	return &c, nil
}

func (p *fakeProvider) ListCalendars(_ context.Context) ([]*calendar.CalendarListEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("calendarList.list"); err != nil {
		return nil, err
	}
	var ids []string
	for id := range p.calendars {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []*calendar.CalendarListEntry
	for _, id := range ids {
		out = append(out, &calendar.CalendarListEntry{Id: id, Summary: p.calendars[id].Summary})
	}
	return out, nil
}

func (p *fakeProvider) ListACL(_ context.Context, calendarID string) ([]*calendar.AclRule, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("acl.list"); err != nil {
		return nil, err
	}
	return append([]*calendar.AclRule(nil), p.acl[calendarID]...), nil
}

func (p *fakeProvider) InsertACL(_ context.Context, calendarID string, rule *calendar.AclRule) (*calendar.AclRule, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("acl.insert"); err != nil {
		return nil, err
	}
	r := *rule
	r.Id = "user:" + rule.Scope.Value
	p.acl[calendarID] = append(p.acl[calendarID], &r)
	return &r, nil
}

// fakeCredentials is an in-memory CredentialRepository.
type fakeCredentials struct {
	mu       sync.Mutex
	creds    map[int64]*store.Credential
	reauth   []string
	aclSaves int
	applied  []store.ManagedCalendarUpdate
	tokens   []store.AuthorizationUpdate
}

func (f *fakeCredentials) Get(_ context.Context, userID int64) (*store.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.creds[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCredentials) ListSyncable(_ context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for id, c := range f.creds {
		if !c.NeedsReauth && c.RefreshToken != "" {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f *fakeCredentials) SaveAuthorization(_ context.Context, userID int64, auth store.AuthorizationUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds[userID] = &store.Credential{UserID: userID, AccessToken: auth.AccessToken, RefreshToken: auth.RefreshToken, ManagedState: store.ManagedNone}
	return nil
}

func (f *fakeCredentials) UpdateTokens(_ context.Context, _ int64, auth store.AuthorizationUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, auth)
	return nil
}

func (f *fakeCredentials) SaveSyncCursor(_ context.Context, userID int64, calendarID, syncToken string, pulledAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.creds[userID]
	if !ok || c.CalendarID != calendarID {
		return store.ErrNotFound
	}
	c.SyncToken = &syncToken
	c.LastPulledAt = &pulledAt
	return nil
}

func (f *fakeCredentials) ResetSyncCursor(_ context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.creds[userID]; ok {
		c.SyncToken = nil
		c.LastPulledAt = nil
	}
	return nil
}

func (f *fakeCredentials) ApplyManagedCalendar(_ context.Context, userID int64, update store.ManagedCalendarUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.creds[userID]
	if !ok {
		return store.ErrNotFound
	}
	f.applied = append(f.applied, update)
	if c.CalendarID != update.CalendarID {
		c.SyncToken = nil
		c.LastPulledAt = nil
	}
	c.CalendarID = update.CalendarID
	c.ManagedCalendarID = ptr(update.CalendarID)
	c.ManagedCalendarName = ptr(update.Name)
	c.ManagedState = store.ManagedActive
	if update.LegacyCalendarID != nil {
		c.LegacyCalendarID = update.LegacyCalendarID
	}
	return nil
}

func (f *fakeCredentials) SaveACLState(_ context.Context, userID int64, role string, verifiedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aclSaves++
	if c, ok := f.creds[userID]; ok {
		c.ACLRole = &role
		c.ACLVerifiedAt = &verifiedAt
	}
	return nil
}

func (f *fakeCredentials) MarkNeedsReauth(_ context.Context, userID int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reauth = append(f.reauth, reason)
	if c, ok := f.creds[userID]; ok {
		c.NeedsReauth = true
		c.ReauthReason = &reason
	}
	return nil
}

// fakeLinks is an in-memory SyncLinkRepository.
type fakeLinks struct {
	mu    sync.Mutex
	links map[string]*store.SyncLink
}

func (f *fakeLinks) Get(_ context.Context, itemID string) (*store.SyncLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.links[itemID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (f *fakeLinks) GetByEventID(_ context.Context, userID int64, eventID string) (*store.SyncLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.links {
		if l.UserID == userID && l.EventID != nil && *l.EventID == eventID {
			cp := *l
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeLinks) filter(keep func(*store.SyncLink) bool) []store.SyncLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.SyncLink
	for _, l := range f.links {
		if keep(l) {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

func (f *fakeLinks) ListPending(_ context.Context, userID int64) ([]store.SyncLink, error) {
	return f.filter(func(l *store.SyncLink) bool {
		return l.UserID == userID && (l.Status == store.LinkPending || l.Status == store.LinkError)
	}), nil
}

func (f *fakeLinks) ListOutsideCalendar(_ context.Context, userID int64, calendarID string) ([]store.SyncLink, error) {
	return f.filter(func(l *store.SyncLink) bool {
		return l.UserID == userID && l.CalendarID != calendarID
	}), nil
}

func (f *fakeLinks) CountByStatus(_ context.Context, userID int64) (map[store.LinkStatus]int, error) {
	counts := map[store.LinkStatus]int{}
	for _, l := range f.filter(func(l *store.SyncLink) bool { return l.UserID == userID }) {
		counts[l.Status]++
	}
	return counts, nil
}

func (f *fakeLinks) MarkPending(_ context.Context, userID int64, itemID string, itemType store.ItemType, calendarID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.links[itemID]; ok {
		l.Status = store.LinkPending
		l.LastError = nil
		return nil
	}
	f.links[itemID] = &store.SyncLink{ItemID: itemID, UserID: userID, ItemType: itemType, CalendarID: calendarID, Status: store.LinkPending}
	return nil
}

func (f *fakeLinks) Save(_ context.Context, link store.SyncLink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links[link.ItemID] = &link
	return nil
}

func (f *fakeLinks) update(itemID string, fn func(*store.SyncLink)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.links[itemID]; ok {
		fn(l)
	}
	return nil
}

func (f *fakeLinks) MarkError(_ context.Context, itemID, message string) error {
	return f.update(itemID, func(l *store.SyncLink) {
		l.Status = store.LinkError
		l.LastError = &message
	})
}

func (f *fakeLinks) MarkConflict(_ context.Context, itemID, message string) error {
	return f.update(itemID, func(l *store.SyncLink) {
		l.Status = store.LinkPending
		l.LastError = &message
	})
}

func (f *fakeLinks) ClearEvent(_ context.Context, itemID string) error {
	return f.update(itemID, func(l *store.SyncLink) {
		l.EventID, l.ETag, l.LocalHash, l.RemoteUpdatedAt = nil, nil, nil, nil
		l.Status = store.LinkPending
	})
}

func (f *fakeLinks) Delete(_ context.Context, itemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.links, itemID)
	return nil
}

func (f *fakeLinks) link(itemID string) *store.SyncLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.links[itemID]
	if !ok {
		return nil
	}
	cp := *l
	return &cp
}

// fakeItems is an in-memory ItemRepository.
type fakeItems struct {
	mu    sync.Mutex
	items map[string]store.Schedulable
	saves int
}

func (f *fakeItems) GetLinkedItem(_ context.Context, itemID string) (store.Schedulable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch it := f.items[itemID].(type) {
	case *store.Appointment:
		cp := *it
		return &cp, nil
	case *store.Bill:
		cp := *it
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeItems) SaveAppointment(_ context.Context, appt *store.Appointment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *appt
	f.items[appt.ID] = &cp
	f.saves++
	return nil
}

func (f *fakeItems) SaveBill(_ context.Context, bill *store.Bill) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *bill
	f.items[bill.ID] = &cp
	f.saves++
	return nil
}

func (f *fakeItems) appointment(id string) *store.Appointment {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, _ := f.items[id].(*store.Appointment)
	return a
}

type fakeCollaborators map[int64][]store.Collaborator

func (f fakeCollaborators) ListAccepted(_ context.Context, userID int64) ([]store.Collaborator, error) {
	return f[userID], nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []Summary
}

func (n *recordingNotifier) PlanUpdated(_ context.Context, _ int64, summary Summary) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, summary)
}

// harness wires an engine to in-memory fakes for user 1, whose managed
// calendar "cal-managed" is already active.
type harness struct {
	provider *fakeProvider
	creds    *fakeCredentials
	links    *fakeLinks
	items    *fakeItems
	collabs  fakeCollaborators
	notifier *recordingNotifier
	engine   *Engine
	now      time.Time
}

const (
	testUser     = int64(1)
	testCalendar = "cal-managed"
)

func newHarness() *harness {
	h := &harness{
		provider: newFakeProvider(),
		creds:    &fakeCredentials{creds: map[int64]*store.Credential{}},
		links:    &fakeLinks{links: map[string]*store.SyncLink{}},
		items:    &fakeItems{items: map[string]store.Schedulable{}},
		collabs:  fakeCollaborators{},
		notifier: &recordingNotifier{},
		now:      baseTime,
	}
	h.provider.addCalendar(testCalendar, "Care Plan")
	h.creds.creds[testUser] = &store.Credential{
		UserID:              testUser,
		AccessToken:         "access",
		RefreshToken:        "refresh",
		CalendarID:          testCalendar,
		ManagedCalendarID:   ptr(testCalendar),
		ManagedCalendarName: ptr("Care Plan"),
		ManagedState:        store.ManagedActive,
	}
	open := func(context.Context, *store.Credential) (Provider, TokenReporter, error) {
		return h.provider, nil, nil
	}
	h.engine = NewEngine(Repos{
		Credentials:   h.creds,
		Links:         h.links,
		Items:         h.items,
		Collaborators: h.collabs,
	}, open, h.notifier, nil, Settings{LookbackDays: 30, PushConcurrency: 4})
	h.engine.now = func() time.Time { return h.now }
	return h
}

func (h *harness) addAppointment(id, title string, updated time.Time) *store.Appointment {
	a := &store.Appointment{
		ID:        id,
		UserID:    testUser,
		Title:     title,
		StartsAt:  time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
		EndsAt:    time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC),
		Status:    store.StatusScheduled,
		UpdatedAt: updated,
	}
	h.items.items[id] = a
	return a
}

func (h *harness) markPending(itemID string) {
	if err := h.engine.MarkItemPending(context.Background(), testUser, itemID, store.ItemAppointment); err != nil {
		panic(err)
	}
}

func (h *harness) run(pull bool) *Summary {
	sum, err := h.engine.Run(context.Background(), testUser, RunOptions{Pull: pull})
	if err != nil {
		panic(err)
	}
	return sum
}

func errorMessages(sum *Summary) string {
	var msgs []string
	for _, e := range sum.Errors {
		msgs = append(msgs, e.Message)
	}
	return strings.Join(msgs, "; ")
}
