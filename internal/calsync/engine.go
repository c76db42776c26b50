package calsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"gitea.jw6.us/james/calsync/internal/auth"
	"gitea.jw6.us/james/calsync/internal/gcal"
	"gitea.jw6.us/james/calsync/internal/metrics"
	"gitea.jw6.us/james/calsync/internal/store"
)

// Repos are the repositories the engine reads and writes.
type Repos struct {
	Credentials   store.CredentialRepository
	Links         store.SyncLinkRepository
	Items         store.ItemRepository
	Collaborators store.CollaboratorRepository
}

// Settings tune a sync run.
type Settings struct {
	LookbackDays        int
	PushConcurrency     int
	ManagedCalendarName string
	TimeZone            *time.Location
	ACLRole             string
	ACLRevalidate       time.Duration
	MaxPages            int
}

func (s *Settings) normalize() {
	if s.PushConcurrency < 1 {
		s.PushConcurrency = 1
	}
	if s.ManagedCalendarName == "" {
		s.ManagedCalendarName = "Care Plan"
	}
	if s.TimeZone == nil {
		s.TimeZone = time.UTC
	}
	if s.ACLRole == "" {
		s.ACLRole = "writer"
	}
	if s.ACLRevalidate <= 0 {
		s.ACLRevalidate = 12 * time.Hour
	}
	if s.MaxPages <= 0 {
		s.MaxPages = 1000
	}
}

// Engine runs push/pull cycles and calendar provisioning for one user at a time.
type Engine struct {
	repos    Repos
	open     OpenFunc
	notifier Notifier
	locker   Locker
	settings Settings
	now      func() time.Time
}

// NewEngine wires an engine. notifier and locker may be nil.
func NewEngine(repos Repos, open OpenFunc, notifier Notifier, locker Locker, settings Settings) *Engine {
	settings.normalize()
	return &Engine{
		repos:    repos,
		open:     open,
		notifier: notifier,
		locker:   locker,
		settings: settings,
		now:      time.Now,
	}
}

// RunOptions select the phases of a run.
type RunOptions struct {
	Pull bool
}

// ItemError records one failure within a run. ItemID is empty for run-level failures.
type ItemError struct {
	ItemID  string    `json:"itemId,omitempty"`
	Kind    gcal.Kind `json:"kind,omitempty"`
	Message string    `json:"message"`
}

// Summary reports what a run did.
type Summary struct {
	RunID       string      `json:"runId"`
	UserID      int64       `json:"userId"`
	CalendarID  string      `json:"calendarId"`
	Pushed      int         `json:"pushed"`
	Pulled      int         `json:"pulled"`
	Deleted     int         `json:"deleted"`
	Conflicts   int         `json:"conflicts"`
	Shared      int         `json:"shared"`
	Errors      []ItemError `json:"errors"`
	NeedsReauth bool        `json:"needsReauth,omitempty"`
	Skipped     string      `json:"skipped,omitempty"`
}

// session is the per-run state shared by the phases.
type session struct {
	cred     *store.Credential
	provider Provider
	tokens   TokenReporter

	mu     sync.Mutex
	sum    *Summary
	halted atomic.Bool
}

func (s *session) count(field *int) {
	s.mu.Lock()
	*field++
	s.mu.Unlock()
}

func (s *session) addError(itemID string, err error) {
	s.mu.Lock()
	s.sum.Errors = append(s.sum.Errors, ItemError{ItemID: itemID, Kind: gcal.KindOf(err), Message: err.Error()})
	s.mu.Unlock()
}

// MarkItemPending flags an item for the next push. The link is created on
// first use and points at the user's active calendar.
func (e *Engine) MarkItemPending(ctx context.Context, userID int64, itemID string, itemType store.ItemType) error {
	if !itemType.Valid() {
		return fmt.Errorf("invalid item type %q", itemType)
	}
	calendarID := ""
	cred, err := e.repos.Credentials.Get(ctx, userID)
	switch {
	case err == nil:
		calendarID = cred.CalendarID
	case !errors.Is(err, store.ErrNotFound):
		return err
	}
	return e.repos.Links.MarkPending(ctx, userID, itemID, itemType, calendarID)
}

// Run executes one cycle for userID: managed calendar check, ACL pass, push,
// then pull when requested. The caller must hold the user's lock. Per-item
// and phase failures are reported in the summary; the returned error is
// reserved for failures that prevented the run from starting.
func (e *Engine) Run(ctx context.Context, userID int64, opts RunOptions) (*Summary, error) {
	start := e.now()
	ctx = metrics.WithRoute(ctx, "sync.run")
	sum := &Summary{RunID: uuid.NewString(), UserID: userID, Errors: []ItemError{}}

	sess, err := e.openSession(ctx, userID, sum)
	if err != nil || sess == nil {
		if err != nil {
			metrics.ObserveSyncRun("failed", start, 0, 0, 0)
		} else {
			metrics.ObserveSyncRun("skipped", start, 0, 0, 0)
		}
		return sum, err
	}
	defer e.persistTokens(ctx, sess)

	if needsManagedCalendar(sess.cred) {
		if _, _, err := e.ensureManagedCalendar(ctx, sess); err != nil {
			e.phaseFailed(sess, "managed calendar", err)
			e.finish(start, sess, "failed")
			return sum, nil
		}
	}
	sum.CalendarID = sess.cred.CalendarID

	if !sess.halted.Load() {
		if _, err := e.shareCalendar(ctx, sess); err != nil {
			e.phaseFailed(sess, "acl", err)
		}
	}
	if !sess.halted.Load() {
		e.push(ctx, sess)
	}
	if opts.Pull && !sess.halted.Load() {
		if err := e.pull(ctx, sess); err != nil {
			e.phaseFailed(sess, "pull", err)
		}
	}

	outcome := "ok"
	switch {
	case sess.halted.Load():
		outcome = "reauth"
	case len(sum.Errors) > 0:
		outcome = "partial"
	}
	e.finish(start, sess, outcome)

	if sum.Pulled > 0 && e.notifier != nil {
		e.notifier.PlanUpdated(ctx, userID, *sum)
	}
	return sum, nil
}

// RunExclusive takes the user's lock, runs once and releases it.
func (e *Engine) RunExclusive(ctx context.Context, userID int64, opts RunOptions) (*Summary, error) {
	unlock, err := e.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return e.Run(ctx, userID, opts)
}

// EnsureManagedCalendar resolves or creates the user's managed calendar
// under the user's lock and returns its id.
func (e *Engine) EnsureManagedCalendar(ctx context.Context, userID int64) (string, bool, error) {
	unlock, err := e.lock(ctx, userID)
	if err != nil {
		return "", false, err
	}
	defer unlock()

	sum := &Summary{RunID: uuid.NewString(), UserID: userID}
	sess, err := e.openSession(ctx, userID, sum)
	if err != nil {
		return "", false, err
	}
	if sess == nil {
		return "", false, ErrNotConnected
	}
	defer e.persistTokens(ctx, sess)
	return e.ensureManagedCalendar(ctx, sess)
}

// ShareCalendar runs an ACL pass for the user's managed calendar under the user's lock.
func (e *Engine) ShareCalendar(ctx context.Context, userID int64) (ACLResult, error) {
	unlock, err := e.lock(ctx, userID)
	if err != nil {
		return ACLResult{}, err
	}
	defer unlock()

	sum := &Summary{RunID: uuid.NewString(), UserID: userID}
	sess, err := e.openSession(ctx, userID, sum)
	if err != nil {
		return ACLResult{}, err
	}
	if sess == nil {
		return ACLResult{}, ErrNotConnected
	}
	defer e.persistTokens(ctx, sess)
	if needsManagedCalendar(sess.cred) {
		if _, _, err := e.ensureManagedCalendar(ctx, sess); err != nil {
			return ACLResult{}, err
		}
	}
	return e.shareCalendar(ctx, sess)
}

// Status describes a user's sync state.
type Status struct {
	UserID        int64                    `json:"userId"`
	Connected     bool                     `json:"connected"`
	NeedsReauth   bool                     `json:"needsReauth"`
	ReauthReason  string                   `json:"reauthReason,omitempty"`
	CalendarID    string                   `json:"calendarId,omitempty"`
	ManagedState  store.ManagedState       `json:"managedState,omitempty"`
	LastPulledAt  *time.Time               `json:"lastPulledAt,omitempty"`
	ACLVerifiedAt *time.Time               `json:"aclVerifiedAt,omitempty"`
	Links         map[store.LinkStatus]int `json:"links"`
}

// Status reports the user's credential and link state.
func (e *Engine) Status(ctx context.Context, userID int64) (*Status, error) {
	st := &Status{UserID: userID}
	cred, err := e.repos.Credentials.Get(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		st.Connected = cred.RefreshToken != ""
		st.NeedsReauth = cred.NeedsReauth
		if cred.ReauthReason != nil {
			st.ReauthReason = *cred.ReauthReason
		}
		st.CalendarID = cred.CalendarID
		st.ManagedState = cred.ManagedState
		st.LastPulledAt = cred.LastPulledAt
		st.ACLVerifiedAt = cred.ACLVerifiedAt
	}
	counts, err := e.repos.Links.CountByStatus(ctx, userID)
	if err != nil {
		return nil, err
	}
	st.Links = counts
	return st, nil
}

func (e *Engine) lock(ctx context.Context, userID int64) (func(), error) {
	if e.locker == nil {
		return func() {}, nil
	}
	unlock, ok, err := e.locker.TryLock(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.LockBusy()
		return nil, ErrBusy
	}
	return unlock, nil
}

// openSession loads the credential and opens the provider. A nil session
// with nil error means the user is not eligible for sync; sum.Skipped says why.
func (e *Engine) openSession(ctx context.Context, userID int64, sum *Summary) (*session, error) {
	cred, err := e.repos.Credentials.Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		sum.Skipped = "no_credential"
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if cred.NeedsReauth {
		sum.Skipped = "needs_reauth"
		sum.NeedsReauth = true
		return nil, nil
	}
	if cred.RefreshToken == "" && cred.AccessToken == "" {
		sum.Skipped = "no_tokens"
		return nil, nil
	}
	provider, tokens, err := e.open(ctx, cred)
	if err != nil {
		return nil, fmt.Errorf("open calendar provider: %w", err)
	}
	sum.CalendarID = cred.CalendarID
	return &session{cred: cred, provider: provider, tokens: tokens, sum: sum}, nil
}

func needsManagedCalendar(cred *store.Credential) bool {
	return cred.ManagedState != store.ManagedActive || cred.ManagedCalendarID == nil ||
		*cred.ManagedCalendarID != cred.CalendarID
}

// itemFailed records a per-item failure without aborting the run.
func (e *Engine) itemFailed(ctx context.Context, sess *session, link store.SyncLink, err error) {
	e.checkAuth(ctx, sess, err)
	log.Printf("[ERROR] sync item failed user=%d calendar=%s item=%s kind=%s: %v",
		sess.cred.UserID, link.CalendarID, link.ItemID, gcal.KindOf(err), err)
	if markErr := e.repos.Links.MarkError(ctx, link.ItemID, err.Error()); markErr != nil {
		log.Printf("[ERROR] record link error user=%d item=%s: %v", sess.cred.UserID, link.ItemID, markErr)
	}
	sess.addError(link.ItemID, err)
}

// phaseFailed records a run-level failure.
func (e *Engine) phaseFailed(sess *session, phase string, err error) {
	log.Printf("[ERROR] sync %s failed user=%d calendar=%s kind=%s: %v",
		phase, sess.cred.UserID, sess.cred.CalendarID, gcal.KindOf(err), err)
	sess.addError("", fmt.Errorf("%s: %w", phase, err))
}

// checkAuth flags the credential for re-consent on the first auth failure
// and halts the remaining work of the run.
func (e *Engine) checkAuth(ctx context.Context, sess *session, err error) bool {
	if !gcal.IsKind(err, gcal.KindAuthInvalid) {
		return false
	}
	if sess.halted.CompareAndSwap(false, true) {
		log.Printf("[WARN] credential needs reauthorization user=%d: %v", sess.cred.UserID, err)
		if markErr := e.repos.Credentials.MarkNeedsReauth(ctx, sess.cred.UserID, err.Error()); markErr != nil {
			log.Printf("[ERROR] mark needs reauth user=%d: %v", sess.cred.UserID, markErr)
		}
		sess.mu.Lock()
		sess.sum.NeedsReauth = true
		sess.mu.Unlock()
	}
	return true
}

// persistTokens writes back an access token refreshed during the run.
func (e *Engine) persistTokens(ctx context.Context, sess *session) {
	if sess.tokens == nil || sess.halted.Load() {
		return
	}
	tok, ok := sess.tokens.Refreshed()
	if !ok {
		return
	}
	if err := e.repos.Credentials.UpdateTokens(context.WithoutCancel(ctx), sess.cred.UserID, auth.AuthorizationFromToken(tok)); err != nil {
		log.Printf("[ERROR] persist refreshed token user=%d: %v", sess.cred.UserID, err)
	}
}

func (e *Engine) finish(start time.Time, sess *session, outcome string) {
	sum := sess.sum
	metrics.ObserveSyncRun(outcome, start, sum.Pushed, sum.Pulled, sum.Deleted)
	log.Printf("[INFO] sync run=%s user=%d calendar=%s outcome=%s pushed=%d pulled=%d deleted=%d conflicts=%d errors=%d duration=%s",
		sum.RunID, sum.UserID, sum.CalendarID, outcome, sum.Pushed, sum.Pulled, sum.Deleted, sum.Conflicts,
		len(sum.Errors), e.now().Sub(start).Round(time.Millisecond))
}

func ptr[T any](v T) *T { return &v }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
