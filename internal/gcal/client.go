package gcal

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"gitea.jw6.us/james/calsync/internal/metrics"
)

const (
	opListEvents     = "events.list"
	opGetEvent       = "events.get"
	opInsertEvent    = "events.insert"
	opPatchEvent     = "events.patch"
	opDeleteEvent    = "events.delete"
	opMoveEvent      = "events.move"
	opGetCalendar    = "calendars.get"
	opInsertCalendar = "calendars.insert"
	opListCalendars  = "calendarList.list"
	opListACL        = "acl.list"
	opInsertACL      = "acl.insert"
)

// Limiter paces provider calls per key.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Options configure a Client.
type Options struct {
	// Timeout bounds every remote call. Zero means 20s.
	Timeout time.Duration
	// Limiter and LimitKey pace calls; nil disables pacing.
	Limiter  Limiter
	LimitKey string
	// Endpoint overrides the API base URL.
	Endpoint string
	// Base is the transport under the OAuth2 layer.
	Base http.RoundTripper
}

// ListQuery selects one page of an incremental event listing.
type ListQuery struct {
	SyncToken string
	PageToken string
	// TimeMin bounds a bootstrap listing. Ignored when SyncToken is set.
	TimeMin time.Time
}

// Client is a Google Calendar v3 client whose errors are always *Error.
type Client struct {
	svc      *calendar.Service
	timeout  time.Duration
	limiter  Limiter
	limitKey string
}

// New builds a client authenticating through ts.
func New(ctx context.Context, ts oauth2.TokenSource, opts Options) (*Client, error) {
	httpClient := &http.Client{Transport: &oauth2.Transport{Source: ts, Base: opts.Base}}
	copts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if opts.Endpoint != "" {
		copts = append(copts, option.WithEndpoint(opts.Endpoint))
	}
	svc, err := calendar.NewService(ctx, copts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{svc: svc, timeout: timeout, limiter: opts.Limiter, limitKey: opts.LimitKey}, nil
}

// do paces, bounds and classifies one remote call.
func (c *Client) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.limitKey); err != nil {
			err = classify(op, err)
			metrics.ObserveProviderCall(op, string(KindOf(err)), start)
			return err
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := classify(op, fn(callCtx))
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
	}
	metrics.ObserveProviderCall(op, outcome, start)
	return err
}

// ListEvents fetches one page, including cancelled events and expanded instances.
func (c *Client) ListEvents(ctx context.Context, calendarID string, q ListQuery) (*calendar.Events, error) {
	var out *calendar.Events
	err := c.do(ctx, opListEvents, func(ctx context.Context) error {
		call := c.svc.Events.List(calendarID).ShowDeleted(true).SingleEvents(true).MaxResults(250)
		if q.SyncToken != "" {
			call = call.SyncToken(q.SyncToken)
		} else if !q.TimeMin.IsZero() {
			call = call.TimeMin(q.TimeMin.UTC().Format(time.RFC3339))
		}
		if q.PageToken != "" {
			call = call.PageToken(q.PageToken)
		}
		var err error
		out, err = call.Context(ctx).Do()
		return err
	})
	return out, err
}

func (c *Client) GetEvent(ctx context.Context, calendarID, eventID string) (*calendar.Event, error) {
	var out *calendar.Event
	err := c.do(ctx, opGetEvent, func(ctx context.Context) error {
		var err error
		out, err = c.svc.Events.Get(calendarID, eventID).Context(ctx).Do()
		return err
	})
	return out, err
}

func (c *Client) InsertEvent(ctx context.Context, calendarID string, ev *calendar.Event) (*calendar.Event, error) {
	var out *calendar.Event
	err := c.do(ctx, opInsertEvent, func(ctx context.Context) error {
		var err error
		out, err = c.svc.Events.Insert(calendarID, ev).Context(ctx).Do()
		return err
	})
	return out, err
}

func (c *Client) PatchEvent(ctx context.Context, calendarID, eventID string, ev *calendar.Event) (*calendar.Event, error) {
	var out *calendar.Event
	err := c.do(ctx, opPatchEvent, func(ctx context.Context) error {
		var err error
		out, err = c.svc.Events.Patch(calendarID, eventID, ev).Context(ctx).Do()
		return err
	})
	return out, err
}

func (c *Client) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	return c.do(ctx, opDeleteEvent, func(ctx context.Context) error {
		return c.svc.Events.Delete(calendarID, eventID).Context(ctx).Do()
	})
}

// MoveEvent changes an event's organizer calendar.
func (c *Client) MoveEvent(ctx context.Context, calendarID, eventID, destination string) (*calendar.Event, error) {
	var out *calendar.Event
	err := c.do(ctx, opMoveEvent, func(ctx context.Context) error {
		var err error
		out, err = c.svc.Events.Move(calendarID, eventID, destination).Context(ctx).Do()
		return err
	})
	return out, err
}

func (c *Client) GetCalendar(ctx context.Context, calendarID string) (*calendar.Calendar, error) {
	var out *calendar.Calendar
	err := c.do(ctx, opGetCalendar, func(ctx context.Context) error {
		var err error
		out, err = c.svc.Calendars.Get(calendarID).Context(ctx).Do()
		return err
	})
	return out, err
}

func (c *Client) InsertCalendar(ctx context.Context, summary, timeZone string) (*calendar.Calendar, error) {
	var out *calendar.Calendar
	err := c.do(ctx, opInsertCalendar, func(ctx context.Context) error {
		var err error
		out, err = c.svc.Calendars.Insert(&calendar.Calendar{Summary: summary, TimeZone: timeZone}).Context(ctx).Do()
		return err
	})
	return out, err
}

// ListCalendars returns every calendar on the user's list, across pages.
func (c *Client) ListCalendars(ctx context.Context) ([]*calendar.CalendarListEntry, error) {
	var out []*calendar.CalendarListEntry
	pageToken := ""
	for {
		var page *calendar.CalendarList
		err := c.do(ctx, opListCalendars, func(ctx context.Context) error {
			call := c.svc.CalendarList.List().ShowHidden(true)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var err error
			page, err = call.Context(ctx).Do()
			return err
		})
		if err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

// ListACL returns every sharing rule on a calendar, across pages.
func (c *Client) ListACL(ctx context.Context, calendarID string) ([]*calendar.AclRule, error) {
	var out []*calendar.AclRule
	pageToken := ""
	for {
		var page *calendar.Acl
		err := c.do(ctx, opListACL, func(ctx context.Context) error {
			call := c.svc.Acl.List(calendarID)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var err error
			page, err = call.Context(ctx).Do()
			return err
		})
		if err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

// InsertACL grants a rule. Inserting an existing scope updates its role.
func (c *Client) InsertACL(ctx context.Context, calendarID string, rule *calendar.AclRule) (*calendar.AclRule, error) {
	var out *calendar.AclRule
	err := c.do(ctx, opInsertACL, func(ctx context.Context) error {
		var err error
		out, err = c.svc.Acl.Insert(calendarID, rule).SendNotifications(false).Context(ctx).Do()
		return err
	})
	return out, err
}
