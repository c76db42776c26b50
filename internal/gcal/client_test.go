package gcal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
)

func newTestClient(t *testing.T, h http.Handler, timeout time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test"}), Options{
		Timeout:  timeout,
		Endpoint: srv.URL + "/",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func writeAPIError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":"boom","errors":[{"reason":%q,"message":"boom"}]}}`, status, reason)
}

func TestListEventsQueryParameters(t *testing.T) {
	var seen []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test" {
			t.Errorf("missing bearer token")
		}
		if !strings.HasSuffix(r.URL.Path, "/calendars/cal-1/events") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		seen = append(seen, r.URL.RawQuery)
		json.NewEncoder(w).Encode(calendar.Events{NextSyncToken: "next"})
	}), time.Second)

	ctx := context.Background()
	timeMin := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	if _, err := c.ListEvents(ctx, "cal-1", ListQuery{TimeMin: timeMin}); err != nil {
		t.Fatalf("bootstrap ListEvents() error = %v", err)
	}
	page, err := c.ListEvents(ctx, "cal-1", ListQuery{SyncToken: "tok", PageToken: "p2", TimeMin: timeMin})
	if err != nil {
		t.Fatalf("incremental ListEvents() error = %v", err)
	}
	if page.NextSyncToken != "next" {
		t.Fatalf("NextSyncToken = %q", page.NextSyncToken)
	}

	boot, incr := seen[0], seen[1]
	for _, want := range []string{"showDeleted=true", "singleEvents=true", "timeMin="} {
		if !strings.Contains(boot, want) {
			t.Errorf("bootstrap query %q missing %q", boot, want)
		}
	}
	if strings.Contains(boot, "syncToken") {
		t.Errorf("bootstrap query must not carry a sync token: %q", boot)
	}
	if !strings.Contains(incr, "syncToken=tok") || !strings.Contains(incr, "pageToken=p2") {
		t.Errorf("incremental query %q missing cursor", incr)
	}
	if strings.Contains(incr, "timeMin") {
		t.Errorf("incremental query must not bound time: %q", incr)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		reason string
		call   func(c *Client) error
		want   Kind
	}{
		{name: "event gone", status: 404, reason: "notFound", want: KindNotFound, call: getEvent},
		{name: "cursor expired", status: 410, reason: "fullSyncRequired", want: KindTokenInvalid, call: func(c *Client) error {
			_, err := c.ListEvents(context.Background(), "cal", ListQuery{SyncToken: "old"})
			return err
		}},
		{name: "delete already deleted", status: 410, reason: "deleted", want: KindNotFound, call: func(c *Client) error {
			return c.DeleteEvent(context.Background(), "cal", "ev")
		}},
		{name: "unauthorized", status: 401, reason: "authError", want: KindAuthInvalid, call: getEvent},
		{name: "duplicate grant", status: 409, reason: "duplicate", want: KindConflict, call: func(c *Client) error {
			_, err := c.InsertACL(context.Background(), "cal", &calendar.AclRule{Role: "writer"})
			return err
		}},
		{name: "server error", status: 503, reason: "backendError", want: KindTransient, call: getEvent},
		{name: "rate limited", status: 403, reason: "rateLimitExceeded", want: KindTransient, call: getEvent},
		{name: "forbidden", status: 403, reason: "forbidden", want: KindInvalid, call: getEvent},
		{name: "bad request", status: 400, reason: "invalid", want: KindInvalid, call: getEvent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeAPIError(w, tt.status, tt.reason)
			}), time.Second)
			err := tt.call(c)
			var gerr *Error
			if !errors.As(err, &gerr) {
				t.Fatalf("error %v is not *Error", err)
			}
			if gerr.Kind != tt.want || gerr.Status != tt.status || gerr.Code != tt.reason {
				t.Fatalf("got kind=%s status=%d code=%s, want kind=%s status=%d code=%s",
					gerr.Kind, gerr.Status, gerr.Code, tt.want, tt.status, tt.reason)
			}
		})
	}
}

func getEvent(c *Client) error {
	_, err := c.GetEvent(context.Background(), "cal", "ev")
	return err
}

func TestTimeoutIsTransient(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}), 20*time.Millisecond)

	err := getEvent(c)
	if !IsKind(err, KindTransient) {
		t.Fatalf("error = %v, want transient", err)
	}
	var gerr *Error
	errors.As(err, &gerr)
	if gerr.Code != "timeout" {
		t.Fatalf("Code = %q, want timeout", gerr.Code)
	}
}

func TestRefreshInvalidGrantIsAuthInvalid(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`)
	}))
	defer tokenSrv.Close()
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("api must not be reached without a token")
	}))
	defer apiSrv.Close()

	conf := &oauth2.Config{ClientID: "id", ClientSecret: "s", Endpoint: oauth2.Endpoint{TokenURL: tokenSrv.URL}}
	ts := conf.TokenSource(context.Background(), &oauth2.Token{AccessToken: "old", RefreshToken: "revoked", Expiry: time.Now().Add(-time.Minute)})
	c, err := New(context.Background(), ts, Options{Endpoint: apiSrv.URL + "/", Timeout: time.Second})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = getEvent(c)
	if !IsKind(err, KindAuthInvalid) {
		t.Fatalf("error = %v, want auth_invalid", err)
	}
}

func TestListACLPaginates(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("pageToken") == "" {
			json.NewEncoder(w).Encode(calendar.Acl{
				Items:         []*calendar.AclRule{{Role: "owner", Scope: &calendar.AclRuleScope{Type: "user", Value: "me@example.com"}}},
				NextPageToken: "p2",
			})
			return
		}
		json.NewEncoder(w).Encode(calendar.Acl{
			Items: []*calendar.AclRule{{Role: "reader", Scope: &calendar.AclRuleScope{Type: "user", Value: "a@example.com"}}},
		})
	}), time.Second)

	rules, err := c.ListACL(context.Background(), "cal")
	if err != nil {
		t.Fatalf("ListACL() error = %v", err)
	}
	if len(rules) != 2 || rules[1].Scope.Value != "a@example.com" {
		t.Fatalf("rules = %+v", rules)
	}
}

type denyLimiter struct{}

func (denyLimiter) Wait(ctx context.Context, key string) error {
	return context.DeadlineExceeded
}

func TestLimiterFailureIsTransient(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("call must not reach the server")
	}), time.Second)
	c.limiter = denyLimiter{}

	if err := getEvent(c); !IsKind(err, KindTransient) {
		t.Fatalf("error = %v, want transient", err)
	}
}

func TestKindHelpers(t *testing.T) {
	if KindOf(nil) != "" || IsKind(nil, KindConflict) {
		t.Fatal("nil error has no kind")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatal("plain errors are unclassified")
	}
	c := NewConflict("item=1")
	wrapped := fmt.Errorf("push: %w", c)
	if !IsKind(wrapped, KindConflict) {
		t.Fatal("wrapped conflict should classify")
	}
	if !strings.Contains(c.Error(), "item=1") {
		t.Fatalf("Error() = %q", c.Error())
	}
	if classify("x", c) != error(c) {
		t.Fatal("classify must keep already classified errors")
	}
}
