package gcal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// Kind classifies provider failures. Callers branch on Kind, never on raw status.
type Kind string

const (
	KindTransient    Kind = "transient"
	KindConflict     Kind = "conflict"
	KindNotFound     Kind = "not_found"
	KindTokenInvalid Kind = "token_invalid"
	KindAuthInvalid  Kind = "auth_invalid"
	// KindInvalid covers other client errors, which retrying will not fix.
	KindInvalid Kind = "invalid"
)

// Error is a classified provider failure.
type Error struct {
	Kind    Kind
	Status  int
	Code    string
	Context string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("calendar %s", e.Kind)
	if e.Context != "" {
		msg += " (" + e.Context + ")"
	}
	if e.Status != 0 {
		msg += " status=" + strconv.Itoa(e.Status)
	}
	if e.Code != "" {
		msg += " code=" + e.Code
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err, or "" when err is not a provider error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is a provider error of kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// NewConflict reports a caller-detected conflict, such as a remote event newer than expected.
func NewConflict(context string) *Error {
	return &Error{Kind: KindConflict, Code: "remote_newer", Context: context}
}

var transientReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
	"backendError":          true,
}

var authReasons = map[string]bool{
	"invalid_grant":       true,
	"invalid_client":      true,
	"unauthorized_client": true,
}

// classify maps a raw client error onto a Kind. op names the call so a 410
// on an incremental list is read as cursor expiry rather than a deleted resource.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}

	out := &Error{Kind: KindTransient, Context: op, Err: err}

	var retrieve *oauth2.RetrieveError
	var apiErr *googleapi.Error
	var netErr net.Error
	switch {
	case errors.As(err, &retrieve):
		out.Code = retrieve.ErrorCode
		if retrieve.Response != nil {
			out.Status = retrieve.Response.StatusCode
		}
		if authReasons[retrieve.ErrorCode] || out.Status == http.StatusUnauthorized ||
			(out.Status >= 400 && out.Status < 500) {
			out.Kind = KindAuthInvalid
		}
	case errors.As(err, &apiErr):
		out.Status = apiErr.Code
		out.Code = reason(apiErr)
		out.Kind = kindForStatus(op, apiErr.Code, out.Code)
	case errors.Is(err, context.DeadlineExceeded):
		out.Code = "timeout"
	case errors.Is(err, context.Canceled):
		out.Code = "canceled"
	case errors.As(err, &netErr):
		out.Code = "network"
	}
	return out
}

func kindForStatus(op string, status int, reason string) Kind {
	switch {
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusGone:
		if op == opListEvents {
			return KindTokenInvalid
		}
		return KindNotFound
	case status == http.StatusUnauthorized:
		return KindAuthInvalid
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		return KindConflict
	case status == http.StatusTooManyRequests || transientReasons[reason]:
		return KindTransient
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindInvalid
	}
	return KindTransient
}

func reason(e *googleapi.Error) string {
	for _, item := range e.Errors {
		if item.Reason != "" {
			return item.Reason
		}
	}
	return http.StatusText(e.Code)
}
