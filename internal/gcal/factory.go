package gcal

import (
	"context"
	"strconv"

	"gitea.jw6.us/james/calsync/internal/auth"
	"gitea.jw6.us/james/calsync/internal/store"
)

// Factory opens per-user clients from stored credentials.
type Factory struct {
	Auth    *auth.Service
	Limiter Limiter
	Options Options
}

// Open returns a client for cred and the token source backing it, so the
// caller can persist refreshed tokens after the run.
func (f *Factory) Open(ctx context.Context, cred *store.Credential) (*Client, *auth.TrackedSource, error) {
	ts := f.Auth.TokenSource(ctx, cred)
	opts := f.Options
	opts.Limiter = f.Limiter
	opts.LimitKey = "user:" + strconv.FormatInt(cred.UserID, 10)
	c, err := New(ctx, ts, opts)
	if err != nil {
		return nil, nil, err
	}
	return c, ts, nil
}
