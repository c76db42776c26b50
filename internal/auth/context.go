package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type contextKey string

const contextKeyCaller contextKey = "hook_caller"

// WithCaller records which authenticated caller issued a hook request.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, contextKeyCaller, caller)
}

func CallerFromContext(ctx context.Context) string {
	c, _ := ctx.Value(contextKeyCaller).(string)
	return c
}

// RequireHookToken guards the internal hook surface with a shared bearer secret.
func RequireHookToken(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			got, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || len(want) == 0 || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), want) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="calsync"`)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			caller := r.Header.Get("X-Calsync-Caller")
			if caller == "" {
				caller = "hook"
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}
