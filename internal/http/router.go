package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"gitea.jw6.us/james/calsync/internal/auth"
	"gitea.jw6.us/james/calsync/internal/calsync"
	"gitea.jw6.us/james/calsync/internal/config"
	httperrors "gitea.jw6.us/james/calsync/internal/http/errors"
	"gitea.jw6.us/james/calsync/internal/http/ratelimit"
	"gitea.jw6.us/james/calsync/internal/metrics"
	"gitea.jw6.us/james/calsync/internal/store"
)

// Engine is the part of the sync engine the hooks drive directly.
type Engine interface {
	MarkItemPending(ctx context.Context, userID int64, itemID string, itemType store.ItemType) error
	EnsureManagedCalendar(ctx context.Context, userID int64) (string, bool, error)
	Status(ctx context.Context, userID int64) (*calsync.Status, error)
}

// Scheduler queues debounced sync runs.
type Scheduler interface {
	Schedule(userID int64, pull bool)
}

// Authorizer runs the calendar consent flow and stores granted tokens.
type Authorizer interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, userID int64, code string) error
	SaveAuthorization(ctx context.Context, userID int64, auth store.AuthorizationUpdate) error
}

// Subscriber serves a user's realtime connection.
type Subscriber interface {
	ServeUser(w http.ResponseWriter, r *http.Request, userID int64)
}

// HealthChecker reports database reachability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Health    HealthChecker
	Engine    Engine
	Scheduler Scheduler
	Auth      Authorizer
	Realtime  Subscriber
}

// NewRouter wires health, metrics, hook and realtime routes.
func NewRouter(cfg *config.Config, deps Deps) http.Handler {
	r := chi.NewRouter()

	// Hooks: 20 requests per second, burst of 50 (the CRUD layer fans out on bulk edits)
	hookRateLimiter := ratelimit.NewIP(rate.Limit(20), 50, 5*time.Minute, cfg.TrustedProxies)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := deps.Health.HealthCheck(ctx); err != nil {
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.PrometheusEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Handler().ServeHTTP(w, r)
		})
	}

	h := &hooks{deps: deps}

	r.Route("/internal", func(r chi.Router) {
		r.Use(hookRateLimiter.Middleware())
		r.Use(auth.RequireHookToken(cfg.HookToken))

		r.Post("/items/{itemID}/pending", h.markPending)
		r.Post("/users/{userID}/sync", h.scheduleSync)
		r.Post("/users/{userID}/calendar", h.ensureCalendar)
		r.Put("/users/{userID}/credential", h.saveCredential)
		r.Get("/users/{userID}/authorize-url", h.authorizeURL)
		r.Post("/users/{userID}/authorization-code", h.exchangeCode)
		r.Get("/users/{userID}/status", h.status)
	})

	if deps.Realtime != nil {
		r.With(auth.RequireHookToken(cfg.HookToken)).Get("/realtime/{userID}", h.realtime)
	}

	return r
}

type hooks struct {
	deps Deps
}

type pendingRequest struct {
	UserID   int64          `json:"userId"`
	ItemType store.ItemType `json:"itemType"`
	// Pull also fetches remote changes in the scheduled run.
	Pull bool `json:"pull"`
}

func (h *hooks) markPending(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	if _, err := uuid.Parse(itemID); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid item id")
		return
	}
	var req pendingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid request body")
		return
	}
	if req.UserID <= 0 {
		httperrors.BadRequestError(w, r, errors.New("missing userId"), "userId is required")
		return
	}
	if !req.ItemType.Valid() {
		httperrors.BadRequestError(w, r, fmt.Errorf("item type %q", req.ItemType), "itemType must be appointment or bill")
		return
	}

	if err := h.deps.Engine.MarkItemPending(r.Context(), req.UserID, itemID, req.ItemType); err != nil {
		httperrors.InternalError(w, r, err, "mark item pending")
		return
	}
	h.deps.Scheduler.Schedule(req.UserID, req.Pull)
	w.WriteHeader(http.StatusAccepted)
}

func (h *hooks) scheduleSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	pull := true
	if v := r.URL.Query().Get("pull"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			httperrors.BadRequestError(w, r, err, "pull must be true or false")
			return
		}
		pull = parsed
	}
	h.deps.Scheduler.Schedule(userID, pull)
	w.WriteHeader(http.StatusAccepted)
}

type calendarResponse struct {
	CalendarID string `json:"calendarId"`
	Created    bool   `json:"created"`
}

func (h *hooks) ensureCalendar(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	id, created, err := h.deps.Engine.EnsureManagedCalendar(r.Context(), userID)
	switch {
	case errors.Is(err, calsync.ErrBusy):
		httperrors.ConflictError(w, r, err, "sync in progress, retry later")
		return
	case errors.Is(err, calsync.ErrNotConnected):
		httperrors.ConflictError(w, r, err, "calendar not connected")
		return
	case err != nil:
		httperrors.InternalError(w, r, err, "ensure managed calendar")
		return
	}
	httperrors.WriteJSON(w, r, http.StatusOK, calendarResponse{CalendarID: id, Created: created})
}

type credentialRequest struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	TokenType    string    `json:"tokenType"`
	Scope        string    `json:"scope"`
	Expiry       time.Time `json:"expiry"`
}

func (h *hooks) saveCredential(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	var req credentialRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid request body")
		return
	}
	if req.AccessToken == "" {
		httperrors.BadRequestError(w, r, errors.New("missing access token"), "accessToken is required")
		return
	}

	err := h.deps.Auth.SaveAuthorization(r.Context(), userID, store.AuthorizationUpdate{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		TokenType:    req.TokenType,
		Scope:        req.Scope,
		Expiry:       req.Expiry,
	})
	if errors.Is(err, auth.ErrMissingRefreshToken) {
		httperrors.BadRequestError(w, r, err, "refreshToken is required for a new connection")
		return
	}
	if err != nil {
		httperrors.InternalError(w, r, err, "save authorization")
		return
	}
	httperrors.LogInfo(r, fmt.Sprintf("calendar authorization saved user=%d caller=%s", userID, auth.CallerFromContext(r.Context())))
	// A fresh grant may unblock a run that stopped on auth failure.
	h.deps.Scheduler.Schedule(userID, true)
	w.WriteHeader(http.StatusNoContent)
}

type authorizeURLResponse struct {
	URL string `json:"url"`
}

// authorizeURL returns the Google consent URL. The caller owns state and
// verifies it when the user comes back with a code.
func (h *hooks) authorizeURL(w http.ResponseWriter, r *http.Request) {
	if _, ok := userParam(w, r); !ok {
		return
	}
	state := r.URL.Query().Get("state")
	if state == "" {
		httperrors.BadRequestError(w, r, errors.New("missing state"), "state is required")
		return
	}
	httperrors.WriteJSON(w, r, http.StatusOK, authorizeURLResponse{URL: h.deps.Auth.AuthCodeURL(state)})
}

type codeRequest struct {
	Code string `json:"code"`
}

func (h *hooks) exchangeCode(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	var req codeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid request body")
		return
	}
	if req.Code == "" {
		httperrors.BadRequestError(w, r, errors.New("missing code"), "code is required")
		return
	}

	err := h.deps.Auth.Exchange(r.Context(), userID, req.Code)
	var retrieveErr *oauth2.RetrieveError
	switch {
	case errors.Is(err, auth.ErrMissingRefreshToken):
		httperrors.BadRequestError(w, r, err, "grant has no refresh token, retry consent")
		return
	case errors.As(err, &retrieveErr):
		httperrors.BadRequestError(w, r, err, "authorization code rejected")
		return
	case err != nil:
		httperrors.InternalError(w, r, err, "exchange authorization code")
		return
	}
	httperrors.LogInfo(r, fmt.Sprintf("calendar connected user=%d caller=%s", userID, auth.CallerFromContext(r.Context())))
	h.deps.Scheduler.Schedule(userID, true)
	w.WriteHeader(http.StatusNoContent)
}

func (h *hooks) status(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	st, err := h.deps.Engine.Status(r.Context(), userID)
	if err != nil {
		httperrors.InternalError(w, r, err, "load sync status")
		return
	}
	httperrors.WriteJSON(w, r, http.StatusOK, st)
}

func (h *hooks) realtime(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	h.deps.Realtime.ServeUser(w, r, userID)
}

func userParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || id <= 0 {
		httperrors.NotFoundError(w, r, "unknown user")
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
