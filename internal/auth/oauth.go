package auth

import (
	"context"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"

	"gitea.jw6.us/james/calsync/internal/config"
	"gitea.jw6.us/james/calsync/internal/store"
)

// NewOAuthConfig returns the Google OAuth2 client used for calendar consent
// and token refresh.
func NewOAuthConfig(cfg *config.Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		RedirectURL:  cfg.Google.RedirectURL,
		Endpoint:     google.Endpoint,
		Scopes:       []string{calendar.CalendarScope},
	}
}

// TokenFromCredential converts a stored credential into an oauth2 token.
func TokenFromCredential(cred *store.Credential) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    cred.TokenType,
		Expiry:       cred.Expiry,
	}
}

// TrackedSource refreshes through the wrapped source and remembers the
// latest token so a run can persist refreshed credentials afterwards.
type TrackedSource struct {
	mu      sync.Mutex
	base    oauth2.TokenSource
	initial string
	latest  *oauth2.Token
}

// NewTrackedSource wraps conf.TokenSource for the stored token.
func NewTrackedSource(ctx context.Context, conf *oauth2.Config, tok *oauth2.Token) *TrackedSource {
	return &TrackedSource{
		base:    conf.TokenSource(ctx, tok),
		initial: tok.AccessToken,
	}
}

func (s *TrackedSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.latest = tok
	s.mu.Unlock()
	return tok, nil
}

// Refreshed returns the current token when it differs from the one the
// source was created with.
func (s *TrackedSource) Refreshed() (*oauth2.Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil || s.latest.AccessToken == s.initial {
		return nil, false
	}
	return s.latest, true
}

// AuthorizationFromToken maps an oauth2 token onto the stored authorization fields.
func AuthorizationFromToken(tok *oauth2.Token) store.AuthorizationUpdate {
	scope, _ := tok.Extra("scope").(string)
	return store.AuthorizationUpdate{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scope:        scope,
		Expiry:       tok.Expiry,
	}
}
