package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"

	"gitea.jw6.us/james/calsync/internal/store"
)

// ErrMissingRefreshToken means Google granted access without offline access,
// so the credential could not be refreshed by background runs.
var ErrMissingRefreshToken = errors.New("authorization has no refresh token")

// Service manages calendar authorization for users.
type Service struct {
	oauth *oauth2.Config
	creds store.CredentialRepository
}

func NewService(oauth *oauth2.Config, creds store.CredentialRepository) *Service {
	return &Service{oauth: oauth, creds: creds}
}

// AuthCodeURL builds the consent URL. Offline access and forced consent make
// Google return a refresh token.
func (s *Service) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for tokens and stores them.
func (s *Service) Exchange(ctx context.Context, userID int64, code string) error {
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange authorization code: %w", err)
	}
	return s.SaveAuthorization(ctx, userID, AuthorizationFromToken(tok))
}

// SaveAuthorization stores freshly granted tokens and clears any pending
// re-authorization flag. An existing refresh token is kept when the grant
// omits one.
func (s *Service) SaveAuthorization(ctx context.Context, userID int64, auth store.AuthorizationUpdate) error {
	if auth.AccessToken == "" {
		return errors.New("authorization has no access token")
	}
	if auth.RefreshToken == "" {
		cred, err := s.creds.Get(ctx, userID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if cred == nil || cred.RefreshToken == "" {
			return ErrMissingRefreshToken
		}
	}
	if auth.TokenType == "" {
		auth.TokenType = "Bearer"
	}
	return s.creds.SaveAuthorization(ctx, userID, auth)
}

// TokenSource returns a refreshing source for the stored credential.
func (s *Service) TokenSource(ctx context.Context, cred *store.Credential) *TrackedSource {
	return NewTrackedSource(ctx, s.oauth, TokenFromCredential(cred))
}
