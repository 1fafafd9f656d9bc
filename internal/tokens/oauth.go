package tokens

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const DefaultAuthority = "https://login.microsoftonline.com"

// DefaultScopes are requested on every refresh. offline_access keeps the
// refresh token flowing.
var DefaultScopes = []string{"offline_access", "Tasks.ReadWrite", "Group.Read.All"}

type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TenantID     string
	Authority    string
	TokenURL     string
	Scopes       []string
	HTTPClient   *http.Client
}

// OAuthRefresher runs the refresh-token grant against the identity
// provider's token endpoint.
type OAuthRefresher struct {
	config     oauth2.Config
	httpClient *http.Client
}

func NewOAuthRefresher(cfg OAuthConfig) (*OAuthRefresher, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errors.New("oauth client id is required")
	}
	tokenURL := strings.TrimSpace(cfg.TokenURL)
	if tokenURL == "" {
		authority := strings.TrimRight(strings.TrimSpace(cfg.Authority), "/")
		if authority == "" {
			authority = DefaultAuthority
		}
		tenant := strings.TrimSpace(cfg.TenantID)
		if tenant == "" {
			tenant = "common"
		}
		tokenURL = fmt.Sprintf("%s/%s/oauth2/v2.0/token", authority, tenant)
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &OAuthRefresher{
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
	}, nil
}

func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (Credential, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	tok, err := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return Credential{}, wrapRefreshError(err)
	}
	return Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry.UTC(),
	}, nil
}

// RefreshError carries the provider's error code, e.g. invalid_grant.
type RefreshError struct {
	Code string
	Err  error
}

func (e *RefreshError) Error() string {
	if e.Code == "" {
		return "token refresh rejected: " + e.Err.Error()
	}
	return fmt.Sprintf("token refresh rejected (%s): %v", e.Code, e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

func (e *RefreshError) RefreshReason() string {
	return e.Code
}

func wrapRefreshError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return &RefreshError{Code: retrieveErr.ErrorCode, Err: err}
	}
	return &RefreshError{Err: err}
}
