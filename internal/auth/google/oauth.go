package google

import (
	"os"
	"strings"

	"golang.org/x/oauth2"
	googleOAuth "golang.org/x/oauth2/google"
)

// Scopes granted to linked accounts. Refresh requests reuse the scopes of the
// original grant, so these only matter for the token endpoint's audit trail.
var Scopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// Credentials identify the OAuth client that issued the accounts' refresh tokens.
type Credentials struct {
	ClientID     string
	ClientSecret string
	// TokenURL overrides the Google token endpoint, for tests and proxies.
	TokenURL string
}

// OAuthConfig returns the OAuth2 config used to refresh linked accounts.
// Empty credentials fall back to GOOGLE_CLIENT_ID / GOOGLE_CLIENT_SECRET.
func OAuthConfig(creds Credentials) *oauth2.Config {
	clientID := strings.TrimSpace(creds.ClientID)
	if clientID == "" {
		clientID = os.Getenv("GOOGLE_CLIENT_ID")
	}
	clientSecret := strings.TrimSpace(creds.ClientSecret)
	if clientSecret == "" {
		clientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	}

	endpoint := googleOAuth.Endpoint
	if creds.TokenURL != "" {
		endpoint.TokenURL = creds.TokenURL
	}

	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       Scopes,
		Endpoint:     endpoint,
	}
}

// HasClientCredentials reports whether both client id and secret resolve to
// a non-empty value.
func HasClientCredentials(creds Credentials) bool {
	cfg := OAuthConfig(creds)
	return cfg.ClientID != "" && cfg.ClientSecret != ""
}
