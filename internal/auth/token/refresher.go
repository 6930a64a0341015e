package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Token is the result of a successful refresh.
type Token struct {
	AccessToken string
	// RefreshToken is set only when the provider rotated it.
	RefreshToken string
	ExpiresIn    int64
	Expiry       time.Time
}

// Refresher exchanges a refresh token for a new access token. Failures are
// returned as *AuthError.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Token, error)
}

// ErrorKind classifies a refresh failure.
type ErrorKind int

const (
	// Transient failures may succeed on a later attempt.
	Transient ErrorKind = iota
	// InvalidGrant means the refresh credential is permanently rejected.
	InvalidGrant
)

func (k ErrorKind) String() string {
	if k == InvalidGrant {
		return "invalid_grant"
	}
	return "transient"
}

// AuthError is returned by Refresher implementations.
type AuthError struct {
	Kind ErrorKind
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return "refresh failed: " + e.Kind.String()
	}
	return fmt.Sprintf("refresh failed (%s): %v", e.Kind, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsInvalidGrant reports whether err is a permanent refresh rejection.
func IsInvalidGrant(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr) && authErr.Kind == InvalidGrant
}

// Classify wraps err as an *AuthError, detecting permanent rejections from
// the OAuth error code or message.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return err
	}
	kind := Transient
	if isPermanentRefreshError(err) {
		kind = InvalidGrant
	}
	return &AuthError{Kind: kind, Err: err}
}

func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		switch retrieveErr.ErrorCode {
		case "invalid_grant", "invalid_client", "unauthorized_client":
			return true
		case "":
		default:
			return false
		}
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// OAuthRefresher refreshes tokens against an OAuth2 token endpoint.
type OAuthRefresher struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// NewOAuthRefresher creates a refresher for cfg. A nil client uses the
// oauth2 package default.
func NewOAuthRefresher(cfg *oauth2.Config, client *http.Client) *OAuthRefresher {
	return &OAuthRefresher{config: cfg, httpClient: client}
}

// Refresh implements Refresher.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Token{}, &AuthError{Kind: InvalidGrant, Err: errors.New("missing refresh token")}
	}
	if r.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	}

	src := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return Token{}, Classify(err)
	}
	if tok.AccessToken == "" {
		return Token{}, &AuthError{Kind: Transient, Err: errors.New("empty access token in refresh response")}
	}

	out := Token{
		AccessToken: tok.AccessToken,
		ExpiresIn:   tok.ExpiresIn,
		Expiry:      tok.Expiry,
	}
	if out.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		out.ExpiresIn = int64(time.Until(tok.Expiry).Seconds())
	}
	// Persist rotated refresh token if provided (RFC 6749 6)
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		out.RefreshToken = tok.RefreshToken
	}
	return out, nil
}

// sharedRefreshTimeout bounds a collapsed refresh so one abandoned caller
// cannot cancel it for the others.
const sharedRefreshTimeout = 30 * time.Second

// Deduplicated collapses concurrent refreshes of the same refresh token into
// a single upstream round trip.
type Deduplicated struct {
	next  Refresher
	group singleflight.Group
}

// Dedupe wraps next.
func Dedupe(next Refresher) *Deduplicated {
	return &Deduplicated{next: next}
}

// Refresh implements Refresher. Each caller still honours its own ctx while
// waiting.
func (d *Deduplicated) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	ch := d.group.DoChan(refreshToken, func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedRefreshTimeout)
		defer cancel()
		return d.next.Refresh(shared, refreshToken)
	})
	select {
	case <-ctx.Done():
		return Token{}, &AuthError{Kind: Transient, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return Token{}, Classify(res.Err)
		}
		return res.Val.(Token), nil
	}
}
