package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestIsPermanentRefreshError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"invalid_grant code", &oauth2.RetrieveError{ErrorCode: "invalid_grant"}, true},
		{"invalid_client code", &oauth2.RetrieveError{ErrorCode: "invalid_client"}, true},
		{"server_error code", &oauth2.RetrieveError{ErrorCode: "server_error"}, false},
		{"revoked message", errors.New("Token has been expired or revoked."), true},
		{"network", errors.New("dial tcp: connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isPermanentRefreshError(tt.err))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify(nil))
	assert.True(t, IsInvalidGrant(Classify(&oauth2.RetrieveError{ErrorCode: "invalid_grant"})))
	assert.False(t, IsInvalidGrant(Classify(errors.New("timeout"))))

	wrapped := fmt.Errorf("outer: %w", &AuthError{Kind: InvalidGrant})
	assert.Same(t, wrapped, Classify(wrapped))
	assert.True(t, IsInvalidGrant(wrapped))
}

func newTokenServer(t *testing.T, handler http.HandlerFunc) *oauth2.Config {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams},
	}
}

func TestOAuthRefresherSuccess(t *testing.T) {
	cfg := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "rt-1", r.Form.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at-2","refresh_token":"rt-2","expires_in":3600,"token_type":"Bearer"}`)
	})

	tok, err := NewOAuthRefresher(cfg, nil).Refresh(context.Background(), "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "at-2", tok.AccessToken)
	assert.Equal(t, "rt-2", tok.RefreshToken)
	assert.Equal(t, int64(3600), tok.ExpiresIn)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.Expiry, time.Minute)
}

func TestOAuthRefresherInvalidGrant(t *testing.T) {
	cfg := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`)
	})

	_, err := NewOAuthRefresher(cfg, nil).Refresh(context.Background(), "rt-1")
	require.Error(t, err)
	assert.True(t, IsInvalidGrant(err))
}

func TestOAuthRefresherServerErrorIsTransient(t *testing.T) {
	cfg := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := NewOAuthRefresher(cfg, nil).Refresh(context.Background(), "rt-1")
	require.Error(t, err)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, Transient, authErr.Kind)
}

func TestOAuthRefresherMissingRefreshToken(t *testing.T) {
	_, err := NewOAuthRefresher(&oauth2.Config{}, nil).Refresh(context.Background(), " ")
	assert.True(t, IsInvalidGrant(err))
}

type countingRefresher struct {
	calls   atomic.Int32
	release chan struct{}
}

func (c *countingRefresher) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	c.calls.Add(1)
	<-c.release
	return Token{AccessToken: "fresh-" + refreshToken}, nil
}

func TestDedupeCollapsesConcurrentRefreshes(t *testing.T) {
	inner := &countingRefresher{release: make(chan struct{})}
	d := Dedupe(inner)

	const n = 10
	var wg sync.WaitGroup
	results := make([]Token, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := d.Refresh(context.Background(), "rt")
			assert.NoError(t, err)
			results[i] = tok
		}(i)
	}

	require.Eventually(t, func() bool { return inner.calls.Load() == 1 }, time.Second, time.Millisecond)
	// Let the stragglers join the in-flight call before it completes.
	time.Sleep(20 * time.Millisecond)
	close(inner.release)
	wg.Wait()

	assert.Equal(t, int32(1), inner.calls.Load())
	for _, tok := range results {
		assert.Equal(t, "fresh-rt", tok.AccessToken)
	}
}

func TestDedupeHonoursCallerContext(t *testing.T) {
	inner := &countingRefresher{release: make(chan struct{})}
	defer close(inner.release)
	d := Dedupe(inner)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Refresh(ctx, "rt")
	require.Error(t, err)
	assert.False(t, IsInvalidGrant(err))
	assert.ErrorIs(t, err, context.Canceled)
}
