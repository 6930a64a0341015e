package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pysugar/nexus-scheduler/internal/db"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestAPIKeyAuth(t *testing.T) {
	database, err := db.InitDB("file:"+t.Name()+"?mode=memory&cache=shared", false)
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	key := db.GetAPIKey(database)
	if key == "" {
		t.Fatal("expected a generated API key")
	}
	h := APIKeyAuth(database)(okHandler())

	cases := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"bearer", "Authorization", "Bearer " + key, http.StatusNoContent},
		{"x-api-key", "x-api-key", key, http.StatusNoContent},
		{"wrong bearer", "Authorization", "Bearer sk-wrong", http.StatusUnauthorized},
		{"missing", "", "", http.StatusUnauthorized},
		{"basic scheme", "Authorization", "Basic " + key, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/internal/select", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestAdminAuth(t *testing.T) {
	t.Run("no password configured", func(t *testing.T) {
		rec := httptest.NewRecorder()
		AdminAuth("")(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/accounts", nil))
		if rec.Code != http.StatusNoContent {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
		}
	})

	t.Run("rejects missing credentials", func(t *testing.T) {
		rec := httptest.NewRecorder()
		AdminAuth("s3cret")(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/accounts", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
		if rec.Header().Get("WWW-Authenticate") == "" {
			t.Error("expected WWW-Authenticate challenge")
		}
	})

	t.Run("accepts password", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
		req.SetBasicAuth("admin", "s3cret")
		rec := httptest.NewRecorder()
		AdminAuth("s3cret")(okHandler()).ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
		}
	})
}
