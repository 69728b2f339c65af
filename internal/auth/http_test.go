// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers token extraction from header and query, validation, and the admin gate

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler(t *testing.T, wantClaims bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := FromContext(r.Context())
		if ok != wantClaims {
			t.Errorf("claims in context = %v, want %v", ok, wantClaims)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestHTTPAuthMiddleware(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)
	session, _ := verifier.GenerateSession("s1", time.Hour)

	tests := []struct {
		name       string
		header     string
		query      string
		wantStatus int
	}{
		{"bearer header", "Bearer " + session, "", http.StatusOK},
		{"query token", "", "?token=" + session, http.StatusOK},
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong format", "Token " + session, "", http.StatusUnauthorized},
		{"empty bearer", "Bearer ", "", http.StatusUnauthorized},
		{"invalid", "Bearer nope", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := HTTPAuthMiddleware(verifier)(okHandler(t, tt.wantStatus == http.StatusOK))
			req := httptest.NewRequest(http.MethodGet, "/api/sessions"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestHTTPAuthMiddleware_Disabled(t *testing.T) {
	h := HTTPAuthMiddleware(nil)(RequireAdminHTTP(nil)(okHandler(t, false)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRequireAdminHTTP(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)
	session, _ := verifier.GenerateSession("s1", time.Hour)
	admin, _ := verifier.GenerateAdmin("ops", time.Hour)

	chain := HTTPAuthMiddleware(verifier)(RequireAdminHTTP(verifier)(okHandler(t, true)))

	for token, want := range map[string]int{session: http.StatusForbidden, admin: http.StatusOK} {
		req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		chain.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Errorf("status = %d, want %d", rec.Code, want)
		}
	}
}

func TestRequireAdminHTTP_WithoutAuthMiddleware(t *testing.T) {
	h := RequireAdminHTTP(NewJWTVerifier(testSecret))(okHandler(t, false))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}
