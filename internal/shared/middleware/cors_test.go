package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIsOriginAllowed(t *testing.T) {
	allowed := []string{"app.momali.test", "localhost:5173", " Admin.Momali.Test "}

	tests := []struct {
		origin string
		want   bool
	}{
		{"https://app.momali.test", true},
		{"https://app.momali.test:8443", true},
		{"http://localhost:5173", true},
		{"http://localhost:3000", false},
		{"https://ADMIN.momali.test", true},
		{"https://evil.app.momali.test", false},
		{"https://bank-phish.test", false},
		{"://broken", false},
		{"app.momali.test", false},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			if got := isOriginAllowed(tt.origin, allowed); got != tt.want {
				t.Errorf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name        string
		hosts       []string
		method      string
		path        string
		origin      string
		wantStatus  int
		wantOrigin  string
		wantCreds   string
		wantReached bool
	}{
		{
			name:        "allowed origin",
			hosts:       []string{"app.momali.test"},
			method:      http.MethodGet,
			path:        "/api/consents",
			origin:      "https://app.momali.test",
			wantStatus:  http.StatusOK,
			wantOrigin:  "https://app.momali.test",
			wantCreds:   "true",
			wantReached: true,
		},
		{
			name:       "foreign origin rejected",
			hosts:      []string{"app.momali.test"},
			method:     http.MethodPost,
			path:       "/api/consents",
			origin:     "https://bank-phish.test",
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "preflight answered here",
			hosts:      []string{"app.momali.test"},
			method:     http.MethodOptions,
			path:       "/api/sync/c-1",
			origin:     "https://app.momali.test",
			wantStatus: http.StatusNoContent,
			wantOrigin: "https://app.momali.test",
			wantCreds:  "true",
		},
		{
			name:        "no origin header",
			hosts:       []string{"app.momali.test"},
			method:      http.MethodGet,
			path:        "/api/accounts",
			wantStatus:  http.StatusOK,
			wantReached: true,
		},
		{
			name:        "bank redirect skips origin check",
			hosts:       []string{"app.momali.test"},
			method:      http.MethodGet,
			path:        "/api/consents/callback",
			origin:      "https://bank-a.test",
			wantStatus:  http.StatusOK,
			wantOrigin:  "*",
			wantReached: true,
		},
		{
			name:        "open without allow list",
			method:      http.MethodGet,
			path:        "/api/institutions",
			origin:      "https://anywhere.test",
			wantStatus:  http.StatusOK,
			wantOrigin:  "*",
			wantReached: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reached := false
			h := CORS(tt.hosts)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				reached = true
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if reached != tt.wantReached {
				t.Errorf("handler reached = %v, want %v", reached, tt.wantReached)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != tt.wantCreds {
				t.Errorf("Allow-Credentials = %q, want %q", got, tt.wantCreds)
			}
		})
	}
}
