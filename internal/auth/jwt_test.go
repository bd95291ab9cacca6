package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, _ := UserIDFromContext(r.Context())
		_, _ = w.Write([]byte(uid))
	})
}

func TestMiddleware(t *testing.T) {
	valid, err := Sign("test-secret", "usr_1", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	expired, _ := Sign("test-secret", "usr_1", -time.Hour)
	wrongKey, _ := Sign("other-secret", "usr_1", time.Hour)
	noUser, _ := Sign("test-secret", "", time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "usr_1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "valid", header: "Bearer " + valid, want: http.StatusOK},
		{name: "missing", header: "", want: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + expired, want: http.StatusUnauthorized},
		{name: "wrong key", header: "Bearer " + wrongKey, want: http.StatusUnauthorized},
		{name: "no uid", header: "Bearer " + noUser, want: http.StatusUnauthorized},
		{name: "alg none", header: "Bearer " + none, want: http.StatusUnauthorized},
	}
	h := Middleware("test-secret")(echoUser())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d body=%s", tt.want, rr.Code, rr.Body.String())
			}
			if tt.want == http.StatusOK && rr.Body.String() != "usr_1" {
				t.Fatalf("expected uid in context, got %q", rr.Body.String())
			}
		})
	}
}

func TestAdminKey(t *testing.T) {
	h := AdminKey("admin-key")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for key, want := range map[string]int{"admin-key": http.StatusNoContent, "wrong": http.StatusUnauthorized, "": http.StatusUnauthorized} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(AdminHeader, key)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("key %q: expected %d, got %d", key, want, rr.Code)
		}
	}
}
