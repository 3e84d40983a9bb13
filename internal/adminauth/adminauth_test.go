package adminauth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noopHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_EmptyHashDisablesAuth(t *testing.T) {
	mw := Middleware("", testLogger())
	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	rec := httptest.NewRecorder()

	mw(noopHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected empty hash to disable auth entirely, got status %d", rec.Code)
	}
}

func TestMiddleware_MissingAuthorizationHeaderRejected(t *testing.T) {
	hash, err := Hash("s3cret")
	if err != nil {
		t.Fatalf("unexpected error hashing token: %v", err)
	}
	mw := Middleware(hash, testLogger())
	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	rec := httptest.NewRecorder()

	mw(noopHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for a missing Authorization header, got %d", rec.Code)
	}
}

func TestMiddleware_WrongTokenRejected(t *testing.T) {
	hash, err := Hash("s3cret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mw := Middleware(hash, testLogger())
	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()

	mw(noopHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for a wrong token, got %d", rec.Code)
	}
}

func TestMiddleware_NonBearerSchemeRejected(t *testing.T) {
	hash, err := Hash("s3cret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mw := Middleware(hash, testLogger())
	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec := httptest.NewRecorder()

	mw(noopHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for a non-Bearer scheme, got %d", rec.Code)
	}
}

func TestMiddleware_CorrectTokenAllowed(t *testing.T) {
	hash, err := Hash("s3cret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mw := Middleware(hash, testLogger())
	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()

	mw(noopHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for the correct token, got %d", rec.Code)
	}
}

func TestHash_ProducesVerifiableBcryptHash(t *testing.T) {
	hash, err := Hash("my-token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hash == "" || hash == "my-token" {
		t.Fatal("expected Hash to return a non-trivial bcrypt digest")
	}
}
