package rest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubStatus struct{ s Status }

func (s stubStatus) Status() Status { return s.s }

// generateTestRSAPublicKey returns both halves of a freshly generated RSA
// keypair, public first. The tests here use only the public half, as a
// non-nil key to exercise the auth-required code path (they never mint a
// valid token against it).
func generateTestRSAPublicKey(t *testing.T) (*rsa.PublicKey, *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	return &priv.PublicKey, priv
}

func TestHandleHealthzReturns200(t *testing.T) {
	h := NewRouter(stubStatus{}, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %q", body["status"])
	}
}

func TestHandleStatusWithoutAuthWhenNoPubKey(t *testing.T) {
	want := Status{PID: 4242, Attached: true, Nesting: 2, Tracers: []string{"String#gsub"}}
	h := NewRouter(stubStatus{want}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got Status
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if got.PID != want.PID || got.Nesting != want.Nesting || len(got.Tracers) != 1 {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestHandleStatusRequiresAuthWhenPubKeyConfigured(t *testing.T) {
	pub, _ := generateTestRSAPublicKey(t)
	h := NewRouter(stubStatus{}, pub, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}
}
