package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud-companion/companion/internal/bootstrap/config"
	"cloud-companion/companion/internal/codec"
	"cloud-companion/companion/internal/companion"
	"cloud-companion/companion/internal/identity"
	"cloud-companion/companion/internal/metrics"
)

type fakeService struct {
	mu       sync.Mutex
	tempKey  string
	tempErr  error
	pairings []companion.Pairing
	deleted  []string
}

func (f *fakeService) Start(context.Context) error { return nil }
func (f *fakeService) Close(context.Context) error { return nil }

func (f *fakeService) GenerateTempKey(context.Context) (string, error) {
	return f.tempKey, f.tempErr
}

func (f *fakeService) ListPairings() []companion.Pairing {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]companion.Pairing(nil), f.pairings...)
}

func (f *fakeService) DeletePairing(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.pairings {
		if p.LocalPublicKey == key {
			f.pairings = append(f.pairings[:i], f.pairings[i+1:]...)
			f.deleted = append(f.deleted, key)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeService) Health() companion.Health {
	return companion.Health{Transport: "mock", NetworkState: "connected", ChannelState: "ready", PairingState: "idle"}
}

func TestPairingReturnsPublicKey(t *testing.T) {
	pub := newPublicKeyHex(t)
	srv := newTestServer(t, config.HTTPConfig{}, &fakeService{tempKey: pub})

	rec := do(srv, http.MethodGet, "/pairing", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["publicKey"] != pub {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestPairingUnavailableOnTimeout(t *testing.T) {
	srv := newTestServer(t, config.HTTPConfig{}, &fakeService{tempErr: context.DeadlineExceeded})
	if rec := do(srv, http.MethodGet, "/pairing", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	srv = newTestServer(t, config.HTTPConfig{}, &fakeService{tempErr: errors.New("boom")})
	if rec := do(srv, http.MethodGet, "/pairing", nil); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestRegisteredListsAndDeletes(t *testing.T) {
	local := newPublicKeyHex(t)
	svc := &fakeService{pairings: []companion.Pairing{{
		LocalPublicKey:  local,
		RemotePublicKey: newPublicKeyHex(t),
		Metadata:        codec.Metadata{"name": "phone"},
	}}}
	srv := newTestServer(t, config.HTTPConfig{}, svc)

	rec := do(srv, http.MethodGet, "/registered", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var listed []companion.Pairing
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed) != 1 || listed[0].LocalPublicKey != local || listed[0].Metadata.Name() != "phone" {
		t.Fatalf("unexpected listing %+v", listed)
	}
	if strings.Contains(rec.Body.String(), "privateKey") {
		t.Fatal("listing must not expose private keys")
	}

	if rec := do(srv, http.MethodDelete, "/registered/"+local, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := do(srv, http.MethodDelete, "/registered/"+local, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := do(srv, http.MethodDelete, "/registered/nothex", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := do(srv, http.MethodGet, "/registered/"+local, nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestTokenRequiredWhenConfigured(t *testing.T) {
	srv := newTestServer(t, config.HTTPConfig{Token: "s3cret"}, &fakeService{tempKey: newPublicKeyHex(t)})

	if rec := do(srv, http.MethodGet, "/pairing", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := do(srv, http.MethodGet, "/pairing", map[string]string{"Authorization": "Bearer wrong"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}
	if rec := do(srv, http.MethodGet, "/pairing", map[string]string{"Authorization": "Bearer s3cret"}); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with bearer token, got %d", rec.Code)
	}
	if rec := do(srv, http.MethodGet, "/pairing", map[string]string{tokenHeader: "s3cret"}); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with header token, got %d", rec.Code)
	}
	if rec := do(srv, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("health must stay open, got %d", rec.Code)
	}
}

func TestCORSPolicy(t *testing.T) {
	srv := newTestServer(t, config.HTTPConfig{AllowedOrigins: []string{"https://app.example/"}}, &fakeService{})

	cases := []struct {
		origin string
		status int
	}{
		{"http://localhost:5173", http.StatusNoContent},
		{"http://127.0.0.1:3000", http.StatusNoContent},
		{"https://app.example", http.StatusNoContent},
		{"https://evil.example", http.StatusForbidden},
		{"null", http.StatusForbidden},
	}
	for _, tc := range cases {
		rec := do(srv, http.MethodOptions, "/pairing", map[string]string{"Origin": tc.origin})
		if rec.Code != tc.status {
			t.Fatalf("origin %s: expected %d, got %d", tc.origin, tc.status, rec.Code)
		}
		if tc.status == http.StatusNoContent && rec.Header().Get("Access-Control-Allow-Origin") != tc.origin {
			t.Fatalf("origin %s not echoed", tc.origin)
		}
	}
}

func TestRateLimitReturns429(t *testing.T) {
	srv := newTestServer(t, config.HTTPConfig{RateLimitRPS: 1, RateLimitBurst: 2}, &fakeService{})
	fixed := time.Unix(1000, 0)
	srv.now = func() time.Time { return fixed }

	for i := 0; i < 2; i++ {
		if rec := do(srv, http.MethodGet, "/registered", nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	if rec := do(srv, http.MethodGet, "/registered", nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	m := metrics.New()
	m.SetPairings(3)
	srv := New(config.HTTPConfig{}, &fakeService{}, m.Handler(), discardLogger())

	rec := do(srv, http.MethodGet, "/healthz", nil)
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body["status"] != "ok" || body["channelState"] != "ready" {
		t.Fatalf("unexpected health %v", body)
	}

	rec = do(srv, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "companion_pairings 3") {
		t.Fatalf("metrics not exposed: %d %s", rec.Code, rec.Body.String())
	}
}

func newTestServer(t *testing.T, cfg config.HTTPConfig, svc Service) *Server {
	t.Helper()
	return New(cfg, svc, nil, discardLogger())
}

func do(srv *Server, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func newPublicKeyHex(t *testing.T) string {
	t.Helper()
	k, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return codec.EncodeHex(identity.PublicKeyBytes(k))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
