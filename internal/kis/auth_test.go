package kis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	appconfig "stockflow/config"
)

func newAuthServer(t *testing.T, tokenCalls, approvalCalls *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/tokenP", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(tokenCalls, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "token-" + time.Now().Format("150405") + "-" + string(rune('a'+n)),
			"expires_in":   86400,
		})
	})
	mux.HandleFunc("/oauth2/Approval", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(approvalCalls, 1)
		json.NewEncoder(w).Encode(map[string]string{"approval_key": "approval-key"})
	})
	return httptest.NewServer(mux)
}

func testKisConfig(baseURL string) appconfig.KisConfig {
	return appconfig.KisConfig{
		Rest: appconfig.KisRestConfig{
			TokenURL:    baseURL + "/oauth2/tokenP",
			ApprovalURL: baseURL + "/oauth2/Approval",
			Timeout:     5 * time.Second,
		},
		App: appconfig.KisAppConfig{Key: "app-key", Secret: "app-secret"},
	}
}

func TestTokenCached(t *testing.T) {
	var tokenCalls, approvalCalls int32
	srv := newAuthServer(t, &tokenCalls, &approvalCalls)
	defer srv.Close()

	m := NewCredentialManager(testKisConfig(srv.URL))

	first, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	second, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if first != second {
		t.Errorf("expected cached token, got %s then %s", first, second)
	}
	if atomic.LoadInt32(&tokenCalls) != 1 {
		t.Errorf("expected 1 token request, got %d", tokenCalls)
	}
}

func TestTokenRefreshWithinMargin(t *testing.T) {
	var tokenCalls, approvalCalls int32
	srv := newAuthServer(t, &tokenCalls, &approvalCalls)
	defer srv.Close()

	m := NewCredentialManager(testKisConfig(srv.URL))
	base := time.Now()
	m.now = func() time.Time { return base }

	if _, err := m.Token(context.Background()); err != nil {
		t.Fatalf("Token failed: %v", err)
	}

	// Move to 4 minutes before expiry, inside the refresh margin
	m.now = func() time.Time { return base.Add(86400*time.Second - 4*time.Minute) }
	if _, err := m.Token(context.Background()); err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if atomic.LoadInt32(&tokenCalls) != 2 {
		t.Errorf("expected refresh inside margin, got %d token requests", tokenCalls)
	}
}

func TestApprovalKeyInvalidatedByNewToken(t *testing.T) {
	var tokenCalls, approvalCalls int32
	srv := newAuthServer(t, &tokenCalls, &approvalCalls)
	defer srv.Close()

	m := NewCredentialManager(testKisConfig(srv.URL))
	base := time.Now()
	m.now = func() time.Time { return base }

	if _, err := m.ApprovalKey(context.Background()); err != nil {
		t.Fatalf("ApprovalKey failed: %v", err)
	}
	if _, err := m.ApprovalKey(context.Background()); err != nil {
		t.Fatalf("ApprovalKey failed: %v", err)
	}
	if atomic.LoadInt32(&approvalCalls) != 1 {
		t.Errorf("expected cached approval key, got %d requests", approvalCalls)
	}

	// Expire the token, a fresh one drops the cached approval key
	m.now = func() time.Time { return base.Add(87000 * time.Second) }
	if _, err := m.ApprovalKey(context.Background()); err != nil {
		t.Fatalf("ApprovalKey failed: %v", err)
	}
	if atomic.LoadInt32(&approvalCalls) != 2 {
		t.Errorf("expected approval key reissue after token refresh, got %d requests", approvalCalls)
	}
}

func TestApprovalKeyCarriesBearerToken(t *testing.T) {
	var gotAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/tokenP", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "issued-token",
			"expires_in":   86400,
		})
	})
	mux.HandleFunc("/oauth2/Approval", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("authorization")
		json.NewEncoder(w).Encode(map[string]string{"approval_key": "approval-key"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := NewCredentialManager(testKisConfig(srv.URL))
	if _, err := m.ApprovalKey(context.Background()); err != nil {
		t.Fatalf("ApprovalKey failed: %v", err)
	}
	if gotAuth != "Bearer issued-token" {
		t.Errorf("authorization = %q, want Bearer issued-token", gotAuth)
	}
}

func TestTokenRateLimitBackoff(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(map[string]string{
			"error_code":        "EGW00133",
			"error_description": "token request rate exceeded",
		})
	}))
	defer srv.Close()

	cfg := testKisConfig(srv.URL)
	cfg.Rest.TokenURL = srv.URL + "/oauth2/tokenP"
	m := NewCredentialManager(cfg)
	base := time.Now()
	m.now = func() time.Time { return base }

	_, err := m.Token(context.Background())
	if !IsRateLimited(err) {
		t.Fatalf("expected rate limited error, got %v", err)
	}

	// Within the backoff window no request goes out
	m.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = m.Token(context.Background())
	if !IsRateLimited(err) {
		t.Fatalf("expected rate limited error during backoff, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected no request during backoff, got %d requests", calls)
	}

	// After the backoff window requests resume
	m.now = func() time.Time { return base.Add(6 * time.Minute) }
	m.Token(context.Background())
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("expected retry after backoff, got %d requests", calls)
	}
}

func TestReportRateLimitDropsApprovalKey(t *testing.T) {
	var tokenCalls, approvalCalls int32
	srv := newAuthServer(t, &tokenCalls, &approvalCalls)
	defer srv.Close()

	m := NewCredentialManager(testKisConfig(srv.URL))
	base := time.Now()
	m.now = func() time.Time { return base }

	if _, err := m.ApprovalKey(context.Background()); err != nil {
		t.Fatalf("ApprovalKey failed: %v", err)
	}

	m.ReportRateLimit()

	// The token still has life left, so it is served from cache and a new
	// approval key is issued against it.
	if _, err := m.ApprovalKey(context.Background()); err != nil {
		t.Fatalf("ApprovalKey failed after rate limit report: %v", err)
	}
	if atomic.LoadInt32(&approvalCalls) != 2 {
		t.Errorf("expected approval key reissue, got %d requests", approvalCalls)
	}
	if atomic.LoadInt32(&tokenCalls) != 1 {
		t.Errorf("expected cached token during backoff, got %d requests", tokenCalls)
	}
}
