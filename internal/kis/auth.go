package kis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	appconfig "stockflow/config"
	"stockflow/logger"
)

// Tokens are refreshed this long before their reported expiry.
const expiryMargin = 5 * time.Minute

// How long to hold off token requests after the gateway rate limits us.
const rateLimitBackoff = 5 * time.Minute

// CredentialManager caches the OAuth access token and the websocket approval
// key. The approval key is derived from the token, so issuing a new token
// invalidates the cached approval key.
type CredentialManager struct {
	cfg        appconfig.KisConfig
	httpClient *http.Client
	log        *logger.Log

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	approvalKey string
	retryAfter  time.Time

	now func() time.Time
}

// NewCredentialManager creates a credential manager for the given KIS config.
func NewCredentialManager(cfg appconfig.KisConfig) *CredentialManager {
	timeout := cfg.Rest.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CredentialManager{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.GetLogger(),
		now:        time.Now,
	}
}

type tokenRequest struct {
	GrantType string `json:"grant_type"`
	AppKey    string `json:"appkey"`
	AppSecret string `json:"appsecret"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	ErrorCode   string `json:"error_code"`
	ErrorDesc   string `json:"error_description"`
}

type approvalRequest struct {
	GrantType string `json:"grant_type"`
	AppKey    string `json:"appkey"`
	SecretKey string `json:"secretkey"`
}

type approvalResponse struct {
	ApprovalKey string `json:"approval_key"`
}

// Token returns a valid access token, refreshing it when the cached one is
// within the expiry margin.
func (m *CredentialManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenLocked(ctx)
}

func (m *CredentialManager) tokenLocked(ctx context.Context) (string, error) {
	now := m.now()
	if m.token != "" && now.Before(m.tokenExpiry.Add(-expiryMargin)) {
		return m.token, nil
	}
	if now.Before(m.retryAfter) {
		// Rate limited recently. Serve the cached token if it has any life
		// left rather than hitting the gateway again.
		if m.token != "" && now.Before(m.tokenExpiry) {
			return m.token, nil
		}
		return "", &AuthError{Code: codeRateLimited, Message: "token refresh backed off", RateLimited: true}
	}

	log := m.log.WithComponent("kis_auth").WithFields(logger.Fields{"operation": "token"})

	var resp tokenResponse
	err := m.postJSON(ctx, m.cfg.Rest.TokenURL, tokenRequest{
		GrantType: "client_credentials",
		AppKey:    m.cfg.App.Key,
		AppSecret: m.cfg.App.Secret,
	}, &resp, nil)
	if err != nil {
		if IsRateLimited(err) {
			m.retryAfter = now.Add(rateLimitBackoff)
		}
		return "", err
	}
	if resp.AccessToken == "" {
		err := &AuthError{
			Code:        resp.ErrorCode,
			Message:     resp.ErrorDesc,
			RateLimited: resp.ErrorCode == codeRateLimited,
		}
		if err.RateLimited {
			m.retryAfter = now.Add(rateLimitBackoff)
			log.WithFields(logger.Fields{"code": resp.ErrorCode, "retry_after": m.retryAfter.Format(time.RFC3339)}).Warn("token request rate limited")
		}
		return "", err
	}

	m.token = resp.AccessToken
	m.tokenExpiry = now.Add(time.Duration(resp.ExpiresIn) * time.Second)
	// New token, old approval key is no longer valid
	m.approvalKey = ""
	m.retryAfter = time.Time{}

	log.WithFields(logger.Fields{"expires_in": resp.ExpiresIn}).Info("access token issued")
	return m.token, nil
}

// ApprovalKey returns the websocket approval key, issuing one when needed.
func (m *CredentialManager) ApprovalKey(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, err := m.tokenLocked(ctx)
	if err != nil {
		return "", err
	}
	if m.approvalKey != "" {
		return m.approvalKey, nil
	}

	var resp approvalResponse
	err = m.postJSON(ctx, m.cfg.Rest.ApprovalURL, approvalRequest{
		GrantType: "client_credentials",
		AppKey:    m.cfg.App.Key,
		SecretKey: m.cfg.App.Secret,
	}, &resp, map[string]string{"authorization": "Bearer " + token})
	if err != nil {
		if IsRateLimited(err) {
			m.retryAfter = m.now().Add(rateLimitBackoff)
		}
		return "", err
	}
	if resp.ApprovalKey == "" {
		return "", &AuthError{Code: "unknown", Message: "empty approval key"}
	}

	m.approvalKey = resp.ApprovalKey
	m.log.WithComponent("kis_auth").Info("websocket approval key issued")
	return m.approvalKey, nil
}

// ReportRateLimit records a gateway rate limit observed outside the REST
// flow, for example inside a websocket control frame. Token requests are
// held off and the cached approval key is dropped.
func (m *CredentialManager) ReportRateLimit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryAfter = m.now().Add(rateLimitBackoff)
	m.approvalKey = ""
	m.log.WithComponent("kis_auth").WithFields(logger.Fields{"retry_after": m.retryAfter.Format(time.RFC3339)}).Warn("gateway rate limit reported")
}

func (m *CredentialManager) postJSON(ctx context.Context, url string, payload, out interface{}, headers map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &AuthError{
			Code:        fmt.Sprintf("http_%d", resp.StatusCode),
			Message:     string(data),
			RateLimited: resp.StatusCode == http.StatusTooManyRequests,
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
