// Package httpadapter drives a remote verification provider exposing a JSON
// REST API behind OAuth2 client credentials.
package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"verifyd/internal/provider"
	"verifyd/pkg/domain"
	"verifyd/pkg/errors"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 1 << 20

type Config struct {
	Name          string
	BaseURL       string
	TokenURL      string
	ClientID      string
	ClientSecret  string
	Scopes        []string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	Async         bool
}

// Adapter keeps one authenticated client per tenant. Tenants without their
// own credentials share the default client built from Config.
type Adapter struct {
	cfg     Config
	base    *http.Client
	limiter *rate.Limiter

	mu      sync.RWMutex
	clients map[uuid.UUID]*tenantClient
	deflt   *tenantClient
}

type tenantClient struct {
	http    *http.Client
	baseURL string
}

func New(cfg Config) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	a := &Adapter{
		cfg:     cfg,
		base:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, cfg.Burst),
		clients: make(map[uuid.UUID]*tenantClient),
	}
	a.deflt = a.newClient(cfg.ClientID, cfg.ClientSecret, cfg.TokenURL, cfg.BaseURL, cfg.Scopes)
	return a
}

func (a *Adapter) Capabilities() provider.Capabilities {
	mode := domain.ProcessingModeDirect
	if a.cfg.Async {
		mode = domain.ProcessingModeExternalLink
	}
	return provider.Capabilities{ProcessingMode: mode, CancelSupported: true}
}

func (a *Adapter) Name() string { return a.cfg.Name }

func (a *Adapter) newClient(clientID, secret, tokenURL, baseURL string, scopes []string) *tenantClient {
	c := &tenantClient{http: a.base, baseURL: strings.TrimRight(baseURL, "/")}
	if clientID == "" || tokenURL == "" {
		return c
	}
	cc := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: secret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, a.base)
	client := cc.Client(ctx)
	client.Timeout = a.cfg.Timeout
	c.http = client
	return c
}

// Initialize registers tenant credentials. Recognized keys are client_id,
// client_secret and optionally token_url; settings may carry base_url.
func (a *Adapter) Initialize(ctx context.Context, tenantID uuid.UUID, creds provider.Credentials, settings domain.Metadata) error {
	baseURL := a.cfg.BaseURL
	if v, ok := settings["base_url"].(string); ok && v != "" {
		if _, err := url.ParseRequestURI(v); err != nil {
			return errors.Validation("invalid_base_url", "provider base_url is not a valid URL", err)
		}
		baseURL = v
	}
	if baseURL == "" {
		return errors.Configuration("missing_base_url", "provider base URL is not configured", nil)
	}

	tokenURL := a.cfg.TokenURL
	if v := creds["token_url"]; v != "" {
		tokenURL = v
	}

	var c *tenantClient
	if creds["client_id"] != "" {
		if creds["client_secret"] == "" {
			return errors.ErrProviderCredentials
		}
		c = a.newClient(creds["client_id"], creds["client_secret"], tokenURL, baseURL, a.cfg.Scopes)
	} else {
		c = a.newClient(a.cfg.ClientID, a.cfg.ClientSecret, tokenURL, baseURL, a.cfg.Scopes)
	}

	a.mu.Lock()
	a.clients[tenantID] = c
	a.mu.Unlock()
	return nil
}

func (a *Adapter) client(tenantID uuid.UUID) *tenantClient {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if c, ok := a.clients[tenantID]; ok {
		return c
	}
	return a.deflt
}

type createBody struct {
	Reference   string                  `json:"reference"`
	Type        domain.VerificationType `json:"type"`
	Payload     domain.Metadata         `json:"payload,omitempty"`
	CallbackURL *string                 `json:"callback_url,omitempty"`
	ExpiresAt   time.Time               `json:"expires_at"`
}

type remoteProgress struct {
	CurrentStep    int      `json:"current_step"`
	TotalSteps     int      `json:"total_steps"`
	StepName       string   `json:"step_name"`
	StepNames      []string `json:"step_names"`
	CompletedSteps int      `json:"completed_steps"`
	FailedStep     int      `json:"failed_step"`
	FailureReason  string   `json:"failure_reason"`
}

type remoteError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details"`
}

type remoteVerification struct {
	ID               string                     `json:"id"`
	Status           string                     `json:"status"`
	VerificationLink *string                    `json:"verification_link"`
	ExpiresAt        *time.Time                 `json:"expires_at"`
	Progress         *remoteProgress            `json:"progress"`
	Result           *domain.VerificationResult `json:"result"`
	Error            *remoteError               `json:"error"`
}

func (a *Adapter) CreateVerification(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	body := createBody{
		Reference:   req.VerificationID.String(),
		Type:        req.Type,
		Payload:     req.Payload,
		CallbackURL: req.CallbackURL,
		ExpiresAt:   req.ExpiresAt,
	}
	var out remoteVerification
	if _, err := a.do(ctx, req.TenantID, http.MethodPost, "/verifications", body, &out); err != nil {
		return nil, err
	}
	return toResponse(&out)
}

func (a *Adapter) GetStatus(ctx context.Context, tenantID uuid.UUID, id string) (*provider.Response, error) {
	var out remoteVerification
	if _, err := a.do(ctx, tenantID, http.MethodGet, "/verifications/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return toResponse(&out)
}

func (a *Adapter) Cancel(ctx context.Context, tenantID uuid.UUID, id string) (bool, error) {
	var out struct {
		Cancelled bool `json:"cancelled"`
	}
	_, err := a.do(ctx, tenantID, http.MethodPost, "/verifications/"+url.PathEscape(id)+"/cancel", nil, &out)
	var perr *provider.Error
	if errors.As(err, &perr) && perr.StatusCode == http.StatusConflict {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return out.Cancelled, nil
}

func (a *Adapter) HealthCheck(ctx context.Context) provider.HealthStatus {
	start := time.Now()
	_, err := a.do(ctx, uuid.Nil, http.MethodGet, "/health", nil, nil)
	status := provider.HealthStatus{IsHealthy: err == nil, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}

func (a *Adapter) do(ctx context.Context, tenantID uuid.UUID, method, path string, in, out interface{}) (int, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	c := a.client(tenantID)
	if c.baseURL == "" {
		return 0, errors.Configuration("missing_base_url", "provider base URL is not configured", nil)
	}

	var reader io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &provider.Error{Code: "network_error", Message: err.Error(), Temporary: true}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, &provider.Error{Code: "read_failed", Message: err.Error(), StatusCode: resp.StatusCode, Temporary: true}
	}

	if resp.StatusCode >= 300 {
		perr := &provider.Error{
			Code:       fmt.Sprintf("http_%d", resp.StatusCode),
			Message:    http.StatusText(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Temporary:  resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
		var body struct {
			Error *remoteError `json:"error"`
		}
		if json.Unmarshal(data, &body) == nil && body.Error != nil {
			if body.Error.Code != "" {
				perr.Code = body.Error.Code
			}
			if body.Error.Message != "" {
				perr.Message = body.Error.Message
			}
			perr.Details = body.Error.Details
		}
		return resp.StatusCode, perr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, errors.Provider("invalid_response", "provider returned malformed JSON", false, errors.ErrProviderResponseInvalid)
		}
	}
	return resp.StatusCode, nil
}

func toResponse(rv *remoteVerification) (*provider.Response, error) {
	if rv.ID == "" {
		return nil, errors.Provider("invalid_response", "provider response has no verification id", false, errors.ErrProviderResponseInvalid)
	}
	status, ok := mapStatus(rv.Status)
	if !ok {
		return nil, errors.Provider("invalid_response", fmt.Sprintf("unknown provider status %q", rv.Status), false, errors.ErrProviderResponseInvalid)
	}
	resp := &provider.Response{
		ProviderVerificationID: rv.ID,
		Status:                 status,
		Result:                 rv.Result,
		VerificationLink:       rv.VerificationLink,
		ExpiresAt:              rv.ExpiresAt,
	}
	if rv.Error != nil {
		resp.Error = &provider.Error{Code: rv.Error.Code, Message: rv.Error.Message, Details: rv.Error.Details}
	}
	if p := rv.Progress; p != nil {
		resp.Progress = &domain.StepProgress{
			ProviderSessionID: rv.ID,
			CurrentStep:       p.CurrentStep,
			TotalSteps:        p.TotalSteps,
			StepName:          p.StepName,
			StepNames:         p.StepNames,
			CompletedSteps:    p.CompletedSteps,
			FailedStep:        p.FailedStep,
			FailureReason:     p.FailureReason,
		}
	}
	return resp, nil
}

func mapStatus(s string) (domain.VerificationStatus, bool) {
	switch strings.ToLower(s) {
	case "pending", "created", "awaiting_user":
		return domain.VerificationStatusPending, true
	case "in_progress", "processing", "review":
		return domain.VerificationStatusInProgress, true
	case "completed", "approved", "declined":
		return domain.VerificationStatusCompleted, true
	case "failed", "error":
		return domain.VerificationStatusFailed, true
	case "expired":
		return domain.VerificationStatusExpired, true
	case "cancelled", "canceled":
		return domain.VerificationStatusCancelled, true
	}
	return "", false
}
