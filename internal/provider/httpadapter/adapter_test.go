package httpadapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"verifyd/internal/provider"
	"verifyd/pkg/domain"
	apperrors "verifyd/pkg/errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProviderServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *int32) {
	t.Helper()
	var tokens int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokens, 1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-123","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &tokens
}

func newAdapter(srv *httptest.Server) *Adapter {
	return New(Config{
		Name:         "remote",
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/oauth/token",
		ClientID:     "client",
		ClientSecret: "secret",
		Timeout:      2 * time.Second,
		Async:        true,
	})
}

func TestAdapter_CreateSendsBearerAndMapsResponse(t *testing.T) {
	vid := uuid.New()
	srv, tokens := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/verifications", r.URL.Path)

		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, vid.String(), body["reference"])
		assert.Equal(t, "biometric", body["type"])

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"rv_1","status":"awaiting_user","verification_link":"https://p.example/s/1",
			"progress":{"current_step":0,"total_steps":3,"step_names":["a","b","c"]}}`))
	})
	a := newAdapter(srv)
	assert.Equal(t, domain.ProcessingModeExternalLink, a.Capabilities().ProcessingMode)

	resp, err := a.CreateVerification(context.Background(), &provider.Request{VerificationID: vid, Type: domain.VerificationTypeBiometric})
	require.NoError(t, err)
	assert.Equal(t, "rv_1", resp.ProviderVerificationID)
	assert.Equal(t, domain.VerificationStatusPending, resp.Status)
	require.NotNil(t, resp.VerificationLink)
	require.NotNil(t, resp.Progress)
	assert.Equal(t, 3, resp.Progress.TotalSteps)
	assert.Equal(t, int32(1), atomic.LoadInt32(tokens))
}

func TestAdapter_ErrorClassification(t *testing.T) {
	var status int32 = http.StatusServiceUnavailable
	srv, _ := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(atomic.LoadInt32(&status)))
		_, _ = w.Write([]byte(`{"error":{"code":"quota","message":"slow down"}}`))
	})
	a := newAdapter(srv)

	_, err := a.GetStatus(context.Background(), uuid.Nil, "rv_1")
	var perr *provider.Error
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.Temporary)
	assert.Equal(t, "quota", perr.Code)
	assert.Equal(t, "slow down", perr.Message)

	atomic.StoreInt32(&status, http.StatusBadRequest)
	_, err = a.GetStatus(context.Background(), uuid.Nil, "rv_1")
	require.ErrorAs(t, err, &perr)
	assert.False(t, perr.Temporary)
	assert.Equal(t, http.StatusBadRequest, perr.StatusCode)

	atomic.StoreInt32(&status, http.StatusConflict)
	ok, err := a.Cancel(context.Background(), uuid.Nil, "rv_1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAdapter_RejectsUnknownStatus(t *testing.T) {
	srv, _ := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"rv_1","status":"teleported"}`))
	})
	_, err := newAdapter(srv).GetStatus(context.Background(), uuid.Nil, "rv_1")
	assert.ErrorIs(t, err, apperrors.ErrProviderResponseInvalid)
}

func TestAdapter_CompletedCarriesResult(t *testing.T) {
	srv, _ := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/verifications/rv_9", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"rv_9","status":"approved","result":{"kind":"document","overall":{"status":"passed","confidence":"0.99"},"document":{"document_type":"passport"}}}`))
	})
	resp, err := newAdapter(srv).GetStatus(context.Background(), uuid.Nil, "rv_9")
	require.NoError(t, err)
	assert.Equal(t, domain.VerificationStatusCompleted, resp.Status)
	require.NotNil(t, resp.Result)
	require.NoError(t, resp.Result.Validate())
	assert.Equal(t, "passport", resp.Result.Document.DocumentType)
}

func TestAdapter_InitializePerTenantCredentials(t *testing.T) {
	srv, _ := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"rv_1","status":"pending"}`))
	})
	a := newAdapter(srv)
	tenant := uuid.New()

	err := a.Initialize(context.Background(), tenant, provider.Credentials{"client_id": "only-id"}, nil)
	assert.ErrorIs(t, err, apperrors.ErrProviderCredentials)

	err = a.Initialize(context.Background(), tenant, provider.Credentials{}, domain.Metadata{"base_url": "::not a url"})
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

	require.NoError(t, a.Initialize(context.Background(), tenant, provider.Credentials{"client_id": "t", "client_secret": "s"}, nil))
	_, err = a.GetStatus(context.Background(), tenant, "rv_1")
	require.NoError(t, err)
}

func TestAdapter_HealthCheck(t *testing.T) {
	srv, _ := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	assert.True(t, newAdapter(srv).HealthCheck(context.Background()).IsHealthy)

	srv.Close()
	h := newAdapter(srv).HealthCheck(context.Background())
	assert.False(t, h.IsHealthy)
	assert.NotEmpty(t, h.Error)
}
