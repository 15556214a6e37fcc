package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"verifyd/internal/events"
	"verifyd/internal/middleware"
	"verifyd/internal/provider"
	"verifyd/internal/provider/simulated"
	"verifyd/internal/queue"
	"verifyd/internal/repository/memory"
	"verifyd/internal/security"
	"verifyd/internal/session"
	"verifyd/internal/verification"
	"verifyd/internal/webhook"
	"verifyd/pkg/domain"
	"verifyd/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type api struct {
	t       *testing.T
	srv     *httptest.Server
	tenants *memory.TenantRepository
}

func newAPI(t *testing.T) *api {
	t.Helper()
	log := logger.NewNop()
	bus := events.NewBus(log)
	tenants := memory.NewTenantRepository()
	q := queue.New(queue.NewMemoryStore(), queue.Options{}, log)
	tracker := session.NewTracker(memory.NewSessionRepository(), bus, log)

	registry := provider.NewRegistry(tenants, nil, log)
	doc := simulated.NewDocumentAdapter()
	registry.Register(doc, doc.Capabilities())
	sessions := simulated.NewSessionAdapter(time.Hour)
	registry.Register(sessions, sessions.Capabilities())

	crypto, err := security.NewCryptoService("handler-test-master-key")
	require.NoError(t, err)
	hooks := webhook.NewManager(memory.NewWebhookRepository(), crypto, q, bus, webhook.Options{}, log)

	svc := verification.NewService(verification.Deps{
		Repo:     memory.NewVerificationRepository(),
		Tenants:  tenants,
		Accounts: tenants,
		Registry: registry,
		Sessions: tracker,
		Queue:    q,
		Bus:      bus,
		Webhooks: hooks,
	}, verification.Options{}, log)
	svc.Subscribe()
	t.Cleanup(svc.Unsubscribe)

	router := NewRouter(RouterConfig{
		Verifications: NewVerificationHandler(svc, bus, log),
		Webhooks:      NewWebhookHandler(hooks, log),
		System:        NewSystemHandler(map[string]Pinger{"store": PingFunc(func(context.Context) error { return nil })}, registry, q, log),
		Logger:        log,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &api{t: t, srv: srv, tenants: tenants}
}

func (a *api) tenant(providerName string) uuid.UUID {
	a.t.Helper()
	id := uuid.New()
	require.NoError(a.t, a.tenants.CreateTenant(context.Background(), &domain.Tenant{
		ID:     id,
		Name:   "acme",
		Active: true,
		ProviderConfigs: []*domain.TenantProviderConfig{{
			ID: uuid.New(), TenantID: id, ProviderName: providerName, Priority: 1, IsEnabled: true,
		}},
	}))
	return id
}

func (a *api) do(method, path string, tenant uuid.UUID, body string) (*http.Response, map[string]interface{}) {
	a.t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, reader)
	require.NoError(a.t, err)
	if tenant != uuid.Nil {
		req.Header.Set(middleware.TenantHeader, tenant.String())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestVerificationAPI_CreateAndGet(t *testing.T) {
	a := newAPI(t)
	tenant := a.tenant(simulated.DocumentName)

	resp, body := a.do(http.MethodPost, "/v1/verifications", tenant, `{"type":"document","provider_payload":{"document_type":"national_id"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	id := body["id"].(string)

	resp, body = a.do(http.MethodGet, "/v1/verifications/"+id, tenant, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
	result := body["result"].(map[string]interface{})
	assert.Equal(t, "document", result["kind"])

	resp, _ = a.do(http.MethodGet, "/v1/verifications/"+id, uuid.New(), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = a.do(http.MethodGet, "/v1/verifications/not-a-uuid", tenant, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVerificationAPI_RejectsBadRequests(t *testing.T) {
	a := newAPI(t)
	tenant := a.tenant(simulated.DocumentName)

	resp, _ := a.do(http.MethodPost, "/v1/verifications", uuid.Nil, `{"type":"document"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = a.do(http.MethodPost, "/v1/verifications", tenant, `{"type":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = a.do(http.MethodPost, "/v1/verifications", tenant, `{"type":"document","unknown":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := a.do(http.MethodPost, "/v1/verifications", tenant, `{"type":"palmprint"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "invalid_request", body["code"])

	resp, body = a.do(http.MethodPost, "/v1/verifications", tenant, `{"type":"biometric"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "unsupported_type", body["code"])

	resp, _ = a.do(http.MethodPost, "/v1/verifications", uuid.New(), `{"type":"document"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	unconfigured := uuid.New()
	require.NoError(t, a.tenants.CreateTenant(context.Background(), &domain.Tenant{ID: unconfigured, Name: "bare", Active: true}))
	resp, _ = a.do(http.MethodPost, "/v1/verifications", unconfigured, `{"type":"document"}`)
	assert.Equal(t, http.StatusFailedDependency, resp.StatusCode)
}

func TestVerificationAPI_ListWithFilters(t *testing.T) {
	a := newAPI(t)
	tenant := a.tenant(simulated.DocumentName)
	a.do(http.MethodPost, "/v1/verifications", tenant, `{"type":"document"}`)
	a.do(http.MethodPost, "/v1/verifications", tenant, `{"type":"document","provider_payload":{"simulate":"error"}}`)

	resp, body := a.do(http.MethodGet, "/v1/verifications?status=failed", tenant, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total"])
	items := body["items"].([]interface{})
	require.Len(t, items, 1)
	failed := items[0].(map[string]interface{})
	assert.Equal(t, "document_unreadable", failed["error_details"].(map[string]interface{})["code"])

	resp, body = a.do(http.MethodGet, "/v1/verifications?page_size=1", tenant, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["total"])
	assert.Len(t, body["items"], 1)

	resp, _ = a.do(http.MethodGet, "/v1/verifications?status=bogus", tenant, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = a.do(http.MethodGet, "/v1/verifications?created_after=yesterday", tenant, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVerificationAPI_CancelAndStream(t *testing.T) {
	a := newAPI(t)
	tenant := a.tenant(simulated.SessionName)

	resp, body := a.do(http.MethodPost, "/v1/verifications", tenant, `{"type":"comprehensive"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, body["verification_link"])
	id := body["id"].(string)

	wsURL := "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/v1/verifications/" + id + "/events"
	header := http.Header{}
	header.Set(middleware.TenantHeader, tenant.String())
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snapshot map[string]interface{}
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, "snapshot", snapshot["type"])

	resp, body = a.do(http.MethodPost, "/v1/verifications/"+id+"/cancel", tenant, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["cancelled"])

	var env events.Envelope
	for env.Type != events.TypeVerificationCancelled {
		require.NoError(t, conn.ReadJSON(&env))
	}
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

	resp, body = a.do(http.MethodPost, "/v1/verifications/"+id+"/cancel", tenant, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["cancelled"])
}

func TestVerificationAPI_StreamRequiresOwnership(t *testing.T) {
	a := newAPI(t)
	tenant := a.tenant(simulated.SessionName)
	_, body := a.do(http.MethodPost, "/v1/verifications", tenant, `{"type":"biometric"}`)

	wsURL := "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/v1/verifications/" + body["id"].(string) + "/events"
	header := http.Header{}
	header.Set(middleware.TenantHeader, uuid.NewString())
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhookAPI_RegisterAndDeliveries(t *testing.T) {
	a := newAPI(t)
	tenant := a.tenant(simulated.DocumentName)

	resp, body := a.do(http.MethodPost, "/v1/webhooks", tenant, `{"url":"https://hooks.example/verifyd","events":["verification.completed"]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, body["secret"])
	id := body["id"].(string)

	resp, body = a.do(http.MethodGet, "/v1/webhooks/"+id+"/deliveries", tenant, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["count"])

	resp, _ = a.do(http.MethodGet, "/v1/webhooks/"+id+"/deliveries", uuid.New(), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = a.do(http.MethodPost, "/v1/webhooks", tenant, `{"url":"http://hooks.example/plain"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	a := newAPI(t)

	resp, body := a.do(http.MethodGet, "/health", uuid.Nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "operational", body["status"])
	providers := body["providers"].(map[string]interface{})
	assert.Contains(t, providers, simulated.DocumentName)
	assert.Contains(t, providers, simulated.SessionName)
}
