package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Richardson2512/drason/ingest"
	"github.com/Richardson2512/drason/pkg/health"
)

const testAPIKey = "test-api-key"

// testServer builds a server with an in-memory pipeline and no database.
// Handlers that touch the database are exercised in integration tests.
func testServer(t *testing.T, allowedHosts []string) *Server {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	require.NoError(t, err)
	return &Server{
		apiKeyHash:   string(hash),
		allowedHosts: allowedHosts,
		pipeline:     ingest.New(nil, 2, 8),
		monitor:      health.NewHealthMonitor(),
	}
}

func doRequest(s *Server, method, path, body string, authorize bool) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if authorize {
		r.Header.Set("Authorization", "Bearer "+testAPIKey)
	}
	w := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(w, r)
	return w
}

func TestAuthMiddleware_MissingHeader(t *testing.T) {
	s := testServer(t, nil)
	w := doRequest(s, "GET", "/api/v1/transitions", "", false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddleware_WrongKey(t *testing.T) {
	s := testServer(t, nil)
	r := httptest.NewRequest("GET", "/api/v1/transitions", nil)
	r.Header.Set("Authorization", "Bearer wrong-key")
	w := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(w, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAuthMiddleware_MalformedHeader(t *testing.T) {
	s := testServer(t, nil)
	r := httptest.NewRequest("GET", "/api/v1/transitions", nil)
	r.Header.Set("Authorization", testAPIKey) // missing Bearer prefix
	w := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHealthzOpenWithoutAuth(t *testing.T) {
	s := testServer(t, nil)
	w := doRequest(s, "GET", "/healthz", "", false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestMetricsOpenWithoutAuth(t *testing.T) {
	s := testServer(t, nil)
	w := doRequest(s, "GET", "/metrics", "", false)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAllowedHosts_Denied(t *testing.T) {
	s := testServer(t, []string{"10.0.0.0/8"})
	r := httptest.NewRequest("GET", "/healthz", nil)
	r.RemoteAddr = "192.0.2.10:4567"
	w := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(w, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAllowedHosts_CIDRMatch(t *testing.T) {
	s := testServer(t, []string{"10.0.0.0/8"})
	r := httptest.NewRequest("GET", "/healthz", nil)
	r.RemoteAddr = "10.20.30.40:4567"
	w := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAllowedHosts_ForwardedFor(t *testing.T) {
	s := testServer(t, []string{"10.0.0.0/8"})
	r := httptest.NewRequest("GET", "/healthz", nil)
	r.RemoteAddr = "192.0.2.10:4567"
	r.Header.Set("X-Forwarded-For", "10.1.2.3, 192.0.2.10")
	w := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSubmitEvent_Accepted(t *testing.T) {
	s := testServer(t, nil)
	body := `{"mailbox_id": 42, "provider": "gmail", "outcome": "sent"}`
	w := doRequest(s, "POST", "/api/v1/events", body, true)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), "Event accepted")
}

func TestSubmitEvent_Malformed(t *testing.T) {
	s := testServer(t, nil)
	// Missing mailbox_id; rejected before it reaches a queue.
	body := `{"provider": "gmail", "outcome": "sent"}`
	w := doRequest(s, "POST", "/api/v1/events", body, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitEvent_UnknownOutcome(t *testing.T) {
	s := testServer(t, nil)
	body := `{"mailbox_id": 42, "provider": "gmail", "outcome": "opened-maybe"}`
	w := doRequest(s, "POST", "/api/v1/events", body, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitEvent_BadTimestamp(t *testing.T) {
	s := testServer(t, nil)
	body := `{"mailbox_id": 42, "provider": "gmail", "outcome": "sent", "occurred_at": "yesterday"}`
	w := doRequest(s, "POST", "/api/v1/events", body, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitDSN_RequiresMailboxID(t *testing.T) {
	s := testServer(t, nil)
	w := doRequest(s, "POST", "/api/v1/events/dsn?provider=gmail", "irrelevant", true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "mailbox_id")
}

func TestGateCheck_RequiresCampaignID(t *testing.T) {
	s := testServer(t, nil)
	w := doRequest(s, "POST", "/api/v1/gate/check", `{}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSetCampaignStatus_RejectsUnknownStatus(t *testing.T) {
	s := testServer(t, nil)
	w := doRequest(s, "PUT", "/api/v1/campaigns/3/status", `{"status": "archived"}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateLead_RequiresEmail(t *testing.T) {
	s := testServer(t, nil)
	w := doRequest(s, "POST", "/api/v1/leads", `{"score": 0.5}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateLead_RejectsBareLocalPart(t *testing.T) {
	s := testServer(t, nil)
	w := doRequest(s, "POST", "/api/v1/leads", `{"email": "no-domain"}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOverrideDomain_RequiresReason(t *testing.T) {
	s := testServer(t, nil)
	body := `{"status": "paused", "operator": "ops"}`
	w := doRequest(s, "POST", "/api/v1/domains/7/override", body, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOverrideDomain_RejectsUnknownStatus(t *testing.T) {
	s := testServer(t, nil)
	body := `{"status": "frozen", "reason": "x", "operator": "ops"}`
	w := doRequest(s, "POST", "/api/v1/domains/7/override", body, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSetOrganizationMode_RejectsUnknownMode(t *testing.T) {
	s := testServer(t, nil)
	w := doRequest(s, "PUT", "/api/v1/organizations/3/mode", `{"mode": "yolo"}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListTransitions_BadSince(t *testing.T) {
	s := testServer(t, nil)
	w := doRequest(s, "GET", "/api/v1/transitions?since=lastweek", "", true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
