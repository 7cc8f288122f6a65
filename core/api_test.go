package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certhaus/certhaus/database"
)

type apiTestStack struct {
	ts *httptest.Server
	db *database.Database
}

func newApiTestStack(t *testing.T) *apiTestStack {
	t.Helper()
	dir := t.TempDir()
	db, err := database.NewDatabase(filepath.Join(dir, "data.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	paths := NewPaths(dir)
	authority := NewAuthority(db, paths)
	issuer := NewIssuer(db, paths, authority)
	notifier := NewNotifier("")
	validator := NewValidator(db)
	cfg := &Config{DataDir: dir, Port: 8443}
	acme := NewAcmeServer(db, cfg, authority, validator, notifier)
	hub := NewEventHub(db, validator)
	api := NewApiServer(cfg, db, authority, issuer, acme, validator, hub, notifier)

	ts := httptest.NewServer(api.Handler())
	t.Cleanup(ts.Close)
	return &apiTestStack{ts: ts, db: db}
}

func (s *apiTestStack) request(t *testing.T, method string, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.ts.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	out := map[string]interface{}{}
	if len(data) > 0 && strings.Contains(resp.Header.Get("Content-Type"), "json") {
		require.NoError(t, json.Unmarshal(data, &out), "body: %s", data)
	} else {
		out["raw"] = string(data)
	}
	return resp, out
}

// S1: bootstrap an empty store.
func TestBootstrapScenario(t *testing.T) {
	s := newApiTestStack(t)

	resp, body := s.request(t, "POST", "/api/ca/setup", map[string]interface{}{
		"name":          "Test CA",
		"commonName":    "Test CA Root",
		"validityYears": 2,
		"keySize":       2048,
		"hashAlgo":      "sha256",
	})
	require.Equal(t, 200, resp.StatusCode, "body: %v", body)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "test-ca", body["id"])

	active, err := s.db.GetConfig(database.CfgActiveCaId)
	require.NoError(t, err)
	assert.Equal(t, "test-ca", active)
}

// S2: issue a leaf under an intermediate and download it.
func TestIssueUnderIntermediateScenario(t *testing.T) {
	s := newApiTestStack(t)

	resp, body := s.request(t, "POST", "/api/ca/setup", map[string]interface{}{"name": "r0", "validityYears": 2})
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "r0", body["id"])

	resp, body = s.request(t, "POST", "/api/ca/intermediate", map[string]interface{}{
		"parentCaId":    "r0",
		"name":          "I",
		"commonName":    "I",
		"validityYears": 1,
	})
	require.Equal(t, 200, resp.StatusCode, "body: %v", body)
	require.Equal(t, "i", body["id"])

	resp, body = s.request(t, "POST", "/api/cert/create", map[string]interface{}{
		"issuerId":     "i",
		"domain":       "leaf.example.com",
		"validityDays": 30,
	})
	require.Equal(t, 200, resp.StatusCode, "body: %v", body)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, float64(1), body["id"])

	resp, body = s.request(t, "GET", "/api/cert/download?id=1", nil)
	require.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, body["raw"], "-----BEGIN CERTIFICATE-----")

	resp, _ = s.request(t, "GET", "/api/cert/key?id=1", nil)
	assert.Equal(t, 200, resp.StatusCode)

	resp, body = s.request(t, "GET", "/api/cert/info?id=1", nil)
	require.Equal(t, 200, resp.StatusCode)
	info := body["info"].(map[string]interface{})
	assert.Equal(t, "CN=leaf.example.com", info["subject"])
}

// S3: a manually inserted token is served verbatim.
func TestManualTokenScenario(t *testing.T) {
	s := newApiTestStack(t)

	resp, _ := s.request(t, "POST", "/api/http-challenges", map[string]string{
		"token":            "T",
		"keyAuthorization": "K",
	})
	require.Equal(t, 200, resp.StatusCode)

	resp, body := s.request(t, "GET", "/.well-known/acme-challenge/T", nil)
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "K", body["raw"])
}

// S5: deleting a root cascades over intermediates and leaves.
func TestCascadeDeleteScenario(t *testing.T) {
	s := newApiTestStack(t)

	resp, _ := s.request(t, "POST", "/api/ca/setup", map[string]interface{}{"name": "r", "validityYears": 2})
	require.Equal(t, 200, resp.StatusCode)
	resp, _ = s.request(t, "POST", "/api/ca/intermediate", map[string]interface{}{"parentCaId": "r", "name": "i", "validityYears": 1})
	require.Equal(t, 200, resp.StatusCode)
	resp, body := s.request(t, "POST", "/api/cert/create", map[string]interface{}{"issuerId": "i", "domain": "leaf.example.com"})
	require.Equal(t, 200, resp.StatusCode)
	leafId := int(body["id"].(float64))

	resp, _ = s.request(t, "DELETE", "/api/ca?id=r", nil)
	require.Equal(t, 200, resp.StatusCode)

	resp, _ = s.request(t, "GET", "/api/ca-cert?id=r", nil)
	assert.Equal(t, 404, resp.StatusCode)
	resp, _ = s.request(t, "GET", "/api/ca-cert?id=i", nil)
	assert.Equal(t, 404, resp.StatusCode)
	resp, _ = s.request(t, "GET", fmt.Sprintf("/api/cert/download?id=%d", leafId), nil)
	assert.Equal(t, 404, resp.StatusCode)
}

// S6: revocation is terminal on the wire.
func TestRevocationScenario(t *testing.T) {
	s := newApiTestStack(t)

	resp, _ := s.request(t, "POST", "/api/ca/setup", map[string]interface{}{"name": "r", "validityYears": 2})
	require.Equal(t, 200, resp.StatusCode)
	resp, body := s.request(t, "POST", "/api/cert/create", map[string]interface{}{"issuerId": "r", "domain": "l.example.com"})
	require.Equal(t, 200, resp.StatusCode)
	leafId := int(body["id"].(float64))

	resp, _ = s.request(t, "POST", fmt.Sprintf("/api/cert/revoke?id=%d", leafId), nil)
	require.Equal(t, 200, resp.StatusCode)

	resp, body = s.request(t, "POST", fmt.Sprintf("/api/cert/revoke?id=%d", leafId), nil)
	assert.Equal(t, 400, resp.StatusCode)
	assert.Equal(t, "conflict", body["error"])
	assert.Equal(t, "already-revoked", body["message"])

	resp, body = s.request(t, "GET", fmt.Sprintf("/api/cert/revocation-status?id=%d", leafId), nil)
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, true, body["revoked"])
	assert.NotEmpty(t, body["revokedAt"])
}

func TestCaCertDownloadHeaders(t *testing.T) {
	s := newApiTestStack(t)

	resp, _ := s.request(t, "POST", "/api/ca/setup", map[string]interface{}{"name": "Down CA", "validityYears": 2})
	require.Equal(t, 200, resp.StatusCode)

	resp, body := s.request(t, "GET", "/api/ca-cert?id=down-ca", nil)
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "application/x-x509-ca-cert", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "down-ca.pem")
	assert.Contains(t, body["raw"], "-----BEGIN CERTIFICATE-----")
}

func TestRenewEndpoint(t *testing.T) {
	s := newApiTestStack(t)

	resp, _ := s.request(t, "POST", "/api/ca/setup", map[string]interface{}{"name": "r", "validityYears": 2})
	require.Equal(t, 200, resp.StatusCode)
	resp, body := s.request(t, "POST", "/api/cert/create", map[string]interface{}{"issuerId": "r", "domain": "l.example.com"})
	require.Equal(t, 200, resp.StatusCode)
	leafId := int(body["id"].(float64))

	resp, body = s.request(t, "POST", fmt.Sprintf("/api/cert/renew?id=%d", leafId), nil)
	require.Equal(t, 200, resp.StatusCode, "body: %v", body)
	newId := int(body["id"].(float64))
	assert.Greater(t, newId, leafId)

	// The renewed-away leaf is revoked; renewing it again conflicts.
	resp, body = s.request(t, "POST", fmt.Sprintf("/api/cert/renew?id=%d", leafId), nil)
	assert.Equal(t, 400, resp.StatusCode)
	assert.Equal(t, "conflict", body["error"])
}

func TestWhitelistAndAssignmentCrud(t *testing.T) {
	s := newApiTestStack(t)

	resp, _ := s.request(t, "POST", "/api/ca/setup", map[string]interface{}{"name": "r", "validityYears": 2})
	require.Equal(t, 200, resp.StatusCode)

	resp, body := s.request(t, "POST", "/api/acme-whitelist", map[string]string{"domainPattern": "*.internal.test"})
	require.Equal(t, 200, resp.StatusCode)
	wlId := int(body["id"].(float64))

	resp, body = s.request(t, "POST", "/api/acme-whitelist", map[string]string{"domainPattern": "*.internal.test"})
	assert.Equal(t, 400, resp.StatusCode)
	assert.Equal(t, "conflict", body["error"])

	resp, body = s.request(t, "GET", "/api/acme-whitelist", nil)
	require.Equal(t, 200, resp.StatusCode)
	assert.Len(t, body["entries"], 1)

	resp, _ = s.request(t, "DELETE", fmt.Sprintf("/api/acme-whitelist?id=%d", wlId), nil)
	require.Equal(t, 200, resp.StatusCode)

	resp, body = s.request(t, "POST", "/api/acme-ca-assignments", map[string]string{"domainPattern": "*.apps.test", "caId": "r"})
	require.Equal(t, 200, resp.StatusCode)
	asId := int(body["id"].(float64))

	resp, _ = s.request(t, "POST", "/api/acme-ca-assignments", map[string]string{"domainPattern": "*.x.test", "caId": "missing"})
	assert.Equal(t, 404, resp.StatusCode)

	resp, _ = s.request(t, "DELETE", fmt.Sprintf("/api/acme-ca-assignments?id=%d", asId), nil)
	require.Equal(t, 200, resp.StatusCode)
}

func TestSummaryEndpoint(t *testing.T) {
	s := newApiTestStack(t)

	resp, _ := s.request(t, "POST", "/api/ca/setup", map[string]interface{}{"name": "Sum CA", "validityYears": 2})
	require.Equal(t, 200, resp.StatusCode)
	resp, _ = s.request(t, "POST", "/api/cert/create", map[string]interface{}{"issuerId": "sum-ca", "domain": "s.example.com"})
	require.Equal(t, 200, resp.StatusCode)

	resp, body := s.request(t, "GET", "/api/summary", nil)
	require.Equal(t, 200, resp.StatusCode)
	summary := body["summary"].(map[string]interface{})
	assert.Equal(t, float64(1), summary["certs_total"])
	assert.Equal(t, float64(1), summary["certs_valid"])
	roots := summary["roots"].([]interface{})
	require.Len(t, roots, 1)
	assert.Equal(t, true, roots[0].(map[string]interface{})["is_active"])
	assert.NotEmpty(t, summary["server_time_utc"])
}

func TestBadRequests(t *testing.T) {
	s := newApiTestStack(t)

	resp, body := s.request(t, "POST", "/api/ca/setup", map[string]interface{}{})
	assert.Equal(t, 400, resp.StatusCode)
	assert.Equal(t, "bad-request", body["error"])

	resp, body = s.request(t, "POST", "/api/cert/revoke?id=abc", nil)
	assert.Equal(t, 400, resp.StatusCode)
	assert.Equal(t, "bad-request", body["error"])

	resp, body = s.request(t, "POST", "/api/cert/revoke?id=999", nil)
	assert.Equal(t, 404, resp.StatusCode)
	assert.Equal(t, "not-found", body["error"])
}
