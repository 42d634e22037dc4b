package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"licensegate/internal/license"
	"licensegate/internal/metrics"
	"licensegate/internal/service"
	"licensegate/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testSecret = "top-secret"

type testServer struct {
	t     *testing.T
	srv   *httptest.Server
	store *store.BoltStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.OpenBBolt(filepath.Join(t.TempDir(), "licenses.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	deps := service.Dependencies{Store: st, Logger: log, Metrics: m}

	api := New(Options{
		Engine:      service.NewEngine(deps, true),
		Deactivator: service.NewDeactivator(deps),
		Issuer:      service.NewIssuer(deps, service.IssueDefaults{MaxAccounts: 1, Days: 30}),
		AdminSecret: testSecret,
		Logger:      log,
		Metrics:     m,
		Gatherer:    reg,
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &testServer{t: t, srv: srv, store: st}
}

func (s *testServer) do(method, path, body string, admin bool) (int, http.Header, string) {
	s.t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, rd)
	require.NoError(s.t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set(AdminHeader, testSecret)
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(s.t, err)
	return resp.StatusCode, resp.Header, string(b)
}

func (s *testServer) issue(body string) issueResponse {
	s.t.Helper()
	code, _, resp := s.do(http.MethodPost, "/api/issue", body, true)
	require.Equal(s.t, http.StatusOK, code, resp)
	var out issueResponse
	require.NoError(s.t, json.Unmarshal([]byte(resp), &out))
	return out
}

func query(key, account, server string) string {
	v := url.Values{}
	v.Set("key", key)
	v.Set("account", account)
	v.Set("server", server)
	return "?" + v.Encode()
}

func TestIssueValidateRoundTrip(t *testing.T) {
	s := newTestServer(t)
	lic := s.issue(`{"plan":"pro","max_accounts":2,"days":30}`)

	assert.Equal(t, "pro", lic.Plan)
	assert.Equal(t, 2, lic.MaxAccounts)
	assert.Equal(t, "License created successfully", lic.Message)
	assert.Regexp(t, `^[0-9A-F]{32}$`, lic.LicenseKey)
	expires, err := time.Parse(time.RFC3339, lic.ExpiresAt)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), expires, time.Minute)

	code, hdr, body := s.do(http.MethodGet, "/api/validate"+query(lic.LicenseKey, "1", "srv.example.com"), "", false)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK|pro|"+lic.ExpiresAt, body)
	assert.Contains(t, hdr.Get("Content-Type"), "text/plain")

	code, _, body = s.do(http.MethodGet, "/api/validate"+query(strings.ToLower(lic.LicenseKey), "1", "srv2.example.com"), "", false)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK|pro|"+lic.ExpiresAt, body)

	code, _, body = s.do(http.MethodGet, "/api/validate"+query(lic.LicenseKey, "1", "srv3.example.com"), "", false)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "ERR|LIMIT|max activations reached", body)

	code, _, body = s.do(http.MethodGet, "/api/validate"+query(lic.LicenseKey, "1", "srv.example.com"), "", false)
	assert.Equal(t, http.StatusOK, code, "re-validation at the cap")
	assert.Equal(t, "OK|pro|"+lic.ExpiresAt, body)
}

func TestValidateErrors(t *testing.T) {
	s := newTestServer(t)
	lic := s.issue(`{}`)

	tests := []struct {
		name string
		path string
		code int
		body string
	}{
		{"missing params", "/api/validate?key=" + lic.LicenseKey, 400, "ERR|BAD_REQUEST|missing params"},
		{"bad account", "/api/validate" + query(lic.LicenseKey, "abc", "srv"), 400, "ERR|BAD_REQUEST|invalid account number"},
		{"bad server", "/api/validate" + query(lic.LicenseKey, "1", "srv_1"), 400, "ERR|BAD_REQUEST|invalid server name"},
		{"unknown key", "/api/validate" + query("FFFF", "1", "srv"), 404, "ERR|NOT_FOUND|license"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, body := s.do(http.MethodGet, tt.path, "", false)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.body, body)
		})
	}

	code, _, body := s.do(http.MethodPost, "/api/validate"+query(lic.LicenseKey, "1", "srv"), "", false)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
	assert.Equal(t, "ERR|METHOD|method not allowed", body)
}

func TestValidateInactiveAndExpired(t *testing.T) {
	s := newTestServer(t)
	lic := s.issue(`{"plan":"basic"}`)

	code, _, body := s.do(http.MethodPatch, "/api/issue/"+strings.ToLower(lic.LicenseKey), `{"active":false}`, true)
	require.Equal(t, http.StatusOK, code, body)
	assert.JSONEq(t, `{"message":"License updated successfully"}`, body)

	code, _, body = s.do(http.MethodGet, "/api/validate"+query(lic.LicenseKey, "1", "srv"), "", false)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "ERR|INACTIVE|license inactive", body)

	expired, err := s.store.CreateLicense(context.Background(), license.License{
		Key:         "EXPIRED0000000000000000000000000",
		Plan:        license.PlanPro,
		MaxAccounts: 1,
		ExpiresAt:   time.Now().Add(-time.Hour),
		Active:      true,
	})
	require.NoError(t, err)
	code, _, body = s.do(http.MethodGet, "/api/validate"+query(expired.Key, "1", "srv"), "", false)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "ERR|EXPIRED|license expired", body)
}

func TestDeactivate(t *testing.T) {
	s := newTestServer(t)
	lic := s.issue(`{"max_accounts":1}`)
	path := "/api/deactivate" + query(lic.LicenseKey, "5", "host")

	code, _, body := s.do(http.MethodDelete, path, "", false)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "ERR|AUTH|unauthorized", body)

	code, _, body = s.do(http.MethodGet, path, "", true)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
	assert.Equal(t, "ERR|METHOD|method not allowed", body)

	code, _, _ = s.do(http.MethodGet, "/api/validate"+query(lic.LicenseKey, "5", "host"), "", false)
	require.Equal(t, http.StatusOK, code)

	code, _, body = s.do(http.MethodDelete, path, "", true)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK|DEACTIVATED", body)

	code, _, body = s.do(http.MethodDelete, path, "", true)
	assert.Equal(t, http.StatusOK, code, "idempotent")
	assert.Equal(t, "OK|DEACTIVATED", body)

	code, _, body = s.do(http.MethodDelete, "/api/deactivate?key="+lic.LicenseKey, "", true)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ERR|BAD_REQUEST|missing params", body)

	code, _, body = s.do(http.MethodDelete, "/api/deactivate"+query("FFFF", "5", "host"), "", true)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "ERR|NOT_FOUND|license", body)
}

func TestIssueValidation(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		body string
		code int
		want string
	}{
		{`{"plan":"gold"}`, 400, "Invalid plan type"},
		{`{"plan":7}`, 400, "Invalid plan type"},
		{`{"max_accounts":0}`, 400, "Invalid max_accounts value"},
		{`{"max_accounts":1.5}`, 400, "Invalid max_accounts value"},
		{`{"max_accounts":"2"}`, 400, "Invalid max_accounts value"},
		{`{"days":-1}`, 400, "Invalid days value"},
		{`{"days":null}`, 400, "Invalid days value"},
		{`{"days":2000001}`, 400, "Invalid days value"},
		{`{not json`, 400, "Invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			code, _, body := s.do(http.MethodPost, "/api/issue", tt.body, true)
			assert.Equal(t, tt.code, code)
			assert.JSONEq(t, `{"error":"`+tt.want+`"}`, body)
		})
	}

	lic := s.issue(`{"max_accounts":3.0}`)
	assert.Equal(t, 3, lic.MaxAccounts)

	code, _, body := s.do(http.MethodPost, "/api/issue", "", true)
	require.Equal(t, http.StatusOK, code, "empty body takes defaults")
	var out issueResponse
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	assert.Equal(t, "pro", out.Plan)
	assert.Equal(t, 1, out.MaxAccounts)
}

func TestIssueFarFutureExpiry(t *testing.T) {
	s := newTestServer(t)
	lic := s.issue(`{"days":1000000}`)

	expires, err := time.Parse(time.RFC3339, lic.ExpiresAt)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, 1_000_000), expires, time.Minute)

	code, _, body := s.do(http.MethodGet, "/api/validate"+query(lic.LicenseKey, "1", "srv"), "", false)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK|pro|"+lic.ExpiresAt, body)
}

func TestAdminEndpointsRequireSecret(t *testing.T) {
	s := newTestServer(t)
	for _, c := range []struct{ method, path, body string }{
		{http.MethodPost, "/api/issue", `{}`},
		{http.MethodGet, "/api/issue/list", ""},
		{http.MethodPatch, "/api/issue/ABC", `{"active":true}`},
	} {
		code, _, body := s.do(c.method, c.path, c.body, false)
		assert.Equal(t, http.StatusUnauthorized, code, c.path)
		assert.JSONEq(t, `{"error":"Unauthorized"}`, body)
	}

	code, _, body := s.do(http.MethodPut, "/api/issue", `{}`, true)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
	assert.JSONEq(t, `{"error":"Method not allowed"}`, body)
}

func TestListAndPatch(t *testing.T) {
	s := newTestServer(t)
	first := s.issue(`{"plan":"basic"}`)
	time.Sleep(5 * time.Millisecond)
	second := s.issue(`{"plan":"enterprise","max_accounts":2}`)

	code, _, _ := s.do(http.MethodGet, "/api/validate"+query(second.LicenseKey, "9", "box"), "", false)
	require.Equal(t, http.StatusOK, code)

	code, _, body := s.do(http.MethodGet, "/api/issue/list", "", true)
	require.Equal(t, http.StatusOK, code)
	var out listResponse
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	require.Len(t, out.Licenses, 2)
	assert.Equal(t, second.LicenseKey, out.Licenses[0].LicenseKey)
	assert.Equal(t, first.LicenseKey, out.Licenses[1].LicenseKey)
	require.Len(t, out.Licenses[0].Activations, 1)
	assert.Equal(t, int64(9), out.Licenses[0].Activations[0].Account)
	assert.Equal(t, "box", out.Licenses[0].Activations[0].Server)
	assert.NotNil(t, out.Licenses[1].Activations)
	assert.Contains(t, body, `"activations":[]`)

	code, _, body = s.do(http.MethodPatch, "/api/issue/NOPE", `{"active":true}`, true)
	assert.Equal(t, http.StatusNotFound, code)
	assert.JSONEq(t, `{"error":"License not found"}`, body)

	for _, bad := range []string{`{"active":"yes"}`, `{}`, `{"active":null}`} {
		code, _, body = s.do(http.MethodPatch, "/api/issue/"+first.LicenseKey, bad, true)
		assert.Equal(t, http.StatusBadRequest, code, bad)
		assert.JSONEq(t, `{"error":"active must be a boolean"}`, body)
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/api/validate", "/api/deactivate", "/api/issue", "/api/issue/ABC"} {
		code, hdr, body := s.do(http.MethodOptions, path, "", false)
		assert.Equal(t, http.StatusOK, code, path)
		assert.Empty(t, body)
		assert.Equal(t, "*", hdr.Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", hdr.Get("Access-Control-Allow-Credentials"))
		assert.Contains(t, hdr.Get("Access-Control-Allow-Methods"), "PATCH")
		assert.Contains(t, hdr.Get("Access-Control-Allow-Headers"), AdminHeader)
	}

	_, hdr, _ := s.do(http.MethodGet, "/api/validate", "", false)
	assert.Equal(t, "*", hdr.Get("Access-Control-Allow-Origin"))
}

func TestOperationalRoutes(t *testing.T) {
	s := newTestServer(t)

	code, _, body := s.do(http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, hdr, _ := s.do(http.MethodGet, "/", "", false)
	assert.Equal(t, http.StatusFound, code)
	assert.Equal(t, "/docs", hdr.Get("Location"))

	code, _, body = s.do(http.MethodGet, "/docs", "", false)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "swagger-ui")

	code, _, body = s.do(http.MethodGet, "/docs/openapi.yaml", "", false)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "/api/validate:")

	code, _, body = s.do(http.MethodGet, "/docs/openapi.json", "", false)
	assert.Equal(t, http.StatusOK, code)
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &doc))
	assert.Equal(t, "3.0.3", doc["openapi"])
	assert.Contains(t, doc["paths"], "/api/issue/{key}")

	s.do(http.MethodGet, "/api/validate"+query("FFFF", "1", "srv"), "", false)
	code, _, body = s.do(http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `license_validations_total{outcome="NOT_FOUND"} 1`)
	assert.Contains(t, body, "http_requests_total")
}

func TestPanicIsReportedAsInternal(t *testing.T) {
	a := New(Options{AdminSecret: testSecret, Logger: zaptest.NewLogger(t)})
	h := a.recoverer(a.writePipeError)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/validate", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "ERR|INTERNAL|unexpected error", rec.Body.String())

	h = a.recoverer(a.writeJSONError)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/issue", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal server error"}`, rec.Body.String())
}
