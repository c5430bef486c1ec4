package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitushen/modelprobe/internal/classify"
	"github.com/hitushen/modelprobe/internal/config"
	"github.com/hitushen/modelprobe/internal/models"
	"github.com/hitushen/modelprobe/internal/probe"
	"github.com/hitushen/modelprobe/internal/realtime"
	"github.com/hitushen/modelprobe/internal/store"
	"github.com/hitushen/modelprobe/internal/verifier"
)

type harness struct {
	t      *testing.T
	srv    *httptest.Server
	client *http.Client
	token  string
	store  *store.Store
	mgr    *verifier.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureAdmin(context.Background(), "admin", "secret"))

	cfg := &config.Config{
		SessionKey: []byte("0123456789abcdef0123456789abcdef"),
		CSRFKey:    []byte("abcdef0123456789abcdef0123456789"),
		BatchSize:  10,
		Workers:    2,
	}
	responder := probe.NewResponder(nil)
	responder.RetryDelay = time.Millisecond
	prober := probe.NewProber(responder, classify.NewDetector(classify.DefaultTunables()), probe.Options{}, nil)
	broker := realtime.NewBroker()
	mgr := verifier.NewManager(st, prober, verifier.Options{BatchPause: -1, Broker: broker})
	t.Cleanup(mgr.Close)

	srv := httptest.NewServer(New(cfg, st, mgr, broker, nil).Handler())
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	h := &harness{t: t, srv: srv, client: &http.Client{Jar: jar}, store: st, mgr: mgr}

	var sess map[string]interface{}
	resp := h.do(http.MethodGet, "/session", nil, &sess)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h.token = resp.Header.Get("X-CSRF-Token")
	require.NotEmpty(t, h.token)
	assert.Equal(t, false, sess["authenticated"])
	return h
}

func (h *harness) do(method, path string, body interface{}, out interface{}) *http.Response {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("X-CSRF-Token", h.token)
	}
	resp, err := h.client.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(h.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (h *harness) login() {
	h.t.Helper()
	resp := h.do(http.MethodPost, "/login", map[string]string{"username": "admin", "password": "secret"}, nil)
	require.Equal(h.t, http.StatusOK, resp.StatusCode)
}

func fakeOllama(t *testing.T) (string, int) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3:8b","size":4000,"details":{"parameter_size":"8B"}}]}`))
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response":"The sky is blue and the grass is green."}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	h := newHarness(t)
	resp := h.do(http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = h.do(http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIRequiresLogin(t *testing.T) {
	h := newHarness(t)
	resp := h.do(http.MethodGet, "/api/endpoints", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = h.do(http.MethodPost, "/login", map[string]string{"username": "admin", "password": "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMutatingRequestsNeedCSRFToken(t *testing.T) {
	h := newHarness(t)
	h.token = ""
	resp := h.do(http.MethodPost, "/login", map[string]string{"username": "admin", "password": "secret"}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestEndpointWorkflow(t *testing.T) {
	h := newHarness(t)
	h.login()
	host, port := fakeOllama(t)
	target := host + ":" + strconv.Itoa(port)

	var imported struct {
		Added    []models.Endpoint `json:"added"`
		Rejected map[string]string `json:"rejected"`
	}
	resp := h.do(http.MethodPost, "/api/endpoints", map[string][]string{"targets": {target, "bad:99999"}}, &imported)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, imported.Added, 1)
	assert.Contains(t, imported.Rejected, "bad:99999")

	var list struct {
		Items []models.Endpoint `json:"items"`
		Total int               `json:"total"`
	}
	h.do(http.MethodGet, "/api/endpoints?state=unverified", nil, &list)
	assert.Equal(t, 1, list.Total)

	resp = h.do(http.MethodGet, "/api/endpoints?state=bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var res models.ProbeResult
	resp = h.do(http.MethodPost, "/api/endpoints/recheck", map[string]string{"target": target}, &res)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.ProbeSuccess, res.Status)

	id := imported.Added[0].ID
	var detail struct {
		Endpoint models.Endpoint             `json:"endpoint"`
		Eligible bool                        `json:"eligible"`
		Models   []models.Model              `json:"models"`
		History  []models.VerificationRecord `json:"history"`
	}
	h.do(http.MethodGet, "/api/endpoints/"+strconv.FormatInt(id, 10), nil, &detail)
	assert.True(t, detail.Eligible)
	require.Len(t, detail.Models, 1)
	assert.Equal(t, "8B", detail.Models[0].ParameterSize)
	assert.Len(t, detail.History, 1)

	var stats store.StateCounts
	h.do(http.MethodGet, "/api/endpoints/stats", nil, &stats)
	assert.Equal(t, 1, stats.Eligible)

	resp = h.do(http.MethodGet, "/api/endpoints/999", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = h.do(http.MethodPost, "/api/endpoints/999/reinstate", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTriggerRun(t *testing.T) {
	h := newHarness(t)
	h.login()
	host, port := fakeOllama(t)
	_, err := h.store.AddCandidate(context.Background(), host, port)
	require.NoError(t, err)

	resp := h.do(http.MethodPost, "/api/runs", map[string]string{"mode": "sideways"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(http.MethodPost, "/api/runs", map[string]string{"mode": "verify-only"}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		var status map[string]interface{}
		h.do(http.MethodGet, "/api/runs/current", nil, &status)
		return status["running"] == false && status["lastRunEnd"] != nil
	}, 10*time.Second, 20*time.Millisecond)

	ep, err := h.store.FindEndpoint(context.Background(), host, port)
	require.NoError(t, err)
	assert.Equal(t, models.Verified, ep.Verified)
}

func TestSweepWithoutScanner(t *testing.T) {
	h := newHarness(t)
	h.login()
	resp := h.do(http.MethodPost, "/api/sweeps", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	h := newHarness(t)
	h.login()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := h.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
}
