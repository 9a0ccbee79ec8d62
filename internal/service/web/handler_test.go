package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkguard/internal/blacklist"
	"linkguard/internal/classifier"
	"linkguard/internal/metrics"
	"linkguard/internal/preview"
	"linkguard/internal/shared/types"
	manager "linkguard/proxypool"
	"linkguard/proxypool/importer"
	"linkguard/proxypool/model"
	"linkguard/proxypool/registry"
	"linkguard/proxypool/storage"
	"linkguard/proxypool/tester"
)

type stubProber struct {
	mu   sync.Mutex
	fail map[string]bool
}

func (p *stubProber) Probe(ctx context.Context, proxyURL string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[proxyURL] {
		return errors.New("connection refused")
	}
	return nil
}

type fixture struct {
	t      *testing.T
	router http.Handler
	reg    *registry.Registry
	bl     *blacklist.Store
	prober *stubProber
	mgr    *manager.Manager
}

func newFixture(t *testing.T, cfg types.ServerConf) *fixture {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())

	reg := registry.NewRegistry(storage.NewMemoryStorage(), nil)
	require.NoError(t, reg.Load())
	bl, err := blacklist.NewStore("")
	require.NoError(t, err)

	cls := classifier.New(bl, nil, classifier.Options{}, m)
	pv := preview.NewFetcher(cls, reg, preview.Options{Timeout: time.Second}, m)
	pr := &stubProber{fail: map[string]bool{}}
	ts := tester.NewTester(reg, pr, tester.Config{Timeout: time.Second}, m)
	hub := NewHub(nil)
	mgr := manager.NewManager(manager.Config{}, reg, ts, importer.NewImporter(reg), hub, m)
	t.Cleanup(func() { _ = mgr.Stop() })

	h := NewHandler(reg, mgr, bl, cls, pv, HandlerOptions{AutoRemove: true})
	return &fixture{t: t, router: NewRouter(cfg, h, hub, m), reg: reg, bl: bl, prober: pr, mgr: mgr}
}

func (f *fixture) do(method, path, body string, mod ...func(*http.Request)) *httptest.ResponseRecorder {
	f.t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for _, fn := range mod {
		fn(req)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestBlacklistEndpoints(t *testing.T) {
	f := newFixture(t, types.ServerConf{})

	rec := f.do(http.MethodPost, "/url-preview/blacklist", `{"url":".*\\.malicious\\.com","reason":"Known phishing domain"}`,
		func(r *http.Request) { r.Header.Set("X-Actor-ID", "mod-7") })
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[blacklist.Entry](t, rec)
	assert.Equal(t, `.*\.malicious\.com`, created.Pattern)
	assert.Equal(t, 100, created.Confidence)
	assert.Equal(t, "mod-7", created.AddedBy)

	rec = f.do(http.MethodGet, "/url-preview/blacklist", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]blacklist.Entry](t, rec), 1)

	rec = f.do(http.MethodPut, "/url-preview/blacklist/"+created.ID, `{"pattern":"evil\\.example","reason":"edited","confidence":40}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 40, decode[blacklist.Entry](t, rec).Confidence)

	rec = f.do(http.MethodDelete, "/url-preview/blacklist/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(http.MethodDelete, "/url-preview/blacklist/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBlacklistRejectsBadInput(t *testing.T) {
	f := newFixture(t, types.ServerConf{})

	rec := f.do(http.MethodPost, "/url-preview/blacklist", `{"url":"(unclosed","reason":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_pattern", decode[ErrorResponse](t, rec).Error)

	rec = f.do(http.MethodPost, "/url-preview/blacklist", `{"url":"ok","confidence":101}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/url-preview/blacklist", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.bl.List())
}

func TestProxyEndpoints(t *testing.T) {
	f := newFixture(t, types.ServerConf{})

	rec := f.do(http.MethodPost, "/url-preview/proxy", `{"url":"http://10.0.0.1:8080","reason":"office egress"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decode[model.ProxyEndpoint](t, rec)
	assert.Equal(t, model.StatusPending, p.Status)
	assert.Equal(t, "anonymous", p.AddedBy)

	rec = f.do(http.MethodPost, "/url-preview/proxy", `{"url":"HTTP://10.0.0.1:8080/"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_proxy", decode[ErrorResponse](t, rec).Error)

	rec = f.do(http.MethodPost, "/url-preview/proxy", `{"url":"socks5://10.0.0.2:1080"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/url-preview/proxy", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.ProxyEndpoint](t, rec), 1)

	rec = f.do(http.MethodPut, "/url-preview/proxy/"+p.ID, `{"status":"false_positive","reason":"checked by hand"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[model.ProxyEndpoint](t, rec)
	assert.Equal(t, model.StatusFalsePositive, updated.Status)
	assert.Equal(t, "checked by hand", updated.Reason)

	rec = f.do(http.MethodPut, "/url-preview/proxy/"+p.ID, `{"status":"broken"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/url-preview/proxy/"+p.ID+"/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Contains(t, health, "url")
	assert.Contains(t, health, "metrics")
	assert.Contains(t, health, "recommendations")

	rec = f.do(http.MethodDelete, "/url-preview/proxy/"+p.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(http.MethodGet, "/url-preview/proxy/"+p.ID+"/health", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBulkImport(t *testing.T) {
	f := newFixture(t, types.ServerConf{})

	rec := f.do(http.MethodPost, "/url-preview/proxy/bulk", `{"urls":"http://a.com\nhttp://a.com\nnot-a-url"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[registry.BulkResult](t, rec)
	require.Len(t, res.Added, 1)
	assert.Equal(t, "http://a.com", res.Added[0].URL)
	assert.Len(t, res.Skipped, 1)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "not-a-url", res.Errors[0].Input)
	assert.Empty(t, rec.Header().Get("X-Test-Batch-ID"))
}

func TestBulkImportTestImmediately(t *testing.T) {
	f := newFixture(t, types.ServerConf{})

	rec := f.do(http.MethodPost, "/url-preview/proxy/bulk?testImmediately=true", `{"urls":"http://10.0.0.1:8080\nhttp://10.0.0.2:8080"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	batchID := rec.Header().Get("X-Test-Batch-ID")
	require.NotEmpty(t, batchID)

	require.Eventually(t, func() bool {
		rec := f.do(http.MethodGet, "/url-preview/proxy/test/"+batchID, "")
		var b manager.Batch
		return rec.Code == http.StatusOK && json.Unmarshal(rec.Body.Bytes(), &b) == nil && b.State == manager.BatchDone
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, f.reg.List(&registry.Filter{Statuses: []model.Status{model.StatusActive}}), 2)
}

func TestRunTestSync(t *testing.T) {
	f := newFixture(t, types.ServerConf{})
	good, err := f.reg.Add("http://10.0.0.1:8080", "", "test")
	require.NoError(t, err)
	bad, err := f.reg.Add("http://10.0.0.2:8080", "", "test")
	require.NoError(t, err)
	f.prober.fail[bad.URL] = true

	rec := f.do(http.MethodPost, "/url-preview/proxy/test", `{"testPending":true,"autoRemove":false}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[tester.Result](t, rec)
	assert.Equal(t, 1, res.Working)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.RemovedCount)

	p, err := f.reg.Get(good.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, p.Status)
}

func TestRunTestAsyncAndCancel(t *testing.T) {
	f := newFixture(t, types.ServerConf{})
	_, err := f.reg.Add("http://10.0.0.1:8080", "", "test")
	require.NoError(t, err)

	rec := f.do(http.MethodPost, "/url-preview/proxy/test?async=true", `{}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	b := decode[manager.Batch](t, rec)
	require.NotEmpty(t, b.ID)

	rec = f.do(http.MethodDelete, "/url-preview/proxy/test/"+b.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/url-preview/proxy/test/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodPost, "/url-preview/proxy/test", `{"timeoutMs":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRemoveInactive(t *testing.T) {
	f := newFixture(t, types.ServerConf{})
	p, err := f.reg.Add("http://10.0.0.1:8080", "", "test")
	require.NoError(t, err)
	_, err = f.reg.UpdateStatus(p.ID, model.StatusInactive)
	require.NoError(t, err)
	_, err = f.reg.Add("http://10.0.0.2:8080", "", "test")
	require.NoError(t, err)

	rec := f.do(http.MethodDelete, "/url-preview/proxy?status=active", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodDelete, "/url-preview/proxy?status=inactive", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int{"removedCount": 1}, decode[map[string]int](t, rec))
	assert.Len(t, f.reg.List(nil), 1)
}

func TestImportRemote(t *testing.T) {
	f := newFixture(t, types.ServerConf{})
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("10.1.1.1:3128\n10.1.1.2:3128\n"))
	}))
	defer src.Close()

	rec := f.do(http.MethodPost, "/url-preview/proxy/import-remote", `{"sourceUrl":"`+src.URL+`/list.txt"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode[registry.BulkResult](t, rec).Added, 2)
	for _, p := range f.reg.List(nil) {
		assert.True(t, strings.HasPrefix(p.AddedBy, "scraper:"), p.AddedBy)
	}

	rec = f.do(http.MethodPost, "/url-preview/proxy/import-remote", `{"sourceUrl":"ftp://lists.example"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImportRemoteRefusesBlacklistedSource(t *testing.T) {
	f := newFixture(t, types.ServerConf{})
	var hits int
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte("10.1.1.1:3128\n"))
	}))
	defer src.Close()

	_, err := f.bl.Add(blacklist.Input{Pattern: `127\.0\.0\.1`, Reason: "internal address"}, "admin")
	require.NoError(t, err)

	rec := f.do(http.MethodPost, "/url-preview/proxy/import-remote", `{"sourceUrl":"`+src.URL+`/list.txt"}`)
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	body := decode[ErrorResponse](t, rec)
	assert.Equal(t, "blacklisted", body.Error)
	assert.Contains(t, body.Message, "internal address")
	assert.Zero(t, hits, "source never fetched")
	assert.Empty(t, f.reg.List(nil))
}

func TestAsyncTestRefusedAfterShutdown(t *testing.T) {
	f := newFixture(t, types.ServerConf{})
	require.NoError(t, f.mgr.Stop())

	rec := f.do(http.MethodPost, "/url-preview/proxy/test?async=true", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "shutting_down", decode[ErrorResponse](t, rec).Error)
}

func TestCheckEndpoint(t *testing.T) {
	f := newFixture(t, types.ServerConf{})
	_, err := f.bl.Add(blacklist.Input{Pattern: `.*\.malicious\.com`, Reason: "Known phishing domain", Confidence: 95}, "admin")
	require.NoError(t, err)

	rec := f.do(http.MethodGet, "/url-preview/check?url=https://sub.malicious.com/x", "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[classifier.Result](t, rec)
	assert.Equal(t, classifier.OutcomeBlacklisted, res.Outcome)
	assert.Equal(t, "Known phishing domain", res.Message)

	rec = f.do(http.MethodGet, "/url-preview/check", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPreviewEndpoint(t *testing.T) {
	f := newFixture(t, types.ServerConf{})
	_, err := f.bl.Add(blacklist.Input{Pattern: `phish\.example`, Reason: "phishing", Confidence: 90}, "admin")
	require.NoError(t, err)

	t.Run("no active proxy", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/url-preview?url=https://news.example/article", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "preview unavailable", decode[ErrorResponse](t, rec).Error)
	})

	t.Run("blacklisted is a warning payload", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/url-preview?url=https://phish.example/login&proceed=true", "")
		require.Equal(t, http.StatusOK, rec.Code)
		res := decode[classifier.Result](t, rec)
		assert.Equal(t, classifier.OutcomeBlacklisted, res.Outcome)
		assert.True(t, res.Warning)
	})

	t.Run("insecure protocol is a warning payload", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/url-preview?url=http://plain.example/", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, classifier.OutcomeInsecureProtocol, decode[classifier.Result](t, rec).Outcome)
	})

	t.Run("missing url", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/url-preview", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestBasicAuth(t *testing.T) {
	f := newFixture(t, types.ServerConf{WebUser: "admin", WebPassword: "secret"})

	rec := f.do(http.MethodGet, "/url-preview/proxy", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = f.do(http.MethodGet, "/url-preview?url=https://a.example", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/url-preview/proxy", `{"url":"http://10.0.0.1:8080"}`, func(r *http.Request) {
		r.SetBasicAuth("admin", "secret")
		r.Header.Set("X-Actor-ID", "ignored")
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "admin", decode[model.ProxyEndpoint](t, rec).AddedBy)

	rec = f.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code, "health check stays public")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, types.ServerConf{})

	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", "").Code)
	rec := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `linkguard_http_request_duration_seconds_count{method="GET",route="/healthz",status="200"} 1`)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, types.ServerConf{AllowedOrigins: "https://app.example"})

	rec := f.do(http.MethodOptions, "/url-preview/proxy", "", func(r *http.Request) {
		r.Header.Set("Origin", "https://app.example")
		r.Header.Set("Access-Control-Request-Method", http.MethodPost)
	})
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
