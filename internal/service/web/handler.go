package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"linkguard/internal/blacklist"
	"linkguard/internal/classifier"
	"linkguard/internal/preview"
	"linkguard/internal/shared/logger"
	"linkguard/internal/shared/urlutil"
	manager "linkguard/proxypool"
	"linkguard/proxypool/health"
	"linkguard/proxypool/model"
	"linkguard/proxypool/registry"
	"linkguard/proxypool/tester"
)

const maxBodyBytes = 4 << 20

// ProxyPool is the registry surface the handlers use.
type ProxyPool interface {
	List(f *registry.Filter) []model.ProxyEndpoint
	Get(id string) (model.ProxyEndpoint, error)
	Add(rawURL, reason, addedBy string) (model.ProxyEndpoint, error)
	Update(id string, u registry.Update) (model.ProxyEndpoint, error)
	Remove(id string) error
	RemoveInactive() (int, error)
	Scorer() *health.Scorer
}

// PoolController runs tests and imports and tracks async batches.
type PoolController interface {
	RunTest(ctx context.Context, opts tester.Options) (tester.Result, error)
	StartBatch(opts tester.Options) (manager.Batch, error)
	Batch(id string) (manager.Batch, error)
	CancelBatch(id string) (manager.Batch, error)
	Import(raw, addedBy string) (registry.BulkResult, error)
	ImportRemote(ctx context.Context, sourceURL string, timeout time.Duration) (registry.BulkResult, error)
}

type Blacklist interface {
	List() []blacklist.Entry
	Add(in blacklist.Input, addedBy string) (blacklist.Entry, error)
	Update(id string, in blacklist.Input) (blacklist.Entry, error)
	Delete(id string) error
}

type Classifier interface {
	Classify(ctx context.Context, raw string) classifier.Result
}

type Previewer interface {
	Preview(ctx context.Context, raw string, proceed bool) (preview.Record, error)
}

// HandlerOptions carries the defaults a request may leave out.
type HandlerOptions struct {
	AutoRemove          bool
	RemoteImportTimeout time.Duration
}

type Handler struct {
	pool       ProxyPool
	controller PoolController
	blacklist  Blacklist
	classifier Classifier
	previewer  Previewer
	opts       HandlerOptions
	now        func() time.Time
}

func NewHandler(pool ProxyPool, controller PoolController, bl Blacklist, cls Classifier, pv Previewer, opts HandlerOptions) *Handler {
	if opts.RemoteImportTimeout <= 0 {
		opts.RemoteImportTimeout = 30 * time.Second
	}
	return &Handler{
		pool:       pool,
		controller: controller,
		blacklist:  bl,
		classifier: cls,
		previewer:  pv,
		opts:       opts,
		now:        time.Now,
	}
}

// actor 返回请求者身份：basic auth 用户名，其次 X-Actor-ID 头，最后 anonymous。
func actor(r *http.Request) string {
	if u, _, ok := r.BasicAuth(); ok && u != "" {
		return u
	}
	if id := r.Header.Get("X-Actor-ID"); id != "" {
		return id
	}
	return "anonymous"
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: malformed JSON body: %v", errBadRequest, err)
	}
	return nil
}

func boolQuery(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}

// --- blacklist ---

type blacklistRequest struct {
	URL        string `json:"url"`
	Pattern    string `json:"pattern"`
	Reason     string `json:"reason"`
	Confidence *int   `json:"confidence"`
}

// input 优先使用 pattern，没有时把 url 原样当作正则。
func (req blacklistRequest) input() blacklist.Input {
	in := blacklist.Input{Pattern: req.Pattern, Reason: req.Reason, Confidence: 100}
	if in.Pattern == "" {
		in.Pattern = req.URL
	}
	if req.Confidence != nil {
		in.Confidence = *req.Confidence
	}
	return in
}

func (h *Handler) HandleListBlacklist(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.blacklist.List())
}

func (h *Handler) HandleAddBlacklist(w http.ResponseWriter, r *http.Request) {
	var req blacklistRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	e, err := h.blacklist.Add(req.input(), actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (h *Handler) HandleUpdateBlacklist(w http.ResponseWriter, r *http.Request) {
	var req blacklistRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	e, err := h.blacklist.Update(mux.Vars(r)["id"], req.input())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) HandleDeleteBlacklist(w http.ResponseWriter, r *http.Request) {
	if err := h.blacklist.Delete(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- proxies ---

func (h *Handler) HandleListProxies(w http.ResponseWriter, r *http.Request) {
	var f *registry.Filter
	if s := r.URL.Query().Get("status"); s != "" {
		st, err := model.ParseStatus(s)
		if err != nil {
			writeError(w, err)
			return
		}
		f = &registry.Filter{Statuses: []model.Status{st}}
	}
	writeJSON(w, http.StatusOK, h.pool.List(f))
}

type addProxyRequest struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

func (h *Handler) HandleAddProxy(w http.ResponseWriter, r *http.Request) {
	var req addProxyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := h.pool.Add(req.URL, req.Reason, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

type bulkRequest struct {
	URLs string `json:"urls"`
}

// HandleBulkImport 导入换行分隔的代理列表。testImmediately=true 时对新增代理
// 启动一个异步测试批次，批次 id 放在 X-Test-Batch-ID 响应头里。
func (h *Handler) HandleBulkImport(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.controller.Import(req.URLs, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if boolQuery(r, "testImmediately") && len(res.Added) > 0 {
		b, err := h.controller.StartBatch(tester.Options{
			ProxyIDs:   manager.AddedIDs(res.Added),
			AutoRemove: h.opts.AutoRemove,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("X-Test-Batch-ID", b.ID)
	}
	writeJSON(w, http.StatusOK, res)
}

type importRemoteRequest struct {
	SourceURL string `json:"sourceUrl"`
}

func (h *Handler) HandleImportRemote(w http.ResponseWriter, r *http.Request) {
	var req importRemoteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if _, err := urlutil.ParseHTTP(req.SourceURL); err != nil {
		writeError(w, err)
		return
	}
	// 服务端抓取前同样走黑名单，不替调用方访问被拦截的地址
	if cls := h.classifier.Classify(r.Context(), req.SourceURL); cls.Outcome == classifier.OutcomeBlacklisted {
		writeError(w, fmt.Errorf("%w: %s", errBlockedSource, cls.Message))
		return
	}
	res, err := h.controller.ImportRemote(r.Context(), req.SourceURL, h.opts.RemoteImportTimeout)
	if err != nil {
		logger.WithComponent("Web").Warn().Err(err).Str("source", req.SourceURL).Msg("Remote import failed.")
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: "upstream_error", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type testRequest struct {
	ProxyIDs       []string `json:"proxyIds"`
	AutoRemove     *bool    `json:"autoRemove"`
	TestPending    bool     `json:"testPending"`
	TestStale      bool     `json:"testStale"`
	TimeoutMs      int      `json:"timeoutMs"`
	MaxConcurrency int      `json:"maxConcurrency"`
}

func (req testRequest) options(defaultAutoRemove bool) tester.Options {
	opts := tester.Options{
		ProxyIDs:       req.ProxyIDs,
		AutoRemove:     defaultAutoRemove,
		TestPending:    req.TestPending,
		TestStale:      req.TestStale,
		MaxConcurrency: req.MaxConcurrency,
	}
	if req.AutoRemove != nil {
		opts.AutoRemove = *req.AutoRemove
	}
	if req.TimeoutMs > 0 {
		opts.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	return opts
}

// HandleTest 同步执行测试批次；async=true 时立即返回 202 和批次 id。
func (h *Handler) HandleTest(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TimeoutMs < 0 || req.MaxConcurrency < 0 {
		writeError(w, fmt.Errorf("%w: timeoutMs and maxConcurrency must not be negative", errBadRequest))
		return
	}
	opts := req.options(h.opts.AutoRemove)

	if boolQuery(r, "async") {
		b, err := h.controller.StartBatch(opts)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, b)
		return
	}
	res, err := h.controller.RunTest(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) HandleGetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.controller.Batch(mux.Vars(r)["batchId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) HandleCancelBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.controller.CancelBatch(mux.Vars(r)["batchId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type healthResponse struct {
	ID              string        `json:"id"`
	URL             string        `json:"url"`
	Status          model.Status  `json:"status"`
	Metrics         model.Metrics `json:"metrics"`
	Recommendations []string      `json:"recommendations"`
}

func (h *Handler) HandleProxyHealth(w http.ResponseWriter, r *http.Request) {
	p, err := h.pool.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	recs := h.pool.Scorer().Recommendations(p, h.now())
	if recs == nil {
		recs = []string{}
	}
	writeJSON(w, http.StatusOK, healthResponse{
		ID:              p.ID,
		URL:             p.URL,
		Status:          p.Status,
		Metrics:         p.Metrics,
		Recommendations: recs,
	})
}

type updateProxyRequest struct {
	URL    *string       `json:"url"`
	Reason *string       `json:"reason"`
	Status *model.Status `json:"status"`
}

func (h *Handler) HandleUpdateProxy(w http.ResponseWriter, r *http.Request) {
	var req updateProxyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := h.pool.Update(mux.Vars(r)["id"], registry.Update{URL: req.URL, Reason: req.Reason, Status: req.Status})
	if err != nil {
		writeError(w, err)
		return
	}
	logger.WithComponent("Web").Info().Str("proxy_id", p.ID).Str("actor", actor(r)).Msg("Proxy edited.")
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) HandleDeleteProxy(w http.ResponseWriter, r *http.Request) {
	if err := h.pool.Remove(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRemoveInactive only accepts status=inactive; other bulk deletes are not offered.
func (h *Handler) HandleRemoveInactive(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("status") != string(model.StatusInactive) {
		writeError(w, fmt.Errorf("%w: only status=inactive can be removed in bulk", errBadRequest))
		return
	}
	n, err := h.pool.RemoveInactive()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removedCount": n})
}

// --- classification & preview ---

func requireURLParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeError(w, fmt.Errorf("%w: url parameter is required", errBadRequest))
		return "", false
	}
	return raw, true
}

func (h *Handler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	raw, ok := requireURLParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.classifier.Classify(r.Context(), raw))
}

func (h *Handler) HandlePreview(w http.ResponseWriter, r *http.Request) {
	raw, ok := requireURLParam(w, r)
	if !ok {
		return
	}
	rec, err := h.previewer.Preview(r.Context(), raw, boolQuery(r, "proceed"))
	if err != nil {
		var blocked *classifier.BlockedError
		if errors.As(err, &blocked) {
			writeWarning(w, blocked)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
