package preview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"linkguard/internal/classifier"
	"linkguard/internal/metrics"
	"linkguard/internal/shared/logger"
	"linkguard/proxypool/model"
	"linkguard/proxypool/registry"
)

// ErrNoHealthyProxy 表示没有 active 代理可用于抓取预览。
var ErrNoHealthyProxy = errors.New("no healthy proxy available")

// FetchedDirect is the FetchedVia value when the direct fallback was used.
const FetchedDirect = "direct"

const maxRedirects = 5

// Record 是缓存的预览结果，以规范化 URL 为键。
type Record struct {
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Image       string    `json:"image"`
	SiteName    string    `json:"siteName"`
	FetchedVia  string    `json:"fetchedVia"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Classifier is the part of *classifier.Classifier the fetcher needs.
type Classifier interface {
	Classify(ctx context.Context, raw string) classifier.Result
}

// Pool is the part of *registry.Registry the fetcher needs.
type Pool interface {
	List(f *registry.Filter) []model.ProxyEndpoint
	RecordOutcome(id string, o model.Outcome) error
}

type Options struct {
	Timeout        time.Duration
	CacheTTL       time.Duration
	MaxBodyBytes   int64
	UserAgent      string
	DirectFallback bool
}

type Fetcher struct {
	classifier Classifier
	pool       Pool
	opts       Options
	cache      *cache.Cache
	group      singleflight.Group
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewFetcher(cls Classifier, pool Pool, opts Options, m *metrics.Metrics) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 8 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 2 << 20
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "linkguard-preview/1.0"
	}
	return &Fetcher{
		classifier: cls,
		pool:       pool,
		opts:       opts,
		cache:      cache.New(opts.CacheTTL, 10*time.Minute),
		metrics:    m,
		now:        time.Now,
	}
}

// Preview 先分类再抓取。非 clear 的分类结果以 *classifier.BlockedError 返回，
// 除非 proceed 为 true 且结果只是建议性警告（明文协议、证书）。黑名单永远不会被抓取。
func (f *Fetcher) Preview(ctx context.Context, raw string, proceed bool) (Record, error) {
	res := f.classifier.Classify(ctx, raw)
	if !res.Clear() && !(proceed && res.Advisory()) {
		f.metrics.ObservePreview("blocked")
		return Record{}, &classifier.BlockedError{Result: res}
	}
	key := res.URL

	if v, ok := f.cache.Get(key); ok {
		f.metrics.ObservePreview("cache_hit")
		return v.(Record), nil
	}

	v, err, _ := f.group.Do(key, func() (interface{}, error) {
		return f.fetchAndCache(ctx, key)
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrNoHealthyProxy):
			f.metrics.ObservePreview("no_proxy")
		default:
			f.metrics.ObservePreview("fetch_error")
		}
		return Record{}, err
	}
	f.metrics.ObservePreview("fetched")
	return v.(Record), nil
}

// CachedCount reports how many previews are cached.
func (f *Fetcher) CachedCount() int {
	return f.cache.ItemCount()
}

// SelectProxy 返回 active 代理中评分最高者，同分取平均响应时间最短者。
func (f *Fetcher) SelectProxy() (model.ProxyEndpoint, bool) {
	active := f.pool.List(&registry.Filter{Statuses: []model.Status{model.StatusActive}})
	if len(active) == 0 {
		return model.ProxyEndpoint{}, false
	}
	sort.SliceStable(active, func(i, j int) bool {
		a, b := active[i].Metrics, active[j].Metrics
		if a.Health.Score != b.Health.Score {
			return a.Health.Score > b.Health.Score
		}
		return a.AverageResponseTime < b.AverageResponseTime
	})
	return active[0], true
}

func (f *Fetcher) fetchAndCache(ctx context.Context, target string) (Record, error) {
	l := logger.WithComponent("Preview")

	page, err := url.Parse(target)
	if err != nil {
		return Record{}, err
	}

	p, ok := f.SelectProxy()
	var proxyURL *url.URL
	via := FetchedDirect
	switch {
	case ok:
		if proxyURL, err = url.Parse(p.URL); err != nil {
			return Record{}, err
		}
		via = p.ID
	case f.opts.DirectFallback:
		l.Debug().Str("url", target).Msg("No active proxy, fetching directly.")
	default:
		l.Warn().Str("url", target).Msg("No active proxy available for preview.")
		return Record{}, ErrNoHealthyProxy
	}

	start := time.Now()
	md, status, err := f.fetch(ctx, page, proxyURL)
	elapsed := time.Since(start)

	var blocked *classifier.BlockedError
	if err != nil {
		errors.As(err, &blocked)
	}
	proxyFailed := (err != nil && blocked == nil) || isProxyFailureStatus(status)
	if ok {
		outcome := model.Outcome{Success: !proxyFailed, ResponseTimeMs: float64(elapsed.Microseconds()) / 1000}
		if proxyFailed {
			outcome.ResponseTimeMs = 0
			outcome.TimedOut = isTimeout(err)
		}
		if rerr := f.pool.RecordOutcome(p.ID, outcome); rerr != nil {
			l.Debug().Err(rerr).Str("proxy_id", p.ID).Msg("Could not record preview outcome.")
		}
	}

	if blocked != nil {
		return Record{}, blocked
	}
	if err != nil || status < 200 || status >= 300 {
		msg := "Could not fetch a preview for this link."
		if err == nil {
			msg = fmt.Sprintf("The site responded with status %d.", status)
		}
		l.Info().Err(err).Str("url", target).Str("via", via).Int("status", status).Msg("Preview fetch failed.")
		return Record{}, &classifier.BlockedError{Result: classifier.Result{
			URL:     target,
			Outcome: classifier.OutcomeFetchError,
			Message: msg,
			Warning: true,
		}}
	}

	rec := Record{
		URL:         target,
		Title:       md.Title,
		Description: md.Description,
		Image:       md.Image,
		SiteName:    md.SiteName,
		FetchedVia:  via,
		ExpiresAt:   f.now().Add(f.opts.CacheTTL).UTC(),
	}
	f.cache.Set(target, rec, f.opts.CacheTTL)
	l.Debug().Str("url", target).Str("via", via).Dur("elapsed", elapsed).Msg("Preview cached.")
	return rec, nil
}

// fetch performs the GET. proxyURL nil means a direct connection.
func (f *Fetcher) fetch(ctx context.Context, page, proxyURL *url.URL) (metadata, int, error) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	dialer := &net.Dialer{Timeout: f.opts.Timeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: f.opts.Timeout / 2,
		DisableKeepAlives:   true,
	}
	if proxyURL != nil {
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			// 跳转目标同样要过黑名单
			if res := f.classifier.Classify(req.Context(), req.URL.String()); res.Outcome == classifier.OutcomeBlacklisted {
				return &classifier.BlockedError{Result: res}
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, page.String(), nil)
	if err != nil {
		return metadata{}, 0, err
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	resp, err := client.Do(req)
	if err != nil {
		return metadata{}, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return metadata{}, resp.StatusCode, nil
	}
	md, err := extractMetadata(resp.Request.URL, resp.Header.Get("Content-Type"), io.LimitReader(resp.Body, f.opts.MaxBodyBytes))
	if err != nil {
		// 页面解析失败不算代理故障，返回已有字段
		logger.WithComponent("Preview").Debug().Err(err).Str("url", page.String()).Msg("Metadata extraction incomplete.")
	}
	return md, resp.StatusCode, nil
}

// isProxyFailureStatus 判断状态码是否由代理本身产生（认证失败或上游不可达）。
func isProxyFailureStatus(status int) bool {
	switch status {
	case http.StatusProxyAuthRequired, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
