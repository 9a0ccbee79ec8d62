package scraper

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"linkguard/internal/shared/logger"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"

var (
	proxyURLPattern = regexp.MustCompile(`https?://[A-Za-z0-9.\-\[\]:]+`)
	hostPortPattern = regexp.MustCompile(`\b(\d{1,3}(?:\.\d{1,3}){3}):(\d{2,5})\b`)
)

// RemoteListScraper 抓取一个代理列表页面。页面可以是纯文本（每行一个
// ip:port 或代理 URL），也可以是第一列 IP、第二列端口的 HTML 表格。
type RemoteListScraper struct {
	sourceURL string
	userAgent string
	timeout   time.Duration
}

func NewRemoteListScraper(sourceURL string, timeout time.Duration) *RemoteListScraper {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &RemoteListScraper{
		sourceURL: sourceURL,
		userAgent: defaultUserAgent,
		timeout:   timeout,
	}
}

// Name 返回来源主机名。
func (s *RemoteListScraper) Name() string {
	if u, err := url.Parse(s.sourceURL); err == nil && u.Host != "" {
		return u.Host
	}
	return s.sourceURL
}

// Scrape 执行抓取操作。每次调用使用新的 collector，回调不会在多次抓取之间累积。
func (s *RemoteListScraper) Scrape(ctx context.Context) ([]string, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Info().Str("source", s.Name()).Msg("Starting scrape...")

	c := colly.NewCollector(colly.UserAgent(s.userAgent))
	c.SetRequestTimeout(s.timeout)

	var (
		mu        sync.Mutex
		found     []string
		seen      = make(map[string]bool)
		scrapeErr error
	)
	add := func(u string) {
		mu.Lock()
		defer mu.Unlock()
		if !seen[u] {
			seen[u] = true
			found = append(found, u)
		}
	}

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})

	c.OnHTML("table tr", func(e *colly.HTMLElement) {
		cells := e.DOM.Find("td")
		if cells.Length() < 2 {
			return
		}
		if u, ok := fromCells(cells.Eq(0), cells.Eq(1)); ok {
			add(u)
		}
	})

	c.OnResponse(func(r *colly.Response) {
		if strings.Contains(r.Headers.Get("Content-Type"), "html") {
			return
		}
		for _, u := range extractFromText(string(r.Body)) {
			add(u)
		}
	})

	c.OnError(func(r *colly.Response, err error) {
		l.Error().Err(err).Int("status_code", r.StatusCode).Str("url", r.Request.URL.String()).Msg("Scrape request failed.")
		scrapeErr = err
	})

	if err := c.Visit(s.sourceURL); err != nil {
		return nil, fmt.Errorf("failed to visit %s: %w", s.sourceURL, err)
	}
	c.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if scrapeErr != nil {
		return nil, scrapeErr
	}

	l.Info().Int("count", len(found)).Str("source", s.Name()).Msg("Scrape finished.")
	return found, nil
}

func fromCells(ipCell, portCell *goquery.Selection) (string, bool) {
	ip := strings.TrimSpace(ipCell.Text())
	portStr := strings.TrimSpace(portCell.Text())
	if net.ParseIP(ip) == nil {
		return "", false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", false
	}
	return "http://" + net.JoinHostPort(ip, portStr), true
}

// extractFromText 按行解析纯文本列表。带 scheme 的条目原样保留，裸 ip:port 视为 http 代理。
func extractFromText(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if m := proxyURLPattern.FindString(line); m != "" {
			out = append(out, m)
			continue
		}
		if m := hostPortPattern.FindStringSubmatch(line); m != nil {
			if port, err := strconv.Atoi(m[2]); err == nil && port <= 65535 && net.ParseIP(m[1]) != nil {
				out = append(out, "http://"+m[1]+":"+m[2])
			}
		}
	}
	return out
}
