package tester

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

const defaultProbeTarget = "https://www.gstatic.com/generate_204"

// HTTPProber sends a HEAD request for Target through the proxy under test.
// Any 2xx/3xx answer counts as a working proxy.
type HTTPProber struct {
	Target    string
	UserAgent string
}

func NewHTTPProber(target, userAgent string) *HTTPProber {
	if target == "" {
		target = defaultProbeTarget
	}
	return &HTTPProber{Target: target, UserAgent: userAgent}
}

// Probe 的超时完全由 ctx 决定，调用方负责设置 deadline。
func (hp *HTTPProber) Probe(ctx context.Context, proxyAddr string) error {
	proxyURL, err := url.Parse(proxyAddr)
	if err != nil {
		return fmt.Errorf("invalid proxy url: %w", err)
	}

	dialer := &net.Dialer{KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:             http.ProxyURL(proxyURL),
		DialContext:       dialer.DialContext,
		TLSClientConfig:   &tls.Config{InsecureSkipVerify: true},
		DisableKeepAlives: true,
	}
	defer transport.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, hp.Target, nil)
	if err != nil {
		return err
	}
	if hp.UserAgent != "" {
		req.Header.Set("User-Agent", hp.UserAgent)
	}

	resp, err := (&http.Client{Transport: transport}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusProxyAuthRequired {
		return fmt.Errorf("proxy requires authentication")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("received non-successful status code: %d", resp.StatusCode)
	}
	return nil
}
