package classifier

import (
	"context"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"

	"linkguard/internal/blacklist"
	"linkguard/internal/metrics"
	"linkguard/internal/shared/logger"
	"linkguard/internal/shared/urlutil"
)

// Rules supplies the current blacklist snapshot. *blacklist.Store satisfies it.
type Rules interface {
	Snapshot() *blacklist.Snapshot
}

type Options struct {
	TLSCheck bool
	CacheTTL time.Duration // zero disables the result cache
}

// Classifier 判断一个 URL 是否可以安全预览。
type Classifier struct {
	rules   Rules
	checker CertChecker
	opts    Options
	cache   *cache.Cache
	metrics *metrics.Metrics
}

// New 创建分类器。checker 为 nil 或 opts.TLSCheck 为 false 时跳过证书检查。
func New(rules Rules, checker CertChecker, opts Options, m *metrics.Metrics) *Classifier {
	c := &Classifier{rules: rules, checker: checker, opts: opts, metrics: m}
	if opts.CacheTTL > 0 {
		c.cache = cache.New(opts.CacheTTL, 2*opts.CacheTTL)
	}
	return c
}

// FlushCache drops cached results. It is subscribed to blacklist changes so a
// new rule applies to the very next request.
func (c *Classifier) FlushCache() {
	if c.cache != nil {
		c.cache.Flush()
	}
}

// Classify 按顺序检查：URL 合法性、黑名单、明文协议、证书。遇到第一个非 clear 结果即返回。
// 黑名单优先于协议警告，https 钓鱼站也能给出明确的拦截原因。
func (c *Classifier) Classify(ctx context.Context, raw string) Result {
	res := c.classify(ctx, raw)
	c.metrics.ObserveClassification(string(res.Outcome))
	logger.WithComponent("Classifier").Debug().
		Str("url", res.URL).
		Str("outcome", string(res.Outcome)).
		Msg("URL classified.")
	return res
}

func (c *Classifier) classify(ctx context.Context, raw string) Result {
	u, err := urlutil.ParseHTTP(raw)
	if err != nil {
		return newResult(raw, OutcomeFetchError, "invalid URL")
	}
	key, err := urlutil.Normalize(raw)
	if err != nil {
		return newResult(raw, OutcomeFetchError, "invalid URL")
	}

	if c.cache != nil {
		if v, ok := c.cache.Get(key); ok {
			return v.(Result)
		}
	}

	snap := c.rules.Snapshot()
	res := c.evaluate(ctx, snap, key, u.String())
	if c.cache != nil && res.Outcome != OutcomeFetchError {
		// 证书检查期间黑名单可能已更新：先写入再复查快照，
		// 快照已换则删掉，避免旧结果在 flush 之后被缓存。
		c.cache.SetDefault(key, res)
		if c.rules.Snapshot() != snap {
			c.cache.Delete(key)
		}
	}
	return res
}

func (c *Classifier) evaluate(ctx context.Context, snap *blacklist.Snapshot, normalized, original string) Result {
	hit := snap.Match(normalized)
	if hit == nil && original != normalized {
		hit = snap.Match(original)
	}
	if hit != nil {
		msg := hit.Reason
		if msg == "" {
			msg = "This link matches a blocked pattern."
		}
		res := newResult(normalized, OutcomeBlacklisted, msg)
		res.MatchedPattern = hit.Pattern
		return res
	}

	u, _ := urlutil.ParseHTTP(normalized)
	if u.Scheme == "http" {
		return newResult(normalized, OutcomeInsecureProtocol, "This link uses an unencrypted connection (HTTP).")
	}

	if c.opts.TLSCheck && c.checker != nil {
		port := u.Port()
		if port == "" {
			port = "443"
		}
		if err := c.checker.Check(ctx, u.Hostname(), port); err != nil {
			var certErr *CertError
			if errors.As(err, &certErr) {
				return newResult(normalized, OutcomeSSLWarning, "The site's security certificate could not be verified: "+certErr.Err.Error())
			}
			// 无法直连时不作判断，预览本身经由代理获取。
			logger.WithComponent("Classifier").Debug().Err(err).Str("url", normalized).Msg("TLS check skipped, host unreachable.")
		}
	}

	return newResult(normalized, OutcomeClear, "")
}
