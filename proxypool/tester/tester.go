package tester

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"linkguard/internal/metrics"
	"linkguard/internal/shared/logger"
	"linkguard/proxypool/model"
	"linkguard/proxypool/registry"
)

// ErrProbeTimeout marks a probe that hit its deadline. It is only recorded in
// metrics and details, never returned from Run.
var ErrProbeTimeout = errors.New("probe timed out")

const (
	defaultConcurrency = 5
	defaultTimeout     = 10 * time.Second
	defaultThreshold   = 3
)

// Prober checks that a single proxy can relay a request.
type Prober interface {
	Probe(ctx context.Context, proxyURL string) error
}

// Config holds the defaults a Tester falls back to when Options leave a field zero.
type Config struct {
	MaxConcurrency   int
	Timeout          time.Duration
	FailureThreshold int
	StaleAfter       time.Duration
	ProbesPerSecond  float64
}

// Options 描述一次测试批次。ProxyIDs 非空时优先；否则按 TestPending/TestStale 选择；
// 都为空时测试全部代理。
type Options struct {
	ProxyIDs       []string
	TestPending    bool
	TestStale      bool
	AutoRemove     bool
	Timeout        time.Duration
	MaxConcurrency int
}

// Detail is the per-proxy outcome of a batch.
type Detail struct {
	ProxyID        string       `json:"proxyId"`
	URL            string       `json:"url"`
	Success        bool         `json:"success"`
	ResponseTimeMs float64      `json:"responseTimeMs"`
	TimedOut       bool         `json:"timedOut,omitempty"`
	Error          string       `json:"error,omitempty"`
	Status         model.Status `json:"status,omitempty"`
	Removed        bool         `json:"removed,omitempty"`
}

// Result is only produced after every issued probe has settled.
type Result struct {
	Working      int      `json:"working"`
	Failed       int      `json:"failed"`
	RemovedCount int      `json:"removedCount"`
	Skipped      int      `json:"skipped,omitempty"`
	Cancelled    bool     `json:"cancelled,omitempty"`
	Details      []Detail `json:"details"`
}

type Tester struct {
	registry *registry.Registry
	prober   Prober
	metrics  *metrics.Metrics
	cfg      Config
	limiter  *rate.Limiter
	now      func() time.Time
}

// NewTester 创建测试器。m 可以为 nil。
func NewTester(reg *registry.Registry, prober Prober, cfg Config, m *metrics.Metrics) *Tester {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultThreshold
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = reg.Scorer().StaleAfter
	}
	t := &Tester{
		registry: reg,
		prober:   prober,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
	}
	if cfg.ProbesPerSecond > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(cfg.ProbesPerSecond), 1)
	}
	return t
}

// Run 执行一个测试批次。单个探测失败只计入指标，不会中断批次。
// ctx 被取消后不再发起新的探测，已发出的探测会跑完或超时。
func (t *Tester) Run(ctx context.Context, opts Options) (Result, error) {
	l := logger.WithComponent("ProxyPool/Tester")

	targets, missing := t.selectTargets(opts)
	res := Result{Skipped: missing, Details: []Detail{}}
	if len(targets) == 0 {
		l.Info().Int("missing", missing).Msg("No proxies selected for testing.")
		return res, nil
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = t.cfg.Timeout
	}
	concurrency := opts.MaxConcurrency
	if concurrency <= 0 {
		concurrency = t.cfg.MaxConcurrency
	}

	l.Info().
		Int("count", len(targets)).
		Int("concurrency", concurrency).
		Dur("timeout", timeout).
		Bool("auto_remove", opts.AutoRemove).
		Msg("Starting test batch...")

	sem := semaphore.NewWeighted(int64(concurrency))
	details := make([]*Detail, len(targets))
	var wg sync.WaitGroup

	for i, p := range targets {
		if err := t.waitTurn(ctx, sem); err != nil {
			res.Cancelled = true
			res.Skipped += len(targets) - i
			l.Info().Int("not_started", len(targets)-i).Msg("Test batch cancelled, no further probes issued.")
			break
		}
		wg.Add(1)
		go func(i int, p model.ProxyEndpoint) {
			defer wg.Done()
			defer sem.Release(1)
			details[i] = t.probeOne(ctx, p, timeout)
		}(i, p)
	}
	wg.Wait()

	probed := make([]*Detail, 0, len(details))
	for _, d := range details {
		if d != nil {
			probed = append(probed, d)
		}
	}

	t.promote(probed)
	if opts.AutoRemove {
		t.deactivate(probed)
		res.RemovedCount = t.removeDead(probed)
	}

	for _, d := range probed {
		if d.Success {
			res.Working++
		} else {
			res.Failed++
		}
		res.Details = append(res.Details, *d)
	}

	l.Info().
		Int("working", res.Working).
		Int("failed", res.Failed).
		Int("removed", res.RemovedCount).
		Bool("cancelled", res.Cancelled).
		Msg("Test batch finished.")

	if err := t.registry.Save(); err != nil {
		l.Error().Err(err).Msg("Failed to persist proxies after test batch.")
		return res, err
	}
	return res, nil
}

// waitTurn blocks until a probe may be issued. A done ctx always wins, even
// when the semaphore has free capacity.
func (t *Tester) waitTurn(ctx context.Context, sem *semaphore.Weighted) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return sem.Acquire(ctx, 1)
}

func (t *Tester) selectTargets(opts Options) ([]model.ProxyEndpoint, int) {
	if len(opts.ProxyIDs) > 0 {
		out := make([]model.ProxyEndpoint, 0, len(opts.ProxyIDs))
		seen := make(map[string]bool, len(opts.ProxyIDs))
		missing := 0
		for _, id := range opts.ProxyIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			p, err := t.registry.Get(id)
			if err != nil {
				logger.WithComponent("ProxyPool/Tester").Warn().Str("proxy_id", id).Msg("Requested proxy not found, skipping.")
				missing++
				continue
			}
			out = append(out, p)
		}
		return out, missing
	}

	all := t.registry.List(nil)
	if !opts.TestPending && !opts.TestStale {
		return all, 0
	}
	now := t.now()
	out := make([]model.ProxyEndpoint, 0, len(all))
	for _, p := range all {
		if (opts.TestPending && p.Status == model.StatusPending) ||
			(opts.TestStale && p.IsStale(now, t.cfg.StaleAfter)) {
			out = append(out, p)
		}
	}
	return out, 0
}

func (t *Tester) probeOne(ctx context.Context, p model.ProxyEndpoint, timeout time.Duration) *Detail {
	// 批次取消不影响已发出的探测，它们只受自身超时约束。
	probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	start := time.Now()
	err := t.prober.Probe(probeCtx, p.URL)
	elapsed := time.Since(start)

	d := &Detail{ProxyID: p.ID, URL: p.URL, Success: err == nil}
	if err != nil {
		if isTimeout(err) || errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
			d.TimedOut = true
			err = fmt.Errorf("%w after %s", ErrProbeTimeout, timeout)
		}
		d.Error = err.Error()
	} else {
		d.ResponseTimeMs = float64(elapsed.Microseconds()) / 1000
	}

	t.metrics.ObserveProbe(d.Success, d.TimedOut, elapsed)
	logger.WithComponent("ProxyPool/Tester").Debug().
		Str("proxy_id", p.ID).
		Bool("success", d.Success).
		Bool("timed_out", d.TimedOut).
		Dur("elapsed", elapsed).
		Msg("Probe finished.")

	outcome := model.Outcome{Success: d.Success, ResponseTimeMs: d.ResponseTimeMs, TimedOut: d.TimedOut}
	if err := t.registry.RecordOutcome(p.ID, outcome); err != nil {
		// removed while the probe was running
		d.Error = err.Error()
	}
	return d
}

// promote moves pending proxies that passed to active.
func (t *Tester) promote(probed []*Detail) {
	for _, d := range probed {
		if !d.Success {
			continue
		}
		if st, err := t.registry.Apply(d.ProxyID, model.Event{Kind: model.EventTestPassed}); err == nil || errors.Is(err, model.ErrInvalidTransition) {
			d.Status = st
		}
	}
}

// deactivate 将评分为 unhealthy 或连续失败达到阈值的代理置为 inactive。
// false_positive 不会被自动迁移，Transition 对它返回 InvalidTransitionError。
func (t *Tester) deactivate(probed []*Detail) {
	for _, d := range probed {
		if d.Success {
			continue
		}
		p, err := t.registry.Get(d.ProxyID)
		if err != nil {
			continue
		}
		d.Status = p.Status
		if p.Status == model.StatusFalsePositive {
			continue
		}
		if p.Metrics.Health.Status != model.HealthUnhealthy && p.Metrics.ConsecutiveFailures < t.cfg.FailureThreshold {
			continue
		}
		if st, err := t.registry.Apply(d.ProxyID, model.Event{Kind: model.EventFailureThreshold}); err == nil {
			d.Status = st
		}
	}
}

// removeDead 删除已经 inactive 且连续失败达到阈值的代理。
func (t *Tester) removeDead(probed []*Detail) int {
	removed := 0
	for _, d := range probed {
		if d.Success {
			continue
		}
		p, err := t.registry.Get(d.ProxyID)
		if err != nil || p.Status != model.StatusInactive || p.Metrics.ConsecutiveFailures < t.cfg.FailureThreshold {
			continue
		}
		if st, err := t.registry.Apply(d.ProxyID, model.Event{Kind: model.EventRemove}); err == nil && st == model.StatusDeleted {
			d.Status = model.StatusDeleted
			d.Removed = true
			removed++
		}
	}
	return removed
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
