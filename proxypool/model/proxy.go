package model

import "time"

// HealthStatus 是 HealthScorer 给出的健康等级。
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthWarning   HealthStatus = "warning"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Health 是评分结果，Reasons 列出实际触发的扣分原因，供管理界面解释自动停用。
type Health struct {
	Status  HealthStatus `json:"status"`
	Score   int          `json:"score"`
	Reasons []string     `json:"reasons"`
}

// Metrics 是代理的滚动指标。SuccessRate 与 TimeoutRate 始终由计数推导，不单独存储。
type Metrics struct {
	TotalRequests       int64      `json:"totalRequests"`
	FailedRequests      int64      `json:"failedRequests"`
	TimedOutRequests    int64      `json:"timedOutRequests"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	SuccessRate         float64    `json:"successRate"`
	AverageResponseTime float64    `json:"averageResponseTime"` // ms, EMA of successful requests
	TimeoutRate         float64    `json:"timeoutRate"`
	LastChecked         *time.Time `json:"lastChecked"`
	Health              Health     `json:"health"`
}

// responseTimeAlpha weights the newest sample in the rolling response time.
const responseTimeAlpha = 0.3

// Outcome is one observed request through a proxy.
type Outcome struct {
	Success        bool
	ResponseTimeMs float64
	TimedOut       bool
}

// Apply folds one outcome into the counters and re-derives the rates.
// Health is left to the caller, which owns the scorer.
func (m *Metrics) Apply(o Outcome, at time.Time) {
	m.TotalRequests++
	if o.Success {
		m.ConsecutiveFailures = 0
		if m.AverageResponseTime == 0 {
			m.AverageResponseTime = o.ResponseTimeMs
		} else {
			m.AverageResponseTime = responseTimeAlpha*o.ResponseTimeMs + (1-responseTimeAlpha)*m.AverageResponseTime
		}
	} else {
		m.FailedRequests++
		m.ConsecutiveFailures++
		if o.TimedOut {
			m.TimedOutRequests++
		}
	}
	checked := at
	m.LastChecked = &checked
	m.Derive()
}

// Derive recomputes the percentage fields from the raw counters.
func (m *Metrics) Derive() {
	if m.FailedRequests > m.TotalRequests {
		m.FailedRequests = m.TotalRequests
	}
	if m.TimedOutRequests > m.FailedRequests {
		m.TimedOutRequests = m.FailedRequests
	}
	if m.TotalRequests == 0 {
		m.SuccessRate = 0
		m.TimeoutRate = 0
		return
	}
	total := float64(m.TotalRequests)
	m.SuccessRate = float64(m.TotalRequests-m.FailedRequests) / total * 100
	m.TimeoutRate = float64(m.TimedOutRequests) / total * 100
}

// ProxyEndpoint 定义了一个出站代理的完整信息，是代理池的核心数据结构。
type ProxyEndpoint struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"` // normalized absolute http/https origin
	Reason    string    `json:"reason,omitempty"`
	Status    Status    `json:"status"`
	Metrics   Metrics   `json:"metrics"`
	AddedBy   string    `json:"addedBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// Clone returns a deep copy safe to hand out of the registry.
func (p *ProxyEndpoint) Clone() ProxyEndpoint {
	c := *p
	if p.Metrics.LastChecked != nil {
		t := *p.Metrics.LastChecked
		c.Metrics.LastChecked = &t
	}
	if p.Metrics.Health.Reasons != nil {
		c.Metrics.Health.Reasons = append([]string(nil), p.Metrics.Health.Reasons...)
	}
	return c
}

// IsStale reports whether the proxy has not been checked within maxAge.
func (p *ProxyEndpoint) IsStale(now time.Time, maxAge time.Duration) bool {
	lc := p.Metrics.LastChecked
	return lc == nil || now.Sub(*lc) > maxAge
}
