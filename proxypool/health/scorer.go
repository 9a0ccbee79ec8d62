package health

import (
	"fmt"
	"math"
	"time"

	"linkguard/proxypool/model"
)

const (
	healthyFloor   = 80
	warningFloor   = 50
	maxFailPenalty = 40.0
	maxTOPenalty   = 20.0
	stalePenalty   = 15
	slowPenalty    = 10
	maxRunPenalty  = 30
	runPenaltyStep = 10
)

// Scorer 根据滚动指标计算 0-100 的健康分数。它是纯函数，不修改输入。
type Scorer struct {
	SlowThreshold time.Duration
	StaleAfter    time.Duration
}

// NewScorer 创建评分器，零值参数回退到默认阈值。
func NewScorer(slow, stale time.Duration) *Scorer {
	if slow <= 0 {
		slow = 3 * time.Second
	}
	if stale <= 0 {
		stale = 24 * time.Hour
	}
	return &Scorer{SlowThreshold: slow, StaleAfter: stale}
}

// Score starts at 100 and subtracts each triggered penalty. Reasons lists
// exactly the penalties that fired.
func (s *Scorer) Score(m model.Metrics, now time.Time) model.Health {
	score := 100.0
	reasons := make([]string, 0, 5)

	if m.TotalRequests > 0 {
		if p := math.Min(maxFailPenalty, (1-m.SuccessRate/100)*60); p > 0 {
			score -= p
			reasons = append(reasons, fmt.Sprintf("Success rate %.1f%% (-%.0f)", m.SuccessRate, p))
		}
		if p := math.Min(maxTOPenalty, m.TimeoutRate*0.5); p > 0 {
			score -= p
			reasons = append(reasons, fmt.Sprintf("Timeout rate %.1f%% (-%.0f)", m.TimeoutRate, p))
		}
	}

	if m.LastChecked == nil || now.Sub(*m.LastChecked) > s.StaleAfter {
		score -= stalePenalty
		reasons = append(reasons, fmt.Sprintf("Not checked in the last %s (-%d)", formatDuration(s.StaleAfter), stalePenalty))
	}

	if m.AverageResponseTime > float64(s.SlowThreshold.Milliseconds()) {
		score -= slowPenalty
		reasons = append(reasons, fmt.Sprintf("Average response time %.0fms exceeds %dms (-%d)",
			m.AverageResponseTime, s.SlowThreshold.Milliseconds(), slowPenalty))
	}

	if m.ConsecutiveFailures > 0 {
		p := m.ConsecutiveFailures * runPenaltyStep
		if p > maxRunPenalty {
			p = maxRunPenalty
		}
		score -= float64(p)
		reasons = append(reasons, fmt.Sprintf("%d consecutive failures (-%d)", m.ConsecutiveFailures, p))
	}

	final := int(math.Round(math.Max(0, math.Min(100, score))))
	return model.Health{
		Status:  statusFor(final, m.TotalRequests),
		Score:   final,
		Reasons: reasons,
	}
}

func statusFor(score int, total int64) model.HealthStatus {
	switch {
	case total == 0:
		return model.HealthUnknown
	case score >= healthyFloor:
		return model.HealthHealthy
	case score >= warningFloor:
		return model.HealthWarning
	default:
		return model.HealthUnhealthy
	}
}

func formatDuration(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return d.String()
}
