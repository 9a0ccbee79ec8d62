package health

import (
	"time"

	"linkguard/proxypool/model"
)

// Recommendations turns a proxy's state into operator-facing next steps for the
// health detail view.
func (s *Scorer) Recommendations(p model.ProxyEndpoint, now time.Time) []string {
	var recs []string
	m := p.Metrics

	switch p.Status {
	case model.StatusFalsePositive:
		recs = append(recs, "Marked as false positive: excluded from automatic deactivation. Clear the flag if it misbehaves again.")
	case model.StatusInactive:
		recs = append(recs, "Proxy is inactive and will not serve previews. Remove it or re-enable it after fixing the endpoint.")
	case model.StatusPending:
		recs = append(recs, "Proxy has not passed a connectivity test yet. Run a test to activate it.")
	}

	if m.TotalRequests == 0 {
		return append(recs, "No traffic recorded. Run a test to collect metrics.")
	}
	if p.IsStale(now, s.StaleAfter) {
		recs = append(recs, "Metrics are stale. Re-test this proxy.")
	}
	if m.SuccessRate < 50 {
		recs = append(recs, "Success rate is below 50%. Consider removing this proxy.")
	} else if m.SuccessRate < 90 {
		recs = append(recs, "Success rate is below 90%. Watch for further failures.")
	}
	if m.TimeoutRate >= 10 {
		recs = append(recs, "Frequent timeouts. Check network reachability or raise the probe timeout.")
	}
	if m.AverageResponseTime > float64(s.SlowThreshold.Milliseconds()) {
		recs = append(recs, "Responses are slow. Prefer faster proxies for previews.")
	}
	if m.ConsecutiveFailures > 0 {
		recs = append(recs, "Recent requests are failing consecutively.")
	}
	if len(recs) == 0 {
		recs = append(recs, "No action needed.")
	}
	return recs
}
