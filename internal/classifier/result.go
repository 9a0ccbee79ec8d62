package classifier

import "fmt"

// Outcome 是分类结果。除 clear 以外都属于需要提示用户的警告。
type Outcome string

const (
	OutcomeClear            Outcome = "clear"
	OutcomeBlacklisted      Outcome = "blacklisted"
	OutcomeInsecureProtocol Outcome = "insecure_protocol"
	OutcomeSSLWarning       Outcome = "ssl_warning"
	OutcomeFetchError       Outcome = "fetch_error"
)

// Result is short-lived and never persisted.
type Result struct {
	URL            string  `json:"url"`
	Outcome        Outcome `json:"outcome"`
	Message        string  `json:"message"`
	MatchedPattern string  `json:"matchedPattern,omitempty"`
	Warning        bool    `json:"warning"`
}

func newResult(url string, outcome Outcome, msg string) Result {
	return Result{URL: url, Outcome: outcome, Message: msg, Warning: outcome != OutcomeClear}
}

func (r Result) Clear() bool { return r.Outcome == OutcomeClear }

// Advisory reports whether a user may explicitly proceed past the warning.
// Blacklist hits and unusable URLs are never advisory.
func (r Result) Advisory() bool {
	return r.Outcome == OutcomeInsecureProtocol || r.Outcome == OutcomeSSLWarning
}

// BlockedError carries a non-clear classification out of a fetch path. It is a
// result for the user to see, not a failure of the service.
type BlockedError struct {
	Result Result
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("url %s classified as %s: %s", e.Result.URL, e.Result.Outcome, e.Result.Message)
}
