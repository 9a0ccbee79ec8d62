package blacklist

import (
	"errors"
	"fmt"
	"time"
)

// Entry 是一条黑名单规则。Pattern 是正则表达式，对完整 URL 匹配（不只是主机名）。
type Entry struct {
	ID         string    `json:"id"`
	Pattern    string    `json:"pattern"`
	Reason     string    `json:"reason"`
	Confidence int       `json:"confidence"`
	AddedBy    string    `json:"addedBy"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Input carries the admin-editable fields of an entry.
type Input struct {
	Pattern    string
	Reason     string
	Confidence int
}

var (
	ErrEntryNotFound = errors.New("blacklist entry not found")
	ErrInvalidEntry  = errors.New("invalid blacklist entry")
)

// InvalidPatternError is returned when a pattern does not compile. Patterns are
// rejected on write so matching never fails.
type InvalidPatternError struct {
	Pattern string
	Err     error
}

func (e *InvalidPatternError) Error() string {
	return fmt.Sprintf("invalid pattern %q: %v", e.Pattern, e.Err)
}

func (e *InvalidPatternError) Unwrap() error { return e.Err }

func (in Input) validate() error {
	if in.Pattern == "" {
		return fmt.Errorf("%w: pattern is required", ErrInvalidEntry)
	}
	if in.Confidence < 0 || in.Confidence > 100 {
		return fmt.Errorf("%w: confidence %d out of range 0-100", ErrInvalidEntry, in.Confidence)
	}
	return nil
}
