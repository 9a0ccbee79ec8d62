package blacklist

import (
	"regexp"
	"sort"
)

type compiledRule struct {
	entry Entry
	re    *regexp.Regexp
}

// Snapshot 是编译好的不可变规则集，可被任意多个 goroutine 并发读取。
// 规则按 confidence 降序排列，相同 confidence 保持插入顺序。
type Snapshot struct {
	rules []compiledRule
}

// Compile validates a pattern the same way the matcher will use it.
func Compile(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, &InvalidPatternError{Pattern: pattern, Err: err}
	}
	return re, nil
}

// NewSnapshot compiles entries, given in insertion order. Any bad pattern fails
// the whole snapshot.
func NewSnapshot(entries []Entry) (*Snapshot, error) {
	rules := make([]compiledRule, 0, len(entries))
	for _, e := range entries {
		re, err := Compile(e.Pattern)
		if err != nil {
			return nil, err
		}
		rules = append(rules, compiledRule{entry: e, re: re})
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].entry.Confidence > rules[j].entry.Confidence
	})
	return &Snapshot{rules: rules}, nil
}

// Match returns the first entry whose pattern matches rawURL, or nil.
func (s *Snapshot) Match(rawURL string) *Entry {
	if s == nil {
		return nil
	}
	for i := range s.rules {
		if s.rules[i].re.MatchString(rawURL) {
			e := s.rules[i].entry
			return &e
		}
	}
	return nil
}

// Entries returns the rules in evaluation order.
func (s *Snapshot) Entries() []Entry {
	if s == nil {
		return []Entry{}
	}
	out := make([]Entry, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.entry
	}
	return out
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}
