package pattern

// Package pattern matches operation field values against rule patterns.
//
// Five pattern types are supported: exact, prefix, suffix, glob and regex.
// Glob patterns are compiled to anchored regular expressions where "**"
// crosses path separators, "*" stays within one segment and "?" matches a
// single non-separator character. Every other byte, backslash included, is
// matched literally.
//
// Regular expressions run on Go's RE2 engine, which is linear-time, but the
// catastrophic-backtracking heuristic is still applied so that patterns
// authored for backtracking engines are rejected consistently. A bad or
// dangerous pattern never fails the caller: it is logged and treated as a
// non-match.

import (
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kubilitics/agent-guardrails/internal/models"
)

// Matcher evaluates patterns and caches compiled expressions.
type Matcher struct {
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[cacheKey]*regexp.Regexp
}

type cacheKey struct {
	kind    models.PatternType
	pattern string
}

// NewMatcher creates a matcher. A nil logger discards output.
func NewMatcher(logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		logger: logger,
		cache:  make(map[cacheKey]*regexp.Regexp),
	}
}

// Match reports whether value matches pattern under kind.
func (m *Matcher) Match(value, pattern string, kind models.PatternType) bool {
	switch kind {
	case models.PatternExact:
		return value == pattern
	case models.PatternPrefix:
		return strings.HasPrefix(value, pattern)
	case models.PatternSuffix:
		return strings.HasSuffix(value, pattern)
	case models.PatternGlob:
		re, err := m.compile(kind, pattern)
		if err != nil {
			m.logger.Warn("invalid glob pattern treated as no match",
				zap.String("pattern", pattern), zap.Error(err))
			return false
		}
		return re.MatchString(value)
	case models.PatternRegex:
		if IsDangerousPattern(pattern) {
			m.logger.Warn("dangerous regex pattern rejected",
				zap.String("pattern", pattern))
			return false
		}
		re, err := m.compile(kind, pattern)
		if err != nil {
			m.logger.Warn("invalid regex pattern treated as no match",
				zap.String("pattern", pattern), zap.Error(err))
			return false
		}
		return re.MatchString(value)
	}
	m.logger.Warn("unknown pattern type", zap.String("type", string(kind)))
	return false
}

// EvaluateCondition applies cond to op. An absent field yields cond.Negate;
// a multi-valued field matches when any value matches.
func (m *Matcher) EvaluateCondition(cond models.RuleCondition, op models.SafetyOperation) bool {
	values, ok := op.Lookup(cond.Field)
	if !ok {
		return cond.Negate
	}
	matched := false
	for _, v := range values {
		if m.Match(v, cond.Pattern, cond.PatternType) {
			matched = true
			break
		}
	}
	return matched != cond.Negate
}

func (m *Matcher) compile(kind models.PatternType, pattern string) (*regexp.Regexp, error) {
	key := cacheKey{kind: kind, pattern: pattern}
	m.mu.RLock()
	re, ok := m.cache[key]
	m.mu.RUnlock()
	if ok {
		return re, nil
	}

	var err error
	if kind == models.PatternGlob {
		re, err = GlobToRegexp(pattern)
	} else {
		re, err = regexp.Compile(pattern)
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[key] = re
	m.mu.Unlock()
	return re, nil
}

// GlobToRegexp compiles a glob into an anchored regular expression.
func GlobToRegexp(glob string) (*regexp.Regexp, error) {
	return regexp.Compile(globExpression(glob))
}

func globExpression(glob string) string {
	var sb strings.Builder
	sb.WriteString("(?s)^")
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		switch c {
		case '*':
			if i+1 < len(glob) && glob[i+1] == '*' {
				i++
				sb.WriteString(".*")
				continue
			}
			sb.WriteString("[^/]*")
		case '?':
			sb.WriteString("[^/]")
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteString("$")
	return sb.String()
}
