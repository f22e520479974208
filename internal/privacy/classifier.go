package privacy

import (
	"fmt"
	"regexp"
	"strings"
)

// Inline markers callers can embed to declare a class explicitly.
// Markers outrank pattern detection but not an explicit hint argument.
const (
	MarkerPrivate   = "[private]"
	MarkerSensitive = "[sensitive]"
	MarkerPublic    = "[public]"
)

// Classifier maps candidate content to a sensitivity class.
//
// Precedence, fixed: explicit hint > detected-secret pattern > inline marker >
// default (Public). When multiple rules match, the most restrictive class
// wins.
type Classifier struct {
	rules []*compiledRule
}

// compiledRule holds a rule with its compiled patterns.
type compiledRule struct {
	Rule
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

// NewClassifier creates a classifier from the given rules.
// If rules is nil, DefaultRules() is used.
func NewClassifier(rules []Rule) (*Classifier, error) {
	if rules == nil {
		rules = DefaultRules()
	}

	compiled := make([]*compiledRule, 0, len(rules))
	for i, rule := range rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("rule %d: ID is required", i)
		}
		if rule.Pattern == "" {
			return nil, fmt.Errorf("rule %s: pattern is required", rule.ID)
		}

		pattern, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid pattern: %w", rule.ID, err)
		}

		cr := &compiledRule{
			Rule:     rule,
			pattern:  pattern,
			keywords: make([]*regexp.Regexp, 0, len(rule.Keywords)),
		}
		for _, kw := range rule.Keywords {
			kwPattern, err := regexp.Compile("(?i)" + regexp.QuoteMeta(kw))
			if err != nil {
				return nil, fmt.Errorf("rule %s: invalid keyword %q: %w", rule.ID, kw, err)
			}
			cr.keywords = append(cr.keywords, kwPattern)
		}
		compiled = append(compiled, cr)
	}

	return &Classifier{rules: compiled}, nil
}

// MustNewClassifier creates a classifier with default rules, panicking on error.
// The default rule table is static, so a panic here is a programming error.
func MustNewClassifier() *Classifier {
	c, err := NewClassifier(nil)
	if err != nil {
		panic(err)
	}
	return c
}

// Classify returns the sensitivity class for content.
// hint, when non-nil, overrides all detection.
func (c *Classifier) Classify(content string, hint *Class) Class {
	if hint != nil {
		return *hint
	}

	if class, ok := c.detect(content); ok {
		return class
	}

	if class, ok := inlineMarker(content); ok {
		return class
	}

	return Public
}

// Detections returns the rule IDs that match content, for audit logging.
// The matched text itself is never returned.
func (c *Classifier) Detections(content string) []string {
	var ids []string
	for _, rule := range c.rules {
		if c.ruleMatches(rule, content) {
			ids = append(ids, rule.ID)
		}
	}
	return ids
}

// detect runs the rule table and returns the most restrictive matching class.
func (c *Classifier) detect(content string) (Class, bool) {
	matched := false
	class := Public
	for _, rule := range c.rules {
		if !c.ruleMatches(rule, content) {
			continue
		}
		matched = true
		class = MoreRestrictive(class, rule.Class)
		if class == Private {
			break
		}
	}
	return class, matched
}

// ruleMatches checks keywords first (cheap pre-filter), then the pattern.
func (c *Classifier) ruleMatches(rule *compiledRule, content string) bool {
	if len(rule.keywords) > 0 {
		hasKeyword := false
		for _, kw := range rule.keywords {
			if kw.MatchString(content) {
				hasKeyword = true
				break
			}
		}
		if !hasKeyword {
			return false
		}
	}
	return rule.pattern.MatchString(content)
}

// inlineMarker checks for explicit classification markers in content.
// The most restrictive present marker wins.
func inlineMarker(content string) (Class, bool) {
	lower := strings.ToLower(content)
	switch {
	case strings.Contains(lower, MarkerPrivate):
		return Private, true
	case strings.Contains(lower, MarkerSensitive):
		return Sensitive, true
	case strings.Contains(lower, MarkerPublic):
		return Public, true
	}
	return Public, false
}
