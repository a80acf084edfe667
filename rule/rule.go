// Package rule matches request paths against configured path prefixes
// and rewrites matched paths onto an upstream target's URI segment.
package rule

import (
	"net/url"
	"sort"
	"strings"

	"github.com/edgelb/edgelb/config"
)

// Rule is one canonicalized listener rule: a slash-bounded path prefix,
// the target group it forwards to, and the rewrite prefix stripped from
// the inbound path before the target's URI segment is grafted on.
type Rule struct {
	Name        string
	TargetGroup string
	Prefix      string // canonical form: "/foo/" (leading and trailing slash); "/" for the root
	Rewrite     string // canonical form: "/foo" (leading slash, no trailing slash)
}

func canonicalTrailing(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	return "/" + trimmed + "/"
}

func canonicalLeading(raw string) string {
	trimmed := strings.Trim(raw, "/")
	return "/" + trimmed
}

// Build canonicalizes one config.ListenerRule into a Rule.
func Build(name string, r config.ListenerRule) Rule {
	return Rule{
		Name:        name,
		TargetGroup: r.TargetGroup,
		Prefix:      canonicalTrailing(r.PathPrefix),
		Rewrite:     canonicalLeading(r.PathRewrite),
	}
}

// BuildAll canonicalizes every configured listener rule.
func BuildAll(rules map[string]config.ListenerRule) []Rule {
	out := make([]Rule, 0, len(rules))
	for name, r := range rules {
		out = append(out, Build(name, r))
	}
	return out
}

// Matcher holds rules sorted in descending string order of their prefixes.
// A prefix sorts after every shorter prefix of itself, so among the rules
// that match a given path the longest prefix is tried first.
type Matcher struct {
	rules []Rule
}

// NewMatcher builds a Matcher from a rule set, sorting prefixes in
// descending order so the first matching prefix wins.
func NewMatcher(rules []Rule) *Matcher {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Prefix > sorted[j].Prefix
	})
	return &Matcher{rules: sorted}
}

// Match returns the first rule whose prefix is a prefix of path, or false
// if no rule matches.
func (m *Matcher) Match(path string) (Rule, bool) {
	for _, r := range m.rules {
		if strings.HasPrefix(path, r.Prefix) {
			return r, true
		}
	}
	return Rule{}, false
}

// Rewrite produces the outbound request-URI (path, optionally "?query")
// for a request matched by r and destined for a target with the given
// URI segment. It strips the rule's rewrite prefix from the inbound path,
// trims the remaining leading slash, and grafts the target's URI segment
// in front of what remains.
func Rewrite(r Rule, targetURI string, reqURL *url.URL) (string, bool) {
	path := reqURL.Path
	rest, ok := strings.CutPrefix(path, r.Rewrite)
	if !ok {
		return "", false
	}
	rest = strings.TrimPrefix(rest, "/")

	var rewritten string
	if targetURI == "" {
		rewritten = "/" + rest
	} else {
		rewritten = "/" + targetURI + "/" + rest
	}

	if reqURL.RawQuery != "" {
		rewritten += "?" + reqURL.RawQuery
	}
	return rewritten, true
}
