// Package topic implements the routing/filtering label attached to
// messages and tasks: a namespace, a map of attributes, and a version,
// with a canonical string form used both for display and for the signing
// digest's topic encoding.
package topic

import (
	"fmt"
	"sort"
	"strings"
)

// Topic is a routing label: a namespace plus free-form attributes plus a
// version, e.g. "orders[region=eu]v1.0".
type Topic struct {
	Namespace  string
	Attributes map[string]string
	Version    string
}

// New builds a Topic, defaulting Version to "1.0" and Attributes to an
// empty (non-nil) map.
func New(namespace string, attributes map[string]string, version string) Topic {
	if version == "" {
		version = "1.0"
	}
	if attributes == nil {
		attributes = map[string]string{}
	}
	return Topic{Namespace: namespace, Attributes: attributes, Version: version}
}

// String renders the canonical form "namespace[k1=v1,k2=v2]vVERSION" with
// attributes sorted by key, matching converge's __str__.
func (t Topic) String() string {
	keys := make([]string, 0, len(t.Attributes))
	for k := range t.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, t.Attributes[k]))
	}
	return fmt.Sprintf("%s[%s]v%s", t.Namespace, strings.Join(pairs, ","), t.Version)
}

// Parse reconstructs a Topic from its canonical String() form
// ("namespace[k1=v1,k2=v2]vVERSION"), the inverse of String. Round-tripping
// a Topic through String then Parse reproduces the same Topic, which
// canonicalBytes relies on to keep a decoded Message's signing digest equal
// to the one it was signed with.
func Parse(s string) (Topic, error) {
	open := strings.Index(s, "[")
	if open < 0 {
		return Topic{}, fmt.Errorf("topic: malformed canonical string %q: missing '['", s)
	}
	namespace := s[:open]
	rest := s[open+1:]

	closeIdx := strings.Index(rest, "]v")
	if closeIdx < 0 {
		return Topic{}, fmt.Errorf("topic: malformed canonical string %q: missing ']v'", s)
	}
	attrPart := rest[:closeIdx]
	version := rest[closeIdx+2:]

	attributes := map[string]string{}
	if attrPart != "" {
		for _, pair := range strings.Split(attrPart, ",") {
			k, v, ok := strings.Cut(pair, "=")
			if !ok {
				return Topic{}, fmt.Errorf("topic: malformed canonical string %q: bad attribute %q", s, pair)
			}
			attributes[k] = v
		}
	}
	return Topic{Namespace: namespace, Attributes: attributes, Version: version}, nil
}

// Matches reports whether this topic is compatible with filter: same
// namespace and version, and every attribute in filter is present with an
// equal value in t (t may carry additional attributes filter doesn't ask
// about). An empty filter namespace matches any namespace.
func (t Topic) Matches(filter Topic) bool {
	if filter.Namespace != "" && filter.Namespace != t.Namespace {
		return false
	}
	if filter.Version != "" && filter.Version != t.Version {
		return false
	}
	for k, v := range filter.Attributes {
		if t.Attributes[k] != v {
			return false
		}
	}
	return true
}
