// Package rulestore implements the per-project Rule Store: persisted mock
// rules grouped into collections, a (method, host) index, and a match
// result cache shared with the Mock Engine (spec.md §4.4).
package rulestore

import (
	"fmt"
	"strings"
)

// MatchType identifies how a QueryParam predicate's value is checked
// against the request (spec.md §3 "Mock Rule").
type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchWildcard MatchType = "wildcard"
	MatchRegex    MatchType = "regex"
)

// QueryParam is one query-parameter predicate on a Mock Rule.
type QueryParam struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Required  bool      `json:"required"`
	MatchType MatchType `json:"match_type"`
}

// RuleResponse is the canned (status, headers, body) a Mock Rule replies
// with on match (spec.md §4.4 "Response synthesis").
type RuleResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       []byte            `json:"body"`
}

// Rule is a structured matching pattern plus a canned response, belonging
// to exactly one Collection (spec.md §3 "Mock Rule").
type Rule struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Enabled      bool         `json:"enabled"`
	CollectionID string       `json:"collection_id"`
	Method       string       `json:"method"`
	Scheme       string       `json:"scheme"`
	Host         string       `json:"host"`
	Port         *int         `json:"port,omitempty"`
	Path         string       `json:"path"`
	QueryParams  []QueryParam `json:"query_params"`
	Response     RuleResponse `json:"response"`
}

// Clone returns a deep copy of r.
func (r Rule) Clone() Rule {
	out := r
	if r.Port != nil {
		p := *r.Port
		out.Port = &p
	}
	out.QueryParams = append([]QueryParam(nil), r.QueryParams...)
	out.Response.Headers = cloneHeaders(r.Response.Headers)
	out.Response.Body = append([]byte(nil), r.Response.Body...)
	return out
}

func cloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Collection is a named grouping of Mock Rules, optionally associated with
// a package and independently enabled/disabled (spec.md §3 "Collection").
type Collection struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	PackageName    string `json:"package_name,omitempty"`
	Enabled        bool   `json:"enabled"`
}

// indexKey identifies a (method, host) bucket in the Rule Store's index.
type indexKey struct {
	method string
	host   string
}

func newIndexKey(method, host string) indexKey {
	return indexKey{method: normalizeMethod(method), host: normalizeHost(host)}
}

func normalizeMethod(m string) string { return strings.ToUpper(m) }
func normalizeHost(h string) string   { return strings.ToLower(h) }

func (k indexKey) String() string {
	return fmt.Sprintf("%s %s", k.method, k.host)
}
