// Package mockengine implements the Mock Engine's structured-URL match
// procedure and response synthesis over a rulestore.Store's index and
// cache (spec.md §4.4).
package mockengine

import (
	"encoding/hex"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/R3E-Network/interceptorhub/internal/flow"
	"github.com/R3E-Network/interceptorhub/internal/rulestore"
	"github.com/R3E-Network/interceptorhub/pkg/logger"
)

// regexMetaChars is the set of characters that mark a rule's path as a
// regular expression rather than a literal (spec.md §4.4 "Match procedure").
const regexMetaChars = ".*+?"

// Engine evaluates incoming requests against a rulestore.Store's indexed
// candidates and synthesises Modified Responses on match.
type Engine struct {
	store *rulestore.Store
	log   *logger.Logger

	mu         sync.Mutex
	pathRegex  map[string]*regexp.Regexp // rule id -> compiled path pattern
	paramRegex map[string]*regexp.Regexp // rule id + "|" + param key -> compiled pattern
}

// New constructs an Engine over store.
func New(store *rulestore.Store, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewDefault("mockengine")
	}
	return &Engine{
		store:      store,
		log:        log,
		pathRegex:  make(map[string]*regexp.Regexp),
		paramRegex: make(map[string]*regexp.Regexp),
	}
}

// matchResult is the cached value, positive or negative, for a lookup key.
// A nil Rule is a cached miss.
type matchResult struct {
	rule *rulestore.Rule
}

// Match applies spec.md §4.4's match procedure and returns the winning
// rule, if any. query carries the request's query-string parameters.
func (e *Engine) Match(method, host, path string, query url.Values) (*rulestore.Rule, bool) {
	key := cacheKey(method, host, path, query)
	if v, ok := e.store.CacheGet(key); ok {
		res := v.(matchResult)
		return res.rule, res.rule != nil
	}

	candidates := e.store.Candidates(method, host)
	for _, r := range candidates {
		if !r.Enabled || !e.store.CollectionEnabled(r.CollectionID) {
			continue
		}
		if !strings.EqualFold(r.Method, method) || !strings.EqualFold(r.Host, host) {
			continue
		}
		if !e.pathMatches(r, path) {
			continue
		}
		if !e.queryMatches(r, query) {
			continue
		}
		rule := r
		e.store.CacheSet(key, matchResult{rule: &rule})
		return &rule, true
	}

	e.store.CacheSet(key, matchResult{rule: nil})
	return nil, false
}

func (e *Engine) pathMatches(r rulestore.Rule, path string) bool {
	if !strings.ContainsAny(r.Path, regexMetaChars) {
		return r.Path == path
	}
	re, ok := e.compiledPathRegex(r)
	if !ok {
		return false
	}
	loc := re.FindStringIndex(path)
	return loc != nil && loc[0] == 0 && loc[1] == len(path)
}

// compiledPathRegex keys the cache by rule id AND pattern text, so an
// edited rule (same id, new path) naturally misses rather than reusing a
// stale compiled pattern; the Project Interceptor never edits a rule's id.
func (e *Engine) compiledPathRegex(r rulestore.Rule) (*regexp.Regexp, bool) {
	key := r.ID + "|" + r.Path
	e.mu.Lock()
	defer e.mu.Unlock()
	if re, ok := e.pathRegex[key]; ok {
		return re, true
	}
	re, err := regexp.Compile(r.Path)
	if err != nil {
		e.log.WithField("rule_id", r.ID).WithField("error", err.Error()).
			Warn("mockengine: path regex compile failed, treating rule as non-matching")
		return nil, false
	}
	e.pathRegex[key] = re
	return re, true
}

func (e *Engine) queryMatches(r rulestore.Rule, query url.Values) bool {
	for _, p := range r.QueryParams {
		if !p.Required {
			continue
		}
		got, present := query[p.Key]
		if !present {
			return false
		}
		value := ""
		if len(got) > 0 {
			value = got[0]
		}
		if !e.paramMatches(r.ID, p, value) {
			return false
		}
	}
	return true
}

func (e *Engine) paramMatches(ruleID string, p rulestore.QueryParam, value string) bool {
	switch p.MatchType {
	case rulestore.MatchWildcard:
		return true
	case rulestore.MatchRegex:
		re, ok := e.compiledParamRegex(ruleID, p)
		if !ok {
			return false
		}
		loc := re.FindStringIndex(value)
		return loc != nil && loc[0] == 0 && loc[1] == len(value)
	default: // MatchExact
		return p.Value == value
	}
}

func (e *Engine) compiledParamRegex(ruleID string, p rulestore.QueryParam) (*regexp.Regexp, bool) {
	key := ruleID + "|" + p.Key + "|" + p.Value
	e.mu.Lock()
	defer e.mu.Unlock()
	if re, ok := e.paramRegex[key]; ok {
		return re, true
	}
	re, err := regexp.Compile(p.Value)
	if err != nil {
		e.log.WithField("rule_id", ruleID).WithField("param", p.Key).WithField("error", err.Error()).
			Warn("mockengine: query param regex compile failed, treating rule as non-matching")
		return nil, false
	}
	e.paramRegex[key] = re
	return re, true
}

// Synthesize builds the Modified Response a matched rule replies with
// (spec.md §4.4 "Response synthesis": fields are populated wholesale, no
// merge with the remote response).
func Synthesize(r *rulestore.Rule) flow.ModifiedResponse {
	return flow.FromRuleResponse(r.Response.StatusCode, toFlowHeaders(r.Response.Headers), r.Response.Body)
}

func toFlowHeaders(h map[string]string) flow.Headers {
	if h == nil {
		return nil
	}
	out := make(flow.Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// cacheKey derives the Rule Store's cache key from (method, host, path,
// query-params) via blake2b, keeping keys fixed-length regardless of
// query-string size (SPEC_FULL.md §1.4).
func cacheKey(method, host, path string, query url.Values) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('|')
	b.WriteString(strings.ToLower(host))
	b.WriteByte('|')
	b.WriteString(path)
	b.WriteByte('|')

	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range query[k] {
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(v)
			b.WriteByte('&')
		}
	}

	sum := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
