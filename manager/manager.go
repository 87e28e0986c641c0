// Package manager ties together an algorithm, a storage backend, a key
// extractor, and per-route quota configuration into the single entry point
// most callers actually want: check a request against whichever quota its
// path maps to, without wiring the lower layers by hand at every call site.
package manager

import (
	"context"
	"strings"
	"time"

	"ratelimitcore/algorithm"
	"ratelimitcore/decision"
	"ratelimitcore/key"
	"ratelimitcore/policy"
	"ratelimitcore/quota"
	"ratelimitcore/storage"
)

// RouteConfig is the quota (and optional key customization) bound to a
// specific route path or pattern.
type RouteConfig struct {
	Quota quota.Quota
	// KeySuffix, if set, replaces the path in the composed storage key
	// (base_key:suffix instead of base_key:path) — useful when several
	// routes should share one bucket.
	KeySuffix string
}

type patternRoute struct {
	pattern string
	config  RouteConfig
}

// Manager[R] is the generic per-route rate limiter for request type R.
type Manager[R any] struct {
	alg       algorithm.Algorithm
	store     storage.Store
	extractor key.Extractor[R]
	pol       policy.Policy

	defaultQuota *quota.Quota
	routes       map[string]RouteConfig
	patterns     []patternRoute
	stats        StatsRecorder
}

// Builder constructs a Manager[R] through chained setter calls, finished by
// Build.
type Builder[R any] struct {
	extractor    key.Extractor[R]
	pol          policy.Policy
	defaultQuota *quota.Quota
	routes       map[string]RouteConfig
	patterns     []patternRoute
	stats        StatsRecorder
}

// NewBuilder starts a Manager builder for request type R.
func NewBuilder[R any]() *Builder[R] {
	return &Builder[R]{routes: make(map[string]RouteConfig)}
}

// DefaultQuota sets the quota applied to paths with no specific route match.
func (b *Builder[R]) DefaultQuota(q quota.Quota) *Builder[R] {
	b.defaultQuota = &q
	return b
}

// Route binds an exact path to a RouteConfig.
func (b *Builder[R]) Route(path string, cfg RouteConfig) *Builder[R] {
	b.routes[path] = cfg
	return b
}

// RoutePattern binds a glob pattern to a RouteConfig. A non-terminal `*`
// matches exactly one path segment; a trailing `*` matches the remainder of
// the path (zero or more segments).
func (b *Builder[R]) RoutePattern(pattern string, cfg RouteConfig) *Builder[R] {
	b.patterns = append(b.patterns, patternRoute{pattern: pattern, config: cfg})
	return b
}

// KeyExtractor sets the request key extractor. Required.
func (b *Builder[R]) KeyExtractor(e key.Extractor[R]) *Builder[R] {
	b.extractor = e
	return b
}

// Policy sets the cost/adjustment policy. Defaults to policy.Default.
func (b *Builder[R]) Policy(p policy.Policy) *Builder[R] {
	b.pol = p
	return b
}

// Build finalizes the Manager against the given algorithm and storage.
func (b *Builder[R]) Build(alg algorithm.Algorithm, store storage.Store) *Manager[R] {
	pol := b.pol
	if pol == nil {
		pol = policy.Default{}
	}
	return &Manager[R]{
		alg:          alg,
		store:        store,
		extractor:    b.extractor,
		pol:          pol,
		defaultQuota: b.defaultQuota,
		routes:       b.routes,
		patterns:     b.patterns,
		stats:        b.stats,
	}
}

// unlimitedInfo is returned when no quota applies to a path: the request is
// allowed with a generously large limit rather than denied for lack of
// configuration.
func unlimitedInfo(policyName string) decision.Info {
	return decision.Info{
		Limit:      ^uint64(0),
		Remaining:  ^uint64(0),
		ResetAfter: time.Hour,
		PolicyName: policyName,
	}
}

func (m *Manager[R]) resolve(path string) *RouteConfig {
	if cfg, ok := m.routes[path]; ok {
		return &cfg
	}
	for _, pr := range m.patterns {
		if patternMatches(pr.pattern, path) {
			cfg := pr.config
			return &cfg
		}
	}
	return nil
}

func (m *Manager[R]) buildKey(path string, req R, cfg *RouteConfig) string {
	base, ok := m.extractor.Extract(req)
	if !ok {
		base = "unknown"
	}
	if cfg != nil && cfg.KeySuffix != "" {
		return base + ":" + cfg.KeySuffix
	}
	return base + ":" + path
}

// CheckAndRecord resolves path's quota, derives the storage key, and checks
// and records one request against it. A path with no matching route and no
// default quota is allowed unconditionally.
func (m *Manager[R]) CheckAndRecord(ctx context.Context, path string, req R) (decision.Decision, error) {
	cfg := m.resolve(path)
	q := m.quotaFor(cfg)
	if q == nil {
		return decision.Allow(unlimitedInfo(m.pol.Name())), nil
	}
	storageKey := m.buildKey(path, req, cfg)
	cost := int64(m.pol.RequestCost(*q))
	d, err := m.alg.CheckAndRecord(ctx, m.store, storageKey, *q, cost)
	if err == nil && m.stats != nil {
		m.stats.Record(StatsEvent{Key: storageKey, Path: path, Allowed: d.Allowed})
	}
	return d, err
}

// Check previews the decision for path without recording the request.
func (m *Manager[R]) Check(ctx context.Context, path string, req R) (decision.Decision, error) {
	cfg := m.resolve(path)
	q := m.quotaFor(cfg)
	if q == nil {
		return decision.Allow(unlimitedInfo(m.pol.Name())), nil
	}
	key := m.buildKey(path, req, cfg)
	return m.alg.Check(ctx, m.store, key, *q)
}

// RecordResponse applies the policy's post-response adjustment for a
// previously recorded request, via the same CheckAndRecord path with a
// signed cost (negative refunds, positive charges more).
func (m *Manager[R]) RecordResponse(ctx context.Context, path string, req R, statusCode int, d decision.Decision) (decision.Decision, error) {
	cfg := m.resolve(path)
	q := m.quotaFor(cfg)
	if q == nil {
		return decision.Allow(unlimitedInfo(m.pol.Name())), nil
	}
	delta := m.pol.OnResponse(statusCode, d)
	if delta == 0 {
		return d, nil
	}
	key := m.buildKey(path, req, cfg)
	return m.alg.CheckAndRecord(ctx, m.store, key, *q, delta)
}

func (m *Manager[R]) quotaFor(cfg *RouteConfig) *quota.Quota {
	if cfg != nil {
		q := cfg.Quota
		return &q
	}
	return m.defaultQuota
}

// Reset clears a key's storage entry entirely, independent of path
// resolution — callers that built the key themselves (e.g. from a
// moderation action) pass it directly.
func (m *Manager[R]) Reset(ctx context.Context, key string) error {
	return m.alg.Reset(ctx, m.store, key)
}

// patternMatches implements the fixed glob convention: a non-terminal `*`
// matches exactly one path segment, while a trailing `*` matches the
// remainder of the path (including zero segments). This diverges
// deliberately from a `**`-for-multi-segment convention: a single wildcard
// token does the job once trailing position is distinguished from
// mid-pattern position, so there is no need for two wildcard spellings.
func patternMatches(pattern, path string) bool {
	patternParts := splitSegments(pattern)
	pathParts := splitSegments(path)

	for i, p := range patternParts {
		last := i == len(patternParts)-1
		if p == "*" && last {
			return true
		}
		if i >= len(pathParts) {
			return false
		}
		if p == "*" {
			continue
		}
		if p != pathParts[i] {
			return false
		}
	}
	return len(patternParts) == len(pathParts)
}

func splitSegments(s string) []string {
	parts := strings.Split(s, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
