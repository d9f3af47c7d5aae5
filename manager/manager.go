// Package manager ties key extraction, policy cost adjustment, algorithms,
// and storage together into a single route table: register a pattern once
// per endpoint shape, then call CheckAndRecord per request.
package manager

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	flexlimit "github.com/flexlimitio/flexlimit"
	"github.com/flexlimitio/flexlimit/algorithm"
	"github.com/flexlimitio/flexlimit/key"
	"github.com/flexlimitio/flexlimit/metrics"
	"github.com/flexlimitio/flexlimit/policy"
	"github.com/flexlimitio/flexlimit/storage"
	"github.com/flexlimitio/flexlimit/storage/memory"
)

// ErrNoRoute is returned by CheckAndRecord/Check/State when no registered
// route pattern matches the request's path.
var ErrNoRoute = errors.New("manager: no matching route")

// route is one registered pattern's full configuration.
type route struct {
	pattern          string
	segments         []string
	trailingWildcard bool

	key    key.Key
	quota  flexlimit.Quota
	algo   algorithm.Algorithm
	policy policy.Policy
}

func compilePattern(pattern string) ([]string, bool) {
	trimmed := strings.Trim(pattern, "/")
	if trimmed == "" {
		return nil, false
	}
	segments := strings.Split(trimmed, "/")
	if segments[len(segments)-1] == "*" {
		return segments[:len(segments)-1], true
	}
	return segments, false
}

func (r *route) matches(path string) bool {
	trimmed := strings.Trim(path, "/")
	var pathSegments []string
	if trimmed != "" {
		pathSegments = strings.Split(trimmed, "/")
	}

	if r.trailingWildcard {
		if len(pathSegments) < len(r.segments) {
			return false
		}
	} else if len(pathSegments) != len(r.segments) {
		return false
	}

	for i, seg := range r.segments {
		if seg == "*" {
			continue
		}
		if i >= len(pathSegments) || pathSegments[i] != seg {
			return false
		}
	}
	return true
}

// RouteOption configures a route registered by Manager.Route.
type RouteOption func(*route)

// WithPolicy attaches a cost-adjustment Policy to a route.
func WithPolicy(p policy.Policy) RouteOption {
	return func(r *route) { r.policy = p }
}

// Manager is a rate limiter built from a route table: an ordered list of
// path patterns, each with its own key extractor, Quota, and Algorithm,
// sharing one Storage backend.
type Manager struct {
	mu     sync.RWMutex
	routes []*route

	store    storage.Storage
	fallback flexlimit.FallbackStrategy

	metrics metrics.Collector
	logger  *slog.Logger

	onAllow func(flexlimit.LimitInfo)
	onLimit func(flexlimit.LimitInfo)

	fallbackStore     storage.Storage
	fallbackStoreOnce sync.Once
}

// Option configures a Manager constructed by New.
type Option func(*Manager)

// WithStorage overrides the shared Storage backend (default: an in-process
// memory.Storage).
func WithStorage(s storage.Storage) Option {
	return func(m *Manager) { m.store = s }
}

// WithFallback sets the behavior when store returns an error (default
// AllowAll).
func WithFallback(f flexlimit.FallbackStrategy) Option {
	return func(m *Manager) { m.fallback = f }
}

// WithMetrics overrides the metrics collector (default metrics.NoOp).
func WithMetrics(c metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithLogger overrides the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithOnAllow registers a callback invoked after every allowed request.
func WithOnAllow(f func(flexlimit.LimitInfo)) Option {
	return func(m *Manager) { m.onAllow = f }
}

// WithOnLimit registers a callback invoked after every denied request.
func WithOnLimit(f func(flexlimit.LimitInfo)) Option {
	return func(m *Manager) { m.onLimit = f }
}

// New constructs a Manager with no routes registered.
func New(opts ...Option) *Manager {
	m := &Manager{
		store:    memory.New(),
		fallback: flexlimit.AllowAll,
		metrics:  metrics.NoOp,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Route registers pattern with the given key extractor, quota, and
// algorithm. Patterns are matched in registration order; the first match
// wins. A segment of "*" matches exactly one path segment; a pattern ending
// in "/*" matches any remaining depth.
func (m *Manager) Route(pattern string, k key.Key, quota flexlimit.Quota, algo algorithm.Algorithm, opts ...RouteOption) *Manager {
	segments, trailing := compilePattern(pattern)
	r := &route{
		pattern:          pattern,
		segments:         segments,
		trailingWildcard: trailing,
		key:              k,
		quota:            quota,
		algo:             algo,
	}
	for _, opt := range opts {
		opt(r)
	}

	m.mu.Lock()
	m.routes = append(m.routes, r)
	m.mu.Unlock()
	return m
}

func (m *Manager) matchRoute(path string) *route {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.routes {
		if r.matches(path) {
			return r
		}
	}
	return nil
}

func (m *Manager) fullKey(r *route, extracted string) string {
	return r.pattern + "\x00" + extracted
}

// CheckAndRecord resolves req against path's matching route and records a
// request against that route's quota, charging the cost the bound Policy
// assigns (or 1, for routes with no Policy).
func (m *Manager) CheckAndRecord(ctx context.Context, path string, req key.Request) (flexlimit.Decision, error) {
	r := m.matchRoute(path)
	if r == nil {
		return flexlimit.Decision{}, ErrNoRoute
	}

	k, err := r.key.Extract(req)
	if err != nil {
		return flexlimit.Decision{}, err
	}

	cost := int64(1)
	if r.policy != nil {
		cost = r.policy.RequestCost(policy.RequestMetadata{Path: path, Key: k})
	}

	start := time.Now()
	decision, err := r.algo.CheckAndRecord(ctx, m.store, m.fullKey(r, k), r.quota, cost)
	m.metrics.ObserveCheckDuration(r.pattern, r.algo.Name(), time.Since(start))

	if err != nil {
		return m.handleStorageError(r, k, "check_and_record", err)
	}

	m.report(r, k, cost, decision)
	return decision, nil
}

// Check previews the outcome of a cost-1 request without recording it.
func (m *Manager) Check(ctx context.Context, path string, req key.Request) (flexlimit.Decision, error) {
	r := m.matchRoute(path)
	if r == nil {
		return flexlimit.Decision{}, ErrNoRoute
	}
	k, err := r.key.Extract(req)
	if err != nil {
		return flexlimit.Decision{}, err
	}
	return r.algo.Check(ctx, m.store, m.fullKey(r, k), r.quota)
}

// State returns a read-only snapshot of path's matching route, without
// consuming capacity.
func (m *Manager) State(ctx context.Context, path string, req key.Request) (*flexlimit.State, error) {
	r := m.matchRoute(path)
	if r == nil {
		return nil, ErrNoRoute
	}
	k, err := r.key.Extract(req)
	if err != nil {
		return nil, err
	}
	return r.algo.State(ctx, m.store, m.fullKey(r, k), r.quota)
}

// Reset clears all recorded usage for path's matching route and key.
func (m *Manager) Reset(ctx context.Context, path string, req key.Request) error {
	r := m.matchRoute(path)
	if r == nil {
		return ErrNoRoute
	}
	k, err := r.key.Extract(req)
	if err != nil {
		return err
	}
	return r.algo.Reset(ctx, m.store, m.fullKey(r, k))
}

// RecordResponse applies the bound Policy's post-response adjustment once
// statusCode is known for the Decision d that CheckAndRecord produced. It
// re-invokes the algorithm's CheckAndRecord with the signed delta
// OnResponse returns as cost: a positive delta charges more (and, if that
// pushes the key over its quota, RecordResponse returns a
// *flexlimit.LimitExceededError), a negative delta refunds. Routes with no
// bound Policy are a no-op.
func (m *Manager) RecordResponse(ctx context.Context, path string, req key.Request, statusCode int, d flexlimit.Decision) error {
	r := m.matchRoute(path)
	if r == nil {
		return ErrNoRoute
	}
	if r.policy == nil {
		return nil
	}
	k, err := r.key.Extract(req)
	if err != nil {
		return err
	}

	delta := r.policy.OnResponse(statusCode, d)
	if delta == 0 {
		return nil
	}

	adjusted, err := r.algo.CheckAndRecord(ctx, m.store, m.fullKey(r, k), r.quota, delta)
	if err != nil {
		return m.wrapStorageError("record_response", k, err)
	}
	m.report(r, k, delta, adjusted)
	if delta > 0 && !adjusted.Allowed {
		return adjusted.AsLimitExceededError(k, r.quota.EffectiveBurst())
	}
	return nil
}

// Headers resolves path's matching route and renders d as the set of
// X-RateLimit-* response headers an HTTP adapter would send alongside the
// downstream response, tagging them with the route's Policy name (or its
// algorithm's name, for routes with no Policy).
func (m *Manager) Headers(path string, d flexlimit.Decision, now time.Time) (map[string]string, error) {
	r := m.matchRoute(path)
	if r == nil {
		return nil, ErrNoRoute
	}
	name := r.algo.Name()
	if r.policy != nil {
		name = r.policy.Name()
	}
	return d.Info(r.quota.EffectiveBurst(), name).Headers(now), nil
}

func (m *Manager) report(r *route, k string, cost int64, decision flexlimit.Decision) {
	info := flexlimit.LimitInfo{
		Key:       k,
		Allowed:   decision.Allowed,
		Limit:     r.quota.EffectiveBurst(),
		Used:      r.quota.EffectiveBurst() - decision.Remaining,
		Remaining: decision.Remaining,
		ResetAt:   decision.ResetAt,
		ResetIn:   decision.RetryAfter,
		Cost:      cost,
		Algorithm: r.algo.Name(),
	}
	if decision.Allowed {
		m.metrics.IncAllowed(r.pattern, r.algo.Name())
		if m.onAllow != nil {
			m.onAllow(info)
		}
		return
	}
	m.metrics.IncDenied(r.pattern, r.algo.Name())
	if m.onLimit != nil {
		m.onLimit(info)
	}
}

// handleStorageError applies the configured FallbackStrategy when store
// returns an error instead of a decision.
func (m *Manager) handleStorageError(r *route, k string, op string, storageErr error) (flexlimit.Decision, error) {
	m.metrics.ObserveStorageError("primary", op)
	m.logger.Warn("manager: storage error, applying fallback",
		"route", r.pattern, "fallback", m.fallback.String(), "error", storageErr)

	switch m.fallback {
	case flexlimit.DenyAll:
		return flexlimit.Denied(r.quota.Period, time.Time{}), nil
	case flexlimit.LocalMemory:
		fb := m.localFallbackStore()
		decision, err := r.algo.CheckAndRecord(context.Background(), fb, m.fullKey(r, k), r.quota, 1)
		if err != nil {
			return flexlimit.Decision{}, m.wrapStorageError(op, k, storageErr)
		}
		return decision, nil
	case flexlimit.AllowAll:
		fallthrough
	default:
		return flexlimit.Allowed(r.quota.EffectiveBurst(), time.Time{}), nil
	}
}

// wrapStorageError wraps a raw storage failure in a *flexlimit.StorageError
// carrying the operation and key that were in flight, so callers can use
// errors.Is(err, flexlimit.ErrStorageUnavailable) without depending on the
// underlying backend's error type.
func (m *Manager) wrapStorageError(op, key string, err error) error {
	return &flexlimit.StorageError{Backend: "primary", Operation: op, Key: key, Err: err}
}

func (m *Manager) localFallbackStore() storage.Storage {
	m.fallbackStoreOnce.Do(func() {
		m.fallbackStore = memory.New()
	})
	return m.fallbackStore
}

// Close releases the Manager's owned resources, including its Storage
// backend and any local fallback store.
func (m *Manager) Close() error {
	var errs []error
	if err := m.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if m.fallbackStore != nil {
		if err := m.fallbackStore.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
