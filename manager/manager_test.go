package manager_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flexlimit "github.com/flexlimitio/flexlimit"
	"github.com/flexlimitio/flexlimit/algorithm"
	"github.com/flexlimitio/flexlimit/internal/clock"
	"github.com/flexlimitio/flexlimit/key"
	"github.com/flexlimitio/flexlimit/manager"
	"github.com/flexlimitio/flexlimit/policy"
	"github.com/flexlimitio/flexlimit/storage"
)

type fakeRequest struct {
	path       string
	remoteAddr string
	headers    map[string]string
}

func (r fakeRequest) Header(name string) string { return r.headers[name] }
func (r fakeRequest) RemoteAddr() string         { return r.remoteAddr }
func (r fakeRequest) Path() string               { return r.path }

type recordingCollector struct {
	allowed, denied, storageErrors int
}

func (c *recordingCollector) IncAllowed(string, string)                        { c.allowed++ }
func (c *recordingCollector) IncDenied(string, string)                         { c.denied++ }
func (c *recordingCollector) ObserveCheckDuration(string, string, time.Duration) {}
func (c *recordingCollector) ObserveStorageError(string, string)               { c.storageErrors++ }

var errStorageDown = errors.New("storage down")

// failingStorage fails every operation that touches state, simulating a
// backend outage for Manager's FallbackStrategy handling.
type failingStorage struct{}

func (failingStorage) Get(context.Context, string) (*storage.Entry, bool, error) { return nil, false, errStorageDown }
func (failingStorage) Set(context.Context, string, *storage.Entry, time.Duration) error {
	return errStorageDown
}
func (failingStorage) Delete(context.Context, string) error { return errStorageDown }
func (failingStorage) Increment(context.Context, string, int64, time.Time, time.Duration) (int64, error) {
	return 0, errStorageDown
}
func (failingStorage) CompareAndSwap(context.Context, string, *storage.Entry, *storage.Entry, time.Duration) (bool, error) {
	return false, errStorageDown
}
func (failingStorage) ExecuteAtomic(context.Context, string, time.Duration, func(*storage.Entry, bool) (*storage.Entry, any, error)) (any, error) {
	return nil, errStorageDown
}
func (failingStorage) Reset(context.Context, string) error { return errStorageDown }
func (failingStorage) Close() error                        { return nil }

func TestRouteMatchingMidPatternWildcard(t *testing.T) {
	m := manager.New()
	m.Route("/users/*/profile", key.Path(), flexlimit.PerSecond(5), algorithm.NewFixedWindow())

	_, err := m.Check(context.Background(), "/users/42/profile", fakeRequest{path: "/users/42/profile"})
	require.NoError(t, err)

	_, err = m.Check(context.Background(), "/users/42/profile/extra", fakeRequest{path: "/users/42/profile/extra"})
	assert.ErrorIs(t, err, manager.ErrNoRoute, "mid-pattern * matches exactly one segment")
}

func TestRouteMatchingTrailingWildcard(t *testing.T) {
	m := manager.New()
	m.Route("/static/*", key.Path(), flexlimit.PerSecond(5), algorithm.NewFixedWindow())

	_, err := m.Check(context.Background(), "/static/css/app.css", fakeRequest{path: "/static/css/app.css"})
	require.NoError(t, err, "trailing * should match any remaining depth")
}

func TestNoMatchingRouteReturnsErrNoRoute(t *testing.T) {
	m := manager.New()
	m.Route("/checkout", key.Path(), flexlimit.PerSecond(5), algorithm.NewFixedWindow())

	_, err := m.CheckAndRecord(context.Background(), "/other", fakeRequest{path: "/other"})
	assert.ErrorIs(t, err, manager.ErrNoRoute)
}

func TestCheckAndRecordEndToEnd(t *testing.T) {
	collector := &recordingCollector{}
	m := manager.New(manager.WithMetrics(collector))
	m.Route("/checkout", key.IP(), flexlimit.PerSecond(2), algorithm.NewFixedWindow())

	req := fakeRequest{path: "/checkout", remoteAddr: "10.0.0.1:1111"}

	for i := 0; i < 2; i++ {
		d, err := m.CheckAndRecord(context.Background(), "/checkout", req)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	d, err := m.CheckAndRecord(context.Background(), "/checkout", req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	assert.Equal(t, 2, collector.allowed)
	assert.Equal(t, 1, collector.denied)
}

func TestFallbackAllowAll(t *testing.T) {
	m := manager.New(manager.WithStorage(failingStorage{}), manager.WithFallback(flexlimit.AllowAll))
	m.Route("/checkout", key.Path(), flexlimit.PerSecond(5), algorithm.NewFixedWindow())

	d, err := m.CheckAndRecord(context.Background(), "/checkout", fakeRequest{path: "/checkout"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestFallbackDenyAll(t *testing.T) {
	m := manager.New(manager.WithStorage(failingStorage{}), manager.WithFallback(flexlimit.DenyAll))
	m.Route("/checkout", key.Path(), flexlimit.PerSecond(5), algorithm.NewFixedWindow())

	d, err := m.CheckAndRecord(context.Background(), "/checkout", fakeRequest{path: "/checkout"})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestFallbackLocalMemory(t *testing.T) {
	m := manager.New(manager.WithStorage(failingStorage{}), manager.WithFallback(flexlimit.LocalMemory))
	m.Route("/checkout", key.Path(), flexlimit.PerSecond(5), algorithm.NewFixedWindow())

	d, err := m.CheckAndRecord(context.Background(), "/checkout", fakeRequest{path: "/checkout"})
	require.NoError(t, err)
	assert.True(t, d.Allowed, "a local in-process store should serve the request even though the primary store is down")
}

// TestRecordResponsePenaltyConsumesExtraToken exercises the Penalty policy
// scenario: a 500 response after an allowed GCRA request consumes one extra
// token, leaving 8 remaining instead of 9.
func TestRecordResponsePenaltyConsumesExtraToken(t *testing.T) {
	mock := clock.NewMockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := manager.New()
	m.Route("/api", key.Path(), flexlimit.NewQuota(10, time.Second), algorithm.NewGCRA(algorithm.WithClock(mock)),
		manager.WithPolicy(policy.Penalty(2)))

	req := fakeRequest{path: "/api"}

	d, err := m.CheckAndRecord(context.Background(), "/api", req)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	assert.Equal(t, int64(9), d.Remaining)

	require.NoError(t, m.RecordResponse(context.Background(), "/api", req, 500, d))

	state, err := m.State(context.Background(), "/api", req)
	require.NoError(t, err)
	assert.Equal(t, int64(8), state.Remaining, "a 500 response under Penalty(2) should consume one extra token")
}

func TestRecordResponseCreditRefundsToken(t *testing.T) {
	mock := clock.NewMockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := manager.New()
	m.Route("/api", key.Path(), flexlimit.NewQuota(10, time.Second), algorithm.NewGCRA(algorithm.WithClock(mock)),
		manager.WithPolicy(policy.Credit(1)))

	req := fakeRequest{path: "/api"}

	d, err := m.CheckAndRecord(context.Background(), "/api", req)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	assert.Equal(t, int64(9), d.Remaining)

	require.NoError(t, m.RecordResponse(context.Background(), "/api", req, 304, d))

	state, err := m.State(context.Background(), "/api", req)
	require.NoError(t, err)
	assert.Equal(t, int64(10), state.Remaining, "a 304 response under Credit(1) should refund the consumed token")
}

func TestRecordResponseNoPolicyIsNoOp(t *testing.T) {
	m := manager.New()
	m.Route("/upload", key.Path(), flexlimit.NewQuota(1, time.Minute), algorithm.NewConcurrency())

	req := fakeRequest{path: "/upload"}

	d, err := m.CheckAndRecord(context.Background(), "/upload", req)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	require.NoError(t, m.RecordResponse(context.Background(), "/upload", req, 500, d))

	state, err := m.State(context.Background(), "/upload", req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Used, "RecordResponse is a no-op for routes with no bound Policy")
}

func TestRecordResponseReturnsLimitExceededErrorWhenPenaltyExceedsQuota(t *testing.T) {
	mock := clock.NewMockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := manager.New()
	m.Route("/api", key.Path(), flexlimit.NewQuota(1, time.Second), algorithm.NewGCRA(algorithm.WithClock(mock)),
		manager.WithPolicy(policy.Penalty(3)))

	req := fakeRequest{path: "/api"}

	d, err := m.CheckAndRecord(context.Background(), "/api", req)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	err = m.RecordResponse(context.Background(), "/api", req, 500, d)
	var limitErr *flexlimit.LimitExceededError
	require.ErrorAs(t, err, &limitErr)
}

func TestHeadersReflectsPolicyName(t *testing.T) {
	mock := clock.NewMockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := manager.New()
	m.Route("/api", key.Path(), flexlimit.NewQuota(10, time.Second), algorithm.NewGCRA(algorithm.WithClock(mock)),
		manager.WithPolicy(policy.Penalty(2)))

	req := fakeRequest{path: "/api"}
	d, err := m.CheckAndRecord(context.Background(), "/api", req)
	require.NoError(t, err)

	headers, err := m.Headers("/api", d, mock.Now())
	require.NoError(t, err)
	assert.Equal(t, "penalty", headers[flexlimit.HeaderPolicy])
	assert.Equal(t, "10", headers[flexlimit.HeaderLimit])
}

func TestHeadersFallsBackToAlgorithmNameWithoutPolicy(t *testing.T) {
	m := manager.New()
	m.Route("/checkout", key.Path(), flexlimit.PerSecond(5), algorithm.NewFixedWindow())

	req := fakeRequest{path: "/checkout"}
	d, err := m.CheckAndRecord(context.Background(), "/checkout", req)
	require.NoError(t, err)

	headers, err := m.Headers("/checkout", d, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "fixed_window", headers[flexlimit.HeaderPolicy])
}

func TestOnAllowAndOnLimitCallbacks(t *testing.T) {
	var allowed, limited []flexlimit.LimitInfo
	m := manager.New(
		manager.WithOnAllow(func(info flexlimit.LimitInfo) { allowed = append(allowed, info) }),
		manager.WithOnLimit(func(info flexlimit.LimitInfo) { limited = append(limited, info) }),
	)
	m.Route("/checkout", key.Path(), flexlimit.PerSecond(1), algorithm.NewFixedWindow())

	req := fakeRequest{path: "/checkout"}
	_, err := m.CheckAndRecord(context.Background(), "/checkout", req)
	require.NoError(t, err)
	_, err = m.CheckAndRecord(context.Background(), "/checkout", req)
	require.NoError(t, err)

	require.Len(t, allowed, 1)
	require.Len(t, limited, 1)
	assert.Equal(t, "fixed_window", allowed[0].Algorithm)
}

func TestResetClearsUsage(t *testing.T) {
	m := manager.New()
	m.Route("/checkout", key.Path(), flexlimit.PerSecond(1), algorithm.NewFixedWindow())
	req := fakeRequest{path: "/checkout"}

	_, err := m.CheckAndRecord(context.Background(), "/checkout", req)
	require.NoError(t, err)

	require.NoError(t, m.Reset(context.Background(), "/checkout", req))

	d, err := m.CheckAndRecord(context.Background(), "/checkout", req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCloseClosesStorage(t *testing.T) {
	m := manager.New()
	require.NoError(t, m.Close())
}
