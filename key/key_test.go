package key_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flexlimit "github.com/flexlimitio/flexlimit"
	"github.com/flexlimitio/flexlimit/key"
)

type fakeRequest struct {
	headers    map[string]string
	remoteAddr string
	path       string
}

func (r fakeRequest) Header(name string) string { return r.headers[name] }
func (r fakeRequest) RemoteAddr() string         { return r.remoteAddr }
func (r fakeRequest) Path() string               { return r.path }

func TestGlobalAndStatic(t *testing.T) {
	req := fakeRequest{}

	v, err := key.Global().Extract(req)
	require.NoError(t, err)
	assert.Equal(t, "global", v)

	v, err = key.Static("tenant-a").Extract(req)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", v)
}

func TestIPStripsPort(t *testing.T) {
	v, err := key.IP().Extract(fakeRequest{remoteAddr: "203.0.113.5:54321"})
	require.NoError(t, err)
	assert.Equal(t, "ip:203.0.113.5", v)
}

func TestIPFallsBackToRawAddrWithoutPort(t *testing.T) {
	v, err := key.IP().Extract(fakeRequest{remoteAddr: "203.0.113.5"})
	require.NoError(t, err)
	assert.Equal(t, "ip:203.0.113.5", v)
}

func TestIPPrefersLeftmostPublicForwardedFor(t *testing.T) {
	req := fakeRequest{
		headers:    map[string]string{"X-Forwarded-For": "198.51.100.9, 10.0.0.1"},
		remoteAddr: "10.0.0.2:8080",
	}
	v, err := key.IP().Extract(req)
	require.NoError(t, err)
	assert.Equal(t, "ip:198.51.100.9", v)
}

func TestIPSkipsPrivateAddressesInForwardedFor(t *testing.T) {
	req := fakeRequest{
		headers:    map[string]string{"X-Forwarded-For": "10.0.0.5, 192.168.1.1, 203.0.113.7"},
		remoteAddr: "10.0.0.2:8080",
	}
	v, err := key.IP().Extract(req)
	require.NoError(t, err)
	assert.Equal(t, "ip:203.0.113.7", v)
}

func TestIPFallsBackToRealIPWhenForwardedForIsAllPrivate(t *testing.T) {
	req := fakeRequest{
		headers:    map[string]string{"X-Forwarded-For": "10.0.0.5", "X-Real-IP": "203.0.113.7"},
		remoteAddr: "10.0.0.2:8080",
	}
	v, err := key.IP().Extract(req)
	require.NoError(t, err)
	assert.Equal(t, "ip:203.0.113.7", v)
}

func TestIPFallsBackToRemoteAddrWhenNoProxyHeaders(t *testing.T) {
	req := fakeRequest{remoteAddr: "203.0.113.5:54321"}
	v, err := key.IP().Extract(req)
	require.NoError(t, err)
	assert.Equal(t, "ip:203.0.113.5", v)
}

func TestIPMissingErrors(t *testing.T) {
	_, err := key.IP().Extract(fakeRequest{})
	var missing *flexlimit.KeyMissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "ip", missing.Extractor)
}

func TestPath(t *testing.T) {
	v, err := key.Path().Extract(fakeRequest{path: "/v1/widgets"})
	require.NoError(t, err)
	assert.Equal(t, "path:/v1/widgets", v)

	_, err = key.Path().Extract(fakeRequest{})
	var missing *flexlimit.KeyMissingError
	require.ErrorAs(t, err, &missing)
}

func TestHeaderWithAndWithoutFallback(t *testing.T) {
	req := fakeRequest{headers: map[string]string{"X-API-Key": "abc123"}}
	v, err := key.Header("X-API-Key").Extract(req)
	require.NoError(t, err)
	assert.Equal(t, "header:abc123", v)

	_, err = key.Header("X-Missing").Extract(req)
	var missing *flexlimit.KeyMissingError
	require.ErrorAs(t, err, &missing)

	v, err = key.Header("X-Missing", key.WithFallback("anonymous")).Extract(req)
	require.NoError(t, err)
	assert.Equal(t, "header:anonymous", v)
}

func TestComposite(t *testing.T) {
	req := fakeRequest{remoteAddr: "10.0.0.1:1234", path: "/checkout"}
	v, err := key.Composite(":", key.IP(), key.Path()).Extract(req)
	require.NoError(t, err)
	assert.Equal(t, "ip:10.0.0.1:path:/checkout", v)
}

func TestCompositeFailsIfAnyPartFails(t *testing.T) {
	req := fakeRequest{path: "/checkout"}
	_, err := key.Composite(":", key.IP(), key.Path()).Extract(req)
	require.Error(t, err)
}

func TestEitherFallsThrough(t *testing.T) {
	req := fakeRequest{path: "/checkout"}
	v, err := key.Either(key.IP(), key.Path()).Extract(req)
	require.NoError(t, err)
	assert.Equal(t, "path:/checkout", v)
}

func TestEitherReturnsLastErrorWhenAllFail(t *testing.T) {
	req := fakeRequest{}
	_, err := key.Either(key.IP(), key.Path()).Extract(req)
	var missing *flexlimit.KeyMissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "path", missing.Extractor)
}
