package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labrun/orchestrator/models"
)

func TestParseHost(t *testing.T) {
	cases := []struct {
		name       string
		host       string
		baseDomain string
		wantID     string
		wantPort   int
		wantOK     bool
	}{
		{"valid", "abc123--8080.labs.example.com", "labs.example.com", "abc123", 8080, true},
		{"valid with explicit port", "abc123--8080.labs.example.com:443", "labs.example.com", "abc123", 8080, true},
		{"wrong base domain", "abc123--8080.other.com", "labs.example.com", "", 0, false},
		{"missing separator", "abc123.labs.example.com", "labs.example.com", "", 0, false},
		{"non-numeric port", "abc123--abc.labs.example.com", "labs.example.com", "", 0, false},
		{"bare base domain", "labs.example.com", "labs.example.com", "", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, port, ok := parseHost(tc.host, tc.baseDomain)
			assert.Equal(t, tc.wantOK, ok)
			if tc.wantOK {
				assert.Equal(t, tc.wantID, id)
				assert.Equal(t, tc.wantPort, port)
			}
		})
	}
}

func TestRouter_RegisterAndResolveCluster(t *testing.T) {
	r := New("labs.example.com", 0)

	infos, err := r.RegisterCluster("sess-1", "net-1", []models.ClusterContainerSpec{
		{
			ContainerID: "c1",
			Hostname:    "c1.net-1",
			Ports:       map[int]int{8080: 32000, 9090: 0},
		},
	})
	require.NoError(t, err)
	require.Len(t, infos, 2)

	rt, ok := r.resolve("sess-1", 8080)
	require.True(t, ok)
	assert.Equal(t, "c1.net-1", rt.upstreamHost)
	assert.Equal(t, 32000, rt.upstreamPort)

	rt, ok = r.resolve("sess-1", 9090)
	require.True(t, ok)
	assert.Equal(t, 9090, rt.upstreamPort, "hostPort 0 should fall back to the container port")

	_, ok = r.resolve("sess-1", 1234)
	assert.False(t, ok)

	_, ok = r.resolve("unknown-session", 8080)
	assert.False(t, ok)
}

func TestRouter_GetUrls(t *testing.T) {
	r := New("labs.example.com", 0)
	_, err := r.RegisterCluster("sess-1", "net-1", []models.ClusterContainerSpec{
		{Hostname: "c1.net-1", Ports: map[int]int{8080: 0}},
	})
	require.NoError(t, err)

	urls := r.GetUrls("sess-1")
	require.Len(t, urls, 1)
	assert.Equal(t, 8080, urls[0].ContainerPort)
	assert.Equal(t, "https://sess-1--8080.labs.example.com", urls[0].URL)

	assert.Empty(t, r.GetUrls("never-registered"))
}

func TestRouter_RegisterClusterIsIdempotent(t *testing.T) {
	r := New("labs.example.com", 0)
	spec := []models.ClusterContainerSpec{{Hostname: "c1.net-1", Ports: map[int]int{8080: 0}}}

	_, err := r.RegisterCluster("sess-1", "net-1", spec)
	require.NoError(t, err)
	_, err = r.RegisterCluster("sess-1", "net-1", spec)
	require.NoError(t, err)

	assert.Len(t, r.GetUrls("sess-1"), 1, "re-registering should replace, not accumulate, routes")
}

func TestRouter_UnregisterCluster(t *testing.T) {
	r := New("labs.example.com", 0)
	_, err := r.RegisterCluster("sess-1", "net-1", []models.ClusterContainerSpec{
		{Hostname: "c1.net-1", Ports: map[int]int{8080: 0}},
	})
	require.NoError(t, err)

	r.UnregisterCluster("sess-1")
	assert.Empty(t, r.GetUrls("sess-1"))
	_, ok := r.resolve("sess-1", 8080)
	assert.False(t, ok)
}

func TestRouter_UnregisterClusterUnknownSessionIsNoOp(t *testing.T) {
	r := New("labs.example.com", 0)
	assert.NotPanics(t, func() { r.UnregisterCluster("never-registered") })
}

func TestIsWebsocketUpgrade(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	assert.False(t, isWebsocketUpgrade(req))

	req.Header.Set("Upgrade", "websocket")
	assert.True(t, isWebsocketUpgrade(req))

	req.Header.Set("Upgrade", "WebSocket")
	assert.True(t, isWebsocketUpgrade(req), "comparison should be case-insensitive")
}

func TestServeHTTP_InvalidSubdomainReturns400(t *testing.T) {
	r := New("labs.example.com", 0)
	req := httptest.NewRequest(http.MethodGet, "http://not-a-match.other.com", nil)
	req.Host = "not-a-match.other.com"
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeHTTP_UnknownRouteReturns404(t *testing.T) {
	r := New("labs.example.com", 0)
	req := httptest.NewRequest(http.MethodGet, "http://sess-1--8080.labs.example.com", nil)
	req.Host = "sess-1--8080.labs.example.com"
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeHTTP_OptionsRequestShortCircuits(t *testing.T) {
	r := New("labs.example.com", 0)
	req := httptest.NewRequest(http.MethodOptions, "http://sess-1--8080.labs.example.com", nil)
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
