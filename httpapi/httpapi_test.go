package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labrun/orchestrator/browserorch"
	"github.com/labrun/orchestrator/browserorch/daemon"
	"github.com/labrun/orchestrator/bus"
	"github.com/labrun/orchestrator/config"
	"github.com/labrun/orchestrator/logger"
	"github.com/labrun/orchestrator/models"
	"github.com/labrun/orchestrator/portalloc"
	"github.com/labrun/orchestrator/proxy"
	"github.com/labrun/orchestrator/sandbox"
	"github.com/labrun/orchestrator/sessionorch"
	"github.com/labrun/orchestrator/store"
)

func init() {
	logger.InitLogger("error", "console")
}

type fakeProvider struct {
	sandbox.Provider
}

func (f *fakeProvider) CreateContainer(ctx context.Context, spec sandbox.ContainerSpec) (string, error) {
	return "runtime-" + spec.Name, nil
}
func (f *fakeProvider) StartContainer(ctx context.Context, runtimeID string) error { return nil }
func (f *fakeProvider) StopContainer(ctx context.Context, runtimeID string, timeout time.Duration) error {
	return nil
}
func (f *fakeProvider) RemoveContainer(ctx context.Context, runtimeID string, force bool) error {
	return nil
}
func (f *fakeProvider) Inspect(ctx context.Context, runtimeID string) (sandbox.InspectResult, error) {
	return sandbox.InspectResult{Running: true, Ports: map[int]int{8080: 32000}}, nil
}
func (f *fakeProvider) ContainerExists(ctx context.Context, runtimeID string) (bool, error) {
	return false, nil
}
func (f *fakeProvider) CreateNetwork(ctx context.Context, name string) error { return nil }
func (f *fakeProvider) RemoveNetwork(ctx context.Context, name string) error { return nil }
func (f *fakeProvider) Connect(ctx context.Context, runtimeID, network string, aliases []string) error {
	return nil
}
func (f *fakeProvider) Disconnect(ctx context.Context, runtimeID, network string) error { return nil }
func (f *fakeProvider) CreateVolume(ctx context.Context, name string) error             { return nil }
func (f *fakeProvider) RemoveVolume(ctx context.Context, name string) error             { return nil }

type noopController struct {
	daemon.Controller
}

func (noopController) Stop(ctx context.Context, sessionID string) error { return nil }

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ports, err := portalloc.New(context.Background(), st, 9300, 9310)
	require.NoError(t, err)

	browser := browserorch.New(st, noopController{}, ports, time.Second, 3)
	router := proxy.New("lab.local", 0)
	b := bus.New()
	session := sessionorch.New(st, &fakeProvider{}, router, browser, b)
	cfg := &config.Config{CorsAllowedOrigins: []string{"*"}}

	return New(cfg, st, session, router, b), st
}

func doRequest(s *Server, method, target string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rr := httptest.NewRecorder()
	s.routes().ServeHTTP(rr, req)
	return rr
}

func TestServer_Health(t *testing.T) {
	s, _ := newTestServer(t)
	rr := doRequest(s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}

func TestServer_ListProjects(t *testing.T) {
	s, st := newTestServer(t)
	require.NoError(t, st.UpsertProject(context.Background(), models.Project{ID: "proj-1", Name: "demo"}))

	rr := doRequest(s, http.MethodGet, "/projects", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var projects []models.Project
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &projects))
	require.Len(t, projects, 1)
	assert.Equal(t, "proj-1", projects[0].ID)
}

func TestServer_CreateSession(t *testing.T) {
	s, st := newTestServer(t)
	require.NoError(t, st.UpsertProject(context.Background(), models.Project{
		ID: "proj-1", Name: "demo",
		ContainerDefinitions: []models.ContainerDefinition{{ID: "web", Image: "nginx:latest", Ports: []int{8080}}},
	}))

	rr := doRequest(s, http.MethodPost, "/sessions", map[string]string{"projectId": "proj-1", "title": "fix the bug"})
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Session struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"session"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Session.ID)
	assert.Equal(t, "creating", body.Session.Status)
}

func TestServer_CreateSession_MissingProjectIDReturns400(t *testing.T) {
	s, _ := newTestServer(t)
	rr := doRequest(s, http.MethodPost, "/sessions", map[string]string{"title": "no project"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServer_CreateSession_InvalidJSONReturns400(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewReader([]byte("{not json")))
	rr := httptest.NewRecorder()
	s.routes().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServer_GetSession_UnknownReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	rr := doRequest(s, http.MethodGet, "/sessions/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServer_GetSession_Found(t *testing.T) {
	s, st := newTestServer(t)
	now := time.Now()
	require.NoError(t, st.InsertSession(context.Background(), models.Session{
		ID: "sess-1", ProjectID: "proj-1", Status: models.SessionRunning, CreatedAt: now, UpdatedAt: now,
	}))

	rr := doRequest(s, http.MethodGet, "/sessions/sess-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "sess-1", body["id"])
}

func TestServer_PatchSession(t *testing.T) {
	s, st := newTestServer(t)
	now := time.Now()
	require.NoError(t, st.InsertSession(context.Background(), models.Session{
		ID: "sess-1", ProjectID: "proj-1", Status: models.SessionRunning, CreatedAt: now, UpdatedAt: now,
	}))

	rr := doRequest(s, http.MethodPatch, "/sessions/sess-1", map[string]string{"title": "renamed"})
	require.Equal(t, http.StatusOK, rr.Code)

	sess, err := st.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NotNil(t, sess.Title)
	assert.Equal(t, "renamed", *sess.Title)
}

func TestServer_DeleteSession(t *testing.T) {
	s, st := newTestServer(t)
	now := time.Now()
	require.NoError(t, st.InsertSession(context.Background(), models.Session{
		ID: "sess-1", ProjectID: "proj-1", Status: models.SessionRunning, CreatedAt: now, UpdatedAt: now,
	}))

	rr := doRequest(s, http.MethodDelete, "/sessions/sess-1", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	_, err := st.GetSession(context.Background(), "sess-1")
	assert.Error(t, err)
}

func TestServer_ListSessions_FiltersByStatus(t *testing.T) {
	s, st := newTestServer(t)
	now := time.Now()
	require.NoError(t, st.InsertSession(context.Background(), models.Session{ID: "s1", ProjectID: "p1", Status: models.SessionRunning, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, st.InsertSession(context.Background(), models.Session{ID: "s2", ProjectID: "p1", Status: models.SessionPooled, CreatedAt: now, UpdatedAt: now}))

	rr := doRequest(s, http.MethodGet, "/sessions?status=running", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var sessions []models.SessionSummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].ID)
}

func TestServer_Orchestrate(t *testing.T) {
	s, _ := newTestServer(t)
	rr := doRequest(s, http.MethodPost, "/orchestrate", map[string]string{"content": "do something"})
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.NotEmpty(t, body["orchestrationId"])
}

func TestServer_Orchestrate_MissingContentReturns400(t *testing.T) {
	s, _ := newTestServer(t)
	rr := doRequest(s, http.MethodPost, "/orchestrate", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServer_GithubSettings_RoundTrip(t *testing.T) {
	s, _ := newTestServer(t)

	rr := doRequest(s, http.MethodPost, "/github/settings", models.GithubSettings{Settings: map[string]string{"org": "acme"}})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(s, http.MethodGet, "/github/settings", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var settings models.GithubSettings
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &settings))
	assert.True(t, settings.Configured)
	assert.Equal(t, "acme", settings.Settings["org"])

	rr = doRequest(s, http.MethodDelete, "/github/settings", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestServer_CORSPreflightIsHandled(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/projects", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rr := httptest.NewRecorder()
	s.routes().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}
