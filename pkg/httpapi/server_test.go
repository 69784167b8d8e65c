package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clowdy-run/clowdy/pkg/engine"
	"github.com/clowdy-run/clowdy/pkg/types"
)

type fakeHost struct {
	timedOut bool
	stdout   []byte
}

func (f *fakeHost) EnsureImage(ctx context.Context, imageRef string) error { return nil }
func (f *fakeHost) CreateContainer(ctx context.Context, id, image string, env []string, limits types.ContainerLimits) error {
	return nil
}
func (f *fakeHost) PutArchive(ctx context.Context, id, path string, tarBytes []byte) error {
	return nil
}
func (f *fakeHost) StartAndWait(ctx context.Context, id string, timeout time.Duration) (int, bool, error) {
	return 0, f.timedOut, nil
}
func (f *fakeHost) ReadLogs(id string) ([]byte, []byte) {
	if f.stdout != nil {
		return f.stdout, nil
	}
	return []byte(`{"handled":true}`), nil
}
func (f *fakeHost) RemoveContainer(ctx context.Context, id string) error { return nil }

type fakeImages struct{}

func (f *fakeImages) Resolve(ctx context.Context, project *types.Project) (string, error) {
	return "clowdy-base:latest", nil
}

type fakeStore struct {
	mu        sync.Mutex
	functions map[string]*types.Function
	projects  map[string]*types.Project
	routes    map[string][]*types.Route
	appended  []*types.Invocation
	aggregate types.Aggregate
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		functions: map[string]*types.Function{},
		projects:  map[string]*types.Project{},
		routes:    map[string][]*types.Route{},
	}
}

func (f *fakeStore) CreateProject(*types.Project) error { return nil }
func (f *fakeStore) GetProject(id string) (*types.Project, error) {
	if p, ok := f.projects[id]; ok {
		return p, nil
	}
	return nil, errors.New("not found")
}
func (f *fakeStore) GetProjectBySlug(string, string) (*types.Project, error) { return nil, errors.New("n/a") }
func (f *fakeStore) GetProjectBySlugAnyOwner(slug string) (*types.Project, error) {
	for _, p := range f.projects {
		if p.Slug == slug {
			return p, nil
		}
	}
	return nil, nil
}
func (f *fakeStore) ListProjects(string) ([]*types.Project, error) { return nil, nil }
func (f *fakeStore) UpdateProject(*types.Project) error            { return nil }
func (f *fakeStore) DeleteProject(string) error                    { return nil }

func (f *fakeStore) CreateFunction(*types.Function) error { return nil }
func (f *fakeStore) GetFunction(id string) (*types.Function, error) {
	if fn, ok := f.functions[id]; ok {
		return fn, nil
	}
	return nil, nil
}
func (f *fakeStore) ListFunctionsByProject(string) ([]*types.Function, error) { return nil, nil }
func (f *fakeStore) ListFunctionsByOwner(string) ([]*types.Function, error)   { return nil, nil }
func (f *fakeStore) UpdateFunction(*types.Function) error                    { return nil }
func (f *fakeStore) DeleteFunction(string) error                             { return nil }

func (f *fakeStore) SetEnvVar(*types.EnvVar) error                      { return nil }
func (f *fakeStore) ListEnvVars(string) ([]*types.EnvVar, error)        { return nil, nil }
func (f *fakeStore) DeleteEnvVar(string, string) error                  { return nil }

func (f *fakeStore) CreateRoute(*types.Route) error { return nil }
func (f *fakeStore) ListRoutes(projectID string) ([]*types.Route, error) {
	return f.routes[projectID], nil
}
func (f *fakeStore) DeleteRoute(string) error { return nil }

func (f *fakeStore) AppendInvocation(inv *types.Invocation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, inv)
	return nil
}
func (f *fakeStore) ListInvocationsForFunction(string, int) ([]*types.Invocation, error) {
	return f.appended, nil
}
func (f *fakeStore) Aggregate(string) (types.Aggregate, error) { return f.aggregate, nil }

func (f *fakeStore) SetBuildLog(string, string) error   { return nil }
func (f *fakeStore) GetBuildLog(string) (string, error) { return "", nil }

func (f *fakeStore) Close() error { return nil }

func newTestServer(st *fakeStore) *Server {
	eng := engine.New(&fakeHost{}, &fakeImages{}, st, "clowdy-base:latest")
	return NewServer(eng, st)
}

func newTestServerWithHost(st *fakeStore, host *fakeHost) *Server {
	eng := engine.New(host, &fakeImages{}, st, "clowdy-base:latest")
	return NewServer(eng, st)
}

func TestHandleInvoke_Success(t *testing.T) {
	st := newFakeStore()
	st.functions["fn1"] = &types.Function{ID: "fn1", Code: "def handler(event): return {}"}
	srv := newTestServer(st)

	req := httptest.NewRequest(http.MethodPost, "/invoke/fn1", bytes.NewReader([]byte(`{"input":{"x":1}}`)))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])
}

func TestHandleInvoke_TimeoutSurfacesTopLevelError(t *testing.T) {
	st := newFakeStore()
	st.functions["fn1"] = &types.Function{ID: "fn1", Code: "def handler(event): return {}"}
	srv := newTestServerWithHost(st, &fakeHost{timedOut: true})

	req := httptest.NewRequest(http.MethodPost, "/invoke/fn1", bytes.NewReader([]byte(`{"input":{}}`)))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, "execution timeout", resp["error"])
}

func TestHandleInvoke_NonJSONOutputSurfacesTopLevelError(t *testing.T) {
	st := newFakeStore()
	st.functions["fn1"] = &types.Function{ID: "fn1", Code: "def handler(event): return {}"}
	srv := newTestServerWithHost(st, &fakeHost{stdout: []byte("not json")})

	req := httptest.NewRequest(http.MethodPost, "/invoke/fn1", bytes.NewReader([]byte(`{"input":{}}`)))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["success"])
	assert.NotEmpty(t, resp["error"])
}

func TestHandleInvoke_UnknownFunction(t *testing.T) {
	st := newFakeStore()
	srv := newTestServer(st)

	req := httptest.NewRequest(http.MethodPost, "/invoke/missing", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleListInvocations_RequiresFunctionID(t *testing.T) {
	srv := newTestServer(newFakeStore())

	req := httptest.NewRequest(http.MethodGet, "/invocations", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleStats_ReturnsAggregate(t *testing.T) {
	st := newFakeStore()
	st.aggregate = types.Aggregate{TotalFunctions: 3, TotalInvocations: 10, SuccessRate: 0.9, AvgDurationMS: 120}
	srv := newTestServer(st)

	req := httptest.NewRequest(http.MethodGet, "/stats?owner_id=o1", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var agg types.Aggregate
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agg))
	assert.Equal(t, 3, agg.TotalFunctions)
}

func TestHandleGateway_DispatchesToMatchedRoute(t *testing.T) {
	st := newFakeStore()
	st.projects["p1"] = &types.Project{ID: "p1", Slug: "myapp"}
	st.functions["fn1"] = &types.Function{ID: "fn1", Code: "def handler(event): return {}"}
	st.routes["p1"] = []*types.Route{
		{ID: "r1", ProjectID: "p1", FunctionID: "fn1", Method: types.RouteMethodGet, PathPattern: "/hello"},
	}
	srv := newTestServer(st)

	req := httptest.NewRequest(http.MethodGet, "/gateway/myapp/hello", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, st.appended, 1)
	assert.Equal(t, types.InvocationSourceGateway, st.appended[0].Source)
}

func TestHandleGateway_UnknownProjectIs404(t *testing.T) {
	srv := newTestServer(newFakeStore())

	req := httptest.NewRequest(http.MethodGet, "/gateway/nope/hello", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleGateway_NoMatchingRouteIs404(t *testing.T) {
	st := newFakeStore()
	st.projects["p1"] = &types.Project{ID: "p1", Slug: "myapp"}
	srv := newTestServer(st)

	req := httptest.NewRequest(http.MethodGet, "/gateway/myapp/missing", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthz_Served(t *testing.T) {
	srv := newTestServer(newFakeStore())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.NotEqual(t, http.StatusNotFound, w.Code)
}
