package imagemgr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clowdy-run/clowdy/pkg/runtime"
	"github.com/clowdy-run/clowdy/pkg/types"
)

func TestCanonicalize(t *testing.T) {
	raw := "\n# comment\nrequests==2.0\n\n  flask==1.0  \n# another\nrequests==2.0\n"
	assert.Equal(t, "flask==1.0\nrequests==2.0", Canonicalize(raw))
}

func TestCanonicalize_Idempotent(t *testing.T) {
	raw := "b==1\na==2\n# x\n"
	once := Canonicalize(raw)
	twice := Canonicalize(once)
	assert.Equal(t, once, twice)
}

func TestHash_Deterministic(t *testing.T) {
	assert.Equal(t, Hash("a\nb"), Hash("a\nb"))
	assert.NotEqual(t, Hash("a\nb"), Hash("a\nc"))
}

type fakeBuilder struct {
	calls  int32
	tag    string
	err    error
	delay  chan struct{}
}

func (f *fakeBuilder) BuildImage(ctx context.Context, baseImage string, files []types.BuildContextFile, installCmd []string, tag string) (string, string, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay != nil {
		<-f.delay
	}
	if f.err != nil {
		return "", "build failed\n", f.err
	}
	return tag, "build ok\n", nil
}

type fakeProjectStore struct {
	mu      sync.Mutex
	updated []*types.Project
}

func (f *fakeProjectStore) CreateProject(*types.Project) error { return nil }
func (f *fakeProjectStore) GetProject(string) (*types.Project, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeProjectStore) GetProjectBySlug(string, string) (*types.Project, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeProjectStore) GetProjectBySlugAnyOwner(string) (*types.Project, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeProjectStore) ListProjects(string) ([]*types.Project, error) { return nil, nil }
func (f *fakeProjectStore) UpdateProject(p *types.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, p)
	return nil
}
func (f *fakeProjectStore) DeleteProject(string) error { return nil }

type fakeBuildLogs struct {
	mu   sync.Mutex
	logs map[string]string
}

func (f *fakeBuildLogs) SetBuildLog(projectID, log string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.logs == nil {
		f.logs = map[string]string{}
	}
	f.logs[projectID] = log
	return nil
}
func (f *fakeBuildLogs) GetBuildLog(projectID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs[projectID], nil
}

func TestResolve_EmptyManifestUsesBaseImage(t *testing.T) {
	builder := &fakeBuilder{}
	mgr := New(builder, &fakeProjectStore{}, &fakeBuildLogs{}, "clowdy-base:latest")

	project := &types.Project{ID: "p1"}
	tag, err := mgr.Resolve(context.Background(), project)
	require.NoError(t, err)
	assert.Equal(t, "clowdy-base:latest", tag)
	assert.EqualValues(t, 0, builder.calls)
}

func TestResolve_CachedWhenHashMatches(t *testing.T) {
	builder := &fakeBuilder{}
	mgr := New(builder, &fakeProjectStore{}, &fakeBuildLogs{}, "clowdy-base:latest")

	canonical := Canonicalize("flask==1.0")
	cachedTag := "clowdy-project-p1-cached"
	project := &types.Project{
		ID:                "p1",
		RequirementsText:  "flask==1.0",
		RequirementsHash:  Hash(canonical),
		ImageBuildStatus:  types.ImageBuildReady,
		RuntimeImageTag:   &cachedTag,
	}

	tag, err := mgr.Resolve(context.Background(), project)
	require.NoError(t, err)
	assert.Equal(t, cachedTag, tag)
	assert.EqualValues(t, 0, builder.calls)
}

func TestResolve_BuildsOnHashMismatch(t *testing.T) {
	builder := &fakeBuilder{}
	projects := &fakeProjectStore{}
	logs := &fakeBuildLogs{}
	mgr := New(builder, projects, logs, "clowdy-base:latest")

	project := &types.Project{ID: "p1", RequirementsText: "flask==1.0"}
	tag, err := mgr.Resolve(context.Background(), project)
	require.NoError(t, err)
	assert.Equal(t, Tag("p1", Hash(Canonicalize("flask==1.0"))), tag)
	assert.EqualValues(t, 1, builder.calls)

	storedLog, _ := logs.GetBuildLog("p1")
	assert.Equal(t, "build ok\n", storedLog)
}

func TestResolve_ConcurrentCallsCoalesce(t *testing.T) {
	builder := &fakeBuilder{delay: make(chan struct{})}
	mgr := New(builder, &fakeProjectStore{}, &fakeBuildLogs{}, "clowdy-base:latest")
	project := &types.Project{ID: "p1", RequirementsText: "flask==1.0"}

	var wg sync.WaitGroup
	results := make([]string, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tag, err := mgr.Resolve(context.Background(), project)
			require.NoError(t, err)
			results[i] = tag
		}(i)
	}

	close(builder.delay)
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, Tag("p1", Hash(Canonicalize("flask==1.0"))), r)
	}
	assert.EqualValues(t, 1, builder.calls)
}

func TestResolve_BuildFailureFallsBackToExistingImage(t *testing.T) {
	builder := &fakeBuilder{err: &runtime.BuildError{Message: "dependency install failed", Output: "pip error"}}
	projects := &fakeProjectStore{}
	mgr := New(builder, projects, &fakeBuildLogs{}, "clowdy-base:latest")

	existing := "clowdy-project-p1-old"
	project := &types.Project{ID: "p1", RequirementsText: "flask==2.0", RuntimeImageTag: &existing}

	tag, err := mgr.Resolve(context.Background(), project)
	require.NoError(t, err)
	assert.Equal(t, existing, tag)
	require.Len(t, projects.updated, 1)
	assert.Equal(t, types.ImageBuildFailed, projects.updated[0].ImageBuildStatus)
	assert.Equal(t, "pip error", projects.updated[0].ImageBuildError)
}

func TestResolve_BuildFailureNoExistingImageFallsBackToBase(t *testing.T) {
	builder := &fakeBuilder{err: errors.New("boom")}
	mgr := New(builder, &fakeProjectStore{}, &fakeBuildLogs{}, "clowdy-base:latest")

	project := &types.Project{ID: "p1", RequirementsText: "flask==2.0"}
	tag, err := mgr.Resolve(context.Background(), project)
	require.NoError(t, err)
	assert.Equal(t, "clowdy-base:latest", tag)
}
