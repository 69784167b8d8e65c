package store

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clowdy-run/clowdy/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	st, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCreateProject_GeneratesSlugFromName(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.CreateProject(&types.Project{ID: "p1", Name: "My Cool App"}))

	found, err := st.GetProject("p1")
	require.NoError(t, err)
	assert.Equal(t, "my-cool-app", found.Slug)
}

func TestCreateProject_SuffixesOnSlugCollision(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.CreateProject(&types.Project{ID: "p1", Name: "My Cool App"}))
	require.NoError(t, st.CreateProject(&types.Project{ID: "p2", Name: "My Cool App"}))

	first, err := st.GetProject("p1")
	require.NoError(t, err)
	second, err := st.GetProject("p2")
	require.NoError(t, err)

	assert.Equal(t, "my-cool-app", first.Slug)
	assert.NotEqual(t, first.Slug, second.Slug)
	assert.True(t, strings.HasPrefix(second.Slug, "my-cool-app-"))
}

func TestCreateProject_ExplicitSlugNotOverwritten(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.CreateProject(&types.Project{ID: "p1", Name: "My Cool App", Slug: "custom-slug"}))

	found, err := st.GetProject("p1")
	require.NoError(t, err)
	assert.Equal(t, "custom-slug", found.Slug)
}

func TestGetProjectBySlugAnyOwner_FindsAcrossOwners(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.CreateProject(&types.Project{ID: "p1", OwnerID: "owner-a", Slug: "myapp"}))

	found, err := st.GetProjectBySlugAnyOwner("myapp")
	require.NoError(t, err)
	assert.Equal(t, "p1", found.ID)
	assert.Equal(t, "owner-a", found.OwnerID)
}

func TestGetProjectBySlugAnyOwner_NotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetProjectBySlugAnyOwner("nope")
	assert.Error(t, err)
}

func TestGetProjectBySlug_ScopedToOwner(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateProject(&types.Project{ID: "p1", OwnerID: "owner-a", Slug: "myapp"}))

	_, err := st.GetProjectBySlug("owner-b", "myapp")
	assert.Error(t, err)

	found, err := st.GetProjectBySlug("owner-a", "myapp")
	require.NoError(t, err)
	assert.Equal(t, "p1", found.ID)
}

func TestBuildLog_SetAndGetOverwrites(t *testing.T) {
	st := newTestStore(t)

	log, err := st.GetBuildLog("p1")
	require.NoError(t, err)
	assert.Empty(t, log)

	require.NoError(t, st.SetBuildLog("p1", "first build\n"))
	log, err = st.GetBuildLog("p1")
	require.NoError(t, err)
	assert.Equal(t, "first build\n", log)

	require.NoError(t, st.SetBuildLog("p1", "second build\n"))
	log, err = st.GetBuildLog("p1")
	require.NoError(t, err)
	assert.Equal(t, "second build\n", log)
}

func TestListInvocationsForFunction_NewestFirst(t *testing.T) {
	st := newTestStore(t)
	base := time.Now()

	for i, status := range []types.InvocationStatus{types.InvocationSuccess, types.InvocationError, types.InvocationSuccess} {
		inv := &types.Invocation{
			ID:         "inv" + string(rune('0'+i)),
			FunctionID: "fn1",
			Status:     status,
			DurationMS: int64(i * 10),
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, st.AppendInvocation(inv))
	}

	list, err := st.ListInvocationsForFunction("fn1", 10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "inv2", list[0].ID)
	assert.Equal(t, "inv0", list[2].ID)
}

func TestAggregate_ComputesSuccessRateAndAvgDuration(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateFunction(&types.Function{ID: "fn1", OwnerID: "owner-a"}))

	require.NoError(t, st.AppendInvocation(&types.Invocation{ID: "i1", FunctionID: "fn1", Status: types.InvocationSuccess, DurationMS: 100, CreatedAt: time.Now()}))
	require.NoError(t, st.AppendInvocation(&types.Invocation{ID: "i2", FunctionID: "fn1", Status: types.InvocationError, DurationMS: 200, CreatedAt: time.Now()}))

	agg, err := st.Aggregate("owner-a")
	require.NoError(t, err)
	assert.Equal(t, 1, agg.TotalFunctions)
	assert.Equal(t, 2, agg.TotalInvocations)
	assert.InDelta(t, 0.5, agg.SuccessRate, 0.0001)
	assert.InDelta(t, 150, agg.AvgDurationMS, 0.0001)
}
