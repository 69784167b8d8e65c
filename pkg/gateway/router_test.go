package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clowdy-run/clowdy/pkg/types"
)

func route(id string, method types.RouteMethod, pattern string, created time.Time) *types.Route {
	return &types.Route{ID: id, FunctionID: "fn-" + id, Method: method, PathPattern: pattern, CreatedAt: created}
}

func TestCompileTable_LiteralPriorityOverParam(t *testing.T) {
	t0 := time.Now()
	routes := []*types.Route{
		route("param", types.RouteMethodGet, "/users/:id", t0),
		route("literal", types.RouteMethodGet, "/users/me", t0.Add(time.Second)),
	}

	table, err := CompileTable(routes)
	require.NoError(t, err)

	matched, params, ok := table.Match("GET", "/users/me")
	require.True(t, ok)
	assert.Equal(t, "literal", matched.ID)
	assert.Empty(t, params)
}

func TestCompileTable_ParamCapture(t *testing.T) {
	t0 := time.Now()
	routes := []*types.Route{
		route("users-id", types.RouteMethodGet, "/users/:id", t0),
	}

	table, err := CompileTable(routes)
	require.NoError(t, err)

	matched, params, ok := table.Match("GET", "/users/42")
	require.True(t, ok)
	assert.Equal(t, "users-id", matched.ID)
	assert.Equal(t, map[string]string{"id": "42"}, params)
}

func TestCompileTable_MethodSpecificBeforeAny(t *testing.T) {
	t0 := time.Now()
	routes := []*types.Route{
		route("any", types.RouteMethodAny, "/hook", t0),
		route("post", types.RouteMethodPost, "/hook", t0.Add(time.Second)),
	}

	table, err := CompileTable(routes)
	require.NoError(t, err)

	matched, _, ok := table.Match("POST", "/hook")
	require.True(t, ok)
	assert.Equal(t, "post", matched.ID)

	matched, _, ok = table.Match("GET", "/hook")
	require.True(t, ok)
	assert.Equal(t, "any", matched.ID)
}

func TestCompileTable_InsertionOrderTiebreak(t *testing.T) {
	t0 := time.Now()
	routes := []*types.Route{
		route("second", types.RouteMethodGet, "/items/:a/:b", t0.Add(time.Second)),
		route("first", types.RouteMethodGet, "/items/:x/:y", t0),
	}

	table, err := CompileTable(routes)
	require.NoError(t, err)

	matched, _, ok := table.Match("GET", "/items/1/2")
	require.True(t, ok)
	assert.Equal(t, "first", matched.ID)
}

func TestCompileTable_NoMatch(t *testing.T) {
	routes := []*types.Route{
		route("only", types.RouteMethodGet, "/users/:id", time.Now()),
	}

	table, err := CompileTable(routes)
	require.NoError(t, err)

	_, _, ok := table.Match("GET", "/users/1/extra")
	assert.False(t, ok)

	_, _, ok = table.Match("GET", "/other")
	assert.False(t, ok)
}

func TestCompileRoute_RejectsBadPatterns(t *testing.T) {
	cases := []string{"users/:id", "/users/", "/users//id", "/users/:"}
	for _, pattern := range cases {
		_, err := CompileTable([]*types.Route{route("bad", types.RouteMethodGet, pattern, time.Now())})
		if pattern == "/users/" {
			// trailing slash normalizes to the bare segment, not an error
			require.NoError(t, err)
			continue
		}
		assert.Error(t, err, pattern)
	}
}

func TestCompileTable_TrailingSlashNormalized(t *testing.T) {
	routes := []*types.Route{route("r", types.RouteMethodGet, "/users", time.Now())}
	table, err := CompileTable(routes)
	require.NoError(t, err)

	_, _, ok := table.Match("GET", "/users/")
	assert.True(t, ok)
}
