package gateway

import (
	"fmt"
	"sort"
	"strings"

	"github.com/clowdy-run/clowdy/pkg/types"
)

// segment is one forward-slash-separated piece of a compiled path pattern:
// either a literal to match verbatim or a named parameter capturing exactly
// one non-empty path segment.
type segment struct {
	literal string
	isParam bool
	name    string
}

// compiledRoute is a Route translated into an anchored segment matcher, plus
// the static priority fields used to sort a project's route table.
type compiledRoute struct {
	route        *types.Route
	segments     []segment
	literalCount int
}

func compileRoute(route *types.Route) (*compiledRoute, error) {
	pattern := route.PathPattern
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("path pattern %q must start with /", pattern)
	}
	pattern = strings.TrimSuffix(pattern, "/")
	if pattern == "" {
		pattern = "/"
	}

	var segments []segment
	var literalCount int
	if pattern != "/" {
		for _, part := range strings.Split(pattern[1:], "/") {
			if part == "" {
				return nil, fmt.Errorf("path pattern %q has an empty segment", route.PathPattern)
			}
			if strings.HasPrefix(part, ":") {
				name := part[1:]
				if name == "" {
					return nil, fmt.Errorf("path pattern %q has an unnamed parameter", route.PathPattern)
				}
				segments = append(segments, segment{isParam: true, name: name})
				continue
			}
			segments = append(segments, segment{literal: part})
			literalCount++
		}
	}

	return &compiledRoute{route: route, segments: segments, literalCount: literalCount}, nil
}

// match attempts to match path (leading slash; a trailing slash is stripped
// here before comparison) against the compiled pattern, returning the
// captured named parameters on success.
func (c *compiledRoute) match(path string) (map[string]string, bool) {
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		path = "/"
	}

	var parts []string
	if path != "/" {
		parts = strings.Split(path[1:], "/")
	}
	if len(parts) != len(c.segments) {
		return nil, false
	}

	params := make(map[string]string, len(c.segments))
	for i, seg := range c.segments {
		if seg.isParam {
			if parts[i] == "" {
				return nil, false
			}
			params[seg.name] = parts[i]
			continue
		}
		if parts[i] != seg.literal {
			return nil, false
		}
	}
	return params, true
}

// Table is a project's compiled, priority-sorted route list.
type Table struct {
	routes []*compiledRoute
}

// CompileTable compiles and priority-sorts a project's routes (spec §4.4):
// method-specific routes precede ANY routes, then within the same method
// class routes with more literal segments precede routes with fewer, then
// insertion order (oldest first, by CreatedAt) breaks remaining ties.
func CompileTable(routes []*types.Route) (*Table, error) {
	compiled := make([]*compiledRoute, 0, len(routes))
	for _, route := range routes {
		c, err := compileRoute(route)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", route.ID, err)
		}
		compiled = append(compiled, c)
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		a, b := compiled[i].route, compiled[j].route
		aAny := a.Method == types.RouteMethodAny
		bAny := b.Method == types.RouteMethodAny
		if aAny != bAny {
			return !aAny
		}
		if compiled[i].literalCount != compiled[j].literalCount {
			return compiled[i].literalCount > compiled[j].literalCount
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	return &Table{routes: compiled}, nil
}

// Match finds the first route (in priority order) whose method and pattern
// match, returning the matched route and its captured parameters.
func (t *Table) Match(method, path string) (*types.Route, map[string]string, bool) {
	for _, c := range t.routes {
		if c.route.Method != types.RouteMethodAny && string(c.route.Method) != method {
			continue
		}
		if params, ok := c.match(path); ok {
			return c.route, params, true
		}
	}
	return nil, nil, false
}
