// Package store provides bbolt-backed persistence for Clowdy's entities. It
// stands in for the externally-owned project/function record store (see
// spec §1) so the execution plane is runnable end-to-end, and is the sole
// implementation of the in-core Invocation Record Store (C7).
package store

import "github.com/clowdy-run/clowdy/pkg/types"

// ProjectRepository reads and writes Project records.
type ProjectRepository interface {
	CreateProject(project *types.Project) error
	GetProject(id string) (*types.Project, error)
	GetProjectBySlug(ownerID, slug string) (*types.Project, error)
	// GetProjectBySlugAnyOwner resolves a project by slug alone, for the
	// gateway dispatcher (spec §4.4 step 1), which has no owner context to
	// scope the lookup with.
	GetProjectBySlugAnyOwner(slug string) (*types.Project, error)
	ListProjects(ownerID string) ([]*types.Project, error)
	UpdateProject(project *types.Project) error
	DeleteProject(id string) error
}

// FunctionRepository reads and writes Function records.
type FunctionRepository interface {
	CreateFunction(fn *types.Function) error
	GetFunction(id string) (*types.Function, error)
	ListFunctionsByProject(projectID string) ([]*types.Function, error)
	ListFunctionsByOwner(ownerID string) ([]*types.Function, error)
	UpdateFunction(fn *types.Function) error
	DeleteFunction(id string) error
}

// EnvVarRepository reads and writes per-project environment variables.
type EnvVarRepository interface {
	SetEnvVar(envVar *types.EnvVar) error
	ListEnvVars(projectID string) ([]*types.EnvVar, error)
	DeleteEnvVar(projectID, key string) error
}

// RouteRepository reads and writes per-project gateway routes.
type RouteRepository interface {
	CreateRoute(route *types.Route) error
	ListRoutes(projectID string) ([]*types.Route, error)
	DeleteRoute(id string) error
}

// InvocationStore is the append-only Invocation Record Store (C7, spec §4.6).
type InvocationStore interface {
	AppendInvocation(inv *types.Invocation) error
	ListInvocationsForFunction(functionID string, limit int) ([]*types.Invocation, error)
	Aggregate(ownerID string) (types.Aggregate, error)
}

// BuildLogRepository retains the full transcript of a project's most recent
// image build, beyond the short tail kept in Project.ImageBuildError (spec §9
// supplemented feature: image build log retention, for `clowdy project
// build-log`).
type BuildLogRepository interface {
	SetBuildLog(projectID, log string) error
	GetBuildLog(projectID string) (string, error)
}

// Store composes every repository the execution plane needs, plus lifecycle
// management of the underlying database.
type Store interface {
	ProjectRepository
	FunctionRepository
	EnvVarRepository
	RouteRepository
	InvocationStore
	BuildLogRepository

	Close() error
}
