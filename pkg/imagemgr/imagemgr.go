// Package imagemgr builds and caches per-project runtime images from
// declared dependency manifests, serializing concurrent builds of the same
// project behind a singleflight group.
package imagemgr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/clowdy-run/clowdy/pkg/log"
	"github.com/clowdy-run/clowdy/pkg/metrics"
	"github.com/clowdy-run/clowdy/pkg/runtime"
	"github.com/clowdy-run/clowdy/pkg/store"
	"github.com/clowdy-run/clowdy/pkg/types"
)

// Builder is the minimal container-host capability C2 needs: building an
// image from an in-memory context.
type Builder interface {
	BuildImage(ctx context.Context, baseImage string, files []types.BuildContextFile, installCmd []string, tag string) (string, string, error)
}

// Manager resolves and builds per-project runtime images.
type Manager struct {
	host      Builder
	store     store.ProjectRepository
	buildLogs store.BuildLogRepository
	baseImage string
	group     singleflight.Group
}

func New(host Builder, projects store.ProjectRepository, buildLogs store.BuildLogRepository, baseImage string) *Manager {
	return &Manager{host: host, store: projects, buildLogs: buildLogs, baseImage: baseImage}
}

// Canonicalize normalizes a raw manifest: split on line breaks, trim each
// line, drop blanks and `#` comments, sort lexicographically, rejoin with
// single newlines (spec §4.2). Idempotent: Canonicalize(Canonicalize(x)) ==
// Canonicalize(x).
func Canonicalize(raw string) string {
	lines := strings.Split(raw, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		kept = append(kept, line)
	}
	sort.Strings(kept)
	return strings.Join(kept, "\n")
}

// Hash returns the hex-encoded SHA-256 of a canonical manifest.
func Hash(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Tag formats the cache-keyed image tag for a project's build.
func Tag(projectID, hash string) string {
	return fmt.Sprintf("clowdy-project-%s-%s", projectID, hash[:12])
}

// Resolve returns the image tag to use for a project's invocations,
// building if the manifest hash has changed. An empty canonical manifest
// resolves to the shared base image with no per-project build (spec §4.2).
//
// A caller that arrives while a build for the same project is in flight
// joins it through the singleflight group, blocks until it finishes, and
// receives that build's result; the persisted project state is not
// re-read, and the passed-in image_build_status is not consulted.
func (m *Manager) Resolve(ctx context.Context, project *types.Project) (string, error) {
	canonical := Canonicalize(project.RequirementsText)
	if canonical == "" {
		return m.baseImage, nil
	}

	hash := Hash(canonical)
	if project.ImageBuildStatus == types.ImageBuildReady && project.RequirementsHash == hash && project.RuntimeImageTag != nil {
		return *project.RuntimeImageTag, nil
	}

	tag, err, _ := m.group.Do(project.ID, func() (interface{}, error) {
		return m.build(ctx, project, canonical, hash)
	})
	if err != nil {
		if project.RuntimeImageTag != nil {
			return *project.RuntimeImageTag, nil
		}
		return m.baseImage, nil
	}
	return tag.(string), nil
}

func (m *Manager) build(ctx context.Context, project *types.Project, canonical, hash string) (string, error) {
	buildLog := log.WithComponent("imagemgr")

	project.ImageBuildStatus = types.ImageBuildBuilding
	if err := m.store.UpdateProject(project); err != nil {
		buildLog.Warn().Err(err).Str("project_id", project.ID).Msg("persist building status")
	}

	tag := Tag(project.ID, hash)
	files := []types.BuildContextFile{
		{Path: "requirements.txt", Bytes: []byte(canonical)},
		{Path: "Buildfile", Bytes: []byte(buildDescriptor)},
	}
	installCmd := []string{"pip", "install", "--no-cache-dir", "-r", "/tmp/build/requirements.txt"}

	buildTimer := metrics.NewTimer()
	built, fullLog, err := m.host.BuildImage(ctx, m.baseImage, files, installCmd, tag)
	buildTimer.ObserveDuration(metrics.BuildDuration)
	if fullLog != "" {
		if uerr := m.buildLogs.SetBuildLog(project.ID, fullLog); uerr != nil {
			buildLog.Warn().Err(uerr).Str("project_id", project.ID).Msg("persist build log")
		}
	}
	if err != nil {
		metrics.BuildsTotal.WithLabelValues("failure").Inc()
		project.ImageBuildStatus = types.ImageBuildFailed
		project.ImageBuildError = buildErrorMessage(err)
		if uerr := m.store.UpdateProject(project); uerr != nil {
			buildLog.Warn().Err(uerr).Str("project_id", project.ID).Msg("persist failed build status")
		}
		return "", err
	}

	metrics.BuildsTotal.WithLabelValues("success").Inc()
	project.ImageBuildStatus = types.ImageBuildReady
	project.ImageBuildError = ""
	project.RequirementsHash = hash
	project.RequirementsText = canonical
	project.RuntimeImageTag = &built
	if err := m.store.UpdateProject(project); err != nil {
		buildLog.Warn().Err(err).Str("project_id", project.ID).Msg("persist ready status")
	}
	return built, nil
}

func buildErrorMessage(err error) string {
	var buildErr *runtime.BuildError
	if errors.As(err, &buildErr) {
		return buildErr.Output
	}
	return err.Error()
}

const buildDescriptor = "# installs the project's canonicalized dependency manifest on top of the base runtime image\n"
