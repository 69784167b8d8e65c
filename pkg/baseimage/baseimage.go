// Package baseimage builds Clowdy's shared base runtime image: a plain
// Python image plus the invocation bootstrap program every per-project
// image is layered on top of (spec §6 runtime contract, §9 "Base runtime
// image").
package baseimage

import (
	"context"
	_ "embed"

	"github.com/clowdy-run/clowdy/pkg/types"
)

//go:embed bootstrap.py
var bootstrap []byte

const bootstrapPath = "/opt/clowdy/bootstrap.py"

// Builder is the subset of runtime.Host base-image construction needs.
type Builder interface {
	BuildImage(ctx context.Context, baseImage string, files []types.BuildContextFile, installCmd []string, tag string) (string, string, error)
}

// Build layers the bootstrap program onto pythonImage and tags the result
// tag. installCmd may be nil; when set, it runs before the bootstrap is
// written (e.g. installing interpreter-level build tooling the per-project
// dependency installs will need later).
func Build(ctx context.Context, host Builder, pythonImage, tag string, installCmd []string) (string, error) {
	files := []types.BuildContextFile{
		{Path: "bootstrap.py", Bytes: bootstrap},
	}

	shell := "mkdir -p $(dirname " + bootstrapPath + ") && cp /tmp/build/bootstrap.py " + bootstrapPath
	if len(installCmd) > 0 {
		shell = shellJoin(installCmd) + " && " + shell
	}
	cmd := []string{"/bin/sh", "-c", shell}

	built, _, err := host.BuildImage(ctx, pythonImage, files, cmd, tag)
	return built, err
}

func shellJoin(parts []string) string {
	joined := ""
	for i, p := range parts {
		if i > 0 {
			joined += " "
		}
		joined += p
	}
	return joined
}

// BootstrapPath is the fixed in-container location the runtime sets
// CMD/entrypoint to invoke (spec §6).
const BootstrapPath = bootstrapPath
