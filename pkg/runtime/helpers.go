package runtime

import (
	"bytes"
	"context"
	"strings"

	"github.com/containerd/containerd/archive"
	"github.com/containerd/containerd/mount"
)

// exportDiffTar computes the filesystem diff of a snapshot against its
// parent as a tar stream, the layer contents appended on top of the base
// runtime image by commitSnapshot.
func exportDiffTar(ctx context.Context, mounts []mount.Mount) ([]byte, error) {
	var buf bytes.Buffer
	if err := archive.WriteDiff(ctx, &buf, nil, mounts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// tailLines returns at most n trailing lines of s (trailing newlines are
// dropped first; blank lines inside the tail are kept), the "last ~10
// lines of build output" C2 surfaces instead of a generic exit-code message
// (spec §4.1 item 1).
func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func combinedOutput(stdout, stderr string) string {
	if strings.TrimSpace(stderr) == "" {
		return stdout
	}
	if strings.TrimSpace(stdout) == "" {
		return stderr
	}
	return stdout + "\n" + stderr
}
