package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"

	"github.com/containerd/containerd/archive"
	"github.com/containerd/containerd/mount"

	"github.com/clowdy-run/clowdy/pkg/types"
)

// PutArchive injects a tar stream into the container's snapshot mount before
// the container is started. Entries are extracted relative to the
// container's root filesystem at the locations their tar header names give;
// path does not relocate them. This is the sole mechanism for
// delivering user code into a container; no host-path mounts are ever used
// (spec §4.1 item 3).
func (h *Host) PutArchive(ctx context.Context, id, path string, tarBytes []byte) error {
	ctx = h.ctx(ctx)

	container, err := h.client.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("load container %s: %w", id, err)
	}

	info, err := container.Info(ctx)
	if err != nil {
		return fmt.Errorf("container info: %w", err)
	}

	snapshotter := h.client.SnapshotService(info.Snapshotter)
	mounts, err := snapshotter.Mounts(ctx, info.SnapshotKey)
	if err != nil {
		return fmt.Errorf("snapshot mounts: %w", err)
	}

	return mount.WithTempMount(ctx, mounts, func(root string) error {
		_, err := archive.Apply(ctx, root, bytes.NewReader(tarBytes))
		return err
	})
}

// BuildCodeArchive wraps a single file's contents in a tar stream at path,
// matching the runtime contract's fixed code location (spec §4.3 item 2,
// §6: /app/function.py).
func BuildCodeArchive(path string, contents []byte) []byte {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	_ = tw.WriteHeader(&tar.Header{
		Name: path,
		Mode: 0644,
		Size: int64(len(contents)),
	})
	_, _ = tw.Write(contents)
	_ = tw.Close()
	return buf.Bytes()
}

// BuildContextArchive packages a build_image context (spec §4.1 item 1) as
// an in-memory tar stream.
func BuildContextArchive(files []types.BuildContextFile) []byte {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		_ = tw.WriteHeader(&tar.Header{
			Name: f.Path,
			Mode: 0644,
			Size: int64(len(f.Bytes)),
		})
		_, _ = tw.Write(f.Bytes)
	}
	_ = tw.Close()
	return buf.Bytes()
}
