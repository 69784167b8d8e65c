/*
Package runtime wraps containerd's client API with the operations the
execution plane needs: create, start-and-wait with a hard timeout, log
capture, archive injection, and best-effort removal.

Containers carry no host-path mounts. Code and build context reach a
container exclusively through PutArchive, which applies a tar stream
directly onto the container's snapshot mount via containerd's archive and
mount packages. Image builds run as a throwaway container plus an install
command, diffed and re-wrapped as a single OCI layer with
go-containerregistry, then imported back into containerd's content store —
there is no Dockerfile builder involved.
*/
package runtime
