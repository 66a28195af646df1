/*
Package snapshot captures sandbox containers to registry images and
rebuilds them.

A snapshot is four steps: flush the workspace to object storage from
inside the container (best-effort), commit the container filesystem to
an image, push it under a timestamped tag plus the "latest" alias, then
stop and remove the container while keeping its volume. The volume is
what makes the flush optional: the workspace survives on it even when
rclone fails.

Restore picks its source with a simple rule: the project's snapshot
image when one exists, the base image otherwise. The base-image path
also recreates the network and volume, and the sandbox's own init is
expected to pull the workspace down from object storage on first boot.

The engine depends on narrow runtime and registry interfaces rather
than the concrete adapters, which keeps it testable and free of any
dependency on the lifecycle controller that drives it.
*/
package snapshot
