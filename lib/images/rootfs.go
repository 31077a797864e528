package images

import (
	"context"
	"fmt"
	"os"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	rspec "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/opencontainers/umoci/oci/cas/dir"
	"github.com/opencontainers/umoci/oci/casext"
	"github.com/opencontainers/umoci/oci/layer"
)

// UnpackRootfs unpacks all layers of a cached image to a target directory
// using umoci, for inspection and debugging of exported images. Container
// uids are identity-mapped to the current user so unpacking works rootless.
func (c *Client) UnpackRootfs(ctx context.Context, layoutTag, targetDir string) error {
	casEngine, err := dir.Open(c.cacheDir)
	if err != nil {
		return fmt.Errorf("open oci layout: %w", err)
	}
	defer casEngine.Close()

	engine := casext.NewEngine(casEngine)

	descriptorPaths, err := engine.ResolveReference(ctx, layoutTag)
	if err != nil {
		return fmt.Errorf("resolve reference: %w", err)
	}
	if len(descriptorPaths) == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, layoutTag)
	}

	manifestBlob, err := engine.FromDescriptor(ctx, descriptorPaths[0].Descriptor())
	if err != nil {
		return fmt.Errorf("get manifest: %w", err)
	}

	// casext parses manifests, so Data is already a v1.Manifest
	manifest, ok := manifestBlob.Data.(v1.Manifest)
	if !ok {
		return fmt.Errorf("manifest data is not v1.Manifest (got %T)", manifestBlob.Data)
	}

	// umoci needs the target directory to exist
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return fmt.Errorf("create target dir: %w", err)
	}

	uid := uint32(os.Getuid())
	gid := uint32(os.Getgid())

	unpackOpts := &layer.UnpackOptions{
		OnDiskFormat: layer.DirRootfs{
			MapOptions: layer.MapOptions{
				Rootless: true, // Don't fail on chown errors
				UIDMappings: []rspec.LinuxIDMapping{
					{HostID: uid, ContainerID: 0, Size: 1},
				},
				GIDMappings: []rspec.LinuxIDMapping{
					{HostID: gid, ContainerID: 0, Size: 1},
				},
			},
		},
	}

	if err := layer.UnpackRootfs(ctx, casEngine, targetDir, manifest, unpackOpts); err != nil {
		return fmt.Errorf("unpack rootfs: %w", err)
	}
	return nil
}
