package images

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/distribution/reference"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	gcr "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/match"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/opencontainers/umoci/oci/cas/dir"
	"github.com/opencontainers/umoci/oci/casext"
)

// Client handles OCI image operations against the shared layout cache
// without requiring a Docker daemon. Base images and exported images share
// one layout so common blobs are stored exactly once.
type Client struct {
	cacheDir string
}

// NewClient creates a client rooted at the given layout cache directory.
func NewClient(cacheDir string) (*Client, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Client{cacheDir: cacheDir}, nil
}

// currentPlatform returns the platform for the current host.
func currentPlatform() gcr.Platform {
	return gcr.Platform{
		Architecture: runtime.GOARCH,
		OS:           runtime.GOOS,
	}
}

// digestToLayoutTag converts a digest to a valid OCI layout tag.
// Example: "sha256:abc123..." -> "abc123..."
func digestToLayoutTag(digest string) string {
	parts := strings.SplitN(digest, ":", 2)
	if len(parts) == 2 {
		return parts[1]
	}
	return digest
}

// existsInLayout checks if a tag already resolves in the OCI layout cache.
func (c *Client) existsInLayout(layoutTag string) bool {
	casEngine, err := dir.Open(c.cacheDir)
	if err != nil {
		return false
	}
	defer casEngine.Close()

	engine := casext.NewEngine(casEngine)
	descriptorPaths, err := engine.ResolveReference(context.Background(), layoutTag)
	if err != nil {
		return false
	}
	return len(descriptorPaths) > 0
}

// ResolveBase validates that a base reference is pinned to an exact version
// and resolves its platform-specific manifest digest without pulling layers.
// Multi-arch references resolve to the manifest matching the host platform
// so the digest is usable as a cache key.
func (c *Client) ResolveBase(ctx context.Context, baseRef string) (string, gcr.Hash, error) {
	named, err := reference.ParseNormalizedNamed(baseRef)
	if err != nil {
		return "", gcr.Hash{}, fmt.Errorf("%w: %v", ErrInvalidName, err)
	}

	if canonical, ok := named.(reference.Canonical); ok {
		// Digest references are pinned by definition.
		h, err := gcr.NewHash(canonical.Digest().String())
		if err != nil {
			return "", gcr.Hash{}, fmt.Errorf("%w: %v", ErrInvalidName, err)
		}
		return named.String(), h, nil
	}

	tagged, ok := named.(reference.Tagged)
	if !ok || tagged.Tag() == "latest" {
		return "", gcr.Hash{}, fmt.Errorf("%w: %s", ErrUnpinnedBase, baseRef)
	}

	normalized := named.String()
	ref, err := name.ParseReference(normalized)
	if err != nil {
		return "", gcr.Hash{}, fmt.Errorf("%w: %v", ErrInvalidName, err)
	}

	// remote.Image is lazy: only the manifest is fetched here.
	img, err := remote.Image(ref,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
		remote.WithPlatform(currentPlatform()))
	if err != nil {
		return "", gcr.Hash{}, fmt.Errorf("fetch manifest: %w", wrapRegistryError(err))
	}

	digest, err := img.Digest()
	if err != nil {
		return "", gcr.Hash{}, fmt.Errorf("get image digest: %w", wrapRegistryError(err))
	}
	return normalized, digest, nil
}

// BaseImage returns the base image for an already-resolved digest, pulling
// it into the shared layout on first use. A cached digest is never fetched
// again: the returned image is backed by local blobs.
func (c *Client) BaseImage(ctx context.Context, baseRef string, digest gcr.Hash) (gcr.Image, error) {
	layoutTag := digestToLayoutTag(digest.String())

	if !c.existsInLayout(layoutTag) {
		if err := c.pullToLayout(ctx, baseRef, layoutTag); err != nil {
			return nil, fmt.Errorf("pull to oci layout: %w", err)
		}
	}

	path, err := layout.FromPath(c.cacheDir)
	if err != nil {
		return nil, fmt.Errorf("open oci layout: %w", err)
	}
	img, err := path.Image(digest)
	if err != nil {
		return nil, fmt.Errorf("read image from layout: %w", err)
	}
	return img, nil
}

// pullToLayout downloads an image into the shared layout, tagged by digest.
func (c *Client) pullToLayout(ctx context.Context, imageRef, layoutTag string) error {
	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return fmt.Errorf("parse image reference: %w", err)
	}

	img, err := remote.Image(ref,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
		remote.WithPlatform(currentPlatform()))
	if err != nil {
		return fmt.Errorf("fetch image manifest: %w", wrapRegistryError(err))
	}

	path, err := layout.FromPath(c.cacheDir)
	if err != nil {
		path, err = layout.Write(c.cacheDir, empty.Index)
		if err != nil {
			return fmt.Errorf("create oci layout: %w", err)
		}
	}

	// AppendImage streams layer blobs from the registry into blobs/sha256/,
	// deduplicating layers shared with previously cached images.
	err = path.AppendImage(img, layout.WithAnnotations(map[string]string{
		"org.opencontainers.image.ref.name": layoutTag,
	}))
	if err != nil {
		return fmt.Errorf("download and write image layers: %w", wrapRegistryError(err))
	}
	return nil
}

// Export writes an assembled image into the shared layout under the given
// reference name and returns its digest.
func (c *Client) Export(img gcr.Image, refName string) (gcr.Hash, error) {
	path, err := layout.FromPath(c.cacheDir)
	if err != nil {
		path, err = layout.Write(c.cacheDir, empty.Index)
		if err != nil {
			return gcr.Hash{}, fmt.Errorf("create oci layout: %w", err)
		}
	}

	if err := path.AppendImage(img, layout.WithAnnotations(map[string]string{
		"org.opencontainers.image.ref.name": refName,
	})); err != nil {
		return gcr.Hash{}, fmt.Errorf("write image to layout: %w", err)
	}

	digest, err := img.Digest()
	if err != nil {
		return gcr.Hash{}, fmt.Errorf("get image digest: %w", err)
	}
	return digest, nil
}

// ImageByDigest returns a layout-backed image by digest.
func (c *Client) ImageByDigest(digest gcr.Hash) (gcr.Image, error) {
	path, err := layout.FromPath(c.cacheDir)
	if err != nil {
		return nil, fmt.Errorf("open oci layout: %w", err)
	}
	img, err := path.Image(digest)
	if err != nil {
		return nil, fmt.Errorf("read image from layout: %w", err)
	}
	return img, nil
}

// RemoveRef drops an exported image's entry from the layout index. Blobs are
// left in place since they may be shared with other images.
func (c *Client) RemoveRef(refName string) error {
	path, err := layout.FromPath(c.cacheDir)
	if err != nil {
		return fmt.Errorf("open oci layout: %w", err)
	}
	if err := path.RemoveDescriptors(match.Name(refName)); err != nil {
		return fmt.Errorf("remove layout descriptor: %w", err)
	}
	return nil
}

// Push uploads an image to a remote registry reference.
func (c *Client) Push(ctx context.Context, dest string, img gcr.Image) error {
	ref, err := name.ParseReference(dest)
	if err != nil {
		return fmt.Errorf("parse push reference: %w", err)
	}
	if err := remote.Write(ref, img,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain)); err != nil {
		return fmt.Errorf("push image: %w", wrapRegistryError(err))
	}
	return nil
}
