// Package paths provides centralized path construction for the kiln data directory.
package paths

import "path/filepath"

// Paths provides typed path construction for the kiln data directory.
type Paths struct {
	dataDir string
}

// New creates a new Paths instance for the given data directory.
func New(dataDir string) *Paths {
	return &Paths{dataDir: dataDir}
}

// DataDir returns the root data directory.
func (p *Paths) DataDir() string {
	return p.dataDir
}

// OCI layout cache

// OCICache returns the shared OCI layout root. Base images and exported
// images share one blob store so common layers are stored once.
func (p *Paths) OCICache() string {
	return filepath.Join(p.dataDir, "oci-cache")
}

// OCICacheBlobDir returns the blobs/sha256 directory of the shared layout.
func (p *Paths) OCICacheBlobDir() string {
	return filepath.Join(p.OCICache(), "blobs", "sha256")
}

// OCICacheIndex returns the index.json of the shared layout.
func (p *Paths) OCICacheIndex() string {
	return filepath.Join(p.OCICache(), "index.json")
}

// Dependency layer cache

// DepsCacheDir returns the directory holding cached dependency layers.
func (p *Paths) DepsCacheDir() string {
	return filepath.Join(p.dataDir, "deps-cache")
}

// DepsCacheLayer returns the path to a cached dependency layer tarball.
func (p *Paths) DepsCacheLayer(key string) string {
	return filepath.Join(p.DepsCacheDir(), key+".tar")
}

// DepsCacheMetadata returns the path to a cached dependency layer's metadata.
func (p *Paths) DepsCacheMetadata(key string) string {
	return filepath.Join(p.DepsCacheDir(), key+".json")
}

// Build path methods

// BuildsDir returns the root builds directory.
func (p *Paths) BuildsDir() string {
	return filepath.Join(p.dataDir, "builds")
}

// BuildDir returns the directory for a build.
func (p *Paths) BuildDir(id string) string {
	return filepath.Join(p.BuildsDir(), id)
}

// BuildMetadata returns the path to build metadata.json.
func (p *Paths) BuildMetadata(id string) string {
	return filepath.Join(p.BuildDir(id), "metadata.json")
}

// BuildSource returns the path to the stored build context tarball.
func (p *Paths) BuildSource(id string) string {
	return filepath.Join(p.BuildDir(id), "source.tar.gz")
}

// BuildContextDir returns the directory the build context is extracted into.
func (p *Paths) BuildContextDir(id string) string {
	return filepath.Join(p.BuildDir(id), "context")
}

// BuildLogs returns the path to a build's logs directory.
func (p *Paths) BuildLogs(id string) string {
	return filepath.Join(p.BuildDir(id), "logs")
}

// BuildLog returns the path to the build log file.
func (p *Paths) BuildLog(id string) string {
	return filepath.Join(p.BuildLogs(id), "build.log")
}

// Image path methods

// ImagesDir returns the root images metadata directory.
func (p *Paths) ImagesDir() string {
	return filepath.Join(p.dataDir, "images")
}

// ImageDir returns the metadata directory for an image.
func (p *Paths) ImageDir(id string) string {
	return filepath.Join(p.ImagesDir(), id)
}

// ImageMetadata returns the path to image metadata.json.
func (p *Paths) ImageMetadata(id string) string {
	return filepath.Join(p.ImageDir(id), "metadata.json")
}

// ImageRootfs returns the directory an image's rootfs is unpacked into.
func (p *Paths) ImageRootfs(id string) string {
	return filepath.Join(p.ImageDir(id), "rootfs")
}
