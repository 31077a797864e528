package images

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/kilnproject/kiln/lib/paths"
	"github.com/samber/lo"
)

// Manager is the store of exported images.
type Manager interface {
	// Register records an exported image. Called by the build manager when
	// a build reaches ready.
	Register(ctx context.Context, rec Record) (*Image, error)

	// ListImages returns all exported images, newest first.
	ListImages(ctx context.Context) ([]Image, error)

	// GetImage returns an image by ID.
	GetImage(ctx context.Context, id string) (*Image, error)

	// DeleteImage removes an image's metadata and layout reference.
	DeleteImage(ctx context.Context, id string) error

	// UnpackImage unpacks an image's rootfs under its metadata directory
	// for inspection and returns the rootfs path.
	UnpackImage(ctx context.Context, id string) (string, error)
}

type manager struct {
	paths  *paths.Paths
	client *Client
}

// NewManager creates an image store backed by per-image metadata files and
// the shared OCI layout.
func NewManager(p *paths.Paths, client *Client) Manager {
	return &manager{paths: p, client: client}
}

func (m *manager) Register(ctx context.Context, rec Record) (*Image, error) {
	img := &Image{
		ID:         rec.ID,
		Digest:     rec.Digest,
		BaseName:   rec.BaseName,
		BaseDigest: rec.BaseDigest,
		Entrypoint: rec.Entrypoint,
		WorkingDir: rec.WorkingDir,
		User:       rec.User,
		SizeBytes:  rec.SizeBytes,
		Labels:     rec.Labels,
		CreatedAt:  time.Now(),
	}
	if err := m.writeMetadata(img); err != nil {
		return nil, err
	}
	return img, nil
}

func (m *manager) ListImages(ctx context.Context) ([]Image, error) {
	entries, err := os.ReadDir(m.paths.ImagesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read images directory: %w", err)
	}

	dirs := lo.Filter(entries, func(e os.DirEntry, _ int) bool { return e.IsDir() })
	images := make([]Image, 0, len(dirs))
	for _, entry := range dirs {
		img, err := m.readMetadata(entry.Name())
		if err != nil {
			continue // Skip invalid entries
		}
		images = append(images, *img)
	}

	sort.Slice(images, func(i, j int) bool {
		return images[i].CreatedAt.After(images[j].CreatedAt)
	})
	return images, nil
}

func (m *manager) GetImage(ctx context.Context, id string) (*Image, error) {
	return m.readMetadata(id)
}

func (m *manager) DeleteImage(ctx context.Context, id string) error {
	dir := m.paths.ImageDir(id)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("stat image directory: %w", err)
	}

	// Drop the layout reference first; a dangling metadata dir is easier to
	// recover from than an orphaned layout entry.
	if err := m.client.RemoveRef(id); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove image directory: %w", err)
	}
	return nil
}

func (m *manager) UnpackImage(ctx context.Context, id string) (string, error) {
	if _, err := m.readMetadata(id); err != nil {
		return "", err
	}

	dest := m.paths.ImageRootfs(id)
	// Unpack fresh each time; a stale rootfs from before a re-export would
	// silently misrepresent the image.
	if err := os.RemoveAll(dest); err != nil {
		return "", fmt.Errorf("clear rootfs directory: %w", err)
	}
	if err := m.client.UnpackRootfs(ctx, id, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func (m *manager) writeMetadata(img *Image) error {
	dir := m.paths.ImageDir(img.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create image directory: %w", err)
	}

	data, err := json.MarshalIndent(img, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	// Write atomically via temp file
	tempPath := m.paths.ImageMetadata(img.ID) + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp metadata: %w", err)
	}
	if err := os.Rename(tempPath, m.paths.ImageMetadata(img.ID)); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename metadata: %w", err)
	}
	return nil
}

func (m *manager) readMetadata(id string) (*Image, error) {
	data, err := os.ReadFile(m.paths.ImageMetadata(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var img Image
	if err := json.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &img, nil
}
