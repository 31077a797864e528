package builds

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/kilnproject/kiln/lib/paths"
)

// buildMetadata is the internal representation stored on disk
type buildMetadata struct {
	ID          string              `json:"id"`
	Status      string              `json:"status"`
	Step        string              `json:"step,omitempty"`
	Request     *CreateBuildRequest `json:"request,omitempty"`
	ImageID     *string             `json:"image_id,omitempty"`
	ImageDigest *string             `json:"image_digest,omitempty"`
	Error       *string             `json:"error,omitempty"`
	Provenance  *Provenance         `json:"provenance,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	DurationMS  *int64              `json:"duration_ms,omitempty"`
}

// toBuild converts internal metadata to the public Build type
func (m *buildMetadata) toBuild() *Build {
	return &Build{
		ID:          m.ID,
		Status:      m.Status,
		Step:        m.Step,
		ImageID:     m.ImageID,
		ImageDigest: m.ImageDigest,
		Error:       m.Error,
		Provenance:  m.Provenance,
		CreatedAt:   m.CreatedAt,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
		DurationMS:  m.DurationMS,
	}
}

// writeMetadata writes build metadata to disk atomically
func writeMetadata(p *paths.Paths, meta *buildMetadata) error {
	dir := p.BuildDir(meta.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create build directory: %w", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	// Write atomically via temp file
	tempPath := p.BuildMetadata(meta.ID) + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp metadata: %w", err)
	}

	finalPath := p.BuildMetadata(meta.ID)
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename metadata: %w", err)
	}

	return nil
}

// readMetadata reads build metadata from disk
func readMetadata(p *paths.Paths, id string) (*buildMetadata, error) {
	path := p.BuildMetadata(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var meta buildMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}

	return &meta, nil
}

// listAllBuilds returns all builds sorted by creation time (newest first)
func listAllBuilds(p *paths.Paths) ([]*buildMetadata, error) {
	entries, err := os.ReadDir(p.BuildsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read builds directory: %w", err)
	}

	var metas []*buildMetadata
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		meta, err := readMetadata(p, entry.Name())
		if err != nil {
			continue // Skip invalid entries
		}
		metas = append(metas, meta)
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})

	return metas, nil
}

// listPendingBuilds returns builds that need to be recovered on startup,
// sorted oldest first so recovery preserves FIFO order.
func listPendingBuilds(p *paths.Paths) ([]*buildMetadata, error) {
	all, err := listAllBuilds(p)
	if err != nil {
		return nil, err
	}

	var pending []*buildMetadata
	for _, meta := range all {
		if !IsTerminal(meta.Status) {
			pending = append(pending, meta)
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	return pending, nil
}

// deleteBuild removes a build's data from disk
func deleteBuild(p *paths.Paths, id string) error {
	dir := p.BuildDir(id)

	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("stat build directory: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove build directory: %w", err)
	}

	return nil
}

// ensureLogsDir ensures the logs directory exists for a build
func ensureLogsDir(p *paths.Paths, id string) error {
	return os.MkdirAll(p.BuildLogs(id), 0755)
}

// appendLog appends log data to the build log file
func appendLog(p *paths.Paths, id string, data []byte) error {
	if err := ensureLogsDir(p, id); err != nil {
		return err
	}

	f, err := os.OpenFile(p.BuildLog(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write log: %w", err)
	}

	return nil
}

// readLog reads the build log file
func readLog(p *paths.Paths, id string) ([]byte, error) {
	data, err := os.ReadFile(p.BuildLog(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No logs yet
		}
		return nil, fmt.Errorf("read log: %w", err)
	}
	return data, nil
}
