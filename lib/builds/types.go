// Package builds runs image bootstrap jobs: it queues build requests,
// drives the assembly pipeline, persists job state to disk and streams
// build logs to clients.
package builds

import "time"

// Build status constants. A build moves strictly forward through these;
// failed, cancelled and ready are terminal.
const (
	StatusQueued     = "queued"
	StatusResolving  = "resolving"
	StatusInstalling = "installing"
	StatusAssembling = "assembling"
	StatusExporting  = "exporting"
	StatusReady      = "ready"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// IsTerminal reports whether a status is final.
func IsTerminal(status string) bool {
	switch status {
	case StatusReady, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Build represents an image bootstrap job.
type Build struct {
	ID            string      `json:"id"`
	Status        string      `json:"status"`
	Step          string      `json:"step,omitempty"`
	QueuePosition *int        `json:"queue_position,omitempty"`
	ImageID       *string     `json:"image_id,omitempty"`
	ImageDigest   *string     `json:"image_digest,omitempty"`
	Error         *string     `json:"error,omitempty"`
	Provenance    *Provenance `json:"provenance,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	DurationMS    *int64      `json:"duration_ms,omitempty"`
}

// CreateBuildRequest represents a request to create a new build.
type CreateBuildRequest struct {
	// SpecYAML is the kiln.yaml document uploaded with the context. Stored
	// verbatim so interrupted builds can be re-run after a restart.
	SpecYAML string `json:"spec_yaml"`

	// SourceHash is the SHA256 of the context tarball.
	SourceHash string `json:"source_hash,omitempty"`

	// TimeoutSeconds is the maximum build duration. Zero selects the
	// manager default.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// Provenance records the inputs used for a build, for reproducibility
// verification and audit.
type Provenance struct {
	// BaseName is the normalized base reference.
	BaseName string `json:"base_name"`

	// BaseDigest is the platform manifest digest the base resolved to.
	BaseDigest string `json:"base_digest"`

	// ManifestDigest is the digest of the canonical dependency manifest.
	ManifestDigest string `json:"manifest_digest"`

	// DepsCacheKey identifies the dependency layer cache entry.
	DepsCacheKey string `json:"deps_cache_key"`

	// DepsCacheHit records whether the dependency layer was reused.
	DepsCacheHit bool `json:"deps_cache_hit"`

	// SourceHash is the SHA256 of the context tarball.
	SourceHash string `json:"source_hash,omitempty"`

	// Timestamp is when the build completed.
	Timestamp time.Time `json:"timestamp"`
}
