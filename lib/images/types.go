package images

import "time"

// Image represents an exported image in the store.
type Image struct {
	ID         string            `json:"id"`
	Digest     string            `json:"digest"`
	BaseName   string            `json:"base_name"`
	BaseDigest string            `json:"base_digest"`
	Entrypoint []string          `json:"entrypoint"`
	WorkingDir string            `json:"working_dir"`
	User       string            `json:"user"`
	SizeBytes  int64             `json:"size_bytes"`
	Labels     map[string]string `json:"labels,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Record is the registration payload written when a build exports an image.
type Record struct {
	ID         string
	Digest     string
	BaseName   string
	BaseDigest string
	Entrypoint []string
	WorkingDir string
	User       string
	SizeBytes  int64
	Labels     map[string]string
}
