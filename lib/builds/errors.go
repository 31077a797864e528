package builds

import "errors"

var (
	// ErrNotFound is returned when a build is not found
	ErrNotFound = errors.New("build not found")

	// ErrBuildInProgress is returned when a queued build cannot be
	// cancelled because it was already picked up
	ErrBuildInProgress = errors.New("build in progress")

	// ErrBuildComplete is returned when acting on a terminal build
	ErrBuildComplete = errors.New("build already complete")

	// ErrSourceRequired is returned when no context tarball is provided
	ErrSourceRequired = errors.New("build context tarball required")

	// ErrSpecRequired is returned when no kiln.yaml is provided
	ErrSpecRequired = errors.New("build spec required")
)
