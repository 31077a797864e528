package images

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when an image is not in the store.
	ErrNotFound = errors.New("image not found")

	// ErrInvalidName is returned for references that fail to parse.
	ErrInvalidName = errors.New("invalid image reference")

	// ErrUnpinnedBase is returned when a base reference carries no exact
	// version: bare names and floating "latest" tags are refused because
	// rebuilds would not be reproducible.
	ErrUnpinnedBase = errors.New("base image reference is not pinned")

	// ErrBaseUnavailable is returned when the base image cannot be fetched
	// from its registry.
	ErrBaseUnavailable = errors.New("base image unavailable")
)

// wrapRegistryError classifies registry transport failures so callers can
// distinguish a missing base from transient infrastructure errors.
func wrapRegistryError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "MANIFEST_UNKNOWN"),
		strings.Contains(msg, "NAME_UNKNOWN"),
		strings.Contains(msg, "404"):
		return fmt.Errorf("%w: %v", ErrBaseUnavailable, err)
	case strings.Contains(msg, "UNAUTHORIZED"),
		strings.Contains(msg, "DENIED"):
		return fmt.Errorf("%w: access denied: %v", ErrBaseUnavailable, err)
	default:
		return err
	}
}
