package bootstrap

import "errors"

var (
	// ErrManifestMissing is returned when the build context lacks the
	// dependency manifest named by the spec.
	ErrManifestMissing = errors.New("dependency manifest not found in build context")

	// ErrAppTreeMissing is returned when the application directory named by
	// the spec is absent from the build context.
	ErrAppTreeMissing = errors.New("application tree not found in build context")

	// ErrResolverFailed is returned when the external dependency resolver
	// exits non-zero. No partial dependency state is kept.
	ErrResolverFailed = errors.New("dependency resolution failed")

	// ErrAccountConflict is returned when the base image already binds the
	// service account uid or name to something else.
	ErrAccountConflict = errors.New("service account conflicts with base image account")

	// ErrRunsAsRoot is returned when a spec would produce an image whose
	// process runs as the privileged account. This is a hard invariant: the
	// pipeline refuses to assemble such an image.
	ErrRunsAsRoot = errors.New("image would run as root")

	// ErrVerifyFailed is returned when the assembled image fails the
	// post-assembly invariant checks.
	ErrVerifyFailed = errors.New("image verification failed")

	// ErrInvalidSpec is returned for build specs that fail validation.
	ErrInvalidSpec = errors.New("invalid build spec")

	// ErrContextTooLarge is returned when the build context exceeds the
	// configured size limit.
	ErrContextTooLarge = errors.New("build context exceeds size limit")

	// ErrInvalidContextPath is returned when a context archive entry has a
	// malicious path.
	ErrInvalidContextPath = errors.New("invalid build context path")
)
