package bootstrap

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// validateContextPath checks if a path from an uploaded context archive is
// safe. We reject obviously malicious paths rather than silently sanitizing
// them, since a legitimate context should not contain path traversal
// attempts.
func validateContextPath(name string) error {
	cleaned := filepath.Clean(name)

	if filepath.IsAbs(cleaned) || filepath.IsAbs(name) {
		return fmt.Errorf("%w: absolute path %q", ErrInvalidContextPath, name)
	}

	if strings.HasPrefix(cleaned, "..") || strings.Contains(cleaned, string(filepath.Separator)+"..") {
		return fmt.Errorf("%w: path traversal in %q", ErrInvalidContextPath, name)
	}

	return nil
}

// ExtractContext extracts an uploaded tar.gz build context to destDir,
// aborting if the extracted content exceeds maxBytes. Returns the total
// extracted bytes on success.
//
// Contexts come from untrusted clients, so extraction is defensive:
// path validation rejects absolute paths and traversal upfront, securejoin
// resolves paths safely within the root, O_NOFOLLOW prevents following
// symlinks when creating files, and cumulative size is tracked with
// io.LimitReader as a secondary limit while copying. The destination should
// be a freshly created per-build directory.
func ExtractContext(r io.Reader, destDir string, maxBytes int64) (int64, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return 0, fmt.Errorf("create context dir: %w", err)
	}

	gzr, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("gzip reader: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)

	var extractedBytes int64

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return extractedBytes, fmt.Errorf("read tar header: %w", err)
		}

		if err := validateContextPath(header.Name); err != nil {
			return extractedBytes, err
		}

		targetPath, err := securejoin.SecureJoin(destDir, header.Name)
		if err != nil {
			return extractedBytes, fmt.Errorf("%w: %v", ErrInvalidContextPath, err)
		}

		if extractedBytes+header.Size > maxBytes {
			return extractedBytes, fmt.Errorf("%w: would exceed %d bytes", ErrContextTooLarge, maxBytes)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(header.Mode)); err != nil {
				return extractedBytes, fmt.Errorf("create dir %s: %w", header.Name, err)
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
				return extractedBytes, fmt.Errorf("create parent dir: %w", err)
			}

			// O_NOFOLLOW so a symlink maliciously created at targetPath
			// during extraction is not followed
			f, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|syscall.O_NOFOLLOW, os.FileMode(header.Mode))
			if err != nil {
				return extractedBytes, fmt.Errorf("create file %s: %w", header.Name, err)
			}

			remaining := maxBytes - extractedBytes
			limitedReader := io.LimitReader(tr, remaining+1) // +1 to detect overflow

			n, err := io.Copy(f, limitedReader)
			f.Close()

			if err != nil {
				return extractedBytes, fmt.Errorf("write file %s: %w", header.Name, err)
			}

			extractedBytes += n

			if extractedBytes > maxBytes {
				return extractedBytes, fmt.Errorf("%w: exceeded %d bytes", ErrContextTooLarge, maxBytes)
			}

		case tar.TypeSymlink:
			if filepath.IsAbs(header.Linkname) {
				return extractedBytes, fmt.Errorf("%w: absolute symlink target %q", ErrInvalidContextPath, header.Linkname)
			}

			// Checked explicitly because securejoin sanitizes rather than errors
			cleanedLink := filepath.Clean(header.Linkname)
			if strings.HasPrefix(cleanedLink, ".."+string(filepath.Separator)) || cleanedLink == ".." {
				return extractedBytes, fmt.Errorf("%w: symlink %q escapes destination", ErrInvalidContextPath, header.Linkname)
			}

			symlinkDir := filepath.Dir(targetPath)
			resolvedTarget, err := securejoin.SecureJoin(symlinkDir, header.Linkname)
			if err != nil {
				return extractedBytes, fmt.Errorf("%w: symlink target unsafe: %v", ErrInvalidContextPath, err)
			}

			cleanDest := filepath.Clean(destDir)
			if !strings.HasPrefix(resolvedTarget, cleanDest+string(filepath.Separator)) && resolvedTarget != cleanDest {
				return extractedBytes, fmt.Errorf("%w: symlink %q escapes destination", ErrInvalidContextPath, header.Linkname)
			}

			if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
				return extractedBytes, fmt.Errorf("create parent dir for symlink: %w", err)
			}

			if err := os.Symlink(header.Linkname, targetPath); err != nil {
				return extractedBytes, fmt.Errorf("create symlink %s: %w", header.Name, err)
			}

		case tar.TypeLink:
			linkTarget, err := securejoin.SecureJoin(destDir, header.Linkname)
			if err != nil {
				return extractedBytes, fmt.Errorf("%w: hardlink target unsafe: %v", ErrInvalidContextPath, err)
			}

			if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
				return extractedBytes, fmt.Errorf("create parent dir for hardlink: %w", err)
			}

			if err := os.Link(linkTarget, targetPath); err != nil {
				return extractedBytes, fmt.Errorf("create hardlink %s: %w", header.Name, err)
			}

		default:
			// Skip other types (devices, fifos, etc.)
			continue
		}
	}

	return extractedBytes, nil
}
