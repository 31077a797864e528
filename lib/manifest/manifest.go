// Package manifest parses dependency manifests (requirements.txt format) and
// derives the canonical digest used to key the dependency layer cache.
//
// Resolution semantics are deliberately not interpreted here: entries are
// opaque requirement specifiers handed to an external resolver. The package
// only guarantees that the canonical form is order-preserving and stable, so
// the same manifest always hashes to the same key.
package manifest

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrEmpty is returned when a manifest contains no requirement entries.
var ErrEmpty = errors.New("manifest contains no entries")

// Manifest is an ordered list of requirement specifiers.
type Manifest struct {
	// Entries in manifest order, comments and blank lines stripped,
	// line continuations joined.
	Entries []string
}

// Parse reads a requirements-style manifest. Installation order follows
// manifest order, so order is preserved rather than sorted.
func Parse(r io.Reader) (*Manifest, error) {
	scanner := bufio.NewScanner(r)

	var entries []string
	var pending string
	for scanner.Scan() {
		line := scanner.Text()

		// Join backslash continuations before any other processing.
		if pending != "" {
			line = pending + strings.TrimSpace(line)
			pending = ""
		}
		if strings.HasSuffix(line, "\\") {
			pending = strings.TrimSuffix(line, "\\")
			continue
		}

		// Strip trailing comments; a '#' inside a URL fragment is rare
		// enough that requirements files escape it themselves.
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		entries = append(entries, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if pending != "" {
		entries = append(entries, strings.TrimSpace(pending))
	}

	if len(entries) == 0 {
		return nil, ErrEmpty
	}
	return &Manifest{Entries: entries}, nil
}

// ParseFile parses the manifest at path.
func ParseFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Canonical returns the canonical serialized form: entries in manifest
// order, one per line, with a trailing newline.
func (m *Manifest) Canonical() string {
	return strings.Join(m.Entries, "\n") + "\n"
}

// Digest returns the sha256 hex digest of the canonical form.
func (m *Manifest) Digest() string {
	sum := sha256.Sum256([]byte(m.Canonical()))
	return hex.EncodeToString(sum[:])
}

// CacheKey derives the dependency layer cache key for a manifest installed
// on a given base image. The resolver command and install prefix are part of
// the key: changing either must invalidate cached layers.
func CacheKey(baseDigest, manifestDigest, installPrefix, resolverCmd string) string {
	h := sha256.New()
	for _, part := range []string{baseDigest, manifestDigest, installPrefix, resolverCmd} {
		h.Write([]byte(part))
		h.Write([]byte("\n"))
	}
	return hex.EncodeToString(h.Sum(nil))
}
