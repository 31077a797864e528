package bootstrap

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"time"

	gcr "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"

	"github.com/kilnproject/kiln/lib/manifest"
	"github.com/kilnproject/kiln/lib/paths"
)

const (
	// DefaultResolverCmd resolves and installs manifest entries into the
	// staging prefix. The resolver is a black box: kiln hands it the
	// manifest and a prefix and cares only about the exit code and the
	// files it leaves behind.
	DefaultResolverCmd = "python -m pip install --no-cache-dir --prefix {prefix} --requirement {manifest}"

	// DefaultInstallPrefix is where resolved dependencies land in the image.
	DefaultInstallPrefix = "/usr/local"

	// resolverWaitDelay bounds how long a finished or cancelled resolver
	// may keep its output pipe open through leftover children.
	resolverWaitDelay = 5 * time.Second
)

// DepsResult reports how the dependency layer was produced.
type DepsResult struct {
	CacheKey       string `json:"cache_key"`
	CacheHit       bool   `json:"cache_hit"`
	ManifestDigest string `json:"manifest_digest"`
	Entries        int    `json:"entries"`
}

// depsCacheMetadata is persisted next to each cached layer tar.
type depsCacheMetadata struct {
	CacheKey       string    `json:"cache_key"`
	BaseDigest     string    `json:"base_digest"`
	ManifestDigest string    `json:"manifest_digest"`
	InstallPrefix  string    `json:"install_prefix"`
	ResolverCmd    string    `json:"resolver_cmd"`
	SizeBytes      int64     `json:"size_bytes"`
	CreatedAt      time.Time `json:"created_at"`
}

// DepsInstaller produces dependency layers, caching them keyed on the base
// digest, manifest digest, install prefix and resolver command. A cache hit
// never invokes the resolver, so application code changes rebuild without
// reinstalling dependencies.
type DepsInstaller struct {
	paths         *paths.Paths
	resolverCmd   string
	installPrefix string
}

// NewDepsInstaller creates an installer. Empty resolverCmd or installPrefix
// select the defaults.
func NewDepsInstaller(p *paths.Paths, resolverCmd, installPrefix string) *DepsInstaller {
	if resolverCmd == "" {
		resolverCmd = DefaultResolverCmd
	}
	if installPrefix == "" {
		installPrefix = DefaultInstallPrefix
	}
	return &DepsInstaller{paths: p, resolverCmd: resolverCmd, installPrefix: installPrefix}
}

// InstallPrefix returns the in-image prefix dependency files land under.
func (d *DepsInstaller) InstallPrefix() string {
	return d.installPrefix
}

// Layer returns the dependency layer for the given base and manifest,
// invoking the resolver only on cache miss. Resolver output is streamed
// line by line through logf.
func (d *DepsInstaller) Layer(ctx context.Context, baseDigest, manifestPath string, logf func(format string, args ...any)) (gcr.Layer, *DepsResult, error) {
	m, err := manifest.ParseFile(manifestPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrManifestMissing, manifestPath)
		}
		return nil, nil, err
	}

	key := manifest.CacheKey(baseDigest, m.Digest(), d.installPrefix, d.resolverCmd)
	res := &DepsResult{
		CacheKey:       key,
		ManifestDigest: m.Digest(),
		Entries:        len(m.Entries),
	}

	layerPath := d.paths.DepsCacheLayer(key)
	if d.cached(key) {
		res.CacheHit = true
		logf("dependency layer cache hit (key %s), skipping resolver", shortKey(key))
		layer, err := tarball.LayerFromFile(layerPath)
		if err != nil {
			return nil, nil, fmt.Errorf("read cached dependency layer: %w", err)
		}
		return layer, res, nil
	}

	logf("resolving %d manifest entries (cache key %s)", len(m.Entries), shortKey(key))

	stageDir, err := os.MkdirTemp("", "kiln-deps-*")
	if err != nil {
		return nil, nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(stageDir)

	if err := d.runResolver(ctx, manifestPath, stageDir, logf); err != nil {
		return nil, nil, err
	}

	if err := os.MkdirAll(d.paths.DepsCacheDir(), 0755); err != nil {
		return nil, nil, fmt.Errorf("create deps cache dir: %w", err)
	}

	// Stage to a temp path and rename so a concurrent build never sees a
	// half-written cache entry.
	tempPath := layerPath + ".tmp"
	if err := writeDirTar(tempPath, stageDir, d.installPrefix, 0, 0); err != nil {
		os.Remove(tempPath)
		return nil, nil, fmt.Errorf("write dependency layer: %w", err)
	}
	if err := os.Rename(tempPath, layerPath); err != nil {
		os.Remove(tempPath)
		return nil, nil, fmt.Errorf("commit dependency layer: %w", err)
	}

	info, err := os.Stat(layerPath)
	if err != nil {
		return nil, nil, fmt.Errorf("stat dependency layer: %w", err)
	}
	if err := d.writeMetadata(depsCacheMetadata{
		CacheKey:       key,
		BaseDigest:     baseDigest,
		ManifestDigest: m.Digest(),
		InstallPrefix:  d.installPrefix,
		ResolverCmd:    d.resolverCmd,
		SizeBytes:      info.Size(),
		CreatedAt:      time.Now(),
	}); err != nil {
		return nil, nil, err
	}

	logf("dependency layer built (%d bytes)", info.Size())

	layer, err := tarball.LayerFromFile(layerPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read dependency layer: %w", err)
	}
	return layer, res, nil
}

// cached reports whether a complete cache entry exists for key. Both the
// layer tar and its metadata must be present.
func (d *DepsInstaller) cached(key string) bool {
	if _, err := os.Stat(d.paths.DepsCacheLayer(key)); err != nil {
		return false
	}
	if _, err := os.Stat(d.paths.DepsCacheMetadata(key)); err != nil {
		return false
	}
	return true
}

func (d *DepsInstaller) writeMetadata(meta depsCacheMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache metadata: %w", err)
	}
	tempPath := d.paths.DepsCacheMetadata(meta.CacheKey) + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write cache metadata: %w", err)
	}
	if err := os.Rename(tempPath, d.paths.DepsCacheMetadata(meta.CacheKey)); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename cache metadata: %w", err)
	}
	return nil
}

// runResolver executes the resolver command with {manifest} and {prefix}
// substituted. The resolver runs on the host with the build context
// available read-only; it populates prefix with the installed tree.
func (d *DepsInstaller) runResolver(ctx context.Context, manifestPath, prefix string, logf func(format string, args ...any)) error {
	fields := strings.Fields(d.resolverCmd)
	if len(fields) == 0 {
		return fmt.Errorf("%w: empty resolver command", ErrResolverFailed)
	}
	argv := make([]string, len(fields))
	for i, f := range fields {
		f = strings.ReplaceAll(f, "{manifest}", manifestPath)
		f = strings.ReplaceAll(f, "{prefix}", prefix)
		argv[i] = f
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(),
		"KILN_MANIFEST="+manifestPath,
		"KILN_PREFIX="+prefix,
	)
	// Resolver children inherit the output pipe; without a wait delay a
	// stray grandchild keeps Run blocked past cancellation and past the
	// resolver's own exit.
	cmd.WaitDelay = resolverWaitDelay

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			logf("resolver: %s", scanner.Text())
		}
	}()

	err := cmd.Run()
	pw.Close()
	<-done

	if errors.Is(err, exec.ErrWaitDelay) {
		// The resolver itself exited cleanly but a child still holds the
		// output pipe; whatever it writes from here on is dropped.
		logf("resolver exited with output pipe still open, discarding remainder")
		err = nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %v", ErrResolverFailed, argv[0], err)
	}
	return nil
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
