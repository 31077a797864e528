// Package bootstrap assembles application images from a pinned base, a
// dependency manifest and an application tree, without a container runtime.
// The assembly is a fixed sequence of steps; each step either completes or
// fails the whole build, and dependency layers are cached independently of
// application code so code-only changes never re-resolve dependencies.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	gcr "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Step states in pipeline order. Every build walks these in sequence; a
// failure leaves the build terminally failed at the step it died in.
const (
	StateBaseSelected         = "base-selected"
	StateWorkdirSet           = "workdir-set"
	StateDepsInstalled        = "deps-installed"
	StateCodeCopied           = "code-copied"
	StateAccountCreated       = "account-created"
	StateOwnershipTransferred = "ownership-transferred"
	StateIdentitySwitched     = "identity-switched"
	StateEntryDeclared        = "entry-declared"
)

// States lists the step states in order.
var States = []string{
	StateBaseSelected,
	StateWorkdirSet,
	StateDepsInstalled,
	StateCodeCopied,
	StateAccountCreated,
	StateOwnershipTransferred,
	StateIdentitySwitched,
	StateEntryDeclared,
}

// annotationManifestDigest records the digest of the dependency manifest the
// image was built from.
const annotationManifestDigest = "dev.kiln.manifest.digest"

// BaseResolver resolves and fetches pinned base images. Satisfied by
// images.Client; tests substitute a local resolver.
type BaseResolver interface {
	// ResolveBase validates pinning and returns the normalized reference
	// and platform manifest digest without pulling layers.
	ResolveBase(ctx context.Context, baseRef string) (string, gcr.Hash, error)

	// BaseImage returns the image for a resolved digest, pulling it into
	// the local cache on first use.
	BaseImage(ctx context.Context, baseRef string, digest gcr.Hash) (gcr.Image, error)
}

// Sink receives pipeline progress. Both callbacks are optional.
type Sink struct {
	// Logf appends a line to the build log.
	Logf func(format string, args ...any)

	// State is called as each step completes, with the step's state.
	State func(state string)
}

func (s Sink) normalized() Sink {
	out := s
	if out.Logf == nil {
		out.Logf = func(string, ...any) {}
	}
	if out.State == nil {
		out.State = func(string) {}
	}
	return out
}

// Result is a successfully assembled image plus its provenance.
type Result struct {
	Image      gcr.Image
	BaseName   string
	BaseDigest gcr.Hash
	Deps       *DepsResult
}

// Pipeline assembles images.
type Pipeline struct {
	resolver BaseResolver
	deps     *DepsInstaller
}

// NewPipeline creates a pipeline using the given base resolver and
// dependency installer.
func NewPipeline(resolver BaseResolver, deps *DepsInstaller) *Pipeline {
	return &Pipeline{resolver: resolver, deps: deps}
}

// Run assembles an image from an extracted build context. scratchDir holds
// staged layer tars and must outlive the returned image (the app layer is
// read from it at export time). The assembled image is verified against the
// spec's invariants before being returned.
func (p *Pipeline) Run(ctx context.Context, spec *Spec, contextDir, scratchDir string, sink Sink) (*Result, error) {
	sink = sink.normalized()
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	total := len(States)
	step := func(n int, state string) {
		sink.State(state)
		sink.Logf("[%d/%d] %s", n, total, state)
	}

	// Base selection. Pin validation happens before any network or disk
	// work so unpinned specs fail immediately.
	baseName, baseDigest, err := p.resolver.ResolveBase(ctx, spec.Base)
	if err != nil {
		return nil, err
	}
	base, err := p.resolver.BaseImage(ctx, baseName, baseDigest)
	if err != nil {
		return nil, err
	}
	sink.Logf("base %s resolved to %s", baseName, baseDigest)
	step(1, StateBaseSelected)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Working directory. Recorded now, applied to the config at assembly.
	sink.Logf("working directory %s", spec.Workdir)
	step(2, StateWorkdirSet)

	// Dependencies. The manifest hash keys the layer cache together with
	// the base digest, so this step reuses a cached layer whenever neither
	// has changed, regardless of application code edits.
	manifestPath := filepath.Join(contextDir, spec.Manifest)
	depsLayer, depsRes, err := p.deps.Layer(ctx, baseDigest.String(), manifestPath, sink.Logf)
	if err != nil {
		return nil, err
	}
	step(3, StateDepsInstalled)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Application tree. Presence is checked here; the layer is emitted in
	// the ownership step so files are written once, already owned by the
	// service account.
	appSrc := filepath.Join(contextDir, spec.AppDir)
	if info, statErr := os.Stat(appSrc); statErr != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrAppTreeMissing, spec.AppDir)
	}
	sink.Logf("application tree %s staged for %s", spec.AppDir, spec.Workdir)
	step(4, StateCodeCopied)

	// Service account. Reads the base's account database and refuses to
	// shadow an existing principal.
	acctLayer, err := accountLayer(base, spec.Account)
	if err != nil {
		return nil, err
	}
	sink.Logf("service account %s (%d:%d) created", spec.Account.Name, spec.Account.UID, spec.Account.GID)
	step(5, StateAccountCreated)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Ownership. The app layer tar carries the account uid/gid on every
	// header.
	appL, err := appLayer(filepath.Join(scratchDir, "app-layer.tar"), contextDir, spec)
	if err != nil {
		return nil, err
	}
	step(6, StateOwnershipTransferred)

	// Identity and entry command are config-level changes applied during
	// assembly below.
	if spec.Account.UID == 0 || spec.Account.GID == 0 {
		return nil, ErrRunsAsRoot
	}
	step(7, StateIdentitySwitched)

	img, err := mutate.AppendLayers(base, depsLayer, acctLayer, appL)
	if err != nil {
		return nil, fmt.Errorf("append layers: %w", err)
	}

	cf, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("read image config: %w", err)
	}
	newCf := *cf
	newCf.Created = gcr.Time{} // zeroed for reproducible digests
	newCf.Config.User = spec.RunAsUser()
	newCf.Config.WorkingDir = spec.Workdir
	newCf.Config.Entrypoint = spec.EntryCommand()
	newCf.Config.Cmd = nil

	img, err = mutate.ConfigFile(img, &newCf)
	if err != nil {
		return nil, fmt.Errorf("apply image config: %w", err)
	}

	annotated, ok := mutate.Annotations(img, map[string]string{
		ispec.AnnotationBaseImageName:   baseName,
		ispec.AnnotationBaseImageDigest: baseDigest.String(),
		annotationManifestDigest:        depsRes.ManifestDigest,
	}).(gcr.Image)
	if !ok {
		return nil, fmt.Errorf("annotate image: unexpected manifest type")
	}

	if err := Verify(annotated, spec); err != nil {
		return nil, err
	}
	sink.Logf("entry command %v", spec.EntryCommand())
	step(8, StateEntryDeclared)

	return &Result{
		Image:      annotated,
		BaseName:   baseName,
		BaseDigest: baseDigest,
		Deps:       depsRes,
	}, nil
}
