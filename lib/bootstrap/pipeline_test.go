package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"testing"

	gcr "github.com/google/go-containerregistry/pkg/v1"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnproject/kiln/lib/paths"
)

// fakeResolver serves a synthetic in-memory base image.
type fakeResolver struct {
	name   string
	img    gcr.Image
	digest gcr.Hash
	err    error
}

func newFakeResolver(t *testing.T, img gcr.Image) *fakeResolver {
	t.Helper()
	digest, err := img.Digest()
	require.NoError(t, err)
	return &fakeResolver{name: "python:3.12-slim", img: img, digest: digest}
}

func (f *fakeResolver) ResolveBase(ctx context.Context, baseRef string) (string, gcr.Hash, error) {
	if f.err != nil {
		return "", gcr.Hash{}, f.err
	}
	return f.name, f.digest, nil
}

func (f *fakeResolver) BaseImage(ctx context.Context, baseRef string, digest gcr.Hash) (gcr.Image, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.img, nil
}

func pipelineFixture(t *testing.T) (*Pipeline, *fakeResolver, string, string) {
	t.Helper()
	base := syntheticBase(t, basePasswd, baseGroup)
	resolver := newFakeResolver(t, base)
	cmd, _ := stubResolver(t)
	deps := NewDepsInstaller(paths.New(t.TempDir()), cmd, "/usr/local")

	contextDir := t.TempDir()
	writeTree(t, contextDir, map[string]string{
		"requirements.txt": "flask==2.3.0\n",
		"src/main.py":      "print('hi')\n",
	})

	return NewPipeline(resolver, deps), resolver, contextDir, t.TempDir()
}

func TestPipelineRun(t *testing.T) {
	pipeline, resolver, contextDir, scratchDir := pipelineFixture(t)
	spec := testSpec()

	var states []string
	var logs []string
	sink := Sink{
		Logf:  func(format string, args ...any) { logs = append(logs, fmt.Sprintf(format, args...)) },
		State: func(state string) { states = append(states, state) },
	}

	result, err := pipeline.Run(context.Background(), spec, contextDir, scratchDir, sink)
	require.NoError(t, err)

	// Steps complete in the fixed order, all eight of them
	assert.Equal(t, States, states)

	// Each step is logged with its position
	joined := strings.Join(logs, "\n")
	for i, state := range States {
		assert.Contains(t, joined, fmt.Sprintf("[%d/%d] %s", i+1, len(States), state))
	}

	assert.Equal(t, "python:3.12-slim", result.BaseName)
	assert.Equal(t, resolver.digest, result.BaseDigest)
	require.NotNil(t, result.Deps)
	assert.False(t, result.Deps.CacheHit)

	cf, err := result.Image.ConfigFile()
	require.NoError(t, err)
	assert.Equal(t, "1000:1000", cf.Config.User)
	assert.Equal(t, "/app", cf.Config.WorkingDir)
	assert.Equal(t, []string{"python", "-m", "app.main"}, []string(cf.Config.Entrypoint))
	assert.Empty(t, cf.Config.Cmd)
	assert.True(t, cf.Created.IsZero(), "created timestamp zeroed for reproducibility")

	// Base layers plus deps, account and app layers
	layers, err := result.Image.Layers()
	require.NoError(t, err)
	assert.Len(t, layers, 4)

	manifest, err := result.Image.Manifest()
	require.NoError(t, err)
	assert.Equal(t, "python:3.12-slim", manifest.Annotations[ispec.AnnotationBaseImageName])
	assert.Equal(t, resolver.digest.String(), manifest.Annotations[ispec.AnnotationBaseImageDigest])
	assert.Equal(t, result.Deps.ManifestDigest, manifest.Annotations["dev.kiln.manifest.digest"])
}

func TestPipelineRun_Deterministic(t *testing.T) {
	pipeline, _, contextDir, _ := pipelineFixture(t)

	r1, err := pipeline.Run(context.Background(), testSpec(), contextDir, t.TempDir(), Sink{})
	require.NoError(t, err)
	r2, err := pipeline.Run(context.Background(), testSpec(), contextDir, t.TempDir(), Sink{})
	require.NoError(t, err)

	d1, err := r1.Image.Digest()
	require.NoError(t, err)
	d2, err := r2.Image.Digest()
	require.NoError(t, err)
	assert.Equal(t, d1, d2, "same inputs must produce the same image digest")
}

func TestPipelineRun_DepsCacheAcrossCodeChanges(t *testing.T) {
	base := syntheticBase(t, basePasswd, baseGroup)
	resolver := newFakeResolver(t, base)
	cmd, countFile := stubResolver(t)
	deps := NewDepsInstaller(paths.New(t.TempDir()), cmd, "/usr/local")
	pipeline := NewPipeline(resolver, deps)

	contextDir := t.TempDir()
	writeTree(t, contextDir, map[string]string{
		"requirements.txt": "flask==2.3.0\n",
		"src/main.py":      "print('v1')\n",
	})

	_, err := pipeline.Run(context.Background(), testSpec(), contextDir, t.TempDir(), Sink{})
	require.NoError(t, err)
	assert.Equal(t, 1, invocations(t, countFile))

	// Edit application code only; dependencies must come from cache
	writeTree(t, contextDir, map[string]string{"src/main.py": "print('v2')\n"})

	result, err := pipeline.Run(context.Background(), testSpec(), contextDir, t.TempDir(), Sink{})
	require.NoError(t, err)
	assert.True(t, result.Deps.CacheHit)
	assert.Equal(t, 1, invocations(t, countFile), "code-only change must not re-resolve dependencies")
}

func TestPipelineRun_InvalidSpec(t *testing.T) {
	pipeline, _, contextDir, scratchDir := pipelineFixture(t)
	spec := testSpec()
	spec.Module = ""

	_, err := pipeline.Run(context.Background(), spec, contextDir, scratchDir, Sink{})
	assert.ErrorIs(t, err, ErrInvalidSpec)
}

func TestPipelineRun_BaseUnavailable(t *testing.T) {
	pipeline, resolver, contextDir, scratchDir := pipelineFixture(t)
	resolver.err = ErrBaseUnavailableStub

	var states []string
	_, err := pipeline.Run(context.Background(), testSpec(), contextDir, scratchDir, Sink{
		State: func(state string) { states = append(states, state) },
	})
	assert.ErrorIs(t, err, ErrBaseUnavailableStub)
	assert.Empty(t, states, "no step completes when the base cannot be resolved")
}

func TestPipelineRun_MissingManifest(t *testing.T) {
	pipeline, _, _, scratchDir := pipelineFixture(t)

	contextDir := t.TempDir()
	writeTree(t, contextDir, map[string]string{"src/main.py": "print('hi')\n"})

	var states []string
	_, err := pipeline.Run(context.Background(), testSpec(), contextDir, scratchDir, Sink{
		State: func(state string) { states = append(states, state) },
	})
	assert.ErrorIs(t, err, ErrManifestMissing)
	assert.Equal(t, []string{StateBaseSelected, StateWorkdirSet}, states)
}

func TestPipelineRun_MissingAppTree(t *testing.T) {
	pipeline, _, _, scratchDir := pipelineFixture(t)

	contextDir := t.TempDir()
	writeTree(t, contextDir, map[string]string{"requirements.txt": "flask==2.3.0\n"})

	_, err := pipeline.Run(context.Background(), testSpec(), contextDir, scratchDir, Sink{})
	assert.ErrorIs(t, err, ErrAppTreeMissing)
}

func TestPipelineRun_AccountConflict(t *testing.T) {
	base := syntheticBase(t, basePasswd+"app:x:500:500::/home/app:/bin/sh\n", baseGroup)
	resolver := newFakeResolver(t, base)
	cmd, _ := stubResolver(t)
	deps := NewDepsInstaller(paths.New(t.TempDir()), cmd, "/usr/local")
	pipeline := NewPipeline(resolver, deps)

	contextDir := t.TempDir()
	writeTree(t, contextDir, map[string]string{
		"requirements.txt": "flask==2.3.0\n",
		"src/main.py":      "print('hi')\n",
	})

	_, err := pipeline.Run(context.Background(), testSpec(), contextDir, t.TempDir(), Sink{})
	assert.ErrorIs(t, err, ErrAccountConflict)
}

func TestPipelineRun_CancelledContext(t *testing.T) {
	pipeline, _, contextDir, scratchDir := pipelineFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pipeline.Run(ctx, testSpec(), contextDir, scratchDir, Sink{})
	assert.ErrorIs(t, err, context.Canceled)
}

// ErrBaseUnavailableStub stands in for a registry failure in resolver fakes.
var ErrBaseUnavailableStub = fmt.Errorf("registry unreachable")
