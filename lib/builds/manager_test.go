package builds

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	gcr "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnproject/kiln/lib/images"
	"github.com/kilnproject/kiln/lib/paths"
)

const testSpecYAML = `base: python:3.12-slim
module: app.main
`

// mockResolver serves an in-memory base image without any registry access.
type mockResolver struct {
	img    gcr.Image
	digest gcr.Hash
}

func newMockResolver(t *testing.T) *mockResolver {
	t.Helper()
	digest, err := empty.Image.Digest()
	require.NoError(t, err)
	return &mockResolver{img: empty.Image, digest: digest}
}

func (m *mockResolver) ResolveBase(ctx context.Context, baseRef string) (string, gcr.Hash, error) {
	return "python:3.12-slim", m.digest, nil
}

func (m *mockResolver) BaseImage(ctx context.Context, baseRef string, digest gcr.Hash) (gcr.Image, error) {
	return m.img, nil
}

// mockExporter records exports and pushes in memory.
type mockExporter struct {
	mu       sync.Mutex
	exported []string
	pushed   []string
	pushErr  error
}

func (m *mockExporter) Export(img gcr.Image, refName string) (gcr.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exported = append(m.exported, refName)
	return img.Digest()
}

func (m *mockExporter) Push(ctx context.Context, dest string, img gcr.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushed = append(m.pushed, dest)
	return m.pushErr
}

// mockImageManager records registered images in memory.
type mockImageManager struct {
	mu      sync.Mutex
	records map[string]images.Record
}

func newMockImageManager() *mockImageManager {
	return &mockImageManager{records: make(map[string]images.Record)}
}

func (m *mockImageManager) Register(ctx context.Context, rec images.Record) (*images.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec
	return &images.Image{ID: rec.ID, Digest: rec.Digest, CreatedAt: time.Now()}, nil
}

func (m *mockImageManager) ListImages(ctx context.Context) ([]images.Image, error) {
	return nil, nil
}

func (m *mockImageManager) GetImage(ctx context.Context, id string) (*images.Image, error) {
	return nil, images.ErrNotFound
}

func (m *mockImageManager) DeleteImage(ctx context.Context, id string) error {
	return nil
}

func (m *mockImageManager) UnpackImage(ctx context.Context, id string) (string, error) {
	return "", images.ErrNotFound
}

func (m *mockImageManager) registered(id string) (images.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	return rec, ok
}

// testResolverCmd writes a fake dependency resolver script. The optional
// sleep keeps a build occupying the queue long enough for tests to observe
// intermediate states.
func testResolverCmd(t *testing.T, sleepSeconds int) string {
	t.Helper()
	script := filepath.Join(t.TempDir(), "resolver.sh")
	body := fmt.Sprintf(`#!/bin/sh
sleep %d
mkdir -p "$2/lib"
cp "$1" "$2/lib/installed.txt"
`, sleepSeconds)
	require.NoError(t, os.WriteFile(script, []byte(body), 0755))
	return script + " {manifest} {prefix}"
}

// testSource builds a gzipped context archive with a manifest and app tree.
func testSource(t *testing.T, mainPy string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	files := []struct {
		name string
		data string
	}{
		{"requirements.txt", "flask==2.3.0\n"},
		{"src/main.py", mainPy},
	}
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "src", Typeflag: tar.TypeDir, Mode: 0755}))
	for _, f := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: f.name, Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(f.data))}))
		_, err := tw.Write([]byte(f.data))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

type managerFixture struct {
	manager  Manager
	paths    *paths.Paths
	exporter *mockExporter
	imageMgr *mockImageManager
}

func newManagerFixture(t *testing.T, cfg Config) *managerFixture {
	t.Helper()
	p := paths.New(t.TempDir())
	if cfg.MaxConcurrentBuilds == 0 {
		cfg.MaxConcurrentBuilds = 2
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 60
	}
	if cfg.MaxContextBytes == 0 {
		cfg.MaxContextBytes = 64 << 20
	}
	if cfg.ResolverCmd == "" {
		cfg.ResolverCmd = testResolverCmd(t, 0)
	}

	exporter := &mockExporter{}
	imageMgr := newMockImageManager()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	m, err := NewManager(p, cfg, newMockResolver(t), exporter, imageMgr, logger, nil)
	require.NoError(t, err)

	return &managerFixture{manager: m, paths: p, exporter: exporter, imageMgr: imageMgr}
}

func waitForStatus(t *testing.T, m Manager, id string, status string) *Build {
	t.Helper()
	var build *Build
	require.Eventually(t, func() bool {
		b, err := m.GetBuild(context.Background(), id)
		if err != nil {
			return false
		}
		build = b
		return b.Status == status
	}, 15*time.Second, 20*time.Millisecond, "build %s did not reach status %s", id, status)
	return build
}

func TestManager_BuildSucceeds(t *testing.T) {
	fix := newManagerFixture(t, Config{})
	ctx := context.Background()

	build, err := fix.manager.CreateBuild(ctx, CreateBuildRequest{SpecYAML: testSpecYAML}, testSource(t, "print('hi')\n"))
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, build.Status)

	final := waitForStatus(t, fix.manager, build.ID, StatusReady)
	require.NotNil(t, final.ImageDigest)
	require.NotNil(t, final.ImageID)
	assert.Equal(t, build.ID, *final.ImageID)
	assert.Equal(t, "entry-declared", final.Step)
	require.NotNil(t, final.Provenance)
	assert.Equal(t, "python:3.12-slim", final.Provenance.BaseName)
	assert.False(t, final.Provenance.DepsCacheHit)
	assert.NotEmpty(t, final.Provenance.SourceHash)
	require.NotNil(t, final.DurationMS)

	rec, ok := fix.imageMgr.registered(build.ID)
	require.True(t, ok, "image registered on success")
	assert.Equal(t, []string{"python", "-m", "app.main"}, rec.Entrypoint)
	assert.Equal(t, "1000:1000", rec.User)
	assert.Equal(t, "/app", rec.WorkingDir)

	logs, err := fix.manager.GetBuildLogs(ctx, build.ID)
	require.NoError(t, err)
	assert.Contains(t, string(logs), "[1/8] base-selected")
	assert.Contains(t, string(logs), "[8/8] entry-declared")
}

func TestManager_DepsCacheHitOnSecondBuild(t *testing.T) {
	fix := newManagerFixture(t, Config{})
	ctx := context.Background()

	b1, err := fix.manager.CreateBuild(ctx, CreateBuildRequest{SpecYAML: testSpecYAML}, testSource(t, "print('v1')\n"))
	require.NoError(t, err)
	waitForStatus(t, fix.manager, b1.ID, StatusReady)

	// Different application code, same manifest: dependency layer is reused
	b2, err := fix.manager.CreateBuild(ctx, CreateBuildRequest{SpecYAML: testSpecYAML}, testSource(t, "print('v2')\n"))
	require.NoError(t, err)
	final := waitForStatus(t, fix.manager, b2.ID, StatusReady)

	require.NotNil(t, final.Provenance)
	assert.True(t, final.Provenance.DepsCacheHit)

	logs, err := fix.manager.GetBuildLogs(ctx, b2.ID)
	require.NoError(t, err)
	assert.Contains(t, string(logs), "cache hit")
}

func TestManager_CreateBuildValidation(t *testing.T) {
	fix := newManagerFixture(t, Config{})
	ctx := context.Background()

	_, err := fix.manager.CreateBuild(ctx, CreateBuildRequest{SpecYAML: testSpecYAML}, nil)
	assert.ErrorIs(t, err, ErrSourceRequired)

	_, err = fix.manager.CreateBuild(ctx, CreateBuildRequest{SpecYAML: "  "}, testSource(t, "x"))
	assert.ErrorIs(t, err, ErrSpecRequired)

	// Malformed specs fail synchronously, no doomed queued build
	_, err = fix.manager.CreateBuild(ctx, CreateBuildRequest{SpecYAML: "base: python:3.12-slim\n"}, testSource(t, "x"))
	require.Error(t, err)

	list, err := fix.manager.ListBuilds(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestManager_MissingManifestFailsBuild(t *testing.T) {
	fix := newManagerFixture(t, Config{})

	// Context archive with application code but no manifest
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "src", Typeflag: tar.TypeDir, Mode: 0755}))
	data := "print('hi')\n"
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "src/main.py", Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(data))}))
	_, err := tw.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())

	build, err := fix.manager.CreateBuild(context.Background(), CreateBuildRequest{SpecYAML: testSpecYAML}, buf.Bytes())
	require.NoError(t, err)

	final := waitForStatus(t, fix.manager, build.ID, StatusFailed)
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, "requirements.txt")
}

func TestManager_FailedStepIsTerminal(t *testing.T) {
	fix := newManagerFixture(t, Config{ResolverCmd: "false"})

	build, err := fix.manager.CreateBuild(context.Background(), CreateBuildRequest{SpecYAML: testSpecYAML}, testSource(t, "print('hi')\n"))
	require.NoError(t, err)

	final := waitForStatus(t, fix.manager, build.ID, StatusFailed)
	require.NotNil(t, final.Error)
	// The build died installing dependencies; later steps never ran
	assert.Equal(t, "workdir-set", final.Step)

	_, ok := fix.imageMgr.registered(build.ID)
	assert.False(t, ok, "no image registered for a failed build")
}

func TestManager_CancelQueuedBuild(t *testing.T) {
	fix := newManagerFixture(t, Config{
		MaxConcurrentBuilds: 1,
		ResolverCmd:         testResolverCmd(t, 3),
	})
	ctx := context.Background()

	b1, err := fix.manager.CreateBuild(ctx, CreateBuildRequest{SpecYAML: testSpecYAML}, testSource(t, "print('1')\n"))
	require.NoError(t, err)
	b2, err := fix.manager.CreateBuild(ctx, CreateBuildRequest{SpecYAML: testSpecYAML}, testSource(t, "print('2')\n"))
	require.NoError(t, err)
	require.NotNil(t, b2.QueuePosition)
	assert.Equal(t, 1, *b2.QueuePosition)

	require.NoError(t, fix.manager.CancelBuild(ctx, b2.ID))
	cancelled := waitForStatus(t, fix.manager, b2.ID, StatusCancelled)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	// Cancelling a terminal build is rejected
	err = fix.manager.CancelBuild(ctx, b2.ID)
	assert.ErrorIs(t, err, ErrBuildComplete)

	waitForStatus(t, fix.manager, b1.ID, StatusReady)
}

func TestManager_CancelRunningBuild(t *testing.T) {
	fix := newManagerFixture(t, Config{
		MaxConcurrentBuilds: 1,
		ResolverCmd:         testResolverCmd(t, 10),
	})
	ctx := context.Background()

	build, err := fix.manager.CreateBuild(ctx, CreateBuildRequest{SpecYAML: testSpecYAML}, testSource(t, "print('hi')\n"))
	require.NoError(t, err)

	waitForStatus(t, fix.manager, build.ID, StatusInstalling)
	require.NoError(t, fix.manager.CancelBuild(ctx, build.ID))

	final := waitForStatus(t, fix.manager, build.ID, StatusCancelled)
	assert.Equal(t, StatusCancelled, final.Status)

	// The unwinding build goroutine must not overwrite the terminal state
	time.Sleep(300 * time.Millisecond)
	after, err := fix.manager.GetBuild(ctx, build.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, after.Status)
}

func TestManager_Timeout(t *testing.T) {
	fix := newManagerFixture(t, Config{ResolverCmd: testResolverCmd(t, 30)})

	build, err := fix.manager.CreateBuild(context.Background(),
		CreateBuildRequest{SpecYAML: testSpecYAML, TimeoutSeconds: 1},
		testSource(t, "print('hi')\n"))
	require.NoError(t, err)

	final := waitForStatus(t, fix.manager, build.ID, StatusFailed)
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, "timed out after 1s")
}

func TestManager_PushRegistry(t *testing.T) {
	fix := newManagerFixture(t, Config{PushRegistry: "registry.example.com/kiln"})

	build, err := fix.manager.CreateBuild(context.Background(), CreateBuildRequest{SpecYAML: testSpecYAML}, testSource(t, "print('hi')\n"))
	require.NoError(t, err)
	waitForStatus(t, fix.manager, build.ID, StatusReady)

	fix.exporter.mu.Lock()
	defer fix.exporter.mu.Unlock()
	assert.Equal(t, []string{build.ID}, fix.exporter.exported)
	assert.Equal(t, []string{"registry.example.com/kiln/" + build.ID}, fix.exporter.pushed)
}

func TestManager_PushFailureDoesNotFailBuild(t *testing.T) {
	fix := newManagerFixture(t, Config{PushRegistry: "registry.example.com/kiln"})
	fix.exporter.pushErr = fmt.Errorf("registry down")

	build, err := fix.manager.CreateBuild(context.Background(), CreateBuildRequest{SpecYAML: testSpecYAML}, testSource(t, "print('hi')\n"))
	require.NoError(t, err)

	final := waitForStatus(t, fix.manager, build.ID, StatusReady)
	assert.Equal(t, StatusReady, final.Status)

	logs, err := fix.manager.GetBuildLogs(context.Background(), build.ID)
	require.NoError(t, err)
	assert.Contains(t, string(logs), "push to registry.example.com/kiln/"+build.ID+" failed")
}

func TestManager_StreamBuildEvents(t *testing.T) {
	fix := newManagerFixture(t, Config{})
	ctx := context.Background()

	build, err := fix.manager.CreateBuild(ctx, CreateBuildRequest{SpecYAML: testSpecYAML}, testSource(t, "print('hi')\n"))
	require.NoError(t, err)
	waitForStatus(t, fix.manager, build.ID, StatusReady)

	events, err := fix.manager.StreamBuildEvents(ctx, build.ID, false)
	require.NoError(t, err)

	var logLines []string
	for event := range events {
		if event.Type == EventTypeLog {
			logLines = append(logLines, event.Content)
		}
	}
	require.NotEmpty(t, logLines)
	joined := ""
	for _, l := range logLines {
		joined += l + "\n"
	}
	assert.Contains(t, joined, "[1/8] base-selected")
	assert.Contains(t, joined, "[8/8] entry-declared")
}

func TestManager_StreamBuildEvents_NotFound(t *testing.T) {
	fix := newManagerFixture(t, Config{})

	_, err := fix.manager.StreamBuildEvents(context.Background(), "missing", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_RecoverPendingBuilds(t *testing.T) {
	p := paths.New(t.TempDir())
	cfg := Config{
		MaxConcurrentBuilds: 1,
		DefaultTimeout:      60,
		MaxContextBytes:     64 << 20,
		ResolverCmd:         testResolverCmd(t, 0),
	}

	// Simulate a build interrupted mid-flight by a previous process
	source := testSource(t, "print('hi')\n")
	id := "interrupted-build"
	require.NoError(t, writeMetadata(p, &buildMetadata{
		ID:        id,
		Status:    StatusInstalling,
		Request:   &CreateBuildRequest{SpecYAML: testSpecYAML},
		CreatedAt: time.Now(),
	}))
	require.NoError(t, os.MkdirAll(p.BuildDir(id), 0755))
	require.NoError(t, os.WriteFile(p.BuildSource(id), source, 0644))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := NewManager(p, cfg, newMockResolver(t), &mockExporter{}, newMockImageManager(), logger, nil)
	require.NoError(t, err)

	m.RecoverPendingBuilds()

	final := waitForStatus(t, m, id, StatusReady)
	assert.Equal(t, StatusReady, final.Status)
}

func TestManager_GetBuildNotFound(t *testing.T) {
	fix := newManagerFixture(t, Config{})

	_, err := fix.manager.GetBuild(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
