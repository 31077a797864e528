package builds

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	gcr "github.com/google/go-containerregistry/pkg/v1"
	"github.com/nrednav/cuid2"
	"go.opentelemetry.io/otel/metric"

	"github.com/kilnproject/kiln/lib/bootstrap"
	"github.com/kilnproject/kiln/lib/images"
	"github.com/kilnproject/kiln/lib/paths"
)

// Manager interface for the build system
type Manager interface {
	// CreateBuild starts a new build job
	CreateBuild(ctx context.Context, req CreateBuildRequest, sourceData []byte) (*Build, error)

	// GetBuild returns a build by ID
	GetBuild(ctx context.Context, id string) (*Build, error)

	// ListBuilds returns all builds
	ListBuilds(ctx context.Context) ([]*Build, error)

	// CancelBuild cancels a pending or running build
	CancelBuild(ctx context.Context, id string) error

	// GetBuildLogs returns the logs for a build
	GetBuildLogs(ctx context.Context, id string) ([]byte, error)

	// StreamBuildEvents streams build events (logs, status changes, heartbeats).
	// With follow=false, returns existing logs then closes.
	// With follow=true, continues streaming until build completes or context cancels.
	StreamBuildEvents(ctx context.Context, id string, follow bool) (<-chan BuildEvent, error)

	// RecoverPendingBuilds recovers builds that were interrupted on restart
	RecoverPendingBuilds()
}

// ImageExporter writes assembled images to the local store and optionally a
// remote registry. Satisfied by images.Client.
type ImageExporter interface {
	Export(img gcr.Image, refName string) (gcr.Hash, error)
	Push(ctx context.Context, dest string, img gcr.Image) error
}

// Config holds configuration for the build manager
type Config struct {
	// MaxConcurrentBuilds is the maximum number of concurrent builds
	MaxConcurrentBuilds int

	// DefaultTimeout is the default build timeout in seconds
	DefaultTimeout int

	// MaxContextBytes limits the extracted size of an uploaded context
	MaxContextBytes int64

	// ResolverCmd is the dependency resolver command template
	ResolverCmd string

	// InstallPrefix is the in-image prefix for resolved dependencies
	InstallPrefix string

	// PushRegistry, when set, receives every exported image as
	// <PushRegistry>/<build-id>
	PushRegistry string
}

// DefaultConfig returns the default build manager configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrentBuilds: 2,
		DefaultTimeout:      600, // 10 minutes
		MaxContextBytes:     512 << 20,
	}
}

type manager struct {
	config       Config
	paths        *paths.Paths
	queue        *BuildQueue
	pipeline     *bootstrap.Pipeline
	exporter     ImageExporter
	imageManager images.Manager
	logger       *slog.Logger
	metrics      *Metrics
	createMu     sync.Mutex

	// Cancel funcs for running builds
	cancels  map[string]context.CancelFunc
	cancelMu sync.Mutex

	// Status subscription system for SSE streaming
	statusSubscribers map[string][]chan BuildEvent
	subscriberMu      sync.RWMutex
}

// NewManager creates a new build manager
func NewManager(
	p *paths.Paths,
	config Config,
	resolver bootstrap.BaseResolver,
	exporter ImageExporter,
	imageManager images.Manager,
	logger *slog.Logger,
	meter metric.Meter,
) (Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	deps := bootstrap.NewDepsInstaller(p, config.ResolverCmd, config.InstallPrefix)

	m := &manager{
		config:            config,
		paths:             p,
		queue:             NewBuildQueue(config.MaxConcurrentBuilds),
		pipeline:          bootstrap.NewPipeline(resolver, deps),
		exporter:          exporter,
		imageManager:      imageManager,
		logger:            logger,
		cancels:           make(map[string]context.CancelFunc),
		statusSubscribers: make(map[string][]chan BuildEvent),
	}

	if meter != nil {
		metrics, err := NewMetrics(meter)
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		if err := metrics.RegisterQueueCallbacks(m.queue, meter); err != nil {
			return nil, fmt.Errorf("register queue metrics: %w", err)
		}
		m.metrics = metrics
	}

	return m, nil
}

// CreateBuild starts a new build job
func (m *manager) CreateBuild(ctx context.Context, req CreateBuildRequest, sourceData []byte) (*Build, error) {
	if len(sourceData) == 0 {
		return nil, ErrSourceRequired
	}
	if strings.TrimSpace(req.SpecYAML) == "" {
		return nil, ErrSpecRequired
	}

	// Parse the spec up front so malformed requests fail synchronously
	// instead of producing a doomed queued build.
	if _, err := bootstrap.ParseSpec([]byte(req.SpecYAML)); err != nil {
		return nil, err
	}

	if req.SourceHash == "" {
		sum := sha256.Sum256(sourceData)
		req.SourceHash = hex.EncodeToString(sum[:])
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()

	id := cuid2.Generate()

	meta := &buildMetadata{
		ID:        id,
		Status:    StatusQueued,
		Request:   &req,
		CreatedAt: time.Now(),
	}
	if err := writeMetadata(m.paths, meta); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}

	if err := os.WriteFile(m.paths.BuildSource(id), sourceData, 0644); err != nil {
		deleteBuild(m.paths, id)
		return nil, fmt.Errorf("store source: %w", err)
	}

	queuePos := m.queue.Enqueue(id, func() {
		m.runBuild(context.Background(), id, req)
	})

	build := meta.toBuild()
	if queuePos > 0 {
		build.QueuePosition = &queuePos
	}

	m.logger.Info("build created", "build_id", id, "queue_position", queuePos)
	return build, nil
}

// runBuild drives one build through the bootstrap pipeline.
func (m *manager) runBuild(ctx context.Context, id string, req CreateBuildRequest) {
	start := time.Now()
	logger := m.logger.With("build_id", id)
	logger.Info("starting build")

	spec, err := bootstrap.ParseSpec([]byte(req.SpecYAML))
	if err != nil {
		m.failBuild(ctx, id, err, start)
		return
	}

	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = m.config.DefaultTimeout
	}
	buildCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	m.cancelMu.Lock()
	m.cancels[id] = cancel
	m.cancelMu.Unlock()
	defer func() {
		m.cancelMu.Lock()
		delete(m.cancels, id)
		m.cancelMu.Unlock()
	}()

	m.updateStatus(id, StatusResolving, nil)

	// Extract the uploaded context. Removed again after the build: only
	// the log, metadata and staged layers persist.
	contextDir := m.paths.BuildContextDir(id)
	source, err := os.Open(m.paths.BuildSource(id))
	if err != nil {
		m.failBuild(ctx, id, fmt.Errorf("open source: %w", err), start)
		return
	}
	_, err = bootstrap.ExtractContext(source, contextDir, m.config.MaxContextBytes)
	source.Close()
	if err != nil {
		m.failBuild(ctx, id, err, start)
		return
	}
	defer os.RemoveAll(contextDir)

	sink := bootstrap.Sink{
		Logf: m.buildLogf(id),
		State: func(state string) {
			m.updateStep(id, state)
			switch state {
			case bootstrap.StateWorkdirSet:
				m.updateStatus(id, StatusInstalling, nil)
			case bootstrap.StateDepsInstalled:
				m.updateStatus(id, StatusAssembling, nil)
			}
		},
	}

	result, err := m.pipeline.Run(buildCtx, spec, contextDir, m.paths.BuildDir(id), sink)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("build cancelled", "duration", time.Since(start))
			m.completeBuild(ctx, id, StatusCancelled, nil, nil, nil, start)
			return
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("build timed out after %ds", timeout)
		}
		m.failBuild(ctx, id, err, start)
		return
	}

	if m.metrics != nil {
		m.metrics.RecordDepsCache(ctx, result.Deps.CacheHit)
	}

	m.updateStatus(id, StatusExporting, nil)

	digest, err := m.exporter.Export(result.Image, id)
	if err != nil {
		m.failBuild(ctx, id, fmt.Errorf("export image: %w", err), start)
		return
	}

	if m.config.PushRegistry != "" {
		dest := strings.TrimSuffix(m.config.PushRegistry, "/") + "/" + id
		if err := m.exporter.Push(buildCtx, dest, result.Image); err != nil {
			// Push failure does not fail the build; the image is exported
			// locally and can be re-pushed.
			logger.Warn("push to registry failed", "dest", dest, "error", err)
			m.buildLogf(id)("push to %s failed: %v", dest, err)
		}
	}

	size := imageSize(result.Image)
	if _, err := m.imageManager.Register(ctx, images.Record{
		ID:         id,
		Digest:     digest.String(),
		BaseName:   result.BaseName,
		BaseDigest: result.BaseDigest.String(),
		Entrypoint: spec.EntryCommand(),
		WorkingDir: spec.Workdir,
		User:       spec.RunAsUser(),
		SizeBytes:  size,
		Labels:     spec.Labels,
	}); err != nil {
		m.failBuild(ctx, id, fmt.Errorf("register image: %w", err), start)
		return
	}

	prov := &Provenance{
		BaseName:       result.BaseName,
		BaseDigest:     result.BaseDigest.String(),
		ManifestDigest: result.Deps.ManifestDigest,
		DepsCacheKey:   result.Deps.CacheKey,
		DepsCacheHit:   result.Deps.CacheHit,
		SourceHash:     req.SourceHash,
		Timestamp:      time.Now(),
	}
	digestStr := digest.String()
	m.completeBuild(ctx, id, StatusReady, &digestStr, prov, &id, start)

	logger.Info("build succeeded", "digest", digestStr, "duration", time.Since(start))
}

// buildLogf returns a sink that appends timestamped lines to the build log.
func (m *manager) buildLogf(id string) func(format string, args ...any) {
	return func(format string, args ...any) {
		line := time.Now().UTC().Format(time.RFC3339) + " " + fmt.Sprintf(format, args...) + "\n"
		if err := appendLog(m.paths, id, []byte(line)); err != nil {
			m.logger.Warn("append build log", "build_id", id, "error", err)
		}
	}
}

func (m *manager) failBuild(ctx context.Context, id string, err error, start time.Time) {
	m.logger.Error("build failed", "build_id", id, "error", err, "duration", time.Since(start))
	m.buildLogf(id)("build failed: %v", err)
	errMsg := err.Error()

	meta, readErr := readMetadata(m.paths, id)
	if readErr != nil {
		m.logger.Error("read metadata for failure", "build_id", id, "error", readErr)
		return
	}
	if IsTerminal(meta.Status) {
		return
	}

	durationMS := time.Since(start).Milliseconds()
	now := time.Now()
	meta.Status = StatusFailed
	meta.Error = &errMsg
	meta.CompletedAt = &now
	meta.DurationMS = &durationMS
	if writeErr := writeMetadata(m.paths, meta); writeErr != nil {
		m.logger.Error("write metadata for failure", "build_id", id, "error", writeErr)
	}
	m.notifyStatusChange(id, StatusFailed)

	if m.metrics != nil {
		m.metrics.RecordBuild(ctx, StatusFailed, time.Since(start))
	}
}

// completeBuild records a terminal state. Terminal states are never
// overwritten: a cancelled build's runBuild goroutine may still be unwinding
// and must not flip the status afterwards.
func (m *manager) completeBuild(ctx context.Context, id, status string, digest *string, prov *Provenance, imageID *string, start time.Time) {
	meta, readErr := readMetadata(m.paths, id)
	if readErr != nil {
		m.logger.Error("read metadata for completion", "build_id", id, "error", readErr)
		return
	}
	if IsTerminal(meta.Status) {
		m.logger.Debug("skipping status update for already-terminal build",
			"build_id", id, "current_status", meta.Status, "attempted_status", status)
		return
	}

	durationMS := time.Since(start).Milliseconds()
	now := time.Now()
	meta.Status = status
	meta.ImageDigest = digest
	meta.ImageID = imageID
	meta.Provenance = prov
	meta.CompletedAt = &now
	meta.DurationMS = &durationMS

	if writeErr := writeMetadata(m.paths, meta); writeErr != nil {
		m.logger.Error("write metadata for completion", "build_id", id, "error", writeErr)
	}
	m.notifyStatusChange(id, status)

	if m.metrics != nil {
		m.metrics.RecordBuild(ctx, status, time.Since(start))
	}
}

// updateStatus updates a build's non-terminal status
func (m *manager) updateStatus(id string, status string, err error) {
	meta, readErr := readMetadata(m.paths, id)
	if readErr != nil {
		m.logger.Error("read metadata for status update", "build_id", id, "error", readErr)
		return
	}
	if IsTerminal(meta.Status) {
		return
	}

	meta.Status = status
	if status == StatusResolving && meta.StartedAt == nil {
		now := time.Now()
		meta.StartedAt = &now
	}
	if err != nil {
		errMsg := err.Error()
		meta.Error = &errMsg
	}

	if writeErr := writeMetadata(m.paths, meta); writeErr != nil {
		m.logger.Error("write metadata for status update", "build_id", id, "error", writeErr)
	}

	m.notifyStatusChange(id, status)
}

// updateStep records the last completed pipeline step
func (m *manager) updateStep(id, step string) {
	meta, readErr := readMetadata(m.paths, id)
	if readErr != nil {
		return
	}
	meta.Step = step
	if writeErr := writeMetadata(m.paths, meta); writeErr != nil {
		m.logger.Error("write metadata for step update", "build_id", id, "error", writeErr)
	}
}

func imageSize(img gcr.Image) int64 {
	manifest, err := img.Manifest()
	if err != nil {
		return 0
	}
	size := manifest.Config.Size
	for _, l := range manifest.Layers {
		size += l.Size
	}
	return size
}

// subscribeToStatus adds a subscriber channel for status updates on a build
func (m *manager) subscribeToStatus(buildID string, ch chan BuildEvent) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	m.statusSubscribers[buildID] = append(m.statusSubscribers[buildID], ch)
}

// unsubscribeFromStatus removes a subscriber channel
func (m *manager) unsubscribeFromStatus(buildID string, ch chan BuildEvent) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()

	subscribers := m.statusSubscribers[buildID]
	for i, sub := range subscribers {
		if sub == ch {
			m.statusSubscribers[buildID] = append(subscribers[:i], subscribers[i+1:]...)
			break
		}
	}

	if len(m.statusSubscribers[buildID]) == 0 {
		delete(m.statusSubscribers, buildID)
	}
}

// notifyStatusChange broadcasts a status change to all subscribers
func (m *manager) notifyStatusChange(buildID string, status string) {
	m.subscriberMu.RLock()
	defer m.subscriberMu.RUnlock()

	event := BuildEvent{
		Type:      EventTypeStatus,
		Timestamp: time.Now(),
		Status:    status,
	}

	for _, ch := range m.statusSubscribers[buildID] {
		// Non-blocking send - drop if channel is full
		select {
		case ch <- event:
		default:
		}
	}
}

// GetBuild returns a build by ID
func (m *manager) GetBuild(ctx context.Context, id string) (*Build, error) {
	meta, err := readMetadata(m.paths, id)
	if err != nil {
		return nil, err
	}

	build := meta.toBuild()
	if meta.Status == StatusQueued {
		build.QueuePosition = m.queue.GetPosition(id)
	}

	return build, nil
}

// ListBuilds returns all builds
func (m *manager) ListBuilds(ctx context.Context) ([]*Build, error) {
	metas, err := listAllBuilds(m.paths)
	if err != nil {
		return nil, err
	}

	builds := make([]*Build, 0, len(metas))
	for _, meta := range metas {
		build := meta.toBuild()
		if meta.Status == StatusQueued {
			build.QueuePosition = m.queue.GetPosition(meta.ID)
		}
		builds = append(builds, build)
	}

	return builds, nil
}

// CancelBuild cancels a pending or running build
func (m *manager) CancelBuild(ctx context.Context, id string) error {
	meta, err := readMetadata(m.paths, id)
	if err != nil {
		return err
	}

	switch meta.Status {
	case StatusQueued:
		if m.queue.Cancel(id) {
			m.completeBuild(ctx, id, StatusCancelled, nil, nil, nil, meta.CreatedAt)
			return nil
		}
		return ErrBuildInProgress // Was already picked up

	case StatusResolving, StatusInstalling, StatusAssembling, StatusExporting:
		// Mark cancelled first so the runBuild goroutine's error path sees
		// a terminal state and stands down.
		m.completeBuild(ctx, id, StatusCancelled, nil, nil, nil, meta.CreatedAt)
		m.cancelMu.Lock()
		cancel := m.cancels[id]
		m.cancelMu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil

	case StatusReady, StatusFailed, StatusCancelled:
		return fmt.Errorf("%w: status %s", ErrBuildComplete, meta.Status)

	default:
		return fmt.Errorf("unknown build status: %s", meta.Status)
	}
}

// GetBuildLogs returns the logs for a build
func (m *manager) GetBuildLogs(ctx context.Context, id string) ([]byte, error) {
	if _, err := readMetadata(m.paths, id); err != nil {
		return nil, err
	}
	return readLog(m.paths, id)
}

// RecoverPendingBuilds re-enqueues builds that were interrupted by a restart
func (m *manager) RecoverPendingBuilds() {
	pending, err := listPendingBuilds(m.paths)
	if err != nil {
		m.logger.Error("list pending builds for recovery", "error", err)
		return
	}

	for _, meta := range pending {
		meta := meta
		if meta.Request == nil {
			continue
		}
		m.logger.Info("recovering build", "build_id", meta.ID, "status", meta.Status)

		// Interrupted builds restart from the beginning; the dependency
		// layer cache makes the replay cheap.
		m.updateStatus(meta.ID, StatusQueued, nil)
		m.queue.Enqueue(meta.ID, func() {
			m.runBuild(context.Background(), meta.ID, *meta.Request)
		})
	}

	if len(pending) > 0 {
		m.logger.Info("recovered pending builds", "count", len(pending))
	}
}
