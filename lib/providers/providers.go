// Package providers contains the wire provider functions for application
// dependency injection.
package providers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c2h5oh/datasize"

	"github.com/kilnproject/kiln/cmd/api/config"
	"github.com/kilnproject/kiln/lib/builds"
	"github.com/kilnproject/kiln/lib/images"
	"github.com/kilnproject/kiln/lib/logger"
	"github.com/kilnproject/kiln/lib/otel"
	"github.com/kilnproject/kiln/lib/paths"
)

// ProvideConfig provides the application configuration
func ProvideConfig() *config.Config {
	return config.Load()
}

// ProvidePaths provides typed path construction for the data directory
func ProvidePaths(cfg *config.Config) *paths.Paths {
	return paths.New(cfg.DataDir)
}

// ProvideLogger provides a structured logger. Records carrying a "build_id"
// attribute are mirrored into that build's log file.
func ProvideLogger(cfg *config.Config, p *paths.Paths, otelProvider *otel.Provider) *slog.Logger {
	var otelHandler slog.Handler
	if otelProvider != nil {
		otelHandler = otelProvider.LogHandler
	}
	base := logger.New(logger.ParseLevel(cfg.LogLevel), otelHandler)
	return slog.New(logger.NewBuildLogHandler(base.Handler(), p.BuildLog))
}

// ProvideContext provides a context with logger attached
func ProvideContext(log *slog.Logger) context.Context {
	return logger.AddToContext(context.Background(), log)
}

// ProvideOCIClient provides the OCI layout client
func ProvideOCIClient(p *paths.Paths) (*images.Client, error) {
	return images.NewClient(p.OCICache())
}

// ProvideImageManager provides the image manager
func ProvideImageManager(p *paths.Paths, client *images.Client) images.Manager {
	return images.NewManager(p, client)
}

// ProvideBuildManager provides the build manager
func ProvideBuildManager(
	cfg *config.Config,
	p *paths.Paths,
	client *images.Client,
	imageManager images.Manager,
	log *slog.Logger,
	otelProvider *otel.Provider,
) (builds.Manager, error) {
	var maxContext datasize.ByteSize
	if err := maxContext.UnmarshalText([]byte(cfg.MaxContextSize)); err != nil {
		return nil, fmt.Errorf("invalid MAX_CONTEXT_SIZE %q: %w", cfg.MaxContextSize, err)
	}

	buildCfg := builds.Config{
		MaxConcurrentBuilds: cfg.MaxConcurrentBuilds,
		DefaultTimeout:      cfg.BuildTimeoutSeconds,
		MaxContextBytes:     int64(maxContext),
		ResolverCmd:         cfg.ResolverCmd,
		InstallPrefix:       cfg.InstallPrefix,
		PushRegistry:        cfg.PushRegistry,
	}

	return builds.NewManager(p, buildCfg, client, client, imageManager, log, otelProvider.Meter)
}
