//go:build wireinject

package main

import (
	"context"
	"log/slog"

	"github.com/google/wire"
	"github.com/kilnproject/kiln/cmd/api/api"
	"github.com/kilnproject/kiln/cmd/api/config"
	"github.com/kilnproject/kiln/lib/builds"
	"github.com/kilnproject/kiln/lib/images"
	"github.com/kilnproject/kiln/lib/otel"
	"github.com/kilnproject/kiln/lib/providers"
)

// application struct to hold initialized components
type application struct {
	Ctx          context.Context
	Logger       *slog.Logger
	Config       *config.Config
	ImageManager images.Manager
	BuildManager builds.Manager
	ApiService   *api.ApiService
}

// initializeApp is the injector function
func initializeApp(otelProvider *otel.Provider) (*application, error) {
	panic(wire.Build(
		providers.ProvideLogger,
		providers.ProvideContext,
		providers.ProvideConfig,
		providers.ProvidePaths,
		providers.ProvideOCIClient,
		providers.ProvideImageManager,
		providers.ProvideBuildManager,
		api.New,
		wire.Struct(new(application), "*"),
	))
}
