//go:build wireinject

package main

import (
	"context"
	"log/slog"

	"github.com/google/wire"

	"github.com/hwpplayers/multipass/cmd/vaultd/api"
	"github.com/hwpplayers/multipass/cmd/vaultd/config"
	"github.com/hwpplayers/multipass/lib/progress"
	"github.com/hwpplayers/multipass/lib/providers"
	"github.com/hwpplayers/multipass/lib/vault"
)

// application struct to hold initialized components
type application struct {
	Ctx        context.Context
	Logger     *slog.Logger
	Config     *config.Config
	Vault      vault.ImageVault
	Queue      *progress.FetchQueue
	ApiService *api.ApiService
}

// initializeApp is the injector function
func initializeApp() (*application, func(), error) {
	panic(wire.Build(
		providers.ProvideContext,
		providers.ProvideLogger,
		providers.ProvideConfig,
		providers.ProvideDownloader,
		providers.ProvidePlatform,
		providers.ProvideImageHosts,
		providers.ProvideResolver,
		providers.ProvideImageVault,
		providers.ProvideFetchQueue,
		api.New,
		wire.Struct(new(application), "*"),
	))
}
