package providers

import (
	"context"
	"log/slog"
	"time"

	"github.com/hwpplayers/multipass/cmd/vaultd/config"
	"github.com/hwpplayers/multipass/lib/cache"
	"github.com/hwpplayers/multipass/lib/catalog"
	"github.com/hwpplayers/multipass/lib/download"
	"github.com/hwpplayers/multipass/lib/logger"
	"github.com/hwpplayers/multipass/lib/platform"
	"github.com/hwpplayers/multipass/lib/progress"
	"github.com/hwpplayers/multipass/lib/remote"
	"github.com/hwpplayers/multipass/lib/vault"
)

// ProvideContext provides a base context
func ProvideContext() context.Context {
	return context.Background()
}

// ProvideLogger provides a structured logger
func ProvideLogger() *slog.Logger {
	return logger.New()
}

// ProvideConfig provides the application configuration
func ProvideConfig() *config.Config {
	return config.Load()
}

// ProvideDownloader provides the HTTP artifact downloader
func ProvideDownloader() vault.Downloader {
	return download.New(30 * time.Second)
}

// ProvidePlatform provides host capability checks for the active driver
func ProvidePlatform(cfg *config.Config) vault.Platform {
	return platform.New(cfg.Driver)
}

// ProvideImageHosts provides the catalog backends, in resolution order
func ProvideImageHosts(cfg *config.Config, downloader vault.Downloader) []vault.ImageHost {
	return []vault.ImageHost{
		catalog.NewHost(platform.RemoteRelease, cfg.ReleaseStreamURL, downloader),
		catalog.NewHost(platform.RemoteDaily, cfg.DailyStreamURL, downloader),
	}
}

// ProvideResolver provides the catalog resolver
func ProvideResolver(hosts []vault.ImageHost, plat vault.Platform) *vault.Resolver {
	return vault.NewResolver(hosts, plat)
}

// ProvideImageVault provides the vault matching the active driver
func ProvideImageVault(cfg *config.Config, resolver *vault.Resolver, downloader vault.Downloader, plat vault.Platform) (vault.ImageVault, error) {
	if cfg.Driver == "lxd" {
		return remote.NewVault(remote.NewClient(cfg.LXDSocket), resolver, plat, cfg.DaysToExpire), nil
	}
	return cache.NewVault(resolver, downloader, plat, cfg.CacheDir, cfg.DataDir, cfg.DaysToExpire)
}

// ProvideFetchQueue provides the concurrent-fetch limiter
func ProvideFetchQueue(cfg *config.Config) *progress.FetchQueue {
	return progress.NewFetchQueue(cfg.MaxConcurrentFetches)
}
