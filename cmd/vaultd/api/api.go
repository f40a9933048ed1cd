package api

import (
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/hwpplayers/multipass/cmd/vaultd/config"
	"github.com/hwpplayers/multipass/lib/progress"
	"github.com/hwpplayers/multipass/lib/vault"
)

// ApiService exposes the image vault over HTTP.
type ApiService struct {
	Config *config.Config
	Vault  vault.ImageVault
	Queue  *progress.FetchQueue

	mu      sync.Mutex
	fetches map[string]*fetchState
}

// fetchState tracks one instance's in-flight fetch.
type fetchState struct {
	tracker *progress.Tracker
	abort   atomic.Bool
	done    atomic.Bool
}

// New creates a new ApiService
func New(cfg *config.Config, v vault.ImageVault, queue *progress.FetchQueue) *ApiService {
	return &ApiService{
		Config:  cfg,
		Vault:   v,
		Queue:   queue,
		fetches: make(map[string]*fetchState),
	}
}

// Routes mounts the vault API.
func (s *ApiService) Routes(r chi.Router) {
	r.Route("/1.0", func(r chi.Router) {
		r.Put("/instances/{name}/image", s.FetchImage)
		r.Get("/instances/{name}/image", s.GetImage)
		r.Delete("/instances/{name}/image", s.RemoveImage)
		r.Get("/instances/{name}/image/progress", s.StreamProgress)
		r.Post("/instances/{name}/image/abort", s.AbortFetch)
		r.Post("/images/update", s.UpdateImages)
		r.Post("/images/prune", s.PruneImages)
	})
}
