package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hwpplayers/multipass/lib/logger"
	"github.com/hwpplayers/multipass/lib/vault"
)

// Vault delegates image storage and pulls to the remote hypervisor. The
// polling loop blocks the calling goroutine for the operation's duration;
// callers wanting concurrency run fetches from their own goroutines.
type Vault struct {
	client       *Client
	resolver     *vault.Resolver
	platform     vault.Platform
	daysToExpire int
	pollInterval time.Duration
}

var _ vault.ImageVault = (*Vault)(nil)

// NewVault creates a remote-delegating vault polling operations once a
// second.
func NewVault(client *Client, resolver *vault.Resolver, platform vault.Platform, daysToExpire int) *Vault {
	return &Vault{
		client:       client,
		resolver:     resolver,
		platform:     platform,
		daysToExpire: daysToExpire,
		pollInterval: time.Second,
	}
}

// instanceConfig is the slice of the remote instance resource we read.
type instanceConfig struct {
	Config map[string]string `json:"config"`
}

// imageEntry is the slice of the remote image resource we read.
type imageEntry struct {
	Fingerprint  string          `json:"fingerprint"`
	LastUsedAt   string          `json:"last_used_at"`
	UpdateSource json.RawMessage `json:"update_source"`
	Properties   struct {
		Release string `json:"release"`
	} `json:"properties"`
}

// FetchImage implements vault.ImageVault. The prepare step is carried out
// remotely as part of the pull, so the callback is not invoked here.
func (v *Vault) FetchImage(ctx context.Context, fetchType vault.FetchType, query vault.Query, prepare vault.Prepare, monitor vault.ProgressMonitor) (vault.VMImage, error) {
	// An existing instance keeps its recorded base image; recover it
	// best effort and reuse the binding when the catalog still knows it.
	if image, ok := v.recordedImageFor(ctx, query.Name); ok {
		return image, nil
	}

	if query.Type != vault.QueryTypeAlias && !v.platform.IsImageURLSupported() {
		return vault.VMImage{}, fmt.Errorf("%w: http and file based images are not supported", vault.ErrUnsupportedQuery)
	}

	info, err := v.resolver.InfoFor(ctx, query)
	if err != nil {
		return vault.VMImage{}, err
	}

	image := imageFromInfo(info.ID, info)

	if _, err := v.client.Get(ctx, "/images/"+info.ID); err == nil {
		return image, nil
	} else if !errors.Is(err, ErrNotFound) {
		return vault.VMImage{}, err
	}

	source := map[string]any{
		"type":       "image",
		"mode":       "pull",
		"server":     info.StreamLocation,
		"protocol":   "simplestreams",
		"image_type": "virtual-machine",
	}
	if strings.HasPrefix(info.ID, query.Release) {
		source["fingerprint"] = info.ID
	} else {
		source["alias"] = query.Release
	}

	resp, err := v.client.Post(ctx, "/images", map[string]any{"source": source})
	if err != nil {
		return vault.VMImage{}, err
	}

	if err := v.pollOperation(ctx, resp, monitor, nil); err != nil {
		return vault.VMImage{}, err
	}

	return image, nil
}

// Remove implements vault.ImageVault. Removal of an unknown instance is a
// logged no-op.
func (v *Vault) Remove(ctx context.Context, name string) error {
	if _, err := v.client.Delete(ctx, "/virtual-machines/"+name); err != nil {
		if errors.Is(err, ErrNotFound) {
			logger.FromContext(ctx).Warn("instance does not exist, not removing", "name", name)
			return nil
		}
		return err
	}
	return nil
}

// HasRecordFor implements vault.ImageVault.
func (v *Vault) HasRecordFor(ctx context.Context, name string) (bool, error) {
	if _, err := v.client.Get(ctx, "/virtual-machines/"+name); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// PruneExpiredImages implements vault.ImageVault. One image's deletion
// failure does not stop the sweep.
func (v *Vault) PruneExpiredImages(ctx context.Context) error {
	log := logger.FromContext(ctx)

	images, err := v.listImages(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, image := range images {
		if image.UpdateSource == nil {
			continue
		}

		lastUsed, err := time.Parse(time.RFC3339Nano, image.LastUsedAt)
		if err != nil {
			log.Warn("cannot parse image last use", "fingerprint", image.Fingerprint, "error", err)
			continue
		}
		if now.Before(lastUsed.AddDate(0, 0, v.daysToExpire)) {
			continue
		}

		log.Info("source image expired, removing", "release", image.Properties.Release)
		if _, err := v.client.Delete(ctx, "/images/"+image.Fingerprint); err != nil {
			log.Warn("cannot remove expired image", "fingerprint", image.Fingerprint, "error", err)
		}
	}

	return nil
}

// UpdateImages implements vault.ImageVault: every update-tracked remote
// image gets a refresh request, polled to completion.
func (v *Vault) UpdateImages(ctx context.Context, fetchType vault.FetchType, prepare vault.Prepare, monitor vault.ProgressMonitor) error {
	log := logger.FromContext(ctx)

	images, err := v.listImages(ctx)
	if err != nil {
		return err
	}

	for _, image := range images {
		if image.UpdateSource == nil {
			continue
		}

		release := image.Properties.Release
		log.Info("checking if image needs updating", "release", release)

		resp, err := v.client.Post(ctx, "/images/"+image.Fingerprint+"/refresh", nil)
		if err != nil {
			log.Warn("cannot refresh image", "release", release, "error", err)
			continue
		}

		complete := func(metadata json.RawMessage) {
			var result struct {
				Refreshed bool `json:"refreshed"`
			}
			json.Unmarshal(metadata, &result)
			if result.Refreshed {
				log.Info("image update complete", "release", release)
			} else {
				log.Info("no image update", "release", release)
			}
		}

		if err := v.pollOperation(ctx, resp, monitor, complete); err != nil {
			if errors.Is(err, vault.ErrAbortedDownload) {
				return err
			}
			log.Warn("image update failed", "release", release, "error", err)
		}
	}

	return nil
}

// recordedImageFor recovers an existing instance's base image binding.
// Best effort: any failure just means the instance does not exist yet.
func (v *Vault) recordedImageFor(ctx context.Context, name string) (vault.VMImage, bool) {
	resp, err := v.client.Get(ctx, "/virtual-machines/"+name)
	if err != nil {
		return vault.VMImage{}, false
	}

	var cfg instanceConfig
	if err := json.Unmarshal(resp.Metadata, &cfg); err != nil {
		return vault.VMImage{}, false
	}

	id := cfg.Config["volatile.base_image"]
	if id == "" {
		return vault.VMImage{}, false
	}

	info, err := v.resolver.InfoForFullHash(ctx, id)
	if err != nil {
		return vault.VMImage{}, false
	}

	return imageFromInfo(id, info), true
}

func (v *Vault) listImages(ctx context.Context) ([]imageEntry, error) {
	resp, err := v.client.Get(ctx, "/images?recursion=1")
	if err != nil {
		return nil, err
	}

	var images []imageEntry
	if err := json.Unmarshal(resp.Metadata, &images); err != nil {
		return nil, fmt.Errorf("decode image list: %w", err)
	}

	return images, nil
}

func imageFromInfo(id string, info *vault.VMImageInfo) vault.VMImage {
	return vault.VMImage{
		ID:              id,
		OriginalRelease: info.ReleaseTitle,
		ReleaseDate:     info.Version,
		Aliases:         info.Aliases,
		StreamLocation:  info.StreamLocation,
	}
}
