// Package cache implements the local content-addressed image vault: it
// downloads artifacts through a Downloader, verifies content hashes, and
// materializes prepared images on local storage.
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"

	"github.com/hwpplayers/multipass/lib/logger"
	"github.com/hwpplayers/multipass/lib/vault"
)

// Vault is the local-fetch image vault. Safe for concurrent use: record
// maps are mutex-guarded and downloads are deduplicated per content id.
type Vault struct {
	resolver     *vault.Resolver
	downloader   vault.Downloader
	platform     vault.Platform
	cacheDir     string
	dataDir      string
	daysToExpire int

	mu              sync.Mutex
	imageRecords    map[string]vault.VaultRecord // content id -> shared source
	instanceRecords map[string]vault.VaultRecord // instance name -> prepared copy
	fetches         singleflight.Group
}

var _ vault.ImageVault = (*Vault)(nil)

// NewVault creates a local vault over cacheDir (shared sources) and dataDir
// (per-instance images), reloading any records persisted by a previous run.
func NewVault(resolver *vault.Resolver, downloader vault.Downloader, platform vault.Platform, cacheDir, dataDir string, daysToExpire int) (*Vault, error) {
	v := &Vault{
		resolver:     resolver,
		downloader:   downloader,
		platform:     platform,
		cacheDir:     cacheDir,
		dataDir:      dataDir,
		daysToExpire: daysToExpire,
	}

	var err error
	if v.imageRecords, err = loadRecords(v.imageRecordsPath()); err != nil {
		return nil, fmt.Errorf("load image records: %w", err)
	}
	if v.instanceRecords, err = loadRecords(v.instanceRecordsPath()); err != nil {
		return nil, fmt.Errorf("load instance records: %w", err)
	}

	return v, nil
}

func (v *Vault) imagesDir() string        { return filepath.Join(v.cacheDir, "vault", "images") }
func (v *Vault) instancesDir() string     { return filepath.Join(v.dataDir, "vault", "instances") }
func (v *Vault) imageRecordsPath() string { return filepath.Join(v.cacheDir, imageRecordsFile) }
func (v *Vault) instanceRecordsPath() string {
	return filepath.Join(v.dataDir, instanceRecordsFile)
}

// FetchImage implements vault.ImageVault.
func (v *Vault) FetchImage(ctx context.Context, fetchType vault.FetchType, query vault.Query, prepare vault.Prepare, monitor vault.ProgressMonitor) (vault.VMImage, error) {
	v.mu.Lock()
	rec, ok := v.instanceRecords[query.Name]
	v.mu.Unlock()
	if ok && imageFilesPresent(rec.Image) {
		v.touchInstance(ctx, query.Name)
		return rec.Image, nil
	}
	// A record whose artifact went missing falls through to a re-fetch.

	if query.Type != vault.QueryTypeAlias && !v.platform.IsImageURLSupported() {
		return vault.VMImage{}, fmt.Errorf("%w: http and file based images are not supported", vault.ErrUnsupportedQuery)
	}

	info, id, err := v.resolveQuery(ctx, query)
	if err != nil {
		return vault.VMImage{}, err
	}

	prepared, err := v.sourceImageFor(ctx, fetchType, query, info, id, prepare, monitor)
	if err != nil {
		return vault.VMImage{}, err
	}

	image, err := v.instanceImageFrom(query.Name, prepared)
	if err != nil {
		return vault.VMImage{}, err
	}

	v.mu.Lock()
	v.instanceRecords[query.Name] = vault.VaultRecord{Image: image, Query: query, LastUsed: time.Now()}
	err = saveRecords(v.instanceRecordsPath(), v.instanceRecords)
	v.mu.Unlock()
	if err != nil {
		return vault.VMImage{}, err
	}

	return image, nil
}

// Remove implements vault.ImageVault. Removing an unknown name is a no-op.
func (v *Vault) Remove(ctx context.Context, name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.instanceRecords[name]; !ok {
		logger.FromContext(ctx).Warn("instance does not exist, not removing", "name", name)
		return nil
	}

	delete(v.instanceRecords, name)
	if err := saveRecords(v.instanceRecordsPath(), v.instanceRecords); err != nil {
		return err
	}

	return os.RemoveAll(filepath.Join(v.instancesDir(), name))
}

// HasRecordFor implements vault.ImageVault.
func (v *Vault) HasRecordFor(_ context.Context, name string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.instanceRecords[name]
	return ok, nil
}

// PruneExpiredImages implements vault.ImageVault. It removes update-tracked
// sources past their expiry and any artifact directory with no backing
// record (leftovers from a crash mid-fetch).
func (v *Vault) PruneExpiredImages(ctx context.Context) error {
	log := logger.FromContext(ctx)
	now := time.Now()

	v.mu.Lock()
	defer v.mu.Unlock()

	expired := lo.PickBy(v.imageRecords, func(_ string, rec vault.VaultRecord) bool {
		return rec.Query.Type == vault.QueryTypeAlias && !now.Before(rec.LastUsed.AddDate(0, 0, v.daysToExpire))
	})

	for id, rec := range expired {
		log.Info("removing expired source image", "release", rec.Image.OriginalRelease, "id", id)
		v.removeImageDirs(ctx, rec.Image)
		delete(v.imageRecords, id)
	}

	if err := saveRecords(v.imageRecordsPath(), v.imageRecords); err != nil {
		return err
	}

	return v.removeOrphanedDirs(ctx)
}

// UpdateImages implements vault.ImageVault. A failure to update one image
// is logged and the rest are still tried.
func (v *Vault) UpdateImages(ctx context.Context, fetchType vault.FetchType, prepare vault.Prepare, monitor vault.ProgressMonitor) error {
	log := logger.FromContext(ctx)

	v.mu.Lock()
	tracked := lo.PickBy(v.imageRecords, func(_ string, rec vault.VaultRecord) bool {
		return rec.Query.Type == vault.QueryTypeAlias
	})
	v.mu.Unlock()

	for id, rec := range tracked {
		release := rec.Query.Release
		log.Info("checking if image needs updating", "release", release)

		info, err := v.resolver.InfoFor(ctx, rec.Query)
		if err != nil {
			log.Warn("cannot check image for updates", "release", release, "error", err)
			continue
		}
		if info.ID == id {
			log.Info("no image update", "release", release)
			continue
		}

		if _, err := v.sourceImageFor(ctx, fetchType, rec.Query, info, info.ID, prepare, monitor); err != nil {
			if errors.Is(err, vault.ErrAbortedDownload) {
				return err
			}
			log.Warn("image update failed", "release", release, "error", err)
			continue
		}

		// The new source is in place: drop the superseded one. Instance
		// copies made from it stay valid until those instances refetch.
		v.mu.Lock()
		old, ok := v.imageRecords[id]
		if ok {
			delete(v.imageRecords, id)
			if err := saveRecords(v.imageRecordsPath(), v.imageRecords); err != nil {
				v.mu.Unlock()
				return err
			}
		}
		v.mu.Unlock()

		if ok {
			v.removeImageDirs(ctx, old.Image)
		}
		log.Info("image update complete", "release", release, "version", info.Version)
	}

	return nil
}

// resolveQuery produces catalog metadata and the effective content id for
// query. URL and local-file queries have no catalog entry, so their id is
// derived from the location string to keep repeated requests cacheable.
func (v *Vault) resolveQuery(ctx context.Context, query vault.Query) (*vault.VMImageInfo, string, error) {
	switch query.Type {
	case vault.QueryTypeLocalFile:
		path := strings.TrimPrefix(query.Release, "file://")
		info, err := os.Stat(path)
		if err != nil {
			return nil, "", fmt.Errorf("image file %q not found: %w", path, err)
		}
		id := hashString(query.Release)
		return &vault.VMImageInfo{
			ImageLocation: path,
			ID:            id,
			Version:       info.ModTime().UTC().Format("20060102150405"),
		}, id, nil

	case vault.QueryTypeHTTPDownload:
		modified, err := v.downloader.LastModified(ctx, query.Release)
		if err != nil {
			return nil, "", fmt.Errorf("check %q: %w", query.Release, err)
		}
		id := hashString(query.Release)
		return &vault.VMImageInfo{
			ImageLocation: query.Release,
			ID:            id,
			Version:       modified.UTC().Format("20060102150405"),
		}, id, nil

	default:
		info, err := v.resolver.InfoFor(ctx, query)
		if err != nil {
			if errors.Is(err, vault.ErrImageNotFound) {
				return nil, "", fmt.Errorf("%w: %w", vault.ErrCreateImage, err)
			}
			return nil, "", err
		}
		return info, info.ID, nil
	}
}

// sourceImageFor returns the prepared source image for id, fetching and
// preparing it when not already cached. Concurrent requests for the same
// id share one fetch.
func (v *Vault) sourceImageFor(ctx context.Context, fetchType vault.FetchType, query vault.Query, info *vault.VMImageInfo, id string, prepare vault.Prepare, monitor vault.ProgressMonitor) (vault.VMImage, error) {
	result, err, _ := v.fetches.Do(id, func() (any, error) {
		v.mu.Lock()
		rec, ok := v.imageRecords[id]
		v.mu.Unlock()
		if ok && imageFilesPresent(rec.Image) {
			v.touchImage(ctx, id)
			return rec.Image, nil
		}

		return v.fetchAndPrepare(ctx, fetchType, query, info, id, prepare, monitor)
	})
	if err != nil {
		return vault.VMImage{}, err
	}

	return result.(vault.VMImage), nil
}

func (v *Vault) fetchAndPrepare(ctx context.Context, fetchType vault.FetchType, query vault.Query, info *vault.VMImageInfo, id string, prepare vault.Prepare, monitor vault.ProgressMonitor) (vault.VMImage, error) {
	staging := filepath.Join(v.imagesDir(), "staging-"+uuid.NewString())
	if err := os.MkdirAll(staging, 0755); err != nil {
		return vault.VMImage{}, fmt.Errorf("create staging directory: %w", err)
	}

	source, err := v.downloadArtifacts(ctx, fetchType, info, id, staging, monitor)
	if err != nil {
		os.RemoveAll(staging)
		return vault.VMImage{}, err
	}

	if query.Type == vault.QueryTypeAlias && info.Verify {
		sum, err := hashFile(source.ImagePath)
		if err != nil {
			os.RemoveAll(staging)
			return vault.VMImage{}, fmt.Errorf("%w: %v", vault.ErrCreateImage, err)
		}
		if sum != id {
			os.RemoveAll(staging)
			return vault.VMImage{}, fmt.Errorf("%w: hash of downloaded image does not match %q", vault.ErrCreateImage, id)
		}
	}

	final := filepath.Join(v.imagesDir(), dirNameFor(info, query, id))
	if err := os.RemoveAll(final); err != nil {
		os.RemoveAll(staging)
		return vault.VMImage{}, fmt.Errorf("clear image directory: %w", err)
	}
	if err := os.Rename(staging, final); err != nil {
		os.RemoveAll(staging)
		return vault.VMImage{}, fmt.Errorf("move image into place: %w", err)
	}
	source = rebaseImage(source, staging, final)

	prepared, err := prepare(source)
	if err != nil {
		os.RemoveAll(final)
		return vault.VMImage{}, fmt.Errorf("prepare image: %w", err)
	}

	v.mu.Lock()
	v.imageRecords[id] = vault.VaultRecord{Image: prepared, Query: query, LastUsed: time.Now()}
	err = saveRecords(v.imageRecordsPath(), v.imageRecords)
	v.mu.Unlock()
	if err != nil {
		return vault.VMImage{}, err
	}

	return prepared, nil
}

// downloadArtifacts acquires the image and, when requested, kernel and
// initrd into dir. Each artifact reports progress independently.
func (v *Vault) downloadArtifacts(ctx context.Context, fetchType vault.FetchType, info *vault.VMImageInfo, id, dir string, monitor vault.ProgressMonitor) (vault.VMImage, error) {
	imagePath := filepath.Join(dir, fileNameFor(info.ImageLocation))
	if err := v.acquireArtifact(ctx, info.ImageLocation, imagePath, info.Size, vault.DownloadImage, monitor); err != nil {
		return vault.VMImage{}, err
	}
	if !fileExists(imagePath) {
		return vault.VMImage{}, fmt.Errorf("%w: image file missing after download", vault.ErrCreateImage)
	}

	image := vault.VMImage{
		ImagePath:       imagePath,
		ID:              id,
		OriginalRelease: info.ReleaseTitle,
		ReleaseDate:     info.Version,
		Aliases:         info.Aliases,
		StreamLocation:  info.StreamLocation,
	}

	if fetchType == vault.FetchImageKernelAndInitrd {
		if info.KernelLocation != "" {
			image.KernelPath = filepath.Join(dir, fileNameFor(info.KernelLocation))
			if err := v.acquireArtifact(ctx, info.KernelLocation, image.KernelPath, 0, vault.DownloadKernel, monitor); err != nil {
				return vault.VMImage{}, err
			}
		}
		if info.InitrdLocation != "" {
			image.InitrdPath = filepath.Join(dir, fileNameFor(info.InitrdLocation))
			if err := v.acquireArtifact(ctx, info.InitrdLocation, image.InitrdPath, 0, vault.DownloadInitrd, monitor); err != nil {
				return vault.VMImage{}, err
			}
		}
	}

	return image, nil
}

// acquireArtifact fetches one artifact, by plain copy for local files and
// through the downloader otherwise.
func (v *Vault) acquireArtifact(ctx context.Context, location, dest string, size int64, kind vault.DownloadType, monitor vault.ProgressMonitor) error {
	if filepath.IsAbs(location) {
		if err := copyFile(location, dest); err != nil {
			return err
		}
		monitor(kind, 100)
		return nil
	}

	return v.downloader.DownloadTo(ctx, location, dest, size, kind, monitor)
}

// instanceImageFrom gives the instance its own copy of the prepared image.
func (v *Vault) instanceImageFrom(name string, prepared vault.VMImage) (vault.VMImage, error) {
	dir := filepath.Join(v.instancesDir(), name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return vault.VMImage{}, fmt.Errorf("create instance directory: %w", err)
	}

	image := prepared
	image.ImagePath = filepath.Join(dir, filepath.Base(prepared.ImagePath))
	if err := copyFile(prepared.ImagePath, image.ImagePath); err != nil {
		return vault.VMImage{}, err
	}

	if prepared.KernelPath != "" {
		image.KernelPath = filepath.Join(dir, filepath.Base(prepared.KernelPath))
		if err := copyFile(prepared.KernelPath, image.KernelPath); err != nil {
			return vault.VMImage{}, err
		}
	}
	if prepared.InitrdPath != "" {
		image.InitrdPath = filepath.Join(dir, filepath.Base(prepared.InitrdPath))
		if err := copyFile(prepared.InitrdPath, image.InitrdPath); err != nil {
			return vault.VMImage{}, err
		}
	}

	return image, nil
}

// removeImageDirs deletes the directories holding an image's artifacts.
// Failures are logged; pruning and updates continue past them.
func (v *Vault) removeImageDirs(ctx context.Context, image vault.VMImage) {
	log := logger.FromContext(ctx)

	dirs := lo.Uniq(lo.FilterMap([]string{image.ImagePath, image.KernelPath, image.InitrdPath},
		func(p string, _ int) (string, bool) {
			return filepath.Dir(p), p != ""
		}))

	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("cannot remove image directory", "dir", dir, "error", err)
		}
	}
}

// removeOrphanedDirs deletes entries under the images directory that no
// record references. Caller holds the lock.
func (v *Vault) removeOrphanedDirs(ctx context.Context) error {
	log := logger.FromContext(ctx)

	entries, err := os.ReadDir(v.imagesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read images directory: %w", err)
	}

	valid := map[string]bool{}
	for _, rec := range v.imageRecords {
		for _, p := range []string{rec.Image.ImagePath, rec.Image.KernelPath, rec.Image.InitrdPath} {
			if p != "" {
				valid[filepath.Dir(p)] = true
			}
		}
	}

	for _, entry := range entries {
		dir := filepath.Join(v.imagesDir(), entry.Name())
		if valid[dir] {
			continue
		}
		log.Info("removing orphaned image directory", "dir", dir)
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("cannot remove orphaned directory", "dir", dir, "error", err)
		}
	}

	return nil
}

func (v *Vault) touchInstance(ctx context.Context, name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if rec, ok := v.instanceRecords[name]; ok {
		rec.LastUsed = time.Now()
		v.instanceRecords[name] = rec
		if err := saveRecords(v.instanceRecordsPath(), v.instanceRecords); err != nil {
			logger.FromContext(ctx).Warn("cannot save instance records", "error", err)
		}
	}
}

func (v *Vault) touchImage(ctx context.Context, id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if rec, ok := v.imageRecords[id]; ok {
		rec.LastUsed = time.Now()
		v.imageRecords[id] = rec
		if err := saveRecords(v.imageRecordsPath(), v.imageRecords); err != nil {
			logger.FromContext(ctx).Warn("cannot save image records", "error", err)
		}
	}
}

// dirNameFor names the shared source directory: release-version for
// catalog images, the id prefix otherwise.
func dirNameFor(info *vault.VMImageInfo, query vault.Query, id string) string {
	if query.Type == vault.QueryTypeAlias {
		return fmt.Sprintf("%s-%s", info.Release, info.Version)
	}
	return id[:12]
}

// rebaseImage rewrites artifact paths from the staging directory to the
// final one.
func rebaseImage(image vault.VMImage, from, to string) vault.VMImage {
	rebase := func(p string) string {
		if p == "" {
			return ""
		}
		return filepath.Join(to, strings.TrimPrefix(p, from+string(filepath.Separator)))
	}

	image.ImagePath = rebase(image.ImagePath)
	image.KernelPath = rebase(image.KernelPath)
	image.InitrdPath = rebase(image.InitrdPath)
	return image
}
