package vault

import (
	"context"
	"time"
)

// ImageVault acquires, verifies, and caches VM images. Two implementations
// exist: a local content-addressed cache (lib/cache) and one that delegates
// storage to a remote hypervisor control API (lib/remote). Implementations
// are safe for concurrent use.
type ImageVault interface {
	// FetchImage resolves query to a concrete image, materializes it, applies
	// prepare, and records the instance binding. Repeated calls for the same
	// query name return the recorded image without re-fetching.
	FetchImage(ctx context.Context, fetchType FetchType, query Query, prepare Prepare, monitor ProgressMonitor) (VMImage, error)

	// Remove deletes the instance binding for name. Removing an unknown name
	// is a no-op.
	Remove(ctx context.Context, name string) error

	// HasRecordFor reports whether an instance binding exists for name.
	HasRecordFor(ctx context.Context, name string) (bool, error)

	// PruneExpiredImages removes update-tracked source images whose last use
	// predates the configured expiry, and cleans up orphaned artifacts.
	PruneExpiredImages(ctx context.Context) error

	// UpdateImages refreshes every update-tracked source image that the
	// catalog reports a newer version for.
	UpdateImages(ctx context.Context, fetchType FetchType, prepare Prepare, monitor ProgressMonitor) error
}

// ImageHost is a catalog backend mapping queries and content ids to image
// metadata for one or more remotes.
type ImageHost interface {
	// InfoFor returns metadata for query, or nil when this host cannot
	// satisfy it.
	InfoFor(ctx context.Context, query Query) (*VMImageInfo, error)

	// InfoForFullHash returns metadata for a full content id.
	// Returns ErrImageNotFound when the id is unknown to this host.
	InfoForFullHash(ctx context.Context, id string) (*VMImageInfo, error)

	// SupportedRemotes lists the remote names this host serves.
	SupportedRemotes() []string
}

// Downloader is the transport-level collaborator that fetches artifacts.
type Downloader interface {
	// DownloadTo writes the artifact at url to path, reporting progress for
	// kind through monitor. A false return from monitor aborts the transfer
	// with ErrAbortedDownload.
	DownloadTo(ctx context.Context, url, path string, size int64, kind DownloadType, monitor ProgressMonitor) error

	// Download fetches url into memory. Used for small catalog manifests.
	Download(ctx context.Context, url string) ([]byte, error)

	// LastModified reports the artifact's last modification time.
	LastModified(ctx context.Context, url string) (time.Time, error)
}

// Platform answers host capability questions that gate query types and
// remote availability.
type Platform interface {
	IsRemoteSupported(name string) bool
	IsImageURLSupported() bool
}
