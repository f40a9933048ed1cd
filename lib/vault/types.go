package vault

import "time"

// QueryType describes how a Query's Release field should be interpreted.
type QueryType int

const (
	// QueryTypeAlias resolves Release against the registered catalog backends.
	QueryTypeAlias QueryType = iota
	// QueryTypeLocalFile treats Release as a path to an image on local disk.
	QueryTypeLocalFile
	// QueryTypeHTTPDownload treats Release as a raw image URL.
	QueryTypeHTTPDownload
)

// FetchType selects which artifacts a fetch must materialize.
type FetchType int

const (
	FetchImageOnly FetchType = iota
	FetchImageKernelAndInitrd
)

// DownloadType identifies which artifact a progress update refers to.
type DownloadType int

const (
	DownloadImage DownloadType = iota
	DownloadKernel
	DownloadInitrd
)

// Query is a symbolic request for an image. Immutable once constructed.
type Query struct {
	Name       string // instance identifier
	Release    string // alias, URL, or file path depending on Type
	RemoteName string // optional catalog scope
	Type       QueryType
	Persistent bool
}

// VMImageInfo is catalog metadata for a resolved image. Produced fresh on
// each lookup; never persisted directly.
type VMImageInfo struct {
	Aliases        []string
	OS             string
	Release        string
	ReleaseTitle   string
	Verify         bool // whether the download must hash to ID
	ImageLocation  string
	KernelLocation string
	InitrdLocation string
	ID             string // content hash
	StreamLocation string
	Version        string
	Size           int64
}

// VMImage is a materialized image: local paths plus identifying metadata.
// The vault owns the on-disk artifacts; callers receive paths only.
type VMImage struct {
	ImagePath       string   `json:"image_path"`
	KernelPath      string   `json:"kernel_path,omitempty"`
	InitrdPath      string   `json:"initrd_path,omitempty"`
	ID              string   `json:"id"`
	OriginalRelease string   `json:"original_release,omitempty"`
	ReleaseDate     string   `json:"release_date,omitempty"`
	Aliases         []string `json:"aliases,omitempty"`
	StreamLocation  string   `json:"stream_location,omitempty"`
}

// Prepare derives a per-instance image from a shared source image. Invoked
// at most once per content id over a vault's lifetime.
type Prepare func(source VMImage) (VMImage, error)

// ProgressMonitor receives whole-artifact progress updates. Percent is -1
// when progress is indeterminate. Returning false aborts the operation.
type ProgressMonitor func(kind DownloadType, percent int) bool

// VaultRecord binds a cached image to the query that produced it.
type VaultRecord struct {
	Image    VMImage   `json:"image"`
	Query    Query     `json:"query"`
	LastUsed time.Time `json:"last_used"`
}
