// Package catalog resolves image aliases against a simplestreams manifest.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/hwpplayers/multipass/lib/vault"
)

// Item ftypes carrying the artifacts we care about.
const (
	ftypeImage  = "disk1.img"
	ftypeKernel = "kernel"
	ftypeInitrd = "initrd"
)

type manifest struct {
	Products map[string]product `json:"products"`
}

type product struct {
	Aliases      string             `json:"aliases"`
	OS           string             `json:"os"`
	Release      string             `json:"release"`
	ReleaseTitle string             `json:"release_title"`
	Versions     map[string]version `json:"versions"`
}

type version struct {
	Items map[string]item `json:"items"`
}

type item struct {
	FType  string `json:"ftype"`
	SHA256 string `json:"sha256"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
}

// Host serves image metadata for one remote from a simplestreams manifest.
// The manifest is fetched lazily and cached until Update is called.
type Host struct {
	remote     string
	streamURL  string
	downloader vault.Downloader

	mu       sync.Mutex
	manifest *manifest
}

// NewHost creates a catalog host for remote backed by the manifest at
// streamURL + "/streams/v1/index.json".
func NewHost(remote, streamURL string, downloader vault.Downloader) *Host {
	return &Host{
		remote:     remote,
		streamURL:  strings.TrimSuffix(streamURL, "/"),
		downloader: downloader,
	}
}

// SupportedRemotes lists the remote names this host serves.
func (h *Host) SupportedRemotes() []string {
	return []string{h.remote}
}

// Update discards the cached manifest so the next lookup refetches it.
func (h *Host) Update() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.manifest = nil
}

// InfoFor resolves an alias query. Returns nil when no product in the
// manifest carries the alias.
func (h *Host) InfoFor(ctx context.Context, query vault.Query) (*vault.VMImageInfo, error) {
	m, err := h.load(ctx)
	if err != nil {
		return nil, err
	}

	for _, p := range m.Products {
		aliases := strings.Split(p.Aliases, ",")
		if !slices.Contains(aliases, query.Release) && p.Release != query.Release {
			continue
		}
		return h.infoForProduct(p)
	}

	return nil, nil
}

// InfoForFullHash scans the manifest for an image with the given content id.
func (h *Host) InfoForFullHash(ctx context.Context, id string) (*vault.VMImageInfo, error) {
	m, err := h.load(ctx)
	if err != nil {
		return nil, err
	}

	for _, p := range m.Products {
		for _, v := range p.Versions {
			image, ok := lo.Find(lo.Values(v.Items), func(i item) bool {
				return i.FType == ftypeImage && i.SHA256 == id
			})
			if ok {
				info := h.infoForVersion(p, latestVersionName(p), v, image)
				return info, nil
			}
		}
	}

	return nil, fmt.Errorf("%w: no image with hash %q in remote %q", vault.ErrImageNotFound, id, h.remote)
}

func (h *Host) load(ctx context.Context) (*manifest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.manifest != nil {
		return h.manifest, nil
	}

	data, err := h.downloader.Download(ctx, h.streamURL+"/streams/v1/index.json")
	if err != nil {
		return nil, fmt.Errorf("fetch manifest for remote %q: %w", h.remote, err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest for remote %q: %w", h.remote, err)
	}

	h.manifest = &m
	return h.manifest, nil
}

func (h *Host) infoForProduct(p product) (*vault.VMImageInfo, error) {
	name := latestVersionName(p)
	if name == "" {
		return nil, nil
	}

	v := p.Versions[name]
	image, ok := lo.Find(lo.Values(v.Items), func(i item) bool { return i.FType == ftypeImage })
	if !ok {
		return nil, nil
	}

	return h.infoForVersion(p, name, v, image), nil
}

func (h *Host) infoForVersion(p product, name string, v version, image item) *vault.VMImageInfo {
	info := &vault.VMImageInfo{
		Aliases:        strings.Split(p.Aliases, ","),
		OS:             p.OS,
		Release:        p.Release,
		ReleaseTitle:   p.ReleaseTitle,
		Verify:         true,
		ImageLocation:  h.streamURL + "/" + image.Path,
		ID:             image.SHA256,
		StreamLocation: h.streamURL,
		Version:        name,
		Size:           image.Size,
	}

	for _, i := range v.Items {
		switch i.FType {
		case ftypeKernel:
			info.KernelLocation = h.streamURL + "/" + i.Path
		case ftypeInitrd:
			info.InitrdLocation = h.streamURL + "/" + i.Path
		}
	}

	return info
}

// latestVersionName returns the newest version key. Version names are
// dates, so lexicographic order matches chronological order.
func latestVersionName(p product) string {
	names := lo.Keys(p.Versions)
	if len(names) == 0 {
		return ""
	}
	return slices.Max(names)
}
