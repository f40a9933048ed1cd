package vault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	remotes []string
	infos   map[string]VMImageInfo // release -> info
	hashes  map[string]VMImageInfo // id -> info
}

func (h *fakeHost) InfoFor(_ context.Context, query Query) (*VMImageInfo, error) {
	if info, ok := h.infos[query.Release]; ok {
		return &info, nil
	}
	return nil, nil
}

func (h *fakeHost) InfoForFullHash(_ context.Context, id string) (*VMImageInfo, error) {
	if info, ok := h.hashes[id]; ok {
		return &info, nil
	}
	return nil, ErrImageNotFound
}

func (h *fakeHost) SupportedRemotes() []string { return h.remotes }

type fakePlatform struct {
	unsupported map[string]bool
}

func (p fakePlatform) IsRemoteSupported(name string) bool { return !p.unsupported[name] }
func (p fakePlatform) IsImageURLSupported() bool          { return true }

func TestResolverFirstMatchWins(t *testing.T) {
	first := &fakeHost{
		remotes: []string{"release"},
		infos:   map[string]VMImageInfo{"bionic": {ID: "from-first"}},
	}
	second := &fakeHost{
		remotes: []string{"daily"},
		infos:   map[string]VMImageInfo{"bionic": {ID: "from-second"}, "devel": {ID: "devel-id"}},
	}

	r := NewResolver([]ImageHost{first, second}, fakePlatform{})

	info, err := r.InfoFor(context.Background(), Query{Release: "bionic"})
	require.NoError(t, err)
	require.Equal(t, "from-first", info.ID)

	info, err = r.InfoFor(context.Background(), Query{Release: "devel"})
	require.NoError(t, err)
	require.Equal(t, "devel-id", info.ID)
}

func TestResolverScopedRemote(t *testing.T) {
	first := &fakeHost{
		remotes: []string{"release"},
		infos:   map[string]VMImageInfo{"bionic": {ID: "from-first"}},
	}
	second := &fakeHost{
		remotes: []string{"daily"},
		infos:   map[string]VMImageInfo{"bionic": {ID: "from-second"}},
	}

	r := NewResolver([]ImageHost{first, second}, fakePlatform{})

	info, err := r.InfoFor(context.Background(), Query{Release: "bionic", RemoteName: "daily"})
	require.NoError(t, err)
	require.Equal(t, "from-second", info.ID)
}

func TestResolverUnknownRemote(t *testing.T) {
	r := NewResolver([]ImageHost{&fakeHost{remotes: []string{"release"}}}, fakePlatform{})

	_, err := r.InfoFor(context.Background(), Query{Release: "bionic", RemoteName: "foo"})
	require.ErrorIs(t, err, ErrUnknownRemote)
}

func TestResolverFiltersUnsupportedRemotes(t *testing.T) {
	host := &fakeHost{
		remotes: []string{"snapcraft"},
		infos:   map[string]VMImageInfo{"core": {ID: "core-id"}},
	}

	r := NewResolver([]ImageHost{host}, fakePlatform{unsupported: map[string]bool{"snapcraft": true}})

	// The remote is known to the host but filtered out by the platform.
	_, err := r.InfoFor(context.Background(), Query{Release: "core", RemoteName: "snapcraft"})
	require.ErrorIs(t, err, ErrUnknownRemote)
}

func TestResolverNoMatch(t *testing.T) {
	r := NewResolver([]ImageHost{&fakeHost{remotes: []string{"release"}}}, fakePlatform{})

	_, err := r.InfoFor(context.Background(), Query{Release: "nope"})
	require.ErrorIs(t, err, ErrImageNotFound)
}

func TestResolverFullHash(t *testing.T) {
	miss := &fakeHost{remotes: []string{"release"}}
	hit := &fakeHost{
		remotes: []string{"daily"},
		hashes:  map[string]VMImageInfo{"abc123": {ID: "abc123", Release: "bionic"}},
	}

	r := NewResolver([]ImageHost{miss, hit}, fakePlatform{})

	info, err := r.InfoForFullHash(context.Background(), "abc123")
	require.NoError(t, err)
	require.Equal(t, "bionic", info.Release)

	_, err = r.InfoForFullHash(context.Background(), "unknown")
	require.ErrorIs(t, err, ErrImageNotFound)
}
