package vault

import (
	"context"
	"fmt"

	"github.com/samber/lo"
)

// Resolver maps a version query to authoritative image metadata by
// consulting an ordered list of catalog backends. Registration order is
// significant: the first backend that answers wins.
type Resolver struct {
	hosts     []ImageHost
	remoteMap map[string]ImageHost
}

// NewResolver builds a resolver over hosts. The remote-name map is built
// once here, keeping only remotes the platform supports.
func NewResolver(hosts []ImageHost, platform Platform) *Resolver {
	remoteMap := make(map[string]ImageHost)
	for _, host := range hosts {
		supported := lo.Filter(host.SupportedRemotes(), func(remote string, _ int) bool {
			return platform.IsRemoteSupported(remote)
		})
		for _, remote := range supported {
			if _, ok := remoteMap[remote]; !ok {
				remoteMap[remote] = host
			}
		}
	}

	return &Resolver{
		hosts:     hosts,
		remoteMap: remoteMap,
	}
}

// InfoFor resolves query to image metadata. A query with a remote name is
// answered only by that remote's backend; otherwise backends are consulted
// in registration order.
func (r *Resolver) InfoFor(ctx context.Context, query Query) (*VMImageInfo, error) {
	if query.RemoteName != "" {
		host, ok := r.remoteMap[query.RemoteName]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRemote, query.RemoteName)
		}

		info, err := host.InfoFor(ctx, query)
		if err != nil {
			return nil, err
		}
		if info != nil {
			return info, nil
		}
	} else {
		for _, host := range r.hosts {
			info, err := host.InfoFor(ctx, query)
			if err != nil {
				return nil, err
			}
			if info != nil {
				return info, nil
			}
		}
	}

	return nil, fmt.Errorf("%w: no image matching %q", ErrImageNotFound, query.Release)
}

// InfoForFullHash resolves a full content id, used when re-resolving an
// existing instance's recorded base image. Backends that do not know the
// id are skipped.
func (r *Resolver) InfoForFullHash(ctx context.Context, id string) (*VMImageInfo, error) {
	for _, host := range r.hosts {
		info, err := host.InfoForFullHash(ctx, id)
		if err != nil {
			continue
		}
		return info, nil
	}

	return nil, fmt.Errorf("%w: no image with hash %q", ErrImageNotFound, id)
}
