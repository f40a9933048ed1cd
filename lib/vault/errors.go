package vault

import "errors"

var (
	// ErrImageNotFound means no catalog backend could resolve the query.
	ErrImageNotFound = errors.New("image not found")
	// ErrUnknownRemote means the query named a remote that is not registered.
	ErrUnknownRemote = errors.New("unknown remote")
	// ErrUnsupportedQuery means the platform disallows this query type.
	ErrUnsupportedQuery = errors.New("unsupported image query")
	// ErrCreateImage covers hash mismatches, missing downloaded artifacts,
	// and inconsistent catalog data.
	ErrCreateImage = errors.New("cannot create image")
	// ErrAbortedDownload means the progress monitor requested cancellation.
	ErrAbortedDownload = errors.New("download aborted")
)
