package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hwpplayers/multipass/lib/logger"
	"github.com/hwpplayers/multipass/lib/progress"
	"github.com/hwpplayers/multipass/lib/vault"
)

type fetchRequest struct {
	Release    string `json:"release"`
	Remote     string `json:"remote,omitempty"`
	Type       string `json:"type,omitempty"`       // alias (default), file, url
	FetchType  string `json:"fetch_type,omitempty"` // image (default), image-kernel-initrd
	Persistent bool   `json:"persistent,omitempty"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// The daemon has no backend-specific preparation step; instances get the
// source image as is.
func identityPrepare(source vault.VMImage) (vault.VMImage, error) {
	return source, nil
}

// FetchImage starts an asynchronous fetch for the named instance.
func (s *ApiService) FetchImage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "bad_request", Message: err.Error()})
		return
	}

	state, ok := s.beginFetch(name)
	if !ok {
		writeJSON(w, http.StatusConflict, errorResponse{Code: "conflict", Message: "fetch already in progress"})
		return
	}

	query := vault.Query{
		Name:       name,
		Release:    req.Release,
		RemoteName: req.Remote,
		Type:       queryTypeFrom(req.Type),
		Persistent: req.Persistent,
	}
	fetchType := fetchTypeFrom(req.FetchType)

	// The fetch outlives this request; carry only the logger over.
	ctx := logger.AddToContext(context.Background(), logger.FromContext(r.Context()))

	position := s.Queue.Enqueue(name, func() {
		defer s.Queue.MarkComplete(name)
		defer state.done.Store(true)

		monitor := func(kind vault.DownloadType, percent int) bool {
			if state.abort.Load() {
				return false
			}
			state.tracker.Update(kind, percent)
			return true
		}

		image, err := s.Vault.FetchImage(ctx, fetchType, query, identityPrepare, monitor)
		switch {
		case errors.Is(err, vault.ErrAbortedDownload):
			state.tracker.Abort()
		case err != nil:
			state.tracker.Fail(err)
		default:
			state.tracker.Complete(image)
		}
	})

	writeJSON(w, http.StatusAccepted, map[string]any{
		"name":           name,
		"queue_position": position,
	})
}

// GetImage returns the recorded image for an instance.
func (s *ApiService) GetImage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ctx := r.Context()

	has, err := s.Vault.HasRecordFor(ctx, name)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "error", Message: err.Error()})
		return
	}
	if !has {
		writeJSON(w, http.StatusNotFound, errorResponse{Code: "not_found", Message: "no image for instance"})
		return
	}

	// An existing record short-circuits the fetch, so this performs no
	// network activity.
	image, err := s.Vault.FetchImage(ctx, vault.FetchImageOnly, vault.Query{Name: name}, identityPrepare,
		func(vault.DownloadType, int) bool { return true })
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "error", Message: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, image)
}

// RemoveImage deletes the instance's image binding.
func (s *ApiService) RemoveImage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := s.Vault.Remove(r.Context(), name); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "error", Message: err.Error()})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// AbortFetch cancels the instance's in-flight fetch.
func (s *ApiService) AbortFetch(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	s.mu.Lock()
	state, ok := s.fetches[name]
	s.mu.Unlock()
	if !ok || state.done.Load() {
		writeJSON(w, http.StatusNotFound, errorResponse{Code: "not_found", Message: "no fetch in progress"})
		return
	}

	state.abort.Store(true)
	w.WriteHeader(http.StatusAccepted)
}

// StreamProgress streams fetch updates for an instance as server-sent
// events.
func (s *ApiService) StreamProgress(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	s.mu.Lock()
	state, ok := s.fetches[name]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Code: "not_found", Message: "no fetch for instance"})
		return
	}

	ch, err := state.tracker.Subscribe(r.Context())
	if err != nil {
		writeJSON(w, http.StatusGone, errorResponse{Code: "gone", Message: err.Error()})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "error", Message: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	reader := progress.ToSSEReader(ch)
	defer reader.Close()

	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			flusher.Flush()
		}
		if err != nil {
			return
		}
	}
}

// UpdateImages refreshes all update-tracked source images.
func (s *ApiService) UpdateImages(w http.ResponseWriter, r *http.Request) {
	err := s.Vault.UpdateImages(r.Context(), vault.FetchImageOnly, identityPrepare,
		func(vault.DownloadType, int) bool { return true })
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "error", Message: err.Error()})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PruneImages removes expired and orphaned source images.
func (s *ApiService) PruneImages(w http.ResponseWriter, r *http.Request) {
	if err := s.Vault.PruneExpiredImages(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "error", Message: err.Error()})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// beginFetch registers a fetch for name. Returns false while another fetch
// for the same name is still running.
func (s *ApiService) beginFetch(name string) (*fetchState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.fetches[name]; ok {
		if !existing.done.Load() {
			return nil, false
		}
		// Release anyone still streaming the finished fetch.
		existing.tracker.Close()
	}

	state := &fetchState{tracker: progress.NewTracker(name)}
	s.fetches[name] = state
	return state, true
}

func queryTypeFrom(s string) vault.QueryType {
	switch s {
	case "file":
		return vault.QueryTypeLocalFile
	case "url":
		return vault.QueryTypeHTTPDownload
	default:
		return vault.QueryTypeAlias
	}
}

func fetchTypeFrom(s string) vault.FetchType {
	if s == "image-kernel-initrd" {
		return vault.FetchImageKernelAndInitrd
	}
	return vault.FetchImageOnly
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
