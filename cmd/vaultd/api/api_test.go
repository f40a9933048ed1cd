package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/hwpplayers/multipass/cmd/vaultd/config"
	"github.com/hwpplayers/multipass/lib/progress"
	"github.com/hwpplayers/multipass/lib/vault"
)

// stubVault scripts ImageVault behavior per test.
type stubVault struct {
	mu        sync.Mutex
	fetchFn   func(ctx context.Context, query vault.Query, monitor vault.ProgressMonitor) (vault.VMImage, error)
	hasRecord bool
	removed   []string
	updated   bool
	pruned    bool
}

func (s *stubVault) FetchImage(ctx context.Context, _ vault.FetchType, query vault.Query, _ vault.Prepare, monitor vault.ProgressMonitor) (vault.VMImage, error) {
	return s.fetchFn(ctx, query, monitor)
}

func (s *stubVault) Remove(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, name)
	return nil
}

func (s *stubVault) HasRecordFor(context.Context, string) (bool, error) {
	return s.hasRecord, nil
}

func (s *stubVault) PruneExpiredImages(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruned = true
	return nil
}

func (s *stubVault) UpdateImages(context.Context, vault.FetchType, vault.Prepare, vault.ProgressMonitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated = true
	return nil
}

func newTestAPI(v *stubVault) (*ApiService, chi.Router) {
	s := New(&config.Config{}, v, progress.NewFetchQueue(2))
	r := chi.NewRouter()
	s.Routes(r)
	return s, r
}

func putFetch(t *testing.T, r chi.Router, name string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/1.0/instances/"+name+"/image", bytes.NewReader(payload))
	r.ServeHTTP(rec, req)
	return rec
}

func TestFetchImageAcceptedAndRecordedQuery(t *testing.T) {
	fetched := make(chan vault.Query, 1)
	v := &stubVault{fetchFn: func(_ context.Context, query vault.Query, _ vault.ProgressMonitor) (vault.VMImage, error) {
		fetched <- query
		return vault.VMImage{ID: "abc"}, nil
	}}
	_, r := newTestAPI(v)

	rec := putFetch(t, r, "valley-pied-piper", map[string]any{"release": "bionic", "remote": "release"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Name          string `json:"name"`
		QueuePosition int    `json:"queue_position"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "valley-pied-piper", resp.Name)
	require.Equal(t, 0, resp.QueuePosition)

	select {
	case query := <-fetched:
		require.Equal(t, "valley-pied-piper", query.Name)
		require.Equal(t, "bionic", query.Release)
		require.Equal(t, "release", query.RemoteName)
		require.Equal(t, vault.QueryTypeAlias, query.Type)
	case <-time.After(time.Second):
		t.Fatal("fetch not started")
	}
}

func TestFetchImageConflictWhileRunning(t *testing.T) {
	release := make(chan struct{})
	v := &stubVault{fetchFn: func(context.Context, vault.Query, vault.ProgressMonitor) (vault.VMImage, error) {
		<-release
		return vault.VMImage{}, nil
	}}
	_, r := newTestAPI(v)
	defer close(release)

	rec := putFetch(t, r, "valley-pied-piper", map[string]any{"release": "bionic"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = putFetch(t, r, "valley-pied-piper", map[string]any{"release": "bionic"})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestNewFetchClosesSupersededTracker(t *testing.T) {
	v := &stubVault{fetchFn: func(context.Context, vault.Query, vault.ProgressMonitor) (vault.VMImage, error) {
		return vault.VMImage{ID: "abc"}, nil
	}}
	s, r := newTestAPI(v)

	rec := putFetch(t, r, "valley-pied-piper", map[string]any{"release": "bionic"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		state, ok := s.fetches["valley-pied-piper"]
		return ok && state.done.Load()
	}, time.Second, 5*time.Millisecond)

	s.mu.Lock()
	previous := s.fetches["valley-pied-piper"]
	s.mu.Unlock()
	ch, err := previous.tracker.Subscribe(context.Background())
	require.NoError(t, err)

	rec = putFetch(t, r, "valley-pied-piper", map[string]any{"release": "bionic"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	// The replaced tracker must close its subscriber channels rather than
	// leave them waiting on their request contexts.
	deadline := time.After(time.Second)
	for {
		select {
		case _, open := <-ch:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("superseded tracker left its subscriber open")
		}
	}
}

func TestGetImageWithoutRecord(t *testing.T) {
	v := &stubVault{hasRecord: false}
	_, r := newTestAPI(v)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/1.0/instances/valley-pied-piper/image", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetImageReturnsRecorded(t *testing.T) {
	v := &stubVault{
		hasRecord: true,
		fetchFn: func(context.Context, vault.Query, vault.ProgressMonitor) (vault.VMImage, error) {
			return vault.VMImage{ID: "abc", ImagePath: "/vault/instances/valley-pied-piper/ubuntu.img"}, nil
		},
	}
	_, r := newTestAPI(v)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/1.0/instances/valley-pied-piper/image", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var image vault.VMImage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &image))
	require.Equal(t, "abc", image.ID)
}

func TestRemoveImage(t *testing.T) {
	v := &stubVault{}
	_, r := newTestAPI(v)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/1.0/instances/valley-pied-piper/image", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []string{"valley-pied-piper"}, v.removed)
}

func TestAbortWithoutFetch(t *testing.T) {
	v := &stubVault{}
	_, r := newTestAPI(v)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/1.0/instances/valley-pied-piper/image/abort", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAbortStopsFetch(t *testing.T) {
	aborted := make(chan struct{})
	v := &stubVault{fetchFn: func(_ context.Context, _ vault.Query, monitor vault.ProgressMonitor) (vault.VMImage, error) {
		for monitor(vault.DownloadImage, 10) {
			time.Sleep(5 * time.Millisecond)
		}
		close(aborted)
		return vault.VMImage{}, vault.ErrAbortedDownload
	}}
	_, r := newTestAPI(v)

	rec := putFetch(t, r, "valley-pied-piper", map[string]any{"release": "bionic"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/1.0/instances/valley-pied-piper/image/abort", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case <-aborted:
	case <-time.After(time.Second):
		t.Fatal("fetch not aborted")
	}
}

func TestStreamProgressEmitsReady(t *testing.T) {
	proceed := make(chan struct{})
	v := &stubVault{fetchFn: func(context.Context, vault.Query, vault.ProgressMonitor) (vault.VMImage, error) {
		<-proceed
		return vault.VMImage{ID: "abc"}, nil
	}}
	_, r := newTestAPI(v)

	srv := httptest.NewServer(r)
	defer srv.Close()

	rec := putFetch(t, r, "valley-pied-piper", map[string]any{"release": "bionic"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/1.0/instances/valley-pied-piper/image/progress", nil)
	require.NoError(t, err)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	close(proceed)

	scanner := bufio.NewScanner(resp.Body)
	var sawReady bool
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, `"state":"ready"`) {
			require.Contains(t, line, `"id":"abc"`)
			sawReady = true
			break
		}
	}
	require.True(t, sawReady)
}

func TestUpdateAndPruneEndpoints(t *testing.T) {
	v := &stubVault{}
	_, r := newTestAPI(v)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/1.0/images/update", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.True(t, v.updated)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/1.0/images/prune", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.True(t, v.pruned)
}
