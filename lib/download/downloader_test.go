package download

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hwpplayers/multipass/lib/vault"
)

func acceptAll(vault.DownloadType, int) bool { return true }

func TestDownloadToWritesFile(t *testing.T) {
	content := bytes.Repeat([]byte("image-bytes."), 64*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Write(content)
	}))
	defer srv.Close()

	var percents []int
	monitor := func(_ vault.DownloadType, percent int) bool {
		percents = append(percents, percent)
		return true
	}

	path := filepath.Join(t.TempDir(), "image")
	d := New(time.Minute)
	require.NoError(t, d.DownloadTo(context.Background(), srv.URL, path, 0, vault.DownloadImage, monitor))

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, content, written)

	require.NotEmpty(t, percents)
	require.Equal(t, 100, percents[len(percents)-1])

	_, err = os.Stat(path + ".partial")
	require.True(t, os.IsNotExist(err))
}

func TestDownloadToAbortRemovesPartial(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 512*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Write(content)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "image")
	d := New(time.Minute)
	err := d.DownloadTo(context.Background(), srv.URL, path, 0, vault.DownloadImage,
		func(vault.DownloadType, int) bool { return false })
	require.ErrorIs(t, err, vault.ErrAbortedDownload)

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + ".partial")
	require.True(t, os.IsNotExist(err))
}

func TestDownloadToRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "image")
	d := New(time.Minute)
	err := d.DownloadTo(context.Background(), srv.URL, path, 0, vault.DownloadImage, acceptAll)
	require.ErrorContains(t, err, "unexpected status")
}

func TestDownloadRetriesTransientFailure(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"products":{}}`))
	}))
	defer srv.Close()

	d := New(time.Minute)
	data, err := d.Download(context.Background(), srv.URL)
	require.NoError(t, err)
	require.JSONEq(t, `{"products":{}}`, string(data))
	require.Equal(t, 2, attempts)
}

func TestLastModified(t *testing.T) {
	modified := time.Date(2019, 6, 25, 13, 15, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Last-Modified", modified.Format(http.TimeFormat))
	}))
	defer srv.Close()

	d := New(time.Minute)
	got, err := d.LastModified(context.Background(), srv.URL)
	require.NoError(t, err)
	require.True(t, got.Equal(modified))
}
