package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/italolelis/tube_downloader/internal/acquisition"
	"github.com/italolelis/tube_downloader/internal/downloader"
	"github.com/italolelis/tube_downloader/internal/downloader/progress"
	"github.com/italolelis/tube_downloader/internal/storage"
	"github.com/italolelis/tube_downloader/internal/storage/sqlite"
	"github.com/italolelis/tube_downloader/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAcquirer writes a small media file into dir for every request.
type stubAcquirer struct {
	dir string
}

func (s *stubAcquirer) Acquire(_ context.Context, req acquisition.FetchRequest, onProgress acquisition.ProgressFunc) (*acquisition.Result, error) {
	onProgress(50)

	path := filepath.Join(s.dir, fmt.Sprintf("%d_0000abcd-Clip.%s", req.RecordID, req.Format))
	if err := os.WriteFile(path, []byte("0123456789"), 0o600); err != nil {
		return nil, err
	}

	return &acquisition.Result{FilePath: path, Title: "Clip", Thumbnail: "https://i.ytimg.com/t.jpg", Duration: 61}, nil
}

func (s *stubAcquirer) Metadata(context.Context, string) (*acquisition.Info, error) {
	return &acquisition.Info{Title: "Clip", Duration: 61, Uploader: "someone", Thumbnail: "https://i.ytimg.com/t.jpg", Formats: 7}, nil
}

type testServer struct {
	*httptest.Server
	mediaDir string
}

func newTestServer(t *testing.T, startWorkers bool) *testServer {
	t.Helper()

	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	mediaDir := t.TempDir()

	d := downloader.NewDownloader(
		sqlite.NewDownloadRepository(db),
		&stubAcquirer{dir: mediaDir},
		progress.NewTracker(),
		&telemetry.Telemetry{},
		downloader.Config{AllowedHosts: []string{"youtube.com", "youtu.be"}, MaxParallel: 1, QueueSize: 1},
	)

	if startWorkers {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})

		go func() {
			defer close(done)
			_ = d.Run(ctx)
		}()

		t.Cleanup(func() {
			cancel()
			<-done
		})
	}

	r := chi.NewRouter()
	r.Use(middleware.StripSlashes)
	r.Get("/healthz", HandleHealth)
	r.Mount("/", NewDownloadHandler(d, mediaDir).Routes())

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, mediaDir: mediaDir}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)

		reader = strings.NewReader(string(b))
	}

	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)

	req.Header.Set("User-Agent", "TestClient/1.0")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))

	return v
}

func (s *testServer) start(t *testing.T) int64 {
	t.Helper()

	resp := s.do(t, http.MethodPost, "/download/", CreateDownloadRequest{
		URL:      "https://youtu.be/abc12345678",
		Format:   "mp4",
		DeviceID: "d1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	created := decode[CreateDownloadResponse](t, resp)
	assert.Equal(t, "Download started", created.Message)
	require.NotZero(t, created.RequestID)

	return created.RequestID
}

func (s *testServer) waitCompleted(t *testing.T, id int64) StatusResponse {
	t.Helper()

	var status StatusResponse

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("%s/status/%d/", s.URL, id))
		if err != nil {
			return false
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&status) != nil {
			return false
		}

		return status.Status == storage.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	return status
}

func TestCreate_RejectsUnsupportedHost(t *testing.T) {
	s := newTestServer(t, false)

	resp := s.do(t, http.MethodPost, "/download/", CreateDownloadRequest{URL: "https://example.com/x", Format: "mp4", DeviceID: "d1"})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Only YouTube URLs are supported", decode[ErrorResponse](t, resp).Error)
}

func TestCreate_InvalidBody(t *testing.T) {
	s := newTestServer(t, false)

	resp, err := http.Post(s.URL+"/download", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreate_QueueFull(t *testing.T) {
	s := newTestServer(t, false)

	s.start(t)

	resp := s.do(t, http.MethodPost, "/download", CreateDownloadRequest{URL: "https://youtu.be/abc12345678", Format: "mp3", DeviceID: "d1"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatus_FlowToCompleted(t *testing.T) {
	s := newTestServer(t, true)

	id := s.start(t)

	status := s.waitCompleted(t, id)
	assert.NotEmpty(t, status.FilePath)
	assert.Equal(t, 100, status.Progress)
	assert.Equal(t, "Clip", status.VideoTitle)
	assert.Equal(t, storage.FormatVideo, status.Format)
	assert.Empty(t, status.Error)
}

func TestStatus_NotFound(t *testing.T) {
	s := newTestServer(t, false)

	for _, path := range []string{"/status/999/", "/status/abc"} {
		resp := s.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestHistory(t *testing.T) {
	s := newTestServer(t, true)

	resp := s.do(t, http.MethodGet, "/downloads/history/", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	id := s.start(t)
	status := s.waitCompleted(t, id)

	resp = s.do(t, http.MethodGet, "/downloads/history/?device_id=d1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	entries := decode[[]HistoryEntry](t, resp)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	assert.Equal(t, status.FilePath, entries[0].FilePath)
	assert.Equal(t, filepath.Base(status.FilePath), entries[0].FileName)
	assert.Equal(t, int64(10), entries[0].FileSize)
	assert.Equal(t, "https://www.youtube.com/watch?v=abc12345678", entries[0].URL)

	_, err := time.Parse(time.RFC3339, entries[0].CreatedAt)
	require.NoError(t, err)

	resp = s.do(t, http.MethodGet, "/downloads/history?device_id=other", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]HistoryEntry](t, resp))
}

func TestDelete_ScopedToDevice(t *testing.T) {
	s := newTestServer(t, true)

	id := s.start(t)
	status := s.waitCompleted(t, id)

	resp := s.do(t, http.MethodDelete, fmt.Sprintf("/downloads/delete/%d/", id), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(t, http.MethodDelete, fmt.Sprintf("/downloads/delete/%d/?device_id=d2", id), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.FileExists(t, status.FilePath)

	resp = s.do(t, http.MethodGet, fmt.Sprintf("/status/%d", id), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, http.MethodDelete, fmt.Sprintf("/downloads/delete/%d/", id), map[string]string{"device_id": "d1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "File deleted successfully", decode[MessageResponse](t, resp).Message)
	assert.NoFileExists(t, status.FilePath)

	resp = s.do(t, http.MethodGet, fmt.Sprintf("/status/%d", id), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServeFile(t *testing.T) {
	s := newTestServer(t, false)

	path := filepath.Join(s.mediaDir, "1_0000abcd-Clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o600))

	resp := s.do(t, http.MethodGet, "/download-file/?path="+url.QueryEscape(path), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `attachment; filename="1_0000abcd-Clip.mp4"`, resp.Header.Get("Content-Disposition"))
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))

	req, err := http.NewRequest(http.MethodGet, s.URL+"/play-file?path="+url.QueryEscape(path), nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=2-5")

	ranged, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer ranged.Body.Close()

	require.Equal(t, http.StatusPartialContent, ranged.StatusCode)
	assert.Equal(t, `inline; filename="1_0000abcd-Clip.mp4"`, ranged.Header.Get("Content-Disposition"))

	body, err := io.ReadAll(ranged.Body)
	require.NoError(t, err)
	assert.Equal(t, "2345", string(body))
}

func TestServeFile_Confined(t *testing.T) {
	s := newTestServer(t, false)

	outside := filepath.Join(t.TempDir(), "secret.mp3")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o600))

	tests := []string{
		"",
		outside,
		filepath.Join(s.mediaDir, "..", filepath.Base(filepath.Dir(outside)), "secret.mp3"),
		filepath.Join(s.mediaDir, "missing.mp4"),
		s.mediaDir,
	}

	for _, path := range tests {
		resp := s.do(t, http.MethodGet, "/play-file?path="+url.QueryEscape(path), nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestServeFile_OnlyMedia(t *testing.T) {
	s := newTestServer(t, false)

	dbPath := filepath.Join(s.mediaDir, "downloads.db")
	db, err := sqlite.InitDB(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = sqlite.NewDownloadRepository(db).CreateDownload(context.Background(), &storage.DownloadRecord{
		URL:      "https://www.youtube.com/watch?v=abc12345678",
		Format:   storage.FormatVideo,
		DeviceID: "device-secret",
	})
	require.NoError(t, err)

	partial := filepath.Join(s.mediaDir, "3_0000abcd-Clip.mp4.part")
	require.NoError(t, os.WriteFile(partial, []byte("01234"), 0o600))

	link := filepath.Join(s.mediaDir, "downloads.mp4")
	require.NoError(t, os.Symlink(dbPath, link))

	tests := []string{dbPath, dbPath + "-wal", partial, link}

	for _, path := range tests {
		for _, route := range []string{"/download-file", "/play-file"} {
			resp := s.do(t, http.MethodGet, route+"?path="+url.QueryEscape(path), nil)
			assert.Equal(t, http.StatusNotFound, resp.StatusCode, route+" "+path)
		}
	}
}

func TestServeFile_Excluded(t *testing.T) {
	dir := t.TempDir()

	kept := filepath.Join(dir, "kept.mp3")
	hidden := filepath.Join(dir, "hidden.mp3")

	for _, p := range []string{kept, hidden} {
		require.NoError(t, os.WriteFile(p, []byte("data"), 0o600))
	}

	h := NewDownloadHandler(nil, dir, hidden)

	rec := httptest.NewRecorder()
	h.HandlePlayFile(rec, httptest.NewRequest(http.MethodGet, "/play-file?path="+url.QueryEscape(hidden), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.HandlePlayFile(rec, httptest.NewRequest(http.MethodGet, "/play-file?path="+url.QueryEscape(kept), nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/mpeg", rec.Header().Get("Content-Type"))
}

func TestVideoInfo(t *testing.T) {
	s := newTestServer(t, false)

	resp := s.do(t, http.MethodGet, "/video-info/", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "URL is required", decode[ErrorResponse](t, resp).Error)

	resp = s.do(t, http.MethodGet, "/video-info?url=https://youtu.be/abc12345678", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	info := decode[VideoInfoResponse](t, resp)
	assert.Equal(t, "Clip", info.Title)
	assert.Equal(t, int64(61), info.Duration)
	assert.Equal(t, "someone", info.Uploader)
	assert.Equal(t, 7, info.Formats)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, false)

	resp := s.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]string](t, resp)["status"])
}

func TestFormatDownloadError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{
			name:    "validation",
			err:     fmt.Errorf("create: %w", &acquisition.ValidationError{Field: "url", Reason: "URL is required"}),
			status:  http.StatusBadRequest,
			message: "URL is required",
		},
		{
			name:    "not found",
			err:     fmt.Errorf("get: %w", storage.ErrNotFound),
			status:  http.StatusNotFound,
			message: "Download not found",
		},
		{
			name:    "queue full",
			err:     downloader.ErrQueueFull,
			status:  http.StatusServiceUnavailable,
			message: "Download queue is full, try again later",
		},
		{
			name:    "extraction",
			err:     &acquisition.AcquisitionError{URL: "u", Attempts: []*acquisition.AttemptError{{Attempt: "web", Err: errors.New("403")}}},
			status:  http.StatusInternalServerError,
			message: "Failed to fetch video information",
		},
		{
			name:    "unexpected errors are not leaked",
			err:     errors.New("database is locked: /var/lib/secret.db"),
			status:  http.StatusInternalServerError,
			message: "Internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, message := formatDownloadError(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.message, message)
		})
	}
}
