package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/tube_downloader/internal/acquisition"
	"github.com/italolelis/tube_downloader/internal/downloader"
	"github.com/italolelis/tube_downloader/internal/logctx"
	"github.com/italolelis/tube_downloader/internal/storage"
)

const maxBodySize = 1 << 20

// DownloadService is the record lifecycle the handlers drive. downloader.Downloader implements it.
type DownloadService interface {
	Create(ctx context.Context, req downloader.CreateRequest) (*storage.DownloadRecord, error)
	Get(ctx context.Context, id int64) (*storage.DownloadRecord, error)
	Progress(rec *storage.DownloadRecord) int
	ListCompleted(ctx context.Context, deviceID string) ([]storage.DownloadRecord, error)
	Delete(ctx context.Context, id int64, deviceID string) error
	VideoInfo(ctx context.Context, rawURL string) (*acquisition.Info, error)
}

type CreateDownloadRequest struct {
	URL      string `json:"url"`
	Format   string `json:"format"`
	DeviceID string `json:"device_id"`
}

type CreateDownloadResponse struct {
	Message   string `json:"message"`
	RequestID int64  `json:"request_id"`
}

type StatusResponse struct {
	Status         storage.Status `json:"status"`
	FilePath       string         `json:"file_path"`
	Progress       int            `json:"progress"`
	VideoTitle     string         `json:"video_title"`
	VideoThumbnail string         `json:"video_thumbnail"`
	Format         storage.Format `json:"format"`
	Error          string         `json:"error,omitempty"`
}

type VideoInfoResponse struct {
	Title     string `json:"title"`
	Duration  int64  `json:"duration"`
	Uploader  string `json:"uploader"`
	Thumbnail string `json:"thumbnail"`
	Formats   int    `json:"formats"`
}

type HistoryEntry struct {
	ID        int64          `json:"id"`
	Title     string         `json:"title"`
	FilePath  string         `json:"file_path"`
	FileName  string         `json:"file_name"`
	FileSize  int64          `json:"file_size"`
	Format    storage.Format `json:"format"`
	Thumbnail string         `json:"thumbnail"`
	Duration  int64          `json:"duration"`
	CreatedAt string         `json:"created_at"`
	URL       string         `json:"url"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// mediaExtensions are the files the handler serves. Anything else under the media directory,
// such as the database or partial downloads, is never exposed.
var mediaExtensions = map[string]string{
	".mp4":  "video/mp4",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".opus": "audio/ogg",
}

type DownloadHandler struct {
	svc      DownloadService
	mediaDir string
	exclude  map[string]struct{}
}

// NewDownloadHandler creates the handler serving the media files under mediaDir. Paths in
// exclude are never served even when they carry a media extension.
func NewDownloadHandler(svc DownloadService, mediaDir string, exclude ...string) *DownloadHandler {
	h := &DownloadHandler{
		svc:      svc,
		mediaDir: mediaDir,
		exclude:  make(map[string]struct{}, len(exclude)),
	}

	for _, p := range exclude {
		if abs, err := filepath.Abs(p); err == nil {
			h.exclude[abs] = struct{}{}

			if resolved, err := filepath.EvalSymlinks(abs); err == nil {
				h.exclude[resolved] = struct{}{}
			}
		}
	}

	return h
}

func (h *DownloadHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/download", h.HandleCreate)
	r.Get("/status/{id}", h.HandleStatus)
	r.Get("/download-file", h.HandleDownloadFile)
	r.Get("/play-file", h.HandlePlayFile)
	r.Get("/video-info", h.HandleVideoInfo)
	r.Get("/downloads/history", h.HandleHistory)
	r.Delete("/downloads/delete/{id}", h.HandleDelete)

	return r
}

// HandleCreate stores a new download and queues it for the workers.
func (h *DownloadHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req CreateDownloadRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		logger.Debug("failed to decode request", "err", err)
		writeJSON(r.Context(), w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})

		return
	}

	rec, err := h.svc.Create(r.Context(), downloader.CreateRequest{
		URL:       req.URL,
		Format:    req.Format,
		DeviceID:  req.DeviceID,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeError(r.Context(), w, err)

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, CreateDownloadResponse{
		Message:   "Download started",
		RequestID: rec.ID,
	})
}

// HandleStatus reports the lifecycle status and progress of one download.
func (h *DownloadHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(r.Context(), w, err)

		return
	}

	rec, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(r.Context(), w, err)

		return
	}

	resp := StatusResponse{
		Status:         rec.Status,
		FilePath:       rec.FilePath,
		Progress:       h.svc.Progress(rec),
		VideoTitle:     rec.Title,
		VideoThumbnail: rec.Thumbnail,
		Format:         rec.Format,
	}

	if rec.Status == storage.StatusFailed {
		resp.Error = rec.ErrorMessage
	}

	writeJSON(r.Context(), w, http.StatusOK, resp)
}

// HandleDownloadFile serves a media file as an attachment.
func (h *DownloadHandler) HandleDownloadFile(w http.ResponseWriter, r *http.Request) {
	h.serveFile(w, r, "attachment")
}

// HandlePlayFile streams a media file inline, with range support.
func (h *DownloadHandler) HandlePlayFile(w http.ResponseWriter, r *http.Request) {
	h.serveFile(w, r, "inline")
}

// HandleVideoInfo returns metadata about a video without downloading it.
func (h *DownloadHandler) HandleVideoInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.VideoInfo(r.Context(), r.URL.Query().Get("url"))
	if err != nil {
		writeError(r.Context(), w, err)

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, VideoInfoResponse{
		Title:     info.Title,
		Duration:  info.Duration,
		Uploader:  info.Uploader,
		Thumbnail: info.Thumbnail,
		Formats:   info.Formats,
	})
}

// HandleHistory lists the completed downloads of a device, newest first.
func (h *DownloadHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	records, err := h.svc.ListCompleted(r.Context(), r.URL.Query().Get("device_id"))
	if err != nil {
		writeError(r.Context(), w, err)

		return
	}

	entries := make([]HistoryEntry, 0, len(records))

	for _, rec := range records {
		fi, err := os.Stat(rec.FilePath)
		if err != nil {
			logger.Debug("skipping download with missing file", "download_id", rec.ID, "err", err)

			continue
		}

		title := rec.Title
		if title == "" {
			title = filepath.Base(rec.FilePath)
		}

		entries = append(entries, HistoryEntry{
			ID:        rec.ID,
			Title:     title,
			FilePath:  rec.FilePath,
			FileName:  filepath.Base(rec.FilePath),
			FileSize:  fi.Size(),
			Format:    rec.Format,
			Thumbnail: rec.Thumbnail,
			Duration:  rec.Duration,
			CreatedAt: rec.CreatedAt.Format(time.RFC3339),
			URL:       rec.URL,
		})
	}

	writeJSON(r.Context(), w, http.StatusOK, entries)
}

// HandleDelete removes a download and its file. The device id comes from the query string or
// a JSON body.
func (h *DownloadHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(r.Context(), w, err)

		return
	}

	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" && r.Body != nil {
		var body struct {
			DeviceID string `json:"device_id"`
		}

		// An empty or malformed body leaves deviceID empty, which Delete rejects.
		_ = json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&body)
		deviceID = body.DeviceID
	}

	if err := h.svc.Delete(r.Context(), id, deviceID); err != nil {
		writeError(r.Context(), w, err)

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, MessageResponse{Message: "File deleted successfully"})
}

func (h *DownloadHandler) serveFile(w http.ResponseWriter, r *http.Request, disposition string) {
	logger := logctx.LoggerFromContext(r.Context())

	path, err := h.resolveMediaPath(r.URL.Query().Get("path"))
	if err != nil {
		logger.Debug("refusing to serve file", "path", r.URL.Query().Get("path"), "err", err)
		writeJSON(r.Context(), w, http.StatusNotFound, ErrorResponse{Error: "File not found"})

		return
	}

	f, err := os.Open(path)
	if err != nil {
		writeJSON(r.Context(), w, http.StatusNotFound, ErrorResponse{Error: "File not found"})

		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil || !fi.Mode().IsRegular() {
		writeJSON(r.Context(), w, http.StatusNotFound, ErrorResponse{Error: "File not found"})

		return
	}

	name := filepath.Base(path)

	w.Header().Set("Content-Type", contentType(name))

	w.Header().Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, name))

	http.ServeContent(w, r, name, fi.ModTime(), f)
}

// resolveMediaPath returns the absolute form of raw if it names a media file inside the media
// directory.
func (h *DownloadHandler) resolveMediaPath(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("path is empty")
	}

	if contentType(raw) == "" {
		return "", fmt.Errorf("path %q is not a media file", raw)
	}

	root, err := filepath.Abs(h.mediaDir)
	if err != nil {
		return "", err
	}

	path, err := filepath.Abs(raw)
	if err != nil {
		return "", err
	}

	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}

	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", err
	}

	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the media directory", raw)
	}

	// A symlink named like media must still point at media.
	if contentType(path) == "" {
		return "", fmt.Errorf("path %q is not a media file", raw)
	}

	if _, ok := h.exclude[path]; ok {
		return "", fmt.Errorf("path %q is excluded", raw)
	}

	return path, nil
}

// contentType returns the MIME type of a servable media file, or "" for anything else.
func contentType(name string) string {
	return mediaExtensions[strings.ToLower(filepath.Ext(name))]
}

func parseID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		// Not a record id we could ever have issued.
		return 0, storage.ErrNotFound
	}

	return id, nil
}

// formatDownloadError maps an error to the HTTP status and the message safe to show the
// caller. Unknown errors never leak their text.
func formatDownloadError(err error) (int, string) {
	var validationErr *acquisition.ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusBadRequest, validationErr.Reason
	}

	if errors.Is(err, storage.ErrNotFound) {
		return http.StatusNotFound, "Download not found"
	}

	if errors.Is(err, downloader.ErrQueueFull) {
		return http.StatusServiceUnavailable, "Download queue is full, try again later"
	}

	var acquisitionErr *acquisition.AcquisitionError
	if errors.As(err, &acquisitionErr) {
		return http.StatusInternalServerError, "Failed to fetch video information"
	}

	return http.StatusInternalServerError, "Internal server error"
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status, message := formatDownloadError(err)

	if status >= http.StatusInternalServerError {
		logctx.LoggerFromContext(ctx).Error("failed to handle request", "err", err)
	}

	writeJSON(ctx, w, status, ErrorResponse{Error: message})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode response", "err", err)
	}
}
