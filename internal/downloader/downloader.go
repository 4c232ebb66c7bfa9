package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/tube_downloader/internal/acquisition"
	"github.com/italolelis/tube_downloader/internal/downloader/progress"
	"github.com/italolelis/tube_downloader/internal/logctx"
	"github.com/italolelis/tube_downloader/internal/storage"
	"github.com/italolelis/tube_downloader/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

const (
	eventBuffer = 32

	msgQueueFull   = "download queue is full"
	msgInterrupted = "download interrupted by server restart"
)

// ErrQueueFull is returned by Create when no job slot is free.
var ErrQueueFull = errors.New(msgQueueFull)

// Acquirer obtains media for a record. acquisition.Strategy implements it.
type Acquirer interface {
	Acquire(ctx context.Context, req acquisition.FetchRequest, onProgress acquisition.ProgressFunc) (*acquisition.Result, error)
	Metadata(ctx context.Context, url string) (*acquisition.Info, error)
}

// Config holds the downloader settings.
type Config struct {
	AllowedHosts []string
	MaxParallel  int
	QueueSize    int
}

// CreateRequest is the caller input for a new download.
type CreateRequest struct {
	URL       string
	Format    string
	DeviceID  string
	UserAgent string
}

type job struct {
	record storage.DownloadRecord
}

// Downloader owns the lifecycle of download records and runs acquisitions on a bounded pool
// of workers.
type Downloader struct {
	repo      storage.DownloadRepository
	acquirer  Acquirer
	tracker   *progress.Tracker
	telemetry *telemetry.Telemetry
	cfg       Config
	jobs      chan job

	// Events are delivered on buffered channels and dropped when nobody keeps up.
	OnDownloadFinished chan *storage.DownloadRecord
	OnDownloadFailed   chan *storage.DownloadRecord
}

func NewDownloader(
	repo storage.DownloadRepository,
	acquirer Acquirer,
	tracker *progress.Tracker,
	tel *telemetry.Telemetry,
	cfg Config,
) *Downloader {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}

	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}

	return &Downloader{
		repo:               repo,
		acquirer:           acquirer,
		tracker:            tracker,
		telemetry:          tel,
		cfg:                cfg,
		jobs:               make(chan job, cfg.QueueSize),
		OnDownloadFinished: make(chan *storage.DownloadRecord, eventBuffer),
		OnDownloadFailed:   make(chan *storage.DownloadRecord, eventBuffer),
	}
}

// Close closes the event channels. Call it after Run returned.
func (d *Downloader) Close() {
	close(d.OnDownloadFinished)
	close(d.OnDownloadFailed)
}

// Create validates the request, stores a processing record and queues it.
func (d *Downloader) Create(ctx context.Context, req CreateRequest) (*storage.DownloadRecord, error) {
	logger := logctx.LoggerFromContext(ctx)

	normalized, err := acquisition.NormalizeURL(req.URL, d.cfg.AllowedHosts)
	if err != nil {
		return nil, err
	}

	format, ok := storage.ParseFormat(req.Format)
	if !ok {
		return nil, &acquisition.ValidationError{Field: "format", Reason: "Format must be mp4 or mp3"}
	}

	if req.DeviceID == "" {
		return nil, &acquisition.ValidationError{Field: "device_id", Reason: "device_id is required"}
	}

	rec := &storage.DownloadRecord{
		URL:       normalized,
		Format:    format,
		DeviceID:  req.DeviceID,
		UserAgent: req.UserAgent,
		Status:    storage.StatusProcessing,
	}

	if _, err := d.repo.CreateDownload(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create download: %w", err)
	}

	select {
	case d.jobs <- job{record: *rec}:
		d.telemetry.AddQueued(1)
	default:
		if err := d.repo.FailDownload(ctx, rec.ID, msgQueueFull); err != nil {
			logger.ErrorContext(ctx, "failed to mark rejected download", "download_id", rec.ID, "err", err)
		}

		return nil, ErrQueueFull
	}

	logger.InfoContext(ctx, "download queued", "download_id", rec.ID, "format", rec.Format)

	return rec, nil
}

func (d *Downloader) Get(ctx context.Context, id int64) (*storage.DownloadRecord, error) {
	return d.repo.GetDownload(ctx, id)
}

// Progress returns the percentage to report for rec: 100 once completed, otherwise the
// tracker's value.
func (d *Downloader) Progress(rec *storage.DownloadRecord) int {
	if rec.Status == storage.StatusCompleted {
		return 100
	}

	return d.tracker.Get(rec.ID)
}

// ListCompleted returns the completed downloads of deviceID, newest first. Records whose file
// is gone are left out.
func (d *Downloader) ListCompleted(ctx context.Context, deviceID string) ([]storage.DownloadRecord, error) {
	if deviceID == "" {
		return nil, &acquisition.ValidationError{Field: "device_id", Reason: "device_id is required"}
	}

	records, err := d.repo.ListCompleted(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	available := make([]storage.DownloadRecord, 0, len(records))

	for _, rec := range records {
		if rec.FilePath == "" {
			continue
		}

		if _, err := os.Stat(rec.FilePath); err != nil {
			continue
		}

		available = append(available, rec)
	}

	return available, nil
}

// Delete removes the record id owned by deviceID and its file. A record owned by another
// device is reported as storage.ErrNotFound and left untouched.
func (d *Downloader) Delete(ctx context.Context, id int64, deviceID string) error {
	logger := logctx.LoggerFromContext(ctx)

	if deviceID == "" {
		return &acquisition.ValidationError{Field: "device_id", Reason: "device_id is required"}
	}

	rec, err := d.repo.GetDownload(ctx, id)
	if err != nil {
		return err
	}

	if rec.DeviceID != deviceID {
		return storage.ErrNotFound
	}

	if rec.FilePath != "" {
		if err := os.Remove(rec.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.ErrorContext(ctx, "failed to remove media file", "download_id", id, "file_path", rec.FilePath, "err", err)
		}
	}

	d.tracker.Clear(id)

	if _, err := d.repo.DeleteDownload(ctx, id, deviceID); err != nil {
		return err
	}

	logger.InfoContext(ctx, "download deleted", "download_id", id)

	return nil
}

// VideoInfo returns metadata of the video referenced by rawURL without downloading it.
func (d *Downloader) VideoInfo(ctx context.Context, rawURL string) (*acquisition.Info, error) {
	normalized, err := acquisition.NormalizeURL(rawURL, d.cfg.AllowedHosts)
	if err != nil {
		return nil, err
	}

	return d.acquirer.Metadata(ctx, normalized)
}

// FailInterrupted fails the records a previous process left in a non-terminal status.
func (d *Downloader) FailInterrupted(ctx context.Context) (int64, error) {
	n, err := d.repo.FailProcessing(ctx, msgInterrupted)
	if err != nil {
		return 0, fmt.Errorf("failed to fail interrupted downloads: %w", err)
	}

	if n > 0 {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed interrupted downloads", "count", n)
	}

	return n, nil
}

// Run starts the workers and blocks until ctx is cancelled. Jobs still queued at that point
// keep their processing status and are failed by FailInterrupted on the next start.
func (d *Downloader) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "starting download workers", "workers", d.cfg.MaxParallel, "queue_size", d.cfg.QueueSize)

	wg, ctx := errgroup.WithContext(ctx)

	for i := 0; i < d.cfg.MaxParallel; i++ {
		worker := i

		wg.Go(func() error {
			d.work(logctx.With(ctx, "worker", worker))

			return nil
		})
	}

	err := wg.Wait()

	logger.InfoContext(ctx, "download workers stopped")

	return err
}

func (d *Downloader) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.jobs:
			d.telemetry.AddQueued(-1)

			jobCtx := logctx.With(ctx, "download_id", j.record.ID)

			_ = d.telemetry.InstrumentDownload(jobCtx, string(j.record.Format), func(ctx context.Context) error {
				return d.process(ctx, j.record)
			})
		}
	}
}

func (d *Downloader) process(ctx context.Context, rec storage.DownloadRecord) error {
	logger := logctx.LoggerFromContext(ctx)
	start := time.Now()

	d.tracker.Set(rec.ID, 0)

	res, err := d.acquirer.Acquire(ctx, acquisition.FetchRequest{
		RecordID:  rec.ID,
		URL:       rec.URL,
		Format:    rec.Format,
		UserAgent: rec.UserAgent,
	}, func(percent float64) {
		d.tracker.Set(rec.ID, percent)
	})
	if err != nil {
		d.tracker.Clear(rec.ID)

		if ctx.Err() != nil {
			logger.WarnContext(ctx, "download interrupted by shutdown")

			return err
		}

		logger.ErrorContext(ctx, "download failed", "err", err)

		if failErr := d.repo.FailDownload(ctx, rec.ID, err.Error()); failErr != nil {
			logger.ErrorContext(ctx, "failed to mark download as failed", "err", failErr)
		}

		rec.Status = storage.StatusFailed
		rec.ErrorMessage = err.Error()
		d.emit(ctx, d.OnDownloadFailed, &rec)

		return err
	}

	err = d.repo.CompleteDownload(ctx, rec.ID, storage.Completion{
		FilePath:  res.FilePath,
		Title:     res.Title,
		Thumbnail: res.Thumbnail,
		Duration:  res.Duration,
	})
	if err != nil {
		d.tracker.Clear(rec.ID)

		// The record was deleted or already finalized while the worker was busy.
		if rmErr := os.Remove(res.FilePath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			logger.ErrorContext(ctx, "failed to remove orphaned media file", "file_path", res.FilePath, "err", rmErr)
		}

		return fmt.Errorf("failed to complete download: %w", err)
	}

	d.tracker.Complete(rec.ID)

	var size uint64
	if fi, err := os.Stat(res.FilePath); err == nil {
		size = uint64(fi.Size())
	}

	logger.InfoContext(ctx, "download completed",
		"title", res.Title,
		"file_path", res.FilePath,
		"file_size", humanize.Bytes(size),
		"took", time.Since(start).Round(time.Second).String(),
	)

	rec.Status = storage.StatusCompleted
	rec.FilePath = res.FilePath
	rec.Title = res.Title
	rec.Thumbnail = res.Thumbnail
	rec.Duration = res.Duration
	d.emit(ctx, d.OnDownloadFinished, &rec)

	return nil
}

func (d *Downloader) emit(ctx context.Context, ch chan *storage.DownloadRecord, rec *storage.DownloadRecord) {
	select {
	case ch <- rec:
	default:
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "dropping download event", "status", rec.Status)
	}
}
