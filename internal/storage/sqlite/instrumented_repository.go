package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/tube_downloader/internal/storage"
	"github.com/italolelis/tube_downloader/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

// CreateDownload inserts a download with telemetry.
func (r *InstrumentedDownloadRepository) CreateDownload(ctx context.Context, rec *storage.DownloadRecord) (int64, error) {
	var id int64

	err := r.telemetry.InstrumentDBOperation(ctx, "create_download", func(ctx context.Context) error {
		var err error

		id, err = r.repo.CreateDownload(ctx, rec)

		return err
	})

	return id, err
}

// GetDownload retrieves a download with telemetry.
func (r *InstrumentedDownloadRepository) GetDownload(ctx context.Context, id int64) (*storage.DownloadRecord, error) {
	var result *storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_download", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetDownload(ctx, id)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// ListCompleted lists completed downloads with telemetry.
func (r *InstrumentedDownloadRepository) ListCompleted(ctx context.Context, deviceID string) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "list_completed", func(ctx context.Context) error {
		var err error

		result, err = r.repo.ListCompleted(ctx, deviceID)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// CompleteDownload completes a download with telemetry.
func (r *InstrumentedDownloadRepository) CompleteDownload(ctx context.Context, id int64, c storage.Completion) error {
	return r.telemetry.InstrumentDBOperation(ctx, "complete_download", func(ctx context.Context) error {
		return r.repo.CompleteDownload(ctx, id, c)
	})
}

// FailDownload fails a download with telemetry.
func (r *InstrumentedDownloadRepository) FailDownload(ctx context.Context, id int64, message string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "fail_download", func(ctx context.Context) error {
		return r.repo.FailDownload(ctx, id, message)
	})
}

// FailProcessing fails interrupted downloads with telemetry.
func (r *InstrumentedDownloadRepository) FailProcessing(ctx context.Context, message string) (int64, error) {
	var n int64

	err := r.telemetry.InstrumentDBOperation(ctx, "fail_processing", func(ctx context.Context) error {
		var err error

		n, err = r.repo.FailProcessing(ctx, message)

		return err
	})

	return n, err
}

// DeleteDownload deletes a download with telemetry.
func (r *InstrumentedDownloadRepository) DeleteDownload(ctx context.Context, id int64, deviceID string) (*storage.DownloadRecord, error) {
	var result *storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "delete_download", func(ctx context.Context) error {
		var err error

		result, err = r.repo.DeleteDownload(ctx, id, deviceID)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
