package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/italolelis/tube_downloader/internal/storage"
)

const maxErrorMessageLen = 500

// timeLayout is fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

const selectColumns = `id, url, format, device_id, user_agent, status, file_path, title,
	thumbnail, duration, error_message, created_at, updated_at`

type DownloadRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn, now: time.Now}
}

// CreateDownload inserts a record and returns its id. CreatedAt and UpdatedAt are set on rec.
func (r *DownloadRepository) CreateDownload(ctx context.Context, rec *storage.DownloadRecord) (int64, error) {
	now := r.now().UTC()

	status := rec.Status
	if status == "" {
		status = storage.StatusPending
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO downloads (url, format, device_id, user_agent, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.URL, string(rec.Format), rec.DeviceID, rec.UserAgent, string(status),
		now.Format(timeLayout), now.Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert download: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted id: %w", err)
	}

	rec.ID = id
	rec.Status = status
	rec.CreatedAt = now
	rec.UpdatedAt = now

	return id, nil
}

func (r *DownloadRepository) GetDownload(ctx context.Context, id int64) (*storage.DownloadRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM downloads WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get download %d: %w", id, err)
	}

	return rec, nil
}

// ListCompleted returns the completed records of a device, newest first.
func (r *DownloadRepository) ListCompleted(ctx context.Context, deviceID string) ([]storage.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM downloads
		WHERE status = ? AND device_id = ?
		ORDER BY created_at DESC, id DESC`,
		string(storage.StatusCompleted), deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	defer rows.Close()

	var downloads []storage.DownloadRecord

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		downloads = append(downloads, *rec)
	}

	return downloads, rows.Err()
}

// CompleteDownload moves a non-terminal record to completed.
func (r *DownloadRepository) CompleteDownload(ctx context.Context, id int64, c storage.Completion) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE downloads
		SET status = ?, file_path = ?, title = ?, thumbnail = ?, duration = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(storage.StatusCompleted), c.FilePath, c.Title, c.Thumbnail, c.Duration,
		r.now().UTC().Format(timeLayout),
		id, string(storage.StatusPending), string(storage.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("failed to complete download %d: %w", id, err)
	}

	return r.checkTransition(ctx, res, id)
}

// FailDownload moves a non-terminal record to failed.
func (r *DownloadRepository) FailDownload(ctx context.Context, id int64, message string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE downloads
		SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(storage.StatusFailed), truncate(message, maxErrorMessageLen),
		r.now().UTC().Format(timeLayout),
		id, string(storage.StatusPending), string(storage.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("failed to fail download %d: %w", id, err)
	}

	return r.checkTransition(ctx, res, id)
}

// FailProcessing fails every record left in a non-terminal status and returns how many were updated.
func (r *DownloadRepository) FailProcessing(ctx context.Context, message string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE downloads
		SET status = ?, error_message = ?, updated_at = ?
		WHERE status IN (?, ?)`,
		string(storage.StatusFailed), truncate(message, maxErrorMessageLen),
		r.now().UTC().Format(timeLayout),
		string(storage.StatusPending), string(storage.StatusProcessing),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to fail processing downloads: %w", err)
	}

	return res.RowsAffected()
}

// DeleteDownload removes the record owned by deviceID and returns it.
func (r *DownloadRepository) DeleteDownload(ctx context.Context, id int64, deviceID string) (*storage.DownloadRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM downloads WHERE id = ? AND device_id = ?`, id, deviceID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get download %d: %w", id, err)
	}

	res, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ? AND device_id = ?`, id, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete download %d: %w", id, err)
	}

	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, storage.ErrNotFound
	}

	return rec, nil
}

func (r *DownloadRepository) checkTransition(ctx context.Context, res sql.Result, id int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected > 0 {
		return nil
	}

	if _, err := r.GetDownload(ctx, id); err != nil {
		return err
	}

	return storage.ErrInvalidTransition
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*storage.DownloadRecord, error) {
	var (
		rec                  storage.DownloadRecord
		format, status       string
		createdAt, updatedAt string
	)

	err := s.Scan(
		&rec.ID, &rec.URL, &format, &rec.DeviceID, &rec.UserAgent, &status, &rec.FilePath, &rec.Title,
		&rec.Thumbnail, &rec.Duration, &rec.ErrorMessage, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Format = storage.Format(format)
	rec.Status = storage.Status(status)
	rec.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	rec.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)

	return &rec, nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}

	return s[:n]
}
