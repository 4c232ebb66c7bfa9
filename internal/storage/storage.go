package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record matches the lookup. A record owned by
	// another device is reported the same way.
	ErrNotFound = errors.New("download record not found")
	// ErrInvalidTransition is returned when a record already reached a terminal status.
	ErrInvalidTransition = errors.New("download record is already in a terminal status")
)

// Status is the lifecycle state of a download record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Format is the requested output of an acquisition.
type Format string

const (
	FormatVideo Format = "mp4"
	FormatAudio Format = "mp3"
)

// ParseFormat maps the wire value to a Format. An empty value selects video.
func ParseFormat(s string) (Format, bool) {
	switch Format(s) {
	case "":
		return FormatVideo, true
	case FormatVideo, FormatAudio:
		return Format(s), true
	default:
		return "", false
	}
}

// DownloadRecord represents one requested acquisition.
type DownloadRecord struct {
	ID           int64
	URL          string
	Format       Format
	DeviceID     string
	UserAgent    string
	Status       Status
	FilePath     string
	Title        string
	Thumbnail    string
	Duration     int64
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Completion is the result metadata written when a record completes.
type Completion struct {
	FilePath  string
	Title     string
	Thumbnail string
	Duration  int64
}

type DownloadReadRepository interface {
	GetDownload(ctx context.Context, id int64) (*DownloadRecord, error)
	ListCompleted(ctx context.Context, deviceID string) ([]DownloadRecord, error)
}

type DownloadWriteRepository interface {
	CreateDownload(ctx context.Context, rec *DownloadRecord) (int64, error)
	CompleteDownload(ctx context.Context, id int64, c Completion) error
	FailDownload(ctx context.Context, id int64, message string) error
	FailProcessing(ctx context.Context, message string) (int64, error)
	DeleteDownload(ctx context.Context, id int64, deviceID string) (*DownloadRecord, error)
}

type DownloadRepository interface {
	DownloadReadRepository
	DownloadWriteRepository
}
