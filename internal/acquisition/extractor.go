package acquisition

import (
	"context"

	"github.com/italolelis/tube_downloader/internal/storage"
)

// ProgressFunc receives the percentage of the current attempt's transfer.
type ProgressFunc func(percent float64)

// FetchRequest is what the worker asks the strategy to acquire.
type FetchRequest struct {
	RecordID  int64
	URL       string
	Format    storage.Format
	UserAgent string // caller's user agent, used as the identity of the web profile
}

// FetchSpec is a single extractor invocation.
type FetchSpec struct {
	URL       string
	Format    storage.Format
	OutputDir string
	// Key prefixes every file of this job so the produced file can be found afterwards.
	Key     string
	Attempt Attempt
}

// Result describes the produced media file.
type Result struct {
	FilePath  string
	Title     string
	Thumbnail string
	Duration  int64
}

// Info is the metadata of a video fetched without downloading it.
type Info struct {
	Title     string
	Duration  int64
	Uploader  string
	Thumbnail string
	Formats   int
}

// Extractor is the external media-extraction capability.
type Extractor interface {
	Metadata(ctx context.Context, url string, attempt Attempt) (*Info, error)
	Fetch(ctx context.Context, spec FetchSpec, onProgress ProgressFunc) (*Result, error)
}
