package acquisition

import (
	"context"

	"github.com/italolelis/tube_downloader/internal/telemetry"
)

// InstrumentedExtractor wraps an Extractor with telemetry. Every call is recorded under the
// name of the client profile the attempt used.
type InstrumentedExtractor struct {
	extractor Extractor
	telemetry *telemetry.Telemetry
}

// NewInstrumentedExtractor creates a new instrumented extractor.
func NewInstrumentedExtractor(extractor Extractor, tel *telemetry.Telemetry) *InstrumentedExtractor {
	return &InstrumentedExtractor{
		extractor: extractor,
		telemetry: tel,
	}
}

// Metadata fetches metadata with telemetry.
func (e *InstrumentedExtractor) Metadata(ctx context.Context, url string, a Attempt) (*Info, error) {
	var result *Info

	err := e.telemetry.InstrumentAttempt(ctx, a.PlayerClient, "metadata", func(ctx context.Context) error {
		var err error

		result, err = e.extractor.Metadata(ctx, url, a)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Fetch downloads media with telemetry.
func (e *InstrumentedExtractor) Fetch(ctx context.Context, spec FetchSpec, onProgress ProgressFunc) (*Result, error) {
	var result *Result

	err := e.telemetry.InstrumentAttempt(ctx, spec.Attempt.PlayerClient, "fetch", func(ctx context.Context) error {
		var err error

		result, err = e.extractor.Fetch(ctx, spec, onProgress)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
