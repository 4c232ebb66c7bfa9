package acquisition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/italolelis/tube_downloader/internal/logctx"
	"golang.org/x/time/rate"
)

// StrategyConfig configures how attempts are paced and retried.
type StrategyConfig struct {
	MediaDir       string
	Attempts       []Attempt
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxElapsed bounds the whole sequence of attempts, including backoff sleeps.
	MaxElapsed time.Duration
	// Limiter paces extractor calls across all workers. Nil means no pacing.
	Limiter *rate.Limiter
}

// Strategy tries the configured attempts in order until one produces a file.
type Strategy struct {
	extractor Extractor
	cfg       StrategyConfig
}

func NewStrategy(extractor Extractor, cfg StrategyConfig) *Strategy {
	if cfg.Limiter == nil {
		cfg.Limiter = rate.NewLimiter(rate.Inf, 1)
	}

	return &Strategy{extractor: extractor, cfg: cfg}
}

// NewLimiter builds a limiter allowing requestsPerMinute with the given burst. A non-positive
// rate disables pacing.
func NewLimiter(requestsPerMinute, burst int) *rate.Limiter {
	if requestsPerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}

	if burst < 1 {
		burst = 1
	}

	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), burst)
}

// Acquire fetches req.URL, writing the file under the media directory. The first attempt that
// produces a non-empty file wins. When every attempt fails the error is an *AcquisitionError.
func (s *Strategy) Acquire(ctx context.Context, req FetchRequest, onProgress ProgressFunc) (*Result, error) {
	key := fmt.Sprintf("%d_%s", req.RecordID, uuid.NewString()[:8])

	if err := os.MkdirAll(s.cfg.MediaDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}

	var result *Result

	err := s.run(ctx, req.URL, "fetch", func(ctx context.Context, a Attempt) error {
		if a.PlayerClient == "web" && req.UserAgent != "" {
			a.UserAgent = req.UserAgent
		}

		if onProgress != nil {
			onProgress(0)
		}

		res, err := s.extractor.Fetch(ctx, FetchSpec{
			URL:       req.URL,
			Format:    req.Format,
			OutputDir: s.cfg.MediaDir,
			Key:       key,
			Attempt:   a,
		}, onProgress)

		var size int64
		if err == nil {
			size, err = checkFile(res)
		}

		if err != nil {
			RemoveOutputs(s.cfg.MediaDir, key)

			return err
		}

		logctx.LoggerFromContext(ctx).InfoContext(ctx, "media file written",
			"file_path", res.FilePath, "file_size", humanize.Bytes(uint64(size)))

		result = res

		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Metadata returns video information, trying the attempts like Acquire does.
func (s *Strategy) Metadata(ctx context.Context, url string) (*Info, error) {
	var info *Info

	err := s.run(ctx, url, "metadata", func(ctx context.Context, a Attempt) error {
		i, err := s.extractor.Metadata(ctx, url, a)
		if err != nil {
			return err
		}

		info = i

		return nil
	})

	return info, err
}

func (s *Strategy) run(ctx context.Context, url, op string, fn func(ctx context.Context, a Attempt) error) error {
	logger := logctx.LoggerFromContext(ctx)

	if len(s.cfg.Attempts) == 0 {
		return &AcquisitionError{URL: url}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff

	var (
		failures []*AttemptError
		next     int
	)

	operation := func() (struct{}, error) {
		a := s.cfg.Attempts[next]
		next++

		if err := s.cfg.Limiter.Wait(ctx); err != nil {
			failures = append(failures, &AttemptError{Attempt: a.Name, Err: err})

			return struct{}{}, backoff.Permanent(err)
		}

		attemptCtx, cancel := withTimeout(ctx, a.Timeout)
		defer cancel()

		start := time.Now()

		err := fn(attemptCtx, a)
		if err == nil {
			logger.InfoContext(ctx, "attempt succeeded",
				"operation", op, "attempt", a.Name, "via_proxy", a.Proxy != "",
				"duration", time.Since(start).Round(time.Millisecond).String())

			return struct{}{}, nil
		}

		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}

		failures = append(failures, &AttemptError{Attempt: a.Name, Err: err})

		logger.WarnContext(ctx, "attempt failed",
			"operation", op, "attempt", a.Name, "via_proxy", a.Proxy != "",
			"duration", time.Since(start).Round(time.Millisecond).String(), "err", err)

		return struct{}{}, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(len(s.cfg.Attempts))),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.DebugContext(ctx, "backing off before next attempt", "wait", wait.String())
		}),
	}

	if s.cfg.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(s.cfg.MaxElapsed))
	}

	_, err := backoff.Retry(ctx, operation, opts...)
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	return &AcquisitionError{URL: url, Attempts: failures}
}

// checkFile verifies the produced file exists and is non-empty, returning its size.
func checkFile(res *Result) (int64, error) {
	if res == nil || res.FilePath == "" {
		return 0, errors.New("extractor reported no file")
	}

	fi, err := os.Stat(res.FilePath)
	if err != nil {
		return 0, fmt.Errorf("produced file is missing: %w", err)
	}

	if fi.Size() == 0 {
		return 0, errors.New("produced file is empty")
	}

	return fi.Size(), nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, d)
}
