package acquisition

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/tube_downloader/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExtractor fails for the attempt names in failFor and otherwise writes a file.
type fakeExtractor struct {
	mu       sync.Mutex
	failFor  map[string]error
	empty    bool
	block    bool
	calls    []FetchSpec
	progress []float64
}

func (f *fakeExtractor) Metadata(_ context.Context, _ string, a Attempt) (*Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.failFor[a.Name]; ok {
		return nil, err
	}

	return &Info{Title: "Title", Duration: 61, Uploader: "someone", Formats: 12}, nil
}

func (f *fakeExtractor) Fetch(ctx context.Context, spec FetchSpec, onProgress ProgressFunc) (*Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, spec)
	failErr, fail := f.failFor[spec.Attempt.Name]
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()

		return nil, ctx.Err()
	}

	path := filepath.Join(spec.OutputDir, spec.Key+"-clip."+string(spec.Format))

	if fail {
		_ = os.WriteFile(path+".part", []byte("partial"), 0o600)

		return nil, failErr
	}

	onProgress(50)

	content := []byte("media")
	if f.empty {
		content = nil
	}

	if err := os.WriteFile(path, content, 0o600); err != nil {
		return nil, err
	}

	return &Result{FilePath: path, Title: "clip", Thumbnail: "https://i.ytimg.com/t.jpg", Duration: 61}, nil
}

func newTestStrategy(t *testing.T, ex Extractor, names ...string) (*Strategy, string) {
	t.Helper()

	attempts, err := BuildAttempts(names, nil, 1, time.Second)
	require.NoError(t, err)

	dir := t.TempDir()

	return NewStrategy(ex, StrategyConfig{
		MediaDir:       dir,
		Attempts:       attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}), dir
}

func TestAcquire_FirstSuccessWins(t *testing.T) {
	ex := &fakeExtractor{}
	s, dir := newTestStrategy(t, ex, "web", "android")

	var seen []float64

	res, err := s.Acquire(context.Background(), FetchRequest{
		RecordID:  5,
		URL:       "https://www.youtube.com/watch?v=abc12345678",
		Format:    storage.FormatVideo,
		UserAgent: "Caller/1.0",
	}, func(p float64) { seen = append(seen, p) })
	require.NoError(t, err)

	assert.Equal(t, dir, filepath.Dir(res.FilePath))
	assert.FileExists(t, res.FilePath)
	assert.Equal(t, int64(61), res.Duration)
	require.Len(t, ex.calls, 1)
	assert.Equal(t, "Caller/1.0", ex.calls[0].Attempt.UserAgent)
	assert.Contains(t, ex.calls[0].Key, "5_")
	assert.Equal(t, []float64{0, 50}, seen)
}

func TestAcquire_FallsBackToNextAttempt(t *testing.T) {
	ex := &fakeExtractor{failFor: map[string]error{"web": errors.New("HTTP Error 403")}}
	s, dir := newTestStrategy(t, ex, "web", "android")

	res, err := s.Acquire(context.Background(), FetchRequest{RecordID: 1, URL: "u", Format: storage.FormatAudio}, func(float64) {})
	require.NoError(t, err)

	require.Len(t, ex.calls, 2)
	assert.Equal(t, "android", ex.calls[1].Attempt.Name)
	assert.Equal(t, ex.calls[0].Key, ex.calls[1].Key)
	assert.Equal(t, ".mp3", filepath.Ext(res.FilePath))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "partial files of the failed attempt are removed")
}

func TestAcquire_ExhaustionAggregates(t *testing.T) {
	ex := &fakeExtractor{failFor: map[string]error{
		"web":     errors.New("HTTP Error 403"),
		"android": errors.New("Sign in to confirm you're not a bot"),
	}}
	s, dir := newTestStrategy(t, ex, "web", "android")

	_, err := s.Acquire(context.Background(), FetchRequest{RecordID: 2, URL: "u", Format: storage.FormatVideo}, func(float64) {})

	var acqErr *AcquisitionError
	require.ErrorAs(t, err, &acqErr)
	require.Len(t, acqErr.Attempts, 2)
	assert.Equal(t, "web", acqErr.Attempts[0].Attempt)
	assert.Equal(t, "android", acqErr.Attempts[1].Attempt)
	assert.Contains(t, err.Error(), "not a bot")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAcquire_EmptyFileIsFailure(t *testing.T) {
	ex := &fakeExtractor{empty: true}
	s, _ := newTestStrategy(t, ex, "web")

	_, err := s.Acquire(context.Background(), FetchRequest{RecordID: 3, URL: "u", Format: storage.FormatVideo}, func(float64) {})

	var acqErr *AcquisitionError
	require.ErrorAs(t, err, &acqErr)
	assert.Contains(t, err.Error(), "empty")
}

func TestAcquire_AttemptTimeout(t *testing.T) {
	ex := &fakeExtractor{block: true}

	attempts, err := BuildAttempts([]string{"web", "ios"}, nil, 0, 20*time.Millisecond)
	require.NoError(t, err)

	s := NewStrategy(ex, StrategyConfig{MediaDir: t.TempDir(), Attempts: attempts, InitialBackoff: time.Millisecond})

	_, err = s.Acquire(context.Background(), FetchRequest{RecordID: 4, URL: "u"}, func(float64) {})

	var acqErr *AcquisitionError
	require.ErrorAs(t, err, &acqErr)
	assert.Len(t, acqErr.Attempts, 2)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquire_CancelledContextStops(t *testing.T) {
	ex := &fakeExtractor{block: true}
	s, _ := newTestStrategy(t, ex, "web", "android", "ios")

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := s.Acquire(ctx, FetchRequest{RecordID: 6, URL: "u"}, func(float64) {})
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, ex.calls, 1)
}

func TestMetadata(t *testing.T) {
	ex := &fakeExtractor{failFor: map[string]error{"web": errors.New("blocked")}}
	s, _ := newTestStrategy(t, ex, "web", "mweb")

	info, err := s.Metadata(context.Background(), "https://www.youtube.com/watch?v=abc12345678")
	require.NoError(t, err)
	assert.Equal(t, "Title", info.Title)
	assert.Equal(t, 12, info.Formats)
}

func TestNewLimiter(t *testing.T) {
	assert.True(t, NewLimiter(0, 0).Allow())

	l := NewLimiter(60, 2)
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
}

func TestFindOutput(t *testing.T) {
	dir := t.TempDir()

	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}

	write("9_abcd1234-Song.webm", "larger original audio")
	write("9_abcd1234-Song.mp3", "mp3")
	write("9_abcd1234-Song.mp3.part", "partial partial partial")
	write("10_ffff0000-Other.mp3", "other job")

	got, err := FindOutput(dir, "9_abcd1234", storage.FormatAudio)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "9_abcd1234-Song.mp3"), got)

	_, err = FindOutput(dir, "11_00000000", storage.FormatVideo)
	require.Error(t, err)
}
