package acquisition

import (
	"path/filepath"
	"testing"

	"github.com/italolelis/tube_downloader/internal/storage"
	"github.com/lrstanley/go-ytdlp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func androidAttempt(t *testing.T) Attempt {
	t.Helper()

	attempts, err := BuildAttempts([]string{"android"}, []string{"socks5://proxy:1080"}, 3, 0)
	require.NoError(t, err)
	require.Len(t, attempts, 1)

	return attempts[0]
}

func TestYTDLP_CommandForProxiedAttempt(t *testing.T) {
	a := androidAttempt(t)

	cfg := NewYTDLP("").command(a).GetFlagConfig()

	require.NotNil(t, cfg.Extractor.ExtractorArgs)
	assert.Equal(t, "youtube:player_client=android", *cfg.Extractor.ExtractorArgs)
	require.NotNil(t, cfg.Workarounds.UserAgent)
	assert.Equal(t, a.UserAgent, *cfg.Workarounds.UserAgent)
	assert.Nil(t, cfg.Workarounds.AddHeaders)
	require.NotNil(t, cfg.Network.Proxy)
	assert.Equal(t, "socks5://proxy:1080", *cfg.Network.Proxy)
	require.NotNil(t, cfg.Download.Retries)
	assert.Equal(t, "3", *cfg.Download.Retries)
	require.NotNil(t, cfg.VideoSelection.NoPlaylist)
	assert.True(t, *cfg.VideoSelection.NoPlaylist)
}

func TestYTDLP_CommandHeaders(t *testing.T) {
	attempts, err := BuildAttempts([]string{"web"}, nil, 0, 0)
	require.NoError(t, err)

	cfg := NewYTDLP("").command(attempts[0]).GetFlagConfig()

	require.NotNil(t, cfg.Workarounds.UserAgent)
	assert.Contains(t, *cfg.Workarounds.UserAgent, "Mozilla/5.0")
	require.NotNil(t, cfg.Workarounds.AddHeaders)
	assert.Equal(t, "Accept-Language:en-US,en;q=0.9", *cfg.Workarounds.AddHeaders)
	assert.Nil(t, cfg.Network.Proxy)
	assert.Nil(t, cfg.Download.Retries)
}

func TestYTDLP_FetchCommand(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name   string
		format storage.Format
		check  func(t *testing.T, cfg *ytdlp.FlagConfig)
	}{
		{
			name:   "video",
			format: storage.FormatVideo,
			check: func(t *testing.T, cfg *ytdlp.FlagConfig) {
				require.NotNil(t, cfg.VideoFormat.Format)
				assert.Equal(t, "best[ext=mp4]/best", *cfg.VideoFormat.Format)
				require.NotNil(t, cfg.VideoFormat.MergeOutputFormat)
				assert.Equal(t, "mp4", *cfg.VideoFormat.MergeOutputFormat)
				assert.Nil(t, cfg.PostProcessing.ExtractAudio)
			},
		},
		{
			name:   "audio",
			format: storage.FormatAudio,
			check: func(t *testing.T, cfg *ytdlp.FlagConfig) {
				require.NotNil(t, cfg.VideoFormat.Format)
				assert.Equal(t, "bestaudio/best", *cfg.VideoFormat.Format)
				require.NotNil(t, cfg.PostProcessing.ExtractAudio)
				assert.True(t, *cfg.PostProcessing.ExtractAudio)
				require.NotNil(t, cfg.PostProcessing.AudioFormat)
				assert.Equal(t, "mp3", *cfg.PostProcessing.AudioFormat)
				require.NotNil(t, cfg.PostProcessing.AudioQuality)
				assert.Equal(t, "192K", *cfg.PostProcessing.AudioQuality)
				assert.Nil(t, cfg.VideoFormat.MergeOutputFormat)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := FetchSpec{
				URL:       "https://www.youtube.com/watch?v=abc12345678",
				Format:    tt.format,
				OutputDir: dir,
				Key:       "job-7",
				Attempt:   androidAttempt(t),
			}

			cfg := NewYTDLP("").fetchCommand(spec).GetFlagConfig()

			require.NotNil(t, cfg.Filesystem.Output)
			assert.Equal(t, filepath.Join(dir, "job-7-"+outputTemplate), *cfg.Filesystem.Output)
			require.NotNil(t, cfg.Filesystem.ForceOverwrites)
			assert.True(t, *cfg.Filesystem.ForceOverwrites)
			require.NotNil(t, cfg.Filesystem.RestrictFilenames)
			assert.True(t, *cfg.Filesystem.RestrictFilenames)
			require.NotNil(t, cfg.VerbositySimulation.PrintJSON)
			assert.True(t, *cfg.VerbositySimulation.PrintJSON)
			require.NotNil(t, cfg.Network.Proxy)
			assert.Equal(t, "socks5://proxy:1080", *cfg.Network.Proxy)

			tt.check(t, cfg)
		})
	}
}

func TestMergeInfo(t *testing.T) {
	title, thumb, duration := "First", "https://i.ytimg.com/vi/x/0.jpg", 61.7
	other := "Second"

	var r Result

	mergeInfo(&r, nil)
	assert.Equal(t, Result{}, r)

	mergeInfo(&r, &ytdlp.ExtractedInfo{Title: &title, Thumbnail: &thumb, Duration: &duration})
	assert.Equal(t, "First", r.Title)
	assert.Equal(t, thumb, r.Thumbnail)
	assert.Equal(t, int64(61), r.Duration)

	// Values already known are kept.
	mergeInfo(&r, &ytdlp.ExtractedInfo{Title: &other})
	assert.Equal(t, "First", r.Title)
}

func TestTitleFromPath(t *testing.T) {
	assert.Equal(t, "Some_Clip", titleFromPath("/media/job-7-Some_Clip.mp4", "job-7"))
	assert.Equal(t, "Some_Clip.v2", titleFromPath("/media/job-7-Some_Clip.v2.mp3", "job-7"))
	assert.Equal(t, "other-name", titleFromPath("/media/other-name.mp4", "job-7"))
}
