package acquisition

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/italolelis/tube_downloader/internal/storage"
	"github.com/lrstanley/go-ytdlp"
)

const progressFrequency = 500 * time.Millisecond

// outputTemplate limits the title to 80 bytes so long titles can't exceed path limits.
const outputTemplate = "%(title).80B.%(ext)s"

var temporarySuffixes = []string{".part", ".ytdl", ".temp", ".tmp"}

// YTDLP is the Extractor backed by the yt-dlp executable.
type YTDLP struct {
	executable string
}

// NewYTDLP creates an extractor. An empty executable lets go-ytdlp resolve yt-dlp itself.
func NewYTDLP(executable string) *YTDLP {
	return &YTDLP{executable: executable}
}

func (y *YTDLP) command(a Attempt) *ytdlp.Command {
	cmd := ytdlp.New().NoPlaylist().NoWarnings()

	if y.executable != "" {
		cmd.SetExecutable(y.executable)
	}

	if a.PlayerClient != "" {
		cmd.ExtractorArgs("youtube:player_client=" + a.PlayerClient)
	}

	if a.UserAgent != "" {
		cmd.UserAgent(a.UserAgent)
	}

	// The builder keeps a single --add-headers value, so only the first header by name is sent.
	if len(a.Headers) > 0 {
		keys := make([]string, 0, len(a.Headers))
		for k := range a.Headers {
			keys = append(keys, k)
		}

		sort.Strings(keys)
		cmd.AddHeaders(keys[0] + ":" + a.Headers[keys[0]])
	}

	if a.Proxy != "" {
		cmd.Proxy(a.Proxy)
	}

	if a.Retries > 0 {
		cmd.Retries(strconv.Itoa(a.Retries))
	}

	return cmd
}

// Metadata fetches video information without downloading it.
func (y *YTDLP) Metadata(ctx context.Context, url string, a Attempt) (*Info, error) {
	res, err := y.command(a).SkipDownload().DumpSingleJSON().Run(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to extract metadata: %w", err)
	}

	var raw struct {
		Title     string            `json:"title"`
		Duration  float64           `json:"duration"`
		Uploader  string            `json:"uploader"`
		Thumbnail string            `json:"thumbnail"`
		Formats   []json.RawMessage `json:"formats"`
	}

	if err := json.Unmarshal([]byte(res.Stdout), &raw); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}

	return &Info{
		Title:     raw.Title,
		Duration:  int64(raw.Duration),
		Uploader:  raw.Uploader,
		Thumbnail: raw.Thumbnail,
		Formats:   len(raw.Formats),
	}, nil
}

// fetchCommand builds the download command. PrintJSON keeps the download going while yt-dlp
// also reports the extracted info, which Run exposes through GetExtractedInfo.
func (y *YTDLP) fetchCommand(spec FetchSpec) *ytdlp.Command {
	cmd := y.command(spec.Attempt).
		PrintJSON().
		ForceOverwrites().
		RestrictFilenames().
		Output(filepath.Join(spec.OutputDir, spec.Key+"-"+outputTemplate))

	switch spec.Format {
	case storage.FormatAudio:
		cmd.Format("bestaudio/best").ExtractAudio().AudioFormat("mp3").AudioQuality("192K")
	default:
		cmd.Format("best[ext=mp4]/best").MergeOutputFormat("mp4")
	}

	return cmd
}

// Fetch downloads spec.URL into spec.OutputDir and returns the produced file.
func (y *YTDLP) Fetch(ctx context.Context, spec FetchSpec, onProgress ProgressFunc) (*Result, error) {
	cmd := y.fetchCommand(spec)

	var (
		mu     sync.Mutex
		result Result
	)

	cmd.ProgressFunc(progressFrequency, func(update ytdlp.ProgressUpdate) {
		mu.Lock()
		mergeInfo(&result, update.Info)
		mu.Unlock()

		if onProgress != nil && update.TotalBytes > 0 {
			onProgress(float64(update.DownloadedBytes) / float64(update.TotalBytes) * 100)
		}
	})

	res, err := cmd.Run(ctx, spec.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", spec.URL, err)
	}

	mu.Lock()
	defer mu.Unlock()

	if infos, err := res.GetExtractedInfo(); err == nil {
		for _, info := range infos {
			mergeInfo(&result, info)
		}
	}

	path, err := FindOutput(spec.OutputDir, spec.Key, spec.Format)
	if err != nil {
		return nil, err
	}

	result.FilePath = path

	if result.Title == "" {
		result.Title = titleFromPath(path, spec.Key)
	}

	return &result, nil
}

// titleFromPath recovers the title from a file named by outputTemplate.
func titleFromPath(path, key string) string {
	base := filepath.Base(path)

	return strings.TrimPrefix(strings.TrimSuffix(base, filepath.Ext(base)), key+"-")
}

func mergeInfo(r *Result, info *ytdlp.ExtractedInfo) {
	if info == nil {
		return
	}

	if r.Title == "" && info.Title != nil {
		r.Title = *info.Title
	}

	if r.Thumbnail == "" && info.Thumbnail != nil {
		r.Thumbnail = *info.Thumbnail
	}

	if r.Duration == 0 && info.Duration != nil {
		r.Duration = int64(*info.Duration)
	}
}

// FindOutput returns the final file written for key. Temporary and intermediate files are
// ignored; a file with the extension of format wins, then the largest one.
func FindOutput(dir, key string, format storage.Format) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, globEscape(key)+"-*"))
	if err != nil {
		return "", fmt.Errorf("failed to look for output of %s: %w", key, err)
	}

	var (
		best     string
		bestSize int64
		bestExt  bool
	)

	for _, m := range matches {
		if isTemporary(m) {
			continue
		}

		fi, err := os.Stat(m)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}

		extMatch := strings.EqualFold(filepath.Ext(m), "."+string(format))

		switch {
		case best == "",
			extMatch && !bestExt,
			extMatch == bestExt && fi.Size() > bestSize:
			best, bestSize, bestExt = m, fi.Size(), extMatch
		}
	}

	if best == "" {
		return "", fmt.Errorf("no output file produced for %s", key)
	}

	return best, nil
}

// RemoveOutputs deletes every file written for key, including partial ones.
func RemoveOutputs(dir, key string) {
	matches, _ := filepath.Glob(filepath.Join(dir, globEscape(key)+"-*"))
	for _, m := range matches {
		_ = os.Remove(m)
	}
}

func isTemporary(path string) bool {
	lower := strings.ToLower(path)

	for _, s := range temporarySuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}

	return strings.Contains(lower, ".part-frag")
}

func globEscape(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`)

	return r.Replace(s)
}
