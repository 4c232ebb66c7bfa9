package acquisition

import (
	"net/url"
	"regexp"
	"strings"
)

const (
	reasonURLRequired    = "URL is required"
	reasonUnsupported    = "Only YouTube URLs are supported"
	reasonPlaylist       = "Playlist URLs are not supported, provide a single video URL"
	reasonNoVideo        = "URL does not reference a video"
	canonicalWatchPrefix = "https://www.youtube.com/watch?v="
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// pathPrefixes carry the video id as the next path segment.
var pathPrefixes = []string{"/shorts/", "/embed/", "/live/", "/v/"}

// NormalizeURL validates raw against allowedHosts and rewrites it to the canonical watch URL
// of the single video it references. Playlist parameters and timestamps are dropped.
func NormalizeURL(raw string, allowedHosts []string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &ValidationError{Field: "url", Reason: reasonURLRequired}
	}

	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", &ValidationError{Field: "url", Reason: reasonUnsupported, Err: err}
	}

	host := strings.ToLower(u.Hostname())
	if !hostAllowed(host, allowedHosts) {
		return "", &ValidationError{Field: "url", Reason: reasonUnsupported}
	}

	id := VideoID(u)
	if id == "" {
		if u.Query().Has("list") || strings.HasPrefix(u.Path, "/playlist") {
			return "", &ValidationError{Field: "url", Reason: reasonPlaylist}
		}

		return "", &ValidationError{Field: "url", Reason: reasonNoVideo}
	}

	return canonicalWatchPrefix + id, nil
}

// VideoID extracts the single-video id from a YouTube URL, or returns "".
func VideoID(u *url.URL) string {
	var candidate string

	host := strings.ToLower(u.Hostname())

	switch {
	case host == "youtu.be" || strings.HasSuffix(host, ".youtu.be"):
		candidate = firstSegment(strings.TrimPrefix(u.Path, "/"))
	case u.Path == "/watch" || strings.HasPrefix(u.Path, "/watch/"):
		candidate = u.Query().Get("v")
	default:
		for _, prefix := range pathPrefixes {
			if strings.HasPrefix(u.Path, prefix) {
				candidate = firstSegment(strings.TrimPrefix(u.Path, prefix))

				break
			}
		}
	}

	if !videoIDPattern.MatchString(candidate) {
		return ""
	}

	return candidate
}

func firstSegment(p string) string {
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i]
	}

	return p
}

// hostAllowed accepts an exact match or any subdomain of an allowed host.
func hostAllowed(host string, allowed []string) bool {
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			continue
		}

		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}

	return false
}
