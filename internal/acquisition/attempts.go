package acquisition

import (
	"fmt"
	"strings"
	"time"
)

// Attempt is one fetch configuration. Attempts differ only in data: the client identity the
// extractor declares, the headers it sends and the outbound proxy it uses.
type Attempt struct {
	Name         string
	PlayerClient string // value for the youtube:player_client extractor argument
	UserAgent    string
	Headers      map[string]string
	Proxy        string
	Retries      int           // retries inside the extractor for this attempt
	Timeout      time.Duration // deadline of this attempt; 0 means none
}

type clientProfile struct {
	playerClient string
	userAgent    string
	headers      map[string]string
}

var profiles = map[string]clientProfile{
	"web": {
		playerClient: "web",
		userAgent:    "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		headers: map[string]string{
			"Accept-Language": "en-US,en;q=0.9",
		},
	},
	"android": {
		playerClient: "android",
		userAgent:    "com.google.android.youtube/19.09.37 (Linux; U; Android 11) gzip",
	},
	"ios": {
		playerClient: "ios",
		userAgent:    "com.google.ios.youtube/19.09.3 (iPhone14,3; U; CPU iOS 15_6 like Mac OS X)",
	},
	"mweb": {
		playerClient: "mweb",
		userAgent:    "Mozilla/5.0 (iPhone; CPU iPhone OS 16_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.6 Mobile/15E148 Safari/604.1",
		headers: map[string]string{
			"Accept-Language": "en-US,en;q=0.8",
		},
	},
	"tv_embedded": {
		playerClient: "tv_embedded",
		userAgent:    "Mozilla/5.0 (PlayStation; PlayStation 4/12.00) AppleWebKit/605.1.15 (KHTML, like Gecko)",
	},
}

// BuildAttempts turns client profile names into attempts, in order. Proxies are assigned
// round-robin; with no proxies every attempt goes out directly.
func BuildAttempts(clients, proxies []string, retries int, timeout time.Duration) ([]Attempt, error) {
	attempts := make([]Attempt, 0, len(clients))
	seen := make(map[string]int, len(clients))

	for i, raw := range clients {
		name := strings.ToLower(strings.TrimSpace(raw))

		p, ok := profiles[name]
		if !ok {
			return nil, fmt.Errorf("unknown client profile %q", raw)
		}

		seen[name]++

		a := Attempt{
			Name:         name,
			PlayerClient: p.playerClient,
			UserAgent:    p.userAgent,
			Headers:      p.headers,
			Retries:      retries,
			Timeout:      timeout,
		}

		if seen[name] > 1 {
			a.Name = fmt.Sprintf("%s#%d", name, seen[name])
		}

		if len(proxies) > 0 {
			a.Proxy = strings.TrimSpace(proxies[i%len(proxies)])
		}

		attempts = append(attempts, a)
	}

	if len(attempts) == 0 {
		return nil, fmt.Errorf("at least one client profile is required")
	}

	return attempts, nil
}
