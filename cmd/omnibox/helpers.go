package main

import (
	"fmt"
	"time"

	omnibox "github.com/omniboxhq/omnibox-go"
)

// newSessionAndClient builds a session and gateway client from the stored
// configuration.
func newSessionAndClient() (*omnibox.Session, *omnibox.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Default.Token == "" {
		return nil, nil, fmt.Errorf("no token configured; run 'omnibox init <token>' first")
	}
	if cfg.Default.BaseURL == "" {
		return nil, nil, fmt.Errorf("no gateway URL configured; run 'omnibox config set default.base_url <url>'")
	}

	sess := omnibox.NewSession(cfg.Default.Token)
	client := omnibox.NewClient(sess, omnibox.WithBaseURL(cfg.Default.BaseURL))
	return sess, client, nil
}

// pollInterval resolves the configured poll interval, falling back to the
// library default.
func pollInterval(cfg *Config) time.Duration {
	if cfg.Poll.Interval == "" {
		return omnibox.DefaultPollInterval
	}
	d, err := time.ParseDuration(cfg.Poll.Interval)
	if err != nil || d <= 0 {
		return omnibox.DefaultPollInterval
	}
	return d
}

// formatWhen renders a timestamp compactly for list output.
func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	if time.Since(t) < 24*time.Hour {
		return t.Local().Format("15:04")
	}
	return t.Local().Format("Jan 02")
}

// truncate shortens s to max runes for single-line previews.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
