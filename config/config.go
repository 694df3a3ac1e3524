package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime configuration. User-editable scraper settings live in
// the store document instead.
type Config struct {
	StorePath      string
	ListingAPIBase string
	ProfileBase    string
	PublicPrefix   string
	UserAgent      string

	Timeout         time.Duration // listing and resolution requests
	DownloadTimeout time.Duration
	MaxRedirects    int
	VideoDelay      time.Duration
	ChannelDelay    time.Duration
	PageScrolls     int

	MaxRetries      int
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration

	ResolveCacheSize int
	SkipExisting     bool

	ReportFile         string
	ReportFormat       string // csv, json, or dual
	ReportWorkers      int
	PipelineBufferSize int
	BatchSize          int

	ListenAddr  string
	MetricsAddr string
	RunOnStart  bool
	Verbose     bool
}

// DefaultConfig returns conservative defaults that keep the request rate low.
func DefaultConfig() *Config {
	return &Config{
		StorePath:          "data/channels.json",
		ListingAPIBase:     "https://www.tikwm.com",
		ProfileBase:        "https://www.tiktok.com",
		PublicPrefix:       "/downloads",
		UserAgent:          "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Timeout:            15 * time.Second,
		DownloadTimeout:    60 * time.Second,
		MaxRedirects:       5,
		VideoDelay:         2 * time.Second,
		ChannelDelay:       3 * time.Second,
		PageScrolls:        3,
		MaxRetries:         2,
		RetryBackoff:       500 * time.Millisecond,
		RetryBackoffMax:    5 * time.Second,
		ResolveCacheSize:   512,
		SkipExisting:       true,
		ReportFile:         "",
		ReportFormat:       "json",
		ReportWorkers:      1,
		PipelineBufferSize: 256,
		BatchSize:          32,
		ListenAddr:         ":8080",
		MetricsAddr:        "",
		RunOnStart:         false,
		Verbose:            false,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.StorePath == "" {
		return fmt.Errorf("store path cannot be empty")
	}
	if err := validateBaseURL("listing API base URL", c.ListingAPIBase); err != nil {
		return err
	}
	if err := validateBaseURL("profile base URL", c.ProfileBase); err != nil {
		return err
	}
	if c.PublicPrefix == "" {
		return fmt.Errorf("public prefix cannot be empty")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.DownloadTimeout <= 0 {
		return fmt.Errorf("download timeout must be positive")
	}
	if c.MaxRedirects < 0 {
		return fmt.Errorf("max redirects cannot be negative")
	}
	if c.VideoDelay < 0 {
		return fmt.Errorf("video delay cannot be negative")
	}
	if c.ChannelDelay < 0 {
		return fmt.Errorf("channel delay cannot be negative")
	}
	if c.PageScrolls < 0 {
		return fmt.Errorf("page scrolls cannot be negative")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.ResolveCacheSize <= 0 {
		return fmt.Errorf("resolve cache size must be positive")
	}
	if c.ReportFormat != "csv" && c.ReportFormat != "json" && c.ReportFormat != "dual" {
		return fmt.Errorf("report format must be csv, json, or dual")
	}
	if c.ReportWorkers <= 0 {
		return fmt.Errorf("report workers must be positive")
	}
	if c.PipelineBufferSize <= 0 {
		return fmt.Errorf("pipeline buffer size must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	return nil
}

func validateBaseURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", name)
	}
	return nil
}

// EnvString returns the trimmed value of key when it is set and non-empty.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses key as an integer.
func EnvInt(key string) (int, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return n, true, nil
}

// EnvBool parses key as a boolean.
func EnvBool(key string) (bool, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return false, false, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, false, fmt.Errorf("%s: %w", key, err)
	}
	return b, true, nil
}

// EnvDuration parses key as a Go duration ("2s", "500ms").
func EnvDuration(key string) (time.Duration, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return d, true, nil
}

// ApplyEnv overrides fields from SCRAPER_* environment variables.
func (c *Config) ApplyEnv() error {
	if v, ok := EnvString("SCRAPER_STORE"); ok {
		c.StorePath = v
	}
	if v, ok := EnvString("SCRAPER_API_BASE"); ok {
		c.ListingAPIBase = v
	}
	if v, ok := EnvString("SCRAPER_PROFILE_BASE"); ok {
		c.ProfileBase = v
	}
	if v, ok := EnvString("SCRAPER_PUBLIC_PREFIX"); ok {
		c.PublicPrefix = v
	}
	if v, ok := EnvString("SCRAPER_REPORT"); ok {
		c.ReportFile = v
	}
	if v, ok := EnvString("SCRAPER_LISTEN_ADDR"); ok {
		c.ListenAddr = v
	}
	if v, ok := EnvString("SCRAPER_METRICS_ADDR"); ok {
		c.MetricsAddr = v
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SCRAPER_TIMEOUT", &c.Timeout},
		{"SCRAPER_DOWNLOAD_TIMEOUT", &c.DownloadTimeout},
		{"SCRAPER_VIDEO_DELAY", &c.VideoDelay},
		{"SCRAPER_CHANNEL_DELAY", &c.ChannelDelay},
	}
	for _, d := range durations {
		value, ok, err := EnvDuration(d.key)
		if err != nil {
			return err
		}
		if ok {
			*d.dst = value
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"SCRAPER_MAX_REDIRECTS", &c.MaxRedirects},
		{"SCRAPER_MAX_RETRIES", &c.MaxRetries},
		{"SCRAPER_PAGE_SCROLLS", &c.PageScrolls},
	}
	for _, i := range ints {
		value, ok, err := EnvInt(i.key)
		if err != nil {
			return err
		}
		if ok {
			*i.dst = value
		}
	}

	if value, ok, err := EnvBool("SCRAPER_SKIP_EXISTING"); err != nil {
		return err
	} else if ok {
		c.SkipExisting = value
	}
	return nil
}
