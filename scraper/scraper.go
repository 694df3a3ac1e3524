// Package scraper lists channel videos, resolves their media URLs and drives
// the downloads.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-channels/config"
	"github.com/aluiziolira/go-scrape-channels/downloader"
	"github.com/aluiziolira/go-scrape-channels/models"
	"github.com/aluiziolira/go-scrape-channels/parser"
	"github.com/aluiziolira/go-scrape-channels/store"
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Downloader fetches one media URL into dest.
type Downloader interface {
	Download(ctx context.Context, url, dest string) error
}

// ReportSink receives every channel's finished video records.
type ReportSink interface {
	Process(videos []*models.Video) error
}

// Deps are the collaborators of a Scraper. APIListing serves non-headless
// settings and PageListing headless ones; either may stand in for a missing
// other.
type Deps struct {
	Store       *store.Store
	APIListing  ListingResolver
	PageListing ListingResolver
	Resolver    MediaURLResolver
	Downloader  Downloader
	Report      ReportSink
	Sleep       Sleeper
	Now         func() time.Time
}

// Scraper orchestrates channel scrapes. Only one scrape runs at a time.
type Scraper struct {
	cfg      *config.Config
	store    *store.Store
	api      ListingResolver
	page     ListingResolver
	resolver MediaURLResolver
	dl       Downloader
	report   ReportSink
	sleep    Sleeper
	now      func() time.Time
	Metrics  *Metrics

	runMu sync.Mutex
}

// NewScraper wires the production listing strategies, resolver and
// downloader around st. A nil client gets pooled defaults.
func NewScraper(cfg *config.Config, st *store.Store, client *http.Client) (*Scraper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	metrics := NewMetrics()

	resolver, err := NewTikwmResolver(cfg, client, metrics)
	if err != nil {
		return nil, err
	}
	dl := downloader.New(cfg, client)

	return New(cfg, Deps{
		Store:       st,
		APIListing:  NewAPIListing(cfg, client, metrics),
		PageListing: NewPageListing(cfg, client, metrics),
		Resolver:    resolver,
		Downloader:  dl,
	}, metrics), nil
}

// New builds a Scraper from explicit collaborators.
func New(cfg *config.Config, deps Deps, metrics *Metrics) *Scraper {
	s := &Scraper{
		cfg:      cfg,
		store:    deps.Store,
		api:      deps.APIListing,
		page:     deps.PageListing,
		resolver: deps.Resolver,
		dl:       deps.Downloader,
		report:   deps.Report,
		sleep:    deps.Sleep,
		now:      deps.Now,
		Metrics:  metrics,
	}
	if s.sleep == nil {
		s.sleep = SleepContext
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// SetReport attaches a sink for finished video records.
func (s *Scraper) SetReport(report ReportSink) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.report = report
}

// ScrapeOne scrapes a single enabled channel. A listing failure is returned
// as *ListingError together with an empty list, after lastScraped has been
// recorded.
func (s *Scraper) ScrapeOne(ctx context.Context, id string) ([]*models.Video, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	doc, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := store.ValidateSettings(doc.Settings); err != nil {
		return nil, fmt.Errorf("stored settings: %w", err)
	}
	idx := doc.FindChannel(id)
	if idx < 0 {
		return nil, &store.NotFoundError{ID: id}
	}
	ch := doc.Channels[idx]
	if !ch.Enabled {
		return nil, &DisabledChannelError{ID: ch.ID, Username: ch.Username}
	}

	videos, scrapeErr := s.scrapeChannel(ctx, ch, doc.Settings)
	if err := s.finishChannel(ctx, ch, videos); err != nil {
		return videos, err
	}
	return videos, scrapeErr
}

// ScrapeAll scrapes every enabled channel in store order. The result maps
// channel id to its videos. A store write failure ends the run early and is
// returned with the partial results.
func (s *Scraper) ScrapeAll(ctx context.Context) (map[string][]*models.Video, *models.ScrapeSummary, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	summary := &models.ScrapeSummary{StartTime: s.now()}
	results := make(map[string][]*models.Video)
	defer func() {
		summary.EndTime = s.now()
		s.Metrics.MarkRun(summary.EndTime)
	}()

	doc, err := s.store.Load(ctx)
	if err != nil {
		return results, summary, err
	}
	if err := store.ValidateSettings(doc.Settings); err != nil {
		return results, summary, fmt.Errorf("stored settings: %w", err)
	}

	first := true
	for _, ch := range doc.Channels {
		if !ch.Enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return results, summary, err
		}
		if !first {
			if err := s.sleep(ctx, s.cfg.ChannelDelay); err != nil {
				return results, summary, err
			}
		}
		first = false

		videos, scrapeErr := s.scrapeChannel(ctx, ch, doc.Settings)
		var listingErr *ListingError
		if errors.As(scrapeErr, &listingErr) {
			summary.ListingFailures++
			summary.FailedChannels = append(summary.FailedChannels, ch.Username)
			scrapeErr = nil
		}
		results[ch.ID] = videos
		summary.Add(videos)

		if err := s.finishChannel(ctx, ch, videos); err != nil {
			return results, summary, err
		}
		if scrapeErr != nil {
			return results, summary, scrapeErr
		}
	}

	slog.Info("scrape run finished",
		slog.Int("channels", summary.Channels),
		slog.Int("videos_found", summary.VideosFound),
		slog.Int("downloaded", summary.VideosDownloaded),
		slog.Int("failed", summary.VideosFailed),
		slog.Int("listing_failures", summary.ListingFailures),
	)
	return results, summary, nil
}

// finishChannel persists lastScraped and hands the records to the report.
// A channel removed mid-run is not an error.
func (s *Scraper) finishChannel(ctx context.Context, ch *models.Channel, videos []*models.Video) error {
	err := s.store.MarkScraped(context.WithoutCancel(ctx), ch.ID, s.now())
	var notFound *store.NotFoundError
	switch {
	case errors.As(err, &notFound):
		slog.Warn("channel removed during scrape", slog.String("id", ch.ID))
	case err != nil:
		s.Metrics.IncError("store", errorTypeLabel(err))
		return fmt.Errorf("record last scrape of %s: %w", ch.Username, err)
	}

	if s.report != nil && len(videos) > 0 {
		if err := s.report.Process(videos); err != nil {
			slog.Error("report process error", slog.Any("error", err))
		}
	}
	return nil
}

func (s *Scraper) listingFor(settings models.ScraperSettings) ListingResolver {
	if settings.Headless && s.page != nil {
		return s.page
	}
	if s.api != nil {
		return s.api
	}
	return s.page
}

// scrapeChannel runs list, resolve and download for one channel. It returns
// the videos it listed even when cancelled part way.
func (s *Scraper) scrapeChannel(ctx context.Context, ch *models.Channel, settings models.ScraperSettings) ([]*models.Video, error) {
	username := parser.NormalizeUsername(ch.Username)
	log := slog.With(slog.String("channel", username), slog.String("id", ch.ID))

	if err := parser.ValidateChannel(ch); err != nil {
		s.Metrics.IncChannel("listing_failed")
		return []*models.Video{}, &ListingError{Channel: username, Stage: "validate", Err: err}
	}

	log.Debug("channel state", slog.String("state", "listing"))
	lister := s.listingFor(settings)
	if lister == nil {
		return []*models.Video{}, &ListingError{Channel: username, Stage: "request", Err: errors.New("no listing strategy configured")}
	}
	videos, err := lister.ListVideos(ctx, ch, settings.MaxVideosPerChannel)
	if err != nil {
		s.Metrics.IncChannel("listing_failed")
		s.Metrics.IncError("listing", errorTypeLabel(err))
		log.Warn("listing failed", slog.Any("error", err))
		var listingErr *ListingError
		if !errors.As(err, &listingErr) {
			err = &ListingError{Channel: username, Stage: "request", Err: err}
		}
		return []*models.Video{}, err
	}
	if limit := max(settings.MaxVideosPerChannel, 0); len(videos) > limit {
		videos = videos[:limit]
	}

	dir := filepath.Join(settings.DownloadPath, username)
	throttle := false
	for i, v := range videos {
		if v.Author == "" {
			v.Author = username
		}
		if err := ctx.Err(); err != nil {
			skipRemaining(videos[i:], "cancelled")
			log.Info("channel scrape cancelled", slog.Int("remaining", len(videos)-i))
			return videos, err
		}
		if throttle {
			if err := s.sleep(ctx, s.cfg.VideoDelay); err != nil {
				skipRemaining(videos[i:], "cancelled")
				return videos, err
			}
		}
		throttle = s.processVideo(context.WithoutCancel(ctx), log, v, dir, username)
		s.Metrics.IncVideo(string(v.Status))
	}

	s.Metrics.IncChannel("ok")
	log.Debug("channel state", slog.String("state", "completed"), slog.Int("videos", len(videos)))
	return videos, nil
}

// processVideo drives one video to a terminal status and reports whether
// it touched the network.
func (s *Scraper) processVideo(ctx context.Context, log *slog.Logger, v *models.Video, dir, username string) bool {
	if v.ID == "" {
		v.MarkFailed(errors.New("video has no id"))
		return false
	}
	if !parser.ValidVideoID(v.ID) {
		v.MarkFailed(fmt.Errorf("malformed video id %q", v.ID))
		return false
	}
	log = log.With(slog.String("video_id", v.ID))

	if s.cfg.SkipExisting {
		if existing := existingDownload(dir, username, v.ID); existing != "" {
			v.MarkDone(parser.PublicPath(s.cfg.PublicPrefix, username, existing))
			log.Debug("video already on disk", slog.String("file", existing))
			return false
		}
	}

	networked := false
	if v.DownloadURL == "" {
		networked = true
		log.Debug("video state", slog.String("state", "resolving"))
		if s.resolver == nil {
			v.MarkSkipped("no downloadable media url")
			return networked
		}
		media, err := s.resolver.Resolve(ctx, v)
		if err != nil {
			s.Metrics.IncError("resolve", errorTypeLabel(err))
			log.Warn("media resolution failed", slog.Any("error", err))
			v.MarkSkipped(err.Error())
			return networked
		}
		if media == "" {
			v.MarkSkipped("no downloadable media url")
			return networked
		}
		v.DownloadURL = media
	}

	fileName := parser.VideoFileName(username, s.now(), v.ID)
	dest := filepath.Join(dir, fileName)
	log.Debug("video state", slog.String("state", "downloading"), slog.String("dest", dest))

	s.Metrics.IncRequest("download")
	start := time.Now()
	err := s.dl.Download(ctx, v.DownloadURL, dest)
	s.Metrics.ObserveDuration("download", time.Since(start))
	if err != nil {
		s.Metrics.IncError("download", downloadErrorLabel(err))
		log.Warn("download failed", slog.Any("error", err))
		v.MarkFailed(err)
		return true
	}

	if info, statErr := os.Stat(dest); statErr == nil {
		s.Metrics.AddBytes(info.Size())
	}
	v.MarkDone(parser.PublicPath(s.cfg.PublicPrefix, username, fileName))
	log.Info("video downloaded", slog.String("path", v.DownloadPath))
	return true
}

// existingDownload returns the file name of a previous download of videoID,
// or "".
func existingDownload(dir, username, videoID string) string {
	matches, err := filepath.Glob(filepath.Join(dir, parser.VideoFileGlob(username, videoID)))
	if err != nil || len(matches) == 0 {
		return ""
	}
	return filepath.Base(matches[0])
}

func skipRemaining(videos []*models.Video, reason string) {
	for _, v := range videos {
		if v.Status == "" || v.Status == models.StatusPending {
			v.MarkSkipped(reason)
		}
	}
}
