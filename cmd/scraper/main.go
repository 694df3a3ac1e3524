package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aluiziolira/go-scrape-channels/api"
	"github.com/aluiziolira/go-scrape-channels/config"
	"github.com/aluiziolira/go-scrape-channels/models"
	"github.com/aluiziolira/go-scrape-channels/pipeline"
	"github.com/aluiziolira/go-scrape-channels/scheduler"
	"github.com/aluiziolira/go-scrape-channels/scraper"
	"github.com/aluiziolira/go-scrape-channels/store"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const usage = `Usage: scraper <command> [flags]

Commands:
  channels     list tracked channels and settings
  add          start tracking a channel (--username, --display-name, --url)
  update       edit a channel (--id, --username, --display-name, --url, --enabled)
  remove       stop tracking a channel (--id)
  settings     show or edit scraper settings
  scrape       scrape one channel (--id)
  scrape-all   scrape every enabled channel
  serve        run the HTTP API and the periodic scraper

Run "scraper <command> --help" for the flags of a command.
`

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) && !errors.Is(err, pflag.ErrHelp) {
			slog.Error("command failed", slog.Any("error", err))
		}
		os.Exit(1)
	}
}

// app carries what every command needs.
type app struct {
	cfg    *config.Config
	store  *store.Store
	stdout io.Writer
	stderr io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(stderr, usage)
		return errUsage
	}
	command, rest := args[0], args[1:]

	cfg := config.DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}

	fs := pflag.NewFlagSet(command, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.StorePath, "store", cfg.StorePath, "Path of the channel store document")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Enable debug logging")

	var handler func(a *app, fs *pflag.FlagSet) error
	switch command {
	case "channels":
		handler = func(a *app, _ *pflag.FlagSet) error { return a.listChannels(ctx) }
	case "add":
		handler = addCommand(ctx, fs)
	case "update":
		handler = updateCommand(ctx, fs)
	case "remove":
		id := fs.String("id", "", "Channel id")
		handler = func(a *app, _ *pflag.FlagSet) error { return a.removeChannel(ctx, *id) }
	case "settings":
		handler = settingsCommand(ctx, fs)
	case "scrape":
		scrapeFlags(fs, cfg)
		id := fs.String("id", "", "Channel id")
		handler = func(a *app, _ *pflag.FlagSet) error { return a.scrapeOne(ctx, *id) }
	case "scrape-all":
		scrapeFlags(fs, cfg)
		handler = func(a *app, _ *pflag.FlagSet) error { return a.scrapeAll(ctx) }
	case "serve":
		scrapeFlags(fs, cfg)
		fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP API listen address")
		fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Separate Prometheus listen address (metrics are also served on /metrics)")
		fs.BoolVar(&cfg.RunOnStart, "run-now", cfg.RunOnStart, "Scrape all channels immediately on start")
		handler = func(a *app, _ *pflag.FlagSet) error { return a.serve(ctx) }
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", command, usage)
		return errUsage
	}

	if err := fs.Parse(rest); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "unexpected arguments: %s\n", strings.Join(fs.Args(), " "))
		return errUsage
	}

	logger, level := newLogger(stderr, cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a := &app{
		cfg:    cfg,
		store:  store.New(store.NewFileStorage(cfg.StorePath), cfg.ProfileBase),
		stdout: stdout,
		stderr: stderr,
	}
	return handler(a, fs)
}

// scrapeFlags registers the flags shared by the commands that scrape.
func scrapeFlags(fs *pflag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.ListingAPIBase, "api-base", cfg.ListingAPIBase, "Base URL of the listing and lookup API")
	fs.StringVar(&cfg.ProfileBase, "profile-base", cfg.ProfileBase, "Base URL of public profile pages")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Listing and lookup request timeout")
	fs.DurationVar(&cfg.DownloadTimeout, "download-timeout", cfg.DownloadTimeout, "Timeout of one video download")
	fs.DurationVar(&cfg.VideoDelay, "video-delay", cfg.VideoDelay, "Pause between video downloads")
	fs.DurationVar(&cfg.ChannelDelay, "channel-delay", cfg.ChannelDelay, "Pause between channels")
	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Retry attempts for transient listing failures")
	fs.IntVar(&cfg.PageScrolls, "page-scrolls", cfg.PageScrolls, "Continuation pages read by the page listing")
	fs.BoolVar(&cfg.SkipExisting, "skip-existing", cfg.SkipExisting, "Reuse files already downloaded for a video id")
	fs.StringVar(&cfg.ReportFile, "report", cfg.ReportFile, "Write a report of every scraped video to this file")
	fs.StringVar(&cfg.ReportFormat, "report-format", cfg.ReportFormat, "Report format: csv, json, or dual")
}

func addCommand(ctx context.Context, fs *pflag.FlagSet) func(*app, *pflag.FlagSet) error {
	var in store.ChannelInput
	fs.StringVarP(&in.Username, "username", "u", "", "Channel handle, with or without @")
	fs.StringVar(&in.DisplayName, "display-name", "", "Display name (defaults to the handle)")
	fs.StringVar(&in.URL, "url", "", "Profile URL (derived from the handle when empty)")
	return func(a *app, _ *pflag.FlagSet) error {
		channels, err := a.store.AddChannel(ctx, in)
		if err != nil {
			return err
		}
		return a.printJSON(map[string]any{"channels": channels})
	}
}

func updateCommand(ctx context.Context, fs *pflag.FlagSet) func(*app, *pflag.FlagSet) error {
	id := fs.String("id", "", "Channel id")
	username := fs.String("username", "", "New handle")
	displayName := fs.String("display-name", "", "New display name")
	profileURL := fs.String("url", "", "New profile URL")
	enabled := fs.Bool("enabled", true, "Whether the channel is scraped")
	return func(a *app, fs *pflag.FlagSet) error {
		patch := store.ChannelPatch{ID: *id}
		if fs.Changed("username") {
			patch.Username = username
		}
		if fs.Changed("display-name") {
			patch.DisplayName = displayName
		}
		if fs.Changed("url") {
			patch.URL = profileURL
		}
		if fs.Changed("enabled") {
			patch.Enabled = enabled
		}
		channels, err := a.store.UpdateChannel(ctx, patch)
		if err != nil {
			return err
		}
		return a.printJSON(map[string]any{"channels": channels})
	}
}

func settingsCommand(ctx context.Context, fs *pflag.FlagSet) func(*app, *pflag.FlagSet) error {
	downloadPath := fs.String("download-path", "", "Base directory for downloads")
	maxVideos := fs.Int("max-videos", 0, "Maximum videos per channel and scrape")
	headless := fs.Bool("headless", false, "Use the page listing instead of the API listing")
	interval := fs.Duration("interval", 0, "Periodic scrape interval (0 disables)")
	return func(a *app, fs *pflag.FlagSet) error {
		var patch store.SettingsPatch
		changed := false
		if fs.Changed("download-path") {
			patch.DownloadPath, changed = downloadPath, true
		}
		if fs.Changed("max-videos") {
			patch.MaxVideosPerChannel, changed = maxVideos, true
		}
		if fs.Changed("headless") {
			patch.Headless, changed = headless, true
		}
		if fs.Changed("interval") {
			ms := interval.Milliseconds()
			patch.ScrapeInterval, changed = &ms, true
		}

		if !changed {
			doc, err := a.store.Load(ctx)
			if err != nil {
				return err
			}
			return a.printJSON(map[string]any{"settings": doc.Settings})
		}
		settings, err := a.store.UpdateSettings(ctx, patch)
		if err != nil {
			return err
		}
		return a.printJSON(map[string]any{"settings": settings})
	}
}

func (a *app) listChannels(ctx context.Context) error {
	doc, err := a.store.Load(ctx)
	if err != nil {
		return err
	}
	return a.printJSON(map[string]any{"channels": doc.Channels, "settings": doc.Settings})
}

func (a *app) removeChannel(ctx context.Context, id string) error {
	channels, err := a.store.RemoveChannel(ctx, id)
	if err != nil {
		return err
	}
	return a.printJSON(map[string]any{"channels": channels})
}

func (a *app) scrapeOne(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("--id is required")
	}
	s, closeReport, err := a.newScraper(ctx)
	if err != nil {
		return err
	}

	start := time.Now()
	videos, scrapeErr := s.ScrapeOne(ctx, id)
	if err := closeReport(); err != nil {
		slog.Error("report failed", slog.Any("error", err))
	}

	out := map[string]any{"videos": videos}
	var listingErr *scraper.ListingError
	switch {
	case errors.As(scrapeErr, &listingErr):
		out["warning"] = listingErr.Error()
	case scrapeErr != nil && videos == nil:
		return scrapeErr
	}
	if videos == nil {
		out["videos"] = []*models.Video{}
	}
	if err := a.printJSON(out); err != nil {
		return err
	}

	summary := &models.ScrapeSummary{StartTime: start, EndTime: time.Now()}
	summary.Add(videos)
	printSummary(a.stderr, summary, a.cfg.ReportFile)
	if listingErr != nil {
		return nil
	}
	return scrapeErr
}

func (a *app) scrapeAll(ctx context.Context) error {
	s, closeReport, err := a.newScraper(ctx)
	if err != nil {
		return err
	}

	results, summary, scrapeErr := s.ScrapeAll(ctx)
	if err := closeReport(); err != nil {
		slog.Error("report failed", slog.Any("error", err))
	}
	if err := a.printJSON(map[string]any{"results": results, "summary": summary}); err != nil {
		return err
	}
	printSummary(a.stderr, summary, a.cfg.ReportFile)
	return scrapeErr
}

// newScraper builds the production scraper and, when configured, its report
// pipeline. The returned func drains and closes the report.
func (a *app) newScraper(ctx context.Context) (*scraper.Scraper, func() error, error) {
	s, err := scraper.NewScraper(a.cfg, a.store, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("initialising scraper: %w", err)
	}
	if a.cfg.ReportFile == "" {
		return s, func() error { return nil }, nil
	}

	writer, err := pipeline.NewWriter(a.cfg.ReportFormat, a.cfg.ReportFile)
	if err != nil {
		return nil, nil, fmt.Errorf("creating report writer: %w", err)
	}
	p := pipeline.NewPipeline(ctx, writer, a.cfg)
	p.Start(a.cfg.ReportWorkers)
	if a.cfg.Verbose {
		p.LogProgress(10 * time.Second)
	}
	s.SetReport(p)

	return s, func() error {
		pipeErr := p.Close()
		closeErr := writer.Close()
		if pipeErr != nil {
			return fmt.Errorf("report pipeline: %w", pipeErr)
		}
		if closeErr != nil {
			return fmt.Errorf("close report: %w", closeErr)
		}
		if err := writer.Validate(); err != nil {
			return fmt.Errorf("report validation: %w", err)
		}
		st := p.Stats()
		slog.Info("report written",
			slog.String("file", a.cfg.ReportFile),
			slog.Int64("videos", st.Reported),
			slog.Int64("dropped", st.Invalid+st.Duplicates),
		)
		return nil
	}, nil
}

func (a *app) serve(ctx context.Context) error {
	s, err := scraper.NewScraper(a.cfg, a.store, nil)
	if err != nil {
		return fmt.Errorf("initialising scraper: %w", err)
	}
	doc, err := a.store.Load(ctx)
	if err != nil {
		return err
	}

	if !a.cfg.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	metricsHandler := promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{})

	sched := scheduler.New(s)
	handler := api.NewHandler(a.store, s)
	handler.OnSettingsChange(func(settings models.ScraperSettings) {
		if err := sched.Reschedule(settings.Interval()); err != nil {
			slog.Warn("reschedule failed", slog.Any("error", err))
		}
	})

	server := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           api.NewRouter(handler, api.RouterOptions{PublicPrefix: a.cfg.PublicPrefix, Metrics: metricsHandler}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	servers := []*http.Server{server}
	if a.cfg.MetricsAddr != "" {
		servers = append(servers, &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           metricsHandler,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	sched.Start(gctx, doc.Settings.Interval(), a.cfg.RunOnStart)

	for _, srv := range servers {
		g.Go(func() error {
			slog.Info("http server listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen on %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, waiting for in-flight work to finish")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}
		sched.Stop()
		return errors.Join(errs...)
	})

	return g.Wait()
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSummary(w io.Writer, summary *models.ScrapeSummary, reportFile string) {
	if summary == nil {
		return
	}
	separator := "--------------------------------------------------"
	fmt.Fprintln(w, "\n"+separator)
	fmt.Fprintln(w, "Scrape complete")

	fmt.Fprintf(w, "  Channels:      %d\n", summary.Channels)
	fmt.Fprintf(w, "  Videos found:  %d\n", summary.VideosFound)
	fmt.Fprintf(w, "  Downloaded:    %d\n", summary.VideosDownloaded)
	fmt.Fprintf(w, "  Skipped:       %d\n", summary.VideosSkipped)
	fmt.Fprintf(w, "  Failed:        %d\n", summary.VideosFailed)
	successRate := 0.0
	if summary.VideosFound > 0 {
		successRate = float64(summary.VideosDownloaded) / float64(summary.VideosFound) * 100
	}
	fmt.Fprintf(w, "  Success rate:  %.2f%%\n", successRate)
	if summary.ListingFailures > 0 {
		fmt.Fprintf(w, "  Listing fails: %d %v\n", summary.ListingFailures, summary.FailedChannels)
	}
	if !summary.EndTime.IsZero() {
		fmt.Fprintf(w, "  Duration:      %v\n", summary.EndTime.Sub(summary.StartTime).Round(time.Millisecond))
	}
	if reportFile != "" {
		fmt.Fprintf(w, "  Report file:   %s\n", reportFile)
	}
	fmt.Fprintln(w, separator)
}

func newLogger(w io.Writer, verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if f, ok := w.(*os.File); ok && isTerminal(f) {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
