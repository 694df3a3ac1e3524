package scraper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-channels/config"
	"github.com/aluiziolira/go-scrape-channels/downloader"
	"github.com/aluiziolira/go-scrape-channels/models"
	"github.com/aluiziolira/go-scrape-channels/store"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeListing struct {
	mu     sync.Mutex
	calls  []string
	videos map[string]int
	ids    map[string][]string
	errs   map[string]error
}

func (f *fakeListing) ListVideos(_ context.Context, ch *models.Channel, maxCount int) ([]*models.Video, error) {
	f.mu.Lock()
	f.calls = append(f.calls, ch.Username)
	f.mu.Unlock()

	if err := f.errs[ch.Username]; err != nil {
		return nil, err
	}
	ids := f.ids[ch.Username]
	if ids == nil {
		for i := 1; i <= f.videos[ch.Username]; i++ {
			ids = append(ids, fmt.Sprintf("%s%03d", idPrefix(ch.Username), i))
		}
	}
	var out []*models.Video
	for _, id := range ids {
		if len(out) >= maxCount {
			break
		}
		out = append(out, &models.Video{
			ID:     id,
			URL:    "https://www.tiktok.com/@" + ch.Username + "/video/" + id,
			Author: ch.Username,
			Status: models.StatusPending,
		})
	}
	return out, nil
}

func idPrefix(username string) string {
	return fmt.Sprintf("7%d", len(username))
}

type fakeResolver struct {
	mu    sync.Mutex
	calls int
	empty map[string]bool
	errs  map[string]error
}

func (f *fakeResolver) Resolve(_ context.Context, v *models.Video) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if err := f.errs[v.ID]; err != nil {
		return "", err
	}
	if f.empty[v.ID] {
		return "", nil
	}
	return "https://cdn.test/" + v.ID + ".mp4", nil
}

type fakeDownloader struct {
	mu      sync.Mutex
	dests   []string
	fail    map[string]bool
	started chan struct{}
	block   chan struct{}
}

func (f *fakeDownloader) Download(ctx context.Context, url, dest string) error {
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.dests = append(f.dests, dest)
	f.mu.Unlock()
	if ctx.Err() != nil {
		return &downloader.DownloadError{URL: url, Err: ctx.Err()}
	}
	if f.fail[url] {
		return &downloader.DownloadError{URL: url, StatusCode: 404, Err: downloader.ErrUnexpectedStatus}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, []byte("video:"+url), 0o644)
}

func (f *fakeDownloader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dests)
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
	onCall func(n int)
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	n := len(r.delays)
	r.mu.Unlock()
	if r.onCall != nil {
		r.onCall(n)
	}
	return ctx.Err()
}

type collectingReport struct {
	mu     sync.Mutex
	videos []*models.Video
}

func (c *collectingReport) Process(videos []*models.Video) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.videos = append(c.videos, videos...)
	return nil
}

type harness struct {
	cfg      *config.Config
	storage  *store.MemoryStorage
	store    *store.Store
	listing  *fakeListing
	resolver *fakeResolver
	dl       *fakeDownloader
	sleeper  *recordingSleeper
	report   *collectingReport
	scraper  *Scraper
}

func newHarness(t *testing.T, maxVideos int, usernames ...string) *harness {
	t.Helper()

	doc := models.DefaultDocument()
	doc.Settings.DownloadPath = t.TempDir()
	doc.Settings.MaxVideosPerChannel = maxVideos
	for i, name := range usernames {
		doc.Channels = append(doc.Channels, &models.Channel{
			ID:          fmt.Sprintf("ch-%d", i+1),
			Username:    name,
			DisplayName: name,
			URL:         "https://www.tiktok.com/@" + name,
			Enabled:     true,
		})
	}

	cfg := config.DefaultConfig()
	h := &harness{
		cfg:      cfg,
		storage:  store.NewMemoryStorage(doc),
		listing:  &fakeListing{videos: map[string]int{}, ids: map[string][]string{}, errs: map[string]error{}},
		resolver: &fakeResolver{empty: map[string]bool{}, errs: map[string]error{}},
		dl:       &fakeDownloader{fail: map[string]bool{}},
		sleeper:  &recordingSleeper{},
		report:   &collectingReport{},
	}
	h.store = store.New(h.storage, cfg.ProfileBase)
	h.scraper = New(cfg, Deps{
		Store:      h.store,
		APIListing: h.listing,
		Resolver:   h.resolver,
		Downloader: h.dl,
		Report:     h.report,
		Sleep:      h.sleeper.Sleep,
		Now:        func() time.Time { return fixedNow },
	}, NewMetrics())
	return h
}

func (h *harness) downloadDir() string {
	doc, _ := h.storage.Load(context.Background())
	return doc.Settings.DownloadPath
}

func TestScrapeOne_Scenario(t *testing.T) {
	h := newHarness(t, 3, "foo")
	h.listing.videos["foo"] = 5

	videos, err := h.scraper.ScrapeOne(context.Background(), "ch-1")
	if err != nil {
		t.Fatalf("ScrapeOne error: %v", err)
	}
	if len(videos) != 3 {
		t.Fatalf("videos = %d, want 3", len(videos))
	}

	paths := make(map[string]struct{})
	for _, v := range videos {
		if !v.Downloaded {
			t.Fatalf("video %s not downloaded: %s", v.ID, v.Error)
		}
		if !strings.Contains(v.DownloadPath, "foo") || !strings.Contains(v.DownloadPath, v.ID) {
			t.Fatalf("download path %q missing username or id", v.DownloadPath)
		}
		want := "/downloads/foo/foo_2024-05-01_" + v.ID + ".mp4"
		if v.DownloadPath != want {
			t.Fatalf("download path = %q, want %q", v.DownloadPath, want)
		}
		if _, err := os.Stat(filepath.Join(h.downloadDir(), "foo", filepath.Base(v.DownloadPath))); err != nil {
			t.Fatalf("file for %s missing: %v", v.ID, err)
		}
		paths[v.DownloadPath] = struct{}{}
	}
	if len(paths) != 3 {
		t.Fatalf("distinct paths = %d, want 3", len(paths))
	}

	ch, err := h.store.Channel(context.Background(), "ch-1")
	if err != nil {
		t.Fatalf("load channel: %v", err)
	}
	if ch.LastScraped == nil || !ch.LastScraped.Equal(fixedNow) {
		t.Fatalf("lastScraped = %v, want %v", ch.LastScraped, fixedNow)
	}
	if got := len(h.report.videos); got != 3 {
		t.Fatalf("reported videos = %d, want 3", got)
	}
}

func TestScrapeOne_PartialFailureIsolation(t *testing.T) {
	h := newHarness(t, 10, "alice")
	h.listing.videos["alice"] = 5
	h.resolver.errs["75003"] = &ResolutionError{VideoID: "75003", Err: errors.New("boom")}
	h.dl.fail["https://cdn.test/75005.mp4"] = true

	videos, err := h.scraper.ScrapeOne(context.Background(), "ch-1")
	if err != nil {
		t.Fatalf("ScrapeOne error: %v", err)
	}
	if len(videos) != 5 {
		t.Fatalf("videos = %d, want 5", len(videos))
	}

	want := []bool{true, true, false, true, false}
	for i, v := range videos {
		if v.Downloaded != want[i] {
			t.Fatalf("video #%d downloaded = %v, want %v (%s)", i+1, v.Downloaded, want[i], v.Error)
		}
	}
	if videos[2].Status != models.StatusSkipped {
		t.Fatalf("video #3 status = %q, want skipped", videos[2].Status)
	}
	if videos[4].Status != models.StatusFailed || videos[4].DownloadPath != "" {
		t.Fatalf("video #5 = %+v, want failed without path", videos[4])
	}
	if got := h.dl.count(); got != 4 {
		t.Fatalf("download attempts = %d, want 4", got)
	}
}

func TestScrapeOne_EmptyResolutionSkips(t *testing.T) {
	h := newHarness(t, 2, "alice")
	h.listing.videos["alice"] = 2
	h.resolver.empty["75001"] = true

	videos, err := h.scraper.ScrapeOne(context.Background(), "ch-1")
	if err != nil {
		t.Fatalf("ScrapeOne error: %v", err)
	}
	if videos[0].Downloaded || videos[0].Status != models.StatusSkipped {
		t.Fatalf("video #1 = %+v, want skipped", videos[0])
	}
	if !videos[1].Downloaded {
		t.Fatalf("video #2 not downloaded")
	}
}

func TestScrapeOne_Errors(t *testing.T) {
	h := newHarness(t, 3, "alice", "bob")
	disabled := false
	if _, err := h.store.UpdateChannel(context.Background(), store.ChannelPatch{ID: "ch-2", Enabled: &disabled}); err != nil {
		t.Fatalf("disable channel: %v", err)
	}

	_, err := h.scraper.ScrapeOne(context.Background(), "missing")
	var notFound *store.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("error = %v, want NotFoundError", err)
	}

	_, err = h.scraper.ScrapeOne(context.Background(), "ch-2")
	var disabledErr *DisabledChannelError
	if !errors.As(err, &disabledErr) {
		t.Fatalf("error = %v, want DisabledChannelError", err)
	}
	if len(h.listing.calls) != 0 {
		t.Fatalf("listing called %d times, want 0", len(h.listing.calls))
	}
}

func TestScrapeOne_ListingFailureStillMarksScraped(t *testing.T) {
	h := newHarness(t, 3, "alice")
	h.listing.errs["alice"] = &ListingError{Channel: "alice", Stage: "status", StatusCode: 500, Err: errors.New("down")}

	videos, err := h.scraper.ScrapeOne(context.Background(), "ch-1")
	var listingErr *ListingError
	if !errors.As(err, &listingErr) {
		t.Fatalf("error = %v, want ListingError", err)
	}
	if videos == nil || len(videos) != 0 {
		t.Fatalf("videos = %v, want empty list", videos)
	}
	ch, _ := h.store.Channel(context.Background(), "ch-1")
	if ch.LastScraped == nil {
		t.Fatalf("lastScraped not recorded after listing failure")
	}
}

func TestScrapeAll_BatchResilience(t *testing.T) {
	h := newHarness(t, 2, "alice", "bob", "carol")
	h.listing.videos["alice"] = 2
	h.listing.videos["carol"] = 2
	h.listing.errs["bob"] = &ListingError{Channel: "bob", Stage: "request", Err: errors.New("connection reset")}

	results, summary, err := h.scraper.ScrapeAll(context.Background())
	if err != nil {
		t.Fatalf("ScrapeAll error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d channels, want 3", len(results))
	}
	for _, id := range []string{"ch-1", "ch-3"} {
		if len(results[id]) != 2 {
			t.Fatalf("%s videos = %d, want 2", id, len(results[id]))
		}
		for _, v := range results[id] {
			if !v.Downloaded {
				t.Fatalf("%s video %s not downloaded", id, v.ID)
			}
		}
	}
	bob, ok := results["ch-2"]
	if !ok || len(bob) != 0 {
		t.Fatalf("ch-2 = %v (present %v), want empty list", bob, ok)
	}

	if summary.Channels != 3 || summary.VideosDownloaded != 4 || summary.ListingFailures != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(summary.FailedChannels) != 1 || summary.FailedChannels[0] != "bob" {
		t.Fatalf("failed channels = %v, want [bob]", summary.FailedChannels)
	}

	doc, _ := h.store.Load(context.Background())
	for _, ch := range doc.Channels {
		if ch.LastScraped == nil {
			t.Fatalf("channel %s lastScraped not set", ch.Username)
		}
	}
}

func TestScrapeAll_SkipsDisabledAndDelaysBetweenChannels(t *testing.T) {
	h := newHarness(t, 2, "alice", "bob", "carol")
	h.listing.videos["alice"] = 2
	h.listing.videos["carol"] = 1
	disabled := false
	if _, err := h.store.UpdateChannel(context.Background(), store.ChannelPatch{ID: "ch-2", Enabled: &disabled}); err != nil {
		t.Fatalf("disable channel: %v", err)
	}

	results, _, err := h.scraper.ScrapeAll(context.Background())
	if err != nil {
		t.Fatalf("ScrapeAll error: %v", err)
	}
	if _, ok := results["ch-2"]; ok {
		t.Fatalf("disabled channel present in results")
	}
	if got := strings.Join(h.listing.calls, ","); got != "alice,carol" {
		t.Fatalf("listing order = %q, want alice,carol", got)
	}

	// alice: one delay between its two downloads; one between channels.
	want := []time.Duration{h.cfg.VideoDelay, h.cfg.ChannelDelay}
	if len(h.sleeper.delays) != len(want) {
		t.Fatalf("delays = %v, want %v", h.sleeper.delays, want)
	}
	for i := range want {
		if h.sleeper.delays[i] != want[i] {
			t.Fatalf("delays = %v, want %v", h.sleeper.delays, want)
		}
	}
}

func TestScrapeAll_StoreFailureStopsRun(t *testing.T) {
	h := newHarness(t, 1, "alice", "bob")
	h.listing.videos["alice"] = 1
	h.listing.videos["bob"] = 1
	h.storage.FailSaves(errors.New("disk full"))

	results, _, err := h.scraper.ScrapeAll(context.Background())
	var ioErr *store.IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("error = %v, want IOError", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d channels, want 1 before abort", len(results))
	}
	if got := strings.Join(h.listing.calls, ","); got != "alice" {
		t.Fatalf("listing calls = %q, want alice only", got)
	}
}

func TestScrapeOne_CancellationBetweenVideos(t *testing.T) {
	h := newHarness(t, 5, "alice")
	h.listing.videos["alice"] = 5

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Cancel during the delay that follows the second download.
	h.sleeper.onCall = func(n int) {
		if n == 2 {
			cancel()
		}
	}

	videos, err := h.scraper.ScrapeOne(ctx, "ch-1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if len(videos) != 5 {
		t.Fatalf("videos = %d, want 5", len(videos))
	}
	for i, v := range videos {
		wantDone := i < 2
		if v.Downloaded != wantDone {
			t.Fatalf("video #%d downloaded = %v, want %v", i+1, v.Downloaded, wantDone)
		}
		if !wantDone && v.Status != models.StatusSkipped {
			t.Fatalf("video #%d status = %q, want skipped", i+1, v.Status)
		}
	}

	ch, _ := h.store.Channel(context.Background(), "ch-1")
	if ch.LastScraped == nil {
		t.Fatalf("lastScraped not recorded after cancellation")
	}
}

func TestScrapeOne_InFlightDownloadFinishesOnCancel(t *testing.T) {
	h := newHarness(t, 2, "alice")
	h.listing.videos["alice"] = 2
	h.dl.started = make(chan struct{}, 1)
	h.dl.block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan []*models.Video, 1)
	go func() {
		videos, _ := h.scraper.ScrapeOne(ctx, "ch-1")
		done <- videos
	}()

	select {
	case <-h.dl.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("download never started")
	}
	cancel()
	close(h.dl.block)

	var videos []*models.Video
	select {
	case videos = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("scrape did not return after cancellation")
	}
	if len(videos) != 2 {
		t.Fatalf("videos = %d, want 2", len(videos))
	}
	if !videos[0].Downloaded {
		t.Fatalf("in-flight video = %+v, want downloaded", videos[0])
	}
	if videos[1].Status != models.StatusSkipped {
		t.Fatalf("second video status = %q, want skipped", videos[1].Status)
	}
}

func TestScrapeOne_SkipsExistingDownloads(t *testing.T) {
	h := newHarness(t, 2, "alice")
	h.listing.videos["alice"] = 2

	dir := filepath.Join(h.downloadDir(), "alice")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	previous := "alice_2024-04-01_75001.mp4"
	if err := os.WriteFile(filepath.Join(dir, previous), []byte("old"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	videos, err := h.scraper.ScrapeOne(context.Background(), "ch-1")
	if err != nil {
		t.Fatalf("ScrapeOne error: %v", err)
	}
	if !videos[0].Downloaded || videos[0].DownloadPath != "/downloads/alice/"+previous {
		t.Fatalf("video #1 = %+v, want existing file reused", videos[0])
	}
	if got := h.dl.count(); got != 1 {
		t.Fatalf("download attempts = %d, want 1", got)
	}
	if h.resolver.calls != 1 {
		t.Fatalf("resolver calls = %d, want 1", h.resolver.calls)
	}
}

func TestScrapeOne_RedownloadsWhenSkipExistingOff(t *testing.T) {
	h := newHarness(t, 1, "alice")
	h.cfg.SkipExisting = false
	h.listing.videos["alice"] = 1

	for i := 0; i < 2; i++ {
		if _, err := h.scraper.ScrapeOne(context.Background(), "ch-1"); err != nil {
			t.Fatalf("ScrapeOne #%d error: %v", i+1, err)
		}
	}
	if got := h.dl.count(); got != 2 {
		t.Fatalf("download attempts = %d, want 2", got)
	}
}

func TestScrapeOne_UsesPageListingWhenHeadless(t *testing.T) {
	h := newHarness(t, 1, "alice")
	page := &fakeListing{videos: map[string]int{"alice": 1}, errs: map[string]error{}}
	h.scraper.page = page
	headless := true
	if _, err := h.store.UpdateSettings(context.Background(), store.SettingsPatch{Headless: &headless}); err != nil {
		t.Fatalf("update settings: %v", err)
	}

	if _, err := h.scraper.ScrapeOne(context.Background(), "ch-1"); err != nil {
		t.Fatalf("ScrapeOne error: %v", err)
	}
	if len(page.calls) != 1 || len(h.listing.calls) != 0 {
		t.Fatalf("page calls = %d, api calls = %d; want 1, 0", len(page.calls), len(h.listing.calls))
	}
}

func TestScrapeOne_RejectsMalformedVideoIDs(t *testing.T) {
	h := newHarness(t, 3, "foo")
	h.listing.ids["foo"] = []string{"1/../../../escaped", "73001"}

	videos, err := h.scraper.ScrapeOne(context.Background(), "ch-1")
	if err != nil {
		t.Fatalf("ScrapeOne error: %v", err)
	}
	if len(videos) != 2 {
		t.Fatalf("videos = %d, want 2", len(videos))
	}
	if videos[0].Status != models.StatusFailed || videos[0].Downloaded || videos[0].DownloadPath != "" {
		t.Fatalf("malformed id video = %+v, want failed without path", videos[0])
	}
	if videos[1].Status != models.StatusDone {
		t.Fatalf("valid video status = %s, want done", videos[1].Status)
	}
	if h.resolver.calls != 1 || h.dl.count() != 1 {
		t.Fatalf("resolver calls = %d, downloads = %d; want 1 each", h.resolver.calls, h.dl.count())
	}

	root := h.downloadDir()
	for _, dest := range h.dl.dests {
		if !strings.HasPrefix(dest, filepath.Join(root, "foo")+string(filepath.Separator)) {
			t.Fatalf("download dest %s outside channel directory", dest)
		}
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(root), "escaped.mp4")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("file written outside download root, stat err = %v", err)
	}
}

func TestScrape_RejectsInvalidStoredSettings(t *testing.T) {
	h := newHarness(t, -1, "foo")
	h.listing.videos["foo"] = 3

	_, err := h.scraper.ScrapeOne(context.Background(), "ch-1")
	var validation *store.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("ScrapeOne error = %v, want ValidationError", err)
	}

	_, _, err = h.scraper.ScrapeAll(context.Background())
	if !errors.As(err, &validation) {
		t.Fatalf("ScrapeAll error = %v, want ValidationError", err)
	}
	if len(h.listing.calls) != 0 {
		t.Fatalf("listing called %d times, want 0", len(h.listing.calls))
	}
}
