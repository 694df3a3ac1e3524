package store_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/assert"

	"github.com/aluiziolira/go-scrape-channels/models"
	"github.com/aluiziolira/go-scrape-channels/store"
)

func newTestStore(t *testing.T, storage store.Storage) *store.Store {
	t.Helper()
	s := store.New(storage, "https://www.tiktok.com")
	n := 0
	s.SetIDFunc(func() (string, error) {
		n++
		return fmt.Sprintf("ch-%d", n), nil
	})
	return s
}

func TestStore_LoadBootstrapsOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "channels.json")
	s := newTestStore(t, store.NewFileStorage(path))

	first, err := s.Load(ctx)
	assert.NilError(t, err)
	info, err := os.Stat(path)
	assert.NilError(t, err)
	modTime := info.ModTime()

	second, err := s.Load(ctx)
	assert.NilError(t, err)
	assert.DeepEqual(t, first, second)
	assert.DeepEqual(t, first, models.DefaultDocument())

	entries, err := os.ReadDir(filepath.Dir(path))
	assert.NilError(t, err)
	assert.Equal(t, len(entries), 1)

	info, err = os.Stat(path)
	assert.NilError(t, err)
	assert.Equal(t, info.ModTime(), modTime)
}

func TestStore_LoadBootstrapsMemoryOnce(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStorage(nil)
	s := newTestStore(t, mem)

	_, err := s.Load(ctx)
	assert.NilError(t, err)
	_, err = s.Load(ctx)
	assert.NilError(t, err)
	assert.Equal(t, mem.Saves(), 1)
}

func TestFileStorage_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "channels.json")
	fs := store.NewFileStorage(path)

	scraped := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
	doc := &models.Document{
		Channels: []*models.Channel{
			{ID: "1", Username: "foo", DisplayName: "Foo", URL: "https://www.tiktok.com/@foo", Enabled: true, LastScraped: &scraped},
			{ID: "2", Username: "bar", DisplayName: "Bar", URL: "https://www.tiktok.com/@bar", Enabled: false},
		},
		Settings: models.ScraperSettings{
			DownloadPath:        "/srv/videos",
			MaxVideosPerChannel: 7,
			Headless:            true,
			ScrapeInterval:      90000,
		},
	}

	assert.NilError(t, fs.Save(ctx, doc))
	got, err := fs.Load(ctx)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, doc)
}

func TestFileStorage_LoadMissing(t *testing.T) {
	fs := store.NewFileStorage(filepath.Join(t.TempDir(), "missing.json"))
	_, err := fs.Load(context.Background())
	assert.Assert(t, errors.Is(err, store.ErrNoDocument))
}

func TestFileStorage_LoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channels.json")
	assert.NilError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := store.NewFileStorage(path).Load(context.Background())
	var ioErr *store.IOError
	assert.Assert(t, errors.As(err, &ioErr))
	assert.Equal(t, ioErr.Op, "decode")
}

func TestFileStorage_SaveUnwritableDirectory(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	assert.NilError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	// A regular file where the parent directory should be.
	fs := store.NewFileStorage(filepath.Join(blocker, "channels.json"))
	err := fs.Save(context.Background(), models.DefaultDocument())
	var ioErr *store.IOError
	assert.Assert(t, errors.As(err, &ioErr))
	assert.Equal(t, ioErr.Op, "mkdir")
}

func TestStore_AddChannel(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, store.NewMemoryStorage(nil))

	channels, err := s.AddChannel(ctx, store.ChannelInput{Username: " @foo ", DisplayName: "Foo"})
	assert.NilError(t, err)
	assert.Equal(t, len(channels), 1)
	ch := channels[0]
	assert.Equal(t, ch.ID, "ch-1")
	assert.Equal(t, ch.Username, "foo")
	assert.Equal(t, ch.DisplayName, "Foo")
	assert.Equal(t, ch.URL, "https://www.tiktok.com/@foo")
	assert.Assert(t, ch.Enabled)
	assert.Assert(t, ch.LastScraped == nil)

	channels, err = s.AddChannel(ctx, store.ChannelInput{Username: "bar", URL: "https://example.test/bar"})
	assert.NilError(t, err)
	assert.Equal(t, len(channels), 2)
	assert.Equal(t, channels[1].DisplayName, "bar")
	assert.Equal(t, channels[1].URL, "https://example.test/bar")
}

func TestStore_AddChannelRejectsInvalidUsername(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStorage(nil)
	s := newTestStore(t, mem)

	for _, username := range []string{"", "@", "../etc", "a/b"} {
		_, err := s.AddChannel(ctx, store.ChannelInput{Username: username})
		var verr *store.ValidationError
		assert.Assert(t, errors.As(err, &verr), "username %q", username)
	}
	assert.Equal(t, mem.Saves(), 0)
}

func TestStore_UpdateChannel(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, store.NewMemoryStorage(nil))
	_, err := s.AddChannel(ctx, store.ChannelInput{Username: "foo"})
	assert.NilError(t, err)

	disabled := false
	renamed := "@foo2"
	channels, err := s.UpdateChannel(ctx, store.ChannelPatch{ID: "ch-1", Enabled: &disabled, Username: &renamed})
	assert.NilError(t, err)
	assert.Equal(t, channels[0].Enabled, false)
	assert.Equal(t, channels[0].Username, "foo2")
	assert.Equal(t, channels[0].URL, "https://www.tiktok.com/@foo2")
	assert.Equal(t, channels[0].DisplayName, "foo")

	_, err = s.UpdateChannel(ctx, store.ChannelPatch{ID: "nope", Enabled: &disabled})
	var nf *store.NotFoundError
	assert.Assert(t, errors.As(err, &nf))
	assert.Equal(t, nf.ID, "nope")
}

func TestStore_RemoveChannel(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, store.NewMemoryStorage(nil))
	for _, u := range []string{"a", "b", "c"} {
		_, err := s.AddChannel(ctx, store.ChannelInput{Username: u})
		assert.NilError(t, err)
	}

	channels, err := s.RemoveChannel(ctx, "ch-2")
	assert.NilError(t, err)
	assert.Equal(t, len(channels), 2)
	assert.Equal(t, channels[0].Username, "a")
	assert.Equal(t, channels[1].Username, "c")

	_, err = s.RemoveChannel(ctx, "ch-2")
	var nf *store.NotFoundError
	assert.Assert(t, errors.As(err, &nf))
}

func TestStore_UpdateSettings(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, store.NewMemoryStorage(nil))

	limit := 3
	headless := true
	settings, err := s.UpdateSettings(ctx, store.SettingsPatch{MaxVideosPerChannel: &limit, Headless: &headless})
	assert.NilError(t, err)
	assert.Equal(t, settings.MaxVideosPerChannel, 3)
	assert.Equal(t, settings.Headless, true)
	assert.Equal(t, settings.DownloadPath, models.DefaultSettings().DownloadPath)

	zero := 0
	_, err = s.UpdateSettings(ctx, store.SettingsPatch{MaxVideosPerChannel: &zero})
	var verr *store.ValidationError
	assert.Assert(t, errors.As(err, &verr))

	doc, err := s.Load(ctx)
	assert.NilError(t, err)
	assert.Equal(t, doc.Settings.MaxVideosPerChannel, 3)
}

func TestStore_FailedSaveLeavesDocumentUntouched(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStorage(nil)
	s := newTestStore(t, mem)
	_, err := s.AddChannel(ctx, store.ChannelInput{Username: "foo"})
	assert.NilError(t, err)

	mem.FailSaves(errors.New("disk full"))
	_, err = s.AddChannel(ctx, store.ChannelInput{Username: "bar"})
	var ioErr *store.IOError
	assert.Assert(t, errors.As(err, &ioErr))

	mem.FailSaves(nil)
	doc, err := s.Load(ctx)
	assert.NilError(t, err)
	assert.Equal(t, len(doc.Channels), 1)
}

func TestStore_MarkScraped(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, store.NewMemoryStorage(nil))
	_, err := s.AddChannel(ctx, store.ChannelInput{Username: "foo"})
	assert.NilError(t, err)

	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.NilError(t, s.MarkScraped(ctx, "ch-1", at))

	ch, err := s.Channel(ctx, "ch-1")
	assert.NilError(t, err)
	assert.Assert(t, ch.LastScraped != nil)
	assert.Equal(t, *ch.LastScraped, at)

	var nf *store.NotFoundError
	assert.Assert(t, errors.As(s.MarkScraped(ctx, "missing", at), &nf))
}
