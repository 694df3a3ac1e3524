// Package models defines data structures for the scraper.
package models

import "time"

// Channel is a tracked creator handle whose videos are collected.
type Channel struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"displayName"`
	URL         string     `json:"url"`
	Enabled     bool       `json:"enabled"`
	LastScraped *time.Time `json:"lastScraped"`
}

// ScraperSettings are the user-editable settings persisted next to the
// channel list.
type ScraperSettings struct {
	DownloadPath        string `json:"downloadPath"`
	MaxVideosPerChannel int    `json:"maxVideosPerChannel"`
	// Headless selects the page listing strategy instead of the API one.
	Headless bool `json:"headless"`
	// ScrapeInterval is the re-scrape cadence in milliseconds. Zero disables
	// the scheduler.
	ScrapeInterval int64 `json:"scrapeInterval"`
}

// Interval returns ScrapeInterval as a duration.
func (s ScraperSettings) Interval() time.Duration {
	return time.Duration(s.ScrapeInterval) * time.Millisecond
}

// Document is the single persisted unit: every channel plus the settings.
type Document struct {
	Channels []*Channel      `json:"channels"`
	Settings ScraperSettings `json:"settings"`
}

// DefaultSettings returns the settings used when no document exists yet.
func DefaultSettings() ScraperSettings {
	return ScraperSettings{
		DownloadPath:        "downloads",
		MaxVideosPerChannel: 10,
		Headless:            false,
		ScrapeInterval:      int64(time.Hour / time.Millisecond),
	}
}

// DefaultDocument returns the bootstrap document.
func DefaultDocument() *Document {
	return &Document{
		Channels: []*Channel{},
		Settings: DefaultSettings(),
	}
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := &Document{
		Channels: make([]*Channel, 0, len(d.Channels)),
		Settings: d.Settings,
	}
	for _, ch := range d.Channels {
		out.Channels = append(out.Channels, ch.Clone())
	}
	return out
}

// FindChannel returns the index of the channel with id, or -1.
func (d *Document) FindChannel(id string) int {
	for i, ch := range d.Channels {
		if ch.ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a copy of the channel that shares no pointers with it.
func (c *Channel) Clone() *Channel {
	if c == nil {
		return nil
	}
	out := *c
	if c.LastScraped != nil {
		ts := *c.LastScraped
		out.LastScraped = &ts
	}
	return &out
}
