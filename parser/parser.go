// Package parser normalizes channel handles and video identifiers and
// validates scraped records.
package parser

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/aluiziolira/go-scrape-channels/models"
)

// DefaultProfileBase is the public site that profile and video page URLs are
// built on.
const DefaultProfileBase = "https://www.tiktok.com"

var (
	videoPathRegexp = regexp.MustCompile(`/video/(\d+)`)
	numericIDRegexp = regexp.MustCompile(`^\d+$`)
	// Handles may only hold characters that are safe as a single path
	// component.
	usernameRegexp = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
)

// NormalizeUsername strips surrounding whitespace and any leading "@".
func NormalizeUsername(username string) string {
	username = strings.TrimSpace(username)
	return strings.TrimLeft(username, "@")
}

// ValidUsername reports whether a normalized handle is usable in URLs and as
// a directory name.
func ValidUsername(username string) bool {
	return username != "" && username != "." && username != ".." && usernameRegexp.MatchString(username)
}

// ProfileURL derives the canonical profile URL for a handle.
func ProfileURL(base, username string) string {
	if base == "" {
		base = DefaultProfileBase
	}
	return strings.TrimSuffix(base, "/") + "/@" + NormalizeUsername(username)
}

// VideoPageURL builds the canonical page URL of one video.
func VideoPageURL(base, username, videoID string) string {
	return ProfileURL(base, username) + "/video/" + videoID
}

// ExtractVideoID returns the numeric id from a video page URL, or the input
// itself when it is already a bare id. It returns "" when no id is present.
func ExtractVideoID(raw string) string {
	raw = strings.TrimSpace(raw)
	if numericIDRegexp.MatchString(raw) {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	matches := videoPathRegexp.FindStringSubmatch(u.Path)
	if len(matches) != 2 {
		return ""
	}
	return matches[1]
}

// ValidVideoID reports whether id is a bare numeric video id, the only form
// allowed into file names.
func ValidVideoID(id string) bool {
	return numericIDRegexp.MatchString(id)
}

// VideoFileName is the on-disk name of a downloaded video:
// {user}_{YYYY-MM-DD}_{id}.mp4.
func VideoFileName(username string, day time.Time, videoID string) string {
	return fmt.Sprintf("%s_%s_%s.mp4", NormalizeUsername(username), day.UTC().Format(time.DateOnly), videoID)
}

// VideoFileGlob matches any previous download of videoID for username.
func VideoFileGlob(username, videoID string) string {
	return fmt.Sprintf("%s_*_%s.mp4", NormalizeUsername(username), videoID)
}

// PublicPath is the slash-separated path a UI uses to reference a file,
// rooted at prefix.
func PublicPath(prefix, username, fileName string) string {
	if prefix == "" {
		prefix = "/"
	}
	return path.Join(prefix, NormalizeUsername(username), fileName)
}

// ValidateChannel ensures a channel carries the fields the pipeline needs.
func ValidateChannel(ch *models.Channel) error {
	if ch == nil {
		return fmt.Errorf("channel is nil")
	}
	if strings.TrimSpace(ch.ID) == "" {
		return fmt.Errorf("channel missing id")
	}
	if !ValidUsername(NormalizeUsername(ch.Username)) {
		return fmt.Errorf("channel %s has invalid username %q", ch.ID, ch.Username)
	}
	return nil
}

// ValidateVideo ensures a scraped video record is complete enough to report.
func ValidateVideo(v *models.Video) error {
	if v == nil {
		return fmt.Errorf("video is nil")
	}
	if strings.TrimSpace(v.ID) == "" {
		return fmt.Errorf("video missing id")
	}
	if strings.TrimSpace(v.URL) == "" {
		return fmt.Errorf("video missing url for %s", v.ID)
	}
	if v.Downloaded && v.DownloadPath == "" {
		return fmt.Errorf("video %s marked downloaded without a path", v.ID)
	}
	if !v.Downloaded && v.DownloadPath != "" {
		return fmt.Errorf("video %s has a path but is not downloaded", v.ID)
	}
	return nil
}

// NormalizeCaption collapses whitespace runs in a caption.
func NormalizeCaption(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
