package scraper

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/aluiziolira/go-scrape-channels/config"
	"github.com/aluiziolira/go-scrape-channels/models"
	"github.com/aluiziolira/go-scrape-channels/parser"
)

// ListingResolver turns a channel into an ordered list of its most recent
// videos. Implementations return at most maxCount unique videos and report
// failures as *ListingError.
type ListingResolver interface {
	ListVideos(ctx context.Context, ch *models.Channel, maxCount int) ([]*models.Video, error)
}

// NewListingResolver picks the listing strategy selected by settings.
func NewListingResolver(cfg *config.Config, settings models.ScraperSettings, client *http.Client, metrics *Metrics) ListingResolver {
	if settings.Headless {
		return NewPageListing(cfg, client, metrics)
	}
	return NewAPIListing(cfg, client, metrics)
}

type userPostsResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data *struct {
		Videos []apiVideo `json:"videos"`
	} `json:"data"`
}

type apiVideo struct {
	VideoID      flexString `json:"video_id"`
	Title        string     `json:"title"`
	Play         string     `json:"play"`
	WmPlay       string     `json:"wmplay"`
	HDPlay       string     `json:"hdplay"`
	DiggCount    int64      `json:"digg_count"`
	CommentCount int64      `json:"comment_count"`
	ShareCount   int64      `json:"share_count"`
	PlayCount    int64      `json:"play_count"`
	Duration     int        `json:"duration"`
	CreateTime   int64      `json:"create_time"`
}

// APIListing lists videos through the JSON user-posts endpoint.
type APIListing struct {
	api         apiClient
	apiBase     string
	profileBase string
	retry       *retrier
}

// NewAPIListing builds the lightweight listing strategy. A nil client gets a
// pooled default transport.
func NewAPIListing(cfg *config.Config, client *http.Client, metrics *Metrics) *APIListing {
	if client == nil {
		client = newHTTPClient(cfg.Timeout)
	}
	return &APIListing{
		api: apiClient{
			client:    client,
			userAgent: cfg.UserAgent,
			timeout:   cfg.Timeout,
			metrics:   metrics,
		},
		apiBase:     strings.TrimSuffix(cfg.ListingAPIBase, "/"),
		profileBase: cfg.ProfileBase,
		retry:       newRetrier(cfg, metrics, nil),
	}
}

// SetSleeper replaces the backoff sleep, mainly for tests.
func (l *APIListing) SetSleeper(sleep Sleeper) {
	if sleep != nil {
		l.retry.sleep = sleep
	}
}

// ListVideos implements ListingResolver.
func (l *APIListing) ListVideos(ctx context.Context, ch *models.Channel, maxCount int) ([]*models.Video, error) {
	username := parser.NormalizeUsername(ch.Username)
	if maxCount <= 0 {
		return []*models.Video{}, nil
	}

	query := url.Values{}
	query.Set("unique_id", username)
	query.Set("count", strconv.Itoa(maxCount))
	endpoint := l.apiBase + "/api/user/posts?" + query.Encode()

	var (
		payload userPostsResponse
		status  int
	)
	err := l.retry.Do(ctx, endpoint, func() error {
		payload = userPostsResponse{}
		var reqErr error
		status, reqErr = l.api.getJSON(ctx, "listing", endpoint, &payload)
		return reqErr
	})
	if err != nil {
		return nil, &ListingError{Channel: username, Stage: errorStage(status, err), StatusCode: status, Err: err}
	}
	if payload.Code != 0 || payload.Data == nil {
		msg := payload.Msg
		if msg == "" {
			msg = "no data in response"
		}
		return nil, &ListingError{Channel: username, Stage: "decode", StatusCode: status, Err: errors.New(msg)}
	}

	videos := make([]*models.Video, 0, min(len(payload.Data.Videos), maxCount))
	seen := make(map[string]struct{}, len(payload.Data.Videos))
	for _, item := range payload.Data.Videos {
		if len(videos) >= maxCount {
			break
		}
		id := strings.TrimSpace(string(item.VideoID))
		if !parser.ValidVideoID(id) {
			if id != "" {
				slog.Warn("dropping video with malformed id", slog.String("channel", username), slog.String("video_id", id))
			}
			continue
		}
		pageURL := parser.VideoPageURL(l.profileBase, username, id)
		if _, dup := seen[pageURL]; dup {
			continue
		}
		seen[pageURL] = struct{}{}

		videos = append(videos, &models.Video{
			ID:          id,
			URL:         pageURL,
			DownloadURL: l.absolute(firstNonEmpty(item.Play, item.WmPlay, item.HDPlay)),
			Caption:     parser.NormalizeCaption(item.Title),
			Likes:       item.DiggCount,
			Comments:    item.CommentCount,
			Shares:      item.ShareCount,
			Plays:       item.PlayCount,
			Duration:    item.Duration,
			CreateTime:  unixTime(item.CreateTime),
			Author:      username,
			Status:      models.StatusPending,
		})
	}

	slog.Debug("listed channel videos",
		slog.String("channel", username),
		slog.String("strategy", "api"),
		slog.Int("videos", len(videos)),
	)
	return videos, nil
}

// absolute resolves media paths the API returns relative to itself.
func (l *APIListing) absolute(raw string) string {
	return absoluteMediaURL(l.apiBase, raw)
}

func absoluteMediaURL(apiBase, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	if strings.HasPrefix(raw, "/") {
		return apiBase + raw
	}
	return apiBase + "/" + raw
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
