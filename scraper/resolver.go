package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/aluiziolira/go-scrape-channels/config"
	"github.com/aluiziolira/go-scrape-channels/models"
	"github.com/aluiziolira/go-scrape-channels/parser"
	lru "github.com/hashicorp/golang-lru/v2"
)

// MediaURLResolver finds a directly downloadable media URL for a video.
// An empty URL with a nil error means none was found.
type MediaURLResolver interface {
	Resolve(ctx context.Context, v *models.Video) (string, error)
}

type resolveResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data *struct {
		Play   string `json:"play"`
		WmPlay string `json:"wmplay"`
		HDPlay string `json:"hdplay"`
	} `json:"data"`
}

// TikwmResolver resolves media URLs through the lookup endpoint of the
// listing API and caches hits by video id.
type TikwmResolver struct {
	api         apiClient
	apiBase     string
	profileBase string
	cache       *lru.Cache[string, string]
}

// NewTikwmResolver builds a resolver with an LRU of cfg.ResolveCacheSize
// entries.
func NewTikwmResolver(cfg *config.Config, client *http.Client, metrics *Metrics) (*TikwmResolver, error) {
	if client == nil {
		client = newHTTPClient(cfg.Timeout)
	}
	size := cfg.ResolveCacheSize
	if size <= 0 {
		size = 1
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("init resolve cache: %w", err)
	}
	return &TikwmResolver{
		api: apiClient{
			client:    client,
			userAgent: cfg.UserAgent,
			timeout:   cfg.Timeout,
			metrics:   metrics,
		},
		apiBase:     strings.TrimSuffix(cfg.ListingAPIBase, "/"),
		profileBase: cfg.ProfileBase,
		cache:       cache,
	}, nil
}

// Resolve implements MediaURLResolver.
func (r *TikwmResolver) Resolve(ctx context.Context, v *models.Video) (string, error) {
	if cached, ok := r.cache.Get(v.ID); ok {
		return cached, nil
	}

	pageURL := v.URL
	if pageURL == "" {
		pageURL = parser.VideoPageURL(r.profileBase, v.Author, v.ID)
	}
	query := url.Values{}
	query.Set("url", pageURL)
	query.Set("hd", "1")
	endpoint := r.apiBase + "/api/?" + query.Encode()

	var payload resolveResponse
	status, err := r.api.getJSON(ctx, "resolve", endpoint, &payload)
	if err != nil {
		return "", &ResolutionError{VideoID: v.ID, StatusCode: status, Err: err}
	}
	if payload.Code != 0 || payload.Data == nil {
		slog.Debug("no media url for video",
			slog.String("video_id", v.ID),
			slog.Int("code", payload.Code),
			slog.String("msg", payload.Msg),
		)
		return "", nil
	}

	media := absoluteMediaURL(r.apiBase, firstNonEmpty(payload.Data.Play, payload.Data.WmPlay, payload.Data.HDPlay))
	if media != "" {
		r.cache.Add(v.ID, media)
	}
	return media, nil
}
