package scraper

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-scrape-channels/config"
	"github.com/aluiziolira/go-scrape-channels/models"
	"github.com/aluiziolira/go-scrape-channels/parser"
	"github.com/gocolly/colly/v2"
)

const videoLinkSelector = `a[href*="/video/"]`

// PageListing reads video links from the server-rendered profile page and a
// bounded number of continuation pages.
type PageListing struct {
	cfg       *config.Config
	transport http.RoundTripper
	metrics   *Metrics
}

// NewPageListing builds the page listing strategy. When client carries a
// transport, the collector uses it.
func NewPageListing(cfg *config.Config, client *http.Client, metrics *Metrics) *PageListing {
	var transport http.RoundTripper
	if client != nil && client.Transport != nil {
		transport = client.Transport
	}
	return &PageListing{cfg: cfg, transport: transport, metrics: metrics}
}

func (p *PageListing) newCollector() *colly.Collector {
	collector := colly.NewCollector(
		colly.UserAgent(p.cfg.UserAgent),
	)
	collector.SetRequestTimeout(p.cfg.Timeout)
	if p.transport != nil {
		collector.WithTransport(p.transport)
	} else {
		collector.WithTransport(newHTTPClient(p.cfg.Timeout).Transport)
	}
	return collector
}

// ListVideos implements ListingResolver.
func (p *PageListing) ListVideos(ctx context.Context, ch *models.Channel, maxCount int) ([]*models.Video, error) {
	username := parser.NormalizeUsername(ch.Username)
	if maxCount <= 0 {
		return []*models.Video{}, nil
	}
	profile := parser.ProfileURL(p.cfg.ProfileBase, username)

	var (
		videos  = make([]*models.Video, 0, maxCount)
		seen    = make(map[string]struct{})
		pageErr error
		status  int
	)

	collector := p.newCollector()
	collector.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		r.Ctx.Put("start", time.Now())
		p.metrics.IncRequest("listing")
	})

	collector.OnResponse(func(r *colly.Response) {
		if start, ok := r.Request.Ctx.GetAny("start").(time.Time); ok {
			p.metrics.ObserveDuration("listing", time.Since(start))
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		pageErr = err
	})

	collector.OnHTML("body", func(e *colly.HTMLElement) {
		for _, link := range extractVideoLinks(e.DOM, e.Request.URL, username, p.cfg.ProfileBase) {
			if len(videos) >= maxCount {
				return
			}
			if _, dup := seen[link]; dup {
				continue
			}
			seen[link] = struct{}{}
			videos = append(videos, &models.Video{
				ID:     parser.ExtractVideoID(link),
				URL:    link,
				Author: username,
				Status: models.StatusPending,
			})
		}
	})

	for page := 1; page <= p.cfg.PageScrolls+1 && len(videos) < maxCount; page++ {
		if err := ctx.Err(); err != nil {
			return nil, &ListingError{Channel: username, Stage: "request", Err: err}
		}

		pageURL := profile
		if page > 1 {
			pageURL = profile + "?page=" + strconv.Itoa(page)
		}

		before := len(videos)
		pageErr, status = nil, 0
		if err := collector.Visit(pageURL); err != nil && pageErr == nil {
			pageErr = err
		}
		if pageErr != nil {
			if page == 1 {
				classified := classifyError(pageErr, status)
				return nil, &ListingError{Channel: username, Stage: errorStage(status, classified), StatusCode: status, Err: classified}
			}
			slog.Debug("continuation page failed",
				slog.String("channel", username),
				slog.Int("page", page),
				slog.Any("error", pageErr),
			)
			break
		}
		if len(videos) == before {
			break
		}
	}

	slog.Debug("listed channel videos",
		slog.String("channel", username),
		slog.String("strategy", "page"),
		slog.Int("videos", len(videos)),
	)
	return videos, nil
}

// extractVideoLinks returns canonical page URLs of the videos sel links to
// that belong to username, in document order.
func extractVideoLinks(sel *goquery.Selection, base *url.URL, username, profileBase string) []string {
	var links []string
	sel.Find(videoLinkSelector).Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok {
			return
		}
		u, err := base.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		id := parser.ExtractVideoID(u.String())
		if id == "" {
			return
		}
		if author := linkAuthor(u.Path); author != "" && !strings.EqualFold(author, username) {
			return
		}
		links = append(links, parser.VideoPageURL(profileBase, username, id))
	})
	return links
}

// linkAuthor returns the handle segment of a /@user/video/id path.
func linkAuthor(p string) string {
	first, _, _ := strings.Cut(strings.TrimPrefix(p, "/"), "/")
	if !strings.HasPrefix(first, "@") {
		return ""
	}
	return strings.TrimPrefix(first, "@")
}
