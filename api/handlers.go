package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aluiziolira/go-scrape-channels/models"
	"github.com/aluiziolira/go-scrape-channels/scraper"
	"github.com/aluiziolira/go-scrape-channels/store"
	"github.com/gin-gonic/gin"
)

// ChannelStore is the slice of *store.Store the handlers use.
type ChannelStore interface {
	Load(ctx context.Context) (*models.Document, error)
	AddChannel(ctx context.Context, in store.ChannelInput) ([]*models.Channel, error)
	UpdateChannel(ctx context.Context, patch store.ChannelPatch) ([]*models.Channel, error)
	RemoveChannel(ctx context.Context, id string) ([]*models.Channel, error)
	UpdateSettings(ctx context.Context, patch store.SettingsPatch) (models.ScraperSettings, error)
}

// Scraper runs scrapes on request.
type Scraper interface {
	ScrapeOne(ctx context.Context, id string) ([]*models.Video, error)
	ScrapeAll(ctx context.Context) (map[string][]*models.Video, *models.ScrapeSummary, error)
}

// Handler serves the control operations.
type Handler struct {
	store      ChannelStore
	scraper    Scraper
	onSettings func(models.ScraperSettings)
}

// NewHandler creates a handler over st and sc.
func NewHandler(st ChannelStore, sc Scraper) *Handler {
	return &Handler{store: st, scraper: sc}
}

// OnSettingsChange registers fn to run after every successful settings
// update.
func (h *Handler) OnSettingsChange(fn func(models.ScraperSettings)) {
	h.onSettings = fn
}

// Register mounts the control routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/channels", h.listChannels)
	r.POST("/channels", h.addChannel)
	r.PATCH("/channels/:id", h.updateChannel)
	r.DELETE("/channels/:id", h.removeChannel)
	r.POST("/channels/:id/scrape", h.scrapeOne)
	r.GET("/settings", h.getSettings)
	r.PATCH("/settings", h.updateSettings)
	r.POST("/scrape", h.scrapeAll)
}

// listChannels returns the whole document.
// GET /api/channels
func (h *Handler) listChannels(c *gin.Context) {
	doc, err := h.store.Load(c.Request.Context())
	if err != nil {
		respondFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"channels": doc.Channels,
		"settings": doc.Settings,
	})
}

// POST /api/channels
func (h *Handler) addChannel(c *gin.Context) {
	var req store.ChannelInput
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request payload: "+err.Error())
		return
	}

	channels, err := h.store.AddChannel(c.Request.Context(), req)
	if err != nil {
		respondFailure(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"channels": channels})
}

// PATCH /api/channels/:id
func (h *Handler) updateChannel(c *gin.Context) {
	var req store.ChannelPatch
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request payload: "+err.Error())
		return
	}
	req.ID = c.Param("id")

	channels, err := h.store.UpdateChannel(c.Request.Context(), req)
	if err != nil {
		respondFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels})
}

// DELETE /api/channels/:id
func (h *Handler) removeChannel(c *gin.Context) {
	channels, err := h.store.RemoveChannel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels})
}

// GET /api/settings
func (h *Handler) getSettings(c *gin.Context) {
	doc, err := h.store.Load(c.Request.Context())
	if err != nil {
		respondFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": doc.Settings})
}

// PATCH /api/settings
func (h *Handler) updateSettings(c *gin.Context) {
	var req store.SettingsPatch
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request payload: "+err.Error())
		return
	}

	settings, err := h.store.UpdateSettings(c.Request.Context(), req)
	if err != nil {
		respondFailure(c, err)
		return
	}
	if h.onSettings != nil {
		h.onSettings(settings)
	}
	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

// scrapeOne reports a listing failure as a warning next to the empty list.
// POST /api/channels/:id/scrape
func (h *Handler) scrapeOne(c *gin.Context) {
	videos, err := h.scraper.ScrapeOne(c.Request.Context(), c.Param("id"))
	var listingErr *scraper.ListingError
	switch {
	case errors.As(err, &listingErr):
		c.JSON(http.StatusOK, gin.H{"videos": emptyIfNil(videos), "warning": listingErr.Error()})
	case err != nil:
		respondFailure(c, err)
	default:
		c.JSON(http.StatusOK, gin.H{"videos": emptyIfNil(videos)})
	}
}

// POST /api/scrape
func (h *Handler) scrapeAll(c *gin.Context) {
	results, summary, err := h.scraper.ScrapeAll(c.Request.Context())
	if err != nil {
		slog.Error("scrape all failed", slog.Any("error", err))
		c.JSON(statusFor(err), gin.H{
			"error":   err.Error(),
			"results": results,
			"summary": summary,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "summary": summary})
}

// serveDownload serves a downloaded file from the current download
// directory. Directories and partial files are never exposed.
// GET {publicPrefix}/*filepath
func (h *Handler) serveDownload(c *gin.Context) {
	doc, err := h.store.Load(c.Request.Context())
	if err != nil {
		respondFailure(c, err)
		return
	}

	rel := path.Clean("/" + c.Param("filepath"))
	if rel == "/" || strings.HasSuffix(rel, ".part") {
		respondError(c, http.StatusNotFound, "file not found")
		return
	}
	full := filepath.Join(doc.Settings.DownloadPath, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil || !info.Mode().IsRegular() {
		respondError(c, http.StatusNotFound, "file not found")
		return
	}
	c.File(full)
}

func emptyIfNil(videos []*models.Video) []*models.Video {
	if videos == nil {
		return []*models.Video{}
	}
	return videos
}
