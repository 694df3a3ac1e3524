// Package api exposes the channel store and scraper over HTTP.
package api

import (
	"errors"
	"net/http"

	"github.com/aluiziolira/go-scrape-channels/scraper"
	"github.com/aluiziolira/go-scrape-channels/store"
	"github.com/gin-gonic/gin"
)

// respondError sends a JSON error response.
func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// respondBadRequest sends a 400 with message.
func respondBadRequest(c *gin.Context, message string) {
	respondError(c, http.StatusBadRequest, message)
}

// respondFailure maps a store or scraper error to its status code.
func respondFailure(c *gin.Context, err error) {
	respondError(c, statusFor(err), err.Error())
}

func statusFor(err error) int {
	var (
		notFound   *store.NotFoundError
		disabled   *scraper.DisabledChannelError
		validation *store.ValidationError
	)
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &disabled):
		return http.StatusConflict
	case errors.As(err, &validation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
