package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cicadatesting/cicada/pkg/datastore"
)

// abortWithError maps service-layer errors to HTTP error responses.
// Not-found is part of the protocol: clients poll one-shot keys and
// treat 404 as "no data yet".
func abortWithError(c *gin.Context, err error) {
	if errors.Is(err, datastore.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	slog.Error("unexpected backend error", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}

func abortWithBindingError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
