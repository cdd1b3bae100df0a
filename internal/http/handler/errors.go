package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ottlab/streamd/internal/apperr"
)

// abortWithError maps the core's error kinds onto HTTP statuses and emits
// a uniform error body.
func abortWithError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)

	var status int
	switch kind {
	case apperr.Validation:
		status = http.StatusBadRequest
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.Conflict:
		status = http.StatusConflict
	case apperr.Resource:
		status = http.StatusUnprocessableEntity
	default:
		status = http.StatusInternalServerError
	}

	c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{
		"error": err.Error(),
		"kind":  kind.String(),
	})
}
