package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tallyhq/tally-backend/middleware"
	"github.com/tallyhq/tally-backend/models"
)

type ResultsHandler struct {
	results *models.ResultsModel
}

func NewResultsHandler(results *models.ResultsModel) *ResultsHandler {
	return &ResultsHandler{results: results}
}

// GetResultsHandler handles GET /polls/:token/results. The token may be
// public or admin; private results require the admin token or the creator's
// session.
func (h *ResultsHandler) GetResultsHandler(c *gin.Context) {
	results, err := h.results.GetResults(c.Request.Context(), c.Param("token"), middleware.GetUserID(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, results)
}
