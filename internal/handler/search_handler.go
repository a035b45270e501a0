package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/logexport-api/internal/dto"
	"github.com/noah-isme/logexport-api/internal/models"
	appErrors "github.com/noah-isme/logexport-api/pkg/errors"
	"github.com/noah-isme/logexport-api/pkg/response"
)

type searchService interface {
	Search(ctx context.Context, req dto.ExportRequest) (*dto.SearchResponse, *models.Pagination, error)
}

// SearchHandler serves paged log previews.
type SearchHandler struct {
	search searchService
}

// NewSearchHandler constructs handler.
func NewSearchHandler(search searchService) *SearchHandler {
	return &SearchHandler{search: search}
}

// Search godoc
// @Summary Preview one page of logs
// @Tags Search
// @Accept json
// @Produce json
// @Param payload body dto.ExportRequest true "Search request"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /search [post]
func (h *SearchHandler) Search(c *gin.Context) {
	var req dto.ExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	page, pagination, err := h.search.Search(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, page, pagination)
}
