package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/logexport-api/internal/models"
	"github.com/noah-isme/logexport-api/pkg/response"
)

type licenseStatusService interface {
	Status(ctx context.Context) (*models.LicenseStatus, error)
}

// LicenseHandler reports the state of the active license.
type LicenseHandler struct {
	license licenseStatusService
}

// NewLicenseHandler constructs handler.
func NewLicenseHandler(license licenseStatusService) *LicenseHandler {
	return &LicenseHandler{license: license}
}

// Status godoc
// @Summary Current license status
// @Tags License
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /license [get]
func (h *LicenseHandler) Status(c *gin.Context) {
	status, err := h.license.Status(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, status, nil)
}
