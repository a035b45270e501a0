package middleware

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/logexport-api/internal/models"
	"github.com/noah-isme/logexport-api/pkg/response"
)

// ContextLicenseKey is the gin context key storing the evaluated license status.
const ContextLicenseKey = "licenseStatus"

const (
	headerDaysLeft = "X-License-Days-Left"
	headerWarning  = "X-License-Warning"
)

type licenseChecker interface {
	Check(ctx context.Context) (*models.LicenseStatus, error)
}

// License rejects requests once the active license is missing or expired and
// annotates responses with the remaining validity.
func License(checker licenseChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := checker.Check(c.Request.Context())
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		c.Header(headerDaysLeft, strconv.Itoa(status.DaysLeft))
		if status.ShouldWarn {
			c.Header(headerWarning, "license expires in "+strconv.Itoa(status.DaysLeft)+" day(s)")
		}
		c.Set(ContextLicenseKey, status)
		c.Next()
	}
}

// LicenseFromContext returns the status attached by License, if any.
func LicenseFromContext(c *gin.Context) *models.LicenseStatus {
	value, exists := c.Get(ContextLicenseKey)
	if !exists {
		return nil
	}
	status, ok := value.(*models.LicenseStatus)
	if !ok {
		return nil
	}
	return status
}
