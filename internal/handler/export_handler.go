package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/logexport-api/internal/dto"
	"github.com/noah-isme/logexport-api/internal/models"
	"github.com/noah-isme/logexport-api/internal/service"
	appErrors "github.com/noah-isme/logexport-api/pkg/errors"
	"github.com/noah-isme/logexport-api/pkg/progress"
	"github.com/noah-isme/logexport-api/pkg/response"
)

type exportService interface {
	CreateExport(ctx context.Context, req dto.ExportRequest) (*dto.ExportResponse, error)
	GetStatus(ctx context.Context, id string) (*dto.DownloadStatusResponse, error)
	Cancel(ctx context.Context, id string) error
	ResolveFile(ctx context.Context, fileID, token string) (*service.FileDownload, error)
}

type progressSource interface {
	Subscribe(downloadID string) *progress.Subscription
	Unsubscribe(downloadID, subscriptionID string) bool
	Last(downloadID string) (progress.Envelope, bool)
}

// ExportHandler exposes asynchronous export endpoints.
type ExportHandler struct {
	exports   exportService
	hub       progressSource
	heartbeat time.Duration
	logger    *zap.Logger
}

// NewExportHandler constructs the export handler.
func NewExportHandler(exports exportService, hub progressSource, heartbeat time.Duration, logger *zap.Logger) *ExportHandler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportHandler{exports: exports, hub: hub, heartbeat: heartbeat, logger: logger}
}

// Create godoc
// @Summary Start an asynchronous log export
// @Tags Exports
// @Accept json
// @Produce json
// @Param payload body dto.ExportRequest true "Export request"
// @Success 202 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /exports [post]
func (h *ExportHandler) Create(c *gin.Context) {
	var req dto.ExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	resp, err := h.exports.CreateExport(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, resp)
}

// Status godoc
// @Summary Get export status
// @Tags Exports
// @Produce json
// @Param id path string true "Download ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /exports/{id} [get]
func (h *ExportHandler) Status(c *gin.Context) {
	status, err := h.exports.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, status, nil)
}

// Cancel godoc
// @Summary Cancel a running export
// @Tags Exports
// @Param id path string true "Download ID"
// @Success 204
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /exports/{id} [delete]
func (h *ExportHandler) Cancel(c *gin.Context) {
	if err := h.exports.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Events godoc
// @Summary Stream export progress
// @Description Server-sent events. The first event is `connected`, followed by the last known state and live updates.
// @Tags Exports
// @Produce text/event-stream
// @Param id path string true "Download ID"
// @Success 200 {string} string "event stream"
// @Failure 404 {object} response.Envelope
// @Router /exports/{id}/events [get]
func (h *ExportHandler) Events(c *gin.Context) {
	id := c.Param("id")
	status, err := h.exports.GetStatus(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub := h.hub.Subscribe(id)
	defer h.hub.Unsubscribe(id, sub.ID)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent("connected", dto.SubscriptionResponse{SubscriptionID: sub.ID, DownloadID: id})
	c.Writer.Flush()

	if status.Status.Terminal() {
		if _, ok := h.hub.Last(id); !ok {
			env := progress.Envelope{DownloadID: id, Event: terminalEvent(status), At: time.Now()}
			c.SSEvent(string(env.Event.Kind()), env.Message())
			c.Writer.Flush()
			return
		}
	}

	events := make(chan progress.Envelope)
	go func() {
		defer close(events)
		for {
			env, err := sub.Next(ctx)
			if err != nil {
				return
			}
			select {
			case events <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"timestamp": time.Now().UnixMilli()})
			c.Writer.Flush()
		case env, ok := <-events:
			if !ok {
				return
			}
			c.SSEvent(string(env.Event.Kind()), env.Message())
			c.Writer.Flush()
			if env.Event.Terminal() {
				h.logger.Sugar().Debugw("progress stream finished", "download_id", id, "subscription_id", sub.ID)
				return
			}
		}
	}
}

// Unsubscribe godoc
// @Summary Close a progress subscription
// @Tags Exports
// @Param id path string true "Download ID"
// @Param subscriptionId path string true "Subscription ID"
// @Success 204
// @Failure 404 {object} response.Envelope
// @Router /exports/{id}/events/{subscriptionId} [delete]
func (h *ExportHandler) Unsubscribe(c *gin.Context) {
	if !h.hub.Unsubscribe(c.Param("id"), c.Param("subscriptionId")) {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "subscription not found"))
		return
	}
	response.NoContent(c)
}

// File godoc
// @Summary Download an export chunk
// @Tags Exports
// @Produce text/csv
// @Param file query string true "File ID"
// @Param token query string false "Signed download token"
// @Success 200 {file} file
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /exports/files [get]
func (h *ExportHandler) File(c *gin.Context) {
	download, err := h.exports.ResolveFile(c.Request.Context(), c.Query("file"), c.Query("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	defer download.File.Close()

	c.DataFromReader(http.StatusOK, download.Size, "text/csv; charset=utf-8", download.File, map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", download.DisplayName),
		"Cache-Control":       "no-cache",
		"Last-Modified":       download.ModTime.UTC().Format(http.TimeFormat),
	})
}

// terminalEvent reconstructs the final event of a download whose stream is no longer replayable.
func terminalEvent(status *dto.DownloadStatusResponse) progress.Event {
	if status.Status == models.DownloadStatusFailed {
		ev := progress.Error{Code: appErrors.ErrInternal.Code, Message: "export failed"}
		if status.ErrorCode != nil {
			ev.Code = *status.ErrorCode
		}
		if status.Error != nil {
			ev.Message = *status.Error
		}
		return ev
	}
	return progress.DownloadProgress{Progress: 100, Status: progress.StatusCompleted}
}
