package dto

import (
	"time"

	"github.com/noah-isme/logexport-api/internal/models"
)

// ExportRequest captures POST /exports and POST /search payloads.
type ExportRequest struct {
	Menu        string    `json:"menu" validate:"required,max=128"`
	TimeFrom    time.Time `json:"timeFrom" validate:"required"`
	TimeTo      time.Time `json:"timeTo" validate:"required,gtefield=TimeFrom"`
	SearchTerm  string    `json:"searchTerm" validate:"max=512"`
	CurrentPage *int      `json:"currentPage,omitempty" validate:"omitempty,min=1"`
	Limit       *int      `json:"limit,omitempty" validate:"omitempty,min=1,max=500000"`
	Cursor      string    `json:"cursor,omitempty" validate:"max=2048"`
}

// ToSearchRequest applies defaults for omitted paging fields.
func (r ExportRequest) ToSearchRequest() models.SearchRequest {
	req := models.SearchRequest{
		Menu:        r.Menu,
		TimeFrom:    r.TimeFrom,
		TimeTo:      r.TimeTo,
		SearchTerm:  r.SearchTerm,
		CurrentPage: 1,
		Limit:       models.DefaultSearchLimit,
		Cursor:      r.Cursor,
	}
	if r.CurrentPage != nil {
		req.CurrentPage = *r.CurrentPage
	}
	if r.Limit != nil {
		req.Limit = *r.Limit
	}
	return req
}

// ExportResponse is returned after an export is accepted.
type ExportResponse struct {
	ID            string                `json:"id"`
	Status        models.DownloadStatus `json:"status"`
	TotalRows     int                   `json:"totalRows"`
	ProcessedRows int                   `json:"processedRows"`
}

// ExportFile describes one ready chunk.
type ExportFile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	URL         string `json:"url"`
}

// DownloadStatusResponse exposes export progress metadata.
type DownloadStatusResponse struct {
	ID            string                `json:"id"`
	Menu          string                `json:"menu"`
	Status        models.DownloadStatus `json:"status"`
	TotalRows     int                   `json:"totalRows"`
	ProcessedRows int                   `json:"processedRows"`
	Progress      int                   `json:"progress"`
	Files         []ExportFile          `json:"files"`
	ErrorCode     *string               `json:"errorCode,omitempty"`
	Error         *string               `json:"error,omitempty"`
	CreatedAt     time.Time             `json:"createdAt"`
	FinishedAt    *time.Time            `json:"finishedAt,omitempty"`
}

// SearchResponse is a single preview page of log records.
type SearchResponse struct {
	Records []models.LogRecord `json:"records"`
}

// SubscriptionResponse is sent as the first event of a progress stream.
type SubscriptionResponse struct {
	SubscriptionID string `json:"subscriptionId"`
	DownloadID     string `json:"downloadId"`
}
