package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// DownloadStatus captures export lifecycle states.
type DownloadStatus string

const (
	DownloadStatusPreparing  DownloadStatus = "PREPARING"
	DownloadStatusProcessing DownloadStatus = "PROCESSING"
	DownloadStatusCompleted  DownloadStatus = "COMPLETED"
	DownloadStatusFailed     DownloadStatus = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s DownloadStatus) Terminal() bool {
	return s == DownloadStatusCompleted || s == DownloadStatusFailed
}

// Download tracks one export request end to end.
type Download struct {
	ID            string         `db:"id" json:"id"`
	Menu          string         `db:"menu" json:"menu"`
	Request       SearchParams   `db:"request" json:"request"`
	TotalRows     int            `db:"total_rows" json:"totalRows"`
	ProcessedRows int            `db:"processed_rows" json:"processedRows"`
	Status        DownloadStatus `db:"status" json:"status"`
	ErrorCode     *string        `db:"error_code" json:"errorCode,omitempty"`
	ErrorMessage  *string        `db:"error_message" json:"error,omitempty"`
	Files         FileList       `db:"files" json:"files"`
	CreatedAt     time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updatedAt"`
	FinishedAt    *time.Time     `db:"finished_at" json:"finishedAt,omitempty"`
}

// HasFile reports whether fileID was acknowledged as ready for this download.
func (d *Download) HasFile(fileID string) bool {
	if d == nil {
		return false
	}
	for _, id := range d.Files {
		if id == fileID {
			return true
		}
	}
	return false
}

// SearchParams persists the originating search request as JSONB.
type SearchParams SearchRequest

// Value marshals params to JSON for persistence.
func (p SearchParams) Value() (driver.Value, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal download request: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSON payloads into the params struct.
func (p *SearchParams) Scan(value interface{}) error {
	data, err := jsonBytes(value)
	if err != nil {
		return fmt.Errorf("scan download request: %w", err)
	}
	if len(data) == 0 {
		*p = SearchParams{}
		return nil
	}
	if err := json.Unmarshal(data, p); err != nil {
		return fmt.Errorf("unmarshal download request: %w", err)
	}
	return nil
}

// FileList is the ordered set of ready chunk identifiers, persisted as a JSONB array.
type FileList []string

// Value marshals the list to JSON, never emitting null.
func (l FileList) Value() (driver.Value, error) {
	if l == nil {
		l = FileList{}
	}
	data, err := json.Marshal([]string(l))
	if err != nil {
		return nil, fmt.Errorf("marshal download files: %w", err)
	}
	return data, nil
}

// Scan unmarshals a JSON array.
func (l *FileList) Scan(value interface{}) error {
	data, err := jsonBytes(value)
	if err != nil {
		return fmt.Errorf("scan download files: %w", err)
	}
	if len(data) == 0 {
		*l = FileList{}
		return nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return fmt.Errorf("unmarshal download files: %w", err)
	}
	*l = ids
	return nil
}

func jsonBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported type %T", value)
	}
}
