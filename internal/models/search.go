package models

import "time"

const (
	// MaxExportLimit bounds the number of rows a single export may produce.
	MaxExportLimit = 500000
	// DefaultSearchLimit applies when the client omits limit.
	DefaultSearchLimit = 100
)

// SearchRequest describes a log search over one menu and time window.
type SearchRequest struct {
	Menu        string    `json:"menu"`
	TimeFrom    time.Time `json:"timeFrom"`
	TimeTo      time.Time `json:"timeTo"`
	SearchTerm  string    `json:"searchTerm,omitempty"`
	CurrentPage int       `json:"currentPage"`
	Limit       int       `json:"limit"`
	Cursor      string    `json:"cursor,omitempty"`
}

// Offset is the zero-based row offset of CurrentPage.
func (r SearchRequest) Offset() int {
	if r.CurrentPage <= 1 {
		return 0
	}
	return (r.CurrentPage - 1) * r.Limit
}

// LogRecord is a single document returned by the log store.
type LogRecord = map[string]interface{}

// LogPage is one cursor-delimited batch of log records.
type LogPage struct {
	Records    []LogRecord
	NextCursor string
	TotalRows  int64
}

// HasMore reports whether the store signalled a further page.
func (p *LogPage) HasMore() bool {
	return p != nil && p.NextCursor != ""
}
