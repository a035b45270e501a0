package progress

import "time"

// Kind names an event variant on the wire.
type Kind string

const (
	KindGenerationProgress Kind = "generation_progress"
	KindFileReady          Kind = "file_ready"
	KindDownloadProgress   Kind = "download_progress"
	KindCountUpdate        Kind = "count_update"
	KindError              Kind = "error"
)

// Status values carried by progress events.
const (
	StatusGenerating = "generating"
	StatusReady      = "ready"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Event is one of the closed set of progress variants declared in this package.
type Event interface {
	Kind() Kind
	// Terminal reports whether no further events follow for the download.
	Terminal() bool
	message() Message
}

// GenerationProgress reports rows written so far.
type GenerationProgress struct {
	FileName      string
	ProcessedRows int
	TotalRows     int
	Status        string
}

// FileReady announces a durably committed chunk.
type FileReady struct {
	FileName    string
	DisplayName string
	URL         string
	Status      string
}

// DownloadProgress reports overall completion in percent. 100 closes the stream.
type DownloadProgress struct {
	FileName string
	Progress int
	Status   string
}

// CountUpdate announces or corrects the expected total.
type CountUpdate struct {
	TotalRows int
}

// Error announces a failed download.
type Error struct {
	Code    string
	Message string
}

func (GenerationProgress) Kind() Kind { return KindGenerationProgress }
func (FileReady) Kind() Kind          { return KindFileReady }
func (DownloadProgress) Kind() Kind   { return KindDownloadProgress }
func (CountUpdate) Kind() Kind        { return KindCountUpdate }
func (Error) Kind() Kind              { return KindError }

func (GenerationProgress) Terminal() bool { return false }
func (FileReady) Terminal() bool          { return false }
func (e DownloadProgress) Terminal() bool { return e.Progress >= 100 }
func (CountUpdate) Terminal() bool        { return false }
func (Error) Terminal() bool              { return true }

// Message is the JSON payload sent to clients for every event.
type Message struct {
	Type          Kind   `json:"type"`
	FileName      string `json:"fileName,omitempty"`
	DisplayName   string `json:"displayName,omitempty"`
	URL           string `json:"url,omitempty"`
	Progress      *int   `json:"progress,omitempty"`
	Status        string `json:"status,omitempty"`
	ProcessedRows *int   `json:"processedRows,omitempty"`
	TotalRows     *int   `json:"totalRows,omitempty"`
	Code          string `json:"code,omitempty"`
	Message       string `json:"message,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

func (e GenerationProgress) message() Message {
	return Message{FileName: e.FileName, Status: e.Status, ProcessedRows: intPtr(e.ProcessedRows), TotalRows: intPtr(e.TotalRows)}
}

func (e FileReady) message() Message {
	return Message{FileName: e.FileName, DisplayName: e.DisplayName, URL: e.URL, Status: e.Status}
}

func (e DownloadProgress) message() Message {
	return Message{FileName: e.FileName, Progress: intPtr(e.Progress), Status: e.Status}
}

func (e CountUpdate) message() Message {
	return Message{TotalRows: intPtr(e.TotalRows)}
}

func (e Error) message() Message {
	return Message{Status: StatusFailed, Code: e.Code, Message: e.Message}
}

// Envelope is a published event with its ordering metadata.
type Envelope struct {
	Seq        uint64
	DownloadID string
	Event      Event
	At         time.Time
}

// Message renders the envelope for the wire.
func (e Envelope) Message() Message {
	msg := e.Event.message()
	msg.Type = e.Event.Kind()
	msg.Timestamp = e.At.UnixMilli()
	return msg
}

func intPtr(v int) *int {
	return &v
}
