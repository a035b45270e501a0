package service

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/logexport-api/internal/dto"
	"github.com/noah-isme/logexport-api/internal/models"
	"github.com/noah-isme/logexport-api/internal/repository"
	"github.com/noah-isme/logexport-api/pkg/export"
	appErrors "github.com/noah-isme/logexport-api/pkg/errors"
	"github.com/noah-isme/logexport-api/pkg/jobs"
	"github.com/noah-isme/logexport-api/pkg/logquery"
	"github.com/noah-isme/logexport-api/pkg/storage"
)

// ExportJobType tags queue jobs produced by this service.
const ExportJobType = "log_export"

type downloadStore interface {
	Create(ctx context.Context, d *models.Download) error
	GetByID(ctx context.Context, id string) (*models.Download, error)
	FindByFile(ctx context.Context, fileID string) (*models.Download, error)
	Update(ctx context.Context, id string, params repository.UpdateDownloadParams) error
	AppendFile(ctx context.Context, id, fileID string, processedRows int) error
	ListByStatus(ctx context.Context, status models.DownloadStatus, limit int) ([]models.Download, error)
	ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Download, error)
	Delete(ctx context.Context, id string) error
}

type logStore interface {
	Count(ctx context.Context, q *logquery.Query) (int64, error)
	Page(ctx context.Context, q *logquery.Query, size int, cursor string) (*models.LogPage, error)
	Preview(ctx context.Context, q *logquery.Query, from, size int) (*models.LogPage, error)
}

type fileStore interface {
	CreateFile(menu string, ts time.Time, index, total int) storage.FileInfo
	CreateWriteStream(info storage.FileInfo) (*storage.FileSink, error)
	DisplayName(id string) string
	DeleteFile(id string) error
	Open(id string) (*os.File, os.FileInfo, error)
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type chunkWriter interface {
	Write(dst io.Writer, records []export.Record, columns []string) ([]string, error)
}

type exportQueue interface {
	Enqueue(job jobs.Job) error
	EnqueueWait(ctx context.Context, job jobs.Job) error
	Cancel(id string, cause error) bool
	CancelAll(cause error) int
}

// FileLinks builds download URLs for export chunks, signed when a signer is configured.
type FileLinks struct {
	signer *storage.SignedURLSigner
	prefix string
}

// NewFileLinks constructs a link builder rooted at the API prefix.
func NewFileLinks(signer *storage.SignedURLSigner, apiPrefix string) *FileLinks {
	return &FileLinks{signer: signer, prefix: strings.TrimSuffix(apiPrefix, "/")}
}

// URL returns the retrieval link for fileID of downloadID.
func (l *FileLinks) URL(downloadID, fileID string) string {
	values := url.Values{"file": []string{fileID}}
	if l != nil && l.signer != nil {
		if token, _, err := l.signer.Generate(downloadID, fileID); err == nil {
			values.Set("token", token)
		}
	}
	prefix := ""
	if l != nil {
		prefix = l.prefix
	}
	return prefix + "/exports/files?" + values.Encode()
}

// Verify checks that token grants access to fileID.
func (l *FileLinks) Verify(token, fileID string) (string, error) {
	if l == nil || l.signer == nil {
		return "", errors.New("signing disabled")
	}
	downloadID, signedFile, _, err := l.signer.Parse(token, false)
	if err != nil {
		return "", err
	}
	if signedFile != fileID {
		return "", errors.New("token does not match file")
	}
	return downloadID, nil
}

// ExportServiceConfig governs admission, retrieval and retention.
type ExportServiceConfig struct {
	ResultTTL        time.Duration
	CleanupInterval  time.Duration
	RequireSignedURL bool
}

// FileDownload is an opened export chunk ready to stream.
type FileDownload struct {
	File        *os.File
	DisplayName string
	Size        int64
	ModTime     time.Time
}

// ExportService admits export requests and serves their status and files.
type ExportService struct {
	repo      downloadStore
	logs      logStore
	builder   *logquery.Builder
	files     fileStore
	queue     exportQueue
	links     *FileLinks
	validator *validator.Validate
	logger    *zap.Logger
	cfg       ExportServiceConfig
}

// NewExportService constructs the export service.
func NewExportService(repo downloadStore, logs logStore, builder *logquery.Builder, files fileStore, queue exportQueue, links *FileLinks, logger *zap.Logger, cfg ExportServiceConfig) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	return &ExportService{
		repo:      repo,
		logs:      logs,
		builder:   builder,
		files:     files,
		queue:     queue,
		links:     links,
		validator: validator.New(),
		logger:    logger,
		cfg:       cfg,
	}
}

func (s *ExportService) buildQuery(req dto.ExportRequest) (models.SearchRequest, *logquery.Query, error) {
	if err := s.validator.Struct(req); err != nil {
		return models.SearchRequest{}, nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	search := req.ToSearchRequest()
	query, err := s.builder.Build(search)
	if err != nil {
		return models.SearchRequest{}, nil, err
	}
	return search, query, nil
}

// CreateExport validates the request, records a Preparing download and queues it.
func (s *ExportService) CreateExport(ctx context.Context, req dto.ExportRequest) (*dto.ExportResponse, error) {
	search, _, err := s.buildQuery(req)
	if err != nil {
		return nil, err
	}

	download := &models.Download{
		Menu:    search.Menu,
		Request: models.SearchParams(search),
		Status:  models.DownloadStatusPreparing,
	}
	if err := s.repo.Create(ctx, download); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create download")
	}

	if err := s.queue.Enqueue(jobs.Job{ID: download.ID, Type: ExportJobType}); err != nil {
		reason := appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue export")
		if errors.Is(err, jobs.ErrQueueFull) {
			reason = appErrors.WrapAs(appErrors.ErrExportsBusy, err, appErrors.ErrExportsBusy.Message)
		}
		failed := models.DownloadStatusFailed
		now := time.Now().UTC()
		if updateErr := s.repo.Update(context.WithoutCancel(ctx), download.ID, repository.UpdateDownloadParams{
			Status:       &failed,
			ErrorCode:    &reason.Code,
			ErrorMessage: &reason.Message,
			FinishedAt:   &now,
		}); updateErr != nil {
			s.logger.Sugar().Warnw("failed to mark rejected download", "download_id", download.ID, "error", updateErr)
		}
		s.logger.Sugar().Warnw("export rejected", "download_id", download.ID, "error", err)
		return nil, reason
	}

	s.logger.Sugar().Infow("export accepted", "download_id", download.ID, "menu", download.Menu, "limit", search.Limit)
	return &dto.ExportResponse{
		ID:            download.ID,
		Status:        download.Status,
		TotalRows:     download.TotalRows,
		ProcessedRows: download.ProcessedRows,
	}, nil
}

// GetStatus exposes download metadata and its ready files.
func (s *ExportService) GetStatus(ctx context.Context, id string) (*dto.DownloadStatusResponse, error) {
	download, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	resp := &dto.DownloadStatusResponse{
		ID:            download.ID,
		Menu:          download.Menu,
		Status:        download.Status,
		TotalRows:     download.TotalRows,
		ProcessedRows: download.ProcessedRows,
		Progress:      percent(download.ProcessedRows, download.TotalRows, download.Status),
		Files:         make([]dto.ExportFile, 0, len(download.Files)),
		ErrorCode:     download.ErrorCode,
		Error:         download.ErrorMessage,
		CreatedAt:     download.CreatedAt,
		FinishedAt:    download.FinishedAt,
	}
	for _, fileID := range download.Files {
		resp.Files = append(resp.Files, dto.ExportFile{
			ID:          fileID,
			DisplayName: s.files.DisplayName(fileID),
			URL:         s.links.URL(download.ID, fileID),
		})
	}
	return resp, nil
}

// Cancel stops a queued or running export. Terminal downloads cannot be cancelled.
func (s *ExportService) Cancel(ctx context.Context, id string) error {
	download, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if download.Status.Terminal() {
		return appErrors.Clone(appErrors.ErrConflict, "export already finished")
	}
	if !s.queue.Cancel(id, appErrors.ErrCancelled) {
		return appErrors.Clone(appErrors.ErrConflict, "export is not running")
	}
	s.logger.Sugar().Infow("export cancellation requested", "download_id", id)
	return nil
}

// HaltAll cancels every queued and running export with cause.
func (s *ExportService) HaltAll(cause error) int {
	return s.queue.CancelAll(cause)
}

// ResolveFile opens a ready chunk. Unknown, unfinished, deleted and malformed ids
// all resolve to not found.
func (s *ExportService) ResolveFile(ctx context.Context, fileID, token string) (*FileDownload, error) {
	if err := storage.ValidateID(fileID); err != nil {
		return nil, appErrors.ErrNotFound
	}

	var download *models.Download
	switch {
	case token != "":
		downloadID, err := s.links.Verify(token, fileID)
		if err != nil {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired download token")
		}
		if download, err = s.load(ctx, downloadID); err != nil {
			return nil, err
		}
	case s.cfg.RequireSignedURL:
		return nil, appErrors.Clone(appErrors.ErrForbidden, "download token required")
	default:
		found, err := s.repo.FindByFile(ctx, fileID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.ErrNotFound
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load download")
		}
		download = found
	}
	if !download.HasFile(fileID) {
		return nil, appErrors.ErrNotFound
	}

	file, info, err := s.files.Open(fileID)
	if err != nil {
		if errors.Is(err, storage.ErrFileNotFound) || errors.Is(err, storage.ErrInvalidFileID) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.WrapAs(appErrors.ErrIO, err, "failed to open export file")
	}
	return &FileDownload{
		File:        file,
		DisplayName: s.files.DisplayName(fileID),
		Size:        info.Size(),
		ModTime:     info.ModTime(),
	}, nil
}

// Search returns one preview page for the request's currentPage and limit.
func (s *ExportService) Search(ctx context.Context, req dto.ExportRequest) (*dto.SearchResponse, *models.Pagination, error) {
	search, query, err := s.buildQuery(req)
	if err != nil {
		return nil, nil, err
	}
	if search.Offset()+search.Limit > 10000 {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "preview window is limited to the first 10000 rows; use an export")
	}
	page, err := s.logs.Preview(ctx, query, search.Offset(), search.Limit)
	if err != nil {
		return nil, nil, err
	}
	return &dto.SearchResponse{Records: page.Records}, &models.Pagination{
		Page:       search.CurrentPage,
		PageSize:   search.Limit,
		TotalCount: int(page.TotalRows),
	}, nil
}

// RecoverPending re-queues downloads that never started and fails those a restart
// interrupted mid-stream, since their cursor position is not durable.
func (s *ExportService) RecoverPending(ctx context.Context) {
	preparing, err := s.repo.ListByStatus(ctx, models.DownloadStatusPreparing, 100)
	if err != nil {
		s.logger.Sugar().Warnw("failed to list preparing downloads", "error", err)
	}
	for _, d := range preparing {
		if err := s.queue.EnqueueWait(ctx, jobs.Job{ID: d.ID, Type: ExportJobType}); err != nil {
			s.logger.Sugar().Warnw("failed to requeue download", "download_id", d.ID, "error", err)
		}
	}

	processing, err := s.repo.ListByStatus(ctx, models.DownloadStatusProcessing, 100)
	if err != nil {
		s.logger.Sugar().Warnw("failed to list processing downloads", "error", err)
		return
	}
	for _, d := range processing {
		failed := models.DownloadStatusFailed
		code := appErrors.ErrInterrupted.Code
		msg := appErrors.ErrInterrupted.Message
		now := time.Now().UTC()
		if err := s.repo.Update(ctx, d.ID, repository.UpdateDownloadParams{
			Status:       &failed,
			ErrorCode:    &code,
			ErrorMessage: &msg,
			FinishedAt:   &now,
		}); err != nil {
			s.logger.Sugar().Warnw("failed to mark interrupted download", "download_id", d.ID, "error", err)
		}
	}
	if len(preparing)+len(processing) > 0 {
		s.logger.Sugar().Infow("recovered downloads", "requeued", len(preparing), "interrupted", len(processing))
	}
}

// StartCleanup boots a goroutine that purges expired exports periodically.
func (s *ExportService) StartCleanup(ctx context.Context) {
	if s.cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanupExpired(ctx)
			}
		}
	}()
}

func (s *ExportService) cleanupExpired(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.ResultTTL)
	for {
		downloads, err := s.repo.ListFinishedBefore(ctx, cutoff, 100)
		if err != nil {
			s.logger.Sugar().Warnw("cleanup list failed", "error", err)
			return
		}
		for _, d := range downloads {
			for _, fileID := range d.Files {
				if err := s.files.DeleteFile(fileID); err != nil {
					s.logger.Sugar().Warnw("cleanup delete failed", "download_id", d.ID, "file", fileID, "error", err)
				}
			}
			if err := s.repo.Delete(ctx, d.ID); err != nil {
				s.logger.Sugar().Warnw("cleanup delete download failed", "download_id", d.ID, "error", err)
				return
			}
		}
		if len(downloads) < 100 {
			break
		}
	}
	if _, err := s.files.CleanupOlderThan(s.cfg.ResultTTL); err != nil {
		s.logger.Sugar().Warnw("filesystem cleanup failed", "error", err)
	}
}

func (s *ExportService) load(ctx context.Context, id string) (*models.Download, error) {
	download, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load download")
	}
	return download, nil
}

func percent(processed, total int, status models.DownloadStatus) int {
	if status == models.DownloadStatusCompleted {
		return 100
	}
	if total <= 0 {
		return 0
	}
	p := processed * 100 / total
	if p >= 100 {
		return 99
	}
	return p
}
