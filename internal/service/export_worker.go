package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/logexport-api/internal/models"
	"github.com/noah-isme/logexport-api/internal/repository"
	appErrors "github.com/noah-isme/logexport-api/pkg/errors"
	"github.com/noah-isme/logexport-api/pkg/jobs"
	"github.com/noah-isme/logexport-api/pkg/logquery"
	"github.com/noah-isme/logexport-api/pkg/progress"
	"github.com/noah-isme/logexport-api/pkg/retry"
	"github.com/noah-isme/logexport-api/pkg/storage"
)

// DefaultChunkRows is the page and chunk size when none is configured.
const DefaultChunkRows = 100000

type progressPublisher interface {
	Publish(downloadID string, ev progress.Event) progress.Envelope
}

type chunkMirror interface {
	Mirror(ctx context.Context, downloadID string, info storage.FileInfo) error
}

// ExportWorkerConfig tunes chunking and retries.
type ExportWorkerConfig struct {
	ChunkRows int
	Retry     retry.Policy
}

// ExportWorker drives one download from Preparing to a terminal state.
type ExportWorker struct {
	repo    downloadStore
	logs    logStore
	builder *logquery.Builder
	files   fileStore
	writer  chunkWriter
	hub     progressPublisher
	links   *FileLinks
	mirror  chunkMirror
	metrics *MetricsService
	logger  *zap.Logger
	cfg     ExportWorkerConfig
	now     func() time.Time
}

// NewExportWorker constructs a worker. mirror and metrics may be nil.
func NewExportWorker(repo downloadStore, logs logStore, builder *logquery.Builder, files fileStore, writer chunkWriter, hub progressPublisher, links *FileLinks, mirror chunkMirror, metrics *MetricsService, logger *zap.Logger, cfg ExportWorkerConfig) *ExportWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ChunkRows <= 0 {
		cfg.ChunkRows = DefaultChunkRows
	}
	cfg.Retry = cfg.Retry.WithDefaults()
	return &ExportWorker{
		repo:    repo,
		logs:    logs,
		builder: builder,
		files:   files,
		writer:  writer,
		hub:     hub,
		links:   links,
		mirror:  mirror,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// exportRun holds the mutable state of one export. Only the owning worker touches it.
type exportRun struct {
	download  *models.Download
	query     *logquery.Query
	total     int
	processed int
	planned   int
	index     int
	cursor    string
	columns   []string
	started   time.Time
	lastFile  string
	inFlight  *storage.FileInfo
}

// Handle processes a queue job.
func (w *ExportWorker) Handle(ctx context.Context, job jobs.Job) error {
	// State writes must land even after ctx is cancelled.
	persist := context.WithoutCancel(ctx)

	download, err := w.repo.GetByID(persist, job.ID)
	if err != nil {
		return fmt.Errorf("load download %s: %w", job.ID, err)
	}
	if download.Status.Terminal() {
		return nil
	}

	w.metrics.ExportStarted()
	run := &exportRun{download: download, started: w.now().UTC()}
	if err := w.execute(ctx, persist, run); err != nil {
		return w.fail(ctx, persist, run, err)
	}
	return nil
}

func (w *ExportWorker) execute(ctx, persist context.Context, run *exportRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := models.SearchRequest(run.download.Request)
	query, err := w.builder.Build(req)
	if err != nil {
		return err
	}
	run.query = query

	count, err := retry.Do(ctx, w.policy("count"), func(ctx context.Context, _ int) (int64, error) {
		n, err := w.logs.Count(ctx, query)
		return n, classifyStore(err)
	})
	if err != nil {
		return err
	}
	run.total = int(count)
	if run.total > req.Limit {
		run.total = req.Limit
	}
	run.planned = (run.total + w.cfg.ChunkRows - 1) / w.cfg.ChunkRows
	if run.planned < 1 {
		run.planned = 1
	}
	run.cursor = ""

	if err := w.repo.Update(persist, run.download.ID, repository.UpdateDownloadParams{TotalRows: &run.total}); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record total rows")
	}
	w.hub.Publish(run.download.ID, progress.CountUpdate{TotalRows: run.total})

	for run.processed < req.Limit {
		size := w.cfg.ChunkRows
		if remaining := req.Limit - run.processed; remaining < size {
			size = remaining
		}

		page, err := retry.Do(ctx, w.policy("fetch"), func(ctx context.Context, _ int) (*models.LogPage, error) {
			page, err := w.logs.Page(ctx, query, size, run.cursor)
			return page, classifyStore(err)
		})
		if err != nil {
			return err
		}

		if run.index == 0 {
			processing := models.DownloadStatusProcessing
			if err := w.repo.Update(persist, run.download.ID, repository.UpdateDownloadParams{Status: &processing}); err != nil {
				return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark download processing")
			}
		} else if len(page.Records) == 0 {
			break
		}

		records := page.Records
		if len(records) > size {
			records = records[:size]
		}
		if err := w.writeChunk(ctx, persist, run, records); err != nil {
			return err
		}

		if !page.HasMore() || len(records) < size {
			break
		}
		run.cursor = page.NextCursor
	}

	return w.complete(persist, run)
}

func (w *ExportWorker) writeChunk(ctx, persist context.Context, run *exportRun, records []models.LogRecord) error {
	run.index++
	if run.index > run.planned {
		run.planned = run.index
	}
	info := w.files.CreateFile(run.download.Menu, run.started, run.index, run.planned)
	run.inFlight = &info

	start := time.Now()
	columns, err := retry.Do(ctx, w.policy("write"), func(ctx context.Context, _ int) ([]string, error) {
		return w.writeOnce(ctx, info, records, run.columns)
	})
	// Cancelled mid-chunk: inFlight stays set so fail removes the file unannounced.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return appErrors.WrapAs(appErrors.ErrIO, err, "failed to write export chunk")
	}
	run.columns = columns
	run.processed += len(records)

	if err := w.repo.AppendFile(persist, run.download.ID, info.ID, run.processed); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record export chunk")
	}
	run.inFlight = nil
	run.lastFile = info.DisplayName
	w.metrics.ObserveChunk(len(records), time.Since(start))

	w.hub.Publish(run.download.ID, progress.GenerationProgress{
		FileName:      info.DisplayName,
		ProcessedRows: run.processed,
		TotalRows:     run.total,
		Status:        progress.StatusGenerating,
	})
	w.hub.Publish(run.download.ID, progress.FileReady{
		FileName:    info.ID,
		DisplayName: info.DisplayName,
		URL:         w.links.URL(run.download.ID, info.ID),
		Status:      progress.StatusReady,
	})
	if pct := percent(run.processed, run.total, run.download.Status); pct < 100 {
		w.hub.Publish(run.download.ID, progress.DownloadProgress{FileName: info.DisplayName, Progress: pct, Status: progress.StatusGenerating})
	}

	if w.mirror != nil {
		if err := w.mirror.Mirror(ctx, run.download.ID, info); err != nil {
			w.logger.Sugar().Warnw("export chunk mirror failed", "download_id", run.download.ID, "file", info.ID, "error", err)
		}
	}
	return nil
}

// writeOnce writes and commits one chunk; the partial file is aborted on any failure
// or cancellation so a retry starts clean.
func (w *ExportWorker) writeOnce(ctx context.Context, info storage.FileInfo, records []models.LogRecord, columns []string) ([]string, error) {
	sink, err := w.files.CreateWriteStream(info)
	if err != nil {
		return nil, err
	}
	written, err := w.writer.Write(contextWriter{ctx: ctx, w: sink}, records, columns)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = sink.Abort()
		return nil, err
	}
	if err := sink.Commit(); err != nil {
		return nil, err
	}
	return written, nil
}

// contextWriter fails writes once ctx is done.
type contextWriter struct {
	ctx context.Context
	w   io.Writer
}

func (c contextWriter) Write(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.w.Write(p)
}

func (w *ExportWorker) complete(persist context.Context, run *exportRun) error {
	id := run.download.ID
	if run.processed != run.total {
		w.logger.Sugar().Warnw("export row count differs from initial count", "download_id", id, "expected", run.total, "written", run.processed)
		w.metrics.IncCountMismatch()
		run.total = run.processed
		w.hub.Publish(id, progress.CountUpdate{TotalRows: run.total})
	}

	completed := models.DownloadStatusCompleted
	now := w.now().UTC()
	if err := w.repo.Update(persist, id, repository.UpdateDownloadParams{
		Status:        &completed,
		TotalRows:     &run.total,
		ProcessedRows: &run.processed,
		FinishedAt:    &now,
	}); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark download completed")
	}

	w.metrics.ExportFinished(string(completed), "")
	w.hub.Publish(id, progress.DownloadProgress{FileName: run.lastFile, Progress: 100, Status: progress.StatusCompleted})
	w.logger.Sugar().Infow("export completed", "download_id", id, "rows", run.processed, "files", run.index)
	return nil
}

func (w *ExportWorker) fail(ctx, persist context.Context, run *exportRun, cause error) error {
	id := run.download.ID
	if run.inFlight != nil {
		if err := w.files.DeleteFile(run.inFlight.ID); err != nil {
			w.logger.Sugar().Warnw("failed to remove in-flight chunk", "download_id", id, "file", run.inFlight.ID, "error", err)
		}
	}

	appErr := failureReason(ctx, cause)
	failed := models.DownloadStatusFailed
	now := w.now().UTC()
	msg := appErr.Error()
	if err := w.repo.Update(persist, id, repository.UpdateDownloadParams{
		Status:        &failed,
		ProcessedRows: &run.processed,
		ErrorCode:     &appErr.Code,
		ErrorMessage:  &msg,
		FinishedAt:    &now,
	}); err != nil {
		w.logger.Sugar().Warnw("failed to mark download failed", "download_id", id, "error", err)
	}

	w.metrics.ExportFinished(string(failed), appErr.Code)
	w.hub.Publish(id, progress.Error{Code: appErr.Code, Message: appErr.Message})
	w.logger.Sugar().Warnw("export failed", "download_id", id, "code", appErr.Code, "rows", run.processed, "error", cause)
	return appErr
}

func (w *ExportWorker) policy(operation string) retry.Policy {
	p := w.cfg.Retry
	p.OnRetry = func(err error, attempt int) {
		w.metrics.IncRetry(operation)
		w.logger.Sugar().Warnw("export operation failed, retrying", "operation", operation, "attempt", attempt, "error", err)
	}
	return p
}

// classifyStore marks every store failure except unavailability as permanent.
func classifyStore(err error) error {
	if err == nil || errors.Is(err, appErrors.ErrStoreUnavailable) || errors.Is(err, context.Canceled) {
		return err
	}
	return retry.Permanent(err)
}

// failureReason maps the error ending a run to the code recorded on the download.
// A cancelled context reports its cause: a user cancel or a lapsed license.
func failureReason(ctx context.Context, err error) *appErrors.Error {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		var appErr *appErrors.Error
		if errors.As(cause, &appErr) {
			return appErr
		}
		return appErrors.ErrCancelled
	}
	if errors.Is(err, context.Canceled) {
		return appErrors.ErrCancelled
	}
	return appErrors.FromError(err)
}
