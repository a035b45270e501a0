package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/logexport-api/internal/dto"
	"github.com/noah-isme/logexport-api/internal/models"
	appErrors "github.com/noah-isme/logexport-api/pkg/errors"
	"github.com/noah-isme/logexport-api/pkg/jobs"
	"github.com/noah-isme/logexport-api/pkg/logquery"
	"github.com/noah-isme/logexport-api/pkg/storage"
)

type queueStub struct {
	enqueued   []jobs.Job
	cancelled  map[string]error
	enqueueErr error
	known      map[string]bool
}

func newQueueStub() *queueStub {
	return &queueStub{cancelled: map[string]error{}, known: map[string]bool{}}
}

func (q *queueStub) Enqueue(job jobs.Job) error {
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.enqueued = append(q.enqueued, job)
	q.known[job.ID] = true
	return nil
}

func (q *queueStub) EnqueueWait(_ context.Context, job jobs.Job) error {
	return q.Enqueue(job)
}

func (q *queueStub) Cancel(id string, cause error) bool {
	if !q.known[id] {
		return false
	}
	q.cancelled[id] = cause
	return true
}

func (q *queueStub) CancelAll(cause error) int {
	for id := range q.known {
		q.cancelled[id] = cause
	}
	return len(q.known)
}

type serviceFixture struct {
	svc   *ExportService
	store *fakeDownloadStore
	queue *queueStub
	files *storage.FileManager
	links *FileLinks
}

func newServiceFixture(t *testing.T, cfg ExportServiceConfig, downloads ...*models.Download) *serviceFixture {
	t.Helper()
	builder, err := logquery.NewBuilder(logquery.Fields{})
	require.NoError(t, err)
	files, err := storage.NewFileManager(filepath.Join(t.TempDir(), "exports"))
	require.NoError(t, err)
	store := newFakeDownloadStore(downloads...)
	queue := newQueueStub()
	links := NewFileLinks(storage.NewSignedURLSigner("secret", time.Hour), "/api/v1")
	svc := NewExportService(store, &fakeLogStore{rows: 25}, builder, files, queue, links, zap.NewNop(), cfg)
	return &serviceFixture{svc: svc, store: store, queue: queue, files: files, links: links}
}

func intPtr(v int) *int { return &v }

func validExportRequest() dto.ExportRequest {
	return dto.ExportRequest{
		Menu:     "audit",
		TimeFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		TimeTo:   time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		Limit:    intPtr(1000),
	}
}

func (f *serviceFixture) commitFile(t *testing.T, downloadID string, index int) string {
	t.Helper()
	info := f.files.CreateFile("audit", time.Now(), index, 2)
	sink, err := f.files.CreateWriteStream(info)
	require.NoError(t, err)
	_, err = sink.Write([]byte("n\n1\n"))
	require.NoError(t, err)
	require.NoError(t, sink.Commit())
	require.NoError(t, f.store.AppendFile(context.Background(), downloadID, info.ID, index))
	return info.ID
}

func TestCreateExportQueuesPreparingDownload(t *testing.T) {
	f := newServiceFixture(t, ExportServiceConfig{})

	resp, err := f.svc.CreateExport(context.Background(), validExportRequest())
	require.NoError(t, err)
	assert.Equal(t, models.DownloadStatusPreparing, resp.Status)
	require.Len(t, f.queue.enqueued, 1)
	assert.Equal(t, resp.ID, f.queue.enqueued[0].ID)
	assert.Equal(t, ExportJobType, f.queue.enqueued[0].Type)

	stored := f.store.get(resp.ID)
	assert.Equal(t, 1000, stored.Request.Limit)
	assert.Equal(t, 1, stored.Request.CurrentPage)
}

func TestCreateExportValidatesLimit(t *testing.T) {
	f := newServiceFixture(t, ExportServiceConfig{})

	req := validExportRequest()
	req.Limit = intPtr(models.MaxExportLimit)
	_, err := f.svc.CreateExport(context.Background(), req)
	require.NoError(t, err)

	for _, limit := range []int{0, models.MaxExportLimit + 1} {
		req.Limit = intPtr(limit)
		_, err = f.svc.CreateExport(context.Background(), req)
		require.ErrorIs(t, err, appErrors.ErrValidation, "limit %d", limit)
	}

	req = validExportRequest()
	req.TimeFrom, req.TimeTo = req.TimeTo, req.TimeFrom
	_, err = f.svc.CreateExport(context.Background(), req)
	require.ErrorIs(t, err, appErrors.ErrValidation)

	req = validExportRequest()
	req.Menu = ""
	_, err = f.svc.CreateExport(context.Background(), req)
	require.ErrorIs(t, err, appErrors.ErrValidation)
	assert.Len(t, f.queue.enqueued, 1)
}

func TestCreateExportMarksFailedWhenQueueRejects(t *testing.T) {
	f := newServiceFixture(t, ExportServiceConfig{})
	f.queue.enqueueErr = errors.New("queue stopped")

	_, err := f.svc.CreateExport(context.Background(), validExportRequest())
	require.ErrorIs(t, err, appErrors.ErrInternal)

	downloads, err := f.store.ListByStatus(context.Background(), models.DownloadStatusFailed, 10)
	require.NoError(t, err)
	assert.Len(t, downloads, 1)
}

func TestCreateExportRejectsWhenQueueIsFull(t *testing.T) {
	f := newServiceFixture(t, ExportServiceConfig{})
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	queue := jobs.NewQueue("exports", func(ctx context.Context, job jobs.Job) error {
		started <- struct{}{}
		<-release
		return nil
	}, jobs.QueueConfig{Workers: 1, BufferSize: 1})
	queue.Start(context.Background())
	defer queue.Stop()
	defer close(release)
	f.svc.queue = queue

	_, err := f.svc.CreateExport(context.Background(), validExportRequest())
	require.NoError(t, err)
	<-started
	_, err = f.svc.CreateExport(context.Background(), validExportRequest())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.CreateExport(context.Background(), validExportRequest())
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, appErrors.ErrExportsBusy)
		assert.Equal(t, http.StatusServiceUnavailable, appErrors.FromError(err).Status)
	case <-time.After(2 * time.Second):
		t.Fatal("admission blocked on a full queue")
	}

	failed, err := f.store.ListByStatus(context.Background(), models.DownloadStatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.NotNil(t, failed[0].ErrorCode)
	assert.Equal(t, appErrors.ErrExportsBusy.Code, *failed[0].ErrorCode)
}

func TestCreateExportResponseCarriesCounters(t *testing.T) {
	f := newServiceFixture(t, ExportServiceConfig{})
	resp, err := f.svc.CreateExport(context.Background(), validExportRequest())
	require.NoError(t, err)

	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"`+resp.ID+`","status":"PREPARING","totalRows":0,"processedRows":0}`, string(raw))
}

func TestGetStatusListsReadyFiles(t *testing.T) {
	d := newDownload("dl-1", 100)
	d.Status = models.DownloadStatusProcessing
	d.TotalRows = 4
	f := newServiceFixture(t, ExportServiceConfig{}, d)
	fileID := f.commitFile(t, "dl-1", 1)

	status, err := f.svc.GetStatus(context.Background(), "dl-1")
	require.NoError(t, err)
	assert.Equal(t, 25, status.Progress)
	require.Len(t, status.Files, 1)
	assert.Equal(t, fileID+".csv", status.Files[0].DisplayName)
	assert.Contains(t, status.Files[0].URL, "/api/v1/exports/files?file="+fileID)

	_, err = f.svc.GetStatus(context.Background(), "missing")
	require.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestCancelRunningAndFinishedExports(t *testing.T) {
	running := newDownload("dl-1", 100)
	done := newDownload("dl-2", 100)
	done.Status = models.DownloadStatusCompleted
	f := newServiceFixture(t, ExportServiceConfig{}, running, done)
	f.queue.known["dl-1"] = true

	require.NoError(t, f.svc.Cancel(context.Background(), "dl-1"))
	assert.ErrorIs(t, f.queue.cancelled["dl-1"], appErrors.ErrCancelled)

	require.ErrorIs(t, f.svc.Cancel(context.Background(), "dl-2"), appErrors.ErrConflict)
	require.ErrorIs(t, f.svc.Cancel(context.Background(), "nope"), appErrors.ErrNotFound)
}

func TestResolveFile(t *testing.T) {
	d := newDownload("dl-1", 100)
	f := newServiceFixture(t, ExportServiceConfig{}, d)
	fileID := f.commitFile(t, "dl-1", 1)

	download, err := f.svc.ResolveFile(context.Background(), fileID, "")
	require.NoError(t, err)
	data, err := io.ReadAll(download.File)
	require.NoError(t, err)
	require.NoError(t, download.File.Close())
	assert.Equal(t, "n\n1\n", string(data))
	assert.Equal(t, fileID+".csv", download.DisplayName)

	for _, id := range []string{"../etc/passwd", "unknown_1of1", ""} {
		_, err = f.svc.ResolveFile(context.Background(), id, "")
		assert.ErrorIs(t, err, appErrors.ErrNotFound, id)
	}

	require.NoError(t, f.files.DeleteFile(fileID))
	_, err = f.svc.ResolveFile(context.Background(), fileID, "")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestResolveFileRequiresValidTokenWhenConfigured(t *testing.T) {
	d := newDownload("dl-1", 100)
	f := newServiceFixture(t, ExportServiceConfig{RequireSignedURL: true}, d)
	fileID := f.commitFile(t, "dl-1", 1)

	_, err := f.svc.ResolveFile(context.Background(), fileID, "")
	require.ErrorIs(t, err, appErrors.ErrForbidden)

	_, err = f.svc.ResolveFile(context.Background(), fileID, "dl-1.0.abc.def")
	require.ErrorIs(t, err, appErrors.ErrForbidden)

	token, _, err := storage.NewSignedURLSigner("secret", time.Hour).Generate("dl-1", fileID)
	require.NoError(t, err)
	download, err := f.svc.ResolveFile(context.Background(), fileID, token)
	require.NoError(t, err)
	require.NoError(t, download.File.Close())
}

func TestRecoverPending(t *testing.T) {
	preparing := newDownload("dl-1", 100)
	processing := newDownload("dl-2", 100)
	processing.Status = models.DownloadStatusProcessing
	f := newServiceFixture(t, ExportServiceConfig{}, preparing, processing)

	f.svc.RecoverPending(context.Background())

	require.Len(t, f.queue.enqueued, 1)
	assert.Equal(t, "dl-1", f.queue.enqueued[0].ID)
	interrupted := f.store.get("dl-2")
	assert.Equal(t, models.DownloadStatusFailed, interrupted.Status)
	assert.Equal(t, appErrors.ErrInterrupted.Code, *interrupted.ErrorCode)
}

func TestCleanupExpiredRemovesFilesAndRows(t *testing.T) {
	old := newDownload("dl-1", 100)
	old.Status = models.DownloadStatusCompleted
	finished := time.Now().Add(-48 * time.Hour)
	old.FinishedAt = &finished
	f := newServiceFixture(t, ExportServiceConfig{ResultTTL: 24 * time.Hour}, old)
	fileID := f.commitFile(t, "dl-1", 1)

	f.svc.cleanupExpired(context.Background())

	_, _, err := f.files.Open(fileID)
	assert.ErrorIs(t, err, storage.ErrFileNotFound)
	_, err = f.svc.GetStatus(context.Background(), "dl-1")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestSearchReturnsPreviewPage(t *testing.T) {
	f := newServiceFixture(t, ExportServiceConfig{})

	req := validExportRequest()
	req.Limit = intPtr(10)
	req.CurrentPage = intPtr(3)
	resp, pagination, err := f.svc.Search(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Records, 5)
	assert.Equal(t, float64(21), resp.Records[0]["n"])
	assert.Equal(t, 3, pagination.Page)
	assert.Equal(t, 25, pagination.TotalCount)
}
