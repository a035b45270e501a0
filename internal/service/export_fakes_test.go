package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/noah-isme/logexport-api/internal/models"
	"github.com/noah-isme/logexport-api/internal/repository"
	"github.com/noah-isme/logexport-api/pkg/logquery"
)

type fakeDownloadStore struct {
	mu        sync.Mutex
	downloads map[string]*models.Download
	processed map[string][]int
}

func newFakeDownloadStore(downloads ...*models.Download) *fakeDownloadStore {
	s := &fakeDownloadStore{downloads: map[string]*models.Download{}, processed: map[string][]int{}}
	for _, d := range downloads {
		s.downloads[d.ID] = d
	}
	return s
}

func (s *fakeDownloadStore) Create(_ context.Context, d *models.Download) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = fmt.Sprintf("dl-%d", len(s.downloads)+1)
	}
	d.CreatedAt = time.Now().UTC()
	copy := *d
	s.downloads[d.ID] = &copy
	return nil
}

func (s *fakeDownloadStore) GetByID(_ context.Context, id string) (*models.Download, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.downloads[id]
	if !ok {
		return nil, fmt.Errorf("get download: %w", sql.ErrNoRows)
	}
	copy := *d
	copy.Files = append(models.FileList{}, d.Files...)
	return &copy, nil
}

func (s *fakeDownloadStore) FindByFile(_ context.Context, fileID string) (*models.Download, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.downloads {
		if d.HasFile(fileID) {
			copy := *d
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("find download by file: %w", sql.ErrNoRows)
}

func (s *fakeDownloadStore) Update(_ context.Context, id string, params repository.UpdateDownloadParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.downloads[id]
	if !ok {
		return sql.ErrNoRows
	}
	if params.Status != nil {
		d.Status = *params.Status
	}
	if params.TotalRows != nil {
		d.TotalRows = *params.TotalRows
	}
	if params.ProcessedRows != nil && *params.ProcessedRows > d.ProcessedRows {
		d.ProcessedRows = *params.ProcessedRows
		s.processed[id] = append(s.processed[id], *params.ProcessedRows)
	}
	if params.ErrorCode != nil {
		d.ErrorCode = params.ErrorCode
	}
	if params.ErrorMessage != nil {
		d.ErrorMessage = params.ErrorMessage
	}
	if params.FinishedAt != nil {
		d.FinishedAt = params.FinishedAt
	}
	return nil
}

func (s *fakeDownloadStore) AppendFile(_ context.Context, id, fileID string, processedRows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.downloads[id]
	if !ok {
		return sql.ErrNoRows
	}
	d.Files = append(d.Files, fileID)
	s.processed[id] = append(s.processed[id], processedRows)
	if processedRows > d.ProcessedRows {
		d.ProcessedRows = processedRows
	}
	return nil
}

func (s *fakeDownloadStore) ListByStatus(_ context.Context, status models.DownloadStatus, _ int) ([]models.Download, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Download{}
	for _, d := range s.downloads {
		if d.Status == status {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeDownloadStore) ListFinishedBefore(_ context.Context, cutoff time.Time, _ int) ([]models.Download, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Download{}
	for _, d := range s.downloads {
		if d.Status.Terminal() && d.FinishedAt != nil && d.FinishedAt.Before(cutoff) {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *fakeDownloadStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.downloads, id)
	return nil
}

func (s *fakeDownloadStore) get(id string) models.Download {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.downloads[id]
}

// fakeLogStore serves rows numbered 1..rows. Cursors are plain offsets.
type fakeLogStore struct {
	mu         sync.Mutex
	rows       int
	count      int64
	pageCalls  int
	countCalls int
	// onPage may override the result of the n-th (1-based) page call.
	onPage func(ctx context.Context, call int) error
}

func (s *fakeLogStore) Count(context.Context, *logquery.Query) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.countCalls++
	if s.count > 0 {
		return s.count, nil
	}
	return int64(s.rows), nil
}

func (s *fakeLogStore) Page(ctx context.Context, _ *logquery.Query, size int, cursor string) (*models.LogPage, error) {
	s.mu.Lock()
	s.pageCalls++
	call := s.pageCalls
	hook := s.onPage
	s.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, call); err != nil {
			return nil, err
		}
	}

	offset := 0
	if cursor != "" {
		offset, _ = strconv.Atoi(cursor)
	}
	end := offset + size
	if end > s.rows {
		end = s.rows
	}
	if end < offset {
		end = offset
	}
	page := &models.LogPage{Records: make([]models.LogRecord, 0, end-offset)}
	for i := offset; i < end; i++ {
		page.Records = append(page.Records, models.LogRecord{"n": float64(i + 1)})
	}
	if len(page.Records) == size && size > 0 {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (s *fakeLogStore) Preview(_ context.Context, _ *logquery.Query, from, size int) (*models.LogPage, error) {
	page, err := s.Page(context.Background(), nil, size, strconv.Itoa(from))
	if err != nil {
		return nil, err
	}
	page.TotalRows = int64(s.rows)
	page.NextCursor = ""
	return page, nil
}
