package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/logexport-api/internal/models"
)

const downloadColumns = `id, menu, request, total_rows, processed_rows, status, error_code, error_message, files, created_at, updated_at, finished_at`

// DownloadRepository persists export download state.
type DownloadRepository struct {
	db *sqlx.DB
}

// NewDownloadRepository constructs the repository.
func NewDownloadRepository(db *sqlx.DB) *DownloadRepository {
	return &DownloadRepository{db: db}
}

// Create inserts a new download row with generated defaults.
func (r *DownloadRepository) Create(ctx context.Context, d *models.Download) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = models.DownloadStatusPreparing
	}
	if d.Files == nil {
		d.Files = models.FileList{}
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = d.CreatedAt

	const query = `INSERT INTO downloads (` + downloadColumns + `)
VALUES (:id, :menu, :request, :total_rows, :processed_rows, :status, :error_code, :error_message, :files, :created_at, :updated_at, :finished_at)`
	if _, err := r.db.NamedExecContext(ctx, query, d); err != nil {
		return fmt.Errorf("create download: %w", err)
	}
	return nil
}

// GetByID returns a download by its identifier.
func (r *DownloadRepository) GetByID(ctx context.Context, id string) (*models.Download, error) {
	const query = `SELECT ` + downloadColumns + ` FROM downloads WHERE id = $1`
	var d models.Download
	if err := r.db.GetContext(ctx, &d, query, id); err != nil {
		return nil, fmt.Errorf("get download: %w", err)
	}
	return &d, nil
}

// FindByFile returns the download whose ready files include fileID.
func (r *DownloadRepository) FindByFile(ctx context.Context, fileID string) (*models.Download, error) {
	const query = `SELECT ` + downloadColumns + ` FROM downloads WHERE files ? $1 LIMIT 1`
	var d models.Download
	if err := r.db.GetContext(ctx, &d, query, fileID); err != nil {
		return nil, fmt.Errorf("find download by file: %w", err)
	}
	return &d, nil
}

// UpdateDownloadParams defines the mutable fields. ProcessedRows never decreases.
type UpdateDownloadParams struct {
	Status        *models.DownloadStatus
	TotalRows     *int
	ProcessedRows *int
	ErrorCode     *string
	ErrorMessage  *string
	FinishedAt    *time.Time
}

// Update persists the provided changes for a download row.
func (r *DownloadRepository) Update(ctx context.Context, id string, params UpdateDownloadParams) error {
	set := make([]string, 0, 7)
	args := make([]interface{}, 0, 8)
	argPos := 1

	add := func(expr string, value interface{}) {
		set = append(set, fmt.Sprintf(expr, argPos))
		args = append(args, value)
		argPos++
	}

	if params.Status != nil {
		add("status = $%d", *params.Status)
	}
	if params.TotalRows != nil {
		add("total_rows = $%d", *params.TotalRows)
	}
	if params.ProcessedRows != nil {
		add("processed_rows = GREATEST(processed_rows, $%d)", *params.ProcessedRows)
	}
	if params.ErrorCode != nil {
		add("error_code = $%d", *params.ErrorCode)
	}
	if params.ErrorMessage != nil {
		add("error_message = $%d", *params.ErrorMessage)
	}
	if params.FinishedAt != nil {
		add("finished_at = $%d", *params.FinishedAt)
	}

	if len(set) == 0 {
		return nil
	}
	add("updated_at = $%d", time.Now().UTC())

	query := fmt.Sprintf("UPDATE downloads SET %s WHERE id = $%d", strings.Join(set, ", "), argPos)
	args = append(args, id)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update download: %w", err)
	}
	return nil
}

// AppendFile records a committed chunk and the rows written so far in one statement.
func (r *DownloadRepository) AppendFile(ctx context.Context, id, fileID string, processedRows int) error {
	const query = `UPDATE downloads SET files = files || to_jsonb($1::text), processed_rows = GREATEST(processed_rows, $2), updated_at = $3 WHERE id = $4`
	if _, err := r.db.ExecContext(ctx, query, fileID, processedRows, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("append download file: %w", err)
	}
	return nil
}

// ListByStatus fetches downloads in status, oldest first (used for cold start recovery).
func (r *DownloadRepository) ListByStatus(ctx context.Context, status models.DownloadStatus, limit int) ([]models.Download, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT ` + downloadColumns + ` FROM downloads WHERE status = $1 ORDER BY created_at ASC LIMIT $2`
	var downloads []models.Download
	if err := r.db.SelectContext(ctx, &downloads, query, status, limit); err != nil {
		return nil, fmt.Errorf("list downloads by status: %w", err)
	}
	return downloads, nil
}

// ListFinishedBefore retrieves terminal downloads finished prior to cutoff for cleanup.
func (r *DownloadRepository) ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Download, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT ` + downloadColumns + ` FROM downloads WHERE status IN ('COMPLETED', 'FAILED') AND finished_at IS NOT NULL AND finished_at < $1 ORDER BY finished_at ASC LIMIT $2`
	var downloads []models.Download
	if err := r.db.SelectContext(ctx, &downloads, query, cutoff, limit); err != nil {
		return nil, fmt.Errorf("list finished downloads: %w", err)
	}
	return downloads, nil
}

// Delete removes a download row.
func (r *DownloadRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete download: %w", err)
	}
	return nil
}
