package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/logexport-api/internal/models"
)

var downloadRowColumns = []string{"id", "menu", "request", "total_rows", "processed_rows", "status", "error_code", "error_message", "files", "created_at", "updated_at", "finished_at"}

func newDownloadRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestDownloadRepositoryCreateAndGet(t *testing.T) {
	db, mock, cleanup := newDownloadRepoMock(t)
	defer cleanup()
	repo := NewDownloadRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO downloads")).
		WithArgs(sqlmock.AnyArg(), "audit", sqlmock.AnyArg(), 0, 0, "PREPARING", nil, nil, []byte("[]"), sqlmock.AnyArg(), sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	d := &models.Download{
		Menu:    "audit",
		Request: models.SearchParams{Menu: "audit", CurrentPage: 1, Limit: 100},
	}
	require.NoError(t, repo.Create(context.Background(), d))
	require.NotEmpty(t, d.ID)
	require.Equal(t, models.DownloadStatusPreparing, d.Status)

	rows := sqlmock.NewRows(downloadRowColumns).
		AddRow(d.ID, "audit", `{"menu":"audit","currentPage":1,"limit":100}`, 250000, 100000, "PROCESSING", nil, nil, `["audit_1of3"]`, time.Now(), time.Now(), nil)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + downloadColumns + " FROM downloads WHERE id = $1")).
		WithArgs(d.ID).
		WillReturnRows(rows)

	fetched, err := repo.GetByID(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, models.DownloadStatusProcessing, fetched.Status)
	require.Equal(t, 100, fetched.Request.Limit)
	require.Equal(t, models.FileList{"audit_1of3"}, fetched.Files)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDownloadRepositoryGetMissing(t *testing.T) {
	db, mock, cleanup := newDownloadRepoMock(t)
	defer cleanup()
	repo := NewDownloadRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM downloads WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "missing")
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDownloadRepositoryUpdateKeepsProcessedRowsMonotonic(t *testing.T) {
	db, mock, cleanup := newDownloadRepoMock(t)
	defer cleanup()
	repo := NewDownloadRepository(db)

	status := models.DownloadStatusCompleted
	processed := 250000
	now := time.Now()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE downloads SET status = $1, processed_rows = GREATEST(processed_rows, $2), finished_at = $3, updated_at = $4 WHERE id = $5")).
		WithArgs(status, processed, now, sqlmock.AnyArg(), "dl-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Update(context.Background(), "dl-1", UpdateDownloadParams{
		Status:        &status,
		ProcessedRows: &processed,
		FinishedAt:    &now,
	})
	require.NoError(t, err)
	require.NoError(t, repo.Update(context.Background(), "dl-1", UpdateDownloadParams{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDownloadRepositoryAppendFileAndFindByFile(t *testing.T) {
	db, mock, cleanup := newDownloadRepoMock(t)
	defer cleanup()
	repo := NewDownloadRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE downloads SET files = files || to_jsonb($1::text)")).
		WithArgs("audit_2of3", 200000, sqlmock.AnyArg(), "dl-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.AppendFile(context.Background(), "dl-1", "audit_2of3", 200000))

	rows := sqlmock.NewRows(downloadRowColumns).
		AddRow("dl-1", "audit", `{}`, 250000, 200000, "PROCESSING", nil, nil, `["audit_1of3","audit_2of3"]`, time.Now(), time.Now(), nil)
	mock.ExpectQuery(regexp.QuoteMeta("FROM downloads WHERE files ? $1 LIMIT 1")).
		WithArgs("audit_2of3").
		WillReturnRows(rows)

	d, err := repo.FindByFile(context.Background(), "audit_2of3")
	require.NoError(t, err)
	require.True(t, d.HasFile("audit_2of3"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDownloadRepositoryListByStatus(t *testing.T) {
	db, mock, cleanup := newDownloadRepoMock(t)
	defer cleanup()
	repo := NewDownloadRepository(db)

	rows := sqlmock.NewRows(downloadRowColumns).
		AddRow("dl-1", "audit", `{}`, 0, 0, "PREPARING", nil, nil, `[]`, time.Now(), time.Now(), nil)
	mock.ExpectQuery(regexp.QuoteMeta("FROM downloads WHERE status = $1 ORDER BY created_at ASC LIMIT $2")).
		WithArgs(models.DownloadStatusPreparing, 50).
		WillReturnRows(rows)

	downloads, err := repo.ListByStatus(context.Background(), models.DownloadStatusPreparing, 0)
	require.NoError(t, err)
	require.Len(t, downloads, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}
