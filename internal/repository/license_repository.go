package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/logexport-api/internal/models"
)

// LicenseRepository reads the externally managed license record.
type LicenseRepository struct {
	db *sqlx.DB
}

// NewLicenseRepository constructs the repository.
func NewLicenseRepository(db *sqlx.DB) *LicenseRepository {
	return &LicenseRepository{db: db}
}

// GetActive returns the active license with the latest expiry.
func (r *LicenseRepository) GetActive(ctx context.Context) (*models.License, error) {
	const query = `SELECT id, is_active, expires_at FROM licenses WHERE is_active = TRUE ORDER BY expires_at DESC LIMIT 1`
	var license models.License
	if err := r.db.GetContext(ctx, &license, query); err != nil {
		return nil, fmt.Errorf("get active license: %w", err)
	}
	return &license, nil
}
