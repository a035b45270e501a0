package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/logexport-api/internal/models"
	appErrors "github.com/noah-isme/logexport-api/pkg/errors"
)

const licenseCacheKey = "license:active"

type licenseStore interface {
	GetActive(ctx context.Context) (*models.License, error)
}

type licenseCache = KeyValueCache

type exportHalter interface {
	HaltAll(cause error) int
}

// LicenseServiceConfig tunes license evaluation.
type LicenseServiceConfig struct {
	WarnDays      int
	CacheTTL      time.Duration
	CheckInterval time.Duration
}

// LicenseService evaluates the active license and halts exports when it lapses.
type LicenseService struct {
	repo    licenseStore
	cache   licenseCache
	metrics *MetricsService
	logger  *zap.Logger
	cfg     LicenseServiceConfig
	now     func() time.Time
}

// NewLicenseService constructs the license service. cache may be nil.
func NewLicenseService(repo licenseStore, cache licenseCache, metrics *MetricsService, logger *zap.Logger, cfg LicenseServiceConfig) *LicenseService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WarnDays <= 0 {
		cfg.WarnDays = models.DefaultLicenseWarnDays
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	return &LicenseService{repo: repo, cache: cache, metrics: metrics, logger: logger, cfg: cfg, now: time.Now}
}

// Status reports the license state without rejecting an expired license.
func (s *LicenseService) Status(ctx context.Context) (*models.LicenseStatus, error) {
	license, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	status := license.StatusAt(s.now(), s.cfg.WarnDays)
	s.metrics.SetLicenseDaysLeft(status.DaysLeft)
	return &status, nil
}

// Check admits work only under an active, unexpired license. The status is returned
// alongside ErrLicenseExpired so callers can still report it.
func (s *LicenseService) Check(ctx context.Context) (*models.LicenseStatus, error) {
	status, err := s.Status(ctx)
	if err != nil {
		return nil, err
	}
	if status.IsExpired {
		return status, appErrors.Clone(appErrors.ErrLicenseExpired, fmt.Sprintf("license expired on %s", status.ExpiresAt.UTC().Format("2006-01-02")))
	}
	return status, nil
}

func (s *LicenseService) load(ctx context.Context) (*models.License, error) {
	license, err := Remember(ctx, s.cache, licenseCacheKey, s.cfg.CacheTTL, s.fetch)
	if err != nil {
		return nil, err
	}
	return s.active(&license)
}

func (s *LicenseService) fetch(ctx context.Context) (models.License, error) {
	found, err := s.repo.GetActive(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.License{}, appErrors.ErrLicenseMissing
		}
		return models.License{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load license")
	}
	return *found, nil
}

func (s *LicenseService) active(license *models.License) (*models.License, error) {
	if !license.IsActive {
		return nil, appErrors.ErrLicenseMissing
	}
	return license, nil
}

// StartMonitor re-checks the license on every interval until ctx ends. When the
// license lapses all running exports are halted.
func (s *LicenseService) StartMonitor(ctx context.Context, halter exportHalter) {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.monitorOnce(ctx, halter)
			}
		}
	}()
}

func (s *LicenseService) monitorOnce(ctx context.Context, halter exportHalter) {
	if s.cache != nil {
		_ = s.cache.Delete(ctx, licenseCacheKey)
	}
	status, err := s.Check(ctx)
	switch {
	case err != nil && appErrors.IsForbidden(err):
		halted := 0
		if halter != nil {
			halted = halter.HaltAll(err)
		}
		s.logger.Sugar().Errorw("license no longer valid, exports halted", "error", err, "halted", halted)
	case err != nil:
		s.logger.Sugar().Warnw("license check failed", "error", err)
	case status.ShouldWarn:
		s.logger.Sugar().Warnw("license expiring soon", "days_left", status.DaysLeft, "expires_at", status.ExpiresAt)
	}
}
