package service

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/logexport-api/internal/models"
	appErrors "github.com/noah-isme/logexport-api/pkg/errors"
)

type licenseStoreStub struct {
	license *models.License
	err     error
	calls   int
}

func (s *licenseStoreStub) GetActive(context.Context) (*models.License, error) {
	s.calls++
	return s.license, s.err
}

type memoryCache struct {
	values map[string]models.License
}

func (c *memoryCache) Get(_ context.Context, key string, dest interface{}) (bool, error) {
	v, ok := c.values[key]
	if !ok {
		return false, nil
	}
	*dest.(*models.License) = v
	return true, nil
}

func (c *memoryCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	c.values[key] = *value.(*models.License)
	return nil
}

func (c *memoryCache) Delete(_ context.Context, key string) error {
	delete(c.values, key)
	return nil
}

type halterStub struct {
	calls int
	cause error
}

func (h *halterStub) HaltAll(cause error) int {
	h.calls++
	h.cause = cause
	return 2
}

var licenseNow = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func newLicenseService(store *licenseStoreStub, cache licenseCache) *LicenseService {
	svc := NewLicenseService(store, cache, nil, zap.NewNop(), LicenseServiceConfig{WarnDays: 7})
	svc.now = func() time.Time { return licenseNow }
	return svc
}

func TestLicenseCheckWarnsNearExpiry(t *testing.T) {
	store := &licenseStoreStub{license: &models.License{IsActive: true, ExpiresAt: licenseNow.Add(72 * time.Hour)}}
	status, err := newLicenseService(store, nil).Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, status.DaysLeft)
	assert.True(t, status.ShouldWarn)
	assert.False(t, status.IsExpired)
}

func TestLicenseCheckRejectsExpired(t *testing.T) {
	store := &licenseStoreStub{license: &models.License{IsActive: true, ExpiresAt: licenseNow.Add(-time.Hour)}}
	status, err := newLicenseService(store, nil).Check(context.Background())
	require.ErrorIs(t, err, appErrors.ErrLicenseExpired)
	require.NotNil(t, status)
	assert.True(t, status.IsExpired)
	assert.True(t, appErrors.IsForbidden(err))
}

func TestLicenseCheckRejectsMissingOrInactive(t *testing.T) {
	_, err := newLicenseService(&licenseStoreStub{err: fmt.Errorf("get active license: %w", sql.ErrNoRows)}, nil).Check(context.Background())
	require.ErrorIs(t, err, appErrors.ErrLicenseMissing)

	inactive := &licenseStoreStub{license: &models.License{IsActive: false, ExpiresAt: licenseNow.Add(48 * time.Hour)}}
	_, err = newLicenseService(inactive, nil).Check(context.Background())
	require.ErrorIs(t, err, appErrors.ErrLicenseMissing)
}

func TestLicenseCheckUsesCache(t *testing.T) {
	store := &licenseStoreStub{license: &models.License{ID: "lic", IsActive: true, ExpiresAt: licenseNow.Add(30 * 24 * time.Hour)}}
	svc := newLicenseService(store, &memoryCache{values: map[string]models.License{}})

	for i := 0; i < 3; i++ {
		_, err := svc.Check(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, store.calls)
}

func TestLicenseMonitorHaltsExportsWhenExpired(t *testing.T) {
	store := &licenseStoreStub{license: &models.License{IsActive: true, ExpiresAt: licenseNow.Add(-time.Minute)}}
	halter := &halterStub{}
	newLicenseService(store, nil).monitorOnce(context.Background(), halter)

	assert.Equal(t, 1, halter.calls)
	assert.ErrorIs(t, halter.cause, appErrors.ErrLicenseExpired)

	store.license.ExpiresAt = licenseNow.Add(72 * time.Hour)
	newLicenseService(store, nil).monitorOnce(context.Background(), halter)
	assert.Equal(t, 1, halter.calls)
}

func TestLicenseMonitorBypassesCachedLicense(t *testing.T) {
	store := &licenseStoreStub{license: &models.License{IsActive: true, ExpiresAt: licenseNow.Add(30 * 24 * time.Hour)}}
	cache := &memoryCache{values: map[string]models.License{}}
	svc := newLicenseService(store, cache)
	_, err := svc.Check(context.Background())
	require.NoError(t, err)

	store.license = &models.License{IsActive: true, ExpiresAt: licenseNow.Add(-time.Hour)}
	halter := &halterStub{}
	svc.monitorOnce(context.Background(), halter)

	assert.Equal(t, 1, halter.calls)
	assert.Equal(t, 2, store.calls)
}
