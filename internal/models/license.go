package models

import (
	"math"
	"time"
)

// DefaultLicenseWarnDays is the advisory window before expiry.
const DefaultLicenseWarnDays = 7

// License mirrors the externally owned license record.
type License struct {
	ID        string    `db:"id" json:"id"`
	IsActive  bool      `db:"is_active" json:"isActive"`
	ExpiresAt time.Time `db:"expires_at" json:"expiresAt"`
}

// LicenseStatus holds the facts derived from a license at a point in time.
type LicenseStatus struct {
	IsExpired  bool      `json:"isExpired"`
	DaysLeft   int       `json:"daysLeft"`
	ShouldWarn bool      `json:"shouldWarn"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// StatusAt evaluates the license at now. Partial days round up, so a license that
// expires later today still has one day left.
func (l License) StatusAt(now time.Time, warnDays int) LicenseStatus {
	if warnDays <= 0 {
		warnDays = DefaultLicenseWarnDays
	}
	remaining := l.ExpiresAt.Sub(now)
	daysLeft := int(math.Ceil(remaining.Hours() / 24))
	if remaining <= 0 {
		daysLeft = 0
	}
	return LicenseStatus{
		IsExpired:  daysLeft <= 0,
		DaysLeft:   daysLeft,
		ShouldWarn: daysLeft > 0 && daysLeft <= warnDays,
		ExpiresAt:  l.ExpiresAt,
	}
}
