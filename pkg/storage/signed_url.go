package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignedURLSigner creates and validates signed file download tokens.
type SignedURLSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSignedURLSigner constructs a signer with the provided secret and TTL.
func NewSignedURLSigner(secret string, ttl time.Duration) *SignedURLSigner {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SignedURLSigner{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Generate returns a token binding downloadID and fileID until the TTL elapses.
func (s *SignedURLSigner) Generate(downloadID, fileID string) (string, time.Time, error) {
	if downloadID == "" || fileID == "" {
		return "", time.Time{}, fmt.Errorf("downloadID and fileID required")
	}
	if len(s.secret) == 0 {
		return "", time.Time{}, fmt.Errorf("signing secret missing")
	}
	expiresAt := s.now().Add(s.ttl)
	exp := strconv.FormatInt(expiresAt.UnixMilli(), 10)
	encodedFile := base64.RawURLEncoding.EncodeToString([]byte(fileID))
	token := strings.Join([]string{downloadID, exp, encodedFile, s.sign(downloadID, exp, encodedFile)}, ".")
	return token, time.UnixMilli(expiresAt.UnixMilli()), nil
}

// Parse validates a token and returns the embedded download and file ids.
// allowExpired skips the expiry check.
func (s *SignedURLSigner) Parse(token string, allowExpired bool) (downloadID, fileID string, expiresAt time.Time, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 4 {
		return "", "", time.Time{}, fmt.Errorf("invalid token format")
	}
	downloadID, exp, encodedFile, signature := parts[0], parts[1], parts[2], parts[3]

	expected := s.sign(downloadID, exp, encodedFile)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return "", "", time.Time{}, fmt.Errorf("invalid token signature")
	}

	rawFile, err := base64.RawURLEncoding.DecodeString(encodedFile)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("decode file id: %w", err)
	}
	millis, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("invalid timestamp")
	}
	expiresAt = time.UnixMilli(millis)
	if !allowExpired && s.now().After(expiresAt) {
		return "", "", time.Time{}, fmt.Errorf("token expired")
	}
	return downloadID, string(rawFile), expiresAt, nil
}

func (s *SignedURLSigner) sign(downloadID, exp, encodedFile string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(downloadID + "|" + exp + "|" + encodedFile))
	return hex.EncodeToString(mac.Sum(nil))
}
