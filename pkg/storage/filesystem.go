package storage

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	fileExt    = ".csv"
	partialExt = ".part"
	idTimeFmt  = "20060102150405"
)

var (
	// ErrInvalidFileID is returned for identifiers that could escape the storage root.
	ErrInvalidFileID = errors.New("invalid file id")
	// ErrFileNotFound is returned when no committed artifact exists for an id.
	ErrFileNotFound = errors.New("file not found")
)

// FileInfo describes one export artifact. No bytes exist until a sink commits.
type FileInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Path        string `json:"-"`
}

// FileManager names, writes, resolves and deletes export artifacts under one root.
type FileManager struct {
	root string

	mu    sync.Mutex
	ready bool
}

// NewFileManager resolves root to an absolute path and ensures it exists.
func NewFileManager(root string) (*FileManager, error) {
	if root == "" {
		root = "./exports"
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve exports directory: %w", err)
	}
	m := &FileManager{root: abs}
	if err := m.ensureRoot(); err != nil {
		return nil, err
	}
	return m, nil
}

// Root returns the absolute storage directory.
func (m *FileManager) Root() string {
	return m.root
}

// ensureRoot creates the storage directory once; concurrent callers serialize here.
func (m *FileManager) ensureRoot() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ready {
		if _, err := os.Stat(m.root); err == nil {
			return nil
		}
	}
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return fmt.Errorf("create exports directory: %w", err)
	}
	m.ready = true
	return nil
}

// CreateFile derives the artifact identity for chunk index (1-based) of total.
func (m *FileManager) CreateFile(menu string, ts time.Time, index, total int) FileInfo {
	ts = ts.UTC()
	id := fmt.Sprintf("%s_%s%03d_%dof%d", sanitizeComponent(menu), ts.Format(idTimeFmt), ts.Nanosecond()/int(time.Millisecond), index, total)
	return FileInfo{
		ID:          id,
		DisplayName: m.DisplayName(id),
		Path:        filepath.Join(m.root, id+fileExt),
	}
}

// DisplayName is the filename offered to clients.
func (m *FileManager) DisplayName(id string) string {
	return id + fileExt
}

// FilePath resolves id to its committed artifact path, rejecting traversal attempts.
func (m *FileManager) FilePath(id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	path := filepath.Join(m.root, id+fileExt)
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel != filepath.Base(path) {
		return "", ErrInvalidFileID
	}
	return path, nil
}

// Open returns a read handle for a committed artifact.
func (m *FileManager) Open(id string) (*os.File, os.FileInfo, error) {
	path, err := m.FilePath(id)
	if err != nil {
		return nil, nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, ErrFileNotFound
		}
		return nil, nil, fmt.Errorf("open export file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, nil, fmt.Errorf("stat export file: %w", err)
	}
	return file, info, nil
}

// DeleteFile removes the artifact and any partial left behind. Missing files are not an error.
func (m *FileManager) DeleteFile(id string) error {
	path, err := m.FilePath(id)
	if err != nil {
		return err
	}
	for _, p := range []string{path, path + partialExt} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete export file: %w", err)
		}
	}
	return nil
}

// CreateWriteStream opens a partial file for info. Nothing is visible under the
// final name until Commit succeeds.
func (m *FileManager) CreateWriteStream(info FileInfo) (*FileSink, error) {
	path, err := m.FilePath(info.ID)
	if err != nil {
		return nil, err
	}
	if err := m.ensureRoot(); err != nil {
		return nil, err
	}
	partial := path + partialExt
	file, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create export file: %w", err)
	}
	return &FileSink{
		file:    file,
		buf:     bufio.NewWriterSize(file, 64*1024),
		partial: partial,
		final:   path,
	}, nil
}

// CleanupOlderThan removes artifacts and stale partials last modified before now-ttl
// and returns the removed ids.
func (m *FileManager) CleanupOlderThan(ttl time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-ttl)
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("cleanup exports: %w", err)
	}

	deleted := make([]string, 0)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		id := strings.TrimSuffix(strings.TrimSuffix(name, partialExt), fileExt)
		if id == name {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return deleted, fmt.Errorf("cleanup exports: %w", err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(m.root, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return deleted, fmt.Errorf("cleanup exports: %w", err)
		}
		if !strings.HasSuffix(name, partialExt) {
			deleted = append(deleted, id)
		}
	}
	return deleted, nil
}

// ValidateID rejects empty ids and anything that is not a single plain path element.
func ValidateID(id string) error {
	if id == "" || id == "." || strings.Contains(id, "..") {
		return ErrInvalidFileID
	}
	for _, r := range id {
		if !isSafeRune(r) {
			return ErrInvalidFileID
		}
	}
	return nil
}

func isSafeRune(r rune) bool {
	return r == '-' || r == '_' || r == '.' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func sanitizeComponent(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "export"
	}
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r == '.':
			b.WriteRune('-')
		case isSafeRune(r):
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	result := b.String()
	if len(result) > 64 {
		result = result[:64]
	}
	return result
}

// FileSink is a buffered writer over a partial artifact.
type FileSink struct {
	file    *os.File
	buf     *bufio.Writer
	partial string
	final   string
	closed  bool
}

// Write buffers p into the partial file.
func (s *FileSink) Write(p []byte) (int, error) {
	if s.closed {
		return 0, os.ErrClosed
	}
	return s.buf.Write(p)
}

// Commit flushes, fsyncs and atomically renames the partial to its final name.
func (s *FileSink) Commit() error {
	if s.closed {
		return os.ErrClosed
	}
	s.closed = true
	if err := s.buf.Flush(); err != nil {
		s.discard()
		return fmt.Errorf("flush export file: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		s.discard()
		return fmt.Errorf("sync export file: %w", err)
	}
	if err := s.file.Close(); err != nil {
		_ = os.Remove(s.partial)
		return fmt.Errorf("close export file: %w", err)
	}
	if err := os.Rename(s.partial, s.final); err != nil {
		_ = os.Remove(s.partial)
		return fmt.Errorf("finalize export file: %w", err)
	}
	return nil
}

// Abort discards the partial file. It is a no-op after Commit.
func (s *FileSink) Abort() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.discard()
}

func (s *FileSink) discard() error {
	_ = s.file.Close()
	if err := os.Remove(s.partial); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove partial export file: %w", err)
	}
	return nil
}
