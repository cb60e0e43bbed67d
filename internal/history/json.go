package history

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/tphakala/xrayscan/internal/errors"
	"github.com/tphakala/xrayscan/internal/logger"
	"github.com/tphakala/xrayscan/internal/scan"
)

const backendJSON = "json"

// JSONStore keeps the whole history in one JSON array document. Every
// Append is a read-modify-write of the full document, written atomically.
// Concurrent appenders on the same file can lose records; wrap the store
// in Serial when the process has more than one writer.
type JSONStore struct {
	path string
	log  logger.Logger
}

// NewJSONStore returns a store backed by the document at path. The file is
// created on first Append.
func NewJSONStore(path string) *JSONStore {
	return &JSONStore{
		path: path,
		log:  GetLogger().Module("json").With(logger.String("path", path)),
	}
}

// Path returns the document path.
func (s *JSONStore) Path() string { return s.path }

// Append prepends rec to the document. A document that exists but cannot be
// decoded is left untouched and the append fails.
func (s *JSONStore) Append(ctx context.Context, rec scan.Record) error {
	if err := ctx.Err(); err != nil {
		return persistenceError(err, backendJSON, "append").Build()
	}

	start := time.Now()
	records, err := s.load()
	if err != nil {
		return persistenceError(err, backendJSON, "load").
			Context("path", s.path).
			Build()
	}

	updated := make([]scan.Record, 0, len(records)+1)
	updated = append(updated, normalize(rec))
	updated = append(updated, records...)

	if err := s.write(updated); err != nil {
		return persistenceError(err, backendJSON, "write").
			Context("path", s.path).
			Timing("write", time.Since(start)).
			Build()
	}

	s.log.Debug("record appended",
		logger.Int("records", len(updated)),
		logger.Duration("elapsed", time.Since(start)))
	return nil
}

// ReadAll returns the stored records, or an empty slice when the document is
// missing, unreadable or corrupt.
func (s *JSONStore) ReadAll(_ context.Context) []scan.Record {
	records, err := s.load()
	if err != nil {
		s.log.Warn("history document unreadable, returning empty history",
			logger.Error(err))
		return []scan.Record{}
	}
	return records
}

// Close is a no-op; the document is not held open.
func (s *JSONStore) Close() error { return nil }

// load reads the document. A missing or blank document is empty history.
func (s *JSONStore) load() ([]scan.Record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return []scan.Record{}, nil
	}
	if err != nil {
		return nil, err
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return []scan.Record{}, nil
	}

	var records []scan.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errors.New(err).
			Component("history").
			Category(errors.CategoryFileParsing).
			Context("path", s.path).
			Build()
	}
	if records == nil {
		records = []scan.Record{}
	}
	return records, nil
}

// write replaces the document atomically: temp file in the same directory,
// fsync, rename, then fsync of the directory.
func (s *JSONStore) write(records []scan.Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o640); err != nil {
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return err
	}
	committed = true

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
