// Package imagestore keeps uploaded X-ray images and annotated detection
// output on disk and maps them to the public references clients see.
//
// An upload is stored as <uploads>/<jobID><ext> and referenced as
// <publicURL>/images/<jobID><ext>. After detection the annotated image is
// moved to <processed>/<jobID><ext> and referenced as
// <publicURL>/processed_images/<jobID><ext>.
package imagestore

import (
	"io"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/tphakala/xrayscan/internal/errors"
	"github.com/tphakala/xrayscan/internal/logger"
	"github.com/tphakala/xrayscan/internal/scan"
	"github.com/tphakala/xrayscan/internal/securefs"
)

const (
	// UploadsRoute is the URL prefix uploaded images are served under.
	UploadsRoute = "/images"
	// ProcessedRoute is the URL prefix annotated images are served under.
	ProcessedRoute = "/processed_images"

	// DefaultExt is used when the uploaded filename carries no usable extension.
	DefaultExt = ".jpg"

	maxExtLen = 8
)

// GetLogger returns the imagestore package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("imagestore")
}

// Store holds uploaded and processed images in two sandboxed directories.
type Store struct {
	uploads   *securefs.SecureFS
	processed *securefs.SecureFS
	publicURL string
}

// New opens (creating when needed) the upload and processed directories.
func New(uploadsDir, processedDir, publicURL string) (*Store, error) {
	uploads, err := securefs.New(uploadsDir)
	if err != nil {
		return nil, storeError(err, errors.CategoryFileIO, "open_uploads").
			Context("dir", uploadsDir).
			Build()
	}
	processed, err := securefs.New(processedDir)
	if err != nil {
		_ = uploads.Close()
		return nil, storeError(err, errors.CategoryFileIO, "open_processed").
			Context("dir", processedDir).
			Build()
	}
	return &Store{
		uploads:   uploads,
		processed: processed,
		publicURL: strings.TrimRight(publicURL, "/"),
	}, nil
}

// Uploads exposes the upload sandbox for static serving.
func (s *Store) Uploads() *securefs.SecureFS { return s.uploads }

// Processed exposes the processed-image sandbox for static serving.
func (s *Store) Processed() *securefs.SecureFS { return s.processed }

// Close releases both directory handles.
func (s *Store) Close() error {
	return errors.Join(s.uploads.Close(), s.processed.Close())
}

// NewJobID returns a fresh job identifier.
func NewJobID() string {
	return uuid.NewString()
}

// Extension returns the lower-cased extension of filename, or DefaultExt when
// it has none or it does not look like an image extension.
func Extension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if len(ext) < 2 || len(ext) > maxExtLen {
		return DefaultExt
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return DefaultExt
		}
	}
	return ext
}

// Save streams an uploaded image into the upload directory under a new job
// id. An empty body is a validation failure; a write failure is an upload
// failure.
func (s *Store) Save(filename string, r io.Reader) (scan.UploadResult, error) {
	jobID := NewJobID()
	name := jobID + Extension(filename)

	n, err := s.uploads.WriteFrom(name, r, 0o640)
	if err != nil {
		return scan.UploadResult{}, storeError(err, errors.CategoryUpload, "store_upload").
			FileContext(name, n).
			Build()
	}
	if n == 0 {
		_ = s.uploads.Remove(name)
		return scan.UploadResult{}, errors.Newf("uploaded file is empty").
			Component("imagestore").
			Category(errors.CategoryValidation).
			Context("filename", filename).
			Build()
	}

	GetLogger().Info("stored upload",
		logger.String("job_id", jobID),
		logger.String("file", name),
		logger.Int64("bytes", n))

	return scan.UploadResult{JobID: jobID, ImageReference: s.reference(UploadsRoute, name)}, nil
}

// Image is an uploaded image resolved from its reference.
type Image struct {
	JobID string
	Name  string
	Path  string
}

// Resolve maps an image reference back to its stored upload. The reference
// may be the full public URL, a path such as /images/<name>, or a bare
// filename. Unknown or malformed references are validation failures.
func (s *Store) Resolve(reference string) (Image, error) {
	name, err := nameFromReference(reference, UploadsRoute)
	if err != nil {
		return Image{}, errors.New(err).
			Component("imagestore").
			Category(errors.CategoryValidation).
			Context("reference", reference).
			Build()
	}

	exists, err := s.uploads.Exists(name)
	if err != nil || !exists {
		return Image{}, errors.Newf("image reference does not name a stored upload").
			Component("imagestore").
			Category(errors.CategoryValidation).
			Context("reference", reference).
			Build()
	}

	abs, err := s.uploads.Path(name)
	if err != nil {
		return Image{}, storeError(err, errors.CategoryValidation, "resolve_reference").Build()
	}

	return Image{
		JobID: strings.TrimSuffix(name, filepath.Ext(name)),
		Name:  name,
		Path:  abs,
	}, nil
}

// Relocate moves the annotated image produced for img into the processed
// directory and returns its public reference.
func (s *Store) Relocate(img Image, annotatedPath string) (string, error) {
	name := img.JobID + filepath.Ext(annotatedPath)
	if err := s.processed.Import(annotatedPath, name); err != nil {
		return "", storeError(err, errors.CategoryDetection, "relocate_annotated").
			Context("job_id", img.JobID).
			Build()
	}
	return s.reference(ProcessedRoute, name), nil
}

// ProcessedExists reports whether a processed image reference names a file
// in the processed directory.
func (s *Store) ProcessedExists(reference string) bool {
	name, err := nameFromReference(reference, ProcessedRoute)
	if err != nil {
		return false
	}
	ok, err := s.processed.Exists(name)
	return err == nil && ok
}

func (s *Store) reference(route, name string) string {
	return s.publicURL + route + "/" + url.PathEscape(name)
}

// nameFromReference extracts the stored file name from a reference under route
func nameFromReference(reference, route string) (string, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return "", errors.NewStd("image reference is empty")
	}

	u, err := url.Parse(reference)
	if err != nil {
		return "", err
	}

	p := u.Path
	if strings.Contains(p, "/") {
		dir, file := path.Split(path.Clean(p))
		dir, want := strings.Trim(dir, "/"), strings.Trim(route, "/")
		if dir != want && !strings.HasSuffix(dir, "/"+want) {
			return "", errors.NewStd("image reference is not under " + route)
		}
		p = file
	}

	if p == "" || p == "." || p == ".." || strings.ContainsAny(p, `/\`) || !filepath.IsLocal(p) {
		return "", errors.NewStd("image reference has no valid file name")
	}
	return p, nil
}

func storeError(err error, category errors.ErrorCategory, operation string) *errors.ErrorBuilder {
	return errors.New(err).
		Component("imagestore").
		Category(category).
		Context("operation", operation)
}
