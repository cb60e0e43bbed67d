package securefs

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/xrayscan/internal/errors"
	"github.com/tphakala/xrayscan/internal/logger"
)

// GetLogger returns the securefs package logger scoped to the securefs module.
func GetLogger() logger.Logger {
	return logger.Global().Module("securefs")
}

// SecureFS provides filesystem operations confined to a base directory
// using os.Root. Access through "../", absolute paths outside the base, or
// symlinks pointing out of the base is rejected by the OS-level root.
type SecureFS struct {
	baseDir         string
	root            *os.Root
	maxReadFileSize int64 // 0 = unlimited
}

// New creates the base directory if needed and opens it as a sandbox root.
func New(baseDir string) (*SecureFS, error) {
	absPath, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base path: %w", err)
	}

	if err := os.MkdirAll(absPath, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	root, err := os.OpenRoot(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem sandbox: %w", err)
	}

	return &SecureFS{baseDir: absPath, root: root}, nil
}

// IsPathWithinBase checks if targetPath is within or equal to basePath.
// Symlinks are resolved for paths that exist.
func IsPathWithinBase(basePath, targetPath string) (bool, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return false, fmt.Errorf("failed to resolve base path: %w", err)
	}
	absTarget, err := filepath.Abs(targetPath)
	if err != nil {
		return false, fmt.Errorf("failed to resolve target path: %w", err)
	}
	absBase = filepath.Clean(absBase)
	absTarget = filepath.Clean(absTarget)

	if _, err := os.Stat(absTarget); os.IsNotExist(err) {
		return isPathPrefix(absBase, absTarget), nil
	}

	if resolved, err := filepath.EvalSymlinks(absBase); err == nil {
		absBase = resolved
	}
	if resolved, err := filepath.EvalSymlinks(absTarget); err == nil {
		absTarget = resolved
	}

	return isPathPrefix(filepath.Clean(absBase), filepath.Clean(absTarget)), nil
}

// isPathPrefix checks if target is within or equal to base
func isPathPrefix(absBase, absTarget string) bool {
	return strings.HasPrefix(absTarget, absBase+string(filepath.Separator)) || absTarget == absBase
}

// RelativePath converts a path (absolute, or relative to the working
// directory) to a path relative to the base directory.
func (sfs *SecureFS) RelativePath(path string) (string, error) {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	isWithin, err := IsPathWithinBase(sfs.baseDir, absPath)
	if err != nil {
		return "", fmt.Errorf("path validation error: %w", err)
	}
	if !isWithin {
		return "", fmt.Errorf("%w: path %s is outside allowed directory %s", ErrPathTraversal, path, sfs.baseDir)
	}

	relPath, err := filepath.Rel(sfs.baseDir, absPath)
	if err != nil {
		return "", fmt.Errorf("failed to make path relative: %w", err)
	}
	return relPath, nil
}

// ValidateRelativePath validates a path that is meant to be relative to
// the base directory and returns it cleaned.
func (sfs *SecureFS) ValidateRelativePath(relPath string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(relPath))

	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("%w: path must be relative, got %q", ErrInvalidPath, relPath)
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, relPath)
	}
	if !filepath.IsLocal(cleaned) && cleaned != "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, relPath)
	}
	return cleaned, nil
}

// Path returns the absolute path of a validated relative path.
func (sfs *SecureFS) Path(relPath string) (string, error) {
	rel, err := sfs.ValidateRelativePath(relPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(sfs.baseDir, rel), nil
}

// MkdirAll creates a directory and all necessary parents below the base.
func (sfs *SecureFS) MkdirAll(relPath string, perm os.FileMode) error {
	rel, err := sfs.ValidateRelativePath(relPath)
	if err != nil {
		return err
	}
	if rel == "." {
		return nil
	}
	return sfs.root.MkdirAll(rel, perm)
}

// Remove removes a file relative to the base.
func (sfs *SecureFS) Remove(relPath string) error {
	rel, err := sfs.ValidateRelativePath(relPath)
	if err != nil {
		return err
	}
	return sfs.root.Remove(rel)
}

// Rename moves oldpath to newpath, both relative to the base.
func (sfs *SecureFS) Rename(oldpath, newpath string) error {
	oldRel, err := sfs.ValidateRelativePath(oldpath)
	if err != nil {
		return err
	}
	newRel, err := sfs.ValidateRelativePath(newpath)
	if err != nil {
		return err
	}
	return sfs.root.Rename(oldRel, newRel)
}

// OpenFile opens a file relative to the base.
func (sfs *SecureFS) OpenFile(relPath string, flag int, perm os.FileMode) (*os.File, error) {
	rel, err := sfs.ValidateRelativePath(relPath)
	if err != nil {
		return nil, err
	}
	return sfs.root.OpenFile(rel, flag, perm)
}

// Open opens a file relative to the base for reading.
func (sfs *SecureFS) Open(relPath string) (*os.File, error) {
	return sfs.OpenFile(relPath, os.O_RDONLY, 0)
}

// Stat returns file info for a path relative to the base.
func (sfs *SecureFS) Stat(relPath string) (fs.FileInfo, error) {
	rel, err := sfs.ValidateRelativePath(relPath)
	if err != nil {
		return nil, err
	}
	return sfs.root.Stat(rel)
}

// Exists reports whether a path relative to the base exists.
func (sfs *SecureFS) Exists(relPath string) (bool, error) {
	_, err := sfs.Stat(relPath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// SetMaxReadFileSize sets the maximum file size ReadFile accepts. Zero means
// unlimited.
func (sfs *SecureFS) SetMaxReadFileSize(maxSize int64) {
	sfs.maxReadFileSize = maxSize
}

// ErrFileTooLarge is returned when a file exceeds the configured size limit
var ErrFileTooLarge = errors.NewStd("file size exceeds maximum allowed size")

// ReadFile reads a file relative to the base.
func (sfs *SecureFS) ReadFile(relPath string) ([]byte, error) {
	file, err := sfs.Open(relPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := file.Close(); err != nil {
			GetLogger().Warn("Failed to close file", logger.Error(err))
		}
	}()

	if sfs.maxReadFileSize > 0 {
		stat, err := file.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat file: %w", err)
		}
		if stat.Size() > sfs.maxReadFileSize {
			return nil, fmt.Errorf("%w: file is %d bytes, limit is %d bytes",
				ErrFileTooLarge, stat.Size(), sfs.maxReadFileSize)
		}
	}

	return io.ReadAll(file)
}

// WriteFile writes data to a file relative to the base, creating parent
// directories as needed.
func (sfs *SecureFS) WriteFile(relPath string, data []byte, perm os.FileMode) error {
	_, err := sfs.WriteFrom(relPath, bytes.NewReader(data), perm)
	return err
}

// WriteFrom streams r into a new file relative to the base and returns the
// number of bytes written. An existing file is truncated. On copy failure
// the partial file is removed.
func (sfs *SecureFS) WriteFrom(relPath string, r io.Reader, perm os.FileMode) (int64, error) {
	rel, err := sfs.ValidateRelativePath(relPath)
	if err != nil {
		return 0, err
	}
	if dir := filepath.Dir(rel); dir != "." {
		if err := sfs.root.MkdirAll(dir, 0o750); err != nil {
			return 0, err
		}
	}

	file, err := sfs.root.OpenFile(rel, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(file, r)
	if err == nil {
		err = file.Sync()
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = sfs.root.Remove(rel)
		return n, err
	}
	return n, nil
}

// Import moves the file at srcPath (anywhere on disk) to relPath below the
// base. A rename is attempted first; across filesystems the content is
// copied and the source removed.
func (sfs *SecureFS) Import(srcPath, relPath string) error {
	rel, err := sfs.ValidateRelativePath(relPath)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(rel); dir != "." {
		if err := sfs.root.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}

	if err := os.Rename(srcPath, filepath.Join(sfs.baseDir, rel)); err == nil {
		return nil
	}

	src, err := os.Open(srcPath) // #nosec G304 - source comes from the detector layout
	if err != nil {
		return err
	}
	_, err = sfs.WriteFrom(rel, src, 0o640)
	_ = src.Close()
	if err != nil {
		return err
	}
	return os.Remove(srcPath)
}

// mapOpenErrorToHTTP converts file open errors to appropriate HTTP errors
func mapOpenErrorToHTTP(err error, effectivePath string) *echo.HTTPError {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return echo.NewHTTPError(http.StatusNotFound, "File not found")
	case errors.Is(err, fs.ErrPermission) || errors.Is(err, ErrAccessDenied):
		return echo.NewHTTPError(http.StatusForbidden, "Access denied")
	case errors.Is(err, ErrPathTraversal) || errors.Is(err, ErrInvalidPath):
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid file path").SetInternal(err)
	default:
		GetLogger().Error("Unhandled error serving file",
			logger.String("path", effectivePath),
			logger.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Error serving file").SetInternal(err)
	}
}

// getContentType determines the content type from the file extension
func getContentType(path string) string {
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		return "application/octet-stream"
	}
	return contentType
}

// ServeRelativeFile serves a file relative to the base through an echo
// response. Directories and other non-regular files are refused.
func (sfs *SecureFS) ServeRelativeFile(c echo.Context, relPath string) error {
	f, err := sfs.Open(relPath)
	if err != nil {
		return mapOpenErrorToHTTP(err, relPath)
	}
	defer func() {
		if err := f.Close(); err != nil {
			GetLogger().Warn("Failed to close file", logger.Error(err))
		}
	}()

	stat, err := f.Stat()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to get file info").SetInternal(err)
	}
	if !stat.Mode().IsRegular() {
		return echo.NewHTTPError(http.StatusForbidden, "Not a regular file")
	}

	if c.Response().Header().Get(echo.HeaderContentType) == "" {
		c.Response().Header().Set(echo.HeaderContentType, getContentType(relPath))
	}

	http.ServeContent(c.Response(), c.Request(), filepath.Base(relPath), stat.ModTime(), f)
	return nil
}

// BaseDir returns the absolute base directory.
func (sfs *SecureFS) BaseDir() string {
	return sfs.baseDir
}

// Close closes the underlying root.
func (sfs *SecureFS) Close() error {
	if sfs.root != nil {
		return sfs.root.Close()
	}
	return nil
}
