package api

import (
	"cmp"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/tphakala/xrayscan/internal/api/middleware"
	"github.com/tphakala/xrayscan/internal/errors"
	"github.com/tphakala/xrayscan/internal/logger"
	"github.com/tphakala/xrayscan/internal/scan"
)

// uploadField is the multipart form field holding the image.
const uploadField = "file"

// SaveResponse is the plain-text body returned after a successful save.
const SaveResponse = "Image saved successfully"

// DetectRequest is the body of POST /detect. ImageURL is the legacy name.
type DetectRequest struct {
	ImageReference string `json:"imageReference"`
	ImageURL       string `json:"imageUrl,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string      `json:"status"`
	Version string      `json:"version,omitempty"`
	Uptime  string      `json:"uptime"`
	Memory  *MemoryInfo `json:"memory,omitempty"`
	Storage *DiskInfo   `json:"storage,omitempty"`
}

// MemoryInfo reports host memory.
type MemoryInfo struct {
	Total       uint64  `json:"total"`
	Available   uint64  `json:"available"`
	UsedPercent float64 `json:"usedPercent"`
}

// DiskInfo reports usage of the file system holding uploads.
type DiskInfo struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"usedPercent"`
}

// handleUpload stores an image sent either as multipart field "file" or as
// the raw request body named by ?filename= or X-Filename.
func (s *Server) handleUpload(c echo.Context) error {
	filename, content, err := uploadContent(c)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := content.Close(); cerr != nil {
			s.log.Debug("closing upload content failed", logger.Error(cerr))
		}
	}()

	result, err := s.service.Upload(c.Request().Context(), filename, content)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func uploadContent(c echo.Context) (string, io.ReadCloser, error) {
	req := c.Request()
	if strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		fh, err := c.FormFile(uploadField)
		if err != nil {
			var he *echo.HTTPError
			if errors.As(err, &he) {
				return "", nil, err
			}
			return "", nil, errors.New(err).
				Component("api").
				Category(errors.CategoryValidation).
				Context("field", uploadField).
				Build()
		}
		f, err := fh.Open()
		if err != nil {
			return "", nil, errors.New(err).
				Component("api").
				Category(errors.CategoryUpload).
				Context("operation", "open_form_file").
				Build()
		}
		return fh.Filename, f, nil
	}

	filename := cmp.Or(c.QueryParam("filename"), req.Header.Get(middleware.HeaderFilename))
	return filename, io.NopCloser(req.Body), nil
}

// handleDetect runs detection on a previously uploaded image.
func (s *Server) handleDetect(c echo.Context) error {
	var req DetectRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	reference := cmp.Or(strings.TrimSpace(req.ImageReference), strings.TrimSpace(req.ImageURL))
	if reference == "" {
		return errors.ValidationError("imageReference is required")
	}

	result, err := s.service.Detect(c.Request().Context(), reference)
	if err != nil {
		return err
	}
	if result.Findings == nil {
		result.Findings = []scan.Finding{}
	}
	return c.JSON(http.StatusOK, result)
}

// handleSave appends a reviewed scan to the history.
func (s *Server) handleSave(c echo.Context) error {
	var rec scan.Record
	if err := c.Bind(&rec); err != nil {
		return err
	}
	if err := s.service.Save(c.Request().Context(), rec); err != nil {
		return err
	}
	return c.String(http.StatusOK, SaveResponse)
}

// handleHistory returns saved scans newest first. It never fails.
func (s *Server) handleHistory(c echo.Context) error {
	records := s.service.History(c.Request().Context())
	if records == nil {
		records = []scan.Record{}
	}
	return c.JSON(http.StatusOK, records)
}

// handleHealth reports liveness with host memory and upload storage usage.
// Probe failures only omit the affected section.
func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{
		Status:  "healthy",
		Version: s.config.Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	}

	ctx := c.Request().Context()
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		resp.Memory = &MemoryInfo{
			Total:       vm.Total,
			Available:   vm.Available,
			UsedPercent: vm.UsedPercent,
		}
	} else {
		s.log.Debug("memory stats unavailable", logger.Error(err))
	}

	dir := s.images.Uploads().BaseDir()
	if usage, err := disk.UsageWithContext(ctx, dir); err == nil {
		resp.Storage = &DiskInfo{
			Path:        dir,
			Total:       usage.Total,
			Free:        usage.Free,
			UsedPercent: usage.UsedPercent,
		}
	} else {
		s.log.Debug("disk usage unavailable", logger.String("path", dir), logger.Error(err))
	}

	return c.JSON(http.StatusOK, resp)
}
