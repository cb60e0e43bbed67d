// Package detector runs the object-detection model on stored images and
// collects the artifacts it writes: an annotated copy of the image and a
// sidecar labels file.
//
// Artifacts for a job live in <runsdir>/<jobID>/:
//
//	<runsdir>/<jobID>/<image basename>             annotated image
//	<runsdir>/<jobID>/labels/<image stem><ext>     labels, one finding per line
package detector

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tphakala/xrayscan/internal/conf"
	"github.com/tphakala/xrayscan/internal/errors"
	"github.com/tphakala/xrayscan/internal/httpclient"
	"github.com/tphakala/xrayscan/internal/logger"
)

const componentName = "detector"

// Request identifies the image to run detection on.
type Request struct {
	JobID     string
	ImagePath string
}

// Artifacts are the outputs of one successful detection run.
type Artifacts struct {
	JobID          string
	OutputDir      string
	AnnotatedImage string
	LabelsFile     string
	// Labels holds the raw labels file content, empty when the model wrote
	// no labels file (no objects found).
	Labels      string
	LabelsFound bool
	Duration    time.Duration
}

// Invoker runs the detection model. Any failure is returned as an error in
// the detection category.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Artifacts, error)
}

// GetLogger returns the detector package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("detector")
}

// Layout derives artifact paths for a job.
type Layout struct {
	RunsDir   string
	LabelsExt string
}

// OutputDir returns the job's output directory.
func (l Layout) OutputDir(jobID string) string {
	return filepath.Join(l.RunsDir, jobID)
}

// AnnotatedPath returns where the annotated image for imagePath is written.
func (l Layout) AnnotatedPath(jobID, imagePath string) string {
	return filepath.Join(l.OutputDir(jobID), filepath.Base(imagePath))
}

// LabelsPath returns where the labels for imagePath are written. The name is
// derived from the image stem so any image extension works.
func (l Layout) LabelsPath(jobID, imagePath string) string {
	base := filepath.Base(imagePath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(l.OutputDir(jobID), "labels", stem+l.LabelsExt)
}

// Collect checks the job's output directory and reads the labels file. A
// missing annotated image is a failure. A missing labels file means the
// model found nothing, unless requireLabels is set: YOLOv7 detect.py with
// --save-txt writes a labels file only when it has at least one box, so an
// image without anomalies leaves no file behind. Set requireLabels for
// models that always write one, to turn its absence into a failure.
func (l Layout) Collect(req Request, requireLabels bool) (Artifacts, error) {
	art := Artifacts{
		JobID:          req.JobID,
		OutputDir:      l.OutputDir(req.JobID),
		AnnotatedImage: l.AnnotatedPath(req.JobID, req.ImagePath),
		LabelsFile:     l.LabelsPath(req.JobID, req.ImagePath),
	}

	info, err := os.Stat(art.AnnotatedImage)
	if err != nil || !info.Mode().IsRegular() {
		return Artifacts{}, detectionError(errors.Newf("annotated image not produced"), req, "collect_artifacts").
			Context("expected_path", art.AnnotatedImage).
			Build()
	}

	data, err := os.ReadFile(art.LabelsFile)
	switch {
	case err == nil:
		art.Labels = string(data)
		art.LabelsFound = true
	case os.IsNotExist(err) && !requireLabels:
		GetLogger().Debug("no labels file, treating as zero findings",
			logger.String("job_id", req.JobID),
			logger.String("labels_path", art.LabelsFile))
	default:
		return Artifacts{}, detectionError(errors.New(err), req, "read_labels").
			Context("labels_path", art.LabelsFile).
			Build()
	}

	return art, nil
}

// Cleanup removes the job's output directory.
func (l Layout) Cleanup(jobID string) error {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return errors.Newf("refusing to remove output for job id %q", jobID).
			Component(componentName).
			Category(errors.CategoryValidation).
			Build()
	}
	return os.RemoveAll(l.OutputDir(jobID))
}

// validateRequest rejects requests whose image does not exist.
func validateRequest(req Request) error {
	if req.JobID == "" || req.ImagePath == "" {
		return errors.Newf("detection request requires job id and image path").
			Component(componentName).
			Category(errors.CategoryValidation).
			Build()
	}
	info, err := os.Stat(req.ImagePath)
	if err != nil {
		return detectionError(errors.New(err), req, "stat_input").Build()
	}
	if !info.Mode().IsRegular() {
		return detectionError(errors.Newf("input is not a regular file"), req, "stat_input").Build()
	}
	return nil
}

// detectionError tags a builder with the detection category and job context
func detectionError(b *errors.ErrorBuilder, req Request, operation string) *errors.ErrorBuilder {
	return b.Component(componentName).
		Category(errors.CategoryDetection).
		Priority(errors.PriorityHigh).
		Context("operation", operation).
		Context("job_id", req.JobID)
}

// New builds the configured Invoker, wrapped with a concurrency limit.
// client is used by the remote backend and may be nil.
func New(settings *conf.Settings, client *httpclient.Client) (Invoker, error) {
	d := settings.Detector
	layout := Layout{RunsDir: d.Process.RunsDir, LabelsExt: d.LabelsExt}

	var inv Invoker
	switch d.Backend {
	case conf.DetectorBackendProcess:
		inv = NewProcessInvoker(ProcessConfig{
			Python:        d.Process.Python,
			Script:        d.Process.Script,
			Weights:       d.Process.Weights,
			Confidence:    d.Confidence,
			ImageSize:     d.ImageSize,
			ExtraArgs:     d.Process.ExtraArgs,
			Timeout:       d.Timeout,
			Layout:        layout,
			RequireLabels: d.RequireLabels,
		})
	case conf.DetectorBackendRemote:
		if client == nil {
			client = httpclient.New(&httpclient.Config{DefaultTimeout: d.Timeout})
		}
		inv = NewRemoteInvoker(RemoteConfig{
			URL:           d.Remote.URL,
			Confidence:    d.Confidence,
			ImageSize:     d.ImageSize,
			Timeout:       d.Timeout,
			Layout:        layout,
			RequireLabels: d.RequireLabels,
		}, client)
	default:
		return nil, errors.Newf("unknown detector backend %q", d.Backend).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}

	return Limit(inv, int64(d.MaxConcurrent)), nil
}
