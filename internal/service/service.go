// Package service implements the scan backend: storing uploads, running
// detection, and persisting and listing saved scans.
package service

import (
	"context"
	"io"
	"slices"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/tphakala/xrayscan/internal/detector"
	"github.com/tphakala/xrayscan/internal/errors"
	"github.com/tphakala/xrayscan/internal/history"
	"github.com/tphakala/xrayscan/internal/imagestore"
	"github.com/tphakala/xrayscan/internal/logger"
	"github.com/tphakala/xrayscan/internal/observability/metrics"
	"github.com/tphakala/xrayscan/internal/parser"
	"github.com/tphakala/xrayscan/internal/scan"
)

const (
	componentName  = "service"
	publishTimeout = 10 * time.Second
)

// Recorder receives scan pipeline metrics. *metrics.ScanMetrics implements it.
type Recorder interface {
	metrics.Recorder
	RecordFindings(findings, skipped int)
	RecordCacheLookup(hit bool)
	DetectionStarted() func()
	SetHistoryRecords(n int)
}

// RecordPublisher is notified of every saved record.
type RecordPublisher interface {
	PublishRecord(ctx context.Context, rec scan.Record) error
}

// Options configures a Service. Images, Invoker and History are required.
type Options struct {
	Images    *imagestore.Store
	Invoker   detector.Invoker
	Layout    detector.Layout
	History   history.Store
	Labeler   parser.Labeler
	CacheTTL  time.Duration
	Metrics   Recorder
	Publisher RecordPublisher
	// Now is the clock used to timestamp saved records.
	Now func() time.Time
}

// Service is the in-process scan backend. It is safe for concurrent use.
type Service struct {
	images    *imagestore.Store
	invoker   detector.Invoker
	layout    detector.Layout
	history   history.Store
	labeler   parser.Labeler
	results   *cache.Cache
	inflight  singleflight.Group
	metrics   Recorder
	publisher RecordPublisher
	now       func() time.Time
	log       logger.Logger
}

// GetLogger returns the service package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module(componentName)
}

// New validates opts and returns a Service.
func New(opts Options) (*Service, error) {
	if opts.Images == nil || opts.Invoker == nil || opts.History == nil {
		return nil, errors.Newf("service requires an image store, a detector and a history store").
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}

	s := &Service{
		images:    opts.Images,
		invoker:   opts.Invoker,
		layout:    opts.Layout,
		history:   opts.History,
		labeler:   opts.Labeler,
		metrics:   opts.Metrics,
		publisher: opts.Publisher,
		now:       opts.Now,
		log:       GetLogger(),
	}
	if s.labeler == nil {
		s.labeler = parser.DefaultLabel
	}
	if s.metrics == nil {
		s.metrics = nopRecorder{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if opts.CacheTTL > 0 {
		s.results = cache.New(opts.CacheTTL, 2*opts.CacheTTL)
	}
	return s, nil
}

// Upload stores an uploaded image and returns its reference.
func (s *Service) Upload(_ context.Context, filename string, content io.Reader) (scan.UploadResult, error) {
	start := time.Now()
	res, err := s.images.Save(filename, content)
	s.observe(metrics.OpUpload, start, err)
	return res, err
}

// Detect runs the model on the uploaded image named by reference, moves the
// annotated image into the processed directory and parses the findings.
// Results are cached per job, and concurrent calls for one job share a
// single model run that outlives the caller's context.
func (s *Service) Detect(ctx context.Context, reference string) (scan.DetectionResult, error) {
	start := time.Now()

	img, err := s.images.Resolve(reference)
	if err != nil {
		s.observe(metrics.OpDetect, start, err)
		return scan.DetectionResult{}, err
	}

	if res, ok := s.cached(img.JobID); ok {
		s.log.Debug("detection served from cache", logger.String("job_id", img.JobID))
		s.observe(metrics.OpDetect, start, nil)
		return res, nil
	}

	// The run is shared by every caller for this job, so one caller going
	// away must not stop it. detector.timeout still bounds the run.
	v, err, shared := s.inflight.Do(img.JobID, func() (any, error) {
		return s.detect(context.WithoutCancel(ctx), img)
	})
	s.observe(metrics.OpDetect, start, err)
	if err != nil {
		return scan.DetectionResult{}, err
	}
	if shared {
		s.log.Debug("joined in-flight detection", logger.String("job_id", img.JobID))
	}
	return cloneResult(v.(scan.DetectionResult)), nil
}

func (s *Service) detect(ctx context.Context, img imagestore.Image) (scan.DetectionResult, error) {
	log := s.log.With(logger.String("job_id", img.JobID))

	done := s.metrics.DetectionStarted()
	modelStart := time.Now()
	art, err := s.invoker.Invoke(ctx, detector.Request{JobID: img.JobID, ImagePath: img.Path})
	done()
	s.observe(metrics.OpModel, modelStart, err)
	if err != nil {
		log.Error("detection failed", logger.Error(err))
		return scan.DetectionResult{}, err
	}

	processed, err := s.images.Relocate(img, art.AnnotatedImage)
	if err != nil {
		log.Error("failed to relocate annotated image", logger.Error(err))
		return scan.DetectionResult{}, err
	}

	parsed := parser.ParseWith(art.Labels, s.labeler)
	s.metrics.RecordFindings(len(parsed.Findings), parsed.Skipped)
	if parsed.Skipped > 0 {
		log.Debug("skipped malformed label lines", logger.Int("skipped", parsed.Skipped))
	}

	if err := s.layout.Cleanup(img.JobID); err != nil {
		log.Warn("failed to remove detection output", logger.Error(err))
	}

	res := scan.DetectionResult{
		JobID:                   img.JobID,
		ProcessedImageReference: processed,
		Findings:                parsed.Findings,
	}
	if s.results != nil {
		s.results.SetDefault(img.JobID, res)
	}

	log.Info("detection complete",
		logger.Int("findings", len(res.Findings)),
		logger.Bool("labels_found", art.LabelsFound),
		logger.Duration("model_duration", art.Duration))
	return res, nil
}

// cached returns a cached result whose processed image still exists.
func (s *Service) cached(jobID string) (scan.DetectionResult, bool) {
	if s.results == nil {
		return scan.DetectionResult{}, false
	}
	v, ok := s.results.Get(jobID)
	if ok {
		res := v.(scan.DetectionResult)
		if s.images.ProcessedExists(res.ProcessedImageReference) {
			s.metrics.RecordCacheLookup(true)
			return cloneResult(res), true
		}
		s.results.Delete(jobID)
	}
	s.metrics.RecordCacheLookup(false)
	return scan.DetectionResult{}, false
}

// Save persists rec at the front of the history. SavedAt is set when zero.
func (s *Service) Save(ctx context.Context, rec scan.Record) error {
	start := time.Now()

	if rec.ImageReference == "" {
		err := errors.Newf("imageReference is required").
			Component(componentName).
			Category(errors.CategoryValidation).
			Build()
		s.observe(metrics.OpSave, start, err)
		return err
	}
	if rec.Findings == nil {
		rec.Findings = []scan.Finding{}
	}
	if rec.SavedAt.IsZero() {
		rec.SavedAt = s.now().UTC()
	}

	err := s.history.Append(ctx, rec)
	s.observe(metrics.OpSave, start, err)
	if err != nil {
		s.log.Error("failed to save scan",
			logger.String("image_reference", rec.ImageReference),
			logger.Error(err))
		return err
	}

	s.log.Info("scan saved",
		logger.String("image_reference", rec.ImageReference),
		logger.Int("findings", len(rec.Findings)))
	s.publish(ctx, rec)
	return nil
}

func (s *Service) publish(ctx context.Context, rec scan.Record) {
	if s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.publisher.PublishRecord(ctx, rec); err != nil {
		s.log.Warn("failed to publish saved scan", logger.Error(err))
	}
}

// History returns saved scans newest first. It never fails; an unreadable
// store yields an empty list.
func (s *Service) History(ctx context.Context) []scan.Record {
	start := time.Now()
	records := s.history.ReadAll(ctx)
	s.observe(metrics.OpHistory, start, nil)
	s.metrics.SetHistoryRecords(len(records))
	return records
}

// Close drops cached detection results.
func (s *Service) Close() {
	if s.results != nil {
		s.results.Flush()
	}
}

func (s *Service) observe(op string, start time.Time, err error) {
	s.metrics.RecordDuration(op, time.Since(start).Seconds())
	if err != nil {
		s.metrics.RecordOperation(op, metrics.StatusError)
		s.metrics.RecordError(op, string(errors.CategoryOf(err)))
		return
	}
	s.metrics.RecordOperation(op, metrics.StatusSuccess)
}

func cloneResult(res scan.DetectionResult) scan.DetectionResult {
	res.Findings = slices.Clone(res.Findings)
	if res.Findings == nil {
		res.Findings = []scan.Finding{}
	}
	return res
}

type nopRecorder struct{ metrics.NopRecorder }

func (nopRecorder) RecordFindings(int, int) {}
func (nopRecorder) RecordCacheLookup(bool) {}
func (nopRecorder) DetectionStarted() func() { return func() {} }
func (nopRecorder) SetHistoryRecords(int) {}
