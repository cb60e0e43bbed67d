package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/xrayscan/internal/detector"
	"github.com/tphakala/xrayscan/internal/errors"
	"github.com/tphakala/xrayscan/internal/history"
	"github.com/tphakala/xrayscan/internal/imagestore"
	"github.com/tphakala/xrayscan/internal/observability/metrics"
	"github.com/tphakala/xrayscan/internal/parser"
	"github.com/tphakala/xrayscan/internal/scan"
	"github.com/tphakala/xrayscan/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run"),
	)
}

const publicURL = "http://scanner.local:3000"

// fakeInvoker writes the artifacts a model run would produce and counts runs.
type fakeInvoker struct {
	layout detector.Layout
	labels string
	err    error
	delay  time.Duration
	calls  atomic.Int32
	// started receives one signal per run when set
	started chan struct{}
}

func (f *fakeInvoker) Invoke(ctx context.Context, req detector.Request) (detector.Artifacts, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return detector.Artifacts{}, ctx.Err()
		}
	}
	if f.err != nil {
		return detector.Artifacts{}, f.err
	}

	data, err := os.ReadFile(req.ImagePath)
	if err != nil {
		return detector.Artifacts{}, err
	}
	annotated := f.layout.AnnotatedPath(req.JobID, req.ImagePath)
	if err := os.MkdirAll(filepath.Dir(annotated), 0o750); err != nil {
		return detector.Artifacts{}, err
	}
	if err := os.WriteFile(annotated, append([]byte("annotated:"), data...), 0o600); err != nil {
		return detector.Artifacts{}, err
	}
	if f.labels != "" {
		labels := f.layout.LabelsPath(req.JobID, req.ImagePath)
		if err := os.MkdirAll(filepath.Dir(labels), 0o750); err != nil {
			return detector.Artifacts{}, err
		}
		if err := os.WriteFile(labels, []byte(f.labels), 0o600); err != nil {
			return detector.Artifacts{}, err
		}
	}
	return f.layout.Collect(req, false)
}

type fakePublisher struct {
	mu      sync.Mutex
	records []scan.Record
	err     error
}

func (p *fakePublisher) PublishRecord(_ context.Context, rec scan.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, rec)
	return p.err
}

type fixture struct {
	svc       *Service
	images    *imagestore.Store
	invoker   *fakeInvoker
	history   *history.JSONStore
	registry  *prometheus.Registry
	publisher *fakePublisher
	runs      string
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	dir := t.TempDir()

	images, err := imagestore.New(filepath.Join(dir, "uploads"), filepath.Join(dir, "processed"), publicURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = images.Close() })

	layout := detector.Layout{RunsDir: filepath.Join(dir, "runs"), LabelsExt: ".txt"}
	inv := &fakeInvoker{
		layout: layout,
		labels: "0 0.5 0.5 0.1 0.1 0.8734\n\ngarbage line\n3 0.1 0.1 0.1 0.1 0.5\n",
	}
	store := history.NewJSONStore(filepath.Join(dir, "image_data.json"))

	reg := prometheus.NewRegistry()
	m, err := metrics.NewScanMetrics(reg)
	require.NoError(t, err)
	pub := &fakePublisher{}

	opts := Options{
		Images:    images,
		Invoker:   inv,
		Layout:    layout,
		History:   store,
		CacheTTL:  time.Minute,
		Metrics:   m,
		Publisher: pub,
		Now:       func() time.Time { return time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC) },
	}
	if mutate != nil {
		mutate(&opts)
	}

	svc, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	return &fixture{
		svc:       svc,
		images:    images,
		invoker:   inv,
		history:   store,
		registry:  reg,
		publisher: pub,
		runs:      layout.RunsDir,
	}
}

func (f *fixture) upload(t *testing.T, name string) scan.UploadResult {
	t.Helper()
	res, err := f.svc.Upload(t.Context(), name, strings.NewReader("\xff\xd8\xff image bytes"))
	require.NoError(t, err)
	return res
}

// counter returns the value of the counter family name whose labels include
// every pair in want.
func (f *fixture) counter(t *testing.T, name string, want map[string]string) float64 {
	t.Helper()
	families, err := f.registry.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if hasLabels(m, want) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func hasLabels(m *dto.Metric, want map[string]string) bool {
	matched := 0
	for _, lp := range m.GetLabel() {
		if v, ok := want[lp.GetName()]; ok && v == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestUpload(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	res := f.upload(t, "chest.PNG")
	assert.NotEmpty(t, res.JobID)
	assert.Equal(t, publicURL+"/images/"+res.JobID+".png", res.ImageReference)

	_, err := f.svc.Upload(t.Context(), "empty.jpg", strings.NewReader(""))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	assert.InDelta(t, 1, f.counter(t, "xrayscan_operations_total",
		map[string]string{"operation": metrics.OpUpload, "status": metrics.StatusSuccess}), 0)
	assert.InDelta(t, 1, f.counter(t, "xrayscan_errors_total",
		map[string]string{"operation": metrics.OpUpload, "error_type": string(errors.CategoryValidation)}), 0)
}

func TestDetect(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	up := f.upload(t, "xray.jpg")

	res, err := f.svc.Detect(t.Context(), up.ImageReference)
	require.NoError(t, err)

	assert.Equal(t, up.JobID, res.JobID)
	assert.Equal(t, publicURL+"/processed_images/"+up.JobID+".jpg", res.ProcessedImageReference)
	assert.Equal(t, []scan.Finding{
		scan.NewFinding("Class 0", 0, 0.8734),
		scan.NewFinding("Class 3", 3, 0.5),
	}, res.Findings)
	assert.Equal(t, "87.34%", res.Findings[0].Percentage)

	data, err := f.images.Processed().ReadFile(up.JobID + ".jpg")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "annotated:"))

	_, err = os.Stat(filepath.Join(f.runs, up.JobID))
	assert.True(t, os.IsNotExist(err), "job output directory is removed after relocation")

	assert.InDelta(t, 1, f.counter(t, "xrayscan_parser_skipped_lines_total", nil), 0)
}

func TestDetectAcceptsPathReferences(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	up := f.upload(t, "xray.jpg")

	res, err := f.svc.Detect(t.Context(), "/images/"+up.JobID+".jpg")
	require.NoError(t, err)
	assert.Equal(t, up.JobID, res.JobID)
}

func TestDetectNoLabelsYieldsEmptyFindings(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.invoker.labels = ""
	up := f.upload(t, "clean.jpg")

	res, err := f.svc.Detect(t.Context(), up.ImageReference)
	require.NoError(t, err)
	assert.NotNil(t, res.Findings)
	assert.Empty(t, res.Findings)
}

func TestDetectUsesClassNames(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(o *Options) {
		o.Labeler = parser.ClassNames(map[string]string{"0": "Fracture"})
	})
	up := f.upload(t, "xray.jpg")

	res, err := f.svc.Detect(t.Context(), up.ImageReference)
	require.NoError(t, err)
	require.Len(t, res.Findings, 2)
	assert.Equal(t, "Fracture", res.Findings[0].Label)
	assert.Equal(t, "Class 3", res.Findings[1].Label)
}

func TestDetectCachesPerJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	up := f.upload(t, "xray.jpg")

	first, err := f.svc.Detect(t.Context(), up.ImageReference)
	require.NoError(t, err)
	second, err := f.svc.Detect(t.Context(), up.ImageReference)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), f.invoker.calls.Load())
	assert.InDelta(t, 1, f.counter(t, "xrayscan_detection_cache_lookups_total", map[string]string{"result": "hit"}), 0)

	second.Findings[0].Label = "mutated"
	third, err := f.svc.Detect(t.Context(), up.ImageReference)
	require.NoError(t, err)
	assert.Equal(t, "Class 0", third.Findings[0].Label, "callers get their own copy")
}

func TestDetectCacheMissWhenProcessedImageGone(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	up := f.upload(t, "xray.jpg")

	_, err := f.svc.Detect(t.Context(), up.ImageReference)
	require.NoError(t, err)
	require.NoError(t, f.images.Processed().Remove(up.JobID+".jpg"))

	_, err = f.svc.Detect(t.Context(), up.ImageReference)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.invoker.calls.Load())
}

func TestDetectWithoutCache(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(o *Options) { o.CacheTTL = 0 })
	up := f.upload(t, "xray.jpg")

	for range 2 {
		_, err := f.svc.Detect(t.Context(), up.ImageReference)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), f.invoker.calls.Load())
}

func TestDetectConcurrentCallsShareOneRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.invoker.delay = 100 * time.Millisecond
	up := f.upload(t, "xray.jpg")

	var wg sync.WaitGroup
	results := make([]scan.DetectionResult, 5)
	errs := make([]error, 5)
	for i := range results {
		wg.Go(func() {
			results[i], errs[i] = f.svc.Detect(t.Context(), up.ImageReference)
		})
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].ProcessedImageReference, results[i].ProcessedImageReference)
	}
	assert.Equal(t, int32(1), f.invoker.calls.Load())
}

func TestDetectSharedRunSurvivesCallerCancellation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.invoker.delay = 300 * time.Millisecond
	f.invoker.started = make(chan struct{}, 1)
	up := f.upload(t, "xray.jpg")

	firstCtx, cancelFirst := context.WithCancel(t.Context())
	firstDone := make(chan struct{})
	var firstErr error
	go func() {
		defer close(firstDone)
		_, firstErr = f.svc.Detect(firstCtx, up.ImageReference)
	}()
	testutil.WaitForChannel(t, f.invoker.started, testutil.DefaultTestTimeout, "model run did not start")

	secondDone := make(chan struct{})
	var second scan.DetectionResult
	var secondErr error
	go func() {
		defer close(secondDone)
		second, secondErr = f.svc.Detect(t.Context(), up.ImageReference)
	}()

	time.Sleep(50 * time.Millisecond)
	cancelFirst()

	testutil.WaitForChannel(t, firstDone, testutil.DefaultTestTimeout, "first caller did not return")
	testutil.WaitForChannel(t, secondDone, testutil.DefaultTestTimeout, "second caller did not return")

	require.NoError(t, firstErr)
	require.NoError(t, secondErr)
	assert.NotEmpty(t, second.ProcessedImageReference)
	assert.Len(t, second.Findings, 2)
	assert.Equal(t, int32(1), f.invoker.calls.Load())
}

func TestDetectFailures(t *testing.T) {
	t.Parallel()

	t.Run("unknown reference", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		_, err := f.svc.Detect(t.Context(), publicURL+"/images/missing.jpg")
		require.Error(t, err)
		assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
		assert.Equal(t, int32(0), f.invoker.calls.Load())
	})

	t.Run("empty reference", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		_, err := f.svc.Detect(t.Context(), "")
		require.Error(t, err)
		assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	})

	t.Run("model failure", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		f.invoker.err = errors.Newf("exit status 1").
			Component("detector").
			Category(errors.CategoryDetection).
			Build()
		up := f.upload(t, "xray.jpg")

		_, err := f.svc.Detect(t.Context(), up.ImageReference)
		require.Error(t, err)
		assert.True(t, errors.IsCategory(err, errors.CategoryDetection))
		assert.False(t, f.images.ProcessedExists(publicURL+"/processed_images/"+up.JobID+".jpg"))
		assert.InDelta(t, 1, f.counter(t, "xrayscan_errors_total",
			map[string]string{"operation": metrics.OpModel, "error_type": string(errors.CategoryDetection)}), 0)

		f.invoker.err = nil
		_, err = f.svc.Detect(t.Context(), up.ImageReference)
		require.NoError(t, err, "failures are not cached")
	})
}

func TestSave(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	rec := scan.Record{
		ImageReference: publicURL + "/processed_images/a.jpg",
		Findings:       []scan.Finding{scan.NewFinding("Class 1", 1, 0.5)},
	}
	require.NoError(t, f.svc.Save(t.Context(), rec))

	got := f.svc.History(t.Context())
	require.Len(t, got, 1)
	assert.Equal(t, rec.ImageReference, got[0].ImageReference)
	assert.Equal(t, rec.Findings, got[0].Findings)
	assert.Equal(t, time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC), got[0].SavedAt.UTC())

	require.Len(t, f.publisher.records, 1)
	assert.Equal(t, rec.ImageReference, f.publisher.records[0].ImageReference)
}

func TestSaveKeepsExplicitTimestampAndPrepends(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	older := scan.Record{ImageReference: "a", SavedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	newer := scan.Record{ImageReference: "b"}
	require.NoError(t, f.svc.Save(t.Context(), older))
	require.NoError(t, f.svc.Save(t.Context(), newer))

	got := f.svc.History(t.Context())
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ImageReference)
	assert.Equal(t, older.SavedAt, got[1].SavedAt.UTC())
	assert.NotNil(t, got[0].Findings)
}

func TestSaveValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	err := f.svc.Save(t.Context(), scan.Record{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	assert.Empty(t, f.svc.History(t.Context()))
	assert.Empty(t, f.publisher.records)
}

func TestSavePersistenceFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	require.NoError(t, os.WriteFile(f.history.Path(), []byte("{corrupt"), 0o600))

	err := f.svc.Save(t.Context(), scan.Record{ImageReference: "a"})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryPersistence))
	assert.Empty(t, f.publisher.records)
}

func TestSavePublishFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.publisher.err = errors.NewStd("broker down")

	require.NoError(t, f.svc.Save(t.Context(), scan.Record{ImageReference: "a"}))
	assert.Len(t, f.svc.History(t.Context()), 1)
}

func TestHistorySoftFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(o *Options) { o.Publisher = nil })
	require.NoError(t, os.WriteFile(f.history.Path(), []byte("not json"), 0o600))

	got := f.svc.History(t.Context())
	assert.NotNil(t, got)
	assert.Empty(t, got)
}
