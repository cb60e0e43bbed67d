package errors

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	mu       sync.Mutex
	enabled  bool
	reported []*EnhancedError
}

func (r *recordingReporter) ReportError(ee *EnhancedError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reported = append(r.reported, ee)
}

func (r *recordingReporter) IsEnabled() bool { return r.enabled }

func TestFastPathNoTelemetry(t *testing.T) {
	SetTelemetryReporter(nil)

	ee := New(fmt.Errorf("test error")).Build()

	assert.Equal(t, "test error", ee.Error())
	assert.Equal(t, ComponentUnknown, ee.GetComponent())
	assert.Equal(t, CategoryGeneric, ee.Category)
	assert.False(t, ee.IsReported())
}

func TestBuilderCarriesMetadata(t *testing.T) {
	SetTelemetryReporter(nil)

	ee := Newf("labels file %s missing", "scan.txt").
		Component("detector").
		Category(CategoryDetection).
		Priority(PriorityHigh).
		Context("job_id", "abc").
		Build()

	assert.Equal(t, "labels file scan.txt missing", ee.Error())
	assert.Equal(t, "detector", ee.GetComponent())
	assert.Equal(t, CategoryDetection, ee.Category)
	assert.Equal(t, PriorityHigh, ee.GetPriority())
	assert.Equal(t, "abc", ee.GetContext()["job_id"])
	assert.False(t, ee.GetTimestamp().IsZero())
}

func TestPriorityFallsBackToMedium(t *testing.T) {
	ee := New(NewStd("x")).Priority("urgent").Build()
	assert.Equal(t, PriorityMedium, ee.GetPriority())
}

func TestErrorLevelPrefersPriority(t *testing.T) {
	SetTelemetryReporter(nil)

	tests := []struct {
		name     string
		category ErrorCategory
		priority string
		want     sentry.Level
	}{
		{"category default for network", CategoryNetwork, "", sentry.LevelWarning},
		{"category default for validation", CategoryValidation, "", sentry.LevelInfo},
		{"high priority raises network", CategoryNetwork, PriorityHigh, sentry.LevelError},
		{"low priority lowers detection", CategoryDetection, PriorityLow, sentry.LevelInfo},
		{"medium priority", CategoryPersistence, PriorityMedium, sentry.LevelWarning},
		{"critical priority", CategorySystem, PriorityCritical, sentry.LevelFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(NewStd("x")).Category(tt.category)
			if tt.priority != "" {
				b = b.Priority(tt.priority)
			}
			assert.Equal(t, tt.want, errorLevel(b.Build()))
		})
	}
}

func TestCategoryInheritedFromWrappedError(t *testing.T) {
	SetTelemetryReporter(nil)

	inner := New(NewStd("disk full")).Category(CategoryPersistence).Build()
	outer := New(fmt.Errorf("save scan: %w", inner)).Build()

	assert.Equal(t, CategoryPersistence, outer.Category)
	assert.True(t, IsCategory(outer, CategoryPersistence))
	assert.Equal(t, CategoryPersistence, CategoryOf(fmt.Errorf("wrapped: %w", outer)))
}

func TestIsMatchesByCategory(t *testing.T) {
	a := New(NewStd("a")).Category(CategoryValidation).Build()
	b := New(NewStd("b")).Category(CategoryValidation).Build()
	c := New(NewStd("c")).Category(CategoryDetection).Build()

	assert.True(t, Is(a, b))
	assert.False(t, Is(a, c))
}

func TestIsFallsThroughToWrappedError(t *testing.T) {
	sentinel := NewStd("sentinel")
	ee := New(fmt.Errorf("ctx: %w", sentinel)).Build()

	assert.True(t, Is(ee, sentinel))
	assert.Equal(t, sentinel, Unwrap(ee.Err))
}

func TestCategoryOfPlainError(t *testing.T) {
	assert.Equal(t, CategoryGeneric, CategoryOf(NewStd("plain")))
	assert.False(t, IsCategory(nil, CategoryGeneric))
}

func TestTelemetryReporterReceivesErrors(t *testing.T) {
	reporter := &recordingReporter{enabled: true}
	SetTelemetryReporter(reporter)
	t.Cleanup(func() { SetTelemetryReporter(nil) })

	ee := New(NewStd("boom")).Category(CategoryDetection).Build()

	require.Len(t, reporter.reported, 1)
	assert.Same(t, ee, reporter.reported[0])
}

func TestDisabledReporterKeepsFastPath(t *testing.T) {
	reporter := &recordingReporter{enabled: false}
	SetTelemetryReporter(reporter)
	t.Cleanup(func() { SetTelemetryReporter(nil) })

	New(NewStd("boom")).Build()

	assert.Empty(t, reporter.reported)
	assert.False(t, hasActiveReporting.Load())
}

func TestFileContextAnonymizesPath(t *testing.T) {
	ee := New(NewStd("read")).FileContext("/srv/uploads/Patient_Smith.PNG", 2048).Build()
	ctx := ee.GetContext()

	assert.Equal(t, "absolute-path", ctx["file_type"])
	assert.Equal(t, "png", ctx["file_extension"])
	assert.Equal(t, "small", ctx["file_size_category"])
	for _, v := range ctx {
		assert.NotContains(t, fmt.Sprint(v), "Smith")
	}
}

func TestScrubMessageForPrivacy(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		absent  []string
		present string
	}{
		{
			name:    "query string",
			input:   "POST https://detector.local/infer?token=abc123 failed",
			absent:  []string{"abc123"},
			present: "https://detector.local/infer?[REDACTED]",
		},
		{
			name:   "password assignment",
			input:  "mysql connect failed password=hunter2",
			absent: []string{"hunter2"},
		},
		{
			name:   "long hex",
			input:  "key 0123456789abcdef0123456789abcdef rejected",
			absent: []string{"0123456789abcdef0123456789abcdef"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scrubMessageForPrivacy(tt.input)
			for _, s := range tt.absent {
				assert.NotContains(t, got, s)
			}
			if tt.present != "" {
				assert.Contains(t, got, tt.present)
			}
		})
	}
}

func TestGenerateErrorTitle(t *testing.T) {
	ee := New(NewStd("rename failed")).
		Component("imagestore").
		Category(CategoryFileIO).
		Context("operation", "relocate_annotated_image").
		Build()

	title := generateErrorTitle(ee)
	assert.Equal(t, "Imagestore File I/O Error Relocate Annotated Image", title)
	assert.False(t, strings.Contains(title, "_"))
}
