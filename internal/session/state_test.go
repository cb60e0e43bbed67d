package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/xrayscan/internal/errors"
	"github.com/tphakala/xrayscan/internal/scan"
)

var sampleFindings = []scan.Finding{
	scan.NewFinding("Class 0", 0, 0.8734),
	scan.NewFinding("Class 1", 1, 0.41),
}

func uploaded(ref string) State {
	return State{Phase: PhaseUploaded, CurrentImage: ref}
}

func detected() State {
	return State{
		Phase:                 PhaseDetected,
		CurrentImage:          "/images/a.jpg",
		CurrentProcessedImage: "/processed_images/a.jpg",
		CurrentFindings:       sampleFindings,
	}
}

func TestFlagsDerivedFromPhase(t *testing.T) {
	t.Parallel()

	tests := []struct {
		phase                           Phase
		fromHistory, hasDetected, saved bool
		canDetect, canSave              bool
	}{
		{PhaseEmpty, false, false, false, false, false},
		{PhaseUploaded, false, false, false, true, false},
		{PhaseDetected, false, true, false, false, true},
		{PhaseSaved, false, true, true, false, false},
		{PhaseReviewing, true, false, true, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.phase.String(), func(t *testing.T) {
			t.Parallel()
			s := State{Phase: tt.phase}
			assert.Equal(t, tt.fromHistory, s.IsFromHistory())
			assert.Equal(t, tt.hasDetected, s.HasDetected())
			assert.Equal(t, tt.saved, s.IsSaved())
			a := s.Affordances()
			assert.True(t, a.CanUpload)
			assert.Equal(t, tt.canDetect, a.CanDetect)
			assert.Equal(t, tt.canSave, a.CanSave)
		})
	}
}

func TestUploadFromEveryPhaseClearsScan(t *testing.T) {
	t.Parallel()

	for _, from := range []State{
		{},
		uploaded("/images/old.jpg"),
		detected(),
		{Phase: PhaseSaved, CurrentImage: "x", CurrentProcessedImage: "y", CurrentFindings: sampleFindings},
		{Phase: PhaseReviewing, CurrentProcessedImage: "y", CurrentFindings: sampleFindings},
	} {
		t.Run(from.Phase.String(), func(t *testing.T) {
			t.Parallel()

			s, effects, err := Step(from, UploadRequested{Filename: "new.png"})
			require.NoError(t, err)
			assert.Equal(t, from, s, "requesting an upload does not change state")
			assert.Equal(t, []Effect{UploadEffect{Filename: "new.png"}}, effects)

			s, effects, err = Step(s, UploadCompleted{ImageReference: "/images/new.png"})
			require.NoError(t, err)
			assert.Empty(t, effects)
			assert.Equal(t, uploaded("/images/new.png"), s)
			assert.Empty(t, s.CurrentProcessedImage)
			assert.Empty(t, s.CurrentFindings)
			assert.False(t, s.HasDetected())
			assert.False(t, s.IsSaved())
			assert.False(t, s.IsFromHistory())
		})
	}
}

func TestDetectOnlyFromUploaded(t *testing.T) {
	t.Parallel()

	s, effects, err := Step(uploaded("/images/a.jpg"), DetectRequested{})
	require.NoError(t, err)
	assert.Equal(t, []Effect{DetectEffect{ImageReference: "/images/a.jpg"}}, effects)

	s, _, err = Step(s, DetectCompleted{ProcessedImageReference: "/processed_images/a.jpg", Findings: sampleFindings})
	require.NoError(t, err)
	assert.Equal(t, detected(), s)

	for _, from := range []State{{}, detected(), {Phase: PhaseSaved}, {Phase: PhaseReviewing}} {
		got, effects, err := Step(from, DetectRequested{})
		require.Error(t, err, from.Phase.String())
		assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
		assert.Empty(t, effects)
		assert.Equal(t, from, got)
	}
}

func TestDetectFailureKeepsUploaded(t *testing.T) {
	t.Parallel()

	failure := errors.Newf("model exited 1").Category(errors.CategoryDetection).Build()
	s, effects, err := Step(uploaded("/images/a.jpg"), DetectFailed{Err: failure})
	require.ErrorIs(t, err, failure)
	assert.Empty(t, effects)
	assert.Equal(t, uploaded("/images/a.jpg"), s)
	assert.True(t, s.Affordances().CanDetect, "detect can be retried")
}

func TestDetectCompletedNilFindingsIsEmpty(t *testing.T) {
	t.Parallel()

	s, _, err := Step(uploaded("/images/a.jpg"), DetectCompleted{ProcessedImageReference: "/p/a.jpg"})
	require.NoError(t, err)
	assert.NotNil(t, s.CurrentFindings)
	assert.Empty(t, s.CurrentFindings)
}

func TestSaveTransitions(t *testing.T) {
	t.Parallel()

	s, effects, err := Step(detected(), SaveRequested{})
	require.NoError(t, err)
	require.Len(t, effects, 1)
	persist, ok := effects[0].(PersistEffect)
	require.True(t, ok)
	assert.Equal(t, "/processed_images/a.jpg", persist.Record.ImageReference)
	assert.Equal(t, sampleFindings, persist.Record.Findings)

	s, effects, err = Step(s, SaveCompleted{})
	require.NoError(t, err)
	assert.Equal(t, PhaseSaved, s.Phase)
	assert.Equal(t, []Effect{RefreshHistoryEffect{}}, effects)
	assert.True(t, s.IsSaved())

	again, effects, err := Step(s, SaveRequested{})
	require.NoError(t, err, "saving twice is a no-op")
	assert.Empty(t, effects)
	assert.Equal(t, s, again)
}

func TestSaveRejectedWithoutProcessedImage(t *testing.T) {
	t.Parallel()

	for _, from := range []State{{}, uploaded("/images/a.jpg"), {Phase: PhaseDetected}} {
		s, effects, err := Step(from, SaveRequested{})
		require.Error(t, err)
		assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
		assert.Empty(t, effects)
		assert.Equal(t, from, s)
	}
}

func TestSaveNoOpWhileReviewing(t *testing.T) {
	t.Parallel()

	from := State{Phase: PhaseReviewing, CurrentProcessedImage: "/p/a.jpg"}
	s, effects, err := Step(from, SaveRequested{})
	require.NoError(t, err)
	assert.Empty(t, effects)
	assert.Equal(t, from, s)
}

func TestSaveFailureKeepsDetected(t *testing.T) {
	t.Parallel()

	failure := errors.Newf("disk full").Category(errors.CategoryPersistence).Build()
	s, _, err := Step(detected(), SaveFailed{Err: failure})
	require.ErrorIs(t, err, failure)
	assert.Equal(t, detected(), s)
	assert.True(t, s.Affordances().CanSave)
}

func TestHistorySelectedFromEveryPhase(t *testing.T) {
	t.Parallel()

	rec := scan.Record{ImageReference: "/processed_images/old.jpg", Findings: sampleFindings[:1]}
	for _, from := range []State{{}, uploaded("/images/a.jpg"), detected(), {Phase: PhaseSaved}} {
		s, effects, err := Step(from, HistorySelected{Record: rec})
		require.NoError(t, err)
		assert.Empty(t, effects)
		assert.Equal(t, State{
			Phase:                 PhaseReviewing,
			CurrentProcessedImage: rec.ImageReference,
			CurrentFindings:       rec.Findings,
		}, s)
		assert.Empty(t, s.CurrentImage)
		assert.True(t, s.IsSaved())
		assert.False(t, s.HasDetected())
		assert.True(t, s.IsFromHistory())
	}
}

func TestStepDoesNotAliasFindings(t *testing.T) {
	t.Parallel()

	findings := []scan.Finding{scan.NewFinding("Class 0", 0, 0.5)}
	s, _, err := Step(uploaded("/images/a.jpg"), DetectCompleted{ProcessedImageReference: "/p", Findings: findings})
	require.NoError(t, err)
	findings[0].Label = "changed"
	assert.Equal(t, "Class 0", s.CurrentFindings[0].Label)
}
