// Package session implements the client-side scan lifecycle: which of
// upload, detect and save are valid at each point, and what happens to the
// session when each of them succeeds or fails.
//
// Step is a pure transition function. Requests yield effects for the
// Controller to execute; the outcome of each effect is fed back through Step.
package session

import (
	"slices"

	"github.com/tphakala/xrayscan/internal/errors"
	"github.com/tphakala/xrayscan/internal/scan"
)

// Phase is the lifecycle position of a session.
type Phase int

const (
	PhaseEmpty Phase = iota
	PhaseUploaded
	PhaseDetected
	PhaseSaved
	PhaseReviewing
)

func (p Phase) String() string {
	switch p {
	case PhaseEmpty:
		return "empty"
	case PhaseUploaded:
		return "uploaded"
	case PhaseDetected:
		return "detected"
	case PhaseSaved:
		return "saved"
	case PhaseReviewing:
		return "reviewing"
	default:
		return "unknown"
	}
}

// State is the session value. The zero value is an empty session.
type State struct {
	Phase                 Phase
	CurrentImage          string
	CurrentProcessedImage string
	CurrentFindings       []scan.Finding
}

// IsFromHistory reports whether the session shows a scan loaded from history.
func (s State) IsFromHistory() bool { return s.Phase == PhaseReviewing }

// HasDetected reports whether detection ran on the current upload.
func (s State) HasDetected() bool {
	return s.Phase == PhaseDetected || s.Phase == PhaseSaved
}

// IsSaved reports whether the shown scan is persisted.
func (s State) IsSaved() bool {
	return s.Phase == PhaseSaved || s.Phase == PhaseReviewing
}

// Affordances lists the actions offered to the user.
type Affordances struct {
	CanUpload bool
	CanDetect bool
	CanSave   bool
}

// Affordances derives the offered actions from the phase.
func (s State) Affordances() Affordances {
	return Affordances{
		CanUpload: true,
		CanDetect: s.Phase == PhaseUploaded,
		CanSave:   s.Phase == PhaseDetected,
	}
}

func (s State) clone() State {
	s.CurrentFindings = slices.Clone(s.CurrentFindings)
	return s
}

// Input is a request or an effect outcome fed to Step.
type Input interface{ input() }

type (
	// UploadRequested asks to upload a file.
	UploadRequested struct{ Filename string }
	// UploadCompleted reports a stored upload.
	UploadCompleted struct{ ImageReference string }
	// UploadFailed reports a failed upload.
	UploadFailed struct{ Err error }

	// DetectRequested asks to run detection on the current upload.
	DetectRequested struct{}
	// DetectCompleted reports detection results.
	DetectCompleted struct {
		ProcessedImageReference string
		Findings                []scan.Finding
	}
	// DetectFailed reports a failed detection.
	DetectFailed struct{ Err error }

	// SaveRequested asks to persist the current scan.
	SaveRequested struct{}
	// SaveCompleted reports a persisted scan.
	SaveCompleted struct{}
	// SaveFailed reports a failed save.
	SaveFailed struct{ Err error }

	// HistorySelected loads a saved record for review.
	HistorySelected struct{ Record scan.Record }
)

func (UploadRequested) input() {}
func (UploadCompleted) input() {}
func (UploadFailed) input() {}
func (DetectRequested) input() {}
func (DetectCompleted) input() {}
func (DetectFailed) input() {}
func (SaveRequested) input() {}
func (SaveCompleted) input() {}
func (SaveFailed) input() {}
func (HistorySelected) input() {}

// Effect is work the Controller performs against its Backend.
type Effect interface{ effect() }

type (
	// UploadEffect stores the pending file.
	UploadEffect struct{ Filename string }
	// DetectEffect runs detection on an uploaded image.
	DetectEffect struct{ ImageReference string }
	// PersistEffect appends a record to history.
	PersistEffect struct{ Record scan.Record }
	// RefreshHistoryEffect re-reads the history list.
	RefreshHistoryEffect struct{}
)

func (UploadEffect) effect() {}
func (DetectEffect) effect() {}
func (PersistEffect) effect() {}
func (RefreshHistoryEffect) effect() {}

// Step computes the next state and the effects to run for in. On error the
// returned state equals s.
func Step(s State, in Input) (State, []Effect, error) {
	switch in := in.(type) {
	case UploadRequested:
		return s, []Effect{UploadEffect(in)}, nil

	case UploadCompleted:
		return State{Phase: PhaseUploaded, CurrentImage: in.ImageReference}, nil, nil

	case DetectRequested:
		if s.Phase != PhaseUploaded || s.CurrentImage == "" {
			return s, nil, invalid(s, "detect", "no uploaded image awaiting detection")
		}
		return s, []Effect{DetectEffect{ImageReference: s.CurrentImage}}, nil

	case DetectCompleted:
		if s.Phase != PhaseUploaded {
			return s, nil, invalid(s, "detect", "detection result without a pending upload")
		}
		findings := slices.Clone(in.Findings)
		if findings == nil {
			findings = []scan.Finding{}
		}
		return State{
			Phase:                 PhaseDetected,
			CurrentImage:          s.CurrentImage,
			CurrentProcessedImage: in.ProcessedImageReference,
			CurrentFindings:       findings,
		}, nil, nil

	case SaveRequested:
		switch s.Phase {
		case PhaseSaved, PhaseReviewing:
			return s, nil, nil
		case PhaseDetected:
			if s.CurrentProcessedImage == "" {
				return s, nil, invalid(s, "save", "no processed image to save")
			}
			rec := scan.Record{
				ImageReference: s.CurrentProcessedImage,
				Findings:       slices.Clone(s.CurrentFindings),
			}
			return s, []Effect{PersistEffect{Record: rec}}, nil
		default:
			return s, nil, invalid(s, "save", "no processed image to save")
		}

	case SaveCompleted:
		if s.Phase != PhaseDetected {
			return s, nil, invalid(s, "save", "save result without a detected scan")
		}
		next := s.clone()
		next.Phase = PhaseSaved
		return next, []Effect{RefreshHistoryEffect{}}, nil

	case HistorySelected:
		findings := slices.Clone(in.Record.Findings)
		if findings == nil {
			findings = []scan.Finding{}
		}
		return State{
			Phase:                 PhaseReviewing,
			CurrentProcessedImage: in.Record.ImageReference,
			CurrentFindings:       findings,
		}, nil, nil

	case UploadFailed:
		return s, nil, in.Err
	case DetectFailed:
		return s, nil, in.Err
	case SaveFailed:
		return s, nil, in.Err
	}

	return s, nil, errors.Newf("unsupported session input %T", in).
		Component("session").
		Category(errors.CategoryState).
		Build()
}

func invalid(s State, action, msg string) error {
	return errors.Newf("cannot %s: %s", action, msg).
		Component("session").
		Category(errors.CategoryValidation).
		Context("phase", s.Phase.String()).
		Context("action", action).
		Build()
}
