package session

import (
	"context"
	"io"
	"slices"
	"sync"

	"github.com/tphakala/xrayscan/internal/errors"
	"github.com/tphakala/xrayscan/internal/logger"
	"github.com/tphakala/xrayscan/internal/scan"
)

// Backend performs the session's side effects. The in-process scan service
// and the HTTP client both implement it.
type Backend interface {
	Upload(ctx context.Context, filename string, content io.Reader) (scan.UploadResult, error)
	Detect(ctx context.Context, imageReference string) (scan.DetectionResult, error)
	Save(ctx context.Context, rec scan.Record) error
	// History returns saved scans newest first; it soft-fails to an empty list.
	History(ctx context.Context) []scan.Record
}

// Controller drives one session against a Backend. Operations are serialised:
// a Controller may be shared, but runs one operation at a time.
type Controller struct {
	mu      sync.Mutex
	backend Backend
	state   State
	history []scan.Record
	log     logger.Logger
}

// NewController returns a controller with an empty session.
func NewController(backend Backend) *Controller {
	return &Controller{
		backend: backend,
		history: []scan.Record{},
		log:     logger.Global().Module("session"),
	}
}

// State returns a copy of the current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Affordances reports which actions are currently offered.
func (c *Controller) Affordances() Affordances {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Affordances()
}

// History returns the last loaded history list.
func (c *Controller) History() []scan.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.history)
}

// Upload stores content and starts a new scan. Any unsaved work is discarded.
func (c *Controller) Upload(ctx context.Context, filename string, content io.Reader) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run(ctx, UploadRequested{Filename: filename}, content)
}

// Detect runs detection on the current upload.
func (c *Controller) Detect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run(ctx, DetectRequested{}, nil)
}

// Save persists the current scan. Saving an already saved scan is a no-op.
func (c *Controller) Save(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run(ctx, SaveRequested{}, nil)
}

// SelectFromHistory loads a saved record for review.
func (c *Controller) SelectFromHistory(rec scan.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// HistorySelected is valid from every phase.
	_ = c.run(context.Background(), HistorySelected{Record: rec}, nil)
}

// RefreshHistory reloads the history list from the backend.
func (c *Controller) RefreshHistory(ctx context.Context) []scan.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refresh(ctx)
	return slices.Clone(c.history)
}

// run feeds in through Step and executes the resulting effects until none
// remain. content is the pending upload body.
func (c *Controller) run(ctx context.Context, in Input, content io.Reader) error {
	queue := []Input{in}
	for len(queue) > 0 {
		in, queue = queue[0], queue[1:]

		next, effects, err := Step(c.state, in)
		if err != nil {
			c.log.Debug("session step rejected",
				logger.String("phase", c.state.Phase.String()),
				logger.String("input", inputName(in)),
				logger.Error(err))
			return err
		}
		if next.Phase != c.state.Phase {
			c.log.Debug("session transition",
				logger.String("from", c.state.Phase.String()),
				logger.String("to", next.Phase.String()))
		}
		c.state = next

		for _, eff := range effects {
			if outcome := c.execute(ctx, eff, content); outcome != nil {
				queue = append(queue, outcome)
			}
		}
	}
	return nil
}

// execute performs eff and returns the outcome input, if any.
func (c *Controller) execute(ctx context.Context, eff Effect, content io.Reader) Input {
	switch eff := eff.(type) {
	case UploadEffect:
		if content == nil {
			return UploadFailed{Err: errors.ValidationError("upload has no content")}
		}
		res, err := c.backend.Upload(ctx, eff.Filename, content)
		if err != nil {
			return UploadFailed{Err: err}
		}
		return UploadCompleted{ImageReference: res.ImageReference}

	case DetectEffect:
		res, err := c.backend.Detect(ctx, eff.ImageReference)
		if err != nil {
			return DetectFailed{Err: err}
		}
		return DetectCompleted{
			ProcessedImageReference: res.ProcessedImageReference,
			Findings:                res.Findings,
		}

	case PersistEffect:
		if err := c.backend.Save(ctx, eff.Record); err != nil {
			return SaveFailed{Err: err}
		}
		return SaveCompleted{}

	case RefreshHistoryEffect:
		c.refresh(ctx)
	}
	return nil
}

func (c *Controller) refresh(ctx context.Context) {
	records := c.backend.History(ctx)
	if records == nil {
		records = []scan.Record{}
	}
	c.history = records
}

func inputName(in Input) string {
	switch in.(type) {
	case UploadRequested:
		return "upload"
	case DetectRequested:
		return "detect"
	case SaveRequested:
		return "save"
	case HistorySelected:
		return "select_history"
	case UploadFailed, UploadCompleted:
		return "upload_result"
	case DetectFailed, DetectCompleted:
		return "detect_result"
	case SaveFailed, SaveCompleted:
		return "save_result"
	default:
		return "unknown"
	}
}
