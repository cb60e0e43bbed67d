package history

import (
	"context"
	"sync"

	"github.com/tphakala/xrayscan/internal/errors"
	"github.com/tphakala/xrayscan/internal/scan"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.NewStd("history store is closed")

type appendRequest struct {
	ctx    context.Context
	rec    scan.Record
	result chan error
}

// Serial funnels every Append through a single writer goroutine so that
// read-modify-write backends never interleave. Reads pass straight through.
type Serial struct {
	next     Store
	requests chan appendRequest
	quit     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewSerial starts the writer goroutine for next.
func NewSerial(next Store) *Serial {
	s := &Serial{
		next:     next,
		requests: make(chan appendRequest),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Serial) run() {
	defer close(s.done)
	for {
		select {
		case req := <-s.requests:
			if err := req.ctx.Err(); err != nil {
				req.result <- persistenceError(err, "serial", "append").Build()
				continue
			}
			req.result <- s.next.Append(req.ctx, req.rec)
		case <-s.quit:
			return
		}
	}
}

// Append queues rec and waits for the writer to persist it.
func (s *Serial) Append(ctx context.Context, rec scan.Record) error {
	req := appendRequest{ctx: ctx, rec: rec, result: make(chan error, 1)}
	select {
	case s.requests <- req:
	case <-s.quit:
		return persistenceError(ErrClosed, "serial", "append").Build()
	case <-ctx.Done():
		return persistenceError(ctx.Err(), "serial", "append").Build()
	}
	return <-req.result
}

// ReadAll reads from the wrapped store.
func (s *Serial) ReadAll(ctx context.Context) []scan.Record {
	return s.next.ReadAll(ctx)
}

// Close stops the writer after any in-flight append and closes the wrapped
// store.
func (s *Serial) Close() error {
	var err error
	s.once.Do(func() {
		close(s.quit)
		<-s.done
		err = s.next.Close()
	})
	return err
}
