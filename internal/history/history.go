// Package history persists saved scans, newest first.
//
// Store implementations insert at the front on Append and return records in
// persisted order from ReadAll. ReadAll never fails: a missing, corrupt or
// unreachable store reads as empty and the problem is logged.
package history

import (
	"context"

	"github.com/tphakala/xrayscan/internal/conf"
	"github.com/tphakala/xrayscan/internal/errors"
	"github.com/tphakala/xrayscan/internal/logger"
	"github.com/tphakala/xrayscan/internal/scan"
)

// Store is a durable, ordered list of saved scans.
type Store interface {
	// Append inserts rec at the front and returns once it is durable.
	// Failures are persistence errors.
	Append(ctx context.Context, rec scan.Record) error
	// ReadAll returns every record, newest first. It never fails.
	ReadAll(ctx context.Context) []scan.Record
	Close() error
}

// GetLogger returns the history package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("history")
}

// persistenceError tags err as a persistence failure from backend
func persistenceError(err error, backend, operation string) *errors.ErrorBuilder {
	return errors.New(err).
		Component("history").
		Category(errors.CategoryPersistence).
		Priority(errors.PriorityHigh).
		Context("backend", backend).
		Context("operation", operation)
}

// normalize gives a record non-nil findings so the document never holds null
func normalize(rec scan.Record) scan.Record {
	if rec.Findings == nil {
		rec.Findings = []scan.Finding{}
	}
	return rec
}

// New opens the history backend selected in settings, wrapped in a
// single-writer queue when history.serialize is set.
func New(settings *conf.Settings) (Store, error) {
	h := settings.History

	var (
		store Store
		err   error
	)
	switch h.Backend {
	case conf.HistoryBackendJSON:
		store = NewJSONStore(h.Path)
	case conf.HistoryBackendSQLite:
		store, err = OpenSQLite(h.SQLite.Path, settings.Debug)
	case conf.HistoryBackendMySQL:
		store, err = OpenMySQL(MySQLConfig{
			Host:     h.MySQL.Host,
			Port:     h.MySQL.Port,
			Username: h.MySQL.Username,
			Password: h.MySQL.Password,
			Database: h.MySQL.Database,
		}, settings.Debug)
	default:
		return nil, errors.Newf("unknown history backend %q", h.Backend).
			Component("history").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err != nil {
		return nil, err
	}

	GetLogger().Info("history store opened",
		logger.String("backend", h.Backend),
		logger.Bool("serialized", h.Serialize))

	if h.Serialize {
		return NewSerial(store), nil
	}
	return store, nil
}
