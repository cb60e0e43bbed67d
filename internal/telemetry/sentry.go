// Package telemetry initialises opt-in error reporting to Sentry and installs
// it as the reporter used by internal/errors.
package telemetry

import (
	"runtime"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tphakala/xrayscan/internal/conf"
	"github.com/tphakala/xrayscan/internal/errors"
	"github.com/tphakala/xrayscan/internal/logger"
	"github.com/tphakala/xrayscan/internal/privacy"
)

const flushTimeout = 2 * time.Second

var log = logger.Global().Module("telemetry")

// Option adjusts the Sentry client options before initialisation.
type Option func(*sentry.ClientOptions)

// WithTransport replaces the Sentry transport.
func WithTransport(t sentry.Transport) Option {
	return func(o *sentry.ClientOptions) { o.Transport = t }
}

// InitSentry initialises Sentry when settings.Sentry.Enabled is set and
// installs the errors reporter. It returns whether reporting is active.
func InitSentry(settings *conf.Settings, opts ...Option) (bool, error) {
	if !settings.Sentry.Enabled {
		errors.SetTelemetryReporter(nil)
		log.Debug("error reporting disabled")
		return false, nil
	}

	options := sentry.ClientOptions{
		Dsn:              settings.Sentry.DSN,
		SampleRate:       1.0,
		AttachStacktrace: false,
		Environment:      "production",
		Release:          "xrayscan@" + settings.Version,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	}
	if settings.Debug {
		options.Environment = "development"
	}
	for _, opt := range opts {
		opt(&options)
	}

	if err := sentry.Init(options); err != nil {
		return false, errors.New(err).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("os", runtime.GOOS)
		scope.SetTag("arch", runtime.GOARCH)
	})

	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	log.Info("error reporting enabled", logger.String("release", options.Release))
	return true, nil
}

// Flush waits for buffered events to be delivered and detaches the reporter.
func Flush() {
	if errors.GetTelemetryReporter() == nil {
		return
	}
	if !sentry.Flush(flushTimeout) {
		log.Warn("timed out flushing error reports")
	}
	errors.SetTelemetryReporter(nil)
}

// applyPrivacyFilters strips host and user identifying data from an event.
// Image references, broker URLs and job ids in messages are anonymized.
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""
	event.Message = privacy.ScrubMessage(event.Message)
	for i := range event.Exception {
		event.Exception[i].Value = privacy.ScrubMessage(event.Exception[i].Value)
	}

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
		delete(event.Contexts, "runtime")
	}

	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}
	return event
}
