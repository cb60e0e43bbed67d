// Package app assembles the scan service and its dependencies from
// settings. The serve command and the local CLI commands share it.
package app

import (
	"context"
	"time"

	"github.com/tphakala/xrayscan/internal/buildinfo"
	"github.com/tphakala/xrayscan/internal/conf"
	"github.com/tphakala/xrayscan/internal/detector"
	"github.com/tphakala/xrayscan/internal/errors"
	"github.com/tphakala/xrayscan/internal/history"
	"github.com/tphakala/xrayscan/internal/httpclient"
	"github.com/tphakala/xrayscan/internal/imagestore"
	"github.com/tphakala/xrayscan/internal/logger"
	"github.com/tphakala/xrayscan/internal/mqtt"
	"github.com/tphakala/xrayscan/internal/observability"
	"github.com/tphakala/xrayscan/internal/parser"
	"github.com/tphakala/xrayscan/internal/service"
)

// connectTimeout bounds the initial broker connection attempt.
const connectTimeout = 10 * time.Second

// App owns every long-lived component behind the scan service.
type App struct {
	Settings  *conf.Settings
	Images    *imagestore.Store
	History   history.Store
	Service   *service.Service
	Metrics   *observability.Metrics
	Publisher *mqtt.Publisher

	client *httpclient.Client
	log    logger.Logger
}

type options struct {
	metrics    bool
	mqtt       bool
	build      *buildinfo.Context
	mqttClient mqtt.Client
	invoker    detector.Invoker
}

// Option customises New.
type Option func(*options)

// WithMetrics creates the Prometheus registry and wires it into every
// component.
func WithMetrics() Option {
	return func(o *options) { o.metrics = true }
}

// WithMQTT publishes saved scans when mqtt.enabled is set.
func WithMQTT() Option {
	return func(o *options) { o.mqtt = true }
}

// WithBuildInfo sets the version reported to remote services.
func WithBuildInfo(b *buildinfo.Context) Option {
	return func(o *options) { o.build = b }
}

// WithMQTTClient replaces the paho client, for tests.
func WithMQTTClient(c mqtt.Client) Option {
	return func(o *options) { o.mqttClient = c }
}

// WithInvoker replaces the configured detector, for tests.
func WithInvoker(inv detector.Invoker) Option {
	return func(o *options) { o.invoker = inv }
}

// New builds the App. Components created before a failure are closed.
func New(ctx context.Context, settings *conf.Settings, opts ...Option) (_ *App, err error) {
	if settings == nil {
		return nil, errors.Newf("settings are required").
			Component("app").
			Category(errors.CategoryConfiguration).
			Build()
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	a := &App{Settings: settings, log: logger.Global().Module("app")}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if o.metrics {
		if a.Metrics, err = observability.NewMetrics(); err != nil {
			return nil, err
		}
	}

	a.Images, err = imagestore.New(settings.Storage.Uploads, settings.Storage.Processed, settings.WebServer.PublicURL)
	if err != nil {
		return nil, err
	}

	a.client = httpclient.New(&httpclient.Config{
		DefaultTimeout: settings.Detector.Timeout,
		UserAgent:      o.build.UserAgent(),
	})

	invoker := o.invoker
	if invoker == nil {
		if invoker, err = detector.New(settings, a.client); err != nil {
			return nil, err
		}
	}

	if a.History, err = history.New(settings); err != nil {
		return nil, err
	}

	if o.mqtt && settings.MQTT.Enabled {
		a.Publisher = a.newPublisher(ctx, o.mqttClient)
	}

	svcOpts := service.Options{
		Images:   a.Images,
		Invoker:  invoker,
		Layout:   detector.Layout{RunsDir: settings.Detector.Process.RunsDir, LabelsExt: settings.Detector.LabelsExt},
		History:  a.History,
		Labeler:  parser.ClassNames(settings.Detector.ClassNames),
		CacheTTL: settings.Detector.CacheTTL,
	}
	if a.Metrics != nil {
		svcOpts.Metrics = a.Metrics.Scan
	}
	if a.Publisher != nil {
		svcOpts.Publisher = a.Publisher
	}
	if a.Service, err = service.New(svcOpts); err != nil {
		return nil, err
	}

	a.log.Info("scan service ready",
		logger.String("detector", settings.Detector.Backend),
		logger.String("history", settings.History.Backend),
		logger.Bool("metrics", a.Metrics != nil),
		logger.Bool("mqtt", a.Publisher != nil))
	return a, nil
}

// newPublisher connects to the broker. A failed first connection is logged
// and retried on the first publish.
func (a *App) newPublisher(ctx context.Context, client mqtt.Client) *mqtt.Publisher {
	if client == nil {
		cfg := mqtt.ConfigFromSettings(a.Settings)
		if a.Metrics != nil {
			client = mqtt.NewClient(cfg, a.Metrics.MQTT)
		} else {
			client = mqtt.NewClient(cfg, nil)
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		a.log.Warn("MQTT broker unavailable, will retry on publish",
			logger.String("broker", a.Settings.MQTT.Broker),
			logger.Error(err))
	}
	return mqtt.NewPublisher(client, a.Settings.MQTT.Topic)
}

// Close releases every component. It is safe to call on a partly built App.
func (a *App) Close() error {
	var errs []error
	if a.Service != nil {
		a.Service.Close()
	}
	if a.Publisher != nil {
		a.Publisher.Close()
	}
	if a.History != nil {
		if err := a.History.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Images != nil {
		if err := a.Images.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.client != nil {
		a.client.Close()
	}
	return errors.Join(errs...)
}
