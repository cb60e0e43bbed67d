// conf/validate.go

package conf

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	for _, validate := range []func(*Settings) []string{
		validateWebServerSettings,
		validateStorageSettings,
		validateDetectorSettings,
		validateHistorySettings,
		validateIntegrationSettings,
	} {
		ve.Errors = append(ve.Errors, validate(settings)...)
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateWebServerSettings(s *Settings) []string {
	var errs []string
	ws := &s.WebServer

	if ws.Port < 1 || ws.Port > 65535 {
		errs = append(errs, fmt.Sprintf("webserver.port must be between 1 and 65535, got %d", ws.Port))
	}

	u, err := url.Parse(ws.PublicURL)
	switch {
	case err != nil:
		errs = append(errs, fmt.Sprintf("webserver.publicurl is invalid: %v", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, "webserver.publicurl must use http or https")
	case u.Host == "":
		errs = append(errs, "webserver.publicurl must include a host")
	}

	if ws.BodyLimit == "" {
		errs = append(errs, "webserver.bodylimit must not be empty")
	}
	if ws.DetectRate < 0 {
		errs = append(errs, "webserver.detectrate must not be negative")
	}
	if ws.DetectRate > 0 && ws.DetectBurst < 1 {
		errs = append(errs, "webserver.detectburst must be at least 1 when rate limiting is enabled")
	}

	return errs
}

func validateStorageSettings(s *Settings) []string {
	var errs []string
	if s.Storage.Uploads == "" {
		errs = append(errs, "storage.uploads must not be empty")
	}
	if s.Storage.Processed == "" {
		errs = append(errs, "storage.processed must not be empty")
	}
	if s.Storage.Uploads != "" && s.Storage.Uploads == s.Storage.Processed {
		errs = append(errs, "storage.uploads and storage.processed must differ")
	}
	return errs
}

func validateDetectorSettings(s *Settings) []string {
	var errs []string
	d := &s.Detector

	switch d.Backend {
	case DetectorBackendProcess:
		if d.Process.Python == "" || d.Process.Script == "" || d.Process.Weights == "" {
			errs = append(errs, "detector.process requires python, script and weights")
		}
		if d.Process.RunsDir == "" {
			errs = append(errs, "detector.process.runsdir must not be empty")
		}
	case DetectorBackendRemote:
		if d.Remote.URL == "" {
			errs = append(errs, "detector.remote.url is required for the remote backend")
		} else if u, err := url.Parse(d.Remote.URL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Sprintf("detector.remote.url is invalid: %q", d.Remote.URL))
		}
	default:
		errs = append(errs, fmt.Sprintf("detector.backend must be %q or %q, got %q",
			DetectorBackendProcess, DetectorBackendRemote, d.Backend))
	}

	if d.Confidence <= 0 || d.Confidence > 1 {
		errs = append(errs, fmt.Sprintf("detector.confidence must be in (0, 1], got %g", d.Confidence))
	}
	// YOLO strides are 32 pixels
	if d.ImageSize <= 0 || d.ImageSize%32 != 0 {
		errs = append(errs, fmt.Sprintf("detector.imagesize must be a positive multiple of 32, got %d", d.ImageSize))
	}
	if d.MaxConcurrent < 1 {
		errs = append(errs, "detector.maxconcurrent must be at least 1")
	}
	if d.Timeout <= 0 {
		errs = append(errs, "detector.timeout must be positive")
	}
	if !strings.HasPrefix(d.LabelsExt, ".") || len(d.LabelsExt) < 2 {
		errs = append(errs, fmt.Sprintf("detector.labelsext must look like \".txt\", got %q", d.LabelsExt))
	}

	return errs
}

func validateHistorySettings(s *Settings) []string {
	var errs []string
	h := &s.History

	switch h.Backend {
	case HistoryBackendJSON:
		if h.Path == "" {
			errs = append(errs, "history.path is required for the json backend")
		}
	case HistoryBackendSQLite:
		if h.SQLite.Path == "" {
			errs = append(errs, "history.sqlite.path is required for the sqlite backend")
		}
	case HistoryBackendMySQL:
		if h.MySQL.Host == "" || h.MySQL.Database == "" {
			errs = append(errs, "history.mysql requires host and database")
		}
	default:
		errs = append(errs, fmt.Sprintf("history.backend must be one of json, sqlite, mysql, got %q", h.Backend))
	}

	return errs
}

func validateIntegrationSettings(s *Settings) []string {
	var errs []string
	if s.MQTT.Enabled {
		if s.MQTT.Broker == "" {
			errs = append(errs, "mqtt.broker is required when mqtt is enabled")
		}
		if s.MQTT.Topic == "" {
			errs = append(errs, "mqtt.topic is required when mqtt is enabled")
		}
	}
	if s.Sentry.Enabled && s.Sentry.DSN == "" {
		errs = append(errs, "sentry.dsn is required when sentry is enabled")
	}
	return errs
}
