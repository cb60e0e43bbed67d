// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	applyDefaults(viper.GetViper())
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("webserver.port", 3000)
	v.SetDefault("webserver.publicurl", "http://localhost:3000")
	v.SetDefault("webserver.bodylimit", "50M")
	v.SetDefault("webserver.detectrate", 2.0)
	v.SetDefault("webserver.detectburst", 4)

	v.SetDefault("storage.uploads", "previously_scanned_images")
	v.SetDefault("storage.processed", "processed_images")

	v.SetDefault("detector.backend", DetectorBackendProcess)
	v.SetDefault("detector.timeout", 5*time.Minute)
	v.SetDefault("detector.confidence", 0.25)
	v.SetDefault("detector.imagesize", 640)
	v.SetDefault("detector.maxconcurrent", 2)
	v.SetDefault("detector.labelsext", ".txt")
	v.SetDefault("detector.requirelabels", false)
	v.SetDefault("detector.classnames", map[string]string{})
	v.SetDefault("detector.cachettl", 30*time.Minute)
	v.SetDefault("detector.process.python", "python")
	v.SetDefault("detector.process.script", "yolov7/detect.py")
	v.SetDefault("detector.process.weights", "yolov7/xray.pt")
	v.SetDefault("detector.process.runsdir", "runs/detect")
	v.SetDefault("detector.process.extraargs", []string{})
	v.SetDefault("detector.remote.url", "")

	v.SetDefault("history.backend", HistoryBackendJSON)
	v.SetDefault("history.path", "image_data.json")
	v.SetDefault("history.serialize", true)
	v.SetDefault("history.sqlite.path", "xrayscan.db")
	v.SetDefault("history.mysql.host", "localhost")
	v.SetDefault("history.mysql.port", "3306")
	v.SetDefault("history.mysql.username", "")
	v.SetDefault("history.mysql.password", "")
	v.SetDefault("history.mysql.passwordfile", "")
	v.SetDefault("history.mysql.database", "xrayscan")

	v.SetDefault("logging.default_level", "info")
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.file_output.enabled", true)
	v.SetDefault("logging.file_output.path", "logs/xrayscan.log")
	v.SetDefault("logging.file_output.level", "info")
	v.SetDefault("logging.file_output.max_size", 100)
	v.SetDefault("logging.file_output.max_age", 30)
	v.SetDefault("logging.file_output.max_rotated_files", 10)
	v.SetDefault("logging.file_output.compress", false)

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.dsnfile", "")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic", "xrayscan/scans")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.passwordfile", "")
	v.SetDefault("mqtt.clientid", "xrayscan")
}

// Backend names
const (
	DetectorBackendProcess = "process"
	DetectorBackendRemote  = "remote"

	HistoryBackendJSON   = "json"
	HistoryBackendSQLite = "sqlite"
	HistoryBackendMySQL  = "mysql"
)

// Defaults returns Settings populated only from built-in defaults, without
// reading any file or environment.
func Defaults() (*Settings, error) {
	v := viper.New()
	applyDefaults(v)
	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, err
	}
	return settings, nil
}
