// Package metrics provides Prometheus collectors for the scan pipeline, the
// HTTP API and the MQTT publisher.
package metrics

// Operation label values recorded by the scan service.
const (
	// OpUpload is storing an uploaded image.
	OpUpload = "upload"
	// OpDetect is a full detection: model run, relocation and parsing.
	OpDetect = "detect"
	// OpModel is the model invocation alone.
	OpModel = "model"
	// OpParse is parsing of the labels file.
	OpParse = "parse"
	// OpSave is persisting a scan record.
	OpSave = "save"
	// OpHistory is reading the scan history.
	OpHistory = "history"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Histogram bucket configuration.
const (
	// BucketStart1ms is the starting bucket for 1ms histograms.
	BucketStart1ms = 0.001
	// BucketStart64B is the starting bucket for message sizes.
	BucketStart64B = 64.0
	// BucketStart100B is the starting bucket for response sizes (100B to ~100MB).
	BucketStart100B = 100.0

	BucketFactor2  = 2
	BucketFactor10 = 10

	BucketCount6  = 6
	BucketCount10 = 10
	BucketCount20 = 20
)

// findingsBuckets covers findings per image.
var findingsBuckets = []float64{0, 1, 2, 3, 5, 10, 20, 50}
