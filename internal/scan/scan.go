// Package scan holds the domain types shared by the detector, history store,
// HTTP API and session controller.
package scan

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Finding is one object the detection model reported for an image.
type Finding struct {
	Label      string  `json:"label"`
	ClassID    int     `json:"classId"`
	Confidence float64 `json:"confidence"`
	Percentage string  `json:"percentage"`
}

// NewFinding builds a Finding with its percentage derived from confidence.
func NewFinding(label string, classID int, confidence float64) Finding {
	return Finding{
		Label:      label,
		ClassID:    classID,
		Confidence: confidence,
		Percentage: FormatPercentage(confidence),
	}
}

// FormatPercentage renders a confidence in [0,1] as "87.34%".
func FormatPercentage(confidence float64) string {
	return fmt.Sprintf("%.2f%%", confidence*100)
}

// UnmarshalJSON accepts findings written by earlier versions, which stored
// only {"anomalyName", "percentage"}. Missing confidence is recovered from
// the percentage, and a missing class id from a "Class <id>" label.
func (f *Finding) UnmarshalJSON(data []byte) error {
	var raw struct {
		Label       string   `json:"label"`
		AnomalyName string   `json:"anomalyName"`
		ClassID     *int     `json:"classId"`
		Confidence  *float64 `json:"confidence"`
		Percentage  string   `json:"percentage"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*f = Finding{Label: raw.Label, Percentage: raw.Percentage}
	if f.Label == "" {
		f.Label = raw.AnomalyName
	}

	switch {
	case raw.ClassID != nil:
		f.ClassID = *raw.ClassID
	default:
		if id, err := strconv.Atoi(strings.TrimPrefix(f.Label, "Class ")); err == nil && strings.HasPrefix(f.Label, "Class ") {
			f.ClassID = id
		}
	}

	switch {
	case raw.Confidence != nil:
		f.Confidence = *raw.Confidence
	default:
		if pct, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(raw.Percentage), "%"), 64); err == nil {
			f.Confidence = pct / 100
		}
	}

	if f.Percentage == "" && raw.Confidence != nil {
		f.Percentage = FormatPercentage(f.Confidence)
	}
	return nil
}

// Record is one saved scan. Records are created on explicit save and never
// modified afterwards.
type Record struct {
	ImageReference string    `json:"imageReference"`
	Findings       []Finding `json:"findings"`
	SavedAt        time.Time `json:"savedAt,omitzero"`
}

// UnmarshalJSON accepts the legacy field names "imageUrl" and "anomalies"
// written by earlier versions of the history document.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw struct {
		ImageReference string     `json:"imageReference"`
		ImageURL       string     `json:"imageUrl"`
		Findings       []Finding  `json:"findings"`
		Anomalies      []Finding  `json:"anomalies"`
		SavedAt        *time.Time `json:"savedAt"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.ImageReference = raw.ImageReference
	if r.ImageReference == "" {
		r.ImageReference = raw.ImageURL
	}
	r.Findings = raw.Findings
	if r.Findings == nil {
		r.Findings = raw.Anomalies
	}
	if r.Findings == nil {
		r.Findings = []Finding{}
	}
	r.SavedAt = time.Time{}
	if raw.SavedAt != nil {
		r.SavedAt = *raw.SavedAt
	}
	return nil
}

// DetectionResult is what a detection run yields for a job.
type DetectionResult struct {
	JobID                   string    `json:"jobId"`
	ProcessedImageReference string    `json:"processedImageReference"`
	Findings                []Finding `json:"findings"`
}

// UploadResult is what storing an uploaded image yields.
type UploadResult struct {
	JobID          string `json:"jobId"`
	ImageReference string `json:"imageReference"`
}
