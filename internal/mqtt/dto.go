package mqtt

import (
	"time"

	"github.com/tphakala/xrayscan/internal/scan"
)

// ScanEventDTO is the payload published for each saved scan.
//
// Field names are part of the published contract.
type ScanEventDTO struct {
	ImageReference string         `json:"imageReference"`
	SavedAt        string         `json:"savedAt,omitempty"` // RFC3339
	FindingCount   int            `json:"findingCount"`
	Findings       []scan.Finding `json:"findings"`
	TopFinding     *scan.Finding  `json:"topFinding,omitempty"`
}

// NewScanEventDTO builds the event for rec. TopFinding is the finding with
// the highest confidence; ties keep model order.
func NewScanEventDTO(rec scan.Record) *ScanEventDTO {
	findings := rec.Findings
	if findings == nil {
		findings = []scan.Finding{}
	}

	dto := &ScanEventDTO{
		ImageReference: rec.ImageReference,
		FindingCount:   len(findings),
		Findings:       findings,
	}
	if !rec.SavedAt.IsZero() {
		dto.SavedAt = rec.SavedAt.UTC().Format(time.RFC3339)
	}

	for i := range findings {
		if dto.TopFinding == nil || findings[i].Confidence > dto.TopFinding.Confidence {
			dto.TopFinding = &findings[i]
		}
	}
	return dto
}
