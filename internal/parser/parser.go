// Package parser turns the per-line label output of the detection model into
// scan findings.
//
// Each line has the form
//
//	<classId> <x> <y> <w> <h> <confidence>
//
// with whitespace separated fields. Box geometry is ignored.
package parser

import (
	"math"
	"strconv"
	"strings"

	"github.com/tphakala/xrayscan/internal/scan"
)

const (
	minFields       = 6
	classField      = 0
	confidenceField = 5
)

// Labeler maps a class id to the label shown to users.
type Labeler func(classID int) string

// DefaultLabel renders class ids as "Class <id>".
func DefaultLabel(classID int) string {
	return "Class " + strconv.Itoa(classID)
}

// ClassNames returns a Labeler that uses names keyed by the decimal class id
// and falls back to DefaultLabel for unmapped ids.
func ClassNames(names map[string]string) Labeler {
	if len(names) == 0 {
		return DefaultLabel
	}
	return func(classID int) string {
		if name, ok := names[strconv.Itoa(classID)]; ok && name != "" {
			return name
		}
		return DefaultLabel(classID)
	}
}

// Result is the outcome of parsing one labels document.
type Result struct {
	Findings []scan.Finding
	// Skipped counts non-blank lines that were rejected as malformed.
	Skipped int
}

// Parse converts raw model output into findings using DefaultLabel.
// Malformed lines are skipped. The result is never nil.
func Parse(raw string) []scan.Finding {
	return ParseWith(raw, nil).Findings
}

// ParseWith converts raw model output into findings, labelling them with
// label (DefaultLabel when nil). Findings keep the order of the input lines.
func ParseWith(raw string, label Labeler) Result {
	if label == nil {
		label = DefaultLabel
	}

	res := Result{Findings: []scan.Finding{}}
	for line := range strings.SplitSeq(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		classID, confidence, ok := parseLine(line)
		if !ok {
			res.Skipped++
			continue
		}
		res.Findings = append(res.Findings, scan.NewFinding(label(classID), classID, confidence))
	}
	return res
}

// parseLine extracts class id and confidence from one labels line
func parseLine(line string) (classID int, confidence float64, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < minFields {
		return 0, 0, false
	}

	classID, err := strconv.Atoi(fields[classField])
	if err != nil || classID < 0 {
		return 0, 0, false
	}

	confidence, err = strconv.ParseFloat(fields[confidenceField], 64)
	if err != nil || math.IsNaN(confidence) || math.IsInf(confidence, 0) {
		return 0, 0, false
	}
	if confidence < 0 || confidence > 1 {
		return 0, 0, false
	}

	return classID, confidence, true
}
