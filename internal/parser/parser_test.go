package parser

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/xrayscan/internal/scan"
)

func TestParseSingleLine(t *testing.T) {
	got := Parse("0 0.5 0.5 0.2 0.2 0.873421\n")

	require.Len(t, got, 1)
	assert.Equal(t, scan.Finding{Label: "Class 0", ClassID: 0, Confidence: 0.873421, Percentage: "87.34%"}, got[0])
}

func TestParseKeepsInputOrder(t *testing.T) {
	raw := "2 0.1 0.1 0.1 0.1 0.51\n0 0.2 0.2 0.2 0.2 0.99\n1 0.3 0.3 0.3 0.3 0.25"

	got := Parse(raw)

	require.Len(t, got, 3)
	assert.Equal(t, []string{"Class 2", "Class 0", "Class 1"}, []string{got[0].Label, got[1].Label, got[2].Label})
	assert.Equal(t, []string{"51.00%", "99.00%", "25.00%"}, []string{got[0].Percentage, got[1].Percentage, got[2].Percentage})
}

func TestParseEmptyInput(t *testing.T) {
	for _, raw := range []string{"", "\n", "\n\n  \n", "\r\n"} {
		got := Parse(raw)
		assert.NotNil(t, got, "%q", raw)
		assert.Empty(t, got, "%q", raw)
	}
}

func TestParseToleratesCRLFAndExtraSpace(t *testing.T) {
	got := Parse("  3\t0.5 0.5   0.1 0.1 0.4 \r\n")

	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].ClassID)
	assert.Equal(t, "40.00%", got[0].Percentage)
}

func TestParseSkipsMalformedLines(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"too few fields", "0 0.5 0.5 0.2 0.2"},
		{"non-integer class", "a 0.5 0.5 0.2 0.2 0.9"},
		{"fractional class", "1.5 0.5 0.5 0.2 0.2 0.9"},
		{"negative class", "-1 0.5 0.5 0.2 0.2 0.9"},
		{"non-numeric confidence", "0 0.5 0.5 0.2 0.2 high"},
		{"NaN confidence", "0 0.5 0.5 0.2 0.2 NaN"},
		{"infinite confidence", "0 0.5 0.5 0.2 0.2 +Inf"},
		{"confidence above one", "0 0.5 0.5 0.2 0.2 1.2"},
		{"negative confidence", "0 0.5 0.5 0.2 0.2 -0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ParseWith(tt.line, nil)
			assert.Empty(t, res.Findings)
			assert.Equal(t, 1, res.Skipped)
		})
	}
}

func TestParseWellFormedPlusMalformed(t *testing.T) {
	// N well-formed lines interleaved with M malformed ones yield N findings
	var sb strings.Builder
	const n, m = 7, 4
	for i := range n {
		fmt.Fprintf(&sb, "%d 0.1 0.1 0.1 0.1 0.%d\n", i, i+1)
		if i < m {
			sb.WriteString("garbage line\n")
		}
	}

	res := ParseWith(sb.String(), nil)
	assert.Len(t, res.Findings, n)
	assert.Equal(t, m, res.Skipped)
}

func TestParseIsDeterministic(t *testing.T) {
	raw := "0 0.5 0.5 0.2 0.2 0.873421\nbad\n1 0.1 0.1 0.1 0.1 0.5"
	assert.Equal(t, Parse(raw), Parse(raw))
}

func TestClassNames(t *testing.T) {
	label := ClassNames(map[string]string{"0": "fracture", "2": ""})

	res := ParseWith("0 0 0 0 0 0.9\n1 0 0 0 0 0.8\n2 0 0 0 0 0.7", label)

	require.Len(t, res.Findings, 3)
	assert.Equal(t, "fracture", res.Findings[0].Label)
	assert.Equal(t, "Class 1", res.Findings[1].Label)
	assert.Equal(t, "Class 2", res.Findings[2].Label)
	assert.Equal(t, 0, res.Findings[0].ClassID)
}

func TestClassNamesEmptyMapIsDefault(t *testing.T) {
	assert.Equal(t, "Class 4", ClassNames(nil)(4))
}
