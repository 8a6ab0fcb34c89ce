// Package subtitle formats transcript cues into WebVTT files. The
// formatter is a pure function: it is given ordered cues and returns bytes,
// with no knowledge of the blob layout or store those bytes end up in.
package subtitle

import (
	"fmt"
	"strings"
)

// Cue is one subtitle caption on a clip's local (post-extraction) timeline.
type Cue struct {
	Start float64
	End   float64
	Text  string
}

// Format renders cues into a bit-exact WebVTT file: "WEBVTT\n\n", then per
// cue a 1-based cue number, an "HH:MM:SS.mmm --> HH:MM:SS.mmm" line, the cue
// text with any "-->" substring replaced by "→", and a blank line.
// Timestamps are clamped to >= 0; a cue whose end does not exceed its start
// is dropped rather than emitted malformed.
func Format(cues []Cue) []byte {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")

	number := 1
	for _, c := range cues {
		start := clampNonNegative(c.Start)
		end := clampNonNegative(c.End)
		if end <= start {
			continue
		}
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", number, formatTimestamp(start), formatTimestamp(end), escapeCueText(c.Text))
		number++
	}
	return []byte(b.String())
}

func clampNonNegative(seconds float64) float64 {
	if seconds < 0 {
		return 0
	}
	return seconds
}

func escapeCueText(text string) string {
	return strings.ReplaceAll(text, "-->", "→")
}

// formatTimestamp renders seconds as HH:MM:SS.mmm, milliseconds zero-padded
// to three digits.
func formatTimestamp(seconds float64) string {
	totalMillis := int64(seconds*1000 + 0.5)
	hours := totalMillis / 3_600_000
	totalMillis -= hours * 3_600_000
	minutes := totalMillis / 60_000
	totalMillis -= minutes * 60_000
	secs := totalMillis / 1000
	millis := totalMillis - secs*1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", hours, minutes, secs, millis)
}
