package subtitle

import (
	"bufio"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatMatchesLiteralExample(t *testing.T) {
	cues := []Cue{
		{Start: 0.0, End: 5.2, Text: "Hello"},
		{Start: 5.2, End: 10.5, Text: "World"},
	}
	want := "WEBVTT\n\n1\n00:00:00.000 --> 00:00:05.200\nHello\n\n2\n00:00:05.200 --> 00:00:10.500\nWorld\n\n"
	assert.Equal(t, want, string(Format(cues)))
}

func TestFormatEscapesArrowInCueText(t *testing.T) {
	out := string(Format([]Cue{{Start: 0, End: 1, Text: "before --> after"}}))
	assert.Contains(t, out, "before → after")
	assert.NotContains(t, strings.Split(out, "\n")[4], "-->")
}

func TestFormatRejectsCueWithEndNotAfterStart(t *testing.T) {
	cues := []Cue{
		{Start: 5, End: 5, Text: "zero length"},
		{Start: 10, End: 3, Text: "inverted"},
		{Start: 1, End: 2, Text: "kept"},
	}
	out := string(Format(cues))
	assert.Equal(t, "WEBVTT\n\n1\n00:00:01.000 --> 00:00:02.000\nkept\n\n", out)
}

func TestFormatClampsNegativeTimestampsToZero(t *testing.T) {
	out := string(Format([]Cue{{Start: -2, End: 3, Text: "clamped"}}))
	assert.Contains(t, out, "00:00:00.000 --> 00:00:03.000")
}

func TestFormatNumbersCuesSequentiallyAfterDrops(t *testing.T) {
	cues := []Cue{
		{Start: 0, End: 1, Text: "first"},
		{Start: 2, End: 2, Text: "dropped"},
		{Start: 3, End: 4, Text: "second"},
	}
	out := string(Format(cues))
	assert.Contains(t, out, "1\n00:00:00.000 --> 00:00:01.000\nfirst")
	assert.Contains(t, out, "2\n00:00:03.000 --> 00:00:04.000\nsecond")
}

// parseCues is a minimal WebVTT reader used only to verify the round-trip
// property; it is not part of the package's public surface.
func parseCues(t *testing.T, vtt string) []Cue {
	t.Helper()
	lines := strings.Split(vtt, "\n")
	require.GreaterOrEqual(t, len(lines), 1)
	require.Equal(t, "WEBVTT", lines[0])

	var cues []Cue
	scanner := bufio.NewScanner(strings.NewReader(vtt))
	scanner.Scan() // WEBVTT
	scanner.Scan() // blank line
	for scanner.Scan() {
		numberLine := scanner.Text()
		if numberLine == "" {
			continue
		}
		_, err := strconv.Atoi(numberLine)
		require.NoError(t, err)

		require.True(t, scanner.Scan())
		timingLine := scanner.Text()
		parts := strings.Split(timingLine, " --> ")
		require.Len(t, parts, 2)

		var textLines []string
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				break
			}
			textLines = append(textLines, line)
		}
		cues = append(cues, Cue{
			Start: parseTimestamp(t, parts[0]),
			End:   parseTimestamp(t, parts[1]),
			Text:  strings.Join(textLines, "\n"),
		})
	}
	return cues
}

func parseTimestamp(t *testing.T, ts string) float64 {
	t.Helper()
	parts := strings.SplitN(ts, ":", 3)
	require.Len(t, parts, 3)
	h, err := strconv.Atoi(parts[0])
	require.NoError(t, err)
	m, err := strconv.Atoi(parts[1])
	require.NoError(t, err)
	secParts := strings.SplitN(parts[2], ".", 2)
	require.Len(t, secParts, 2)
	s, err := strconv.Atoi(secParts[0])
	require.NoError(t, err)
	ms, err := strconv.Atoi(secParts[1])
	require.NoError(t, err)
	return float64(h)*3600 + float64(m)*60 + float64(s) + float64(ms)/1000
}

func TestFormatRoundTrip(t *testing.T) {
	cues := []Cue{
		{Start: 0.0, End: 5.2, Text: "Hello"},
		{Start: 5.2, End: 10.5, Text: "World"},
		{Start: 12.0, End: 15.75, Text: "Final cue"},
	}
	out := string(Format(cues))
	parsed := parseCues(t, out)

	require.Len(t, parsed, len(cues))
	for i, c := range cues {
		assert.InDelta(t, c.Start, parsed[i].Start, 0.001)
		assert.InDelta(t, c.End, parsed[i].End, 0.001)
		assert.Equal(t, c.Text, parsed[i].Text)
	}
}
