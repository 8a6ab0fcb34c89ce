package media

import "testing"

func TestParseSilenceDetectOutput(t *testing.T) {
	output := `[silencedetect @ 0x1] silence_start: 12.5
[silencedetect @ 0x1] silence_end: 14.2 | silence_duration: 1.7
[silencedetect @ 0x1] silence_start: 40
[silencedetect @ 0x1] silence_end: 41.1 | silence_duration: 1.1
`
	regions, err := parseSilenceDetectOutput(output)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := [][2]float64{{12.5, 14.2}, {40, 41.1}}
	if len(regions) != len(want) {
		t.Fatalf("got %d regions, want %d", len(regions), len(want))
	}
	for i, r := range regions {
		if r != want[i] {
			t.Errorf("region %d = %v, want %v", i, r, want[i])
		}
	}
}

func TestParseSilenceDetectOutputIgnoresUnmatchedStart(t *testing.T) {
	output := `[silencedetect @ 0x1] silence_start: 5
no end ever reported
`
	regions, err := parseSilenceDetectOutput(output)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(regions) != 0 {
		t.Errorf("expected no regions for an unterminated silence_start, got %v", regions)
	}
}

func TestParseFrameRate(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"", 0},
		{"30/1", 30},
		{"30000/1001", 29.97002997002997},
		{"0/0", 0},
	}
	for _, c := range cases {
		got, err := parseFrameRate(c.in)
		if err != nil {
			t.Fatalf("parseFrameRate(%q) error: %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("parseFrameRate(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestParseFrameRateInvalidDenominator(t *testing.T) {
	_, err := parseFrameRate("5/0")
	if err == nil {
		t.Error("expected error for nonzero numerator over zero denominator")
	}
}
