package blob

import "testing"

func TestObjectKey(t *testing.T) {
	cases := []struct {
		name    string
		jobID   string
		purpose Purpose
		id      string
		ext     string
		want    string
	}{
		{"original", "job-1", PurposeOriginal, "1690000000", "mp4", "uploads/job-1/1690000000_original.mp4"},
		{"clip", "job-1", PurposeClip, "clip-3", "", "clips/job-1/clip-3.mp4"},
		{"thumbnail", "job-1", PurposeThumbnail, "clip-3", "", "thumbnails/job-1/clip-3.jpg"},
		{"subtitle", "job-1", PurposeSubtitle, "clip-3", "", "subtitles/job-1/clip-3.vtt"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := ObjectKey(c.jobID, c.purpose, c.id, c.ext)
			if got != c.want {
				t.Errorf("ObjectKey(%q, %q, %q, %q) = %q, want %q", c.jobID, c.purpose, c.id, c.ext, got, c.want)
			}
		})
	}
}

func TestObjectKeyIsDeterministic(t *testing.T) {
	a := ObjectKey("job-1", PurposeClip, "clip-1", "")
	b := ObjectKey("job-1", PurposeClip, "clip-1", "")
	if a != b {
		t.Errorf("ObjectKey is not pure: %q != %q", a, b)
	}
}
