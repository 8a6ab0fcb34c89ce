package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	xerrors "github.com/highlight-pipeline/orchestrator/errors"
	"github.com/highlight-pipeline/orchestrator/log"
	"github.com/highlight-pipeline/orchestrator/media"
	"github.com/highlight-pipeline/orchestrator/modelgateway"
	"github.com/highlight-pipeline/orchestrator/store"
)

const (
	minKeptDurationSeconds = 3.0
	maxChunkSeconds        = 300.0
	maxChunkBytes          = 10 * 1024 * 1024
	maxParallelChunks      = 3
)

// keepInterval is a span of the original timeline that survives silence
// removal.
type keepInterval struct {
	Start, End float64
}

// keepIntervals computes the complement of silence against [0, duration].
func keepIntervals(duration float64, silence []store.SilenceRegion) []keepInterval {
	sorted := append([]store.SilenceRegion(nil), silence...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var out []keepInterval
	cursor := 0.0
	for _, s := range sorted {
		if s.Start > cursor {
			out = append(out, keepInterval{Start: cursor, End: s.Start})
		}
		if s.End > cursor {
			cursor = s.End
		}
	}
	if cursor < duration {
		out = append(out, keepInterval{Start: cursor, End: duration})
	}
	return out
}

func (k keepInterval) duration() float64 { return k.End - k.Start }

func totalDuration(intervals []keepInterval) float64 {
	var total float64
	for _, k := range intervals {
		total += k.duration()
	}
	return total
}

// mapping ties a keep-interval's position on the compressed (concatenated)
// timeline to its original-timeline span.
type mapping struct {
	CompressedStart, CompressedEnd float64
	OrigStart, OrigEnd             float64
}

// buildMappings lays intervals end to end on a compressed timeline, in
// order, each one's compressed length equal to its original-timeline
// duration (concatenation preserves duration within a keep-interval).
func buildMappings(intervals []keepInterval) []mapping {
	mappings := make([]mapping, len(intervals))
	cursor := 0.0
	for i, k := range intervals {
		d := k.duration()
		mappings[i] = mapping{CompressedStart: cursor, CompressedEnd: cursor + d, OrigStart: k.Start, OrigEnd: k.End}
		cursor += d
	}
	return mappings
}

// remapPoint locates the mapping containing a compressed-timeline point and
// linearly maps it back onto the original timeline. Returns ok=false when
// no mapping contains the point.
func remapPoint(point float64, mappings []mapping) (float64, bool) {
	for _, m := range mappings {
		if point >= m.CompressedStart && point <= m.CompressedEnd {
			return m.OrigStart + (point - m.CompressedStart), true
		}
	}
	return 0, false
}

// chunk is one contiguous span of keep-intervals transcribed as a single
// upload, with its offset onto the overall compressed timeline.
type chunk struct {
	Intervals []keepInterval
	Offset    float64 // compressed-timeline offset of this chunk's start
}

// splitIntoChunks groups keep-intervals into ≤maxChunkSeconds spans,
// preserving order. A keep-interval longer than maxChunkSeconds is first cut
// into maxChunkSeconds pieces.
func splitIntoChunks(intervals []keepInterval) []chunk {
	var pieces []keepInterval
	for _, k := range intervals {
		for k.duration() > maxChunkSeconds {
			pieces = append(pieces, keepInterval{k.Start, k.Start + maxChunkSeconds})
			k.Start += maxChunkSeconds
		}
		pieces = append(pieces, k)
	}

	var chunks []chunk
	var current []keepInterval
	currentStart := 0.0
	currentDur := 0.0
	cursor := 0.0

	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, chunk{Intervals: current, Offset: currentStart})
		}
	}

	for _, k := range pieces {
		d := k.duration()
		if currentDur+d > maxChunkSeconds && len(current) > 0 {
			flush()
			current = nil
			currentStart = cursor
			currentDur = 0
		}
		current = append(current, k)
		currentDur += d
		cursor += d
	}
	flush()
	return chunks
}

// Transcribe implements the silence-aware compression + chunked
// transcription + timestamp remap algorithm.
func Transcribe(ctx context.Context, d *Deps, jobID, originalKey string, videoDuration float64, report func(float64, string)) error {
	silence, err := d.Store.GetSilenceRegions(ctx, jobID)
	if err != nil {
		return err
	}

	intervals := keepIntervals(videoDuration, silence)
	if totalDuration(intervals) < minKeptDurationSeconds {
		log.Log(jobID, "kept audio below minimum duration, writing empty transcript", "kept_seconds", totalDuration(intervals))
		return d.Store.PutTranscriptSegments(ctx, jobID, nil)
	}

	report(0, "downloading original media")
	originalPath, err := d.downloadToTemp(ctx, originalKey, "transcribe-orig-*")
	if err != nil {
		return xerrors.TransientBackend(err)
	}
	defer os.Remove(originalPath)

	report(0.1, "extracting kept audio")
	compressedPath, err := d.buildCompressedAudio(originalPath, intervals)
	if err != nil {
		return err
	}
	defer os.Remove(compressedPath)

	mappings := buildMappings(intervals)

	info, err := os.Stat(compressedPath)
	if err != nil {
		return xerrors.TransientBackend(err)
	}

	var rawSegments []rawSegment
	if info.Size() > maxChunkBytes || totalDuration(intervals) > maxChunkSeconds {
		chunks := splitIntoChunks(intervals)
		report(0.2, fmt.Sprintf("transcribing %d chunk(s)", len(chunks)))
		rawSegments, err = d.transcribeChunks(ctx, originalPath, chunks)
	} else {
		report(0.2, "transcribing")
		rawSegments, err = d.transcribeCompressedFile(ctx, compressedPath, 0)
	}
	if err != nil {
		return err
	}

	segments := make([]store.TranscriptSegment, 0, len(rawSegments))
	for _, rs := range rawSegments {
		globalCompressedStart := rs.chunkOffset + rs.seg.Start
		globalCompressedEnd := rs.chunkOffset + rs.seg.End

		origStart, ok1 := remapPoint(globalCompressedStart, mappings)
		origEnd, ok2 := remapPoint(globalCompressedEnd, mappings)
		if !ok1 || !ok2 {
			log.Log(jobID, "dropping transcript segment that could not be remapped",
				"compressed_start", globalCompressedStart, "compressed_end", globalCompressedEnd)
			continue
		}

		seg := store.TranscriptSegment{JobID: jobID, Start: origStart, End: origEnd, Text: rs.seg.Text}
		if rs.seg.Confidence != nil {
			conf := *rs.seg.Confidence
			seg.Confidence = &conf
		}
		segments = append(segments, seg)
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].Start < segments[j].Start })

	report(0.9, "writing transcript")
	if err := d.Store.PutTranscriptSegments(ctx, jobID, segments); err != nil {
		return err
	}
	report(1, "transcription complete")
	return nil
}

// buildCompressedAudio extracts each keep-interval from originalPath and
// concatenates them in order into a single file.
func (d *Deps) buildCompressedAudio(originalPath string, intervals []keepInterval) (string, error) {
	var extracted []string
	defer func() {
		for _, p := range extracted {
			os.Remove(p)
		}
	}()

	for i, k := range intervals {
		f, err := os.CreateTemp(d.WorkDir, fmt.Sprintf("keep-%d-*.m4a", i))
		if err != nil {
			return "", xerrors.TransientBackend(err)
		}
		path := f.Name()
		f.Close()
		os.Remove(path)

		if err := d.Media.ExtractSegment(originalPath, path, k.Start, k.End); err != nil {
			return "", xerrors.TransientBackend(err)
		}
		extracted = append(extracted, path)
	}

	listFile, err := os.CreateTemp(d.WorkDir, "concat-list-*.txt")
	if err != nil {
		return "", xerrors.TransientBackend(err)
	}
	listFile.Close()
	defer os.Remove(listFile.Name())

	if err := media.WriteConcatList(listFile.Name(), extracted); err != nil {
		return "", xerrors.TransientBackend(err)
	}

	compressedFile, err := os.CreateTemp(d.WorkDir, "compressed-*.m4a")
	if err != nil {
		return "", xerrors.TransientBackend(err)
	}
	compressedPath := compressedFile.Name()
	compressedFile.Close()

	if err := d.Media.ConcatCompressedAudio(listFile.Name(), compressedPath); err != nil {
		os.Remove(compressedPath)
		return "", xerrors.TransientBackend(err)
	}
	return compressedPath, nil
}

type rawSegment struct {
	seg         modelgateway.TranscriptSegment
	chunkOffset float64
}

// transcribeChunks extracts each chunk's audio from the original media (so
// chunk boundaries fall exactly on keep-interval boundaries) and transcribes
// up to maxParallelChunks chunks concurrently.
func (d *Deps) transcribeChunks(ctx context.Context, originalPath string, chunks []chunk) ([]rawSegment, error) {
	results := make([][]rawSegment, len(chunks))
	errs := make([]error, len(chunks))

	sem := make(chan struct{}, maxParallelChunks)
	var wg sync.WaitGroup
	for i, c := range chunks {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, c chunk) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i], errs[i] = d.transcribeOneChunk(ctx, originalPath, c)
		}(i, c)
	}
	wg.Wait()

	var out []rawSegment
	for i, err := range errs {
		if err != nil {
			return nil, err
		}
		out = append(out, results[i]...)
	}
	return out, nil
}

func (d *Deps) transcribeOneChunk(ctx context.Context, originalPath string, c chunk) ([]rawSegment, error) {
	chunkPath, err := d.buildCompressedAudio(originalPath, c.Intervals)
	if err != nil {
		return nil, err
	}
	defer os.Remove(chunkPath)
	return d.transcribeCompressedFile(ctx, chunkPath, c.Offset)
}

// transcribeCompressedFile sends an already-built compressed-audio file to
// Speech and tags every returned segment with the chunk's offset onto the
// overall compressed timeline.
func (d *Deps) transcribeCompressedFile(ctx context.Context, path string, offset float64) ([]rawSegment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.TransientBackend(err)
	}
	defer f.Close()

	result, err := d.Speech.Transcribe(ctx, f, filepath.Base(path))
	if err != nil {
		return nil, err
	}

	out := make([]rawSegment, 0, len(result.Segments))
	for _, seg := range result.Segments {
		out = append(out, rawSegment{seg: seg, chunkOffset: offset})
	}
	return out, nil
}
