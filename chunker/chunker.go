// Chunk planning, extraction and merging around the external ffmpeg/ffprobe
// tools. Chunks are stream-copied (no re-encode), so extraction and merging
// are cheap relative to the per-chunk processing itself.
package chunker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path"
	"strconv"
	"strings"

	"ezDistTranscoding/job"
	"ezDistTranscoding/utils"
)

var ErrMediaProbe = errors.New("media_probe_error")
var ErrExtraction = errors.New("extraction_error")
var ErrMerge = errors.New("merge_error")

// Runs one tool invocation and returns stdout and stderr separately.
// ffprobe results are parsed from stdout while error detail comes from
// stderr, so CombinedOutput is not enough here. Swapped out in tests.
type CommandRunner func(name string, args ...string) ([]byte, []byte, error)

func defaultRunner(name string, args ...string) ([]byte, []byte, error) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd := exec.Command(name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

type VideoChunker struct {
	Runner CommandRunner
}

func New() *VideoChunker {
	return &VideoChunker{Runner: defaultRunner}
}

// Stream metadata reported by the analyze operation. Field names match the
// ffprobe JSON keys case-insensitively.
type StreamInfo struct {
	Codec_type string
	Codec_name string
	Width int
	Height int
	R_frame_rate string
	Bit_rate string
}

type formatInfo struct {
	Format_name string
	Duration string
	Bit_rate string
	Size string
}

type MediaInfo struct {
	Format string
	DurationSeconds float64
	Bit_rate string
	Size string
	Streams []StreamInfo
}

// Duration queries ffprobe for the total media duration in seconds.
func (c *VideoChunker) Duration(file string) (float64, error) {
	stdout, stderr, err := c.Runner("ffprobe", job.DurationProbeArgs(file)...)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrMediaProbe, probeDetail(stderr, err))
	}

	d, err := strconv.ParseFloat(strings.TrimSpace(string(stdout)), 64)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: unparsable duration %q", ErrMediaProbe, strings.TrimSpace(string(stdout)))
	}

	return d, nil
}

// Probe returns full stream/format metadata for a media file.
func (c *VideoChunker) Probe(file string) (MediaInfo, error) {
	var info MediaInfo
	stdout, stderr, err := c.Runner("ffprobe", job.MediaProbeArgs(file)...)
	if err != nil {
		return info, fmt.Errorf("%w: %s", ErrMediaProbe, probeDetail(stderr, err))
	}

	var raw struct {
		Streams []StreamInfo
		Format formatInfo
	}

	if err = json.Unmarshal(stdout, &raw); err != nil {
		return info, fmt.Errorf("%w: %v", ErrMediaProbe, err)
	}

	info.Format = raw.Format.Format_name
	info.Bit_rate = raw.Format.Bit_rate
	info.Size = raw.Format.Size
	info.Streams = raw.Streams
	info.DurationSeconds, _ = strconv.ParseFloat(raw.Format.Duration, 64)
	return info, nil
}

// Plan computes the chunk layout for a media file.
func (c *VideoChunker) Plan(file string, chunkSeconds float64) ([]job.Chunk, error) {
	total, err := c.Duration(file)
	if err != nil {
		return nil, err
	}

	return PlanDuration(total, chunkSeconds), nil
}

// PlanDuration is the deterministic chunk arithmetic: ceil(total/chunk)
// chunks, contiguous, zero-indexed, the last chunk holding the remainder.
func PlanDuration(totalSeconds float64, chunkSeconds float64) []job.Chunk {
	if totalSeconds <= 0 || chunkSeconds <= 0 {
		return nil
	}

	numChunks := int(math.Ceil(totalSeconds / chunkSeconds))
	var chunks []job.Chunk
	for i := 0; i < numChunks; i++ {
		var ck job.Chunk
		ck.Chunk_id = fmt.Sprintf("chunk_%03d", i)
		ck.Sequence = i
		ck.Start_time = float64(i) * chunkSeconds
		if i == numChunks-1 {
			ck.Duration = totalSeconds - float64(numChunks-1)*chunkSeconds
		} else {
			ck.Duration = chunkSeconds
		}

		ck.End_time = ck.Start_time + ck.Duration
		chunks = append(chunks, ck)
	}

	return chunks
}

// Extract materializes one chunk as an independent file under outDir.
// A failed extraction never leaves a partial file behind.
func (c *VideoChunker) Extract(file string, ck job.Chunk, outDir string) (string, error) {
	outPath := path.Join(outDir, ck.Chunk_id+fileExtension(file))
	_, stderr, err := c.Runner("ffmpeg", job.ExtractArgs(ck, file, outPath)...)
	if err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("%w: %s: %s", ErrExtraction, ck.Chunk_id, probeDetail(stderr, err))
	}

	return outPath, nil
}

// Merge concatenates files strictly in the caller-supplied order. On
// failure the inputs are left untouched so the merge can be retried.
func (c *VideoChunker) Merge(orderedFiles []string, outputFile string) error {
	if len(orderedFiles) == 0 {
		return fmt.Errorf("%w: no input files", ErrMerge)
	}

	var list strings.Builder
	for _, f := range orderedFiles {
		list.WriteString("file '")
		list.WriteString(strings.ReplaceAll(f, "'", "'\\''"))
		list.WriteString("'\n")
	}

	listFile := path.Join(utils.Get_path_dir(outputFile), "concat_list.txt")
	if err := utils.Write_file([]byte(list.String()), listFile); err != nil {
		return fmt.Errorf("%w: %v", ErrMerge, err)
	}

	defer os.Remove(listFile)
	_, stderr, err := c.Runner("ffmpeg", job.ConcatArgs(listFile, outputFile)...)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMerge, probeDetail(stderr, err))
	}

	return nil
}

func fileExtension(p string) string {
	name := utils.Get_path_filename(p)
	pos := strings.LastIndex(name, ".")
	if pos < 0 {
		return ".mp4"
	}

	return name[pos:]
}

// The tool's stderr text is the error detail; fall back to the exec error
// when the tool produced nothing.
func probeDetail(stderr []byte, err error) string {
	detail := strings.TrimSpace(string(stderr))
	if detail == "" {
		return err.Error()
	}

	// Keep the tail, ffmpeg prints the actual failure last.
	if len(detail) > 512 {
		detail = detail[len(detail)-512:]
	}

	return detail
}
