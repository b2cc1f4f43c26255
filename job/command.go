package job

import (
	"strconv"
	"strings"
)

const H264_CODEC = "h264"
const FFMPEG_H264 = "libx264"
const H265_CODEC = "h265"
const FFMPEG_H265 = "libx265"
const FFMPEG_H264_NVENC = "h264_nvenc"
const FFMPEG_H265_NVENC = "hevc_nvenc"
const AAC_CODEC = "aac"
const MP3_CODEC = "mp3"

func ArgumentArrayToString(args []string) string {
	return strings.Join(args, " ")
}

// Map a job-level video codec name to the ffmpeg encoder name.
// gpu selects the nvenc encoder; the caller decides gpu only after a
// device passed selection, so no fallback logic is needed here.
func VideoEncoderName(codec string, gpu bool) string {
	if codec == H265_CODEC {
		if gpu {
			return FFMPEG_H265_NVENC
		}
		return FFMPEG_H265
	}

	if gpu {
		return FFMPEG_H264_NVENC
	}

	return FFMPEG_H264
}

// ffmpeg -y [hwaccel args] -i input -s 1280x720 -c:v libx264 -filter:v fps=30 -profile:v main -b:v 3000k -preset faster -crf 23 -threads 2 -c:a aac -b:a 128k output
func TranscodeArgs(p Params, input string, output string, hwAccelArgs []string) []string {
	var ffmpegArgs []string
	ffmpegArgs = append(ffmpegArgs, "-y")
	ffmpegArgs = append(ffmpegArgs, hwAccelArgs...)

	ffmpegArgs = append(ffmpegArgs, "-i")
	ffmpegArgs = append(ffmpegArgs, input)

	if p.Width != 0 && p.Height != 0 {
		resolution := strconv.Itoa(p.Width)
		resolution += "x"
		resolution += strconv.Itoa(p.Height)

		ffmpegArgs = append(ffmpegArgs, "-s")
		ffmpegArgs = append(ffmpegArgs, resolution)
	}

	ffmpegArgs = append(ffmpegArgs, "-c:v")
	ffmpegArgs = append(ffmpegArgs, VideoEncoderName(p.Video_codec, p.Gpu))

	if p.Framerate != 0 {
		fps := "fps="
		fps += strconv.FormatFloat(p.Framerate, 'f', -1, 64)
		ffmpegArgs = append(ffmpegArgs, "-filter:v")
		ffmpegArgs = append(ffmpegArgs, fps)
	}

	if (p.Video_codec == H264_CODEC || p.Video_codec == H265_CODEC) && !p.Gpu {
		var h26xProfile string
		if p.Height <= 480 {
			h26xProfile = "baseline"
		} else if p.Height > 480 && p.Height <= 720 {
			h26xProfile = "main"
		} else if p.Height > 720 {
			h26xProfile = "high"
		}

		ffmpegArgs = append(ffmpegArgs, "-profile:v")
		ffmpegArgs = append(ffmpegArgs, h26xProfile)
	}

	if p.Video_bitrate != "" {
		ffmpegArgs = append(ffmpegArgs, "-b:v")
		ffmpegArgs = append(ffmpegArgs, p.Video_bitrate)
	}

	if p.Preset != "" {
		ffmpegArgs = append(ffmpegArgs, "-preset")
		ffmpegArgs = append(ffmpegArgs, p.Preset)
	}

	if p.Crf != "" {
		ffmpegArgs = append(ffmpegArgs, "-crf")
		ffmpegArgs = append(ffmpegArgs, p.Crf)
	}

	if p.Threads != 0 {
		ffmpegArgs = append(ffmpegArgs, "-threads")
		ffmpegArgs = append(ffmpegArgs, strconv.Itoa(p.Threads))
	}

	ffmpegArgs = append(ffmpegArgs, "-c:a")
	if p.Audio_codec == MP3_CODEC {
		ffmpegArgs = append(ffmpegArgs, MP3_CODEC)
	} else {
		ffmpegArgs = append(ffmpegArgs, AAC_CODEC)
	}

	if p.Audio_bitrate != "" {
		ffmpegArgs = append(ffmpegArgs, "-b:a")
		ffmpegArgs = append(ffmpegArgs, p.Audio_bitrate)
	}

	ffmpegArgs = append(ffmpegArgs, output)
	return ffmpegArgs
}

// ffmpeg -y -i input -vf hqdn3d,unsharp=5:5:1.0,eq=brightness=0.1:contrast=1.2:saturation=1.1 -c:a copy output
func EnhanceArgs(p Params, input string, output string) []string {
	var ffmpegArgs []string
	ffmpegArgs = append(ffmpegArgs, "-y")

	ffmpegArgs = append(ffmpegArgs, "-i")
	ffmpegArgs = append(ffmpegArgs, input)

	var filters []string
	if p.Denoise {
		filters = append(filters, "hqdn3d")
	}

	if p.Sharpen {
		filters = append(filters, "unsharp=5:5:1.0")
	}

	var eq []string
	if p.Brightness != 0 {
		eq = append(eq, "brightness="+strconv.FormatFloat(p.Brightness, 'f', -1, 64))
	}

	if p.Contrast != 0 {
		eq = append(eq, "contrast="+strconv.FormatFloat(p.Contrast, 'f', -1, 64))
	}

	if p.Saturation != 0 {
		eq = append(eq, "saturation="+strconv.FormatFloat(p.Saturation, 'f', -1, 64))
	}

	if len(eq) != 0 {
		filters = append(filters, "eq="+strings.Join(eq, ":"))
	}

	if len(filters) != 0 {
		ffmpegArgs = append(ffmpegArgs, "-vf")
		ffmpegArgs = append(ffmpegArgs, strings.Join(filters, ","))
	}

	ffmpegArgs = append(ffmpegArgs, "-c:a")
	ffmpegArgs = append(ffmpegArgs, "copy")

	ffmpegArgs = append(ffmpegArgs, output)
	return ffmpegArgs
}

// ffmpeg -y -ss 10 -i input -t 30 -c copy output
func TrimArgs(p Params, input string, output string) []string {
	var ffmpegArgs []string
	ffmpegArgs = append(ffmpegArgs, "-y")

	ffmpegArgs = append(ffmpegArgs, "-ss")
	ffmpegArgs = append(ffmpegArgs, strconv.FormatFloat(p.Trim_start, 'f', -1, 64))

	ffmpegArgs = append(ffmpegArgs, "-i")
	ffmpegArgs = append(ffmpegArgs, input)

	if p.Trim_duration != 0 {
		ffmpegArgs = append(ffmpegArgs, "-t")
		ffmpegArgs = append(ffmpegArgs, strconv.FormatFloat(p.Trim_duration, 'f', -1, 64))
	}

	ffmpegArgs = append(ffmpegArgs, "-c")
	ffmpegArgs = append(ffmpegArgs, "copy")

	ffmpegArgs = append(ffmpegArgs, output)
	return ffmpegArgs
}

// ffmpeg -y -i input -i watermark.png -filter_complex overlay=10:20 output
func OverlayArgs(p Params, input string, output string) []string {
	var ffmpegArgs []string
	ffmpegArgs = append(ffmpegArgs, "-y")

	ffmpegArgs = append(ffmpegArgs, "-i")
	ffmpegArgs = append(ffmpegArgs, input)

	ffmpegArgs = append(ffmpegArgs, "-i")
	ffmpegArgs = append(ffmpegArgs, p.Overlay_image)

	overlay := "overlay="
	overlay += strconv.Itoa(p.Overlay_x)
	overlay += ":"
	overlay += strconv.Itoa(p.Overlay_y)

	ffmpegArgs = append(ffmpegArgs, "-filter_complex")
	ffmpegArgs = append(ffmpegArgs, overlay)

	ffmpegArgs = append(ffmpegArgs, output)
	return ffmpegArgs
}

// The concat demuxer requires identical codec parameters across inputs.
// Chunk outputs of one task satisfy that because they are produced from
// one source with one parameter set.
// ffmpeg -y -f concat -safe 0 -i list.txt -c copy output
func ConcatArgs(listFile string, output string) []string {
	var ffmpegArgs []string
	ffmpegArgs = append(ffmpegArgs, "-y")

	ffmpegArgs = append(ffmpegArgs, "-f")
	ffmpegArgs = append(ffmpegArgs, "concat")

	ffmpegArgs = append(ffmpegArgs, "-safe")
	ffmpegArgs = append(ffmpegArgs, "0")

	ffmpegArgs = append(ffmpegArgs, "-i")
	ffmpegArgs = append(ffmpegArgs, listFile)

	ffmpegArgs = append(ffmpegArgs, "-c")
	ffmpegArgs = append(ffmpegArgs, "copy")

	ffmpegArgs = append(ffmpegArgs, output)
	return ffmpegArgs
}

// Stream-copy one chunk out of the source file, seeking to the chunk start.
// ffmpeg -y -ss 40 -i input -t 10 -c copy -avoid_negative_ts make_zero chunk_004.mp4
func ExtractArgs(c Chunk, input string, output string) []string {
	var ffmpegArgs []string
	ffmpegArgs = append(ffmpegArgs, "-y")

	ffmpegArgs = append(ffmpegArgs, "-ss")
	ffmpegArgs = append(ffmpegArgs, strconv.FormatFloat(c.Start_time, 'f', -1, 64))

	ffmpegArgs = append(ffmpegArgs, "-i")
	ffmpegArgs = append(ffmpegArgs, input)

	ffmpegArgs = append(ffmpegArgs, "-t")
	ffmpegArgs = append(ffmpegArgs, strconv.FormatFloat(c.Duration, 'f', -1, 64))

	ffmpegArgs = append(ffmpegArgs, "-c")
	ffmpegArgs = append(ffmpegArgs, "copy")

	ffmpegArgs = append(ffmpegArgs, "-avoid_negative_ts")
	ffmpegArgs = append(ffmpegArgs, "make_zero")

	ffmpegArgs = append(ffmpegArgs, output)
	return ffmpegArgs
}

// ffprobe -v error -show_entries format=duration -of default=noprint_wrappers=1:nokey=1 input
func DurationProbeArgs(input string) []string {
	var ffprobeArgs []string
	ffprobeArgs = append(ffprobeArgs, "-v")
	ffprobeArgs = append(ffprobeArgs, "error")

	ffprobeArgs = append(ffprobeArgs, "-show_entries")
	ffprobeArgs = append(ffprobeArgs, "format=duration")

	ffprobeArgs = append(ffprobeArgs, "-of")
	ffprobeArgs = append(ffprobeArgs, "default=noprint_wrappers=1:nokey=1")

	ffprobeArgs = append(ffprobeArgs, input)
	return ffprobeArgs
}

// ffprobe -v error -show_format -show_streams -of json input
func MediaProbeArgs(input string) []string {
	var ffprobeArgs []string
	ffprobeArgs = append(ffprobeArgs, "-v")
	ffprobeArgs = append(ffprobeArgs, "error")

	ffprobeArgs = append(ffprobeArgs, "-show_format")
	ffprobeArgs = append(ffprobeArgs, "-show_streams")

	ffprobeArgs = append(ffprobeArgs, "-of")
	ffprobeArgs = append(ffprobeArgs, "json")

	ffprobeArgs = append(ffprobeArgs, input)
	return ffprobeArgs
}
