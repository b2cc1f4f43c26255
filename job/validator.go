package job

import (
	"errors"
	"strconv"

	"ezDistTranscoding/utils"
)

var valid_video_codec_values = []string{"h264", "h265"}
var valid_audio_codec_values = []string{"aac", "mp3"}
var valid_h26x_presets = []string{"placebo", "veryslow", "slower", "slow", "medium", "fast", "faster", "veryfast", "superfast", "ultrafast"}

const max_video_framerate = 60 // fps
const max_video_resolution_height = 2160 // pixel
const max_video_resolution_width = 3840 // pixel
const max_video_output_bitrate = 20000.0 // kbps
const max_audio_output_bitrate = 320.0 // kbps
const min_h26x_crf = 0
const practical_min_h26x_crf = 18 // Return a warning when crf is lower than this value.
const max_h26x_crf = 51
const min_brightness = -1.0
const max_brightness = 1.0
const max_contrast = 2.0
const max_saturation = 3.0

func contains_string(a []string, v string) bool {
	r := false
	for _, e := range a {
		if v == e {
			r = true
		}
	}

	return r
}

// Validate checks a submission and fills in defaults. A non-nil error is
// fatal to the request; warnings report parameters that were clamped or
// defaulted.
// A general note: any data type mismatches were already detected when
// (json)decoding the request body.
func Validate(op string, p *Params) (error, []string) {
	var warnings []string

	if !ValidOperation(op) {
		return errors.New("bad_operation"), warnings
	}

	if op == OP_TRANSCODE || op == OP_RENDER {
		// Default to "h264"
		if (*p).Video_codec == "" || !contains_string(valid_video_codec_values, (*p).Video_codec) {
			if (*p).Video_codec != "" {
				warnings = append(warnings, "unsupported video codec: "+(*p).Video_codec+", defaulting to h264")
			}

			(*p).Video_codec = H264_CODEC
		}

		// Default to "aac"
		if (*p).Audio_codec == "" || !contains_string(valid_audio_codec_values, (*p).Audio_codec) {
			(*p).Audio_codec = AAC_CODEC
		}

		if (*p).Width < 0 || (*p).Height < 0 {
			return errors.New("bad_video_resolution"), warnings
		}

		if (*p).Width > max_video_resolution_width || (*p).Height > max_video_resolution_height {
			return errors.New("bad_video_resolution"), warnings
		}

		// Either both dimensions or neither
		if ((*p).Width == 0) != ((*p).Height == 0) {
			return errors.New("bad_video_resolution"), warnings
		}

		if (*p).Framerate < 0 || (*p).Framerate > max_video_framerate {
			return errors.New("bad_video_framerate"), warnings
		}

		if (*p).Video_bitrate != "" {
			e, b := utils.BitrateString2Float64((*p).Video_bitrate)
			if e != nil {
				return errors.New("bad_video_bitrate"), warnings
			}

			if b > max_video_output_bitrate*1000 {
				return errors.New("bad_video_bitrate"), warnings
			}
		}

		if (*p).Audio_bitrate != "" {
			e, b := utils.BitrateString2Float64((*p).Audio_bitrate)
			if e != nil {
				return errors.New("bad_audio_bitrate"), warnings
			}

			if b > max_audio_output_bitrate*1000 {
				return errors.New("bad_audio_bitrate"), warnings
			}
		}

		if (*p).Preset != "" && !contains_string(valid_h26x_presets, (*p).Preset) {
			warnings = append(warnings, "unsupported preset: "+(*p).Preset+", dropped")
			(*p).Preset = ""
		}

		if (*p).Crf != "" {
			crf, e := strconv.Atoi((*p).Crf)
			if e != nil || crf < min_h26x_crf || crf > max_h26x_crf {
				return errors.New("bad_crf"), warnings
			}

			if crf < practical_min_h26x_crf {
				warnings = append(warnings, "crf below "+strconv.Itoa(practical_min_h26x_crf)+" produces very large outputs")
			}
		}

		if (*p).Threads < 0 {
			return errors.New("bad_threads"), warnings
		}
	}

	if op == OP_ENHANCE {
		if (*p).Brightness < min_brightness || (*p).Brightness > max_brightness {
			return errors.New("bad_brightness"), warnings
		}

		if (*p).Contrast < 0 || (*p).Contrast > max_contrast {
			return errors.New("bad_contrast"), warnings
		}

		if (*p).Saturation < 0 || (*p).Saturation > max_saturation {
			return errors.New("bad_saturation"), warnings
		}

		if !(*p).Denoise && !(*p).Sharpen && (*p).Brightness == 0 && (*p).Contrast == 0 && (*p).Saturation == 0 {
			warnings = append(warnings, "enhance requested with no filters set, output will be a plain re-encode")
		}
	}

	if op == OP_EDIT {
		if !ValidEditAction((*p).Edit_action) {
			return errors.New("bad_edit_action"), warnings
		}

		if (*p).Edit_action == EDIT_ACTION_TRIM {
			if (*p).Trim_start < 0 || (*p).Trim_duration < 0 {
				return errors.New("bad_trim_range"), warnings
			}
		}

		if (*p).Edit_action == EDIT_ACTION_CONCAT && len((*p).Concat_inputs) < 2 {
			return errors.New("concat_requires_two_inputs"), warnings
		}

		if (*p).Edit_action == EDIT_ACTION_OVERLAY && (*p).Overlay_image == "" {
			return errors.New("overlay_requires_image"), warnings
		}
	}

	return nil, warnings
}
