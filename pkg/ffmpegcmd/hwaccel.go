package ffmpegcmd

import (
	"strconv"
	"strings"

	"github.com/ottlab/streamd/internal/domain/channel"
)

// nvencPresetMap remaps libx264-style presets onto the NVENC p1..p7 scale.
var nvencPresetMap = map[string]string{
	"ultrafast": "p1",
	"superfast": "p1",
	"veryfast":  "p2",
	"faster":    "p3",
	"fast":      "p4",
	"medium":    "p5",
	"slow":      "p6",
	"slower":    "p7",
	"veryslow":  "p7",
}

// mapNVENCPreset resolves the effective NVENC preset. An environment-level
// override wins over the channel value; p1..p7 presets pass through; known
// libx264 presets are remapped; anything else passes verbatim.
func mapNVENCPreset(requested, override string) string {
	if override != "" {
		return override
	}
	if len(requested) == 2 && requested[0] == 'p' && requested[1] >= '1' && requested[1] <= '7' {
		return requested
	}
	if mapped, ok := nvencPresetMap[requested]; ok {
		return mapped
	}
	return requested
}

// hwPreInputArgs returns the kind-specific pre-input hwaccel arguments.
// vaapiDevice is required for the VAAPI kind.
func hwPreInputArgs(kind channel.HwKind, vaapiDevice string) []string {
	switch kind {
	case channel.HwNVENC:
		return []string{"-hwaccel", "cuda"}
	case channel.HwQSV:
		return []string{"-hwaccel", "qsv"}
	case channel.HwVAAPI:
		return []string{"-hwaccel", "vaapi", "-vaapi_device", vaapiDevice}
	case channel.HwVideoToolbox:
		return []string{"-hwaccel", "videotoolbox"}
	}
	return nil
}

// hwEncoderArgs returns the kind-specific arguments emitted right after the
// codec selection.
func hwEncoderArgs(kind channel.HwKind, gpuIndex int) []string {
	switch kind {
	case channel.HwNVENC:
		return []string{"-gpu", strconv.Itoa(gpuIndex)}
	}
	return nil
}

// kindOfCodec extracts the accelerator family from a hardware codec name.
func kindOfCodec(name string) (channel.HwKind, bool) {
	switch {
	case strings.HasSuffix(name, "_nvenc"):
		return channel.HwNVENC, true
	case strings.HasSuffix(name, "_qsv"):
		return channel.HwQSV, true
	case strings.HasSuffix(name, "_vaapi"):
		return channel.HwVAAPI, true
	case strings.HasSuffix(name, "_videotoolbox"):
		return channel.HwVideoToolbox, true
	case strings.HasSuffix(name, "_amf"):
		return channel.HwAMF, true
	}
	return "", false
}
