package ffmpegcmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ottlab/streamd/internal/domain/channel"
)

// CodecResolver answers hardware-mapping queries during argv synthesis.
// Implemented by the capability probe.
type CodecResolver interface {
	PreferredVideoCodec(ctx context.Context, requested string) (string, bool)
	ResolveVAAPIDevice(ctx context.Context, gpuIndex int) (string, error)
}

// Config carries the environment-level inputs to command synthesis.
type Config struct {
	FFmpegPath          string
	MediaBasePath       string
	NVENCPresetOverride string // supersedes the channel preset for NVENC
}

// Default constants for UDP/MPEG-TS emission.
const (
	defaultMuxrate     = 10_080_000 // ~10 Mbps
	muxrateAudioBudget = 128_000    // bps added for audio before headroom
	muxrateHeadroom    = 1.3
	defaultHLSTime     = "2"
	defaultHLSListSize = "5"
	defaultHLSFlags    = "delete_segments"
)

// Build synthesizes (program, argv) for one channel/output pair. It is a
// pure function of its inputs plus the resolver's capability answers; it
// spawns nothing.
//
// The argv follows the encoder's positional contract: pre-input options,
// input specifier, stream maps, codec selections, encoder tuning,
// post-output options, destination.
func Build(ctx context.Context, cfg Config, resolver CodecResolver, ch *channel.Channel, out channel.Output) (string, []string, error) {
	p := ch.Params
	b := NewBuilder(cfg.FFmpegPath)

	mediaDir := filepath.Join(cfg.MediaBasePath, ch.ID)
	liveInput := isLiveHTTPInput(ch.InputURL)

	// Effective video codec, after hardware substitution.
	requestedVideo := p.VideoCodec
	requestedAudio := p.AudioCodec
	if out.Kind == channel.OutputHLS {
		// HLS transcodes by default.
		if requestedVideo == "" {
			requestedVideo = "libx264"
		}
		if requestedAudio == "" {
			requestedAudio = "aac"
		}
	}

	videoCodec := requestedVideo
	if resolver != nil {
		videoCodec, _ = resolver.PreferredVideoCodec(ctx, requestedVideo)
	}

	hwKind, isHW := kindOfCodec(videoCodec)

	// --- Pre-input section ---

	switch {
	case p.FFlags != "":
		b.Pre("-fflags", p.FFlags)
	case out.Kind == channel.OutputHLS:
		b.Pre("-fflags", "+genpts")
	case liveInput:
		b.Pre("-fflags", "+genpts")
	}

	if !p.InputOptions.IsZero() {
		b.Pre(p.InputOptions.Args()...)
	}

	if isHW {
		vaapiDevice := ""
		if hwKind == channel.HwVAAPI {
			if resolver == nil {
				return "", nil, fmt.Errorf("vaapi codec %q requested without a resolver", videoCodec)
			}
			dev, err := resolver.ResolveVAAPIDevice(ctx, gpuIndex(p))
			if err != nil {
				return "", nil, err
			}
			vaapiDevice = dev
		}
		b.Pre(hwPreInputArgs(hwKind, vaapiDevice)...)
	}

	// -re paces a non-live input at its native rate. Live HTTP/HLS sources
	// already pace themselves, and an output may opt out explicitly.
	if out.Kind == channel.OutputUDP && !liveInput && (out.Realtime == nil || *out.Realtime) {
		b.Pre("-re")
	}

	// --- Input section ---

	if out.Kind == channel.OutputDVB {
		if p.DVBDevice == "" {
			return "", nil, fmt.Errorf("dvb output requires dvb_device param")
		}
		b.PreFlag("-frequency", p.DVBFrequency)
		b.PreFlag("-modulation", p.DVBModulation)
		b.Input("-f", "dvb", "-i", p.DVBDevice)
	} else {
		b.Input("-i", ch.InputURL)
	}

	// --- Stream maps ---

	buildMaps(b, p, out)

	// --- Codec selection ---

	// videoCodec (not the pre-substitution request) decides passthrough, so
	// an auto-substituted hardware encoder is never silently dropped.
	passthrough := videoCodec == "" && requestedAudio == "" && !hasEncodeParams(p)
	if passthrough {
		b.Codec("-c", "copy")
	} else {
		if videoCodec != "" {
			b.Codec("-c:v", videoCodec)
			if isHW {
				b.Codec(hwEncoderArgs(hwKind, gpuIndex(p))...)
			}
		}
		switch {
		case requestedAudio != "":
			b.Codec("-c:a", requestedAudio)
		case videoCodec != "":
			// Video-only transcode keeps the audio track as-is.
			b.Codec("-c:a", "copy")
		}
	}

	// --- Encoder tuning ---

	if !passthrough {
		preset := p.Preset
		if preset != "" || cfg.NVENCPresetOverride != "" {
			if hwKind == channel.HwNVENC {
				preset = mapNVENCPreset(preset, cfg.NVENCPresetOverride)
			}
			b.TuningFlag("-preset", preset)
		}
		b.TuningFlag("-tune", p.Tune)
		b.TuningFlag("-profile:v", p.Profile)
		b.TuningFlag("-level", p.Level)
		b.TuningFlag("-b:v", p.VideoBitrate)
		b.TuningFlag("-minrate", p.Minrate)
		b.TuningFlag("-maxrate", p.Maxrate)
		b.TuningFlag("-bufsize", p.Bufsize)
		b.TuningFlag("-crf", p.CRF)
		b.TuningFlag("-qp", p.QP)
		b.TuningFlag("-g", p.GopSize)
		b.TuningFlag("-keyint_min", p.KeyintMin)
		b.TuningFlag("-sc_threshold", p.SCThreshold)
		b.TuningFlag("-r", p.Framerate)
		b.TuningFlag("-s", p.Resolution)
		b.TuningFlag("-vf", p.VideoFilters)
		b.TuningFlag("-af", p.AudioFilters)
		b.TuningFlag("-b:a", p.AudioBitrate)
		b.TuningFlag("-vsync", p.VSync)
		b.TuningFlag("-async", p.Async)
	}

	if !p.OutputOptions.IsZero() {
		b.Post(p.OutputOptions.Args()...)
	}
	if !p.ExtraOptions.IsZero() {
		b.Post(p.ExtraOptions.Args()...)
	}

	// --- Format, muxer flags, destination ---

	switch out.Kind {
	case channel.OutputUDP:
		b.Post("-f", "mpegts")
		b.Post("-muxrate", muxrate(p))
		b.Post("-pcr_period", "20")
		b.Post("-pat_period", "0.1")
		b.Post("-streamid", "0:0x100", "-streamid", "1:0x101")
		b.Post("-mpegts_flags", "resend_headers")
		b.Post("-flush_packets", "1")
		if p.Bufsize == "" {
			b.Post("-bufsize", "65536")
		}
		b.Dest(out.UDPAddress())

	case channel.OutputHLS:
		b.Post("-f", "hls")
		b.Post("-hls_time", orDefault(p.HLSTime, defaultHLSTime))
		b.Post("-hls_list_size", orDefault(p.HLSListSize, defaultHLSListSize))
		b.Post("-hls_flags", orDefault(p.HLSFlags, defaultHLSFlags))
		b.Dest(filepath.Join(mediaDir, "index.m3u8"))

	case channel.OutputDVB:
		// Generic MPEG-TS contract; muxrate deliberately not forced here.
		b.Post("-f", "mpegts")
		b.Dest(filepath.Join(mediaDir, "stream.ts"))

	case channel.OutputFile:
		path := out.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(mediaDir, path)
		}
		b.Pre("-y")
		b.Dest(path)

	default:
		return "", nil, fmt.Errorf("unknown output kind %q", out.Kind)
	}

	return cfg.FFmpegPath, b.BuildArgv(), nil
}

// BuildString renders the shell-quoted command line for logging.
func BuildString(ctx context.Context, cfg Config, resolver CodecResolver, ch *channel.Channel, out channel.Output) (string, error) {
	_, argv, err := Build(ctx, cfg, resolver, ch, out)
	if err != nil {
		return "", err
	}
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shQuote(a)
	}
	return strings.Join(quoted, " "), nil
}

// buildMaps emits stream maps: explicit indices win, then program index,
// then the conventional defaults.
func buildMaps(b *Builder, p channel.EncoderParams, out channel.Output) {
	if p.VideoStreamIndex != nil || p.AudioStreamIndex != nil {
		if p.VideoStreamIndex != nil {
			b.Map("0:v:" + strconv.Itoa(*p.VideoStreamIndex))
		}
		if p.AudioStreamIndex != nil {
			b.Map("0:a:" + strconv.Itoa(*p.AudioStreamIndex))
		}
		return
	}
	if out.HLSProgramIndex != nil {
		b.Map("0:p:" + strconv.Itoa(*out.HLSProgramIndex))
		return
	}
	if out.MapVideo == nil || *out.MapVideo {
		b.Map("0:v:0")
	}
	if out.MapAudio == nil || *out.MapAudio {
		b.Map("0:a:0")
	}
}

// muxrate resolves the MPEG-TS multiplex rate: explicit override, then a
// computed rate with audio budget and 30% headroom over the declared video
// bitrate, then the default.
func muxrate(p channel.EncoderParams) string {
	if p.Muxrate != "" {
		return p.Muxrate
	}
	if bps, ok := parseBitrateBPS(p.VideoBitrate); ok {
		// 30% headroom, integer ceiling: ⌈(video + audio budget) × 1.3⌉
		rate := (bps + muxrateAudioBudget) * 13
		rate = (rate + 9) / 10
		return strconv.FormatInt(rate, 10)
	}
	return strconv.Itoa(defaultMuxrate)
}

// parseBitrateBPS parses encoder bitrate notation ("2500k", "2M", "800000")
// into bits per second.
func parseBitrateBPS(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1_000
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1_000_000
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return int64(n * float64(mult)), true
}

// hasEncodeParams reports whether any parameter forces a transcode (so the
// bare "-c copy" default no longer applies).
func hasEncodeParams(p channel.EncoderParams) bool {
	return p.VideoBitrate != "" || p.AudioBitrate != "" || p.Resolution != "" ||
		p.Framerate != "" || p.VideoFilters != "" || p.AudioFilters != "" ||
		p.Preset != "" || p.Tune != "" || p.Profile != "" || p.Level != "" ||
		p.CRF != "" || p.QP != "" || p.Maxrate != "" || p.Minrate != ""
}

// isLiveHTTPInput reports whether the input is a live HLS/HTTP source that
// paces itself (no -re).
func isLiveHTTPInput(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func gpuIndex(p channel.EncoderParams) int {
	if p.GPUIndex != nil {
		return *p.GPUIndex
	}
	return 0
}
