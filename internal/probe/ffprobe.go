package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

const analyzeWait = 30 * time.Second

// AudioTrack describes one audio stream found in an input.
type AudioTrack struct {
	Index      int    `json:"index"`
	Codec      string `json:"codec"`
	Language   string `json:"language,omitempty"`
	Title      string `json:"title,omitempty"`
	Channels   int    `json:"channels"`
	SampleRate string `json:"sample_rate,omitempty"`
	Bitrate    string `json:"bitrate,omitempty"`
	Default    bool   `json:"default"`
}

// Analyzer runs the encoder's probe utility against inputs.
type Analyzer struct {
	log         *zap.Logger
	ffprobePath string

	run func(ctx context.Context, args ...string) ([]byte, error)
}

// NewAnalyzer constructs an Analyzer using the given ffprobe binary.
func NewAnalyzer(log *zap.Logger, ffprobePath string) *Analyzer {
	a := &Analyzer{log: log.Named("analyzer"), ffprobePath: ffprobePath}
	a.run = func(ctx context.Context, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, a.ffprobePath, args...).Output()
	}
	return a
}

type ffprobeOutput struct {
	Streams []struct {
		Index       int    `json:"index"`
		CodecName   string `json:"codec_name"`
		CodecType   string `json:"codec_type"`
		Channels    int    `json:"channels"`
		SampleRate  string `json:"sample_rate"`
		BitRate     string `json:"bit_rate"`
		Disposition struct {
			Default int `json:"default"`
		} `json:"disposition"`
		Tags struct {
			Language string `json:"language"`
			Title    string `json:"title"`
		} `json:"tags"`
	} `json:"streams"`
}

// AnalyzeAudioTracks probes the input and returns its audio streams.
// The probe run is bounded at 30 seconds.
func (a *Analyzer) AnalyzeAudioTracks(ctx context.Context, inputURL string) ([]AudioTrack, error) {
	ctx, cancel := context.WithTimeout(ctx, analyzeWait)
	defer cancel()

	out, err := a.run(ctx,
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-select_streams", "a",
		inputURL,
	)
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", inputURL, err)
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("decode ffprobe output: %w", err)
	}

	tracks := make([]AudioTrack, 0, len(parsed.Streams))
	audioPos := 0
	for _, s := range parsed.Streams {
		if s.CodecType != "" && s.CodecType != "audio" {
			continue
		}
		tracks = append(tracks, AudioTrack{
			Index:      audioPos,
			Codec:      s.CodecName,
			Language:   s.Tags.Language,
			Title:      s.Tags.Title,
			Channels:   s.Channels,
			SampleRate: s.SampleRate,
			Bitrate:    s.BitRate,
			Default:    s.Disposition.Default == 1,
		})
		audioPos++
	}

	a.log.Debug("audio analysis complete",
		zap.String("input", inputURL), zap.Int("tracks", len(tracks)))
	return tracks, nil
}
