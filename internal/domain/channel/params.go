package channel

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// EncoderParams is the recognized-options bag applied during command
// synthesis. Every field maps to a defined effect on the encoder argv;
// keys outside this table are dropped at decode time (see ParseParams).
type EncoderParams struct {
	// Pre-input
	FFlags       string    `json:"fflags,omitempty"`
	InputOptions OptionSet `json:"input_options,omitempty"`

	// Codec selection; "copy" means passthrough.
	VideoCodec string `json:"video_codec,omitempty"`
	AudioCodec string `json:"audio_codec,omitempty"`

	// Rate/size selectors
	VideoBitrate string `json:"video_bitrate,omitempty"`
	AudioBitrate string `json:"audio_bitrate,omitempty"`
	Resolution   string `json:"resolution,omitempty"`
	Framerate    string `json:"framerate,omitempty"`

	// Filter graphs
	VideoFilters string `json:"video_filters,omitempty"`
	AudioFilters string `json:"audio_filters,omitempty"`

	// Encoder tuning
	Preset      string `json:"preset,omitempty"`
	Tune        string `json:"tune,omitempty"`
	Profile     string `json:"profile,omitempty"`
	Level       string `json:"level,omitempty"`
	GopSize     string `json:"g,omitempty"`
	KeyintMin   string `json:"keyint_min,omitempty"`
	SCThreshold string `json:"sc_threshold,omitempty"`
	VSync       string `json:"vsync,omitempty"`
	Async       string `json:"async,omitempty"`
	CRF         string `json:"crf,omitempty"`
	QP          string `json:"qp,omitempty"`
	Maxrate     string `json:"maxrate,omitempty"`
	Minrate     string `json:"minrate,omitempty"`
	Bufsize     string `json:"bufsize,omitempty"`

	OutputOptions OptionSet `json:"output_options,omitempty"`

	// Back-compat alias for OutputOptions; merged after it during build.
	ExtraOptions OptionSet `json:"extra_options,omitempty"`

	// Hardware selection
	GPUIndex *int `json:"gpu_index,omitempty"`

	// Explicit input-stream selection
	VideoStreamIndex *int `json:"video_stream_index,omitempty"`
	AudioStreamIndex *int `json:"audio_stream_index,omitempty"`

	// HLS segmenter
	HLSTime     string `json:"hls_time,omitempty"`
	HLSListSize string `json:"hls_list_size,omitempty"`
	HLSFlags    string `json:"hls_flags,omitempty"`

	// DVB tuner
	DVBDevice     string `json:"dvb_device,omitempty"`
	DVBFrequency  string `json:"dvb_frequency,omitempty"`
	DVBModulation string `json:"dvb_modulation,omitempty"`

	// MPEG-TS multiplex rate override
	Muxrate string `json:"muxrate,omitempty"`
}

// recognizedParamKeys is the closed set of keys ParseParams accepts.
var recognizedParamKeys = map[string]struct{}{
	"fflags": {}, "input_options": {}, "video_codec": {}, "audio_codec": {},
	"video_bitrate": {}, "audio_bitrate": {}, "resolution": {}, "framerate": {},
	"video_filters": {}, "audio_filters": {}, "preset": {}, "tune": {},
	"profile": {}, "level": {}, "g": {}, "keyint_min": {}, "sc_threshold": {},
	"vsync": {}, "async": {}, "crf": {}, "qp": {}, "maxrate": {}, "minrate": {},
	"bufsize": {}, "output_options": {}, "extra_options": {}, "gpu_index": {},
	"video_stream_index": {}, "audio_stream_index": {}, "hls_time": {},
	"hls_list_size": {}, "hls_flags": {}, "dvb_device": {}, "dvb_frequency": {},
	"dvb_modulation": {}, "muxrate": {},
}

// ParseParams decodes a raw JSON params payload, returning the decoded bag
// plus the sorted list of unrecognized keys that were dropped. Unrecognized
// keys are not an error.
func ParseParams(raw []byte) (EncoderParams, []string, error) {
	var p EncoderParams
	if len(raw) == 0 {
		return p, nil, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, nil, fmt.Errorf("decode params: %w", err)
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return p, nil, fmt.Errorf("decode params keys: %w", err)
	}
	var unknown []string
	for k := range all {
		if _, ok := recognizedParamKeys[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	return p, unknown, nil
}

// OptionSet carries arbitrary key→value encoder flags. The wire form is
// flexible: a JSON object ({"analyzeduration":"10M"}), a flat argument
// array (["-analyzeduration","10M"]), or a whitespace-separated string.
// The object form expands to "-key value" pairs in key-sorted order so
// argv synthesis is deterministic.
type OptionSet struct {
	pairs [][2]string // object form; flag name without leading dash
	args  []string    // flat form, emitted verbatim
}

// NewOptionPairs builds an OptionSet from key/value pairs.
func NewOptionPairs(kv map[string]string) OptionSet {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([][2]string, 0, len(kv))
	for _, k := range keys {
		pairs = append(pairs, [2]string{k, kv[k]})
	}
	return OptionSet{pairs: pairs}
}

// NewOptionArgs builds an OptionSet from a verbatim argument sequence.
func NewOptionArgs(args ...string) OptionSet {
	return OptionSet{args: args}
}

// IsZero reports whether the set carries no options.
func (o OptionSet) IsZero() bool { return len(o.pairs) == 0 && len(o.args) == 0 }

// Args expands the set into an argument sequence.
func (o OptionSet) Args() []string {
	if len(o.args) > 0 {
		out := make([]string, len(o.args))
		copy(out, o.args)
		return out
	}
	out := make([]string, 0, len(o.pairs)*2)
	for _, kv := range o.pairs {
		flag := kv[0]
		if !strings.HasPrefix(flag, "-") {
			flag = "-" + flag
		}
		if kv[1] == "" {
			out = append(out, flag)
			continue
		}
		out = append(out, flag, kv[1])
	}
	return out
}

// Lookup returns the value for a key in the object form.
func (o OptionSet) Lookup(key string) (string, bool) {
	for _, kv := range o.pairs {
		if kv[0] == key {
			return kv[1], true
		}
	}
	return "", false
}

func (o *OptionSet) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "" || s == "null" {
		*o = OptionSet{}
		return nil
	}
	switch s[0] {
	case '{':
		var kv map[string]string
		if err := json.Unmarshal(data, &kv); err != nil {
			return err
		}
		*o = NewOptionPairs(kv)
		return nil
	case '[':
		var args []string
		if err := json.Unmarshal(data, &args); err != nil {
			return err
		}
		*o = OptionSet{args: args}
		return nil
	case '"':
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*o = OptionSet{args: strings.Fields(str)}
		return nil
	}
	return fmt.Errorf("options: unsupported JSON form %q", s[:1])
}

func (o OptionSet) MarshalJSON() ([]byte, error) {
	if len(o.pairs) > 0 {
		kv := make(map[string]string, len(o.pairs))
		for _, p := range o.pairs {
			kv[p[0]] = p[1]
		}
		return json.Marshal(kv)
	}
	if len(o.args) > 0 {
		return json.Marshal(o.args)
	}
	return []byte("null"), nil
}
