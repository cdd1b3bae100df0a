package channel

import (
	"time"
)

// Status is the declared target state of a channel.
type Status string

const (
	StatusStopped    Status = "stopped"
	StatusRunning    Status = "running"
	StatusError      Status = "error"
	StatusRestarting Status = "restarting"
)

// Valid reports whether s is one of the recognized channel states.
func (s Status) Valid() bool {
	switch s {
	case StatusStopped, StatusRunning, StatusError, StatusRestarting:
		return true
	}
	return false
}

// Channel is the declared stream: the persistent description of one
// long-running encoder job. The supervisor owns status/pid transitions;
// operators own everything else.
type Channel struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	InputURL    string        `json:"input_url"`
	Status      Status        `json:"status"`
	AutoRestart bool          `json:"auto_restart"`
	PID         *int          `json:"pid"` // nullable; non-null iff Status==running
	Params      EncoderParams `json:"ffmpeg_params"`
	Outputs     []Output      `json:"outputs"` // at least one
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// FirstOutput returns the output the supervisor spawns an encoder for.
// Callers must have validated len(Outputs) >= 1.
func (c *Channel) FirstOutput() Output {
	return c.Outputs[0]
}

// ChannelLog is one append-only log record for a channel. Retention is
// bounded per channel; oldest entries are pruned beyond the configured cap.
type ChannelLog struct {
	ID        int64     `json:"id"`
	ChannelID string    `json:"channel_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// MetricSource tags where a MetricRecord's bitrate came from.
type MetricSource string

const (
	MetricSourceParsed     MetricSource = "parsed"
	MetricSourceCalculated MetricSource = "calculated_from_network"
	MetricSourceConfigured MetricSource = "configured"
)

// MetricRecord is one parsed encoder progress snapshot.
type MetricRecord struct {
	Frame      int64        `json:"frame"`
	FPS        float64      `json:"fps"`
	Quality    float64      `json:"q"`
	Size       int64        `json:"size_bytes"`
	Time       float64      `json:"time_sec"`
	Bitrate    float64      `json:"bitrate_kbit"` // kbit/s
	Speed      float64      `json:"speed"`
	VideoSize  int64        `json:"video_size_bytes,omitempty"`
	AudioSize  int64        `json:"audio_size_bytes,omitempty"`
	Source     MetricSource `json:"bitrate_source"`
	CapturedAt time.Time    `json:"captured_at"`
}

// HwKind is one hardware acceleration family.
type HwKind string

const (
	HwNVENC        HwKind = "nvenc"
	HwQSV          HwKind = "qsv"
	HwVAAPI        HwKind = "vaapi"
	HwVideoToolbox HwKind = "videotoolbox"
	HwAMF          HwKind = "amf"
)

// HwCapability describes one probed accelerator.
type HwCapability struct {
	Kind       HwKind   `json:"kind"`
	Index      int      `json:"index"`
	Name       string   `json:"name"`
	DevicePath string   `json:"device_path,omitempty"` // VAAPI render node
	Codecs     []string `json:"codecs"`
	Available  bool     `json:"available"`
}
