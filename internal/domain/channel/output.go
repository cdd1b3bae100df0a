package channel

import (
	"fmt"
	"net/url"
	"strconv"
)

// OutputKind discriminates the output variants.
type OutputKind string

const (
	OutputUDP  OutputKind = "udp"
	OutputHLS  OutputKind = "hls"
	OutputDVB  OutputKind = "dvb"
	OutputFile OutputKind = "file"
)

// Output is one destination of a channel. Kind selects which fields apply;
// unused fields are zero.
type Output struct {
	Kind OutputKind `json:"kind"`

	// UDP
	Host            string `json:"host,omitempty"`
	Port            int    `json:"port,omitempty"`
	PktSize         int    `json:"pkt_size,omitempty"`
	BufferSize      int    `json:"buffer_size,omitempty"`
	HLSProgramIndex *int   `json:"hls_program_index,omitempty"`
	MapVideo        *bool  `json:"map_video,omitempty"`
	MapAudio        *bool  `json:"map_audio,omitempty"`
	Realtime        *bool  `json:"realtime,omitempty"` // explicit -re override

	// FILE
	Path string `json:"path,omitempty"`
}

// Validate checks the per-kind required fields.
func (o Output) Validate() error {
	switch o.Kind {
	case OutputUDP:
		if o.Host == "" {
			return fmt.Errorf("udp output: host is required")
		}
		if o.Port <= 0 || o.Port > 65535 {
			return fmt.Errorf("udp output: bad port %d", o.Port)
		}
	case OutputHLS, OutputDVB:
		// directory/device come from the channel's media dir and params
	case OutputFile:
		if o.Path == "" {
			return fmt.Errorf("file output: path is required")
		}
	default:
		return fmt.Errorf("unknown output kind %q", o.Kind)
	}
	return nil
}

// UDPAddress renders the destination URL for a UDP output, including the
// optional socket tuning query parameters.
func (o Output) UDPAddress() string {
	addr := "udp://" + o.Host + ":" + strconv.Itoa(o.Port)
	q := url.Values{}
	if o.PktSize > 0 {
		q.Set("pkt_size", strconv.Itoa(o.PktSize))
	}
	if o.BufferSize > 0 {
		q.Set("buffer_size", strconv.Itoa(o.BufferSize))
	}
	if len(q) > 0 {
		addr += "?" + q.Encode()
	}
	return addr
}
