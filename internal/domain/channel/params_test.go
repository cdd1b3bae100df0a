package channel

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParamsRecognizedKeys(t *testing.T) {
	raw := []byte(`{
		"video_codec": "libx264",
		"preset": "veryfast",
		"gpu_index": 1,
		"video_stream_index": 2,
		"hls_time": "4",
		"muxrate": "8000000"
	}`)

	p, unknown, err := ParseParams(raw)
	require.NoError(t, err)
	assert.Empty(t, unknown)
	assert.Equal(t, "libx264", p.VideoCodec)
	assert.Equal(t, "veryfast", p.Preset)
	require.NotNil(t, p.GPUIndex)
	assert.Equal(t, 1, *p.GPUIndex)
	require.NotNil(t, p.VideoStreamIndex)
	assert.Equal(t, 2, *p.VideoStreamIndex)
	assert.Equal(t, "4", p.HLSTime)
	assert.Equal(t, "8000000", p.Muxrate)
}

func TestParseParamsDropsUnknownKeys(t *testing.T) {
	raw := []byte(`{"video_codec": "copy", "bogus_flag": "x", "another": 1}`)

	p, unknown, err := ParseParams(raw)
	require.NoError(t, err)
	assert.Equal(t, "copy", p.VideoCodec)
	assert.Equal(t, []string{"another", "bogus_flag"}, unknown)
}

func TestParseParamsEmpty(t *testing.T) {
	p, unknown, err := ParseParams(nil)
	require.NoError(t, err)
	assert.Empty(t, unknown)
	assert.Equal(t, EncoderParams{}, p)
}

func TestOptionSetObjectForm(t *testing.T) {
	var o OptionSet
	require.NoError(t, json.Unmarshal([]byte(`{"probesize":"5M","analyzeduration":"10M"}`), &o))

	// Key-sorted expansion keeps argv synthesis deterministic.
	assert.Equal(t, []string{"-analyzeduration", "10M", "-probesize", "5M"}, o.Args())

	v, ok := o.Lookup("probesize")
	assert.True(t, ok)
	assert.Equal(t, "5M", v)
}

func TestOptionSetArrayForm(t *testing.T) {
	var o OptionSet
	require.NoError(t, json.Unmarshal([]byte(`["-metadata","title=News"]`), &o))
	assert.Equal(t, []string{"-metadata", "title=News"}, o.Args())
}

func TestOptionSetStringForm(t *testing.T) {
	var o OptionSet
	require.NoError(t, json.Unmarshal([]byte(`"-nostats -loglevel error"`), &o))
	assert.Equal(t, []string{"-nostats", "-loglevel", "error"}, o.Args())
}

func TestOptionSetValuelessKey(t *testing.T) {
	o := NewOptionPairs(map[string]string{"nostats": ""})
	assert.Equal(t, []string{"-nostats"}, o.Args())
}

func TestOptionSetRoundTrip(t *testing.T) {
	o := NewOptionPairs(map[string]string{"probesize": "5M"})
	data, err := json.Marshal(o)
	require.NoError(t, err)

	var back OptionSet
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, o.Args(), back.Args())
}

func TestChannelValidate(t *testing.T) {
	valid := &Channel{
		Name:     "news",
		InputURL: "udp://239.0.0.1:1234",
		Outputs:  []Output{{Kind: OutputUDP, Host: "10.0.0.1", Port: 5000}},
	}
	assert.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*Channel)
	}{
		{"empty name", func(c *Channel) { c.Name = "" }},
		{"empty input", func(c *Channel) { c.InputURL = "" }},
		{"no outputs", func(c *Channel) { c.Outputs = nil }},
		{"bad udp port", func(c *Channel) { c.Outputs = []Output{{Kind: OutputUDP, Host: "h", Port: 0}} }},
		{"udp without host", func(c *Channel) { c.Outputs = []Output{{Kind: OutputUDP, Port: 5000}} }},
		{"unknown output kind", func(c *Channel) { c.Outputs = []Output{{Kind: "carrier-pigeon"}} }},
		{"bad status", func(c *Channel) { c.Status = "launching" }},
	}
	for _, tc := range cases {
		c := *valid
		tc.mutate(&c)
		assert.Error(t, c.Validate(), tc.name)
	}
}

func TestUDPAddress(t *testing.T) {
	o := Output{Kind: OutputUDP, Host: "10.0.0.1", Port: 5000}
	assert.Equal(t, "udp://10.0.0.1:5000", o.UDPAddress())

	o.PktSize = 1316
	o.BufferSize = 65536
	assert.Equal(t, "udp://10.0.0.1:5000?buffer_size=65536&pkt_size=1316", o.UDPAddress())
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusStopped, StatusRunning, StatusError, StatusRestarting} {
		assert.True(t, s.Valid())
	}
	assert.False(t, Status("zombie").Valid())
}
