package ffmpegcmd

import (
	"context"
	"strconv"
	"testing"

	"github.com/ottlab/streamd/internal/apperr"
	"github.com/ottlab/streamd/internal/domain/channel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResolver simulates the capability probe.
type fakeResolver struct {
	mapped      map[string]string
	vaapiDevice string
	vaapiErr    error
}

func (r *fakeResolver) PreferredVideoCodec(_ context.Context, requested string) (string, bool) {
	if m, ok := r.mapped[requested]; ok {
		return m, true
	}
	return requested, false
}

func (r *fakeResolver) ResolveVAAPIDevice(_ context.Context, _ int) (string, error) {
	if r.vaapiErr != nil {
		return "", r.vaapiErr
	}
	return r.vaapiDevice, nil
}

func testConfig() Config {
	return Config{FFmpegPath: "/usr/bin/ffmpeg", MediaBasePath: "/media"}
}

func udpChannel() *channel.Channel {
	return &channel.Channel{
		ID:       "ch-1",
		Name:     "news",
		InputURL: "https://ex/live.m3u8",
		Outputs:  []channel.Output{{Kind: channel.OutputUDP, Host: "10.0.0.1", Port: 5000}},
	}
}

func indexOf(argv []string, tok string) int {
	for i, a := range argv {
		if a == tok {
			return i
		}
	}
	return -1
}

func hasSeq(argv []string, seq ...string) bool {
	for i := 0; i+len(seq) <= len(argv); i++ {
		match := true
		for j := range seq {
			if argv[i+j] != seq[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func TestBuildUDPPassthroughLiveSource(t *testing.T) {
	ch := udpChannel()

	_, argv, err := Build(context.Background(), testConfig(), &fakeResolver{}, ch, ch.FirstOutput())
	require.NoError(t, err)

	assert.NotContains(t, argv, "-re")
	assert.True(t, hasSeq(argv, "-fflags", "+genpts"))
	assert.True(t, hasSeq(argv, "-map", "0:v:0"))
	assert.True(t, hasSeq(argv, "-map", "0:a:0"))
	assert.True(t, hasSeq(argv, "-c", "copy"))
	assert.True(t, hasSeq(argv, "-f", "mpegts"))
	assert.True(t, hasSeq(argv, "-muxrate", "10080000"))
	assert.Equal(t, "udp://10.0.0.1:5000", argv[len(argv)-1])
}

func TestBuildUDPFileSourceEmitsRealtime(t *testing.T) {
	ch := udpChannel()
	ch.InputURL = "/srv/movies/film.mp4"

	_, argv, err := Build(context.Background(), testConfig(), &fakeResolver{}, ch, ch.FirstOutput())
	require.NoError(t, err)

	assert.Contains(t, argv, "-re")
	assert.Less(t, indexOf(argv, "-re"), indexOf(argv, "-i"))
}

func TestBuildUDPRealtimeOptOut(t *testing.T) {
	ch := udpChannel()
	ch.InputURL = "/srv/movies/film.mp4"
	off := false
	ch.Outputs[0].Realtime = &off

	_, argv, err := Build(context.Background(), testConfig(), &fakeResolver{}, ch, ch.FirstOutput())
	require.NoError(t, err)
	assert.NotContains(t, argv, "-re")
}

func TestBuildUDPDestinationQuery(t *testing.T) {
	ch := udpChannel()
	ch.Outputs[0].PktSize = 1316
	ch.Outputs[0].BufferSize = 65536

	_, argv, err := Build(context.Background(), testConfig(), &fakeResolver{}, ch, ch.FirstOutput())
	require.NoError(t, err)
	assert.Equal(t, "udp://10.0.0.1:5000?buffer_size=65536&pkt_size=1316", argv[len(argv)-1])
}

func TestBuildUDPMuxrateFromDeclaredBitrate(t *testing.T) {
	ch := udpChannel()
	ch.Params.VideoCodec = "copy"
	ch.Params.VideoBitrate = "2000k"

	_, argv, err := Build(context.Background(), testConfig(), &fakeResolver{}, ch, ch.FirstOutput())
	require.NoError(t, err)

	// (2_000_000 + 128_000) * 1.3, rounded up
	i := indexOf(argv, "-muxrate")
	require.Greater(t, i, 0)
	assert.Equal(t, strconv.Itoa(2766400), argv[i+1])
}

func TestBuildHLSTranscodeNVENCSubstitution(t *testing.T) {
	ch := &channel.Channel{
		ID:       "ch-2",
		Name:     "sports",
		InputURL: "rtsp://cam/stream",
		Params: channel.EncoderParams{
			VideoCodec: "libx264",
			Preset:     "veryfast",
		},
		Outputs: []channel.Output{{Kind: channel.OutputHLS}},
	}
	resolver := &fakeResolver{mapped: map[string]string{"libx264": "h264_nvenc"}}

	_, argv, err := Build(context.Background(), testConfig(), resolver, ch, ch.FirstOutput())
	require.NoError(t, err)

	assert.True(t, hasSeq(argv, "-c:v", "h264_nvenc"))
	assert.NotContains(t, argv, "libx264")
	assert.True(t, hasSeq(argv, "-preset", "p2"))
	assert.True(t, hasSeq(argv, "-hls_time", "2"))
	assert.True(t, hasSeq(argv, "-hls_list_size", "5"))
	assert.True(t, hasSeq(argv, "-hls_flags", "delete_segments"))
	assert.Equal(t, "/media/ch-2/index.m3u8", argv[len(argv)-1])
}

func TestBuildHLSDefaultCodecs(t *testing.T) {
	ch := &channel.Channel{
		ID:       "ch-3",
		Name:     "docs",
		InputURL: "https://ex/vod.m3u8",
		Outputs:  []channel.Output{{Kind: channel.OutputHLS}},
	}

	_, argv, err := Build(context.Background(), testConfig(), &fakeResolver{}, ch, ch.FirstOutput())
	require.NoError(t, err)

	assert.True(t, hasSeq(argv, "-c:v", "libx264"))
	assert.True(t, hasSeq(argv, "-c:a", "aac"))
	assert.True(t, hasSeq(argv, "-fflags", "+genpts"))
}

func TestBuildArgvOrdering(t *testing.T) {
	ch := &channel.Channel{
		ID:       "ch-4",
		Name:     "order",
		InputURL: "/srv/in.ts",
		Params: channel.EncoderParams{
			VideoCodec:   "libx264",
			AudioCodec:   "aac",
			Preset:       "fast",
			VideoBitrate: "1500k",
		},
		Outputs: []channel.Output{{Kind: channel.OutputUDP, Host: "239.0.0.1", Port: 1234}},
	}

	_, argv, err := Build(context.Background(), testConfig(), &fakeResolver{}, ch, ch.FirstOutput())
	require.NoError(t, err)

	iIn := indexOf(argv, "-i")
	iMap := indexOf(argv, "-map")
	iCv := indexOf(argv, "-c:v")
	iPreset := indexOf(argv, "-preset")
	iFmt := indexOf(argv, "-f")
	iDest := len(argv) - 1

	require.NotEqual(t, -1, iIn)
	require.NotEqual(t, -1, iMap)
	require.NotEqual(t, -1, iCv)
	require.NotEqual(t, -1, iPreset)
	require.NotEqual(t, -1, iFmt)

	assert.Less(t, indexOf(argv, "-re"), iIn)
	assert.Less(t, iIn, iMap)
	assert.Less(t, iMap, iCv)
	assert.Less(t, iCv, iPreset)
	assert.Less(t, iPreset, iFmt)
	assert.Less(t, iFmt, iDest)
}

func TestBuildExplicitStreamIndices(t *testing.T) {
	ch := udpChannel()
	v, a := 1, 2
	ch.Params.VideoStreamIndex = &v
	ch.Params.AudioStreamIndex = &a

	_, argv, err := Build(context.Background(), testConfig(), &fakeResolver{}, ch, ch.FirstOutput())
	require.NoError(t, err)

	assert.True(t, hasSeq(argv, "-map", "0:v:1"))
	assert.True(t, hasSeq(argv, "-map", "0:a:2"))
	assert.False(t, hasSeq(argv, "-map", "0:v:0"))
}

func TestBuildProgramIndexMap(t *testing.T) {
	ch := udpChannel()
	prog := 3
	ch.Outputs[0].HLSProgramIndex = &prog

	_, argv, err := Build(context.Background(), testConfig(), &fakeResolver{}, ch, ch.FirstOutput())
	require.NoError(t, err)
	assert.True(t, hasSeq(argv, "-map", "0:p:3"))
}

func TestBuildVAAPIFailFast(t *testing.T) {
	ch := &channel.Channel{
		ID:       "ch-5",
		Name:     "vaapi",
		InputURL: "rtsp://cam/stream",
		Params:   channel.EncoderParams{VideoCodec: "h264_vaapi"},
		Outputs:  []channel.Output{{Kind: channel.OutputUDP, Host: "10.0.0.9", Port: 5000}},
	}
	resolver := &fakeResolver{
		vaapiErr: apperr.New(apperr.Resource, "render device missing"),
	}

	_, _, err := Build(context.Background(), testConfig(), resolver, ch, ch.FirstOutput())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Resource))
}

func TestBuildVAAPIEmitsDevice(t *testing.T) {
	ch := &channel.Channel{
		ID:       "ch-6",
		Name:     "vaapi-ok",
		InputURL: "rtsp://cam/stream",
		Params:   channel.EncoderParams{VideoCodec: "h264"},
		Outputs:  []channel.Output{{Kind: channel.OutputUDP, Host: "10.0.0.9", Port: 5000}},
	}
	resolver := &fakeResolver{
		mapped:      map[string]string{"h264": "h264_vaapi"},
		vaapiDevice: "/dev/dri/renderD129",
	}

	_, argv, err := Build(context.Background(), testConfig(), resolver, ch, ch.FirstOutput())
	require.NoError(t, err)

	assert.True(t, hasSeq(argv, "-hwaccel", "vaapi", "-vaapi_device", "/dev/dri/renderD129"))
	assert.Less(t, indexOf(argv, "-vaapi_device"), indexOf(argv, "-i"))
	assert.True(t, hasSeq(argv, "-c:v", "h264_vaapi"))
}

func TestBuildDVBInput(t *testing.T) {
	ch := &channel.Channel{
		ID:       "ch-7",
		Name:     "dvb",
		InputURL: "dvb://adapter0",
		Params: channel.EncoderParams{
			DVBDevice:     "/dev/dvb/adapter0/frontend0",
			DVBFrequency:  "506000000",
			DVBModulation: "QAM_256",
		},
		Outputs: []channel.Output{{Kind: channel.OutputDVB}},
	}

	_, argv, err := Build(context.Background(), testConfig(), &fakeResolver{}, ch, ch.FirstOutput())
	require.NoError(t, err)

	assert.True(t, hasSeq(argv, "-f", "dvb", "-i", "/dev/dvb/adapter0/frontend0"))
	assert.True(t, hasSeq(argv, "-frequency", "506000000"))
	assert.True(t, hasSeq(argv, "-modulation", "QAM_256"))
	assert.NotContains(t, argv, "-muxrate")
}

func TestBuildOptionSetForms(t *testing.T) {
	ch := udpChannel()
	ch.Params.InputOptions = channel.NewOptionPairs(map[string]string{
		"analyzeduration": "10M",
		"probesize":       "5M",
	})
	ch.Params.OutputOptions = channel.NewOptionArgs("-metadata", "service_name=News")

	_, argv, err := Build(context.Background(), testConfig(), &fakeResolver{}, ch, ch.FirstOutput())
	require.NoError(t, err)

	assert.True(t, hasSeq(argv, "-analyzeduration", "10M"))
	assert.True(t, hasSeq(argv, "-probesize", "5M"))
	assert.True(t, hasSeq(argv, "-metadata", "service_name=News"))
	assert.Less(t, indexOf(argv, "-analyzeduration"), indexOf(argv, "-i"))
	assert.Greater(t, indexOf(argv, "-metadata"), indexOf(argv, "-i"))
}

func TestNVENCPresetMapping(t *testing.T) {
	cases := map[string]string{
		"ultrafast": "p1",
		"veryfast":  "p2",
		"medium":    "p5",
		"veryslow":  "p7",
		"p4":        "p4",
		"exotic":    "exotic",
	}
	for in, want := range cases {
		assert.Equal(t, want, mapNVENCPreset(in, ""), "preset %s", in)
	}
	assert.Equal(t, "p6", mapNVENCPreset("veryfast", "p6"), "override wins")
}

func TestBuildStringQuoting(t *testing.T) {
	b := NewBuilder("/usr/bin/ffmpeg")
	b.Input("-i", "rtsp://u:p a'ss@cam/1").Dest("udp://10.0.0.1:5000")

	s := b.BuildString()
	assert.Contains(t, s, `'rtsp://u:p a'\''ss@cam/1'`)
}

func TestParseBitrateBPS(t *testing.T) {
	for in, want := range map[string]int64{
		"2000k":  2_000_000,
		"2M":     2_000_000,
		"800000": 800_000,
		"1.5M":   1_500_000,
	} {
		got, ok := parseBitrateBPS(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := parseBitrateBPS("garbage")
	assert.False(t, ok)
}
