package probe

import (
	"context"
	"testing"

	"github.com/ottlab/streamd/internal/apperr"
	"github.com/ottlab/streamd/internal/domain/channel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const encoderList = ` V....D h264_nvenc           NVIDIA NVENC H.264 encoder (codec h264)
 V....D hevc_nvenc           NVIDIA NVENC hevc encoder (codec hevc)
 V..... h264_vaapi           H.264/AVC (VAAPI) (codec h264)
 V..... hevc_vaapi           H.265/HEVC (VAAPI) (codec hevc)
 V..... libx264              libx264 H.264 / AVC / MPEG-4 AVC (codec h264)
 A....D aac                  AAC (Advanced Audio Coding)`

// testProbe builds a Probe with all evidence sources injected.
func testProbe(opts Options, encoders string, driNodes []string, tools map[string]bool, readable map[string]bool) *Probe {
	p := New(zap.NewNop(), opts)
	p.listEncoders = func(context.Context) (string, error) { return encoders, nil }
	p.listDRINodes = func() []string { return driNodes }
	p.toolOnPath = func(name string) bool { return tools[name] }
	p.readable = func(path string) bool { return readable[path] }
	return p
}

func TestCapabilitiesDetection(t *testing.T) {
	p := testProbe(Options{HwaccelEnabled: true}, encoderList,
		[]string{"/dev/dri/renderD128"},
		map[string]bool{"nvidia-smi": true},
		map[string]bool{"/dev/dri/renderD128": true})

	caps := p.Capabilities(context.Background())
	require.Len(t, caps, 2)

	kinds := map[channel.HwKind]bool{}
	for _, c := range caps {
		kinds[c.Kind] = true
	}
	assert.True(t, kinds[channel.HwNVENC])
	assert.True(t, kinds[channel.HwVAAPI])
}

func TestCapabilitiesNVENCNeedsVendorTool(t *testing.T) {
	p := testProbe(Options{HwaccelEnabled: true}, encoderList,
		nil, map[string]bool{}, map[string]bool{})

	caps := p.Capabilities(context.Background())
	for _, c := range caps {
		assert.NotEqual(t, channel.HwNVENC, c.Kind, "nvenc requires nvidia-smi evidence")
	}
}

func TestCapabilitiesCacheAndInvalidate(t *testing.T) {
	calls := 0
	p := New(zap.NewNop(), Options{HwaccelEnabled: true})
	p.listEncoders = func(context.Context) (string, error) {
		calls++
		return encoderList, nil
	}
	p.listDRINodes = func() []string { return nil }
	p.toolOnPath = func(string) bool { return true }
	p.readable = func(string) bool { return true }

	p.Capabilities(context.Background())
	p.Capabilities(context.Background())
	assert.Equal(t, 1, calls, "second query must hit the cache")

	p.Invalidate()
	p.Capabilities(context.Background())
	assert.Equal(t, 2, calls, "invalidate must force a re-probe")
}

func TestPreferredVideoCodecOrder(t *testing.T) {
	p := testProbe(Options{HwaccelEnabled: true}, encoderList,
		[]string{"/dev/dri/renderD128"},
		map[string]bool{"nvidia-smi": true},
		map[string]bool{"/dev/dri/renderD128": true})

	got, sub := p.PreferredVideoCodec(context.Background(), "libx264")
	assert.True(t, sub)
	assert.Equal(t, "h264_nvenc", got, "NVENC outranks VAAPI")

	got, sub = p.PreferredVideoCodec(context.Background(), "hevc")
	assert.True(t, sub)
	assert.Equal(t, "hevc_nvenc", got)
}

func TestPreferredVideoCodecFallsToVAAPI(t *testing.T) {
	p := testProbe(Options{HwaccelEnabled: true}, encoderList,
		[]string{"/dev/dri/renderD128"},
		map[string]bool{}, // no nvidia-smi
		map[string]bool{"/dev/dri/renderD128": true})

	got, sub := p.PreferredVideoCodec(context.Background(), "h264")
	assert.True(t, sub)
	assert.Equal(t, "h264_vaapi", got)
}

func TestPreferredVideoCodecDisabled(t *testing.T) {
	p := testProbe(Options{HwaccelEnabled: false}, encoderList,
		[]string{"/dev/dri/renderD128"},
		map[string]bool{"nvidia-smi": true},
		map[string]bool{"/dev/dri/renderD128": true})

	got, sub := p.PreferredVideoCodec(context.Background(), "libx264")
	assert.False(t, sub)
	assert.Equal(t, "libx264", got)
}

func TestPreferredVideoCodecHardwarePassthrough(t *testing.T) {
	p := testProbe(Options{HwaccelEnabled: true}, encoderList,
		nil, map[string]bool{}, map[string]bool{})

	got, sub := p.PreferredVideoCodec(context.Background(), "h264_qsv")
	assert.False(t, sub)
	assert.Equal(t, "h264_qsv", got)
}

func TestPreferredVideoCodecCopyAutoMode(t *testing.T) {
	base := Options{HwaccelEnabled: true}

	p := testProbe(base, encoderList,
		[]string{"/dev/dri/renderD128"},
		map[string]bool{"nvidia-smi": true},
		map[string]bool{"/dev/dri/renderD128": true})
	got, sub := p.PreferredVideoCodec(context.Background(), "copy")
	assert.False(t, sub, "copy stays copy without auto mode")
	assert.Equal(t, "copy", got)

	base.HwaccelAuto = true
	p = testProbe(base, encoderList,
		[]string{"/dev/dri/renderD128"},
		map[string]bool{"nvidia-smi": true},
		map[string]bool{"/dev/dri/renderD128": true})
	got, sub = p.PreferredVideoCodec(context.Background(), "copy")
	assert.True(t, sub)
	assert.Equal(t, "h264_nvenc", got)
}

func TestPreferredVideoCodecUnknownPassesThrough(t *testing.T) {
	p := testProbe(Options{HwaccelEnabled: true}, encoderList,
		nil, map[string]bool{"nvidia-smi": true}, map[string]bool{})

	got, sub := p.PreferredVideoCodec(context.Background(), "vp9")
	assert.False(t, sub)
	assert.Equal(t, "vp9", got)
}

func TestResolveVAAPIDeviceEnumerated(t *testing.T) {
	p := testProbe(Options{HwaccelEnabled: true}, encoderList,
		[]string{"/dev/dri/renderD128", "/dev/dri/renderD129"},
		map[string]bool{},
		map[string]bool{"/dev/dri/renderD128": true, "/dev/dri/renderD129": true})

	dev, err := p.ResolveVAAPIDevice(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "/dev/dri/renderD129", dev)
}

func TestResolveVAAPIDeviceConventionalFallback(t *testing.T) {
	p := testProbe(Options{HwaccelEnabled: true}, "",
		nil, map[string]bool{},
		map[string]bool{"/dev/dri/renderD130": true})

	dev, err := p.ResolveVAAPIDevice(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "/dev/dri/renderD130", dev)
}

func TestResolveVAAPIDeviceConfiguredFallback(t *testing.T) {
	p := testProbe(Options{HwaccelEnabled: true, VAAPIDevice: "/dev/dri/renderD200"}, "",
		nil, map[string]bool{},
		map[string]bool{"/dev/dri/renderD200": true})

	dev, err := p.ResolveVAAPIDevice(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "/dev/dri/renderD200", dev)
}

func TestResolveVAAPIDeviceFailFast(t *testing.T) {
	p := testProbe(Options{HwaccelEnabled: true, VAAPIDevice: "/dev/dri/renderD128"}, "",
		nil, map[string]bool{}, map[string]bool{})

	_, err := p.ResolveVAAPIDevice(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Resource))
	assert.Contains(t, err.Error(), "DRI device")
}
