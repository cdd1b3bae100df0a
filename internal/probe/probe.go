// Package probe enumerates hardware encoder capabilities and resolves
// codec requests onto them. Evidence is combined from three sources: the
// encoder's self-reported encoder list, render nodes under /dev/dri, and
// vendor tool availability. Results are memoised for a bounded TTL.
package probe

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ottlab/streamd/internal/apperr"
	"github.com/ottlab/streamd/internal/domain/channel"
	"go.uber.org/zap"
)

const (
	cacheTTL       = 60 * time.Second
	introspectWait = 3 * time.Second
)

// Options controls probe behavior.
type Options struct {
	FFmpegPath     string
	HwaccelEnabled bool   // false disables hardware substitution globally
	HwaccelAuto    bool   // substitute even for copy/unspecified codecs
	VAAPIDevice    string // configured default render node
}

// Probe detects accelerators and answers codec-mapping queries.
type Probe struct {
	log  *zap.Logger
	opts Options

	mu      sync.Mutex
	caps    []channel.HwCapability
	expires time.Time

	// Seams for tests; production values exec the real tools.
	listEncoders func(ctx context.Context) (string, error)
	listDRINodes func() []string
	toolOnPath   func(name string) bool
	readable     func(path string) bool
}

// New constructs a Probe. The capability cache starts empty and fills on
// first query.
func New(log *zap.Logger, opts Options) *Probe {
	p := &Probe{
		log:  log.Named("probe"),
		opts: opts,
	}
	p.listEncoders = p.runEncoderList
	p.listDRINodes = defaultDRINodes
	p.toolOnPath = func(name string) bool {
		_, err := exec.LookPath(name)
		return err == nil
	}
	p.readable = func(path string) bool {
		f, err := os.Open(path)
		if err != nil {
			return false
		}
		f.Close()
		return true
	}
	return p
}

// Capabilities returns the probed accelerator list, refreshing the cache
// when the TTL has lapsed.
func (p *Probe) Capabilities(ctx context.Context) []channel.HwCapability {
	p.mu.Lock()
	defer p.mu.Unlock()

	if time.Now().Before(p.expires) {
		return p.caps
	}

	caps := p.detect(ctx)
	p.caps = caps
	p.expires = time.Now().Add(cacheTTL)
	return caps
}

// Invalidate drops the cache so the next query re-probes.
func (p *Probe) Invalidate() {
	p.mu.Lock()
	p.expires = time.Time{}
	p.mu.Unlock()
}

// runEncoderList invokes the encoder's introspection command.
func (p *Probe) runEncoderList(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, introspectWait)
	defer cancel()

	out, err := exec.CommandContext(ctx, p.opts.FFmpegPath, "-hide_banner", "-encoders").Output()
	if err != nil {
		return "", fmt.Errorf("ffmpeg -encoders: %w", err)
	}
	return string(out), nil
}

func defaultDRINodes() []string {
	nodes, _ := filepath.Glob("/dev/dri/renderD*")
	sort.Strings(nodes)
	return nodes
}

// detect combines the three evidence sources into capability records.
func (p *Probe) detect(ctx context.Context) []channel.HwCapability {
	encoders, err := p.listEncoders(ctx)
	if err != nil {
		p.log.Warn("encoder introspection failed", zap.Error(err))
	}

	has := func(name string) bool {
		return strings.Contains(encoders, name)
	}
	codecsFor := func(kind string) []string {
		var out []string
		for _, c := range []string{"h264_" + kind, "hevc_" + kind, "av1_" + kind} {
			if has(c) {
				out = append(out, c)
			}
		}
		return out
	}

	var caps []channel.HwCapability

	if codecs := codecsFor("nvenc"); len(codecs) > 0 && p.toolOnPath("nvidia-smi") {
		caps = append(caps, channel.HwCapability{
			Kind: channel.HwNVENC, Index: 0, Name: "NVIDIA NVENC",
			Codecs: codecs, Available: true,
		})
	}

	driNodes := p.listDRINodes()
	if codecs := codecsFor("qsv"); len(codecs) > 0 && len(driNodes) > 0 {
		caps = append(caps, channel.HwCapability{
			Kind: channel.HwQSV, Index: 0, Name: "Intel Quick Sync",
			DevicePath: driNodes[0], Codecs: codecs, Available: true,
		})
	}

	if codecs := codecsFor("vaapi"); len(codecs) > 0 {
		for i, node := range driNodes {
			if !p.readable(node) {
				p.log.Debug("render node not readable", zap.String("device", node))
				continue
			}
			caps = append(caps, channel.HwCapability{
				Kind: channel.HwVAAPI, Index: i, Name: "VAAPI " + node,
				DevicePath: node, Codecs: codecs, Available: true,
			})
		}
	}

	if codecs := codecsFor("videotoolbox"); len(codecs) > 0 {
		caps = append(caps, channel.HwCapability{
			Kind: channel.HwVideoToolbox, Index: 0, Name: "Apple VideoToolbox",
			Codecs: codecs, Available: true,
		})
	}

	if codecs := codecsFor("amf"); len(codecs) > 0 {
		caps = append(caps, channel.HwCapability{
			Kind: channel.HwAMF, Index: 0, Name: "AMD AMF",
			Codecs: codecs, Available: true,
		})
	}

	p.log.Info("hardware probe complete", zap.Int("accelerators", len(caps)))
	return caps
}

// hw selection order for h.264/h.265 substitution.
var hwOrder = []channel.HwKind{channel.HwNVENC, channel.HwQSV, channel.HwVAAPI, channel.HwVideoToolbox}

// hwSuffixes recognizes already-hardware codec names; these pass through
// unchanged.
var hwSuffixes = []string{"_nvenc", "_qsv", "_vaapi", "_videotoolbox", "_amf"}

// IsHardwareCodec reports whether name is already a hardware encoder name.
func IsHardwareCodec(name string) bool {
	for _, suf := range hwSuffixes {
		if strings.HasSuffix(name, suf) {
			return true
		}
	}
	return false
}

// KindOfCodec extracts the accelerator family from a hardware codec name.
func KindOfCodec(name string) (channel.HwKind, bool) {
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

// PreferredVideoCodec maps a requested codec name onto the best available
// hardware encoder, per policy:
//   - hardware substitution disabled globally → requested name unchanged
//   - already-hardware names pass through unchanged
//   - "h264"/"libx264"/"hevc"/"h265"/"libx265" → first available family in
//     NVENC → QSV → VAAPI → VIDEOTOOLBOX order
//   - "copy" or empty → substituted only when auto mode is on
//
// The second return reports whether a substitution happened.
func (p *Probe) PreferredVideoCodec(ctx context.Context, requested string) (string, bool) {
	if !p.opts.HwaccelEnabled {
		return requested, false
	}
	if IsHardwareCodec(requested) {
		return requested, false
	}

	var family string
	switch requested {
	case "h264", "libx264":
		family = "h264"
	case "hevc", "h265", "libx265":
		family = "hevc"
	case "", "copy":
		if !p.opts.HwaccelAuto {
			return requested, false
		}
		family = "h264"
	default:
		return requested, false
	}

	caps := p.Capabilities(ctx)
	for _, kind := range hwOrder {
		for _, hc := range caps {
			if hc.Kind != kind || !hc.Available {
				continue
			}
			want := family + "_" + string(kind)
			for _, c := range hc.Codecs {
				if c == want {
					return want, true
				}
			}
		}
	}
	return requested, false
}

// ResolveVAAPIDevice picks the render node for a VAAPI encode. Resolution
// order: enumerated device matching gpuIndex, the conventional
// /dev/dri/renderD{128+index} path, then the configured default. Readability
// is verified at each step; total failure is a RESOURCE error — the caller
// must surface it, never downgrade.
func (p *Probe) ResolveVAAPIDevice(ctx context.Context, gpuIndex int) (string, error) {
	for _, hc := range p.Capabilities(ctx) {
		if hc.Kind == channel.HwVAAPI && hc.Index == gpuIndex && hc.Available {
			if p.readable(hc.DevicePath) {
				return hc.DevicePath, nil
			}
		}
	}

	conventional := fmt.Sprintf("/dev/dri/renderD%d", 128+gpuIndex)
	if p.readable(conventional) {
		return conventional, nil
	}

	if p.opts.VAAPIDevice != "" && p.readable(p.opts.VAAPIDevice) {
		return p.opts.VAAPIDevice, nil
	}

	return "", apperr.New(apperr.Resource,
		"VAAPI render device for gpu_index %d is missing or unreadable (checked %s); expose the DRI device to the runtime sandbox",
		gpuIndex, conventional)
}
