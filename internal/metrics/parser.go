// Package metrics turns the encoder's textual status stream into
// structured metric records, and reports OS-level process statistics for
// supervised pids.
package metrics

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ottlab/streamd/internal/domain/channel"
	"go.uber.org/zap"
)

// Parser consumes fragmented encoder stderr chunks tagged by channel id,
// reassembles lines, and extracts progress records. Parsing never
// propagates failures; garbage lines are skipped.
type Parser struct {
	log *zap.Logger

	mu        sync.Mutex
	residuals map[string]string // channel id -> partial trailing line
}

// NewParser constructs a Parser.
func NewParser(log *zap.Logger) *Parser {
	return &Parser{
		log:       log.Named("metrics"),
		residuals: make(map[string]string),
	}
}

// Feed appends a stderr chunk for a channel and returns the metric records
// completed by it, plus the completed lines that carried no progress data
// (callers route those to the log pipeline). A trailing partial line is
// kept for the next call.
func (p *Parser) Feed(channelID string, chunk []byte) ([]channel.MetricRecord, []string) {
	p.mu.Lock()
	buf := p.residuals[channelID] + string(chunk)
	lines := strings.Split(buf, "\n")
	p.residuals[channelID] = lines[len(lines)-1]
	p.mu.Unlock()

	var records []channel.MetricRecord
	var plain []string
	for _, line := range lines[:len(lines)-1] {
		line = strings.TrimRight(line, "\r")
		if rec, ok := ParseLine(line); ok {
			records = append(records, rec)
			continue
		}
		if strings.TrimSpace(line) != "" {
			plain = append(plain, line)
		}
	}
	return records, plain
}

// ClearBuffer drops the residual buffer for a channel on teardown.
func (p *Parser) ClearBuffer(channelID string) {
	p.mu.Lock()
	delete(p.residuals, channelID)
	p.mu.Unlock()
}

var (
	kvRe     = regexp.MustCompile(`([A-Za-z_]+)=\s*(\S+)`)
	streamRe = regexp.MustCompile(`(video|audio):\s*(\d+)([kmKM]?)B`)
)

// ParseLine extracts a metric record from one encoder status line. Lines
// not carrying a frame counter yield nothing.
func ParseLine(line string) (channel.MetricRecord, bool) {
	var rec channel.MetricRecord
	if !strings.Contains(line, "frame=") {
		return rec, false
	}

	fields := map[string]string{}
	for _, m := range kvRe.FindAllStringSubmatch(line, -1) {
		fields[m[1]] = m[2]
	}

	frame, err := strconv.ParseInt(fields["frame"], 10, 64)
	if err != nil {
		return rec, false
	}
	rec.Frame = frame
	rec.FPS, _ = strconv.ParseFloat(fields["fps"], 64)
	rec.Quality, _ = strconv.ParseFloat(fields["q"], 64)
	rec.Size = parseSize(fields["size"])
	if rec.Size == 0 {
		rec.Size = parseSize(fields["Lsize"])
	}
	rec.Time = parseTimecode(fields["time"])
	rec.Speed = parseSpeed(fields["speed"])

	if kbit, ok := parseBitrate(fields["bitrate"]); ok {
		rec.Bitrate = kbit
	} else if rec.Size > 0 && rec.Time > 0 {
		// Derive from accumulated size when the encoder omits bitrate.
		rec.Bitrate = float64(rec.Size) * 8 / (rec.Time * 1000)
	}

	for _, m := range streamRe.FindAllStringSubmatch(line, -1) {
		n, _ := strconv.ParseInt(m[2], 10, 64)
		switch m[3] {
		case "k", "K":
			n *= 1024
		case "m", "M":
			n *= 1024 * 1024
		}
		switch m[1] {
		case "video":
			rec.VideoSize = n
		case "audio":
			rec.AudioSize = n
		}
	}

	rec.Source = channel.MetricSourceParsed
	rec.CapturedAt = time.Now()
	return rec, true
}

// parseSize parses "1024kB" style accumulated-output sizes into bytes.
func parseSize(s string) int64 {
	if s == "" || s == "N/A" {
		return 0
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "kB"):
		mult = 1024
		s = strings.TrimSuffix(s, "kB")
	case strings.HasSuffix(s, "MB"):
		mult = 1024 * 1024
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "GB"):
		mult = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(n * float64(mult))
}

// parseTimecode parses "hh:mm:ss.cc" into seconds.
func parseTimecode(s string) float64 {
	if s == "" || s == "N/A" {
		return 0
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	sec, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0
	}
	return float64(h*3600+m*60) + sec
}

// parseBitrate parses the encoder's bitrate notations into kbit/s.
// Recognized: "1677.7kbits/s", "1.6mbits/s", "900bits/s", and the
// abbreviated "1677.7kbps" / "1.6mbps" forms.
func parseBitrate(s string) (float64, bool) {
	if s == "" || s == "N/A" {
		return 0, false
	}
	mult := 1.0 / 1000 // bits/s -> kbit/s when no prefix
	switch {
	case strings.HasSuffix(s, "kbits/s"):
		mult = 1
		s = strings.TrimSuffix(s, "kbits/s")
	case strings.HasSuffix(s, "mbits/s"):
		mult = 1000
		s = strings.TrimSuffix(s, "mbits/s")
	case strings.HasSuffix(s, "bits/s"):
		s = strings.TrimSuffix(s, "bits/s")
	case strings.HasSuffix(s, "kbps"):
		mult = 1
		s = strings.TrimSuffix(s, "kbps")
	case strings.HasSuffix(s, "mbps"):
		mult = 1000
		s = strings.TrimSuffix(s, "mbps")
	default:
		return 0, false
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return n * mult, true
}

// parseSpeed parses the "1.0x" speed ratio.
func parseSpeed(s string) float64 {
	if s == "" || s == "N/A" {
		return 0
	}
	n, err := strconv.ParseFloat(strings.TrimSuffix(s, "x"), 64)
	if err != nil {
		return 0
	}
	return n
}
