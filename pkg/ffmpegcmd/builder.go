// Package ffmpegcmd builds canonical CLI invocations for the external
// encoder.
//
// This layer is a pure "command construction" module: no execution, no I/O
// beyond capability queries through the injected resolver. It returns two
// canonical projections of the same intent: argv (process argument vector)
// and a shell-quoted command string (for logging).
//
// The encoder's CLI is strictly positional: pre-input options, the input
// specifier, stream maps, codec selections, encoder tuning, post-output
// options, and finally the destination. Violating that order makes the
// encoder misinterpret flags, so the Builder keeps each section separate
// and only concatenates them at BuildArgv time.
package ffmpegcmd

import (
	"strconv"
	"strings"
)

// Builder accumulates encoder arguments by section. It implements a fluent
// API and is NOT concurrency-safe; treat it as a single-use, short-lived
// value object.
//
// Invariants:
//   - argv[0] is always the encoder program path.
//   - Sections are emitted in fixed order regardless of call order.
//   - BuildArgv returns a defensive copy.
type Builder struct {
	program string

	preInput []string
	input    []string
	maps     []string
	codecs   []string
	tuning   []string
	post     []string
	dest     []string
}

// NewBuilder returns a Builder for the given encoder program path.
func NewBuilder(program string) *Builder {
	return &Builder{program: program}
}

// Pre appends pre-input options (emitted before -i).
func (b *Builder) Pre(args ...string) *Builder {
	b.preInput = append(b.preInput, args...)
	return b
}

// PreFlag appends a pre-input flag with value, skipping empty values.
func (b *Builder) PreFlag(flag, val string) *Builder {
	if val != "" {
		b.preInput = append(b.preInput, flag, val)
	}
	return b
}

// Input sets the input specifier arguments (e.g. "-i", url).
func (b *Builder) Input(args ...string) *Builder {
	b.input = append(b.input, args...)
	return b
}

// Map appends a stream map.
func (b *Builder) Map(spec string) *Builder {
	b.maps = append(b.maps, "-map", spec)
	return b
}

// Codec appends codec-selection arguments.
func (b *Builder) Codec(args ...string) *Builder {
	b.codecs = append(b.codecs, args...)
	return b
}

// Tuning appends encoder tuning arguments.
func (b *Builder) Tuning(args ...string) *Builder {
	b.tuning = append(b.tuning, args...)
	return b
}

// TuningFlag appends a tuning flag with value, skipping empty values.
func (b *Builder) TuningFlag(flag, val string) *Builder {
	if val != "" {
		b.tuning = append(b.tuning, flag, val)
	}
	return b
}

// TuningInt appends a tuning flag with an integer value.
func (b *Builder) TuningInt(flag string, val int) *Builder {
	b.tuning = append(b.tuning, flag, strconv.Itoa(val))
	return b
}

// Post appends post-output options (format selection, muxer flags).
func (b *Builder) Post(args ...string) *Builder {
	b.post = append(b.post, args...)
	return b
}

// PostFlag appends a post-output flag with value, skipping empty values.
func (b *Builder) PostFlag(flag, val string) *Builder {
	if val != "" {
		b.post = append(b.post, flag, val)
	}
	return b
}

// Dest sets the destination argument; the last token of the argv.
func (b *Builder) Dest(arg string) *Builder {
	b.dest = []string{arg}
	return b
}

// BuildArgv concatenates the sections in contract order and returns a
// defensive copy. argv[0] is the program path.
func (b *Builder) BuildArgv() []string {
	out := make([]string, 0,
		1+len(b.preInput)+len(b.input)+len(b.maps)+len(b.codecs)+
			len(b.tuning)+len(b.post)+len(b.dest))
	out = append(out, b.program)
	out = append(out, b.preInput...)
	out = append(out, b.input...)
	out = append(out, b.maps...)
	out = append(out, b.codecs...)
	out = append(out, b.tuning...)
	out = append(out, b.post...)
	out = append(out, b.dest...)
	return out
}

// BuildString returns a single shell-quoted command string, safe for POSIX
// shells and log lines.
func (b *Builder) BuildString() string {
	argv := b.BuildArgv()
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shQuote(a)
	}
	return strings.Join(quoted, " ")
}

// shQuote returns a POSIX-safe single-quoted token. Empty strings become
// "''" to preserve round-trippability.
func shQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
