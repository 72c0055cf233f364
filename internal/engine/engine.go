package engine

import (
	"context"
	"errors"
)

// Variant identifies which engine generation is installed. The two variants
// deliver audio differently and support different feature sets.
type Variant int

const (
	// VariantBuffered delivers audio through a registered callback into a
	// caller-owned buffer. Output format is fixed, multiple voices and
	// pronunciation dictionaries are supported.
	VariantBuffered Variant = iota
	// VariantTapped delivers audio by writing to an output device; the host
	// intercepts those writes. Output format is discovered at startup and
	// the variant has no multi-voice or dictionary support.
	VariantTapped
)

func (v Variant) String() string {
	switch v {
	case VariantBuffered:
		return "buffered"
	case VariantTapped:
		return "tapped"
	}
	return "unknown"
}

// ParseVariant maps the wire name of a variant back to its id.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "buffered":
		return VariantBuffered, nil
	case "tapped":
		return VariantTapped, nil
	}
	return 0, errors.New("engine: unknown variant " + s)
}

// Format describes the PCM stream an engine session produces. It is fixed
// for the lifetime of a session once known.
type Format struct {
	SampleRate    int
	BitsPerSample int
	Channels      int
}

// BytesPerFrame returns the size of one interleaved frame.
func (f Format) BytesPerFrame() int {
	return f.Channels * f.BitsPerSample / 8
}

// EventKind discriminates capture-path events.
type EventKind int

const (
	EventAudio EventKind = iota
	EventIndex
	EventDone
	EventFormat
	EventError
)

// Event is one message from the capture path. Audio events carry PCM in the
// session format, index events carry the in-band marker value, format events
// carry the discovered stream format.
type Event struct {
	Kind   EventKind
	PCM    []byte
	Value  int
	Format Format
	Err    error
}

// Info is reported once the engine session is live.
type Info struct {
	Variant     Variant
	Format      Format
	FormatKnown bool
	Voice       int
	// Params holds the engine's initial voice parameter values, keyed by
	// parameter id, as read back at session start.
	Params map[int]int
}

// Voice parameter ids accepted by SetVoiceParam.
const (
	ParamHeadSize         = 1
	ParamPitchBaseline    = 2
	ParamPitchFluctuation = 3
	ParamRoughness        = 4
	ParamBreathiness      = 5
	ParamSpeed            = 6
	ParamVolume           = 7
)

// ParamVoice selects the active voice/language and is a session parameter,
// not a per-voice one. Only the buffered variant honors it.
const ParamVoice = 9

// ErrUnsupported is returned for operations the installed variant cannot
// perform, such as dictionary loads under output interception.
var ErrUnsupported = errors.New("engine: operation not supported by variant")

// Engine is the synthesis collaborator. The engine itself is synchronous and
// not reentrant; implementations own that problem and present a serialized,
// message-passing surface. Exactly one goroutine (the bridge worker) drives
// Submit and Stop; Events delivers the capture path and is closed when the
// session dies.
type Engine interface {
	// Open brings the session up and reports its capabilities. It blocks
	// until the engine is ready to accept text or ctx expires.
	Open(ctx context.Context) (Info, error)
	// Events returns the capture stream. Valid after Open.
	Events() <-chan Event
	// Submit hands sanitized text to the engine and starts synthesis.
	Submit(text string) error
	// Stop aborts the in-flight utterance. The capture stream still ends
	// with a done event for every submitted utterance.
	Stop() error
	SetParam(id, value int) error
	SetVoiceParam(id, value int) error
	CopyVoice(variant int) error
	LoadDictionary(mainPath, rootPath string) error
	Close() error
}
