// Package bridge turns a synchronous, non-reentrant speech engine into an
// asynchronous pull-based stream. Callers enqueue utterances and pull audio
// and markers at their own pace; a dedicated worker owns the engine, and a
// generation scheme lets a new utterance or a stop instantly invalidate
// everything in flight from the previous one.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/voxlabs/voxbridge/internal/engine"
)

// Utterance end reasons reported through UtteranceFunc.
const (
	ReasonCompleted = "completed"
	ReasonStopped   = "stopped"
	ReasonTimeout   = "timeout"
	ReasonFailed    = "failed"
)

// UtteranceEvent summarizes one finished utterance.
type UtteranceEvent struct {
	Generation uint32
	Reason     string
	TextLen    int
	AudioBytes int
	Duration   time.Duration
}

// Options tune a Bridge. Zero values select the defaults.
type Options struct {
	// MaxBufferedBytes caps buffered audio before oldest-audio eviction
	// kicks in. Default 4MiB.
	MaxBufferedBytes int
	// MaxQueueItems caps the output queue length. Default 8192.
	MaxQueueItems int
	// SynthesisTimeout is the per-utterance ceiling, treated as a forced
	// stop. Default 2m.
	SynthesisTimeout time.Duration
	// StopGrace bounds how long the worker waits for the engine to confirm
	// a stop. Default 500ms.
	StopGrace time.Duration
	// OpenTimeout bounds engine startup. Default 10s.
	OpenTimeout time.Duration
	// RateBoost is the initial speed percent, clamped to 100..600.
	RateBoost int
	// UtteranceFunc, when set, is called on the worker goroutine after each
	// utterance ends. Keep it brief.
	UtteranceFunc func(UtteranceEvent)
	Logger        *slog.Logger
}

const (
	defaultMaxBufferedBytes = 4 << 20
	defaultMaxQueueItems    = 8192
	defaultSynthesisTimeout = 2 * time.Minute
	defaultStopGrace        = 500 * time.Millisecond
	defaultOpenTimeout      = 10 * time.Second
)

// Stats is a point-in-time snapshot for health reporting and gauges.
type Stats struct {
	QueueItems    int
	BufferedBytes int
	Utterances    uint64
	Stops         uint64
	Timeouts      uint64
	EvictedItems  uint64
	DroppedPushes uint64
}

// Bridge is one engine session. Multiple bridges are independent; nothing
// here is process-global.
type Bridge struct {
	eng  engine.Engine
	log  *slog.Logger
	opts Options

	auth     *authority
	out      *outQueue
	set      *settings
	commands chan command
	worker   *worker

	variant engine.Variant
	format  atomic.Pointer[engine.Format]
	rate    atomic.Int32
	closed  atomic.Bool

	utterances atomic.Uint64
	stops      atomic.Uint64
	timeouts   atomic.Uint64
}

var errClosed = errors.New("bridge closed")

// New opens the engine session and starts the worker. It blocks until the
// engine reports ready or the open timeout expires; on failure nothing is
// left running.
func New(eng engine.Engine, opts Options) (*Bridge, error) {
	if opts.MaxBufferedBytes <= 0 {
		opts.MaxBufferedBytes = defaultMaxBufferedBytes
	}
	if opts.MaxQueueItems <= 0 {
		opts.MaxQueueItems = defaultMaxQueueItems
	}
	if opts.SynthesisTimeout <= 0 {
		opts.SynthesisTimeout = defaultSynthesisTimeout
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = defaultOpenTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "bridge"))

	ctx, cancel := context.WithTimeout(context.Background(), opts.OpenTimeout)
	defer cancel()
	info, err := eng.Open(ctx)
	if err != nil {
		eng.Close()
		return nil, fmt.Errorf("engine not ready: %w", err)
	}

	b := &Bridge{
		eng:      eng,
		log:      log,
		opts:     opts,
		auth:     newAuthority(),
		out:      newOutQueue(opts.MaxBufferedBytes, opts.MaxQueueItems),
		set:      &settings{},
		commands: make(chan command, 64),
		variant:  info.Variant,
	}
	if info.FormatKnown {
		f := info.Format
		b.format.Store(&f)
	}
	b.set.seed(info)
	b.rate.Store(int32(clampRate(opts.RateBoost)))

	log.Info("engine session ready",
		slog.String("variant", info.Variant.String()),
		slog.Bool("format_known", info.FormatKnown))

	b.worker = newWorker(b)
	go b.worker.run()
	return b, nil
}

// Close shuts the worker down and releases the engine.
func (b *Bridge) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.auth.CancelAll()
	b.enqueue(command{quit: true})
	<-b.worker.done
	if err := b.eng.Close(); err != nil {
		return fmt.Errorf("engine close: %w", err)
	}
	return nil
}

// Speak cancels any in-flight utterance and enqueues a new one. It never
// blocks on the worker.
func (b *Bridge) Speak(text string) error {
	if b.closed.Load() {
		return errClosed
	}
	token := b.auth.CancelAll()
	b.enqueue(command{text: text, snapshot: token})
	return nil
}

// Stop cancels in-flight and queued utterances and clears all buffered
// output. Reads report no data until the next Speak.
func (b *Bridge) Stop() error {
	if b.closed.Load() {
		return errClosed
	}
	b.auth.CancelAll()
	b.drainCommands()
	b.out.Clear()
	return nil
}

// Read pulls up to len(p) bytes of audio or one marker, never blocking.
// n > 0 only for audio items; markers come back alone with n == 0.
func (b *Bridge) Read(p []byte) (n int, item Item) {
	return b.out.Read(p)
}

// SetVariant requests an engine variant change, applied before the next
// utterance.
func (b *Bridge) SetVariant(id int) error {
	if b.closed.Load() {
		return errClosed
	}
	b.set.variant.set(int32(id))
	return nil
}

// SetVoiceParam stages a numeric voice parameter write (ids 1..7).
func (b *Bridge) SetVoiceParam(id, value int) error {
	if b.closed.Load() {
		return errClosed
	}
	if id < 1 || id > numVoiceParams {
		return fmt.Errorf("voice parameter %d out of range", id)
	}
	b.set.params[id].set(int32(value))
	return nil
}

// VoiceParam returns the registry's view of a parameter: the last requested
// value, or the engine's initial one if never set.
func (b *Bridge) VoiceParam(id int) (int, error) {
	if id < 1 || id > numVoiceParams {
		return 0, fmt.Errorf("voice parameter %d out of range", id)
	}
	return int(b.set.params[id].peek()), nil
}

// SetVoice selects the voice/language. The tapped variant has no multi-voice
// support, so there it is a no-op.
func (b *Bridge) SetVoice(id int) error {
	if b.closed.Load() {
		return errClosed
	}
	if b.variant == engine.VariantTapped {
		return nil
	}
	b.set.voice.set(int32(id))
	return nil
}

// SetRateBoost sets the speed percent, clamped to 100..600. It applies to
// audio captured from then on, without waiting for the next utterance.
func (b *Bridge) SetRateBoost(percent int) error {
	if b.closed.Load() {
		return errClosed
	}
	b.rate.Store(int32(clampRate(percent)))
	return nil
}

// RateBoost returns the current speed percent.
func (b *Bridge) RateBoost() int {
	return int(b.rate.Load())
}

// LoadDictionary loads the main and root pronunciation dictionaries. Only
// the buffered variant supports dictionaries.
func (b *Bridge) LoadDictionary(mainPath, rootPath string) error {
	if b.closed.Load() {
		return errClosed
	}
	if b.variant != engine.VariantBuffered {
		return fmt.Errorf("load dictionary: %w", engine.ErrUnsupported)
	}
	if err := b.eng.LoadDictionary(mainPath, rootPath); err != nil {
		return fmt.Errorf("load dictionary: %w", err)
	}
	return nil
}

// Format reports the session's audio format once established.
func (b *Bridge) Format() (engine.Format, bool) {
	f := b.format.Load()
	if f == nil {
		return engine.Format{}, false
	}
	return *f, true
}

// Variant reports which engine variant this session runs.
func (b *Bridge) Variant() engine.Variant {
	return b.variant
}

// Stats snapshots queue depth and lifetime counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		QueueItems:    b.out.Depth(),
		BufferedBytes: b.out.Buffered(),
		Utterances:    b.utterances.Load(),
		Stops:         b.stops.Load(),
		Timeouts:      b.timeouts.Load(),
		EvictedItems:  b.out.evicted.Load(),
		DroppedPushes: b.out.dropped.Load(),
	}
}

func clampRate(percent int) int {
	if percent < 100 {
		return 100
	}
	if percent > 600 {
		return 600
	}
	return percent
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
