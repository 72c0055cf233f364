package bridge

import (
	"log/slog"
	"time"

	"github.com/voxlabs/voxbridge/internal/dsp"
	"github.com/voxlabs/voxbridge/internal/engine"
)

// worker is the one goroutine that ever talks to the engine. It drains the
// command queue, applies dirty settings between utterances, drives
// synthesis, and owns the post-processing chain. Engine events are consumed
// in every state so the capture path never backs up.
type worker struct {
	b      *Bridge
	events <-chan engine.Event
	done   chan struct{}

	silence *dsp.SilenceCompressor
	stretch *dsp.Stretcher
}

func newWorker(b *Bridge) *worker {
	return &worker{b: b, events: b.eng.Events(), done: make(chan struct{})}
}

func (w *worker) run() {
	defer close(w.done)
	for {
		select {
		case cmd := <-w.b.commands:
			if cmd.quit {
				return
			}
			w.utter(cmd)
		case ev, ok := <-w.events:
			if !ok {
				w.b.log.Error("engine event stream closed")
				w.events = nil
				continue
			}
			// Trailing event from a finished utterance; the gates are
			// closed, nothing to do.
			_ = ev
		}
	}
}

func (w *worker) utter(cmd command) {
	stop := w.b.auth.Arm()
	if cmd.snapshot != w.b.auth.Token() {
		w.b.log.Debug("dropping superseded utterance")
		return
	}
	gen := w.b.auth.NewUtterance()
	start := time.Now()
	w.b.utterances.Add(1)
	if w.silence != nil {
		w.silence.Reset()
	}
	w.b.out.Begin(gen)
	w.b.set.apply(w.b.eng, w.b.log)

	text := sanitizeText(cmd.text, w.b.variant)
	if text == "" {
		w.b.out.PushDone(gen)
		w.b.out.EndActive()
		w.notify(gen, ReasonCompleted, cmd.text, 0, start)
		return
	}
	if w.events == nil {
		w.b.log.Error("engine unavailable, failing utterance")
		w.b.out.PushMarker(gen, ItemError, 0)
		w.b.out.PushDone(gen)
		w.b.out.EndActive()
		w.notify(gen, ReasonFailed, cmd.text, 0, start)
		return
	}

	if err := w.b.eng.Submit(text); err != nil {
		// Proceed to the wait regardless: whatever the engine still
		// delivers is captured, and the timeout ceiling is the recovery
		// path.
		w.b.log.Error("synthesis submit failed", slogError(err))
	}

	audioBytes := 0
	reason := ReasonCompleted
	timeout := time.NewTimer(w.b.opts.SynthesisTimeout)
	defer timeout.Stop()
loop:
	for {
		select {
		case ev, ok := <-w.events:
			if !ok {
				w.events = nil
				reason = ReasonFailed
				w.b.out.PushMarker(gen, ItemError, 0)
				break loop
			}
			switch ev.Kind {
			case engine.EventAudio:
				if pcm := w.processAudio(ev.PCM); len(pcm) > 0 {
					if w.b.out.PushAudio(gen, pcm) {
						audioBytes += len(pcm)
					}
				}
			case engine.EventIndex:
				w.b.out.PushMarker(gen, ItemIndex, ev.Value)
			case engine.EventDone:
				break loop
			case engine.EventFormat:
				w.setFormat(ev.Format)
			case engine.EventError:
				w.b.log.Error("engine reported error", slogError(ev.Err))
				w.b.out.PushMarker(gen, ItemError, 0)
			}
		case <-stop:
			reason = ReasonStopped
			w.b.stops.Add(1)
			if err := w.b.eng.Stop(); err != nil {
				w.b.log.Warn("engine stop failed", slogError(err))
			}
			w.drainUntilDone(gen, &audioBytes)
			break loop
		case <-timeout.C:
			reason = ReasonTimeout
			w.b.timeouts.Add(1)
			w.b.log.Warn("synthesis timeout, forcing stop",
				slog.Duration("ceiling", w.b.opts.SynthesisTimeout))
			if err := w.b.eng.Stop(); err != nil {
				w.b.log.Warn("engine stop failed", slogError(err))
			}
			w.drainUntilDone(gen, &audioBytes)
			break loop
		}
	}

	if tail := w.stretchTail(); len(tail) > 0 {
		if w.b.out.PushAudio(gen, tail) {
			audioBytes += len(tail)
		}
	}
	w.b.out.PushDone(gen)
	w.b.out.EndActive()
	w.notify(gen, reason, cmd.text, audioBytes, start)
}

// drainUntilDone consumes events until the engine confirms the stop with
// its done event, bounded by the stop grace. Pushes stay gated: an external
// stop has closed the gates so late audio is dropped, while a timeout keeps
// them open and captures what the engine flushed on the way down.
func (w *worker) drainUntilDone(gen uint32, audioBytes *int) {
	if w.events == nil {
		return
	}
	grace := time.NewTimer(w.b.opts.StopGrace)
	defer grace.Stop()
	for {
		select {
		case ev, ok := <-w.events:
			if !ok {
				w.events = nil
				return
			}
			switch ev.Kind {
			case engine.EventAudio:
				if pcm := w.processAudio(ev.PCM); len(pcm) > 0 {
					if w.b.out.PushAudio(gen, pcm) {
						*audioBytes += len(pcm)
					}
				}
			case engine.EventIndex:
				w.b.out.PushMarker(gen, ItemIndex, ev.Value)
			case engine.EventDone:
				return
			case engine.EventFormat:
				w.setFormat(ev.Format)
			}
		case <-grace.C:
			w.b.log.Warn("engine did not confirm stop in time")
			return
		}
	}
}

// processAudio runs the capture chain: silence compression for the tapped
// variant, then the rate stretch. The stretch stream is created lazily when
// a boost is active and torn down when the boost returns to 1.0x, so no
// residual latency is left behind.
func (w *worker) processAudio(pcm []byte) []byte {
	if w.b.variant == engine.VariantTapped {
		if w.silence == nil {
			if f := w.b.format.Load(); f != nil {
				w.silence = dsp.NewSilenceCompressor(*f)
			}
		}
		if w.silence != nil {
			pcm = w.silence.Compress(pcm)
		}
	}
	boost := int(w.b.rate.Load())
	if boost <= 100 {
		w.stretch = nil
		return pcm
	}
	f := w.b.format.Load()
	if f == nil {
		return pcm
	}
	speed := float64(boost) / 100
	if w.stretch == nil {
		w.stretch = dsp.NewStretcher(*f, speed)
	} else {
		w.stretch.SetSpeed(speed)
	}
	return w.stretch.Process(pcm)
}

func (w *worker) stretchTail() []byte {
	if w.stretch == nil {
		return nil
	}
	return w.stretch.Flush()
}

// setFormat records the discovered stream format; it is fixed once known.
func (w *worker) setFormat(f engine.Format) {
	if w.b.format.Load() != nil {
		return
	}
	w.b.format.Store(&f)
	w.b.log.Info("audio format discovered",
		slog.Int("sample_rate", f.SampleRate),
		slog.Int("bits", f.BitsPerSample),
		slog.Int("channels", f.Channels))
}

func (w *worker) notify(gen uint32, reason string, text string, audioBytes int, start time.Time) {
	if w.b.opts.UtteranceFunc == nil {
		return
	}
	w.b.opts.UtteranceFunc(UtteranceEvent{
		Generation: gen,
		Reason:     reason,
		TextLen:    len(text),
		AudioBytes: audioBytes,
		Duration:   time.Since(start),
	})
}
