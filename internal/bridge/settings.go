package bridge

import (
	"log/slog"
	"sync/atomic"

	"github.com/voxlabs/voxbridge/internal/engine"
)

const numVoiceParams = 7

// dirtyValue is one independently writable setting: callers store a value
// and raise the dirty flag from any goroutine, the worker takes the flag
// down when it applies the value between utterances.
type dirtyValue struct {
	val   atomic.Int32
	dirty atomic.Bool
}

func (d *dirtyValue) set(v int32) {
	d.val.Store(v)
	d.dirty.Store(true)
}

func (d *dirtyValue) peek() int32 {
	return d.val.Load()
}

// take claims the dirty flag before loading the value, so a racing set
// either lands in this apply pass or leaves the flag raised for the next.
func (d *dirtyValue) take() (int32, bool) {
	was := d.dirty.Swap(false)
	return d.val.Load(), was
}

// settings is the registry of lazily applied voice state. The applied*
// fields shadow what the engine last accepted and are touched only by the
// worker; they exist so no-op writes can be skipped, since engine parameter
// writes are expensive and order-sensitive.
type settings struct {
	voice   dirtyValue
	variant dirtyValue
	params  [numVoiceParams + 1]dirtyValue

	appliedVoice     int32
	appliedVoiceOK   bool
	appliedVariant   int32
	appliedVariantOK bool
	appliedParams    [numVoiceParams + 1]int32
	appliedParamsOK  [numVoiceParams + 1]bool
}

// seed primes the registry from the values the engine reported at session
// start, so the first apply pass and parameter reads start from engine
// truth.
func (s *settings) seed(info engine.Info) {
	s.voice.val.Store(int32(info.Voice))
	s.appliedVoice = int32(info.Voice)
	s.appliedVoiceOK = true
	for id, value := range info.Params {
		if id < 1 || id > numVoiceParams {
			continue
		}
		s.params[id].val.Store(int32(value))
		s.appliedParams[id] = int32(value)
		s.appliedParamsOK[id] = true
	}
}

// apply pushes dirty settings into the engine in a fixed order: voice, then
// variant copy, then numeric parameters 1..7. Voice and variant changes
// reset the engine's numeric parameters, so those are written last and the
// applied cache for them is invalidated after a variant copy. Rejected
// writes are logged and leave the applied cache untouched.
func (s *settings) apply(eng engine.Engine, log *slog.Logger) {
	if v, dirty := s.voice.take(); dirty {
		if !s.appliedVoiceOK || v != s.appliedVoice {
			if err := eng.SetParam(engine.ParamVoice, int(v)); err != nil {
				log.Warn("voice selection rejected",
					slog.Int("voice", int(v)), slogError(err))
			} else {
				s.appliedVoice = v
				s.appliedVoiceOK = true
				s.invalidateParams()
			}
		}
	}
	if v, dirty := s.variant.take(); dirty {
		if !s.appliedVariantOK || v != s.appliedVariant {
			if err := eng.CopyVoice(int(v)); err != nil {
				log.Warn("variant change rejected",
					slog.Int("variant", int(v)), slogError(err))
			} else {
				s.appliedVariant = v
				s.appliedVariantOK = true
				s.invalidateParams()
			}
		}
	}
	for id := 1; id <= numVoiceParams; id++ {
		v, dirty := s.params[id].take()
		if !dirty {
			continue
		}
		if s.appliedParamsOK[id] && v == s.appliedParams[id] {
			continue
		}
		if err := eng.SetVoiceParam(id, int(v)); err != nil {
			log.Warn("voice parameter rejected",
				slog.Int("param", id), slog.Int("value", int(v)), slogError(err))
			continue
		}
		s.appliedParams[id] = v
		s.appliedParamsOK[id] = true
	}
}

func (s *settings) invalidateParams() {
	for i := range s.appliedParamsOK {
		s.appliedParamsOK[i] = false
	}
}
