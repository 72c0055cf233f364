package bridge

import (
	"io"
	"log/slog"
	"testing"

	"github.com/voxlabs/voxbridge/internal/engine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestApplySkipsCleanSettings(t *testing.T) {
	eng := engine.NewMock(engine.MockConfig{})
	s := &settings{}
	s.apply(eng, testLogger())
	if got := len(eng.VoiceParamWrites()); got != 0 {
		t.Fatalf("apply with nothing dirty made %d writes", got)
	}
}

func TestApplyWritesOncePerDirtyParam(t *testing.T) {
	eng := engine.NewMock(engine.MockConfig{})
	s := &settings{}
	s.params[3].set(50)
	s.params[3].set(50)
	s.apply(eng, testLogger())
	writes := eng.VoiceParamWrites()
	if len(writes) != 1 || writes[0] != (engine.ParamWrite{ID: 3, Value: 50}) {
		t.Fatalf("writes %v, want a single {3 50}", writes)
	}
	// Same value again: equal to last applied, no engine call.
	s.params[3].set(50)
	s.apply(eng, testLogger())
	if got := len(eng.VoiceParamWrites()); got != 1 {
		t.Fatalf("redundant value reached the engine, %d writes", got)
	}
	// A real change writes again.
	s.params[3].set(60)
	s.apply(eng, testLogger())
	if got := len(eng.VoiceParamWrites()); got != 2 {
		t.Fatalf("changed value skipped, %d writes", got)
	}
}

func TestApplyOrderVoiceVariantParams(t *testing.T) {
	eng := engine.NewMock(engine.MockConfig{})
	s := &settings{}
	s.params[1].set(80)
	s.variant.set(4)
	s.voice.set(2)
	s.apply(eng, testLogger())
	if writes := eng.ParamWrites(); len(writes) != 1 || writes[0] != (engine.ParamWrite{ID: engine.ParamVoice, Value: 2}) {
		t.Fatalf("voice selection writes %v", writes)
	}
	if copies := eng.CopyVoices(); len(copies) != 1 || copies[0] != 4 {
		t.Fatalf("variant copies %v", copies)
	}
	if writes := eng.VoiceParamWrites(); len(writes) != 1 || writes[0] != (engine.ParamWrite{ID: 1, Value: 80}) {
		t.Fatalf("numeric writes %v", writes)
	}
}

func TestVariantChangeInvalidatesAppliedParams(t *testing.T) {
	eng := engine.NewMock(engine.MockConfig{})
	s := &settings{}
	s.params[1].set(80)
	s.apply(eng, testLogger())
	s.variant.set(5)
	s.apply(eng, testLogger())
	// The copy reset the engine's numeric params, so re-sending the same
	// value must reach the engine again.
	s.params[1].set(80)
	s.apply(eng, testLogger())
	if got := len(eng.VoiceParamWrites()); got != 2 {
		t.Fatalf("%d numeric writes after variant change, want 2", got)
	}
}

func TestRejectedParamKeepsAppliedCache(t *testing.T) {
	eng := engine.NewMock(engine.MockConfig{RejectVoiceParams: map[int]bool{2: true}})
	s := &settings{}
	s.params[2].set(40)
	s.apply(eng, testLogger())
	if got := len(eng.VoiceParamWrites()); got != 0 {
		t.Fatalf("rejected write recorded: %d", got)
	}
	// Not retried until set again.
	s.apply(eng, testLogger())
	s.params[2].set(40)
	s.apply(eng, testLogger())
	if got := len(eng.VoiceParamWrites()); got != 0 {
		t.Fatalf("rejected writes recorded: %d", got)
	}
}

func TestSeedPrimesAppliedValues(t *testing.T) {
	eng := engine.NewMock(engine.MockConfig{})
	s := &settings{}
	s.seed(engine.Info{Voice: 3, Params: map[int]int{1: 100, 6: 50}})
	if got := s.params[1].peek(); got != 100 {
		t.Fatalf("seeded param 1 reads %d", got)
	}
	// Setting the seeded value dirty must not reach the engine.
	s.params[1].set(100)
	s.voice.set(3)
	s.apply(eng, testLogger())
	if got := len(eng.VoiceParamWrites()) + len(eng.ParamWrites()); got != 0 {
		t.Fatalf("seeded values re-applied: %d writes", got)
	}
}

func TestSanitizeText(t *testing.T) {
	cases := []struct {
		in      string
		variant engine.Variant
		want    string
	}{
		{"hello world", engine.VariantBuffered, "hello world"},
		{"a(b)[c]{d}", engine.VariantBuffered, "a b  c  d "},
		{"vol `vs90 up", engine.VariantBuffered, "vol `vs90 up"},
		{"vol `vs90 up", engine.VariantTapped, "vol  vs90 up"},
		{"(){}[]`", engine.VariantTapped, "       "},
		{"", engine.VariantBuffered, ""},
	}
	for _, tc := range cases {
		if got := sanitizeText(tc.in, tc.variant); got != tc.want {
			t.Fatalf("sanitize %q variant %v = %q, want %q", tc.in, tc.variant, got, tc.want)
		}
	}
}
