package dsp

import (
	"bytes"
	"math"
	"testing"

	"github.com/voxlabs/voxbridge/internal/engine"
)

func sine16(hz, frames int) []byte {
	vals := make([]int, frames)
	for i := range vals {
		vals[i] = int(8000 * math.Sin(2*math.Pi*float64(hz)*float64(i)/float64(mono16.SampleRate)))
	}
	return frames16(vals...)
}

func TestUnitSpeedPassThrough(t *testing.T) {
	s := NewStretcher(mono16, 1.0)
	in := sine16(200, 500)
	out := s.Process(in)
	if !bytes.Equal(out, in) {
		t.Fatalf("unit speed altered audio: %d bytes in, %d out", len(in), len(out))
	}
	if tail := s.Flush(); len(tail) != 0 {
		t.Fatalf("unit speed flush produced %d bytes", len(tail))
	}
}

func TestDoubleSpeedHalvesFrames(t *testing.T) {
	s := NewStretcher(mono16, 2.0)
	in := sine16(200, 300)
	if out := s.Process(in); len(out) != 0 {
		t.Fatalf("expected buffering below the pitch window, got %d bytes", len(out))
	}
	tail := s.Flush()
	if got, want := len(tail), 150*2; got != want {
		t.Fatalf("flush produced %d bytes, want %d", got, want)
	}
}

func TestIntermediateSpeedRatio(t *testing.T) {
	s := NewStretcher(mono16, 1.5)
	in := sine16(200, 330)
	s.Process(in)
	tail := s.Flush()
	if got, want := len(tail), 220*2; got != want {
		t.Fatalf("flush produced %d bytes, want %d", got, want)
	}
}

func TestSpeedChangeInPlace(t *testing.T) {
	s := NewStretcher(mono16, 2.0)
	in := sine16(200, 1000)
	total := len(s.Process(in))
	s.SetSpeed(4.0)
	total += len(s.Process(in))
	total += len(s.Flush())
	if total == 0 {
		t.Fatal("no output after mid-stream speed change")
	}
	if total >= 2*len(in) {
		t.Fatalf("speedup produced %d bytes from %d input bytes", total, 2*len(in))
	}
}

func TestSpeedClamped(t *testing.T) {
	s := NewStretcher(mono16, 9.0)
	if s.speed != MaxSpeed {
		t.Fatalf("speed %v, want clamp to %v", s.speed, MaxSpeed)
	}
	s.SetSpeed(0.25)
	if s.speed != MinSpeed {
		t.Fatalf("speed %v, want clamp to %v", s.speed, MinSpeed)
	}
}

func TestEightBitPassThrough(t *testing.T) {
	s := NewStretcher(engine.Format{SampleRate: 11025, BitsPerSample: 8, Channels: 1}, 1.0)
	in := []byte{128, 200, 60, 128, 255, 0}
	out := s.Process(in)
	if !bytes.Equal(out, in) {
		t.Fatalf("8-bit unit speed altered audio: %v -> %v", in, out)
	}
}

func TestFlushResetsStream(t *testing.T) {
	s := NewStretcher(mono16, 2.0)
	s.Process(sine16(200, 300))
	s.Flush()
	if tail := s.Flush(); len(tail) != 0 {
		t.Fatalf("second flush produced %d bytes", len(tail))
	}
	if out := s.Process(sine16(200, 300)); len(out) != 0 {
		t.Fatalf("stream state leaked across flush: %d bytes", len(out))
	}
}
