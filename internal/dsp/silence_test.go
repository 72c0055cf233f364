package dsp

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/voxlabs/voxbridge/internal/engine"
)

var mono16 = engine.Format{SampleRate: 11025, BitsPerSample: 16, Channels: 1}

func frames16(vals ...int) []byte {
	out := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v)))
	}
	return out
}

func TestCompressCapsSilentRun(t *testing.T) {
	c := NewSilenceCompressor(mono16)
	limit := mono16.SampleRate * 60 / 1000
	vals := make([]int, limit+500)
	vals = append(vals, 3000)
	out := c.Compress(frames16(vals...))
	if got, want := len(out)/2, limit+1; got != want {
		t.Fatalf("kept %d frames, want %d", got, want)
	}
	last := int16(binary.LittleEndian.Uint16(out[len(out)-2:]))
	if last != 3000 {
		t.Fatalf("non-silent frame dropped, tail sample %d", last)
	}
}

func TestCompressRunPersistsAcrossChunks(t *testing.T) {
	c := NewSilenceCompressor(mono16)
	limit := mono16.SampleRate * 60 / 1000
	half := make([]int, 400)
	out1 := c.Compress(frames16(half...))
	out2 := c.Compress(frames16(half...))
	if got := (len(out1) + len(out2)) / 2; got != limit {
		t.Fatalf("kept %d silent frames across chunks, want %d", got, limit)
	}
}

func TestCompressResetsOnSound(t *testing.T) {
	c := NewSilenceCompressor(mono16)
	vals := make([]int, 0, 601)
	for i := 0; i < 300; i++ {
		vals = append(vals, 0)
	}
	vals = append(vals, 5000)
	for i := 0; i < 300; i++ {
		vals = append(vals, 0)
	}
	in := frames16(vals...)
	out := c.Compress(in)
	if !bytes.Equal(out, in) {
		t.Fatalf("sub-cap runs were compressed: %d frames in, %d out", len(in)/2, len(out)/2)
	}
}

func TestResetClearsRun(t *testing.T) {
	c := NewSilenceCompressor(mono16)
	limit := mono16.SampleRate * 60 / 1000
	c.Compress(frames16(make([]int, limit)...))
	c.Reset()
	out := c.Compress(frames16(make([]int, 10)...))
	if len(out)/2 != 10 {
		t.Fatalf("run counter survived Reset, kept %d of 10 frames", len(out)/2)
	}
}

func TestSilentFrameTolerance16(t *testing.T) {
	c := NewSilenceCompressor(mono16)
	for _, v := range []int{0, 128, -128, 5} {
		if !c.silentFrame(frames16(v)) {
			t.Fatalf("sample %d should be silent", v)
		}
	}
	for _, v := range []int{129, -129, 3000} {
		if c.silentFrame(frames16(v)) {
			t.Fatalf("sample %d should not be silent", v)
		}
	}
}

func TestSilentFrameTolerance8(t *testing.T) {
	c := NewSilenceCompressor(engine.Format{SampleRate: 11025, BitsPerSample: 8, Channels: 1})
	for _, b := range []byte{124, 128, 132} {
		if !c.silentFrame([]byte{b}) {
			t.Fatalf("sample %d should be silent", b)
		}
	}
	for _, b := range []byte{123, 133, 0, 255} {
		if c.silentFrame([]byte{b}) {
			t.Fatalf("sample %d should not be silent", b)
		}
	}
}

func TestCompressCarriesPartialFrames(t *testing.T) {
	c := NewSilenceCompressor(mono16)
	want := frames16(5000)
	out := c.Compress(want[:1])
	if len(out) != 0 {
		t.Fatalf("partial frame emitted early: %d bytes", len(out))
	}
	out = c.Compress(want[1:])
	if !bytes.Equal(out, want) {
		t.Fatalf("reassembled frame %v, want %v", out, want)
	}
}

func TestStereoFrameSilentOnlyWhenAllChannelsAre(t *testing.T) {
	c := NewSilenceCompressor(engine.Format{SampleRate: 11025, BitsPerSample: 16, Channels: 2})
	if c.silentFrame(frames16(0, 900)) {
		t.Fatal("frame with one loud channel classified silent")
	}
	if !c.silentFrame(frames16(30, -30)) {
		t.Fatal("quiet stereo frame classified non-silent")
	}
}
