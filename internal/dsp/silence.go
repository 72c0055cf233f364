// Package dsp holds the post-processing transforms applied to captured
// audio before it is queued: silence-run compression and constant-pitch
// time stretch. Both are exclusively owned by the synthesis worker.
package dsp

import (
	"encoding/binary"

	"github.com/voxlabs/voxbridge/internal/engine"
)

// silenceWindowMs is how much continuous silence survives compression.
const silenceWindowMs = 60

// SilenceCompressor caps runs of consecutive silent frames. The intercepted
// capture path hands over everything the engine writes to its output device,
// including multi-second true-silence blocks between phrases; the callback
// path never produces those, so the worker only installs the compressor for
// the tapped variant. The run counter persists across chunks within an
// utterance and resets on any non-silent frame.
type SilenceCompressor struct {
	format engine.Format
	cap    int
	run    int
	rem    []byte
}

func NewSilenceCompressor(format engine.Format) *SilenceCompressor {
	return &SilenceCompressor{
		format: format,
		cap:    format.SampleRate * silenceWindowMs / 1000,
	}
}

// Reset clears the run counter at utterance start.
func (c *SilenceCompressor) Reset() {
	c.run = 0
	c.rem = c.rem[:0]
}

// Compress returns pcm with over-cap silent frames removed. Partial trailing
// frames are carried into the next call.
func (c *SilenceCompressor) Compress(pcm []byte) []byte {
	frameSize := c.format.BytesPerFrame()
	if frameSize <= 0 {
		return pcm
	}
	if len(c.rem) > 0 {
		joined := make([]byte, 0, len(c.rem)+len(pcm))
		joined = append(joined, c.rem...)
		joined = append(joined, pcm...)
		c.rem = c.rem[:0]
		pcm = joined
	}
	whole := len(pcm) / frameSize * frameSize
	if whole < len(pcm) {
		c.rem = append(c.rem, pcm[whole:]...)
		pcm = pcm[:whole]
	}

	dropped := false
	var out []byte
	for off := 0; off < len(pcm); off += frameSize {
		frame := pcm[off : off+frameSize]
		if c.silentFrame(frame) {
			c.run++
			if c.run > c.cap {
				if !dropped {
					out = append(out, pcm[:off]...)
					dropped = true
				}
				continue
			}
		} else {
			c.run = 0
		}
		if dropped {
			out = append(out, frame...)
		}
	}
	if !dropped {
		return pcm
	}
	return out
}

// silentFrame reports whether every channel sample sits inside the tolerance
// band around the format's zero level.
func (c *SilenceCompressor) silentFrame(frame []byte) bool {
	switch c.format.BitsPerSample {
	case 8:
		for _, b := range frame {
			if b < 124 || b > 132 {
				return false
			}
		}
		return true
	case 16:
		for off := 0; off+1 < len(frame); off += 2 {
			s := int16(binary.LittleEndian.Uint16(frame[off:]))
			if s < -128 || s > 128 {
				return false
			}
		}
		return true
	}
	return false
}
