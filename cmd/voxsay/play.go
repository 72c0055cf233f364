package main

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gordonklaus/portaudio"

	"github.com/voxlabs/voxbridge/internal/protocol"
)

const playbackFrames = 1024

// playPCM blocks until the whole clip has been written to the default
// output device.
func playPCM(pcm []byte, info protocol.FormatInfo) error {
	if len(pcm) == 0 {
		return nil
	}
	rate := info.SampleRate
	if rate <= 0 {
		rate = 11025
	}
	channels := info.Channels
	if channels <= 0 {
		channels = 1
	}
	samples := toSamples(pcm, info.Bits)

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("init portaudio: %w", err)
	}
	defer portaudio.Terminate()

	buffer := make([]int16, playbackFrames*channels)
	stream, err := portaudio.OpenDefaultStream(0, channels, float64(rate), playbackFrames, buffer)
	if err != nil {
		return fmt.Errorf("open output stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("start output stream: %w", err)
	}
	defer stream.Stop()

	for off := 0; off < len(samples); off += len(buffer) {
		n := copy(buffer, samples[off:])
		for i := n; i < len(buffer); i++ {
			buffer[i] = 0
		}
		if err := stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			return fmt.Errorf("write to output stream: %w", err)
		}
	}
	return nil
}

// toSamples widens 8-bit unsigned or 16-bit little-endian PCM to int16.
func toSamples(pcm []byte, bits int) []int16 {
	if bits == 8 {
		samples := make([]int16, len(pcm))
		for i, b := range pcm {
			samples[i] = (int16(b) - 128) << 8
		}
		return samples
	}
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return samples
}
