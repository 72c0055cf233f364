package speech

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/voxlabs/voxbridge/internal/engine"
)

// capture accumulates one utterance's PCM and writes it out as a WAV file
// when the utterance completes. Debug aid, enabled by speech.capture_dir.
type capture struct {
	dir string
	log *slog.Logger

	mu  sync.Mutex
	gen uint32
	buf []byte
}

func newCapture(dir string, log *slog.Logger) *capture {
	return &capture{dir: dir, log: log}
}

func (c *capture) Append(gen uint32, pcm []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		c.gen = gen
		c.buf = c.buf[:0]
	}
	c.buf = append(c.buf, pcm...)
}

func (c *capture) Discard() {
	c.mu.Lock()
	c.buf = c.buf[:0]
	c.mu.Unlock()
}

func (c *capture) Finish(gen uint32, format engine.Format) {
	c.mu.Lock()
	if gen != c.gen || len(c.buf) == 0 {
		c.mu.Unlock()
		return
	}
	pcm := append([]byte(nil), c.buf...)
	c.buf = c.buf[:0]
	c.mu.Unlock()

	name := fmt.Sprintf("utt-%d-%d.wav", gen, time.Now().Unix())
	path := filepath.Join(c.dir, name)
	if err := writePCMToWav(path, pcm, format); err != nil {
		c.log.Warn("audio capture failed", slog.String("path", path), slogError(err))
		return
	}
	c.log.Debug("captured utterance audio", slog.String("path", path), slog.Int("bytes", len(pcm)))
}

func writePCMToWav(path string, pcm []byte, format engine.Format) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create capture dir: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create capture file: %w", err)
	}
	defer file.Close()

	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate}}
	switch format.BitsPerSample {
	case 16:
		if len(pcm)%2 != 0 {
			return fmt.Errorf("pcm payload not aligned")
		}
		samples := make([]int, len(pcm)/2)
		for i := 0; i < len(samples); i++ {
			samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		}
		buffer.Data = samples
	case 8:
		samples := make([]int, len(pcm))
		for i, b := range pcm {
			samples[i] = int(b)
		}
		buffer.Data = samples
	default:
		return fmt.Errorf("unsupported bit depth %d", format.BitsPerSample)
	}

	enc := wav.NewEncoder(file, format.SampleRate, format.BitsPerSample, format.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
