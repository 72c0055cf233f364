package dsp

import (
	"encoding/binary"

	"github.com/voxlabs/voxbridge/internal/engine"
)

// Pitch period search bounds in Hz, and the rate the coarse search is
// downsampled to before refining at full resolution.
const (
	minPitch = 65
	maxPitch = 400
	amdfFreq = 4000
)

// Speed multiplier bounds.
const (
	MinSpeed = 1.0
	MaxSpeed = 6.0
)

// Stretcher speeds audio up without raising pitch. It finds the dominant
// pitch period, drops whole periods and crossfades the seams. Input is
// buffered until at least two maximum periods are available, so Process may
// return nothing while the buffer fills; Flush drains the remainder at end
// of utterance.
type Stretcher struct {
	sampleRate int
	channels   int
	bits       int
	speed      float64

	minPeriod   int
	maxPeriod   int
	maxRequired int

	input  []int16
	output []int16
	down   []int16

	remainingInputToCopy int
	prevPeriod           int
	prevMinDiff          int
}

func NewStretcher(format engine.Format, speed float64) *Stretcher {
	s := &Stretcher{
		sampleRate: format.SampleRate,
		channels:   format.Channels,
		bits:       format.BitsPerSample,
		minPeriod:  format.SampleRate / maxPitch,
		maxPeriod:  format.SampleRate / minPitch,
	}
	s.maxRequired = 2 * s.maxPeriod
	s.SetSpeed(speed)
	return s
}

// SetSpeed changes the multiplier in place; buffered stream state is kept.
func (s *Stretcher) SetSpeed(speed float64) {
	if speed < MinSpeed {
		speed = MinSpeed
	}
	if speed > MaxSpeed {
		speed = MaxSpeed
	}
	s.speed = speed
}

func (s *Stretcher) Speed() float64 { return s.speed }

// Process feeds one chunk in and returns whatever output is ready, possibly
// nothing.
func (s *Stretcher) Process(pcm []byte) []byte {
	s.writeInput(pcm)
	s.processInput()
	return s.drainOutput()
}

// Flush pads the stream with silence to push the tail through the pitch
// window, trims the padding's contribution back off and resets stream state.
func (s *Stretcher) Flush() []byte {
	frames := len(s.input) / s.channels
	expected := len(s.output)/s.channels + int(float64(frames)/s.speed+0.5)
	pad := make([]int16, 2*s.maxRequired*s.channels)
	s.input = append(s.input, pad...)
	s.processInput()
	if len(s.output) > expected*s.channels {
		s.output = s.output[:expected*s.channels]
	}
	s.input = s.input[:0]
	s.remainingInputToCopy = 0
	s.prevPeriod = 0
	s.prevMinDiff = 0
	return s.drainOutput()
}

func (s *Stretcher) processInput() {
	if s.speed > 1.001 {
		s.changeSpeed()
		return
	}
	s.output = append(s.output, s.input...)
	s.input = s.input[:0]
}

func (s *Stretcher) changeSpeed() {
	frames := len(s.input) / s.channels
	if frames < s.maxRequired {
		return
	}
	pos := 0
	for frames-pos >= s.maxRequired {
		if s.remainingInputToCopy > 0 {
			n := s.remainingInputToCopy
			if n > s.maxRequired {
				n = s.maxRequired
			}
			s.output = append(s.output, s.input[pos*s.channels:(pos+n)*s.channels]...)
			s.remainingInputToCopy -= n
			pos += n
			continue
		}
		period := s.findPitchPeriod(pos)
		var newSamples int
		if s.speed >= 2.0 {
			newSamples = int(float64(period) / (s.speed - 1.0))
		} else {
			newSamples = period
			s.remainingInputToCopy = int(float64(period) * (2.0 - s.speed) / (s.speed - 1.0))
		}
		s.overlapAdd(pos, period, newSamples)
		pos += period + newSamples
	}
	s.input = s.input[:copy(s.input, s.input[pos*s.channels:])]
}

// overlapAdd emits newSamples frames crossfading the period starting at pos
// into the one after it.
func (s *Stretcher) overlapAdd(pos, period, numSamples int) {
	if numSamples <= 0 {
		return
	}
	base := len(s.output)
	s.output = append(s.output, make([]int16, numSamples*s.channels)...)
	for ch := 0; ch < s.channels; ch++ {
		o := base + ch
		d := pos*s.channels + ch
		u := (pos+period)*s.channels + ch
		for t := 0; t < numSamples; t++ {
			down := int(s.input[d])
			up := int(s.input[u])
			s.output[o] = int16((down*(numSamples-t) + up*t) / numSamples)
			o += s.channels
			d += s.channels
			u += s.channels
		}
	}
}

// findPitchPeriod runs an AMDF search over [minPeriod, maxPeriod] at a
// reduced rate, refines near the coarse match at full rate, then falls back
// to the previous period when this window's match looks unreliable.
func (s *Stretcher) findPitchPeriod(pos int) int {
	var period, minDiff, maxDiff int
	if s.sampleRate > amdfFreq {
		skip := s.sampleRate / amdfFreq
		s.downsample(pos, skip)
		period, minDiff, maxDiff = findPeriodInRange(s.down, s.minPeriod/skip, s.maxPeriod/skip)
		if period > 0 {
			period *= skip
			minP := period - skip*4
			maxP := period + skip*4
			if minP < s.minPeriod {
				minP = s.minPeriod
			}
			if maxP > s.maxPeriod {
				maxP = s.maxPeriod
			}
			s.downsample(pos, 1)
			period, minDiff, maxDiff = findPeriodInRange(s.down, minP, maxP)
		}
	} else {
		s.downsample(pos, 1)
		period, minDiff, maxDiff = findPeriodInRange(s.down, s.minPeriod, s.maxPeriod)
	}
	ret := period
	if s.prevPeriodBetter(minDiff, maxDiff) {
		ret = s.prevPeriod
	}
	s.prevMinDiff = minDiff
	s.prevPeriod = period
	return ret
}

// downsample mixes channels to mono and averages skip-sized groups into the
// scratch buffer.
func (s *Stretcher) downsample(pos, skip int) {
	frames := s.maxRequired / skip
	group := s.channels * skip
	s.down = s.down[:0]
	for i := 0; i < frames; i++ {
		sum := 0
		base := (pos + i*skip) * s.channels
		for j := 0; j < group; j++ {
			sum += int(s.input[base+j])
		}
		s.down = append(s.down, int16(sum/group))
	}
}

func findPeriodInRange(samples []int16, minPeriod, maxPeriod int) (best, minDiff, maxDiff int) {
	if minPeriod < 1 {
		minPeriod = 1
	}
	if maxPeriod*2 > len(samples) {
		maxPeriod = len(samples) / 2
	}
	bestPeriod := 0
	worstPeriod := 255
	var minD, maxD uint64 = 1, 0
	for period := minPeriod; period <= maxPeriod; period++ {
		var diff uint64
		for i := 0; i < period; i++ {
			d := int(samples[i]) - int(samples[period+i])
			if d < 0 {
				d = -d
			}
			diff += uint64(d)
		}
		if bestPeriod == 0 || diff*uint64(bestPeriod) < minD*uint64(period) {
			minD = diff
			bestPeriod = period
		}
		if diff*uint64(worstPeriod) > maxD*uint64(period) {
			maxD = diff
			worstPeriod = period
		}
	}
	if bestPeriod == 0 {
		return 0, 0, 0
	}
	return bestPeriod, int(minD / uint64(bestPeriod)), int(maxD / uint64(worstPeriod))
}

// prevPeriodBetter is the quality heuristic: a clean match this window wins,
// otherwise stick with the previous period.
func (s *Stretcher) prevPeriodBetter(minDiff, maxDiff int) bool {
	if minDiff == 0 || s.prevPeriod == 0 {
		return false
	}
	if maxDiff > minDiff*3 {
		return false
	}
	if minDiff*2 <= s.prevMinDiff*3 {
		return false
	}
	return true
}

func (s *Stretcher) writeInput(pcm []byte) {
	switch s.bits {
	case 8:
		for _, b := range pcm {
			s.input = append(s.input, int16(int(b)-128)<<8)
		}
	default:
		for off := 0; off+1 < len(pcm); off += 2 {
			s.input = append(s.input, int16(binary.LittleEndian.Uint16(pcm[off:])))
		}
	}
}

func (s *Stretcher) drainOutput() []byte {
	if len(s.output) == 0 {
		return nil
	}
	var out []byte
	switch s.bits {
	case 8:
		out = make([]byte, len(s.output))
		for i, v := range s.output {
			out[i] = byte(int(v>>8) + 128)
		}
	default:
		out = make([]byte, 2*len(s.output))
		for i, v := range s.output {
			binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
		}
	}
	s.output = s.output[:0]
	return out
}
