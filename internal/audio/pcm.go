package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	// BytesPerSample is fixed for PCM16LE mono, the only format on the wire.
	BytesPerSample = 2

	// CaptureSampleRate is the microphone capture rate the upstream expects.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate of model audio fragments.
	PlaybackSampleRate = 24000
)

// Duration returns the playback time of a PCM16LE mono byte slice.
func Duration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 || len(pcm) < BytesPerSample {
		return 0
	}
	samples := len(pcm) / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// RMSAmplitude computes the normalized root-mean-square amplitude of a
// PCM16LE mono buffer in [0,1]. This is the scalar the avatar driver uses
// for mouth animation.
func RMSAmplitude(pcm []byte) float64 {
	samples := len(pcm) / BytesPerSample
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < samples; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(samples))
}

// FrameSplitter cuts an incoming PCM16LE byte stream into fixed-size frames,
// carrying any remainder into the next Push. Frames come out in arrival
// order; nothing is dropped.
type FrameSplitter struct {
	frameBytes int
	pending    []byte
}

// NewFrameSplitter builds a splitter emitting frames of frameMS milliseconds
// at the given sample rate. Frame size is clamped to whole samples.
func NewFrameSplitter(sampleRate, frameMS int) *FrameSplitter {
	if sampleRate <= 0 {
		sampleRate = CaptureSampleRate
	}
	if frameMS <= 0 {
		frameMS = 20
	}
	n := sampleRate * BytesPerSample * frameMS / 1000
	if n < BytesPerSample {
		n = BytesPerSample
	}
	if n%BytesPerSample != 0 {
		n -= n % BytesPerSample
	}
	return &FrameSplitter{frameBytes: n}
}

// FrameBytes reports the size of emitted frames in bytes.
func (f *FrameSplitter) FrameBytes() int { return f.frameBytes }

// Push appends data and returns every complete frame now available.
func (f *FrameSplitter) Push(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	f.pending = append(f.pending, data...)
	var frames [][]byte
	for len(f.pending) >= f.frameBytes {
		frame := make([]byte, f.frameBytes)
		copy(frame, f.pending[:f.frameBytes])
		frames = append(frames, frame)
		f.pending = f.pending[f.frameBytes:]
	}
	return frames
}

// Flush returns the buffered remainder, padded is false: the caller gets the
// partial frame as-is (trimmed to whole samples) and the splitter resets.
func (f *FrameSplitter) Flush() []byte {
	if len(f.pending) < BytesPerSample {
		f.pending = nil
		return nil
	}
	n := len(f.pending) - len(f.pending)%BytesPerSample
	out := make([]byte, n)
	copy(out, f.pending[:n])
	f.pending = nil
	return out
}

// SineTone generates amp-scaled PCM16LE mono test audio. Used by the probe
// tool and tests; amp is clamped to [0,1].
func SineTone(freqHz, sampleRate int, d time.Duration, amp float64) []byte {
	if freqHz <= 0 || sampleRate <= 0 || d <= 0 {
		return nil
	}
	if amp <= 0 {
		amp = 0.2
	}
	if amp > 1 {
		amp = 1
	}
	samples := int(float64(sampleRate) * d.Seconds())
	if samples <= 0 {
		samples = 1
	}
	out := make([]byte, samples*BytesPerSample)
	for i := 0; i < samples; i++ {
		t := float64(i) / float64(sampleRate)
		v := amp * math.Sin(2*math.Pi*float64(freqHz)*t)
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(int16(v*32767.0)))
	}
	return out
}
