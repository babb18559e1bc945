package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

func TestEncodeDecodeWAVRoundTrip(t *testing.T) {
	pcm := SineTone(440, 24000, 50*time.Millisecond, 0.5)
	wav, err := EncodeWAV(pcm, 24000)
	if err != nil {
		t.Fatalf("EncodeWAV() error = %v", err)
	}
	if !bytes.HasPrefix(wav, []byte("RIFF")) {
		t.Fatalf("wav missing RIFF header")
	}

	got, rate, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if rate != 24000 {
		t.Fatalf("sample rate = %d, want 24000", rate)
	}
	if !bytes.Equal(got, pcm) {
		t.Fatalf("decoded PCM differs from input (%d vs %d bytes)", len(got), len(pcm))
	}
}

func TestDecodeWAVDownmixesStereo(t *testing.T) {
	// Hand-build a 2-channel WAV with left=1000, right=3000 for 4 frames.
	frames := 4
	pcm := make([]byte, frames*4)
	for i := 0; i < frames; i++ {
		binary.LittleEndian.PutUint16(pcm[i*4:], uint16(int16(1000)))
		binary.LittleEndian.PutUint16(pcm[i*4+2:], uint16(int16(3000)))
	}
	wav := buildWAV(t, pcm, 16000, 2)

	mono, rate, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if rate != 16000 {
		t.Fatalf("sample rate = %d, want 16000", rate)
	}
	if len(mono) != frames*2 {
		t.Fatalf("mono bytes = %d, want %d", len(mono), frames*2)
	}
	for i := 0; i < frames; i++ {
		s := int16(binary.LittleEndian.Uint16(mono[i*2:]))
		if s != 2000 {
			t.Fatalf("frame %d downmix = %d, want 2000", i, s)
		}
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("short"),
		[]byte("RIFFxxxxNOPEdataxxxx"),
	}
	for i, data := range cases {
		if _, _, err := DecodeWAV(data); err == nil {
			t.Fatalf("case %d: DecodeWAV() should fail", i)
		}
	}
}

func buildWAV(t *testing.T, pcm []byte, sampleRate int, channels uint16) []byte {
	t.Helper()
	var buf bytes.Buffer
	dataSize := uint32(len(pcm))
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36)+dataSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, channels)
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate)*uint32(channels)*2)
	binary.Write(&buf, binary.LittleEndian, channels*2)
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataSize)
	buf.Write(pcm)
	return buf.Bytes()
}
