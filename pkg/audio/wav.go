package audio

import (
	"bytes"
	"encoding/binary"
	"time"
)

// Format describes interleaved little-endian PCM.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// Mono16 is 16-bit mono PCM at rate.
func Mono16(rate int) Format {
	return Format{SampleRate: rate, Channels: 1, BitsPerSample: 16}
}

func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

func (f Format) blockAlign() int {
	return f.Channels * f.BitsPerSample / 8
}

// Duration is the playback time of n bytes.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Bytes is the length of d worth of audio, rounded down to whole frames.
func (f Format) Bytes(d time.Duration) int {
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	if a := f.blockAlign(); a > 0 {
		n -= n % a
	}
	return n
}

// Wav wraps pcm in a canonical 44-byte RIFF header.
func (f Format) Wav(pcm []byte) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(f.Channels))
	binary.Write(buf, binary.LittleEndian, uint32(f.SampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(f.BytesPerSecond()))
	binary.Write(buf, binary.LittleEndian, uint16(f.blockAlign()))
	binary.Write(buf, binary.LittleEndian, uint16(f.BitsPerSample))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// NewWavBuffer wraps 16-bit mono pcm in a WAV header.
func NewWavBuffer(pcm []byte, sampleRate int) []byte {
	return Mono16(sampleRate).Wav(pcm)
}
