package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"time"
)

const (
	MIMEWAV  = "audio/wav"
	MIMEMPEG = "audio/mpeg"
	MIMEPCM  = "audio/L16"

	wavHeaderSize = 44
)

var ErrNotWAV = errors.New("audio: not a PCM WAV stream")

// WAVEncoder collects mono samples and renders a 16-bit PCM WAV file.
type WAVEncoder struct {
	rate int
	pcm  []int16
}

// NewWAVEncoder returns an encoder for mono audio at rate Hz.
func NewWAVEncoder(rate int) *WAVEncoder {
	return &WAVEncoder{rate: rate}
}

func (e *WAVEncoder) Write(samples []float32) {
	for _, s := range samples {
		e.pcm = append(e.pcm, floatToPCM(s))
	}
}

func (e *WAVEncoder) Samples() int { return len(e.pcm) }

func (e *WAVEncoder) MIME() string { return MIMEWAV }

// Duration of the samples written so far.
func (e *WAVEncoder) Duration() time.Duration {
	if e.rate <= 0 {
		return 0
	}
	return time.Duration(len(e.pcm)) * time.Second / time.Duration(e.rate)
}

// Bytes renders the WAV file. An encoder with no samples returns nil.
func (e *WAVEncoder) Bytes() []byte {
	if len(e.pcm) == 0 {
		return nil
	}
	dataLen := uint32(len(e.pcm) * 2)
	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+int(dataLen)))
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(buf, binary.LittleEndian, uint16(1)) // mono
	_ = binary.Write(buf, binary.LittleEndian, uint32(e.rate))
	_ = binary.Write(buf, binary.LittleEndian, uint32(e.rate*2))
	_ = binary.Write(buf, binary.LittleEndian, uint16(2))
	_ = binary.Write(buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, dataLen)
	_ = binary.Write(buf, binary.LittleEndian, e.pcm)
	return buf.Bytes()
}

// PCM is a decoded 16-bit stream.
type PCM struct {
	Rate     int
	Channels int
	Samples  []int16
}

// Float32 converts interleaved samples to [-1, 1].
func (p PCM) Float32() []float32 {
	out := make([]float32, len(p.Samples))
	for i, s := range p.Samples {
		out[i] = float32(s) / 32768
	}
	return out
}

// DecodeWAV parses a canonical or chunked 16-bit PCM WAV file.
func DecodeWAV(data []byte) (PCM, error) {
	r := bytes.NewReader(data)
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil || string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return PCM{}, ErrNotWAV
	}
	var out PCM
	var haveFmt bool
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return PCM{}, ErrNotWAV
		}
		size := binary.LittleEndian.Uint32(hdr[4:8])
		switch string(hdr[0:4]) {
		case "fmt ":
			fmtChunk := make([]byte, size)
			if _, err := io.ReadFull(r, fmtChunk); err != nil || size < 16 {
				return PCM{}, ErrNotWAV
			}
			if binary.LittleEndian.Uint16(fmtChunk[0:2]) != 1 || binary.LittleEndian.Uint16(fmtChunk[14:16]) != 16 {
				return PCM{}, ErrNotWAV
			}
			out.Channels = int(binary.LittleEndian.Uint16(fmtChunk[2:4]))
			out.Rate = int(binary.LittleEndian.Uint32(fmtChunk[4:8]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return PCM{}, ErrNotWAV
			}
			n := min(int(size), r.Len()) / 2
			out.Samples = make([]int16, n)
			if err := binary.Read(r, binary.LittleEndian, out.Samples); err != nil {
				return PCM{}, ErrNotWAV
			}
			return out, nil
		default:
			if _, err := r.Seek(int64(size+size%2), io.SeekCurrent); err != nil {
				return PCM{}, ErrNotWAV
			}
		}
	}
}

func floatToPCM(s float32) int16 {
	v := math.Round(float64(s) * 32767)
	return int16(max(-32768, min(32767, v)))
}
