package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hajimehoshi/go-mp3"
	"github.com/rs/zerolog/log"
)

// TargetRate is the rate every decoded buffer is converted to.
const TargetRate = 8000

var (
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrEmptyAudio        = errors.New("audio contains no samples")
)

// Buffer is decoded mono PCM16 audio, replayable from any offset.
type Buffer struct {
	Samples    []int16
	SampleRate int
}

func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate == 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// Decode turns an uploaded file into a mono 8kHz buffer.
// WAV (PCM16) and MP3 are understood; anything else is ErrUnsupportedFormat.
func Decode(data []byte) (*Buffer, error) {
	var (
		samples []int16
		rate    int
		err     error
	)
	switch {
	case isWAV(data):
		samples, rate, err = decodeWAV(data)
	case isMP3(data):
		samples, rate, err = decodeMP3(data)
	default:
		return nil, ErrUnsupportedFormat
	}
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, ErrEmptyAudio
	}
	out := resampleLinear(samples, rate, TargetRate)
	log.Debug().
		Str("module", "app.audio").
		Int("source_rate", rate).
		Int("samples", len(out)).
		Msg("decoded audio")
	return &Buffer{Samples: out, SampleRate: TargetRate}, nil
}

func isWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

func isMP3(data []byte) bool {
	if len(data) >= 3 && string(data[0:3]) == "ID3" {
		return true
	}
	return len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0
}

func decodeWAV(data []byte) ([]int16, int, error) {
	pos := 12
	var (
		format, channels, bits int
		rate                   int
		pcm                    []byte
		haveFmt                bool
	)
	for pos+8 <= len(data) {
		chunkID := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		pos += 8
		if pos+size > len(data) {
			// truncated files are common; take what is there
			size = len(data) - pos
		}
		switch chunkID {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("wav: fmt chunk too small")
			}
			format = int(binary.LittleEndian.Uint16(data[pos : pos+2]))
			channels = int(binary.LittleEndian.Uint16(data[pos+2 : pos+4]))
			rate = int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
			bits = int(binary.LittleEndian.Uint16(data[pos+14 : pos+16]))
			haveFmt = true
		case "data":
			pcm = data[pos : pos+size]
		}
		pos += size
		if size%2 == 1 {
			pos++
		}
	}
	if !haveFmt {
		return nil, 0, fmt.Errorf("wav: fmt chunk not found")
	}
	if pcm == nil {
		return nil, 0, fmt.Errorf("wav: data chunk not found")
	}
	if format != 1 || bits != 16 {
		return nil, 0, fmt.Errorf("wav: only PCM16 is supported, got format %d with %d bits: %w", format, bits, ErrUnsupportedFormat)
	}
	if channels < 1 || channels > 2 || rate <= 0 {
		return nil, 0, fmt.Errorf("wav: unsupported layout %d channels at %d Hz", channels, rate)
	}
	samples := bytesToInt16(pcm)
	if channels == 2 {
		samples = downmix(samples)
	}
	return samples, rate, nil
}

func decodeMP3(data []byte) ([]int16, int, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("mp3: %w", err)
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, 0, fmt.Errorf("mp3: %w", err)
	}
	// go-mp3 always yields interleaved stereo PCM16
	return downmix(bytesToInt16(raw)), dec.SampleRate(), nil
}

func bytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2 : i*2+2]))
	}
	return out
}

func downmix(stereo []int16) []int16 {
	mono := make([]int16, len(stereo)/2)
	for i := range mono {
		mono[i] = int16((int32(stereo[2*i]) + int32(stereo[2*i+1])) / 2)
	}
	return mono
}

func resampleLinear(in []int16, from, to int) []int16 {
	if from == to || len(in) < 2 {
		return in
	}
	ratio := float64(from) / float64(to)
	n := int(float64(len(in)) / ratio)
	out := make([]int16, 0, n)
	for i := 0; i < n; i++ {
		src := float64(i) * ratio
		idx := int(src)
		if idx+1 >= len(in) {
			break
		}
		frac := src - float64(idx)
		out = append(out, int16(float64(in[idx])*(1-frac)+float64(in[idx+1])*frac))
	}
	return out
}
