package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// maxWAVRate is the highest sample rate DecodeWAV accepts.
const maxWAVRate = 768000

// ErrUnsupportedWAV is returned for WAV files other than PCM16 or with an
// unusable sample rate.
var ErrUnsupportedWAV = errors.New("unsupported wav format")

// EncodeWAV wraps a mono frame in a canonical 44-byte RIFF header.
func EncodeWAV(f Frame) []byte {
	pcm := f.Bytes()
	buf := new(bytes.Buffer)

	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))             // chunk size
	_ = binary.Write(buf, binary.LittleEndian, uint16(1))              // PCM
	_ = binary.Write(buf, binary.LittleEndian, uint16(1))              // mono
	_ = binary.Write(buf, binary.LittleEndian, uint32(f.SampleRate))   // sample rate
	_ = binary.Write(buf, binary.LittleEndian, uint32(f.SampleRate*2)) // byte rate
	_ = binary.Write(buf, binary.LittleEndian, uint16(2))              // block align
	_ = binary.Write(buf, binary.LittleEndian, uint16(16))             // bits per sample

	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// WriteWAV writes a mono PCM16 WAV file.
func WriteWAV(path string, f Frame) error {
	if err := os.WriteFile(path, EncodeWAV(f), 0o644); err != nil {
		return fmt.Errorf("write wav %s: %w", path, err)
	}
	return nil
}

// ReadWAV reads a PCM16 WAV file. Multi-channel input is downmixed to mono.
func ReadWAV(path string) (Frame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Frame{}, fmt.Errorf("read wav %s: %w", path, err)
	}
	f, err := DecodeWAV(bytes.NewReader(data))
	if err != nil {
		return Frame{}, fmt.Errorf("decode wav %s: %w", path, err)
	}
	return f, nil
}

// DecodeWAV parses a RIFF/WAVE stream, skipping unknown chunks.
func DecodeWAV(r io.Reader) (Frame, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return Frame{}, err
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return Frame{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrUnsupportedWAV)
	}

	var (
		channels   uint16
		sampleRate uint32
		bits       uint16
		haveFmt    bool
	)
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return Frame{}, fmt.Errorf("%w: no data chunk", ErrUnsupportedWAV)
			}
			return Frame{}, err
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])
		body := make([]byte, size+size%2) // Chunks are word aligned
		if _, err := io.ReadFull(r, body); err != nil && !(id == "data" && errors.Is(err, io.ErrUnexpectedEOF)) {
			return Frame{}, err
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return Frame{}, fmt.Errorf("%w: short fmt chunk", ErrUnsupportedWAV)
			}
			format := binary.LittleEndian.Uint16(body[0:2])
			channels = binary.LittleEndian.Uint16(body[2:4])
			sampleRate = binary.LittleEndian.Uint32(body[4:8])
			bits = binary.LittleEndian.Uint16(body[14:16])
			if format != 1 || bits != 16 || channels == 0 {
				return Frame{}, fmt.Errorf("%w: format=%d bits=%d channels=%d", ErrUnsupportedWAV, format, bits, channels)
			}
			if sampleRate == 0 || sampleRate > maxWAVRate {
				return Frame{}, fmt.Errorf("%w: sample rate %d", ErrUnsupportedWAV, sampleRate)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return Frame{}, fmt.Errorf("%w: data before fmt", ErrUnsupportedWAV)
			}
			pcm := body[:size-size%(2*uint32(channels))]
			return downmix(pcm, int(channels), int(sampleRate)), nil
		}
	}
}

func downmix(pcm []byte, channels, sampleRate int) Frame {
	frames := len(pcm) / (2 * channels)
	out := make([]int16, frames)
	for i := range out {
		var sum int
		for c := 0; c < channels; c++ {
			sum += int(int16(binary.LittleEndian.Uint16(pcm[(i*channels+c)*2:])))
		}
		out[i] = int16(sum / channels)
	}
	return Frame{Samples: out, SampleRate: sampleRate}
}
