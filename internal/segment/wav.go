package segment

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrBadFragment indicates a fragment that cannot be decoded. Not
// retryable: the bytes will not get better.
var ErrBadFragment = errors.New("malformed audio fragment")

func decodeWAV(data []byte) ([]int, Format, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, Format{}, fmt.Errorf("%w: not a valid wav container", ErrBadFragment)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("%w: %v", ErrBadFragment, err)
	}
	format := Format{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}
	return buf.Data, format, nil
}

func samplesFromRaw(data []byte, bitDepth int) ([]int, error) {
	width := bitDepth / 8
	if width == 0 || len(data)%width != 0 {
		return nil, fmt.Errorf("%w: %d raw bytes do not align to %d-bit samples", ErrBadFragment, len(data), bitDepth)
	}
	samples := make([]int, 0, len(data)/width)
	switch bitDepth {
	case 8:
		for _, b := range data {
			samples = append(samples, int(b))
		}
	case 16:
		for i := 0; i < len(data); i += 2 {
			samples = append(samples, int(int16(uint16(data[i])|uint16(data[i+1])<<8)))
		}
	case 24:
		for i := 0; i < len(data); i += 3 {
			v := int32(uint32(data[i]) | uint32(data[i+1])<<8 | uint32(data[i+2])<<16)
			if v&0x800000 != 0 {
				v |= ^int32(0xffffff)
			}
			samples = append(samples, int(v))
		}
	case 32:
		for i := 0; i < len(data); i += 4 {
			v := uint32(data[i]) | uint32(data[i+1])<<8 | uint32(data[i+2])<<16 | uint32(data[i+3])<<24
			samples = append(samples, int(int32(v)))
		}
	default:
		return nil, fmt.Errorf("%w: unsupported bit depth %d", ErrBadFragment, bitDepth)
	}
	return samples, nil
}

// writeWAV writes one container with exactly one header for the given
// samples and reports the resulting file size.
func writeWAV(path string, format Format, samples []int) (int64, error) {
	out, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create segment file: %w", err)
	}

	enc := wav.NewEncoder(out, format.SampleRate, format.BitDepth, format.Channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		Data:           samples,
		SourceBitDepth: format.BitDepth,
	}
	if err := enc.Write(buf); err != nil {
		out.Close()
		return 0, fmt.Errorf("encode segment pcm: %w", err)
	}
	if err := enc.Close(); err != nil {
		out.Close()
		return 0, fmt.Errorf("finalize segment container: %w", err)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("close segment file: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat segment file: %w", err)
	}
	return info.Size(), nil
}
