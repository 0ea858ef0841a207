package audioio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrNotWAV is returned when data is not a PCM16 RIFF/WAVE file.
var ErrNotWAV = errors.New("audioio: not a PCM16 WAV file")

const wavHeaderSize = 44

// EncodeWAV wraps PCM16 samples in a canonical 44-byte WAV header.
func EncodeWAV(samples []int16, sampleRate, channels int) []byte {
	dataSize := len(samples) * 2
	buf := make([]byte, wavHeaderSize+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*channels*2))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(channels*2))
	binary.LittleEndian.PutUint16(buf[34:36], 16)

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[wavHeaderSize+i*2:], uint16(s))
	}

	return buf
}

// WAVInfo describes a decoded WAV file.
type WAVInfo struct {
	SampleRate int
	Channels   int
	Samples    []int16
}

// Duration returns the playing time of the audio.
func (w WAVInfo) Duration() time.Duration {
	if w.SampleRate == 0 || w.Channels == 0 {
		return 0
	}
	frames := len(w.Samples) / w.Channels
	return time.Duration(frames) * time.Second / time.Duration(w.SampleRate)
}

// DecodeWAV parses a PCM16 WAV file. Chunks other than fmt and data are
// skipped.
func DecodeWAV(data []byte) (WAVInfo, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return WAVInfo{}, ErrNotWAV
	}

	var info WAVInfo
	var haveFmt bool
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		if end > len(data) || size < 0 {
			// Streamed files may carry a bogus data size; take what exists.
			if id != "data" {
				return WAVInfo{}, fmt.Errorf("%w: truncated %q chunk", ErrNotWAV, id)
			}
			end = len(data)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return WAVInfo{}, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			bits := binary.LittleEndian.Uint16(data[body+14 : body+16])
			if (format != 1 && format != 0xFFFE) || bits != 16 {
				return WAVInfo{}, fmt.Errorf("%w: format %d, %d bits", ErrNotWAV, format, bits)
			}
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return WAVInfo{}, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			info.Samples = BytesToSamples(data[body:end])
			return info, nil
		}

		pos = end + size%2 // chunks are word aligned
	}
	return WAVInfo{}, fmt.Errorf("%w: no data chunk", ErrNotWAV)
}
