package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// WAVInfo holds the stream parameters decoded from a WAV header.
type WAVInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	DataBytes     int
	Duration      time.Duration
}

// DecodeWAVInfo parses the RIFF/WAVE header of buf and returns the stream
// parameters. It walks the subchunk list rather than assuming a fixed 44-byte
// layout, since encoders routinely emit LIST/INFO chunks before the data
// chunk.
func DecodeWAVInfo(buf []byte) (WAVInfo, error) {
	if len(buf) < 12 {
		return WAVInfo{}, fmt.Errorf("wav: buffer too short: %d bytes", len(buf))
	}
	if string(buf[0:4]) != "RIFF" || string(buf[8:12]) != "WAVE" {
		return WAVInfo{}, fmt.Errorf("wav: missing RIFF/WAVE signature")
	}

	var (
		info    WAVInfo
		haveFmt bool
	)

	// Subchunks start after the 12-byte RIFF header. Each has an 8-byte
	// id+size header followed by size bytes of payload (word aligned).
	off := 12
	for off+8 <= len(buf) {
		id := string(buf[off : off+4])
		size := int(binary.LittleEndian.Uint32(buf[off+4 : off+8]))
		body := off + 8
		if size < 0 || body > len(buf) {
			break
		}
		end := body + size
		if end > len(buf) {
			end = len(buf)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return WAVInfo{}, fmt.Errorf("wav: fmt chunk too short: %d bytes", end-body)
			}
			info.Channels = int(binary.LittleEndian.Uint16(buf[body+2 : body+4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(buf[body+4 : body+8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(buf[body+14 : body+16]))
			haveFmt = true

		case "data":
			info.DataBytes = end - body
		}

		off = body + size
		if size%2 == 1 {
			off++ // chunks are word aligned
		}
	}

	if !haveFmt {
		return WAVInfo{}, fmt.Errorf("wav: fmt chunk not found")
	}
	if info.SampleRate <= 0 || info.Channels <= 0 || info.BitsPerSample <= 0 {
		return WAVInfo{}, fmt.Errorf("wav: invalid stream parameters: %dHz %dch %dbit",
			info.SampleRate, info.Channels, info.BitsPerSample)
	}

	byteRate := info.SampleRate * info.Channels * info.BitsPerSample / 8
	if byteRate > 0 && info.DataBytes > 0 {
		info.Duration = time.Duration(float64(info.DataBytes) / float64(byteRate) * float64(time.Second))
	}
	return info, nil
}

// EncodeWAV wraps little-endian 16-bit PCM data in a minimal mono/stereo WAV
// header. Used by tests to build fixtures and by callers that need to
// re-container raw PCM.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const headerSize = 44
	dataSize := len(pcm)
	byteRate := sampleRate * channels * 2

	out := make([]byte, headerSize+dataSize)
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+dataSize))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(channels*2))
	binary.LittleEndian.PutUint16(out[34:36], 16)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(dataSize))
	copy(out[44:], pcm)
	return out
}
