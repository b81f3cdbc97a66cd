// Package audio provides audio-format detection, WAV metadata decoding, and
// normalization of arbitrary supported input into canonical mono 16 kHz
// 16-bit PCM WAV via an external ffmpeg transcode.
package audio

import "bytes"

// Format tags the container/codec detected in a raw audio buffer.
type Format string

const (
	FormatWAV  Format = "wav"
	FormatFLAC Format = "flac"
	FormatOpus Format = "opus"

	// FormatOgg is an Ogg container without a confirmed Opus codec.
	FormatOgg Format = "ogg"

	FormatUnknown Format = "unknown"
)

// opusScanLimit bounds the OpusHead marker scan at the start of an Ogg
// container.
const opusScanLimit = 200

// Detect classifies buf by its header signature. It never fails: buffers
// shorter than 12 bytes and unrecognised signatures yield [FormatUnknown].
func Detect(buf []byte) Format {
	if len(buf) < 12 {
		return FormatUnknown
	}

	switch {
	case bytes.Equal(buf[0:4], []byte("RIFF")) && bytes.Equal(buf[8:12], []byte("WAVE")):
		return FormatWAV

	case bytes.Equal(buf[0:4], []byte("fLaC")):
		return FormatFLAC

	case bytes.Equal(buf[0:4], []byte("OggS")):
		limit := len(buf)
		if limit > opusScanLimit {
			limit = opusScanLimit
		}
		if bytes.Contains(buf[:limit], []byte("OpusHead")) {
			return FormatOpus
		}
		return FormatOgg
	}

	return FormatUnknown
}
