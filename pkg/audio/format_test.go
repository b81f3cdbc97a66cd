package audio

import (
	"bytes"
	"testing"
)

// oggPage builds a minimal OggS page with the given payload placed after the
// 28-byte header region.
func oggPage(payload []byte) []byte {
	buf := make([]byte, 28, 28+len(payload))
	copy(buf, "OggS")
	return append(buf, payload...)
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		want Format
	}{
		{"wav", EncodeWAV(make([]byte, 32), 16000, 1), FormatWAV},
		{"flac", append([]byte("fLaC"), make([]byte, 16)...), FormatFLAC},
		{"opus", oggPage([]byte("OpusHead\x01\x02")), FormatOpus},
		{"ogg without opus", oggPage([]byte("vorbis-ish payload")), FormatOgg},
		{"garbage", bytes.Repeat([]byte{0xAB}, 64), FormatUnknown},
		{"empty", nil, FormatUnknown},
		{"riff without wave", append([]byte("RIFF\x00\x00\x00\x00AVI "), make([]byte, 8)...), FormatUnknown},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Detect(tc.buf); got != tc.want {
				t.Errorf("Detect() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDetect_ShortBuffersAreUnknown(t *testing.T) {
	// Anything under 12 bytes is unknown, even a valid signature prefix.
	for n := range 12 {
		buf := []byte("RIFF....WAVE")[:n]
		if got := Detect(buf); got != FormatUnknown {
			t.Errorf("Detect(%d bytes) = %q, want unknown", n, got)
		}
	}
}

func TestDetect_OpusHeadOutsideScanLimit(t *testing.T) {
	// OpusHead beyond the scan window must not be found; the container is
	// still recognised as Ogg.
	payload := append(bytes.Repeat([]byte{0}, opusScanLimit), []byte("OpusHead")...)
	if got := Detect(oggPage(payload)); got != FormatOgg {
		t.Errorf("Detect() = %q, want %q", got, FormatOgg)
	}
}
