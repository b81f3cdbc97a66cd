package gateway

import (
	"strings"

	"github.com/callguard/callguard/pkg/fraud"
)

// ParseTextScore extracts a text fraud score from a raw model completion.
// The first literal '1' or '2' in the response wins. When no digit is
// present, keyword matching is the fallback, and on total ambiguity the
// score defaults to normal — biasing parse failures toward false negatives
// rather than false alarms.
func ParseTextScore(raw string) int {
	for _, r := range raw {
		switch r {
		case '1':
			return fraud.TextScoreNormal
		case '2':
			return fraud.TextScoreScam
		}
	}

	lower := strings.ToLower(raw)
	for _, kw := range []string{"scam", "fraud", "suspicious"} {
		if strings.Contains(lower, kw) {
			return fraud.TextScoreScam
		}
	}
	return fraud.TextScoreNormal
}

// ParseAudioScore extracts an audio fraud score from a raw model completion,
// with the same digit-first, keyword-fallback, default-normal discipline as
// [ParseTextScore].
func ParseAudioScore(raw string) int {
	for _, r := range raw {
		switch r {
		case '0':
			return fraud.AudioScoreNormal
		case '1':
			return fraud.AudioScoreFraud
		}
	}

	lower := strings.ToLower(raw)
	for _, kw := range []string{"fraud", "suspicious", "fake"} {
		if strings.Contains(lower, kw) {
			return fraud.AudioScoreFraud
		}
	}
	return fraud.AudioScoreNormal
}
