package timeline

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	// ErrMalformedAudio is returned when a stored voice payload cannot be decoded.
	ErrMalformedAudio = errors.New("malformed audio payload")
	// ErrUnsupportedAudio is returned when recorded bytes are not audio.
	ErrUnsupportedAudio = errors.New("unsupported audio format")
	// ErrAudioTooLarge is returned when a recording exceeds the configured limit.
	ErrAudioTooLarge = errors.New("audio recording too large")
)

// EncodeVoice packs a recording into a data URL. declared is the mime type the
// recorder reported; it wins over sniffing when it is an audio type.
func EncodeVoice(audio []byte, declared string) (string, error) {
	if len(audio) == 0 {
		return "", ErrUnsupportedAudio
	}

	mime := strings.TrimSpace(strings.ToLower(declared))
	if !strings.HasPrefix(mime, "audio/") {
		detected := mimetype.Detect(audio)
		switch {
		case strings.HasPrefix(detected.String(), "audio/"):
			mime = detected.String()
		case detected.Is("video/webm"):
			// Browser recorders emit audio-only webm that sniffs as video.
			mime = "audio/webm"
		default:
			return "", fmt.Errorf("%w: %s", ErrUnsupportedAudio, detected.String())
		}
	}
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}

	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(audio), nil
}

// DecodeVoice unpacks a data URL produced by EncodeVoice.
func DecodeVoice(payload string) ([]byte, string, error) {
	header, data, ok := strings.Cut(payload, ",")
	if !ok || !strings.HasPrefix(header, "data:") || !strings.HasSuffix(header, ";base64") {
		return nil, "", ErrMalformedAudio
	}

	mime := strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
	if mime == "" {
		return nil, "", ErrMalformedAudio
	}

	audio, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMalformedAudio, err)
	}
	if len(bytes.TrimSpace(audio)) == 0 {
		return nil, "", ErrMalformedAudio
	}
	return audio, mime, nil
}

// FormatDuration renders whole seconds as m:ss.
func FormatDuration(seconds int) string {
	if seconds <= 0 {
		return "0:00"
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}

// VoiceText is the text stored alongside a voice recording.
func VoiceText(seconds int) string {
	return "🎤 Voice message (" + FormatDuration(seconds) + ")"
}
