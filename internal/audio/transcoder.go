package audio

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

const (
	// InboundSampleRate is the PCM rate the upstream model expects.
	InboundSampleRate = 16000
	// OutboundSampleRate is the nominal rate of model PCM output.
	OutboundSampleRate = 24000
)

// TranscodeError reports a malformed or unsupported audio chunk. It is
// recoverable: callers drop the offending chunk and keep the session alive.
type TranscodeError struct {
	Reason string
	Err    error
}

func (e *TranscodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transcode: %s: %v", e.Reason, e.Err)
	}
	return "transcode: " + e.Reason
}

func (e *TranscodeError) Unwrap() error { return e.Err }

// Transcoder bridges the codec mismatch between the client recorder and the
// upstream live-model API. Decoding shells out to ffmpeg; availability of the
// binary is checked once at construction so a missing codec is a startup
// configuration error rather than a silent per-chunk fallback.
type Transcoder struct {
	ffmpegPath string
}

func NewTranscoder(ffmpegPath string) (*Transcoder, error) {
	if strings.TrimSpace(ffmpegPath) == "" {
		ffmpegPath = "ffmpeg"
	}
	resolved, err := exec.LookPath(ffmpegPath)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not available at %q: %w", ffmpegPath, err)
	}
	return &Transcoder{ffmpegPath: resolved}, nil
}

// DecodeInbound converts one compressed recorder chunk into 16-bit
// little-endian mono PCM at 16 kHz. Safe for concurrent use; each call runs
// its own ffmpeg process.
func (t *Transcoder) DecodeInbound(ctx context.Context, container []byte) ([]byte, error) {
	if len(container) == 0 {
		return nil, &TranscodeError{Reason: "empty input"}
	}

	cmd := exec.CommandContext(ctx, t.ffmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ac", "1",
		"-ar", strconv.Itoa(InboundSampleRate),
		"pipe:1",
	)

	var out, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(container)
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		reason := strings.TrimSpace(stderr.String())
		if reason == "" {
			reason = "decode failed"
		}
		return nil, &TranscodeError{Reason: reason, Err: err}
	}
	if out.Len() == 0 {
		return nil, &TranscodeError{Reason: "decoder produced no audio"}
	}
	return out.Bytes(), nil
}

// EncodeOutbound wraps raw model PCM in a playable WAV container. The sample
// rate comes from the upstream mime type (audio/pcm;rate=NNNN). Non-PCM
// payloads pass through unmodified with their original mime type.
func (t *Transcoder) EncodeOutbound(data []byte, mimeType string) ([]byte, string) {
	mediaType := strings.ToLower(strings.TrimSpace(strings.Split(mimeType, ";")[0]))
	if mediaType != "audio/pcm" {
		return data, mimeType
	}
	wav, err := EncodeWAVPCM16LE(data, pcmRateFromMime(mimeType))
	if err != nil {
		// Writing into a bytes.Buffer cannot fail on well-formed input.
		return data, mimeType
	}
	return wav, "audio/wav"
}

func pcmRateFromMime(mimeType string) int {
	for _, param := range strings.Split(mimeType, ";")[1:] {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "rate") {
			continue
		}
		if rate, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && rate > 0 {
			return rate
		}
	}
	return OutboundSampleRate
}
