package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

const defaultWSBaseURL = "wss://generativelanguage.googleapis.com"

const bidiPath = "/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

const inboundMimeType = "audio/pcm;rate=16000"

// Config selects the model and conversation setup for an upstream session.
// It is constructed once at startup and passed in; nothing here mutates it.
type Config struct {
	APIKey            string
	WSBaseURL         string
	Model             string
	Voice             string
	SystemInstruction string
}

// Dialer opens live-model sessions.
type Dialer struct {
	cfg Config
}

func NewDialer(cfg Config) *Dialer {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = defaultWSBaseURL
	}
	return &Dialer{cfg: cfg}
}

// Connect dials the live endpoint, sends the session setup message, and
// blocks until the upstream acknowledges it. Any failure here is fatal to the
// session being established; there is no retry.
func (d *Dialer) Connect(ctx context.Context) (*Session, error) {
	u, err := url.Parse(strings.TrimRight(d.cfg.WSBaseURL, "/") + bidiPath)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("key", d.cfg.APIKey)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial live websocket: %w", err)
	}

	s := &Session{conn: conn}
	if err := s.handshake(d.cfg); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Session is one live upstream connection. Writes are serialized by a mutex;
// Receive is intended for a single reader goroutine.
type Session struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (s *Session) handshake(cfg Config) error {
	setup := setupMessage{
		Setup: setupPayload{
			Model: cfg.Model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}
	if strings.TrimSpace(cfg.Voice) != "" {
		setup.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if strings.TrimSpace(cfg.SystemInstruction) != "" {
		setup.Setup.SystemInstruction = &content{
			Parts: []textPart{{Text: cfg.SystemInstruction}},
		}
	}

	if err := s.writeJSON(setup); err != nil {
		return fmt.Errorf("send setup: %w", err)
	}

	ack, err := s.Receive()
	if err != nil {
		return fmt.Errorf("await setup ack: %w", err)
	}
	if ack.SetupComplete == nil {
		return fmt.Errorf("handshake rejected: expected setupComplete")
	}
	return nil
}

// SendAudio wraps one PCM buffer in the realtime media-chunk envelope and
// writes it to the socket. Empty input is a no-op.
func (s *Session) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{
				MimeType: inboundMimeType,
				Data:     base64.StdEncoding.EncodeToString(pcm),
			}},
		},
	}
	return s.writeJSON(msg)
}

// Receive blocks until the next upstream message arrives or the connection
// closes, in which case the transport error is returned.
func (s *Session) Receive() (*ServerMessage, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		var msg ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// Undecodable frames are a protocol anomaly, not a session failure.
			log.Printf("upstream: dropping undecodable message: %v", err)
			continue
		}
		return &msg, nil
	}
}

// Close shuts the socket down exactly once; repeated calls return the first
// result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *Session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}
