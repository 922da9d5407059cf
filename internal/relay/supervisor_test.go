package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mentora-ai/mentora/internal/audio"
	"github.com/mentora-ai/mentora/internal/observability"
	"github.com/mentora-ai/mentora/internal/protocol"
	"github.com/mentora-ai/mentora/internal/session"
	"github.com/mentora-ai/mentora/internal/sessionlog"
	"github.com/mentora-ai/mentora/internal/upstream"
)

var (
	testMetricsOnce sync.Once
	testMetrics     *observability.Metrics
)

// Prometheus collectors register globally, so the package shares one set.
func metricsForTest() *observability.Metrics {
	testMetricsOnce.Do(func() {
		testMetrics = observability.NewMetrics("relay_test")
	})
	return testMetrics
}

type fakeUpstream struct {
	mu        sync.Mutex
	sent      [][]byte
	recv      chan *upstream.ServerMessage
	closes    atomic.Int32
	closeOnce sync.Once
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{recv: make(chan *upstream.ServerMessage, 16)}
}

func (f *fakeUpstream) SendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), pcm...))
	return nil
}

func (f *fakeUpstream) Receive() (*upstream.ServerMessage, error) {
	msg, ok := <-f.recv
	if !ok {
		return nil, io.EOF
	}
	return msg, nil
}

func (f *fakeUpstream) Close() error {
	f.closes.Add(1)
	f.closeOnce.Do(func() { close(f.recv) })
	return nil
}

func (f *fakeUpstream) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type stubTranscoder struct {
	pcm []byte
}

func (st stubTranscoder) DecodeInbound(_ context.Context, container []byte) ([]byte, error) {
	if string(container) == "corrupt" {
		return nil, &audio.TranscodeError{Reason: "unsupported input"}
	}
	if st.pcm != nil {
		return st.pcm, nil
	}
	return container, nil
}

func (st stubTranscoder) EncodeOutbound(data []byte, mimeType string) ([]byte, string) {
	if strings.HasPrefix(mimeType, "audio/pcm") {
		wav, _ := audio.EncodeWAVPCM16LE(data, 24000)
		return wav, "audio/wav"
	}
	return data, mimeType
}

type harness struct {
	sess     *session.Session
	manager  *session.Manager
	store    *sessionlog.InMemoryStore
	inbound  chan any
	outbound chan any
	done     chan struct{}
	runErr   error
}

func startSession(t *testing.T, dialer UpstreamDialer, tc Transcoder) *harness {
	t.Helper()
	h := &harness{
		manager:  session.NewManager(time.Minute),
		store:    sessionlog.NewInMemoryStore(),
		inbound:  make(chan any, 16),
		outbound: make(chan any, 64),
		done:     make(chan struct{}),
	}
	sv := NewSupervisor(h.manager, dialer, tc, h.store, metricsForTest())
	h.sess = h.manager.Create()

	go func() {
		defer close(h.done)
		h.runErr = sv.RunConnection(context.Background(), h.sess, h.inbound, h.outbound)
	}()
	return h
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not finish")
	}
}

func (h *harness) nextOutbound(t *testing.T) any {
	t.Helper()
	select {
	case msg := <-h.outbound:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for outbound message")
		return nil
	}
}

func (h *harness) expectReady(t *testing.T) {
	t.Helper()
	if msg, ok := h.nextOutbound(t).(protocol.Ready); !ok {
		t.Fatalf("first outbound = %T (%v), want Ready", msg, msg)
	}
}

func (h *harness) endReason(t *testing.T) string {
	t.Helper()
	records, err := h.store.Recent(context.Background(), 10)
	if err != nil || len(records) == 0 {
		t.Fatalf("no session records (err %v)", err)
	}
	return records[len(records)-1].EndReason
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func staticDialer(up UpstreamSession) UpstreamDialer {
	return DialerFunc(func(context.Context) (UpstreamSession, error) {
		return up, nil
	})
}

func clientAudio(payload string) protocol.ClientAudio {
	return protocol.ClientAudio{
		Type: protocol.TypeClientAudio,
		Data: base64.StdEncoding.EncodeToString([]byte(payload)),
	}
}

func modelAudio(pcm []byte) *upstream.ServerMessage {
	return &upstream.ServerMessage{
		ServerContent: &upstream.ServerContent{
			ModelTurn: &upstream.ModelTurn{
				Parts: []upstream.ServerPart{{
					InlineData: &upstream.InlineData{
						MimeType: "audio/pcm;rate=24000",
						Data:     base64.StdEncoding.EncodeToString(pcm),
					},
				}},
			},
		},
	}
}

func TestRunConnectionEndToEnd(t *testing.T) {
	up := newFakeUpstream()
	h := startSession(t, staticDialer(up), stubTranscoder{pcm: make([]byte, 32000)})
	h.expectReady(t)

	// Client speech goes upstream as 16 kHz PCM.
	h.inbound <- clientAudio("one second of speech")
	waitFor(t, "upstream audio", func() bool { return up.sentCount() == 1 })
	up.mu.Lock()
	sentLen := len(up.sent[0])
	up.mu.Unlock()
	if sentLen != 32000 {
		t.Fatalf("upstream pcm len = %d, want 32000", sentLen)
	}

	// Model audio comes back as a playable WAV with the 44-byte header.
	const n = 4800
	up.recv <- modelAudio(make([]byte, n))
	up.recv <- &upstream.ServerMessage{ServerContent: &upstream.ServerContent{TurnComplete: true}}

	out, ok := h.nextOutbound(t).(protocol.ServerAudio)
	if !ok {
		t.Fatalf("expected ServerAudio")
	}
	if out.MimeType != "audio/wav" {
		t.Fatalf("mimeType = %q, want audio/wav", out.MimeType)
	}
	wav, err := base64.StdEncoding.DecodeString(out.Data)
	if err != nil {
		t.Fatalf("decode outbound audio: %v", err)
	}
	if len(wav) != n+44 {
		t.Fatalf("wav len = %d, want %d", len(wav), n+44)
	}
	if _, ok := h.nextOutbound(t).(protocol.TurnComplete); !ok {
		t.Fatalf("expected TurnComplete after audio")
	}

	h.inbound <- protocol.ClientEnd{Type: protocol.TypeClientEnd}
	h.waitDone(t)

	if h.runErr != nil {
		t.Fatalf("RunConnection() error = %v", h.runErr)
	}
	if got := up.closes.Load(); got < 1 {
		t.Fatalf("upstream close calls = %d, want >= 1", got)
	}
	sess, err := h.manager.Get(h.sess.ID)
	if err != nil || sess.State != session.StateClosed {
		t.Fatalf("session state = %v (err %v), want closed", sess, err)
	}
	if reason := h.endReason(t); reason != "client_end" {
		t.Fatalf("end reason = %q, want client_end", reason)
	}
}

func TestRunConnectionDropsCorruptChunk(t *testing.T) {
	up := newFakeUpstream()
	h := startSession(t, staticDialer(up), stubTranscoder{})
	h.expectReady(t)

	h.inbound <- clientAudio("corrupt")
	h.inbound <- clientAudio("valid")

	waitFor(t, "valid chunk forwarded", func() bool { return up.sentCount() == 1 })
	up.mu.Lock()
	forwarded := string(up.sent[0])
	up.mu.Unlock()
	if forwarded != "valid" {
		t.Fatalf("forwarded chunk = %q, want %q", forwarded, "valid")
	}

	// The session survived the bad chunk.
	sess, err := h.manager.Get(h.sess.ID)
	if err != nil || sess.State != session.StateActive {
		t.Fatalf("session state = %v (err %v), want active", sess, err)
	}

	h.inbound <- protocol.ClientEnd{Type: protocol.TypeClientEnd}
	h.waitDone(t)
}

func TestRunConnectionConnectFailure(t *testing.T) {
	dialer := DialerFunc(func(context.Context) (UpstreamSession, error) {
		return nil, errors.New("upstream unreachable")
	})
	h := startSession(t, dialer, stubTranscoder{})

	msg, ok := h.nextOutbound(t).(protocol.ErrorEvent)
	if !ok {
		t.Fatalf("expected ErrorEvent on connect failure")
	}
	if msg.Message == "" {
		t.Fatalf("error event has empty message")
	}

	h.waitDone(t)
	if h.runErr == nil {
		t.Fatalf("RunConnection() error = nil, want connect failure")
	}
	// The session never activated, so no lifecycle record exists; the
	// registry entry is still closed out.
	sess, err := h.manager.Get(h.sess.ID)
	if err != nil || sess.State != session.StateClosed {
		t.Fatalf("session state = %v (err %v), want closed", sess, err)
	}
}

func TestRunConnectionClientDisconnect(t *testing.T) {
	up := newFakeUpstream()
	h := startSession(t, staticDialer(up), stubTranscoder{})
	h.expectReady(t)

	close(h.inbound)
	h.waitDone(t)

	if h.runErr != nil {
		t.Fatalf("RunConnection() error = %v", h.runErr)
	}
	if got := up.closes.Load(); got < 1 {
		t.Fatalf("upstream close calls = %d, want >= 1", got)
	}
	if got := up.sentCount(); got != 0 {
		t.Fatalf("sends after disconnect = %d, want 0", got)
	}
	if reason := h.endReason(t); reason != "client_disconnect" {
		t.Fatalf("end reason = %q, want client_disconnect", reason)
	}
}

func TestRunConnectionUpstreamClose(t *testing.T) {
	up := newFakeUpstream()
	h := startSession(t, staticDialer(up), stubTranscoder{})
	h.expectReady(t)

	_ = up.Close()
	h.waitDone(t)

	if h.runErr != nil {
		t.Fatalf("RunConnection() error = %v", h.runErr)
	}
	sess, err := h.manager.Get(h.sess.ID)
	if err != nil || sess.State != session.StateClosed {
		t.Fatalf("session state = %v (err %v), want closed", sess, err)
	}
	if reason := h.endReason(t); reason != "upstream_closed" {
		t.Fatalf("end reason = %q, want upstream_closed", reason)
	}
}

func TestRunConnectionInterruptionSuppressesAbandonedAudio(t *testing.T) {
	up := newFakeUpstream()
	h := startSession(t, staticDialer(up), stubTranscoder{})
	h.expectReady(t)

	up.recv <- modelAudio([]byte{1, 2})
	up.recv <- &upstream.ServerMessage{ServerContent: &upstream.ServerContent{Interrupted: true}}
	up.recv <- modelAudio([]byte{3, 4})

	if _, ok := h.nextOutbound(t).(protocol.ServerAudio); !ok {
		t.Fatalf("expected first audio fragment")
	}
	if _, ok := h.nextOutbound(t).(protocol.Interrupted); !ok {
		t.Fatalf("expected Interrupted after barge-in")
	}

	// The post-interruption fragment belongs to the abandoned turn; nothing
	// else may reach the client before teardown.
	h.inbound <- protocol.ClientEnd{Type: protocol.TypeClientEnd}
	h.waitDone(t)

	select {
	case msg := <-h.outbound:
		t.Fatalf("unexpected outbound message after interruption: %T", msg)
	default:
	}
}
