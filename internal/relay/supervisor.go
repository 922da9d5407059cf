package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"time"

	"github.com/mentora-ai/mentora/internal/observability"
	"github.com/mentora-ai/mentora/internal/protocol"
	"github.com/mentora-ai/mentora/internal/session"
	"github.com/mentora-ai/mentora/internal/sessionlog"
	"github.com/mentora-ai/mentora/internal/turn"
	"github.com/mentora-ai/mentora/internal/upstream"
)

// UpstreamSession is one live duplex connection to the model endpoint.
type UpstreamSession interface {
	SendAudio(pcm []byte) error
	Receive() (*upstream.ServerMessage, error)
	Close() error
}

// UpstreamDialer opens upstream sessions, performing the handshake.
type UpstreamDialer interface {
	Connect(ctx context.Context) (UpstreamSession, error)
}

// DialerFunc adapts a plain connect function to UpstreamDialer.
type DialerFunc func(ctx context.Context) (UpstreamSession, error)

func (f DialerFunc) Connect(ctx context.Context) (UpstreamSession, error) { return f(ctx) }

// Transcoder bridges client and upstream audio formats.
type Transcoder interface {
	DecodeInbound(ctx context.Context, container []byte) ([]byte, error)
	EncodeOutbound(data []byte, mimeType string) ([]byte, string)
}

const recordTimeout = 2 * time.Second

// Supervisor owns the lifecycle of one relay session at a time per call:
// upstream connect, the two concurrent pumps, and teardown on every exit path.
type Supervisor struct {
	sessions   *session.Manager
	dialer     UpstreamDialer
	transcoder Transcoder
	store      sessionlog.Store
	metrics    *observability.Metrics
}

func NewSupervisor(
	sessions *session.Manager,
	dialer UpstreamDialer,
	transcoder Transcoder,
	store sessionlog.Store,
	metrics *observability.Metrics,
) *Supervisor {
	return &Supervisor{
		sessions:   sessions,
		dialer:     dialer,
		transcoder: transcoder,
		store:      store,
		metrics:    metrics,
	}
}

// RunConnection drives one client connection end to end. It returns when the
// client ends or disconnects, the upstream closes, or an unrecoverable error
// occurs; by then the upstream socket is closed and the pump goroutine has
// been joined, so no event can be delivered after teardown begins.
func (sv *Supervisor) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	up, err := sv.dialer.Connect(ctx)
	if err != nil {
		sv.metrics.SessionEvents.WithLabelValues("upstream_connect_failed").Inc()
		sv.send(ctx, outbound, protocol.ErrorEvent{
			Type:    protocol.TypeErrorEvent,
			Message: "upstream connection failed",
		})
		sv.endSession(s.ID, "connect_failed")
		return fmt.Errorf("connect upstream: %w", err)
	}

	if err := sv.sessions.Activate(s.ID); err != nil {
		_ = up.Close()
		sv.endSession(s.ID, "activate_failed")
		return err
	}
	sv.metrics.ActiveSessions.Set(float64(sv.sessions.ActiveCount()))
	sv.metrics.SessionEvents.WithLabelValues("upstream_connected").Inc()
	sv.recordStart(s)

	readyAt := time.Now()
	sv.send(ctx, outbound, protocol.Ready{Type: protocol.TypeReady, Message: "session ready"})

	pumpCtx, cancelPump := context.WithCancel(ctx)
	pumpDone := make(chan struct{})
	endReason := "client_end"

	defer func() {
		cancelPump()
		_ = up.Close()
		<-pumpDone
		sv.endSession(s.ID, endReason)
	}()

	go func() {
		defer close(pumpDone)
		sv.pumpUpstream(pumpCtx, up, outbound, readyAt)
	}()

	for {
		select {
		case <-ctx.Done():
			endReason = "client_disconnect"
			return nil
		case <-pumpDone:
			endReason = "upstream_closed"
			return nil
		case msg, ok := <-inbound:
			if !ok {
				endReason = "client_disconnect"
				return nil
			}
			switch m := msg.(type) {
			case protocol.ClientAudio:
				_ = sv.sessions.Touch(s.ID)
				pcm, err := sv.decodeChunk(ctx, m.Data)
				if err != nil {
					sv.metrics.TranscodeErrors.Inc()
					sv.metrics.Window.ObserveIndicator("transcode_dropped")
					log.Printf("relay: session %s dropping audio chunk: %v", s.ID, err)
					continue
				}
				if err := up.SendAudio(pcm); err != nil {
					endReason = "upstream_closed"
					return fmt.Errorf("send audio upstream: %w", err)
				}
			case protocol.ClientEnd:
				endReason = "client_end"
				return nil
			default:
				log.Printf("relay: session %s ignoring inbound message %T", s.ID, msg)
			}
		}
	}
}

// pumpUpstream loops receive -> classify -> encode -> outbound until the
// upstream closes or the pump context is cancelled. Events stay in
// classification order: a single goroutine feeds a single socket writer.
func (sv *Supervisor) pumpUpstream(ctx context.Context, up UpstreamSession, outbound chan<- any, readyAt time.Time) {
	coord := turn.NewCoordinator()
	firstAudioSeen := false
	var turnStart time.Time

	for {
		msg, err := up.Receive()
		if err != nil {
			// Upstream close is a normal terminal condition.
			return
		}
		for _, ev := range coord.Classify(msg) {
			sv.metrics.UpstreamEvents.WithLabelValues(ev.Kind.String()).Inc()
			out, ok := sv.eventToMessage(ev)
			if !ok {
				continue
			}
			switch ev.Kind {
			case turn.KindAudioOutput:
				if !firstAudioSeen {
					firstAudioSeen = true
					sv.metrics.ObserveFirstAudioLatency(time.Since(readyAt))
				}
				if turnStart.IsZero() {
					turnStart = time.Now()
				}
			case turn.KindTurnComplete:
				if !turnStart.IsZero() {
					sv.metrics.Window.Observe(observability.StageTurnTotal, time.Since(turnStart))
				}
				turnStart = time.Time{}
			case turn.KindInterrupted:
				sv.metrics.Window.ObserveIndicator("interrupted")
				turnStart = time.Time{}
			}
			select {
			case outbound <- out:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (sv *Supervisor) eventToMessage(ev turn.Event) (any, bool) {
	switch ev.Kind {
	case turn.KindAudioOutput:
		data, mimeType := sv.transcoder.EncodeOutbound(ev.Audio, ev.MimeType)
		return protocol.ServerAudio{
			Type:     protocol.TypeServerAudio,
			Data:     base64.StdEncoding.EncodeToString(data),
			MimeType: mimeType,
		}, true
	case turn.KindTurnComplete:
		return protocol.TurnComplete{Type: protocol.TypeTurnComplete}, true
	case turn.KindInterrupted:
		return protocol.Interrupted{Type: protocol.TypeInterrupted}, true
	case turn.KindError:
		return protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Message: ev.Message}, true
	case turn.KindReady:
		// The handshake already consumed setupComplete; a late one is noise.
		log.Printf("relay: ignoring late setup ack from upstream")
		return nil, false
	default:
		return nil, false
	}
}

func (sv *Supervisor) decodeChunk(ctx context.Context, data string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 audio payload: %w", err)
	}
	return sv.transcoder.DecodeInbound(ctx, raw)
}

func (sv *Supervisor) send(ctx context.Context, outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	case <-ctx.Done():
	}
}

func (sv *Supervisor) recordStart(s *session.Session) {
	if sv.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := sv.store.RecordStart(ctx, sessionlog.Record{SessionID: s.ID, StartedAt: s.StartedAt}); err != nil {
		log.Printf("relay: record session start failed: %v", err)
	}
}

func (sv *Supervisor) endSession(sessionID, reason string) {
	if _, err := sv.sessions.End(sessionID); err == nil {
		sv.metrics.ActiveSessions.Set(float64(sv.sessions.ActiveCount()))
		sv.metrics.SessionEvents.WithLabelValues("ended_" + reason).Inc()
	}
	if sv.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := sv.store.RecordEnd(ctx, sessionID, reason, time.Now().UTC()); err != nil {
		log.Printf("relay: record session end failed: %v", err)
	}
}
