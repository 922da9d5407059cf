package turn

import (
	"encoding/base64"
	"log"

	"github.com/mentora-ai/mentora/internal/upstream"
)

// EventKind enumerates the closed set of conversation events the gateway
// forwards to the client.
type EventKind int

const (
	KindAudioOutput EventKind = iota
	KindTurnComplete
	KindInterrupted
	KindReady
	KindError
)

func (k EventKind) String() string {
	switch k {
	case KindAudioOutput:
		return "audio_output"
	case KindTurnComplete:
		return "turn_complete"
	case KindInterrupted:
		return "interrupted"
	case KindReady:
		return "ready"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one normalized conversation event. Audio and MimeType are set only
// for KindAudioOutput; Message only for KindError.
type Event struct {
	Kind     EventKind
	Audio    []byte
	MimeType string
	Message  string
}

type state int

const (
	stateIdle state = iota
	stateSpeaking
	// stateDraining follows an interruption: audio still in flight for the
	// abandoned turn is discarded until its turn-complete boundary passes.
	stateDraining
)

// drainMessageCap bounds how many audio messages draining may discard. The
// upstream is expected to close an abandoned turn with turnComplete; if that
// boundary never arrives, draining gives up rather than swallow a live turn.
const drainMessageCap = 32

// Coordinator classifies raw upstream messages into conversation events and
// tracks the logical turn. One coordinator serves exactly one session; it is
// driven from a single pump goroutine and needs no locking.
type Coordinator struct {
	state   state
	drained int
}

func NewCoordinator() *Coordinator {
	return &Coordinator{state: stateIdle}
}

// Classify maps one upstream message to zero or more events, audio first,
// terminal signals last. Unrecognized shapes produce no events.
func (c *Coordinator) Classify(msg *upstream.ServerMessage) []Event {
	if msg == nil {
		return nil
	}
	if msg.SetupComplete != nil {
		return []Event{{Kind: KindReady}}
	}
	sc := msg.ServerContent
	if sc == nil {
		log.Printf("turn: dropping unrecognized upstream message")
		return nil
	}

	var events []Event

	if sc.ModelTurn != nil && c.state == stateDraining {
		c.drained++
		if c.drained > drainMessageCap {
			log.Printf("turn: drain cap reached without a turn boundary, resuming")
			c.state = stateIdle
		}
	}

	if sc.ModelTurn != nil && c.state != stateDraining {
		for _, part := range sc.ModelTurn.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				log.Printf("turn: dropping undecodable audio part: %v", err)
				continue
			}
			events = append(events, Event{
				Kind:     KindAudioOutput,
				Audio:    audio,
				MimeType: part.InlineData.MimeType,
			})
			c.state = stateSpeaking
		}
	}

	switch {
	case sc.Interrupted:
		if c.state != stateDraining {
			events = append(events, Event{Kind: KindInterrupted})
			if c.state == stateSpeaking {
				c.state = stateDraining
				c.drained = 0
			}
		}
	case sc.TurnComplete:
		if c.state == stateDraining {
			// Boundary of the abandoned turn; swallow it.
			c.state = stateIdle
		} else {
			events = append(events, Event{Kind: KindTurnComplete})
			c.state = stateIdle
		}
	}

	return events
}
