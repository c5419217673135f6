package livecall

import (
	"sync"

	"github.com/JRiishi/HoneyCatcher/pkg/protocol"
)

// Event is a notification emitted by a CallSession.
type Event interface {
	eventType() string
}

// ConnectionStateEvent reports a signaling connection state transition.
type ConnectionStateEvent struct {
	State ConnectionState
}

func (ConnectionStateEvent) eventType() string { return "connection_state" }

// LinkStateEvent reports a peer audio link state transition.
type LinkStateEvent struct {
	State LinkState
}

func (LinkStateEvent) eventType() string { return "link_state" }

// TranscriptionEvent carries one finalized utterance from either party.
type TranscriptionEvent struct {
	Entry TranscriptEntry
}

func (TranscriptionEvent) eventType() string { return "transcription" }

// CoachingEvent carries live operator guidance from the analysis pipeline.
type CoachingEvent struct {
	Coaching protocol.AICoaching
}

func (CoachingEvent) eventType() string { return "ai_coaching" }

// IntelligenceEvent carries the latest extracted-intelligence snapshot.
type IntelligenceEvent struct {
	Update protocol.IntelligenceUpdate
}

func (IntelligenceEvent) eventType() string { return "intelligence_update" }

// ModeChangedEvent reports the effective engagement mode after a local switch
// or a server-side reconcile.
type ModeChangedEvent struct {
	Mode string
}

func (ModeChangedEvent) eventType() string { return "mode_changed" }

// AIErrorEvent reports a synthesis failure on the backend. The session has
// already reverted to operator mode when this fires.
type AIErrorEvent struct {
	Message string
	Text    string
}

func (AIErrorEvent) eventType() string { return "ai_error" }

// PeerEvent reports the scammer joining or leaving the room.
type PeerEvent struct {
	Joined bool
	PeerID string
}

func (PeerEvent) eventType() string { return "peer" }

// CallEndedEvent reports that the backend closed the call.
type CallEndedEvent struct {
	RoomID string
}

func (CallEndedEvent) eventType() string { return "call_ended" }

// URLScanEvent carries the verdict for a URL the scammer shared.
type URLScanEvent struct {
	Result protocol.URLScanResult
}

func (URLScanEvent) eventType() string { return "url_scan" }

// ReconnectFailedEvent fires once per outage when every reconnect attempt has
// been exhausted. The session is terminal after this.
type ReconnectFailedEvent struct {
	Err error
}

func (ReconnectFailedEvent) eventType() string { return "reconnect_failed" }

// ErrorEvent surfaces non-fatal errors (decode failures, dropped frames).
type ErrorEvent struct {
	Err error
}

func (ErrorEvent) eventType() string { return "error" }

// emitter fans events out to subscribers. Callbacks run on the emitting
// goroutine and must not block.
type emitter struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
}

func (e *emitter) subscribe(fn func(Event)) func() {
	if fn == nil {
		return func() {}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subs == nil {
		e.subs = make(map[int]func(Event))
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

func (e *emitter) emit(event Event) {
	if event == nil {
		return
	}
	e.mu.Lock()
	fns := make([]func(Event), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(event)
	}
}
