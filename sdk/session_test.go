package livecall

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/JRiishi/HoneyCatcher/pkg/protocol"
)

// sessionHarness runs a scripted backend for one session: the handler
// acknowledges the join, then hands the connection to the test body and
// streams every client frame onto frames.
type sessionHarness struct {
	client *Client
	conn   *websocket.Conn
	connCh chan *websocket.Conn
	frames chan map[string]any
}

func newSessionHarness(t *testing.T) *sessionHarness {
	t.Helper()
	h := &sessionHarness{
		connCh: make(chan *websocket.Conn, 1),
		frames: make(chan map[string]any, 64),
	}
	server, closeServer := newCallWebsocketTestServer(t, func(conn *websocket.Conn) {
		acceptJoin(t, conn)
		h.connCh <- conn
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			select {
			case h.frames <- frame:
			default:
			}
		}
	})
	t.Cleanup(closeServer)

	h.client = NewClient(WithBaseURL(server.URL))
	return h
}

func (h *sessionHarness) waitConn(t *testing.T) {
	t.Helper()
	select {
	case h.conn = <-h.connCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("server connection never established")
	}
}

// send writes one server frame. The test body is the only writer after the
// join ack, so no write lock is needed.
func (h *sessionHarness) send(t *testing.T, frame map[string]any) {
	t.Helper()
	if err := h.conn.WriteJSON(frame); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

// expectFrame reads client frames until one of the wanted type arrives.
func (h *sessionHarness) expectFrame(t *testing.T, frameType string) map[string]any {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case frame := <-h.frames:
			if frame["type"] == frameType {
				return frame
			}
		case <-deadline:
			t.Fatalf("client frame %q never arrived", frameType)
		}
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) find(match func(Event) bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if match(e) {
			return true
		}
	}
	return false
}

func TestCallSession_TranscriptAndIntelligenceFlow(t *testing.T) {
	t.Parallel()

	h := newSessionHarness(t)
	player := &recordingPlayer{}
	session, err := h.client.JoinCall(context.Background(), "room-1",
		WithAudioOutput(&scriptedDecoder{}, player))
	if err != nil {
		t.Fatalf("join call: %v", err)
	}
	defer session.Disconnect()
	h.waitConn(t)

	log := &eventLog{}
	unsubscribe := session.On(log.record)
	defer unsubscribe()

	// The link announces itself with an SDP offer on join.
	h.expectFrame(t, protocol.TypeWebRTCOffer)

	h.send(t, map[string]any{"type": "peer_joined", "room_id": "room-1"})
	h.send(t, map[string]any{"type": "transcription", "speaker": "scammer", "text": "send the gift cards", "confidence": 0.9})
	h.send(t, map[string]any{"type": "transcription", "speaker": "operator", "text": "which cards exactly?"})
	h.send(t, map[string]any{
		"type":         "intelligence_update",
		"entities":     []map[string]any{{"type": "upi_id", "value": "pay@scam"}},
		"threat_level": 0.8,
		"tactics":      []string{"urgency"},
	})

	waitFor(t, func() bool { return len(session.Snapshot().Transcript) == 2 }, "transcript entries")
	snap := session.Snapshot()
	if snap.Transcript[0].Text != "send the gift cards" || snap.Transcript[1].Text != "which cards exactly?" {
		t.Fatalf("transcript out of order: %+v", snap.Transcript)
	}
	if snap.Transcript[0].Speaker != protocol.SpeakerScammer {
		t.Fatalf("speaker=%q, want scammer", snap.Transcript[0].Speaker)
	}
	if !snap.PeerPresent {
		t.Fatalf("peer not marked present")
	}

	waitFor(t, func() bool { return session.Snapshot().Intelligence.ThreatLevel > 0 }, "intelligence snapshot")
	intel := session.Snapshot().Intelligence
	if len(intel.Entities) != 1 || intel.Entities[0].Value != "pay@scam" {
		t.Fatalf("entities=%+v", intel.Entities)
	}
	if !log.find(func(e Event) bool { _, ok := e.(IntelligenceEvent); return ok }) {
		t.Fatalf("intelligence event never emitted")
	}
}

func TestCallSession_IntelligenceAccumulatesAcrossUpdates(t *testing.T) {
	t.Parallel()

	h := newSessionHarness(t)
	session, err := h.client.JoinCall(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("join call: %v", err)
	}
	defer session.Disconnect()
	h.waitConn(t)

	h.send(t, map[string]any{
		"type":         "intelligence_update",
		"entities":     []map[string]any{{"type": "upi_id", "value": "pay@scam"}},
		"threat_level": 0.8,
		"tactics":      []string{"urgency"},
	})
	h.send(t, map[string]any{
		"type":         "intelligence_update",
		"entities":     []map[string]any{{"type": "phone", "value": "+1999"}},
		"threat_level": 0.4,
		"tactics":      []string{"authority"},
	})

	waitFor(t, func() bool { return len(session.Snapshot().Intelligence.Entities) == 2 }, "second update merged")
	intel := session.Snapshot().Intelligence
	if intel.Entities[0].Value != "pay@scam" || intel.Entities[1].Value != "+1999" {
		t.Fatalf("entities=%+v, want both updates kept", intel.Entities)
	}
	if len(intel.Tactics) != 2 || intel.Tactics[0] != "urgency" || intel.Tactics[1] != "authority" {
		t.Fatalf("tactics=%+v, want both updates kept", intel.Tactics)
	}
	if intel.ThreatLevel != 0.4 {
		t.Fatalf("threat_level=%v, want the latest reading", intel.ThreatLevel)
	}
}

func TestCallSession_ServerErrorSurfacesInSnapshot(t *testing.T) {
	t.Parallel()

	h := newSessionHarness(t)
	session, err := h.client.JoinCall(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("join call: %v", err)
	}
	defer session.Disconnect()
	h.waitConn(t)

	if got := session.Snapshot().LastError; got != "" {
		t.Fatalf("last error=%q before any failure", got)
	}
	h.send(t, map[string]any{"type": "error", "message": "room capacity exceeded"})
	waitFor(t, func() bool {
		return strings.Contains(session.Snapshot().LastError, "room capacity exceeded")
	}, "server error recorded")
}

func TestCallSession_AIClipFeedsOutboundBuffer(t *testing.T) {
	t.Parallel()

	link := &fakeLink{micEnabled: true}
	decoder := &scriptedDecoder{}
	session := &CallSession{
		logger:   slog.Default(),
		decoder:  decoder,
		playback: newPlaybackQueue(decoder, &recordingPlayer{}, nil),
		done:     make(chan struct{}),
	}
	defer session.playback.Close()
	session.takeover = newTakeoverController(link, &fakeModeSetter{}, silentSource{}, func() AudioSource {
		return NewBufferSource(256)
	}, nil)

	if err := session.takeover.SetMode(protocol.ModeAIOnly); err != nil {
		t.Fatalf("set mode: %v", err)
	}

	// Long enough to span several 20ms frames at the decoder's 48kHz mono.
	speech := strings.Repeat("the transfer is almost through ", 200)
	session.handleAudioResponse(&protocol.AudioResponse{
		Type:   protocol.TypeAudioResponse,
		Audio:  b64(speech),
		Format: "mp3",
		Text:   "filler",
	})

	buffer, ok := link.boundSource().(*BufferSource)
	if !ok {
		t.Fatalf("outbound source is %T, want the ai buffer", link.boundSource())
	}
	frameBytes := 48000 * 1 * 2 / 50
	var got []byte
	for len(got) < len(speech) {
		data, duration, err := buffer.ReadFrame()
		if err != nil {
			t.Fatalf("read frame after %d bytes: %v", len(got), err)
		}
		if len(got) == 0 && len(data) != frameBytes {
			t.Fatalf("first frame is %d bytes, want %d", len(data), frameBytes)
		}
		if duration != 20*time.Millisecond {
			t.Fatalf("frame duration=%v, want 20ms", duration)
		}
		got = append(got, data...)
	}
	if string(got) != speech {
		t.Fatalf("outbound audio does not reassemble to the decoded clip")
	}
	if snap := session.takeover; !snap.AIBound() {
		t.Fatalf("ai feed not bound after the clip")
	}
}

func TestCallSession_AITakeoverLifecycle(t *testing.T) {
	t.Parallel()

	h := newSessionHarness(t)
	player := &recordingPlayer{}
	session, err := h.client.JoinCall(context.Background(), "room-1",
		WithAudioOutput(&scriptedDecoder{}, player))
	if err != nil {
		t.Fatalf("join call: %v", err)
	}
	defer session.Disconnect()
	h.waitConn(t)

	log := &eventLog{}
	defer session.On(log.record)()

	if session.Mode() != protocol.ModeOperator {
		t.Fatalf("mode=%q, want operator at start", session.Mode())
	}

	if err := session.SetMode(protocol.ModeAIOnly); err != nil {
		t.Fatalf("set ai mode: %v", err)
	}
	frame := h.expectFrame(t, protocol.TypeSetAIMode)
	if frame["mode"] != protocol.ModeAIOnly {
		t.Fatalf("set_ai_mode mode=%v", frame["mode"])
	}
	if _, err := session.ToggleMic(); err == nil {
		t.Fatalf("toggle mic must be refused in ai mode")
	}

	// Server confirms and speaks.
	h.send(t, map[string]any{"type": "ai_mode_changed", "mode": protocol.ModeAIOnly})
	h.send(t, map[string]any{"type": "audio_response", "audio": b64("one moment please"), "format": "mp3", "text": "one moment please"})

	waitFor(t, func() bool { return len(player.texts()) == 1 }, "ai clip played")
	waitFor(t, func() bool {
		snap := session.Snapshot()
		return len(snap.Transcript) == 1 && snap.Transcript[0].Speaker == protocol.SpeakerAI
	}, "ai transcript entry")

	// Synthesis failure forces recovery to operator with the mic live.
	h.send(t, map[string]any{"type": "ai_error", "error": "tts unavailable"})
	waitFor(t, func() bool { return session.Mode() == protocol.ModeOperator }, "forced recovery")
	if !session.Snapshot().MicEnabled {
		t.Fatalf("mic not restored after ai_error")
	}
	if !log.find(func(e Event) bool { _, ok := e.(AIErrorEvent); return ok }) {
		t.Fatalf("ai_error event never emitted")
	}

	// The filler clip that raced the failure is dropped, not played.
	h.send(t, map[string]any{"type": "audio_response", "audio": b64("stale filler"), "format": "mp3"})
	time.Sleep(100 * time.Millisecond)
	if got := player.texts(); len(got) != 1 {
		t.Fatalf("played=%v, stale filler must be dropped", got)
	}

	// Mic toggle works again in operator mode.
	enabled, err := session.ToggleMic()
	if err != nil {
		t.Fatalf("toggle mic: %v", err)
	}
	if enabled {
		t.Fatalf("toggle should have muted the live mic")
	}
}

func TestCallSession_CallEndedShutsDown(t *testing.T) {
	t.Parallel()

	h := newSessionHarness(t)
	session, err := h.client.JoinCall(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("join call: %v", err)
	}
	h.waitConn(t)

	log := &eventLog{}
	defer session.On(log.record)()

	h.send(t, map[string]any{"type": "session_ended", "room_id": "room-1"})

	select {
	case <-session.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session never shut down after call_ended")
	}
	if !log.find(func(e Event) bool { _, ok := e.(CallEndedEvent); return ok }) {
		t.Fatalf("call_ended event never emitted")
	}
	// Disconnect after shutdown is a no-op.
	if err := session.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
}
