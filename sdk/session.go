package livecall

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/JRiishi/HoneyCatcher/pkg/core"
	"github.com/JRiishi/HoneyCatcher/pkg/protocol"
)

// TranscriptEntry is one finalized utterance in the running transcript.
type TranscriptEntry struct {
	Speaker    string
	Text       string
	Language   string
	Confidence float64
	At         time.Time
}

// Snapshot is a point-in-time view of session state.
type Snapshot struct {
	RoomID          string
	ConnectionState ConnectionState
	LinkState       LinkState
	Mode            string
	MicEnabled      bool
	PeerPresent     bool
	Transcript      []TranscriptEntry
	Intelligence    protocol.IntelligenceUpdate
	LinkStats       LinkStats
	LastError       string
}

// SessionOption configures a call session before it connects.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	role      string
	micSource AudioSource
	decoder   Decoder
	player    Player
	sink      RemoteSink
}

// WithRole overrides the join role. Defaults to operator.
func WithRole(role string) SessionOption {
	return func(cfg *sessionConfig) {
		cfg.role = role
	}
}

// WithMicrophone sets the microphone capture feeding the outbound track.
func WithMicrophone(source AudioSource) SessionOption {
	return func(cfg *sessionConfig) {
		cfg.micSource = source
	}
}

// WithAudioOutput sets the decoder and player for AI speech playback.
func WithAudioOutput(decoder Decoder, player Player) SessionOption {
	return func(cfg *sessionConfig) {
		cfg.decoder = decoder
		cfg.player = player
	}
}

// WithRemoteSink routes the scammer's incoming audio to sink.
func WithRemoteSink(sink RemoteSink) SessionOption {
	return func(cfg *sessionConfig) {
		cfg.sink = sink
	}
}

// CallSession is the top-level handle for one live honeypot call. It wires
// the signaling channel, the peer audio link, the playback queue, and the
// takeover controller together and keeps the running transcript and
// intelligence snapshot.
type CallSession struct {
	client   *Client
	roomID   string
	logger   *slog.Logger
	mic      AudioSource
	decoder  Decoder
	signals  *Signaling
	link     *PeerLink
	playback *PlaybackQueue
	takeover *TakeoverController

	events emitter

	mu          sync.Mutex
	transcript  []TranscriptEntry
	intel       protocol.IntelligenceUpdate
	peerPresent bool
	lastErr     error

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// JoinCall connects to a call room and starts all session machinery. The
// returned session is live; register event handlers with On before the first
// frames arrive if ordering matters.
func (c *Client) JoinCall(ctx context.Context, roomID string, opts ...SessionOption) (*CallSession, error) {
	cfg := sessionConfig{role: protocol.RoleOperator}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.micSource == nil {
		cfg.micSource = NewBufferSource(0)
	}
	if cfg.decoder == nil {
		cfg.decoder = passthroughDecoder{}
	}
	if cfg.player == nil {
		cfg.player = discardPlayer{}
	}

	signals, err := newSignaling(c, roomID, cfg.role)
	if err != nil {
		return nil, err
	}

	session := &CallSession{
		client:  c,
		roomID:  roomID,
		logger:  c.Logger().With("room_id", roomID),
		mic:     cfg.micSource,
		decoder: cfg.decoder,
		done:    make(chan struct{}),
	}
	signals.onState = func(state ConnectionState) {
		session.events.emit(ConnectionStateEvent{State: state})
	}
	signals.onReconnectFailed = func(err error) {
		session.setLastError(err)
		session.events.emit(ReconnectFailedEvent{Err: err})
	}

	if err := signals.Connect(ctx); err != nil {
		return nil, err
	}
	session.signals = signals

	session.playback = newPlaybackQueue(cfg.decoder, cfg.player, session.logger)

	link := newPeerLink(signals, cfg.sink, session.logger)
	link.onState = func(state LinkState) {
		session.events.emit(LinkStateEvent{State: state})
	}
	if err := link.Start(keepOpen{cfg.micSource}); err != nil {
		_ = link.Close()
		_ = session.playback.Close()
		_ = signals.Close()
		return nil, err
	}
	session.link = link

	session.takeover = newTakeoverController(link, signals, cfg.micSource, func() AudioSource {
		return NewBufferSource(256)
	}, session.logger)
	session.takeover.onMode = func(mode string) {
		session.events.emit(ModeChangedEvent{Mode: mode})
	}

	go session.dispatch()
	return session, nil
}

// On registers an event handler and returns its unsubscribe function.
// Handlers run on the session's dispatch goroutine and must not block.
func (s *CallSession) On(fn func(Event)) func() {
	if s == nil {
		return func() {}
	}
	return s.events.subscribe(fn)
}

// Mode returns the effective engagement mode.
func (s *CallSession) Mode() string {
	return s.takeover.Mode()
}

// SetMode switches between operator and AI engagement.
func (s *CallSession) SetMode(mode string) error {
	if s == nil {
		return core.NewInvalidRequestError("session is not initialized")
	}
	if s.closed.Load() {
		return core.NewConnectionError("session is closed", nil)
	}
	return s.takeover.SetMode(mode)
}

// ToggleMic flips the microphone mute while in operator mode. In AI mode the
// mic stays muted regardless.
func (s *CallSession) ToggleMic() (bool, error) {
	if s == nil {
		return false, core.NewInvalidRequestError("session is not initialized")
	}
	if s.takeover.Mode() != protocol.ModeOperator {
		return false, core.NewInvalidRequestError("microphone is controlled by the AI takeover")
	}
	enabled := !s.link.MicEnabled()
	if err := s.link.SetMicEnabled(enabled); err != nil {
		return false, err
	}
	return enabled, nil
}

// Snapshot returns a copy of the current session state.
func (s *CallSession) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	transcript := append([]TranscriptEntry(nil), s.transcript...)
	intel := s.intel
	peer := s.peerPresent
	lastError := ""
	if s.lastErr != nil {
		lastError = s.lastErr.Error()
	}
	s.mu.Unlock()
	return Snapshot{
		RoomID:          s.roomID,
		ConnectionState: s.signals.State(),
		LinkState:       s.link.State(),
		Mode:            s.takeover.Mode(),
		MicEnabled:      s.link.MicEnabled(),
		PeerPresent:     peer,
		Transcript:      transcript,
		Intelligence:    intel,
		LinkStats:       s.link.Stats(),
		LastError:       lastError,
	}
}

// SendAudioChunk streams one captured frame over signaling for server-side
// transcription. This runs alongside the peer link; the backend listens on
// both.
func (s *CallSession) SendAudioChunk(dataB64, format string) error {
	if s == nil {
		return core.NewInvalidRequestError("session is not initialized")
	}
	return s.signals.SendAudioChunk(dataB64, format)
}

// Disconnect tears the session down: signaling first so no more frames
// arrive, then the peer link, then playback. Individual teardown failures
// are collected, logged, and do not stop the sequence.
func (s *CallSession) Disconnect() error {
	if s == nil {
		return nil
	}
	var errs error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		errs = multierr.Append(errs, s.signals.Close())
		errs = multierr.Append(errs, s.link.Close())
		errs = multierr.Append(errs, s.playback.Close())
		if s.mic != nil {
			errs = multierr.Append(errs, s.mic.Close())
		}
		if errs != nil {
			s.logger.Warn("session teardown finished with errors", "error", errs)
		}
		close(s.done)
	})
	<-s.done
	return nil
}

// Done is closed once the session has fully shut down.
func (s *CallSession) Done() <-chan struct{} {
	return s.done
}

// dispatch routes decoded server frames to the right component, in arrival
// order.
func (s *CallSession) dispatch() {
	for msg := range s.signals.Messages() {
		switch m := msg.(type) {
		case *protocol.Transcription:
			s.appendTranscript(TranscriptEntry{
				Speaker:    m.Speaker,
				Text:       m.Text,
				Language:   m.Language,
				Confidence: m.Confidence,
				At:         time.Now(),
			})
		case *protocol.AICoaching:
			s.events.emit(CoachingEvent{Coaching: *m})
		case *protocol.IntelligenceUpdate:
			// Updates accumulate: entities and tactics grow for the life
			// of the call, only the threat level is the latest reading.
			s.mu.Lock()
			s.intel.Entities = append(s.intel.Entities, m.Entities...)
			s.intel.Tactics = append(s.intel.Tactics, m.Tactics...)
			s.intel.ThreatLevel = m.ThreatLevel
			s.mu.Unlock()
			s.events.emit(IntelligenceEvent{Update: *m})
		case *protocol.AudioResponse:
			s.handleAudioResponse(m)
		case *protocol.AIModeChanged:
			s.takeover.HandleModeChanged(m.Mode)
		case *protocol.AIError:
			s.setLastError(core.NewSynthesisError(m.Error, ""))
			s.takeover.HandleAIError()
			s.playback.Clear()
			s.events.emit(AIErrorEvent{Message: m.Error, Text: m.Text})
		case *protocol.PeerJoined:
			s.mu.Lock()
			s.peerPresent = true
			s.mu.Unlock()
			s.events.emit(PeerEvent{Joined: true})
		case *protocol.PeerDisconnected:
			s.mu.Lock()
			s.peerPresent = false
			s.mu.Unlock()
			s.events.emit(PeerEvent{Joined: false})
		case *protocol.CallEnded:
			s.events.emit(CallEndedEvent{RoomID: m.RoomID})
			go func() { _ = s.Disconnect() }()
		case *protocol.URLScanResult:
			s.events.emit(URLScanEvent{Result: *m})
		case *protocol.WebRTCOffer:
			if err := s.link.HandleOffer(m.Offer); err != nil {
				s.fail(err)
			}
		case *protocol.WebRTCAnswer:
			if err := s.link.HandleAnswer(m.Answer); err != nil {
				s.fail(err)
			}
		case *protocol.ICECandidate:
			if err := s.link.HandleRemoteCandidate(m.Candidate); err != nil {
				s.fail(err)
			}
		case *protocol.ServerError:
			s.fail(core.NewConnectionError(m.Message, nil))
		case *protocol.Unknown:
			s.logger.Debug("ignoring unknown frame", "type", m.Type)
		}
	}
}

func (s *CallSession) handleAudioResponse(m *protocol.AudioResponse) {
	buffer, accepted := s.takeover.HandleAudioResponse()
	if !accepted {
		// Stale filler from before a revert; the server race-guards the
		// switch with one of these.
		s.logger.Debug("dropping ai clip outside ai mode")
		return
	}
	if m.Audio != "" {
		if err := s.playback.Enqueue(m.Audio, m.Format, m.Text); err != nil {
			s.fail(err)
		}
		if err := s.feedAISource(buffer, m.Audio, m.Format); err != nil {
			s.fail(err)
		}
	}
	if m.Text != "" {
		s.appendTranscript(TranscriptEntry{
			Speaker: protocol.SpeakerAI,
			Text:    m.Text,
			At:      time.Now(),
		})
	}
}

// feedAISource decodes one AI clip and pushes it onto the outbound buffer so
// the remote peer hears the same speech the operator does. Decoded PCM is cut
// into 20ms frames when the clip reports its rate; otherwise the payload goes
// out as a single frame and the track paces it at the default length.
func (s *CallSession) feedAISource(buffer *BufferSource, audioB64, format string) error {
	if buffer == nil {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(audioB64)
	if err != nil {
		return core.NewDecodeError("decode clip payload", err)
	}
	clip, err := s.decoder.Decode(data, format)
	if err != nil {
		clip, err = s.decoder.Decode(data, defaultFallbackFormat)
		if err != nil {
			return core.NewDecodeError("decode clip for outbound track", err)
		}
	}
	frameBytes := 0
	if clip.SampleRate > 0 && clip.Channels > 0 {
		frameBytes = clip.SampleRate * clip.Channels * 2 / 50 // 20ms of s16le
	}
	if frameBytes <= 0 || frameBytes >= len(clip.PCM) {
		return buffer.Push(clip.PCM, opusFrameLength)
	}
	for off := 0; off < len(clip.PCM); off += frameBytes {
		end := off + frameBytes
		if end > len(clip.PCM) {
			end = len(clip.PCM)
		}
		if err := buffer.Push(clip.PCM[off:end], opusFrameLength); err != nil {
			return err
		}
	}
	return nil
}

func (s *CallSession) fail(err error) {
	s.setLastError(err)
	s.events.emit(ErrorEvent{Err: err})
}

func (s *CallSession) setLastError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *CallSession) appendTranscript(entry TranscriptEntry) {
	s.mu.Lock()
	s.transcript = append(s.transcript, entry)
	s.mu.Unlock()
	s.events.emit(TranscriptionEvent{Entry: entry})
}

// passthroughDecoder hands the payload through as-is for players that accept
// compressed audio directly.
type passthroughDecoder struct{}

func (passthroughDecoder) Decode(data []byte, format string) (Clip, error) {
	return Clip{PCM: data}, nil
}

// discardPlayer swallows clips for headless sessions.
type discardPlayer struct{}

func (discardPlayer) Play(ctx context.Context, clip Clip) error { return nil }
