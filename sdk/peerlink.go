package livecall

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/JRiishi/HoneyCatcher/pkg/core"
	"github.com/JRiishi/HoneyCatcher/pkg/protocol"
)

const (
	opusClockRate   = 48000
	opusChannels    = 2
	opusFrameLength = 20 * time.Millisecond
	statsInterval   = 2 * time.Second
)

// LinkState is the peer audio link lifecycle state.
type LinkState int32

const (
	LinkNew LinkState = iota
	LinkConnecting
	LinkConnected
	LinkDisconnected
	LinkFailed
)

func (s LinkState) String() string {
	switch s {
	case LinkNew:
		return "new"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// AudioSource supplies encoded audio frames for the outbound track. ReadFrame
// blocks until a frame is available; implementations must unblock it with an
// error when Close is called.
type AudioSource interface {
	ReadFrame() (data []byte, duration time.Duration, err error)
	Close() error
}

// RemoteSink consumes RTP packets arriving on the scammer's track.
type RemoteSink interface {
	WriteRTP(pkt *rtp.Packet) error
}

// LinkStats is a snapshot of media transfer counters.
type LinkStats struct {
	BytesSent       uint64
	BytesReceived   uint64
	PacketsSent     uint64
	PacketsReceived uint64
	At              time.Time
}

// PeerLink carries the two-way audio leg of a call over a WebRTC peer
// connection. Outbound audio is pulled from an AudioSource and paced onto the
// local track; swapping the source is serialized so no two sources ever feed
// the track at once.
type PeerLink struct {
	signaling *Signaling
	sink      RemoteSink
	logger    *slog.Logger

	pc     *webrtc.PeerConnection
	track  *webrtc.TrackLocalStaticSample
	sender *webrtc.RTPSender

	state   atomic.Int32
	onState func(LinkState)

	// swapMu serializes ReplaceOutboundSource against the pump's source
	// lookup. Held only around pointer swaps, never across frame reads.
	swapMu sync.Mutex
	source AudioSource
	muted  atomic.Bool

	candMu       sync.Mutex
	remoteSet    bool
	pendingCands []protocol.ICECandidateInit

	statsMu   sync.Mutex
	lastStats LinkStats

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newPeerLink(signaling *Signaling, sink RemoteSink, logger *slog.Logger) *PeerLink {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PeerLink{
		signaling: signaling,
		sink:      sink,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// State returns the current link state.
func (l *PeerLink) State() LinkState {
	if l == nil {
		return LinkNew
	}
	return LinkState(l.state.Load())
}

// Stats returns the most recent transfer counter snapshot.
func (l *PeerLink) Stats() LinkStats {
	if l == nil {
		return LinkStats{}
	}
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return l.lastStats
}

// Start builds the peer connection, binds source as the outbound feed, and
// sends the SDP offer through the signaling channel.
func (l *PeerLink) Start(source AudioSource) error {
	if l == nil || l.signaling == nil {
		return core.NewInvalidRequestError("peer link is not initialized")
	}
	if l.State() != LinkNew {
		return core.NewInvalidRequestError("peer link already started")
	}
	l.setState(LinkConnecting)

	if err := l.createPeerConnection(); err != nil {
		l.setState(LinkFailed)
		return err
	}
	l.swapMu.Lock()
	l.source = source
	l.swapMu.Unlock()

	l.wg.Add(2)
	go l.pump()
	go l.statsLoop()

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		l.setState(LinkFailed)
		return core.NewNegotiationError("create offer", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		l.setState(LinkFailed)
		return core.NewNegotiationError("set local description", err)
	}
	if err := l.signaling.SendOffer(protocol.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}); err != nil {
		l.setState(LinkFailed)
		return err
	}
	return nil
}

func (l *PeerLink) createPeerConnection() error {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   opusClockRate,
			Channels:    opusChannels,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return core.NewNegotiationError("register opus codec", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return core.NewNegotiationError("register interceptors", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		return core.NewNegotiationError("create peer connection", err)
	}
	l.pc = pc

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: opusChannels},
		"audio",
		"honeycatcher-audio",
	)
	if err != nil {
		return core.NewNegotiationError("create local track", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return core.NewNegotiationError("add local track", err)
	}
	l.track = track
	l.sender = sender

	// RTCP must be drained or the interceptors stall.
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		cand := protocol.ICECandidateInit{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		}
		if err := l.signaling.SendICECandidate(cand); err != nil {
			l.logger.Warn("send ice candidate failed", "error", err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.logger.Info("peer connection state changed", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			l.setState(LinkConnected)
		case webrtc.PeerConnectionStateDisconnected:
			l.setState(LinkDisconnected)
		case webrtc.PeerConnectionStateFailed:
			l.setState(LinkFailed)
		case webrtc.PeerConnectionStateClosed:
			l.setState(LinkDisconnected)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		l.logger.Info("remote audio track received", "codec", track.Codec().MimeType)
		l.wg.Add(1)
		go l.readRemote(track)
	})
	return nil
}

// HandleAnswer applies the peer's SDP answer.
func (l *PeerLink) HandleAnswer(sdp protocol.SessionDescription) error {
	if l == nil || l.pc == nil {
		return core.NewInvalidRequestError("peer link is not started")
	}
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp.SDP}); err != nil {
		return core.NewNegotiationError("set remote description", err)
	}
	l.flushPendingCandidates()
	return nil
}

// HandleOffer applies a peer-initiated SDP offer and replies with an answer.
func (l *PeerLink) HandleOffer(sdp protocol.SessionDescription) error {
	if l == nil || l.pc == nil {
		return core.NewInvalidRequestError("peer link is not started")
	}
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp.SDP}); err != nil {
		return core.NewNegotiationError("set remote description", err)
	}
	l.flushPendingCandidates()
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return core.NewNegotiationError("create answer", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return core.NewNegotiationError("set local description", err)
	}
	return l.signaling.SendAnswer(protocol.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP})
}

// HandleRemoteCandidate adds a relayed ICE candidate. Candidates arriving
// before the remote description are buffered and applied afterwards.
func (l *PeerLink) HandleRemoteCandidate(cand protocol.ICECandidateInit) error {
	if l == nil || l.pc == nil {
		return core.NewInvalidRequestError("peer link is not started")
	}
	l.candMu.Lock()
	if !l.remoteSet {
		l.pendingCands = append(l.pendingCands, cand)
		l.candMu.Unlock()
		return nil
	}
	l.candMu.Unlock()
	return l.addCandidate(cand)
}

func (l *PeerLink) flushPendingCandidates() {
	l.candMu.Lock()
	l.remoteSet = true
	pending := l.pendingCands
	l.pendingCands = nil
	l.candMu.Unlock()
	for _, cand := range pending {
		if err := l.addCandidate(cand); err != nil {
			l.logger.Warn("apply buffered ice candidate failed", "error", err)
		}
	}
}

func (l *PeerLink) addCandidate(cand protocol.ICECandidateInit) error {
	err := l.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
	if err != nil {
		return core.NewNegotiationError("add ice candidate", err)
	}
	return nil
}

// SetMicEnabled mutes or unmutes the outbound feed without tearing the track
// down. While muted, frames are still pulled from the source so capture
// timing is preserved; they are just not written to the track.
func (l *PeerLink) SetMicEnabled(enabled bool) error {
	if l == nil {
		return core.NewInvalidRequestError("peer link is not initialized")
	}
	l.muted.Store(!enabled)
	return nil
}

// MicEnabled reports whether the outbound feed is live.
func (l *PeerLink) MicEnabled() bool {
	return l != nil && !l.muted.Load()
}

// ReplaceOutboundSource atomically swaps what feeds the outbound track. The
// old source is closed before the new one is visible to the pump, so frames
// from both can never interleave.
func (l *PeerLink) ReplaceOutboundSource(source AudioSource) error {
	if l == nil {
		return core.NewInvalidRequestError("peer link is not initialized")
	}
	l.swapMu.Lock()
	old := l.source
	l.source = source
	l.swapMu.Unlock()
	if old != nil && old != source {
		if err := old.Close(); err != nil {
			l.logger.Warn("close replaced audio source", "error", err)
		}
	}
	return nil
}

func (l *PeerLink) currentSource() AudioSource {
	l.swapMu.Lock()
	defer l.swapMu.Unlock()
	return l.source
}

type pumpFrame struct {
	source   AudioSource
	data     []byte
	duration time.Duration
}

// readFrames pulls frames from the current source and forwards them to the
// pump. It is deliberately not tracked by wg: ReadFrame on a long-lived
// source (the microphone) can stay blocked past link shutdown and only
// returns once that source itself is closed.
func (l *PeerLink) readFrames(frames chan<- pumpFrame) {
	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}

		source := l.currentSource()
		if source == nil {
			select {
			case <-l.ctx.Done():
				return
			case <-time.After(opusFrameLength):
			}
			continue
		}

		data, duration, err := source.ReadFrame()
		if err != nil {
			if l.currentSource() != source {
				continue
			}
			if !errors.Is(err, io.EOF) {
				l.logger.Warn("audio source read failed", "error", err)
			}
			select {
			case <-l.ctx.Done():
				return
			case <-time.After(opusFrameLength):
			}
			continue
		}
		select {
		case frames <- pumpFrame{source: source, data: data, duration: duration}:
		case <-l.ctx.Done():
			return
		}
	}
}

// pump paces frames from the current source onto the local track. Frame reads
// happen on readFrames so shutdown never waits on a blocked ReadFrame.
func (l *PeerLink) pump() {
	defer l.wg.Done()
	frames := make(chan pumpFrame)
	go l.readFrames(frames)
	for {
		select {
		case <-l.ctx.Done():
			return
		case frame := <-frames:
			// A swap may have landed while the read was in flight; a stale
			// frame from the old source must never hit the track.
			if l.currentSource() != frame.source {
				continue
			}
			if l.muted.Load() || len(frame.data) == 0 {
				continue
			}
			duration := frame.duration
			if duration <= 0 {
				duration = opusFrameLength
			}
			if err := l.track.WriteSample(media.Sample{Data: frame.data, Duration: duration}); err != nil {
				l.logger.Debug("write sample failed", "error", err)
			}
		}
	}
}

func (l *PeerLink) readRemote(track *webrtc.TrackRemote) {
	defer l.wg.Done()
	buf := make([]byte, 1500)
	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}
		n, _, err := track.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			continue
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(append([]byte(nil), buf[:n]...)); err != nil {
			continue
		}
		if len(pkt.Payload) == 0 || l.sink == nil {
			continue
		}
		if err := l.sink.WriteRTP(pkt); err != nil {
			l.logger.Debug("remote sink write failed", "error", err)
		}
	}
}

func (l *PeerLink) statsLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
		}
		if l.pc == nil {
			continue
		}
		snapshot := LinkStats{At: time.Now()}
		for _, stat := range l.pc.GetStats() {
			switch s := stat.(type) {
			case webrtc.OutboundRTPStreamStats:
				snapshot.BytesSent += s.BytesSent
				snapshot.PacketsSent += uint64(s.PacketsSent)
			case webrtc.InboundRTPStreamStats:
				snapshot.BytesReceived += s.BytesReceived
				snapshot.PacketsReceived += uint64(s.PacketsReceived)
			}
		}
		l.statsMu.Lock()
		l.lastStats = snapshot
		l.statsMu.Unlock()
	}
}

func (l *PeerLink) setState(state LinkState) {
	old := LinkState(l.state.Swap(int32(state)))
	if old == state {
		return
	}
	if l.onState != nil {
		l.onState(state)
	}
}

// Close tears the link down. Safe to call multiple times.
func (l *PeerLink) Close() error {
	if l == nil {
		return nil
	}
	var closeErr error
	l.closeOnce.Do(func() {
		l.cancel()
		l.swapMu.Lock()
		source := l.source
		l.source = nil
		l.swapMu.Unlock()
		if source != nil {
			_ = source.Close()
		}
		if l.pc != nil {
			closeErr = l.pc.Close()
		}
		l.setState(LinkDisconnected)
		l.wg.Wait()
	})
	return closeErr
}
