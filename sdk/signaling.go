package livecall

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/JRiishi/HoneyCatcher/pkg/core"
	"github.com/JRiishi/HoneyCatcher/pkg/protocol"
)

// ConnectionState is the signaling channel lifecycle state.
type ConnectionState int32

const (
	ConnDisconnected ConnectionState = iota
	ConnConnecting
	ConnConnected
	ConnReconnecting
	ConnClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnReconnecting:
		return "reconnecting"
	case ConnClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Signaling is the duplex WebSocket channel to the backend for one call room.
// It owns the join handshake, keepalive pings, and reconnect-with-backoff;
// decoded server frames are delivered in order on Messages().
type Signaling struct {
	client *Client
	roomID string
	role   string
	wsURL  string

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}

	// closeCtx is cancelled by Close so a reconnect sleeping out its backoff
	// aborts immediately.
	closeCtx    context.Context
	closeCancel context.CancelFunc

	msgs  chan any
	state atomic.Int32

	// onState and onReconnectFailed are set before Connect and never after.
	onState           func(ConnectionState)
	onReconnectFailed func(error)

	pendingMu   sync.Mutex
	pendingMode string

	lastPongNano atomic.Int64

	errMu sync.Mutex
	err   error
}

func newSignaling(client *Client, roomID, role string) (*Signaling, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, core.NewInvalidRequestError("room id must not be empty")
	}
	if err := protocol.ValidateRole(role); err != nil {
		return nil, core.NewInvalidRequestError(err.Error())
	}
	closeCtx, closeCancel := context.WithCancel(context.Background())
	return &Signaling{
		client:      client,
		roomID:      roomID,
		role:        role,
		done:        make(chan struct{}),
		msgs:        make(chan any, 256),
		closeCtx:    closeCtx,
		closeCancel: closeCancel,
	}, nil
}

// Messages yields decoded server frames in arrival order. The channel closes
// when the session ends.
func (s *Signaling) Messages() <-chan any {
	if s == nil {
		return nil
	}
	return s.msgs
}

// State returns the current connection state.
func (s *Signaling) State() ConnectionState {
	if s == nil {
		return ConnDisconnected
	}
	return ConnectionState(s.state.Load())
}

// Connect dials the backend, joins the room, and starts the read and
// keepalive loops. It blocks until the join is acknowledged or ctx expires.
func (s *Signaling) Connect(ctx context.Context) error {
	if s == nil || s.client == nil {
		return core.NewInvalidRequestError("signaling channel is not initialized")
	}
	if s.closed.Load() {
		return core.NewConnectionError("signaling channel is closed", nil)
	}
	wsURL, err := s.client.websocketEndpoint("/ws")
	if err != nil {
		return err
	}
	s.wsURL = wsURL

	s.setState(ConnConnecting)
	if err := s.dialAndJoin(ctx); err != nil {
		s.setState(ConnDisconnected)
		return err
	}
	s.setState(ConnConnected)

	go s.run()
	go s.keepalive()
	return nil
}

func (s *Signaling) dialAndJoin(ctx context.Context) error {
	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, s.client.dialTimeout)
		defer cancel()
	}

	dialer := websocket.DefaultDialer
	if dialer == nil {
		dialer = &websocket.Dialer{}
	}
	conn, resp, err := dialer.DialContext(dialCtx, s.wsURL, nil)
	if err != nil {
		if resp != nil {
			return &TransportError{Op: "GET", URL: s.wsURL, Err: fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)}
		}
		return &TransportError{Op: "GET", URL: s.wsURL, Err: err}
	}

	join := protocol.JoinRoom{Type: protocol.TypeJoinRoom, RoomID: s.roomID, Role: s.role}
	if err := conn.WriteJSON(join); err != nil {
		_ = conn.Close()
		return core.NewConnectionError("send join_room", err)
	}

	// The server may send a connected greeting before the join ack; consume
	// frames until joined_room arrives.
	deadline := time.Now().Add(s.client.dialTimeout)
	if d, ok := dialCtx.Deadline(); ok {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return core.NewConnectionError("read join ack", err)
		}
		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			_ = conn.Close()
			return core.NewDecodeError("decode join ack", err)
		}
		switch m := msg.(type) {
		case *protocol.Connected:
			continue
		case *protocol.JoinedRoom:
			_ = conn.SetReadDeadline(time.Time{})
			s.setConn(conn)
			s.lastPongNano.Store(time.Now().UnixNano())
			return nil
		case *protocol.ServerError:
			_ = conn.Close()
			return core.NewConnectionError("join rejected: "+m.Message, nil)
		default:
			continue
		}
	}
}

func (s *Signaling) setConn(conn *websocket.Conn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}

func (s *Signaling) currentConn() *websocket.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

// run reads frames off the current connection and reconnects across drops
// until the channel is closed, a fatal close code arrives, or the reconnect
// budget is spent.
func (s *Signaling) run() {
	defer close(s.msgs)
	defer close(s.done)

	for {
		readErr := s.readAll(s.currentConn())
		if s.closed.Load() {
			s.setState(ConnClosed)
			return
		}
		if code, fatal := fatalClose(readErr); fatal {
			s.client.Logger().Info("signaling closed by server", "room_id", s.roomID, "code", code)
			s.setErr(readErr)
			s.setState(ConnClosed)
			return
		}

		s.client.Logger().Warn("signaling connection lost, reconnecting", "room_id", s.roomID, "error", readErr)
		s.setState(ConnReconnecting)
		if err := s.reconnect(); err != nil {
			if s.closed.Load() {
				// Close aborted the retry; this is not a failed reconnect.
				s.setState(ConnClosed)
				return
			}
			s.setErr(err)
			s.setState(ConnClosed)
			if s.onReconnectFailed != nil {
				s.onReconnectFailed(err)
			}
			return
		}
		s.setState(ConnConnected)
		s.flushPendingMode()
	}
}

func (s *Signaling) readAll(conn *websocket.Conn) error {
	if conn == nil {
		return core.NewConnectionError("no connection", nil)
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			s.client.Logger().Warn("dropping undecodable frame", "room_id", s.roomID, "error", err)
			continue
		}
		if _, ok := msg.(*protocol.Pong); ok {
			s.lastPongNano.Store(time.Now().UnixNano())
			continue
		}
		select {
		case s.msgs <- msg:
		case <-time.After(5 * time.Second):
			// Consumer stalled; drop rather than wedge the read loop.
			s.client.Logger().Warn("dropping frame, consumer stalled", "room_id", s.roomID)
		}
	}
}

func fatalClose(err error) (int, bool) {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return 0, false
	}
	return closeErr.Code, protocol.FatalCloseCode(closeErr.Code)
}

func (s *Signaling) reconnect() error {
	backoff := retry.WithCappedDuration(s.client.reconnectCap, retry.NewExponential(s.client.reconnectBase))
	backoff = retry.WithMaxRetries(s.client.reconnectTries-1, backoff)

	attempt := 0
	err := retry.Do(s.closeCtx, backoff, func(ctx context.Context) error {
		if s.closed.Load() {
			return core.NewConnectionError("signaling channel is closed", nil)
		}
		attempt++
		s.client.Logger().Info("reconnect attempt", "room_id", s.roomID, "attempt", attempt)
		if err := s.dialAndJoin(ctx); err != nil {
			if s.closed.Load() {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return core.NewConnectionError(fmt.Sprintf("reconnect failed after %d attempts", attempt), err)
	}
	return nil
}

// keepalive sends application pings on a fixed cadence. Pong silence is
// logged as staleness but is not by itself a failure; only a transport error
// on the socket trips the reconnect machinery.
func (s *Signaling) keepalive() {
	ticker := time.NewTicker(s.client.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		if s.State() != ConnConnected {
			continue
		}
		if err := s.sendJSON(protocol.Ping{Type: protocol.TypePing}); err != nil {
			continue
		}
		silent := time.Since(time.Unix(0, s.lastPongNano.Load()))
		if silent > s.client.pongWait {
			s.client.Logger().Warn("server pongs are stale", "room_id", s.roomID, "silent", silent)
		}
	}
}

// SendAudioChunk streams one microphone frame. Frames are dropped while the
// channel is reconnecting; stale audio is worthless by the time the channel
// recovers.
func (s *Signaling) SendAudioChunk(data, format string) error {
	if s == nil {
		return core.NewInvalidRequestError("signaling channel is not initialized")
	}
	if s.State() != ConnConnected {
		return nil
	}
	return s.sendJSON(protocol.AudioChunk{Type: protocol.TypeAudioChunk, Data: data, Format: format})
}

// SetAIMode requests an engagement mode switch. While disconnected the most
// recent request is queued and flushed after reconnect.
func (s *Signaling) SetAIMode(mode string) error {
	if s == nil {
		return core.NewInvalidRequestError("signaling channel is not initialized")
	}
	if err := protocol.ValidateMode(mode); err != nil {
		return core.NewInvalidRequestError(err.Error())
	}
	if s.closed.Load() || s.State() == ConnClosed {
		return core.NewConnectionError("signaling channel is closed", nil)
	}
	if s.State() != ConnConnected {
		s.pendingMu.Lock()
		s.pendingMode = mode
		s.pendingMu.Unlock()
		return nil
	}
	return s.sendJSON(protocol.SetAIMode{Type: protocol.TypeSetAIMode, RoomID: s.roomID, Mode: mode})
}

func (s *Signaling) flushPendingMode() {
	s.pendingMu.Lock()
	mode := s.pendingMode
	s.pendingMode = ""
	s.pendingMu.Unlock()
	if mode == "" {
		return
	}
	if err := s.sendJSON(protocol.SetAIMode{Type: protocol.TypeSetAIMode, RoomID: s.roomID, Mode: mode}); err != nil {
		s.client.Logger().Warn("flush queued mode change failed", "room_id", s.roomID, "mode", mode, "error", err)
	}
}

// SendOffer relays a local SDP offer to the peer.
func (s *Signaling) SendOffer(sdp protocol.SessionDescription) error {
	return s.sendJSON(protocol.WebRTCOffer{Type: protocol.TypeWebRTCOffer, Offer: sdp, From: s.role})
}

// SendAnswer relays a local SDP answer to the peer.
func (s *Signaling) SendAnswer(sdp protocol.SessionDescription) error {
	return s.sendJSON(protocol.WebRTCAnswer{Type: protocol.TypeWebRTCAnswer, Answer: sdp, From: s.role})
}

// SendICECandidate relays a local ICE candidate to the peer.
func (s *Signaling) SendICECandidate(candidate protocol.ICECandidateInit) error {
	return s.sendJSON(protocol.ICECandidate{Type: protocol.TypeICECandidate, Candidate: candidate, From: s.role})
}

func (s *Signaling) sendJSON(v any) error {
	if s.closed.Load() {
		return core.NewConnectionError("signaling channel is closed", nil)
	}
	conn := s.currentConn()
	if conn == nil {
		return core.NewConnectionError("not connected", nil)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		return core.NewConnectionError("write frame", err)
	}
	return nil
}

// Close shuts the channel down. Safe to call multiple times and from any
// goroutine; it blocks until the read loop has exited.
func (s *Signaling) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeCancel()
		if conn := s.currentConn(); conn != nil {
			s.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
			s.writeMu.Unlock()
			_ = conn.Close()
		} else {
			// Connect never completed; nothing is draining done.
			s.setState(ConnClosed)
			close(s.msgs)
			close(s.done)
		}
	})
	<-s.done
	return nil
}

// Err returns the terminal channel error, if any. It blocks until the
// channel has shut down.
func (s *Signaling) Err() error {
	if s == nil {
		return nil
	}
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Signaling) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Signaling) setState(state ConnectionState) {
	old := ConnectionState(s.state.Swap(int32(state)))
	if old == state {
		return
	}
	if s.onState != nil {
		s.onState(state)
	}
}
