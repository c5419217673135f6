// Package protocol defines the signaling vocabulary for live call rooms.
//
// The signaling channel is a single ordered WebSocket stream carrying JSON
// frames. Every frame is an object with a "type" field; the remaining fields
// depend on the type. Media does not travel here — only control, transcripts,
// coaching, intelligence, and synthesized-audio payloads.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Roles of the two call participants.
const (
	RoleOperator = "operator"
	RoleScammer  = "scammer"
)

// AI takeover modes as they appear on the wire.
const (
	ModeOperator = "operator"
	ModeAIOnly   = "ai_only"
)

// Transcript speakers.
const (
	SpeakerOperator = "operator"
	SpeakerScammer  = "scammer"
	SpeakerAI       = "ai"
)

// WebSocket close codes with protocol meaning. 1000 is the usual normal
// closure; the 4xxx codes are application-fatal and must not trigger a
// reconnect.
const (
	CloseCodeNormal       = 1000
	CloseCodeUnauthorized = 4001
	CloseCodeRoomNotFound = 4004
)

// FatalCloseCode reports whether a close code terminates the session outright
// (no reconnect attempt is permitted).
func FatalCloseCode(code int) bool {
	switch code {
	case CloseCodeNormal, CloseCodeUnauthorized, CloseCodeRoomNotFound:
		return true
	default:
		return false
	}
}

// Message type names, client to server.
const (
	TypeJoinRoom     = "join_room"
	TypePing         = "ping"
	TypeAudioChunk   = "audio_chunk"
	TypeSetAIMode    = "set_ai_mode"
	TypeWebRTCOffer  = "webrtc_offer"
	TypeWebRTCAnswer = "webrtc_answer"
	TypeICECandidate = "ice_candidate"
)

// Message type names, server to client. webrtc_offer / webrtc_answer /
// ice_candidate are relayed in both directions.
const (
	TypeConnected          = "connected"
	TypeJoinedRoom         = "joined_room"
	TypePong               = "pong"
	TypeTranscription      = "transcription"
	TypeAICoaching         = "ai_coaching"
	TypeIntelligenceUpdate = "intelligence_update"
	TypeAudioResponse      = "audio_response"
	TypeAIModeChanged      = "ai_mode_changed"
	TypeAIError            = "ai_error"
	TypePeerJoined         = "peer_joined"
	TypePeerDisconnected   = "peer_disconnected"
	TypeCallEnded          = "call_ended"
	TypeSessionEnded       = "session_ended"
	TypeURLScanResult      = "url_scan_result"
	TypeError              = "error"
)

// DecodeError describes a frame that could not be decoded.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

// SessionDescription is an SDP offer or answer relayed between peers.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidateInit mirrors the browser RTCIceCandidateInit shape.
type ICECandidateInit struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// ── Client → server frames ──────────────────────────────────────────────

type JoinRoom struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Role   string `json:"role"`
}

type Ping struct {
	Type string `json:"type"`
}

// AudioChunk carries one base64-encoded microphone capture frame.
// Fire-and-forget; the server never acknowledges individual chunks.
type AudioChunk struct {
	Type   string `json:"type"`
	Data   string `json:"data"`
	Format string `json:"format"`
}

type SetAIMode struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Mode   string `json:"mode"`
}

type WebRTCOffer struct {
	Type  string             `json:"type"`
	Offer SessionDescription `json:"offer"`
	From  string             `json:"from,omitempty"`
}

type WebRTCAnswer struct {
	Type   string             `json:"type"`
	Answer SessionDescription `json:"answer"`
	From   string             `json:"from,omitempty"`
}

type ICECandidate struct {
	Type      string           `json:"type"`
	Candidate ICECandidateInit `json:"candidate"`
	From      string           `json:"from,omitempty"`
}

// ── Server → client frames ──────────────────────────────────────────────

type Connected struct {
	Type string `json:"type"`
	SID  string `json:"sid,omitempty"`
}

type JoinedRoom struct {
	Type           string `json:"type"`
	RoomID         string `json:"room_id"`
	Role           string `json:"role"`
	WaitingForPeer bool   `json:"waiting_for_peer"`
}

type Pong struct {
	Type string `json:"type"`
}

type Transcription struct {
	Type       string  `json:"type"`
	Speaker    string  `json:"speaker"`
	Text       string  `json:"text"`
	Language   string  `json:"language,omitempty"`
	Timestamp  string  `json:"timestamp,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

type AICoaching struct {
	Type                string   `json:"type"`
	Suggestions         []string `json:"suggestions,omitempty"`
	RecommendedResponse string   `json:"recommended_response,omitempty"`
	Confidence          float64  `json:"confidence,omitempty"`
	Intent              string   `json:"intent,omitempty"`
	Reasoning           string   `json:"reasoning,omitempty"`
	Warning             string   `json:"warning,omitempty"`
	Timestamp           string   `json:"timestamp,omitempty"`
}

// Entity is one piece of extracted scam intelligence (a bank account, a UPI
// id, a phone number, ...).
type Entity struct {
	Kind       string  `json:"type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence,omitempty"`
}

type IntelligenceUpdate struct {
	Type        string   `json:"type"`
	Entities    []Entity `json:"entities,omitempty"`
	ThreatLevel float64  `json:"threat_level"`
	Tactics     []string `json:"tactics,omitempty"`
}

// AudioResponse carries one clip of AI-synthesized speech. Audio is base64
// in the stated format; Text, when present, is the sentence being spoken.
type AudioResponse struct {
	Type   string `json:"type"`
	Audio  string `json:"audio"`
	Format string `json:"format,omitempty"`
	Text   string `json:"text,omitempty"`
}

type AIModeChanged struct {
	Type string `json:"type"`
	Mode string `json:"mode"`
}

type AIError struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
	Text  string `json:"text,omitempty"`
}

type PeerJoined struct {
	Type    string `json:"type"`
	RoomID  string `json:"room_id,omitempty"`
	Message string `json:"message,omitempty"`
}

type PeerDisconnected struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id,omitempty"`
}

type CallEnded struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id,omitempty"`
}

type URLScanResult struct {
	Type      string   `json:"type"`
	URL       string   `json:"url"`
	IsSafe    bool     `json:"is_safe"`
	RiskScore float64  `json:"risk_score"`
	Findings  []string `json:"findings,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
}

type ServerError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ── Decoding ────────────────────────────────────────────────────────────

// DecodeServerMessage decodes one inbound frame into its typed struct.
// Unknown types decode to Unknown rather than an error so that newer servers
// do not break older clients.
func DecodeServerMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badFrame("missing type", "type")
	}

	decode := func(v any) (any, error) {
		if err := json.Unmarshal(data, v); err != nil {
			return nil, badFrame("invalid "+typ+" frame", "")
		}
		return v, nil
	}

	switch typ {
	case TypeConnected:
		msg := &Connected{}
		return decode(msg)
	case TypeJoinedRoom:
		msg := &JoinedRoom{}
		return decode(msg)
	case TypePong:
		return &Pong{Type: TypePong}, nil
	case TypeTranscription:
		msg := &Transcription{}
		if _, err := decode(msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badFrame("transcription.text is required", "text")
		}
		return msg, nil
	case TypeAICoaching:
		msg := &AICoaching{}
		return decode(msg)
	case TypeIntelligenceUpdate:
		msg := &IntelligenceUpdate{}
		return decode(msg)
	case TypeAudioResponse:
		msg := &AudioResponse{}
		if _, err := decode(msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Audio) == "" && strings.TrimSpace(msg.Text) == "" {
			return nil, badFrame("audio_response requires audio or text", "audio")
		}
		return msg, nil
	case TypeAIModeChanged:
		msg := &AIModeChanged{}
		if _, err := decode(msg); err != nil {
			return nil, err
		}
		if err := ValidateMode(msg.Mode); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeAIError:
		msg := &AIError{}
		return decode(msg)
	case TypePeerJoined:
		msg := &PeerJoined{}
		return decode(msg)
	case TypePeerDisconnected:
		msg := &PeerDisconnected{}
		return decode(msg)
	case TypeCallEnded, TypeSessionEnded:
		msg := &CallEnded{}
		if _, err := decode(msg); err != nil {
			return nil, err
		}
		msg.Type = TypeCallEnded
		return msg, nil
	case TypeURLScanResult:
		msg := &URLScanResult{}
		return decode(msg)
	case TypeError:
		msg := &ServerError{}
		return decode(msg)
	case TypeWebRTCOffer:
		msg := &WebRTCOffer{}
		return decode(msg)
	case TypeWebRTCAnswer:
		msg := &WebRTCAnswer{}
		return decode(msg)
	case TypeICECandidate:
		msg := &ICECandidate{}
		return decode(msg)
	default:
		return &Unknown{Type: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// Unknown preserves a frame this client version does not understand.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

// ValidateMode checks a wire mode value.
func ValidateMode(mode string) error {
	switch mode {
	case ModeOperator, ModeAIOnly:
		return nil
	default:
		return badFrame(fmt.Sprintf("unknown mode %q", mode), "mode")
	}
}

// ValidateRole checks a wire role value.
func ValidateRole(role string) error {
	switch role {
	case RoleOperator, RoleScammer:
		return nil
	default:
		return badFrame(fmt.Sprintf("unknown role %q", role), "role")
	}
}
