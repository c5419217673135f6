package livecall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/JRiishi/HoneyCatcher/pkg/core"
	"github.com/JRiishi/HoneyCatcher/pkg/protocol"
)

// CallsService provides the call lifecycle REST API.
type CallsService struct {
	client *Client
}

// CallInfo describes one honeypot call.
type CallInfo struct {
	CallID    string `json:"call_id"`
	RoomID    string `json:"room_id"`
	Status    string `json:"status"`
	Mode      string `json:"mode,omitempty"`
	StartedAt string `json:"started_at,omitempty"`
}

// ReportUtterance is one transcript line in a final call report.
type ReportUtterance struct {
	Speaker   string `json:"speaker"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp,omitempty"`
}

// CallReport is the final intelligence report produced when a call ends.
type CallReport struct {
	CallID          string            `json:"call_id"`
	Transcript      []ReportUtterance `json:"transcript,omitempty"`
	Entities        []protocol.Entity `json:"entities,omitempty"`
	ThreatLevel     float64           `json:"threat_level"`
	Tactics         []string          `json:"tactics,omitempty"`
	DurationSeconds float64           `json:"duration_seconds"`
}

// Start registers a new call and returns the room to join.
func (s *CallsService) Start(ctx context.Context) (*CallInfo, error) {
	if s == nil || s.client == nil {
		return nil, core.NewInvalidRequestError("calls service is not initialized")
	}
	var info CallInfo
	if err := s.do(ctx, http.MethodPost, "/call/start", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// End finishes a call and returns its intelligence report.
func (s *CallsService) End(ctx context.Context, callID string) (*CallReport, error) {
	if s == nil || s.client == nil {
		return nil, core.NewInvalidRequestError("calls service is not initialized")
	}
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return nil, core.NewInvalidRequestError("call id must not be empty")
	}
	var report CallReport
	if err := s.do(ctx, http.MethodPost, "/call/end/"+callID, nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Info fetches the current state of a call.
func (s *CallsService) Info(ctx context.Context, callID string) (*CallInfo, error) {
	if s == nil || s.client == nil {
		return nil, core.NewInvalidRequestError("calls service is not initialized")
	}
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return nil, core.NewInvalidRequestError("call id must not be empty")
	}
	var info CallInfo
	if err := s.do(ctx, http.MethodGet, "/call/info/"+callID, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *CallsService) do(ctx context.Context, method, path string, payload, out any) error {
	endpoint := s.client.restEndpoint(path)

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return core.NewInvalidRequestError("encode request body")
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return core.NewInvalidRequestError("build request")
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.client.apiKey != "" {
		req.Header.Set("x-api-key", s.client.apiKey)
	}

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: method, URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &TransportError{Op: method, URL: endpoint, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return core.NewDecodeError(fmt.Sprintf("decode %s response", path), err)
	}
	return nil
}

func apiError(status int, body []byte) error {
	var payload struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Detail != "" {
			message = payload.Detail
		} else if payload.Message != "" {
			message = payload.Message
		}
	}
	if message == "" {
		message = http.StatusText(status)
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return core.NewPermissionError(message, nil)
	case http.StatusNotFound, http.StatusBadRequest, http.StatusUnprocessableEntity:
		return core.NewInvalidRequestError(message)
	default:
		return core.NewConnectionError(fmt.Sprintf("backend returned %d: %s", status, message), nil)
	}
}
