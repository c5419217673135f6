package livecall

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JRiishi/HoneyCatcher/pkg/core"
)

func newCallsTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(WithBaseURL(server.URL), WithAPIKey("test-key"))
}

func TestCalls_StartSendsAPIKey(t *testing.T) {
	t.Parallel()

	client := newCallsTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/call/start", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"call_id": "call-9",
			"room_id": "room-9",
			"status":  "active",
		})
	})

	info, err := client.Calls.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "call-9", info.CallID)
	assert.Equal(t, "room-9", info.RoomID)
	assert.Equal(t, "active", info.Status)
}

func TestCalls_EndReturnsReport(t *testing.T) {
	t.Parallel()

	client := newCallsTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/call/end/call-9", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"call_id": "call-9",
			"transcript": []map[string]any{
				{"speaker": "scammer", "text": "pay now"},
				{"speaker": "ai", "text": "let me find my card"},
			},
			"entities":         []map[string]any{{"type": "phone", "value": "+1555"}},
			"threat_level":     0.7,
			"tactics":          []string{"urgency", "authority"},
			"duration_seconds": 312.5,
		})
	})

	report, err := client.Calls.End(context.Background(), "call-9")
	require.NoError(t, err)
	require.Len(t, report.Transcript, 2)
	assert.Equal(t, "pay now", report.Transcript[0].Text)
	assert.Equal(t, "phone", report.Entities[0].Kind)
	assert.InDelta(t, 0.7, report.ThreatLevel, 1e-9)
	assert.InDelta(t, 312.5, report.DurationSeconds, 1e-9)
	assert.Equal(t, []string{"urgency", "authority"}, report.Tactics)
}

func TestCalls_InfoNotFound(t *testing.T) {
	t.Parallel()

	client := newCallsTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"call not found"}`, http.StatusNotFound)
	})

	_, err := client.Calls.Info(context.Background(), "missing")
	require.Error(t, err)
	var coreErr *core.Error
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, core.ErrInvalidRequest, coreErr.Type)
	assert.Contains(t, coreErr.Message, "call not found")
}

func TestCalls_UnauthorizedMapsToPermission(t *testing.T) {
	t.Parallel()

	client := newCallsTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"bad key"}`, http.StatusUnauthorized)
	})

	_, err := client.Calls.Start(context.Background())
	require.Error(t, err)
	var coreErr *core.Error
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, core.ErrPermission, coreErr.Type)
}

func TestCalls_EmptyCallID(t *testing.T) {
	t.Parallel()

	client := NewClient()
	_, err := client.Calls.End(context.Background(), "  ")
	require.Error(t, err)
	_, err = client.Calls.Info(context.Background(), "")
	require.Error(t, err)
}

func TestCalls_TransportErrorWrapped(t *testing.T) {
	t.Parallel()

	client := NewClient(WithBaseURL("http://127.0.0.1:1"))
	_, err := client.Calls.Start(context.Background())
	require.Error(t, err)
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, http.MethodPost, transportErr.Op)
}
