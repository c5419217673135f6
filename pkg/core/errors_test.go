package core

import (
	"errors"
	"strings"
	"testing"
)

func TestError_FormatsTypeMessageCode(t *testing.T) {
	err := NewSynthesisError("voice model unavailable", "tts_unavailable")
	got := err.Error()
	if !strings.Contains(got, "synthesis_error") || !strings.Contains(got, "tts_unavailable") {
		t.Fatalf("error=%q, expected type and code", got)
	}
}

func TestError_UnwrapExposesCause(t *testing.T) {
	cause := errors.New("device busy")
	err := NewPermissionError("microphone access denied", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to match wrapped cause")
	}
}

func TestError_Recoverability(t *testing.T) {
	cases := []struct {
		err  *Error
		want bool
	}{
		{NewSynthesisError("model failed", ""), true},
		{NewDecodeError("bad payload", nil), true},
		{NewTransportError("socket reset", nil), false},
		{NewNegotiationError("offer rejected", nil), false},
		{NewPermissionError("denied", nil), false},
	}
	for _, tc := range cases {
		if got := tc.err.IsRecoverable(); got != tc.want {
			t.Fatalf("IsRecoverable(%s)=%v, want %v", tc.err.Type, got, tc.want)
		}
	}
}
