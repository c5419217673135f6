package livecall

import (
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/JRiishi/HoneyCatcher/pkg/protocol"
)

// fakeLink records mic state and the bound outbound source.
type fakeLink struct {
	mu         sync.Mutex
	micEnabled bool
	source     AudioSource
	swaps      int
}

func (l *fakeLink) SetMicEnabled(enabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.micEnabled = enabled
	return nil
}

func (l *fakeLink) ReplaceOutboundSource(source AudioSource) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.source = source
	l.swaps++
	return nil
}

// aiFeedBound reports whether the outbound track is fed by an AI buffer
// rather than the microphone.
func (l *fakeLink) aiFeedBound() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.source.(*BufferSource)
	return ok
}

func (l *fakeLink) boundSource() AudioSource {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.source
}

func (l *fakeLink) mic() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.micEnabled
}

type fakeModeSetter struct {
	mu    sync.Mutex
	modes []string
}

func (f *fakeModeSetter) SetAIMode(mode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modes = append(f.modes, mode)
	return nil
}

func (f *fakeModeSetter) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.modes...)
}

type silentSource struct{}

func (silentSource) ReadFrame() ([]byte, time.Duration, error) { return nil, 0, io.EOF }
func (silentSource) Close() error                              { return nil }

func newTestController() (*TakeoverController, *fakeLink, *fakeModeSetter) {
	link := &fakeLink{micEnabled: true}
	signals := &fakeModeSetter{}
	ctrl := newTakeoverController(link, signals, silentSource{}, nil, nil)
	return ctrl, link, signals
}

func assertInvariant(t *testing.T, link *fakeLink) {
	t.Helper()
	if link.mic() && link.aiFeedBound() {
		t.Fatalf("invariant violated: mic enabled while ai feed is bound")
	}
}

func TestTakeover_SwitchToAIMutesMicButBindsLazily(t *testing.T) {
	t.Parallel()

	ctrl, link, signals := newTestController()
	if err := ctrl.SetMode(protocol.ModeAIOnly); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	if link.mic() {
		t.Fatalf("mic still enabled after switching to ai mode")
	}
	if ctrl.AIBound() {
		t.Fatalf("ai feed bound before the first clip")
	}
	if got := signals.sent(); len(got) != 1 || got[0] != protocol.ModeAIOnly {
		t.Fatalf("sent modes=%v, want [ai_only]", got)
	}

	buffer, ok := ctrl.HandleAudioResponse()
	if !ok {
		t.Fatalf("first clip in ai mode was rejected")
	}
	if buffer == nil {
		t.Fatalf("activation did not hand back the ai feed")
	}
	if !ctrl.AIBound() {
		t.Fatalf("ai feed not bound after first clip")
	}
	assertInvariant(t, link)

	// Later clips reuse the bound feed.
	again, ok := ctrl.HandleAudioResponse()
	if !ok || again != buffer {
		t.Fatalf("second clip did not reuse the bound feed")
	}
}

func TestTakeover_RevertRestoresMicImmediately(t *testing.T) {
	t.Parallel()

	ctrl, link, signals := newTestController()
	if err := ctrl.SetMode(protocol.ModeAIOnly); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	if _, ok := ctrl.HandleAudioResponse(); !ok {
		t.Fatalf("activation clip rejected")
	}

	if err := ctrl.SetMode(protocol.ModeOperator); err != nil {
		t.Fatalf("revert: %v", err)
	}
	if !link.mic() {
		t.Fatalf("mic not restored on revert")
	}
	if ctrl.AIBound() || link.aiFeedBound() {
		t.Fatalf("ai feed still bound after revert")
	}
	assertInvariant(t, link)
	if got := signals.sent(); len(got) != 2 || got[1] != protocol.ModeOperator {
		t.Fatalf("sent modes=%v, want [ai_only operator]", got)
	}

	// A filler clip landing after the revert is dropped.
	if _, ok := ctrl.HandleAudioResponse(); ok {
		t.Fatalf("stale clip accepted in operator mode")
	}
	assertInvariant(t, link)
}

func TestTakeover_SetModeIsIdempotent(t *testing.T) {
	t.Parallel()

	ctrl, _, signals := newTestController()
	if err := ctrl.SetMode(protocol.ModeOperator); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	if len(signals.sent()) != 0 {
		t.Fatalf("no-op switch still hit the backend")
	}
	if err := ctrl.SetMode("autopilot"); err == nil {
		t.Fatalf("expected invalid mode error")
	}
}

func TestTakeover_ServerReconcileWins(t *testing.T) {
	t.Parallel()

	ctrl, link, signals := newTestController()

	// Server flips us into ai mode without a local request.
	ctrl.HandleModeChanged(protocol.ModeAIOnly)
	if ctrl.Mode() != protocol.ModeAIOnly {
		t.Fatalf("mode=%q, want ai_only after reconcile", ctrl.Mode())
	}
	if link.mic() {
		t.Fatalf("mic live after server moved us to ai mode")
	}
	// Reconciling must not echo a set_ai_mode back.
	if len(signals.sent()) != 0 {
		t.Fatalf("reconcile echoed set_ai_mode: %v", signals.sent())
	}

	ctrl.HandleModeChanged(protocol.ModeOperator)
	if ctrl.Mode() != protocol.ModeOperator || !link.mic() {
		t.Fatalf("reconcile back to operator did not restore the mic")
	}
	assertInvariant(t, link)
}

func TestTakeover_AIErrorForcesRecovery(t *testing.T) {
	t.Parallel()

	ctrl, link, _ := newTestController()
	if err := ctrl.SetMode(protocol.ModeAIOnly); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	if _, ok := ctrl.HandleAudioResponse(); !ok {
		t.Fatalf("activation clip rejected")
	}

	ctrl.HandleAIError()
	if ctrl.Mode() != protocol.ModeOperator {
		t.Fatalf("mode=%q, want operator after ai_error", ctrl.Mode())
	}
	if !link.mic() || ctrl.AIBound() {
		t.Fatalf("forced recovery left mic=%v aiBound=%v", link.mic(), ctrl.AIBound())
	}
	assertInvariant(t, link)

	// A second ai_error in operator mode is a no-op.
	ctrl.HandleAIError()
	assertInvariant(t, link)
}

func TestTakeover_InvariantHoldsUnderRandomSequences(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 50; run++ {
		ctrl, link, _ := newTestController()
		for step := 0; step < 200; step++ {
			switch rng.Intn(6) {
			case 0:
				_ = ctrl.SetMode(protocol.ModeAIOnly)
			case 1:
				_ = ctrl.SetMode(protocol.ModeOperator)
			case 2:
				ctrl.HandleAudioResponse()
			case 3:
				ctrl.HandleModeChanged(protocol.ModeAIOnly)
			case 4:
				ctrl.HandleModeChanged(protocol.ModeOperator)
			case 5:
				ctrl.HandleAIError()
			}
			assertInvariant(t, link)
			if ctrl.AIBound() && ctrl.Mode() != protocol.ModeAIOnly {
				t.Fatalf("run %d step %d: ai feed bound outside ai mode", run, step)
			}
		}
	}
}
