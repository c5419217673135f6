package livecall

import (
	"log/slog"
	"sync"

	"github.com/JRiishi/HoneyCatcher/pkg/core"
	"github.com/JRiishi/HoneyCatcher/pkg/protocol"
)

// AudioLink is the subset of the peer link the takeover controller drives.
type AudioLink interface {
	SetMicEnabled(enabled bool) error
	ReplaceOutboundSource(source AudioSource) error
}

// ModeSetter requests engagement mode changes on the backend.
type ModeSetter interface {
	SetAIMode(mode string) error
}

// TakeoverController owns the operator/AI engagement switch for one call.
//
// It guards a single invariant: the microphone feed and the AI speech feed
// are never live on the outbound track at the same time. Switching to AI mode
// mutes the mic immediately but binds the AI feed lazily, on the first
// synthesized clip, so a switch the server never honors leaves the track
// untouched. Switching back restores the mic before anything else.
type TakeoverController struct {
	link        AudioLink
	signals     ModeSetter
	micSource   AudioSource
	newAISource func() AudioSource
	logger      *slog.Logger
	onMode      func(mode string)

	mu       sync.Mutex
	mode     string
	aiBound  bool
	aiSource AudioSource
}

func newTakeoverController(link AudioLink, signals ModeSetter, micSource AudioSource, newAISource func() AudioSource, logger *slog.Logger) *TakeoverController {
	if logger == nil {
		logger = slog.Default()
	}
	if newAISource == nil {
		newAISource = func() AudioSource { return NewBufferSource(0) }
	}
	return &TakeoverController{
		link:        link,
		signals:     signals,
		micSource:   micSource,
		newAISource: newAISource,
		logger:      logger,
		mode:        protocol.ModeOperator,
	}
}

// Mode returns the effective engagement mode.
func (t *TakeoverController) Mode() string {
	if t == nil {
		return protocol.ModeOperator
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// AIBound reports whether the AI feed currently owns the outbound track.
func (t *TakeoverController) AIBound() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aiBound
}

// SetMode switches engagement mode locally and tells the backend.
func (t *TakeoverController) SetMode(mode string) error {
	if t == nil {
		return core.NewInvalidRequestError("takeover controller is not initialized")
	}
	if err := protocol.ValidateMode(mode); err != nil {
		return core.NewInvalidRequestError(err.Error())
	}
	t.mu.Lock()
	if t.mode == mode {
		t.mu.Unlock()
		return nil
	}
	if err := t.applyLocked(mode); err != nil {
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()

	if t.onMode != nil {
		t.onMode(mode)
	}
	return t.signals.SetAIMode(mode)
}

// applyLocked performs the local side of a mode transition. Caller holds mu.
func (t *TakeoverController) applyLocked(mode string) error {
	switch mode {
	case protocol.ModeAIOnly:
		// Mute first; the AI feed binds lazily on the first clip.
		if err := t.link.SetMicEnabled(false); err != nil {
			return err
		}
	case protocol.ModeOperator:
		if t.aiBound {
			if err := t.link.ReplaceOutboundSource(keepOpen{t.micSource}); err != nil {
				return err
			}
			t.aiBound = false
			t.aiSource = nil
		}
		if err := t.link.SetMicEnabled(true); err != nil {
			return err
		}
	}
	t.mode = mode
	return nil
}

// HandleAudioResponse routes one synthesized clip. The first clip after a
// switch to AI mode takes over the outbound track. Clips arriving after a
// revert to operator mode are stale fillers and are dropped; the caller only
// plays the clip when this returns an AI source to feed.
func (t *TakeoverController) HandleAudioResponse() (*BufferSource, bool) {
	if t == nil {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mode != protocol.ModeAIOnly {
		return nil, false
	}
	if !t.aiBound {
		if err := t.link.SetMicEnabled(false); err != nil {
			t.logger.Warn("mute mic for ai takeover failed", "error", err)
			return nil, false
		}
		source := t.newAISource()
		if err := t.link.ReplaceOutboundSource(source); err != nil {
			t.logger.Warn("bind ai feed failed", "error", err)
			return nil, false
		}
		t.aiSource = source
		t.aiBound = true
	}
	buffer, _ := t.aiSource.(*BufferSource)
	return buffer, true
}

// HandleModeChanged reconciles local state with the server's announced mode.
// The server's view wins.
func (t *TakeoverController) HandleModeChanged(mode string) {
	if t == nil || protocol.ValidateMode(mode) != nil {
		return
	}
	t.mu.Lock()
	if t.mode == mode {
		t.mu.Unlock()
		return
	}
	t.logger.Info("reconciling engagement mode with server", "mode", mode)
	if err := t.applyLocked(mode); err != nil {
		t.logger.Warn("mode reconcile failed", "mode", mode, "error", err)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	if t.onMode != nil {
		t.onMode(mode)
	}
}

// HandleAIError recovers from a backend synthesis failure. The server has
// already dropped to operator mode; restore the mic so the call never goes
// silent.
func (t *TakeoverController) HandleAIError() {
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.mode == protocol.ModeOperator {
		t.mu.Unlock()
		return
	}
	t.logger.Warn("ai synthesis failed, reverting to operator mode")
	if err := t.applyLocked(protocol.ModeOperator); err != nil {
		t.logger.Warn("forced recovery failed", "error", err)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	if t.onMode != nil {
		t.onMode(protocol.ModeOperator)
	}
}
