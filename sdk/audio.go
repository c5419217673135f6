package livecall

import (
	"io"
	"sync"
	"time"

	"github.com/JRiishi/HoneyCatcher/pkg/core"
)

// BufferSource is a push-fed AudioSource. Producers push frames already in
// the track codec; ReadFrame blocks until a frame is available or the source
// is closed.
type BufferSource struct {
	frames    chan bufferFrame
	closeOnce sync.Once
	done      chan struct{}
}

type bufferFrame struct {
	data     []byte
	duration time.Duration
}

// NewBufferSource creates a BufferSource holding up to capacity frames.
func NewBufferSource(capacity int) *BufferSource {
	if capacity <= 0 {
		capacity = 256
	}
	return &BufferSource{
		frames: make(chan bufferFrame, capacity),
		done:   make(chan struct{}),
	}
}

// Push appends one frame. Frames are dropped when the buffer is full; the
// producer must never be blocked by a stalled link.
func (b *BufferSource) Push(data []byte, duration time.Duration) error {
	if b == nil {
		return core.NewInvalidRequestError("buffer source is not initialized")
	}
	select {
	case <-b.done:
		return core.NewInvalidRequestError("buffer source is closed")
	default:
	}
	frame := bufferFrame{data: append([]byte(nil), data...), duration: duration}
	select {
	case b.frames <- frame:
		return nil
	default:
		return core.NewInvalidRequestError("buffer source is full")
	}
}

// ReadFrame pops the next frame, blocking until one arrives or the source
// closes.
func (b *BufferSource) ReadFrame() ([]byte, time.Duration, error) {
	if b == nil {
		return nil, 0, io.EOF
	}
	select {
	case frame := <-b.frames:
		return frame.data, frame.duration, nil
	case <-b.done:
		// Drain what was pushed before the close.
		select {
		case frame := <-b.frames:
			return frame.data, frame.duration, nil
		default:
			return nil, 0, io.EOF
		}
	}
}

// Close unblocks pending readers. Idempotent.
func (b *BufferSource) Close() error {
	if b == nil {
		return nil
	}
	b.closeOnce.Do(func() {
		close(b.done)
	})
	return nil
}

// keepOpen shields a long-lived source (the microphone) from the outbound
// swap's close-on-replace so it survives mode flips.
type keepOpen struct {
	AudioSource
}

func (keepOpen) Close() error { return nil }
