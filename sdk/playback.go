package livecall

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/JRiishi/HoneyCatcher/pkg/core"
)

const defaultFallbackFormat = "mp3"

// Clip is one decoded utterance ready for the player.
type Clip struct {
	PCM        []byte
	SampleRate int
	Channels   int
	Text       string
}

// Decoder turns a compressed audio payload into playable PCM.
type Decoder interface {
	Decode(data []byte, format string) (Clip, error)
}

// Player renders one clip to completion or until ctx is cancelled.
type Player interface {
	Play(ctx context.Context, clip Clip) error
}

type playbackItem struct {
	data   []byte
	format string
	text   string
}

// PlaybackQueue plays AI speech clips strictly in arrival order. A single
// worker decodes and plays one clip at a time; a clip that fails to decode in
// its stated format gets one retry in the fallback format, then is skipped so
// the next clip is never blocked.
type PlaybackQueue struct {
	decoder        Decoder
	player         Player
	logger         *slog.Logger
	fallbackFormat string

	items     chan playbackItem
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	playing   atomic.Bool

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

func newPlaybackQueue(decoder Decoder, player Player, logger *slog.Logger) *PlaybackQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &PlaybackQueue{
		decoder:        decoder,
		player:         player,
		logger:         logger,
		fallbackFormat: defaultFallbackFormat,
		items:          make(chan playbackItem, 64),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	go q.worker()
	return q
}

// Enqueue adds one base64 clip to the tail of the queue.
func (q *PlaybackQueue) Enqueue(audioB64, format, text string) error {
	if q == nil {
		return core.NewInvalidRequestError("playback queue is not initialized")
	}
	select {
	case <-q.quit:
		return core.NewInvalidRequestError("playback queue is closed")
	default:
	}
	data, err := base64.StdEncoding.DecodeString(audioB64)
	if err != nil {
		return core.NewDecodeError("decode clip payload", err)
	}
	item := playbackItem{data: data, format: strings.TrimSpace(format), text: text}
	select {
	case <-q.quit:
		return core.NewInvalidRequestError("playback queue is closed")
	case q.items <- item:
		return nil
	default:
		return core.NewInvalidRequestError("playback queue is full")
	}
}

// Depth returns the number of queued clips, excluding the one playing.
func (q *PlaybackQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.items)
}

// Playing reports whether a clip is currently being rendered.
func (q *PlaybackQueue) Playing() bool {
	return q != nil && q.playing.Load()
}

// Clear drops all queued clips and interrupts the clip being played.
func (q *PlaybackQueue) Clear() {
	if q == nil {
		return
	}
	for {
		select {
		case <-q.items:
		default:
			q.interrupt()
			return
		}
	}
}

// Close shuts the queue down, interrupting any in-flight clip. It blocks
// until the worker has exited.
func (q *PlaybackQueue) Close() error {
	if q == nil {
		return nil
	}
	q.closeOnce.Do(func() {
		close(q.quit)
		q.interrupt()
	})
	<-q.done
	return nil
}

func (q *PlaybackQueue) interrupt() {
	q.cancelMu.Lock()
	cancel := q.cancel
	q.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (q *PlaybackQueue) worker() {
	defer close(q.done)
	for {
		select {
		case <-q.quit:
			return
		case item := <-q.items:
			q.playOne(item)
		}
	}
}

func (q *PlaybackQueue) playOne(item playbackItem) {
	clip, err := q.decoder.Decode(item.data, item.format)
	if err != nil {
		q.logger.Warn("clip decode failed, trying fallback format", "format", item.format, "fallback", q.fallbackFormat, "error", err)
		clip, err = q.decoder.Decode(item.data, q.fallbackFormat)
		if err != nil {
			q.logger.Warn("clip skipped, fallback decode failed", "error", err)
			return
		}
	}
	clip.Text = item.text

	ctx, cancel := context.WithCancel(context.Background())
	q.cancelMu.Lock()
	q.cancel = cancel
	q.cancelMu.Unlock()
	defer func() {
		cancel()
		q.cancelMu.Lock()
		q.cancel = nil
		q.cancelMu.Unlock()
	}()

	q.playing.Store(true)
	defer q.playing.Store(false)
	if err := q.player.Play(ctx, clip); err != nil && ctx.Err() == nil {
		q.logger.Warn("clip playback failed", "error", err)
	}
}
