package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/JRiishi/HoneyCatcher/pkg/core"
	livecall "github.com/JRiishi/HoneyCatcher/sdk"
)

const micFrameDuration = 20 * time.Millisecond

func liveMicFFmpegArgs() ([]string, error) {
	switch runtime.GOOS {
	case "darwin":
		return []string{"-f", "avfoundation", "-i", ":0"}, nil
	case "linux":
		return []string{"-f", "pulse", "-i", "default"}, nil
	default:
		return nil, fmt.Errorf("live microphone capture is not supported on %s", runtime.GOOS)
	}
}

// ffmpegMicSource captures the default microphone with ffmpeg, encodes it to
// Opus in an Ogg container and hands out one packet per 20ms page.
type ffmpegMicSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	ogg    *oggreader.OggReader

	closeOnce sync.Once
	closeErr  error
}

func newFFmpegMicSource(ctx context.Context) (*ffmpegMicSource, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, core.NewPermissionError("ffmpeg not found in PATH (required for microphone capture)", err)
	}
	inputArgs, err := liveMicFFmpegArgs()
	if err != nil {
		return nil, err
	}

	args := append([]string{"-hide_banner", "-loglevel", "error"}, inputArgs...)
	args = append(args,
		"-ac", "2",
		"-ar", "48000",
		"-c:a", "libopus",
		"-b:a", "48k",
		"-page_duration", "20000",
		"-f", "ogg",
		"-",
	)

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	ogg, _, err := oggreader.NewWith(stdout)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("read ogg header from ffmpeg: %w", err)
	}
	return &ffmpegMicSource{cmd: cmd, stdout: stdout, ogg: ogg}, nil
}

func (m *ffmpegMicSource) ReadFrame() ([]byte, time.Duration, error) {
	for {
		page, _, err := m.ogg.ParseNextPage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, 0, io.EOF
			}
			return nil, 0, fmt.Errorf("parse ogg page: %w", err)
		}
		// The comment header rides in its own page right after OpusHead.
		if len(page) == 0 || (len(page) >= 8 && string(page[:8]) == "OpusTags") {
			continue
		}
		return page, micFrameDuration, nil
	}
}

func (m *ffmpegMicSource) Close() error {
	m.closeOnce.Do(func() {
		_ = m.stdout.Close()
		if m.cmd.Process != nil {
			_ = m.cmd.Process.Kill()
		}
		m.closeErr = m.cmd.Wait()
	})
	return m.closeErr
}

// ffplaySink plays the scammer's track by muxing its RTP Opus packets back
// into an Ogg stream piped to a long-lived ffplay process.
type ffplaySink struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	ogg    *oggwriter.OggWriter
	closed bool
}

func newFFplaySink() (*ffplaySink, error) {
	if _, err := exec.LookPath("ffplay"); err != nil {
		return nil, core.NewPermissionError("ffplay not found in PATH (required for call audio)", err)
	}
	cmd := exec.Command("ffplay", "-nodisp", "-loglevel", "error", "-i", "pipe:0")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffplay stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffplay: %w", err)
	}
	ogg, err := oggwriter.NewWith(stdin, 48000, 2)
	if err != nil {
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("ogg mux for ffplay: %w", err)
	}
	return &ffplaySink{cmd: cmd, stdin: stdin, ogg: ogg}, nil
}

func (s *ffplaySink) WriteRTP(pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("speaker is closed")
	}
	return s.ogg.WriteRTP(pkt)
}

func (s *ffplaySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.ogg.Close()
	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return s.cmd.Wait()
}

// containerDecoder keeps AI clips in their container format; ffplay probes
// mp3, wav and ogg from the payload itself.
type containerDecoder struct{}

func (containerDecoder) Decode(data []byte, format string) (livecall.Clip, error) {
	if len(data) == 0 {
		return livecall.Clip{}, errors.New("empty audio clip")
	}
	return livecall.Clip{PCM: data}, nil
}

// ffplayClipPlayer renders one clip per ffplay invocation and blocks until
// the clip finishes or ctx is cancelled.
type ffplayClipPlayer struct{}

func (ffplayClipPlayer) Play(ctx context.Context, clip livecall.Clip) error {
	cmd := exec.CommandContext(ctx, "ffplay", "-nodisp", "-autoexit", "-loglevel", "error", "-i", "pipe:0")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ffplay stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffplay: %w", err)
	}
	if _, err := stdin.Write(clip.PCM); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("write clip to ffplay: %w", err)
	}
	_ = stdin.Close()
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffplay: %w", err)
	}
	return nil
}
