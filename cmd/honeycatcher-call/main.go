package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JRiishi/HoneyCatcher/internal/dotenv"
	"github.com/JRiishi/HoneyCatcher/pkg/protocol"
	livecall "github.com/JRiishi/HoneyCatcher/sdk"
)

const (
	defaultBaseURL = "http://127.0.0.1:8000"
	defaultTimeout = 15 * time.Second
)

type callConfig struct {
	BaseURL string
	APIKey  string
	RoomID  string
	Mode    string
	Mic     bool
	Verbose bool
	Timeout time.Duration
}

func parseCallConfig(args []string, getenv func(string) string) (callConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := callConfig{}
	fs := flag.NewFlagSet("honeycatcher-call", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.BaseURL, "base-url", defaultBaseURL, "HoneyCatcher backend base URL")
	fs.StringVar(&cfg.APIKey, "api-key", strings.TrimSpace(getenv("HONEYCATCHER_API_KEY")), "backend api key (or HONEYCATCHER_API_KEY)")
	fs.StringVar(&cfg.RoomID, "room", "", "join an existing room instead of starting a new call")
	fs.StringVar(&cfg.Mode, "mode", protocol.ModeOperator, "initial engagement mode (operator or ai_only)")
	fs.BoolVar(&cfg.Mic, "mic", true, "capture the local microphone with ffmpeg")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "enable debug logging")
	fs.DurationVar(&cfg.Timeout, "timeout", defaultTimeout, "REST request timeout")

	if err := fs.Parse(args); err != nil {
		return callConfig{}, err
	}
	if err := validateCallConfig(cfg); err != nil {
		return callConfig{}, err
	}
	return cfg, nil
}

func validateCallConfig(cfg callConfig) error {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return errors.New("base-url must not be empty")
	}
	baseURL, err := url.Parse(base)
	if err != nil || strings.TrimSpace(baseURL.Scheme) == "" || strings.TrimSpace(baseURL.Host) == "" {
		return errors.New("base-url must be a valid absolute URL")
	}
	if baseURL.User != nil {
		return errors.New("base-url must not include credentials")
	}
	if err := protocol.ValidateMode(cfg.Mode); err != nil {
		return fmt.Errorf("mode must be %s or %s", protocol.ModeOperator, protocol.ModeAIOnly)
	}
	if cfg.Timeout <= 0 {
		return errors.New("timeout must be > 0")
	}
	return nil
}

func buildLogger(cfg callConfig, errOut io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))
}

func printEvent(out io.Writer, ev livecall.Event) {
	switch e := ev.(type) {
	case livecall.ConnectionStateEvent:
		fmt.Fprintf(out, "[signal] %s\n", e.State)
	case livecall.LinkStateEvent:
		fmt.Fprintf(out, "[media] %s\n", e.State)
	case livecall.TranscriptionEvent:
		fmt.Fprintf(out, "[%s] %s\n", e.Entry.Speaker, e.Entry.Text)
	case livecall.CoachingEvent:
		if e.Coaching.RecommendedResponse != "" {
			fmt.Fprintf(out, "[coach] say: %s\n", e.Coaching.RecommendedResponse)
		}
		for _, s := range e.Coaching.Suggestions {
			fmt.Fprintf(out, "[coach] %s\n", s)
		}
		if e.Coaching.Warning != "" {
			fmt.Fprintf(out, "[coach] warning: %s\n", e.Coaching.Warning)
		}
	case livecall.IntelligenceEvent:
		fmt.Fprintf(out, "[intel] threat=%.2f tactics=%s\n", e.Update.ThreatLevel, strings.Join(e.Update.Tactics, ","))
		for _, ent := range e.Update.Entities {
			fmt.Fprintf(out, "[intel] %s: %s\n", ent.Kind, ent.Value)
		}
	case livecall.ModeChangedEvent:
		fmt.Fprintf(out, "[mode] %s\n", e.Mode)
	case livecall.AIErrorEvent:
		fmt.Fprintf(out, "[ai] error, reverted to operator: %s\n", e.Message)
	case livecall.PeerEvent:
		if e.Joined {
			fmt.Fprintf(out, "[room] scammer joined\n")
		} else {
			fmt.Fprintf(out, "[room] scammer left\n")
		}
	case livecall.URLScanEvent:
		fmt.Fprintf(out, "[scan] %s safe=%v risk=%.2f\n", e.Result.URL, e.Result.IsSafe, e.Result.RiskScore)
	case livecall.CallEndedEvent:
		fmt.Fprintf(out, "[room] call ended\n")
	case livecall.ReconnectFailedEvent:
		fmt.Fprintf(out, "[signal] reconnect failed: %v\n", e.Err)
	case livecall.ErrorEvent:
		fmt.Fprintf(out, "[error] %v\n", e.Err)
	}
}

func printStatus(out io.Writer, snap livecall.Snapshot) {
	fmt.Fprintf(out, "room=%s signal=%s media=%s mode=%s mic=%v peer=%v\n",
		snap.RoomID, snap.ConnectionState, snap.LinkState, snap.Mode, snap.MicEnabled, snap.PeerPresent)
	fmt.Fprintf(out, "sent=%dB received=%dB transcript=%d lines\n",
		snap.LinkStats.BytesSent, snap.LinkStats.BytesReceived, len(snap.Transcript))
}

func handleCommand(line string, session *livecall.CallSession, out, errOut io.Writer) (quit bool) {
	switch line {
	case "/ai":
		if err := session.SetMode(protocol.ModeAIOnly); err != nil {
			fmt.Fprintf(errOut, "mode switch error: %v\n", err)
		}
	case "/operator":
		if err := session.SetMode(protocol.ModeOperator); err != nil {
			fmt.Fprintf(errOut, "mode switch error: %v\n", err)
		}
	case "/mic":
		enabled, err := session.ToggleMic()
		if err != nil {
			fmt.Fprintf(errOut, "mic error: %v\n", err)
		} else if enabled {
			fmt.Fprintln(out, "mic live")
		} else {
			fmt.Fprintln(out, "mic muted")
		}
	case "/status":
		printStatus(out, session.Snapshot())
	case "/end", "/exit", "/quit":
		return true
	default:
		fmt.Fprintf(errOut, "unknown command %q (try /ai /operator /mic /status /end)\n", line)
	}
	return false
}

func runCall(ctx context.Context, cfg callConfig, in io.Reader, out, errOut io.Writer) error {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}

	logger := buildLogger(cfg, errOut).With("operator_id", uuid.NewString())
	client := livecall.NewClient(
		livecall.WithBaseURL(cfg.BaseURL),
		livecall.WithAPIKey(cfg.APIKey),
		livecall.WithLogger(logger),
	)

	roomID := cfg.RoomID
	callID := ""
	if roomID == "" {
		startCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		info, err := client.Calls.Start(startCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("start call: %w", err)
		}
		roomID = info.RoomID
		callID = info.CallID
		fmt.Fprintf(out, "Started call %s in room %s\n", info.CallID, info.RoomID)
	}

	opts := []livecall.SessionOption{
		livecall.WithRole(protocol.RoleOperator),
		livecall.WithAudioOutput(containerDecoder{}, ffplayClipPlayer{}),
	}

	micCtx, micCancel := context.WithCancel(ctx)
	defer micCancel()
	if cfg.Mic {
		mic, err := newFFmpegMicSource(micCtx)
		if err != nil {
			return err
		}
		opts = append(opts, livecall.WithMicrophone(mic))
	}

	sink, err := newFFplaySink()
	if err != nil {
		fmt.Fprintf(errOut, "call audio disabled: %v\n", err)
	} else {
		defer sink.Close()
		opts = append(opts, livecall.WithRemoteSink(sink))
	}

	session, err := client.JoinCall(ctx, roomID, opts...)
	if err != nil {
		return fmt.Errorf("join call: %w", err)
	}
	defer session.Disconnect()

	unsubscribe := session.On(func(ev livecall.Event) {
		printEvent(out, ev)
	})
	defer unsubscribe()

	if cfg.Mode == protocol.ModeAIOnly {
		if err := session.SetMode(protocol.ModeAIOnly); err != nil {
			fmt.Fprintf(errOut, "initial mode switch error: %v\n", err)
		}
	}

	fmt.Fprintf(out, "Connected to room %s as operator\n", roomID)
	fmt.Fprintln(out, "Commands: /ai hand the call to the AI, /operator take it back, /mic toggle mute, /status, /end")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Fprint(out, "> ")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-session.Done():
			fmt.Fprintln(out)
			return endCall(ctx, cfg, client, callID, out, errOut)
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				return endCall(ctx, cfg, client, callID, out, errOut)
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if handleCommand(line, session, out, errOut) {
				_ = session.Disconnect()
				return endCall(ctx, cfg, client, callID, out, errOut)
			}
		}
	}
}

// endCall closes out the backend call record and prints the extracted
// intelligence report when this process started the call.
func endCall(ctx context.Context, cfg callConfig, client *livecall.Client, callID string, out, errOut io.Writer) error {
	if callID == "" {
		return nil
	}
	endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Timeout)
	defer cancel()
	report, err := client.Calls.End(endCtx, callID)
	if err != nil {
		fmt.Fprintf(errOut, "end call error: %v\n", err)
		return nil
	}
	fmt.Fprintf(out, "Call %s ended after %.0fs, threat level %.2f\n", report.CallID, report.DurationSeconds, report.ThreatLevel)
	if len(report.Tactics) > 0 {
		fmt.Fprintf(out, "Tactics: %s\n", strings.Join(report.Tactics, ", "))
	}
	for _, ent := range report.Entities {
		fmt.Fprintf(out, "Entity %s: %s\n", ent.Kind, ent.Value)
	}
	return nil
}

func main() {
	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "honeycatcher-call: %v\n", err)
		os.Exit(1)
	}

	cfg, err := parseCallConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "honeycatcher-call: %v\n", err)
		os.Exit(1)
	}

	if err := runCall(context.Background(), cfg, os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "honeycatcher-call: %v\n", err)
		os.Exit(1)
	}
}
