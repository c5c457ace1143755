package agents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	pkg "github.com/bt-bridge/openai-s2s"
	"github.com/bt-bridge/openai-s2s/shared"
	"github.com/bt-bridge/openai-s2s/tools"
)

const inputFrameMs = 20

// CommandHandler executes one model-issued command. Args holds the decoded
// JSON arguments. A returned error is reported back into the conversation.
type CommandHandler func(ctx context.Context, args any) error

// BridgeAgent runs a voice session between a byte-stream audio source and the
// realtime API: caller audio read from `in` is chunked into 20 ms frames and
// pushed upstream, paced assistant audio is written to `out`, transcripts and
// interruptions go through the printer, and model commands dispatch through a
// name-to-handler map.
type BridgeAgent struct {
	logger    shared.LoggerAdapter
	printer   *shared.Printer
	manager   *pkg.Manager
	sessionID string
	chunker   *tools.FrameChunker
	out       io.Writer

	mu       sync.Mutex
	outMu    sync.Mutex
	handlers map[string]CommandHandler
}

// RegisterCommand installs a handler for a model command. Registering before
// Spawn is typical; later registrations take effect for subsequent commands.
func (a *BridgeAgent) RegisterCommand(name string, handler CommandHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handlers == nil {
		a.handlers = make(map[string]CommandHandler)
	}
	a.handlers[name] = handler
}

func (a *BridgeAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	apiKey string,
	profile *Profile,
	printer *shared.Printer,
	in io.Reader,
	out io.Writer,
) (<-chan struct{}, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if apiKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if profile == nil {
		return nil, errors.New("no profile provided")
	}
	if printer == nil {
		return nil, errors.New("no printer provided")
	}
	if in == nil || out == nil {
		return nil, errors.New("no audio stream provided")
	}
	a.logger = logger
	a.printer = printer
	a.out = out
	a.logger.Info("spawning bridge agent")
	if err := a.printer.Writeln("🤖 Spawning bridge agent...\n", 0); err != nil {
		a.logger.Error("printing spawning message", err)
	}

	cfg, err := profile.SessionConfig(apiKey)
	if err != nil {
		a.logger.Error("building session config", err)
		return nil, err
	}
	if err := a.printer.Writeln("📋 Session Profile\n", 0); err != nil {
		a.logger.Error("printing session profile message", err)
	}
	yamlBytes, err := yaml.MarshalWithOptions(profile, yaml.UseJSONMarshaler())
	if err != nil {
		a.logger.Error("marshaling session profile to yaml", err)
		return nil, err
	}
	if err := a.printer.Write(string(yamlBytes)+"\n", 1); err != nil {
		a.logger.Error("printing session profile", err)
		return nil, err
	}

	a.manager, err = pkg.NewManager(a.logger)
	if err != nil {
		a.logger.Error("creating session manager", err)
		return nil, err
	}
	a.registerDefaultCommands()

	frameSize := tools.FrameBytes(inputFrameMs*time.Millisecond, cfg.Encoding.ByteRate())
	a.chunker = tools.NewFrameChunker(frameSize, cfg.Encoding.ByteRate())

	session, err := a.manager.StartSession(ctx, "", cfg, pkg.Callbacks{
		OnAudioChunk: a.playAudio,
		OnTranscript: a.printTranscript,
		OnInterrupt:  a.handleInterrupt,
		OnCommand:    a.dispatchCommand,
	})
	if err != nil {
		a.logger.Error("starting session", err)
		return nil, err
	}
	a.sessionID = session.ID()
	a.logger.Info("session started successfully")
	if err := a.printer.Writeln("✅ Session started. Listening...\n", 0); err != nil {
		a.logger.Error("printing session start message", err)
	}
	if greeting := strings.TrimSpace(profile.Greeting); greeting != "" {
		if err := session.SendText(greeting); err != nil {
			a.logger.Error("sending greeting", err)
		}
	}

	go a.fillChunker(in)
	go a.pumpFrames(ctx, session)
	return session.Done(), nil
}

// Close hangs the session up. The returned Done channel from Spawn closes
// once teardown completes.
func (a *BridgeAgent) Close() error {
	if a.chunker != nil {
		_ = a.chunker.Close()
	}
	if a.manager == nil {
		return nil
	}
	err := a.manager.CloseSession(a.sessionID)
	if errors.Is(err, shared.ErrNoActiveSession) {
		return nil
	}
	return err
}

func (a *BridgeAgent) registerDefaultCommands() {
	a.RegisterCommand("hangup", func(ctx context.Context, args any) error {
		if err := a.printer.Writeln("\n📞 Model requested hangup.", 0); err != nil {
			a.logger.Error("printing hangup message", err)
		}
		return a.Close()
	})
}

func (a *BridgeAgent) playAudio(ctx context.Context, frame []byte, playAt time.Time) error {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	if _, err := a.out.Write(frame); err != nil {
		return fmt.Errorf("writing audio frame: %w", err)
	}
	return nil
}

func (a *BridgeAgent) printTranscript(ctx context.Context, role pkg.Role, text string) {
	speaker := "Caller"
	if role == pkg.RoleAssistant {
		speaker = "Assistant"
	}
	if err := a.printer.WriteTurn(speaker, text); err != nil {
		a.logger.Error("printing transcript turn", err)
	}
}

func (a *BridgeAgent) handleInterrupt(ctx context.Context, event *pkg.ServerEvent) {
	a.logger.Info("assistant interrupted by caller")
	if err := a.printer.Writeln("⚡ (interrupted)", 0); err != nil {
		a.logger.Error("printing interrupt marker", err)
	}
}

func (a *BridgeAgent) dispatchCommand(ctx context.Context, cmd pkg.Command) error {
	a.mu.Lock()
	handler, ok := a.handlers[cmd.Name]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown command: %s", cmd.Name)
	}
	return handler(ctx, cmd.Args)
}

// fillChunker moves bytes from the audio source into the frame ring until the
// source drains.
func (a *BridgeAgent) fillChunker(in io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if dropped := a.chunker.Write(buf[:n]); dropped > 0 {
				a.logger.Warn("input ring overflow", zap.Int("droppedBytes", dropped))
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				a.logger.Error("reading audio source", err)
			}
			_ = a.chunker.Close()
			return
		}
	}
}

// pumpFrames forwards one fixed-size frame upstream every 20 ms while the
// session lives. Ticks with less than a full frame buffered are skipped, so
// a silent source just sends nothing.
func (a *BridgeAgent) pumpFrames(ctx context.Context, session *pkg.Session) {
	frame := make([]byte, a.chunker.FrameSize())
	ticker := time.NewTicker(inputFrameMs * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-session.Done():
			return
		case <-ticker.C:
			if a.chunker.Buffered() < len(frame) {
				continue
			}
			n, err := a.chunker.ReadFrame(frame)
			if err != nil {
				return
			}
			if err := session.SendAudio(frame[:n]); err != nil {
				a.logger.Error("sending caller audio", err)
				return
			}
		}
	}
}
