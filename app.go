package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"convai/agent"
	"convai/audio"
	"convai/beep"
	"convai/clipboard"
	"convai/log"
	"convai/screen"
	"convai/vision"
)

var ErrPermissionDenied = errors.New("microphone permission denied")

const (
	alertNoPermission = "No permission"
	alertSignedURL    = "Failed to get signed url"
	alertConversation = "An error occurred during the conversation"
	alertScreenShare  = "Failed to start screen sharing"
)

type signedURLSource interface {
	Fetch(ctx context.Context) (string, error)
}

type AppConfig struct {
	Audio   audio.Context
	Device  *audio.DeviceInfo // nil = system default
	Fetcher signedURLSource
	Dialer  agent.Dialer // nil = websocket
	Screen  screen.Source
	Capture screen.Config
	Vision  *vision.Client
	Sink    EventSink
}

// App wires user intent to the permission gate, signed-URL fetcher,
// conversation controller and screen capture loop.
type App struct {
	audioCtx audio.Context
	device   *audio.DeviceInfo
	fetcher  signedURLSource
	vision   *vision.Client
	sink     EventSink

	conv *agent.Controller
	loop *screen.Loop

	mu        sync.Mutex
	starting  bool
	state     agent.State
	speaking  bool
	lastAgent string
}

func NewApp(cfg AppConfig) *App {
	a := &App{
		audioCtx: cfg.Audio,
		device:   cfg.Device,
		fetcher:  cfg.Fetcher,
		vision:   cfg.Vision,
		sink:     cfg.Sink,
	}

	a.conv = agent.NewController(agent.Callbacks{
		OnConnect: func(id string) {
			beep.PlayConnect()
			a.sink.Info("conversation " + id)
		},
		OnDisconnect: beep.PlayDisconnect,
		OnError: func(err error) {
			log.Errorf("conversation error: %v", err)
			beep.PlayError()
			a.sink.Alert(alertConversation)
		},
		OnMessage:      a.onMessage,
		OnModeChange:   a.onModeChange,
		OnStatusChange: a.onStatusChange,
	})
	if cfg.Dialer != nil {
		a.conv.WithDialer(cfg.Dialer)
	}

	a.loop = screen.NewLoop(cfg.Screen, cfg.Capture, screen.Hooks{
		Captured: func(img *screen.CapturedImage) {
			a.sink.Captured(img.CapturedAt, img.Width, img.Height)
		},
		Stopped: func(endedBySource bool) {
			a.sink.ScreenShare(false)
			if endedBySource {
				a.sink.Info("screen share ended")
			}
		},
	})
	return a
}

// StartConversation runs permission, signed URL and session start in that
// order. Each failure alerts the user and aborts before the next step.
func (a *App) StartConversation(ctx context.Context) error {
	a.mu.Lock()
	if a.starting || a.conv.State() != agent.Disconnected {
		a.mu.Unlock()
		return agent.ErrSessionActive
	}
	a.starting = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.starting = false
		a.mu.Unlock()
	}()

	if !audio.RequestPermission(a.audioCtx, a.device) {
		a.fail(alertNoPermission, ErrPermissionDenied)
		return ErrPermissionDenied
	}

	signedURL, err := a.fetcher.Fetch(ctx)
	if err != nil {
		a.fail(alertSignedURL, err)
		return err
	}

	input, output, err := a.openAudio()
	if err != nil {
		a.fail(alertConversation, err)
		return err
	}

	// Rebuilt per session.
	tools := agent.NewRegistry(vision.NewSeeImage(a.loop.Latest, a.vision))

	log.Infof("tools: %v", tools.Names())

	// The session owns input and output from here on.
	id, err := a.conv.Start(ctx, agent.StartConfig{
		SignedURL: signedURL,
		Tools:     tools,
		Input:     input,
		Output:    output,
	})
	switch {
	case errors.Is(err, agent.ErrStopped):
		log.Info("conversation start cancelled")
		return err
	case errors.Is(err, agent.ErrSessionActive):
		input.Close()
		output.Close()
		return err
	case err != nil:
		a.fail(alertConversation, err)
		return err
	}
	log.Info("conversation_id: " + id)
	return nil
}

func (a *App) StopConversation() {
	a.conv.Stop()
}

// ToggleConversation backs the global hotkey.
func (a *App) ToggleConversation(ctx context.Context) {
	if a.conv.State() == agent.Disconnected {
		a.StartConversation(ctx)
		return
	}
	a.StopConversation()
}

func (a *App) StartScreenShare(ctx context.Context) error {
	err := a.loop.Start(ctx)
	if errors.Is(err, screen.ErrAlreadySharing) {
		return nil
	}
	if err != nil {
		a.fail(alertScreenShare, err)
		return err
	}
	a.sink.ScreenShare(true)
	return nil
}

func (a *App) StopScreenShare() {
	wasSharing := a.loop.Sharing()
	a.loop.Stop()
	if !wasSharing {
		a.sink.ScreenShare(false)
	}
}

func (a *App) ToggleScreenShare(ctx context.Context) {
	if a.loop.Sharing() {
		a.StopScreenShare()
		return
	}
	a.StartScreenShare(ctx)
}

func (a *App) CaptureInterval() string {
	return fmt.Sprintf("%g seconds", a.loop.Config().Interval.Seconds())
}

// CopyLastAnswer puts the agent's most recent reply on the clipboard.
func (a *App) CopyLastAnswer() error {
	a.mu.Lock()
	text := a.lastAgent
	a.mu.Unlock()
	if text == "" {
		return errors.New("no agent message yet")
	}
	return clipboard.Copy(text)
}

func (a *App) Shutdown() {
	a.StopConversation()
	a.loop.Stop()
}

func (a *App) fail(alert string, err error) {
	log.Errorf("%s: %v", alert, err)
	beep.PlayError()
	a.sink.Alert(alert)
}

func (a *App) openAudio() (audio.CaptureDevice, audio.Player, error) {
	input, err := a.audioCtx.NewCapture(a.device, audio.DefaultCaptureConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("open microphone: %w", err)
	}
	output, err := a.audioCtx.NewPlayer()
	if err != nil {
		input.Close()
		return nil, nil, fmt.Errorf("open playback: %w", err)
	}
	log.Info("recording_device: " + input.DeviceName())
	return input, output, nil
}

func (a *App) onMessage(msg agent.Message) {
	if msg.Source == agent.SourceAgent {
		a.mu.Lock()
		a.lastAgent = msg.Text
		a.mu.Unlock()
	}
	a.sink.Message(msg)
}

func (a *App) onStatusChange(state agent.State) {
	a.mu.Lock()
	a.state = state
	if state != agent.Connected {
		a.speaking = false
	}
	speaking := a.speaking
	a.mu.Unlock()
	a.sink.Status(state, speaking)
}

func (a *App) onModeChange(speaking bool) {
	a.mu.Lock()
	a.speaking = speaking
	state := a.state
	a.mu.Unlock()
	a.sink.Status(state, speaking)
}
