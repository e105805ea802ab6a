package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"

	"convai/agent"
	"convai/audio"
	"convai/backend"
	"convai/beep"
	"convai/doctor"
	"convai/hotkey"
	"convai/log"
	"convai/screen"
	"convai/shutdown"
	"convai/vision"
)

var version = "dev"

// loadEnv reads .env.local then .env; variables already set win.
func loadEnv() {
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "Warning: %s: %v\n", name, err)
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func initCrashLog() {
	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
	debug.SetCrashOutput(crashFile, debug.CrashOptions{})
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", envOr("CONVAI_ADDR", ":3000"), "listen address for the signed url backend")
	logPathFlag := fs.String("logpath", "", "log directory path")
	fs.Parse(args)

	if dir, err := log.ResolveDir(*logPathFlag); err == nil {
		log.SetDir(dir)
		if err := log.Init(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
		}
		defer log.Close()
	}

	srv, err := backend.New(backend.Config{
		APIKey:  os.Getenv("ELEVENLABS_API_KEY"),
		AgentID: os.Getenv("ELEVENLABS_AGENT_ID"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := shutdown.Context(context.Background())
	defer stop()
	fmt.Printf("convai serve: GET http://localhost%s/api/signed-url\n", *addr)
	if err := srv.ListenAndServe(ctx, *addr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() {
	loadEnv()

	if len(os.Args) > 1 && os.Args[1] == "serve" {
		runServe(os.Args[2:])
		return
	}

	signedURLFlag := flag.String("signed-url", envOr("CONVAI_SIGNED_URL", agent.DefaultSignedURLEndpoint), "signed url endpoint")
	setupFlag := flag.Bool("setup", false, "Select microphone device (otherwise uses system default)")
	deviceFlag := flag.String("device", "", "Use named microphone device")
	displayFlag := flag.Int("display", 0, "Display index to share")
	intervalFlag := flag.Duration("capture-interval", screen.DefaultConfig().Interval, "Time between screen captures")
	logPathFlag := flag.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	doctorFlag := flag.Bool("doctor", false, "Run system diagnostics and exit")
	tuiFlag := flag.Bool("tui", true, "Run with terminal UI")
	hotkeyFlag := flag.Bool("hotkey", true, "Toggle the conversation with Ctrl+Shift+Space")
	shareFlag := flag.Bool("share", false, "Start screen sharing right away")
	noBeepFlag := flag.Bool("nobeep", false, "Disable audio cues")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("convai %s\n", version)
		os.Exit(0)
	}

	logPath, err := log.ResolveDir(*logPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}
	initCrashLog()

	openRouterKey := os.Getenv("OPENROUTER_API_KEY")

	if *doctorFlag {
		os.Exit(doctor.Run(doctor.Config{
			SignedURL:     *signedURLFlag,
			Display:       *displayFlag,
			OpenRouterKey: openRouterKey,
		}))
	}

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()
	log.Infof("convai %s starting", version)

	if openRouterKey == "" {
		fmt.Fprintln(os.Stderr, "Warning: OPENROUTER_API_KEY is not set; SeeImage will apologize instead of answering")
	}

	actx, err := audio.NewContext()
	if err != nil {
		log.Errorf("audio context init error: %v", err)
		fmt.Printf("Error initializing audio context: %v\n", err)
		os.Exit(1)
	}
	defer actx.Close()

	var device *audio.DeviceInfo
	if *deviceFlag != "" {
		if devices, err := actx.Devices(); err == nil {
			for i := range devices {
				if devices[i].Name == *deviceFlag {
					device = &devices[i]
					break
				}
			}
		}
		if device == nil {
			fmt.Printf("Warning: device %q not found, using system default\n", *deviceFlag)
		}
	} else if *setupFlag {
		device, err = audio.SelectDevice(actx)
		if err != nil {
			log.Warnf("device selection failed: %v", err)
			fmt.Printf("Warning: device selection failed: %v\n", err)
			fmt.Println("Falling back to default device")
			device = nil
		}
	}
	if device != nil {
		log.Info("selected_device: " + device.Name)
		if audio.IsBluetooth(device.Name) {
			log.Warn("bluetooth microphone selected; agent audio may drop to narrow-band")
		}
	}

	if *noBeepFlag {
		beep.Disable()
	} else if err := beep.Init(actx); err != nil {
		log.Warnf("beep init failed: %v", err)
	}
	defer beep.Close()

	ctx, stop := shutdown.Context(context.Background())
	defer stop()

	capture := screen.DefaultConfig()
	capture.Interval = *intervalFlag

	var sink EventSink
	var ts *tuiSink
	if *tuiFlag {
		ts = &tuiSink{}
		sink = ts
	} else {
		sink = newLineSink(os.Stdout)
	}

	app := NewApp(AppConfig{
		Audio:   actx,
		Device:  device,
		Fetcher: agent.NewURLFetcher(*signedURLFlag),
		Screen:  screen.DisplaySource{Index: *displayFlag},
		Capture: capture,
		Vision:  vision.NewClient(openRouterKey),
		Sink:    sink,
	})
	defer app.Shutdown()

	var hk hotkey.Hotkey
	hotkeyHint := ""
	if *hotkeyFlag {
		hk = hotkey.New()
		if err := hk.Register(); err != nil {
			log.Warnf("hotkey register failed: %v", err)
			fmt.Fprintf(os.Stderr, "Warning: global hotkey unavailable: %v\n", err)
			hk = nil
		} else {
			defer hk.Unregister()
			hotkeyHint = "Ctrl+Shift+Space"
		}
	}

	// Attach the program before the hotkey and share goroutines can emit.
	var p *tea.Program
	if ts != nil {
		p = newTUIProgram(ctx, app, hotkeyHint, ts, tea.WithAltScreen())
	}

	if hk != nil {
		toggle := hotkey.NewToggle(hk)
		defer toggle.Stop()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-toggle.C():
					app.ToggleConversation(ctx)
				}
			}
		}()
	}

	if *shareFlag {
		go app.StartScreenShare(ctx)
	}

	if p != nil {
		if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			log.Errorf("TUI error: %v", err)
		}
		return
	}

	fmt.Println("convai " + version + " (headless). Starting conversation; Ctrl+C to quit.")
	if hotkeyHint != "" {
		fmt.Println(hotkeyHint + " toggles the conversation.")
	}
	go app.StartConversation(ctx)
	<-ctx.Done()
}
