package doctor

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"convai/agent"
	"convai/audio"
	"convai/clipboard"
	"convai/hotkey"
	"convai/screen"
	"convai/vision"
)

type Config struct {
	SignedURL     string
	Display       int
	OpenRouterKey string
}

const checks = 5

// Run executes the diagnostic checks and returns an exit code (0=all pass, 1=any fail).
func Run(cfg Config) int {
	resetTerminal()
	setupInterruptHandler()

	fmt.Println("convai doctor - system diagnostics")
	fmt.Println("==================================")

	allPass := true

	if !checkMicrophone() {
		allPass = false
	}
	if !checkSignedURL(cfg.SignedURL) {
		allPass = false
	}
	img, ok := checkScreen(cfg.Display)
	if !ok {
		allPass = false
	}
	if !checkVision(vision.NewClient(cfg.OpenRouterKey), img) {
		allPass = false
	}
	checkDesktop()

	fmt.Println()
	if allPass {
		fmt.Println("All checks passed!")
		return 0
	}
	fmt.Println("Some checks failed. See details above.")
	return 1
}

func header(n int, title string) {
	fmt.Println()
	fmt.Printf("[%d/%d] %s\n", n, checks, title)
}

func checkMicrophone() bool {
	header(1, "Microphone")

	ctx, err := audio.NewContext()
	if err != nil {
		fmt.Printf("  FAIL: cannot connect to audio: %v\n", err)
		return false
	}
	defer ctx.Close()

	devices, err := ctx.Devices()
	if err != nil || len(devices) == 0 {
		fmt.Printf("  FAIL: no capture devices found (%v)\n", err)
		return false
	}
	device := &devices[0]
	fmt.Printf("  Device: %s\n", device.Name)
	if audio.IsBluetooth(device.Name) {
		fmt.Println("  Warning: bluetooth headsets drop to narrow-band audio while the mic is open")
	}

	if !audio.RequestPermission(ctx, device) {
		fmt.Println("  FAIL: microphone access denied")
		return false
	}

	pcm, err := record(ctx, device, time.Second)
	if err != nil {
		fmt.Printf("  FAIL: recording error: %v\n", err)
		return false
	}
	if len(pcm) == 0 {
		fmt.Println("  FAIL: no audio captured")
		return false
	}
	fmt.Printf("  PASS: captured %.1f KB, peak level %.0f%%\n", float64(len(pcm))/1024, peakLevel(pcm)*100)
	return true
}

func record(ctx audio.Context, device *audio.DeviceInfo, d time.Duration) ([]byte, error) {
	var buf []byte
	var mu sync.Mutex

	dev, err := ctx.NewCapture(device, audio.DefaultCaptureConfig())
	if err != nil {
		return nil, err
	}
	defer dev.Close()

	dev.SetCallback(func(data []byte, _ uint32) {
		mu.Lock()
		buf = append(buf, data...)
		mu.Unlock()
	})
	if err := dev.Start(); err != nil {
		return nil, err
	}
	time.Sleep(d)
	dev.ClearCallback()
	dev.Stop()

	mu.Lock()
	defer mu.Unlock()
	return buf, nil
}

// peakLevel is the largest absolute PCM16 sample, scaled to 0..1.
func peakLevel(pcm []byte) float64 {
	var peak float64
	for i := 0; i+1 < len(pcm); i += 2 {
		s := math.Abs(float64(int16(binary.LittleEndian.Uint16(pcm[i:]))))
		if s > peak {
			peak = s
		}
	}
	return min(peak/32767, 1)
}

func checkSignedURL(endpoint string) bool {
	header(2, "Signed URL endpoint")
	fetcher := agent.NewURLFetcher(endpoint)
	fmt.Printf("  Endpoint: %s\n", fetcher.Endpoint())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	u, err := fetcher.Fetch(ctx)
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		fmt.Println("  Start the backend with: convai serve")
		return false
	}
	fmt.Printf("  PASS: got signed url (%d chars)\n", len(u))
	return true
}

func checkScreen(display int) (*screen.CapturedImage, bool) {
	header(3, "Screen capture")

	stream, err := screen.DisplaySource{Index: display}.Open(context.Background())
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		return nil, false
	}
	defer stream.Stop()

	frame, err := stream.Frame()
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		return nil, false
	}
	img, err := screen.Encode(frame, screen.DefaultConfig(), time.Now())
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		return nil, false
	}
	fmt.Printf("  PASS: %dx%d -> %dx%d, %.1f KB\n",
		img.SourceWidth, img.SourceHeight, img.Width, img.Height, img.SizeKB())
	return img, true
}

func checkVision(client *vision.Client, img *screen.CapturedImage) bool {
	header(4, "Vision model")
	if !client.HasKey() {
		fmt.Println("  FAIL: OPENROUTER_API_KEY is not set")
		return false
	}
	if img == nil {
		fmt.Println("  SKIP: no screen capture to describe")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	answer, err := client.Describe(ctx, img, "Describe this screen in one sentence.")
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		return false
	}
	fmt.Printf("  PASS: %s: %s\n", client.Model(), answer)
	return true
}

// checkDesktop reports optional integrations; neither blocks a conversation.
func checkDesktop() {
	header(5, "Desktop integration")
	if msg, err := hotkey.Diagnose(); err != nil {
		fmt.Printf("  Warning: global hotkey unavailable: %v\n", err)
	} else {
		fmt.Printf("  OK: %s\n", msg)
	}
	if clipboard.Available() {
		fmt.Println("  OK: clipboard available")
	} else {
		fmt.Printf("  Warning: %v\n", clipboard.ErrUnsupported)
	}
}
