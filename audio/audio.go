package audio

import (
	"strings"
	"time"
)

// PCM format shared by the microphone and the agent's voice:
// 16-bit little-endian mono at 16 kHz.
const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
	BytesPerSec   = SampleRate * Channels * BitsPerSample / 8
)

// Duration returns how long n bytes of PCM take to play.
func Duration(n int) time.Duration {
	return time.Duration(n) * time.Second / BytesPerSec
}

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"sony wh-", "sony wf-",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"bluetooth", " bt ", " bt)", " bt]",
}

// IsBluetooth guesses from the device name; BT headsets drop to
// narrow-band audio while the mic is open.
func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range btKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

type DataCallback func(data []byte, frameCount uint32)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{SampleRate: SampleRate, Channels: Channels}
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	NewPlayer() (Player, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	DeviceName() string
}

// Player plays queued PCM in the shared format. Write never blocks on the
// device; Flush drops whatever has not been played yet.
type Player interface {
	Write(pcm []byte)
	Flush()
	Close()
}
