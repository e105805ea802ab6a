// Package beep plays short audio cues for conversation events.
package beep

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"

	"convai/audio"
)

const (
	// Connect: high pitch, short
	connectFreq   = 1200
	connectVolume = 0.5
	connectDecay  = 60

	// Disconnect: medium pitch, slightly longer
	disconnectFreq   = 900
	disconnectVolume = 0.5
	disconnectDecay  = 40

	// Error: low pitch double-beep
	errorFreq   = 350
	errorVolume = 0.6
	errorDecay  = 30
)

var (
	disabled atomic.Bool

	mu     sync.Mutex
	player audio.Player

	connectPCM    = generateTick(connectFreq, 0.12, connectVolume, connectDecay)
	disconnectPCM = generateTick(disconnectFreq, 0.15, disconnectVolume, disconnectDecay)
	errorPCM      = generateDoubleBeep(errorFreq, 0.08, 0.05, errorVolume, errorDecay)
)

func Disable() { disabled.Store(true) }

// Init opens a dedicated player so cues never queue behind the agent's voice.
func Init(ctx audio.Context) error {
	p, err := ctx.NewPlayer()
	if err != nil {
		return err
	}
	mu.Lock()
	old := player
	player = p
	mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func Close() {
	mu.Lock()
	p := player
	player = nil
	mu.Unlock()
	if p != nil {
		p.Close()
	}
}

func PlayConnect()    { play(connectPCM) }
func PlayDisconnect() { play(disconnectPCM) }
func PlayError()      { play(errorPCM) }

func play(pcm []byte) {
	if disabled.Load() {
		return
	}
	mu.Lock()
	p := player
	mu.Unlock()
	if p == nil {
		return
	}
	p.Flush()
	p.Write(pcm)
}

func generateTick(freq, duration, volume, decay float64) []byte {
	n := int(float64(audio.SampleRate) * duration)
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		t := float64(i) / audio.SampleRate
		envelope := math.Exp(-t * decay)
		s := int16(math.Sin(2*math.Pi*freq*t) * 32767 * volume * envelope)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func generateDoubleBeep(freq, beepDur, gapDur, volume, decay float64) []byte {
	beep := generateTick(freq, beepDur, volume, decay)
	gap := make([]byte, int(float64(audio.SampleRate)*gapDur)*2)
	out := make([]byte, 0, len(beep)*2+len(gap))
	out = append(out, beep...)
	out = append(out, gap...)
	out = append(out, beep...)
	return out
}
