package audio

import (
	"errors"
	"sync"
	"time"
)

const fakeFrameSize = 320 // 20ms at 16 kHz

var ErrFakeDenied = errors.New("fake: microphone access denied")

// FakeContext stands in for the platform audio stack in tests and -test runs.
// Captures deliver silence every 20ms; players record what they were given.
type FakeContext struct {
	Deny      bool // Start fails, like a refused OS prompt
	OpenErr   error
	PanicOpen bool

	mu      sync.Mutex
	players []*FakePlayer
}

func NewFakeContext() *FakeContext { return &FakeContext{} }

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake", Name: "Fake Microphone"}}, nil
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewCapture(_ *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	if f.PanicOpen {
		panic("fake: backend crashed")
	}
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	return &FakeCapture{deny: f.Deny}, nil
}

func (f *FakeContext) NewPlayer() (Player, error) {
	p := &FakePlayer{}
	f.mu.Lock()
	f.players = append(f.players, p)
	f.mu.Unlock()
	return p, nil
}

func (f *FakeContext) Players() []*FakePlayer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakePlayer(nil), f.players...)
}

type FakeCapture struct {
	deny bool

	mu     sync.Mutex
	cb     DataCallback
	stopCh chan struct{}
	done   chan struct{}
}

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) DeviceName() string { return "fake" }

func (f *FakeCapture) Start() error {
	if f.deny {
		return ErrFakeDenied
	}
	f.stopCh = make(chan struct{})
	f.done = make(chan struct{})
	go func() {
		defer close(f.done)
		silence := make([]byte, fakeFrameSize*2)
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-f.stopCh:
				return
			case <-ticker.C:
			}
			f.mu.Lock()
			cb := f.cb
			f.mu.Unlock()
			if cb != nil {
				cb(silence, fakeFrameSize)
			}
		}
	}()
	return nil
}

func (f *FakeCapture) Stop() {
	if f.stopCh == nil {
		return
	}
	select {
	case <-f.stopCh:
	default:
		close(f.stopCh)
	}
	<-f.done
}

func (f *FakeCapture) Close() { f.Stop() }

type FakePlayer struct {
	mu      sync.Mutex
	written int
	flushes int
	closed  bool
}

func (p *FakePlayer) Write(pcm []byte) {
	p.mu.Lock()
	p.written += len(pcm)
	p.mu.Unlock()
}

func (p *FakePlayer) Flush() {
	p.mu.Lock()
	p.flushes++
	p.mu.Unlock()
}

func (p *FakePlayer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *FakePlayer) Stats() (written, flushes int, closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written, p.flushes, p.closed
}
