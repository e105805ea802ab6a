package screen

import (
	"context"
	"image"
	"image/color"
	"sync"
)

// FakeSource serves solid frames of a fixed size. OpenErr makes Open fail,
// like a user cancelling the share picker.
type FakeSource struct {
	Width, Height int
	OpenErr       error

	mu      sync.Mutex
	streams []*FakeStream
}

func (f *FakeSource) Open(_ context.Context) (Stream, error) {
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	s := &FakeStream{w: f.Width, h: f.Height, ended: make(chan struct{})}
	f.mu.Lock()
	f.streams = append(f.streams, s)
	f.mu.Unlock()
	return s, nil
}

func (f *FakeSource) Streams() []*FakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeStream(nil), f.streams...)
}

type FakeStream struct {
	w, h int

	mu       sync.Mutex
	frames   int
	frameErr error
	ended    chan struct{}
	once     sync.Once
}

func (s *FakeStream) Frame() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frameErr != nil {
		return nil, s.frameErr
	}
	s.frames++
	img := image.NewRGBA(image.Rect(0, 0, s.w, s.h))
	c := color.RGBA{R: uint8(s.frames * 40), G: 90, B: 200, A: 255}
	for y := 0; y < s.h; y++ {
		for x := 0; x < s.w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img, nil
}

// FailFrames makes subsequent Frame calls return err (nil clears it).
func (s *FakeStream) FailFrames(err error) {
	s.mu.Lock()
	s.frameErr = err
	s.mu.Unlock()
}

func (s *FakeStream) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Revoke simulates the user ending the share from the OS.
func (s *FakeStream) Revoke() { s.Stop() }

func (s *FakeStream) Ended() <-chan struct{} { return s.ended }

func (s *FakeStream) Stop() {
	s.once.Do(func() { close(s.ended) })
}

func (s *FakeStream) Stopped() bool {
	select {
	case <-s.ended:
		return true
	default:
		return false
	}
}
