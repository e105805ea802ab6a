package screen

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/kbinani/screenshot"
)

var (
	// ErrStreamEnded is returned by Stream.Frame once the source is gone.
	ErrStreamEnded = errors.New("screen stream ended")

	ErrDisplayNotFound  = errors.New("display not found")
	ErrPermissionDenied = errors.New("screen capture permission denied")
	ErrAlreadySharing   = errors.New("screen share already active")
)

// ShareError reports a failure to start sharing. The loop state is left as
// it was before the attempt.
type ShareError struct {
	Err error
}

func (e *ShareError) Error() string { return "screen share: " + e.Err.Error() }

func (e *ShareError) Unwrap() error { return e.Err }

// Source hands out live screen streams.
type Source interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is one live share. Ended is closed when the share stops for any
// reason, including Stop.
type Stream interface {
	Frame() (image.Image, error)
	Ended() <-chan struct{}
	Stop()
}

// DisplaySource captures a whole physical display.
type DisplaySource struct {
	Index int
}

func (d DisplaySource) Open(_ context.Context) (Stream, error) {
	if n := screenshot.NumActiveDisplays(); d.Index < 0 || d.Index >= n {
		return nil, fmt.Errorf("%w: index %d of %d", ErrDisplayNotFound, d.Index, n)
	}
	bounds := screenshot.GetDisplayBounds(d.Index)
	// A probe grab surfaces missing screen-recording permission up front
	// instead of on the first tick.
	if _, err := screenshot.CaptureRect(bounds); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return &displayStream{index: d.Index, bounds: bounds, ended: make(chan struct{})}, nil
}

type displayStream struct {
	index  int
	bounds image.Rectangle
	ended  chan struct{}
	once   sync.Once
}

func (s *displayStream) Frame() (image.Image, error) {
	select {
	case <-s.ended:
		return nil, ErrStreamEnded
	default:
	}
	if s.index >= screenshot.NumActiveDisplays() {
		s.Stop()
		return nil, ErrStreamEnded
	}
	img, err := screenshot.CaptureRect(s.bounds)
	if err != nil {
		return nil, fmt.Errorf("capture display %d: %w", s.index, err)
	}
	return img, nil
}

func (s *displayStream) Ended() <-chan struct{} { return s.ended }

func (s *displayStream) Stop() {
	s.once.Do(func() { close(s.ended) })
}
