package audio

import (
	"errors"
	"testing"
)

func TestRequestPermission(t *testing.T) {
	tests := []struct {
		name string
		ctx  Context
		want bool
	}{
		{"granted", &FakeContext{}, true},
		{"denied at start", &FakeContext{Deny: true}, false},
		{"no hardware", &FakeContext{OpenErr: errors.New("no capture devices")}, false},
		{"backend panic", &FakeContext{PanicOpen: true}, false},
		{"nil context", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RequestPermission(tt.ctx, nil); got != tt.want {
				t.Errorf("RequestPermission = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFakeCaptureDeliversFrames(t *testing.T) {
	ctx := NewFakeContext()
	capture, err := ctx.NewCapture(nil, DefaultCaptureConfig())
	if err != nil {
		t.Fatal(err)
	}
	got := make(chan uint32, 1)
	capture.SetCallback(func(_ []byte, frames uint32) {
		select {
		case got <- frames:
		default:
		}
	})
	if err := capture.Start(); err != nil {
		t.Fatal(err)
	}
	defer capture.Close()

	if frames := <-got; frames != fakeFrameSize {
		t.Errorf("frames = %d, want %d", frames, fakeFrameSize)
	}
}
