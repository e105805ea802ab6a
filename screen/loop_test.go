package screen

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu         sync.Mutex
	afters     []time.Duration
	everys     []time.Duration
	tickerStop int

	warm chan time.Time
	tick chan time.Time
}

func installFakeClock(l *Loop) *fakeClock {
	fc := &fakeClock{warm: make(chan time.Time), tick: make(chan time.Time)}
	l.after = func(d time.Duration) <-chan time.Time {
		fc.mu.Lock()
		fc.afters = append(fc.afters, d)
		fc.mu.Unlock()
		return fc.warm
	}
	l.every = func(d time.Duration) (<-chan time.Time, func()) {
		fc.mu.Lock()
		fc.everys = append(fc.everys, d)
		fc.mu.Unlock()
		return fc.tick, func() {
			fc.mu.Lock()
			fc.tickerStop++
			fc.mu.Unlock()
		}
	}
	return fc
}

func (fc *fakeClock) snapshot() (afters, everys []time.Duration, stops int) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]time.Duration(nil), fc.afters...), append([]time.Duration(nil), fc.everys...), fc.tickerStop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestLoop(src Source) (*Loop, *fakeClock, chan *CapturedImage, chan bool) {
	captured := make(chan *CapturedImage, 16)
	stopped := make(chan bool, 4)
	l := NewLoop(src, DefaultConfig(), Hooks{
		Captured: func(img *CapturedImage) { captured <- img },
		Stopped:  func(ended bool) { stopped <- ended },
	})
	return l, installFakeClock(l), captured, stopped
}

func TestStartSchedulesWarmUpThenInterval(t *testing.T) {
	src := &FakeSource{Width: 1920, Height: 1080}
	l, fc, captured, _ := newTestLoop(src)

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	if !l.Sharing() {
		t.Fatal("Sharing() = false after Start")
	}
	if l.Latest() != nil {
		t.Fatal("image available before first tick")
	}

	fc.warm <- time.Now()
	img := <-captured
	if img.Width != 800 || img.Height != 450 {
		t.Errorf("captured %dx%d, want 800x450", img.Width, img.Height)
	}
	if l.Latest() != img {
		t.Error("Latest() is not the published capture")
	}

	fc.tick <- time.Now()
	second := <-captured
	fc.tick <- time.Now()
	third := <-captured
	if second == img || third == second {
		t.Error("each tick must publish a fresh snapshot")
	}

	afters, everys, _ := fc.snapshot()
	if len(afters) != 1 || afters[0] != time.Second {
		t.Errorf("warm-up timers = %v, want exactly one of 1s", afters)
	}
	if len(everys) != 1 || everys[0] != 3*time.Second {
		t.Errorf("interval tickers = %v, want one of 3s", everys)
	}
	if n := src.Streams()[0].Frames(); n != 3 {
		t.Errorf("frames grabbed = %d, want 3", n)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	src := &FakeSource{Width: 640, Height: 480}
	l, fc, captured, stopped := newTestLoop(src)

	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	fc.warm <- time.Now()
	<-captured

	l.Stop()
	l.Stop()

	if l.Latest() != nil {
		t.Error("Latest() not cleared by Stop")
	}
	if l.Sharing() {
		t.Error("Sharing() still true after Stop")
	}
	if !src.Streams()[0].Stopped() {
		t.Error("stream not stopped")
	}
	if ended := <-stopped; ended {
		t.Error("explicit stop reported as ended by source")
	}
	select {
	case <-stopped:
		t.Error("Stopped hook fired twice")
	default:
	}
	waitFor(t, "ticker release", func() bool {
		_, _, stops := fc.snapshot()
		return stops == 1
	})
}

func TestStopWhenNeverStarted(t *testing.T) {
	l := NewLoop(&FakeSource{Width: 10, Height: 10}, DefaultConfig(), Hooks{})
	l.Stop()
	l.Stop()
	if l.Latest() != nil || l.Sharing() {
		t.Error("stopped loop must have no image and not be sharing")
	}
}

func TestStartFailureLeavesStateUnchanged(t *testing.T) {
	denied := errors.New("user cancelled picker")
	l, _, _, _ := newTestLoop(&FakeSource{OpenErr: denied})

	err := l.Start(context.Background())
	var shareErr *ShareError
	if !errors.As(err, &shareErr) {
		t.Fatalf("err = %v, want *ShareError", err)
	}
	if !errors.Is(err, denied) {
		t.Error("ShareError does not unwrap to the cause")
	}
	if l.Sharing() || l.Latest() != nil {
		t.Error("failed start left partial state")
	}
}

func TestSecondStartRejected(t *testing.T) {
	src := &FakeSource{Width: 10, Height: 10}
	l, _, _, _ := newTestLoop(src)
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	if err := l.Start(context.Background()); !errors.Is(err, ErrAlreadySharing) {
		t.Errorf("second Start err = %v, want ErrAlreadySharing", err)
	}
	if n := len(src.Streams()); n != 1 {
		t.Errorf("streams opened = %d, want 1", n)
	}
}

func TestRevokedStreamStopsShare(t *testing.T) {
	src := &FakeSource{Width: 1280, Height: 720}
	l, fc, captured, stopped := newTestLoop(src)
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	fc.warm <- time.Now()
	<-captured

	src.Streams()[0].Revoke()

	if ended := <-stopped; !ended {
		t.Error("revocation not reported as ended by source")
	}
	if l.Sharing() || l.Latest() != nil {
		t.Error("revoked share must clear state like Stop")
	}
}

func TestFrameErrorSkipsTick(t *testing.T) {
	src := &FakeSource{Width: 100, Height: 100}
	l, fc, captured, _ := newTestLoop(src)
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	fc.warm <- time.Now()
	first := <-captured

	stream := src.Streams()[0]
	stream.FailFrames(errors.New("frame not ready"))
	fc.tick <- time.Now()
	// the second send is only received once the first failed tick is done
	fc.tick <- time.Now()
	select {
	case <-captured:
		t.Fatal("failed frame published a capture")
	default:
	}

	stream.FailFrames(nil)
	fc.tick <- time.Now()
	second := <-captured

	if second == first {
		t.Error("expected a new capture after recovery")
	}
	if !l.Sharing() {
		t.Error("a failed frame must not stop sharing")
	}
}

func TestRealTimersSpacing(t *testing.T) {
	src := &FakeSource{Width: 64, Height: 64}
	var mu sync.Mutex
	var stamps []time.Time
	cfg := DefaultConfig()
	cfg.WarmUp = 20 * time.Millisecond
	cfg.Interval = 60 * time.Millisecond

	l := NewLoop(src, cfg, Hooks{Captured: func(*CapturedImage) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
	}})
	start := time.Now()
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "three captures", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(stamps) >= 3
	})
	l.Stop()

	mu.Lock()
	defer mu.Unlock()
	if first := stamps[0].Sub(start); first < cfg.WarmUp {
		t.Errorf("first capture after %v, before warm-up %v", first, cfg.WarmUp)
	}
	if gap := stamps[2].Sub(stamps[1]); gap < cfg.Interval/2 {
		t.Errorf("interval gap %v too short", gap)
	}
}
